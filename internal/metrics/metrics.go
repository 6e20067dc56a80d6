// Package metrics содержит метрики Prometheus конвейера покупок и выплат.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CheckoutsTotal считает попытки оформления покупки по результату.
	CheckoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lessonpay_checkouts_total",
		Help: "Checkout attempts by outcome",
	}, []string{"outcome"})

	// WebhookEventsTotal считает входящие события платёжной системы.
	WebhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lessonpay_webhook_events_total",
		Help: "Payment processor webhook events by kind and outcome",
	}, []string{"kind", "outcome"})

	// LedgerTransitionsTotal считает применённые переходы журнала покупок.
	LedgerTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lessonpay_ledger_transitions_total",
		Help: "Applied purchase ledger transitions",
	}, []string{"from", "to"})

	// PayoutsTotal считает попытки выплат преподавателям.
	PayoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lessonpay_payouts_total",
		Help: "Payout transfer requests by outcome",
	}, []string{"outcome"})

	// CatalogRepairsTotal считает ленивые создания продукта и цены урока.
	CatalogRepairsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lessonpay_catalog_repairs_total",
		Help: "Lessons whose processor product and price were created lazily",
	})

	// StalePendingTransfers показывает число покупок, застрявших в ожидании перевода.
	StalePendingTransfers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lessonpay_stale_pending_transfers",
		Help: "Purchases in pending_transfer older than the sweep threshold",
	})

	// HTTPRequestDuration хранит распределение длительности HTTP-запросов.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lessonpay_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"method", "route", "status"})
)
