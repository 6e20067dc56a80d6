// Package repository содержит реализацию журнала покупок и каталога уроков.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mmeshcher/lessonpay/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const activeUserLessonConstraint = "purchases_active_user_lesson_key"

// ErrLessonNotFound возвращается, если урок не найден.
var (
	ErrLessonNotFound = errors.New("lesson not found")
	// ErrProfileNotFound возвращается, если у пользователя нет профиля преподавателя.
	ErrProfileNotFound = errors.New("instructor profile not found")
	// ErrPurchaseNotFound возвращается, если запись журнала не найдена.
	ErrPurchaseNotFound = errors.New("purchase not found")
	// ErrDuplicatePurchase возвращается при попытке создать вторую действующую покупку
	// одного урока одним пользователем.
	ErrDuplicatePurchase = errors.New("lesson already purchased")
)

// TransitionUpdate содержит поля, которые записываются вместе со сменой состояния.
type TransitionUpdate struct {
	PaymentConfirmationReference *string
	TransferReference            *string
	FailureReason                *string
}

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

var retryDelays = []time.Duration{100 * time.Millisecond, 300 * time.Millisecond, 1 * time.Second}

// withRetry повторяет операцию при конфликте сериализации, взаимной блокировке
// и обрыве соединения. Повторяются только операции, ключевые по естественному
// ключу идемпотентности.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error

	for i := 0; i <= len(retryDelays); i++ {
		err = fn()
		if err == nil || !isRetryable(err) || i == len(retryDelays) {
			return err
		}

		timer := time.NewTimer(retryDelays[i])
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}

	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// Ping проверяет доступность БД.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// GetLesson возвращает урок по идентификатору.
func (r *PostgresRepository) GetLesson(ctx context.Context, id uuid.UUID) (*model.Lesson, error) {
	var l model.Lesson
	err := r.pool.QueryRow(ctx,
		`SELECT id, instructor_id, title, description, price_cents, external_product_id, external_price_id
		 FROM lessons WHERE id = $1`,
		id,
	).Scan(&l.ID, &l.InstructorID, &l.Title, &l.Description, &l.PriceCents, &l.ExternalProductID, &l.ExternalPriceID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrLessonNotFound
		}
		return nil, fmt.Errorf("get lesson: %w", err)
	}
	return &l, nil
}

// SaveLessonCatalog сохраняет внешние идентификаторы продукта и цены урока, если
// они ещё не заполнены. Возвращает актуальное состояние урока и признак того,
// что запись выполнена этим вызовом.
func (r *PostgresRepository) SaveLessonCatalog(ctx context.Context, id uuid.UUID, productID, priceID string) (*model.Lesson, bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE lessons
		 SET external_product_id = $2, external_price_id = $3
		 WHERE id = $1 AND price_cents > 0 AND external_price_id IS NULL`,
		id, productID, priceID,
	)
	if err != nil {
		return nil, false, fmt.Errorf("save lesson catalog: %w", err)
	}

	l, err := r.GetLesson(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return l, tag.RowsAffected() == 1, nil
}

// GetInstructorProfile возвращает платёжный профиль преподавателя.
func (r *PostgresRepository) GetInstructorProfile(ctx context.Context, userID uuid.UUID) (*model.InstructorProfile, error) {
	var p model.InstructorProfile
	err := r.pool.QueryRow(ctx,
		`SELECT user_id, external_account_id, account_enabled, onboarding_complete
		 FROM instructor_profiles WHERE user_id = $1`,
		userID,
	).Scan(&p.UserID, &p.ExternalAccountID, &p.AccountEnabled, &p.OnboardingComplete)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProfileNotFound
		}
		return nil, fmt.Errorf("get instructor profile: %w", err)
	}
	return &p, nil
}

const purchaseColumns = `id, user_id, lesson_id, external_payment_reference, payment_confirmation_reference,
	amount, instructor_payout_amount, platform_fee_amount, payout_status, is_free,
	external_transfer_reference, failure_reason, created_at, updated_at`

func scanPurchase(row pgx.Row) (*model.Purchase, error) {
	var (
		p      model.Purchase
		status string
	)
	err := row.Scan(
		&p.ID, &p.UserID, &p.LessonID, &p.ExternalPaymentReference, &p.PaymentConfirmationReference,
		&p.Amount, &p.InstructorPayoutAmount, &p.PlatformFeeAmount, &status, &p.IsFree,
		&p.ExternalTransferReference, &p.FailureReason, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.PayoutStatus = model.PayoutStatus(status)
	return &p, nil
}

// PurchaseExists сообщает, есть ли у пользователя действующая покупка урока.
func (r *PostgresRepository) PurchaseExists(ctx context.Context, userID, lessonID uuid.UUID) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(
			SELECT 1 FROM purchases
			WHERE user_id = $1 AND lesson_id = $2 AND payout_status <> $3
		 )`,
		userID, lessonID, string(model.PayoutStatusFailed),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check purchase: %w", err)
	}
	return exists, nil
}

// GetActivePurchase возвращает действующую покупку урока пользователем.
func (r *PostgresRepository) GetActivePurchase(ctx context.Context, userID, lessonID uuid.UUID) (*model.Purchase, error) {
	p, err := scanPurchase(r.pool.QueryRow(ctx,
		`SELECT `+purchaseColumns+`
		 FROM purchases
		 WHERE user_id = $1 AND lesson_id = $2 AND payout_status <> $3`,
		userID, lessonID, string(model.PayoutStatusFailed),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPurchaseNotFound
		}
		return nil, fmt.Errorf("get active purchase: %w", err)
	}
	return p, nil
}

// GetPurchaseByReference возвращает покупку по ссылке на платёж.
func (r *PostgresRepository) GetPurchaseByReference(ctx context.Context, ref string) (*model.Purchase, error) {
	p, err := scanPurchase(r.pool.QueryRow(ctx,
		`SELECT `+purchaseColumns+` FROM purchases WHERE external_payment_reference = $1`,
		ref,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPurchaseNotFound
		}
		return nil, fmt.Errorf("get purchase: %w", err)
	}
	return p, nil
}

// CreatePurchase добавляет запись в журнал. Повторная вставка с той же ссылкой на
// платёж ничего не делает и возвращает false. Если у пользователя уже есть
// действующая покупка урока, возвращается ErrDuplicatePurchase.
func (r *PostgresRepository) CreatePurchase(ctx context.Context, p *model.Purchase) (bool, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}

	var inserted bool
	err := r.withRetry(ctx, func() error {
		tag, err := r.pool.Exec(ctx,
			`INSERT INTO purchases (
				id, user_id, lesson_id, external_payment_reference, payment_confirmation_reference,
				amount, instructor_payout_amount, platform_fee_amount, payout_status, is_free
			 ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			 ON CONFLICT (external_payment_reference) DO NOTHING`,
			p.ID, p.UserID, p.LessonID, p.ExternalPaymentReference, p.PaymentConfirmationReference,
			p.Amount, p.InstructorPayoutAmount, p.PlatformFeeAmount, string(p.PayoutStatus), p.IsFree,
		)
		if err != nil {
			return err
		}
		inserted = tag.RowsAffected() == 1
		return nil
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation && pgErr.ConstraintName == activeUserLessonConstraint {
			return false, fmt.Errorf("%w: user %s", ErrDuplicatePurchase, p.UserID)
		}
		return false, fmt.Errorf("insert purchase: %w", err)
	}

	return inserted, nil
}

// TransitionPurchase переводит покупку из состояния from в состояние to, если она
// всё ещё находится в состоянии from. Возвращает false, если переход уже выполнен
// другим вызовом или покупка находится в другом состоянии.
func (r *PostgresRepository) TransitionPurchase(ctx context.Context, ref string, from, to model.PayoutStatus, upd TransitionUpdate) (bool, error) {
	if !from.CanTransition(to) {
		return false, fmt.Errorf("illegal transition %s -> %s", from, to)
	}

	var applied bool
	err := r.withRetry(ctx, func() error {
		tag, err := r.pool.Exec(ctx,
			`UPDATE purchases SET
				payout_status = $3,
				payment_confirmation_reference = COALESCE($4, payment_confirmation_reference),
				external_transfer_reference = COALESCE($5, external_transfer_reference),
				failure_reason = COALESCE($6, failure_reason),
				updated_at = NOW()
			 WHERE external_payment_reference = $1 AND payout_status = $2`,
			ref, string(from), string(to), upd.PaymentConfirmationReference, upd.TransferReference, upd.FailureReason,
		)
		if err != nil {
			return err
		}
		applied = tag.RowsAffected() == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("transition purchase: %w", err)
	}
	return applied, nil
}

// AttachTransferReference сохраняет идентификатор перевода, если он ещё не записан.
func (r *PostgresRepository) AttachTransferReference(ctx context.Context, ref, transferID string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE purchases SET external_transfer_reference = $2, updated_at = NOW()
		 WHERE external_payment_reference = $1 AND external_transfer_reference IS NULL`,
		ref, transferID,
	)
	if err != nil {
		return fmt.Errorf("attach transfer reference: %w", err)
	}
	return nil
}

// ListStalePendingTransfers возвращает покупки, застрявшие в ожидании перевода.
func (r *PostgresRepository) ListStalePendingTransfers(ctx context.Context, olderThan time.Time, limit int) ([]model.Purchase, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+purchaseColumns+`
		 FROM purchases
		 WHERE payout_status = $1 AND updated_at < $2
		 ORDER BY updated_at
		 LIMIT $3`,
		string(model.PayoutStatusPendingTransfer), olderThan, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select stale purchases: %w", err)
	}
	return collectPurchases(rows)
}

// ListPurchasesByUser возвращает покупки пользователя, новые первыми.
func (r *PostgresRepository) ListPurchasesByUser(ctx context.Context, userID uuid.UUID) ([]model.Purchase, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+purchaseColumns+`
		 FROM purchases
		 WHERE user_id = $1
		 ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select purchases: %w", err)
	}
	return collectPurchases(rows)
}

func collectPurchases(rows pgx.Rows) ([]model.Purchase, error) {
	defer rows.Close()

	var res []model.Purchase
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, fmt.Errorf("scan purchase: %w", err)
		}
		res = append(res, *p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// RecordWebhookEvent фиксирует получение события. Возвращает true, если событие
// уже было успешно обработано ранее.
func (r *PostgresRepository) RecordWebhookEvent(ctx context.Context, eventID, eventType string, payload []byte) (bool, error) {
	var status string
	err := r.pool.QueryRow(ctx,
		`INSERT INTO webhook_events (event_id, event_type, payload)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (event_id) DO UPDATE SET attempts = webhook_events.attempts + 1
		 RETURNING status`,
		eventID, eventType, payload,
	).Scan(&status)
	if err != nil {
		return false, fmt.Errorf("record webhook event: %w", err)
	}
	return model.WebhookEventStatus(status) == model.WebhookEventProcessed, nil
}

// FinishWebhookEvent записывает результат обработки события.
func (r *PostgresRepository) FinishWebhookEvent(ctx context.Context, eventID string, status model.WebhookEventStatus, errMsg string) error {
	var errVal *string
	if errMsg != "" {
		errVal = &errMsg
	}

	_, err := r.pool.Exec(ctx,
		`UPDATE webhook_events SET status = $2, error = $3, processed_at = NOW()
		 WHERE event_id = $1 AND status <> $4`,
		eventID, string(status), errVal, string(model.WebhookEventProcessed),
	)
	if err != nil {
		return fmt.Errorf("finish webhook event: %w", err)
	}
	return nil
}
