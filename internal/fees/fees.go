// Package fees рассчитывает разделение платежа между платформой и преподавателем.
package fees

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// DefaultPercent задаёт процент комиссии платформы по умолчанию.
const DefaultPercent = 15

var hundred = decimal.NewFromInt(100)

// Schedule описывает неизменяемую схему комиссии платформы.
type Schedule struct {
	percent decimal.Decimal
}

// NewSchedule создаёт схему комиссии. Процент должен лежать в диапазоне [0, 100].
func NewSchedule(percent float64) (Schedule, error) {
	p := decimal.NewFromFloat(percent)
	if p.IsNegative() || p.GreaterThan(hundred) {
		return Schedule{}, fmt.Errorf("platform fee percent out of range: %s", p)
	}
	return Schedule{percent: p}, nil
}

// Percent возвращает процент комиссии.
func (s Schedule) Percent() decimal.Decimal {
	return s.percent
}

// Split делит сумму в минимальных единицах валюты на комиссию платформы и выплату
// преподавателю. Комиссия округляется половиной вверх, выплата получает остаток,
// поэтому platformFee + instructorAmount == amount.
//
// Отрицательная сумма считается ошибкой вызывающей стороны.
func (s Schedule) Split(amount int64) (platformFee, instructorAmount int64) {
	if amount < 0 {
		panic(fmt.Sprintf("fees: negative amount %d", amount))
	}

	fee := decimal.NewFromInt(amount).Mul(s.percent).Div(hundred).Round(0)
	platformFee = fee.IntPart()
	return platformFee, amount - platformFee
}
