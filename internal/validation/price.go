// Package validation содержит функции валидации входных данных.
package validation

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrPriceMismatch возвращается, если цена из запроса расходится с ценой урока.
var ErrPriceMismatch = errors.New("submitted price does not match lesson price")

// PriceTolerance задаёт допустимое расхождение цены в единицах валюты.
var PriceTolerance = decimal.RequireFromString("0.01")

// CentsToUnits переводит сумму в минимальных единицах в единицы валюты.
func CentsToUnits(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}

// ValidatePrice сверяет цену, присланную клиентом, с сохранённой ценой урока.
func ValidatePrice(storedCents int64, submitted decimal.Decimal) error {
	if submitted.IsNegative() {
		return fmt.Errorf("%w: negative price %s", ErrPriceMismatch, submitted)
	}

	stored := CentsToUnits(storedCents)
	if stored.Sub(submitted).Abs().GreaterThan(PriceTolerance) {
		return fmt.Errorf("%w: stored %s, submitted %s", ErrPriceMismatch, stored.StringFixed(2), submitted)
	}
	return nil
}
