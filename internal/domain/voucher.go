package domain

import "time"

// Voucher описывает seckill-ваучер: цену, остаток и окно продажи.
type Voucher struct {
	ID          int64
	ShopID      int64
	Title       string
	SubTitle    string
	PayValue    int64
	ActualValue int64
	// Stock - авторитетный остаток в реляционном хранилище.
	Stock     int
	BeginTime time.Time
	EndTime   time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SaleState описывает положение момента времени относительно окна продажи.
type SaleState int

const (
	// SaleOpen - продажа идёт.
	SaleOpen SaleState = iota
	// SaleNotStarted - окно ещё не открылось.
	SaleNotStarted
	// SaleEnded - окно уже закрылось.
	SaleEnded
)

// SaleStateAt возвращает состояние окна продажи на момент now.
// Границы окна включаются в продажу.
func (v *Voucher) SaleStateAt(now time.Time) SaleState {
	if !v.BeginTime.IsZero() && now.Before(v.BeginTime) {
		return SaleNotStarted
	}
	if !v.EndTime.IsZero() && now.After(v.EndTime) {
		return SaleEnded
	}
	return SaleOpen
}

// Validate проверяет инварианты ваучера перед публикацией.
func (v *Voucher) Validate() []error {
	var errs []error

	if v.Stock <= 0 {
		errs = append(errs, ErrStockInvalid)
	}
	if v.PayValue < 0 || v.ActualValue < 0 {
		errs = append(errs, ErrPriceNegative)
	}
	if !v.BeginTime.IsZero() && !v.EndTime.IsZero() && !v.BeginTime.Before(v.EndTime) {
		errs = append(errs, ErrSaleWindowInvalid)
	}

	return errs
}
