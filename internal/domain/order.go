package domain

import (
	"strconv"
	"time"
)

// OrderStatus описывает жизненный цикл заказа по ваучеру.
type OrderStatus int

const (
	// OrderStatusUnpaid - заказ создан воркером, оплата не выполнена.
	OrderStatusUnpaid OrderStatus = 1
	// OrderStatusPaid - оплата подтверждена.
	OrderStatusPaid OrderStatus = 2
	// OrderStatusCanceled - заказ отменён.
	OrderStatusCanceled OrderStatus = 4
)

// PurchaseIntent - принятая гейтом заявка, ожидающая записи в БД.
type PurchaseIntent struct {
	OrderID   int64
	UserID    int64
	VoucherID int64
}

// Validate проверяет, что заявка содержит все идентификаторы.
func (p PurchaseIntent) Validate() error {
	if p.OrderID <= 0 || p.UserID <= 0 || p.VoucherID <= 0 {
		return ErrMalformedIntent
	}
	return nil
}

// LockName возвращает имя per-user блокировки для записи заказа.
func (p PurchaseIntent) LockName() string {
	return "order:" + strconv.FormatInt(p.UserID, 10)
}

// VoucherOrder - запись заказа в реляционном хранилище.
// Пара (UserID, VoucherID) уникальна.
type VoucherOrder struct {
	ID        int64
	UserID    int64
	VoucherID int64
	Status    OrderStatus
	CreatedAt time.Time
}

// NewVoucherOrder создаёт неоплаченный заказ из принятой заявки.
func NewVoucherOrder(intent PurchaseIntent, now time.Time) VoucherOrder {
	return VoucherOrder{
		ID:        intent.OrderID,
		UserID:    intent.UserID,
		VoucherID: intent.VoucherID,
		Status:    OrderStatusUnpaid,
		CreatedAt: now.UTC(),
	}
}
