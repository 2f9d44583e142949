package domain

import "context"

// OrderEventPublisher сообщает внешним системам о записанных заказах.
type OrderEventPublisher interface {
	// PublishOrderCreated публикует событие; доставка best-effort.
	PublishOrderCreated(ctx context.Context, order VoucherOrder) error
}
