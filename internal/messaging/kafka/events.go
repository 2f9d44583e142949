package kafka

import (
	"strconv"
	"time"

	"github.com/vladislavdragonenkov/seckill/internal/domain"
)

// EventType определяет тип события
type EventType string

const (
	// EventTypeOrderCreated - заказ по ваучеру записан в БД.
	EventTypeOrderCreated EventType = "order.created"
)

// TopicOrderEvents - топик событий seckill-заказов.
const TopicOrderEvents = "seckill.order.events"

// OrderCreatedEvent - событие о записанном seckill-заказе.
type OrderCreatedEvent struct {
	EventType EventType `json:"event_type"`
	OrderID   string    `json:"order_id"`
	UserID    int64     `json:"user_id"`
	VoucherID int64     `json:"voucher_id"`
	Status    int       `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	Timestamp time.Time `json:"timestamp"`
}

// NewOrderCreatedEvent собирает событие из заказа. OrderID передаётся строкой,
// чтобы 64-битный идентификатор не терял точность в JSON-клиентах.
func NewOrderCreatedEvent(order domain.VoucherOrder) *OrderCreatedEvent {
	return &OrderCreatedEvent{
		EventType: EventTypeOrderCreated,
		OrderID:   strconv.FormatInt(order.ID, 10),
		UserID:    order.UserID,
		VoucherID: order.VoucherID,
		Status:    int(order.Status),
		CreatedAt: order.CreatedAt,
		Timestamp: time.Now().UTC(),
	}
}
