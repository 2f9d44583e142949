package seckill

import (
	"context"

	"github.com/vladislavdragonenkov/seckill/internal/domain"
)

// AcceptHandler получает заявку, принятую гейтом.
// Ошибка означает, что заявка не доставлена и резерв должен быть снят.
type AcceptHandler interface {
	OnAccepted(ctx context.Context, intent domain.PurchaseIntent) error
}

// Enqueuer - очередь, куда передаются принятые заявки.
type Enqueuer interface {
	Enqueue(ctx context.Context, intent domain.PurchaseIntent) (string, error)
}

// StreamAcceptHandler ставит заявку в Redis stream.
type StreamAcceptHandler struct {
	queue Enqueuer
}

var _ AcceptHandler = (*StreamAcceptHandler)(nil)

// NewStreamAcceptHandler создаёт handler поверх очереди.
func NewStreamAcceptHandler(queue Enqueuer) *StreamAcceptHandler {
	return &StreamAcceptHandler{queue: queue}
}

// OnAccepted реализует AcceptHandler.
func (h *StreamAcceptHandler) OnAccepted(ctx context.Context, intent domain.PurchaseIntent) error {
	_, err := h.queue.Enqueue(ctx, intent)
	return err
}
