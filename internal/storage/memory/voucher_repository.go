package memory

import (
	"context"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/seckill/internal/domain"
)

// VoucherRepository - in-memory хранилище seckill-ваучеров с авторитетным остатком.
type VoucherRepository struct {
	mu     sync.RWMutex
	items  map[int64]domain.Voucher
	nextID int64
}

var _ domain.VoucherRepository = (*VoucherRepository)(nil)

// NewVoucherRepository возвращает in-memory репозиторий ваучеров.
func NewVoucherRepository() *VoucherRepository {
	return &VoucherRepository{
		items: make(map[int64]domain.Voucher),
	}
}

// Create сохраняет ваучер; нулевой ID заменяется следующим свободным.
func (r *VoucherRepository) Create(_ context.Context, voucher domain.Voucher) (domain.Voucher, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if voucher.ID == 0 {
		r.nextID++
		for r.items[r.nextID].ID != 0 {
			r.nextID++
		}
		voucher.ID = r.nextID
	}
	now := time.Now().UTC()
	if voucher.CreatedAt.IsZero() {
		voucher.CreatedAt = now
	}
	voucher.UpdatedAt = now

	r.items[voucher.ID] = voucher
	return voucher, nil
}

// Get возвращает ваучер или ErrVoucherNotFound.
func (r *VoucherRepository) Get(_ context.Context, id int64) (domain.Voucher, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	voucher, ok := r.items[id]
	if !ok {
		return domain.Voucher{}, domain.ErrVoucherNotFound
	}
	return voucher, nil
}

// decrementStock - guarded decrement: остаток уменьшается только если он положителен.
func (r *VoucherRepository) decrementStock(id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	voucher, ok := r.items[id]
	if !ok {
		return domain.ErrVoucherNotFound
	}
	if voucher.Stock <= 0 {
		return domain.ErrOutOfStock
	}
	voucher.Stock--
	voucher.UpdatedAt = time.Now().UTC()
	r.items[id] = voucher
	return nil
}
