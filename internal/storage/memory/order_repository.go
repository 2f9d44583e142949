package memory

import (
	"context"
	"sync"

	"github.com/vladislavdragonenkov/seckill/internal/domain"
)

type userVoucher struct {
	userID    int64
	voucherID int64
}

// VoucherOrderRepository - in-memory реализация записи seckill-заказов.
// Остаток списывается в связанном VoucherRepository.
type VoucherOrderRepository struct {
	mu       sync.RWMutex
	items    map[int64]domain.VoucherOrder
	byUser   map[userVoucher]int64
	vouchers *VoucherRepository
}

var _ domain.VoucherOrderRepository = (*VoucherOrderRepository)(nil)

// NewVoucherOrderRepository возвращает репозиторий заказов поверх vouchers.
func NewVoucherOrderRepository(vouchers *VoucherRepository) *VoucherOrderRepository {
	return &VoucherOrderRepository{
		items:    make(map[int64]domain.VoucherOrder),
		byUser:   make(map[userVoucher]int64),
		vouchers: vouchers,
	}
}

// CreateSeckillOrder проверяет уникальность (user, voucher), списывает остаток
// и сохраняет заказ под одним мьютексом.
func (r *VoucherOrderRepository) CreateSeckillOrder(_ context.Context, order domain.VoucherOrder) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := userVoucher{userID: order.UserID, voucherID: order.VoucherID}
	if _, exists := r.byUser[key]; exists {
		return domain.ErrDuplicateOrder
	}
	if _, exists := r.items[order.ID]; exists {
		return domain.ErrDuplicateOrder
	}

	if err := r.vouchers.decrementStock(order.VoucherID); err != nil {
		return err
	}

	r.items[order.ID] = order
	r.byUser[key] = order.ID
	return nil
}

// Get возвращает заказ или ErrOrderNotFound.
func (r *VoucherOrderRepository) Get(_ context.Context, id int64) (domain.VoucherOrder, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	order, ok := r.items[id]
	if !ok {
		return domain.VoucherOrder{}, domain.ErrOrderNotFound
	}
	return order, nil
}

// CountByUserAndVoucher возвращает 0 или 1.
func (r *VoucherOrderRepository) CountByUserAndVoucher(_ context.Context, userID, voucherID int64) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.byUser[userVoucher{userID: userID, voucherID: voucherID}]; ok {
		return 1, nil
	}
	return 0, nil
}

// Len возвращает число сохранённых заказов.
func (r *VoucherOrderRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}
