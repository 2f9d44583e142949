package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vladislavdragonenkov/seckill/internal/domain"
)

// VoucherOrderRepository записывает seckill-заказы в tb_voucher_order.
type VoucherOrderRepository struct {
	db *sql.DB
}

var _ domain.VoucherOrderRepository = (*VoucherOrderRepository)(nil)

// NewVoucherOrderRepository создаёт PostgreSQL-реализацию VoucherOrderRepository.
func NewVoucherOrderRepository(store *Store) *VoucherOrderRepository {
	return &VoucherOrderRepository{db: store.DB()}
}

// CreateSeckillOrder выполняет проверку повторной покупки, guarded decrement
// и вставку заказа в одной транзакции.
func (r *VoucherOrderRepository) CreateSeckillOrder(ctx context.Context, order domain.VoucherOrder) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		var existing int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM tb_voucher_order WHERE user_id = $1 AND voucher_id = $2
		`, order.UserID, order.VoucherID).Scan(&existing); err != nil {
			return fmt.Errorf("count user orders: %w", err)
		}
		if existing > 0 {
			return domain.ErrDuplicateOrder
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE tb_seckill_voucher
			SET stock = stock - 1, updated_at = NOW()
			WHERE voucher_id = $1 AND stock > 0
		`, order.VoucherID)
		if err != nil {
			return fmt.Errorf("decrement stock: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("decrement stock rows affected: %w", err)
		}
		if affected == 0 {
			return r.explainNoStock(ctx, tx, order.VoucherID)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tb_voucher_order (id, user_id, voucher_id, status, created_at)
			VALUES ($1, $2, $3, $4, $5)
		`, order.ID, order.UserID, order.VoucherID, int(order.Status), order.CreatedAt); err != nil {
			if isUniqueViolation(err) {
				return domain.ErrDuplicateOrder
			}
			return fmt.Errorf("insert voucher order: %w", err)
		}
		return nil
	})
}

func (r *VoucherOrderRepository) explainNoStock(ctx context.Context, tx *sql.Tx, voucherID int64) error {
	var exists bool
	if err := tx.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM tb_seckill_voucher WHERE voucher_id = $1)
	`, voucherID).Scan(&exists); err != nil {
		return fmt.Errorf("check seckill voucher: %w", err)
	}
	if !exists {
		return domain.ErrVoucherNotFound
	}
	return domain.ErrOutOfStock
}

// Get возвращает заказ или ErrOrderNotFound.
func (r *VoucherOrderRepository) Get(ctx context.Context, id int64) (domain.VoucherOrder, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		order  domain.VoucherOrder
		status int
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, voucher_id, status, created_at
		FROM tb_voucher_order
		WHERE id = $1
	`, id).Scan(&order.ID, &order.UserID, &order.VoucherID, &status, &order.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.VoucherOrder{}, domain.ErrOrderNotFound
		}
		return domain.VoucherOrder{}, fmt.Errorf("select voucher order: %w", err)
	}
	order.Status = domain.OrderStatus(status)
	return order, nil
}

// CountByUserAndVoucher возвращает число заказов пользователя на ваучер.
func (r *VoucherOrderRepository) CountByUserAndVoucher(ctx context.Context, userID, voucherID int64) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var count int
	if err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tb_voucher_order WHERE user_id = $1 AND voucher_id = $2
	`, userID, voucherID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count user orders: %w", err)
	}
	return count, nil
}
