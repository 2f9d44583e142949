package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vladislavdragonenkov/seckill/internal/domain"
)

// VoucherRepository хранит ваучеры в tb_voucher и их остаток в tb_seckill_voucher.
type VoucherRepository struct {
	db *sql.DB
}

var _ domain.VoucherRepository = (*VoucherRepository)(nil)

// NewVoucherRepository создаёт PostgreSQL-реализацию VoucherRepository.
func NewVoucherRepository(store *Store) *VoucherRepository {
	return &VoucherRepository{db: store.DB()}
}

// Create вставляет ваучер и его seckill-часть в одной транзакции.
func (r *VoucherRepository) Create(ctx context.Context, voucher domain.Voucher) (domain.Voucher, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, `
			INSERT INTO tb_voucher (id, shop_id, title, sub_title, pay_value, actual_value)
			VALUES (
				COALESCE(NULLIF($1::BIGINT, 0), nextval(pg_get_serial_sequence('tb_voucher', 'id'))),
				$2, $3, $4, $5, $6
			)
			RETURNING id, created_at, updated_at
		`,
			voucher.ID, voucher.ShopID, voucher.Title, voucher.SubTitle, voucher.PayValue, voucher.ActualValue,
		).Scan(&voucher.ID, &voucher.CreatedAt, &voucher.UpdatedAt); err != nil {
			return fmt.Errorf("insert voucher: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tb_seckill_voucher (voucher_id, stock, begin_time, end_time)
			VALUES ($1, $2, $3, $4)
		`, voucher.ID, voucher.Stock, nullTime(voucher.BeginTime), nullTime(voucher.EndTime)); err != nil {
			return fmt.Errorf("insert seckill voucher: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.Voucher{}, err
	}
	return voucher, nil
}

// Get возвращает ваучер с текущим остатком или ErrVoucherNotFound.
func (r *VoucherRepository) Get(ctx context.Context, id int64) (domain.Voucher, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		voucher    domain.Voucher
		begin, end sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT v.id, v.shop_id, v.title, v.sub_title, v.pay_value, v.actual_value,
		       s.stock, s.begin_time, s.end_time, v.created_at, s.updated_at
		FROM tb_voucher v
		JOIN tb_seckill_voucher s ON s.voucher_id = v.id
		WHERE v.id = $1
	`, id).Scan(
		&voucher.ID, &voucher.ShopID, &voucher.Title, &voucher.SubTitle, &voucher.PayValue, &voucher.ActualValue,
		&voucher.Stock, &begin, &end, &voucher.CreatedAt, &voucher.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Voucher{}, domain.ErrVoucherNotFound
		}
		return domain.Voucher{}, fmt.Errorf("select voucher: %w", err)
	}
	if begin.Valid {
		voucher.BeginTime = begin.Time
	}
	if end.Valid {
		voucher.EndTime = end.Time
	}
	return voucher, nil
}
