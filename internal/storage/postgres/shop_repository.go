package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/vladislavdragonenkov/seckill/internal/domain"
)

// ShopRepository хранит магазины в tb_shop.
type ShopRepository struct {
	db *sql.DB
}

var _ domain.ShopRepository = (*ShopRepository)(nil)

// NewShopRepository создаёт PostgreSQL-реализацию ShopRepository.
func NewShopRepository(store *Store) *ShopRepository {
	return &ShopRepository{db: store.DB()}
}

// Create вставляет магазин; нулевой ID выдаётся последовательностью.
func (r *ShopRepository) Create(ctx context.Context, shop domain.Shop) (domain.Shop, error) {
	if strings.TrimSpace(shop.Name) == "" {
		return domain.Shop{}, domain.ErrShopNameRequired
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := r.db.QueryRowContext(ctx, `
		INSERT INTO tb_shop (id, name, type_id, address, area, avg_price, score, open_hours)
		VALUES (
			COALESCE(NULLIF($1::BIGINT, 0), nextval(pg_get_serial_sequence('tb_shop', 'id'))),
			$2, $3, $4, $5, $6, $7, $8
		)
		RETURNING id, updated_at
	`,
		shop.ID, shop.Name, shop.TypeID, shop.Address, shop.Area, shop.AvgPrice, shop.Score, shop.OpenHours,
	).Scan(&shop.ID, &shop.UpdatedAt); err != nil {
		return domain.Shop{}, fmt.Errorf("insert shop: %w", err)
	}
	return shop, nil
}

// Get возвращает магазин или ErrShopNotFound.
func (r *ShopRepository) Get(ctx context.Context, id int64) (domain.Shop, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var shop domain.Shop
	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, type_id, address, area, avg_price, score, open_hours, updated_at
		FROM tb_shop
		WHERE id = $1
	`, id).Scan(
		&shop.ID, &shop.Name, &shop.TypeID, &shop.Address, &shop.Area,
		&shop.AvgPrice, &shop.Score, &shop.OpenHours, &shop.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Shop{}, domain.ErrShopNotFound
		}
		return domain.Shop{}, fmt.Errorf("select shop: %w", err)
	}
	return shop, nil
}

// Update обновляет магазин и вызывает inTx перед фиксацией транзакции.
func (r *ShopRepository) Update(ctx context.Context, shop domain.Shop, inTx func(ctx context.Context) error) error {
	if strings.TrimSpace(shop.Name) == "" {
		return domain.ErrShopNameRequired
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE tb_shop
			SET name = $2, type_id = $3, address = $4, area = $5,
			    avg_price = $6, score = $7, open_hours = $8, updated_at = NOW()
			WHERE id = $1
		`, shop.ID, shop.Name, shop.TypeID, shop.Address, shop.Area, shop.AvgPrice, shop.Score, shop.OpenHours)
		if err != nil {
			return fmt.Errorf("update shop: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update shop rows affected: %w", err)
		}
		if affected == 0 {
			return domain.ErrShopNotFound
		}

		if inTx != nil {
			if err := inTx(ctx); err != nil {
				return fmt.Errorf("update shop %d: %w", shop.ID, err)
			}
		}
		return nil
	})
}
