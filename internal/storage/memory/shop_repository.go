package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/seckill/internal/domain"
)

// ShopRepository - in-memory хранилище магазинов.
type ShopRepository struct {
	mu     sync.RWMutex
	items  map[int64]domain.Shop
	nextID int64
}

var _ domain.ShopRepository = (*ShopRepository)(nil)

// NewShopRepository возвращает пустой репозиторий магазинов.
func NewShopRepository() *ShopRepository {
	return &ShopRepository{
		items: make(map[int64]domain.Shop),
	}
}

// Create сохраняет магазин; нулевой ID заменяется следующим свободным.
func (r *ShopRepository) Create(_ context.Context, shop domain.Shop) (domain.Shop, error) {
	if strings.TrimSpace(shop.Name) == "" {
		return domain.Shop{}, domain.ErrShopNameRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if shop.ID == 0 {
		r.nextID++
		for r.items[r.nextID].ID != 0 {
			r.nextID++
		}
		shop.ID = r.nextID
	}
	shop.UpdatedAt = time.Now().UTC()
	r.items[shop.ID] = shop
	return shop, nil
}

// Get возвращает магазин или ErrShopNotFound.
func (r *ShopRepository) Get(_ context.Context, id int64) (domain.Shop, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	shop, ok := r.items[id]
	if !ok {
		return domain.Shop{}, domain.ErrShopNotFound
	}
	return shop, nil
}

// Update заменяет магазин. Изменение видно только если inTx завершился без ошибки.
func (r *ShopRepository) Update(ctx context.Context, shop domain.Shop, inTx func(ctx context.Context) error) error {
	if strings.TrimSpace(shop.Name) == "" {
		return domain.ErrShopNameRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.items[shop.ID]; !ok {
		return domain.ErrShopNotFound
	}
	if inTx != nil {
		if err := inTx(ctx); err != nil {
			return fmt.Errorf("update shop %d: %w", shop.ID, err)
		}
	}
	shop.UpdatedAt = time.Now().UTC()
	r.items[shop.ID] = shop
	return nil
}
