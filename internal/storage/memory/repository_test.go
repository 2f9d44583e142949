package memory_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/seckill/internal/domain"
	"github.com/vladislavdragonenkov/seckill/internal/storage/memory"
)

func newVoucher(stock int) domain.Voucher {
	now := time.Now().UTC()
	return domain.Voucher{
		ShopID:      1,
		Title:       "100 off 50",
		PayValue:    5000,
		ActualValue: 10000,
		Stock:       stock,
		BeginTime:   now.Add(-time.Hour),
		EndTime:     now.Add(time.Hour),
	}
}

func TestVoucherRepository_CreateAssignsID(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewVoucherRepository()

	first, err := repo.Create(ctx, newVoucher(10))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	second, err := repo.Create(ctx, newVoucher(10))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if first.ID == 0 || second.ID == 0 || first.ID == second.ID {
		t.Fatalf("expected distinct ids, got %d and %d", first.ID, second.ID)
	}

	stored, err := repo.Get(ctx, first.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if stored.Stock != 10 {
		t.Fatalf("expected stock 10, got %d", stored.Stock)
	}

	if _, err := repo.Get(ctx, 999); !errors.Is(err, domain.ErrVoucherNotFound) {
		t.Fatalf("expected ErrVoucherNotFound, got %v", err)
	}
}

func TestVoucherOrderRepository_CreateSeckillOrder(t *testing.T) {
	ctx := context.Background()
	vouchers := memory.NewVoucherRepository()
	orders := memory.NewVoucherOrderRepository(vouchers)

	voucher, err := vouchers.Create(ctx, newVoucher(1))
	if err != nil {
		t.Fatalf("create voucher failed: %v", err)
	}

	order := domain.VoucherOrder{ID: 1, UserID: 10, VoucherID: voucher.ID, Status: domain.OrderStatusUnpaid}
	if err := orders.CreateSeckillOrder(ctx, order); err != nil {
		t.Fatalf("create order failed: %v", err)
	}

	if err := orders.CreateSeckillOrder(ctx, order); !errors.Is(err, domain.ErrDuplicateOrder) {
		t.Fatalf("expected ErrDuplicateOrder on redelivery, got %v", err)
	}

	other := domain.VoucherOrder{ID: 2, UserID: 11, VoucherID: voucher.ID}
	if err := orders.CreateSeckillOrder(ctx, other); !errors.Is(err, domain.ErrOutOfStock) {
		t.Fatalf("expected ErrOutOfStock, got %v", err)
	}

	missing := domain.VoucherOrder{ID: 3, UserID: 12, VoucherID: 404}
	if err := orders.CreateSeckillOrder(ctx, missing); !errors.Is(err, domain.ErrVoucherNotFound) {
		t.Fatalf("expected ErrVoucherNotFound, got %v", err)
	}

	stored, err := vouchers.Get(ctx, voucher.ID)
	if err != nil {
		t.Fatalf("get voucher failed: %v", err)
	}
	if stored.Stock != 0 {
		t.Fatalf("expected stock 0, got %d", stored.Stock)
	}

	count, err := orders.CountByUserAndVoucher(ctx, 10, voucher.ID)
	if err != nil || count != 1 {
		t.Fatalf("expected count 1, got %d (%v)", count, err)
	}
	if _, err := orders.Get(ctx, 2); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestVoucherOrderRepository_ConcurrentOrdersNeverOversell(t *testing.T) {
	ctx := context.Background()
	vouchers := memory.NewVoucherRepository()
	orders := memory.NewVoucherOrderRepository(vouchers)

	voucher, err := vouchers.Create(ctx, newVoucher(25))
	if err != nil {
		t.Fatalf("create voucher failed: %v", err)
	}

	var (
		wg      sync.WaitGroup
		created atomic.Int64
	)
	for i := int64(1); i <= 200; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			err := orders.CreateSeckillOrder(ctx, domain.VoucherOrder{ID: id, UserID: id, VoucherID: voucher.ID})
			if err == nil {
				created.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if created.Load() != 25 || orders.Len() != 25 {
		t.Fatalf("expected 25 orders, got %d (stored %d)", created.Load(), orders.Len())
	}
}

func TestShopRepository_UpdateRollsBackOnHookError(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewShopRepository()

	shop, err := repo.Create(ctx, domain.Shop{Name: "tea house", Area: "center"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	hookErr := errors.New("cache unavailable")
	shop.Name = "coffee house"
	err = repo.Update(ctx, shop, func(context.Context) error { return hookErr })
	if !errors.Is(err, hookErr) {
		t.Fatalf("expected hook error, got %v", err)
	}

	stored, err := repo.Get(ctx, shop.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if stored.Name != "tea house" {
		t.Fatalf("expected rollback, got name %q", stored.Name)
	}

	called := false
	if err := repo.Update(ctx, shop, func(context.Context) error { called = true; return nil }); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if !called {
		t.Fatal("expected inTx hook to be called")
	}
	stored, _ = repo.Get(ctx, shop.ID)
	if stored.Name != "coffee house" {
		t.Fatalf("expected updated name, got %q", stored.Name)
	}
}

func TestShopRepository_Errors(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewShopRepository()

	if _, err := repo.Create(ctx, domain.Shop{}); !errors.Is(err, domain.ErrShopNameRequired) {
		t.Fatalf("expected ErrShopNameRequired, got %v", err)
	}
	if err := repo.Update(ctx, domain.Shop{ID: 7, Name: "x"}, nil); !errors.Is(err, domain.ErrShopNotFound) {
		t.Fatalf("expected ErrShopNotFound, got %v", err)
	}
	if _, err := repo.Get(ctx, 7); !errors.Is(err, domain.ErrShopNotFound) {
		t.Fatalf("expected ErrShopNotFound, got %v", err)
	}
}
