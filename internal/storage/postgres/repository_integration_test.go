package postgres

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/vladislavdragonenkov/seckill/internal/domain"
)

type RepositorySuite struct {
	suite.Suite

	store    *Store
	vouchers *VoucherRepository
	orders   *VoucherOrderRepository
	shops    *ShopRepository
}

func TestRepositorySuite(t *testing.T) {
	suite.Run(t, new(RepositorySuite))
}

func (s *RepositorySuite) SetupTest() {
	s.store = openPostgresStoreForIntegrationTest(s.T())
	s.vouchers = NewVoucherRepository(s.store)
	s.orders = NewVoucherOrderRepository(s.store)
	s.shops = NewShopRepository(s.store)
}

func (s *RepositorySuite) createVoucher(stock int) domain.Voucher {
	now := time.Now().UTC().Truncate(time.Microsecond)
	voucher, err := s.vouchers.Create(context.Background(), domain.Voucher{
		ShopID:      1,
		Title:       "flash",
		PayValue:    100,
		ActualValue: 1000,
		Stock:       stock,
		BeginTime:   now.Add(-time.Hour),
		EndTime:     now.Add(time.Hour),
	})
	s.Require().NoError(err)
	return voucher
}

func (s *RepositorySuite) TestVoucherCreateGet() {
	ctx := context.Background()
	created := s.createVoucher(10)
	s.NotZero(created.ID)

	stored, err := s.vouchers.Get(ctx, created.ID)
	s.Require().NoError(err)
	s.Equal(10, stored.Stock)
	s.True(created.BeginTime.Equal(stored.BeginTime))
	s.True(created.EndTime.Equal(stored.EndTime))

	_, err = s.vouchers.Get(ctx, created.ID+1000)
	s.ErrorIs(err, domain.ErrVoucherNotFound)
}

func (s *RepositorySuite) TestVoucherWithoutWindow() {
	ctx := context.Background()
	created, err := s.vouchers.Create(ctx, domain.Voucher{Title: "open", Stock: 1})
	s.Require().NoError(err)

	stored, err := s.vouchers.Get(ctx, created.ID)
	s.Require().NoError(err)
	s.True(stored.BeginTime.IsZero())
	s.True(stored.EndTime.IsZero())
}

func (s *RepositorySuite) TestCreateSeckillOrderOutcomes() {
	ctx := context.Background()
	voucher := s.createVoucher(1)

	order := domain.NewVoucherOrder(domain.PurchaseIntent{OrderID: 1, UserID: 10, VoucherID: voucher.ID}, time.Now())
	s.Require().NoError(s.orders.CreateSeckillOrder(ctx, order))
	s.ErrorIs(s.orders.CreateSeckillOrder(ctx, order), domain.ErrDuplicateOrder)

	other := domain.NewVoucherOrder(domain.PurchaseIntent{OrderID: 2, UserID: 11, VoucherID: voucher.ID}, time.Now())
	s.ErrorIs(s.orders.CreateSeckillOrder(ctx, other), domain.ErrOutOfStock)

	missing := domain.NewVoucherOrder(domain.PurchaseIntent{OrderID: 3, UserID: 12, VoucherID: voucher.ID + 1000}, time.Now())
	s.ErrorIs(s.orders.CreateSeckillOrder(ctx, missing), domain.ErrVoucherNotFound)

	stored, err := s.orders.Get(ctx, 1)
	s.Require().NoError(err)
	s.Equal(domain.OrderStatusUnpaid, stored.Status)

	count, err := s.orders.CountByUserAndVoucher(ctx, 10, voucher.ID)
	s.Require().NoError(err)
	s.Equal(1, count)

	_, err = s.orders.Get(ctx, 2)
	s.ErrorIs(err, domain.ErrOrderNotFound)
}

func (s *RepositorySuite) TestConcurrentOrdersNeverOversell() {
	ctx := context.Background()
	voucher := s.createVoucher(10)

	var (
		wg      sync.WaitGroup
		created atomic.Int64
	)
	for i := int64(1); i <= 40; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			order := domain.NewVoucherOrder(domain.PurchaseIntent{OrderID: id, UserID: id, VoucherID: voucher.ID}, time.Now())
			if err := s.orders.CreateSeckillOrder(ctx, order); err == nil {
				created.Add(1)
			}
		}(i)
	}
	wg.Wait()

	s.Equal(int64(10), created.Load())
	stored, err := s.vouchers.Get(ctx, voucher.ID)
	s.Require().NoError(err)
	s.Zero(stored.Stock)
}

func (s *RepositorySuite) TestShopUpdateRunsHookInTransaction() {
	ctx := context.Background()
	shop, err := s.shops.Create(ctx, domain.Shop{Name: "before", Area: "east"})
	s.Require().NoError(err)

	hookErr := errors.New("invalidate failed")
	shop.Name = "after"
	s.ErrorIs(s.shops.Update(ctx, shop, func(context.Context) error { return hookErr }), hookErr)

	stored, err := s.shops.Get(ctx, shop.ID)
	s.Require().NoError(err)
	s.Equal("before", stored.Name)

	s.Require().NoError(s.shops.Update(ctx, shop, func(context.Context) error { return nil }))
	stored, err = s.shops.Get(ctx, shop.ID)
	s.Require().NoError(err)
	s.Equal("after", stored.Name)

	s.ErrorIs(s.shops.Update(ctx, domain.Shop{ID: shop.ID + 1000, Name: "x"}, nil), domain.ErrShopNotFound)
}
