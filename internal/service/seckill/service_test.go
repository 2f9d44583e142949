package seckill

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/vladislavdragonenkov/seckill/internal/cache"
	"github.com/vladislavdragonenkov/seckill/internal/domain"
	"github.com/vladislavdragonenkov/seckill/internal/idgen"
	"github.com/vladislavdragonenkov/seckill/internal/inventory"
	"github.com/vladislavdragonenkov/seckill/internal/messaging/redisstream"
	"github.com/vladislavdragonenkov/seckill/internal/metrics"
	"github.com/vladislavdragonenkov/seckill/internal/storage/memory"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type failingHandler struct{ calls atomic.Int64 }

func (h *failingHandler) OnAccepted(context.Context, domain.PurchaseIntent) error {
	h.calls.Add(1)
	return errors.New("stream unavailable")
}

type ServiceSuite struct {
	suite.Suite

	mr       *miniredis.Miniredis
	client   *redis.Client
	vouchers *memory.VoucherRepository
	gate     *inventory.Gate
	stream   *redisstream.Stream
	cache    *cache.Client
	now      time.Time
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.mr = miniredis.RunT(s.T())
	s.client = redis.NewClient(&redis.Options{Addr: s.mr.Addr()})
	s.vouchers = memory.NewVoucherRepository()
	s.gate = inventory.NewGate(s.client)
	s.stream = redisstream.New(s.client, "", "", redisstream.WithConsumer("test"))
	s.cache = cache.NewClient(s.client)
	s.now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.Require().NoError(s.stream.EnsureGroup(context.Background()))
}

func (s *ServiceSuite) TearDownTest() {
	_ = s.client.Close()
}

func (s *ServiceSuite) newService(handler AcceptHandler) *Service {
	if handler == nil {
		handler = NewStreamAcceptHandler(s.stream)
	}
	return NewService(
		s.vouchers,
		s.cache,
		idgen.New(s.client, fixedClock{now: s.now}),
		s.gate,
		handler,
		WithClock(func() time.Time { return s.now }),
		WithMetrics(metrics.NewSeckillMetricsWithRegisterer(prometheus.NewRegistry())),
	)
}

func (s *ServiceSuite) publish(svc *Service, stock int, begin, end time.Time) domain.Voucher {
	voucher, err := svc.PublishSeckillVoucher(context.Background(), domain.Voucher{
		ShopID:      1,
		Title:       "flash",
		PayValue:    100,
		ActualValue: 1000,
		Stock:       stock,
		BeginTime:   begin,
		EndTime:     end,
	})
	s.Require().NoError(err)
	return voucher
}

func (s *ServiceSuite) TestPurchaseAcceptedEnqueuesIntent() {
	ctx := context.Background()
	svc := s.newService(nil)
	voucher := s.publish(svc, 5, s.now.Add(-time.Hour), s.now.Add(time.Hour))

	result, err := svc.Purchase(ctx, voucher.ID, 42)
	s.Require().NoError(err)
	s.Equal(OutcomeAccepted, result.Outcome)
	s.NotZero(result.OrderID)
	s.Equal(s.now.Unix(), idgen.Timestamp(result.OrderID).Unix())

	entries, err := s.stream.ReadNew(ctx, 10, 50*time.Millisecond)
	s.Require().NoError(err)
	s.Require().Len(entries, 1)
	intent, err := redisstream.DecodeIntent(entries[0].Values)
	s.Require().NoError(err)
	s.Equal(domain.PurchaseIntent{OrderID: result.OrderID, UserID: 42, VoucherID: voucher.ID}, intent)

	stock, err := s.gate.Stock(ctx, voucher.ID)
	s.Require().NoError(err)
	s.Equal(int64(4), stock)
}

func (s *ServiceSuite) TestPurchaseDuplicate() {
	ctx := context.Background()
	svc := s.newService(nil)
	voucher := s.publish(svc, 5, s.now.Add(-time.Hour), s.now.Add(time.Hour))

	_, err := svc.Purchase(ctx, voucher.ID, 42)
	s.Require().NoError(err)

	result, err := svc.Purchase(ctx, voucher.ID, 42)
	s.Require().NoError(err)
	s.Equal(OutcomeDuplicateOrder, result.Outcome)
	s.Zero(result.OrderID)
}

func (s *ServiceSuite) TestPurchaseOutOfStock() {
	ctx := context.Background()
	svc := s.newService(nil)
	voucher := s.publish(svc, 1, s.now.Add(-time.Hour), s.now.Add(time.Hour))

	first, err := svc.Purchase(ctx, voucher.ID, 1)
	s.Require().NoError(err)
	s.Equal(OutcomeAccepted, first.Outcome)

	second, err := svc.Purchase(ctx, voucher.ID, 2)
	s.Require().NoError(err)
	s.Equal(OutcomeOutOfStock, second.Outcome)
}

func (s *ServiceSuite) TestPurchaseOutsideWindow() {
	ctx := context.Background()
	svc := s.newService(nil)

	future := s.publish(svc, 5, s.now.Add(time.Hour), s.now.Add(2*time.Hour))
	result, err := svc.Purchase(ctx, future.ID, 1)
	s.Require().NoError(err)
	s.Equal(OutcomeNotStarted, result.Outcome)

	past := s.publish(svc, 5, s.now.Add(-2*time.Hour), s.now.Add(-time.Hour))
	result, err = svc.Purchase(ctx, past.ID, 1)
	s.Require().NoError(err)
	s.Equal(OutcomeEnded, result.Outcome)

	stock, err := s.gate.Stock(ctx, future.ID)
	s.Require().NoError(err)
	s.Equal(int64(5), stock)
}

func (s *ServiceSuite) TestPurchaseUnknownVoucherIsCachedAsTombstone() {
	ctx := context.Background()
	svc := s.newService(nil)

	_, err := svc.Purchase(ctx, 404, 1)
	s.ErrorIs(err, domain.ErrVoucherNotFound)

	raw, err := s.mr.Get(cache.Key(VoucherKeyPrefix, 404))
	s.Require().NoError(err)
	s.Equal("", raw)
}

func (s *ServiceSuite) TestPurchaseReleasesReservationWhenHandOffFails() {
	ctx := context.Background()
	handler := &failingHandler{}
	svc := s.newService(handler)
	voucher := s.publish(svc, 1, s.now.Add(-time.Hour), s.now.Add(time.Hour))

	_, err := svc.Purchase(ctx, voucher.ID, 7)
	s.Require().Error(err)
	s.Equal(int64(1), handler.calls.Load())

	stock, err := s.gate.Stock(ctx, voucher.ID)
	s.Require().NoError(err)
	s.Equal(int64(1), stock)

	members, err := s.client.SMembers(ctx, inventory.OrderSetKey(voucher.ID)).Result()
	s.Require().NoError(err)
	s.Empty(members)
}

func (s *ServiceSuite) TestPurchaseValidatesIdentifiers() {
	svc := s.newService(nil)

	_, err := svc.Purchase(context.Background(), 1, 0)
	s.ErrorIs(err, domain.ErrUserRequired)
	_, err = svc.Purchase(context.Background(), 0, 1)
	s.ErrorIs(err, domain.ErrVoucherRequired)
}

func (s *ServiceSuite) TestPublishRejectsInvalidVoucher() {
	svc := s.newService(nil)

	_, err := svc.PublishSeckillVoucher(context.Background(), domain.Voucher{
		Stock:     0,
		BeginTime: s.now,
		EndTime:   s.now.Add(-time.Minute),
	})
	s.ErrorIs(err, domain.ErrStockInvalid)
	s.ErrorIs(err, domain.ErrSaleWindowInvalid)
}

func (s *ServiceSuite) TestPublishInvalidatesVoucherCache() {
	ctx := context.Background()
	svc := s.newService(nil)

	s.Require().NoError(s.cache.Set(ctx, cache.Key(VoucherKeyPrefix, 1), domain.Voucher{ID: 1}, time.Hour))
	voucher := s.publish(svc, 3, s.now.Add(-time.Hour), s.now.Add(time.Hour))
	s.Require().Equal(int64(1), voucher.ID)

	s.False(s.mr.Exists(cache.Key(VoucherKeyPrefix, 1)))
}

func TestPurchase_ConcurrentBuyersNeverExceedStock(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	stream := redisstream.New(client, "", "")
	require.NoError(t, stream.EnsureGroup(context.Background()))
	svc := NewService(
		memory.NewVoucherRepository(),
		cache.NewClient(client),
		idgen.New(client, nil),
		inventory.NewGate(client),
		NewStreamAcceptHandler(stream),
	)

	now := time.Now()
	voucher, err := svc.PublishSeckillVoucher(context.Background(), domain.Voucher{
		Stock:     20,
		BeginTime: now.Add(-time.Hour),
		EndTime:   now.Add(time.Hour),
	})
	require.NoError(t, err)

	var (
		wg       sync.WaitGroup
		accepted atomic.Int64
		ids      sync.Map
	)
	for user := int64(1); user <= 100; user++ {
		wg.Add(1)
		go func(userID int64) {
			defer wg.Done()
			result, err := svc.Purchase(context.Background(), voucher.ID, userID)
			if err != nil || result.Outcome != OutcomeAccepted {
				return
			}
			accepted.Add(1)
			ids.Store(result.OrderID, userID)
		}(user)
	}
	wg.Wait()

	require.Equal(t, int64(20), accepted.Load())
	length, err := client.XLen(context.Background(), stream.Name()).Result()
	require.NoError(t, err)
	require.Equal(t, int64(20), length)

	distinct := 0
	ids.Range(func(any, any) bool { distinct++; return true })
	require.Equal(t, 20, distinct)
}

func TestOutcome_String(t *testing.T) {
	require.Equal(t, "accepted", OutcomeAccepted.String())
	require.Equal(t, "not_started", OutcomeNotStarted.String())
	require.Equal(t, "ended", OutcomeEnded.String())
	require.Equal(t, "unknown", Outcome(99).String())
}
