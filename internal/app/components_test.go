package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/seckill/internal/domain"
	"github.com/vladislavdragonenkov/seckill/internal/lock"
	"github.com/vladislavdragonenkov/seckill/internal/metrics"
	"github.com/vladislavdragonenkov/seckill/internal/service/seckill"
	"github.com/vladislavdragonenkov/seckill/internal/service/shop"
)

type recordingPublisher struct {
	mu     sync.Mutex
	orders []domain.VoucherOrder
}

func (p *recordingPublisher) PublishOrderCreated(_ context.Context, order domain.VoucherOrder) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.orders = append(p.orders, order)
	return nil
}

func newTestComponents(t *testing.T, cfg Config, publisher domain.OrderEventPublisher) (*components, runtimeDependencies) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	logger := log.WithField("test", t.Name())
	deps, err := initRuntimeDependencies(context.Background(), cfg, logger)
	require.NoError(t, err)

	m := metrics.NewSeckillMetricsWithRegisterer(prometheus.NewRegistry())
	comps := buildComponents(cfg, rdb, deps, publisher, m, logger)
	t.Cleanup(func() { _ = comps.rebuilder.Close(context.Background()) })

	require.NoError(t, comps.stream.EnsureGroup(context.Background()))
	return comps, deps
}

func TestBuildComponents_PurchaseIsSettledByWorker(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ConsumerName = "app-test"
	cfg.ReadBlock = 50 * time.Millisecond

	publisher := &recordingPublisher{}
	comps, deps := newTestComponents(t, cfg, publisher)
	ctx := context.Background()

	now := time.Now()
	voucher, err := comps.seckill.PublishSeckillVoucher(ctx, domain.Voucher{
		ShopID:      1,
		Title:       "flash",
		PayValue:    100,
		ActualValue: 1000,
		Stock:       2,
		BeginTime:   now.Add(-time.Hour),
		EndTime:     now.Add(time.Hour),
	})
	require.NoError(t, err)

	result, err := comps.seckill.Purchase(ctx, voucher.ID, 7)
	require.NoError(t, err)
	require.Equal(t, seckill.OutcomeAccepted, result.Outcome)

	again, err := comps.seckill.Purchase(ctx, voucher.ID, 7)
	require.NoError(t, err)
	assert.Equal(t, seckill.OutcomeDuplicateOrder, again.Outcome)

	require.NoError(t, comps.worker.ProcessOnce(ctx))

	order, err := deps.orders.Get(ctx, result.OrderID)
	require.NoError(t, err)
	assert.EqualValues(t, 7, order.UserID)
	assert.Equal(t, voucher.ID, order.VoucherID)

	stored, err := deps.vouchers.Get(ctx, voucher.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Stock)

	stats, err := comps.stream.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Pending)

	publisher.mu.Lock()
	defer publisher.mu.Unlock()
	require.Len(t, publisher.orders, 1)
	assert.Equal(t, result.OrderID, publisher.orders[0].ID)
}

func TestBuildComponents_ShopStrategyAndConsumer(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ConsumerName = "custom-consumer"
	cfg.StreamName = "stream.test"
	cfg.ShopCacheStrategy = shop.StrategyMutex

	comps, _ := newTestComponents(t, cfg, nil)

	assert.Equal(t, shop.StrategyMutex, comps.shops.Strategy())
	assert.Equal(t, "custom-consumer", comps.stream.Consumer())
	assert.Equal(t, "stream.test", comps.stream.Name())
	assert.Equal(t, "stream.test.dlq", comps.stream.DeadLetterName())
	assert.IsType(t, &lock.SimpleFactory{}, comps.cacheLocks)

	ctx := context.Background()
	created, err := comps.shops.Create(ctx, domain.Shop{Name: "noodles"})
	require.NoError(t, err)

	got, err := comps.shops.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "noodles", got.Name)
}
