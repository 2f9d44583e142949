package app

import (
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/seckill/internal/cache"
	"github.com/vladislavdragonenkov/seckill/internal/domain"
	"github.com/vladislavdragonenkov/seckill/internal/idgen"
	"github.com/vladislavdragonenkov/seckill/internal/inventory"
	"github.com/vladislavdragonenkov/seckill/internal/lock"
	"github.com/vladislavdragonenkov/seckill/internal/messaging/redisstream"
	"github.com/vladislavdragonenkov/seckill/internal/metrics"
	"github.com/vladislavdragonenkov/seckill/internal/service/order"
	"github.com/vladislavdragonenkov/seckill/internal/service/seckill"
	"github.com/vladislavdragonenkov/seckill/internal/service/shop"
)

// components - собранный граф сервисов поверх Redis и репозиториев.
type components struct {
	stream     *redisstream.Stream
	rebuilder  *cache.Rebuilder
	cacheLocks lock.Factory
	seckill    *seckill.Service
	shops      *shop.Service
	worker     *order.Worker
}

// buildComponents связывает сервисы. publisher == nil отключает события заказов.
func buildComponents(
	cfg Config,
	rdb redis.Cmdable,
	deps runtimeDependencies,
	publisher domain.OrderEventPublisher,
	m *metrics.SeckillMetrics,
	logger *log.Entry,
) *components {
	locks := lock.NewManagedFactory(rdb, lock.WithLogger(logger.WithField("component", "lock-watchdog")))
	// Блокировки перестроения кэша нереентерабельные, watchdog нужен только заказам.
	cacheLocks := lock.NewSimpleFactory(rdb)
	rebuilder := cache.NewRebuilder(cfg.RebuildConcurrency, logger.WithField("component", "cache-rebuilder"))

	cacheClient := cache.NewClient(
		rdb,
		cache.WithLogger(logger.WithField("component", "cache")),
		cache.WithMetrics(m),
		cache.WithLockFactory(cacheLocks),
		cache.WithRebuilder(rebuilder),
		cache.WithNullTTL(cfg.CacheNullTTL),
	)

	streamOptions := []redisstream.Option{redisstream.WithLogger(logger.WithField("component", "order-stream"))}
	if cfg.ConsumerName != "" {
		streamOptions = append(streamOptions, redisstream.WithConsumer(cfg.ConsumerName))
	}
	stream := redisstream.New(rdb, cfg.StreamName, cfg.ConsumerGroup, streamOptions...)

	seckillSvc := seckill.NewService(
		deps.vouchers,
		cacheClient,
		idgen.New(rdb, nil),
		inventory.NewGate(rdb),
		seckill.NewStreamAcceptHandler(stream),
		seckill.WithLogger(logger.WithField("component", "seckill-service")),
		seckill.WithMetrics(m),
	)

	shopSvc := shop.NewService(
		deps.shops,
		cacheClient,
		cfg.ShopCacheStrategy,
		cfg.ShopCacheTTL,
		logger.WithField("component", "shop-service"),
	)

	workerOptions := []order.Option{
		order.WithLogger(logger.WithField("component", "order-worker")),
		order.WithMetrics(m),
		order.WithReadBlock(cfg.ReadBlock),
		order.WithSweepInterval(cfg.SweepInterval),
		order.WithMaxDeliveries(cfg.MaxDeliveries),
		order.WithLockLease(cfg.OrderLockLease),
	}
	if publisher != nil {
		workerOptions = append(workerOptions, order.WithEventPublisher(publisher))
	}
	worker := order.NewWorker(stream, deps.orders, locks, workerOptions...)

	return &components{
		stream:     stream,
		rebuilder:  rebuilder,
		cacheLocks: cacheLocks,
		seckill:    seckillSvc,
		shops:      shopSvc,
		worker:     worker,
	}
}
