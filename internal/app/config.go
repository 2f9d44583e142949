package app

import (
	"time"

	"github.com/vladislavdragonenkov/seckill/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/seckill/internal/messaging/redisstream"
	"github.com/vladislavdragonenkov/seckill/internal/service/shop"
)

const (
	// StorageDriverMemory хранит ваучеры, заказы и магазины в памяти процесса.
	StorageDriverMemory = "memory"
	// StorageDriverPostgres использует PostgreSQL.
	StorageDriverPostgres = "postgres"
)

// Config описывает настройки запуска seckill-сервиса.
type Config struct {
	HTTPAddr       string
	MetricsAddr    string
	GRPCHealthAddr string

	StorageDriver       string
	PostgresDSN         string
	PostgresAutoMigrate bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	StreamName    string
	ConsumerGroup string
	// ConsumerName пустой - имя выводится из hostname.
	ConsumerName  string
	ReadBlock     time.Duration
	SweepInterval time.Duration
	MaxDeliveries int64
	// OrderLockLease <= 0 включает watchdog для per-user блокировки.
	OrderLockLease time.Duration

	ShopCacheTTL       time.Duration
	CacheNullTTL       time.Duration
	ShopCacheStrategy  shop.Strategy
	RebuildConcurrency int

	KafkaBrokers string
	KafkaTopic   string

	ShutdownTimeout time.Duration
}

// DefaultConfig возвращает настройки для локального запуска.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:            ":8081",
		MetricsAddr:         ":9090",
		GRPCHealthAddr:      ":50051",
		StorageDriver:       StorageDriverMemory,
		PostgresAutoMigrate: true,
		RedisAddr:           "localhost:6379",
		StreamName:          redisstream.DefaultStream,
		ConsumerGroup:       redisstream.DefaultGroup,
		ReadBlock:           2 * time.Second,
		SweepInterval:       30 * time.Second,
		MaxDeliveries:       5,
		ShopCacheTTL:        30 * time.Minute,
		CacheNullTTL:        2 * time.Minute,
		ShopCacheStrategy:   shop.StrategyPassThrough,
		RebuildConcurrency:  10,
		KafkaTopic:          kafka.TopicOrderEvents,
		ShutdownTimeout:     5 * time.Second,
	}
}
