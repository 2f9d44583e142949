package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/seckill/internal/app"
	"github.com/vladislavdragonenkov/seckill/internal/service/shop"
	"github.com/vladislavdragonenkov/seckill/internal/version"
)

const (
	envLogLevel            = "SECKILL_LOG_LEVEL"
	envHTTPAddr            = "SECKILL_HTTP_ADDR"
	envMetricsAddr         = "SECKILL_METRICS_ADDR"
	envGRPCHealthAddr      = "SECKILL_GRPC_HEALTH_ADDR"
	envStorageDriver       = "SECKILL_STORAGE_DRIVER"
	envPostgresDSN         = "SECKILL_POSTGRES_DSN"
	envPostgresAutoMigrate = "SECKILL_POSTGRES_AUTO_MIGRATE"
	envRedisAddr           = "SECKILL_REDIS_ADDR"
	envRedisPassword       = "SECKILL_REDIS_PASSWORD"
	envRedisDB             = "SECKILL_REDIS_DB"
	envStreamName          = "SECKILL_STREAM_NAME"
	envConsumerGroup       = "SECKILL_CONSUMER_GROUP"
	envConsumerName        = "SECKILL_CONSUMER_NAME"
	envReadBlock           = "SECKILL_READ_BLOCK"
	envSweepInterval       = "SECKILL_PENDING_SWEEP_INTERVAL"
	envMaxDeliveries       = "SECKILL_MAX_DELIVERIES"
	envOrderLockLease      = "SECKILL_ORDER_LOCK_LEASE"
	envShopCacheTTL        = "SECKILL_CACHE_SHOP_TTL"
	envCacheNullTTL        = "SECKILL_CACHE_NULL_TTL"
	envShopCacheStrategy   = "SECKILL_SHOP_CACHE_STRATEGY"
	envRebuildConcurrency  = "SECKILL_REBUILD_CONCURRENCY"
	envKafkaBrokers        = "KAFKA_BROKERS"
	envKafkaTopic          = "KAFKA_TOPIC"
)

type envLookup func(key string) (string, bool)

// setupLogger настраивает формат и уровень логирования для сервиса.
func setupLogger(lookup envLookup) {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.InfoLevel)
	if raw, ok := lookup(envLogLevel); ok && strings.TrimSpace(raw) != "" {
		level, err := log.ParseLevel(strings.TrimSpace(raw))
		if err != nil {
			log.WithError(err).Warnf("invalid %s, using info", envLogLevel)
			return
		}
		log.SetLevel(level)
	}
}

// readConfigFromEnv накладывает переменные окружения на app.DefaultConfig.
// Некорректное значение оставляет значение по умолчанию и даёт предупреждение.
func readConfigFromEnv(lookup envLookup) (app.Config, []string) {
	cfg := app.DefaultConfig()
	var warnings []string
	warn := func(key string, err error) {
		warnings = append(warnings, fmt.Sprintf("%s: %v", key, err))
	}

	texts := []struct {
		key string
		dst *string
	}{
		{envHTTPAddr, &cfg.HTTPAddr},
		{envMetricsAddr, &cfg.MetricsAddr},
		{envGRPCHealthAddr, &cfg.GRPCHealthAddr},
		{envPostgresDSN, &cfg.PostgresDSN},
		{envRedisAddr, &cfg.RedisAddr},
		{envRedisPassword, &cfg.RedisPassword},
		{envStreamName, &cfg.StreamName},
		{envConsumerGroup, &cfg.ConsumerGroup},
		{envConsumerName, &cfg.ConsumerName},
		{envKafkaBrokers, &cfg.KafkaBrokers},
		{envKafkaTopic, &cfg.KafkaTopic},
	}
	for _, s := range texts {
		if v, ok := nonEmpty(lookup, s.key); ok {
			*s.dst = v
		}
	}

	if v, ok := nonEmpty(lookup, envStorageDriver); ok {
		cfg.StorageDriver = strings.ToLower(v)
	}
	if v, ok := nonEmpty(lookup, envPostgresAutoMigrate); ok {
		if parsed, err := parseBool(v); err != nil {
			warn(envPostgresAutoMigrate, err)
		} else {
			cfg.PostgresAutoMigrate = parsed
		}
	}
	if v, ok := nonEmpty(lookup, envShopCacheStrategy); ok {
		if parsed, err := shop.ParseStrategy(v); err != nil {
			warn(envShopCacheStrategy, err)
		} else {
			cfg.ShopCacheStrategy = parsed
		}
	}

	ints := []struct {
		key   string
		dst   *int
		valid func(int) bool
		rule  string
	}{
		{envRedisDB, &cfg.RedisDB, func(v int) bool { return v >= 0 }, "must be >= 0"},
		{envRebuildConcurrency, &cfg.RebuildConcurrency, func(v int) bool { return v > 0 }, "must be > 0"},
	}
	for _, i := range ints {
		if v, ok := nonEmpty(lookup, i.key); ok {
			if parsed, err := parseInt(v, i.valid, i.rule); err != nil {
				warn(i.key, err)
			} else {
				*i.dst = parsed
			}
		}
	}
	if v, ok := nonEmpty(lookup, envMaxDeliveries); ok {
		if parsed, err := parseInt(v, func(v int) bool { return v > 0 }, "must be > 0"); err != nil {
			warn(envMaxDeliveries, err)
		} else {
			cfg.MaxDeliveries = int64(parsed)
		}
	}

	positive := func(v time.Duration) bool { return v > 0 }
	durations := []struct {
		key   string
		dst   *time.Duration
		valid func(time.Duration) bool
		rule  string
	}{
		{envReadBlock, &cfg.ReadBlock, positive, "must be > 0"},
		{envSweepInterval, &cfg.SweepInterval, positive, "must be > 0"},
		{envOrderLockLease, &cfg.OrderLockLease, func(v time.Duration) bool { return v >= 0 }, "must be >= 0"},
		{envShopCacheTTL, &cfg.ShopCacheTTL, positive, "must be > 0"},
		{envCacheNullTTL, &cfg.CacheNullTTL, positive, "must be > 0"},
	}
	for _, d := range durations {
		if v, ok := nonEmpty(lookup, d.key); ok {
			if parsed, err := parseDuration(v, d.valid, d.rule); err != nil {
				warn(d.key, err)
			} else {
				*d.dst = parsed
			}
		}
	}

	return cfg, warnings
}

func nonEmpty(lookup envLookup, key string) (string, bool) {
	raw, ok := lookup(key)
	if !ok {
		return "", false
	}
	raw = strings.TrimSpace(raw)
	return raw, raw != ""
}

func parseBool(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	}
	return false, fmt.Errorf("invalid bool value %q", raw)
}

func parseInt(raw string, valid func(int) bool, rule string) (int, error) {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid int value %q: %w", raw, err)
	}
	if !valid(value) {
		return 0, fmt.Errorf("value %d %s", value, rule)
	}
	return value, nil
}

func parseDuration(raw string, valid func(time.Duration) bool, rule string) (time.Duration, error) {
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	if !valid(value) {
		return 0, fmt.Errorf("value %s %s", value, rule)
	}
	return value, nil
}

func main() {
	setupLogger(os.LookupEnv)
	cfg, warnings := readConfigFromEnv(os.LookupEnv)
	for _, warning := range warnings {
		log.Warnf("ignoring invalid setting: %s", warning)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(log.Fields{
		"version":        version.String(),
		"http_addr":      cfg.HTTPAddr,
		"metrics_addr":   cfg.MetricsAddr,
		"grpc_health":    cfg.GRPCHealthAddr,
		"storage_driver": cfg.StorageDriver,
		"redis_addr":     cfg.RedisAddr,
		"stream":         cfg.StreamName,
		"shop_cache":     cfg.ShopCacheStrategy,
	}).Info("запускаем seckill-service")

	if err := app.Run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("приложение завершилось с ошибкой")
	}

	log.Info("seckill-service остановлен")
}
