// Package cache реализует cache-aside поверх Redis с тремя стратегиями чтения:
// pass-through с tombstone, перестроение под mutex и логическое истечение.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/vladislavdragonenkov/seckill/internal/lock"
	"github.com/vladislavdragonenkov/seckill/internal/metrics"
)

const (
	defaultNullTTL          = 2 * time.Minute
	defaultRebuildLockLease = 10 * time.Second
	defaultMutexAttempts    = 10
	defaultMutexBackoff     = 50 * time.Millisecond
	defaultMutexMaxBackoff  = time.Second

	// tombstone отмечает подтверждённое отсутствие записи в хранилище.
	tombstone = ""
)

// ErrRebuildContention возвращается, если mutex-стратегия исчерпала попытки.
var ErrRebuildContention = errors.New("cache rebuild lock contended")

// Loader читает значение из хранилища. (nil, nil) означает отсутствие записи.
type Loader[ID any, T any] func(ctx context.Context, id ID) (*T, error)

// MutexRetry ограничивает ожидание чужого перестроения.
type MutexRetry struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Options задаёт параметры Client.
type Options struct {
	Logger           *log.Entry
	Metrics          *metrics.SeckillMetrics
	Locks            lock.Factory
	Rebuilder        *Rebuilder
	NullTTL          time.Duration
	RebuildLockLease time.Duration
	MutexRetry       MutexRetry
	Now              func() time.Time
}

// Option настраивает Client.
type Option func(*Options)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithMetrics задаёт метрики кэша.
func WithMetrics(m *metrics.SeckillMetrics) Option {
	return func(opts *Options) {
		opts.Metrics = m
	}
}

// WithLockFactory задаёт фабрику блокировок перестроения.
func WithLockFactory(factory lock.Factory) Option {
	return func(opts *Options) {
		opts.Locks = factory
	}
}

// WithRebuilder задаёт пул фоновых перестроений для логического истечения.
func WithRebuilder(rebuilder *Rebuilder) Option {
	return func(opts *Options) {
		opts.Rebuilder = rebuilder
	}
}

// WithNullTTL задаёт TTL tombstone-записей.
func WithNullTTL(ttl time.Duration) Option {
	return func(opts *Options) {
		opts.NullTTL = ttl
	}
}

// WithRebuildLockLease задаёт lease блокировки перестроения.
func WithRebuildLockLease(lease time.Duration) Option {
	return func(opts *Options) {
		opts.RebuildLockLease = lease
	}
}

// WithMutexRetry задаёт бюджет повторов mutex-стратегии.
func WithMutexRetry(retry MutexRetry) Option {
	return func(opts *Options) {
		opts.MutexRetry = retry
	}
}

// WithClock подменяет источник времени для логического истечения.
func WithClock(now func() time.Time) Option {
	return func(opts *Options) {
		opts.Now = now
	}
}

// Client - клиент кэша. Запросы с чтением выполняются пакетными функциями
// QueryWithPassThrough, QueryWithMutex и QueryWithLogicalExpire.
type Client struct {
	rdb              redis.Cmdable
	locks            lock.Factory
	rebuilder        *Rebuilder
	logger           *log.Entry
	metrics          *metrics.SeckillMetrics
	nullTTL          time.Duration
	rebuildLockLease time.Duration
	mutexRetry       MutexRetry
	now              func() time.Time
	group            singleflight.Group
}

// NewClient создаёт клиент кэша.
func NewClient(rdb redis.Cmdable, options ...Option) *Client {
	opts := Options{
		NullTTL:          defaultNullTTL,
		RebuildLockLease: defaultRebuildLockLease,
		MutexRetry: MutexRetry{
			MaxAttempts:    defaultMutexAttempts,
			InitialBackoff: defaultMutexBackoff,
			MaxBackoff:     defaultMutexMaxBackoff,
		},
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "cache")
	}
	if opts.Locks == nil {
		opts.Locks = lock.NewSimpleFactory(rdb)
	}
	if opts.NullTTL <= 0 {
		opts.NullTTL = defaultNullTTL
	}
	if opts.RebuildLockLease <= 0 {
		opts.RebuildLockLease = defaultRebuildLockLease
	}
	if opts.MutexRetry.MaxAttempts <= 0 {
		opts.MutexRetry.MaxAttempts = defaultMutexAttempts
	}
	if opts.MutexRetry.InitialBackoff < 0 {
		opts.MutexRetry.InitialBackoff = 0
	}
	if opts.MutexRetry.MaxBackoff < opts.MutexRetry.InitialBackoff {
		opts.MutexRetry.MaxBackoff = opts.MutexRetry.InitialBackoff
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Client{
		rdb:              rdb,
		locks:            opts.Locks,
		rebuilder:        opts.Rebuilder,
		logger:           logger,
		metrics:          opts.Metrics,
		nullTTL:          opts.NullTTL,
		rebuildLockLease: opts.RebuildLockLease,
		mutexRetry:       opts.MutexRetry,
		now:              opts.Now,
	}
}

// Set сериализует value и записывает его с физическим TTL.
func (c *Client) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal cache value %s: %w", key, err)
	}
	if err := c.rdb.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("set cache %s: %w", key, err)
	}
	return nil
}

// SetWithLogicalExpire записывает value вместе с моментом логического истечения.
// Ключ не получает физического TTL.
func (c *Client) SetWithLogicalExpire(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal cache value %s: %w", key, err)
	}
	wrapped, err := json.Marshal(logicalEntry{
		Data:       data,
		ExpireTime: c.now().Add(ttl).UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal logical entry %s: %w", key, err)
	}
	if err := c.rdb.Set(ctx, key, wrapped, 0).Err(); err != nil {
		return fmt.Errorf("set cache %s: %w", key, err)
	}
	return nil
}

// Delete удаляет ключ; используется для инвалидации при записи.
func (c *Client) Delete(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("delete cache %s: %w", key, err)
	}
	return nil
}

// Key собирает ключ кэша из префикса и идентификатора.
func Key[ID any](prefix string, id ID) string {
	return prefix + fmt.Sprint(id)
}

type entryState int

const (
	entryMissing entryState = iota
	entryTombstone
	entryPresent
)

func (c *Client) read(ctx context.Context, key string) (string, entryState, error) {
	raw, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", entryMissing, nil
	}
	if err != nil {
		return "", entryMissing, fmt.Errorf("get cache %s: %w", key, err)
	}
	if raw == tombstone {
		return "", entryTombstone, nil
	}
	return raw, entryPresent, nil
}

func (c *Client) writeTombstone(ctx context.Context, key string) error {
	if err := c.rdb.Set(ctx, key, tombstone, c.nullTTL).Err(); err != nil {
		return fmt.Errorf("set tombstone %s: %w", key, err)
	}
	return nil
}

// decode разбирает положительную запись. Повреждённая запись логируется
// и считается промахом.
func decode[T any](c *Client, key, raw string) (*T, bool) {
	var value T
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		c.logger.WithError(err).WithField("cache_key", key).Warn("discarding undecodable cache entry")
		return nil, false
	}
	return &value, true
}

// load вызывает loader и записывает результат: значение с ttl или tombstone.
// Ошибка записи в кэш не мешает вернуть прочитанное значение.
func load[ID any, T any](ctx context.Context, c *Client, key string, id ID, loader Loader[ID, T], ttl time.Duration) (*T, error) {
	value, err := loader(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", key, err)
	}
	if value == nil {
		if err := c.writeTombstone(ctx, key); err != nil {
			c.logger.WithError(err).WithField("cache_key", key).Warn("failed to write tombstone")
		}
		return nil, nil
	}
	if err := c.Set(ctx, key, value, ttl); err != nil {
		c.logger.WithError(err).WithField("cache_key", key).Warn("failed to populate cache")
	}
	return value, nil
}
