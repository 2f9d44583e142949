// Package order содержит воркер, который переносит принятые заявки из
// Redis stream в реляционное хранилище.
package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/seckill/internal/domain"
	"github.com/vladislavdragonenkov/seckill/internal/lock"
	"github.com/vladislavdragonenkov/seckill/internal/messaging/redisstream"
	"github.com/vladislavdragonenkov/seckill/internal/metrics"
)

const (
	defaultReadBlock     = 2 * time.Second
	defaultBatchSize     = 10
	defaultSweepInterval = 30 * time.Second
	defaultMaxDeliveries = 5
	defaultClaimMinIdle  = time.Minute

	readErrorBaseDelay = 100 * time.Millisecond
	readErrorMaxDelay  = 5 * time.Second
)

// Причины dead-letter.
const (
	ReasonMalformed       = "malformed"
	ReasonVoucherNotFound = "voucher_not_found"
)

const (
	resultSettled       = "settled"
	resultDuplicate     = "duplicate"
	resultOutOfStock    = "out_of_stock"
	resultDeadLettered  = "dead_lettered"
	resultLockContended = "lock_contended"
	resultRetry         = "retry"
	resultStalled       = "stalled"
)

// errEntriesLeftPending сообщает Run, что батч оставил записи для повторной обработки.
var errEntriesLeftPending = errors.New("entries left pending")

// Queue - операции очереди, которые нужны воркеру.
type Queue interface {
	EnsureGroup(ctx context.Context) error
	ReadNew(ctx context.Context, count int64, block time.Duration) ([]redisstream.Entry, error)
	ReadPending(ctx context.Context, after string, count int64) ([]redisstream.Entry, error)
	Ack(ctx context.Context, ids ...string) error
	DeliveryCount(ctx context.Context, id string) (int64, error)
	ClaimStale(ctx context.Context, minIdle time.Duration, count int64) ([]redisstream.Entry, error)
	DeadLetter(ctx context.Context, entry redisstream.Entry, reason string) error
	Stats(ctx context.Context) (redisstream.Stats, error)
}

var _ Queue = (*redisstream.Stream)(nil)

// WorkerOptions задаёт параметры воркера заказов.
type WorkerOptions struct {
	Logger        *log.Entry
	Metrics       *metrics.SeckillMetrics
	Publisher     domain.OrderEventPublisher
	ReadBlock     time.Duration
	BatchSize     int
	SweepInterval time.Duration
	MaxDeliveries int64
	LockLease     time.Duration
	ClaimMinIdle  time.Duration
}

// Option настраивает Worker.
type Option func(*WorkerOptions)

// WithLogger задаёт logger для воркера.
func WithLogger(logger *log.Entry) Option {
	return func(opts *WorkerOptions) {
		opts.Logger = logger
	}
}

// WithMetrics задаёт prometheus-метрики.
func WithMetrics(m *metrics.SeckillMetrics) Option {
	return func(opts *WorkerOptions) {
		opts.Metrics = m
	}
}

// WithEventPublisher задаёт publisher события order.created.
func WithEventPublisher(publisher domain.OrderEventPublisher) Option {
	return func(opts *WorkerOptions) {
		opts.Publisher = publisher
	}
}

// WithReadBlock задаёт время ожидания новых записей.
func WithReadBlock(block time.Duration) Option {
	return func(opts *WorkerOptions) {
		opts.ReadBlock = block
	}
}

// WithBatchSize задаёт число записей за одно чтение.
func WithBatchSize(batchSize int) Option {
	return func(opts *WorkerOptions) {
		opts.BatchSize = batchSize
	}
}

// WithSweepInterval задаёт период обхода pending-записей.
func WithSweepInterval(interval time.Duration) Option {
	return func(opts *WorkerOptions) {
		opts.SweepInterval = interval
	}
}

// WithMaxDeliveries задаёт число доставок, после которого запись с временной
// ошибкой считается зависшей. Такая запись остаётся в pending.
func WithMaxDeliveries(maxDeliveries int64) Option {
	return func(opts *WorkerOptions) {
		opts.MaxDeliveries = maxDeliveries
	}
}

// WithLockLease задаёт lease блокировки пользователя; 0 включает watchdog.
func WithLockLease(lease time.Duration) Option {
	return func(opts *WorkerOptions) {
		opts.LockLease = lease
	}
}

// WithClaimMinIdle задаёт простой, после которого чужие pending-записи забираются.
func WithClaimMinIdle(idle time.Duration) Option {
	return func(opts *WorkerOptions) {
		opts.ClaimMinIdle = idle
	}
}

// Worker читает заявки из stream и записывает заказы.
type Worker struct {
	queue         Queue
	repo          domain.VoucherOrderRepository
	locks         lock.Factory
	publisher     domain.OrderEventPublisher
	metrics       *metrics.SeckillMetrics
	logger        *log.Entry
	readBlock     time.Duration
	batchSize     int
	sweepInterval time.Duration
	maxDeliveries int64
	lockLease     time.Duration
	claimMinIdle  time.Duration
	now           func() time.Time
}

// NewWorker создаёт воркер заказов.
func NewWorker(queue Queue, repo domain.VoucherOrderRepository, locks lock.Factory, options ...Option) *Worker {
	opts := WorkerOptions{
		ReadBlock:     defaultReadBlock,
		BatchSize:     defaultBatchSize,
		SweepInterval: defaultSweepInterval,
		MaxDeliveries: defaultMaxDeliveries,
		ClaimMinIdle:  defaultClaimMinIdle,
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "order-worker")
	}

	if opts.ReadBlock <= 0 {
		opts.ReadBlock = defaultReadBlock
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaultSweepInterval
	}
	if opts.MaxDeliveries <= 0 {
		opts.MaxDeliveries = defaultMaxDeliveries
	}
	if opts.LockLease < 0 {
		opts.LockLease = 0
	}
	if opts.ClaimMinIdle <= 0 {
		opts.ClaimMinIdle = defaultClaimMinIdle
	}

	return &Worker{
		queue:         queue,
		repo:          repo,
		locks:         locks,
		publisher:     opts.Publisher,
		metrics:       opts.Metrics,
		logger:        logger,
		readBlock:     opts.ReadBlock,
		batchSize:     opts.BatchSize,
		sweepInterval: opts.SweepInterval,
		maxDeliveries: opts.MaxDeliveries,
		lockLease:     opts.LockLease,
		claimMinIdle:  opts.ClaimMinIdle,
		now:           time.Now,
	}
}

// Run обрабатывает stream до отмены ctx. Перед основным циклом
// дочитывается собственный pending-список, оставшийся после рестарта.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.queue.EnsureGroup(ctx); err != nil {
		return err
	}

	if err := w.HandlePendingEntries(ctx); err != nil && ctx.Err() == nil {
		w.logger.WithError(err).Warn("initial pending sweep failed")
	}

	ticker := time.NewTicker(w.sweepInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.sweep(ctx)
		default:
		}

		err := w.ProcessOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		switch {
		case err == nil:
			failures = 0
		case errors.Is(err, errEntriesLeftPending):
			failures++
			if !sleepContext(ctx, retryBackoff(failures)) {
				return nil
			}
			if err := w.HandlePendingEntries(ctx); err != nil && ctx.Err() == nil {
				w.logger.WithError(err).Warn("pending sweep failed")
			}
		default:
			failures++
			w.logger.WithError(err).Warn("failed to read order stream")
			if !sleepContext(ctx, retryBackoff(failures)) {
				return nil
			}
		}
	}
}

// ProcessOnce читает и обрабатывает один батч новых записей.
func (w *Worker) ProcessOnce(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	entries, err := w.queue.ReadNew(ctx, int64(w.batchSize), w.readBlock)
	if err != nil {
		return err
	}

	leftPending := false
	for _, entry := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if result := w.handleEntry(ctx, entry); result == resultRetry || result == resultStalled {
			leftPending = true
		}
	}
	if leftPending {
		return errEntriesLeftPending
	}
	return nil
}

// HandlePendingEntries обходит собственный pending-список курсором от "0".
// Каждая запись посещается не больше одного раза за обход.
func (w *Worker) HandlePendingEntries(ctx context.Context) error {
	w.metrics.RecordPendingSweep()

	cursor := "0"
	for ctx.Err() == nil {
		entries, err := w.queue.ReadPending(ctx, cursor, int64(w.batchSize))
		if err != nil {
			return fmt.Errorf("read pending after %s: %w", cursor, err)
		}
		if len(entries) == 0 {
			return nil
		}
		for _, entry := range entries {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.handleEntry(ctx, entry)
			cursor = entry.ID
		}
	}
	return ctx.Err()
}

// Settle записывает заказ под блокировкой пользователя.
func (w *Worker) Settle(ctx context.Context, intent domain.PurchaseIntent) error {
	userLock := w.locks.NewLock(intent.LockName())
	acquired, err := userLock.TryLock(ctx, w.lockLease)
	if err != nil {
		return fmt.Errorf("acquire %s: %w", intent.LockName(), err)
	}
	if !acquired {
		return domain.ErrLockNotAcquired
	}
	defer func() {
		if err := userLock.Unlock(context.WithoutCancel(ctx)); err != nil {
			w.logger.WithError(err).WithField("user_id", intent.UserID).Warn("failed to release order lock")
		}
	}()

	started := time.Now()
	order := domain.NewVoucherOrder(intent, w.now())
	if err := w.repo.CreateSeckillOrder(ctx, order); err != nil {
		return err
	}
	w.metrics.RecordSettleDuration(time.Since(started))

	w.publishCreated(ctx, order)
	return nil
}

func (w *Worker) handleEntry(ctx context.Context, entry redisstream.Entry) string {
	logger := w.logger.WithField("entry_id", entry.ID)

	intent, err := redisstream.DecodeIntent(entry.Values)
	if err != nil {
		logger.WithError(err).Error("malformed order entry")
		return w.deadLetter(ctx, entry, ReasonMalformed)
	}
	logger = logger.WithFields(log.Fields{
		"order_id":   intent.OrderID,
		"user_id":    intent.UserID,
		"voucher_id": intent.VoucherID,
	})

	err = w.Settle(ctx, intent)
	switch {
	case err == nil:
		return w.ack(ctx, logger, entry, resultSettled)
	case errors.Is(err, domain.ErrDuplicateOrder):
		logger.Debug("order already settled")
		return w.ack(ctx, logger, entry, resultDuplicate)
	case errors.Is(err, domain.ErrOutOfStock):
		logger.Error("relational stock exhausted for an admitted order")
		return w.ack(ctx, logger, entry, resultOutOfStock)
	case errors.Is(err, domain.ErrVoucherNotFound):
		logger.WithError(err).Error("voucher of an admitted order is missing")
		return w.deadLetter(ctx, entry, ReasonVoucherNotFound)
	case errors.Is(err, domain.ErrLockNotAcquired):
		logger.Debug("order lock is held, leaving entry pending")
		return w.keepPending(ctx, logger, entry, resultLockContended)
	default:
		logger.WithError(err).Warn("failed to settle order, leaving entry pending")
		return w.keepPending(ctx, logger, entry, resultRetry)
	}
}

func (w *Worker) ack(ctx context.Context, logger *log.Entry, entry redisstream.Entry, result string) string {
	if err := w.queue.Ack(ctx, entry.ID); err != nil {
		logger.WithError(err).Warn("failed to ack order entry")
		result = resultRetry
	}
	w.metrics.RecordWorkerEntry(result)
	return result
}

// keepPending оставляет запись в pending. Временные ошибки никогда не
// переводят запись в dead-letter, после maxDeliveries она помечается stalled.
func (w *Worker) keepPending(ctx context.Context, logger *log.Entry, entry redisstream.Entry, result string) string {
	deliveries, err := w.queue.DeliveryCount(ctx, entry.ID)
	switch {
	case err != nil:
		logger.WithError(err).Warn("failed to read delivery count")
	case deliveries >= w.maxDeliveries:
		logger.WithField("deliveries", deliveries).Error("order entry keeps failing, leaving it pending")
		result = resultStalled
	}
	w.metrics.RecordWorkerEntry(result)
	return result
}

func (w *Worker) deadLetter(ctx context.Context, entry redisstream.Entry, reason string) string {
	if err := w.queue.DeadLetter(ctx, entry, reason); err != nil {
		w.logger.WithError(err).WithField("entry_id", entry.ID).Warn("failed to dead-letter order entry")
		w.metrics.RecordWorkerEntry(resultRetry)
		return resultRetry
	}
	w.metrics.RecordDeadLetter(reason)
	w.metrics.RecordWorkerEntry(resultDeadLettered)
	return resultDeadLettered
}

// sweep забирает записи упавших consumer и обходит pending-список.
func (w *Worker) sweep(ctx context.Context) {
	if _, err := w.queue.ClaimStale(ctx, w.claimMinIdle, int64(w.batchSize)); err != nil {
		w.logger.WithError(err).Warn("failed to claim stale entries")
	}
	if err := w.HandlePendingEntries(ctx); err != nil && ctx.Err() == nil {
		w.logger.WithError(err).Warn("pending sweep failed")
	}
	w.refreshBacklogMetrics(ctx)
}

func (w *Worker) refreshBacklogMetrics(ctx context.Context) {
	stats, err := w.queue.Stats(ctx)
	if err != nil {
		w.logger.WithError(err).Warn("failed to collect order stream stats")
		return
	}
	w.metrics.SetStreamBacklog(stats.Length, stats.Pending)
}

func (w *Worker) publishCreated(ctx context.Context, order domain.VoucherOrder) {
	if w.publisher == nil {
		return
	}
	if err := w.publisher.PublishOrderCreated(ctx, order); err != nil {
		w.logger.WithError(err).WithField("order_id", order.ID).Warn("failed to publish order.created")
		w.metrics.RecordOrderEvent("failed")
		return
	}
	w.metrics.RecordOrderEvent("published")
}

func retryBackoff(attempt int) time.Duration {
	delay := readErrorBaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= readErrorMaxDelay {
			return readErrorMaxDelay
		}
	}
	return delay
}

func sleepContext(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
