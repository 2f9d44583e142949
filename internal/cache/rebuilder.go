package cache

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	defaultRebuildConcurrency = 10
	defaultRebuildTimeout     = 5 * time.Second
)

// Rebuilder выполняет фоновые перестроения кэша с ограниченным параллелизмом.
// Задачи, не поместившиеся в лимит, отклоняются, а не ставятся в очередь.
type Rebuilder struct {
	logger  *log.Entry
	timeout time.Duration

	mu     sync.Mutex
	closed bool
	group  errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
}

// NewRebuilder создаёт пул на concurrency одновременных перестроений.
func NewRebuilder(concurrency int, logger *log.Entry) *Rebuilder {
	if concurrency <= 0 {
		concurrency = defaultRebuildConcurrency
	}
	if logger == nil {
		logger = log.WithField("component", "cache-rebuilder")
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Rebuilder{
		logger:  logger,
		timeout: defaultRebuildTimeout,
		ctx:     ctx,
		cancel:  cancel,
	}
	r.group.SetLimit(concurrency)
	return r
}

// Submit запускает task, если пул открыт и есть свободный слот.
func (r *Rebuilder) Submit(task func(ctx context.Context) error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}

	return r.group.TryGo(func() error {
		ctx, cancel := context.WithTimeout(r.ctx, r.timeout)
		defer cancel()
		if err := task(ctx); err != nil {
			r.logger.WithError(err).Warn("cache rebuild failed")
		}
		return nil
	})
}

// Close перестаёт принимать задачи и ждёт завершения текущих.
// По истечении ctx текущие перестроения отменяются.
func (r *Rebuilder) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		_ = r.group.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		<-done
		return ctx.Err()
	}
}
