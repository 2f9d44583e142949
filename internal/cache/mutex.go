package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/vladislavdragonenkov/seckill/internal/lock"
)

const strategyMutex = "mutex"

type mutexOutcome[T any] struct {
	value    *T
	acquired bool
}

// QueryWithMutex защищает хранилище от stampede на горячем ключе.
// При промахе только держатель блокировки lock:<key> обращается к loader,
// остальные ждут с экспоненциальной паузой в пределах MutexRetry и затем
// получают ErrRebuildContention. Вызовы одного процесса схлопываются singleflight.
func QueryWithMutex[ID any, T any](ctx context.Context, c *Client, prefix string, id ID, loader Loader[ID, T], ttl time.Duration) (*T, error) {
	key := Key(prefix, id)
	backoff := c.mutexRetry.InitialBackoff

	for attempt := 1; attempt <= c.mutexRetry.MaxAttempts; attempt++ {
		raw, state, err := c.read(ctx, key)
		if err != nil {
			return nil, err
		}
		switch state {
		case entryTombstone:
			c.metrics.RecordCacheLookup(strategyMutex, "null_hit")
			return nil, nil
		case entryPresent:
			if value, ok := decode[T](c, key, raw); ok {
				c.metrics.RecordCacheLookup(strategyMutex, "hit")
				return value, nil
			}
		}
		c.metrics.RecordCacheLookup(strategyMutex, "miss")

		// Общая перестройка не зависит от отмены ctx первого вызывающего,
		// каждый вызывающий ждёт её в пределах своего ctx.
		rebuilt := c.group.DoChan(key, func() (any, error) {
			rebuildCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.rebuildLockLease)
			defer cancel()
			return rebuildUnderLock(rebuildCtx, c, key, id, loader, ttl)
		})
		var shared singleflight.Result
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case shared = <-rebuilt:
		}
		if shared.Err != nil {
			return nil, shared.Err
		}
		outcome := shared.Val.(mutexOutcome[T])
		if outcome.acquired {
			return outcome.value, nil
		}

		if attempt == c.mutexRetry.MaxAttempts {
			break
		}
		if err := sleepContext(ctx, backoff); err != nil {
			return nil, err
		}
		backoff *= 2
		if backoff > c.mutexRetry.MaxBackoff {
			backoff = c.mutexRetry.MaxBackoff
		}
	}

	c.metrics.RecordCacheRebuild(strategyMutex, "contended")
	return nil, fmt.Errorf("%w: %s after %d attempts", ErrRebuildContention, key, c.mutexRetry.MaxAttempts)
}

func rebuildUnderLock[ID any, T any](ctx context.Context, c *Client, key string, id ID, loader Loader[ID, T], ttl time.Duration) (mutexOutcome[T], error) {
	l := c.locks.NewLock(key)
	ok, err := l.TryLock(ctx, c.rebuildLockLease)
	if err != nil {
		return mutexOutcome[T]{}, err
	}
	if !ok {
		return mutexOutcome[T]{}, nil
	}
	defer func() {
		if err := l.Unlock(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, lock.ErrNotHeld) {
			c.logger.WithError(err).WithField("cache_key", key).Warn("failed to release rebuild lock")
		}
	}()

	// Пока ждали блокировку, запись мог восстановить другой держатель.
	raw, state, err := c.read(ctx, key)
	if err != nil {
		return mutexOutcome[T]{}, err
	}
	switch state {
	case entryTombstone:
		return mutexOutcome[T]{acquired: true}, nil
	case entryPresent:
		if value, ok := decode[T](c, key, raw); ok {
			return mutexOutcome[T]{value: value, acquired: true}, nil
		}
	}

	value, err := load(ctx, c, key, id, loader, ttl)
	if err != nil {
		c.metrics.RecordCacheRebuild(strategyMutex, "failed")
		return mutexOutcome[T]{}, err
	}
	c.metrics.RecordCacheRebuild(strategyMutex, "loaded")
	return mutexOutcome[T]{value: value, acquired: true}, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
