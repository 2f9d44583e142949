package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/vladislavdragonenkov/seckill/internal/lock"
)

const strategyLogical = "logical"

// logicalEntry - обёртка записи с логическим истечением.
type logicalEntry struct {
	Data       json.RawMessage `json:"data"`
	ExpireTime time.Time       `json:"expireTime"`
}

// QueryWithLogicalExpire читает предварительно прогретую запись, которая
// физически не истекает. Свежее значение возвращается сразу. Устаревшее тоже
// возвращается сразу, а держатель блокировки lock:<key> ставит перестроение в
// Rebuilder. Отсутствующий ключ означает, что сущность не прогрета: (nil, nil).
func QueryWithLogicalExpire[ID any, T any](ctx context.Context, c *Client, prefix string, id ID, loader Loader[ID, T], ttl time.Duration) (*T, error) {
	key := Key(prefix, id)

	raw, state, err := c.read(ctx, key)
	if err != nil {
		return nil, err
	}
	if state != entryPresent {
		c.metrics.RecordCacheLookup(strategyLogical, "miss")
		return nil, nil
	}

	value, expireAt, ok := decodeLogical[T](c, key, raw)
	if !ok {
		c.metrics.RecordCacheLookup(strategyLogical, "miss")
		return nil, nil
	}
	if c.now().Before(expireAt) {
		c.metrics.RecordCacheLookup(strategyLogical, "hit")
		return value, nil
	}

	c.metrics.RecordCacheLookup(strategyLogical, "stale")
	scheduleLogicalRebuild(ctx, c, key, id, loader, ttl)
	return value, nil
}

func scheduleLogicalRebuild[ID any, T any](ctx context.Context, c *Client, key string, id ID, loader Loader[ID, T], ttl time.Duration) {
	if c.rebuilder == nil {
		c.logger.WithField("cache_key", key).Warn("stale entry served but no rebuilder is configured")
		return
	}

	l := c.locks.NewLock(key)
	ok, err := l.TryLock(ctx, c.rebuildLockLease)
	if err != nil {
		c.logger.WithError(err).WithField("cache_key", key).Warn("failed to acquire rebuild lock")
		return
	}
	if !ok {
		return
	}

	release := func(releaseCtx context.Context) {
		if err := l.Unlock(releaseCtx); err != nil && !errors.Is(err, lock.ErrNotHeld) {
			c.logger.WithError(err).WithField("cache_key", key).Warn("failed to release rebuild lock")
		}
	}

	// Запись могла быть обновлена, пока мы получали блокировку.
	if raw, state, err := c.read(ctx, key); err == nil && state == entryPresent {
		if _, expireAt, ok := decodeLogical[T](c, key, raw); ok && c.now().Before(expireAt) {
			release(ctx)
			return
		}
	}

	submitted := c.rebuilder.Submit(func(rebuildCtx context.Context) error {
		defer release(context.WithoutCancel(rebuildCtx))

		value, err := loader(rebuildCtx, id)
		if err != nil {
			c.metrics.RecordCacheRebuild(strategyLogical, "failed")
			return err
		}
		if value == nil {
			c.metrics.RecordCacheRebuild(strategyLogical, "removed")
			return c.Delete(rebuildCtx, key)
		}
		if err := c.SetWithLogicalExpire(rebuildCtx, key, value, ttl); err != nil {
			c.metrics.RecordCacheRebuild(strategyLogical, "failed")
			return err
		}
		c.metrics.RecordCacheRebuild(strategyLogical, "loaded")
		return nil
	})
	if !submitted {
		c.metrics.RecordCacheRebuild(strategyLogical, "rejected")
		release(ctx)
	}
}

func decodeLogical[T any](c *Client, key, raw string) (*T, time.Time, bool) {
	var entry logicalEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil || len(entry.Data) == 0 {
		c.logger.WithError(err).WithField("cache_key", key).Warn("discarding entry without logical expiry wrapper")
		return nil, time.Time{}, false
	}
	var value T
	if err := json.Unmarshal(entry.Data, &value); err != nil {
		c.logger.WithError(err).WithField("cache_key", key).Warn("discarding undecodable logical entry")
		return nil, time.Time{}, false
	}
	return &value, entry.ExpireTime, true
}
