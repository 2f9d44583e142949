package cache

import (
	"context"
	"time"
)

const strategyPassThrough = "passthrough"

// QueryWithPassThrough читает prefix+id по схеме cache-aside.
// Tombstone возвращает (nil, nil) без обращения к хранилищу; промах вызывает
// loader, и пустой результат записывается tombstone с коротким TTL.
func QueryWithPassThrough[ID any, T any](ctx context.Context, c *Client, prefix string, id ID, loader Loader[ID, T], ttl time.Duration) (*T, error) {
	key := Key(prefix, id)

	raw, state, err := c.read(ctx, key)
	if err != nil {
		return nil, err
	}
	switch state {
	case entryTombstone:
		c.metrics.RecordCacheLookup(strategyPassThrough, "null_hit")
		return nil, nil
	case entryPresent:
		if value, ok := decode[T](c, key, raw); ok {
			c.metrics.RecordCacheLookup(strategyPassThrough, "hit")
			return value, nil
		}
	}

	c.metrics.RecordCacheLookup(strategyPassThrough, "miss")
	return load(ctx, c, key, id, loader, ttl)
}
