package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultSimpleLease = 10 * time.Second

// unlockScript удаляет ключ, только если в нём лежит токен вызывающего.
var unlockScript = redis.NewScript(`
if redis.call('get', KEYS[1]) == ARGV[1] then
    return redis.call('del', KEYS[1])
end
return 0
`)

// SimpleLock - нереентерабельная блокировка с фиксированным lease.
type SimpleLock struct {
	client redis.Cmdable
	key    string
	token  string
}

// NewSimpleLock создаёт блокировку lock:<name> с собственным токеном.
func NewSimpleLock(client redis.Cmdable, name string) *SimpleLock {
	return &SimpleLock{
		client: client,
		key:    Key(name),
		token:  newToken(),
	}
}

// TryLock выполняет SET NX PX; занятая блокировка даёт false без ошибки.
func (l *SimpleLock) TryLock(ctx context.Context, lease time.Duration) (bool, error) {
	if lease <= 0 {
		lease = defaultSimpleLease
	}
	ok, err := l.client.SetNX(ctx, l.key, l.token, lease).Result()
	if err != nil {
		return false, fmt.Errorf("acquire %s: %w", l.key, err)
	}
	return ok, nil
}

// Unlock удаляет ключ, если он всё ещё принадлежит этому владельцу.
func (l *SimpleLock) Unlock(ctx context.Context) error {
	deleted, err := unlockScript.Run(ctx, l.client, []string{l.key}, l.token).Int64()
	if err != nil {
		return fmt.Errorf("release %s: %w", l.key, err)
	}
	if deleted == 0 {
		return ErrNotHeld
	}
	return nil
}

// SimpleFactory создаёт SimpleLock.
type SimpleFactory struct {
	client redis.Cmdable
}

// NewSimpleFactory создаёт фабрику базовых блокировок.
func NewSimpleFactory(client redis.Cmdable) *SimpleFactory {
	return &SimpleFactory{client: client}
}

// NewLock реализует Factory.
func (f *SimpleFactory) NewLock(name string) Lock {
	return NewSimpleLock(f.client, name)
}

var (
	_ Lock    = (*SimpleLock)(nil)
	_ Factory = (*SimpleFactory)(nil)
)
