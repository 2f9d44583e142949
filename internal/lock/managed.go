package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const (
	defaultWatchdogLease = 30 * time.Second
	waitInitialBackoff   = 10 * time.Millisecond
	waitMaxBackoff       = 200 * time.Millisecond
)

var (
	// acquireScript захватывает свободный ключ или увеличивает счётчик повторного входа.
	acquireScript = redis.NewScript(`
if redis.call('exists', KEYS[1]) == 0 or redis.call('hexists', KEYS[1], ARGV[1]) == 1 then
    redis.call('hincrby', KEYS[1], ARGV[1], 1)
    redis.call('pexpire', KEYS[1], ARGV[2])
    return 1
end
return 0
`)

	// releaseScript возвращает -1, если токен не владеет ключом, иначе оставшийся счётчик.
	releaseScript = redis.NewScript(`
if redis.call('hexists', KEYS[1], ARGV[1]) == 0 then
    return -1
end
local count = redis.call('hincrby', KEYS[1], ARGV[1], -1)
if count > 0 then
    redis.call('pexpire', KEYS[1], ARGV[2])
    return count
end
redis.call('del', KEYS[1])
return 0
`)

	renewScript = redis.NewScript(`
if redis.call('hexists', KEYS[1], ARGV[1]) == 1 then
    return redis.call('pexpire', KEYS[1], ARGV[2])
end
return 0
`)
)

// ManagedOption настраивает ManagedFactory.
type ManagedOption func(*ManagedFactory)

// WithWatchdogLease задаёт lease, который продлевает watchdog.
func WithWatchdogLease(lease time.Duration) ManagedOption {
	return func(f *ManagedFactory) {
		f.watchdogLease = lease
	}
}

// WithLogger задаёт logger для watchdog.
func WithLogger(logger *log.Entry) ManagedOption {
	return func(f *ManagedFactory) {
		f.logger = logger
	}
}

// ManagedFactory создаёт ManagedLock с общими настройками watchdog.
type ManagedFactory struct {
	client        redis.Cmdable
	watchdogLease time.Duration
	logger        *log.Entry
}

// NewManagedFactory создаёт фабрику управляемых блокировок.
func NewManagedFactory(client redis.Cmdable, options ...ManagedOption) *ManagedFactory {
	f := &ManagedFactory{
		client:        client,
		watchdogLease: defaultWatchdogLease,
	}
	for _, option := range options {
		option(f)
	}
	if f.watchdogLease <= 0 {
		f.watchdogLease = defaultWatchdogLease
	}
	if f.logger == nil {
		f.logger = log.WithField("component", "lock-watchdog")
	}
	return f
}

// NewLock реализует Factory.
func (f *ManagedFactory) NewLock(name string) Lock {
	return f.NewManagedLock(name)
}

// NewManagedLock возвращает конкретный тип, когда нужен TryLockWait.
func (f *ManagedFactory) NewManagedLock(name string) *ManagedLock {
	return &ManagedLock{
		client:        f.client,
		key:           Key(name),
		token:         newToken(),
		watchdogLease: f.watchdogLease,
		logger:        f.logger,
	}
}

// ManagedLock - реентерабельная блокировка. Повторный вход считается
// в пределах одного объекта ManagedLock.
type ManagedLock struct {
	client        redis.Cmdable
	key           string
	token         string
	watchdogLease time.Duration
	logger        *log.Entry

	mu           sync.Mutex
	holds        int
	lease        time.Duration
	stopWatchdog context.CancelFunc
	watchdogDone chan struct{}
}

// TryLock делает одну попытку захвата. lease <= 0 включает watchdog:
// ключ получает WatchdogLease и продлевается каждые lease/3 до Unlock.
func (l *ManagedLock) TryLock(ctx context.Context, lease time.Duration) (bool, error) {
	watchdog := lease <= 0
	if watchdog {
		lease = l.watchdogLease
	}

	acquired, err := acquireScript.Run(ctx, l.client, []string{l.key}, l.token, lease.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("acquire %s: %w", l.key, err)
	}
	if acquired != 1 {
		return false, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.holds++
	if l.holds == 1 {
		l.lease = lease
		if watchdog {
			l.startWatchdogLocked(lease)
		}
	}
	return true, nil
}

// TryLockWait повторяет TryLock с экспоненциальной паузой, пока не истечёт wait.
// Истёкшее ожидание возвращает false без ошибки.
func (l *ManagedLock) TryLockWait(ctx context.Context, wait, lease time.Duration) (bool, error) {
	deadline := time.Now().Add(wait)
	backoff := waitInitialBackoff

	for {
		ok, err := l.TryLock(ctx, lease)
		if err != nil || ok {
			return ok, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, nil
		}
		pause := backoff
		if pause > remaining {
			pause = remaining
		}

		timer := time.NewTimer(pause)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, ctx.Err()
		case <-timer.C:
		}

		backoff *= 2
		if backoff > waitMaxBackoff {
			backoff = waitMaxBackoff
		}
	}
}

// Unlock снимает один уровень входа; последний уровень удаляет ключ и останавливает watchdog.
func (l *ManagedLock) Unlock(ctx context.Context) error {
	l.mu.Lock()
	lease := l.lease
	l.mu.Unlock()
	if lease <= 0 {
		lease = l.watchdogLease
	}

	remaining, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token, lease.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("release %s: %w", l.key, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case remaining < 0:
		l.holds = 0
		l.stopWatchdogLocked()
		return ErrNotHeld
	case remaining == 0:
		l.holds = 0
		l.stopWatchdogLocked()
	default:
		l.holds = int(remaining)
	}
	return nil
}

// Held сообщает, сколько уровней входа удерживает этот объект.
func (l *ManagedLock) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holds
}

func (l *ManagedLock) startWatchdogLocked(lease time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	l.stopWatchdog = cancel
	l.watchdogDone = done

	interval := lease / 3
	if interval <= 0 {
		interval = lease
	}

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				renewed, err := renewScript.Run(ctx, l.client, []string{l.key}, l.token, lease.Milliseconds()).Int64()
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					l.logger.WithError(err).WithField("lock_key", l.key).Warn("failed to renew lock lease")
					continue
				}
				if renewed == 0 {
					l.logger.WithField("lock_key", l.key).Warn("lock lease lost, watchdog stopped")
					return
				}
			}
		}
	}()
}

func (l *ManagedLock) stopWatchdogLocked() {
	if l.stopWatchdog == nil {
		return
	}
	l.stopWatchdog()
	<-l.watchdogDone
	l.stopWatchdog = nil
	l.watchdogDone = nil
}

var (
	_ Lock    = (*ManagedLock)(nil)
	_ Factory = (*ManagedFactory)(nil)
)
