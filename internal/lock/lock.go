// Package lock реализует распределённые блокировки поверх Redis.
//
// SimpleLock - SET NX PX с токеном владельца и атомарным compare-and-delete.
// ManagedLock - реентерабельная блокировка с watchdog, продлевающим lease,
// пока блокировка удерживается.
package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// KeyPrefix - пространство имён ключей блокировок.
const KeyPrefix = "lock:"

// ErrNotHeld возвращается из Unlock, если вызывающий не владеет блокировкой.
var ErrNotHeld = errors.New("lock is not held by this holder")

// processID отличает экземпляры приложения в токенах владельца.
var processID = uuid.NewString()

// Lock - общая возможность обоих вариантов блокировки.
type Lock interface {
	// TryLock делает одну попытку захвата. lease <= 0 выбирает поведение по умолчанию варианта.
	TryLock(ctx context.Context, lease time.Duration) (bool, error)
	// Unlock освобождает блокировку или возвращает ErrNotHeld.
	Unlock(ctx context.Context) error
}

// Factory создаёт блокировки по имени бизнес-сущности, например "order:1010".
type Factory interface {
	NewLock(name string) Lock
}

// Key возвращает ключ Redis для имени блокировки.
func Key(name string) string {
	return KeyPrefix + name
}

func newToken() string {
	return processID + ":" + uuid.NewString()
}
