// Package idgen выдаёт 64-битные идентификаторы заказов без центрального sequencer.
//
// Старшие 32 бита содержат секунды от собственной эпохи, младшие 32 бита
// берутся из счётчика INCR, который живёт в ключе на календарный день.
package idgen

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// Epoch - 2022-01-01T00:00:00Z, начало отсчёта старших бит.
	Epoch int64 = 1640995200
	// CountBits - ширина дневного счётчика.
	CountBits = 32

	keyPrefix  = "icr:"
	dateLayout = "2006:01:02"
)

var (
	// ErrIDBackend - хранилище счётчиков недоступно; локального fallback нет.
	ErrIDBackend = errors.New("id backend unavailable")
	// ErrSequenceExhausted - дневной счётчик вышел за 32 бита.
	ErrSequenceExhausted = errors.New("daily id sequence exhausted")
	// ErrClockBeforeEpoch - часы показывают время раньше эпохи.
	ErrClockBeforeEpoch = errors.New("clock is before id epoch")
)

// Clock возвращает текущее время; подменяется в тестах.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Generator выдаёт идентификаторы через атомарный INCR.
type Generator struct {
	client redis.Cmdable
	clock  Clock
}

// New создаёт генератор. clock == nil означает системные часы.
func New(client redis.Cmdable, clock Clock) *Generator {
	if clock == nil {
		clock = systemClock{}
	}
	return &Generator{client: client, clock: clock}
}

// NextID возвращает следующий идентификатор для sequence.
// Значения неубывающие в пределах суток для одного sequence.
func (g *Generator) NextID(ctx context.Context, sequence string) (int64, error) {
	now := g.clock.Now().UTC()
	ts := now.Unix() - Epoch
	if ts < 0 {
		return 0, ErrClockBeforeEpoch
	}

	count, err := g.client.Incr(ctx, CounterKey(sequence, now)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: incr %s: %v", ErrIDBackend, sequence, err)
	}
	if count > math.MaxUint32 {
		return 0, fmt.Errorf("%w: sequence=%s count=%d", ErrSequenceExhausted, sequence, count)
	}

	return ts<<CountBits | count, nil
}

// CounterKey возвращает ключ дневного счётчика: icr:<sequence>:yyyy:MM:dd.
func CounterKey(sequence string, at time.Time) string {
	return keyPrefix + sequence + ":" + at.UTC().Format(dateLayout)
}

// Timestamp извлекает момент выдачи из идентификатора (с точностью до секунды).
func Timestamp(id int64) time.Time {
	return time.Unix((id>>CountBits)+Epoch, 0).UTC()
}

// Sequence извлекает значение дневного счётчика из идентификатора.
func Sequence(id int64) int64 {
	return id & math.MaxUint32
}
