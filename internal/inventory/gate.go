// Package inventory содержит гейт допуска seckill-заказов.
//
// Остаток ваучера, множество купивших пользователей и резервы хранятся в Redis
// и изменяются только скриптами этого пакета, поэтому решения по одному
// ваучеру строго упорядочены однопоточным исполнением Redis.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

const (
	stockKeyPrefix       = "seckill:stock:"
	orderKeyPrefix       = "seckill:order:"
	reservationKeyPrefix = "seckill:reservation:"
)

// Outcome - решение гейта. Значения совпадают с кодами скрипта.
type Outcome int

const (
	// Accepted - остаток уменьшен, пользователь записан в покупатели.
	Accepted Outcome = 0
	// OutOfStock - остаток исчерпан или не загружен.
	OutOfStock Outcome = 1
	// DuplicateOrder - пользователь уже покупал этот ваучер.
	DuplicateOrder Outcome = 2
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case OutOfStock:
		return "out_of_stock"
	case DuplicateOrder:
		return "duplicate_order"
	default:
		return "unknown"
	}
}

// ErrUnexpectedCode - скрипт вернул код вне контракта.
var ErrUnexpectedCode = errors.New("unexpected admission script code")

var (
	// admissionScript: KEYS = stock, order set, reservations; ARGV = userId, orderId.
	admissionScript = redis.NewScript(`
local stock = tonumber(redis.call('get', KEYS[1]))
if stock == nil or stock <= 0 then
    return 1
end
if redis.call('sismember', KEYS[2], ARGV[1]) == 1 then
    return 2
end
redis.call('incrby', KEYS[1], -1)
redis.call('sadd', KEYS[2], ARGV[1])
redis.call('hset', KEYS[3], ARGV[1], ARGV[2])
return 0
`)

	// releaseScript откатывает резерв, только если он принадлежит orderId.
	releaseScript = redis.NewScript(`
if redis.call('hget', KEYS[3], ARGV[1]) ~= ARGV[2] then
    return 0
end
redis.call('hdel', KEYS[3], ARGV[1])
redis.call('srem', KEYS[2], ARGV[1])
redis.call('incrby', KEYS[1], 1)
return 1
`)
)

// Gate выполняет атомарные проверки остатка и повторной покупки.
type Gate struct {
	client redis.Cmdable
}

// NewGate создаёт гейт поверх клиента Redis.
func NewGate(client redis.Cmdable) *Gate {
	return &Gate{client: client}
}

// TryReserve за один вызов скрипта проверяет остаток, проверяет повторную
// покупку и при успехе уменьшает остаток и запоминает orderId пользователя.
func (g *Gate) TryReserve(ctx context.Context, voucherID, userID, orderID int64) (Outcome, error) {
	code, err := admissionScript.Run(ctx, g.client, keys(voucherID),
		strconv.FormatInt(userID, 10), strconv.FormatInt(orderID, 10)).Int64()
	if err != nil {
		return OutOfStock, fmt.Errorf("run admission script for voucher %d: %w", voucherID, err)
	}

	outcome := Outcome(code)
	switch outcome {
	case Accepted, OutOfStock, DuplicateOrder:
		return outcome, nil
	default:
		return OutOfStock, fmt.Errorf("%w: %d", ErrUnexpectedCode, code)
	}
}

// Release возвращает единицу остатка и снимает отметку покупателя, если
// резерв пользователя записан с тем же orderId. Возвращает false, если отката не было.
func (g *Gate) Release(ctx context.Context, voucherID, userID, orderID int64) (bool, error) {
	released, err := releaseScript.Run(ctx, g.client, keys(voucherID),
		strconv.FormatInt(userID, 10), strconv.FormatInt(orderID, 10)).Int64()
	if err != nil {
		return false, fmt.Errorf("run release script for voucher %d: %w", voucherID, err)
	}
	return released == 1, nil
}

// LoadStock публикует остаток ваучера и сбрасывает множество покупателей.
func (g *Gate) LoadStock(ctx context.Context, voucherID int64, stock int) error {
	k := keys(voucherID)
	_, err := g.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, k[0], stock, 0)
		pipe.Del(ctx, k[1], k[2])
		return nil
	})
	if err != nil {
		return fmt.Errorf("load stock for voucher %d: %w", voucherID, err)
	}
	return nil
}

// Stock возвращает зеркальный остаток; незагруженный остаток равен нулю.
func (g *Gate) Stock(ctx context.Context, voucherID int64) (int64, error) {
	stock, err := g.client.Get(ctx, StockKey(voucherID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get stock for voucher %d: %w", voucherID, err)
	}
	return stock, nil
}

// StockKey возвращает ключ зеркального остатка.
func StockKey(voucherID int64) string {
	return stockKeyPrefix + strconv.FormatInt(voucherID, 10)
}

// OrderSetKey возвращает ключ множества купивших пользователей.
func OrderSetKey(voucherID int64) string {
	return orderKeyPrefix + strconv.FormatInt(voucherID, 10)
}

// ReservationKey возвращает ключ hash userId -> orderId.
func ReservationKey(voucherID int64) string {
	return reservationKeyPrefix + strconv.FormatInt(voucherID, 10)
}

func keys(voucherID int64) []string {
	return []string{StockKey(voucherID), OrderSetKey(voucherID), ReservationKey(voucherID)}
}
