// Package redisstream реализует очередь принятых заявок на Redis Streams
// с consumer group, подтверждением и dead-letter stream.
package redisstream

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/seckill/internal/domain"
)

const (
	// DefaultStream - имя stream с принятыми заявками.
	DefaultStream = "stream.orders"
	// DefaultGroup - consumer group воркеров заказов.
	DefaultGroup = "g1"

	deadLetterSuffix = ".dlq"

	fieldOrderID   = "id"
	fieldUserID    = "userId"
	fieldVoucherID = "voucherId"

	fieldReason       = "reason"
	fieldSourceID     = "sourceId"
	fieldDeadLettered = "deadLetteredAt"
)

// Entry - запись stream с исходными полями.
type Entry struct {
	ID     string
	Values map[string]any
}

// Stats описывает текущий backlog очереди.
type Stats struct {
	Length  int64
	Pending int64
}

// Options задаёт параметры Stream.
type Options struct {
	Logger     *log.Entry
	Consumer   string
	DeadLetter string
}

// Option настраивает Stream.
type Option func(*Options)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithConsumer задаёт имя consumer внутри группы.
func WithConsumer(name string) Option {
	return func(opts *Options) {
		opts.Consumer = name
	}
}

// WithDeadLetterStream задаёт имя dead-letter stream.
func WithDeadLetterStream(name string) Option {
	return func(opts *Options) {
		opts.DeadLetter = name
	}
}

// Stream - очередь заявок поверх одного Redis stream и одной группы.
type Stream struct {
	client     redis.Cmdable
	stream     string
	group      string
	consumer   string
	deadLetter string
	logger     *log.Entry
}

// New создаёт очередь. Пустые имена заменяются значениями по умолчанию.
func New(client redis.Cmdable, stream, group string, options ...Option) *Stream {
	opts := Options{}
	for _, option := range options {
		option(&opts)
	}

	if strings.TrimSpace(stream) == "" {
		stream = DefaultStream
	}
	if strings.TrimSpace(group) == "" {
		group = DefaultGroup
	}
	if strings.TrimSpace(opts.Consumer) == "" {
		opts.Consumer = DefaultConsumerName()
	}
	if strings.TrimSpace(opts.DeadLetter) == "" {
		opts.DeadLetter = stream + deadLetterSuffix
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "order-stream")
	}

	return &Stream{
		client:     client,
		stream:     stream,
		group:      group,
		consumer:   opts.Consumer,
		deadLetter: opts.DeadLetter,
		logger:     logger,
	}
}

// DefaultConsumerName возвращает <hostname>-<8 символов uuid>.
func DefaultConsumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "consumer"
	}
	return host + "-" + uuid.NewString()[:8]
}

// Name возвращает имя stream.
func (s *Stream) Name() string { return s.stream }

// Consumer возвращает имя consumer этого экземпляра.
func (s *Stream) Consumer() string { return s.consumer }

// DeadLetterName возвращает имя dead-letter stream.
func (s *Stream) DeadLetterName() string { return s.deadLetter }

// EnsureGroup создаёт stream и группу, если их ещё нет.
func (s *Stream) EnsureGroup(ctx context.Context) error {
	err := s.client.XGroupCreateMkStream(ctx, s.stream, s.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", s.group, s.stream, err)
	}
	return nil
}

// Enqueue добавляет заявку в stream и возвращает ID записи.
func (s *Stream) Enqueue(ctx context.Context, intent domain.PurchaseIntent) (string, error) {
	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		Values: EncodeIntent(intent),
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", s.stream, err)
	}
	return id, nil
}

// ReadNew ждёт до block новые записи для этого consumer.
// Истечение ожидания без записей не является ошибкой.
func (s *Stream) ReadNew(ctx context.Context, count int64, block time.Duration) ([]Entry, error) {
	if block < 0 {
		block = 0
	}
	res, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.group,
		Consumer: s.consumer,
		Streams:  []string{s.stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	return s.collect(res, err)
}

// ReadPending возвращает собственные неподтверждённые записи с ID строго больше after.
// after = "0" читает backlog с начала.
func (s *Stream) ReadPending(ctx context.Context, after string, count int64) ([]Entry, error) {
	res, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.group,
		Consumer: s.consumer,
		Streams:  []string{s.stream, after},
		Count:    count,
		Block:    -1,
	}).Result()
	return s.collect(res, err)
}

func (s *Stream) collect(res []redis.XStream, err error) ([]Entry, error) {
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup %s: %w", s.stream, err)
	}

	var entries []Entry
	for _, stream := range res {
		for _, msg := range stream.Messages {
			entries = append(entries, Entry{ID: msg.ID, Values: msg.Values})
		}
	}
	return entries, nil
}

// Ack подтверждает обработку записей.
func (s *Stream) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.client.XAck(ctx, s.stream, s.group, ids...).Err(); err != nil {
		return fmt.Errorf("xack %s: %w", s.stream, err)
	}
	return nil
}

// DeliveryCount возвращает число доставок pending-записи; 0, если записи нет в PEL.
func (s *Stream) DeliveryCount(ctx context.Context, id string) (int64, error) {
	pending, err := s.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: s.stream,
		Group:  s.group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("xpending %s: %w", id, err)
	}
	if len(pending) == 0 {
		return 0, nil
	}
	return pending[0].RetryCount, nil
}

// ClaimStale забирает себе записи других consumer, простаивающие дольше minIdle.
func (s *Stream) ClaimStale(ctx context.Context, minIdle time.Duration, count int64) ([]Entry, error) {
	pending, err := s.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: s.stream,
		Group:  s.group,
		Idle:   minIdle,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("xpending %s: %w", s.stream, err)
	}

	ids := make([]string, 0, len(pending))
	for _, p := range pending {
		if p.Consumer == s.consumer {
			continue
		}
		ids = append(ids, p.ID)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	messages, err := s.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   s.stream,
		Group:    s.group,
		Consumer: s.consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("xclaim %s: %w", s.stream, err)
	}

	entries := make([]Entry, 0, len(messages))
	for _, msg := range messages {
		entries = append(entries, Entry{ID: msg.ID, Values: msg.Values})
	}
	s.logger.WithField("claimed", len(entries)).Info("claimed stale pending entries")
	return entries, nil
}

// DeadLetter копирует запись в dead-letter stream и подтверждает её в одной транзакции.
func (s *Stream) DeadLetter(ctx context.Context, entry Entry, reason string) error {
	values := make(map[string]any, len(entry.Values)+3)
	for k, v := range entry.Values {
		values[k] = v
	}
	values[fieldReason] = reason
	values[fieldSourceID] = entry.ID
	values[fieldDeadLettered] = time.Now().UTC().Format(time.RFC3339Nano)

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, &redis.XAddArgs{Stream: s.deadLetter, Values: values})
		pipe.XAck(ctx, s.stream, s.group, entry.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("dead-letter %s: %w", entry.ID, err)
	}
	return nil
}

// Stats возвращает длину stream и число неподтверждённых записей группы.
func (s *Stream) Stats(ctx context.Context) (Stats, error) {
	length, err := s.client.XLen(ctx, s.stream).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("xlen %s: %w", s.stream, err)
	}
	summary, err := s.client.XPending(ctx, s.stream, s.group).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("xpending summary %s: %w", s.stream, err)
	}
	return Stats{Length: length, Pending: summary.Count}, nil
}

// EncodeIntent превращает заявку в плоский набор полей записи.
func EncodeIntent(intent domain.PurchaseIntent) map[string]any {
	return map[string]any{
		fieldOrderID:   strconv.FormatInt(intent.OrderID, 10),
		fieldUserID:    strconv.FormatInt(intent.UserID, 10),
		fieldVoucherID: strconv.FormatInt(intent.VoucherID, 10),
	}
}

// DecodeIntent восстанавливает заявку; отсутствующее или нечисловое поле
// даёт ErrMalformedIntent.
func DecodeIntent(values map[string]any) (domain.PurchaseIntent, error) {
	orderID, err := int64Field(values, fieldOrderID)
	if err != nil {
		return domain.PurchaseIntent{}, err
	}
	userID, err := int64Field(values, fieldUserID)
	if err != nil {
		return domain.PurchaseIntent{}, err
	}
	voucherID, err := int64Field(values, fieldVoucherID)
	if err != nil {
		return domain.PurchaseIntent{}, err
	}

	intent := domain.PurchaseIntent{OrderID: orderID, UserID: userID, VoucherID: voucherID}
	if err := intent.Validate(); err != nil {
		return domain.PurchaseIntent{}, err
	}
	return intent, nil
}

func int64Field(values map[string]any, name string) (int64, error) {
	raw, ok := values[name]
	if !ok {
		return 0, fmt.Errorf("%w: missing field %q", domain.ErrMalformedIntent, name)
	}
	str, ok := raw.(string)
	if !ok {
		return 0, fmt.Errorf("%w: field %q has type %T", domain.ErrMalformedIntent, name, raw)
	}
	value, err := strconv.ParseInt(strings.TrimSpace(str), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: field %q: %v", domain.ErrMalformedIntent, name, err)
	}
	return value, nil
}

// DeadLetterEntry - запись dead-letter stream вместе с причиной.
type DeadLetterEntry struct {
	Entry
	Reason   string
	SourceID string
}

// ReadDeadLetters возвращает до count записей dead-letter stream с ID строго больше after.
// Пустой after читает с начала.
func (s *Stream) ReadDeadLetters(ctx context.Context, after string, count int64) ([]DeadLetterEntry, error) {
	start, limit := "-", count
	if after != "" {
		start, limit = after, count+1
	}
	messages, err := s.client.XRangeN(ctx, s.deadLetter, start, "+", limit).Result()
	if err != nil {
		return nil, fmt.Errorf("xrange %s: %w", s.deadLetter, err)
	}

	entries := make([]DeadLetterEntry, 0, len(messages))
	for _, msg := range messages {
		if msg.ID == after {
			continue
		}
		reason, _ := msg.Values[fieldReason].(string)
		sourceID, _ := msg.Values[fieldSourceID].(string)
		entries = append(entries, DeadLetterEntry{
			Entry:    Entry{ID: msg.ID, Values: msg.Values},
			Reason:   reason,
			SourceID: sourceID,
		})
		if int64(len(entries)) == count {
			break
		}
	}
	return entries, nil
}

// Requeue переносит заявку из dead-letter stream обратно в основной stream
// в одной транзакции. Нераспознаваемая запись не переносится.
func (s *Stream) Requeue(ctx context.Context, entry DeadLetterEntry) (string, error) {
	intent, err := DecodeIntent(entry.Values)
	if err != nil {
		return "", err
	}

	var added *redis.StringCmd
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		added = pipe.XAdd(ctx, &redis.XAddArgs{Stream: s.stream, Values: EncodeIntent(intent)})
		pipe.XDel(ctx, s.deadLetter, entry.ID)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("requeue %s: %w", entry.ID, err)
	}
	return added.Val(), nil
}
