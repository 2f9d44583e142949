// Package seckill реализует путь запроса покупки ваучера: проверку окна
// продажи, атомарную проверку в Redis и передачу принятой заявки в очередь.
package seckill

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/seckill/internal/cache"
	"github.com/vladislavdragonenkov/seckill/internal/domain"
	"github.com/vladislavdragonenkov/seckill/internal/inventory"
	"github.com/vladislavdragonenkov/seckill/internal/metrics"
)

const (
	// VoucherKeyPrefix - префикс ключей кэша ваучеров.
	VoucherKeyPrefix = "cache:voucher:"
	// OrderSequence - имя последовательности идентификаторов заказов.
	OrderSequence = "order"

	defaultVoucherTTL = 30 * time.Minute
)

// Outcome - результат попытки покупки.
type Outcome int

const (
	// OutcomeAccepted - заявка принята и поставлена в очередь.
	OutcomeAccepted Outcome = iota
	// OutcomeOutOfStock - остаток исчерпан.
	OutcomeOutOfStock
	// OutcomeDuplicateOrder - пользователь уже купил этот ваучер.
	OutcomeDuplicateOrder
	// OutcomeNotStarted - продажа ещё не началась.
	OutcomeNotStarted
	// OutcomeEnded - продажа закончилась.
	OutcomeEnded
)

// String возвращает метку исхода для логов, метрик и ответов API.
func (o Outcome) String() string {
	switch o {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeOutOfStock:
		return "out_of_stock"
	case OutcomeDuplicateOrder:
		return "duplicate_order"
	case OutcomeNotStarted:
		return "not_started"
	case OutcomeEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Result - ответ Purchase. OrderID заполнен только для OutcomeAccepted.
type Result struct {
	Outcome Outcome
	OrderID int64
}

// IDGenerator выдаёт идентификаторы заказов.
type IDGenerator interface {
	NextID(ctx context.Context, sequence string) (int64, error)
}

// Gate - атомарная проверка остатка и повторной покупки.
type Gate interface {
	TryReserve(ctx context.Context, voucherID, userID, orderID int64) (inventory.Outcome, error)
	Release(ctx context.Context, voucherID, userID, orderID int64) (bool, error)
	LoadStock(ctx context.Context, voucherID int64, stock int) error
}

// Options задаёт параметры Service.
type Options struct {
	Logger     *log.Entry
	Metrics    *metrics.SeckillMetrics
	VoucherTTL time.Duration
	Now        func() time.Time
}

// Option настраивает Service.
type Option func(*Options)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithMetrics задаёт prometheus-метрики.
func WithMetrics(m *metrics.SeckillMetrics) Option {
	return func(opts *Options) {
		opts.Metrics = m
	}
}

// WithVoucherTTL задаёт TTL кэша ваучеров.
func WithVoucherTTL(ttl time.Duration) Option {
	return func(opts *Options) {
		opts.VoucherTTL = ttl
	}
}

// WithClock подменяет источник времени для проверки окна продажи.
func WithClock(now func() time.Time) Option {
	return func(opts *Options) {
		opts.Now = now
	}
}

// Service обслуживает покупки seckill-ваучеров.
type Service struct {
	vouchers   domain.VoucherRepository
	cache      *cache.Client
	ids        IDGenerator
	gate       Gate
	handler    AcceptHandler
	metrics    *metrics.SeckillMetrics
	logger     *log.Entry
	voucherTTL time.Duration
	now        func() time.Time
}

// NewService создаёт сервис покупок.
func NewService(
	vouchers domain.VoucherRepository,
	cacheClient *cache.Client,
	ids IDGenerator,
	gate Gate,
	handler AcceptHandler,
	options ...Option,
) *Service {
	opts := Options{
		VoucherTTL: defaultVoucherTTL,
		Now:        time.Now,
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "seckill-service")
	}
	if opts.VoucherTTL <= 0 {
		opts.VoucherTTL = defaultVoucherTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Service{
		vouchers:   vouchers,
		cache:      cacheClient,
		ids:        ids,
		gate:       gate,
		handler:    handler,
		metrics:    opts.Metrics,
		logger:     logger,
		voucherTTL: opts.VoucherTTL,
		now:        opts.Now,
	}
}

// Purchase принимает решение по заявке пользователя. Бизнес-отказы
// возвращаются как Outcome, ошибка означает сбой инфраструктуры.
func (s *Service) Purchase(ctx context.Context, voucherID, userID int64) (Result, error) {
	if userID <= 0 {
		return Result{}, domain.ErrUserRequired
	}
	if voucherID <= 0 {
		return Result{}, domain.ErrVoucherRequired
	}

	voucher, err := cache.QueryWithPassThrough(ctx, s.cache, VoucherKeyPrefix, voucherID, s.loadVoucher, s.voucherTTL)
	if err != nil {
		return Result{}, fmt.Errorf("load voucher %d: %w", voucherID, err)
	}
	if voucher == nil {
		return Result{}, domain.ErrVoucherNotFound
	}

	switch voucher.SaleStateAt(s.now()) {
	case domain.SaleNotStarted:
		return s.finish(Result{Outcome: OutcomeNotStarted}), nil
	case domain.SaleEnded:
		return s.finish(Result{Outcome: OutcomeEnded}), nil
	}

	orderID, err := s.ids.NextID(ctx, OrderSequence)
	if err != nil {
		return Result{}, fmt.Errorf("next order id: %w", err)
	}

	reserved, err := s.gate.TryReserve(ctx, voucherID, userID, orderID)
	if err != nil {
		return Result{}, fmt.Errorf("reserve voucher %d: %w", voucherID, err)
	}
	switch reserved {
	case inventory.OutOfStock:
		return s.finish(Result{Outcome: OutcomeOutOfStock}), nil
	case inventory.DuplicateOrder:
		return s.finish(Result{Outcome: OutcomeDuplicateOrder}), nil
	}

	intent := domain.PurchaseIntent{OrderID: orderID, UserID: userID, VoucherID: voucherID}
	if err := s.handler.OnAccepted(ctx, intent); err != nil {
		s.release(ctx, intent)
		return Result{}, fmt.Errorf("hand off order %d: %w", orderID, err)
	}

	return s.finish(Result{Outcome: OutcomeAccepted, OrderID: orderID}), nil
}

// PublishSeckillVoucher сохраняет ваучер, загружает остаток в Redis и
// сбрасывает кэш ваучера.
func (s *Service) PublishSeckillVoucher(ctx context.Context, voucher domain.Voucher) (domain.Voucher, error) {
	if errs := voucher.Validate(); len(errs) > 0 {
		return domain.Voucher{}, errors.Join(errs...)
	}

	created, err := s.vouchers.Create(ctx, voucher)
	if err != nil {
		return domain.Voucher{}, fmt.Errorf("create voucher: %w", err)
	}
	if err := s.gate.LoadStock(ctx, created.ID, created.Stock); err != nil {
		return domain.Voucher{}, fmt.Errorf("load stock of voucher %d: %w", created.ID, err)
	}
	if err := s.cache.Delete(ctx, cache.Key(VoucherKeyPrefix, created.ID)); err != nil {
		return domain.Voucher{}, err
	}

	s.logger.WithFields(log.Fields{
		"voucher_id": created.ID,
		"stock":      created.Stock,
	}).Info("seckill voucher published")
	return created, nil
}

func (s *Service) loadVoucher(ctx context.Context, id int64) (*domain.Voucher, error) {
	voucher, err := s.vouchers.Get(ctx, id)
	if errors.Is(err, domain.ErrVoucherNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &voucher, nil
}

func (s *Service) release(ctx context.Context, intent domain.PurchaseIntent) {
	logger := s.logger.WithFields(log.Fields{
		"order_id":   intent.OrderID,
		"user_id":    intent.UserID,
		"voucher_id": intent.VoucherID,
	})

	released, err := s.gate.Release(context.WithoutCancel(ctx), intent.VoucherID, intent.UserID, intent.OrderID)
	if err != nil {
		logger.WithError(err).Error("failed to release reservation after hand-off failure")
		return
	}
	if !released {
		logger.Warn("reservation was already gone on release")
	}
}

func (s *Service) finish(result Result) Result {
	s.metrics.RecordAdmission(result.Outcome.String())
	return result
}
