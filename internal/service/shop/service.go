// Package shop отдаёт карточки магазинов через выбранную стратегию кэша
// и инвалидирует кэш при обновлении.
package shop

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/seckill/internal/cache"
	"github.com/vladislavdragonenkov/seckill/internal/domain"
)

const (
	// KeyPrefix - префикс ключей кэша магазинов.
	KeyPrefix = "cache:shop:"

	defaultTTL = 30 * time.Minute
)

// Strategy выбирает способ чтения через кэш.
type Strategy string

const (
	// StrategyPassThrough - cache-aside с tombstone для отсутствующих магазинов.
	StrategyPassThrough Strategy = "passthrough"
	// StrategyMutex - перестроение промаха под блокировкой.
	StrategyMutex Strategy = "mutex"
	// StrategyLogical - логическое истечение; записи прогреваются через Preheat.
	StrategyLogical Strategy = "logical"
)

// ErrUnknownStrategy возвращается ParseStrategy для неизвестного имени.
var ErrUnknownStrategy = errors.New("unknown shop cache strategy")

// ParseStrategy разбирает имя стратегии без учёта регистра.
func ParseStrategy(raw string) (Strategy, error) {
	switch s := Strategy(strings.ToLower(strings.TrimSpace(raw))); s {
	case StrategyPassThrough, StrategyMutex, StrategyLogical:
		return s, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, raw)
	}
}

// Service читает и обновляет магазины.
type Service struct {
	repo     domain.ShopRepository
	cache    *cache.Client
	strategy Strategy
	ttl      time.Duration
	logger   *log.Entry
}

// NewService создаёт сервис. Пустая стратегия означает pass-through, ttl <= 0 - 30 минут.
func NewService(repo domain.ShopRepository, cacheClient *cache.Client, strategy Strategy, ttl time.Duration, logger *log.Entry) *Service {
	if strategy == "" {
		strategy = StrategyPassThrough
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if logger == nil {
		logger = log.WithField("component", "shop-service")
	}
	return &Service{
		repo:     repo,
		cache:    cacheClient,
		strategy: strategy,
		ttl:      ttl,
		logger:   logger,
	}
}

// Strategy возвращает текущую стратегию чтения.
func (s *Service) Strategy() Strategy {
	return s.strategy
}

// Get возвращает магазин или ErrShopNotFound.
func (s *Service) Get(ctx context.Context, id int64) (domain.Shop, error) {
	var (
		shop *domain.Shop
		err  error
	)
	switch s.strategy {
	case StrategyMutex:
		shop, err = cache.QueryWithMutex(ctx, s.cache, KeyPrefix, id, s.load, s.ttl)
	case StrategyLogical:
		shop, err = cache.QueryWithLogicalExpire(ctx, s.cache, KeyPrefix, id, s.load, s.ttl)
	default:
		shop, err = cache.QueryWithPassThrough(ctx, s.cache, KeyPrefix, id, s.load, s.ttl)
	}
	if err != nil {
		return domain.Shop{}, fmt.Errorf("get shop %d: %w", id, err)
	}
	if shop == nil {
		return domain.Shop{}, domain.ErrShopNotFound
	}
	return *shop, nil
}

// Create сохраняет магазин; при логической стратегии сразу прогревает кэш.
func (s *Service) Create(ctx context.Context, shop domain.Shop) (domain.Shop, error) {
	created, err := s.repo.Create(ctx, shop)
	if err != nil {
		return domain.Shop{}, err
	}
	if s.strategy == StrategyLogical {
		if err := s.cache.SetWithLogicalExpire(ctx, cache.Key(KeyPrefix, created.ID), created, s.ttl); err != nil {
			s.logger.WithError(err).WithField("shop_id", created.ID).Warn("failed to preheat created shop")
		}
	}
	return created, nil
}

// Update сохраняет магазин и удаляет его ключ кэша до фиксации.
// Ошибка удаления откатывает обновление. При логической стратегии
// запись после фиксации прогревается заново.
func (s *Service) Update(ctx context.Context, shop domain.Shop) error {
	if shop.ID <= 0 {
		return domain.ErrShopNotFound
	}
	err := s.repo.Update(ctx, shop, func(ctx context.Context) error {
		return s.cache.Delete(ctx, cache.Key(KeyPrefix, shop.ID))
	})
	if err != nil {
		return err
	}
	if s.strategy == StrategyLogical {
		if err := s.Preheat(ctx, shop.ID, s.ttl); err != nil {
			s.logger.WithError(err).WithField("shop_id", shop.ID).Warn("failed to preheat updated shop")
		}
	}
	return nil
}

// Preheat загружает магазин и записывает его с логическим истечением через ttl.
func (s *Service) Preheat(ctx context.Context, id int64, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.ttl
	}
	shop, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	return s.cache.SetWithLogicalExpire(ctx, cache.Key(KeyPrefix, id), shop, ttl)
}

func (s *Service) load(ctx context.Context, id int64) (*domain.Shop, error) {
	shop, err := s.repo.Get(ctx, id)
	if errors.Is(err, domain.ErrShopNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &shop, nil
}
