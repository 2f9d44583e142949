package shop_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/seckill/internal/cache"
	"github.com/vladislavdragonenkov/seckill/internal/domain"
	"github.com/vladislavdragonenkov/seckill/internal/service/shop"
	"github.com/vladislavdragonenkov/seckill/internal/storage/memory"
)

type countingRepo struct {
	*memory.ShopRepository

	mu    sync.Mutex
	loads int
}

func (r *countingRepo) Get(ctx context.Context, id int64) (domain.Shop, error) {
	r.mu.Lock()
	r.loads++
	r.mu.Unlock()
	return r.ShopRepository.Get(ctx, id)
}

func (r *countingRepo) loadCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loads
}

func setup(t *testing.T, options ...cache.Option) (*miniredis.Miniredis, *cache.Client, *countingRepo) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, cache.NewClient(client, options...), &countingRepo{ShopRepository: memory.NewShopRepository()}
}

func TestParseStrategy(t *testing.T) {
	strategy, err := shop.ParseStrategy(" Mutex ")
	require.NoError(t, err)
	require.Equal(t, shop.StrategyMutex, strategy)

	_, err = shop.ParseStrategy("random")
	require.ErrorIs(t, err, shop.ErrUnknownStrategy)
}

func TestService_GetPassThrough(t *testing.T) {
	ctx := context.Background()
	mr, client, repo := setup(t)
	svc := shop.NewService(repo, client, shop.StrategyPassThrough, time.Hour, nil)

	created, err := svc.Create(ctx, domain.Shop{Name: "noodle bar", Area: "north"})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		got, err := svc.Get(ctx, created.ID)
		require.NoError(t, err)
		require.Equal(t, "noodle bar", got.Name)
	}
	require.Equal(t, 1, repo.loadCount())
	require.True(t, mr.Exists(cache.Key(shop.KeyPrefix, created.ID)))

	_, err = svc.Get(ctx, 404)
	require.ErrorIs(t, err, domain.ErrShopNotFound)
	_, err = svc.Get(ctx, 404)
	require.ErrorIs(t, err, domain.ErrShopNotFound)
	require.Equal(t, 2, repo.loadCount())
}

func TestService_GetMutexCollapsesConcurrentMisses(t *testing.T) {
	ctx := context.Background()
	_, client, repo := setup(t)
	svc := shop.NewService(repo, client, shop.StrategyMutex, time.Hour, nil)

	created, err := svc.Create(ctx, domain.Shop{Name: "dumplings"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := svc.Get(ctx, created.ID)
			assert.NoError(t, err)
			assert.Equal(t, created.ID, got.ID)
		}()
	}
	wg.Wait()

	require.Equal(t, 1, repo.loadCount())
}

func TestService_UpdateInvalidatesCache(t *testing.T) {
	ctx := context.Background()
	mr, client, repo := setup(t)
	svc := shop.NewService(repo, client, shop.StrategyPassThrough, time.Hour, nil)

	created, err := svc.Create(ctx, domain.Shop{Name: "bakery"})
	require.NoError(t, err)
	_, err = svc.Get(ctx, created.ID)
	require.NoError(t, err)

	created.Name = "bakery & cafe"
	require.NoError(t, svc.Update(ctx, created))
	require.False(t, mr.Exists(cache.Key(shop.KeyPrefix, created.ID)))

	got, err := svc.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, "bakery & cafe", got.Name)
}

func TestService_UpdateRollsBackWhenInvalidationFails(t *testing.T) {
	ctx := context.Background()
	mr, client, repo := setup(t)
	svc := shop.NewService(repo, client, shop.StrategyPassThrough, time.Hour, nil)

	created, err := svc.Create(ctx, domain.Shop{Name: "before"})
	require.NoError(t, err)

	mr.SetError("ERR injected failure")
	created.Name = "after"
	require.Error(t, svc.Update(ctx, created))
	mr.SetError("")

	stored, err := repo.ShopRepository.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, "before", stored.Name)
}

func TestService_LogicalStrategyServesStaleAndRebuilds(t *testing.T) {
	ctx := context.Background()

	var (
		mu  sync.Mutex
		now = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	rebuilder := cache.NewRebuilder(2, nil)
	t.Cleanup(func() { _ = rebuilder.Close(context.Background()) })

	_, client, repo := setup(t, cache.WithClock(clock), cache.WithRebuilder(rebuilder))
	svc := shop.NewService(repo, client, shop.StrategyLogical, time.Minute, nil)

	_, err := svc.Get(ctx, 1)
	require.ErrorIs(t, err, domain.ErrShopNotFound)

	created, err := svc.Create(ctx, domain.Shop{Name: "v1"})
	require.NoError(t, err)

	got, err := svc.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, "v1", got.Name)
	require.Zero(t, repo.loadCount())

	updated := created
	updated.Name = "v2"
	require.NoError(t, repo.ShopRepository.Update(ctx, updated, nil))

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()

	got, err = svc.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, "v1", got.Name)

	require.Eventually(t, func() bool {
		current, err := svc.Get(ctx, created.ID)
		return err == nil && current.Name == "v2"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestService_PreheatMissingShop(t *testing.T) {
	_, client, repo := setup(t)
	svc := shop.NewService(repo, client, shop.StrategyLogical, time.Minute, nil)

	require.ErrorIs(t, svc.Preheat(context.Background(), 9, 0), domain.ErrShopNotFound)
}
