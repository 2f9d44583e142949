package app

import (
	"context"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/seckill/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/seckill/internal/health"
	"github.com/vladislavdragonenkov/seckill/internal/storage/memory"
	"github.com/vladislavdragonenkov/seckill/internal/storage/postgres"
)

// runtimeDependencies - репозитории выбранного драйвера хранения.
type runtimeDependencies struct {
	vouchers domain.VoucherRepository
	orders   domain.VoucherOrderRepository
	shops    domain.ShopRepository

	// storageChecker nil для in-memory хранилища.
	storageChecker healthcheck.Checker
	closeFn        func() error
}

func (d runtimeDependencies) close(logger *log.Entry) {
	if d.closeFn == nil {
		return
	}
	if err := d.closeFn(); err != nil {
		logger.WithError(err).Warn("failed to close storage")
	}
}

// initRuntimeDependencies создаёт репозитории по cfg.StorageDriver.
func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (runtimeDependencies, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.StorageDriver)) {
	case "", StorageDriverMemory:
		vouchers := memory.NewVoucherRepository()
		logger.Info("using in-memory storage")
		return runtimeDependencies{
			vouchers: vouchers,
			orders:   memory.NewVoucherOrderRepository(vouchers),
			shops:    memory.NewShopRepository(),
		}, nil

	case StorageDriverPostgres:
		if strings.TrimSpace(cfg.PostgresDSN) == "" {
			return runtimeDependencies{}, fmt.Errorf("postgres storage driver requires dsn")
		}
		store, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return runtimeDependencies{}, fmt.Errorf("open postgres: %w", err)
		}
		if cfg.PostgresAutoMigrate {
			if err := store.MigrateUp(ctx, 0); err != nil {
				_ = store.Close()
				return runtimeDependencies{}, fmt.Errorf("migrate postgres: %w", err)
			}
		}
		logger.Info("using postgres storage")
		return runtimeDependencies{
			vouchers:       postgres.NewVoucherRepository(store),
			orders:         postgres.NewVoucherOrderRepository(store),
			shops:          postgres.NewShopRepository(store),
			storageChecker: healthcheck.NewPingChecker("postgres", store),
			closeFn:        store.Close,
		}, nil

	default:
		return runtimeDependencies{}, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}
}
