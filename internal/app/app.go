// Package app собирает seckill-сервис: хранилище, Redis, воркер заказов,
// HTTP API, метрики и gRPC health.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/vladislavdragonenkov/seckill/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/seckill/internal/health"
	"github.com/vladislavdragonenkov/seckill/internal/metrics"
	httptransport "github.com/vladislavdragonenkov/seckill/internal/transport/http"
	"github.com/vladislavdragonenkov/seckill/internal/version"
)

const (
	redisConnectTimeout  = 3 * time.Second
	servingCheckInterval = 5 * time.Second
)

// Run запускает сервис и блокируется до отмены ctx или падения одного из серверов.
// Отмена ctx возвращает ctx.Err() после остановки всех компонентов.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultConfig().ShutdownTimeout
	}

	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.close(logger)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer func() { _ = rdb.Close() }()

	pingCtx, cancelPing := context.WithTimeout(ctx, redisConnectTimeout)
	err = rdb.Ping(pingCtx).Err()
	cancelPing()
	if err != nil {
		return fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
	}

	producer, _ := initKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
	defer closeKafka(producer, logger)
	var publisher domain.OrderEventPublisher
	if producer != nil {
		publisher = producer
	}

	comps := buildComponents(cfg, rdb, deps, publisher, metrics.NewSeckillMetrics(), logger)

	healthHandler := healthcheck.NewHandler(version.GetVersion())
	healthHandler.RegisterChecker("redis", healthcheck.NewRedisChecker("redis", rdb))
	if deps.storageChecker != nil {
		healthHandler.RegisterChecker("storage", deps.storageChecker)
	}

	grpcMetrics := registerGRPCMetrics(logger)
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()))
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	grpcMetrics.InitializeMetrics(grpcServer)
	reflection.Register(grpcServer)

	grpcListener, err := net.Listen("tcp", cfg.GRPCHealthAddr)
	if err != nil {
		return fmt.Errorf("listen grpc health %s: %w", cfg.GRPCHealthAddr, err)
	}
	apiListener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		_ = grpcListener.Close()
		return fmt.Errorf("listen http api %s: %w", cfg.HTTPAddr, err)
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	workerDone := make(chan error, 1)
	go func() {
		workerDone <- comps.worker.Run(runCtx)
	}()

	go syncServingStatus(runCtx, healthHandler, healthServer, servingCheckInterval)

	metricsSrv := startMetricsServer(runCtx, cfg.MetricsAddr, logger, healthHandler)
	apiSrv := newAPIServer(httptransport.NewRouter(comps.seckill, comps.shops, logger.WithField("component", "http-api")))

	errCh := make(chan error, 2)
	go func() {
		logger.Infof("gRPC health слушает %s", grpcListener.Addr())
		errCh <- grpcServer.Serve(grpcListener)
	}()
	go func() {
		logger.Infof("HTTP API слушает %s", apiListener.Addr())
		errCh <- apiSrv.Serve(apiListener)
	}()

	var runErr error
	workerStopped := false
	select {
	case <-ctx.Done():
		logger.Info("получен сигнал остановки")
		runErr = ctx.Err()
	case err := <-errCh:
		if !errors.Is(err, grpc.ErrServerStopped) && !errors.Is(err, http.ErrServerClosed) {
			runErr = err
		}
	case err := <-workerDone:
		workerStopped = true
		switch {
		case ctx.Err() != nil:
			runErr = ctx.Err()
		case err != nil:
			runErr = fmt.Errorf("order worker stopped: %w", err)
		default:
			runErr = errors.New("order worker stopped unexpectedly")
		}
	}

	healthServer.Shutdown()
	shutdownHTTP(apiSrv, logger)

	stop()
	if !workerStopped {
		select {
		case err := <-workerDone:
			if err != nil {
				logger.WithError(err).Warn("order worker stopped with error")
			}
		case <-time.After(cfg.ShutdownTimeout):
			logger.Warn("order worker did not stop in time")
		}
	}

	rebuildCtx, cancelRebuild := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	if err := comps.rebuilder.Close(rebuildCtx); err != nil {
		logger.WithError(err).Warn("cache rebuilds did not finish")
	}
	cancelRebuild()

	stopGRPC(grpcServer, cfg.ShutdownTimeout, logger)
	shutdownHTTP(metricsSrv, logger)

	return runErr
}

// registerGRPCMetrics регистрирует метрики gRPC, переиспользуя уже зарегистрированные.
func registerGRPCMetrics(logger *log.Entry) *promgrpc.ServerMetrics {
	grpcMetrics := promgrpc.NewServerMetrics()
	if err := prometheus.Register(grpcMetrics); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*promgrpc.ServerMetrics); ok {
				return existing
			}
		}
		logger.WithError(err).Warn("failed to register grpc metrics")
	}
	return grpcMetrics
}

// syncServingStatus переносит агрегированный статус health checks в gRPC health.
// Degraded считается обслуживающим состоянием.
func syncServingStatus(ctx context.Context, checks *healthcheck.Handler, server *health.Server, interval time.Duration) {
	update := func() {
		status := healthpb.HealthCheckResponse_SERVING
		if checks.Evaluate(ctx).Status == healthcheck.StatusUnhealthy {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		server.SetServingStatus("", status)
	}

	update()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			update()
		}
	}
}

func stopGRPC(server *grpc.Server, timeout time.Duration, logger *log.Entry) {
	stopped := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(timeout):
		logger.Warn("graceful stop превысил таймаут, принудительно останавливаем")
		server.Stop()
	}
}

func newAPIServer(handler http.Handler) *http.Server {
	return &http.Server{
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// startMetricsServer запускает HTTP-обработчики /metrics и health probes.
func startMetricsServer(ctx context.Context, addr string, logger *log.Entry, healthHandler *healthcheck.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", healthHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)
	mux.HandleFunc("/livez", healthcheck.LivenessHandler)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Infof("метрики доступны по адресу %s/metrics", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownHTTP(srv, logger)
	}()

	return srv
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("http shutdown with error")
	}
}
