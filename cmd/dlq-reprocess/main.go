package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/seckill/internal/domain"
	"github.com/vladislavdragonenkov/seckill/internal/messaging/redisstream"
)

const (
	defaultReplayLimit = 100
	replayBatchSize    = 50
)

type config struct {
	redisAddr     string
	redisPassword string
	redisDB       int
	stream        string
	group         string
	reason        string
	limit         int
	execute       bool
}

// deadLetters - операции очереди, нужные для повторной постановки.
type deadLetters interface {
	ReadDeadLetters(ctx context.Context, after string, count int64) ([]redisstream.DeadLetterEntry, error)
	Requeue(ctx context.Context, entry redisstream.DeadLetterEntry) (string, error)
}

var _ deadLetters = (*redisstream.Stream)(nil)

type replayStats struct {
	scanned  int
	replayed int
	skipped  int
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.InfoLevel)

	cfg, err := readConfig(os.Args[1:], os.Getenv)
	if err != nil {
		fail("%v", err)
	}

	if err := run(context.Background(), cfg); err != nil {
		fail("dlq replay failed: %v", err)
	}
}

func readConfig(args []string, getenv func(string) string) (config, error) {
	cfg := config{}
	fs := flag.NewFlagSet("dlq-reprocess", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&cfg.redisAddr, "redis", "", "Redis address (fallback: SECKILL_REDIS_ADDR, localhost:6379)")
	fs.StringVar(&cfg.redisPassword, "redis-password", "", "Redis password (fallback: SECKILL_REDIS_PASSWORD)")
	fs.IntVar(&cfg.redisDB, "redis-db", 0, "Redis database")
	fs.StringVar(&cfg.stream, "stream", redisstream.DefaultStream, "order stream; dead letters are read from <stream>.dlq")
	fs.StringVar(&cfg.group, "group", redisstream.DefaultGroup, "consumer group of the order stream")
	fs.StringVar(&cfg.reason, "reason", "", "replay only entries with this dead-letter reason")
	fs.IntVar(&cfg.limit, "limit", defaultReplayLimit, "max number of dead letters to scan")
	fs.BoolVar(&cfg.execute, "execute", false, "execute replay; default is dry-run")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	if strings.TrimSpace(cfg.redisAddr) == "" {
		cfg.redisAddr = strings.TrimSpace(getenv("SECKILL_REDIS_ADDR"))
	}
	if cfg.redisAddr == "" {
		cfg.redisAddr = "localhost:6379"
	}
	if cfg.redisPassword == "" {
		cfg.redisPassword = getenv("SECKILL_REDIS_PASSWORD")
	}
	if strings.TrimSpace(cfg.stream) == "" {
		return config{}, errors.New("stream is required")
	}
	if cfg.limit <= 0 {
		return config{}, errors.New("limit must be > 0")
	}
	if cfg.redisDB < 0 {
		return config{}, errors.New("redis-db must be >= 0")
	}
	cfg.reason = strings.TrimSpace(cfg.reason)

	return cfg, nil
}

func run(ctx context.Context, cfg config) error {
	log.WithFields(log.Fields{
		"stream":  cfg.stream,
		"reason":  cfg.reason,
		"limit":   cfg.limit,
		"execute": cfg.execute,
	}).Info("starting dlq replay")

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.redisAddr,
		Password: cfg.redisPassword,
		DB:       cfg.redisDB,
	})
	defer func() { _ = client.Close() }()

	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect redis %s: %w", cfg.redisAddr, err)
	}

	queue := redisstream.New(client, cfg.stream, cfg.group, redisstream.WithConsumer("dlq-reprocess"))
	stats, err := runReplay(ctx, cfg, queue)
	if err != nil {
		return err
	}

	mode := "dry-run"
	if cfg.execute {
		mode = "execute"
	}
	log.WithFields(log.Fields{
		"mode":     mode,
		"scanned":  stats.scanned,
		"replayed": stats.replayed,
		"skipped":  stats.skipped,
	}).Info("dlq replay finished")
	return nil
}

// runReplay обходит dead-letter stream по возрастанию ID. В dry-run записи
// только логируются; в execute-режиме переносятся в основной stream.
func runReplay(ctx context.Context, cfg config, queue deadLetters) (replayStats, error) {
	var (
		stats replayStats
		after string
	)

	for stats.scanned < cfg.limit {
		batch := cfg.limit - stats.scanned
		if batch > replayBatchSize {
			batch = replayBatchSize
		}
		entries, err := queue.ReadDeadLetters(ctx, after, int64(batch))
		if err != nil {
			return stats, err
		}
		if len(entries) == 0 {
			return stats, nil
		}

		for _, entry := range entries {
			after = entry.ID
			stats.scanned++

			logger := log.WithFields(log.Fields{
				"entry_id":  entry.ID,
				"source_id": entry.SourceID,
				"reason":    entry.Reason,
			})
			if cfg.reason != "" && entry.Reason != cfg.reason {
				stats.skipped++
				continue
			}
			if _, err := redisstream.DecodeIntent(entry.Values); err != nil {
				stats.skipped++
				logger.WithError(err).Warn("skip unreplayable dead letter")
				continue
			}

			if !cfg.execute {
				logger.Info("dlq replay candidate")
				stats.replayed++
				continue
			}

			newID, err := queue.Requeue(ctx, entry)
			if errors.Is(err, domain.ErrMalformedIntent) {
				stats.skipped++
				continue
			}
			if err != nil {
				return stats, fmt.Errorf("requeue dead letter: %w", err)
			}
			logger.WithField("new_id", newID).Info("dead letter requeued")
			stats.replayed++
		}
	}

	return stats, nil
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
