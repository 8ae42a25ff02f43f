package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gorm.io/gorm/logger"

	"github.com/thebtf/solvetrace/internal/beacon"
	"github.com/thebtf/solvetrace/internal/collector"
	"github.com/thebtf/solvetrace/internal/config"
	"github.com/thebtf/solvetrace/internal/db/gorm"
	"github.com/thebtf/solvetrace/internal/remote"
	"github.com/thebtf/solvetrace/internal/remote/redisstore"
	"github.com/thebtf/solvetrace/internal/syncd"
	"github.com/thebtf/solvetrace/internal/tracker"
)

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newCollectorCmd(a *app) *cobra.Command {
	var backend, addr string

	cmd := &cobra.Command{
		Use:   "collector",
		Short: "Run the session collector service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if backend == "" {
				backend = a.cfg.CollectorBackend
			}
			if addr == "" {
				addr = a.cfg.CollectorAddr
			}

			store, closer, err := openCollectorStore(a.cfg, backend)
			if err != nil {
				return err
			}
			defer func() { _ = closer.Close() }()

			ctx, cancel := signalContext()
			defer cancel()

			log.Info().Str("backend", backend).Msg("Collector backend ready")
			return collector.New(Version, store).ListenAndServe(ctx, addr)
		},
	}
	cmd.Flags().StringVar(&backend, "backend", "", "Storage backend: memory, postgres or redis")
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address")
	return cmd
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func openCollectorStore(cfg *config.Config, backend string) (remote.Store, io.Closer, error) {
	switch backend {
	case config.CollectorBackendMemory:
		return remote.NewMemoryStore(), closerFunc(func() error { return nil }), nil
	case config.CollectorBackendPostgres:
		store, err := gorm.NewStore(gorm.Config{DSN: cfg.PostgresDSN, MaxConns: cfg.MaxConns, LogLevel: logger.Silent})
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		return gorm.NewSessionStore(store), store, nil
	case config.CollectorBackendRedis:
		store := redisstore.New(cfg.RedisAddr)
		ctx, cancel := context.WithTimeout(context.Background(), cfg.RemoteTimeout)
		defer cancel()
		if err := store.Ping(ctx); err != nil {
			_ = store.Close()
			return nil, nil, err
		}
		return store, store, nil
	default:
		return nil, nil, fmt.Errorf("unknown collector backend %q", backend)
	}
}

func newSyncdCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "syncd",
		Short: "Deliver sessions handed off to the spool",
		RunE: func(cmd *cobra.Command, _ []string) error {
			spool, err := beacon.NewSpool(a.cfg.SpoolDir)
			if err != nil {
				return err
			}
			uploader := remote.NewUploader(tracker.OpenRemote(a.cfg))

			ctx, cancel := signalContext()
			defer cancel()

			err = syncd.New(spool, uploader, a.cfg.SpoolRetry).Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}
