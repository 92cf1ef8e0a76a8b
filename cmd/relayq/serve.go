package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/relayq/relayq/internal/api"
	"github.com/relayq/relayq/internal/config"
	"github.com/relayq/relayq/internal/kv"
	"github.com/relayq/relayq/internal/logging"
	"github.com/relayq/relayq/internal/queue"
	"github.com/relayq/relayq/internal/rest"
	"github.com/relayq/relayq/internal/store"
	"github.com/relayq/relayq/internal/store/redisstore"
	"github.com/relayq/relayq/internal/wal"
)

func serveCmd() *cobra.Command {
	var cfgPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the queue server",
		Long: `Run the REST and gRPC health servers over a queue manager. Workers
are embedded in Go processes that register handlers; set manager.workers to
run the pools of handlers linked into this binary.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cfgPath)
			if err != nil {
				return err
			}
			if err := logging.Setup(cfg.Logging.Level, cfg.Logging.Format); err != nil {
				return err
			}
			return serve(cfg)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "config file (YAML); RELAYQ_* variables override it")

	return cmd
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.FromEnv()
	}
	return config.Load(path)
}

// openStore opens the configured queue store
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Backend {
	case "redis":
		return redisstore.New(ctx, cfg.RedisOptions())
	default:
		var journal *wal.WAL
		if cfg.Store.WAL.Enabled {
			w, err := wal.New(cfg.WALOptions())
			if err != nil {
				return nil, fmt.Errorf("failed to open WAL: %w", err)
			}
			journal = w
		}
		return store.NewMemory(store.MemoryOptions{WAL: journal, CompactSegments: cfg.Store.WAL.CompactSegments})
	}
}

func serve(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open %s store: %w", cfg.Store.Backend, err)
	}
	defer st.Close()

	opts := cfg.ManagerOptions()

	var kvStore *kv.Store
	if cfg.Idempotency.Enabled {
		kvStore, err = kv.New(cfg.Idempotency.Dir)
		if err != nil {
			return fmt.Errorf("failed to open idempotency store: %w", err)
		}
		defer kvStore.Close()
		opts.Deduper = kvStore
	}

	m := queue.NewManager(st, opts)
	if err := m.Start(ctx); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), cfg.Manager.ShutdownGrace+5*time.Second)
		defer done()
		m.Shutdown(shutdownCtx)
	}()

	var g run.Group

	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))

	{
		httpServer := &http.Server{
			Addr:              cfg.Server.HTTPAddr,
			Handler:           rest.NewServer(m).Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Add(func() error {
			log.Info().Str("addr", cfg.Server.HTTPAddr).Msg("REST server listening")
			if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		}, func(error) {
			shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
			defer done()
			httpServer.Shutdown(shutdownCtx)
		})
	}

	if cfg.Server.GRPCAddr != "" {
		hs := api.NewHealthServer(m)
		if err := hs.Refresh(ctx); err != nil {
			log.Warn().Err(err).Msg("initial health check failed")
		}
		grpcServer := api.NewGRPCServer(hs)

		lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.Server.GRPCAddr, err)
		}
		g.Add(func() error {
			log.Info().Str("addr", cfg.Server.GRPCAddr).Msg("gRPC health server listening")
			return grpcServer.Serve(lis)
		}, func(error) {
			grpcServer.GracefulStop()
		})

		healthCtx, stopHealth := context.WithCancel(ctx)
		g.Add(func() error {
			hs.Run(healthCtx)
			<-healthCtx.Done()
			return nil
		}, func(error) {
			stopHealth()
		})
	}

	if kvStore != nil && cfg.Idempotency.JanitorInterval > 0 {
		janitorCtx, stopJanitor := context.WithCancel(ctx)
		g.Add(func() error {
			kvStore.RunJanitor(janitorCtx, cfg.Idempotency.JanitorInterval)
			return nil
		}, func(error) {
			stopJanitor()
		})
	}

	err = g.Run()

	var sig run.SignalError
	if errors.As(err, &sig) {
		log.Info().Str("signal", sig.Signal.String()).Msg("shutting down")
		return nil
	}
	return err
}
