package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"leaseserver/internal/api"
	"leaseserver/internal/lease"
	"leaseserver/internal/obs"
	"leaseserver/internal/sqlite"
	"leaseserver/internal/storage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "leaseserver",
		Short:         "leaseserver coordinates exclusive, time-bounded leases with fencing tokens",
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return run(cmd.Context())
		},
	}

	flags := cmd.Flags()
	flags.String("listen", ":8080", "listen address")
	flags.String("backend", "sqlite", "lease backend (sqlite, memory)")
	flags.String("db", "./leaseserver.db", "sqlite database path (sqlite backend)")
	flags.String("snapshot", "", "snapshot file restored on start and written on shutdown (memory backend)")
	flags.Int("min-ttl", lease.DefaultMinTTLSeconds, "minimum lease ttl in seconds")
	flags.Int("max-ttl", lease.DefaultMaxTTLSeconds, "maximum lease ttl in seconds")
	flags.Duration("sweep-interval", 500*time.Millisecond, "expiry sweep interval")

	viper.SetEnvPrefix("LEASESERVER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	_ = viper.BindPFlags(flags)

	return cmd
}

func run(ctx context.Context) error {
	logger := obs.NewLogger()
	metrics := obs.NewMetrics()

	cfg := lease.Config{
		MinTTLSeconds: viper.GetInt("min-ttl"),
		MaxTTLSeconds: viper.GetInt("max-ttl"),
	}

	var (
		mgr      lease.Manager
		mem      *lease.MemoryManager
		snapPath = viper.GetString("snapshot")
	)

	switch backend := viper.GetString("backend"); backend {
	case "sqlite":
		db, err := storage.Open(ctx, storage.Config{
			Path:         viper.GetString("db"),
			BusyTimeout:  5 * time.Second,
			MaxOpenConns: 20,
			MaxIdleConns: 20,
		})
		if err != nil {
			return fmt.Errorf("db open: %w", err)
		}
		defer db.Close()
		mgr = sqlite.NewManager(db.DB,
			sqlite.WithConfig(cfg),
			sqlite.WithObservability(logger, metrics),
		)
	case "memory":
		if snapPath != "" {
			if _, err := os.Stat(snapPath); err == nil {
				restored, err := lease.LoadSnapshot(snapPath, lease.SnapshotOptions{Config: cfg})
				if err != nil {
					return fmt.Errorf("restore snapshot: %w", err)
				}
				mem = restored
				logger.Info(map[string]interface{}{"op": "startup", "restored_snapshot": snapPath})
			}
		}
		if mem == nil {
			mem = lease.NewMemoryManager(
				lease.WithConfig(cfg),
				lease.WithObservability(logger, metrics),
			)
		}
		mgr = mem
	default:
		return fmt.Errorf("unknown backend %q", backend)
	}

	apiServer := api.NewServer(mgr, api.WithLogger(logger))
	sweeper := lease.NewSweeper(mgr, logger, viper.GetDuration("sweep-interval"))

	mux := http.NewServeMux()
	mux.Handle("/", apiServer.Handler())
	mux.Handle("/metrics", promhttp.Handler())

	addr := viper.GetString("listen")
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		sweeper.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info(map[string]interface{}{"op": "startup", "addr": addr, "backend": viper.GetString("backend")})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(map[string]interface{}{"op": "http", "error": err.Error()})
		}
	}()

	<-ctx.Done()
	logger.Info(map[string]interface{}{"op": "shutdown", "reason": "signal"})

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error(map[string]interface{}{"op": "shutdown", "error": err.Error()})
	}
	wg.Wait()

	if mem != nil && snapPath != "" {
		if err := lease.SaveSnapshot(snapPath, mem, "shutdown"); err != nil {
			logger.Error(map[string]interface{}{"op": "shutdown", "snapshot_error": err.Error()})
		} else {
			logger.Info(map[string]interface{}{"op": "shutdown", "saved_snapshot": snapPath})
		}
	}
	logger.Info(map[string]interface{}{"op": "shutdown", "status": "stopped"})
	return nil
}
