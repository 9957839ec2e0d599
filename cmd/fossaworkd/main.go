// fossaworkd is the FossaWork server daemon. It hosts the job engine,
// the FWP endpoint (WebSocket, SSE, HTTP RPC), and health checks.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/fossawork/fossawork"
	"github.com/fossawork/fossawork/engine"
	"github.com/fossawork/fossawork/fwp"
	"github.com/fossawork/fossawork/queue"
	"github.com/fossawork/fossawork/store/memory"
	pgstore "github.com/fossawork/fossawork/store/postgres"
	redisstore "github.com/fossawork/fossawork/store/redis"
)

var version = "dev"

func main() {
	if err := buildRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCommand() *cobra.Command {
	var configFile string

	rootCmd := &cobra.Command{
		Use:     "fossaworkd",
		Short:   "FossaWork automation job server",
		Long:    "fossaworkd runs the FossaWork job engine and serves the FWP protocol over WebSocket, SSE, and HTTP.",
		Version: version,
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (YAML)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the job engine and FWP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	rootCmd.AddCommand(serveCmd)

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run store migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			logger := buildLogger(cfg, os.Stderr)
			store, err := openStore(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer store.Close()
			return store.Migrate(cmd.Context())
		},
	}
	rootCmd.AddCommand(migrateCmd)

	return rootCmd
}

// openStore constructs the persistence backend named in the config.
func openStore(ctx context.Context, cfg *Config, logger *slog.Logger) (fossawork.Storer, error) {
	switch cfg.Store.Backend {
	case "", "memory":
		return memory.New(), nil
	case "redis":
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
		})
		return redisstore.New(client, redisstore.WithLogger(logger)), nil
	case "postgres":
		return pgstore.New(ctx, cfg.Store.Postgres.URL, pgstore.WithLogger(logger))
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

func buildAuthenticator(cfg *Config) fwp.Authenticator {
	if len(cfg.Auth.APIKeys) == 0 {
		return &fwp.NoopAuthenticator{}
	}
	entries := make([]fwp.APIKeyEntry, 0, len(cfg.Auth.APIKeys))
	for _, k := range cfg.Auth.APIKeys {
		entries = append(entries, fwp.APIKeyEntry{
			Token:    k.Token,
			Identity: fwp.Identity{Subject: k.Subject, Scopes: k.Scopes},
		})
	}
	return fwp.NewAPIKeyAuthenticator(entries...)
}

func serve(ctx context.Context, cfg *Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := buildLogger(cfg, os.Stderr)

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	if err = store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	ctrl, err := fossawork.New(
		fossawork.WithConfig(cfg.Controller),
		fossawork.WithLogger(logger),
		fossawork.WithStore(store),
	)
	if err != nil {
		return fmt.Errorf("build controller: %w", err)
	}

	engOpts := make([]engine.Option, 0, 2)
	if len(cfg.Queues) > 0 {
		qcs := make([]queue.Config, 0, len(cfg.Queues))
		for _, q := range cfg.Queues {
			qcs = append(qcs, queue.Config{
				Name:           q.Name,
				MaxConcurrency: q.MaxConcurrency,
				RateLimit:      q.RateLimit,
				RateBurst:      q.RateBurst,
			})
		}
		engOpts = append(engOpts, engine.WithQueueConfig(qcs...))
	}
	if len(cfg.Stations) > 0 {
		scs := make([]queue.StationConfig, 0, len(cfg.Stations))
		for _, s := range cfg.Stations {
			scs = append(scs, queue.StationConfig{
				QueueName: s.Queue,
				StationID: s.StationID,
				RateLimit: s.RateLimit,
				RateBurst: s.RateBurst,
			})
		}
		engOpts = append(engOpts, engine.WithStationConfig(scs...))
	}

	eng, err := engine.Build(ctrl, engOpts...)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	registerBuiltins(eng, logger)

	handler := fwp.NewHandler(eng, eng.Broker(), logger)
	fwpServer := fwp.NewServer(eng.Broker(), handler,
		fwp.WithAuth(buildAuthenticator(cfg)),
		fwp.WithLogger(logger),
		fwp.WithPath(cfg.Server.Path),
	)

	router := chi.NewRouter()
	router.Use(chimw.RealIP)
	router.Use(chimw.Recoverer)
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if pingErr := store.Ping(r.Context()); pingErr != nil {
			http.Error(w, pingErr.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	fwpServer.RegisterRoutes(router)

	if err = eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("fossaworkd listening",
			"addr", cfg.Server.Addr,
			"path", cfg.Server.Path,
			"backend", cfg.Store.Backend,
		)
		if serveErr := httpServer.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			errCh <- serveErr
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case serveErr := <-errCh:
		logger.Error("http server error", "error", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Controller.ShutdownTimeout)
	defer cancel()

	if shutErr := httpServer.Shutdown(shutdownCtx); shutErr != nil {
		logger.Error("http shutdown error", "error", shutErr)
	}
	if stopErr := eng.Stop(shutdownCtx); stopErr != nil {
		logger.Error("engine stop error", "error", stopErr)
	}

	logger.Info("fossaworkd stopped")
	return nil
}
