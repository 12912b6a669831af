package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kalambet/fitscope/internal/api"
	"github.com/kalambet/fitscope/internal/breaker"
	"github.com/kalambet/fitscope/internal/config"
	"github.com/kalambet/fitscope/internal/inflight"
	"github.com/kalambet/fitscope/internal/logging"
	"github.com/kalambet/fitscope/internal/ollama"
	"github.com/kalambet/fitscope/internal/proxy"
	"github.com/kalambet/fitscope/internal/storage"
	"github.com/kalambet/fitscope/internal/tiles"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the fitscope server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return runServer(cfg)
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "fitscope.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// openStore opens the durable store, or an in-memory one when storage is
// configured memory-only or the data directory is unusable.
func openStore(cfg config.StorageConfig, logger *zap.Logger) (*storage.Store, error) {
	if cfg.MemoryOnly {
		logger.Info("storage configured memory-only")
		return storage.OpenMemory()
	}
	store, err := storage.Open(cfg.DataDir)
	if errors.Is(err, storage.ErrUnavailable) {
		logger.Warn("durable storage unavailable, running memory-only; cached responses will not survive a restart",
			zap.String("data_dir", cfg.DataDir), zap.Error(err))
		return storage.OpenMemory()
	}
	return store, err
}

// newChatter connects the configured LLM backend. An unreachable backend is
// logged and tolerated: tiles degrade through their breakers until it recovers.
func newChatter(ctx context.Context, cfg config.LLMConfig, logger *zap.Logger) (tiles.Chatter, string) {
	switch cfg.Backend {
	case config.BackendOpenRouter:
		client := proxy.NewClientWithBaseURL(cfg.APIKey, cfg.BaseURL)
		checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if _, err := client.ListModels(checkCtx); err != nil {
			logger.Warn("openrouter not reachable", zap.String("base_url", cfg.BaseURL), zap.Error(err))
		}
		return tiles.OpenRouterChatter{Client: client, Model: cfg.Model}, config.BackendOpenRouter
	default:
		client := ollama.New(cfg.BaseURL)
		if err := ollama.EnsureReady(ctx, client, cfg.Model, logger); err != nil {
			logger.Warn("ollama not ready", zap.String("base_url", cfg.BaseURL), zap.Error(err))
		}
		return tiles.OllamaChatter{Client: client, Model: cfg.Model}, config.BackendOllama
	}
}

func buildAdapters(cfg config.TilesConfig, chat tiles.Chatter, source string) ([]tiles.Adapter, error) {
	adapters := make([]tiles.Adapter, 0, len(cfg.Enabled))
	for _, name := range cfg.Enabled {
		t, err := tiles.ParseType(name)
		if err != nil {
			return nil, fmt.Errorf("tiles.enabled: %w", err)
		}
		adapters = append(adapters, tiles.NewLLMAdapter(t, source, chat, cfg.Timeout))
	}
	return adapters, nil
}

// tilesConfig layers configured TTLs over the per-tile defaults.
func tilesConfig(cfg config.TilesConfig) (tiles.Config, error) {
	tc := tiles.DefaultConfig()
	if cfg.TTL > 0 {
		tc.TTL = cfg.TTL
	}
	for name, ttl := range cfg.TileTTL {
		t, err := tiles.ParseType(name)
		if err != nil {
			return tiles.Config{}, fmt.Errorf("tiles.tile_ttl: %w", err)
		}
		if ttl <= 0 {
			return tiles.Config{}, fmt.Errorf("tiles.tile_ttl.%s must be positive", t)
		}
		tc.TileTTL[t] = ttl
	}
	tc.Concurrency = cfg.Concurrency
	return tc, nil
}

// sweepLoop clears expired responses at startup and then every interval.
func sweepLoop(ctx context.Context, store *storage.Store, interval time.Duration, logger *zap.Logger) {
	sweep := func() {
		n, err := store.ClearExpired(ctx)
		if err != nil {
			if ctx.Err() == nil {
				logger.Warn("expiry sweep failed", zap.Error(err))
			}
			return
		}
		if n > 0 {
			logger.Info("expired responses removed", zap.Int("count", n))
		}
	}

	sweep()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
		}
	}
}

// logOperations reports settled analyses.
func logOperations(bus *inflight.Bus, logger *zap.Logger) (unsubscribe func()) {
	offDone := bus.Subscribe(inflight.EventCompleted, func(e inflight.Event) {
		logger.Info("analysis completed", zap.String("id", e.ID), zap.String("session", e.SessionID))
	})
	offFail := bus.Subscribe(inflight.EventFailed, func(e inflight.Event) {
		logger.Warn("analysis failed", zap.String("id", e.ID), zap.String("session", e.SessionID), zap.Error(e.Err))
	})
	return func() {
		offDone()
		offFail()
	}
}

func runServer(cfg config.Config) error {
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("starting fitscope", zap.String("version", version), zap.String("llm_backend", cfg.LLM.Backend))

	// Refuse to start twice on the same port.
	healthURL := fmt.Sprintf("http://%s/health", cfg.Server.Addr())
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidFilePath(cfg.Storage.DataDir)); pidErr == nil {
			printWarning("fitscope is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		return fmt.Errorf("server already running on %s", cfg.Server.Addr())
	}
	if !cfg.Storage.MemoryOnly {
		pidPath := pidFilePath(cfg.Storage.DataDir)
		if err := writePIDFile(pidPath); err != nil {
			logger.Warn("writing PID file", zap.Error(err))
		} else {
			defer os.Remove(pidPath)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(cfg.Storage, logger.Named("storage"))
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("closing storage", zap.Error(err))
		}
	}()

	breakers := breaker.NewRegistry(breaker.Config{
		Threshold:   cfg.Breaker.Threshold,
		Cooldown:    cfg.Breaker.Cooldown,
		MaxCooldown: cfg.Breaker.MaxCooldown,
		Multiplier:  cfg.Breaker.Multiplier,
	}, breaker.WithLogger(logger.Named("breaker")))

	ops := inflight.NewRegistry(inflight.Config{
		Retention:     cfg.Inflight.Retention,
		SweepInterval: cfg.Inflight.SweepInterval,
	}, inflight.WithLogger(logger.Named("inflight")))
	defer ops.Close()
	go ops.Run(ctx)
	defer logOperations(ops.Bus(), logger.Named("inflight"))()

	chat, source := newChatter(ctx, cfg.LLM, logger.Named("llm"))
	adapters, err := buildAdapters(cfg.Tiles, chat, source)
	if err != nil {
		return err
	}
	tc, err := tilesConfig(cfg.Tiles)
	if err != nil {
		return err
	}
	agg, err := tiles.New(breakers, adapters,
		tiles.WithStore(store),
		tiles.WithInflight(ops),
		tiles.WithConfig(tc),
		tiles.WithLogger(logger.Named("tiles")),
	)
	if err != nil {
		return fmt.Errorf("building aggregator: %w", err)
	}

	go sweepLoop(ctx, store, cfg.Storage.SweepInterval, logger.Named("sweep"))

	if cfg.Server.Token == "" {
		logger.Warn("server.token is empty; the API accepts unauthenticated requests")
	}
	srv := &http.Server{
		Addr: cfg.Server.Addr(),
		Handler: api.NewHandler(api.Deps{
			Tiles:    agg,
			Store:    store,
			Breakers: breakers,
			Ops:      ops,
			Token:    cfg.Server.Token,
			Logger:   logger.Named("api"),
		}),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	if cfg.Server.MCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Tiles:    agg,
			Store:    store,
			Breakers: breakers,
			Version:  version,
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("MCP stdio server error", zap.Error(err))
			}
		}()
		logger.Info("MCP server started (stdio transport)")
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("fitscope listening", zap.String("addr", srv.Addr), zap.String("storage", string(store.Mode())))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
