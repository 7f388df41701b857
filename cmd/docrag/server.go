package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"

	"github.com/kalambet/docrag/internal/api"
	"github.com/kalambet/docrag/internal/config"
	"github.com/kalambet/docrag/internal/engine"
	"github.com/kalambet/docrag/internal/logging"
	"github.com/kalambet/docrag/internal/model"
	"github.com/kalambet/docrag/internal/search"
	"github.com/kalambet/docrag/internal/storage"
	"github.com/kalambet/docrag/internal/storage/pgstore"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the docrag HTTP server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve docrag tools over MCP on stdin/stdout",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCP()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show docrag system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

// app is the wired service shared by serve and mcp.
type app struct {
	backend  storage.Backend
	models   *model.Provider
	engine   engine.Engine
	searcher *search.Searcher
}

func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	eng, err := engine.Detect(engine.DetectConfig{OllamaBaseURL: cfg.Model.BaseURL})
	if err != nil {
		return nil, fmt.Errorf("detecting inference engine: %w", err)
	}

	backend, err := openBackend(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}

	provider := model.NewProvider(eng, model.Config{
		Model:          cfg.Model.Name,
		SentimentModel: cfg.Model.SentimentModel,
		PreferLocal:    cfg.Model.PreferLocal,
	}, slog.Default())

	s, err := search.New(backend, backend, provider, search.Config{
		ContextLength: cfg.Search.ContextLength,
		CacheSize:     cfg.Search.CacheSize,
	}, slog.Default())
	if err != nil {
		backend.Close()
		return nil, err
	}

	return &app{backend: backend, models: provider, engine: eng, searcher: s}, nil
}

func (a *app) close() {
	if err := a.backend.Close(); err != nil {
		slog.Warn("closing storage", "error", err)
	}
}

// openBackend connects to the configured store, retrying per cfg.
func openBackend(ctx context.Context, cfg config.StorageConfig) (storage.Backend, error) {
	open := func(ctx context.Context) (storage.Backend, error) {
		switch cfg.Driver {
		case config.DriverPostgres:
			s, err := pgstore.Open(ctx, pgstore.Config{DSN: cfg.DSN, Database: cfg.Database})
			if err != nil {
				return nil, err
			}
			return s, nil
		default:
			s, err := storage.Open(cfg.DataDir, cfg.Database)
			if err != nil {
				return nil, err
			}
			return s, nil
		}
	}

	b, err := storage.Connect(ctx, storage.ConnectConfig{
		Attempts: cfg.ConnectRetries,
		Delay:    cfg.ConnectRetryDelay,
		Logger:   slog.Default(),
	}, open)
	if err != nil {
		return nil, fmt.Errorf("opening %s storage: %w", cfg.Driver, err)
	}
	slog.Info("storage ready", "driver", cfg.Driver, "database", cfg.Database)
	return b, nil
}

func loadConfigAndLogging() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	if err := logging.Setup(os.Stderr, cfg.Log.Level, cfg.Log.Format); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "docrag version %s\n", version)

	cfg, err := loadConfigAndLogging()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	if cfg.Model.Preload {
		printStep("Loading models %s and %s", cfg.Model.Name, cfg.Model.SentimentModel)
		state, err := a.models.Load(ctx)
		if err != nil {
			return fmt.Errorf("preloading models: %w", err)
		}
		slog.Info("models loaded", "model", state.Generator.Model(), "source", state.Source)
	} else if err := engine.EnsureRunning(ctx, a.engine); err != nil {
		// Search without sentiment works without the engine.
		slog.Warn("inference engine unavailable; generation and sentiment will fail until it starts", "error", err)
	}

	handler := api.NewHandler(api.Deps{
		Searcher:       a.searcher,
		Ping:           a.backend.Ping,
		Info:           a.info,
		RequestTimeout: cfg.Server.RequestTimeout,
		MaxUploadBytes: int64(cfg.Server.MaxUploadBytes),
		Logger:         slog.Default(),
	})

	addr := cfg.Server.Addr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	if cfg.Server.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, cfg.Server.MaxConnections)
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go reloadOnSignal(ctx, hup, a.models.Reset)

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start server in a goroutine.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("docrag listening", "addr", addr, "max_connections", cfg.Server.MaxConnections)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runMCP() error {
	cfg, err := loadConfigAndLogging()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	mcpSrv := api.NewMCPServer(api.MCPDeps{Searcher: a.searcher, Version: version})
	slog.Info("MCP server started (stdio transport)")
	if err := server.NewStdioServer(mcpSrv).Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("MCP stdio server: %w", err)
	}
	return nil
}

// info reports model and cache state for /health.
func (a *app) info() map[string]any {
	return map[string]any{
		"models_loaded":  a.models.Loaded(),
		"cached_answers": a.searcher.CacheLen(),
	}
}

// reloadOnSignal drops the loaded models each time sig fires so the next
// request loads them again.
func reloadOnSignal(ctx context.Context, sig <-chan os.Signal, reset func()) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sig:
			reset()
			slog.Info("models reset; they will reload on next use")
		}
	}
}

type healthStatus struct {
	Status        string `json:"status"`
	ModelsLoaded  *bool  `json:"models_loaded"`
	CachedAnswers *int   `json:"cached_answers"`
}

func fetchHealth(ctx context.Context, client *apiClient) (healthStatus, int, error) {
	var h healthStatus
	resp, err := client.get(ctx, "/health")
	if err != nil {
		return h, 0, err
	}
	code := resp.StatusCode
	if code != http.StatusOK {
		resp.Body.Close()
		return h, code, nil
	}
	err = decodeJSON(resp, &h)
	return h, code, err
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	client := &apiClient{baseURL: serverURL(cfg.Server), httpClient: &http.Client{Timeout: 2 * time.Second}}
	running := false
	health, code, err := fetchHealth(ctx, client)
	switch {
	case err != nil && code == 0:
		printStatus("Server", "stopped")
	case code != http.StatusOK:
		printStatus("Server", "unhealthy (HTTP %d)", code)
	default:
		running = true
		printStatus("Server", "running at %s", client.baseURL)
		if health.ModelsLoaded != nil {
			printStatus("Models loaded", "%t", *health.ModelsLoaded)
		}
		if health.CachedAnswers != nil {
			printStatus("Cached answers", "%d", *health.CachedAnswers)
		}
	}

	eng, err := engine.Detect(engine.DetectConfig{OllamaBaseURL: cfg.Model.BaseURL})
	if err == nil && eng.IsRunning(ctx) {
		printStatus("Ollama", "running at %s", cfg.Model.BaseURL)
	} else {
		printStatus("Ollama", "not running")
	}

	printStatus("Model", "%s", cfg.Model.Name)
	printStatus("Sentiment model", "%s", cfg.Model.SentimentModel)
	printStatus("Storage", "%s (%s)", cfg.Storage.Driver, cfg.Storage.Database)

	if running {
		if resp, err := client.get(ctx, "/api/v1/documents"); err == nil {
			var body struct {
				Files []json.RawMessage `json:"files"`
			}
			if decodeJSON(resp, &body) == nil {
				printStatus("Documents", "%d", len(body.Files))
			}
		}
	}

	if cfg.Storage.Driver == config.DriverSQLite {
		printStatus("Data dir", "%s", cfg.Storage.DataDir)
	}
	return nil
}
