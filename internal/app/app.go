// Package app wires storage, scanners, assistants and the HTTP server into a runnable service.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.etcd.io/bbolt"

	"github.com/zombor/receipt-approvals/internal/chat"
	"github.com/zombor/receipt-approvals/internal/identity"
	"github.com/zombor/receipt-approvals/internal/observability"
	"github.com/zombor/receipt-approvals/internal/receipt"
	"github.com/zombor/receipt-approvals/internal/scanning"
)

// Config is the runtime configuration, normally filled from flags and environment
type Config struct {
	Addr             string
	DBPath           string
	StoragePath      string
	Scanner          string
	GeminiKey        string
	GeminiModel      string
	OllamaURL        string
	OllamaModel      string
	Assistant        string
	AssistantModel   string
	ChatStore        string
	RedisURL         string
	ChatHistoryLimit int
	AdminUser        string
	AdminPass        string
}

// App is a fully wired service
type App struct {
	Registry *identity.Registry
	Receipts *receipt.Service
	Chat     *chat.Service
	Server   *receipt.Server

	httpServer *http.Server
	closers    []func() error
}

// New opens every dependency named in cfg. On error, anything already opened is closed.
func New(ctx context.Context, cfg Config) (_ *App, err error) {
	a := &App{}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	slog.Info("Initializing database...", "path", cfg.DBPath)
	db, err := bbolt.Open(cfg.DBPath, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	a.closers = append(a.closers, db.Close)

	users, err := identity.NewBoltDB(db)
	if err != nil {
		return nil, err
	}
	receipts, err := receipt.NewBoltDB(db)
	if err != nil {
		return nil, err
	}

	a.Registry = identity.NewRegistry(users)
	if err := a.Registry.EnsureAdmin(cfg.AdminUser, cfg.AdminPass); err != nil {
		return nil, fmt.Errorf("seeding admin: %w", err)
	}

	scanner, err := newScanner(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, scanner.Close)

	slog.Info("Initializing storage...", "path", cfg.StoragePath)
	storage, err := receipt.NewLocalStorage(cfg.StoragePath)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(reg)

	a.Receipts = receipt.NewService(receipts, receipts, scanner, storage, metrics)
	a.Server = receipt.NewServer(a.Receipts, a.Registry, metrics, reg)

	assistant, err := newAssistant(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, assistant.Close)

	store, closeStore, err := newTranscriptStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, closeStore)

	a.Chat = chat.NewService(store, assistant, a.Receipts, metrics)
	a.Chat.RegisterRoutes(a.Server)

	a.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           a.Server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       2 * time.Minute,
		WriteTimeout:      3 * time.Minute,
		IdleTimeout:       2 * time.Minute,
	}
	return a, nil
}

func newScanner(ctx context.Context, cfg Config) (scanning.Scanner, error) {
	switch cfg.Scanner {
	case "gemini":
		slog.Info("Initializing Gemini scanner...", "model", cfg.GeminiModel)
		scanner, err := scanning.NewGemini(ctx, cfg.GeminiKey, cfg.GeminiModel)
		if err != nil {
			return nil, fmt.Errorf("initializing gemini scanner: %w", err)
		}
		return scanner, nil
	case "ollama":
		slog.Info("Initializing Ollama scanner...", "url", cfg.OllamaURL, "model", cfg.OllamaModel)
		return scanning.NewOllama(cfg.OllamaURL, cfg.OllamaModel)
	default:
		return nil, fmt.Errorf("invalid scanner type %q, want gemini or ollama", cfg.Scanner)
	}
}

func newAssistant(ctx context.Context, cfg Config) (chat.Assistant, error) {
	kind := cfg.Assistant
	if kind == "" {
		kind = cfg.Scanner
	}
	switch kind {
	case "gemini":
		slog.Info("Initializing Gemini assistant...", "model", cfg.AssistantModel)
		assistant, err := chat.NewGeminiAssistant(ctx, cfg.GeminiKey, cfg.AssistantModel)
		if err != nil {
			return nil, fmt.Errorf("initializing gemini assistant: %w", err)
		}
		return assistant, nil
	case "ollama":
		slog.Info("Initializing Ollama assistant...", "url", cfg.OllamaURL, "model", cfg.AssistantModel)
		return chat.NewOllamaAssistant(cfg.OllamaURL, cfg.AssistantModel), nil
	default:
		return nil, fmt.Errorf("invalid assistant type %q, want gemini or ollama", kind)
	}
}

func newTranscriptStore(ctx context.Context, cfg Config) (chat.TranscriptStore, func() error, error) {
	switch cfg.ChatStore {
	case "", "memory":
		return chat.NewMemoryStore(cfg.ChatHistoryLimit), func() error { return nil }, nil
	case "redis":
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("parsing redis url: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("connecting to redis: %w", err)
		}
		slog.Info("Using Redis transcript store", "addr", opts.Addr)
		return chat.NewRedisStore(client, cfg.ChatHistoryLimit), client.Close, nil
	default:
		return nil, nil, fmt.Errorf("invalid chat store %q, want memory or redis", cfg.ChatStore)
	}
}

// Handler returns the HTTP handler for the whole service
func (a *App) Handler() http.Handler {
	return a.httpServer.Handler
}

// Run serves HTTP until ctx is cancelled, then drains in-flight requests
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting server", "address", a.httpServer.Addr)
		errCh <- a.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serving http: %w", err)
	case <-ctx.Done():
	}

	slog.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving http: %w", err)
	}
	return nil
}

// Close releases everything New opened, most recent first
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
