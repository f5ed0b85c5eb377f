package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/zombor/receipt-approvals/internal/app"
	"github.com/zombor/receipt-approvals/internal/chat"
	"github.com/zombor/receipt-approvals/internal/observability"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	fs := ff.NewFlagSet("receipt-approvals")
	var (
		port             = fs.IntLong("port", 8080, "HTTP server port")
		dbPath           = fs.StringLong("db", "receipt-approvals.db", "Database file path")
		storagePath      = fs.StringLong("storage", "./receipts", "Storage directory path")
		scannerType      = fs.StringLong("scanner", "gemini", "Scanner type: 'gemini' or 'ollama'")
		geminiKey        = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel      = fs.StringLong("gemini-model", "gemini-2.5-pro", "Google Gemini model name for receipt scanning")
		ollamaURL        = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel      = fs.StringLong("ollama-model", "llava", "Ollama vision model name (e.g., llava, llava-phi3, qwen2-vl)")
		assistantType    = fs.StringLong("assistant", "", "Chat assistant backend: 'gemini' or 'ollama' (defaults to the scanner type)")
		assistantModel   = fs.StringLong("assistant-model", "", "Chat assistant model name (backend default when empty)")
		chatStore        = fs.StringLong("chat-store", "memory", "Chat transcript store: 'memory' or 'redis'")
		redisURL         = fs.StringLong("redis-url", "redis://localhost:6379/0", "Redis URL for the redis chat store")
		chatHistoryLimit = fs.IntLong("chat-history-limit", chat.DefaultHistoryLimit, "Turns retained per chat transcript")
		adminUser        = fs.StringLong("admin-user", "", "Bootstrap admin username (optional)")
		adminPass        = fs.StringLong("admin-pass", "", "Bootstrap admin password (optional)")
		logLevel         = fs.StringLong("log-level", "info", "Log level: debug, info, warn or error")
		showVersion      = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("RECEIPT_APPROVALS"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Check version flag after parsing
	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	slog.SetDefault(observability.NewLogger(os.Stderr, *logLevel))

	apiKey := *geminiKey
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, app.Config{
		Addr:             fmt.Sprintf(":%d", *port),
		DBPath:           *dbPath,
		StoragePath:      *storagePath,
		Scanner:          *scannerType,
		GeminiKey:        apiKey,
		GeminiModel:      *geminiModel,
		OllamaURL:        *ollamaURL,
		OllamaModel:      *ollamaModel,
		Assistant:        *assistantType,
		AssistantModel:   *assistantModel,
		ChatStore:        *chatStore,
		RedisURL:         *redisURL,
		ChatHistoryLimit: *chatHistoryLimit,
		AdminUser:        *adminUser,
		AdminPass:        *adminPass,
	})
	if err != nil {
		slog.Error("Failed to initialize", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	if err := a.Run(ctx); err != nil {
		slog.Error("Server error", "error", err)
		a.Close()
		os.Exit(1)
	}
}
