package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/zombor/repair-desk/internal/scanning"
	"github.com/zombor/repair-desk/internal/shop"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	fs := ff.NewFlagSet("repair-desk")
	var (
		port        = fs.IntLong("port", 8080, "HTTP server port")
		dbPath      = fs.StringLong("db", "repair-desk.db", "BoltDB file path, used when no database URL is set")
		databaseURL = fs.StringLong("database-url", "", "Postgres connection string; keeps all records in Postgres instead of BoltDB (optional)")
		storagePath = fs.StringLong("storage", "./attachments", "Attachment storage directory path")
		readerType  = fs.StringLong("label-reader", "none", "Label reader for photographed labels: 'gemini', 'ollama' or 'none'")
		geminiKey   = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel = fs.StringLong("gemini-model", "gemini-2.5-flash", "Google Gemini model name")
		ollamaURL   = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel = fs.StringLong("ollama-model", "llava", "Ollama model name (e.g., llava, qwen2-vl)")
		authUser    = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass    = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		showVersion = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("REPAIR_DESK"),
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Records and scan lookups always share one store
	var (
		db  shop.DB
		err error
	)
	if *databaseURL != "" {
		slog.Info("Connecting to Postgres...")
		db, err = shop.NewPostgresDB(ctx, *databaseURL)
	} else {
		slog.Info("Initializing database...", "path", *dbPath)
		db, err = shop.NewBoltDB(*dbPath)
	}
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Initialize label reader based on type
	var reader scanning.LabelReader
	switch *readerType {
	case "gemini":
		// Get Gemini API key from flag or environment
		apiKey := *geminiKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			slog.Error("Gemini API key is required. Set --gemini-key flag or GEMINI_API_KEY environment variable")
			os.Exit(1)
		}
		slog.Info("Initializing Gemini label reader...", "model", *geminiModel)
		reader, err = scanning.NewGemini(apiKey, *geminiModel)
		if err != nil {
			slog.Error("Failed to initialize Gemini", "error", err)
			os.Exit(1)
		}
	case "ollama":
		slog.Info("Initializing Ollama label reader...", "url", *ollamaURL, "model", *ollamaModel)
		reader, err = scanning.NewOllama(*ollamaURL, *ollamaModel)
		if err != nil {
			slog.Error("Failed to initialize Ollama", "error", err)
			os.Exit(1)
		}
	case "none":
		slog.Info("Image scanning disabled")
	default:
		slog.Error("Invalid label reader type", "type", *readerType, "valid", "gemini, ollama or none")
		os.Exit(1)
	}
	if reader != nil {
		defer reader.Close()
	}

	// Initialize storage
	slog.Info("Initializing storage...", "path", *storagePath)
	store, err := shop.NewLocalStorage(*storagePath)
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}

	service := shop.NewService(db, reader, store)

	basicAuth := shop.BasicAuth{
		Username: *authUser,
		Password: *authPass,
	}
	server := shop.NewServer(service, basicAuth)

	addr := fmt.Sprintf(":%d", *port)
	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr), "version", version)
	if *authUser != "" || *authPass != "" {
		slog.Info("Basic auth enabled", "user", *authUser)
	}

	if err := server.Start(ctx, addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	slog.Info("Shutting down...")
}
