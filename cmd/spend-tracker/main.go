package main

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"github.com/zombor/spend-tracker/internal/expense"
	"github.com/zombor/spend-tracker/internal/scanning"
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

	defaults := expense.DefaultConfig()

	fs := ff.NewFlagSet("spend-tracker")
	var (
		port         = fs.IntLong("port", 8080, "HTTP server port")
		storeType    = fs.StringLong("store", "bolt", "Transaction store: 'bolt' or 'postgres'")
		dbPath       = fs.StringLong("db", "spend-tracker.db", "BoltDB file path")
		postgresDSN  = fs.StringLong("postgres-dsn", "", "Postgres connection string (store=postgres)")
		storagePath  = fs.StringLong("storage", "./receipts", "Receipt image directory")
		gcsBucket    = fs.StringLong("gcs-bucket", "", "Keep receipt images in this GCS bucket instead of --storage")
		scannerType  = fs.StringLong("scanner", "gemini", "OCR and AI backend: 'gemini', 'ollama' or 'none'")
		geminiKey    = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel  = fs.StringLong("gemini-model", "gemini-2.5-flash", "Google Gemini model name")
		ollamaURL    = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel  = fs.StringLong("ollama-model", "llava", "Ollama model name (e.g., llava, llava-phi3, qwen2-vl)")
		baseCurrency = fs.StringLong("base-currency", defaults.BaseCurrency, "Currency used when a message names none")
		threshold    = fs.Float64Long("confidence-threshold", defaults.ConfidenceThreshold, "Lowest AI confidence accepted before filing under Other")
		maxAttempts  = fs.IntLong("max-attempts", defaults.MaxAttempts, "Total tries for transient store and scanner failures")
		backoff      = fs.DurationLong("backoff", defaults.Backoff, "First delay between tries, doubled after each")
		ocrTimeout   = fs.DurationLong("ocr-timeout", defaults.OCRTimeout, "Timeout for one OCR call")
		aiTimeout    = fs.DurationLong("ai-timeout", defaults.AITimeout, "Timeout for one AI classification call")
		dbTimeout    = fs.DurationLong("db-timeout", defaults.DBTimeout, "Timeout for one store call")
		sessionTTL   = fs.DurationLong("session-ttl", defaults.SessionTTL, "How long a paused entry waits for the user")
		sweepEvery   = fs.DurationLong("session-sweep", time.Hour, "How often expired paused entries and their images are removed")
		rulesPath    = fs.StringLong("rules", "", "YAML file with category keyword rules (default: built-in table)")
		authUser     = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass     = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		allowedUsers = fs.StringLong("allowed-users", "", "Comma separated user IDs allowed to use the API (default: all)")
		logLevel     = fs.StringLong("log-level", "info", "Log level: debug, info, warn or error")
		showVersion  = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("SPEND_TRACKER"),
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

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		fmt.Fprintf(os.Stderr, "error: invalid log level %q\n", *logLevel)
		os.Exit(1)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := expense.Config{
		BaseCurrency:        strings.ToUpper(strings.TrimSpace(*baseCurrency)),
		ConfidenceThreshold: *threshold,
		MaxAttempts:         *maxAttempts,
		Backoff:             *backoff,
		OCRTimeout:          *ocrTimeout,
		AITimeout:           *aiTimeout,
		DBTimeout:           *dbTimeout,
		SessionTTL:          *sessionTTL,
	}
	if *rulesPath != "" {
		rules, err := expense.LoadRules(*rulesPath)
		if err != nil {
			logger.Error("Failed to load rules", "path", *rulesPath, "error", err)
			os.Exit(1)
		}
		logger.Info("Loaded category rules", "path", *rulesPath, "rules", len(rules))
		cfg.Rules = rules
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	// Initialize database
	var db expense.DB
	switch *storeType {
	case "bolt":
		logger.Info("Initializing database...", "path", *dbPath)
		boltDB, err := expense.NewBoltDB(*dbPath)
		if err != nil {
			logger.Error("Failed to initialize database", "error", err)
			os.Exit(1)
		}
		db = boltDB
	case "postgres":
		if *postgresDSN == "" {
			logger.Error("Postgres DSN is required. Set --postgres-dsn flag or SPEND_TRACKER_POSTGRES_DSN environment variable")
			os.Exit(1)
		}
		logger.Info("Initializing postgres...")
		connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		pgDB, err := expense.NewPostgresDB(connectCtx, *postgresDSN)
		cancel()
		if err != nil {
			logger.Error("Failed to initialize postgres", "error", err)
			os.Exit(1)
		}
		db = pgDB
	default:
		logger.Error("Invalid store type", "type", *storeType, "valid", "bolt or postgres")
		os.Exit(1)
	}
	defer db.Close()

	// Gemini and Ollama both read receipts, classify text and answer recaps
	var scanner scanning.Scanner
	var labeler scanning.Labeler
	var parser scanning.QueryParser
	var summarizer scanning.Summarizer
	switch *scannerType {
	case "gemini":
		// Get Gemini API key from flag or environment
		apiKey := *geminiKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			logger.Error("Gemini API key is required. Set --gemini-key flag or GEMINI_API_KEY environment variable")
			os.Exit(1)
		}
		logger.Info("Initializing Gemini scanner...", "model", *geminiModel)
		gemini, err := scanning.NewGemini(apiKey, *geminiModel)
		if err != nil {
			logger.Error("Failed to initialize Gemini", "error", err)
			os.Exit(1)
		}
		scanner, labeler = gemini, gemini
		parser, summarizer = gemini, gemini
	case "ollama":
		logger.Info("Initializing Ollama scanner...", "url", *ollamaURL, "model", *ollamaModel)
		ollama, err := scanning.NewOllama(*ollamaURL, *ollamaModel)
		if err != nil {
			logger.Error("Failed to initialize Ollama", "error", err)
			os.Exit(1)
		}
		scanner, labeler = ollama, ollama
		parser, summarizer = ollama, ollama
	case "none":
		logger.Warn("No scanner configured: images are rejected and AI features fall back to rules")
	default:
		logger.Error("Invalid scanner type", "type", *scannerType, "valid", "gemini, ollama or none")
		os.Exit(1)
	}
	if scanner != nil {
		defer scanner.Close()
	}

	// Initialize storage
	var store expense.Storage
	if *gcsBucket != "" {
		logger.Info("Initializing GCS storage...", "bucket", *gcsBucket)
		gcs, err := expense.NewGCSStorage(ctx, *gcsBucket, "receipts")
		if err != nil {
			logger.Error("Failed to initialize storage", "error", err)
			os.Exit(1)
		}
		defer gcs.Close()
		store = gcs
	} else {
		logger.Info("Initializing storage...", "path", *storagePath)
		local, err := expense.NewLocalStorage(*storagePath)
		if err != nil {
			logger.Error("Failed to initialize storage", "error", err)
			os.Exit(1)
		}
		store = local
	}

	pipeline, err := expense.NewPipeline(cfg, expense.PipelineDeps{
		DB:      db,
		Storage: store,
		Scanner: scanner,
		Labeler: labeler,
		Logger:  logger,
	})
	if err != nil {
		logger.Error("Failed to initialize pipeline", "error", err)
		os.Exit(1)
	}

	if *sweepEvery > 0 {
		go pipeline.SweepEvery(ctx, *sweepEvery)
	}

	// Initialize service
	service := expense.NewService(pipeline, db, store).
		WithRecapper(expense.NewRecapper(cfg, db, parser, summarizer, nil, logger))

	var allowed []string
	for _, u := range strings.Split(*allowedUsers, ",") {
		if u = strings.TrimSpace(u); u != "" {
			allowed = append(allowed, u)
		}
	}

	server := expense.NewServer(service, expense.ServerOptions{
		BasicAuth: expense.BasicAuth{
			Username: *authUser,
			Password: *authPass,
		},
		AllowedUsers: allowed,
		Logger:       logger,
	})

	if *authUser != "" || *authPass != "" {
		logger.Info("Basic auth enabled", "user", *authUser)
	}
	if len(allowed) > 0 {
		logger.Info("User allow list enabled", "users", len(allowed))
	}

	addr := fmt.Sprintf(":%d", *port)
	if err := server.Start(ctx, addr); err != nil {
		logger.Error("Server error", "error", err)
		os.Exit(1)
	}

	logger.Info("Shut down cleanly")
}
