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
	"time"

	"github.com/google/uuid"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"golang.org/x/sync/errgroup"

	"github.com/zombor/cashback-tracker/internal/analytics"
	"github.com/zombor/cashback-tracker/internal/cashback"
	"github.com/zombor/cashback-tracker/internal/ledger"
	"github.com/zombor/cashback-tracker/internal/normalize"
	"github.com/zombor/cashback-tracker/internal/notify"
	"github.com/zombor/cashback-tracker/internal/receipt"
	"github.com/zombor/cashback-tracker/internal/scanning"
	"github.com/zombor/cashback-tracker/internal/scheduler"
	"github.com/zombor/cashback-tracker/internal/tracing"
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

	fs := ff.NewFlagSet("cashback-tracker")
	var (
		port        = fs.IntLong("port", 8080, "HTTP server port")
		dbPath      = fs.StringLong("db", "cashback-tracker.db", "Database file path")
		storagePath = fs.StringLong("storage", "./receipts", "Storage directory path")
		logLevel    = fs.StringLong("log-level", "info", "Log level: debug, info, warn or error")
		logFormat   = fs.StringLong("log-format", "text", "Log format: 'text' or 'json'")
		_           = fs.StringLong("config", "", "Plain config file (one 'flag value' per line)")

		scannerType = fs.StringLong("scanner", "gemini", "Scanner type: 'gemini' or 'ollama'")
		geminiKey   = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel = fs.StringLong("gemini-model", "gemini-2.5-pro", "Google Gemini model name")
		ollamaURL   = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel = fs.StringLong("ollama-model", "llava", "Ollama model name (e.g., llava, llava-phi3, bakllava, qwen2-vl)")
		minBytes    = fs.IntLong("min-image-bytes", 1<<10, "Smallest image worth sending to the scanner")
		maxBytes    = fs.IntLong("max-image-bytes", 8<<20, "Largest image accepted for extraction")
		scanTimeout = fs.DurationLong("scan-timeout", 30*time.Second, "Timeout of a single extraction call")
		engineConf  = fs.Float64Long("engine-confidence", 0.8, "Confidence assumed when the scanner reports none")

		merchantThreshold   = fs.Float64Long("merchant-threshold", 0.8, "Minimum similarity for a fuzzy merchant match")
		confidenceThreshold = fs.Float64Long("confidence-threshold", 0.6, "Minimum overall confidence for an automatic parse")
		defaultLocale       = fs.StringLong("default-locale", "en-US", "Locale of new users")
		defaultCurrency     = fs.StringLong("default-currency", "USD", "Currency of new users and receipts without one")
		noDigests           = fs.BoolLong("disable-digests", "Do not enable digests for new users")

		maxRetries       = fs.IntLong("max-retries", 3, "Extraction attempts before a receipt goes to review")
		backoffBase      = fs.DurationLong("backoff-base", time.Minute, "Wait after the first failed extraction")
		backoffMax       = fs.DurationLong("backoff-max", time.Hour, "Longest wait between extraction attempts")
		userConcurrency  = fs.IntLong("user-concurrency", 4, "Concurrent extractions for user submissions")
		retryConcurrency = fs.IntLong("retry-concurrency", 2, "Concurrent extractions for scheduled retries")

		schedInterval   = fs.DurationLong("scheduler-interval", time.Minute, "Scheduler tick and sweep interval")
		jobConcurrency  = fs.IntLong("job-concurrency", 4, "Concurrent scheduler jobs")
		jobTimeout      = fs.DurationLong("job-timeout", 5*time.Minute, "Timeout of a single scheduler job")
		maxJobAttempts  = fs.IntLong("max-job-attempts", 5, "Attempts before a scheduler job fails permanently")
		digestPeriod    = fs.StringLong("digest-period", "week", "Digest period: day, week or month")
		reminderPeriod  = fs.StringLong("reminder-period", "day", "Review reminder period: day, week or month")
		stalePending    = fs.DurationLong("stale-pending", 10*time.Minute, "Age after which the retry sweep takes over a pending receipt")
		endingSoon      = fs.DurationLong("ending-soon-window", 72*time.Hour, "How far ahead offer-ending reminders look")
		jobRetention    = fs.DurationLong("job-retention", 40*24*time.Hour, "How long finished scheduler runs are kept")
		webhookURL      = fs.StringLong("webhook-url", "", "Chat gateway webhook for notifications (logs them when empty)")
		webhookToken    = fs.StringLong("webhook-token", "", "Bearer token for the webhook")
		webhookTimeout  = fs.DurationLong("webhook-timeout", 10*time.Second, "Webhook request timeout")
		tracingEnabled  = fs.BoolLong("tracing", "Export traces to Jaeger")
		tracingEndpoint = fs.StringLong("jaeger-endpoint", "http://localhost:14268/api/traces", "Jaeger collector endpoint")
		environment     = fs.StringLong("environment", "development", "Deployment environment reported in traces")

		authUser    = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass    = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		showVersion = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("CASHBACK"),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
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

	if err := setupLogging(*logLevel, *logFormat); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	digest, reminder := analytics.Period(*digestPeriod), analytics.Period(*reminderPeriod)
	if !digest.Valid() || !reminder.Valid() {
		slog.Error("Invalid period", "digest", digest, "reminder", reminder, "valid", "day, week or month")
		os.Exit(1)
	}

	// Initialize tracing
	tracer, err := tracing.New(tracing.Config{
		Enabled:     *tracingEnabled,
		Endpoint:    *tracingEndpoint,
		ServiceName: "cashback-tracker",
		Version:     version,
		Environment: *environment,
	})
	if err != nil {
		slog.Error("Failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracer.Shutdown(ctx); err != nil {
			slog.Error("Failed to flush traces", "error", err)
		}
	}()

	// Initialize database
	slog.Info("Initializing database...")
	db, err := ledger.NewBoltDB(*dbPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Initialize scanner based on type
	var engine scanning.Engine
	switch *scannerType {
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
		slog.Info("Initializing Gemini scanner...", "model", *geminiModel)
		engine, err = scanning.NewGemini(apiKey, *geminiModel)
		if err != nil {
			slog.Error("Failed to initialize Gemini", "error", err)
			os.Exit(1)
		}
	case "ollama":
		slog.Info("Initializing Ollama scanner...", "url", *ollamaURL, "model", *ollamaModel)
		engine, err = scanning.NewOllama(*ollamaURL, *ollamaModel)
		if err != nil {
			slog.Error("Failed to initialize Ollama", "error", err)
			os.Exit(1)
		}
	default:
		slog.Error("Invalid scanner type", "type", *scannerType, "valid", "gemini or ollama")
		os.Exit(1)
	}
	adapter := scanning.NewAdapter(engine, scanning.Limits{
		MinBytes:          *minBytes,
		MaxBytes:          *maxBytes,
		Timeout:           *scanTimeout,
		DefaultConfidence: *engineConf,
	})
	defer adapter.Close()

	// Initialize storage
	slog.Info("Initializing storage...")
	store, err := receipt.NewLocalStorage(*storagePath)
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}

	normalizeConfig := normalize.DefaultConfig()
	normalizeConfig.MerchantThreshold = *merchantThreshold
	normalizeConfig.ConfidenceThreshold = *confidenceThreshold
	normalizeConfig.DefaultCurrency = strings.ToUpper(*defaultCurrency)

	// Initialize service
	receiptService := receipt.NewService(receipt.Deps{
		DB:         db,
		Extractor:  adapter,
		Normalizer: normalize.New(db, normalizeConfig, uuid.NewString),
		Resolver:   cashback.NewResolver(db),
		Storage:    store,
	}, receipt.Config{
		MaxRetries:       *maxRetries,
		BackoffBase:      *backoffBase,
		BackoffMax:       *backoffMax,
		UserConcurrency:  int64(*userConcurrency),
		RetryConcurrency: int64(*retryConcurrency),
		DefaultLocale:    *defaultLocale,
		DefaultCurrency:  strings.ToUpper(*defaultCurrency),
		DefaultDigest:    !*noDigests,
	})
	receiptService.SetTracer(tracer)

	reports := analytics.NewEngine(db, time.Now)

	var notifier notify.Notifier = notify.Log{}
	if *webhookURL != "" {
		notifier = notify.NewWebhook(*webhookURL, *webhookToken, *webhookTimeout)
	}

	// Initialize scheduler
	sched := scheduler.New(db, receiptService, reports, notifier, scheduler.Config{
		Interval:         *schedInterval,
		Concurrency:      *jobConcurrency,
		RetryConcurrency: *retryConcurrency,
		JobTimeout:       *jobTimeout,
		MaxJobAttempts:   *maxJobAttempts,
		DigestPeriod:     digest,
		ReminderPeriod:   reminder,
		StalePending:     *stalePending,
		EndingSoonWindow: *endingSoon,
		JobRetention:     *jobRetention,
	}, scheduler.WithTracer(tracer))
	receiptService.SetExpiryScheduler(sched)

	// Initialize server
	basicAuth := receipt.BasicAuth{
		Username: *authUser,
		Password: *authPass,
	}
	server := receipt.NewServer(receiptService, reports, basicAuth)

	addr := fmt.Sprintf(":%d", *port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           tracer.Middleware(server.Handler()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Wait for interrupt signal
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sched.Run(gctx)
	})
	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr), "version", version)
	if *authUser != "" || *authPass != "" {
		slog.Info("Basic auth enabled", "user", *authUser)
	}

	if err := g.Wait(); err != nil {
		slog.Error("Stopped with error", "error", err)
		os.Exit(1)
	}
}

// setupLogging installs the default slog handler
func setupLogging(level, format string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	switch format {
	case "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		return fmt.Errorf("invalid log format %q", format)
	}
	slog.SetDefault(slog.New(handler))
	return nil
}
