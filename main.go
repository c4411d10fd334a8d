package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/monisB2B/slacksummarizer2/internal/config"
	"github.com/monisB2B/slacksummarizer2/internal/digest"
	"github.com/monisB2B/slacksummarizer2/internal/directory"
	"github.com/monisB2B/slacksummarizer2/internal/ingest"
	"github.com/monisB2B/slacksummarizer2/internal/logging"
	"github.com/monisB2B/slacksummarizer2/internal/middleware"
	"github.com/monisB2B/slacksummarizer2/internal/scheduler"
	"github.com/monisB2B/slacksummarizer2/internal/slackapi"
	"github.com/monisB2B/slacksummarizer2/internal/store"
	"github.com/monisB2B/slacksummarizer2/internal/summarize"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type serviceBundle struct {
	Store     *store.PostgresStore
	Slack     *slackapi.Client
	Directory *directory.Directory
	Ingestor  *ingest.Orchestrator
	Generator *summarize.Generator
	Poster    *digest.Poster
	Runner    *scheduler.Runner
	Config    *config.Config
}

func initializeServices() (*serviceBundle, error) {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	var st *store.PostgresStore
	var err error
	for attempt := 1; ; attempt++ {
		st, err = store.NewPostgresStore(cfg.DatabaseURL)
		if err == nil {
			break
		}
		if attempt >= 5 {
			return nil, fmt.Errorf("connecting to database: %w", err)
		}
		slog.Error("Database not reachable, retrying in 5s", "attempt", attempt, "error", err)
		time.Sleep(5 * time.Second)
	}

	slackClient := slackapi.New(cfg.SlackBotToken,
		slackapi.WithMaxRetries(cfg.MaxRetries),
		slackapi.WithBaseBackoff(cfg.BaseBackoff),
	)

	dir := directory.New(slackClient, st, directory.DefaultTTL)
	ingestor := ingest.New(slackClient, st, dir, cfg.ConversationDelay)

	var model summarize.ModelClient
	if cfg.ModelEnabled() {
		model = summarize.NewOpenAIModel(cfg.OpenAIAPIKey)
	} else {
		slog.Info("No OpenAI API key configured, summaries use the heuristic path")
	}
	generator := summarize.New(st, model, dir)

	poster := digest.New(slackClient, cfg.DigestChannel)
	if !cfg.PostingEnabled() {
		slog.Info("No digest channel configured, summaries are stored but not posted")
	}

	var retention time.Duration
	if cfg.RetentionEnabled() {
		retention = time.Duration(cfg.RetentionDays) * 24 * time.Hour
	}
	runner := scheduler.New(ingestor, generator, poster, st, cfg.SummaryWindow, retention)

	return &serviceBundle{
		Store:     st,
		Slack:     slackClient,
		Directory: dir,
		Ingestor:  ingestor,
		Generator: generator,
		Poster:    poster,
		Runner:    runner,
		Config:    cfg,
	}, nil
}

func main() {
	var (
		ingestOnce = flag.Bool("ingest-once", false, "run a single ingestion pass and exit")
		runOnce    = flag.Bool("run-once", false, "run the full pipeline once and exit")
		channel    = flag.String("summarize", "", "summarize this channel ID over -start/-end and exit")
		startFlag  = flag.String("start", "", "window start for -summarize (RFC 3339)")
		endFlag    = flag.String("end", "", "window end for -summarize (RFC 3339)")
		purgeDays  = flag.Int("purge", 0, "purge messages older than N days and exit")
	)
	flag.Parse()

	logging.SetupLogger()

	slog.Info("Starting slack summarizer", slog.String("version", "1.0.0"))

	services, err := initializeServices()
	if err != nil {
		slog.Error("Failed to initialize services", "error", err)
		os.Exit(1)
	}
	defer services.Store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := services.Directory.Warm(ctx); err != nil {
		slog.Warn("Failed to warm user directory, resolving lazily", "error", err)
	}

	if done := runOneShot(ctx, services, *ingestOnce, *runOnce, *channel, *startFlag, *endFlag, *purgeDays); done {
		return
	}

	if err := services.Runner.Start(ctx, services.Config.ScheduleCron); err != nil {
		slog.Error("Failed to start scheduler", "error", err, "cron", services.Config.ScheduleCron)
		os.Exit(1)
	}

	router := mux.NewRouter()
	router.Use(middleware.Observe)

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")

	router.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := services.Store.Ping(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Ready"))
	}).Methods("GET")

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	server := &http.Server{
		Addr:         ":" + services.Config.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("Server starting", slog.String("port", services.Config.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("Shutting down...")

	cancel()
	services.Runner.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server exited gracefully")
}

// runOneShot dispatches the single-run CLI modes. It reports whether a
// mode ran so main can skip the server path.
func runOneShot(ctx context.Context, services *serviceBundle, ingestOnce, runOnce bool, channel, startFlag, endFlag string, purgeDays int) bool {
	switch {
	case ingestOnce:
		if err := services.Runner.RunIngestion(ctx, time.Time{}); err != nil {
			slog.Error("Ingestion failed", "error", err)
			os.Exit(1)
		}
	case runOnce:
		if err := services.Runner.RunOnce(ctx); err != nil {
			slog.Error("Pipeline run failed", "error", err)
			os.Exit(1)
		}
	case channel != "":
		start, end, err := parseWindow(startFlag, endFlag, services.Config.SummaryWindow)
		if err != nil {
			slog.Error("Invalid summarization window", "error", err)
			os.Exit(1)
		}
		if err := services.Runner.RunSummarization(ctx, channel, start, end); err != nil {
			slog.Error("Summarization failed", "error", err, "channel", channel)
			os.Exit(1)
		}
	case purgeDays != 0:
		if err := services.Runner.PurgeOlderThan(ctx, purgeDays); err != nil {
			slog.Error("Purge failed", "error", err)
			os.Exit(1)
		}
	default:
		return false
	}
	return true
}

// parseWindow resolves the -start/-end flags, defaulting to the
// trailing configured window when both are omitted.
func parseWindow(startFlag, endFlag string, window time.Duration) (time.Time, time.Time, error) {
	end := time.Now().UTC()
	if endFlag != "" {
		parsed, err := time.Parse(time.RFC3339, endFlag)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("parsing -end: %w", err)
		}
		end = parsed
	}

	start := end.Add(-window)
	if startFlag != "" {
		parsed, err := time.Parse(time.RFC3339, startFlag)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("parsing -start: %w", err)
		}
		start = parsed
	}

	if !start.Before(end) {
		return time.Time{}, time.Time{}, fmt.Errorf("window start %s is not before end %s", start, end)
	}
	return start, end, nil
}
