// Command mergebot runs the merge-train service: it ingests GitHub webhooks,
// keeps one speculative train per protected branch, and materializes train
// cars as synthetic draft PRs so CI validates combined batches before the
// real merges land.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mergebot/pkg/config"
	"mergebot/pkg/dispatch"
	"mergebot/pkg/eventlog"
	"mergebot/pkg/github"
	"mergebot/pkg/limiter"
	"mergebot/pkg/logx"
	"mergebot/pkg/metrics"
	"mergebot/pkg/persistence"
	"mergebot/pkg/rules"
	"mergebot/pkg/train"
	"mergebot/pkg/version"
	"mergebot/pkg/webhook"
)

func main() {
	var (
		configPath  = flag.String("config", "mergebot.json", "Path to service configuration file")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("mergebot %s\n", version.Version)
		fmt.Printf("  commit: %s\n", version.Commit)
		fmt.Printf("  built:  %s\n", version.Date)
		os.Exit(0)
	}

	os.Exit(run(*configPath))
}

// run contains the main application logic and returns an exit code so defers
// execute before os.Exit.
func run(configPath string) int {
	logger := logx.NewLogger("mergebot")

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration failed: %v\n", err)
		return 1
	}

	owner, repo, err := config.SplitRepository(cfg.GitHub.Repository)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration failed: %v\n", err)
		return 1
	}

	registry, err := rules.LoadRegistry(cfg.RulesPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Queue rules failed: %v\n", err)
		return 1
	}

	db, err := persistence.InitializeDatabase(cfg.DatabasePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Database failed: %v\n", err)
		return 1
	}
	defer db.Close()
	store := persistence.NewTrainStore(db)

	var journal *eventlog.Writer
	if cfg.EventLogDir != "" {
		journal, err = eventlog.NewWriter(cfg.EventLogDir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Event log failed: %v\n", err)
			return 1
		}
		defer journal.Close()
	}

	lim := limiter.NewLimiter()
	client, err := github.NewClient(cfg.GitHub.BaseURL, cfg.GitHub.Token, owner, repo, lim)
	if err != nil {
		fmt.Fprintf(os.Stderr, "GitHub client failed: %v\n", err)
		return 1
	}
	lim.AddHost(client.Host(), cfg.GitHub.RequestsPerHour, cfg.GitHub.MaxConcurrent)

	recorder := metrics.NewPrometheusRecorder()
	leases := train.NewLeaseRegistry()

	engine := dispatch.NewEngine(store, registry, client,
		func(branch string) train.Materializer {
			return github.NewCarMaterializer(client, branch)
		},
		recorder, journal)

	dispatcher := dispatch.NewDispatcher(engine, leases, store, journal, recorder, dispatch.Options{
		Workers:       cfg.Dispatch.Workers,
		QueueSize:     cfg.Dispatch.EventQueueSize,
		RetryAttempts: cfg.Dispatch.RetryAttempts,
		RetryBackoff:  cfg.Dispatch.RetryBackoff,
	})

	mux := http.NewServeMux()
	mux.Handle("/webhook", webhook.NewHandler(cfg.GitHub.WebhookSecret, dispatcher))
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatcher.Start(ctx)

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("mergebot %s listening on %s for %s", version.Version, cfg.ListenAddr, cfg.GitHub.Repository)
		serverErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed: %v", err)
			return 1
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown: %v", err)
	}
	dispatcher.Stop()
	logger.Info("shutdown complete")
	return 0
}
