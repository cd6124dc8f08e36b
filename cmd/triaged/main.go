package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/go-triage/internal/agents"
	"github.com/basket/go-triage/internal/audit"
	"github.com/basket/go-triage/internal/bus"
	"github.com/basket/go-triage/internal/config"
	"github.com/basket/go-triage/internal/engine"
	"github.com/basket/go-triage/internal/gateway"
	"github.com/basket/go-triage/internal/maintenance"
	otelPkg "github.com/basket/go-triage/internal/otel"
	"github.com/basket/go-triage/internal/pool"
	"github.com/basket/go-triage/internal/telemetry"
	"github.com/basket/go-triage/internal/tools"
	"github.com/basket/go-triage/internal/workflow"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                          Run the triage daemon (engine + HTTP gateway)
  %s submit <incident text>   Submit an incident to a running daemon
  %s status <workflow id>     Show a workflow's status
  %s status                   Show daemon health (/healthz)

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  TRIAGE_HOME             Data directory (default: ~/.triage)
  TRIAGE_LLM_PROVIDER     mock, google, anthropic, openai, openai_compatible, openrouter
  GEMINI_API_KEY          Required for the google provider
`)
}

func main() {
	quiet := flag.Bool("quiet", false, "log to file only")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "submit":
			os.Exit(runSubmitCommand(ctx, args[1:]))
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	if err := runDaemon(ctx, *quiet); err != nil {
		os.Exit(1)
	}
}

func runDaemon(ctx context.Context, quiet bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		return fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version,
		"fingerprint", cfg.Fingerprint(), "tty", isatty.IsTerminal(os.Stdout.Fd()))
	warnOnOpenBind(cfg, logger)

	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRate:  cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		return fatalStartup(logger, "E_OTEL_METRICS", err)
	}

	be, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return fatalStartup(logger, "E_BACKEND_OPEN", err)
	}
	defer be.Close()

	journal, err := audit.Open(cfg.HomeDir)
	if err != nil {
		return fatalStartup(logger, "E_AUDIT_INIT", err)
	}
	defer journal.Close()
	if be.db != nil {
		if err := journal.SetDB(ctx, be.db.DB()); err != nil {
			return fatalStartup(logger, "E_AUDIT_INIT", err)
		}
	}
	go journal.Follow(ctx, eventBus)

	reasoner, err := buildReasoner(ctx, cfg, be.Store, otelProvider, metrics, logger)
	if err != nil {
		return fatalStartup(logger, "E_LLM_INIT", err)
	}
	logger.Info("startup phase", "phase", "reasoner_ready", "provider", cfg.LLM.Provider, "fallbacks", cfg.LLM.FallbackProviders)

	registry, err := tools.NewRegistry(
		tools.NewLogAnalyzer(cfg.Tools.LogRoots, cfg.Tools.LogLineLimit, logger),
		&tools.ERPFetcher{Logger: logger},
	)
	if err != nil {
		return fatalStartup(logger, "E_TOOLS_INIT", err)
	}

	tracker := workflow.NewTracker(be.Store, eventBus)
	gates := config.NewGates(cfg)
	deps := agents.Deps{Tracker: tracker, Reasoner: reasoner, Gates: gates, Logger: logger}
	planner, err := agents.NewPlanner(deps, registry.Names())
	if err != nil {
		return fatalStartup(logger, "E_AGENT_INIT", err)
	}
	worker := agents.NewWorker(deps, registry, pool.New(cfg.Agents.Workers.PoolSize), agents.WorkerOptions{
		Separator: cfg.Agents.Workers.Separator,
		Metrics:   metrics,
	})

	strategy, err := engine.ParseStrategy(cfg.Queue.BackoffStrategy)
	if err != nil {
		return fatalStartup(logger, "E_ENGINE_INIT", err)
	}
	eng := engine.New(be.Queue, tracker, engine.Config{
		Workers:      cfg.Queue.Workers,
		MaxRetries:   cfg.Queue.MaxRetries,
		Backoff:      engine.Backoff{Strategy: strategy, Base: cfg.BackoffBase()},
		RequeuePause: cfg.RequeuePause(),
		CrashPause:   cfg.CrashPause(),
		TaskTimeout:  cfg.TaskTimeout(),
		Bus:          eventBus,
		Metrics:      metrics,
		Tracer:       otelProvider.Tracer,
		Logger:       logger,
	}, planner, worker, agents.NewReviewer(deps))

	// Config hot reload only flips agent gates; everything else needs a restart.
	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable; agent gates are static", "error", err)
	} else {
		go gates.Follow(ctx, cfg.HomeDir, watcher.Events(), logger)
	}

	jobs := []maintenance.Job{maintenance.QueueDepthJob(cfg.Maintenance.QueueDepthSchedule, be.Queue, logger)}
	if be.Purger != nil {
		jobs = append(jobs, maintenance.PurgeExpiredJob(cfg.Maintenance.PurgeSchedule, be.Purger, logger))
	}
	sched, err := maintenance.NewScheduler(maintenance.Config{Jobs: jobs, Logger: logger})
	if err != nil {
		return fatalStartup(logger, "E_MAINTENANCE_INIT", err)
	}

	gw := gateway.New(gateway.Config{
		Service:           workflow.NewService(tracker, be.Queue, logger),
		Store:             be.Store,
		Queue:             be.Queue,
		Engine:            eng,
		Bus:               eventBus,
		RateLimit:         cfg.Gateway.RateLimit,
		AllowOrigins:      cfg.Gateway.AllowOrigins,
		ConfigFingerprint: cfg.Fingerprint(),
		Metrics:           metrics,
		Tracer:            otelProvider.Tracer,
		Logger:            logger,
	})
	gw.RateLimiter().StartEviction(ctx, 5*time.Minute, 30*time.Minute)

	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		return fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	server := &http.Server{
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", ln.Addr().String())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	eng.Start(ctx)
	sched.Start(ctx)
	defer sched.Stop()
	logger.Info("startup phase", "phase", "engine_started", "workers", cfg.Queue.Workers)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Stop intake, then let in-flight tasks finish within the drain timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	eng.Drain(cfg.DrainTimeout())
	logger.Info("shutdown complete", "engine", eng.Status(), "journaled", journal.Total(), "journaled_failures", journal.Failures())
	return nil
}

func warnOnOpenBind(cfg config.Config, logger *slog.Logger) {
	host, _, err := net.SplitHostPort(cfg.BindAddr)
	if err != nil {
		return
	}
	h := strings.TrimSpace(strings.ToLower(host))
	if h == "127.0.0.1" || h == "localhost" || h == "::1" {
		return
	}
	if !cfg.Gateway.RateLimit.Enabled {
		logger.Warn("gateway bound to a non-loopback address without rate limiting", "bind_addr", cfg.BindAddr)
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) error {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	return fmt.Errorf("%s: %w", reasonCode, err)
}
