package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/basket/go-triage/internal/config"
	"github.com/basket/go-triage/internal/llm"
	otelPkg "github.com/basket/go-triage/internal/otel"
	"github.com/basket/go-triage/internal/persistence"
	"github.com/basket/go-triage/internal/storage"
	"github.com/basket/go-triage/internal/taskqueue"
)

// backends owns the store, queue and any shared connections behind them.
type backends struct {
	Store storage.Store
	Queue taskqueue.Queue
	// Purger is set when the store keeps expired rows on disk.
	Purger interface {
		PurgeExpired(ctx context.Context) (int64, error)
	}

	db     *persistence.Store
	nc     *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger
}

func openBackends(ctx context.Context, cfg config.Config, logger *slog.Logger) (*backends, error) {
	b := &backends{logger: logger}
	if err := b.openStore(ctx, cfg); err != nil {
		b.Close()
		return nil, err
	}
	if err := b.openQueue(ctx, cfg); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

func (b *backends) openStore(ctx context.Context, cfg config.Config) error {
	switch cfg.Storage.Backend {
	case config.StorageRAM:
		b.Store = storage.NewLRU(cfg.Storage.RAM.MaxEntries)
	case config.StorageSQLite:
		db, err := b.sqlite(cfg)
		if err != nil {
			return err
		}
		s := storage.NewSQLiteStore(db, cfg.DefaultTTL())
		b.Store, b.Purger = s, s
	case config.StorageNATS:
		js, err := b.jetstream(cfg)
		if err != nil {
			return err
		}
		s, err := storage.NewNATSStore(ctx, js, cfg.NATS.Bucket, cfg.DefaultTTL())
		if err != nil {
			return fmt.Errorf("open nats kv: %w", err)
		}
		b.Store = s
	default:
		return fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
	b.logger.Info("startup phase", "phase", "store_opened", "backend", cfg.Storage.Backend)
	return nil
}

func (b *backends) openQueue(ctx context.Context, cfg config.Config) error {
	switch cfg.Queue.Backend {
	case config.QueueInMemory:
		b.Queue = taskqueue.NewMemoryQueue(cfg.PopTimeout())
	case config.QueueSQLite:
		db, err := b.sqlite(cfg)
		if err != nil {
			return err
		}
		b.Queue = taskqueue.NewSQLiteQueue(db, cfg.PopTimeout(), cfg.PollInterval())
	case config.QueueJetStream:
		js, err := b.jetstream(cfg)
		if err != nil {
			return err
		}
		q, err := taskqueue.NewJetStreamQueue(ctx, js, taskqueue.JetStreamConfig{
			Stream:     cfg.NATS.Stream,
			Subject:    cfg.NATS.Subject,
			Durable:    cfg.NATS.Durable,
			PopTimeout: cfg.PopTimeout(),
			Logger:     b.logger,
		})
		if err != nil {
			return fmt.Errorf("open jetstream queue: %w", err)
		}
		b.Queue = q
	default:
		return fmt.Errorf("unknown queue backend %q", cfg.Queue.Backend)
	}
	b.logger.Info("startup phase", "phase", "queue_opened", "backend", cfg.Queue.Backend)
	return nil
}

// sqlite opens the database once for both the store and the queue.
func (b *backends) sqlite(cfg config.Config) (*persistence.Store, error) {
	if b.db != nil {
		return b.db, nil
	}
	db, err := persistence.Open(cfg.SQLitePath())
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", cfg.SQLitePath(), err)
	}
	b.db = db
	return db, nil
}

// jetstream connects once for both the store and the queue.
func (b *backends) jetstream(cfg config.Config) (jetstream.JetStream, error) {
	if b.js != nil {
		return b.js, nil
	}
	nc, err := nats.Connect(cfg.NATS.URL, nats.Name("triaged"))
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}
	b.nc, b.js = nc, js
	return js, nil
}

func (b *backends) Close() {
	if b.Queue != nil {
		_ = b.Queue.Close()
	}
	if b.Store != nil {
		_ = b.Store.Close()
	}
	if b.db != nil {
		_ = b.db.Close()
	}
	if b.nc != nil {
		_ = b.nc.Drain()
		b.nc.Close()
	}
}

// buildReasoner returns the configured reasoning collaborator wrapped with
// failover and instrumentation.
func buildReasoner(ctx context.Context, cfg config.Config, store storage.Store, prov *otelPkg.Provider, metrics *otelPkg.Metrics, logger *slog.Logger) (llm.Reasoner, error) {
	primary, err := namedReasoner(ctx, cfg, cfg.LLM.Provider)
	if err != nil {
		return nil, err
	}
	if len(cfg.LLM.FallbackProviders) == 0 {
		return llm.Instrumented{Reasoner: primary.Reasoner, Provider: primary.Name, Tracer: prov.Tracer, Metrics: metrics}, nil
	}

	fallbacks := make([]llm.Named, 0, len(cfg.LLM.FallbackProviders))
	for _, name := range cfg.LLM.FallbackProviders {
		fb, err := namedReasoner(ctx, cfg, name)
		if err != nil {
			logger.Warn("skipping fallback provider", "provider", name, "error", err)
			continue
		}
		fallbacks = append(fallbacks, fb)
	}
	fo := llm.NewFailoverReasoner(primary, fallbacks, cfg.LLM.FailoverThreshold,
		time.Duration(cfg.LLM.FailoverCooldownSeconds)*time.Second, logger)
	fo.SetStore(store)
	fo.LoadBreakerState(ctx)
	return llm.Instrumented{Reasoner: fo, Provider: "failover", Tracer: prov.Tracer, Metrics: metrics}, nil
}

func namedReasoner(ctx context.Context, cfg config.Config, provider string) (llm.Named, error) {
	if provider == "mock" {
		return llm.Named{Name: "mock", Reasoner: llm.MockReasoner{
			Latency: time.Duration(cfg.LLM.MockLatencyMS) * time.Millisecond,
		}}, nil
	}
	baseURL := cfg.LLM.OpenAICompatibleBaseURL
	if p, ok := cfg.Providers[provider]; ok && p.BaseURL != "" {
		baseURL = p.BaseURL
	}
	r, err := llm.NewGenkitReasoner(ctx, llm.GenkitConfig{
		Provider:       provider,
		Model:          cfg.ModelFor(provider),
		APIKey:         cfg.ProviderAPIKey(provider),
		BaseURL:        baseURL,
		CompatProvider: cfg.LLM.OpenAICompatibleProvider,
	})
	if err != nil {
		return llm.Named{}, fmt.Errorf("init %s reasoner: %w", provider, err)
	}
	return llm.Named{Name: provider, Reasoner: r}, nil
}
