package llm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/go-triage/internal/storage"
)

// Named pairs a Reasoner with a provider name for breaker tracking and logging.
type Named struct {
	Name     string
	Reasoner Reasoner
}

// CircuitBreaker tracks failure counts and trip state for a single provider.
type CircuitBreaker struct {
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"last_failure"`
	Tripped     bool      `json:"tripped"`
}

// FailoverReasoner tries providers in order with per-provider circuit breakers.
type FailoverReasoner struct {
	candidates []Named
	breakers   map[string]*CircuitBreaker

	mu             sync.Mutex
	threshold      int
	cooldownPeriod time.Duration
	now            func() time.Time
	store          storage.Store
	logger         *slog.Logger
}

// NewFailoverReasoner builds a reasoner that tries primary first, then each
// fallback. A breaker trips after threshold consecutive failures and resets
// once cooldown elapses.
func NewFailoverReasoner(primary Named, fallbacks []Named, threshold int, cooldown time.Duration, logger *slog.Logger) *FailoverReasoner {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	candidates := append([]Named{primary}, fallbacks...)
	breakers := make(map[string]*CircuitBreaker, len(candidates))
	for _, c := range candidates {
		breakers[c.Name] = &CircuitBreaker{}
	}
	return &FailoverReasoner{
		candidates:     candidates,
		breakers:       breakers,
		threshold:      threshold,
		cooldownPeriod: cooldown,
		now:            time.Now,
		logger:         logger,
	}
}

// SetClock overrides the time source used by the breakers.
func (f *FailoverReasoner) SetClock(now func() time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = now
}

// SetStore enables persistent breaker state under "cb:{provider}" keys.
func (f *FailoverReasoner) SetStore(store storage.Store) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.store = store
}

func (f *FailoverReasoner) Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	var lastErr error
	for _, c := range f.candidates {
		if f.isTripped(c.Name) {
			f.logger.Info("failover: skipping tripped provider", "provider", c.Name)
			continue
		}
		resp, err := c.Reasoner.Generate(ctx, systemPrompt, userPrompt)
		if err == nil {
			f.recordSuccess(ctx, c.Name)
			return resp, nil
		}

		lastErr = err
		f.recordFailure(ctx, c.Name)
		ec := ClassifyError(err)
		f.logger.Warn("failover: provider failed", "provider", c.Name, "error_class", string(ec), "error", err)

		// The prompt is the same everywhere, so another provider overflows too.
		if ec == ErrorClassContextOverflow {
			return "", fmt.Errorf("failover: context overflow from %s: %w", c.Name, err)
		}
		if ctx.Err() != nil {
			return "", fmt.Errorf("failover: %w", err)
		}
	}
	if lastErr == nil {
		return "", fmt.Errorf("failover: all providers tripped: rate limit circuit open")
	}
	return "", fmt.Errorf("failover: all providers failed, last error: %w", lastErr)
}

// Breaker returns a copy of the named provider's breaker state.
func (f *FailoverReasoner) Breaker(name string) (CircuitBreaker, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cb, ok := f.breakers[name]
	if !ok {
		return CircuitBreaker{}, false
	}
	return *cb, true
}

func (f *FailoverReasoner) isTripped(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	cb, ok := f.breakers[name]
	if !ok || !cb.Tripped {
		return false
	}
	if f.now().Sub(cb.LastFailure) >= f.cooldownPeriod {
		cb.Tripped = false
		cb.Failures = 0
		f.logger.Info("failover: circuit breaker reset after cooldown", "provider", name)
		return false
	}
	return true
}

func (f *FailoverReasoner) recordFailure(ctx context.Context, name string) {
	f.mu.Lock()
	cb, ok := f.breakers[name]
	if !ok {
		cb = &CircuitBreaker{}
		f.breakers[name] = cb
	}
	cb.Failures++
	cb.LastFailure = f.now()
	if cb.Failures >= f.threshold && !cb.Tripped {
		cb.Tripped = true
		f.logger.Warn("failover: circuit breaker tripped", "provider", name, "failures", cb.Failures)
	}
	snapshot, store := *cb, f.store
	f.mu.Unlock()
	f.persist(ctx, store, name, snapshot)
}

func (f *FailoverReasoner) recordSuccess(ctx context.Context, name string) {
	f.mu.Lock()
	cb, ok := f.breakers[name]
	if !ok {
		f.mu.Unlock()
		return
	}
	changed := cb.Failures != 0 || cb.Tripped
	cb.Failures = 0
	cb.Tripped = false
	snapshot, store := *cb, f.store
	f.mu.Unlock()
	if changed {
		f.persist(ctx, store, name, snapshot)
	}
}

func (f *FailoverReasoner) persist(ctx context.Context, store storage.Store, name string, cb CircuitBreaker) {
	if store == nil {
		return
	}
	if err := store.Save(context.WithoutCancel(ctx), breakerKey(name), cb); err != nil {
		f.logger.Warn("failover: persist breaker state failed", "provider", name, "error", err)
	}
}

// LoadBreakerState restores breaker state saved by a previous run.
func (f *FailoverReasoner) LoadBreakerState(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.store == nil {
		return
	}
	for name, cb := range f.breakers {
		var saved CircuitBreaker
		found, err := f.store.Get(ctx, breakerKey(name), &saved)
		if err != nil || !found {
			continue
		}
		*cb = saved
	}
}

func breakerKey(name string) string { return "cb:" + name }
