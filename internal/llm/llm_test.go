package llm_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/basket/go-triage/internal/fault"
	"github.com/basket/go-triage/internal/llm"
	otelPkg "github.com/basket/go-triage/internal/otel"
	"github.com/basket/go-triage/internal/storage"
)

func TestClassifyError(t *testing.T) {
	cases := []struct {
		err  error
		want llm.ErrorClass
	}{
		{errors.New("HTTP 401 Unauthorized"), llm.ErrorClassAuth},
		{errors.New("429 Too Many Requests"), llm.ErrorClassRateLimit},
		{errors.New("upstream timed out"), llm.ErrorClassTimeout},
		{fmt.Errorf("call: %w", context.DeadlineExceeded), llm.ErrorClassTimeout},
		{errors.New("billing account suspended"), llm.ErrorClassBilling},
		{errors.New("exceeds maximum context length"), llm.ErrorClassContextOverflow},
		{errors.New("connection reset"), llm.ErrorClassUnknown},
		{nil, llm.ErrorClassUnknown},
	}
	for _, tc := range cases {
		if got := llm.ClassifyError(tc.err); got != tc.want {
			t.Fatalf("ClassifyError(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}

func TestAsFault(t *testing.T) {
	cases := []struct {
		err  error
		want fault.Class
	}{
		{errors.New("rate limit exceeded"), fault.ClassRetryable},
		{context.DeadlineExceeded, fault.ClassRetryable},
		{errors.New("invalid api key"), fault.ClassTerminal},
		{errors.New("payment required"), fault.ClassTerminal},
		{errors.New("context window exceeded"), fault.ClassTerminal},
		{errors.New("something odd"), fault.ClassUnexpected},
		{fault.Terminal(errors.New("timeout but already classified")), fault.ClassTerminal},
	}
	for _, tc := range cases {
		if got := fault.ClassOf(llm.AsFault(tc.err)); got != tc.want {
			t.Fatalf("AsFault(%v) class = %s, want %s", tc.err, got, tc.want)
		}
	}
	if llm.AsFault(nil) != nil {
		t.Fatal("nil must stay nil")
	}
}

func TestMockReasoner_Responses(t *testing.T) {
	m := llm.MockReasoner{}
	ctx := context.Background()
	cases := []struct {
		name, system, user, want string
	}{
		{"worker critical", "You are an intelligent Worker Agent.", "Raw Output: ERROR CRITICAL: sensor", llm.InsightCritical},
		{"worker 150C", "Worker Agent", "reporting 150C", llm.InsightCritical},
		{"worker overdue", "Worker Agent", `"status": "OVERDUE_FLAGS_ACTIVE"`, llm.InsightMaintenance},
		{"worker nothing", "Worker Agent", "all fine", llm.InsightNone},
		{"reviewer shutdown", "Reviewer Agent System Prompt", llm.InsightCritical + "\n" + llm.InsightMaintenance, llm.DecisionShutdown},
		{"reviewer monitor", "Reviewer Agent System Prompt", llm.InsightCritical, llm.DecisionMonitor},
		{"unknown role", "Poet", "write a haiku", llm.Unsure},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := m.Generate(ctx, tc.system, tc.user)
			if err != nil {
				t.Fatalf("generate: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestMockReasoner_PlannerPlans(t *testing.T) {
	m := llm.MockReasoner{}
	sys := "You are a Planner Agent in a smart factory. Output JSON only."
	overheat, _ := m.Generate(context.Background(), sys, "Incident Report: Press-01 OVERHEAT alarm")
	if !strings.Contains(overheat, "ERP_FETCHER") || !strings.Contains(overheat, "sensor_backup.log") {
		t.Fatalf("unexpected overheat plan: %s", overheat)
	}
	general, _ := m.Generate(context.Background(), sys, "Incident Report: conveyor stopped")
	if strings.Contains(general, "ERP_FETCHER") || !strings.Contains(general, "/var/logs/general.log") {
		t.Fatalf("unexpected general plan: %s", general)
	}
}

func TestMockReasoner_LatencyHonorsContext(t *testing.T) {
	m := llm.MockReasoner{Latency: 5 * time.Second}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.Generate(ctx, "Worker Agent", "x")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func failing(msg string, calls *int) llm.Reasoner {
	return llm.Func(func(context.Context, string, string) (string, error) {
		*calls++
		return "", errors.New(msg)
	})
}

func answering(reply string, calls *int) llm.Reasoner {
	return llm.Func(func(context.Context, string, string) (string, error) {
		*calls++
		return reply, nil
	})
}

func TestFailover_FallsBackAndTripsBreaker(t *testing.T) {
	var primaryCalls, backupCalls int
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	f := llm.NewFailoverReasoner(
		llm.Named{Name: "google", Reasoner: failing("503 upstream unavailable", &primaryCalls)},
		[]llm.Named{{Name: "anthropic", Reasoner: answering("ok", &backupCalls)}},
		2, time.Minute, nil,
	)
	f.SetClock(clock.Now)

	for i := 0; i < 3; i++ {
		got, err := f.Generate(context.Background(), "sys", "user")
		if err != nil || got != "ok" {
			t.Fatalf("call %d: got %q err %v", i, got, err)
		}
	}
	if primaryCalls != 2 {
		t.Fatalf("tripped primary should be skipped, calls=%d", primaryCalls)
	}
	if cb, _ := f.Breaker("google"); !cb.Tripped {
		t.Fatal("expected google breaker tripped")
	}

	clock.now = clock.now.Add(2 * time.Minute)
	_, _ = f.Generate(context.Background(), "sys", "user")
	if primaryCalls != 3 {
		t.Fatalf("breaker should reset after cooldown, calls=%d", primaryCalls)
	}
}

func TestFailover_ContextOverflowStops(t *testing.T) {
	var a, b int
	f := llm.NewFailoverReasoner(
		llm.Named{Name: "a", Reasoner: failing("maximum context length exceeded", &a)},
		[]llm.Named{{Name: "b", Reasoner: answering("ok", &b)}},
		5, time.Minute, nil,
	)
	_, err := f.Generate(context.Background(), "s", "u")
	if err == nil || b != 0 {
		t.Fatalf("expected overflow to stop failover, err=%v b=%d", err, b)
	}
	if fault.ClassOf(llm.AsFault(err)) != fault.ClassTerminal {
		t.Fatalf("overflow should be terminal: %v", err)
	}
}

func TestFailover_AllTrippedIsRetryable(t *testing.T) {
	var a int
	f := llm.NewFailoverReasoner(llm.Named{Name: "a", Reasoner: failing("boom", &a)}, nil, 1, time.Hour, nil)
	_, _ = f.Generate(context.Background(), "s", "u")
	_, err := f.Generate(context.Background(), "s", "u")
	if err == nil || a != 1 {
		t.Fatalf("expected tripped provider skipped, err=%v calls=%d", err, a)
	}
	if fault.ClassOf(llm.AsFault(err)) != fault.ClassRetryable {
		t.Fatalf("all-tripped should be retryable: %v", err)
	}
}

func TestFailover_PersistsBreakerState(t *testing.T) {
	store := storage.NewLRU(16)
	var a int
	f := llm.NewFailoverReasoner(llm.Named{Name: "google", Reasoner: failing("boom", &a)}, nil, 1, time.Hour, nil)
	f.SetStore(store)
	_, _ = f.Generate(context.Background(), "s", "u")

	restored := llm.NewFailoverReasoner(llm.Named{Name: "google", Reasoner: failing("boom", &a)}, nil, 1, time.Hour, nil)
	restored.SetStore(store)
	restored.LoadBreakerState(context.Background())
	cb, ok := restored.Breaker("google")
	if !ok || !cb.Tripped || cb.Failures != 1 {
		t.Fatalf("breaker state not restored: %+v", cb)
	}
}

func TestInstrumented_ClassifiesAndPassesThrough(t *testing.T) {
	ok := llm.Instrumented{
		Reasoner: llm.MockReasoner{},
		Provider: "mock",
		Tracer:   otelPkg.Noop().Tracer,
	}
	got, err := ok.Generate(context.Background(), "Worker Agent", "150C")
	if err != nil || got != llm.InsightCritical {
		t.Fatalf("got %q err %v", got, err)
	}

	bad := llm.Instrumented{
		Reasoner: llm.Func(func(context.Context, string, string) (string, error) {
			return "", errors.New("429 rate limit")
		}),
		Provider: "flaky",
	}
	_, err = bad.Generate(context.Background(), "s", "u")
	if fault.ClassOf(err) != fault.ClassRetryable {
		t.Fatalf("expected retryable, got %v", err)
	}
}

func TestNewGenkitReasoner_MissingKeyIsTerminal(t *testing.T) {
	_, err := llm.NewGenkitReasoner(context.Background(), llm.GenkitConfig{Provider: "anthropic"})
	if fault.ClassOf(err) != fault.ClassTerminal {
		t.Fatalf("expected terminal error, got %v", err)
	}
}
