package llm

import (
	"context"
	"math/rand/v2"
	"strings"
	"time"
)

const (
	overheatPlan = `{
  "reasoning": "Detected thermal anomaly. Scanning logs and checking maintenance.",
  "steps": [
    {
      "tool": "LOG_ANALYZER",
      "inputs": ["/var/logs/sensor_primary.log", "/var/logs/sensor_backup.log", "/var/logs/system_events.log"]
    },
    {
      "tool": "ERP_FETCHER",
      "inputs": ["PRESS-01"]
    }
  ]
}`

	generalPlan = `{
  "reasoning": "General diagnostics required.",
  "steps": [
    { "tool": "LOG_ANALYZER", "inputs": ["/var/logs/general.log"] }
  ]
}`
)

// Canned mock responses.
const (
	InsightCritical    = "INSIGHT (Critical): Thermal Runaway pattern detected. Risk: HIGH."
	InsightMaintenance = "INSIGHT (Maintenance): Service is 6 months overdue."
	InsightNone        = "INSIGHT: No anomalies found in this chunk."
	DecisionShutdown   = "FINAL DECISION: IMMEDIATE SHUTDOWN (Overheat + Missed Maintenance)."
	DecisionMonitor    = "FINAL DECISION: MONITOR. No critical combined failures."
	Unsure             = "I am unsure."
)

// MockReasoner returns deterministic responses keyed on the role named in
// the system prompt. It needs no network access.
type MockReasoner struct {
	// Latency is added to every call; Jitter adds up to that much more at random.
	Latency time.Duration
	Jitter  time.Duration
}

func (m MockReasoner) Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if err := m.wait(ctx); err != nil {
		return "", err
	}
	lower := strings.ToLower(userPrompt)

	switch {
	case strings.Contains(systemPrompt, "Planner Agent"):
		if strings.Contains(lower, "overheat") {
			return overheatPlan, nil
		}
		return generalPlan, nil

	case strings.Contains(systemPrompt, "Worker Agent"):
		if strings.Contains(userPrompt, "CRITICAL") || strings.Contains(userPrompt, "150C") {
			return InsightCritical, nil
		}
		if strings.Contains(userPrompt, "OVERDUE") {
			return InsightMaintenance, nil
		}
		return InsightNone, nil

	case strings.Contains(systemPrompt, "Reviewer Agent"):
		if strings.Contains(userPrompt, "Thermal Runaway") && strings.Contains(userPrompt, "overdue") {
			return DecisionShutdown, nil
		}
		return DecisionMonitor, nil
	}
	return Unsure, nil
}

func (m MockReasoner) wait(ctx context.Context) error {
	d := m.Latency
	if m.Jitter > 0 {
		d += rand.N(m.Jitter)
	}
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
