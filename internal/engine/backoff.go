package engine

import (
	"fmt"
	"time"
)

// Strategy selects how the retry delay grows.
type Strategy string

const (
	StrategyExponential Strategy = "exponential"
	StrategyFixed       Strategy = "fixed"
)

// maxShift keeps base<<retry inside time.Duration.
const maxShift = 30

// Backoff computes the delay before a retryable task runs again.
type Backoff struct {
	Strategy Strategy
	Base     time.Duration
}

// ParseStrategy maps a config value to a Strategy. Empty means exponential.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case "", StrategyExponential:
		return StrategyExponential, nil
	case StrategyFixed:
		return StrategyFixed, nil
	}
	return "", fmt.Errorf("unknown backoff strategy %q", s)
}

// Delay returns the wait for a task that has already been retried retryCount
// times: Base for the fixed strategy, Base*2^retryCount otherwise.
func (b Backoff) Delay(retryCount int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	if b.Strategy == StrategyFixed || retryCount <= 0 {
		return b.Base
	}
	shift := min(retryCount, maxShift)
	d := b.Base << shift
	if d <= 0 || d>>shift != b.Base {
		return time.Duration(1<<63 - 1)
	}
	return d
}
