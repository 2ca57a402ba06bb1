package client

import (
	"math/rand"
	"time"
)

// RetryConfig tunes the reconnection backoff for one channel or transport.
// Budgets differ per connection kind: change feeds tolerate a longer budget,
// chat is attached to an interactive session and gives up sooner.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	JitterMax   time.Duration
}

// DefaultFeedRetry returns the retry budget for change-feed channels.
func DefaultFeedRetry() RetryConfig {
	return RetryConfig{
		MaxAttempts: 10,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		JitterMax:   time.Second,
	}
}

// DefaultChatRetry returns the stricter retry budget for the chat transport.
func DefaultChatRetry() RetryConfig {
	return RetryConfig{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		JitterMax:   time.Second,
	}
}

// RetryPolicy computes exponential backoff delays with jitter.
type RetryPolicy struct {
	cfg RetryConfig
}

// NewRetryPolicy builds a policy from cfg, falling back to feed defaults for
// zero fields.
func NewRetryPolicy(cfg RetryConfig) RetryPolicy {
	def := DefaultFeedRetry()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.JitterMax < 0 {
		cfg.JitterMax = 0
	}
	return RetryPolicy{cfg: cfg}
}

// NextDelay returns the backoff delay before retry number attempt:
// min(base * 2^attempt, max) plus uniform jitter in [0, JitterMax).
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	delay := p.cfg.MaxDelay
	// Past 30 doublings the shift would overflow; the cap applies anyway.
	if attempt < 30 {
		d := p.cfg.BaseDelay * (1 << uint(attempt))
		if d > 0 && d < p.cfg.MaxDelay {
			delay = d
		}
	}
	if p.cfg.JitterMax > 0 {
		delay += time.Duration(rand.Int63n(int64(p.cfg.JitterMax)))
	}
	return delay
}

// ShouldRetry reports whether retry number attempt is still inside the budget.
func (p RetryPolicy) ShouldRetry(attempt int) bool {
	return attempt < p.cfg.MaxAttempts
}

// MaxAttempts exposes the configured budget.
func (p RetryPolicy) MaxAttempts() int { return p.cfg.MaxAttempts }

// retryState pairs a policy with the attempt counter for one connection.
// Exhaustion is edge-triggered: markExhausted reports true exactly once per
// exhaustion so callers emit a single degraded-mode signal.
type retryState struct {
	policy    RetryPolicy
	attempt   int
	exhausted bool
}

// next returns the delay for the current attempt and advances the counter.
// ok is false once the budget is spent.
func (s *retryState) next() (delay time.Duration, ok bool) {
	if !s.policy.ShouldRetry(s.attempt) {
		return 0, false
	}
	delay = s.policy.NextDelay(s.attempt)
	s.attempt++
	return delay, true
}

// reset clears the counter and re-arms the exhaustion edge. Called on every
// successful authentication/subscription and on every received feed event.
func (s *retryState) reset() {
	s.attempt = 0
	s.exhausted = false
}

// markExhausted latches exhaustion, reporting true only on the first call
// since the last reset.
func (s *retryState) markExhausted() bool {
	if s.exhausted {
		return false
	}
	s.exhausted = true
	return true
}
