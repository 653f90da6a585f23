package sshconn

import (
	"sync"
	"time"

	"github.com/bodyast/logManager/internal/apperr"
	"go.uber.org/zap"
)

// Rate limiting defaults. Two independent mechanisms protect against connection storms:
//   - Sliding-window rate limit: max attempts per minute per host.
//   - Consecutive failure block: after N failures in a row, the host is
//     temporarily blocked for BlockDuration.
const (
	DefaultMaxAttemptsPerMinute = 10
	DefaultMaxConsecFailures    = 5
	DefaultBlockDuration        = time.Minute
)

type RateLimitConfig struct {
	MaxAttemptsPerMinute int
	MaxConsecFailures    int
	BlockDuration        time.Duration
}

func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		MaxAttemptsPerMinute: DefaultMaxAttemptsPerMinute,
		MaxConsecFailures:    DefaultMaxConsecFailures,
		BlockDuration:        DefaultBlockDuration,
	}
}

type hostRateState struct {
	attempts       []time.Time
	consecFailures int
	blockedUntil   time.Time
}

// RateLimiter enforces limits on connection attempts per host key.
type RateLimiter struct {
	mu     sync.Mutex
	config RateLimitConfig
	state  map[string]*hostRateState
	nowFn  func() time.Time
	logger *zap.Logger
}

func NewRateLimiter(config RateLimitConfig, logger *zap.Logger) *RateLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimiter{
		config: config,
		state:  make(map[string]*hostRateState),
		nowFn:  time.Now,
		logger: logger,
	}
}

// Allow records an attempt for key, or returns a rate_limited error when the
// host is blocked or has used up its attempts for the current minute.
func (rl *RateLimiter) Allow(key string) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.nowFn()
	s := rl.getOrCreateState(key)

	if now.Before(s.blockedUntil) {
		remaining := s.blockedUntil.Sub(now).Truncate(time.Second)
		rl.logger.Warn("connection blocked",
			zap.String("host", key), zap.Duration("remaining", remaining), zap.Int("consec_failures", s.consecFailures))
		return apperr.Newf(apperr.KindRateLimited,
			"connection to %s blocked after %d consecutive failures; retry after %s", key, s.consecFailures, remaining)
	}

	cutoff := now.Add(-time.Minute)
	pruned := s.attempts[:0]
	for _, t := range s.attempts {
		if t.After(cutoff) {
			pruned = append(pruned, t)
		}
	}
	s.attempts = pruned

	if rl.config.MaxAttemptsPerMinute > 0 && len(s.attempts) >= rl.config.MaxAttemptsPerMinute {
		rl.logger.Warn("connection rate limit exceeded",
			zap.String("host", key), zap.Int("max_per_minute", rl.config.MaxAttemptsPerMinute))
		return apperr.Newf(apperr.KindRateLimited,
			"rate limit exceeded for %s: %d connection attempts in the last minute (max %d)",
			key, len(s.attempts), rl.config.MaxAttemptsPerMinute)
	}

	s.attempts = append(s.attempts, now)
	return nil
}

// RecordSuccess clears the consecutive failure counter and any block.
func (rl *RateLimiter) RecordSuccess(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	s := rl.getOrCreateState(key)
	s.consecFailures = 0
	s.blockedUntil = time.Time{}
}

// RecordFailure counts a failed attempt and blocks the host once the
// threshold is reached.
func (rl *RateLimiter) RecordFailure(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	s := rl.getOrCreateState(key)
	s.consecFailures++

	if rl.config.MaxConsecFailures > 0 && s.consecFailures >= rl.config.MaxConsecFailures {
		s.blockedUntil = rl.nowFn().Add(rl.config.BlockDuration)
		rl.logger.Warn("blocking host",
			zap.String("host", key), zap.Time("until", s.blockedUntil), zap.Int("consec_failures", s.consecFailures))
	}
}

// RateLimitStatus is the rate limit state of one host.
type RateLimitStatus struct {
	RecentAttempts    int        `json:"recent_attempts"`
	MaxAttemptsPerMin int        `json:"max_attempts_per_min"`
	ConsecFailures    int        `json:"consec_failures"`
	MaxConsecFailures int        `json:"max_consec_failures"`
	Blocked           bool       `json:"blocked"`
	BlockedUntil      *time.Time `json:"blocked_until,omitempty"`
}

func (rl *RateLimiter) Status(key string) RateLimitStatus {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	status := RateLimitStatus{
		MaxAttemptsPerMin: rl.config.MaxAttemptsPerMinute,
		MaxConsecFailures: rl.config.MaxConsecFailures,
	}
	s, ok := rl.state[key]
	if !ok {
		return status
	}

	now := rl.nowFn()
	cutoff := now.Add(-time.Minute)
	for _, t := range s.attempts {
		if t.After(cutoff) {
			status.RecentAttempts++
		}
	}
	status.ConsecFailures = s.consecFailures
	if now.Before(s.blockedUntil) {
		bu := s.blockedUntil
		status.Blocked = true
		status.BlockedUntil = &bu
	}
	return status
}

// Reset clears all state for key.
func (rl *RateLimiter) Reset(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.state, key)
}

// Must be called with rl.mu held.
func (rl *RateLimiter) getOrCreateState(key string) *hostRateState {
	s, ok := rl.state[key]
	if !ok {
		s = &hostRateState{}
		rl.state[key] = s
	}
	return s
}
