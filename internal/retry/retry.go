// Package retry classifies instance failures and drives bounded exponential
// backoff per backend kind.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/framesync-dev/framesync/internal/adapter"
	"github.com/framesync-dev/framesync/internal/telemetry"
)

// Policy tunes retry behaviour for one backend kind
type Policy struct {
	// MaxAttempts is the total retry budget per instance
	MaxAttempts int

	// BaseDelay is the initial backoff delay
	BaseDelay time.Duration

	// MaxDelay caps the backoff delay
	MaxDelay time.Duration

	// Multiplier grows the delay between attempts
	Multiplier float64

	// Retryable is the set of error categories worth retrying
	Retryable []Category
}

// retryable reports whether the category is in this policy's retryable set
func (p Policy) retryable(cat Category) bool {
	return slices.Contains(p.Retryable, cat)
}

// DefaultPolicy is used for kinds without an explicit policy
var DefaultPolicy = Policy{
	MaxAttempts: 3,
	BaseDelay:   500 * time.Millisecond,
	MaxDelay:    5 * time.Second,
	Multiplier:  2,
	Retryable: []Category{
		CategoryNetwork, CategoryTimeout, CategoryLoading, CategoryInitialization,
	},
}

// DefaultPolicies returns the compiled-in per-kind retry policies
func DefaultPolicies() map[adapter.Kind]Policy {
	return map[adapter.Kind]Policy{
		adapter.KindSVG: DefaultPolicy,
		adapter.KindCanvas: {
			MaxAttempts: 4,
			BaseDelay:   250 * time.Millisecond,
			MaxDelay:    4 * time.Second,
			Multiplier:  2,
			Retryable: []Category{
				CategoryNetwork, CategoryTimeout, CategorySurface,
				CategoryLoading, CategoryInitialization,
			},
		},
		adapter.KindWebGL: {
			MaxAttempts: 4,
			BaseDelay:   time.Second,
			MaxDelay:    10 * time.Second,
			Multiplier:  2,
			Retryable: []Category{
				CategoryNetwork, CategoryTimeout, CategorySurface,
				CategoryBackend, CategoryInitialization,
			},
		},
	}
}

// Attempt records one retry attempt
type Attempt struct {
	At       time.Time
	Category Category
	Err      string
	Delay    time.Duration
}

// State is a snapshot of the retry bookkeeping for one instance
type State struct {
	PlayerID     string
	Attempts     []Attempt
	TotalRetries int
	IsRetrying   bool
	LastAttempt  time.Time
}

type instanceState struct {
	attempts    []Attempt
	total       int
	isRetrying  bool
	lastAttempt time.Time
}

// ExhaustedError is the terminal error raised when an instance's retry
// budget runs out. It summarizes the distinct categories seen.
type ExhaustedError struct {
	PlayerID   string
	Kind       adapter.Kind
	Attempts   int
	Categories []Category
	LastErr    error
}

// Error implements the error interface
func (e *ExhaustedError) Error() string {
	cats := make([]string, len(e.Categories))
	for i, c := range e.Categories {
		cats[i] = string(c)
	}
	return fmt.Sprintf("instance %s (%s): retries exhausted after %d attempts, error categories seen: %s: %v",
		e.PlayerID, e.Kind, e.Attempts, strings.Join(cats, ", "), e.LastErr)
}

// Unwrap exposes the last underlying error
func (e *ExhaustedError) Unwrap() error { return e.LastErr }

// Service drives categorized retries with per-kind bounded backoff. State is
// kept per instance identity and cleared on success or explicit disposal,
// never implicitly.
type Service struct {
	mu       sync.Mutex
	states   map[string]*instanceState
	policies map[adapter.Kind]Policy
	clock    func() time.Time
	metrics  *telemetry.RetryMetrics
}

// Option is a function that configures the service
type Option func(*Service)

// WithPolicy overrides the policy for one backend kind
func WithPolicy(kind adapter.Kind, policy Policy) Option {
	return func(s *Service) {
		s.policies[kind] = policy
	}
}

// WithClock injects a time source for tests
func WithClock(clock func() time.Time) Option {
	return func(s *Service) {
		s.clock = clock
	}
}

// WithMetrics sets the retry metrics
func WithMetrics(metrics *telemetry.RetryMetrics) Option {
	return func(s *Service) {
		s.metrics = metrics
	}
}

// New creates a retry service with the compiled-in default policies
func New(opts ...Option) *Service {
	s := &Service{
		states:   make(map[string]*instanceState),
		policies: DefaultPolicies(),
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Policy returns the effective policy for a backend kind
func (s *Service) Policy(kind adapter.Kind) Policy {
	if p, ok := s.policies[kind]; ok {
		return p
	}
	return DefaultPolicy
}

// Delay returns the backoff delay before the given attempt index, satisfying
// delay(n) = min(base * multiplier^n, cap).
func (s *Service) Delay(kind adapter.Kind, attempt int) time.Duration {
	p := s.Policy(kind)
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.BaseDelay
	eb.MaxInterval = p.MaxDelay
	eb.Multiplier = p.Multiplier
	eb.RandomizationFactor = 0
	eb.Reset()

	d := eb.NextBackOff()
	for i := 0; i < attempt; i++ {
		d = eb.NextBackOff()
	}
	return d
}

// ShouldRetry reports whether another attempt is worth making for this
// instance. It is false once the retry budget is spent, when the error
// category is not retryable for the kind, or when the backoff delay since
// the last attempt has not yet elapsed.
func (s *Service) ShouldRetry(playerID string, err error, kind adapter.Kind) bool {
	if err == nil {
		return false
	}
	p := s.Policy(kind)

	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.states[playerID]
	total := 0
	if st != nil {
		total = st.total
	}
	if total >= p.MaxAttempts {
		return false
	}
	if !p.retryable(Categorize(err.Error())) {
		return false
	}
	if st != nil && !st.lastAttempt.IsZero() {
		if s.clock().Sub(st.lastAttempt) < s.Delay(kind, total) {
			return false
		}
	}
	return true
}

// ExecuteRetry drives the operation until it succeeds, the retry budget is
// exhausted, or a failure lands outside the kind's retryable categories,
// waiting the backoff delay before each attempt. Every attempt is recorded
// regardless of outcome. On a terminal failure it returns an *ExhaustedError
// summarizing the distinct categories seen.
func (s *Service) ExecuteRetry(
	ctx context.Context,
	playerID string,
	kind adapter.Kind,
	operation func(context.Context) error,
	cause error,
) error {
	p := s.Policy(kind)
	lastErr := cause

	s.mu.Lock()
	st := s.states[playerID]
	if st == nil {
		st = &instanceState{}
		s.states[playerID] = st
	}
	st.isRetrying = true
	s.mu.Unlock()

	for {
		s.mu.Lock()
		attemptIdx := st.total
		s.mu.Unlock()
		if attemptIdx >= p.MaxAttempts {
			break
		}
		if lastErr != nil && !p.retryable(Categorize(lastErr.Error())) {
			break
		}

		delay := s.Delay(kind, attemptIdx)
		category := CategoryUnknown
		if lastErr != nil {
			category = Categorize(lastErr.Error())
		}

		slog.Debug("Retrying instance initialization",
			"player", playerID,
			"kind", kind,
			"attempt", attemptIdx+1,
			"max_attempts", p.MaxAttempts,
			"delay", delay,
			"category", category)

		if err := sleep(ctx, delay); err != nil {
			// The instance was removed or the engine is shutting down;
			// leave the retry state for explicit disposal.
			s.mu.Lock()
			st.isRetrying = false
			s.mu.Unlock()
			return err
		}

		now := s.clock()
		s.mu.Lock()
		st.attempts = append(st.attempts, Attempt{
			At:       now,
			Category: category,
			Err:      errString(lastErr),
			Delay:    delay,
		})
		st.total++
		st.lastAttempt = now
		s.mu.Unlock()
		s.metrics.RecordAttempt(ctx, string(kind), string(category))

		err := operation(ctx)
		if err == nil {
			s.Clear(playerID)
			return nil
		}
		lastErr = err
	}

	s.mu.Lock()
	st.isRetrying = false
	attempts := st.total
	categories := distinctCategories(st.attempts, lastErr)
	s.mu.Unlock()

	return &ExhaustedError{
		PlayerID:   playerID,
		Kind:       kind,
		Attempts:   attempts,
		Categories: categories,
		LastErr:    lastErr,
	}
}

// GetState returns a snapshot of the retry bookkeeping for an instance
func (s *Service) GetState(playerID string) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[playerID]
	if !ok {
		return State{}, false
	}
	out := State{
		PlayerID:     playerID,
		Attempts:     slices.Clone(st.attempts),
		TotalRetries: st.total,
		IsRetrying:   st.isRetrying,
		LastAttempt:  st.lastAttempt,
	}
	return out, true
}

// Clear drops the retry state for an instance, typically on success
func (s *Service) Clear(playerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, playerID)
}

// Dispose drops the retry state when an instance is removed
func (s *Service) Dispose(playerID string) {
	s.Clear(playerID)
}

func distinctCategories(attempts []Attempt, lastErr error) []Category {
	seen := make(map[Category]struct{})
	var out []Category
	add := func(c Category) {
		if _, ok := seen[c]; !ok {
			seen[c] = struct{}{}
			out = append(out, c)
		}
	}
	for _, a := range attempts {
		add(a.Category)
	}
	if lastErr != nil {
		add(Categorize(lastErr.Error()))
	}
	return out
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// sleep waits for the delay or until the context is cancelled
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
