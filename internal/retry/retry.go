// Package retry classifies playback failures and selects recovery strategies.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 2 * time.Second
	DefaultMultiplier  = 2.0
	// MaxBackoffDelay bounds the exponential curve so a misconfigured
	// multiplier cannot produce multi-minute waits.
	MaxBackoffDelay = 60 * time.Second
)

// Kind partitions playback failures into the classes the strategy table
// understands.
type Kind int

const (
	KindUnknown Kind = iota
	KindLoad
	KindPlay
	KindNetwork
	KindAuth
	KindRateLimit
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindLoad:
		return "LOAD"
	case KindPlay:
		return "PLAY"
	case KindNetwork:
		return "NETWORK"
	case KindAuth:
		return "AUTH"
	case KindRateLimit:
		return "RATE_LIMIT"
	case KindTimeout:
		return "TIMEOUT"
	default:
		return "UNKNOWN"
	}
}

// Error is a classified playback failure. RetryAfter is only set for
// rate-limit responses that carried a Retry-After header.
type Error struct {
	Kind       Kind
	RetryAfter time.Duration
	cause      error
}

func (e *Error) Error() string {
	if e.cause == nil {
		return fmt.Sprintf("%s error", e.Kind)
	}
	return fmt.Sprintf("%s error: %v", e.Kind, e.cause)
}

func (e *Error) Unwrap() error { return e.cause }

// Wrap tags err with a failure kind. A nil err yields a bare classified
// error so callers can always surface something.
func Wrap(kind Kind, err error) *Error {
	return &Error{Kind: kind, cause: err}
}

// WrapRateLimit tags a 429 failure with the server-provided retry hint.
func WrapRateLimit(err error, retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimit, cause: err, RetryAfter: retryAfter}
}

// Classify maps an arbitrary error onto the failure taxonomy. Errors
// produced by this package keep their embedded kind; everything else is
// inspected structurally.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}

	return KindUnknown
}

// Action is the recovery strategy selected for a failure.
type Action int

const (
	// ActionRefreshAndReload refreshes the signed URL and reloads the
	// engine source.
	ActionRefreshAndReload Action = iota
	// ActionDelayedRetry retries the same operation after a backoff delay.
	ActionDelayedRetry
	// ActionAwaitNetwork defers the retry until the stability monitor
	// reports network recovery, instead of blind polling.
	ActionAwaitNetwork
	// ActionFail is terminal: reset state and surface to the caller.
	ActionFail
)

func (a Action) String() string {
	switch a {
	case ActionRefreshAndReload:
		return "refresh-and-reload"
	case ActionDelayedRetry:
		return "delayed-retry"
	case ActionAwaitNetwork:
		return "await-network"
	case ActionFail:
		return "fail"
	default:
		return "unknown"
	}
}

// Decision pairs a strategy with the delay to apply before acting on it.
type Decision struct {
	Action Action
	Delay  time.Duration
}

// State is the per-session retry bookkeeping. It resets on successful
// play and on new session creation.
type State struct {
	AttemptCount   int
	LastErrorKind  Kind
	LastErrorAt    time.Time
	CurrentBackoff time.Duration
}

// Engine selects recovery strategies and tracks retry state for the
// current playback session.
type Engine struct {
	baseDelay   time.Duration
	multiplier  float64
	maxAttempts int

	mu    sync.Mutex
	state State
}

func NewEngine(baseDelay time.Duration, multiplier float64, maxAttempts int) *Engine {
	if baseDelay <= 0 {
		baseDelay = DefaultBaseDelay
	}
	if multiplier <= 1 {
		multiplier = DefaultMultiplier
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Engine{
		baseDelay:   baseDelay,
		multiplier:  multiplier,
		maxAttempts: maxAttempts,
	}
}

// Backoff returns the delay for the given zero-based attempt number.
func (e *Engine) Backoff(attempt int) time.Duration {
	d := time.Duration(float64(e.baseDelay) * math.Pow(e.multiplier, float64(attempt)))
	if d > MaxBackoffDelay {
		return MaxBackoffDelay
	}
	return d
}

// Next records err and returns the recovery decision for it.
// networkStable is the stability monitor's current verdict; an unstable
// network turns blind retries into recovery-signal waits.
func (e *Engine) Next(err error, networkStable bool) Decision {
	kind := Classify(err)

	e.mu.Lock()
	defer e.mu.Unlock()

	attempt := e.state.AttemptCount
	e.state.AttemptCount++
	e.state.LastErrorKind = kind
	e.state.LastErrorAt = time.Now()

	decision := e.decide(err, kind, attempt, networkStable)
	e.state.CurrentBackoff = decision.Delay

	log.Debug().
		Str("kind", kind.String()).
		Str("action", decision.Action.String()).
		Int("attempt", attempt).
		Dur("delay", decision.Delay).
		Msg("Retry decision")

	if decision.Action == ActionFail {
		e.state = State{}
	}
	return decision
}

func (e *Engine) decide(err error, kind Kind, attempt int, networkStable bool) Decision {
	if kind == KindAuth {
		return Decision{Action: ActionFail}
	}
	if attempt >= e.maxAttempts {
		return Decision{Action: ActionFail}
	}

	switch kind {
	case KindLoad, KindTimeout:
		return Decision{Action: ActionRefreshAndReload}
	case KindNetwork:
		if !networkStable {
			return Decision{Action: ActionAwaitNetwork}
		}
		return Decision{Action: ActionRefreshAndReload}
	case KindRateLimit:
		delay := e.Backoff(attempt)
		var classified *Error
		if errors.As(err, &classified) && classified.RetryAfter > 0 {
			delay = classified.RetryAfter
		}
		return Decision{Action: ActionDelayedRetry, Delay: delay}
	case KindPlay:
		return Decision{Action: ActionDelayedRetry, Delay: e.Backoff(attempt)}
	default:
		return Decision{Action: ActionDelayedRetry, Delay: e.Backoff(attempt)}
	}
}

// Reset clears retry state. Called on successful play and on new
// session creation.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = State{}
}

// Snapshot returns a copy of the current retry state.
func (e *Engine) Snapshot() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}
