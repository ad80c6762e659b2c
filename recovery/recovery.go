// Package recovery maps subprocess failures to recovery strategies. The CLI
// reports errors as free-form stderr text, so classification is ordered
// substring matching: specific patterns are tried before generic ones, and
// anything unmatched lands in ErrUnknown with a fail strategy.
package recovery

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrorType is the closed failure taxonomy.
type ErrorType string

const (
	ErrSessionNotFound  ErrorType = "session_not_found"
	ErrInvalidArguments ErrorType = "invalid_arguments"
	ErrRateLimited      ErrorType = "rate_limited"
	ErrAPIError         ErrorType = "api_error"
	ErrNetworkError     ErrorType = "network_error"
	ErrTimeout          ErrorType = "timeout"
	ErrPermissionDenied ErrorType = "permission_denied"
	ErrOutOfMemory      ErrorType = "out_of_memory"
	ErrToolError        ErrorType = "tool_error"
	ErrParseError       ErrorType = "parse_error"
	ErrUnknown          ErrorType = "unknown"
)

// classifierRule pairs an error type with the stderr substrings that
// identify it. Rules are evaluated in order and the first match wins, so
// specific rules must come before generic ones: "no conversation found"
// must not fall through to the API error bucket.
type classifierRule struct {
	errType  ErrorType
	patterns []string
}

var classifierRules = []classifierRule{
	{ErrSessionNotFound, []string{
		"no conversation found",
		"session not found",
		"conversation not found",
	}},
	{ErrInvalidArguments, []string{
		"unknown option",
		"invalid argument",
		"unexpected argument",
		"usage: claude",
	}},
	{ErrRateLimited, []string{
		"rate limit",
		"rate_limit",
		"too many requests",
		"429",
		"overloaded",
	}},
	{ErrAPIError, []string{
		"api error",
		"internal server error",
		"500",
		"502",
		"503",
	}},
	{ErrNetworkError, []string{
		"connection refused",
		"connection reset",
		"no such host",
		"network is unreachable",
		"dial tcp",
		"tls handshake",
	}},
	{ErrTimeout, []string{
		"timed out",
		"timeout",
		"deadline exceeded",
	}},
	{ErrPermissionDenied, []string{
		"permission denied",
		"not authorized",
		"unauthorized",
		"forbidden",
	}},
	{ErrOutOfMemory, []string{
		"out of memory",
		"heap limit",
		"javascript heap",
		"cannot allocate memory",
	}},
	{ErrToolError, []string{
		"tool execution failed",
		"tool error",
	}},
	{ErrParseError, []string{
		"unexpected token",
		"invalid json",
		"parse error",
	}},
}

// Classify maps stderr text and an optional exit error to an ErrorType.
func Classify(stderr string, exitErr error) ErrorType {
	text := strings.ToLower(stderr)
	if exitErr != nil {
		text += "\n" + strings.ToLower(exitErr.Error())
	}
	if strings.TrimSpace(text) == "" {
		return ErrUnknown
	}

	for _, rule := range classifierRules {
		for _, p := range rule.patterns {
			if strings.Contains(text, p) {
				return rule.errType
			}
		}
	}
	return ErrUnknown
}

// Action names what a strategy does.
type Action string

const (
	ActionCreateNewSession   Action = "create_new_session"
	ActionRetryAfter         Action = "retry_after"
	ActionRetryWithBackoff   Action = "retry_with_backoff"
	ActionRetryOnce          Action = "retry_once"
	ActionClearCacheAndRetry Action = "clear_cache_and_retry"
	ActionFail               Action = "fail"
)

// Strategy describes how to recover from a classified failure.
type Strategy struct {
	Action Action

	// Delay applies to ActionRetryAfter.
	Delay time.Duration

	// Backoff parameters for ActionRetryWithBackoff.
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64

	// Reason explains a terminal failure to the user.
	Reason string
}

// Retries reports whether the strategy re-runs the failed operation.
func (s Strategy) Retries() bool {
	return s.Action != ActionFail
}

// defaultRateLimitDelay is used when stderr does not say when to retry.
const defaultRateLimitDelay = 60 * time.Second

// retryAfterPattern extracts an explicit retry delay like "retry after 30s"
// or "retry-after: 120".
var retryAfterPattern = regexp.MustCompile(`retry[- ]after:?\s*(\d+)`)

// Plan maps an error type to its recovery strategy. stderr is consulted for
// rate-limit responses that name their own retry delay.
func Plan(errType ErrorType, stderr string) Strategy {
	switch errType {
	case ErrSessionNotFound:
		return Strategy{Action: ActionCreateNewSession}
	case ErrRateLimited:
		delay := defaultRateLimitDelay
		if m := retryAfterPattern.FindStringSubmatch(strings.ToLower(stderr)); m != nil {
			if secs, err := strconv.Atoi(m[1]); err == nil && secs > 0 {
				delay = time.Duration(secs) * time.Second
			}
		}
		return Strategy{Action: ActionRetryAfter, Delay: delay}
	case ErrNetworkError, ErrTimeout:
		return Strategy{
			Action:       ActionRetryWithBackoff,
			MaxAttempts:  3,
			InitialDelay: time.Second,
			Multiplier:   2.0,
		}
	case ErrAPIError:
		return Strategy{Action: ActionRetryOnce}
	case ErrOutOfMemory:
		return Strategy{Action: ActionClearCacheAndRetry}
	case ErrInvalidArguments:
		return Strategy{Action: ActionFail, Reason: "the CLI rejected its arguments; this is a bug, not a transient failure"}
	case ErrPermissionDenied:
		return Strategy{Action: ActionFail, Reason: "authentication or authorization failed; re-run claude login"}
	case ErrToolError:
		return Strategy{Action: ActionFail, Reason: "a tool invocation failed"}
	case ErrParseError:
		return Strategy{Action: ActionFail, Reason: "the CLI produced output the stream parser could not read"}
	default:
		return Strategy{Action: ActionFail, Reason: "unrecognized failure"}
	}
}

// Op is the operation a strategy re-runs. Implementations re-enter the
// normal orchestration path rather than bypassing it; fresh spawns get fresh
// registration, extraction, and gating.
type Op func(ctx context.Context) error

// Hooks let the executor delegate strategy side effects to the orchestrator.
type Hooks struct {
	// CreateNewSession starts a replacement session after the old one's
	// conversation is gone. Required for ActionCreateNewSession.
	CreateNewSession Op
	// ClearCache drops cached session state before a retry. Optional; when
	// nil, ActionClearCacheAndRetry degrades to a plain retry.
	ClearCache func(ctx context.Context) error
}

// Executor runs recovery strategies.
type Executor struct {
	hooks Hooks
	sleep func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates an Executor with the given hooks.
func NewExecutor(hooks Hooks) *Executor {
	return &Executor{hooks: hooks, sleep: sleepCtx}
}

// sleepCtx waits for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Execute applies a strategy to op. It returns nil when recovery succeeded,
// the last operation error when retries were exhausted, and a terminal error
// for fail strategies.
func (e *Executor) Execute(ctx context.Context, s Strategy, op Op) error {
	switch s.Action {
	case ActionCreateNewSession:
		if e.hooks.CreateNewSession == nil {
			return fmt.Errorf("recovery: create_new_session strategy with no hook")
		}
		return e.hooks.CreateNewSession(ctx)

	case ActionRetryAfter:
		if err := e.sleep(ctx, s.Delay); err != nil {
			return err
		}
		return op(ctx)

	case ActionRetryOnce:
		return op(ctx)

	case ActionClearCacheAndRetry:
		if e.hooks.ClearCache != nil {
			if err := e.hooks.ClearCache(ctx); err != nil {
				return fmt.Errorf("recovery: clear cache: %w", err)
			}
		}
		return op(ctx)

	case ActionRetryWithBackoff:
		delay := s.InitialDelay
		var lastErr error
		for attempt := 1; attempt <= s.MaxAttempts; attempt++ {
			lastErr = op(ctx)
			if lastErr == nil {
				return nil
			}
			if attempt == s.MaxAttempts {
				break
			}
			if err := e.sleep(ctx, delay); err != nil {
				return err
			}
			delay = time.Duration(float64(delay) * s.Multiplier)
		}
		return fmt.Errorf("recovery: %d attempts failed: %w", s.MaxAttempts, lastErr)

	case ActionFail:
		return fmt.Errorf("recovery: %s", s.Reason)

	default:
		return fmt.Errorf("recovery: unknown action %q", s.Action)
	}
}
