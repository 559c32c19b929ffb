package fetch

import (
	"fmt"
	"time"
)

// Kind classifies the result of a fetch attempt. The set is closed: the
// fallback chain switches exhaustively over it and every network, HTTP,
// and size failure must map onto exactly one variant.
type Kind int

const (
	// KindSuccess carries decoded content
	KindSuccess Kind = iota
	// KindNotFound is HTTP 404: the path does not exist at this ref
	KindNotFound
	// KindAuthFailure is HTTP 401/403: credential missing, expired, or revoked
	KindAuthFailure
	// KindRateLimited is HTTP 429 or a spent local token bucket; carries RetryAfter
	KindRateLimited
	// KindTimeout is an attempt that exceeded its deadline
	KindTimeout
	// KindNetworkError is a connection, DNS, or transport failure
	KindNetworkError
	// KindTooLarge is a response body over the wire cap, detected before full buffering
	KindTooLarge
)

// String returns the snake_case name used in logs and metrics
func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindNotFound:
		return "not_found"
	case KindAuthFailure:
		return "auth_failure"
	case KindRateLimited:
		return "rate_limited"
	case KindTimeout:
		return "timeout"
	case KindNetworkError:
		return "network_error"
	case KindTooLarge:
		return "too_large"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Outcome is the total result of a fetch. Exactly one of the payload
// fields is meaningful depending on Kind; fetch never returns a Go error
// to its callers.
type Outcome struct {
	Kind Kind

	// Content is the decoded file body, set on KindSuccess
	Content string

	// RetryAfter is the server-provided (or locally computed) wait,
	// set on KindRateLimited
	RetryAfter time.Duration

	// Status is the HTTP status code when one was received
	Status int

	// Err preserves the underlying error for logs on KindTimeout
	// and KindNetworkError
	Err error
}

// Transient reports whether the outcome may succeed if simply retried.
// Only timeouts and network errors qualify; rate limiting has its own
// schedule and the rest are deterministic.
func (o Outcome) Transient() bool {
	return o.Kind == KindTimeout || o.Kind == KindNetworkError
}

func success(content string) Outcome {
	return Outcome{Kind: KindSuccess, Content: content}
}

func rateLimited(retryAfter time.Duration, status int) Outcome {
	return Outcome{Kind: KindRateLimited, RetryAfter: retryAfter, Status: status}
}

func timeout(err error) Outcome {
	return Outcome{Kind: KindTimeout, Err: err}
}

func networkError(err error) Outcome {
	return Outcome{Kind: KindNetworkError, Err: err}
}
