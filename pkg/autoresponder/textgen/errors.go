package textgen

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// Kind classifies a failed generation call.
type Kind int

const (
	KindFatal       Kind = iota // anything not classified below
	KindUnreachable             // DNS, connection refused, network down
	KindTimeout                 // deadline exceeded or client timeout
	KindAuth                    // 401, 403
	KindRateLimit               // 429
	KindBilling                 // 402 or quota exhausted
	KindServer                  // 5xx
	KindBadRequest              // 400, 404, 422
	KindMalformed               // undecodable or empty payload
)

// String returns a short label for the kind.
func (k Kind) String() string {
	switch k {
	case KindUnreachable:
		return "unreachable"
	case KindTimeout:
		return "timeout"
	case KindAuth:
		return "auth"
	case KindRateLimit:
		return "rate_limit"
	case KindBilling:
		return "billing"
	case KindServer:
		return "server"
	case KindBadRequest:
		return "bad_request"
	case KindMalformed:
		return "malformed"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Recoverable reports whether a later call may succeed without operator
// action.
func (k Kind) Recoverable() bool {
	return k == KindUnreachable || k == KindTimeout || k == KindRateLimit || k == KindServer
}

// Error is a classified generation failure.
type Error struct {
	Kind       Kind
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("textgen: %s (HTTP %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("textgen: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Describe returns a short human-readable description for activity records
// and notices.
func (e *Error) Describe() string {
	switch e.Kind {
	case KindAuth:
		return fmt.Sprintf("invalid API key (HTTP %d)", e.StatusCode)
	case KindUnreachable:
		return "network unreachable"
	case KindTimeout:
		return "request timed out"
	case KindRateLimit:
		return "rate limited by provider"
	case KindBilling:
		return "provider quota exhausted"
	case KindServer:
		return fmt.Sprintf("provider error (HTTP %d)", e.StatusCode)
	case KindBadRequest:
		return "request rejected: " + truncate(e.Message, 120)
	case KindMalformed:
		return "malformed response"
	default:
		return truncate(e.Message, 160)
	}
}

// Describe returns a human-readable description of any error.
func Describe(err error) string {
	var te *Error
	if errors.As(err, &te) {
		return te.Describe()
	}
	if err == nil {
		return ""
	}
	return truncate(err.Error(), 160)
}

// KindOf returns the kind of err, KindFatal when it is not classified.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindFatal
}

// classify converts a client error into an *Error.
func classify(err error) *Error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &Error{
			Kind:       classifyStatus(apiErr.HTTPStatusCode, apiErr.Message),
			StatusCode: apiErr.HTTPStatusCode,
			Message:    apiErr.Message,
			Err:        err,
		}
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		msg := ""
		if reqErr.Err != nil {
			msg = reqErr.Err.Error()
		}
		return &Error{
			Kind:       classifyStatus(reqErr.HTTPStatusCode, msg),
			StatusCode: reqErr.HTTPStatusCode,
			Message:    msg,
			Err:        err,
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Message: err.Error(), Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return &Error{Kind: KindTimeout, Message: err.Error(), Err: err}
		}
		return &Error{Kind: KindUnreachable, Message: err.Error(), Err: err}
	}
	var opErr *net.OpError
	var dnsErr *net.DNSError
	if errors.As(err, &opErr) || errors.As(err, &dnsErr) {
		return &Error{Kind: KindUnreachable, Message: err.Error(), Err: err}
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return &Error{Kind: KindMalformed, Message: err.Error(), Err: err}
	}

	return &Error{Kind: KindFatal, Message: err.Error(), Err: err}
}

// classifyStatus maps an HTTP status and message to a kind.
func classifyStatus(status int, body string) Kind {
	lower := strings.ToLower(body)

	if status == 402 ||
		strings.Contains(lower, "insufficient_quota") ||
		strings.Contains(lower, "billing") ||
		strings.Contains(lower, "exceeded your current quota") {
		return KindBilling
	}
	if status == 429 || strings.Contains(lower, "rate limit") {
		return KindRateLimit
	}

	switch {
	case status == 401 || status == 403:
		return KindAuth
	case status == 400 || status == 404 || status == 422:
		return KindBadRequest
	case status == 408 || status == 504:
		return KindTimeout
	case status >= 500:
		return KindServer
	case status >= 200 && status < 300:
		return KindMalformed
	default:
		return KindFatal
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
