package keypool

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrCredentialsExhausted means no credential in the pool is currently healthy.
var ErrCredentialsExhausted = errors.New("keypool: no healthy credentials available")

// Kind decides whether a failed call may be retried on another credential.
type Kind int

const (
	KindNonRotatable Kind = iota
	KindRotatable
)

func (k Kind) String() string {
	if k == KindRotatable {
		return "rotatable"
	}
	return "non-rotatable"
}

// Reason selects the cooldown applied to a failed credential.
type Reason int

const (
	ReasonOther Reason = iota
	ReasonRateLimited
	ReasonQuotaExhausted
	ReasonInvalidCredential
)

func (r Reason) String() string {
	switch r {
	case ReasonRateLimited:
		return "rate_limited"
	case ReasonQuotaExhausted:
		return "quota_exhausted"
	case ReasonInvalidCredential:
		return "invalid_credential"
	default:
		return "other"
	}
}

// APIError is the structured failure remote adapters return so callers never
// have to re-parse error text.
type APIError struct {
	Kind       Kind
	Reason     Reason
	StatusCode int
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("api error %d (%s): %v", e.StatusCode, e.Reason, e.Err)
	}
	return fmt.Sprintf("api error (%s): %v", e.Reason, e.Err)
}

func (e *APIError) Unwrap() error { return e.Err }

// FromStatus maps an HTTP status of a remote model call onto the taxonomy.
// 429 and quota/credential failures rotate; everything else propagates.
func FromStatus(status int, err error) *APIError {
	if err == nil {
		err = errors.New(http.StatusText(status))
	}
	e := &APIError{Kind: KindRotatable, StatusCode: status, Err: err}
	switch status {
	case http.StatusTooManyRequests:
		e.Reason = ReasonRateLimited
		if containsAny(normalize(err.Error()), "quota") {
			e.Reason = ReasonQuotaExhausted
		}
	case http.StatusPaymentRequired:
		e.Reason = ReasonQuotaExhausted
	case http.StatusUnauthorized, http.StatusForbidden:
		e.Reason = ReasonInvalidCredential
	default:
		e.Kind = KindNonRotatable
		e.Reason = ReasonOther
		if Classify(err) == KindRotatable {
			e.Kind = KindRotatable
			e.Reason = reasonFromMessage(err.Error())
		}
	}
	return e
}

// NonRotatable marks err as a failure that must never consume another credential.
func NonRotatable(err error) *APIError {
	return &APIError{Kind: KindNonRotatable, Reason: ReasonOther, Err: err}
}

var rotatableMarkers = []string{
	"429",
	"resource exhausted",
	"rate limit",
	"quota",
	"too many requests",
}

// Classify reports whether err should trigger credential rotation. Typed
// APIErrors decide for themselves; anything else is matched on its message.
func Classify(err error) Kind {
	if err == nil {
		return KindNonRotatable
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindNonRotatable
	}
	if containsAny(normalize(err.Error()), rotatableMarkers...) {
		return KindRotatable
	}
	return KindNonRotatable
}

func reasonOf(err error) Reason {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Reason != ReasonOther {
		return apiErr.Reason
	}
	if err == nil {
		return ReasonRateLimited
	}
	return reasonFromMessage(err.Error())
}

func reasonFromMessage(msg string) Reason {
	m := normalize(msg)
	switch {
	case strings.Contains(m, "quota"):
		return ReasonQuotaExhausted
	case strings.Contains(m, "401"), strings.Contains(m, "invalid"):
		return ReasonInvalidCredential
	default:
		return ReasonRateLimited
	}
}

// normalize lowercases and turns RESOURCE_EXHAUSTED style codes into words.
func normalize(s string) string {
	return strings.ReplaceAll(strings.ToLower(s), "_", " ")
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
