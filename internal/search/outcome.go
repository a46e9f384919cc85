package search

import (
	"fmt"
	"net/http"

	"github.com/JakeFAU/realtime-cpi-catalog/internal/catalog"
)

// Outcome classifies a single upstream attempt.
type Outcome int

// Attempt outcomes.
const (
	OutcomeSuccess Outcome = iota
	OutcomeRateLimited
	OutcomeTransient
	OutcomeUnauthorized
	OutcomeFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeTransient:
		return "transient"
	case OutcomeUnauthorized:
		return "unauthorized"
	default:
		return "failure"
	}
}

// Retryable reports whether the attempt may be repeated after a backoff.
func (o Outcome) Retryable() bool {
	return o == OutcomeRateLimited || o == OutcomeTransient
}

// Classify maps an HTTP status (0 when no response arrived) and the attempt
// error onto an Outcome.
func Classify(status int, err error) Outcome {
	switch {
	case status == 0:
		if err != nil {
			return OutcomeTransient
		}
		return OutcomeFailure
	case status == http.StatusTooManyRequests:
		return OutcomeRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return OutcomeUnauthorized
	case status >= 200 && status < 300 && err == nil:
		return OutcomeSuccess
	default:
		return OutcomeFailure
	}
}

// StatusError is a non-success upstream response.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream status %d", e.Status)
	}
	return fmt.Sprintf("upstream status %d: %s", e.Status, e.Body)
}

// Unwrap exposes the matching catalog sentinel so callers can use errors.Is.
func (e *StatusError) Unwrap() error {
	switch Classify(e.Status, nil) {
	case OutcomeUnauthorized:
		return catalog.ErrUnauthorized
	case OutcomeRateLimited:
		return catalog.ErrRateLimited
	default:
		return nil
	}
}
