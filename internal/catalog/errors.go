package catalog

import "errors"

var (
	// ErrUnauthorized marks a 401/403 from upstream. It aborts the whole run.
	ErrUnauthorized = errors.New("upstream rejected credentials")
	// ErrRateLimited marks an HTTP 429.
	ErrRateLimited = errors.New("upstream rate limited")
	// ErrTransport marks a request that never produced an HTTP status.
	ErrTransport = errors.New("upstream transport failure")
	// ErrRetriesExhausted wraps the last transient failure once the retry
	// budget is spent.
	ErrRetriesExhausted = errors.New("retries exhausted")
)
