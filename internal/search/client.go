// Package search executes queries against the upstream faceted multi-query
// search API, classifying each attempt and backing off on rate limits and
// transport failures.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/realtime-cpi-catalog/internal/catalog"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/metrics"
)

const (
	// DefaultBaseURL is expanded with the application id.
	DefaultBaseURL = "https://{app_id}-dsn.algolia.net"
	queriesPath    = "/1/indexes/*/queries"
	maxErrorBody   = 512

	headerAPIKey = "X-Algolia-API-Key"
	headerAppID  = "X-Algolia-Application-Id"
)

// Config controls the upstream client.
type Config struct {
	BaseURL         string
	IndexName       string
	StoreAttribute  string
	Timeout         time.Duration
	MaxConnsPerHost int
	MaxQPS          float64
	MaxRetries      int
	BackoffInitial  time.Duration
	BackoffMax      time.Duration
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the pooled HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithSleeper replaces the backoff wait, mainly for tests.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = sleep }
}

// Client implements catalog.Searcher. It is safe for concurrent use; all
// callers share one bounded pool of keep-alive connections.
type Client struct {
	cfg        Config
	httpClient *http.Client
	retry      *RetryPolicy
	limiter    *rate.Limiter
	sleep      func(ctx context.Context, d time.Duration) error
	logger     *zap.Logger
}

// New builds a Client.
func New(cfg Config, logger *zap.Logger, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.IndexName) == "" {
		return nil, errors.New("search index name is required")
	}
	if strings.TrimSpace(cfg.StoreAttribute) == "" {
		return nil, errors.New("search store attribute is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxConnsPerHost <= 0 {
		cfg.MaxConnsPerHost = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: newHTTPTransport(cfg.MaxConnsPerHost),
		},
		retry:  NewRetryPolicy(cfg.MaxRetries, cfg.BackoffInitial, cfg.BackoffMax),
		sleep:  sleepContext,
		logger: logger,
	}
	if cfg.MaxQPS > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.MaxQPS), 1)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// newHTTPTransport caps live sockets per host so the worker count can far
// exceed the connection count; excess workers wait for a free connection.
func newHTTPTransport(maxConns int) *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          maxConns,
		MaxIdleConnsPerHost:   maxConns,
		MaxConnsPerHost:       maxConns,
		IdleConnTimeout:       90 * time.Second,
	}
}

type multiQueryRequest struct {
	Requests []indexQuery `json:"requests"`
}

type indexQuery struct {
	IndexName   string   `json:"indexName"`
	Query       string   `json:"query"`
	Filters     string   `json:"filters"`
	HitsPerPage int      `json:"hitsPerPage"`
	Facets      []string `json:"facets,omitempty"`
}

type multiQueryResponse struct {
	Results []struct {
		Hits   []catalog.Hit             `json:"hits"`
		NbHits int                       `json:"nbHits"`
		Facets map[string]map[string]int `json:"facets"`
	} `json:"results"`
}

// Search runs q for the store, retrying 429s and transport failures with
// doubling backoff. 401/403 return an error matching catalog.ErrUnauthorized;
// an exhausted budget returns one matching catalog.ErrRetriesExhausted.
func (c *Client) Search(ctx context.Context, creds catalog.Credentials, q catalog.Query) (catalog.SearchResult, error) {
	body, err := json.Marshal(multiQueryRequest{Requests: []indexQuery{{
		IndexName:   c.cfg.IndexName,
		Filters:     catalog.And(catalog.Eq(c.cfg.StoreAttribute, q.Store), q.Filter),
		HitsPerPage: q.HitsPerPage,
		Facets:      q.Facets,
	}}})
	if err != nil {
		return catalog.SearchResult{}, fmt.Errorf("marshal query: %w", err)
	}
	kind := "fetch"
	if q.HitsPerPage == 0 {
		kind = "probe"
	}

	for retries := 0; ; retries++ {
		if err := c.waitLimiter(ctx); err != nil {
			return catalog.SearchResult{}, err
		}
		start := time.Now()
		result, status, attemptErr := c.do(ctx, creds, body)
		outcome := Classify(status, attemptErr)
		metrics.ObserveUpstream(kind, outcome.String(), time.Since(start))

		switch outcome {
		case OutcomeSuccess:
			return result, nil
		case OutcomeUnauthorized, OutcomeFailure:
			return catalog.SearchResult{}, fmt.Errorf("search store %s: %w", q.Store, attemptErr)
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return catalog.SearchResult{}, fmt.Errorf("search store %s: %w", q.Store, ctxErr)
		}
		if !c.retry.ShouldRetry(outcome, retries) {
			return catalog.SearchResult{}, fmt.Errorf("search store %s: %w after %d retries: %w",
				q.Store, catalog.ErrRetriesExhausted, retries, attemptErr)
		}
		delay := c.retry.Backoff(retries)
		metrics.ObserveRetry(outcome.String(), delay)
		c.logger.Debug("retrying upstream search",
			zap.String("store", q.Store),
			zap.String("kind", kind),
			zap.String("outcome", outcome.String()),
			zap.Int("retry", retries+1),
			zap.Duration("backoff", delay),
		)
		if err := c.sleep(ctx, delay); err != nil {
			return catalog.SearchResult{}, fmt.Errorf("search backoff: %w", err)
		}
	}
}

func (c *Client) waitLimiter(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	start := time.Now()
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(waited)
	}
	return nil
}

func (c *Client) do(ctx context.Context, creds catalog.Credentials, body []byte) (catalog.SearchResult, int, error) {
	endpoint := strings.ReplaceAll(c.cfg.BaseURL, "{app_id}", strings.ToLower(creds.AppID)) + queriesPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return catalog.SearchResult{}, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerAPIKey, creds.APIKey)
	req.Header.Set(headerAppID, creds.AppID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return catalog.SearchResult{}, 0, fmt.Errorf("%w: %w", catalog.ErrTransport, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return catalog.SearchResult{}, resp.StatusCode, &StatusError{
			Status: resp.StatusCode,
			Body:   strings.TrimSpace(string(snippet)),
		}
	}

	var decoded multiQueryResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return catalog.SearchResult{}, resp.StatusCode, fmt.Errorf("decode response: %w", err)
	}
	if len(decoded.Results) == 0 {
		return catalog.SearchResult{}, resp.StatusCode, errors.New("response carried no results")
	}
	first := decoded.Results[0]
	return catalog.SearchResult{Hits: first.Hits, NbHits: first.NbHits, Facets: first.Facets}, resp.StatusCode, nil
}
