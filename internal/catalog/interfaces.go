package catalog

import "context"

// Credentials authenticate against the upstream search API.
type Credentials struct {
	APIKey string
	AppID  string
}

// CredentialProvider yields upstream credentials. How they are obtained is
// up to the implementation.
type CredentialProvider interface {
	Credentials(ctx context.Context) (Credentials, error)
}

// Query is one logical upstream search. HitsPerPage 0 makes it a probe.
type Query struct {
	Store       string
	Filter      string
	HitsPerPage int
	Facets      []string
}

// SearchResult is the upstream answer to a Query.
type SearchResult struct {
	Hits   []Hit
	NbHits int
	Facets map[string]map[string]int
}

// Searcher executes a single Query, retrying transient failures itself.
type Searcher interface {
	Search(ctx context.Context, creds Credentials, q Query) (SearchResult, error)
}

// Writer opens per-store catalog writers.
type Writer interface {
	Begin(ctx context.Context, store string) (StoreWriter, error)
}

// StoreWriter persists one store's refresh. Nothing written becomes visible
// to readers until Commit succeeds; Abort discards it.
type StoreWriter interface {
	Upsert(ctx context.Context, items []Hit) error
	Commit(ctx context.Context, done CatalogBatch) error
	Abort(ctx context.Context) error
}

// Publisher pushes refresh notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// IDGenerator issues run identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
