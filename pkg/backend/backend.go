// Package backend defines the storage contract a document-file or
// table backend satisfies for the façade in pkg/kv to drive, each
// storing already-codec-encoded text values keyed by string.
//
// The shape is grounded on lib/db/db.go's KVDB interface — the same
// split between write/query/persistence/feature-support operations — but
// generalized from []byte values with a caller-managed writeIndex to
// already-encoded text values, since the façade (not the backend) owns
// ordering and the value codec (not the backend) owns type fidelity.
package backend

import "context"

// Feature mirrors lib/db/db.go's Feature bitflag type, naming the
// optional capabilities a backend may or may not support.
type Feature uint64

const (
	FeatureTransactions Feature = 1 << iota
	FeatureStreaming
	FeaturePrefixPushdown
)

func (f Feature) String() string {
	switch f {
	case FeatureTransactions:
		return "Transactions"
	case FeatureStreaming:
		return "Streaming"
	case FeaturePrefixPushdown:
		return "PrefixPushdown"
	default:
		return "Unknown"
	}
}

// Info mirrors lib/db/db.go's DatabaseInfo, reported by the façade's
// getDBInfo-equivalent diagnostics.
type Info struct {
	SizeBytes         int64
	BackendType       string
	SupportedFeatures []Feature
}

// Entry is one key/already-encoded-value pair, used by ReadAll,
// WriteAll, and StreamEntries.
type Entry struct {
	Key   string
	Value string
}

// Backend is the storage contract a docfile or tablefile implementation
// satisfies. Every Value parameter and return is already codec-encoded
// text; the backend never inspects or decodes it.
type Backend interface {
	// Connect opens (and if necessary creates) the backing store.
	Connect(ctx context.Context) error

	// Destroy releases the backend's resources. It does not delete the
	// underlying storage.
	Destroy(ctx context.Context) error

	GetValue(ctx context.Context, key string) (value string, ok bool, err error)
	SetValue(ctx context.Context, key, value string) error
	DeleteValue(ctx context.Context, key string) error

	// ReadAll loads every entry, used by restore's merge mode.
	ReadAll(ctx context.Context) ([]Entry, error)

	// WriteAll atomically replaces the entire backend contents, used by
	// restore.
	WriteAll(ctx context.Context, entries []Entry) error

	BatchSet(ctx context.Context, entries []Entry) error
	BatchDelete(ctx context.Context, keys []string) error

	// StreamEntries yields every entry to fn in backend-native order,
	// stopping early if fn returns false. Backends that support
	// FeaturePrefixPushdown apply prefix as a native filter; others
	// apply it by scanning and comparing in Go.
	StreamEntries(ctx context.Context, prefix string, fn func(Entry) bool) error

	SupportsFeature(f Feature) bool
	GetInfo(ctx context.Context) (Info, error)
}

// Transactional is implemented by backends that support
// FeatureTransactions (currently only tablefile). The façade's
// transaction engine (pkg/kv's txn.go) uses it to give a caller's
// get/set/delete run inside one atomic section.
type Transactional interface {
	Backend
	BeginTx(ctx context.Context) (Tx, error)
}

// Tx is an open transaction against a Transactional backend.
type Tx interface {
	GetValue(ctx context.Context, key string) (value string, ok bool, err error)
	SetValue(ctx context.Context, key, value string) error
	DeleteValue(ctx context.Context, key string) error
	Commit() error
	Rollback() error
}

// RangeFetcher is implemented by backends that support
// FeaturePrefixPushdown (currently only tablefile). The query planner
// (pkg/kv/query) uses it to issue a single ranged, key-ordered query
// instead of streaming and filtering in Go when a query has a prefix
// filter, no regex or value filters, and a key-compatible sort.
type RangeFetcher interface {
	FetchRange(ctx context.Context, prefix string, descending bool, limit, offset int) ([]Entry, error)
}
