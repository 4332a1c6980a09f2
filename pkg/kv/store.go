// Package kv implements the operations façade, transaction engine, and
// backup/restore surface for an embedded key/value store. Store is the
// single entry point a caller opens against a backend.Backend; it owns
// the cache, the batch coalescer, and the watcher manager, and is the
// only thing permitted to mutate any of them.
//
// The "check feature / validate / delegate" shape is grounded on
// lib/store/lstore/store.go: every operation here validates its
// arguments, checks the backend's declared feature set where relevant,
// and delegates to the backend or one of the owned components.
package kv

import (
	"context"
	"math/big"
	"regexp"
	"sync"
	"time"

	"github.com/birchdb/birch/internal/config"
	"github.com/birchdb/birch/internal/logging"
	"github.com/birchdb/birch/pkg/backend"
	"github.com/birchdb/birch/pkg/codec"
	"github.com/birchdb/birch/pkg/kv/batch"
	"github.com/birchdb/birch/pkg/kv/cache"
	"github.com/birchdb/birch/pkg/kv/query"
	"github.com/birchdb/birch/pkg/kv/watch"
)

var log = logging.Get("kv")

// Stats holds process-wide operation counters, reset by ResetStats.
type Stats struct {
	Gets    uint64
	Sets    uint64
	Deletes uint64
	Errors  uint64
}

// Store is a single KV instance bound to one backend. The zero value is
// not usable; construct with Open.
type Store struct {
	mu sync.Mutex

	be       backend.Backend
	cache    *cache.Cache
	batch    *batch.Batch
	watchers *watch.Manager

	opts    config.Options
	stats   Stats
	closed  bool

	// casMu serializes TrySetIfUnset's read-then-conditionally-write
	// section against itself, so two concurrent callers racing to create
	// the same key can never both win (pkg/lockmgr's AcquireLock depends
	// on this).
	casMu sync.Mutex
}

// Open connects be and wires up the cache, batch coalescer, and watcher
// manager according to opts.
func Open(ctx context.Context, be backend.Backend, opts config.Options) (*Store, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if err := be.Connect(ctx); err != nil {
		return nil, writeError("Connection failed", err)
	}

	s := &Store{be: be, opts: opts, watchers: watch.New()}

	if opts.Cache {
		s.cache = cache.New(cache.Options{
			MaxSize:    opts.CacheSize,
			DefaultTTL: opts.CacheTTL,
			MaxMemory:  opts.CacheMaxMemoryBytes,
		})
	}
	if opts.Batch {
		s.batch = batch.New(batch.Options{
			MaxSize:          opts.BatchSize,
			Delay:            opts.BatchDelay,
			OperationTimeout: opts.OperationTimeout,
		}, s.flushBatch)
	}
	return s, nil
}

// flushBatch is the coalescer's executor: it applies each queued op to the
// backend in submission order. Ops are applied one at a time rather than
// through BatchSet/BatchDelete because a partition may interleave set and
// delete on the same key, and relative order must be preserved.
func (s *Store) flushBatch(ctx context.Context, ops []batch.Op) error {
	for _, op := range ops {
		var err error
		switch op.Kind {
		case batch.OpSet:
			err = s.be.SetValue(ctx, op.Key, op.Value.(string))
		case batch.OpDelete:
			err = s.be.DeleteValue(ctx, op.Key)
		}
		if err != nil {
			return writeError("backend write failed", err)
		}
	}
	return nil
}

// opTimeout bounds a single non-batched backend operation under the
// session timeout (default 5s).
func (s *Store) opTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opts.Timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.opts.Timeout)
}

// Get returns the value stored under key, or codec.Undefined if absent.
// A cache hit short-circuits the backend entirely.
func (s *Store) Get(ctx context.Context, key string) (any, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.stats.Gets++
	s.mu.Unlock()

	if s.cache != nil {
		if v, ok := s.cache.Get(key); ok {
			return v, nil
		}
	}

	octx, cancel := s.opTimeout(ctx)
	defer cancel()
	text, ok, err := s.be.GetValue(octx, key)
	if err != nil {
		s.bumpErrors()
		return nil, readError("backend read failed", err)
	}
	if !ok {
		return codec.Undefined, nil
	}
	value := codec.Decode(text)
	if s.cache != nil && !isUndefined(value) {
		s.cache.Set(key, value, 0, estimateSize(key, value))
	}
	return value, nil
}

// GetOr is Get with a default fallback: it substitutes def whenever the
// resolved value is codec.Undefined.
func (s *Store) GetOr(ctx context.Context, key string, def any) (any, error) {
	v, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if isUndefined(v) {
		return def, nil
	}
	return v, nil
}

// Set stores value under key. When batching is enabled the write is
// coalesced and this call blocks until that partition's flush resolves;
// either way, the cache and watchers are only updated after the backend
// write is durable.
func (s *Store) Set(ctx context.Context, key string, value any) error {
	return s.setAndDispatch(ctx, key, value, watch.EventSet)
}

func (s *Store) setAndDispatch(ctx context.Context, key string, value any, evt watch.EventType) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := validateValue(value); err != nil {
		return err
	}
	text, err := codec.Encode(value)
	if err != nil {
		return invalidValue(err.Error())
	}

	var oldValue any = codec.Undefined
	if s.cache != nil {
		if v, ok := s.cache.Get(key); ok {
			oldValue = v
		}
	}

	if s.batch != nil {
		if err := s.batch.Add(ctx, batch.Op{Kind: batch.OpSet, Key: key, Value: text}); err != nil {
			s.bumpErrors()
			return writeError("backend write failed", err)
		}
	} else {
		octx, cancel := s.opTimeout(ctx)
		defer cancel()
		if err := s.be.SetValue(octx, key, text); err != nil {
			s.bumpErrors()
			return writeError("backend write failed", err)
		}
	}

	s.mu.Lock()
	s.stats.Sets++
	s.mu.Unlock()

	if s.cache != nil {
		s.cache.Set(key, value, 0, estimateSize(key, value))
	}
	s.watchers.Notify(watch.Event{Type: evt, Key: key, Value: value, OldValue: oldValue})
	return nil
}

// Push appends v to the array stored at key, treating an absent key as an
// empty array. It fails with ErrNotArray if the current value exists and
// is not an array.
func (s *Store) Push(ctx context.Context, key string, v any) error {
	cur, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	var arr []any
	if isUndefined(cur) {
		arr = nil
	} else {
		arr, err = validateArray(cur)
		if err != nil {
			return err
		}
	}
	arr = append(arr, v)
	return s.setAndDispatch(ctx, key, arr, watch.EventPush)
}

// Pull removes every element strictly equal to v from the array stored at
// key. It fails with ErrNotArray if the current value is not an array.
func (s *Store) Pull(ctx context.Context, key string, v any) error {
	cur, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	arr, err := validateArray(cur)
	if err != nil {
		return err
	}
	out := make([]any, 0, len(arr))
	for _, item := range arr {
		if !deepEqual(item, v) {
			out = append(out, item)
		}
	}
	return s.setAndDispatch(ctx, key, out, watch.EventPull)
}

// Delete removes key from the backend and cache directly; deletion is
// never routed through the coalescer.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}

	old, err := s.Get(ctx, key)
	if err != nil {
		return err
	}

	octx, cancel := s.opTimeout(ctx)
	defer cancel()
	if err := s.be.DeleteValue(octx, key); err != nil {
		s.bumpErrors()
		return writeError("backend write failed", err)
	}

	s.mu.Lock()
	s.stats.Deletes++
	s.mu.Unlock()

	if s.cache != nil {
		s.cache.Delete(key)
	}
	s.watchers.Notify(watch.Event{Type: watch.EventDelete, Key: key, OldValue: old})
	return nil
}

// BulkSet writes every entry through the backend's batch primitive
// (bypassing the coalescer), then updates the cache and dispatches a set
// notification per entry.
func (s *Store) BulkSet(ctx context.Context, entries map[string]any) error {
	be := make([]backend.Entry, 0, len(entries))
	for k, v := range entries {
		if err := validateKey(k); err != nil {
			return err
		}
		if err := validateValue(v); err != nil {
			return err
		}
		text, err := codec.Encode(v)
		if err != nil {
			return invalidValue(err.Error())
		}
		be = append(be, backend.Entry{Key: k, Value: text})
	}

	octx, cancel := s.opTimeout(ctx)
	defer cancel()
	if err := s.be.BatchSet(octx, be); err != nil {
		s.bumpErrors()
		return writeError("backend write failed", err)
	}

	for k, v := range entries {
		if s.cache != nil {
			s.cache.Set(k, v, 0, estimateSize(k, v))
		}
		s.watchers.Notify(watch.Event{Type: watch.EventSet, Key: k, Value: v})
	}
	return nil
}

// BulkDelete removes every key through the backend's batch primitive,
// then removes each from the cache and dispatches a delete notification.
func (s *Store) BulkDelete(ctx context.Context, keys []string) error {
	for _, k := range keys {
		if err := validateKey(k); err != nil {
			return err
		}
	}

	octx, cancel := s.opTimeout(ctx)
	defer cancel()
	if err := s.be.BatchDelete(octx, keys); err != nil {
		s.bumpErrors()
		return writeError("backend write failed", err)
	}

	for _, k := range keys {
		if s.cache != nil {
			s.cache.Delete(k)
		}
		s.watchers.Notify(watch.Event{Type: watch.EventDelete, Key: k})
	}
	return nil
}

// Add adds amount to the number stored at key (treating an absent key as
// zero) and returns the new value. The read and the write are separate
// steps, so concurrent Add/Subtract calls on one key are not
// linearizable; Transact gives an atomic read-modify-write.
func (s *Store) Add(ctx context.Context, key string, amount float64) (float64, error) {
	return s.addOrSubtract(ctx, key, amount, watch.EventAdd)
}

// Subtract subtracts amount from the number stored at key (treating an
// absent key as zero) and returns the new value.
func (s *Store) Subtract(ctx context.Context, key string, amount float64) (float64, error) {
	return s.addOrSubtract(ctx, key, -amount, watch.EventSubtract)
}

func (s *Store) addOrSubtract(ctx context.Context, key string, delta float64, evt watch.EventType) (float64, error) {
	if _, err := validateNumber(delta); err != nil {
		return 0, err
	}
	cur, err := s.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	var base float64
	if !isUndefined(cur) {
		base, err = validateNumber(cur)
		if err != nil {
			return 0, err
		}
	}
	next := base + delta
	if err := s.setAndDispatch(ctx, key, next, evt); err != nil {
		return 0, err
	}
	return next, nil
}

// Has reports whether key is present, consulting the cache first.
func (s *Store) Has(ctx context.Context, key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	if s.cache != nil {
		if s.cache.Has(key) {
			return true, nil
		}
	}
	v, err := s.Get(ctx, key)
	if err != nil {
		return false, err
	}
	return !isUndefined(v), nil
}

// TrySetIfUnset atomically creates key with value only if it is currently
// absent, optionally scheduling its automatic deletion after ttl (0
// disables the deletion). It returns whether this call won the race and
// performed the set. This is the compare-and-set primitive pkg/lockmgr's
// AcquireLock is built on; casMu guarantees two concurrent callers racing
// on the same key can never both report success.
func (s *Store) TrySetIfUnset(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	s.casMu.Lock()
	defer s.casMu.Unlock()

	cur, err := s.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if !isUndefined(cur) {
		return false, nil
	}
	if err := s.Set(ctx, key, value); err != nil {
		return false, err
	}
	if ttl > 0 {
		time.AfterFunc(ttl, func() {
			_ = s.releaseIfStillOwned(key, value)
		})
	}
	return true, nil
}

// releaseIfStillOwned deletes key only if it still holds the value this
// TrySetIfUnset call wrote, so a scheduled expiry never clobbers a key
// some other caller has since legitimately overwritten.
func (s *Store) releaseIfStillOwned(key string, value any) error {
	cur, err := s.Get(context.Background(), key)
	if err != nil {
		return err
	}
	if !deepEqual(cur, value) {
		return nil
	}
	return s.Delete(context.Background(), key)
}

// FindKeys streams every key and returns those matching re.
func (s *Store) FindKeys(ctx context.Context, re *regexp.Regexp) ([]string, error) {
	var out []string
	err := s.Stream(ctx, "", func(key string, _ any) bool {
		if re.MatchString(key) {
			out = append(out, key)
		}
		return true
	})
	return out, err
}

// StartsWith streams every key and returns those with prefix.
func (s *Store) StartsWith(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	err := s.Stream(ctx, prefix, func(key string, _ any) bool {
		out = append(out, key)
		return true
	})
	return out, err
}

// Stream is a pass-through of the backend's streaming iterator, decoding
// each value via the codec before calling fn. A decode failure is
// non-fatal: the raw text is passed through as the value and the stream
// continues. fn's return value controls early exit, same as
// backend.Backend.StreamEntries.
func (s *Store) Stream(ctx context.Context, prefix string, fn func(key string, value any) bool) error {
	err := s.be.StreamEntries(ctx, prefix, func(e backend.Entry) bool {
		return fn(e.Key, codec.Decode(e.Value))
	})
	if err != nil {
		s.bumpErrors()
		return readError("backend read failed", err)
	}
	return nil
}

// Query returns a query.Builder bound to this store's backend, wiring
// push-down eligibility to the backend's declared feature set.
func (s *Store) Query() *query.Builder {
	src := query.Source{
		Stream: func(ctx context.Context, prefix string, fn func(query.Entry) bool) error {
			return s.be.StreamEntries(ctx, prefix, func(e backend.Entry) bool {
				return fn(query.Entry{Key: e.Key, Value: e.Value})
			})
		},
	}
	if rf, ok := s.be.(backend.RangeFetcher); ok && s.be.SupportsFeature(backend.FeaturePrefixPushdown) {
		src.Pushdown = true
		src.PushdownFetch = func(ctx context.Context, prefix string, descending bool, limit, offset int) ([]query.Entry, error) {
			entries, err := rf.FetchRange(ctx, prefix, descending, limit, offset)
			if err != nil {
				return nil, err
			}
			out := make([]query.Entry, len(entries))
			for i, e := range entries {
				out[i] = query.Entry{Key: e.Key, Value: e.Value}
			}
			return out, nil
		}
	}
	return query.New(src)
}

// Clear writes empty state to the backend, clears the cache, and
// dispatches a clear notification.
func (s *Store) Clear(ctx context.Context) error {
	octx, cancel := s.opTimeout(ctx)
	defer cancel()
	if err := s.be.WriteAll(octx, nil); err != nil {
		s.bumpErrors()
		return writeError("backend write failed", err)
	}
	if s.cache != nil {
		s.cache.Clear()
	}
	s.watchers.Notify(watch.Event{Type: watch.EventClear})
	return nil
}

// Flush flushes the coalescer, if batching is enabled. It is a no-op
// otherwise.
func (s *Store) Flush(ctx context.Context) error {
	if s.batch == nil {
		return nil
	}
	return s.batch.FlushSync(ctx)
}

// Watch registers cb for keys matching pattern (exact, "*"-glob, or
// "/regex/").
func (s *Store) Watch(pattern string, cb watch.Callback) (uint64, error) {
	return s.watchers.Watch(pattern, cb)
}

// Unwatch removes a previously registered watcher.
func (s *Store) Unwatch(id uint64) {
	s.watchers.Unwatch(id)
}

// ClearWatchers unregisters every watcher on this Store, independent of
// Clear (which empties the data set) and Destroy (which tears the whole
// Store down).
func (s *Store) ClearWatchers() {
	s.watchers.Clear()
}

// Stats returns a snapshot of the façade's process-wide operation
// counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// ResetStats zeroes the operation counters.
func (s *Store) ResetStats() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = Stats{}
}

// CacheStats returns the cache's statistics, or the zero value if caching
// is disabled.
func (s *Store) CacheStats() cache.Stats {
	if s.cache == nil {
		return cache.Stats{}
	}
	return s.cache.GetStats()
}

// BatchDepth returns the number of operations currently queued on the
// coalescer, or 0 if batching is disabled. Exposed for pkg/admin's
// /metrics gauge.
func (s *Store) BatchDepth() int {
	if s.batch == nil {
		return 0
	}
	return s.batch.Size()
}

// Destroy flushes (unless flush is false) or drops the coalescer,
// destroys the cache, clears watchers, and destroys the backend
// connection.
func (s *Store) Destroy(ctx context.Context, flush bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.batch != nil {
		if flush {
			if err := s.batch.Close(ctx); err != nil {
				log.Errorf("final flush on destroy failed: %v", err)
			}
		} else {
			s.batch.Clear()
		}
	}
	if s.cache != nil {
		s.cache.Destroy()
	}
	s.ClearWatchers()
	return s.be.Destroy(ctx)
}

func (s *Store) bumpErrors() {
	s.mu.Lock()
	s.stats.Errors++
	s.mu.Unlock()
}

const (
	sizeEstimateMaxDepth  = 10
	sizeEstimateMaxArray  = 100
	sizeEstimateMaxFields = 50
	sizeEstimateScalar    = 8
)

// estimateSize approximates an entry's cache memory footprint by walking
// the decoded value's structure rather than measuring its encoded text:
// a long run of short numbers and a single long string can encode to the
// same byte count but use very different amounts of memory once decoded,
// and it's the decoded form that actually sits in the cache.
//
// The walk is bounded rather than exhaustive: it stops descending past
// sizeEstimateMaxDepth, and samples at most sizeEstimateMaxArray elements
// of an array or sizeEstimateMaxFields fields of an object per level.
// Members beyond the sample aren't visited, but their share of memory is
// still added back using the sampled members' average size, so a cache
// holding mostly huge arrays and objects doesn't systematically
// under-report its footprint just because most of each one went
// unsampled.
func estimateSize(key string, value any) int64 {
	return int64(len(key)) + estimateValueSize(value, 0)
}

func estimateValueSize(value any, depth int) int64 {
	if value == codec.Undefined {
		return sizeEstimateScalar
	}
	if depth >= sizeEstimateMaxDepth {
		return sizeEstimateScalar
	}
	switch v := value.(type) {
	case nil:
		return sizeEstimateScalar
	case string:
		return int64(len(v))
	case bool:
		return 1
	case float64:
		return sizeEstimateScalar
	case []any:
		return estimateSampledSize(len(v), sizeEstimateMaxArray, func(i int) int64 { return estimateValueSize(v[i], depth+1) })
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		return estimateSampledSize(len(keys), sizeEstimateMaxFields, func(i int) int64 {
			k := keys[i]
			return int64(len(k)) + estimateValueSize(v[k], depth+1)
		})
	case codec.Set:
		return estimateSampledSize(len(v.Items), sizeEstimateMaxArray, func(i int) int64 { return estimateValueSize(v.Items[i], depth+1) })
	case codec.Map:
		return estimateSampledSize(len(v.Entries), sizeEstimateMaxFields, func(i int) int64 {
			return estimateValueSize(v.Entries[i].Key, depth+1) + estimateValueSize(v.Entries[i].Value, depth+1)
		})
	case codec.Buffer:
		return int64(len(v))
	case codec.DataView:
		return int64(len(v))
	case codec.TypedArray:
		return int64(len(v.Values)) * sizeEstimateScalar
	case codec.ErrorValue:
		return int64(len(v.Name) + len(v.Message) + len(v.Stack))
	case codec.Regexp:
		return int64(len(v.Source) + len(v.Flags))
	case time.Time:
		return sizeEstimateScalar
	case *big.Int:
		if v == nil {
			return sizeEstimateScalar
		}
		return int64(len(v.String()))
	default:
		return sizeEstimateScalar
	}
}

// estimateSampledSize sums the estimated size of the first min(n, cap)
// members and scales that sample's average up to cover the rest, rather
// than walking every member of an arbitrarily large array or object.
func estimateSampledSize(n, cap int, sizeAt func(i int) int64) int64 {
	if n == 0 {
		return 0
	}
	sampled := cap
	if n < sampled {
		sampled = n
	}
	var total int64
	for i := 0; i < sampled; i++ {
		total += sizeAt(i)
	}
	if n > sampled {
		avg := total / int64(sampled)
		total += avg * int64(n-sampled)
	}
	return total
}
