// Package docfile implements a document-file backend: the entire
// key→encoded-value map lives in memory, mirrored to a single file on
// disk, rewritten atomically on every persisted change.
//
// Grounded on maple.go's load-mutate-persist cycle (the whole dataset is
// read into memory once, then every write updates the in-memory copy
// first), but without maple's sharding — a single file has no shard key
// to split on — and with the in-memory mirror as a
// github.com/puzpuzpuz/xsync/v3 MapOf[string,string] rather than maple's
// sharded internal.Shard table, since there's exactly one "shard" here.
// The atomic temp-file-plus-rename write is new: maple.go's own
// Save/Load write straight to the io.Writer/Reader the caller hands it,
// leaving atomicity to the caller, but a document store that's
// supposed to double as a crash-safe backend needs that guarantee
// itself.
package docfile

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/birchdb/birch/internal/logging"
	"github.com/birchdb/birch/pkg/backend"
)

var log = logging.Get("docfile")

// defaultMaxLoadSize bounds how large a document file this backend will load
// into memory at Connect, guarding against accidentally opening
// something enormous.
const defaultMaxLoadSize = 512 * 1024 * 1024

// Backend is the document-file implementation of backend.Backend.
type Backend struct {
	path        string
	maxLoadSize int64

	mu   sync.Mutex // serializes persist() so writes to disk don't interleave
	data *xsync.MapOf[string, string]
}

// Options configures a Backend.
type Options struct {
	Path        string
	MaxLoadSize int64 // 0 uses defaultMaxLoadSize
}

// New constructs a Backend. Call Connect before use.
func New(opts Options) *Backend {
	maxLoad := opts.MaxLoadSize
	if maxLoad <= 0 {
		maxLoad = defaultMaxLoadSize
	}
	return &Backend{
		path:        opts.Path,
		maxLoadSize: maxLoad,
		data:        xsync.NewMapOf[string, string](),
	}
}

func (b *Backend) Connect(ctx context.Context) error {
	info, err := os.Stat(b.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("docfile: stat %s: %w", b.path, err)
	}
	if info.Size() > b.maxLoadSize {
		return fmt.Errorf("docfile: %s exceeds max load size of %d bytes", b.path, b.maxLoadSize)
	}

	f, err := os.Open(b.path)
	if err != nil {
		return fmt.Errorf("docfile: open %s: %w", b.path, err)
	}
	defer f.Close()

	dec := json.NewDecoder(bufio.NewReaderSize(f, 1<<20))
	entries := map[string]string{}
	if err := dec.Decode(&entries); err != nil {
		return fmt.Errorf("docfile: decode %s: %w", b.path, err)
	}
	for k, v := range entries {
		b.data.Store(k, v)
	}
	return nil
}

func (b *Backend) Destroy(ctx context.Context) error {
	return nil
}

func (b *Backend) GetValue(ctx context.Context, key string) (string, bool, error) {
	v, ok := b.data.Load(key)
	return v, ok, nil
}

func (b *Backend) SetValue(ctx context.Context, key, value string) error {
	b.data.Store(key, value)
	return b.persist()
}

func (b *Backend) DeleteValue(ctx context.Context, key string) error {
	b.data.Delete(key)
	return b.persist()
}

func (b *Backend) ReadAll(ctx context.Context) ([]backend.Entry, error) {
	entries := make([]backend.Entry, 0, b.data.Size())
	b.data.Range(func(k, v string) bool {
		entries = append(entries, backend.Entry{Key: k, Value: v})
		return true
	})
	return entries, nil
}

func (b *Backend) WriteAll(ctx context.Context, entries []backend.Entry) error {
	fresh := xsync.NewMapOf[string, string]()
	for _, e := range entries {
		fresh.Store(e.Key, e.Value)
	}
	b.data = fresh
	return b.persist()
}

func (b *Backend) BatchSet(ctx context.Context, entries []backend.Entry) error {
	for _, e := range entries {
		b.data.Store(e.Key, e.Value)
	}
	return b.persist()
}

func (b *Backend) BatchDelete(ctx context.Context, keys []string) error {
	for _, k := range keys {
		b.data.Delete(k)
	}
	return b.persist()
}

func (b *Backend) StreamEntries(ctx context.Context, prefix string, fn func(backend.Entry) bool) error {
	var stop bool
	b.data.Range(func(k, v string) bool {
		if stop {
			return false
		}
		if prefix != "" && !strings.HasPrefix(k, prefix) {
			return true
		}
		if !fn(backend.Entry{Key: k, Value: v}) {
			stop = true
			return false
		}
		return true
	})
	return nil
}

func (b *Backend) SupportsFeature(f backend.Feature) bool {
	return f == backend.FeatureStreaming
}

func (b *Backend) GetInfo(ctx context.Context) (backend.Info, error) {
	info, err := os.Stat(b.path)
	var size int64
	if err == nil {
		size = info.Size()
	}
	return backend.Info{
		SizeBytes:         size,
		BackendType:       "docfile",
		SupportedFeatures: []backend.Feature{backend.FeatureStreaming},
	}, nil
}

// persist atomically rewrites the whole file: write to a sibling temp
// file, fsync, then rename over the original, so a crash mid-write never
// leaves a truncated or partially-written document on disk.
func (b *Backend) persist() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries := make(map[string]string, b.data.Size())
	b.data.Range(func(k, v string) bool {
		entries[k] = v
		return true
	})

	dir := filepath.Dir(b.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(b.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("docfile: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("docfile: chmod temp file: %w", err)
	}

	bw := bufio.NewWriterSize(tmp, 1<<20)
	enc := json.NewEncoder(bw)
	if err := enc.Encode(entries); err != nil {
		tmp.Close()
		return fmt.Errorf("docfile: encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("docfile: flush: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("docfile: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("docfile: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, b.path); err != nil {
		return fmt.Errorf("docfile: rename into place: %w", err)
	}
	return nil
}
