package kv

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/birchdb/birch/internal/config"
	"github.com/birchdb/birch/pkg/backend/docfile"
	"github.com/birchdb/birch/pkg/codec"
	"github.com/birchdb/birch/pkg/kv/watch"
)

func newTestStore(t *testing.T, opts config.Options) *Store {
	t.Helper()
	be := docfile.New(docfile.Options{Path: filepath.Join(t.TempDir(), "test.json")})
	s, err := Open(context.Background(), be, opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Destroy(context.Background(), true) })
	return s
}

func TestScenarioABasicAndDefaultValue(t *testing.T) {
	s := newTestStore(t, config.Default())
	ctx := context.Background()

	if err := s.Set(ctx, "x", float64(1)); err != nil {
		t.Fatal(err)
	}
	v, err := s.Get(ctx, "x")
	if err != nil {
		t.Fatal(err)
	}
	if v != float64(1) {
		t.Fatalf("Get(x) = %v; want 1", v)
	}

	v, err = s.GetOr(ctx, "y", float64(42))
	if err != nil {
		t.Fatal(err)
	}
	if v != float64(42) {
		t.Fatalf("GetOr(y, 42) = %v; want 42", v)
	}

	has, err := s.Has(ctx, "x")
	if err != nil {
		t.Fatal(err)
	}
	if !has {
		t.Fatalf("Has(x) = false; want true")
	}

	if err := s.Delete(ctx, "x"); err != nil {
		t.Fatal(err)
	}
	v, err = s.Get(ctx, "x")
	if err != nil {
		t.Fatal(err)
	}
	if v != codec.Undefined {
		t.Fatalf("Get(x) after delete = %v; want undefined", v)
	}
}

func TestScenarioCLRUCapacity3(t *testing.T) {
	opts := config.Default()
	opts.Batch = false
	opts.CacheSize = 3
	s := newTestStore(t, opts)
	ctx := context.Background()

	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	must(s.Set(ctx, "a", float64(1)))
	must(s.Set(ctx, "b", float64(2)))
	must(s.Set(ctx, "c", float64(3)))
	if _, err := s.Get(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	must(s.Set(ctx, "d", float64(4)))

	for _, k := range []string{"a", "c", "d"} {
		if !s.cache.Has(k) {
			t.Fatalf("expected %q to still be cached", k)
		}
	}
	if s.cache.Has("b") {
		t.Fatalf("expected b to have been evicted")
	}

	statsBefore := s.cache.GetStats()
	if _, err := s.Get(ctx, "b"); err != nil {
		t.Fatal(err)
	}
	statsAfter := s.cache.GetStats()
	if statsAfter.Misses != statsBefore.Misses+1 {
		t.Fatalf("expected a cache miss reading b back from the backend")
	}
}

func TestPushPull(t *testing.T) {
	opts := config.Default()
	opts.Batch = false
	s := newTestStore(t, opts)
	ctx := context.Background()

	if err := s.Push(ctx, "list", float64(1)); err != nil {
		t.Fatal(err)
	}
	if err := s.Push(ctx, "list", float64(2)); err != nil {
		t.Fatal(err)
	}
	v, err := s.Get(ctx, "list")
	if err != nil {
		t.Fatal(err)
	}
	arr, ok := v.([]any)
	if !ok || len(arr) != 2 {
		t.Fatalf("Get(list) = %v; want [1 2]", v)
	}

	if err := s.Pull(ctx, "list", float64(1)); err != nil {
		t.Fatal(err)
	}
	v, err = s.Get(ctx, "list")
	if err != nil {
		t.Fatal(err)
	}
	arr, ok = v.([]any)
	if !ok || len(arr) != 1 || arr[0] != float64(2) {
		t.Fatalf("Get(list) after pull = %v; want [2]", v)
	}

	if err := s.Set(ctx, "notarray", float64(5)); err != nil {
		t.Fatal(err)
	}
	if err := s.Push(ctx, "notarray", float64(1)); err == nil {
		t.Fatalf("expected NotArrayError pushing onto a non-array value")
	}
}

func TestAddSubtract(t *testing.T) {
	opts := config.Default()
	opts.Batch = false
	s := newTestStore(t, opts)
	ctx := context.Background()

	v, err := s.Add(ctx, "counter", 5)
	if err != nil {
		t.Fatal(err)
	}
	if v != 5 {
		t.Fatalf("Add(counter, 5) = %v; want 5", v)
	}
	v, err = s.Subtract(ctx, "counter", 2)
	if err != nil {
		t.Fatal(err)
	}
	if v != 3 {
		t.Fatalf("Subtract(counter, 2) = %v; want 3", v)
	}

	if err := s.Set(ctx, "notanumber", "hello"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Add(ctx, "notanumber", 1); err == nil {
		t.Fatalf("expected InvalidNumberError adding to a non-numeric value")
	}
}

func TestBulkSetBulkDelete(t *testing.T) {
	opts := config.Default()
	opts.Batch = false
	s := newTestStore(t, opts)
	ctx := context.Background()

	entries := map[string]any{"a": float64(1), "b": float64(2), "c": float64(3)}
	if err := s.BulkSet(ctx, entries); err != nil {
		t.Fatal(err)
	}
	for k, want := range entries {
		got, err := s.Get(ctx, k)
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Fatalf("Get(%s) = %v; want %v", k, got, want)
		}
	}

	if err := s.BulkDelete(ctx, []string{"a", "b"}); err != nil {
		t.Fatal(err)
	}
	v, err := s.Get(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if v != codec.Undefined {
		t.Fatalf("Get(a) after BulkDelete = %v; want undefined", v)
	}
}

func TestClear(t *testing.T) {
	opts := config.Default()
	opts.Batch = false
	s := newTestStore(t, opts)
	ctx := context.Background()

	if err := s.Set(ctx, "a", float64(1)); err != nil {
		t.Fatal(err)
	}
	if err := s.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	v, err := s.Get(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if v != codec.Undefined {
		t.Fatalf("Get(a) after Clear = %v; want undefined", v)
	}
}

func TestWatchDispatchesOnSet(t *testing.T) {
	opts := config.Default()
	opts.Batch = false
	s := newTestStore(t, opts)
	ctx := context.Background()

	received := make(chan watch.Event, 1)
	if _, err := s.Watch("greeting", func(ev watch.Event) { received <- ev }); err != nil {
		t.Fatal(err)
	}

	if err := s.Set(ctx, "greeting", "hello"); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-received:
		if ev.Type != watch.EventSet || ev.Key != "greeting" || ev.Value != "hello" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	default:
		t.Fatalf("expected a synchronous set notification")
	}
}

func TestDestroyClearsWatchers(t *testing.T) {
	opts := config.Default()
	opts.Batch = false
	be := docfile.New(docfile.Options{Path: filepath.Join(t.TempDir(), "test.json")})
	s, err := Open(context.Background(), be, opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if _, err := s.Watch("greeting", func(watch.Event) {}); err != nil {
		t.Fatal(err)
	}

	if err := s.Destroy(context.Background(), true); err != nil {
		t.Fatalf("Destroy: %v", err)
	}

	// Destroy must route through ClearWatchers (spec §3's "removed on
	// unwatch or clearWatchers"), not just tear the backend down: the
	// registry's internal watcher count should be back to zero, the same
	// state a brand new Manager starts in.
	if got := s.watchers.Count(); got != 0 {
		t.Fatalf("expected 0 watchers after Destroy, got %d", got)
	}
}

func TestBatchCoalescingPersistsEveryEntry(t *testing.T) {
	opts := config.Default()
	opts.BatchSize = 50
	s := newTestStore(t, opts)
	ctx := context.Background()

	const n = 200
	notifications := 0
	if _, err := s.Watch("key*", func(watch.Event) { notifications++ }); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < n; i++ {
		key := fmt.Sprintf("key%d", i)
		if err := s.Set(ctx, key, map[string]any{"value": float64(i), "data": "x"}); err != nil {
			t.Fatalf("Set(%s): %v", key, err)
		}
	}
	if err := s.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	keys, err := s.StartsWith(ctx, "key")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != n {
		t.Fatalf("StartsWith(key) returned %d keys; want %d", len(keys), n)
	}
	if notifications != n {
		t.Fatalf("received %d set notifications; want %d", notifications, n)
	}
}

func TestEstimateSizeReflectsDecodedStructureNotTextLength(t *testing.T) {
	// A flat array of small numbers encodes to far fewer bytes than it
	// occupies once decoded into 500 float64s; estimateSize must track
	// the decoded form, not the length of the encoded text.
	manyNumbers := make([]any, 500)
	for i := range manyNumbers {
		manyNumbers[i] = float64(i)
	}
	text, err := codec.Encode(manyNumbers)
	if err != nil {
		t.Fatal(err)
	}

	decodedEstimate := estimateSize("k", manyNumbers)
	textLengthEstimate := int64(len("k") + len(text))
	if decodedEstimate == textLengthEstimate {
		t.Fatalf("estimateSize should not just reduce to key+encoded-text length (got %d for both)", decodedEstimate)
	}
}

func TestEstimateSizeSamplesLargeArraysAndObjects(t *testing.T) {
	arr := make([]any, 10000)
	for i := range arr {
		arr[i] = "x"
	}
	got := estimateSize("k", arr)
	want := int64(len("k")) + int64(len(arr))
	if got != want {
		t.Fatalf("estimateSize with uniform elements = %d; want %d", got, want)
	}
}

func TestEstimateSizeStopsAtMaxDepth(t *testing.T) {
	var nested any = "leaf"
	for i := 0; i < sizeEstimateMaxDepth+5; i++ {
		nested = []any{nested}
	}
	// Should not panic or infinitely recurse, and should fall back to the
	// scalar estimate once the depth cap is hit.
	got := estimateSize("k", nested)
	if got <= 0 {
		t.Fatalf("estimateSize on deeply nested value = %d; want a positive estimate", got)
	}
}

func TestEstimateSizeHandlesCodecTypes(t *testing.T) {
	set := codec.NewSet("a", "b", "c")
	got := estimateSize("k", set)
	want := int64(len("k")) + int64(len("a")+len("b")+len("c"))
	if got != want {
		t.Fatalf("estimateSize(Set) = %d; want %d", got, want)
	}
}
