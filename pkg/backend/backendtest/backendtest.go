// Package backendtest is a shared conformance suite run against every
// backend.Backend implementation, grounded directly on
// lib/db/testing/db_testing.go's RunKVDBTests(t, name, factory) shape:
// one exported entry point, a factory closure so each subtest gets a
// fresh backend, and a requireFeature skip helper for capability-gated
// cases.
package backendtest

import (
	"context"
	"testing"

	"github.com/birchdb/birch/pkg/backend"
)

// Factory constructs a fresh, already-Connected backend for one subtest.
type Factory func(t *testing.T) backend.Backend

// RunSuite runs the conformance suite against factory under the given
// name, mirroring RunKVDBTests(t, name, factory).
func RunSuite(t *testing.T, name string, factory Factory) {
	t.Run(name, func(t *testing.T) {
		t.Run("SetGet", func(t *testing.T) { testSetGet(t, factory(t)) })
		t.Run("Delete", func(t *testing.T) { testDelete(t, factory(t)) })
		t.Run("BatchSetDelete", func(t *testing.T) { testBatch(t, factory(t)) })
		t.Run("ReadAllWriteAll", func(t *testing.T) { testReadWriteAll(t, factory(t)) })
		t.Run("StreamEntries", func(t *testing.T) { testStream(t, factory(t)) })
		t.Run("Transactions", func(t *testing.T) { testTransactions(t, factory(t)) })
	})
}

func requireFeature(t testing.TB, b backend.Backend, f backend.Feature) {
	if !b.SupportsFeature(f) {
		t.Skip("backend does not support", f)
	}
}

func testSetGet(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	if err := b.SetValue(ctx, "a", "1"); err != nil {
		t.Fatal(err)
	}
	v, ok, err := b.GetValue(ctx, "a")
	if err != nil || !ok || v != "1" {
		t.Fatalf("GetValue = %q, %v, %v; want \"1\", true, nil", v, ok, err)
	}
	if _, ok, _ := b.GetValue(ctx, "missing"); ok {
		t.Fatalf("expected missing key to report ok=false")
	}
}

func testDelete(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	_ = b.SetValue(ctx, "a", "1")
	if err := b.DeleteValue(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := b.GetValue(ctx, "a"); ok {
		t.Fatalf("expected a to be deleted")
	}
	if err := b.DeleteValue(ctx, "never-existed"); err != nil {
		t.Fatalf("deleting an absent key should not error: %v", err)
	}
}

func testBatch(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	err := b.BatchSet(ctx, []backend.Entry{{Key: "a", Value: "1"}, {Key: "b", Value: "2"}})
	if err != nil {
		t.Fatal(err)
	}
	if v, ok, _ := b.GetValue(ctx, "b"); !ok || v != "2" {
		t.Fatalf("expected b=2 after BatchSet")
	}
	if err := b.BatchDelete(ctx, []string{"a", "b"}); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := b.GetValue(ctx, "a"); ok {
		t.Fatalf("expected a to be gone after BatchDelete")
	}
}

func testReadWriteAll(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	entries := []backend.Entry{{Key: "a", Value: "1"}, {Key: "b", Value: "2"}}
	if err := b.WriteAll(ctx, entries); err != nil {
		t.Fatal(err)
	}
	got, err := b.ReadAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("ReadAll returned %d entries; want 2", len(got))
	}
}

func testStream(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	_ = b.SetValue(ctx, "user:1", "a")
	_ = b.SetValue(ctx, "user:2", "b")
	_ = b.SetValue(ctx, "order:1", "c")

	var count int
	err := b.StreamEntries(ctx, "user:", func(backend.Entry) bool {
		count++
		return true
	})
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Fatalf("StreamEntries visited %d entries; want 2", count)
	}
}

func testTransactions(t *testing.T, b backend.Backend) {
	requireFeature(t, b, backend.FeatureTransactions)
	tb := b.(backend.Transactional)
	ctx := context.Background()

	tx, err := tb.BeginTx(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.SetValue(ctx, "a", "1"); err != nil {
		t.Fatal(err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := b.GetValue(ctx, "a"); ok {
		t.Fatalf("expected rollback to discard the write")
	}

	tx, err = tb.BeginTx(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.SetValue(ctx, "a", "1"); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	if v, ok, _ := b.GetValue(ctx, "a"); !ok || v != "1" {
		t.Fatalf("expected commit to persist the write")
	}
}
