package docfile

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/birchdb/birch/pkg/backend"
)

func TestSetGetPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.json")
	ctx := context.Background()

	b := New(Options{Path: path})
	if err := b.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	if err := b.SetValue(ctx, "a", `"1"`); err != nil {
		t.Fatal(err)
	}

	b2 := New(Options{Path: path})
	if err := b2.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	v, ok, err := b2.GetValue(ctx, "a")
	if err != nil || !ok || v != `"1"` {
		t.Fatalf("GetValue = %q, %v, %v; want \"1\", true, nil", v, ok, err)
	}
}

func TestDeleteValue(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.json")
	ctx := context.Background()
	b := New(Options{Path: path})
	_ = b.Connect(ctx)
	_ = b.SetValue(ctx, "a", "1")
	if err := b.DeleteValue(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := b.GetValue(ctx, "a"); ok {
		t.Fatalf("expected a to be deleted")
	}
}

func TestStreamEntriesPrefix(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.json")
	ctx := context.Background()
	b := New(Options{Path: path})
	_ = b.Connect(ctx)
	_ = b.SetValue(ctx, "user:1", "a")
	_ = b.SetValue(ctx, "user:2", "b")
	_ = b.SetValue(ctx, "order:1", "c")

	var keys []string
	err := b.StreamEntries(ctx, "user:", func(e backend.Entry) bool {
		keys = append(keys, e.Key)
		return true
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 entries with prefix user:, got %v", keys)
	}
}

func TestConnectMissingFileIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nonexistent.json")
	b := New(Options{Path: path})
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("Connect on a missing file should succeed: %v", err)
	}
}

func TestConnectRejectsOversizedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.json")
	if err := os.WriteFile(path, []byte(`{"a":"1"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	b := New(Options{Path: path, MaxLoadSize: 1})
	if err := b.Connect(context.Background()); err == nil {
		t.Fatalf("expected Connect to reject a file larger than MaxLoadSize")
	}
}
