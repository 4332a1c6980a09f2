package admin

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/birchdb/birch/internal/config"
	"github.com/birchdb/birch/pkg/backend/docfile"
	"github.com/birchdb/birch/pkg/kv"
)

func newTestStore(t *testing.T) *kv.Store {
	t.Helper()
	opts := config.Default()
	opts.Batch = false
	be := docfile.New(docfile.Options{Path: filepath.Join(t.TempDir(), "test.json")})
	s, err := kv.Open(context.Background(), be, opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Destroy(context.Background(), true) })
	return s
}

func TestHandlerExposesStoreStatsAsPrometheusText(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, "a", float64(1)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, "a"); err != nil {
		t.Fatal(err)
	}

	srv := New(s)
	defer srv.Close()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d; want 200", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{"birch_cache_hits", "birch_ops_sets", "birch_ops_gets"} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected /metrics body to contain %q, got:\n%s", want, body)
		}
	}
}

func TestTimedFlushRecordsLatency(t *testing.T) {
	opts := config.Default()
	opts.Batch = true
	opts.BatchDelay = time.Hour
	be := docfile.New(docfile.Options{Path: filepath.Join(t.TempDir(), "test.json")})
	s, err := kv.Open(context.Background(), be, opts)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Destroy(context.Background(), true)

	srv := New(s)
	defer srv.Close()

	go func() {
		_ = s.Set(context.Background(), "a", float64(1))
	}()
	time.Sleep(10 * time.Millisecond)

	if err := srv.TimedFlush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if srv.flushLatency.Count() == 0 {
		t.Fatalf("expected TimedFlush to record a sample on the flush histogram")
	}
}
