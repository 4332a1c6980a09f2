package docfile

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/birchdb/birch/pkg/backend"
	"github.com/birchdb/birch/pkg/backend/backendtest"
)

func TestConformance(t *testing.T) {
	backendtest.RunSuite(t, "docfile", func(t *testing.T) backend.Backend {
		dir := t.TempDir()
		b := New(Options{Path: filepath.Join(dir, "store.json")})
		if err := b.Connect(context.Background()); err != nil {
			t.Fatal(err)
		}
		return b
	})
}
