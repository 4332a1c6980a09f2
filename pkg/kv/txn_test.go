package kv

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/birchdb/birch/internal/config"
	"github.com/birchdb/birch/pkg/backend/docfile"
	"github.com/birchdb/birch/pkg/backend/tablefile"
)

func newTransactionalTestStore(t *testing.T, opts config.Options) *Store {
	t.Helper()
	be := tablefile.New(tablefile.Options{Path: filepath.Join(t.TempDir(), "test.db")})
	s, err := Open(context.Background(), be, opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Destroy(context.Background(), true) })
	return s
}

func TestTransactNotSupportedByBackend(t *testing.T) {
	opts := config.Default()
	opts.Batch = false
	be := docfile.New(docfile.Options{Path: filepath.Join(t.TempDir(), "test.json")})
	s, err := Open(context.Background(), be, opts)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Destroy(context.Background(), true)

	err = s.Transact(context.Background(), func(tx *Tx) error { return nil })
	if err == nil {
		t.Fatalf("expected an error against a non-transactional backend")
	}
	if !errors.Is(err, ErrUnsupportedOperation) {
		t.Fatalf("expected UnsupportedOperation, got %v", err)
	}
}

// TestScenarioDTransactionalBankTransfer exercises a bank-transfer-style
// transaction: a failure partway through must leave both accounts'
// balances, and the cache, exactly as they were before the transfer
// started.
func TestScenarioDTransactionalBankTransfer(t *testing.T) {
	opts := config.Default()
	opts.Batch = false
	s := newTransactionalTestStore(t, opts)
	ctx := context.Background()

	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	must(s.Set(ctx, "account:1", map[string]any{"balance": float64(1000)}))
	must(s.Set(ctx, "account:2", map[string]any{"balance": float64(500)}))

	err := s.Transact(ctx, func(tx *Tx) error {
		v1, err := tx.Get("account:1")
		if err != nil {
			return err
		}
		acc1 := v1.(map[string]any)
		acc1["balance"] = acc1["balance"].(float64) - 200
		if err := tx.Set("account:1", acc1); err != nil {
			return err
		}

		v2, err := tx.Get("account:2")
		if err != nil {
			return err
		}
		acc2 := v2.(map[string]any)
		acc2["balance"] = acc2["balance"].(float64) + 200
		return tx.Set("account:2", acc2)
	})
	if err != nil {
		t.Fatalf("transaction failed: %v", err)
	}

	v1, err := s.Get(ctx, "account:1")
	if err != nil {
		t.Fatal(err)
	}
	if v1.(map[string]any)["balance"] != float64(800) {
		t.Fatalf("account:1 balance = %v; want 800", v1)
	}
	v2, err := s.Get(ctx, "account:2")
	if err != nil {
		t.Fatal(err)
	}
	if v2.(map[string]any)["balance"] != float64(700) {
		t.Fatalf("account:2 balance = %v; want 700", v2)
	}
}

// TestScenarioDRollbackLeavesBalancesAndCacheUnchanged exercises the
// failure half of Scenario D: a callback error after reading but before
// writing the second account must leave both balances and the cache
// exactly as they were.
func TestScenarioDRollbackLeavesBalancesAndCacheUnchanged(t *testing.T) {
	opts := config.Default()
	opts.Batch = false
	s := newTransactionalTestStore(t, opts)
	ctx := context.Background()

	if err := s.Set(ctx, "account:1", map[string]any{"balance": float64(1000)}); err != nil {
		t.Fatal(err)
	}
	if err := s.Set(ctx, "account:2", map[string]any{"balance": float64(500)}); err != nil {
		t.Fatal(err)
	}

	errInsufficientFunds := errors.New("insufficient funds")
	err := s.Transact(ctx, func(tx *Tx) error {
		v1, err := tx.Get("account:1")
		if err != nil {
			return err
		}
		acc1 := v1.(map[string]any)
		acc1["balance"] = acc1["balance"].(float64) - 200
		if err := tx.Set("account:1", acc1); err != nil {
			return err
		}
		return errInsufficientFunds
	})
	if err == nil {
		t.Fatalf("expected the transaction to fail")
	}
	if !errors.Is(err, ErrTransactionError) {
		t.Fatalf("expected a TransactionError, got %v", err)
	}

	v1, err := s.Get(ctx, "account:1")
	if err != nil {
		t.Fatal(err)
	}
	if v1.(map[string]any)["balance"] != float64(1000) {
		t.Fatalf("account:1 balance after rollback = %v; want unchanged 1000", v1)
	}
	v2, err := s.Get(ctx, "account:2")
	if err != nil {
		t.Fatal(err)
	}
	if v2.(map[string]any)["balance"] != float64(500) {
		t.Fatalf("account:2 balance after rollback = %v; want unchanged 500", v2)
	}
}

func TestTransactPanicRollsBack(t *testing.T) {
	opts := config.Default()
	opts.Batch = false
	s := newTransactionalTestStore(t, opts)
	ctx := context.Background()

	if err := s.Set(ctx, "k", float64(1)); err != nil {
		t.Fatal(err)
	}

	defer func() {
		r := recover()
		if r == nil {
			t.Fatalf("expected the panic to propagate out of Transact")
		}
		v, err := s.Get(ctx, "k")
		if err != nil {
			t.Fatal(err)
		}
		if v != float64(1) {
			t.Fatalf("Get(k) after rolled-back panic = %v; want 1", v)
		}
	}()

	_ = s.Transact(ctx, func(tx *Tx) error {
		if err := tx.Set("k", float64(2)); err != nil {
			t.Fatal(err)
		}
		panic("boom")
	})
}
