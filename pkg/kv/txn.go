// Transaction engine. Grounded on rpc/server/server.go's shard-adapter
// wiring (one struct owning a store plus bookkeeping) and on the table
// backend's BeginTx/Commit/Rollback pattern; the cache
// backup/restore-on-rollback journal has no teacher analog, since
// nothing in the pack models cache reconciliation against a
// rolled-back write.
package kv

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/birchdb/birch/pkg/backend"
	"github.com/birchdb/birch/pkg/codec"
)

// TxOp identifies which mutation a journal entry records.
type TxOp int

const (
	TxOpSet TxOp = iota
	TxOpDelete
)

type journalEntry struct {
	key   string
	op    TxOp
	value any // only meaningful for TxOpSet
}

type backupEntry struct {
	existed bool
	value   any
}

// Tx is the transactional proxy handed to a TxFunc: get/set/delete run
// against the backend's atomic section rather than the façade's normal
// read/write path, and every set/delete is journaled for cache
// reconciliation on commit or rollback.
type Tx struct {
	ctx   context.Context
	store *Store
	be    backend.Tx
	id    string

	journal []journalEntry
	backup  map[string]backupEntry
}

// ID is the transaction's identifier, used only for log correlation.
func (t *Tx) ID() string { return t.id }

// Get reads key directly through the backend's atomic section, bypassing
// the façade's cache.
func (t *Tx) Get(key string) (any, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	text, ok, err := t.be.GetValue(t.ctx, key)
	if err != nil {
		return nil, readError("backend read failed", err)
	}
	if !ok {
		return codec.Undefined, nil
	}
	return codec.Decode(text), nil
}

// Set validates, encodes, and writes value through the backend's atomic
// section, snapshotting key's previous cached state on first touch and
// journaling the mutation for cache reconciliation.
func (t *Tx) Set(key string, value any) error {
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

	t.snapshot(key)
	if err := t.be.SetValue(t.ctx, key, text); err != nil {
		return writeError("backend write failed", err)
	}
	t.journal = append(t.journal, journalEntry{key: key, op: TxOpSet, value: value})
	return nil
}

// Delete writes a delete through the backend's atomic section,
// snapshotting key's previous cached state on first touch and journaling
// the mutation.
func (t *Tx) Delete(key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	t.snapshot(key)
	if err := t.be.DeleteValue(t.ctx, key); err != nil {
		return writeError("backend write failed", err)
	}
	t.journal = append(t.journal, journalEntry{key: key, op: TxOpDelete})
	return nil
}

// snapshot records key's pre-transaction cached state the first time
// this transaction touches it. Absence from the cache is recorded as
// existed=false even when the key is present in the backend — the
// backup table mirrors the cache, not the backend, since it exists only
// to undo the cache side effects of a rolled-back transaction.
func (t *Tx) snapshot(key string) {
	if t.store.cache == nil {
		return
	}
	if _, already := t.backup[key]; already {
		return
	}
	if v, ok := t.store.cache.Get(key); ok {
		t.backup[key] = backupEntry{existed: true, value: v}
	} else {
		t.backup[key] = backupEntry{existed: false}
	}
}

// TxFunc is the caller-supplied transaction body. Returning a non-nil
// error or panicking are both treated as the caller's completion
// having failed, and roll the transaction back.
type TxFunc func(tx *Tx) error

// Transact runs fn inside a backend atomic section. Any pending batch
// is flushed first. On success, the backend section is
// committed and every journaled mutation is applied to the cache in
// order. On failure — fn returns an error, fn panics, or commit itself
// fails — the backend section is rolled back and the cache is restored to
// its pre-transaction state from the backup table. A panic from fn is then
// re-raised; otherwise the returned error is wrapped as a
// TransactionError. Calling it against a backend that
// doesn't support transactions is instead an UnsupportedOperation: there
// is no transaction to roll back.
func (s *Store) Transact(ctx context.Context, fn TxFunc) error {
	txBackend, ok := s.be.(backend.Transactional)
	if !ok || !s.be.SupportsFeature(backend.FeatureTransactions) {
		return unsupported("backend does not support transactions")
	}

	if s.batch != nil {
		if err := s.batch.FlushSync(ctx); err != nil {
			return transactionError("pre-transaction flush failed", err)
		}
	}

	be, err := txBackend.BeginTx(ctx)
	if err != nil {
		return transactionError("failed to begin transaction", err)
	}

	tx := &Tx{
		ctx:    ctx,
		store:  s,
		be:     be,
		id:     uuid.NewString(),
		backup: make(map[string]backupEntry),
	}

	bodyErr, panicked := runTxFunc(fn, tx)
	if bodyErr != nil || panicked != nil {
		if rbErr := be.Rollback(); rbErr != nil {
			log.Errorf("transaction %s: rollback failed: %v", tx.id, rbErr)
		}
		s.restoreCacheFrom(tx)
		if panicked != nil {
			panic(panicked)
		}
		return transactionError(fmt.Sprintf("transaction %s failed", tx.id), bodyErr)
	}

	if err := be.Commit(); err != nil {
		_ = be.Rollback()
		s.restoreCacheFrom(tx)
		return transactionError(fmt.Sprintf("transaction %s commit failed", tx.id), err)
	}

	s.applyJournal(tx)
	return nil
}

// runTxFunc runs fn, converting a recovered panic into a separate return
// value so Transact can roll back before deciding whether to re-panic.
func runTxFunc(fn TxFunc, tx *Tx) (bodyErr error, panicked any) {
	defer func() {
		if r := recover(); r != nil {
			panicked = r
		}
	}()
	bodyErr = fn(tx)
	return bodyErr, nil
}

func (s *Store) applyJournal(tx *Tx) {
	if s.cache == nil {
		return
	}
	for _, e := range tx.journal {
		switch e.op {
		case TxOpSet:
			s.cache.Set(e.key, e.value, 0, estimateSize(e.key, e.value))
		case TxOpDelete:
			s.cache.Delete(e.key)
		}
	}
}

func (s *Store) restoreCacheFrom(tx *Tx) {
	if s.cache == nil {
		return
	}
	for key, b := range tx.backup {
		if b.existed {
			s.cache.Set(key, b.value, 0, estimateSize(key, b.value))
		} else {
			s.cache.Delete(key)
		}
	}
}
