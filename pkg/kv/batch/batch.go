// Package batch implements a write-batch coalescer: operations queue up
// behind a size/deadline trigger and flush together as one backend
// call, with bounded retry on failure.
//
// The queue itself is a mutex-guarded slice rather than
// lib/db/util/lockfreempsc.go's lock-free MPSC list — that queue's own
// doc comment admits "no strict FIFO guarantee" under concurrent
// producers, while flush here must detach an exact ordered prefix as one
// atomic unit, which a channel-based single-item consumer protocol
// doesn't give. Its producer-side contention strategy rhymes though:
// Add's queue-full retry loop backs off exponentially the same way
// lockfreempsc.go's Push does, bounded here at a fixed attempt count
// that fails loudly instead of spinning forever.
//
// Each queued op carries a one-shot completion channel; Add blocks on
// its own op's channel rather than returning as soon as the op is
// admitted onto the queue, so a caller awaiting Add learns the actual
// partition outcome.
package batch

import (
	"context"
	"sync"
	"time"

	"github.com/birchdb/birch/internal/logging"
)

var log = logging.Get("batch")

// Op is a single queued write.
type Op struct {
	Kind  OpKind
	Key   string
	Value any
}

// queuedOp pairs an Op with a one-shot completion notifier bound to the
// caller's awaiter; fulfillment happens exactly once per entry. done is
// buffered by 1 so FlushSync never blocks delivering a result to an Add
// call that has already abandoned ctx.
type queuedOp struct {
	op   Op
	done chan error
}

type OpKind int

const (
	OpSet OpKind = iota
	OpDelete
)

// FlushFunc applies a batch of ops to the backend. It is called with at
// most one in-flight invocation at a time: flushes never overlap.
type FlushFunc func(ctx context.Context, ops []Op) error

// Options configures a Batch.
type Options struct {
	MaxSize          int
	Delay            time.Duration
	OperationTimeout time.Duration
	MaxQueueSize     int
}

// Batch coalesces writes behind a size/deadline trigger.
type Batch struct {
	mu sync.Mutex

	maxSize          int
	delay            time.Duration
	operationTimeout time.Duration
	maxQueueSize     int

	queue []*queuedOp
	timer *time.Timer

	flush    FlushFunc
	flushing bool

	closed bool
}

// New constructs a Batch that calls flush when triggered.
func New(opts Options, flush FlushFunc) *Batch {
	if opts.MaxSize <= 0 {
		opts.MaxSize = 100
	}
	if opts.MaxQueueSize <= 0 {
		opts.MaxQueueSize = opts.MaxSize * 100
	}
	return &Batch{
		maxSize:          opts.MaxSize,
		delay:            opts.Delay,
		operationTimeout: opts.OperationTimeout,
		maxQueueSize:     opts.MaxQueueSize,
		flush:            flush,
	}
}

// Add enqueues an op, triggering an immediate flush once the queue
// reaches maxSize or arming a deadline timer for the first op in an
// otherwise-empty queue. With a zero delay no timer is armed: queued ops
// then wait for the size trigger or an explicit flush. If the queue is already at maxQueueSize, the
// admission-control ceiling, it retries admission with the same bounded
// exponential backoff as a flush retry (100ms initial, doubling, capped
// at 5s) for up to maxAttempts tries; if the queue is still full after
// the last retry, it fails with errQueueFull rather than blocking
// forever (grounded on lockfreempsc.go's Push, whose own spin-then-yield
// retry loop this mirrors, bounded here instead of unbounded since the
// spec calls for admission to eventually fail loudly). Once admitted, it
// awaits this op's own one-shot completion notifier so the caller learns
// the outcome of the partition this op actually landed in, not just that
// it was accepted onto the queue.
func (b *Batch) Add(ctx context.Context, op Op) error {
	delay := retryBaseDelay
	for attempt := 1; ; attempt++ {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return errClosed
		}
		if len(b.queue) < b.maxQueueSize {
			break
		}
		b.mu.Unlock()

		if attempt >= maxAttempts {
			return errQueueFull
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > retryMaxDelay {
			delay = retryMaxDelay
		}
	}

	qo := &queuedOp{op: op, done: make(chan error, 1)}
	b.queue = append(b.queue, qo)
	full := len(b.queue) >= b.maxSize
	if len(b.queue) == 1 && !full && b.delay > 0 {
		b.timer = time.AfterFunc(b.delay, b.flushAsync)
	}
	b.mu.Unlock()

	if full {
		go func() {
			if err := b.FlushSync(context.Background()); err != nil {
				log.Errorf("size-triggered flush failed: %v", err)
			}
		}()
	}

	select {
	case err := <-qo.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Size returns the number of queued, not-yet-flushed ops.
func (b *Batch) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Clear drops the queue silently: no flush callback runs, and the
// dropped ops are neither resolved nor rejected, so their callers stay
// blocked in Add until their own context ends.
func (b *Batch) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queue = nil
	b.disarmLocked()
}

func (b *Batch) disarmLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

func (b *Batch) flushAsync() {
	ctx := context.Background()
	if b.operationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.operationTimeout)
		defer cancel()
	}
	if err := b.FlushSync(ctx); err != nil {
		log.Errorf("deadline flush failed: %v", err)
	}
}

// FlushSync detaches up to maxSize queued ops as one ordered partition and
// applies it through flush, retrying with bounded exponential backoff
// (100ms to a 5s cap, 3 attempts) on failure, and racing each partition's
// attempt against operationTimeout when ctx carries no earlier deadline.
// If the queue still holds more than maxSize ops (or gains more while this
// call runs), FlushSync keeps detaching and flushing maxSize-sized
// partitions in FIFO order until the queue is empty, rather than handing
// the whole backlog to the executor as one partition — so a single
// backend failure only fails the one maxSize group it actually touched,
// not every queued op regardless of how far past maxSize the queue had
// grown. Flushes never overlap: a FlushSync call that arrives while
// another is still running waits for it rather than racing it.
func (b *Batch) FlushSync(ctx context.Context) error {
	b.mu.Lock()
	for b.flushing {
		b.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
		b.mu.Lock()
	}
	if len(b.queue) == 0 {
		b.mu.Unlock()
		return nil
	}
	b.disarmLocked()
	b.flushing = true
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.flushing = false
		b.mu.Unlock()
	}()

	var firstErr error
	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			b.mu.Unlock()
			break
		}
		n := b.maxSize
		if n > len(b.queue) {
			n = len(b.queue)
		}
		queued := b.queue[:n]
		b.queue = b.queue[n:]
		b.mu.Unlock()

		err := b.flushPartition(ctx, queued)
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// flushPartition applies one maxSize-bounded partition through flush and
// fulfills every queued op's completion notifier with the outcome.
// Fulfillment happens exactly once per entry; every op in this partition
// shares the same outcome, an all-or-nothing completion per partition.
func (b *Batch) flushPartition(ctx context.Context, queued []*queuedOp) error {
	partCtx := ctx
	if b.operationTimeout > 0 {
		var cancel context.CancelFunc
		partCtx, cancel = context.WithTimeout(ctx, b.operationTimeout)
		defer cancel()
	}

	ops := make([]Op, len(queued))
	for i, qo := range queued {
		ops[i] = qo.op
	}

	err := b.flushWithRetry(partCtx, ops)
	for _, qo := range queued {
		qo.done <- err
	}
	return err
}

const (
	retryBaseDelay = 100 * time.Millisecond
	retryMaxDelay  = 5 * time.Second
	maxAttempts    = 3
)

func (b *Batch) flushWithRetry(ctx context.Context, ops []Op) error {
	delay := retryBaseDelay
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := b.flush(ctx, ops)
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > retryMaxDelay {
			delay = retryMaxDelay
		}
	}
	return lastErr
}

// Close flushes any remaining queue and prevents further Add calls.
func (b *Batch) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	return b.FlushSync(ctx)
}

var errClosed = &closedError{}

type closedError struct{}

func (*closedError) Error() string { return "batch: closed" }

var errQueueFull = &queueFullError{}

type queueFullError struct{}

func (*queueFullError) Error() string { return "batch: queue full" }
