package reconcile

import (
	"context"
	"slices"
	"sync"

	"github.com/platelet-app/dispatchsync/internal/replica/schema"
)

// Receipt tracks the mutations one intent queued until the hub has answered
// for all of them.
type Receipt struct {
	key schema.Key

	mu      sync.Mutex
	pending map[uint64]bool
	seqs    []uint64
	err     error
	done    chan struct{}
	sealed  bool
	closed  bool
}

func newReceipt(key schema.Key) *Receipt {
	return &Receipt{key: key, pending: make(map[uint64]bool), done: make(chan struct{})}
}

// failedReceipt returns a receipt already resolved with err.
func failedReceipt(key schema.Key, err error) *Receipt {
	r := newReceipt(key)
	r.fail(err)
	r.seal()
	return r
}

// Key returns the primary entity the intent wrote.
func (r *Receipt) Key() schema.Key {
	return r.key
}

// Seqs returns the sequence numbers still awaiting an answer.
func (r *Receipt) Seqs() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.seqs)
}

// Done is closed once every mutation has been resolved.
func (r *Receipt) Done() <-chan struct{} {
	return r.done
}

// Err returns the first failure, once Done is closed.
func (r *Receipt) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Wait blocks until the intent is resolved or ctx ends. It returns the first
// failure of any of the intent's mutations.
func (r *Receipt) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Receipt) track(seq uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.pending[seq] {
		r.pending[seq] = true
		r.seqs = append(r.seqs, seq)
	}
}

// move retargets old onto seq after a coalesce. It reports whether seq was
// newly tracked.
func (r *Receipt) move(old, seq uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drop(old)
	if r.pending[seq] {
		return false
	}
	r.pending[seq] = true
	r.seqs = append(r.seqs, seq)
	return true
}

func (r *Receipt) drop(seq uint64) {
	delete(r.pending, seq)
	r.seqs = slices.DeleteFunc(r.seqs, func(s uint64) bool { return s == seq })
}

func (r *Receipt) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err == nil {
		r.err = err
	}
}

// resolve settles seq and closes the receipt when nothing is left.
func (r *Receipt) resolve(seq uint64, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil && r.err == nil {
		r.err = err
	}
	r.drop(seq)
	r.maybeClose()
}

// seal marks the receipt complete: no more sequence numbers will be tracked.
func (r *Receipt) seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
	r.maybeClose()
}

func (r *Receipt) maybeClose() {
	if r.sealed && !r.closed && len(r.pending) == 0 {
		r.closed = true
		close(r.done)
	}
}
