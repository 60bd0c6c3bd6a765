package remote

import (
	"context"
	"sync"

	"github.com/platelet-app/dispatchsync/internal/replica/hub"
	"github.com/platelet-app/dispatchsync/internal/replica/queue"
	"github.com/platelet-app/dispatchsync/internal/replica/schema"
	"github.com/platelet-app/dispatchsync/internal/replica/syncerr"
)

// Loopback is a Transport over an in-process ledger. It can inject
// failures ahead of submissions.
type Loopback struct {
	ledger   *hub.Ledger
	clientID string

	mu       sync.Mutex
	faults   []error
	hold     chan struct{}
	submits  []schema.Submission
	rejectFn func(schema.Submission) error
}

var _ Transport = (*Loopback)(nil)

// NewLoopback returns a transport submitting to ledger as clientID.
func NewLoopback(ledger *hub.Ledger, clientID string) *Loopback {
	return &Loopback{ledger: ledger, clientID: clientID}
}

// FailNext makes the next len(errs) submissions fail with the given errors,
// in order, without reaching the ledger.
func (l *Loopback) FailNext(errs ...error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.faults = append(l.faults, errs...)
}

// RejectWhen installs a hook that can refuse submissions before they reach
// the ledger. A nil fn removes the hook.
func (l *Loopback) RejectWhen(fn func(schema.Submission) error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rejectFn = fn
}

// Hold blocks submissions until the returned release function is called.
func (l *Loopback) Hold() (release func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch := make(chan struct{})
	l.hold = ch
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			if l.hold == ch {
				l.hold = nil
			}
			l.mu.Unlock()
			close(ch)
		})
	}
}

// Submissions returns every submission that reached the ledger, in order.
func (l *Loopback) Submissions() []schema.Submission {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]schema.Submission(nil), l.submits...)
}

// Submit implements Transport.
func (l *Loopback) Submit(ctx context.Context, m queue.Mutation) (schema.Ack, error) {
	l.mu.Lock()
	hold := l.hold
	l.mu.Unlock()
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return schema.Ack{}, syncerr.Transient(m.Key, ctx.Err())
		}
	}

	sub := m.Submission(l.clientID)

	l.mu.Lock()
	if len(l.faults) > 0 {
		err := l.faults[0]
		l.faults = l.faults[1:]
		l.mu.Unlock()
		return schema.Ack{}, err
	}
	if l.rejectFn != nil {
		if err := l.rejectFn(sub); err != nil {
			l.mu.Unlock()
			return schema.Ack{}, err
		}
	}
	l.submits = append(l.submits, sub)
	l.mu.Unlock()

	return l.ledger.Submit(sub)
}

// Subscribe implements Transport.
func (l *Loopback) Subscribe(ctx context.Context, t schema.EntityType) (<-chan schema.ChangeEvent, error) {
	events, cancel := l.ledger.Subscribe(t)
	out := make(chan schema.ChangeEvent)

	go func() {
		defer close(out)
		defer func() { cancel() }()

		listed, asOf := l.ledger.Listing(t)
		if !emitListing(ctx, out, t, listed, asOf) {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					// Dropped for falling behind: resubscribe and relist.
					events, cancel = l.ledger.Subscribe(t)
					listed, asOf := l.ledger.Listing(t)
					if !emitListing(ctx, out, t, listed, asOf) {
						return
					}
					continue
				}
				if !emit(ctx, out, ev) {
					return
				}
			}
		}
	}()

	return out, nil
}
