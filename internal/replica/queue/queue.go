// Package queue implements the replica's mutation queue.
//
// Mutations are ordered per entity key by sequence number. Only the head of a
// key's list can be handed to the transport, and only while no other
// mutation for that key is in flight, so the hub always sees a key's writes
// in the order they were made. Different keys drain independently.
package queue

import (
	"cmp"
	"errors"
	"fmt"
	"iter"
	"slices"
	"strings"
	"time"

	"github.com/platelet-app/dispatchsync/internal/replica/schema"
	"github.com/platelet-app/dispatchsync/internal/replica/syncerr"
)

var (
	// ErrUnknownSeq is returned for a sequence number the queue does not hold.
	ErrUnknownSeq = errors.New("unknown mutation sequence number")

	// ErrNotPending is returned when cancelling a mutation already sent.
	ErrNotPending = errors.New("mutation is not pending")

	// ErrNotInFlight is returned when acking or failing a mutation that was
	// not handed to the transport.
	ErrNotInFlight = errors.New("mutation is not in flight")

	// ErrDeletePending is returned when enqueueing behind a pending delete.
	ErrDeletePending = errors.New("entity has a pending delete")

	// ErrCreatePending is returned when enqueueing a second create for a key.
	ErrCreatePending = errors.New("entity already has a queued create")
)

// Status is a mutation's delivery state.
type Status int

const (
	StatusPending Status = iota
	StatusInFlight
	StatusAcked
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusInFlight:
		return "in-flight"
	case StatusAcked:
		return "acked"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Mutation is one queued local write.
type Mutation struct {
	Seq           uint64
	Key           schema.Key
	Kind          schema.Op
	Delta         schema.Fields
	BaseUpdatedAt time.Time
	Status        Status
	RetryCount    int
	NextAttempt   time.Time
	LastError     string
	EnqueuedAt    time.Time
}

// Clone returns a deep copy of m.
func (m Mutation) Clone() Mutation {
	m.Delta = m.Delta.Clone()
	return m
}

// Submission converts m to the record sent to the hub.
func (m Mutation) Submission(clientID string) schema.Submission {
	return schema.Submission{
		ClientID:      clientID,
		Seq:           m.Seq,
		Op:            m.Kind,
		Type:          m.Key.Type,
		ID:            m.Key.ID,
		Fields:        m.Delta.Clone(),
		BaseUpdatedAt: m.BaseUpdatedAt,
	}
}

// EnqueueResult reports what an Enqueue did.
type EnqueueResult struct {
	// Seq is the sequence number now carrying the write.
	Seq uint64
	// Superseded lists sequence numbers merged into Seq.
	Superseded []uint64
	// Cancelled lists pending mutations a delete removed.
	Cancelled []Mutation
	// Elided is true when a delete cancelled the key's unsent create, so
	// nothing needs to reach the hub.
	Elided bool
}

// Queue holds pending and in-flight mutations. It is not safe for concurrent
// use; the engine loop owns it.
type Queue struct {
	policy  Policy
	now     func() time.Time
	nextSeq uint64

	byKey map[schema.Key][]*Mutation
	bySeq map[uint64]*Mutation
}

// New creates an empty queue.
func New(policy Policy) *Queue {
	return &Queue{
		policy: policy.normalized(),
		now:    time.Now,
		byKey:  make(map[schema.Key][]*Mutation),
		bySeq:  make(map[uint64]*Mutation),
	}
}

// SetClock overrides the queue's clock.
func (q *Queue) SetClock(now func() time.Time) {
	q.now = now
}

// Policy returns the queue's retry policy.
func (q *Queue) Policy() Policy {
	return q.policy
}

// Enqueue adds a write for key and returns the sequence number carrying it.
//
// An update merges into the key's last mutation when that mutation is still
// pending and either is a create, is an update touching an overlapping
// field, or is a throttled update still inside its throttle window. The
// merged mutation takes the new sequence number.
//
// A delete removes every pending mutation for the key.
func (q *Queue) Enqueue(kind schema.Op, key schema.Key, delta schema.Fields, base time.Time) (EnqueueResult, error) {
	if !kind.Valid() {
		return EnqueueResult{}, fmt.Errorf("invalid mutation kind %q", kind)
	}
	now := q.now()
	list := q.byKey[key]

	if n := len(list); n > 0 && list[n-1].Kind == schema.OpDelete {
		return EnqueueResult{}, fmt.Errorf("%s: %w", key, ErrDeletePending)
	}

	if kind == schema.OpCreate {
		for _, m := range list {
			if m.Kind == schema.OpCreate {
				return EnqueueResult{}, fmt.Errorf("%s: %w", key, ErrCreatePending)
			}
		}
	}

	q.nextSeq++
	seq := q.nextSeq

	switch kind {
	case schema.OpUpdate:
		if tail := q.tail(key); tail != nil && q.coalesces(tail, delta, now) {
			old := tail.Seq
			delete(q.bySeq, old)
			tail.Seq = seq
			tail.Delta = tail.Delta.Merge(delta)
			q.bySeq[seq] = tail
			return EnqueueResult{Seq: seq, Superseded: []uint64{old}}, nil
		}

	case schema.OpDelete:
		var res EnqueueResult
		res.Seq = seq
		kept := list[:0:0]
		unsentCreate := false
		for _, m := range list {
			if m.Status == StatusPending {
				if m.Kind == schema.OpCreate {
					unsentCreate = true
				}
				delete(q.bySeq, m.Seq)
				res.Cancelled = append(res.Cancelled, m.Clone())
				continue
			}
			kept = append(kept, m)
		}
		q.setList(key, kept)
		if unsentCreate && len(kept) == 0 {
			res.Elided = true
			return res, nil
		}
		q.push(&Mutation{Seq: seq, Key: key, Kind: kind, BaseUpdatedAt: base, EnqueuedAt: now})
		return res, nil
	}

	m := &Mutation{
		Seq:           seq,
		Key:           key,
		Kind:          kind,
		Delta:         delta.Clone(),
		BaseUpdatedAt: base,
		EnqueuedAt:    now,
	}
	if kind == schema.OpUpdate && q.policy.throttled(key.Type) {
		m.NextAttempt = now.Add(q.policy.ThrottleWindow)
	}
	q.push(m)
	return EnqueueResult{Seq: seq}, nil
}

func (q *Queue) coalesces(tail *Mutation, delta schema.Fields, now time.Time) bool {
	if tail.Status != StatusPending {
		return false
	}
	switch tail.Kind {
	case schema.OpCreate:
		return true
	case schema.OpUpdate:
		if tail.Delta.Overlaps(delta) {
			return true
		}
		return q.policy.throttled(tail.Key.Type) && tail.RetryCount == 0 && now.Before(tail.NextAttempt)
	}
	return false
}

func (q *Queue) tail(key schema.Key) *Mutation {
	list := q.byKey[key]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

func (q *Queue) push(m *Mutation) {
	q.byKey[m.Key] = append(q.byKey[m.Key], m)
	q.bySeq[m.Seq] = m
}

func (q *Queue) setList(key schema.Key, list []*Mutation) {
	if len(list) == 0 {
		delete(q.byKey, key)
		return
	}
	q.byKey[key] = list
}

func (q *Queue) remove(m *Mutation) {
	delete(q.bySeq, m.Seq)
	list := q.byKey[m.Key]
	i := slices.Index(list, m)
	if i >= 0 {
		list = slices.Delete(list, i, i+1)
	}
	q.setList(m.Key, list)
}

// Next hands the next sendable mutation to the caller and marks it in flight.
// It returns false when nothing can be sent at now.
func (q *Queue) Next(now time.Time) (Mutation, bool) {
	var best *Mutation
	for _, list := range q.byKey {
		head := list[0]
		if head.Status != StatusPending || head.NextAttempt.After(now) {
			continue
		}
		if best == nil || head.Seq < best.Seq {
			best = head
		}
	}
	if best == nil {
		return Mutation{}, false
	}
	best.Status = StatusInFlight
	return best.Clone(), true
}

// Drain yields every mutation sendable at now, lowest sequence number first
// among key heads. Each yielded mutation is already marked in flight.
func (q *Queue) Drain(now time.Time) iter.Seq[Mutation] {
	return func(yield func(Mutation) bool) {
		for {
			m, ok := q.Next(now)
			if !ok || !yield(m) {
				return
			}
		}
	}
}

// MarkAcked removes an in-flight mutation after the hub accepted it.
func (q *Queue) MarkAcked(seq uint64) (Mutation, error) {
	m, ok := q.bySeq[seq]
	if !ok {
		return Mutation{}, fmt.Errorf("seq %d: %w", seq, ErrUnknownSeq)
	}
	if m.Status != StatusInFlight {
		return Mutation{}, fmt.Errorf("seq %d: %w", seq, ErrNotInFlight)
	}
	q.remove(m)
	m.Status = StatusAcked
	return m.Clone(), nil
}

// MarkFailed records a failed delivery. Retryable errors put the mutation
// back to pending with exponential backoff until the retry budget is spent.
// Terminal reports whether the mutation left the queue; in that case the
// caller must surface the error.
func (q *Queue) MarkFailed(seq uint64, cause error) (m Mutation, terminal bool, err error) {
	p, ok := q.bySeq[seq]
	if !ok {
		return Mutation{}, false, fmt.Errorf("seq %d: %w", seq, ErrUnknownSeq)
	}
	if p.Status != StatusInFlight {
		return Mutation{}, false, fmt.Errorf("seq %d: %w", seq, ErrNotInFlight)
	}
	if cause != nil {
		p.LastError = cause.Error()
	}

	if syncerr.IsRetryable(cause) && p.RetryCount < q.policy.MaxRetries {
		p.RetryCount++
		p.Status = StatusPending
		p.NextAttempt = q.now().Add(q.policy.Backoff(p.RetryCount))
		return p.Clone(), false, nil
	}

	q.remove(p)
	p.Status = StatusFailed
	return p.Clone(), true, nil
}

// Cancel removes a pending mutation that has not been sent.
func (q *Queue) Cancel(seq uint64) (Mutation, error) {
	m, ok := q.bySeq[seq]
	if !ok {
		return Mutation{}, fmt.Errorf("seq %d: %w", seq, ErrUnknownSeq)
	}
	if m.Status != StatusPending {
		return Mutation{}, fmt.Errorf("seq %d: %w", seq, ErrNotPending)
	}
	q.remove(m)
	return m.Clone(), nil
}

// FailKey removes every pending mutation for key and returns them. In-flight
// mutations stay until the transport answers.
func (q *Queue) FailKey(key schema.Key) []Mutation {
	var failed []Mutation
	var kept []*Mutation
	for _, m := range q.byKey[key] {
		if m.Status == StatusPending {
			delete(q.bySeq, m.Seq)
			c := m.Clone()
			c.Status = StatusFailed
			failed = append(failed, c)
			continue
		}
		kept = append(kept, m)
	}
	q.setList(key, kept)
	return failed
}

// ForKey returns the key's queued mutations in sequence order.
func (q *Queue) ForKey(key schema.Key) []Mutation {
	list := q.byKey[key]
	out := make([]Mutation, len(list))
	for i, m := range list {
		out[i] = m.Clone()
	}
	return out
}

// Get returns the mutation with the given sequence number.
func (q *Queue) Get(seq uint64) (Mutation, bool) {
	m, ok := q.bySeq[seq]
	if !ok {
		return Mutation{}, false
	}
	return m.Clone(), true
}

// HasPending reports whether key has any queued mutation.
func (q *Queue) HasPending(key schema.Key) bool {
	return len(q.byKey[key]) > 0
}

// Keys returns every key with queued mutations.
func (q *Queue) Keys() []schema.Key {
	keys := make([]schema.Key, 0, len(q.byKey))
	for k := range q.byKey {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b schema.Key) int {
		return strings.Compare(a.String(), b.String())
	})
	return keys
}

// NextWake returns the earliest time a currently blocked key head becomes
// sendable. It returns false when no head is waiting on a timer.
func (q *Queue) NextWake() (time.Time, bool) {
	var wake time.Time
	found := false
	for _, list := range q.byKey {
		head := list[0]
		if head.Status != StatusPending || head.NextAttempt.IsZero() {
			continue
		}
		if !found || head.NextAttempt.Before(wake) {
			wake = head.NextAttempt
			found = true
		}
	}
	return wake, found
}

// Len returns the number of queued mutations.
func (q *Queue) Len() int {
	return len(q.bySeq)
}

// Snapshot returns every queued mutation in sequence order.
func (q *Queue) Snapshot() []Mutation {
	out := make([]Mutation, 0, len(q.bySeq))
	for _, m := range q.bySeq {
		out = append(out, m.Clone())
	}
	slices.SortFunc(out, func(a, b Mutation) int {
		return cmp.Compare(a.Seq, b.Seq)
	})
	return out
}

// Restore reinserts a persisted mutation. In-flight mutations come back as
// pending since their outcome is unknown; the hub deduplicates resends.
// Mutations must be restored in sequence order.
func (q *Queue) Restore(m Mutation) error {
	if _, dup := q.bySeq[m.Seq]; dup {
		return fmt.Errorf("seq %d already queued", m.Seq)
	}
	if tail := q.tail(m.Key); tail != nil && tail.Seq > m.Seq {
		return fmt.Errorf("seq %d restored out of order for %s", m.Seq, m.Key)
	}
	c := m.Clone()
	if c.Status != StatusPending {
		c.Status = StatusPending
	}
	q.push(&c)
	if m.Seq > q.nextSeq {
		q.nextSeq = m.Seq
	}
	return nil
}

// LastSeq returns the highest sequence number handed out.
func (q *Queue) LastSeq() uint64 {
	return q.nextSeq
}

// SetLastSeq raises the sequence counter so new mutations never reuse a
// number the hub has already seen.
func (q *Queue) SetLastSeq(seq uint64) {
	if seq > q.nextSeq {
		q.nextSeq = seq
	}
}
