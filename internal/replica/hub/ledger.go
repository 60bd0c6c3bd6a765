// Package hub provides the reference remote service replicas sync against.
//
// The Ledger holds confirmed state and commits submissions; the Server
// exposes it over HTTP with websocket change subscriptions. The hub enforces
// what a backend would: schema validation, server-assigned updatedAt,
// idempotent resubmission and unique user display names. It does not
// cascade deletes; clients enqueue dependent deletes themselves.
package hub

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/platelet-app/dispatchsync/internal/replica/schema"
	"github.com/platelet-app/dispatchsync/internal/replica/syncerr"
)

// DefaultSubscriberBuffer is the per-subscriber event buffer. A subscriber
// that falls this far behind is disconnected and must resync.
const DefaultSubscriberBuffer = 256

// LedgerConfig configures a Ledger.
type LedgerConfig struct {
	// StrictTypes lists entity types whose updates must carry the current
	// updatedAt as their base; others are last-writer-wins.
	StrictTypes []schema.EntityType

	// SubscriberBuffer sizes each subscriber channel.
	SubscriberBuffer int

	// Clock supplies commit timestamps (default: time.Now).
	Clock func() time.Time

	// Logger for ledger activity (default: slog.Default()).
	Logger *slog.Logger
}

// DefaultLedgerConfig returns sensible defaults.
func DefaultLedgerConfig() *LedgerConfig {
	return &LedgerConfig{
		SubscriberBuffer: DefaultSubscriberBuffer,
		Clock:            time.Now,
		Logger:           slog.Default(),
	}
}

type resultKey struct {
	clientID string
	seq      uint64
}

type result struct {
	ack schema.Ack
	err error
}

type subscriber struct {
	types map[schema.EntityType]bool
	ch    chan schema.ChangeEvent
}

// Ledger is the hub's authoritative entity table.
type Ledger struct {
	mu       sync.Mutex
	entities map[schema.Key]schema.Entity
	deleted  map[schema.Key]time.Time
	results  map[resultKey]result
	last     time.Time

	subs    map[int]*subscriber
	nextSub int

	strict map[schema.EntityType]bool
	buffer int
	clock  func() time.Time
	logger *slog.Logger

	// OnCommit, if set, is called after every committed write while the
	// ledger lock is held. It must not call back into the Ledger.
	OnCommit func(schema.Submission, schema.ChangeEvent)
}

// NewLedger creates an empty ledger.
func NewLedger(config *LedgerConfig) *Ledger {
	if config == nil {
		config = DefaultLedgerConfig()
	}
	l := &Ledger{
		entities: make(map[schema.Key]schema.Entity),
		deleted:  make(map[schema.Key]time.Time),
		results:  make(map[resultKey]result),
		subs:     make(map[int]*subscriber),
		strict:   make(map[schema.EntityType]bool),
		buffer:   config.SubscriberBuffer,
		clock:    config.Clock,
		logger:   config.Logger,
	}
	if l.buffer <= 0 {
		l.buffer = DefaultSubscriberBuffer
	}
	if l.clock == nil {
		l.clock = time.Now
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	for _, t := range config.StrictTypes {
		l.strict[t] = true
	}
	return l
}

// Submit commits a submission and returns the committed state. Resubmitting
// a (clientId, seq) pair returns the first answer without writing again.
func (l *Ledger) Submit(sub schema.Submission) (schema.Ack, error) {
	key := sub.Key()
	if err := sub.Validate(); err != nil {
		return schema.Ack{}, syncerr.New(syncerr.ErrValidationRejected, key, err.Error())
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rk := resultKey{clientID: sub.ClientID, seq: sub.Seq}
	if prev, ok := l.results[rk]; ok {
		return prev.ack, prev.err
	}

	ack, ev, err := l.apply(sub)
	l.results[rk] = result{ack: ack, err: err}
	if err != nil {
		l.logger.Debug("submission rejected", "key", key.String(), "op", string(sub.Op), "client", sub.ClientID, "seq", sub.Seq, "error", err)
		return ack, err
	}

	l.logger.Debug("submission committed", "key", key.String(), "op", string(sub.Op), "client", sub.ClientID, "seq", sub.Seq)
	if l.OnCommit != nil {
		l.OnCommit(sub, ev)
	}
	l.publish(ev)
	return ack, nil
}

func (l *Ledger) apply(sub schema.Submission) (schema.Ack, schema.ChangeEvent, error) {
	key := sub.Key()
	current, exists := l.entities[key]
	_, wasDeleted := l.deleted[key]

	switch sub.Op {
	case schema.OpCreate:
		if exists {
			snap := current.Clone()
			return schema.Ack{}, schema.ChangeEvent{}, syncerr.Conflict(key, "entity already exists", &snap)
		}
		if wasDeleted {
			return schema.Ack{}, schema.ChangeEvent{}, syncerr.New(syncerr.ErrEntityDeleted, key, "entity was deleted")
		}
		e := schema.Entity{Type: sub.Type, ID: sub.ID, Fields: sub.Fields.Clone()}
		if e.Fields == nil {
			e.Fields = schema.Fields{}
		}
		e.Fields.Canonicalize()
		if sub.Type == schema.TypeUser {
			e.Fields[schema.FieldDisplayName] = l.uniqueDisplayName(e.Fields.String(schema.FieldDisplayName))
		}
		if err := e.Validate(); err != nil {
			return schema.Ack{}, schema.ChangeEvent{}, syncerr.New(syncerr.ErrValidationRejected, key, err.Error())
		}
		e.UpdatedAt = l.tick()
		l.entities[key] = e
		return schema.Ack{Seq: sub.Seq, Entity: e.Clone()}, schema.ChangeEvent{Op: schema.OpCreate, Entity: e.Clone()}, nil

	case schema.OpUpdate:
		if !exists {
			return schema.Ack{}, schema.ChangeEvent{}, syncerr.New(syncerr.ErrEntityDeleted, key, "entity does not exist")
		}
		if l.strict[key.Type] && !sub.BaseUpdatedAt.IsZero() && !sub.BaseUpdatedAt.Equal(current.UpdatedAt) {
			snap := current.Clone()
			return schema.Ack{}, schema.ChangeEvent{}, syncerr.Conflict(key,
				fmt.Sprintf("base version %s is not current %s", schema.Timestamp(sub.BaseUpdatedAt), schema.Timestamp(current.UpdatedAt)), &snap)
		}
		e := current.Clone()
		e.Fields = e.Fields.Merge(sub.Fields)
		e.Fields.Canonicalize()
		if err := e.Validate(); err != nil {
			return schema.Ack{}, schema.ChangeEvent{}, syncerr.New(syncerr.ErrValidationRejected, key, err.Error())
		}
		e.UpdatedAt = l.tick()
		l.entities[key] = e
		return schema.Ack{Seq: sub.Seq, Entity: e.Clone()}, schema.ChangeEvent{Op: schema.OpUpdate, Entity: e.Clone()}, nil

	default: // delete
		if !exists {
			if at, ok := l.deleted[key]; ok {
				tomb := schema.Entity{Type: key.Type, ID: key.ID, UpdatedAt: at}
				return schema.Ack{Seq: sub.Seq, Entity: tomb, Deleted: true}, schema.ChangeEvent{Op: schema.OpDelete, Entity: tomb}, nil
			}
			return schema.Ack{}, schema.ChangeEvent{}, syncerr.New(syncerr.ErrEntityDeleted, key, "entity does not exist")
		}
		at := l.tick()
		delete(l.entities, key)
		l.deleted[key] = at
		tomb := schema.Entity{Type: key.Type, ID: key.ID, UpdatedAt: at}
		return schema.Ack{Seq: sub.Seq, Entity: tomb, Deleted: true}, schema.ChangeEvent{Op: schema.OpDelete, Entity: tomb}, nil
	}
}

// tick returns a commit timestamp strictly after the previous one.
func (l *Ledger) tick() time.Time {
	t := l.clock().UTC()
	if !t.After(l.last) {
		t = l.last.Add(time.Microsecond)
	}
	l.last = t
	return t
}

// uniqueDisplayName returns name, or name-N with the lowest N not taken by
// another user.
func (l *Ledger) uniqueDisplayName(name string) string {
	taken := make(map[string]bool)
	for key, e := range l.entities {
		if key.Type == schema.TypeUser {
			taken[strings.ToLower(e.Fields.String(schema.FieldDisplayName))] = true
		}
	}
	if !taken[strings.ToLower(name)] {
		return name
	}
	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s-%d", name, n)
		if !taken[strings.ToLower(candidate)] {
			return candidate
		}
	}
}

// publish fans ev out to subscribers of its type. A subscriber whose buffer
// is full is dropped and its channel closed.
func (l *Ledger) publish(ev schema.ChangeEvent) {
	for id, s := range l.subs {
		if !s.types[ev.Entity.Type] {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			l.logger.Warn("subscriber fell behind, disconnecting", "subscriber", id)
			close(s.ch)
			delete(l.subs, id)
		}
	}
}

// Subscribe returns a channel of committed changes for the given types. The
// channel is closed when cancel is called or the subscriber falls behind.
func (l *Ledger) Subscribe(types ...schema.EntityType) (<-chan schema.ChangeEvent, func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.nextSub
	l.nextSub++
	s := &subscriber{types: make(map[schema.EntityType]bool), ch: make(chan schema.ChangeEvent, l.buffer)}
	for _, t := range types {
		s.types[t] = true
	}
	l.subs[id] = s

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if cur, ok := l.subs[id]; ok && cur == s {
				close(s.ch)
				delete(l.subs, id)
			}
		})
	}
}

// Get returns the committed entity for key.
func (l *Ledger) Get(key schema.Key) (schema.Entity, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entities[key]
	if !ok {
		return schema.Entity{}, false
	}
	return e.Clone(), true
}

// List returns every committed entity of type t, ordered by id.
func (l *Ledger) List(t schema.EntityType) []schema.Entity {
	out, _ := l.Listing(t)
	return out
}

// Listing is List plus the commit time the listing reflects: every write
// committed at or before asOf is included.
func (l *Ledger) Listing(t schema.EntityType) (out []schema.Entity, asOf time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, e := range l.entities {
		if key.Type == t {
			out = append(out, e.Clone())
		}
	}
	slices.SortFunc(out, func(a, b schema.Entity) int {
		return strings.Compare(a.ID, b.ID)
	})
	return out, l.last
}

// Load inserts entities directly, bypassing submission rules. Used for
// seeding. Entities without an updatedAt get one.
func (l *Ledger) Load(entities []schema.Entity) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range entities {
		if err := e.Validate(); err != nil {
			return fmt.Errorf("failed to load %s: %w", e.Key(), err)
		}
	}
	for _, e := range entities {
		c := e.Clone()
		c.Fields.Canonicalize()
		if c.UpdatedAt.IsZero() {
			c.UpdatedAt = l.tick()
		} else if c.UpdatedAt.After(l.last) {
			l.last = c.UpdatedAt
		}
		l.entities[c.Key()] = c
		delete(l.deleted, c.Key())
	}
	return nil
}

// Stats summarizes the ledger contents.
type Stats struct {
	ByType      map[schema.EntityType]int `json:"by_type"`
	Deleted     int                       `json:"deleted"`
	Subscribers int                       `json:"subscribers"`
	Submissions int                       `json:"submissions"`
}

// Stats returns current counts.
func (l *Ledger) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := Stats{
		ByType:      make(map[schema.EntityType]int),
		Deleted:     len(l.deleted),
		Subscribers: len(l.subs),
		Submissions: len(l.results),
	}
	for key := range l.entities {
		st.ByType[key.Type]++
	}
	return st
}

// Types returns the entity types currently held, sorted.
func (l *Ledger) Types() []schema.EntityType {
	st := l.Stats()
	return slices.Sorted(maps.Keys(st.ByType))
}
