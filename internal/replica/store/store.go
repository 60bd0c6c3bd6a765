// Package store provides the in-memory entity table behind a replica.
//
// The Store holds the effective state the UI sees: confirmed hub state with
// pending local overlays already applied. It knows nothing about merge rules;
// the reconciler decides what to write and tags each write with its origin.
//
// Concurrency: reads are safe from any goroutine. Writes must come from a
// single goroutine (the engine loop). Listeners run synchronously on the
// writing goroutine once a batch is fully applied, and any write attempted
// from inside a listener is rejected with ErrReentrantWrite.
package store

import (
	"errors"
	"fmt"
	"iter"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/platelet-app/dispatchsync/internal/replica/schema"
)

var (
	// ErrNotFound is returned by Get for unknown or deleted keys.
	ErrNotFound = errors.New("entity not found")

	// ErrReentrantWrite is returned when a listener tries to write.
	ErrReentrantWrite = errors.New("store write from inside a listener")
)

// DefaultTombstoneTTL is how long deleted keys are remembered.
const DefaultTombstoneTTL = 5 * time.Minute

// Origin attributes a write to the local user or to the hub.
type Origin int

const (
	OriginLocal Origin = iota
	OriginRemote
)

func (o Origin) String() string {
	if o == OriginRemote {
		return "remote"
	}
	return "local"
}

// Change describes one entity change delivered to listeners.
type Change struct {
	Op       schema.Op
	Key      schema.Key
	Entity   schema.Entity  // state after the change; zero for deletes
	Previous *schema.Entity // state before the change; nil for creates
	Origin   Origin
}

// Listener receives changes for one entity type.
type Listener func(Change)

// Write is one element of an atomic batch. Delete writes need only the
// entity's type, id and UpdatedAt.
type Write struct {
	Entity schema.Entity
	Delete bool
}

// Put returns a write that stores e.
func Put(e schema.Entity) Write {
	return Write{Entity: e}
}

// Del returns a write that tombstones key.
func Del(key schema.Key, updatedAt time.Time) Write {
	return Write{Entity: schema.Entity{Type: key.Type, ID: key.ID, UpdatedAt: updatedAt}, Delete: true}
}

// Tombstone records a deleted key.
type Tombstone struct {
	Key       schema.Key
	UpdatedAt time.Time // hub time of the delete, zero if only deleted locally
	DeletedAt time.Time // local time the tombstone was written
}

// Store is a keyed table of entities with change notification.
type Store struct {
	mu         sync.RWMutex
	entities   map[schema.EntityType]map[string]schema.Entity
	tombstones map[schema.Key]Tombstone

	listenerMu sync.RWMutex
	listeners  map[schema.EntityType]map[int]Listener
	nextID     int

	dispatching atomic.Bool

	ttl time.Duration
	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithTombstoneTTL sets how long tombstones are retained.
func WithTombstoneTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithClock overrides the clock used to stamp tombstones.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		entities:   make(map[schema.EntityType]map[string]schema.Entity),
		tombstones: make(map[schema.Key]Tombstone),
		listeners:  make(map[schema.EntityType]map[int]Listener),
		ttl:        DefaultTombstoneTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns a copy of the entity stored under key.
func (s *Store) Get(key schema.Key) (schema.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entities[key.Type][key.ID]
	if !ok {
		return schema.Entity{}, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return e.Clone(), nil
}

// Has reports whether key is present and not deleted.
func (s *Store) Has(key schema.Key) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entities[key.Type][key.ID]
	return ok
}

// Query returns the entities of type t that match pred, ordered by id.
// A nil pred matches everything. The sequence is evaluated against the
// current state each time it is iterated.
func (s *Store) Query(t schema.EntityType, pred func(schema.Entity) bool) iter.Seq[schema.Entity] {
	return func(yield func(schema.Entity) bool) {
		s.mu.RLock()
		matched := make([]schema.Entity, 0, len(s.entities[t]))
		for _, e := range s.entities[t] {
			if pred == nil || pred(e) {
				matched = append(matched, e.Clone())
			}
		}
		s.mu.RUnlock()

		slices.SortFunc(matched, func(a, b schema.Entity) int {
			return strings.Compare(a.ID, b.ID)
		})
		for _, e := range matched {
			if !yield(e) {
				return
			}
		}
	}
}

// All returns every entity of type t, ordered by id.
func (s *Store) All(t schema.EntityType) []schema.Entity {
	return slices.Collect(s.Query(t, nil))
}

// Len returns the number of live entities of type t.
func (s *Store) Len(t schema.EntityType) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entities[t])
}

// Put stores e and notifies listeners.
func (s *Store) Put(e schema.Entity, origin Origin) error {
	return s.Apply([]Write{Put(e)}, origin)
}

// Delete tombstones key and notifies listeners. Deleting an unknown key
// still records the tombstone.
func (s *Store) Delete(key schema.Key, updatedAt time.Time, origin Origin) error {
	return s.Apply([]Write{Del(key, updatedAt)}, origin)
}

// Apply performs every write in batch, then notifies listeners once per
// resulting change. Listeners never observe a partially applied batch.
func (s *Store) Apply(batch []Write, origin Origin) error {
	if s.dispatching.Load() {
		return ErrReentrantWrite
	}
	for _, w := range batch {
		if w.Entity.ID == "" || !w.Entity.Type.Valid() {
			return fmt.Errorf("invalid write target %s", w.Entity.Key())
		}
	}

	changes := s.commit(batch, origin)
	s.notify(changes)
	return nil
}

func (s *Store) commit(batch []Write, origin Origin) []Change {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	changes := make([]Change, 0, len(batch))
	for _, w := range batch {
		key := w.Entity.Key()
		table := s.entities[key.Type]
		if table == nil {
			table = make(map[string]schema.Entity)
			s.entities[key.Type] = table
		}
		prev, existed := table[key.ID]

		if w.Delete {
			delete(table, key.ID)
			s.tombstones[key] = Tombstone{Key: key, UpdatedAt: w.Entity.UpdatedAt, DeletedAt: now}
			if existed {
				p := prev.Clone()
				changes = append(changes, Change{Op: schema.OpDelete, Key: key, Previous: &p, Origin: origin})
			}
			continue
		}

		e := w.Entity.Clone()
		if existed && e.UpdatedAt.Equal(prev.UpdatedAt) && schema.FieldsEqual(e.Fields, prev.Fields) {
			continue
		}
		table[key.ID] = e
		delete(s.tombstones, key)

		ch := Change{Op: schema.OpCreate, Key: key, Entity: e.Clone(), Origin: origin}
		if existed {
			p := prev.Clone()
			ch.Op = schema.OpUpdate
			ch.Previous = &p
		}
		changes = append(changes, ch)
	}
	return changes
}

func (s *Store) notify(changes []Change) {
	if len(changes) == 0 {
		return
	}

	s.listenerMu.RLock()
	type target struct {
		fn Listener
		ch Change
	}
	var targets []target
	for _, ch := range changes {
		ids := make([]int, 0, len(s.listeners[ch.Key.Type]))
		for id := range s.listeners[ch.Key.Type] {
			ids = append(ids, id)
		}
		slices.Sort(ids)
		for _, id := range ids {
			targets = append(targets, target{fn: s.listeners[ch.Key.Type][id], ch: ch})
		}
	}
	s.listenerMu.RUnlock()

	s.dispatching.Store(true)
	defer s.dispatching.Store(false)
	for _, t := range targets {
		t.fn(t.ch)
	}
}

// Subscribe registers fn for changes to entities of type t. The returned
// function removes the registration and is safe to call more than once.
func (s *Store) Subscribe(t schema.EntityType, fn Listener) (unsubscribe func()) {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()

	id := s.nextID
	s.nextID++
	if s.listeners[t] == nil {
		s.listeners[t] = make(map[int]Listener)
	}
	s.listeners[t][id] = fn

	return func() {
		s.listenerMu.Lock()
		defer s.listenerMu.Unlock()
		delete(s.listeners[t], id)
	}
}

// Tombstone returns the tombstone recorded for key, if any.
func (s *Store) Tombstone(key schema.Key) (Tombstone, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ts, ok := s.tombstones[key]
	return ts, ok
}

// Tombstones returns every retained tombstone.
func (s *Store) Tombstones() []Tombstone {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Tombstone, 0, len(s.tombstones))
	for _, ts := range s.tombstones {
		out = append(out, ts)
	}
	slices.SortFunc(out, func(a, b Tombstone) int {
		return strings.Compare(a.Key.String(), b.Key.String())
	})
	return out
}

// RestoreTombstone records a tombstone without notifying listeners. It is
// used when reloading persisted state.
func (s *Store) RestoreTombstone(ts Tombstone) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, live := s.entities[ts.Key.Type][ts.Key.ID]; live {
		return
	}
	s.tombstones[ts.Key] = ts
}

// PurgeTombstones drops tombstones older than the retention window and
// returns how many were removed.
func (s *Store) PurgeTombstones(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for key, ts := range s.tombstones {
		if !now.Before(ts.DeletedAt.Add(s.ttl)) {
			delete(s.tombstones, key)
			purged++
		}
	}
	return purged
}

// TombstoneTTL returns the retention window.
func (s *Store) TombstoneTTL() time.Duration {
	return s.ttl
}
