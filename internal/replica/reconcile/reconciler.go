// Package reconcile merges local intents, hub acknowledgements and pushed
// remote changes into one consistent store.
//
// The Reconciler keeps the last confirmed hub snapshot of every entity. The
// value the store shows is that snapshot with every still-queued local
// mutation replayed on top in sequence order, so a field touched by a
// pending mutation keeps its local value until that mutation is acked or
// fails, while untouched fields follow the hub immediately. Every pass
// re-derives the tasks it affects before the batch reaches the store, so
// listeners never see an assignment change without the matching status.
//
// The Reconciler is not safe for concurrent use. The Engine owns it and runs
// every pass on its loop goroutine.
package reconcile

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/platelet-app/dispatchsync/internal/replica/derive"
	"github.com/platelet-app/dispatchsync/internal/replica/queue"
	"github.com/platelet-app/dispatchsync/internal/replica/schema"
	"github.com/platelet-app/dispatchsync/internal/replica/store"
	"github.com/platelet-app/dispatchsync/internal/replica/syncerr"
)

// Op is one local write.
type Op struct {
	Kind   schema.Op
	Key    schema.Key
	Fields schema.Fields
}

// syncedDerived are the derived task fields written back to the hub after a
// local relationship change. Staleness is local to each replica.
var syncedDerived = []string{
	schema.FieldStatus,
	schema.FieldAssignedRiders,
	schema.FieldRiderResponsibility,
}

// Reconciler computes effective entity state. See the package doc.
type Reconciler struct {
	store  *store.Store
	queue  *queue.Queue
	logger *slog.Logger
	now    func() time.Time

	confirmed map[schema.Key]schema.Entity
	gone      map[schema.Key]store.Tombstone
	dirty     map[schema.Key]bool
	queued    []queue.EnqueueResult
}

// NewReconciler creates a reconciler over st and q. A nil logger uses
// slog.Default().
func NewReconciler(st *store.Store, q *queue.Queue, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		store:     st,
		queue:     q,
		logger:    logger,
		now:       time.Now,
		confirmed: make(map[schema.Key]schema.Entity),
		gone:      make(map[schema.Key]store.Tombstone),
		dirty:     make(map[schema.Key]bool),
	}
}

// SetClock overrides the clock used to stamp tombstones.
func (r *Reconciler) SetClock(now func() time.Time) {
	r.now = now
}

// Store returns the store the reconciler writes.
func (r *Reconciler) Store() *store.Store {
	return r.store
}

// Queue returns the mutation queue.
func (r *Reconciler) Queue() *queue.Queue {
	return r.queue
}

// Confirmed returns the last hub snapshot of key.
func (r *Reconciler) Confirmed(key schema.Key) (schema.Entity, bool) {
	e, ok := r.confirmed[key]
	if !ok {
		return schema.Entity{}, false
	}
	return e.Clone(), true
}

// Gone returns the tombstone of a key the hub deleted.
func (r *Reconciler) Gone(key schema.Key) (store.Tombstone, bool) {
	ts, ok := r.gone[key]
	return ts, ok
}

// ConfirmedCount returns the number of confirmed entities.
func (r *Reconciler) ConfirmedCount() int {
	return len(r.confirmed)
}

// Origin reports whether key's effective value carries a local overlay and,
// if so, the highest sequence number contributing to it.
func (r *Reconciler) Origin(key schema.Key) (store.Origin, uint64) {
	muts := r.queue.ForKey(key)
	if len(muts) == 0 {
		return store.OriginRemote, 0
	}
	return store.OriginLocal, muts[len(muts)-1].Seq
}

// Effective returns key's confirmed state with queued mutations replayed.
// A key the hub deleted stays deleted even while a create sent before the
// delete is still in flight.
func (r *Reconciler) Effective(key schema.Key) (schema.Entity, bool) {
	e, ok := r.confirmed[key]
	if ok {
		e = e.Clone()
	} else if _, deleted := r.gone[key]; deleted {
		return schema.Entity{}, false
	}
	for _, m := range r.queue.ForKey(key) {
		switch m.Kind {
		case schema.OpCreate:
			if !ok {
				e = schema.Entity{Type: key.Type, ID: key.ID, Fields: schema.Fields{}}
				ok = true
			}
			e.Fields = e.Fields.Merge(m.Delta)
		case schema.OpUpdate:
			if ok {
				e.Fields = e.Fields.Merge(m.Delta)
			}
		case schema.OpDelete:
			return schema.Entity{}, false
		}
	}
	return e, ok
}

// pass collects the keys one reconciliation touches.
type pass struct {
	keys    []schema.Key
	seen    map[schema.Key]bool
	dropped []queue.Mutation
}

func newPass() *pass {
	return &pass{seen: make(map[schema.Key]bool)}
}

func (p *pass) add(key schema.Key) {
	if !p.seen[key] {
		p.seen[key] = true
		p.keys = append(p.keys, key)
	}
}

// commit writes the effective state of keys, plus every task they affect,
// to the store as one batch.
func (r *Reconciler) commit(keys []schema.Key, origin store.Origin) error {
	if len(keys) == 0 {
		return nil
	}
	v := newView(r.store)
	for _, key := range keys {
		if e, ok := r.Effective(key); ok {
			v.put(e)
		} else {
			v.del(key)
		}
	}
	r.deriveTasks(v, keys)

	if err := r.store.Apply(v.writes(r.tombstoneWrite), origin); err != nil {
		return fmt.Errorf("failed to apply batch: %w", err)
	}
	return nil
}

func (r *Reconciler) tombstoneWrite(key schema.Key) store.Write {
	var at time.Time
	if ts, ok := r.gone[key]; ok {
		at = ts.UpdatedAt
	}
	return store.Del(key, at)
}

// deriveTasks recomputes the derived fields of every live task affected by
// keys and stages the results in v.
func (r *Reconciler) deriveTasks(v *view, keys []schema.Key) {
	for _, id := range affectedTasks(v, r.store, keys) {
		task, ok := v.get(schema.K(schema.TypeTask, id))
		if !ok {
			continue
		}
		res := derive.Recompute(task, v.assignments(schema.FieldTaskID, id), v.user)
		if res.Stale {
			r.logger.Debug("derived fields stale", "task", id, "missing_users", res.MissingUsers)
		}
		if !res.Differs(task) {
			continue
		}
		task.Fields = task.Fields.Merge(res.Fields())
		v.put(task)
	}
}

// affectedTasks returns the ids of tasks whose derived fields may change when
// keys change: the tasks themselves, the tasks of changed assignments
// (before and after), and the tasks of changed users' assignments.
func affectedTasks(v *view, st *store.Store, keys []schema.Key) []string {
	ids := make(map[string]bool)
	for _, key := range keys {
		switch key.Type {
		case schema.TypeTask:
			ids[key.ID] = true
		case schema.TypeTaskAssignee:
			if old, err := st.Get(key); err == nil {
				ids[old.Fields.String(schema.FieldTaskID)] = true
			}
			if cur, ok := v.get(key); ok {
				ids[cur.Fields.String(schema.FieldTaskID)] = true
			}
		case schema.TypeUser:
			for _, a := range v.assignments(schema.FieldAssigneeID, key.ID) {
				ids[a.Fields.String(schema.FieldTaskID)] = true
			}
		}
	}
	delete(ids, "")
	return slices.Sorted(maps.Keys(ids))
}

// newer reports whether a supersedes b. A zero time on either side means the
// order is unknown, in which case the later arrival wins.
func newer(a, b time.Time) bool {
	if a.IsZero() || b.IsZero() {
		return true
	}
	return a.After(b)
}

// Local applies ops optimistically and queues them for the hub. Every op is
// checked first; if any is invalid nothing is queued and the error is
// returned. Deleting a task or user also deletes its assignments, and
// changes to tasks or assignments queue the recomputed derived fields of the
// affected tasks.
func (r *Reconciler) Local(ops ...Op) ([]queue.EnqueueResult, error) {
	sim := newView(r.store)
	var expanded []Op
	for _, op := range ops {
		op.Fields = op.Fields.Clone()
		op.Fields.Canonicalize()
		if err := r.check(sim, op); err != nil {
			return nil, err
		}
		expanded = append(expanded, op)
		simulate(sim, op)

		if op.Kind == schema.OpDelete {
			for _, a := range dependents(sim, op.Key) {
				dep := Op{Kind: schema.OpDelete, Key: a.Key()}
				expanded = append(expanded, dep)
				simulate(sim, dep)
			}
		}
	}

	p := newPass()
	var results []queue.EnqueueResult
	relational := false
	for _, op := range expanded {
		res, err := r.enqueue(op)
		if err != nil {
			return results, errors.Join(err, r.commit(p.keys, store.OriginLocal))
		}
		results = append(results, res)
		p.add(op.Key)
		if op.Key.Type == schema.TypeTask || op.Key.Type == schema.TypeTaskAssignee {
			relational = true
		}
	}

	if relational {
		derived, err := r.queueDerived(p)
		results = append(results, derived...)
		if err != nil {
			return results, errors.Join(err, r.commit(p.keys, store.OriginLocal))
		}
	}

	return results, r.commit(p.keys, store.OriginLocal)
}

// queueDerived enqueues the derived-field updates of tasks affected by p.
func (r *Reconciler) queueDerived(p *pass) ([]queue.EnqueueResult, error) {
	v := newView(r.store)
	for _, key := range p.keys {
		if e, ok := r.Effective(key); ok {
			v.put(e)
		} else {
			v.del(key)
		}
	}

	var results []queue.EnqueueResult
	for _, id := range affectedTasks(v, r.store, p.keys) {
		key := schema.K(schema.TypeTask, id)
		task, ok := r.Effective(key)
		if !ok {
			continue
		}
		res := derive.Recompute(task, v.assignments(schema.FieldTaskID, id), v.user)
		want := res.Fields()
		delta := schema.Fields{}
		for _, name := range syncedDerived {
			if !schema.Equal(task.Fields[name], want[name]) {
				delta[name] = want[name]
			}
		}
		if len(delta) == 0 {
			continue
		}
		er, err := r.enqueue(Op{Kind: schema.OpUpdate, Key: key, Fields: delta})
		if err != nil {
			return results, err
		}
		results = append(results, er)
		p.add(key)
	}
	return results, nil
}

// requeue enqueues a write decided by an ack or a failure rather than by an
// intent. The results are handed out by TakeQueued.
func (r *Reconciler) requeue(op Op) error {
	res, err := r.enqueue(op)
	if err != nil {
		return err
	}
	r.queued = append(r.queued, res)
	return nil
}

// TakeQueued returns the results of writes queued by acks and failures since
// the last call, and resets the list.
func (r *Reconciler) TakeQueued() []queue.EnqueueResult {
	out := r.queued
	r.queued = nil
	return out
}

func (r *Reconciler) enqueue(op Op) (queue.EnqueueResult, error) {
	var base time.Time
	if cur, ok := r.confirmed[op.Key]; ok {
		base = cur.UpdatedAt
	}
	res, err := r.queue.Enqueue(op.Kind, op.Key, op.Fields, base)
	if err != nil {
		return res, fmt.Errorf("failed to enqueue %s %s: %w", op.Kind, op.Key, err)
	}
	return res, nil
}

// check validates op against the state simulated so far.
func (r *Reconciler) check(sim *view, op Op) error {
	key := op.Key
	if !key.Type.Valid() || key.ID == "" {
		return syncerr.New(syncerr.ErrValidationRejected, key, "invalid entity key")
	}
	cur, live := sim.get(key)

	switch op.Kind {
	case schema.OpCreate:
		if live {
			return syncerr.Conflict(key, "entity already exists", &cur)
		}
		if e, staged := sim.over[key]; (staged && e == nil) || r.pendingDelete(key) {
			return syncerr.New(syncerr.ErrEntityDeleted, key, "entity has a pending delete")
		}
		if _, deleted := r.gone[key]; deleted {
			return syncerr.New(syncerr.ErrEntityDeleted, key, "entity was deleted")
		}
		e := schema.Entity{Type: key.Type, ID: key.ID, Fields: op.Fields}
		if err := e.Validate(); err != nil {
			return syncerr.New(syncerr.ErrValidationRejected, key, err.Error())
		}
	case schema.OpUpdate:
		if !live {
			return syncerr.New(syncerr.ErrEntityDeleted, key, "entity does not exist")
		}
		if err := schema.ValidateFields(key.Type, op.Fields, false); err != nil {
			return syncerr.New(syncerr.ErrValidationRejected, key, err.Error())
		}
		cur.Fields = cur.Fields.Merge(op.Fields)
		if err := cur.Validate(); err != nil {
			return syncerr.New(syncerr.ErrValidationRejected, key, err.Error())
		}
	case schema.OpDelete:
		if !live {
			return syncerr.New(syncerr.ErrEntityDeleted, key, "entity does not exist")
		}
	default:
		return syncerr.New(syncerr.ErrValidationRejected, key, fmt.Sprintf("invalid op %q", op.Kind))
	}
	return nil
}

func simulate(sim *view, op Op) {
	switch op.Kind {
	case schema.OpCreate:
		sim.put(schema.Entity{Type: op.Key.Type, ID: op.Key.ID, Fields: op.Fields})
	case schema.OpUpdate:
		if cur, ok := sim.get(op.Key); ok {
			cur.Fields = cur.Fields.Merge(op.Fields)
			sim.put(cur)
		}
	case schema.OpDelete:
		sim.del(op.Key)
	}
}

// dependents returns the live assignments that reference key.
func dependents(v *view, key schema.Key) []schema.Entity {
	switch key.Type {
	case schema.TypeTask:
		return v.assignments(schema.FieldTaskID, key.ID)
	case schema.TypeUser:
		return v.assignments(schema.FieldAssigneeID, key.ID)
	}
	return nil
}

func (r *Reconciler) pendingDelete(key schema.Key) bool {
	muts := r.queue.ForKey(key)
	return len(muts) > 0 && muts[len(muts)-1].Kind == schema.OpDelete
}

// Remote merges a change pushed by the hub. It reports whether the event
// changed confirmed state and returns the queued mutations it dropped
// because their entity was deleted. Duplicate and out-of-date events are
// no-ops.
func (r *Reconciler) Remote(ev schema.ChangeEvent) (applied bool, dropped []queue.Mutation, err error) {
	p := newPass()
	switch ev.Op {
	case schema.OpCreate, schema.OpUpdate:
		applied = r.remoteUpsert(ev.Entity, p)
	case schema.OpDelete:
		applied = r.remoteDelete(ev.Key(), ev.Entity.UpdatedAt, p)
	case schema.OpResync:
		applied = r.resync(ev, p)
	default:
		return false, nil, fmt.Errorf("unknown change op %q", ev.Op)
	}
	if !applied {
		return false, nil, nil
	}
	return true, p.dropped, r.commit(p.keys, store.OriginRemote)
}

func (r *Reconciler) remoteUpsert(e schema.Entity, p *pass) bool {
	key := e.Key()
	if !key.Type.Valid() || key.ID == "" {
		r.logger.Warn("ignoring change for invalid key", "key", key.String())
		return false
	}
	if cur, ok := r.confirmed[key]; ok && !newer(e.UpdatedAt, cur.UpdatedAt) {
		return false
	}
	if ts, ok := r.gone[key]; ok && !newer(e.UpdatedAt, ts.UpdatedAt) {
		return false
	}

	if r.orphaned(e) {
		r.logger.Debug("assignment references a deleted entity, dropping", "key", key.String())
		r.bury(key, e.UpdatedAt)
		p.add(key)
		if !r.pendingDelete(key) {
			p.dropped = append(p.dropped, r.queue.FailKey(key)...)
		}
		return true
	}

	c := e.Clone()
	c.Fields.Canonicalize()
	r.confirmed[key] = c
	delete(r.gone, key)
	r.dirty[key] = true
	p.add(key)
	return true
}

// orphaned reports whether e is an assignment whose task or assignee has
// been deleted.
func (r *Reconciler) orphaned(e schema.Entity) bool {
	if e.Type != schema.TypeTaskAssignee {
		return false
	}
	for _, ref := range []schema.Key{
		schema.K(schema.TypeTask, e.Fields.String(schema.FieldTaskID)),
		schema.K(schema.TypeUser, e.Fields.String(schema.FieldAssigneeID)),
	} {
		if _, deleted := r.gone[ref]; deleted {
			return true
		}
	}
	return false
}

// remoteDelete tombstones key, fails its queued mutations and cascades to
// the assignments referencing it.
func (r *Reconciler) remoteDelete(key schema.Key, at time.Time, p *pass) bool {
	cur, had := r.confirmed[key]
	if had && !newer(at, cur.UpdatedAt) {
		return false
	}
	if had && at.IsZero() {
		// Deleted some time after the version we hold.
		at = cur.UpdatedAt
	}
	if !had {
		if ts, ok := r.gone[key]; ok && !newer(at, ts.UpdatedAt) {
			return false
		}
		if !r.store.Has(key) {
			r.bury(key, at)
			return false
		}
	}

	r.bury(key, at)
	p.add(key)
	p.dropped = append(p.dropped, r.queue.FailKey(key)...)
	r.cascade(key, at, p)
	return true
}

// bury tombstones key. An existing tombstone keeps the later delete time.
func (r *Reconciler) bury(key schema.Key, at time.Time) {
	if ts, ok := r.gone[key]; ok && (at.IsZero() || ts.UpdatedAt.After(at)) {
		at = ts.UpdatedAt
	}
	delete(r.confirmed, key)
	r.gone[key] = store.Tombstone{Key: key, UpdatedAt: at, DeletedAt: r.now()}
	r.dirty[key] = true
}

// cascade removes the assignments that reference a deleted task or user.
// Their own queued deletes are kept so the hub sees them.
func (r *Reconciler) cascade(key schema.Key, at time.Time, p *pass) {
	var field string
	switch key.Type {
	case schema.TypeTask:
		field = schema.FieldTaskID
	case schema.TypeUser:
		field = schema.FieldAssigneeID
	default:
		return
	}

	deps := make(map[schema.Key]bool)
	for e := range r.store.Query(schema.TypeTaskAssignee, func(e schema.Entity) bool {
		return e.Fields.String(field) == key.ID
	}) {
		deps[e.Key()] = true
	}
	for k, e := range r.confirmed {
		if k.Type == schema.TypeTaskAssignee && e.Fields.String(field) == key.ID {
			deps[k] = true
		}
	}

	for _, dep := range slices.SortedFunc(maps.Keys(deps), func(a, b schema.Key) int {
		return strings.Compare(a.ID, b.ID)
	}) {
		depAt := at
		if cur, ok := r.confirmed[dep]; ok && cur.UpdatedAt.After(depAt) {
			depAt = cur.UpdatedAt
		}
		r.bury(dep, depAt)
		p.add(dep)
		if !r.pendingDelete(dep) {
			p.dropped = append(p.dropped, r.queue.FailKey(dep)...)
		}
	}
}

// resync deletes confirmed entities of the listed type that the hub no
// longer has.
func (r *Reconciler) resync(ev schema.ChangeEvent, p *pass) bool {
	t, asOf := ev.Entity.Type, ev.Entity.UpdatedAt
	present := make(map[string]bool, len(ev.Present))
	for _, id := range ev.Present {
		present[id] = true
	}

	var missing []schema.Key
	for key, cur := range r.confirmed {
		if key.Type != t || present[key.ID] {
			continue
		}
		if !asOf.IsZero() && cur.UpdatedAt.After(asOf) {
			continue
		}
		missing = append(missing, key)
	}
	slices.SortFunc(missing, func(a, b schema.Key) int {
		return strings.Compare(a.ID, b.ID)
	})

	applied := false
	for _, key := range missing {
		if _, still := r.confirmed[key]; !still {
			continue // cascaded already
		}
		r.logger.Debug("entity missing from listing, deleting", "key", key.String())
		if r.remoteDelete(key, time.Time{}, p) {
			applied = true
		}
	}
	return applied
}

// Acked records the hub's acceptance of seq. The echoed entity becomes the
// confirmed baseline unless a newer remote change already arrived. Without
// an echo the acked delta is folded into the baseline. An assignment the hub
// accepted after its task or user was deleted is removed locally and a
// delete is queued for the hub.
func (r *Reconciler) Acked(seq uint64, ack schema.Ack) (queue.Mutation, error) {
	m, err := r.queue.MarkAcked(seq)
	if err != nil {
		return m, err
	}
	key := m.Key

	switch {
	case m.Kind == schema.OpDelete || ack.Deleted:
		// Our own delete: its assignments were queued separately.
		if cur, ok := r.confirmed[key]; !ok || newer(ack.Entity.UpdatedAt, cur.UpdatedAt) {
			r.bury(key, ack.Entity.UpdatedAt)
		}
	case ack.Entity.ID != "":
		e := ack.Entity
		if ts, ok := r.gone[key]; ok && !newer(e.UpdatedAt, ts.UpdatedAt) {
			break
		}
		if cur, ok := r.confirmed[key]; ok && !newer(e.UpdatedAt, cur.UpdatedAt) {
			break
		}
		c := e.Clone()
		c.Fields.Canonicalize()
		r.confirmed[key] = c
		delete(r.gone, key)
		r.dirty[key] = true
	default:
		if _, deleted := r.gone[key]; deleted {
			break
		}
		if cur, ok := r.confirmed[key]; ok {
			cur.Fields = cur.Fields.Merge(m.Delta)
			r.confirmed[key] = cur
			r.dirty[key] = true
		} else if m.Kind == schema.OpCreate {
			r.confirmed[key] = schema.Entity{Type: key.Type, ID: key.ID, Fields: m.Delta.Clone()}
			r.dirty[key] = true
		}
	}

	var qerr error
	if cur, ok := r.confirmed[key]; ok && r.orphaned(cur) {
		r.logger.Info("acked assignment references a deleted entity, deleting it", "key", key.String())
		r.bury(key, cur.UpdatedAt)
		if !r.pendingDelete(key) {
			qerr = r.requeue(Op{Kind: schema.OpDelete, Key: key})
		}
	}

	return m, errors.Join(qerr, r.commit([]schema.Key{key}, store.OriginRemote))
}

// Failed records a failed delivery of seq. When the failure is terminal the
// mutation's overlay is removed, reverting its fields to the confirmed
// state. A conflict adopts the hub's snapshot; a deleted target is
// tombstoned. Queued mutations that can no longer succeed are dropped and
// returned.
func (r *Reconciler) Failed(seq uint64, cause error) (m queue.Mutation, terminal bool, dropped []queue.Mutation, err error) {
	m, terminal, err = r.queue.MarkFailed(seq, cause)
	if err != nil || !terminal {
		return m, terminal, nil, err
	}
	key := m.Key
	p := newPass()
	p.add(key)

	switch {
	case errors.Is(cause, syncerr.ErrConflictStale):
		if snap, ok := syncerr.SnapshotOf(cause); ok {
			c := snap.Clone()
			c.Fields.Canonicalize()
			r.confirmed[key] = c
			delete(r.gone, key)
			r.dirty[key] = true
		}
	case errors.Is(cause, syncerr.ErrEntityDeleted):
		if m.Kind == schema.OpDelete {
			r.bury(key, time.Time{})
		} else {
			r.remoteDelete(key, time.Time{}, p)
		}
	case m.Kind == schema.OpCreate:
		// The entity never reached the hub.
		p.dropped = append(p.dropped, r.queue.FailKey(key)...)
	}

	// The task update queued with the assignment change no longer matches.
	var qerr error
	if key.Type == schema.TypeTaskAssignee {
		var derived []queue.EnqueueResult
		derived, qerr = r.queueDerived(p)
		r.queued = append(r.queued, derived...)
	}

	return m, true, p.dropped, errors.Join(qerr, r.commit(p.keys, store.OriginRemote))
}

// Cancel removes a pending mutation and reverts its overlay. Cancelling a
// create also drops the key's later mutations, which are returned.
func (r *Reconciler) Cancel(seq uint64) (queue.Mutation, []queue.Mutation, error) {
	m, err := r.queue.Cancel(seq)
	if err != nil {
		return m, nil, err
	}
	var dropped []queue.Mutation
	if m.Kind == schema.OpCreate {
		if _, confirmed := r.confirmed[m.Key]; !confirmed {
			dropped = r.queue.FailKey(m.Key)
		}
	}
	return m, dropped, r.commit([]schema.Key{m.Key}, store.OriginLocal)
}

// Restore loads persisted state and rebuilds the store from it. It must be
// called before any other pass.
func (r *Reconciler) Restore(confirmed []schema.Entity, tombstones []store.Tombstone, muts []queue.Mutation, lastSeq uint64) error {
	p := newPass()
	for _, e := range confirmed {
		c := e.Clone()
		c.Fields.Canonicalize()
		r.confirmed[c.Key()] = c
		p.add(c.Key())
	}
	for _, ts := range tombstones {
		if _, live := r.confirmed[ts.Key]; live {
			continue
		}
		r.gone[ts.Key] = ts
		r.store.RestoreTombstone(ts)
	}

	muts = slices.Clone(muts)
	slices.SortFunc(muts, func(a, b queue.Mutation) int {
		return cmp.Compare(a.Seq, b.Seq)
	})
	for _, m := range muts {
		if err := r.queue.Restore(m); err != nil {
			return fmt.Errorf("failed to restore mutation: %w", err)
		}
		p.add(m.Key)
	}
	r.queue.SetLastSeq(lastSeq)

	return r.commit(p.keys, store.OriginRemote)
}

// Sweep forgets hub tombstones older than the store's retention window and
// purges the store's own. It returns the number of store tombstones purged.
func (r *Reconciler) Sweep(now time.Time) int {
	ttl := r.store.TombstoneTTL()
	for key, ts := range r.gone {
		if !now.Before(ts.DeletedAt.Add(ttl)) {
			delete(r.gone, key)
			r.dirty[key] = true
		}
	}
	return r.store.PurgeTombstones(now)
}

// TakeDirty returns the keys whose confirmed state or tombstone changed
// since the last call, and resets the set.
func (r *Reconciler) TakeDirty() []schema.Key {
	if len(r.dirty) == 0 {
		return nil
	}
	keys := slices.SortedFunc(maps.Keys(r.dirty), func(a, b schema.Key) int {
		return strings.Compare(a.String(), b.String())
	})
	clear(r.dirty)
	return keys
}
