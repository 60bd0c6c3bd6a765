package reconcile

import (
	"slices"
	"strings"

	"github.com/platelet-app/dispatchsync/internal/replica/schema"
	"github.com/platelet-app/dispatchsync/internal/replica/store"
)

// view is the store as it will look once a batch is committed. Entries in
// over shadow the store; a nil entry is a delete.
type view struct {
	st    *store.Store
	over  map[schema.Key]*schema.Entity
	order []schema.Key
}

func newView(st *store.Store) *view {
	return &view{st: st, over: make(map[schema.Key]*schema.Entity)}
}

func (v *view) get(key schema.Key) (schema.Entity, bool) {
	if e, ok := v.over[key]; ok {
		if e == nil {
			return schema.Entity{}, false
		}
		return *e, true
	}
	e, err := v.st.Get(key)
	return e, err == nil
}

func (v *view) touch(key schema.Key) {
	if _, seen := v.over[key]; !seen {
		v.order = append(v.order, key)
	}
}

func (v *view) put(e schema.Entity) {
	v.touch(e.Key())
	c := e.Clone()
	v.over[e.Key()] = &c
}

func (v *view) del(key schema.Key) {
	v.touch(key)
	v.over[key] = nil
}

// query returns live entities of type t matching pred, ordered by id.
func (v *view) query(t schema.EntityType, pred func(schema.Entity) bool) []schema.Entity {
	var out []schema.Entity
	for e := range v.st.Query(t, pred) {
		if _, shadowed := v.over[e.Key()]; shadowed {
			continue
		}
		out = append(out, e)
	}
	for key, e := range v.over {
		if key.Type == t && e != nil && (pred == nil || pred(*e)) {
			out = append(out, e.Clone())
		}
	}
	slices.SortFunc(out, func(a, b schema.Entity) int {
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

func (v *view) assignments(field, id string) []schema.Entity {
	return v.query(schema.TypeTaskAssignee, func(e schema.Entity) bool {
		return e.Fields.String(field) == id
	})
}

func (v *view) user(id string) (schema.Entity, bool) {
	return v.get(schema.K(schema.TypeUser, id))
}

// writes returns the batch in the order keys were first touched.
func (v *view) writes(tombstoneAt func(schema.Key) store.Write) []store.Write {
	batch := make([]store.Write, 0, len(v.order))
	for _, key := range v.order {
		if e := v.over[key]; e != nil {
			batch = append(batch, store.Put(*e))
		} else {
			batch = append(batch, tombstoneAt(key))
		}
	}
	return batch
}
