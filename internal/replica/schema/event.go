package schema

import (
	"fmt"
	"time"
)

// Op is the kind of a write.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"

	// OpResync marks the end of a full listing sent after a subscription
	// (re)connects. Present holds every id of the type the hub had when the
	// listing was taken, and Entity.UpdatedAt the hub time of the listing
	// (zero if unknown). A confirmed entity missing from Present and not
	// newer than the listing was deleted meanwhile.
	OpResync Op = "resync"
)

// Valid reports whether op can be submitted.
func (op Op) Valid() bool {
	return op == OpCreate || op == OpUpdate || op == OpDelete
}

// ChangeEvent is a committed change pushed by the hub to subscribers.
// For deletes, Entity carries only the key and the deletion's UpdatedAt.
// For resyncs, Entity carries only the type and the listing time.
type ChangeEvent struct {
	Op      Op       `json:"op"`
	Entity  Entity   `json:"entity"`
	Present []string `json:"present,omitempty"`
}

// Resync builds the listing marker for type t from the entities listed as
// of asOf.
func Resync(t EntityType, listed []Entity, asOf time.Time) ChangeEvent {
	ids := make([]string, 0, len(listed))
	for _, e := range listed {
		ids = append(ids, e.ID)
	}
	return ChangeEvent{Op: OpResync, Entity: Entity{Type: t, UpdatedAt: asOf}, Present: ids}
}

// Key returns the key of the changed entity.
func (ev ChangeEvent) Key() Key {
	return ev.Entity.Key()
}

// Submission is a client mutation as sent to the hub.
//
// ClientID and Seq identify the mutation; resubmitting the same pair is
// answered with the original result.
type Submission struct {
	ClientID      string     `json:"clientId"`
	Seq           uint64     `json:"seq"`
	Op            Op         `json:"op"`
	Type          EntityType `json:"type"`
	ID            string     `json:"id"`
	Fields        Fields     `json:"fields,omitempty"`
	BaseUpdatedAt time.Time  `json:"baseUpdatedAt,omitzero"`
}

// Key returns the key of the target entity.
func (s Submission) Key() Key {
	return Key{Type: s.Type, ID: s.ID}
}

// Validate checks the submission envelope and, for creates and updates, the
// field values it carries.
func (s Submission) Validate() error {
	if s.ClientID == "" {
		return fmt.Errorf("clientId is required")
	}
	if s.Seq == 0 {
		return fmt.Errorf("seq is required")
	}
	if !s.Op.Valid() {
		return fmt.Errorf("invalid op %q", s.Op)
	}
	if !s.Type.Valid() {
		return fmt.Errorf("unknown entity type %q", s.Type)
	}
	if s.ID == "" {
		return fmt.Errorf("id is required")
	}
	if s.Op == OpUpdate {
		return ValidateFields(s.Type, s.Fields, false)
	}
	return nil
}

// Ack is the hub's answer to an accepted submission. Entity is the committed
// state after the write; for deletes only its key and UpdatedAt are set.
type Ack struct {
	Seq     uint64 `json:"seq"`
	Entity  Entity `json:"entity"`
	Deleted bool   `json:"deleted,omitempty"`
}

// Rejection is the body the hub returns for a refused submission.
type Rejection struct {
	Code     string  `json:"code"`
	Reason   string  `json:"reason"`
	Snapshot *Entity `json:"snapshot,omitempty"`
}
