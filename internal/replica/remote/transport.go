// Package remote connects a replica to the hub.
//
// A Transport submits queued mutations and streams committed changes. Three
// implementations are provided:
//
//   - Client talks to a hub over HTTP and websocket.
//   - Loopback wraps an in-process hub ledger.
//   - FileFeed exchanges entity files through a shared directory.
//
// Every subscription begins with a full listing of the type, delivered as
// update events followed by a resync marker, and repeats it after each
// reconnect. Receivers must treat events idempotently: no ordering is
// promised between a submission's ack and the change event it causes.
package remote

import (
	"context"
	"time"

	"github.com/platelet-app/dispatchsync/internal/replica/queue"
	"github.com/platelet-app/dispatchsync/internal/replica/schema"
)

// Transport is what the replica needs from the remote service.
type Transport interface {
	// Submit delivers one mutation and returns the committed state. Errors
	// are classified with the syncerr taxonomy.
	Submit(ctx context.Context, m queue.Mutation) (schema.Ack, error)

	// Subscribe streams committed changes for one entity type until ctx is
	// cancelled, at which point the channel is closed.
	Subscribe(ctx context.Context, t schema.EntityType) (<-chan schema.ChangeEvent, error)
}

// emit sends ev unless ctx is done.
func emit(ctx context.Context, out chan<- schema.ChangeEvent, ev schema.ChangeEvent) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// emitListing sends a full listing followed by its resync marker.
func emitListing(ctx context.Context, out chan<- schema.ChangeEvent, t schema.EntityType, listed []schema.Entity, asOf time.Time) bool {
	for _, e := range listed {
		if !emit(ctx, out, schema.ChangeEvent{Op: schema.OpUpdate, Entity: e}) {
			return false
		}
	}
	return emit(ctx, out, schema.Resync(t, listed, asOf))
}
