package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/platelet-app/dispatchsync/internal/replica/queue"
	"github.com/platelet-app/dispatchsync/internal/replica/schema"
	"github.com/platelet-app/dispatchsync/internal/replica/syncerr"
)

// FileFeed is a Transport over a directory of entity files shared between
// replicas. Writes are last-writer-wins with updatedAt taken from the local
// clock, kept monotonic per file. Delete events carry no timestamp because
// a removed file leaves none behind.
type FileFeed struct {
	dir    string
	logger *slog.Logger
	clock  func() time.Time

	mu   sync.Mutex
	last time.Time
}

var _ Transport = (*FileFeed)(nil)

// NewFileFeed returns a feed over dir. A nil logger uses slog.Default().
func NewFileFeed(dir string, logger *slog.Logger) *FileFeed {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileFeed{dir: dir, logger: logger, clock: time.Now}
}

// Dir returns the shared directory.
func (f *FileFeed) Dir() string {
	return f.dir
}

// Submit implements Transport.
func (f *FileFeed) Submit(ctx context.Context, m queue.Mutation) (schema.Ack, error) {
	if err := ctx.Err(); err != nil {
		return schema.Ack{}, syncerr.Transient(m.Key, err)
	}
	key := m.Key

	f.mu.Lock()
	defer f.mu.Unlock()

	path := filepath.Join(f.dir, schema.Entity{Type: key.Type, ID: key.ID}.Filename())
	current, err := schema.ReadEntityFile(path)
	exists := err == nil
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return schema.Ack{}, syncerr.Transient(key, err)
	}

	switch m.Kind {
	case schema.OpCreate:
		if exists {
			snap := current.Clone()
			return schema.Ack{}, syncerr.Conflict(key, "entity already exists", &snap)
		}
		e := schema.Entity{Type: key.Type, ID: key.ID, Fields: m.Delta.Clone()}
		if e.Fields == nil {
			e.Fields = schema.Fields{}
		}
		e.Fields.Canonicalize()
		if err := e.Validate(); err != nil {
			return schema.Ack{}, syncerr.New(syncerr.ErrValidationRejected, key, err.Error())
		}
		e.UpdatedAt = f.tick(time.Time{})
		if err := schema.WriteEntityFile(f.dir, e); err != nil {
			return schema.Ack{}, syncerr.Transient(key, err)
		}
		return schema.Ack{Seq: m.Seq, Entity: e}, nil

	case schema.OpUpdate:
		if !exists {
			return schema.Ack{}, syncerr.New(syncerr.ErrEntityDeleted, key, "entity file does not exist")
		}
		e := current.Clone()
		e.Fields = e.Fields.Merge(m.Delta)
		e.Fields.Canonicalize()
		if err := e.Validate(); err != nil {
			return schema.Ack{}, syncerr.New(syncerr.ErrValidationRejected, key, err.Error())
		}
		e.UpdatedAt = f.tick(current.UpdatedAt)
		if err := schema.WriteEntityFile(f.dir, e); err != nil {
			return schema.Ack{}, syncerr.Transient(key, err)
		}
		return schema.Ack{Seq: m.Seq, Entity: e}, nil

	case schema.OpDelete:
		var after time.Time
		if exists {
			after = current.UpdatedAt
		}
		if err := schema.DeleteEntityFile(f.dir, key); err != nil {
			return schema.Ack{}, syncerr.Transient(key, err)
		}
		tomb := schema.Entity{Type: key.Type, ID: key.ID, UpdatedAt: f.tick(after)}
		return schema.Ack{Seq: m.Seq, Entity: tomb, Deleted: true}, nil
	}

	return schema.Ack{}, syncerr.New(syncerr.ErrValidationRejected, key, fmt.Sprintf("invalid op %q", m.Kind))
}

// tick returns a timestamp after both the previous tick and after.
func (f *FileFeed) tick(after time.Time) time.Time {
	t := f.clock().UTC()
	floor := f.last
	if after.After(floor) {
		floor = after
	}
	if !t.After(floor) {
		t = floor.Add(time.Microsecond)
	}
	f.last = t
	return t
}

// Subscribe implements Transport. The directory is watched before it is
// listed so no write between the two is missed.
func (f *FileFeed) Subscribe(ctx context.Context, t schema.EntityType) (<-chan schema.ChangeEvent, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("unknown entity type %q", t)
	}
	if err := os.MkdirAll(f.dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create feed directory: %w", err)
	}

	w, err := NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Start(f.dir); err != nil {
		_ = w.Stop()
		return nil, err
	}

	f.mu.Lock()
	asOf := f.clock().UTC()
	f.mu.Unlock()
	listed, err := f.list(t)
	if err != nil {
		_ = w.Stop()
		return nil, err
	}

	out := make(chan schema.ChangeEvent)
	go func() {
		defer close(out)
		defer func() {
			if err := w.Stop(); err != nil {
				f.logger.Warn("failed to stop feed watcher", "error", err)
			}
		}()

		if !emitListing(ctx, out, t, listed, asOf) {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-w.Errors():
				if !ok {
					return
				}
				f.logger.Warn("feed watcher error", "dir", f.dir, "error", err)
			case fe, ok := <-w.Events():
				if !ok {
					return
				}
				if fe.Key.Type != t {
					continue
				}
				ev, ok := f.toEvent(fe)
				if !ok {
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

func (f *FileFeed) list(t schema.EntityType) ([]schema.Entity, error) {
	all, err := schema.ReadAllEntityFiles(f.dir)
	if err != nil {
		return nil, err
	}
	var out []schema.Entity
	for _, e := range all {
		if e.Type == t {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (f *FileFeed) toEvent(fe FileEvent) (schema.ChangeEvent, bool) {
	if fe.Op == schema.OpDelete {
		return schema.ChangeEvent{Op: schema.OpDelete, Entity: schema.Entity{Type: fe.Key.Type, ID: fe.Key.ID}}, true
	}
	e, err := schema.ReadEntityFile(fe.Path)
	if err != nil {
		// Removed again before we read it; the remove event follows.
		if !errors.Is(err, os.ErrNotExist) {
			f.logger.Warn("skipping unreadable entity file", "path", fe.Path, "error", err)
		}
		return schema.ChangeEvent{}, false
	}
	if e.Key() != fe.Key {
		f.logger.Warn("entity file name does not match its contents", "path", fe.Path, "key", e.Key().String())
		return schema.ChangeEvent{}, false
	}
	return schema.ChangeEvent{Op: fe.Op, Entity: *e}, true
}
