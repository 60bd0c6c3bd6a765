// Package cache persists a replica's state in an embedded SQLite database so
// queued writes and confirmed snapshots survive a restart.
//
// The database runs in WAL mode. It holds four tables:
//
//   - snapshots: the last confirmed hub state of every entity
//   - tombstones: keys the hub deleted, kept for the retention window
//   - mutations: the queue of writes not yet acknowledged
//   - meta: the client id and the highest sequence number handed out
//
// Each engine pass is written as one transaction, so the journal never holds
// a queue that disagrees with its snapshots.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/platelet-app/dispatchsync/internal/replica/queue"
	"github.com/platelet-app/dispatchsync/internal/replica/schema"
	"github.com/platelet-app/dispatchsync/internal/replica/store"
)

// Meta keys.
const (
	MetaClientID = "client_id"
	MetaLastSeq  = "last_seq"
)

// Journal is the replica database.
type Journal struct {
	conn *sql.DB
	path string
}

// State is everything a replica needs to resume.
type State struct {
	Confirmed  []schema.Entity
	Tombstones []store.Tombstone
	Mutations  []queue.Mutation
	LastSeq    uint64
}

// Batch is one pass worth of changes.
type Batch struct {
	// Put upserts confirmed snapshots and clears their tombstones.
	Put []schema.Entity
	// Tombstones records hub deletes and drops their snapshots.
	Tombstones []store.Tombstone
	// Forget drops both the snapshot and the tombstone of each key.
	Forget []schema.Key
	// Mutations replaces the persisted queue.
	Mutations []queue.Mutation
	// LastSeq is the queue's sequence counter.
	LastSeq uint64
}

// Stats summarizes the journal contents.
type Stats struct {
	Snapshots  int    `json:"snapshots"`
	Tombstones int    `json:"tombstones"`
	Mutations  int    `json:"mutations"`
	LastSeq    uint64 `json:"last_seq"`
}

// Open opens or creates the journal at path and initializes its schema.
//
// The caller MUST call Close() when done.
func Open(path string) (*Journal, error) {
	return OpenContext(context.Background(), path)
}

// OpenContext is Open with context support.
func OpenContext(ctx context.Context, path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping journal: %w", err)
	}

	// One writer; readers share the WAL.
	conn.SetMaxOpenConns(1)
	conn.SetConnMaxLifetime(0)

	j := &Journal{conn: conn, path: path}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := conn.ExecContext(ctx, pragma); err != nil {
			_ = j.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if err := j.initSchema(ctx); err != nil {
		_ = j.Close()
		return nil, err
	}
	return j, nil
}

// Path returns the database file path.
func (j *Journal) Path() string {
	return j.path
}

// Close checkpoints the WAL and closes the database.
func (j *Journal) Close() error {
	if j.conn == nil {
		return nil
	}
	if _, err := j.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	if err := j.conn.Close(); err != nil {
		return fmt.Errorf("failed to close journal: %w", err)
	}
	j.conn = nil
	return nil
}

func (j *Journal) initSchema(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS snapshots (
		type TEXT NOT NULL,
		id TEXT NOT NULL,
		updated_at TEXT NOT NULL DEFAULT '',
		fields TEXT NOT NULL,  -- JSON object
		PRIMARY KEY (type, id)
	);

	CREATE TABLE IF NOT EXISTS tombstones (
		type TEXT NOT NULL,
		id TEXT NOT NULL,
		updated_at TEXT NOT NULL DEFAULT '',
		deleted_at TEXT NOT NULL,
		PRIMARY KEY (type, id)
	);

	CREATE TABLE IF NOT EXISTS mutations (
		seq INTEGER PRIMARY KEY,
		type TEXT NOT NULL,
		id TEXT NOT NULL,
		kind TEXT NOT NULL,
		delta TEXT,  -- JSON object
		base_updated_at TEXT NOT NULL DEFAULT '',
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		enqueued_at TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_snapshots_type ON snapshots(type);
	CREATE INDEX IF NOT EXISTS idx_mutations_key ON mutations(type, id);
	`
	if _, err := j.conn.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Save writes b in one transaction.
func (j *Journal) Save(ctx context.Context, b Batch) error {
	tx, err := j.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, e := range b.Put {
		fields, err := json.Marshal(e.Fields)
		if err != nil {
			return fmt.Errorf("failed to marshal %s: %w", e.Key(), err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO snapshots (type, id, updated_at, fields) VALUES (?, ?, ?, ?)
			ON CONFLICT(type, id) DO UPDATE SET
				updated_at = excluded.updated_at,
				fields = excluded.fields`,
			string(e.Type), e.ID, formatTime(e.UpdatedAt), string(fields)); err != nil {
			return fmt.Errorf("failed to save snapshot %s: %w", e.Key(), err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM tombstones WHERE type = ? AND id = ?`, string(e.Type), e.ID); err != nil {
			return fmt.Errorf("failed to clear tombstone %s: %w", e.Key(), err)
		}
	}

	for _, ts := range b.Tombstones {
		if _, err := tx.ExecContext(ctx, `DELETE FROM snapshots WHERE type = ? AND id = ?`, string(ts.Key.Type), ts.Key.ID); err != nil {
			return fmt.Errorf("failed to delete snapshot %s: %w", ts.Key, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tombstones (type, id, updated_at, deleted_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(type, id) DO UPDATE SET
				updated_at = excluded.updated_at,
				deleted_at = excluded.deleted_at`,
			string(ts.Key.Type), ts.Key.ID, formatTime(ts.UpdatedAt), formatTime(ts.DeletedAt)); err != nil {
			return fmt.Errorf("failed to save tombstone %s: %w", ts.Key, err)
		}
	}

	for _, key := range b.Forget {
		for _, table := range []string{"snapshots", "tombstones"} {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE type = ? AND id = ?`, string(key.Type), key.ID); err != nil {
				return fmt.Errorf("failed to forget %s: %w", key, err)
			}
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM mutations`); err != nil {
		return fmt.Errorf("failed to clear mutations: %w", err)
	}
	for _, m := range b.Mutations {
		delta, err := json.Marshal(m.Delta)
		if err != nil {
			return fmt.Errorf("failed to marshal mutation %d: %w", m.Seq, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO mutations (seq, type, id, kind, delta, base_updated_at, retry_count, last_error, enqueued_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			int64(m.Seq), string(m.Key.Type), m.Key.ID, string(m.Kind), string(delta),
			formatTime(m.BaseUpdatedAt), m.RetryCount, m.LastError, formatTime(m.EnqueuedAt)); err != nil {
			return fmt.Errorf("failed to save mutation %d: %w", m.Seq, err)
		}
	}

	if err := setMeta(ctx, tx, MetaLastSeq, strconv.FormatUint(b.LastSeq, 10)); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Load reads the persisted state.
func (j *Journal) Load(ctx context.Context) (*State, error) {
	st := &State{}

	rows, err := j.conn.QueryContext(ctx, `SELECT type, id, updated_at, fields FROM snapshots ORDER BY type, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	for rows.Next() {
		var typ, id, updated, fields string
		if err := rows.Scan(&typ, &id, &updated, &fields); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		e := schema.Entity{Type: schema.EntityType(typ), ID: id, UpdatedAt: parseTime(updated)}
		if err := json.Unmarshal([]byte(fields), &e.Fields); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to parse snapshot %s/%s: %w", typ, id, err)
		}
		if e.Fields == nil {
			e.Fields = schema.Fields{}
		}
		st.Confirmed = append(st.Confirmed, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read snapshots: %w", err)
	}

	rows, err = j.conn.QueryContext(ctx, `SELECT type, id, updated_at, deleted_at FROM tombstones ORDER BY type, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tombstones: %w", err)
	}
	for rows.Next() {
		var typ, id, updated, deleted string
		if err := rows.Scan(&typ, &id, &updated, &deleted); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan tombstone: %w", err)
		}
		st.Tombstones = append(st.Tombstones, store.Tombstone{
			Key:       schema.K(schema.EntityType(typ), id),
			UpdatedAt: parseTime(updated),
			DeletedAt: parseTime(deleted),
		})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read tombstones: %w", err)
	}

	rows, err = j.conn.QueryContext(ctx, `
		SELECT seq, type, id, kind, delta, base_updated_at, retry_count, last_error, enqueued_at
		FROM mutations ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("failed to query mutations: %w", err)
	}
	for rows.Next() {
		var (
			seq                                int64
			typ, id, kind, base, lastErr, enqd string
			delta                              sql.NullString
			retries                            int
		)
		if err := rows.Scan(&seq, &typ, &id, &kind, &delta, &base, &retries, &lastErr, &enqd); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan mutation: %w", err)
		}
		m := queue.Mutation{
			Seq:           uint64(seq),
			Key:           schema.K(schema.EntityType(typ), id),
			Kind:          schema.Op(kind),
			BaseUpdatedAt: parseTime(base),
			Status:        queue.StatusPending,
			RetryCount:    retries,
			LastError:     lastErr,
			EnqueuedAt:    parseTime(enqd),
		}
		if delta.Valid && delta.String != "" && delta.String != "null" {
			if err := json.Unmarshal([]byte(delta.String), &m.Delta); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to parse mutation %d: %w", seq, err)
			}
		}
		st.Mutations = append(st.Mutations, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read mutations: %w", err)
	}

	last, err := j.Meta(ctx, MetaLastSeq)
	if err != nil {
		return nil, err
	}
	if last != "" {
		if st.LastSeq, err = strconv.ParseUint(last, 10, 64); err != nil {
			return nil, fmt.Errorf("invalid %s %q: %w", MetaLastSeq, last, err)
		}
	}
	return st, nil
}

// Meta returns a meta value, or "" if unset.
func (j *Journal) Meta(ctx context.Context, key string) (string, error) {
	var value string
	err := j.conn.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read meta %s: %w", key, err)
	}
	return value, nil
}

// SetMeta stores a meta value.
func (j *Journal) SetMeta(ctx context.Context, key, value string) error {
	return setMeta(ctx, j.conn, key, value)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func setMeta(ctx context.Context, db execer, key, value string) error {
	if _, err := db.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value); err != nil {
		return fmt.Errorf("failed to write meta %s: %w", key, err)
	}
	return nil
}

// ClientID returns the persisted client id, storing generate() on first use.
func (j *Journal) ClientID(ctx context.Context, generate func() string) (string, error) {
	id, err := j.Meta(ctx, MetaClientID)
	if err != nil || id != "" {
		return id, err
	}
	id = generate()
	if err := j.SetMeta(ctx, MetaClientID, id); err != nil {
		return "", err
	}
	return id, nil
}

// Stats returns row counts.
func (j *Journal) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	for table, dst := range map[string]*int{
		"snapshots":  &s.Snapshots,
		"tombstones": &s.Tombstones,
		"mutations":  &s.Mutations,
	} {
		if err := j.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table).Scan(dst); err != nil {
			return s, fmt.Errorf("failed to count %s: %w", table, err)
		}
	}
	last, err := j.Meta(ctx, MetaLastSeq)
	if err != nil {
		return s, err
	}
	if last != "" {
		s.LastSeq, _ = strconv.ParseUint(last, 10, 64)
	}
	return s, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
