// Package callstore is the Call Recorder: append-only and update-in-place
// persistence of calls and call_events rows, using short-lived
// transactions from a shared connection pool.
package callstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Open opens a PostgreSQL connection pool and runs pending migrations for
// the calls/call_events schema.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgresql: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgresql: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	slog.Info("call store opened")
	return db, nil
}

// migrate runs all pending SQL migration files in order.
func migrate(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version := strings.TrimSuffix(entry.Name(), ".sql")

		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = $1", version).Scan(&count)
		if err != nil {
			return fmt.Errorf("checking migration %s: %w", version, err)
		}
		if count > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", version, err)
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %s: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("executing migration %s: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES ($1)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %s: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %s: %w", version, err)
		}

		slog.Info("applied migration", "version", version)
	}

	return nil
}

// Recorder persists call lifecycle state and a raw event audit trail.
// Each method opens a short-lived transaction from the shared pool,
// performs its statements, and commits; callers only need to wrap a
// failure in context, never retry the transaction themselves. Safe to
// call concurrently.
type Recorder struct {
	db *sql.DB
}

// NewRecorder wraps an already-open, already-migrated connection pool.
func NewRecorder(db *sql.DB) *Recorder {
	return &Recorder{db: db}
}

// nullableUUID converts a possibly-nil *uuid.UUID into a driver value,
// so that a nil pointer becomes SQL NULL instead of panicking inside
// uuid.UUID's pointer-promoted Value() method.
func nullableUUID(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return *id
}

// EventInput is the data recorded for one inbound event, regardless of
// whether it advances call state. CallID is nil when the event arrives
// before (or after) a call_id mapping exists; call_events.call_id is
// nullable to allow this.
type EventInput struct {
	CallID    *uuid.UUID
	Timestamp *time.Time
	Type      string
	ChannelID *string
	BridgeID  *string
	Raw       json.RawMessage
}

// EnsureCallRow inserts a new calls row for callID if one does not
// already exist. A second call with the same callID is a no-op: the
// ON CONFLICT clause leaves the existing row untouched.
func (r *Recorder) EnsureCallRow(ctx context.Context, callID uuid.UUID, callerExten, calleeExten, callerChannelID *string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ensure_call_row: begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO calls (id, caller_exten, callee_exten, caller_channel_id, started_at, status)
		VALUES ($1, $2, $3, $4, NOW(), $5)
		ON CONFLICT (id) DO NOTHING
	`, callID, callerExten, calleeExten, callerChannelID, StatusNew)
	if err != nil {
		return fmt.Errorf("ensure_call_row %s: %w", callID, err)
	}

	return tx.Commit()
}

// AddEvent appends one row to call_events. It never updates an existing
// row; the table is an append-only audit trail.
func (r *Recorder) AddEvent(ctx context.Context, ev EventInput) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("add_event: begin: %w", err)
	}
	defer tx.Rollback()

	raw := ev.Raw
	if raw == nil {
		raw = json.RawMessage("{}")
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO call_events (call_id, ts, type, channel_id, bridge_id, raw)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, nullableUUID(ev.CallID), ev.Timestamp, ev.Type, ev.ChannelID, ev.BridgeID, raw)
	if err != nil {
		return fmt.Errorf("add_event type=%s: %w", ev.Type, err)
	}

	return tx.Commit()
}

// MarkBridged records that callerChannelID and calleeChannelID were
// joined on bridgeID, and advances the call to StatusUp.
func (r *Recorder) MarkBridged(ctx context.Context, callID uuid.UUID, bridgeID, callerChannelID, calleeChannelID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("mark_bridged: begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE calls
		SET bridge_id = $2, caller_channel_id = $3, callee_channel_id = $4,
		    answered_at = NOW(), status = $5
		WHERE id = $1
	`, callID, bridgeID, callerChannelID, calleeChannelID, StatusUp)
	if err != nil {
		return fmt.Errorf("mark_bridged %s: %w", callID, err)
	}

	return tx.Commit()
}

// MarkFailed advances the call to StatusFailed and records the reason.
// Calling it twice on the same callID is harmless: the second call just
// overwrites hangup_reason with the same value.
func (r *Recorder) MarkFailed(ctx context.Context, callID uuid.UUID, reason string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("mark_failed: begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE calls
		SET status = $2, hangup_reason = $3, ended_at = COALESCE(ended_at, NOW())
		WHERE id = $1
	`, callID, StatusFailed, reason)
	if err != nil {
		return fmt.Errorf("mark_failed %s: %w", callID, err)
	}

	return tx.Commit()
}

// MarkEnded advances the call to StatusEnded. endedAt defaults to now
// when nil. hangupCause/hangupReason are only applied when non-nil,
// leaving any previously-recorded value in place otherwise. It is safe
// to call more than once for the same callID (a duplicate hangup
// notification for a call already marked ended is not an error); the
// row is simply overwritten with the same terminal state.
func (r *Recorder) MarkEnded(ctx context.Context, callID uuid.UUID, endedAt *time.Time, hangupCause *int, hangupReason *string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("mark_ended: begin: %w", err)
	}
	defer tx.Rollback()

	when := time.Now()
	if endedAt != nil {
		when = *endedAt
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE calls
		SET status = $2, ended_at = $3,
		    hangup_cause = COALESCE($4, hangup_cause),
		    hangup_reason = COALESCE($5, hangup_reason)
		WHERE id = $1
	`, callID, StatusEnded, when, hangupCause, hangupReason)
	if err != nil {
		return fmt.Errorf("mark_ended %s: %w", callID, err)
	}

	return tx.Commit()
}
