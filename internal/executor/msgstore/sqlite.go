package msgstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/agentdeck/agentdeck/internal/executor/logs"
)

const archiveSchema = `
CREATE TABLE IF NOT EXISTS session_patches (
	session_id TEXT    NOT NULL,
	seq        INTEGER NOT NULL,
	op         TEXT    NOT NULL,
	idx        INTEGER NOT NULL,
	payload    TEXT    NOT NULL,
	created_at TIMESTAMP NOT NULL,
	PRIMARY KEY (session_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_session_patches_session ON session_patches(session_id);
`

// SQLiteArchive persists finished session patch logs so history survives
// process restarts. The in-memory Store remains the hot path; the
// archive is written once per session, after the terminal patch.
type SQLiteArchive struct {
	db *sqlx.DB
}

// OpenArchive opens (and migrates) a SQLite archive at path.
func OpenArchive(path string) (*SQLiteArchive, error) {
	db, err := sqlx.Connect("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	if _, err := db.Exec(archiveSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate archive: %w", err)
	}
	return &SQLiteArchive{db: db}, nil
}

// NewArchive wraps an existing connection. Used by tests with an
// in-memory database.
func NewArchive(db *sqlx.DB) (*SQLiteArchive, error) {
	if _, err := db.Exec(archiveSchema); err != nil {
		return nil, fmt.Errorf("migrate archive: %w", err)
	}
	return &SQLiteArchive{db: db}, nil
}

type patchRow struct {
	SessionID string    `db:"session_id"`
	Seq       uint64    `db:"seq"`
	Op        string    `db:"op"`
	Idx       int       `db:"idx"`
	Payload   string    `db:"payload"`
	CreatedAt time.Time `db:"created_at"`
}

type patchPayload struct {
	Entry *logs.NormalizedEntry `json:"entry,omitempty"`
	Exit  *logs.ExitStatus      `json:"exit,omitempty"`
}

// ArchiveSession writes the full patch log for a session in one
// transaction. Re-archiving a session is idempotent.
func (a *SQLiteArchive) ArchiveSession(ctx context.Context, sessionID string, patches []logs.Patch) error {
	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("archive %s: %w", sessionID, err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, p := range patches {
		payload, err := json.Marshal(patchPayload{Entry: p.Entry, Exit: p.Exit})
		if err != nil {
			return fmt.Errorf("archive %s seq %d: %w", sessionID, p.Seq, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO session_patches
			(session_id, seq, op, idx, payload, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, sessionID, p.Seq, string(p.Op), p.Index, string(payload), now)
		if err != nil {
			return fmt.Errorf("archive %s seq %d: %w", sessionID, p.Seq, err)
		}
	}
	return tx.Commit()
}

// LoadSession reads an archived patch log back in sequence order.
func (a *SQLiteArchive) LoadSession(ctx context.Context, sessionID string) ([]logs.Patch, error) {
	var rows []patchRow
	err := a.db.SelectContext(ctx, &rows, `
		SELECT session_id, seq, op, idx, payload, created_at
		FROM session_patches
		WHERE session_id = ?
		ORDER BY seq ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", sessionID, err)
	}
	patches := make([]logs.Patch, 0, len(rows))
	for _, r := range rows {
		var payload patchPayload
		if err := json.Unmarshal([]byte(r.Payload), &payload); err != nil {
			return nil, fmt.Errorf("load %s seq %d: %w", sessionID, r.Seq, err)
		}
		patches = append(patches, logs.Patch{
			Seq:   r.Seq,
			Op:    logs.PatchOp(r.Op),
			Index: r.Idx,
			Entry: payload.Entry,
			Exit:  payload.Exit,
		})
	}
	return patches, nil
}

// Sessions lists the archived session ids, most recent first.
func (a *SQLiteArchive) Sessions(ctx context.Context) ([]string, error) {
	var ids []string
	err := a.db.SelectContext(ctx, &ids, `
		SELECT session_id FROM session_patches
		GROUP BY session_id
		ORDER BY MAX(created_at) DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return ids, nil
}

// Close releases the underlying database handle.
func (a *SQLiteArchive) Close() error {
	return a.db.Close()
}
