package snapshot

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store persists one snapshot per target in a local SQLite database.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS snapshots (
	target_id        TEXT PRIMARY KEY,
	version          INTEGER NOT NULL,
	consultation_id  TEXT NOT NULL,
	session_id       TEXT NOT NULL,
	token            TEXT NOT NULL,
	elapsed_seconds  REAL NOT NULL,
	chunk_high_water INTEGER NOT NULL,
	buffered         BLOB,
	saved_at         REAL NOT NULL
)`

// Open opens (or creates) the snapshot database at path.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open snapshot database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping snapshot database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create snapshot schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save upserts the target's snapshot.
func (s *Store) Save(ctx context.Context, snap Snapshot) error {
	if snap.Version == 0 {
		snap.Version = SchemaVersion
	}
	if snap.SavedAt.IsZero() {
		snap.SavedAt = time.Now()
	}
	if err := snap.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots
			(target_id, version, consultation_id, session_id, token,
			 elapsed_seconds, chunk_high_water, buffered, saved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(target_id) DO UPDATE SET
			version = excluded.version,
			consultation_id = excluded.consultation_id,
			session_id = excluded.session_id,
			token = excluded.token,
			elapsed_seconds = excluded.elapsed_seconds,
			chunk_high_water = excluded.chunk_high_water,
			buffered = excluded.buffered,
			saved_at = excluded.saved_at
	`, snap.TargetID, snap.Version, snap.ConsultationID, snap.SessionID, snap.Token,
		snap.ElapsedSeconds, snap.ChunkHighWater, snap.Buffered, float64(snap.SavedAt.UnixMilli())/1000)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// Load fetches and validates the target's snapshot. The second return value
// is false when no snapshot exists.
func (s *Store) Load(ctx context.Context, targetID string) (Snapshot, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT target_id, version, consultation_id, session_id, token,
		       elapsed_seconds, chunk_high_water, buffered, saved_at
		FROM snapshots
		WHERE target_id = ?
	`, targetID)

	var snap Snapshot
	var savedAt float64
	err := row.Scan(&snap.TargetID, &snap.Version, &snap.ConsultationID, &snap.SessionID,
		&snap.Token, &snap.ElapsedSeconds, &snap.ChunkHighWater, &snap.Buffered, &savedAt)
	if err == sql.ErrNoRows {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("scan snapshot: %w", err)
	}
	snap.SavedAt = time.UnixMilli(int64(savedAt * 1000))
	if err := snap.Validate(); err != nil {
		return Snapshot{}, false, err
	}
	return snap, true, nil
}

// Delete removes the target's snapshot, if any.
func (s *Store) Delete(ctx context.Context, targetID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE target_id = ?`, targetID); err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}
