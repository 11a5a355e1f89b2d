package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/snapmeta/snapmeta/pkg/api"
)

// SQLiteHistoryStore is the append-only history log backed by SQLite.
//
// The (instance_id, sequence) primary key is what enforces the engine's
// optimistic concurrency: the second writer of a slot gets a constraint
// failure, surfaced as ErrSequenceConflict.
type SQLiteHistoryStore struct {
	db *sql.DB
}

var _ HistoryStore = (*SQLiteHistoryStore)(nil)

func NewSQLiteHistoryStore(db *sql.DB) (*SQLiteHistoryStore, error) {
	s := &SQLiteHistoryStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteHistoryStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS history_events (
			instance_id TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			kind TEXT NOT NULL,
			activity TEXT NOT NULL DEFAULT '',
			payload BLOB,
			at INTEGER NOT NULL,
			PRIMARY KEY (instance_id, sequence)
		);
	`)
	return err
}

func (s *SQLiteHistoryStore) Append(ctx context.Context, ev api.HistoryEvent) error {
	payload, err := EncodeValue(ev.Payload)
	if err != nil {
		return err
	}

	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO history_events (instance_id, sequence, kind, activity, payload, at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ev.InstanceID,
		ev.Sequence,
		string(ev.Kind),
		ev.Activity,
		payload,
		at.UnixNano(),
	)
	if isUniqueViolation(err) {
		return ErrSequenceConflict
	}
	return err
}

func (s *SQLiteHistoryStore) Read(ctx context.Context, instanceID string) ([]api.HistoryEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT instance_id, sequence, kind, activity, payload, at
		FROM history_events
		WHERE instance_id = ?
		ORDER BY sequence ASC`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.HistoryEvent
	for rows.Next() {
		var (
			ev      api.HistoryEvent
			kind    string
			payload []byte
			atN     int64
		)
		if err := rows.Scan(&ev.InstanceID, &ev.Sequence, &kind, &ev.Activity, &payload, &atN); err != nil {
			return nil, err
		}
		ev.Kind = api.EventKind(kind)
		ev.At = time.Unix(0, atN)

		val, err := DecodeValue(payload)
		if err != nil {
			return nil, err
		}
		ev.Payload = val

		out = append(out, ev)
	}
	return out, rows.Err()
}
