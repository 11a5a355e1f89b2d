package metastore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/snapmeta/snapmeta/pkg/api"
)

// SQLiteStore persists metadata rows in a SQLite table. It can share a
// database handle with the engine's own stores or use a separate one.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS image_metadata (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			idempotency_key TEXT NOT NULL UNIQUE,
			file_name TEXT NOT NULL,
			file_size_kb INTEGER NOT NULL,
			format TEXT NOT NULL,
			width INTEGER NOT NULL,
			height INTEGER NOT NULL,
			uploaded_at INTEGER NOT NULL
		);
	`)
	return err
}

// Upsert inserts the row, or does nothing if a row with the same
// idempotency key already exists. The conflict target makes retried
// deliveries of the same invocation single-writer safe.
func (s *SQLiteStore) Upsert(ctx context.Context, key string, md api.ImageMetadata) error {
	if key == "" {
		return fmt.Errorf("%w: empty idempotency key", ErrConstraint)
	}
	md = stamp(md)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO image_metadata
			(idempotency_key, file_name, file_size_kb, format, width, height, uploaded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(idempotency_key) DO NOTHING`,
		key,
		md.FileName,
		md.FileSizeKB,
		md.Format,
		md.Width,
		md.Height,
		md.UploadedAt.UnixNano(),
	)
	if err != nil && isConstraintViolation(err) {
		return fmt.Errorf("%w: %v", ErrConstraint, err)
	}
	return err
}

func (s *SQLiteStore) List(ctx context.Context) ([]Row, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, idempotency_key, file_name, file_size_kb, format, width, height, uploaded_at
		FROM image_metadata
		ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var (
			r   Row
			atN int64
		)
		if err := rows.Scan(&r.ID, &r.IdempotencyKey, &r.FileName, &r.FileSizeKB, &r.Format, &r.Width, &r.Height, &atN); err != nil {
			return nil, err
		}
		r.UploadedAt = timeFromNanos(atN)
		out = append(out, r)
	}
	return out, rows.Err()
}

// isConstraintViolation detects SQLite constraint failures without binding to
// a driver-specific error type. modernc.org/sqlite reports them with the
// extended result code in the message.
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "constraint failed") ||
		strings.Contains(msg, "constraint violation") ||
		strings.Contains(msg, "(275)") || // CHECK
		strings.Contains(msg, "(1299)") // NOT NULL
}
