package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/snapmeta/snapmeta/pkg/api"
)

// SQLiteInstanceStore is an InstanceStore backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
type SQLiteInstanceStore struct {
	db *sql.DB
}

var _ InstanceStore = (*SQLiteInstanceStore)(nil)

// NewSQLiteInstanceStore initializes the required schema in the given
// database and returns a new SQLiteInstanceStore.
func NewSQLiteInstanceStore(db *sql.DB) (*SQLiteInstanceStore, error) {
	s := &SQLiteInstanceStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteInstanceStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS instances (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			container TEXT NOT NULL,
			blob_name TEXT NOT NULL,
			input BLOB,
			output BLOB,
			reason TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_instances_status ON instances(status);`,
	)
	return err
}

// isUniqueViolation reports whether err is a SQLite unique / primary key
// constraint failure. modernc.org/sqlite surfaces these as plain errors with
// a stable message prefix, so string matching is the portable check.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: instances.id") ||
		strings.Contains(msg, "(1555)") || strings.Contains(msg, "(2067)")
}

func (s *SQLiteInstanceStore) CreateInstance(ctx context.Context, inst *api.OrchestrationInstance) error {
	input, err := EncodeValue(inst.Input)
	if err != nil {
		return err
	}
	output, err := encodeMetadata(inst.Output)
	if err != nil {
		return err
	}

	now := time.Now()
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = now
	}
	inst.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO instances (id, status, container, blob_name, input, output, reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID,
		string(inst.Status),
		inst.Input.Container,
		inst.Input.BlobName,
		input,
		output,
		inst.Reason,
		inst.CreatedAt.UnixNano(),
		inst.UpdatedAt.UnixNano(),
	)
	if isUniqueViolation(err) {
		return ErrInstanceExists
	}
	return err
}

func (s *SQLiteInstanceStore) UpdateInstance(ctx context.Context, inst *api.OrchestrationInstance) error {
	input, err := EncodeValue(inst.Input)
	if err != nil {
		return err
	}
	output, err := encodeMetadata(inst.Output)
	if err != nil {
		return err
	}

	inst.UpdatedAt = time.Now()

	res, err := s.db.ExecContext(ctx, `
		UPDATE instances
		SET status = ?, container = ?, blob_name = ?, input = ?, output = ?, reason = ?, updated_at = ?
		WHERE id = ?`,
		string(inst.Status),
		inst.Input.Container,
		inst.Input.BlobName,
		input,
		output,
		inst.Reason,
		inst.UpdatedAt.UnixNano(),
		inst.ID,
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrInstanceNotFound
	}
	return nil
}

func (s *SQLiteInstanceStore) GetInstance(ctx context.Context, id string) (*api.OrchestrationInstance, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, status, input, output, reason, created_at, updated_at
		FROM instances
		WHERE id = ?`,
		id,
	)

	inst, err := scanInstance(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInstanceNotFound
		}
		return nil, err
	}
	return inst, nil
}

func (s *SQLiteInstanceStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.OrchestrationInstance, error) {
	query := `
		SELECT id, status, input, output, reason, created_at, updated_at
		FROM instances`
	var args []any
	var clauses []string

	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Container != "" {
		clauses = append(clauses, "container = ?")
		args = append(args, filter.Container)
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []*api.OrchestrationInstance
	for rows.Next() {
		inst, err := scanInstance(rows.Scan)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

// PurgeTerminal removes terminal instances and their history rows in one
// transaction. It assumes the history schema lives in the same database,
// which is how NewSQLiteEngine wires the stores.
func (s *SQLiteInstanceStore) PurgeTerminal(ctx context.Context, cutoff time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	// Drop the history of the instances first; the instance rows drive
	// which histories are eligible.
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM history_events
		WHERE instance_id IN (
			SELECT id FROM instances
			WHERE status IN (?, ?) AND updated_at < ?
		)`,
		string(api.StatusCompleted), string(api.StatusFailed), cutoff.UnixNano(),
	); err != nil {
		return 0, err
	}

	res, err := tx.ExecContext(ctx, `
		DELETE FROM instances
		WHERE status IN (?, ?) AND updated_at < ?`,
		string(api.StatusCompleted), string(api.StatusFailed), cutoff.UnixNano(),
	)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int(affected), nil
}

type scanFunc func(dest ...any) error

func scanInstance(scan scanFunc) (*api.OrchestrationInstance, error) {
	var (
		inst      api.OrchestrationInstance
		statusStr string
		input     []byte
		output    []byte
		createdAt int64
		updatedAt int64
	)

	if err := scan(&inst.ID, &statusStr, &input, &output, &inst.Reason, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	inst.Status = api.Status(statusStr)
	inst.CreatedAt = time.Unix(0, createdAt)
	inst.UpdatedAt = time.Unix(0, updatedAt)

	inVal, err := DecodeValue(input)
	if err != nil {
		return nil, err
	}
	if inVal != nil {
		ev, ok := inVal.(api.UploadEvent)
		if !ok {
			return nil, fmt.Errorf("instance %s: unexpected input payload type %T", inst.ID, inVal)
		}
		inst.Input = ev
	}

	md, err := decodeMetadata(output)
	if err != nil {
		return nil, err
	}
	inst.Output = md

	return &inst, nil
}

func encodeMetadata(md *api.ImageMetadata) ([]byte, error) {
	if md == nil {
		return nil, nil
	}
	return EncodeValue(*md)
}

func decodeMetadata(data []byte) (*api.ImageMetadata, error) {
	v, err := DecodeValue(data)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	md, ok := v.(api.ImageMetadata)
	if !ok {
		return nil, fmt.Errorf("unexpected output payload type %T", v)
	}
	return &md, nil
}
