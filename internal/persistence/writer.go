package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"dscledger/internal/event"
)

// OperationRow is a row in ledger.operations: one committed domain event.
type OperationRow struct {
	Sequence  int64
	EventType string
	CreatedAt time.Time
	Payload   []byte
}

// NewOperationRow flattens a committed envelope into its storage row.
func NewOperationRow(env event.Envelope) (OperationRow, error) {
	payload, err := json.Marshal(env.Payload)
	if err != nil {
		return OperationRow{}, fmt.Errorf("marshal payload seq=%d: %w", env.Sequence, err)
	}
	return OperationRow{
		Sequence:  env.Sequence,
		EventType: env.Type,
		CreatedAt: env.Timestamp,
		Payload:   payload,
	}, nil
}

// execer abstracts *sql.DB and *sql.Tx so batches can join a transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// OperationLogWriter appends committed operations to Postgres using
// multi-row INSERT. Writes are idempotent on sequence, so a retried
// batch never duplicates rows.
type OperationLogWriter struct {
	db *sql.DB
}

func NewOperationLogWriter(db *sql.DB) *OperationLogWriter {
	return &OperationLogWriter{db: db}
}

// WriteBatch inserts rows into ledger.operations on the given execer.
func (w *OperationLogWriter) WriteBatch(ctx context.Context, ex execer, rows []OperationRow) error {
	if len(rows) == 0 {
		return nil
	}

	query := `INSERT INTO ledger.operations
		(sequence, event_type, created_at, payload)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*4)

	for i, r := range rows {
		base := i * 4
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4,
		))
		args = append(args, r.Sequence, r.EventType, r.CreatedAt, r.Payload)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// LastSequence returns the highest persisted operation sequence, or 0
// when the log is empty.
func (w *OperationLogWriter) LastSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := w.db.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM ledger.operations`,
	).Scan(&seq)
	if err != nil {
		return 0, err
	}
	return seq.Int64, nil
}
