package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mbd888/callshield/internal/classify"
)

// PostgresStore persists call history in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed history store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Insert(ctx context.Context, rec *Record) error {
	var warningsJSON []byte
	if len(rec.Warnings) > 0 {
		var err error
		warningsJSON, err = json.Marshal(rec.Warnings)
		if err != nil {
			return err
		}
	}

	var endedAt sql.NullTime
	if !rec.EndedAt.IsZero() {
		endedAt = sql.NullTime{Time: rec.EndedAt, Valid: true}
	}

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO call_history (
			id, session_id, number, device_id, status, close_cause,
			risk_level, auto_blocked, result_count, transcript_count,
			warnings, started_at, ended_at, duration_ms, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11, $12, $13, $14, $15
		)`,
		rec.ID, rec.SessionID, rec.Number, rec.DeviceID, rec.Status, rec.CloseCause,
		rec.RiskLevel, rec.AutoBlocked, rec.ResultCount, rec.TranscriptCount,
		warningsJSON, rec.StartedAt, endedAt, rec.DurationMs, rec.CreatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	rec, err := scanRecord(p.db.QueryRowContext(ctx, `
		SELECT id, session_id, number, device_id, status, close_cause,
		       risk_level, auto_blocked, result_count, transcript_count,
		       warnings, started_at, ended_at, duration_ms, created_at
		FROM call_history WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return rec, err
}

func (p *PostgresStore) GetBySession(ctx context.Context, sessionID string) (*Record, error) {
	rec, err := scanRecord(p.db.QueryRowContext(ctx, `
		SELECT id, session_id, number, device_id, status, close_cause,
		       risk_level, auto_blocked, result_count, transcript_count,
		       warnings, started_at, ended_at, duration_ms, created_at
		FROM call_history WHERE session_id = $1`, sessionID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return rec, err
}

func (p *PostgresStore) List(ctx context.Context, q Query) ([]*Record, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	var (
		conds []string
		args  []interface{}
	)
	if q.Number != "" {
		args = append(args, q.Number)
		conds = append(conds, fmt.Sprintf("number = $%d", len(args)))
	}
	if q.RiskLevel != "" {
		args = append(args, q.RiskLevel)
		conds = append(conds, fmt.Sprintf("risk_level = $%d", len(args)))
	}
	if q.Cursor != nil {
		args = append(args, q.Cursor.CreatedAt, q.Cursor.ID)
		conds = append(conds, fmt.Sprintf("(created_at, id) < ($%d, $%d)", len(args)-1, len(args)))
	}

	query := `
		SELECT id, session_id, number, device_id, status, close_cause,
		       risk_level, auto_blocked, result_count, transcript_count,
		       warnings, started_at, ended_at, duration_ms, created_at
		FROM call_history`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, limit+1)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

// --- scanners ---

type recordScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(sc recordScanner) (*Record, error) {
	rec := &Record{}
	var (
		warningsJSON []byte
		endedAt      sql.NullTime
	)

	err := sc.Scan(
		&rec.ID, &rec.SessionID, &rec.Number, &rec.DeviceID, &rec.Status, &rec.CloseCause,
		&rec.RiskLevel, &rec.AutoBlocked, &rec.ResultCount, &rec.TranscriptCount,
		&warningsJSON, &rec.StartedAt, &endedAt, &rec.DurationMs, &rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if endedAt.Valid {
		rec.EndedAt = endedAt.Time
	}
	if len(warningsJSON) > 0 {
		var warnings []classify.Warning
		if err := json.Unmarshal(warningsJSON, &warnings); err == nil {
			rec.Warnings = warnings
		}
	}
	return rec, nil
}

// Compile-time assertion.
var _ Store = (*PostgresStore)(nil)
