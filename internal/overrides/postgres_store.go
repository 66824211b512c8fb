package overrides

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists overrides in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed override store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Set(ctx context.Context, entry *Entry) error {
	var expiresAt sql.NullTime
	if !entry.ExpiresAt.IsZero() {
		expiresAt = sql.NullTime{Time: entry.ExpiresAt, Valid: true}
	}

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO overrides (
			id, number, action, reason, created_by, created_at, expires_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7
		)
		ON CONFLICT (number, action) DO UPDATE SET
			id = EXCLUDED.id,
			reason = EXCLUDED.reason,
			created_by = EXCLUDED.created_by,
			created_at = EXCLUDED.created_at,
			expires_at = EXCLUDED.expires_at`,
		entry.ID, entry.Number, string(entry.Action), entry.Reason,
		entry.CreatedBy, entry.CreatedAt, expiresAt,
	)
	return err
}

func (p *PostgresStore) Remove(ctx context.Context, number string, action Action) error {
	result, err := p.db.ExecContext(ctx, `
		DELETE FROM overrides WHERE number = $1 AND action = $2`,
		number, string(action),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) RemoveByID(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `
		DELETE FROM overrides WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, number string) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, number, action, reason, created_by, created_at, expires_at
		FROM overrides
		WHERE number = $1
		ORDER BY action ASC`, number)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEntries(rows)
}

func (p *PostgresStore) List(ctx context.Context, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, number, action, reason, created_by, created_at, expires_at
		FROM overrides
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEntries(rows)
}

// --- scanners ---

type entryScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(sc entryScanner) (*Entry, error) {
	e := &Entry{}
	var (
		action    string
		expiresAt sql.NullTime
	)

	err := sc.Scan(&e.ID, &e.Number, &action, &e.Reason, &e.CreatedBy, &e.CreatedAt, &expiresAt)
	if err != nil {
		return nil, err
	}

	e.Action = Action(action)
	if expiresAt.Valid {
		e.ExpiresAt = expiresAt.Time
	} else {
		e.ExpiresAt = time.Time{}
	}
	return e, nil
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var result []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// Compile-time assertion.
var _ Store = (*PostgresStore)(nil)
