package auth

import (
	"context"
	"database/sql"
)

// PostgresStore persists staff keys in PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed auth store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

// Create stores a new staff key
func (p *PostgresStore) Create(ctx context.Context, key *StaffKey) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO staff_keys (id, hash, name, role, created_at, expires_at, revoked)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, key.ID, key.Hash, key.Name, key.Role, key.CreatedAt, key.ExpiresAt, key.Revoked)
	return err
}

// GetByHash retrieves a live staff key by its hash
func (p *PostgresStore) GetByHash(ctx context.Context, hash string) (*StaffKey, error) {
	key := &StaffKey{}
	var expiresAt sql.NullTime
	var lastUsed sql.NullTime

	err := p.db.QueryRowContext(ctx, `
		SELECT id, hash, name, role, created_at, last_used, expires_at, revoked
		FROM staff_keys WHERE hash = $1
		  AND revoked = FALSE
		  AND (expires_at IS NULL OR expires_at > NOW())
	`, hash).Scan(
		&key.ID, &key.Hash, &key.Name, &key.Role,
		&key.CreatedAt, &lastUsed, &expiresAt, &key.Revoked,
	)
	if err == sql.ErrNoRows {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}

	if expiresAt.Valid {
		key.ExpiresAt = &expiresAt.Time
	}
	if lastUsed.Valid {
		key.LastUsed = lastUsed.Time
	}
	return key, nil
}

// List retrieves every staff key, newest first
func (p *PostgresStore) List(ctx context.Context) ([]*StaffKey, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, hash, name, role, created_at, last_used, expires_at, revoked
		FROM staff_keys ORDER BY created_at DESC, id
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var keys []*StaffKey
	for rows.Next() {
		key := &StaffKey{}
		var expiresAt sql.NullTime
		var lastUsed sql.NullTime

		if err := rows.Scan(
			&key.ID, &key.Hash, &key.Name, &key.Role,
			&key.CreatedAt, &lastUsed, &expiresAt, &key.Revoked,
		); err != nil {
			return nil, err
		}

		if expiresAt.Valid {
			key.ExpiresAt = &expiresAt.Time
		}
		if lastUsed.Valid {
			key.LastUsed = lastUsed.Time
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Update updates a staff key's bookkeeping fields
func (p *PostgresStore) Update(ctx context.Context, key *StaffKey) error {
	var lastUsed sql.NullTime
	if !key.LastUsed.IsZero() {
		lastUsed = sql.NullTime{Time: key.LastUsed, Valid: true}
	}
	_, err := p.db.ExecContext(ctx, `
		UPDATE staff_keys SET last_used = $1, revoked = $2 WHERE id = $3
	`, lastUsed, key.Revoked, key.ID)
	return err
}

// Delete removes a staff key
func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM staff_keys WHERE id = $1`, id)
	return err
}
