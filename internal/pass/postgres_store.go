package pass

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresStore persists pass registrations in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed registration store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const registrationColumns = `id, member, platform, serial_number, active, created_at, last_sync, last_error, consecutive_failures`

func (p *PostgresStore) Create(ctx context.Context, reg *Registration) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO pass_registrations (id, member, platform, serial_number, active, created_at, consecutive_failures)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, reg.ID, reg.Member, string(reg.Platform), reg.SerialNumber, reg.Active, reg.CreatedAt, reg.ConsecutiveFailures)
	if err != nil {
		return fmt.Errorf("insert pass registration: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Registration, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+registrationColumns+` FROM pass_registrations WHERE id = $1
	`, id)

	reg, err := scanRegistration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("pass registration not found")
	}
	return reg, err
}

func (p *PostgresStore) GetByMember(ctx context.Context, member string) ([]*Registration, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+registrationColumns+` FROM pass_registrations
		WHERE member = $1
		ORDER BY created_at DESC
	`, member)
	if err != nil {
		return nil, fmt.Errorf("query pass registrations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var regs []*Registration
	for rows.Next() {
		reg, err := scanRegistration(rows)
		if err != nil {
			return nil, err
		}
		regs = append(regs, reg)
	}
	return regs, rows.Err()
}

func (p *PostgresStore) Update(ctx context.Context, reg *Registration) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE pass_registrations SET
			active = $2,
			last_sync = $3,
			last_error = $4,
			consecutive_failures = $5
		WHERE id = $1
	`, reg.ID, reg.Active, reg.LastSync, nullString(reg.LastError), reg.ConsecutiveFailures)
	if err != nil {
		return fmt.Errorf("update pass registration: %w", err)
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM pass_registrations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete pass registration: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRegistration(row scanner) (*Registration, error) {
	var (
		reg       Registration
		platform  string
		lastSync  sql.NullTime
		lastError sql.NullString
	)
	err := row.Scan(&reg.ID, &reg.Member, &platform, &reg.SerialNumber, &reg.Active,
		&reg.CreatedAt, &lastSync, &lastError, &reg.ConsecutiveFailures)
	if err != nil {
		return nil, err
	}
	reg.Platform = Platform(platform)
	if lastSync.Valid {
		t := lastSync.Time
		reg.LastSync = &t
	}
	reg.LastError = lastError.String
	return &reg, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ Store = (*PostgresStore)(nil)
