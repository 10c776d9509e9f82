package ledger

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/marqueehq/marquee/internal/pagination"
)

// PostgresStore implements Store with PostgreSQL.
//
// The balance row carries a CHECK (tokens >= 0) constraint and every charge
// runs a guarded UPDATE, so overdraft is impossible even if two charges for
// the same member land on different connections at once. Schema lives in
// migrations/ and is applied with goose.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// GetBalance retrieves a member's balance. Members with no row read as zero.
func (p *PostgresStore) GetBalance(ctx context.Context, member string) (*Balance, error) {
	bal := &Balance{Member: member}

	err := p.db.QueryRowContext(ctx, `
		SELECT tokens, total_in, total_out, updated_at
		FROM member_balances WHERE member = $1
	`, member).Scan(&bal.Tokens, &bal.TotalIn, &bal.TotalOut, &bal.UpdatedAt)

	if err == sql.ErrNoRows {
		return &Balance{Member: member}, nil
	}
	if err != nil {
		return nil, err
	}
	return bal, nil
}

// Credit appends a credit entry and bumps the running total in one
// transaction.
func (p *PostgresStore) Credit(ctx context.Context, e *Entry) (int64, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var tokens int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO member_balances (member, tokens, total_in, updated_at)
		VALUES ($1, $2, $2, NOW())
		ON CONFLICT (member) DO UPDATE SET
			tokens     = member_balances.tokens   + $2,
			total_in   = member_balances.total_in + $2,
			updated_at = NOW()
		RETURNING tokens
	`, e.Member, e.Amount).Scan(&tokens)
	if err != nil {
		return 0, fmt.Errorf("failed to update balance: %w", err)
	}

	if err := insertEntry(ctx, tx, e); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return tokens, nil
}

// Charge debits a member's balance and appends the charge entry atomically.
// The WHERE clause makes the sufficiency check part of the UPDATE itself;
// a member with no balance row is refused with ErrMemberNotFound. Runs at
// the default read committed level so a charge that blocks on a concurrent
// update re-checks the guard against the winner's row instead of aborting.
func (p *PostgresStore) Charge(ctx context.Context, e *Entry) (int64, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var tokens int64
	err = tx.QueryRowContext(ctx, `
		UPDATE member_balances SET
			tokens     = tokens - $2,
			total_out  = total_out + $2,
			updated_at = NOW()
		WHERE member = $1 AND tokens >= $2
		RETURNING tokens
	`, e.Member, e.Amount).Scan(&tokens)

	if err == sql.ErrNoRows {
		// Either the member holds fewer tokens than requested or has no
		// row at all. Separate the two for the caller.
		var current int64
		ferr := tx.QueryRowContext(ctx,
			`SELECT tokens FROM member_balances WHERE member = $1`, e.Member,
		).Scan(&current)
		if ferr == sql.ErrNoRows {
			return 0, ErrMemberNotFound
		}
		if ferr != nil {
			return 0, fmt.Errorf("failed to read balance: %w", ferr)
		}
		return 0, &InsufficientFundsError{Balance: current, Requested: e.Amount}
	}
	if err != nil {
		return 0, fmt.Errorf("failed to update balance: %w", err)
	}

	if err := insertEntry(ctx, tx, e); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return tokens, nil
}

func insertEntry(ctx context.Context, tx *sql.Tx, e *Entry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO token_entries (id, member, direction, amount, category, channel, description, display_ref, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, e.ID, e.Member, string(e.Direction), e.Amount, e.Category, e.Channel,
		nullable(e.Description), nullable(e.DisplayRef), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record entry: %w", err)
	}
	return nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// History retrieves entries newest-first, optionally older than a cursor.
func (p *PostgresStore) History(ctx context.Context, member string, limit int, before *pagination.Cursor) ([]*Entry, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if before == nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT id, member, direction, amount, category, channel, description, display_ref, created_at
			FROM token_entries
			WHERE member = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		`, member, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT id, member, direction, amount, category, channel, description, display_ref, created_at
			FROM token_entries
			WHERE member = $1 AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4
		`, member, before.CreatedAt, before.ID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEntries(rows)
}

// AllEntries retrieves a member's full history oldest-first for replay.
func (p *PostgresStore) AllEntries(ctx context.Context, member string) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, member, direction, amount, category, channel, description, display_ref, created_at
		FROM token_entries
		WHERE member = $1
		ORDER BY created_at ASC, id ASC
	`, member)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		var direction string
		var description, displayRef sql.NullString
		if err := rows.Scan(&e.ID, &e.Member, &direction, &e.Amount, &e.Category, &e.Channel, &description, &displayRef, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Direction = Direction(direction)
		e.Description = description.String
		e.DisplayRef = displayRef.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Members lists every member with a balance row.
func (p *PostgresStore) Members(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT member FROM member_balances ORDER BY member
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}
