package intent

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// PostgresStore persists intent data in PostgreSQL. The status CAS rides
// on a guarded UPDATE, so the exactly-once claim holds across processes.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed intent store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, it *Intent) error {
	productJSON, _ := json.Marshal(it.ProductData)
	if it.ProductData == nil {
		productJSON = []byte("{}")
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO purchase_intents (
			id, member, purchase_tokens, topup_tokens, channel, product_data,
			status, payment_ref, checkout_url,
			created_at, updated_at, expires_at, paid_at, resolved_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9,
			$10, $11, $12, $13, $14
		)`,
		it.ID, it.Member, it.PurchaseTokens, it.TopUpTokens, it.Channel, productJSON,
		string(it.Status), nullString(it.PaymentRef), nullString(it.CheckoutURL),
		it.CreatedAt, it.UpdatedAt, it.ExpiresAt, nullTime(it.PaidAt), nullTime(it.ResolvedAt),
	)
	return err
}

const intentColumns = `id, member, purchase_tokens, topup_tokens, channel, product_data,
	       status, payment_ref, checkout_url,
	       created_at, updated_at, expires_at, paid_at, resolved_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Intent, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+intentColumns+` FROM purchase_intents WHERE id = $1`, id)

	it, err := scanIntent(row)
	if err == sql.ErrNoRows {
		return nil, ErrIntentNotFound
	}
	return it, err
}

func (p *PostgresStore) GetByPaymentRef(ctx context.Context, ref string) (*Intent, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+intentColumns+` FROM purchase_intents WHERE payment_ref = $1`, ref)

	it, err := scanIntent(row)
	if err == sql.ErrNoRows {
		return nil, ErrIntentNotFound
	}
	return it, err
}

func (p *PostgresStore) AttachPaymentRef(ctx context.Context, id, ref, url string, at time.Time) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE purchase_intents SET
			payment_ref  = $2,
			checkout_url = $3,
			updated_at   = $4
		WHERE id = $1 AND status = 'pending'`,
		id, ref, nullString(url), at,
	)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if rows > 0 {
		return true, nil
	}

	var exists bool
	if err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM purchase_intents WHERE id = $1)`, id,
	).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, ErrIntentNotFound
	}
	return false, nil
}

func (p *PostgresStore) Transition(ctx context.Context, id string, from, to Status, at time.Time) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE purchase_intents SET
			status      = $3,
			updated_at  = $4,
			paid_at     = CASE WHEN $3 = 'paid' THEN $4 ELSE paid_at END,
			resolved_at = CASE WHEN $3 IN ('completed', 'expired', 'cancelled') THEN $4 ELSE resolved_at END
		WHERE id = $1 AND status = $2`,
		id, string(from), string(to), at,
	)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if rows > 0 {
		return true, nil
	}

	// No row moved: either the CAS lost or the intent does not exist.
	var exists bool
	if err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM purchase_intents WHERE id = $1)`, id,
	).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, ErrIntentNotFound
	}
	return false, nil
}

func (p *PostgresStore) ListOverdue(ctx context.Context, before time.Time, limit int) ([]*Intent, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+intentColumns+`
		FROM purchase_intents
		WHERE status = 'pending' AND expires_at < $1
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanIntents(rows)
}

func (p *PostgresStore) ListStuck(ctx context.Context, before time.Time, limit int) ([]*Intent, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+intentColumns+`
		FROM purchase_intents
		WHERE status = 'paid' AND paid_at < $1
		ORDER BY paid_at ASC
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanIntents(rows)
}

func (p *PostgresStore) CountPending(ctx context.Context) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM purchase_intents WHERE status = 'pending'`,
	).Scan(&n)
	return n, err
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanIntent(s scanner) (*Intent, error) {
	it := &Intent{}
	var (
		status      string
		productJSON []byte
		paymentRef  sql.NullString
		checkoutURL sql.NullString
		paidAt      sql.NullTime
		resolvedAt  sql.NullTime
	)

	err := s.Scan(
		&it.ID, &it.Member, &it.PurchaseTokens, &it.TopUpTokens, &it.Channel, &productJSON,
		&status, &paymentRef, &checkoutURL,
		&it.CreatedAt, &it.UpdatedAt, &it.ExpiresAt, &paidAt, &resolvedAt,
	)
	if err != nil {
		return nil, err
	}

	it.Status = Status(status)
	it.PaymentRef = paymentRef.String
	it.CheckoutURL = checkoutURL.String
	if paidAt.Valid {
		it.PaidAt = &paidAt.Time
	}
	if resolvedAt.Valid {
		it.ResolvedAt = &resolvedAt.Time
	}
	if len(productJSON) > 0 {
		_ = json.Unmarshal(productJSON, &it.ProductData)
	}

	return it, nil
}

func scanIntents(rows *sql.Rows) ([]*Intent, error) {
	var result []*Intent
	for rows.Next() {
		it, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, it)
	}
	return result, rows.Err()
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
