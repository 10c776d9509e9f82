package tickets

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists ticket data in PostgreSQL. Seat holds ride on a
// guarded UPDATE against the capacity column, so concurrent reservations
// never oversell a screening regardless of how many processes serve them.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ticket store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) CreateScreening(ctx context.Context, s *Screening) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO screenings (
			id, title, room, starts_at, capacity, reserved, price_tokens, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		s.ID, s.Title, s.Room, s.StartsAt, s.Capacity, s.Reserved, s.PriceTokens, s.CreatedAt,
	)
	return err
}

const screeningColumns = `id, title, room, starts_at, capacity, reserved, price_tokens, created_at`

func (p *PostgresStore) GetScreening(ctx context.Context, id string) (*Screening, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+screeningColumns+` FROM screenings WHERE id = $1`, id)

	s, err := scanScreening(row)
	if err == sql.ErrNoRows {
		return nil, ErrScreeningNotFound
	}
	return s, err
}

func (p *PostgresStore) ListScreenings(ctx context.Context, from time.Time) ([]*Screening, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+screeningColumns+`
		FROM screenings
		WHERE starts_at > $1
		ORDER BY starts_at ASC, id ASC`, from)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Screening
	for rows.Next() {
		s, err := scanScreening(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

func (p *PostgresStore) HoldSeats(ctx context.Context, screeningID string, seats int) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE screenings SET reserved = reserved + $2
		WHERE id = $1 AND reserved + $2 <= capacity`,
		screeningID, seats,
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

	// No row moved: either the screening is full or it does not exist.
	var exists bool
	if err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM screenings WHERE id = $1)`, screeningID,
	).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, ErrScreeningNotFound
	}
	return false, nil
}

func (p *PostgresStore) ReleaseSeats(ctx context.Context, screeningID string, seats int) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE screenings SET reserved = GREATEST(reserved - $2, 0)
		WHERE id = $1`,
		screeningID, seats,
	)
	return err
}

func (p *PostgresStore) CreateReservation(ctx context.Context, r *Reservation) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO reservations (
			id, screening_id, member, seats, code, status,
			intent_id, entry_id, created_at, resolved_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		r.ID, r.Screening, r.Member, r.Seats, r.Code, string(r.Status),
		nullString(r.IntentID), nullString(r.EntryID), r.CreatedAt, nullTime(r.ResolvedAt),
	)
	return err
}

const reservationColumns = `id, screening_id, member, seats, code, status,
	       intent_id, entry_id, created_at, resolved_at`

func (p *PostgresStore) GetReservation(ctx context.Context, id string) (*Reservation, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = $1`, id)
	return reservationOrNotFound(row)
}

func (p *PostgresStore) GetReservationByCode(ctx context.Context, code string) (*Reservation, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE code = $1`, code)
	return reservationOrNotFound(row)
}

func (p *PostgresStore) GetReservationByIntent(ctx context.Context, intentID string) (*Reservation, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE intent_id = $1`, intentID)
	return reservationOrNotFound(row)
}

func (p *PostgresStore) TransitionReservation(ctx context.Context, id string, from, to Status, entryID string) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE reservations SET
			status      = $3,
			resolved_at = $4,
			entry_id    = COALESCE($5, entry_id)
		WHERE id = $1 AND status = $2`,
		id, string(from), string(to), time.Now().UTC(), nullString(entryID),
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
		`SELECT EXISTS (SELECT 1 FROM reservations WHERE id = $1)`, id,
	).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, ErrReservationNotFound
	}
	return false, nil
}

func scanScreening(s scanner) (*Screening, error) {
	sc := &Screening{}
	var room sql.NullString
	err := s.Scan(&sc.ID, &sc.Title, &room, &sc.StartsAt, &sc.Capacity, &sc.Reserved, &sc.PriceTokens, &sc.CreatedAt)
	if err != nil {
		return nil, err
	}
	sc.Room = room.String
	return sc, nil
}

func reservationOrNotFound(row *sql.Row) (*Reservation, error) {
	r, err := scanReservation(row)
	if err == sql.ErrNoRows {
		return nil, ErrReservationNotFound
	}
	return r, err
}

func scanReservation(s scanner) (*Reservation, error) {
	r := &Reservation{}
	var (
		status     string
		intentID   sql.NullString
		entryID    sql.NullString
		resolvedAt sql.NullTime
	)

	err := s.Scan(
		&r.ID, &r.Screening, &r.Member, &r.Seats, &r.Code, &status,
		&intentID, &entryID, &r.CreatedAt, &resolvedAt,
	)
	if err != nil {
		return nil, err
	}

	r.Status = Status(status)
	r.IntentID = intentID.String
	r.EntryID = entryID.String
	if resolvedAt.Valid {
		r.ResolvedAt = &resolvedAt.Time
	}
	return r, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
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
