package appointment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/healconnect/healconnect/internal/platform/db"
)

const pgUniqueViolation = "23505"

// PGRepository stores appointments in PostgreSQL.
type PGRepository struct{ pool *pgxpool.Pool }

func NewPGRepository(pool *pgxpool.Pool) *PGRepository { return &PGRepository{pool: pool} }

func (r *PGRepository) conn(ctx context.Context) db.Querier {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const apptCols = `id, patient_id, to_char(appt_date, 'YYYY-MM-DD'), time_slot, slot_number,
	appt_type, reason, status, cancel_reason, contact_email, contact_phone, created_at, updated_at`

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var status string
	err := row.Scan(&a.ID, &a.PatientID, &a.Date, &a.TimeSlot, &a.SlotNumber,
		&a.Type, &a.Reason, &status, &a.CancelReason, &a.ContactEmail, &a.ContactPhone,
		&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.Status = Status(status)
	return &a, nil
}

func (r *PGRepository) List(ctx context.Context, f Filter) ([]*Appointment, int, error) {
	where := ` WHERE 1=1`
	var args []interface{}
	idx := 1

	if f.Date != "" {
		where += fmt.Sprintf(` AND appt_date = $%d::date`, idx)
		args = append(args, f.Date)
		idx++
	}
	if f.TimeSlot != "" {
		where += fmt.Sprintf(` AND time_slot = $%d`, idx)
		args = append(args, f.TimeSlot)
		idx++
	}
	if f.PatientID != "" {
		where += fmt.Sprintf(` AND patient_id = $%d`, idx)
		args = append(args, f.PatientID)
		idx++
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		where += fmt.Sprintf(` AND status = ANY($%d)`, idx)
		args = append(args, statuses)
		idx++
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM appointments`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + apptCols + ` FROM appointments` + where + ` ORDER BY created_at, id`
	if f.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, idx)
		args = append(args, f.Limit)
		idx++
	}
	if f.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, idx)
		args = append(args, f.Offset)
	}

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, a)
	}
	return items, total, rows.Err()
}

func (r *PGRepository) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	a, err := scanAppointment(r.conn(ctx).QueryRow(ctx,
		`SELECT `+apptCols+` FROM appointments WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

// Append inserts a. A unique violation on the seat index means another
// writer took the seat and is reported as ErrCapacityExceeded.
func (r *PGRepository) Append(ctx context.Context, a *Appointment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO appointments (id, patient_id, appt_date, time_slot, slot_number,
			appt_type, reason, status, cancel_reason, contact_email, contact_phone)
		VALUES ($1, $2, $3::date, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at`,
		a.ID, a.PatientID, a.Date, a.TimeSlot, a.SlotNumber,
		a.Type, a.Reason, string(a.Status), a.CancelReason, a.ContactEmail, a.ContactPhone,
	).Scan(&a.CreatedAt, &a.UpdatedAt)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation && strings.Contains(pgErr.ConstraintName, "seat") {
		return ErrCapacityExceeded
	}
	return err
}

func (r *PGRepository) Update(ctx context.Context, id uuid.UUID, p Patch) (*Appointment, error) {
	query := `UPDATE appointments
		SET status = COALESCE(NULLIF($2, ''), status),
			cancel_reason = COALESCE($3, cancel_reason),
			updated_at = NOW()
		WHERE id = $1`
	args := []interface{}{id, string(p.Status), p.CancelReason}
	if p.From != "" {
		query += ` AND status = $4`
		args = append(args, string(p.From))
	}
	query += ` RETURNING ` + apptCols

	a, err := scanAppointment(r.conn(ctx).QueryRow(ctx, query, args...))
	if !errors.Is(err, pgx.ErrNoRows) {
		return a, err
	}

	// No row updated: either the id is unknown or the status moved on.
	current, gerr := r.GetByID(ctx, id)
	if gerr != nil {
		return nil, gerr
	}
	return nil, &TransitionError{From: current.Status, To: p.Status}
}

// WithSlotLock opens a transaction and takes a transaction-scoped advisory
// lock derived from the (date, time slot) key. The lock is released on
// commit or rollback.
func (r *PGRepository) WithSlotLock(ctx context.Context, date, timeSlot string, fn func(ctx context.Context) error) error {
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		if _, err := r.conn(ctx).Exec(ctx,
			`SELECT pg_advisory_xact_lock(hashtext('appointments'), hashtext($1))`,
			slotKey(date, timeSlot)); err != nil {
			return fmt.Errorf("acquire slot lock: %w", err)
		}
		return fn(ctx)
	})
}
