// Package directory reads the user, teacher and subject records owned by the
// profile service. Booking uses it to check references and to compose
// notification text.
package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tutorly/tutorly/internal/shared"
)

// ErrNotFound indicates a missing user, teacher or subject.
var ErrNotFound = fmt.Errorf("directory: %w", shared.ErrNotFound)

// Person is display metadata for any user.
type Person struct {
	ID    uuid.UUID
	Name  string
	Email string
}

// Teacher extends Person with availability.
type Teacher struct {
	Person
	OnVacation  bool
	VacationEnd *time.Time
}

// Subject is a taught subject.
type Subject struct {
	ID   uuid.UUID
	Name string
}

// Repository reads directory records from postgres.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Person returns a user by id.
func (r *Repository) Person(ctx context.Context, id uuid.UUID) (Person, error) {
	var p Person
	err := r.pool.QueryRow(ctx, `SELECT id, full_name, email FROM users WHERE id = $1`, id).
		Scan(&p.ID, &p.Name, &p.Email)
	if errors.Is(err, pgx.ErrNoRows) {
		return Person{}, fmt.Errorf("%w: user %s", ErrNotFound, id)
	}
	return p, err
}

// Teacher returns a teacher profile by user id.
func (r *Repository) Teacher(ctx context.Context, id uuid.UUID) (Teacher, error) {
	var t Teacher
	err := r.pool.QueryRow(ctx, `SELECT u.id, u.full_name, u.email, tp.on_vacation, tp.vacation_end
FROM teacher_profiles tp JOIN users u ON u.id = tp.user_id
WHERE tp.user_id = $1`, id).Scan(&t.ID, &t.Name, &t.Email, &t.OnVacation, &t.VacationEnd)
	if errors.Is(err, pgx.ErrNoRows) {
		return Teacher{}, fmt.Errorf("%w: teacher %s", ErrNotFound, id)
	}
	return t, err
}

// Subject returns a subject by id.
func (r *Repository) Subject(ctx context.Context, id uuid.UUID) (Subject, error) {
	var s Subject
	err := r.pool.QueryRow(ctx, `SELECT id, name FROM subjects WHERE id = $1`, id).Scan(&s.ID, &s.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return Subject{}, fmt.Errorf("%w: subject %s", ErrNotFound, id)
	}
	return s, err
}
