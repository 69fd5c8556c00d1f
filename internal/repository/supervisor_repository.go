package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// SupervisorRepository handles supervisor data access.
type SupervisorRepository struct {
	pool *pgxpool.Pool
}

// NewSupervisorRepository creates a new SupervisorRepository.
func NewSupervisorRepository(pool *pgxpool.Pool) *SupervisorRepository {
	return &SupervisorRepository{pool: pool}
}

// GetByID retrieves a supervisor by ID.
func (r *SupervisorRepository) GetByID(ctx context.Context, id int) (*model.Supervisor, error) {
	s := &model.Supervisor{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, email, name, password_hash, created_at
		 FROM supervisors WHERE id = $1`, id,
	).Scan(&s.ID, &s.Email, &s.Name, &s.PasswordHash, &s.CreatedAt)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// GetByEmail retrieves a supervisor by their unique email.
func (r *SupervisorRepository) GetByEmail(ctx context.Context, email string) (*model.Supervisor, error) {
	s := &model.Supervisor{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, email, name, password_hash, created_at
		 FROM supervisors WHERE email = $1`, email,
	).Scan(&s.ID, &s.Email, &s.Name, &s.PasswordHash, &s.CreatedAt)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Create inserts a new supervisor.
func (r *SupervisorRepository) Create(ctx context.Context, s *model.Supervisor) error {
	return r.pool.QueryRow(ctx,
		`INSERT INTO supervisors (email, name, password_hash)
		 VALUES ($1, $2, $3)
		 RETURNING id, created_at`,
		s.Email, s.Name, s.PasswordHash,
	).Scan(&s.ID, &s.CreatedAt)
}
