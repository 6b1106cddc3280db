package auth

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts a new admin user and returns it.
func (r *Repository) Create(ctx context.Context, email, passwordHash string) (*AdminUser, error) {
	u := &AdminUser{ID: uuid.New(), Email: email, Role: "admin"}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO admin_users (id, email, password_hash, role)
		VALUES ($1, $2, $3, $4)
	`, u.ID, email, passwordHash, u.Role)
	if err != nil {
		return nil, err
	}
	return u, nil
}

// GetByEmail returns the admin user and password hash for login.
// Returns nil if not found.
func (r *Repository) GetByEmail(ctx context.Context, email string) (*AdminUser, string, error) {
	var u AdminUser
	var passwordHash string
	row := r.pool.QueryRow(ctx, `
		SELECT id, email, role, password_hash
		FROM admin_users WHERE email = $1
	`, email)
	if err := row.Scan(&u.ID, &u.Email, &u.Role, &passwordHash); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, "", nil
		}
		return nil, "", err
	}
	return &u, passwordHash, nil
}
