package repository

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"cipherchat/internal/models"
)

// UserRepo is the user directory. Every join and every send upserts the
// sender; display name is last-write-wins.
type UserRepo interface {
	Upsert(ctx context.Context, id uuid.UUID, displayName string) (*models.User, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

type PostgresUserRepo struct {
	pool *pgxpool.Pool
}

func NewUsersRepo(pool *pgxpool.Pool) UserRepo {
	return &PostgresUserRepo{
		pool: pool,
	}
}

func (r *PostgresUserRepo) Upsert(ctx context.Context, id uuid.UUID, displayName string) (*models.User, error) {
	const query = `
		INSERT INTO users (id, display_name)
		VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			updated_at   = now()
		RETURNING id, display_name, created_at, updated_at`

	user := &models.User{}
	err := r.pool.QueryRow(ctx, query, id, displayName).Scan(
		&user.ID,
		&user.DisplayName,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		log.Printf("[REPO ERROR] Failed to upsert user %s: %v", id, err)
		return nil, fmt.Errorf("upsert user: %w", err)
	}

	return user, nil
}

func (r *PostgresUserRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	const query = `
		SELECT id, display_name, created_at, updated_at
		FROM users
		WHERE id = $1`

	user := &models.User{}
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&user.ID,
		&user.DisplayName,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to find user by ID: %w", err)
	}

	return user, nil
}
