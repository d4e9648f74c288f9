package repository

import (
	"context"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5/pgxpool"
)

// RoomRepo creates rooms on demand. Rooms are immutable and never deleted.
type RoomRepo interface {
	Ensure(ctx context.Context, id string) error
}

type PostgresRoomRepo struct {
	pool *pgxpool.Pool
}

func NewRoomsRepo(pool *pgxpool.Pool) RoomRepo {
	return &PostgresRoomRepo{
		pool: pool,
	}
}

func (r *PostgresRoomRepo) Ensure(ctx context.Context, id string) error {
	const query = `
		INSERT INTO rooms (id)
		VALUES ($1)
		ON CONFLICT (id) DO NOTHING`

	if _, err := r.pool.Exec(ctx, query, id); err != nil {
		log.Printf("[REPO ERROR] Failed to ensure room %s: %v", id, err)
		return fmt.Errorf("ensure room: %w", err)
	}
	return nil
}
