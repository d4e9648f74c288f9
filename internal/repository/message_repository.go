package repository

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"cipherchat/internal/models"
)

// MessageRepo is the message store the reconciliation engine writes
// through. Insert is idempotent on the client-minted message id, and the
// status timestamps are first-write-wins: once set they never move.
type MessageRepo interface {
	InsertIfAbsent(ctx context.Context, m *models.Message) (*models.Message, error)
	ListRecent(ctx context.Context, roomID string, limit int) ([]models.Message, error)
	SetDeliveredIfUnset(ctx context.Context, id uuid.UUID) (time.Time, error)
	SetReadIfUnset(ctx context.Context, id uuid.UUID) (time.Time, error)
}

type PostgresMessagesRepo struct {
	pool *pgxpool.Pool
}

func NewMessagesRepo(pool *pgxpool.Pool) MessageRepo {
	return &PostgresMessagesRepo{
		pool: pool,
	}
}

const messageColumns = `id, room_id, sender_id, sender_name, iv, ciphertext, created_at, delivered_at, read_at`

// InsertIfAbsent persists the message exactly once. A duplicate id is a
// no-op and the already-persisted canonical row is returned unchanged.
func (r *PostgresMessagesRepo) InsertIfAbsent(ctx context.Context, m *models.Message) (*models.Message, error) {
	insert := `
        INSERT INTO messages (id, room_id, sender_id, sender_name, iv, ciphertext, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (id) DO NOTHING
    `

	_, err := r.pool.Exec(ctx, insert,
		m.ID,
		m.RoomID,
		m.SenderID,
		m.SenderName,
		[]byte(m.IV),
		[]byte(m.Ciphertext),
		m.CreatedAt,
	)
	if err != nil {
		log.Printf("[REPO ERROR] Failed to save message %s from %s: %v", m.ID, m.SenderID, err)
		return nil, fmt.Errorf("insert message: %w", err)
	}

	// Re-read so the caller always gets the canonical row, whether this
	// call inserted it or an earlier duplicate did.
	row := r.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, m.ID)
	stored, err := scanMessage(row)
	if err != nil {
		log.Printf("[REPO ERROR] Failed to read back message %s: %v", m.ID, err)
		return nil, fmt.Errorf("read back message: %w", err)
	}
	return stored, nil
}

// ListRecent returns the room's bounded history window in chronological
// order.
func (r *PostgresMessagesRepo) ListRecent(ctx context.Context, roomID string, limit int) ([]models.Message, error) {
	query := `
        SELECT ` + messageColumns + `
        FROM (
            SELECT ` + messageColumns + `
            FROM messages
            WHERE room_id = $1
            ORDER BY created_at DESC
            LIMIT $2
        ) recent
        ORDER BY created_at ASC
    `

	rows, err := r.pool.Query(ctx, query, roomID, limit)
	if err != nil {
		log.Printf("[REPO ERROR] History fetch failed for room %s: %v", roomID, err)
		return nil, fmt.Errorf("list recent messages: %w", err)
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			log.Printf("[REPO ERROR] Scan failed: %v", err)
			return nil, err
		}
		messages = append(messages, *m)
	}

	return messages, rows.Err()
}

func (r *PostgresMessagesRepo) SetDeliveredIfUnset(ctx context.Context, id uuid.UUID) (time.Time, error) {
	return r.setStampIfUnset(ctx, id, "delivered_at")
}

func (r *PostgresMessagesRepo) SetReadIfUnset(ctx context.Context, id uuid.UUID) (time.Time, error) {
	return r.setStampIfUnset(ctx, id, "read_at")
}

// setStampIfUnset writes the timestamp only when it is still null and
// returns the effective value either way, so repeated or reordered acks
// can never regress a status.
func (r *PostgresMessagesRepo) setStampIfUnset(ctx context.Context, id uuid.UUID, column string) (time.Time, error) {
	query := fmt.Sprintf(`
		UPDATE messages
		SET %s = COALESCE(%s, now())
		WHERE id = $1
		RETURNING %s`, column, column, column)

	var stamp time.Time
	if err := r.pool.QueryRow(ctx, query, id).Scan(&stamp); err != nil {
		log.Printf("[REPO ERROR] Failed to stamp %s for message %s: %v", column, id, err)
		return time.Time{}, fmt.Errorf("stamp %s: %w", column, err)
	}

	return stamp, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*models.Message, error) {
	m := &models.Message{}
	var iv, ciphertext []byte
	err := row.Scan(
		&m.ID,
		&m.RoomID,
		&m.SenderID,
		&m.SenderName,
		&iv,
		&ciphertext,
		&m.CreatedAt,
		&m.DeliveredAt,
		&m.ReadAt,
	)
	if err != nil {
		return nil, err
	}
	m.IV = iv
	m.Ciphertext = ciphertext
	m.Status = m.DeriveStatus()
	return m, nil
}
