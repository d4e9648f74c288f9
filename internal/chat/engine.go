package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"cipherchat/internal/models"
	"cipherchat/internal/repository"
	"cipherchat/internal/types"
)

// Engine is the authoritative side of the message lifecycle: it resolves
// sender identity, persists messages exactly once, advances status
// forward-only, and multicasts canonical records and status transitions
// to room members. It is the sole writer to the store.
type Engine struct {
	users        repository.UserRepo
	rooms        repository.RoomRepo
	messages     repository.MessageRepo
	hub          Broadcaster
	historyLimit int
}

func NewEngine(users repository.UserRepo, rooms repository.RoomRepo, messages repository.MessageRepo, hub Broadcaster, historyLimit int) *Engine {
	return &Engine{
		users:        users,
		rooms:        rooms,
		messages:     messages,
		hub:          hub,
		historyLimit: historyLimit,
	}
}

// HandleJoin resolves the effective identity (minting a uuid when the
// client brought none), upserts the user, registers the connection with
// the hub, replies with identity + bounded history, and announces
// presence to the rest of the room.
func (e *Engine) HandleJoin(ctx context.Context, c *Client, raw json.RawMessage) {
	var payload types.JoinPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		log.Printf("[ENGINE] Discarding malformed join: %v", err)
		return
	}
	if payload.RoomID == "" {
		log.Println("[ENGINE] Discarding join with no room id")
		return
	}

	user := e.resolveIdentity(ctx, payload.UserID, payload.DisplayName)

	if err := e.rooms.Ensure(ctx, payload.RoomID); err != nil {
		log.Printf("[ENGINE] Failed to ensure room %s: %v", payload.RoomID, err)
	}

	c.RoomID = payload.RoomID
	c.UserID = user.ID.String()
	c.DisplayName = user.DisplayName
	e.hub.Join(c)

	// The client must persist this id: losing it orphans future receipt
	// correlation across reconnects.
	if identity, err := types.Encode(types.EventIdentity, types.IdentityPayload{
		UserID:      user.ID,
		DisplayName: user.DisplayName,
	}); err == nil {
		c.enqueue(identity)
	}

	messages, err := e.messages.ListRecent(ctx, payload.RoomID, e.historyLimit)
	if err != nil {
		log.Printf("[ENGINE] History fetch failed for room %s: %v", payload.RoomID, err)
		messages = nil
	}
	if messages == nil {
		messages = []models.Message{}
	}
	if history, err := types.Encode(types.EventHistory, types.HistoryPayload{
		RoomID:   payload.RoomID,
		Messages: messages,
	}); err == nil {
		c.enqueue(history)
	}

	if presence, err := types.Encode(types.EventPresence, types.PresencePayload{
		UserID:      user.ID,
		DisplayName: user.DisplayName,
	}); err == nil {
		e.hub.Multicast(payload.RoomID, c, presence)
	}

	log.Printf("[ENGINE] %s joined room %s (%d history messages replayed)", user.ID, payload.RoomID, len(messages))
}

// HandleSend persists one encrypted envelope idempotently, broadcasts the
// canonical record to the room excluding the originating connection, and
// acknowledges the originator with the same canonical record. Any
// persistence failure is reported only to the originator, keyed by the
// client-minted message id; nothing is broadcast for a message that did
// not persist.
func (e *Engine) HandleSend(ctx context.Context, c *Client, raw json.RawMessage) {
	// Pull the message id out first so even a malformed field can be
	// failed back to the specific optimistic entry it belongs to.
	var probe struct {
		MessageID uuid.UUID `json:"messageId"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil || probe.MessageID == uuid.Nil {
		log.Printf("[ENGINE] Discarding send with no usable message id: %v", err)
		return
	}

	var payload types.SendPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		e.failSend(c, probe.MessageID, fmt.Sprintf("malformed payload: %v", err))
		return
	}

	roomID := payload.RoomID
	if roomID == "" {
		roomID = c.RoomID
	}
	if roomID == "" {
		e.failSend(c, payload.MessageID, "no room id")
		return
	}
	if len(payload.IV) == 0 || len(payload.Ciphertext) == 0 {
		e.failSend(c, payload.MessageID, "empty envelope")
		return
	}

	user := e.resolveSender(ctx, c, payload.SenderID, payload.DisplayName)

	if err := e.rooms.Ensure(ctx, roomID); err != nil {
		e.failSend(c, payload.MessageID, "storage unavailable")
		return
	}

	createdAt := time.Now().UTC()
	if payload.CreatedAt != nil && !payload.CreatedAt.IsZero() {
		createdAt = *payload.CreatedAt
	}

	canonical, err := e.messages.InsertIfAbsent(ctx, &models.Message{
		ID:         payload.MessageID,
		RoomID:     roomID,
		SenderID:   user.ID,
		SenderName: user.DisplayName,
		IV:         payload.IV,
		Ciphertext: payload.Ciphertext,
		CreatedAt:  createdAt,
	})
	if err != nil {
		e.failSend(c, payload.MessageID, "storage unavailable")
		return
	}

	if broadcast, err := types.Encode(types.EventMessage, canonical); err == nil {
		e.hub.Multicast(roomID, c, broadcast)
	}

	if ack, err := types.Encode(types.EventMessageAck, types.MessageAckPayload{Message: canonical}); err == nil {
		c.enqueue(ack)
	}
}

// HandleAckDelivered stamps delivered_at if it was never set and fans out
// the resulting status transition.
func (e *Engine) HandleAckDelivered(ctx context.Context, c *Client, raw json.RawMessage) {
	e.handleAck(ctx, c, raw, models.StatusDelivered)
}

// HandleAckRead stamps read_at if it was never set. Reading implies
// delivery for display purposes even when no delivered ack ever arrived.
func (e *Engine) HandleAckRead(ctx context.Context, c *Client, raw json.RawMessage) {
	e.handleAck(ctx, c, raw, models.StatusRead)
}

func (e *Engine) handleAck(ctx context.Context, c *Client, raw json.RawMessage, status models.MessageStatus) {
	var payload types.AckPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		log.Printf("[ENGINE] Discarding malformed ack: %v", err)
		return
	}
	if payload.MessageID == uuid.Nil {
		return
	}

	var stamp time.Time
	var err error
	switch status {
	case models.StatusRead:
		stamp, err = e.messages.SetReadIfUnset(ctx, payload.MessageID)
	default:
		stamp, err = e.messages.SetDeliveredIfUnset(ctx, payload.MessageID)
	}
	if err != nil {
		log.Printf("[ENGINE] Failed to stamp %s for message %s: %v", status, payload.MessageID, err)
		return
	}

	update, err := types.Encode(types.EventStatusUpdate, types.StatusUpdatePayload{
		MessageID: payload.MessageID,
		Status:    status,
		Timestamp: stamp,
	})
	if err != nil {
		return
	}

	roomID := payload.RoomID
	if roomID == "" {
		roomID = c.RoomID
	}
	if roomID == "" {
		log.Printf("[ENGINE] Ack for %s carries no room id, degrading to global broadcast", payload.MessageID)
		e.hub.MulticastAll(update)
		return
	}
	e.hub.Multicast(roomID, nil, update)
}

// resolveIdentity upserts the (possibly freshly minted) user record.
// Display name is last-write-wins. An upsert conflict is resolved
// best-effort by retrying under a fresh id rather than failing the
// join or send outright.
func (e *Engine) resolveIdentity(ctx context.Context, rawID, displayName string) *models.User {
	id, err := uuid.Parse(rawID)
	minted := false
	if rawID == "" || err != nil {
		id = uuid.New()
		minted = true
	}
	if displayName == "" {
		displayName = "user-" + id.String()[:8]
	}

	user, err := e.users.Upsert(ctx, id, displayName)
	if err != nil && !minted {
		log.Printf("[ENGINE] Identity conflict for %s, retrying with a fresh id: %v", id, err)
		id = uuid.New()
		user, err = e.users.Upsert(ctx, id, displayName)
	}
	if err != nil {
		log.Printf("[ENGINE] Directory upsert failed for %s, continuing with in-memory identity: %v", id, err)
		return &models.User{ID: id, DisplayName: displayName}
	}
	return user
}

// resolveSender prefers the payload identity, falls back to the
// connection's joined identity, and mints one for a connection that sends
// before joining.
func (e *Engine) resolveSender(ctx context.Context, c *Client, rawID, displayName string) *models.User {
	if rawID == "" {
		rawID = c.UserID
	}
	if displayName == "" {
		displayName = c.DisplayName
	}
	user := e.resolveIdentity(ctx, rawID, displayName)
	if c.UserID == "" {
		c.UserID = user.ID.String()
		c.DisplayName = user.DisplayName
	}
	return user
}

func (e *Engine) failSend(c *Client, messageID uuid.UUID, reason string) {
	log.Printf("[ENGINE] Send %s failed: %s", messageID, reason)
	ack, err := types.Encode(types.EventMessageAck, types.MessageAckPayload{
		Error: &types.SendFailure{MessageID: messageID, Reason: reason},
	})
	if err != nil {
		return
	}
	c.enqueue(ack)
}
