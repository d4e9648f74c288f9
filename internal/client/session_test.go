package client

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cipherchat/internal/crypto"
	"cipherchat/internal/models"
	"cipherchat/internal/types"
)

// newTestSession builds a session with no connection; everything under
// test runs before frames reach the write loop.
func newTestSession(userID uuid.UUID) *Session {
	return &Session{
		st:      newState(),
		roomID:  "room-42",
		userID:  userID,
		roster:  make(map[uuid.UUID]string),
		send:    make(chan []byte, 16),
		updates: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func drainFrames(t *testing.T, s *Session) []types.Event {
	t.Helper()
	var events []types.Event
	for {
		select {
		case frame := <-s.send:
			var ev types.Event
			require.NoError(t, json.Unmarshal(frame, &ev))
			events = append(events, ev)
		default:
			return events
		}
	}
}

func sealedMessage(t *testing.T, passphrase, text string, sender uuid.UUID) models.Message {
	t.Helper()
	key, err := crypto.DeriveKey(passphrase, "room-42")
	require.NoError(t, err)
	iv, ciphertext, err := crypto.Encrypt(key, text)
	require.NoError(t, err)
	return models.Message{
		ID:         uuid.New(),
		RoomID:     "room-42",
		SenderID:   sender,
		SenderName: "alice",
		IV:         iv,
		Ciphertext: ciphertext,
		CreatedAt:  time.Now().UTC(),
		Status:     models.StatusSent,
	}
}

func TestForeignMessageHandshake(t *testing.T) {
	me := uuid.New()
	s := newTestSession(me)
	_, err := s.Unlock("correct horse")
	require.NoError(t, err)

	msg := sealedMessage(t, "correct horse", "hello", uuid.New())
	s.ingestCanonical(msg)

	views := s.Messages()
	require.Len(t, views, 1)
	assert.True(t, views[0].Decrypted)
	assert.Equal(t, "hello", views[0].Text)
	assert.False(t, views[0].Mine)
	assert.Empty(t, views[0].Status, "foreign messages carry no tick state")

	events := drainFrames(t, s)
	require.Len(t, events, 2)
	assert.Equal(t, types.EventAckDelivered, events[0].Type)
	assert.Equal(t, types.EventAckRead, events[1].Type)

	var ack types.AckPayload
	require.NoError(t, json.Unmarshal(events[1].Data, &ack))
	assert.Equal(t, msg.ID, ack.MessageID)
	assert.Equal(t, me, ack.UserID)
	assert.Equal(t, "room-42", ack.RoomID)
}

func TestWrongPassphraseRendersPlaceholder(t *testing.T) {
	s := newTestSession(uuid.New())
	_, err := s.Unlock("wrong")
	require.NoError(t, err)

	s.ingestCanonical(sealedMessage(t, "correct horse", "hello", uuid.New()))

	views := s.Messages()
	require.Len(t, views, 1)
	assert.False(t, views[0].Decrypted)
	assert.Empty(t, views[0].Text, "wrong passphrase must never surface plaintext")

	// Delivered is acknowledged, read is not: the text was never shown.
	events := drainFrames(t, s)
	require.Len(t, events, 1)
	assert.Equal(t, types.EventAckDelivered, events[0].Type)
}

func TestUnlockSweepDecryptsBacklogAndAcksRead(t *testing.T) {
	s := newTestSession(uuid.New())

	// Locked: messages arrive, stay encrypted, still get delivered acks.
	msg := sealedMessage(t, "correct horse", "hello", uuid.New())
	s.ingestCanonical(msg)
	events := drainFrames(t, s)
	require.Len(t, events, 1)
	assert.Equal(t, types.EventAckDelivered, events[0].Type)
	assert.False(t, s.Messages()[0].Decrypted)

	fp, err := s.Unlock("correct horse")
	require.NoError(t, err)
	assert.Equal(t, crypto.Fingerprint("correct horse", "room-42"), fp)

	views := s.Messages()
	assert.True(t, views[0].Decrypted)
	assert.Equal(t, "hello", views[0].Text)

	events = drainFrames(t, s)
	require.Len(t, events, 1)
	assert.Equal(t, types.EventAckRead, events[0].Type)
}

func TestSendRejectedWhileLocked(t *testing.T) {
	s := newTestSession(uuid.New())
	_, err := s.Send("hello")
	assert.ErrorIs(t, err, ErrLocked)
	assert.Empty(t, s.Messages())
}

func TestSendCreatesOptimisticEcho(t *testing.T) {
	me := uuid.New()
	s := newTestSession(me)
	_, err := s.Unlock("correct horse")
	require.NoError(t, err)

	id, err := s.Send("hello")
	require.NoError(t, err)

	views := s.Messages()
	require.Len(t, views, 1)
	assert.Equal(t, id, views[0].ID)
	assert.True(t, views[0].Mine)
	assert.Equal(t, "hello", views[0].Text)
	assert.Equal(t, models.StatusSending, views[0].Status)

	events := drainFrames(t, s)
	require.Len(t, events, 1)
	require.Equal(t, types.EventSend, events[0].Type)
	var payload types.SendPayload
	require.NoError(t, json.Unmarshal(events[0].Data, &payload))
	assert.Equal(t, id, payload.MessageID)
	assert.Equal(t, me.String(), payload.SenderID)
}

func TestMessageAckConfirmsOptimisticEcho(t *testing.T) {
	me := uuid.New()
	s := newTestSession(me)
	_, err := s.Unlock("correct horse")
	require.NoError(t, err)

	id, err := s.Send("hello")
	require.NoError(t, err)
	drainFrames(t, s)

	views := s.Messages()
	canonical := models.Message{
		ID:         id,
		RoomID:     "room-42",
		SenderID:   me,
		SenderName: "me",
		IV:         append([]byte(nil), viewEnvelope(t, s, id).iv...),
		Ciphertext: append([]byte(nil), viewEnvelope(t, s, id).ct...),
		CreatedAt:  views[0].CreatedAt,
		Status:     models.StatusSent,
	}
	frame, err := types.Encode(types.EventMessageAck, types.MessageAckPayload{Message: &canonical})
	require.NoError(t, err)
	s.handleEvent(frame)

	views = s.Messages()
	require.Len(t, views, 1)
	assert.Equal(t, models.StatusSent, views[0].Status)
	assert.Equal(t, "hello", views[0].Text, "plaintext cache survives confirmation")
	assert.Empty(t, drainFrames(t, s), "own messages are never acked")
}

func TestMessageAckFailureFlagsOneBubble(t *testing.T) {
	s := newTestSession(uuid.New())
	_, err := s.Unlock("correct horse")
	require.NoError(t, err)

	failedID, err := s.Send("first")
	require.NoError(t, err)
	okID, err := s.Send("second")
	require.NoError(t, err)
	drainFrames(t, s)

	frame, err := types.Encode(types.EventMessageAck, types.MessageAckPayload{
		Error: &types.SendFailure{MessageID: failedID, Reason: "storage unavailable"},
	})
	require.NoError(t, err)
	s.handleEvent(frame)

	for _, v := range s.Messages() {
		switch v.ID {
		case failedID:
			assert.Equal(t, models.StatusFailed, v.Status)
		case okID:
			assert.Equal(t, models.StatusSending, v.Status, "unrelated sends stay pending")
		}
	}
}

func TestStatusUpdateAdvancesOwnTicks(t *testing.T) {
	me := uuid.New()
	s := newTestSession(me)
	_, err := s.Unlock("correct horse")
	require.NoError(t, err)

	id, err := s.Send("hello")
	require.NoError(t, err)
	drainFrames(t, s)

	// Confirm, then a read receipt arrives before any delivered receipt.
	env := viewEnvelope(t, s, id)
	confirm, err := types.Encode(types.EventMessageAck, types.MessageAckPayload{Message: &models.Message{
		ID: id, RoomID: "room-42", SenderID: me, IV: env.iv, Ciphertext: env.ct, Status: models.StatusSent,
	}})
	require.NoError(t, err)
	s.handleEvent(confirm)

	read, err := types.Encode(types.EventStatusUpdate, types.StatusUpdatePayload{
		MessageID: id, Status: models.StatusRead, Timestamp: time.Now(),
	})
	require.NoError(t, err)
	s.handleEvent(read)

	delivered, err := types.Encode(types.EventStatusUpdate, types.StatusUpdatePayload{
		MessageID: id, Status: models.StatusDelivered, Timestamp: time.Now(),
	})
	require.NoError(t, err)
	s.handleEvent(delivered)

	views := s.Messages()
	require.Len(t, views, 1)
	assert.Equal(t, models.StatusRead, views[0].Status, "late delivered must not regress read")
}

func TestIdentityEventAssignsUser(t *testing.T) {
	s := newTestSession(uuid.Nil)
	assigned := uuid.New()

	frame, err := types.Encode(types.EventIdentity, types.IdentityPayload{UserID: assigned, DisplayName: "minted"})
	require.NoError(t, err)
	s.handleEvent(frame)

	id, name := s.Identity()
	assert.Equal(t, assigned, id)
	assert.Equal(t, "minted", name)
}

type envelope struct {
	iv, ct []byte
}

// viewEnvelope digs the stored envelope back out so tests can echo it in
// canonical records the way the relay would.
func viewEnvelope(t *testing.T, s *Session, id uuid.UUID) envelope {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.st.byID[id]
	require.True(t, ok)
	return envelope{iv: e.Message.IV, ct: e.Message.Ciphertext}
}
