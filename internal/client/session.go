// Package client is the receiving half of the reconciliation protocol: a
// Session owns one websocket connection to the relay, keeps a
// deduplicated order-stable message list merged from optimistic local
// echoes and canonical server records, and drives the delivered/read
// acknowledgment handshake. All plaintext lives only here.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"cipherchat/internal/crypto"
	"cipherchat/internal/models"
	"cipherchat/internal/types"
)

// ErrLocked is returned by Send before a key exists. Receiving is never
// blocked by the lock state; only sending is.
var ErrLocked = errors.New("room is locked: unlock with the passphrase before sending")

type Options struct {
	URL         string // ws:// or wss:// endpoint of the relay
	RoomID      string
	UserID      string // persisted identity from a previous session, if any
	DisplayName string
}

// Session is the explicit owner of the connection and the local message
// state. Open and Close bound its lifecycle; there is no package-level
// connection handle.
type Session struct {
	mu          sync.Mutex
	conn        *websocket.Conn
	st          *state
	key         []byte
	fingerprint string
	roomID      string
	userID      uuid.UUID
	displayName string
	roster      map[uuid.UUID]string

	send      chan []byte
	updates   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// MessageView is the render-ready projection of one entry. Text is empty
// until decryption succeeds; renderers show an opaque placeholder for it.
// Status carries tick state only for messages the local user authored.
type MessageView struct {
	ID         uuid.UUID
	SenderID   uuid.UUID
	SenderName string
	Text       string
	Decrypted  bool
	Mine       bool
	Status     models.MessageStatus
	CreatedAt  time.Time
}

// Open dials the relay, joins the room and starts the event loops.
func Open(ctx context.Context, opts Options) (*Session, error) {
	if opts.URL == "" || opts.RoomID == "" {
		return nil, errors.New("relay url and room id are required")
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, opts.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	s := &Session{
		conn:        conn,
		st:          newState(),
		roomID:      opts.RoomID,
		displayName: opts.DisplayName,
		roster:      make(map[uuid.UUID]string),
		send:        make(chan []byte, 64),
		updates:     make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	if id, err := uuid.Parse(opts.UserID); err == nil {
		s.userID = id
	}

	join, err := types.Encode(types.EventJoin, types.JoinPayload{
		RoomID:      opts.RoomID,
		UserID:      opts.UserID,
		DisplayName: opts.DisplayName,
	})
	if err != nil {
		conn.Close()
		return nil, err
	}

	go s.writeLoop()
	go s.readLoop()
	s.enqueue(join)

	return s, nil
}

// Close tears the session down. In-flight acknowledgments are not
// retried; re-joining and replaying history is the recovery path.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.conn.Close()
	})
	return nil
}

// Done closes when the connection is gone, whether by Close or by the
// relay side dropping.
func (s *Session) Done() <-chan struct{} { return s.done }

// Updates delivers a coalesced repaint hint whenever the message list or
// identity changes.
func (s *Session) Updates() <-chan struct{} { return s.updates }

// Unlock derives the room key from the passphrase, computes the
// fingerprint and sweeps every entry still lacking plaintext. Key
// derivation is deliberately run on the caller's goroutine so the event
// loop keeps handling messages meanwhile.
func (s *Session) Unlock(passphrase string) (string, error) {
	key, err := crypto.DeriveKey(passphrase, s.roomID)
	if err != nil {
		return "", err
	}
	fp := crypto.Fingerprint(passphrase, s.roomID)

	s.mu.Lock()
	s.key = key
	s.fingerprint = fp
	readAcks := s.sweepLocked()
	s.mu.Unlock()

	for _, id := range readAcks {
		s.emitAck(types.EventAckRead, id)
	}
	s.notify()
	return fp, nil
}

// sweepLocked retries decryption for every entry without plaintext and
// returns the foreign message ids that now need a read ack. Caller holds
// the mutex.
func (s *Session) sweepLocked() []uuid.UUID {
	var readAcks []uuid.UUID
	for _, e := range s.st.entries() {
		if e.Decrypted || len(e.Message.Ciphertext) == 0 {
			continue
		}
		text, err := crypto.Decrypt(s.key, e.Message.IV, e.Message.Ciphertext)
		if err != nil {
			// Wrong passphrase or tampered envelope: the entry stays an
			// opaque placeholder, nothing else is affected.
			continue
		}
		e.Plaintext = text
		e.Decrypted = true
		if !e.Mine && e.Message.SenderID != s.userID && !e.ackedRead {
			e.ackedRead = true
			readAcks = append(readAcks, e.Message.ID)
		}
	}
	return readAcks
}

// Send encrypts the text, renders it immediately as an optimistic echo
// and ships it to the relay. The returned id is the merge key the
// canonical record will arrive under.
func (s *Session) Send(text string) (uuid.UUID, error) {
	s.mu.Lock()
	if s.key == nil {
		s.mu.Unlock()
		return uuid.Nil, ErrLocked
	}

	iv, ciphertext, err := crypto.Encrypt(s.key, text)
	if err != nil {
		s.mu.Unlock()
		return uuid.Nil, fmt.Errorf("seal message: %w", err)
	}

	id := uuid.New()
	now := time.Now().UTC()
	s.st.addPending(&Entry{
		Message: models.Message{
			ID:         id,
			RoomID:     s.roomID,
			SenderID:   s.userID,
			SenderName: s.displayName,
			IV:         iv,
			Ciphertext: ciphertext,
			CreatedAt:  now,
			Status:     models.StatusSending,
		},
		Plaintext: text,
		Decrypted: true,
		Pending:   true,
		Mine:      true,
	})

	payload := types.SendPayload{
		MessageID:   id,
		RoomID:      s.roomID,
		DisplayName: s.displayName,
		IV:          iv,
		Ciphertext:  ciphertext,
		CreatedAt:   &now,
	}
	if s.userID != uuid.Nil {
		payload.SenderID = s.userID.String()
	}
	s.mu.Unlock()

	frame, err := types.Encode(types.EventSend, payload)
	if err != nil {
		return uuid.Nil, err
	}
	s.enqueue(frame)
	s.notify()
	return id, nil
}

// Messages returns an order-stable snapshot for rendering.
func (s *Session) Messages() []MessageView {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.st.entries()
	out := make([]MessageView, 0, len(entries))
	for _, e := range entries {
		mine := e.Mine || (e.Message.SenderID == s.userID && s.userID != uuid.Nil)
		v := MessageView{
			ID:         e.Message.ID,
			SenderID:   e.Message.SenderID,
			SenderName: e.Message.SenderName,
			Text:       e.Plaintext,
			Decrypted:  e.Decrypted,
			Mine:       mine,
			CreatedAt:  e.Message.CreatedAt,
		}
		// Tick state exists only for the local author's own messages.
		if mine {
			switch {
			case e.Failed:
				v.Status = models.StatusFailed
			case e.Pending:
				v.Status = models.StatusSending
			default:
				v.Status = e.Message.Status
			}
		}
		out = append(out, v)
	}
	return out
}

// Identity reports the effective identity assigned by the relay. Persist
// the id: losing it orphans receipt correlation on future connects.
func (s *Session) Identity() (uuid.UUID, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID, s.displayName
}

func (s *Session) Fingerprint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fingerprint
}

func (s *Session) writeLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case frame := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.Close()
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.Close()
				return
			}
		}
	}
}

func (s *Session) readLoop() {
	defer s.Close()

	s.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		// The relay batches queued events into one frame, one per line.
		for _, frame := range bytes.Split(raw, []byte{'\n'}) {
			if len(frame) == 0 {
				continue
			}
			s.handleEvent(frame)
		}
	}
}

func (s *Session) handleEvent(raw []byte) {
	var event types.Event
	if err := json.Unmarshal(raw, &event); err != nil {
		log.Printf("[SESSION] Discarding malformed frame: %v", err)
		return
	}

	switch event.Type {
	case types.EventIdentity:
		var p types.IdentityPayload
		if err := json.Unmarshal(event.Data, &p); err != nil {
			return
		}
		s.mu.Lock()
		s.userID = p.UserID
		s.displayName = p.DisplayName
		s.mu.Unlock()
		s.notify()

	case types.EventPresence:
		var p types.PresencePayload
		if err := json.Unmarshal(event.Data, &p); err != nil {
			return
		}
		s.mu.Lock()
		s.roster[p.UserID] = p.DisplayName
		s.mu.Unlock()
		s.notify()

	case types.EventHistory:
		var p types.HistoryPayload
		if err := json.Unmarshal(event.Data, &p); err != nil {
			log.Printf("[SESSION] Discarding malformed history: %v", err)
			return
		}
		for _, m := range p.Messages {
			s.ingestCanonical(m)
		}

	case types.EventMessage:
		var m models.Message
		if err := json.Unmarshal(event.Data, &m); err != nil {
			log.Printf("[SESSION] Discarding malformed message: %v", err)
			return
		}
		s.ingestCanonical(m)

	case types.EventMessageAck:
		var p types.MessageAckPayload
		if err := json.Unmarshal(event.Data, &p); err != nil {
			return
		}
		if p.Error != nil {
			s.mu.Lock()
			s.st.markFailed(p.Error.MessageID)
			s.mu.Unlock()
			log.Printf("[SESSION] Send %s failed: %s", p.Error.MessageID, p.Error.Reason)
			s.notify()
			return
		}
		if p.Message != nil {
			s.ingestCanonical(*p.Message)
		}

	case types.EventStatusUpdate:
		var p types.StatusUpdatePayload
		if err := json.Unmarshal(event.Data, &p); err != nil {
			return
		}
		s.mu.Lock()
		changed := s.st.applyStatusUpdate(p.MessageID, p.Status, p.Timestamp)
		s.mu.Unlock()
		if changed {
			s.notify()
		}

	default:
		log.Printf("[SESSION] Unknown event type %q", event.Type)
	}
}

// ingestCanonical merges one canonical record and runs the acknowledgment
// handshake: delivered immediately for foreign messages, read once the
// plaintext is actually visible.
func (s *Session) ingestCanonical(m models.Message) {
	s.mu.Lock()
	e, err := s.st.merge(m)
	if err != nil {
		s.mu.Unlock()
		log.Printf("[SESSION] Dropping record %s: %v", m.ID, err)
		return
	}

	// An echo sent before the identity event arrived keeps its Mine flag
	// even though the canonical sender id differs from the local one.
	if e.Message.SenderID == s.userID && s.userID != uuid.Nil {
		e.Mine = true
	}
	mine := e.Mine
	var acks []types.EventType

	if !mine && !e.ackedDelivered && e.Message.Status.Rank() < models.StatusDelivered.Rank() {
		e.ackedDelivered = true
		acks = append(acks, types.EventAckDelivered)
	}

	if s.key != nil && !e.Decrypted {
		if text, derr := crypto.Decrypt(s.key, e.Message.IV, e.Message.Ciphertext); derr == nil {
			e.Plaintext = text
			e.Decrypted = true
		}
		// Failure leaves the encrypted placeholder in place.
	}

	if !mine && e.Decrypted && !e.ackedRead && e.Message.Status.Rank() < models.StatusRead.Rank() {
		e.ackedRead = true
		acks = append(acks, types.EventAckRead)
	}

	id := e.Message.ID
	s.mu.Unlock()

	for _, t := range acks {
		s.emitAck(t, id)
	}
	s.notify()
}

func (s *Session) emitAck(t types.EventType, messageID uuid.UUID) {
	s.mu.Lock()
	payload := types.AckPayload{
		MessageID: messageID,
		UserID:    s.userID,
		RoomID:    s.roomID,
	}
	s.mu.Unlock()

	frame, err := types.Encode(t, payload)
	if err != nil {
		return
	}
	s.enqueue(frame)
}

func (s *Session) enqueue(frame []byte) {
	select {
	case s.send <- frame:
	case <-s.done:
	default:
		log.Println("[SESSION] Dropping outbound frame: send buffer full")
	}
}

func (s *Session) notify() {
	select {
	case s.updates <- struct{}{}:
	default:
	}
}
