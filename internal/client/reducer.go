package client

import (
	"bytes"
	"fmt"
	"time"

	"github.com/google/uuid"

	"cipherchat/internal/codec"
	"cipherchat/internal/models"
)

// Entry is one logical message as the client perceives it: the canonical
// (or still-optimistic) record plus local-only reconciliation state.
// Plaintext is a local cache; it is never transmitted and never
// overwritten by a merge.
type Entry struct {
	Message   models.Message
	Plaintext string
	Decrypted bool
	Pending   bool // optimistic echo, no server confirmation yet
	Failed    bool
	Mine      bool // authored locally; survives a sender-id reassignment

	ackedDelivered bool
	ackedRead      bool
}

// state is the ordered, deduplicated message list. All transitions are
// pure functions of (state, incoming record); the session serializes
// access so each merge is atomic against the snapshot it read.
type state struct {
	order []uuid.UUID
	byID  map[uuid.UUID]*Entry
}

func newState() *state {
	return &state{byID: make(map[uuid.UUID]*Entry)}
}

func (s *state) entries() []*Entry {
	out := make([]*Entry, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id])
	}
	return out
}

// addPending appends an optimistic echo for a just-sent message.
func (s *state) addPending(e *Entry) {
	s.byID[e.Message.ID] = e
	s.order = append(s.order, e.Message.ID)
}

// merge folds one canonical record into the list. Three-tier match:
//
//  1. exact message id -> merge into the existing entry;
//  2. pending entry with the same (sender, ciphertext, iv) triple ->
//     adopt the canonical id and merge (correlates an optimistic echo
//     whose id the transport did not echo back);
//  3. otherwise append as a genuinely new message.
//
// Exactly one entry survives per logical message regardless of transport
// encoding instability or ordering races between the optimistic echo and
// the server's acknowledgment.
func (s *state) merge(rec models.Message) (*Entry, error) {
	iv, err := codec.Normalize(rec.IV)
	if err != nil {
		return nil, err
	}
	ct, err := codec.Normalize(rec.Ciphertext)
	if err != nil {
		return nil, err
	}
	if len(iv) == 0 || len(ct) == 0 {
		return nil, fmt.Errorf("record %s carries an empty envelope", rec.ID)
	}
	rec.IV, rec.Ciphertext = iv, ct
	if rec.Status == "" {
		rec.Status = rec.DeriveStatus()
	}

	if e, ok := s.byID[rec.ID]; ok {
		s.mergeInto(e, rec)
		return e, nil
	}

	for _, id := range s.order {
		e := s.byID[id]
		if !e.Pending || e.Message.SenderID != rec.SenderID {
			continue
		}
		if !bytes.Equal(e.Message.Ciphertext, rec.Ciphertext) || !bytes.Equal(e.Message.IV, rec.IV) {
			continue
		}

		delete(s.byID, id)
		s.byID[rec.ID] = e
		for i, oid := range s.order {
			if oid == id {
				s.order[i] = rec.ID
				break
			}
		}
		e.Message.ID = rec.ID
		s.mergeInto(e, rec)
		return e, nil
	}

	e := &Entry{Message: rec}
	s.byID[rec.ID] = e
	s.order = append(s.order, rec.ID)
	return e, nil
}

// mergeInto copies canonical fields over the local entry. Cached
// plaintext survives; status only advances; timestamps are set once.
func (s *state) mergeInto(e *Entry, rec models.Message) {
	e.Message.RoomID = rec.RoomID
	e.Message.SenderID = rec.SenderID
	if rec.SenderName != "" {
		e.Message.SenderName = rec.SenderName
	}
	if !rec.CreatedAt.IsZero() {
		e.Message.CreatedAt = rec.CreatedAt
	}
	e.Message.IV = rec.IV
	e.Message.Ciphertext = rec.Ciphertext
	if rec.DeliveredAt != nil && e.Message.DeliveredAt == nil {
		e.Message.DeliveredAt = rec.DeliveredAt
	}
	if rec.ReadAt != nil && e.Message.ReadAt == nil {
		e.Message.ReadAt = rec.ReadAt
	}
	e.Pending = false
	e.Failed = false
	advanceStatus(&e.Message, rec.Status)
}

// applyStatusUpdate folds a status-only event into the list, forward-only
// no matter the arrival order. Unknown ids are ignored; the history
// replay on reconnect is the recovery path for those.
func (s *state) applyStatusUpdate(id uuid.UUID, status models.MessageStatus, stamp time.Time) bool {
	e, ok := s.byID[id]
	if !ok {
		return false
	}
	if !stamp.IsZero() {
		switch status {
		case models.StatusDelivered:
			if e.Message.DeliveredAt == nil {
				t := stamp
				e.Message.DeliveredAt = &t
			}
		case models.StatusRead:
			if e.Message.ReadAt == nil {
				t := stamp
				e.Message.ReadAt = &t
			}
		}
	}
	return advanceStatus(&e.Message, status)
}

// markFailed flags the one optimistic entry a failure ack names.
func (s *state) markFailed(id uuid.UUID) bool {
	e, ok := s.byID[id]
	if !ok || !e.Pending {
		return false
	}
	e.Failed = true
	return true
}

// advanceStatus applies a status transition only if it moves forward. A
// read arriving before a delivered must win, never regress.
func advanceStatus(m *models.Message, status models.MessageStatus) bool {
	if status.Rank() <= m.Status.Rank() {
		return false
	}
	m.Status = status
	return true
}
