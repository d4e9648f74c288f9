package chat

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"cipherchat/internal/types"
)

const handlerTimeout = 5 * time.Second

// enqueue hands a payload to the write pump. The hub may close Send while
// tearing this client down, so the send is guarded.
func (c *Client) enqueue(payload []byte) {
	defer func() { recover() }()
	select {
	case c.Send <- payload:
	default:
		log.Printf("[CLIENT] Dropping payload for %s: send buffer full", c.UserID)
	}
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(10 * time.Second)
	defer func() {
		ticker.Stop()
		c.Hub.Unregister <- c
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Drain whatever queued meanwhile into the same frame. Events
			// contain no literal newlines, so readers split on '\n'.
			n := len(c.Send)
			for i := 0; i < n; i++ {
				msg, ok := <-c.Send
				if !ok {
					break
				}
				w.Write([]byte{'\n'})
				w.Write(msg)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) ReadPump() {
	defer func() {
		c.Hub.Unregister <- c
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(64 * 1024)
	c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, raw, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[CLIENT] Unexpected close: %v", err)
			}
			break
		}

		event := &types.Event{}
		if err := json.Unmarshal(raw, event); err != nil {
			log.Printf("[CLIENT] Discarding malformed frame from %s: %v", c.UserID, err)
			continue
		}

		if !c.Limiter.Allow() {
			c.rejectThrottled(event)
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)

		switch event.Type {
		case types.EventJoin:
			c.Engine.HandleJoin(ctx, c, event.Data)
		case types.EventSend:
			c.Engine.HandleSend(ctx, c, event.Data)
		case types.EventAckDelivered:
			c.Engine.HandleAckDelivered(ctx, c, event.Data)
		case types.EventAckRead:
			c.Engine.HandleAckRead(ctx, c, event.Data)
		default:
			log.Printf("[CLIENT] Unknown event type %q from %s", event.Type, c.UserID)
		}

		cancel()
	}
}

// rejectThrottled drops a rate-limited event. Sends get a per-message
// failure ack so the client can mark that one bubble failed; everything
// else is fire-and-forget and just disappears.
func (c *Client) rejectThrottled(event *types.Event) {
	if event.Type != types.EventSend {
		log.Printf("[CLIENT] Rate limit exceeded for %s, dropping %s", c.UserID, event.Type)
		return
	}

	var payload types.SendPayload
	if err := json.Unmarshal(event.Data, &payload); err != nil {
		return
	}

	if time.Since(c.LastWarning) > 3*time.Second {
		log.Printf("[CLIENT] Rate limit exceeded for %s, rejecting send %s", c.UserID, payload.MessageID)
		c.LastWarning = time.Now()
	}

	ack, err := types.Encode(types.EventMessageAck, types.MessageAckPayload{
		Error: &types.SendFailure{MessageID: payload.MessageID, Reason: "rate limit exceeded"},
	})
	if err != nil {
		return
	}
	c.enqueue(ack)
}
