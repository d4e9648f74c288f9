package chat

import (
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"cipherchat/internal/middleware"
)

// Broadcaster is the multicast surface the reconciliation engine talks
// to. Hub implements it; tests substitute a recorder.
type Broadcaster interface {
	Join(c *Client)
	Multicast(roomID string, exclude *Client, payload []byte)
	MulticastAll(payload []byte)
}

// Client is one websocket connection. RoomID and UserID are set once the
// join handshake resolves the effective identity.
type Client struct {
	Conn        *websocket.Conn
	Hub         *Hub
	Engine      *Engine
	Send        chan []byte
	Limiter     *middleware.RateLimiter
	LastWarning time.Time
	RoomID      string
	UserID      string
	DisplayName string
	once        sync.Once
}

type multicastReq struct {
	roomID  string // empty means every room (degraded compatibility path)
	exclude *Client
	payload []byte
}

// Hub owns room membership and fan-out. All membership mutation happens
// on the Run loop; other goroutines only feed the channels.
type Hub struct {
	rooms      map[string]map[*Client]bool
	Register   chan *Client
	Unregister chan *Client
	broadcast  chan multicastReq
	Quit       chan struct{}
}

func NewHub() *Hub {
	log.Println("[HUB] Initializing new Hub instance...")
	return &Hub{
		rooms:      make(map[string]map[*Client]bool),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		broadcast:  make(chan multicastReq, 256),
		Quit:       make(chan struct{}),
	}
}

// Join registers a connection under its resolved room.
func (h *Hub) Join(c *Client) {
	h.Register <- c
}

// Multicast queues a payload for every member of the room except the
// excluded connection (typically the originator of the event).
func (h *Hub) Multicast(roomID string, exclude *Client, payload []byte) {
	select {
	case h.broadcast <- multicastReq{roomID: roomID, exclude: exclude, payload: payload}:
	default:
		log.Printf("[HUB] CRITICAL: Broadcast channel full, dropping multicast for room %s", roomID)
	}
}

// MulticastAll fans out to every connected client regardless of room.
// Only the ack path without a room id uses this; it is a degraded
// compatibility fallback, not correct multi-room behavior.
func (h *Hub) MulticastAll(payload []byte) {
	select {
	case h.broadcast <- multicastReq{payload: payload}:
	default:
		log.Println("[HUB] CRITICAL: Broadcast channel full, dropping global multicast")
	}
}

func (h *Hub) cleanupClient(c *Client) {
	c.once.Do(func() {
		log.Printf("[HUB] Cleaning up resources for client %s (room %s)", c.UserID, c.RoomID)
		if members, ok := h.rooms[c.RoomID]; ok {
			delete(members, c)
			if len(members) == 0 {
				delete(h.rooms, c.RoomID)
			}
		}
		if c.Conn != nil {
			c.Conn.Close()
		}
		close(c.Send)
	})
}

func (h *Hub) deliver(c *Client, payload []byte) {
	select {
	case c.Send <- payload:
	default:
		log.Printf("[HUB] WARNING: Client %s buffer full. Evicting slow consumer.", c.UserID)
		go func() { h.Unregister <- c }()
	}
}

func (h *Hub) Run() {
	log.Println("[HUB] Main loop started. Listening for events...")
	for {
		select {
		case <-h.Quit:
			log.Println("[HUB] Quit signal received. Shutting down all client connections...")
			for _, members := range h.rooms {
				for client := range members {
					h.cleanupClient(client)
				}
			}
			return

		case client := <-h.Register:
			if client.RoomID == "" {
				log.Printf("[HUB] Rejecting registration with no room for %s", client.UserID)
				continue
			}
			members, ok := h.rooms[client.RoomID]
			if !ok {
				members = make(map[*Client]bool)
				h.rooms[client.RoomID] = members
			}
			members[client] = true
			log.Printf("[HUB] Registered %s in room %s. Room members: %d", client.UserID, client.RoomID, len(members))

		case client := <-h.Unregister:
			log.Printf("[HUB] Unregistering client %s", client.UserID)
			h.cleanupClient(client)

		case req := <-h.broadcast:
			if req.roomID == "" {
				for _, members := range h.rooms {
					for client := range members {
						if client == req.exclude {
							continue
						}
						h.deliver(client, req.payload)
					}
				}
				continue
			}

			for client := range h.rooms[req.roomID] {
				if client == req.exclude {
					continue
				}
				h.deliver(client, req.payload)
			}
		}
	}
}
