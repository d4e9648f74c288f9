package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"cipherchat/internal/chat"
	"cipherchat/internal/config"
	"cipherchat/internal/db"
	"cipherchat/internal/middleware"
	"cipherchat/internal/repository"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func serveWS(h *chat.Hub, engine *chat.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("Upgrade error: %v", err)
			return
		}

		limiter := middleware.NewRatelimiter(10, 200*time.Millisecond)

		client := &chat.Client{
			Hub:     h,
			Engine:  engine,
			Conn:    conn,
			Send:    make(chan []byte, 256),
			Limiter: limiter,
		}

		go client.WritePump()
		go client.ReadPump()
	}
}

func main() {

	cfg := config.Load()

	pool, err := db.Connect(cfg.DatabaseURL)

	if err != nil {
		log.Fatal("Failed to connect to database:", err)
		return
	}
	defer pool.Close()

	users := repository.NewUsersRepo(pool)
	rooms := repository.NewRoomsRepo(pool)
	messages := repository.NewMessagesRepo(pool)

	h := chat.NewHub()
	go h.Run()

	engine := chat.NewEngine(users, rooms, messages, h, cfg.HistoryLimit)

	http.HandleFunc("/ws", serveWS(h, engine))

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	addr := ":" + cfg.Port
	go func() {
		fmt.Printf("🚀 Relay listening on %s...\n", addr)
		if err := http.ListenAndServe(addr, nil); err != nil {
			if err != http.ErrServerClosed {
				log.Fatalf("ListenAndServe: %v", err)
			}
		}
	}()

	<-stop

	fmt.Println("\nShutdown signal received. Cleaning up...")
	close(h.Quit)

	time.Sleep(1 * time.Second)
	fmt.Println("Graceful shutdown complete. Goodnight!")
}
