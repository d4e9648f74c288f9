// A line-oriented terminal client for the relay. Joins a room, unlocks it
// with an out-of-band passphrase and renders the reconciled message list
// with tick marks for the local user's own messages.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"cipherchat/internal/client"
	"cipherchat/internal/models"
)

type rendered struct {
	text   string
	status models.MessageStatus
}

func main() {
	url := flag.String("url", "ws://localhost:8080/ws", "relay websocket endpoint")
	room := flag.String("room", "", "room id (required)")
	user := flag.String("user", "", "persisted user id from a previous session")
	name := flag.String("name", "", "display name")
	flag.Parse()

	if *room == "" {
		fmt.Fprintln(os.Stderr, "usage: client -room <id> [-url ws://...] [-user <uuid>] [-name <name>]")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	session, err := client.Open(ctx, client.Options{
		URL:         *url,
		RoomID:      *room,
		UserID:      *user,
		DisplayName: *name,
	})
	cancel()
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer session.Close()

	fmt.Printf("Joined room %q. Type /unlock <passphrase> to read messages, /quit to leave.\n", *room)

	seen := make(map[uuid.UUID]rendered)
	go func() {
		for {
			select {
			case <-session.Done():
				fmt.Println("\nConnection closed.")
				os.Exit(0)
			case <-session.Updates():
				render(session, seen)
			}
		}
	}()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit":
			return
		case line == "/fingerprint":
			if fp := session.Fingerprint(); fp != "" {
				fmt.Printf("  fingerprint: %s (compare out of band)\n", fp)
			} else {
				fmt.Println("  room is still locked")
			}
		case line == "/whoami":
			id, displayName := session.Identity()
			fmt.Printf("  you are %s (%s) — keep this id for your next connect\n", displayName, id)
		case strings.HasPrefix(line, "/unlock "):
			passphrase := strings.TrimPrefix(line, "/unlock ")
			fp, err := session.Unlock(passphrase)
			if err != nil {
				fmt.Printf("  unlock failed: %v — try again\n", err)
				continue
			}
			fmt.Printf("  unlocked, fingerprint %s\n", fp)
		default:
			if _, err := session.Send(line); err != nil {
				fmt.Printf("  send rejected: %v\n", err)
			}
		}
	}
}

// render prints entries that are new or whose text/tick state changed.
func render(s *client.Session, seen map[uuid.UUID]rendered) {
	for _, m := range s.Messages() {
		text := m.Text
		if !m.Decrypted {
			text = "[encrypted]"
		}
		prev, ok := seen[m.ID]
		cur := rendered{text: text, status: m.Status}
		if ok && prev == cur {
			continue
		}
		seen[m.ID] = cur

		if m.Mine {
			fmt.Printf("%s [you] %s %s\n", m.CreatedAt.Local().Format("15:04:05"), text, ticks(m.Status))
		} else {
			fmt.Printf("%s [%s] %s\n", m.CreatedAt.Local().Format("15:04:05"), m.SenderName, text)
		}
	}
}

func ticks(s models.MessageStatus) string {
	switch s {
	case models.StatusSending:
		return "(…)"
	case models.StatusFailed:
		return "(failed)"
	case models.StatusSent:
		return "(✓)"
	case models.StatusDelivered:
		return "(✓✓)"
	case models.StatusRead:
		return "(✓✓ read)"
	default:
		return ""
	}
}
