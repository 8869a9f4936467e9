package gateway

import (
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"

	"github.com/clearledger/payroll/pkg/messaging"
)

// Subscriber is the slice of the messaging client the feed needs.
type Subscriber interface {
	Subscribe(subject string, handler func(msg *nats.Msg)) error
}

// Feed fans engine notifications out to connected websocket clients.
type Feed struct {
	mu      sync.RWMutex
	clients map[uuid.UUID]*wsClient
}

type wsClient struct {
	id   uuid.UUID
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
}

func NewFeed() *Feed {
	return &Feed{clients: make(map[uuid.UUID]*wsClient)}
}

// Listen wires the feed to the notification stream.
func (f *Feed) Listen(sub Subscriber) error {
	return sub.Subscribe(messaging.EventWildcard, func(msg *nats.Msg) {
		f.Broadcast(msg.Data)
	})
}

// Broadcast sends a raw notification to every connected client. Slow
// clients are skipped rather than blocking the stream.
func (f *Feed) Broadcast(data []byte) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for _, client := range f.clients {
		select {
		case client.send <- data:
		default:
		}
	}
}

// ClientCount reports the number of attached clients.
func (f *Feed) ClientCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.clients)
}

func (f *Feed) attach(conn *websocket.Conn) *wsClient {
	client := &wsClient{
		id:   uuid.New(),
		conn: conn,
		send: make(chan []byte, 16),
		done: make(chan struct{}),
	}

	f.mu.Lock()
	f.clients[client.id] = client
	f.mu.Unlock()

	go f.readPump(client)
	go f.writePump(client)

	return client
}

func (f *Feed) readPump(client *wsClient) {
	defer func() {
		f.mu.Lock()
		delete(f.clients, client.id)
		f.mu.Unlock()
		close(client.done)
		client.conn.Close()
	}()

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (f *Feed) writePump(client *wsClient) {
	for {
		select {
		case message := <-client.send:
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-client.done:
			return
		}
	}
}
