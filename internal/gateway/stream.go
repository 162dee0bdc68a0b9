package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/batonworks/baton/internal/bus"
)

// eventStream broadcasts task events to connected websocket clients.
// Clients are read-only consumers; inbound frames are drained and ignored.
type eventStream struct {
	clients sync.Map
	nextID  atomic.Int64
}

type wsClient struct {
	conn *websocket.Conn
	id   string
}

func newEventStream() *eventStream {
	return &eventStream{}
}

func (s *eventStream) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[events] websocket accept error: %v", err)
		return
	}

	clientID := fmt.Sprintf("events-%d", s.nextID.Add(1))
	client := &wsClient{conn: conn, id: clientID}
	s.clients.Store(clientID, client)
	log.Printf("[events] client connected: %s", clientID)

	defer func() {
		s.clients.Delete(clientID)
		conn.CloseNow()
		log.Printf("[events] client disconnected: %s", clientID)
	}()

	for {
		if _, _, err := conn.Read(r.Context()); err != nil {
			return
		}
	}
}

// fanOut relays every bus event to all connected clients until ctx ends.
func (s *eventStream) fanOut(ctx context.Context, b *bus.EventBus) {
	for {
		select {
		case ev := <-b.Events:
			s.broadcast(ev)
		case <-ctx.Done():
			return
		}
	}
}

func (s *eventStream) broadcast(ev bus.TaskEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("[events] marshal event error: %v", err)
		return
	}
	s.clients.Range(func(_, value any) bool {
		c := value.(*wsClient)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = c.conn.Write(ctx, websocket.MessageText, data)
		cancel()
		return true
	})
}

func (s *eventStream) closeAll() {
	s.clients.Range(func(_, value any) bool {
		c := value.(*wsClient)
		c.conn.CloseNow()
		return true
	})
}
