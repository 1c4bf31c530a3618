package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"

	"taskboard/domain"
)

const (
	brokerSubscriberID = "sse-broker"
	streamBuffer       = 16
)

// Broker relays task notifications to connected event-stream clients.
// Slow clients miss notifications rather than blocking the notifier.
type Broker struct {
	mu        sync.Mutex
	clients   map[chan domain.Notification]struct{}
	heartbeat time.Duration
}

// NewBroker returns a broker with no clients and a 30s keepalive.
func NewBroker() *Broker {
	return &Broker{
		clients:   make(map[chan domain.Notification]struct{}),
		heartbeat: 30 * time.Second,
	}
}

// Attach subscribes the broker to n.
func (b *Broker) Attach(n *domain.Notifier) {
	n.Subscribe(brokerSubscriberID, b.Broadcast)
}

func (b *Broker) add() chan domain.Notification {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan domain.Notification, streamBuffer)
	b.clients[ch] = struct{}{}
	return ch
}

func (b *Broker) remove(ch chan domain.Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.clients, ch)
}

// Clients returns the number of connected streams.
func (b *Broker) Clients() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Broadcast queues n for every connected stream, skipping clients whose
// buffer is full.
func (b *Broker) Broadcast(n domain.Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.clients {
		select {
		case ch <- n:
		default:
		}
	}
}

func (b *Broker) stream(c echo.Context) error {
	res := c.Response()
	flusher, ok := res.Writer.(http.Flusher)
	if !ok {
		return c.String(http.StatusInternalServerError, "stream unsupported")
	}
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set(echo.HeaderCacheControl, "no-cache")
	res.Header().Set(echo.HeaderConnection, "keep-alive")
	res.Header().Set("X-Accel-Buffering", "no")
	res.WriteHeader(http.StatusOK)

	ch := b.add()
	defer b.remove(ch)

	// Flush headers before the first notification arrives.
	if _, err := res.Write([]byte(":ok\n\n")); err != nil {
		return nil
	}
	flusher.Flush()

	ctx := c.Request().Context()
	ticker := time.NewTicker(b.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case n := <-ch:
			data, err := sonic.Marshal(n)
			if err != nil {
				continue
			}
			frame := make([]byte, 0, len(data)+64)
			frame = append(frame, "id: "...)
			frame = append(frame, n.ID...)
			frame = append(frame, "\nevent: "...)
			frame = append(frame, string(n.Type)...)
			frame = append(frame, "\ndata: "...)
			frame = append(frame, data...)
			frame = append(frame, "\n\n"...)
			if _, err := res.Write(frame); err != nil {
				return nil
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := res.Write([]byte(":keepalive\n\n")); err != nil {
				return nil
			}
			flusher.Flush()
		case <-ctx.Done():
			return nil
		}
	}
}
