package monitor

import (
	"sync"
)

// Client is one attached dashboard session. Send must be safe for the
// broadcaster to call from any goroutine; implementations serialize
// writes to the underlying connection themselves.
type Client interface {
	Send(kind string, data interface{}) error
}

// Broadcaster fans dashboard payloads out to attached clients. It
// remembers the last payload per kind and replays the remembered state
// to clients that attach later, so a fresh dashboard renders without
// waiting for the next periodic tick.
type Broadcaster struct {
	mu      sync.Mutex
	clients map[Client]struct{}
	last    map[string]interface{}
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients: make(map[Client]struct{}),
		last:    make(map[string]interface{}),
	}
}

// Attach replays the remembered payloads to c and registers it for
// future broadcasts. A replay failure drops the client immediately.
func (b *Broadcaster) Attach(c Client) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for kind, data := range b.last {
		if err := c.Send(kind, data); err != nil {
			return err
		}
	}
	b.clients[c] = struct{}{}
	return nil
}

func (b *Broadcaster) Detach(c Client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.clients, c)
}

// Broadcast sends kind/data to every attached client. With remember
// set the payload also becomes the replayed state for that kind.
// Clients whose Send fails are dropped.
func (b *Broadcaster) Broadcast(kind string, data interface{}, remember bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if remember {
		b.last[kind] = data
	}
	for c := range b.clients {
		if err := c.Send(kind, data); err != nil {
			delete(b.clients, c)
		}
	}
}

func (b *Broadcaster) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}
