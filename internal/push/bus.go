// Package push is the fan-out bus between the engines and the live SSE
// connections. Each connection owns one ordered queue; dead queues are pruned
// lazily on the next send or by the periodic sweep.
package push

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Event labels recognized by the browser. An empty label is the bare
// keepalive/handshake frame.
const (
	LabelNotes    = "notes"
	LabelMessages = "msg-list"
	LabelMessage  = "msg-update"
	LabelInit     = "init"
	LabelUserKey  = "user"
)

type Event struct {
	Label string
	Data  string
}

const queueSize = 64

type client struct {
	userID int64
	queue  chan Event
	done   chan struct{}
}

// send reports (delivered, alive). A full queue drops the event but keeps the
// client; only a gone consumer marks it dead.
func (c *client) send(ev Event) (bool, bool) {
	select {
	case <-c.done:
		return false, false
	default:
	}
	select {
	case c.queue <- ev:
		return true, true
	case <-c.done:
		return false, false
	default:
		return false, true
	}
}

type Bus struct {
	mu      sync.Mutex
	nextID  atomic.Uint64
	clients map[uint64]*client
	log     *slog.Logger
}

func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		clients: make(map[uint64]*client),
		log:     logger,
	}
}

// Register allocates a channel for a new connection. The returned stream is
// drained by the transport until it closes; cancel marks the consumer gone.
// The registry entry itself is pruned lazily.
func (b *Bus) Register(userID int64) (uint64, <-chan Event, func()) {
	id := b.nextID.Add(1)
	c := &client{
		userID: userID,
		queue:  make(chan Event, queueSize),
		done:   make(chan struct{}),
	}
	b.mu.Lock()
	b.clients[id] = c
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() { close(c.done) })
	}
	return id, c.queue, cancel
}

// Broadcast delivers an event to every live channel of one user, pruning dead
// channels as a side effect.
func (b *Bus) Broadcast(userID int64, ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, c := range b.clients {
		if c.userID != userID {
			continue
		}
		if _, alive := c.send(ev); !alive {
			delete(b.clients, id)
		}
	}
}

// Personal delivers to exactly one channel. The success flag gates credential
// rotation: false means the client has no proof of receipt.
func (b *Bus) Personal(channelID uint64, ev Event) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.clients[channelID]
	if !ok {
		return false
	}
	delivered, alive := c.send(ev)
	if !alive {
		delete(b.clients, channelID)
	}
	return delivered
}

// Sweep probes every channel with a keepalive and prunes the dead ones.
func (b *Bus) Sweep() {
	b.mu.Lock()
	defer b.mu.Unlock()
	before := len(b.clients)
	for id, c := range b.clients {
		if _, alive := c.send(Event{}); !alive {
			delete(b.clients, id)
		}
	}
	b.log.Info("push sweep", "before", before, "after", len(b.clients))
}

func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}
