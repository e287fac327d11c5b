package server

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/yanun0323/logs"

	"grainmesh/internal/obs"
)

const (
	defaultClientBuffer = 64
	outboundBuffer      = 1024
)

// Message is the frame pushed to websocket clients.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

const (
	TypeStatusChanged    = "statusChanged"
	TypeCommandCompleted = "commandCompleted"
	TypeReply            = "reply"
	TypeWelcome          = "welcome"
)

type outbound struct {
	to  uuid.UUID
	msg Message
}

// Hub owns the connected clients. Only the run loop touches the client set and
// the send channels.
type Hub struct {
	metrics *obs.Metrics

	clients    map[uuid.UUID]*client
	register   chan *client
	unregister chan *client
	outbound   chan outbound
	done       chan struct{}

	connected atomic.Int64
}

func newHub(metrics *obs.Metrics) *Hub {
	return &Hub{
		metrics:    metrics,
		clients:    make(map[uuid.UUID]*client),
		register:   make(chan *client),
		unregister: make(chan *client),
		outbound:   make(chan outbound, outboundBuffer),
		done:       make(chan struct{}),
	}
}

func (h *Hub) run(ctx context.Context) {
	defer func() {
		for id, c := range h.clients {
			delete(h.clients, id)
			close(c.send)
		}
		h.connected.Store(0)
		close(h.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case c := <-h.register:
			h.clients[c.id] = c
			h.connected.Store(int64(len(h.clients)))
		case c := <-h.unregister:
			if _, ok := h.clients[c.id]; ok {
				delete(h.clients, c.id)
				close(c.send)
				h.connected.Store(int64(len(h.clients)))
			}
		case out := <-h.outbound:
			if out.to == uuid.Nil {
				for _, c := range h.clients {
					h.push(c, out.msg)
				}
				continue
			}
			if c, ok := h.clients[out.to]; ok {
				h.push(c, out.msg)
			}
		}
	}
}

// push drops the message when the client is not keeping up.
func (h *Hub) push(c *client, msg Message) {
	select {
	case c.send <- msg:
	default:
		h.metrics.IncQueueDrop()
		logs.Warnf("client too slow, message dropped, session: %s, type: %s", c.id, msg.Type)
	}
}

// deliver queues msg for one session, or for every session when to is uuid.Nil.
// It never blocks: a full hub queue drops the message.
func (h *Hub) deliver(to uuid.UUID, msg Message) bool {
	select {
	case h.outbound <- outbound{to: to, msg: msg}:
		return true
	case <-h.done:
		return false
	default:
		h.metrics.IncQueueDrop()
		logs.Warnf("hub queue full, message dropped, session: %s, type: %s", to, msg.Type)
		return false
	}
}

func (h *Hub) join(ctx context.Context, c *client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	case <-ctx.Done():
		return false
	}
}

func (h *Hub) leave(c *client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Connected returns the number of registered clients.
func (h *Hub) Connected() int {
	return int(h.connected.Load())
}
