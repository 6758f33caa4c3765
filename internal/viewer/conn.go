// Package viewer holds the live dashboard connection registry. Connections
// are transient routing state only; nothing here is persisted.
package viewer

import (
	"log"
	"sync"

	"github.com/google/uuid"
)

// Sink is the transport half of a viewer connection: the gateway implements
// it over a WebSocket. Write is called from a single goroutine per Conn.
type Sink interface {
	Write(payload []byte) error
	Close() error
}

// Conn is one live viewer connection with a bounded outbound queue. A slow
// connection never blocks the router: when the queue overflows the connection
// is dropped, and the viewer resynchronizes through a history fetch on
// reconnect.
type Conn struct {
	id     string
	apiKey string
	sink   Sink
	out    chan []byte

	closeOnce sync.Once
	done      chan struct{}
	onClose   func(*Conn)
}

// NewConn wraps sink in a connection with a queue of bufferSize payloads and
// starts its writer goroutine. apiKey is the tenant identity established at
// login; empty when the policy does not authenticate. onClose, if non-nil, is
// invoked exactly once when the connection shuts down.
func NewConn(apiKey string, sink Sink, bufferSize int, onClose func(*Conn)) *Conn {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	c := &Conn{
		id:      uuid.New().String(),
		apiKey:  apiKey,
		sink:    sink,
		out:     make(chan []byte, bufferSize),
		done:    make(chan struct{}),
		onClose: onClose,
	}
	go c.writeLoop()
	return c
}

// ID returns the connection's unique identifier.
func (c *Conn) ID() string { return c.id }

// APIKey returns the tenant identity established at login, or "" if the
// connection was admitted without authentication.
func (c *Conn) APIKey() string { return c.apiKey }

// Send enqueues payload for delivery. Returns false if the connection is
// closed or its queue is full; a full queue closes the connection.
func (c *Conn) Send(payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- payload:
		return true
	default:
		log.Printf("viewer: dropping slow connection %s (queue full)", c.id)
		c.Close()
		return false
	}
}

// Close shuts the connection down. Safe to call multiple times and from any
// goroutine; queued payloads that have not been written yet are discarded.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.sink.Close()
		if c.onClose != nil {
			c.onClose(c)
		}
	})
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case payload := <-c.out:
			if err := c.sink.Write(payload); err != nil {
				log.Printf("viewer: write to %s failed: %v", c.id, err)
				c.Close()
				return
			}
		}
	}
}
