package wsgateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mohamedkhairy/echoroom/pkg/logger"
)

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrSendBufferFull   = errors.New("send buffer full")
)

// Connection represents a WebSocket connection with a client
type Connection struct {
	id         string
	Conn       *websocket.Conn
	send       chan []byte
	remoteAddr string
	createdAt  time.Time

	token string // session token after a successful login
	mu    sync.RWMutex

	ctx        context.Context
	cancel     context.CancelFunc
	closeOnce  sync.Once
	unregister sync.Once
}

// NewConnection creates a new WebSocket connection
func NewConnection(id string, conn *websocket.Conn, bufferSize int) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:        id,
		Conn:      conn,
		send:      make(chan []byte, bufferSize),
		createdAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}
	if conn != nil {
		c.remoteAddr = conn.RemoteAddr().String()
	}
	return c
}

// ID returns the connection id
func (c *Connection) ID() string {
	return c.id
}

// Send queues an event for the client without blocking. A full buffer drops
// the event.
func (c *Connection) Send(event string, payload interface{}) error {
	data, err := json.Marshal(ServerMessage{Event: event, Data: payload})
	if err != nil {
		return err
	}
	if c.ctx.Err() != nil {
		return ErrConnectionClosed
	}

	select {
	case c.send <- data:
		return nil
	default:
		logger.Warn("Failed to send event, channel full",
			logger.ConnectionID(c.id),
			logger.String("event", event),
		)
		return ErrSendBufferFull
	}
}

// SendError reports a failed event to the client
func (c *Connection) SendError(event string, kind string, message string) error {
	return c.Send(event+"_error", ErrorPayload{Kind: kind, Message: message})
}

// Close stops the connection. Queued events are flushed by the write pump
// before the socket closes. Safe to call more than once.
func (c *Connection) Close() {
	c.closeOnce.Do(c.cancel)
}

// Done is closed once the connection is closing
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}

// SetToken records the session token of the connection
func (c *Connection) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// Token returns the session token of the connection
func (c *Connection) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// CreatedAt returns when the connection was accepted
func (c *Connection) CreatedAt() time.Time {
	return c.createdAt
}
