package transport

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"collabtext/internal/session"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendBuffer     = 256
)

// Client is one WebSocket connection bound to a document room: an editor
// front end or a remote replica.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	docID   uuid.UUID
	session *session.Session
	limiter *rate.Limiter

	// userID is set by a join and only touched by readPump.
	userID uuid.UUID

	mu     sync.Mutex
	send   chan []byte
	closed bool

	done chan struct{}
}

// Done is closed once the connection has been torn down.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// enqueue hands data to writePump without blocking. It reports false when
// the client is gone or its buffer is full.
func (c *Client) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) reply(msg Message) {
	msg.DocumentID = c.docID
	data, err := json.Marshal(msg)
	if err != nil {
		c.hub.logger.Error("encoding reply", "type", msg.Type, "error", err)
		return
	}
	if !c.enqueue(data) {
		c.hub.logger.Warn("reply dropped", "document_id", c.docID, "type", msg.Type)
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.drop(c)
		c.conn.Close()
		c.hub.release(c)
		close(c.done)
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("connection closed", "document_id", c.docID, "error", err)
			}
			return
		}
		if !c.limiter.Allow() {
			c.reply(Message{Type: TypeError, Error: "rate limit exceeded"})
			continue
		}
		msg, err := DecodeMessage(data)
		if err != nil {
			c.reply(errorMessage(c.docID, err))
			continue
		}
		c.hub.handle(c, msg)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
