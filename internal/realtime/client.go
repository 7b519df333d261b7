package realtime

import (
	"log"
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 16384

	defaultSendBuffer = 256
)

// Conn is one live connection handle as seen by the registry.
type Conn interface {
	ID() string
	UserID() uint
	// Send queues a frame without blocking.
	Send(frame []byte) error
	Close()
}

// Client is a middleman between a websocket connection and the registry.
type Client struct {
	id     string
	userID uint

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages.
	send chan []byte

	closeOnce sync.Once

	// IncomingHandler is called for every inbound frame.
	IncomingHandler func(*Client, []byte)
	// OnActivity is called on inbound frames and pongs.
	OnActivity func(*Client)
}

// NewClient wraps conn for userID with a send buffer of the given size.
func NewClient(conn *websocket.Conn, userID uint, buffer int) *Client {
	if buffer <= 0 {
		buffer = defaultSendBuffer
	}
	return &Client{
		id:     uuid.NewString(),
		userID: userID,
		conn:   conn,
		send:   make(chan []byte, buffer),
	}
}

func (c *Client) ID() string   { return c.id }
func (c *Client) UserID() uint { return c.userID }

// Send implements Conn.
func (c *Client) Send(frame []byte) error {
	return c.TrySend(frame)
}

// TrySend queues frame, failing instead of blocking when the buffer is full
// or the client has been closed.
func (c *Client) TrySend(frame []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &DeliveryError{UserID: c.userID, ConnID: c.id, Reason: "closed"}
		}
	}()

	select {
	case c.send <- frame:
		return nil
	default:
		return &DeliveryError{UserID: c.userID, ConnID: c.id, Reason: "buffer_full"}
	}
}

// Close stops the write pump, which sends a close frame to the peer.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.send) })
}

// ReadPump pumps frames from the websocket connection to IncomingHandler
// until the peer goes away, then calls done.
func (c *Client) ReadPump(done func(*Client)) {
	defer func() {
		if done != nil {
			done(c)
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.touch()
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("ReadPump error (user %d): %v", c.userID, err)
			}
			return
		}
		c.touch()
		if c.IncomingHandler != nil {
			c.IncomingHandler(c, message)
		}
	}
}

// WritePump pumps frames from the send buffer to the websocket connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) touch() {
	if c.OnActivity != nil {
		c.OnActivity(c)
	}
}
