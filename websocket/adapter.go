package websocket

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"codee-relay/document"
	"codee-relay/domain"
)

const (
	defaultWriteWait      = 10 * time.Second
	defaultMaxMessageSize = 1 << 20
	defaultSendBuffer     = 256
)

var (
	ErrSendBufferFull = errors.New("send buffer full")
	ErrConnClosed     = errors.New("connection closed")
)

type config struct {
	writeWait      time.Duration
	maxMessageSize int64
	sendBuffer     int
}

type Option func(*config)

// WithWriteWait bounds every write, including liveness pings.
func WithWriteWait(d time.Duration) Option {
	return func(c *config) {
		c.writeWait = d
	}
}

// WithMaxMessageSize limits inbound frames; a larger frame closes the session.
func WithMaxMessageSize(n int64) Option {
	return func(c *config) {
		c.maxMessageSize = n
	}
}

// WithSendBuffer sets how many outbound frames may queue before Send fails.
func WithSendBuffer(n int) Option {
	return func(c *config) {
		c.sendBuffer = n
	}
}

// Conn is one client session: a WebSocket, its room, and its liveness flag.
// Inbound frames are handled on the read goroutine in arrival order; outbound
// frames go through a FIFO buffer drained by the write goroutine.
type Conn struct {
	id          string
	room        string
	ws          *websocket.Conn
	send        chan []byte
	done        chan struct{}
	closeOnce   sync.Once
	alive       atomic.Bool
	config      config
	broadcaster domain.Broadcaster
	handler     domain.MessageHandler
}

func NewConn(id, room string, ws *websocket.Conn, b domain.Broadcaster, h domain.MessageHandler, opts ...Option) *Conn {
	cfg := config{
		writeWait:      defaultWriteWait,
		maxMessageSize: defaultMaxMessageSize,
		sendBuffer:     defaultSendBuffer,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	c := &Conn{
		id:          id,
		room:        room,
		ws:          ws,
		send:        make(chan []byte, cfg.sendBuffer),
		done:        make(chan struct{}),
		config:      cfg,
		broadcaster: b,
		handler:     h,
	}
	c.alive.Store(true)
	return c
}

func (c *Conn) ID() string   { return c.id }
func (c *Conn) Room() string { return c.room }

// Send queues data without blocking. Callers doing fan-out ignore the error.
func (c *Conn) Send(data []byte) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close tears down the socket. The read loop then fails and leaves the room.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.ws.Close()
	})
	return err
}

// Done is closed once the session is closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) Alive() bool         { return c.alive.Load() }
func (c *Conn) SetAlive(alive bool) { c.alive.Store(alive) }

// Ping sends a liveness ping. It may run concurrently with the write loop.
func (c *Conn) Ping() error {
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.config.writeWait))
}

// Start joins the room, queueing the late-join snapshot ahead of any relayed
// frame, then starts the read and write loops.
func (c *Conn) Start() {
	c.broadcaster.Join(c, func(doc document.Document) {
		c.handler.Welcome(c, doc)
	})
	go c.writePump()
	go c.readPump()
}

func (c *Conn) readPump() {
	defer func() {
		c.broadcaster.Leave(c)
		c.Close()
	}()

	c.ws.SetReadLimit(c.config.maxMessageSize)
	c.ws.SetPongHandler(func(string) error {
		c.SetAlive(true)
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				slog.Error("read error", "room", c.room, "clientId", c.id, "error", err)
			}
			return
		}

		c.handler.Handle(c, data)
	}
}

func (c *Conn) writePump() {
	defer c.Close()

	for {
		select {
		case message := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.config.writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				slog.Debug("write error", "room", c.room, "clientId", c.id, "error", err)
				return
			}
		case <-c.done:
			return
		}
	}
}
