package server

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-chatgateway/internal/logger"
	"github.com/npezzotti/go-chatgateway/internal/services"
	"github.com/npezzotti/go-chatgateway/internal/types"
	"github.com/rs/zerolog"
)

type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateActive
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// Client is one websocket connection. It implements registry.Conn.
type Client struct {
	id         string
	conn       *websocket.Conn
	chatServer *ChatServer
	log        zerolog.Logger
	handshake  services.Handshake
	user       types.User
	state      atomic.Int32

	send       chan *ServerMessage
	sendLock   sync.RWMutex
	sendClosed bool
}

func NewClient(conn *websocket.Conn, cs *ChatServer, hs services.Handshake, l zerolog.Logger) *Client {
	id := uuid.NewString()
	return &Client{
		id:         id,
		conn:       conn,
		chatServer: cs,
		log:        l.With().Str(logger.FieldConnID, id).Str(logger.FieldRemote, hs.RemoteAddr).Logger(),
		handshake:  hs,
		send:       make(chan *ServerMessage, cs.opts.WebSocket.SendBuffer),
	}
}

func (c *Client) ID() string {
	return c.id
}

func (c *Client) UserID() string {
	return c.user.Id
}

func (c *Client) User() types.User {
	return c.user
}

func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) transition(from, to State) bool {
	return c.state.CompareAndSwap(int32(from), int32(to))
}

// markDisconnected moves the client to its terminal state and returns the
// state it was in.
func (c *Client) markDisconnected() State {
	return State(c.state.Swap(int32(StateDisconnected)))
}

// Send queues a pushed event. Events are only delivered to active clients.
func (c *Client) Send(event string, payload any) bool {
	if c.State() != StateActive {
		return false
	}
	return c.queueMessage(Event(event, payload))
}

func (c *Client) queueMessage(msg *ServerMessage) bool {
	c.sendLock.RLock()
	defer c.sendLock.RUnlock()

	if c.sendClosed {
		return false
	}

	select {
	case c.send <- msg:
	default:
		c.log.Warn().Msg("failed to send message to client, channel is full")
		return false
	}

	return true
}

// closeSend stops accepting messages. The writer flushes what is already
// queued and then closes the transport.
func (c *Client) closeSend() {
	c.sendLock.Lock()
	defer c.sendLock.Unlock()

	if !c.sendClosed {
		c.sendClosed = true
		close(c.send)
	}
}

func (c *Client) Write() {
	ws := c.chatServer.opts.WebSocket
	ticker := time.NewTicker(ws.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Debug().Msg("write exiting")
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.conn.SetWriteDeadline(time.Now().Add(ws.WriteWait))
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			bytes, err := serializeMessage(msg)
			if err != nil {
				c.log.Error().Err(err).Msg("failed to serialize message")
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	ws := c.chatServer.opts.WebSocket
	defer func() {
		c.chatServer.disconnect(c)
		c.conn.Close()
		c.log.Debug().Msg("read exiting")
	}()

	c.conn.SetReadLimit(ws.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(ws.PongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(ws.PongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("ws: read")
			}
			break
		}

		if c.State() != StateActive {
			break
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Debug().Err(err).Msg("error parsing message")
			c.queueMessage(ErrReply(0, ErrValidation("invalid message format")))
			continue
		}

		c.chatServer.handle(c, &msg)
	}
}

func serializeMessage(msg *ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(c.chatServer.opts.WebSocket.WriteWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Warn().Err(err).Msg("write message")
		}
		return false
	}

	return true
}
