package server

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-collab/internal/logger"
	"github.com/rs/zerolog"
)

const sendQueueSize = 256

// Client is the transport side of one websocket connection: a read pump that
// dispatches frames in arrival order and a write pump that drains the send
// queue. Collaboration state lives in the referenced Session.
type Client struct {
	conn       *websocket.Conn
	cs         *CollabServer
	log        zerolog.Logger
	session    *Session
	authUserId string
	send       chan []byte
	pings      chan struct{}
	stop       chan struct{}
	stopOnce   sync.Once
	closeOnce  sync.Once
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewClient wraps conn. authUserId is the identity established by the HTTP
// layer, or empty when the connection is unauthenticated.
func NewClient(id, authUserId string, conn *websocket.Conn, cs *CollabServer, l zerolog.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		conn:       conn,
		cs:         cs,
		log:        l.With().Str(logger.FieldClientID, id).Logger(),
		session:    NewSession(id),
		authUserId: authUserId,
		send:       make(chan []byte, sendQueueSize),
		pings:      make(chan struct{}, 1),
		stop:       make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (c *Client) Write() {
	defer func() {
		c.terminate()
		c.log.Debug().Msg("write exiting")
	}()

	for {
		select {
		case msg := <-c.send:
			if !c.sendMessage(websocket.TextMessage, msg) {
				return
			}
		case <-c.pings:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		case <-c.stop:
			c.conn.SetWriteDeadline(time.Now().Add(c.cs.opts.WriteWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.terminate()
		c.cleanup()
		c.log.Debug().Msg("read exiting")
	}()

	c.conn.SetReadLimit(c.cs.opts.MaxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		c.session.markAlive()
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("ws: read")
			}
			break
		}

		c.dispatch(raw)
	}
}

// queueMessage serializes msg and queues it for the write pump.
func (c *Client) queueMessage(msg any) bool {
	bytes, err := serializeMessage(msg)
	if err != nil {
		c.log.Error().Err(err).Msg("failed to serialize message")
		return false
	}

	return c.queueRaw(bytes)
}

// queueRaw queues an already serialized frame. A client whose queue is full
// is disconnected and resyncs on reconnect.
func (c *Client) queueRaw(msg []byte) bool {
	select {
	case c.send <- msg:
		return true
	default:
		c.log.Warn().Msg("send queue full, disconnecting client")
		c.terminate()
		return false
	}
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(c.cs.opts.WriteWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Warn().Err(err).Msg("write message")
		}
		return false
	}

	return true
}

// ping asks the write pump to send a heartbeat probe. It never blocks; a
// probe that is still pending is not queued twice.
func (c *Client) ping() {
	select {
	case c.pings <- struct{}{}:
	default:
	}
}

// stopClient asks the write pump to send a close frame and exit.
func (c *Client) stopClient() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
}

// terminate force-closes the transport. The read pump then fails and runs the
// same cleanup as a graceful close.
func (c *Client) terminate() {
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

func (c *Client) cleanup() {
	c.stopClient()
	c.leaveDocument()
	c.leaveChat()
	c.cs.deregister(c)
	c.log.Info().
		Str(logger.FieldUserID, c.session.UserId()).
		Dur("connected_for", time.Since(c.session.connectedAt)).
		Msg("client disconnected")
}

func (c *Client) leaveDocument() {
	if id := c.session.leaveDocument(); id != "" {
		c.cs.registry.Leave(id, c)
	}
}

func (c *Client) leaveChat() {
	if id := c.session.leaveChat(); id != "" {
		c.cs.chat.Leave(id, c)
	}
}
