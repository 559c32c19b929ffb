package server

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/teranos/grimoire/logger"
	"github.com/teranos/grimoire/metrics"
)

// Gorilla timeout conventions; pingPeriod must stay under pongWait.
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 512
	sendBuffer     = 64
)

// Client is one websocket subscriber to the resolution event stream.
// Clients are listeners only; inbound frames beyond control messages are
// discarded.
type Client struct {
	hub       *Hub
	conn      *websocket.Conn
	send      chan metrics.ResolutionEvent
	id        string
	closeOnce sync.Once
}

func newClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		hub:  hub,
		conn: conn,
		send: make(chan metrics.ResolutionEvent, sendBuffer),
		id:   uuid.NewString(),
	}
}

func (c *Client) closeConn() {
	c.closeOnce.Do(func() {
		c.conn.Close()
	})
}

// readPump drains the connection so pongs and close frames are
// processed. Any read error ends the subscription.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.closeConn()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure,
			) {
				logger.Debugw("Event stream read error",
					"client_id", c.id,
					logger.FieldError, err)
			}
			return
		}
	}
}

// writePump serializes events to the wire and keeps the connection
// alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConn()
	}()

	for {
		select {
		case event, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutting down"))
				return
			}
			if err := c.conn.WriteJSON(event); err != nil {
				logger.Debugw("Event stream write error",
					"client_id", c.id,
					logger.FieldError, err)
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
