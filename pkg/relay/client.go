package relay

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tabsync-dev/tabsync/pkg/store"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// client is one connected remote context.
type client struct {
	srv    *Server
	conn   *websocket.Conn
	origin string

	send chan Frame

	once sync.Once
	done chan struct{}
}

// run pumps the connection: snapshot first, then events out and writes in,
// until either side drops.
func (c *client) run() {
	cancel := c.srv.st.Subscribe(c.origin, func(ev store.Event) {
		f := Frame{
			Type:    FrameEvent,
			Key:     ev.Key,
			Origin:  ev.Origin,
			Deleted: !ev.NewOK,
		}
		if ev.NewOK {
			f.Value = ev.New
		}
		select {
		case c.send <- f:
		case <-c.done:
		default:
			// Client not draining; it will resync from events it does get.
		}
	})
	defer cancel()

	c.send <- Frame{Type: FrameSnapshot, Entries: c.srv.snapshot()}

	go c.writeLoop()
	c.readLoop()
	c.stop()
}

func (c *client) readLoop() {
	for {
		var f Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.srv.log.Debug("client read failed", "origin", c.origin, "error", err)
			}
			return
		}
		c.handle(f)
	}
}

func (c *client) handle(f Frame) {
	_, span := c.srv.trace.frameSpan(context.Background(), f.Type, f.Key, c.origin)
	defer span.End()

	switch f.Type {
	case FrameSet:
		if err := c.srv.st.Set(f.Key, f.Value, c.origin); err != nil {
			c.srv.trace.recordError(span, err)
			c.srv.log.Warn("relayed set failed", "key", f.Key, "error", err)
		}
	case FrameDelete:
		if err := c.srv.st.Delete(f.Key, c.origin); err != nil {
			c.srv.trace.recordError(span, err)
			c.srv.log.Warn("relayed delete failed", "key", f.Key, "error", err)
		}
	default:
		c.srv.log.Debug("unhandled frame", "type", f.Type, "origin", c.origin)
	}
}

func (c *client) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case f := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(f); err != nil {
				c.stop()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.stop()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *client) stop() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
		c.srv.drop(c)
	})
}