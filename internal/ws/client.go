package ws

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/storyloom/backend/internal/protocol"
	"github.com/storyloom/backend/internal/ratelimit"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client owns one connection's lifecycle: join, message intake and
// classification, outbound delivery, leave. A client is bound to exactly one
// story room for its whole lifetime.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	storyID string

	// user is the display name of an identified participant; empty means
	// anonymous. Anonymous participants never touch durable presence.
	user string

	id       string
	limiter  *ratelimit.Limiter
	teardown sync.Once
	log      *logrus.Entry
}

// ServeWs upgrades an HTTP request into a room participant. The story must
// exist before any room state is created: an unknown story is refused here
// with 404 and nothing lingers in the registry.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	storyID := r.URL.Query().Get("story")
	if storyID == "" {
		http.Error(w, "story is required", http.StatusBadRequest)
		return
	}

	exists, err := hub.stories.StoryExists(storyID)
	if err != nil {
		hub.log.WithError(err).Error("Story existence check failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !exists {
		http.Error(w, "story not found", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.log.WithError(err).Warn("Upgrade failed")
		return
	}

	user := r.URL.Query().Get("user")
	client := &Client{
		hub:     hub,
		conn:    conn,
		send:    make(chan []byte, hub.opts.SendBuffer),
		storyID: storyID,
		user:    user,
		id:      uuid.NewString(),
		limiter: ratelimit.NewLimiter(hub.opts.MessagesPerSecond, hub.opts.MessageBurst),
	}
	client.log = hub.log.WithFields(logrus.Fields{
		"story_id":  storyID,
		"user":      client.displayName(),
		"client_id": client.id,
	})

	hub.register <- client

	// Joined: identified users announce themselves and flip the durable
	// session record. The persistence call runs on this goroutine, outside
	// any room lock. This must all finish before readPump starts: teardown
	// only ever runs from readPump's exit, so an immediate disconnect cannot
	// interleave leave processing with a still-in-flight join.
	if client.user != "" {
		client.announce(protocol.ActivityJoined)
		hub.sessions.SetActive(storyID, client.user, true)
	}

	go client.writePump()
	go client.readPump()
}

func (c *Client) displayName() string {
	if c.user == "" {
		return "anonymous"
	}
	return c.user
}

func (c *Client) announce(activityType string) {
	verb := "joined"
	if activityType == protocol.ActivityLeft {
		verb = "left"
	}
	data, err := protocol.Encode(protocol.UserActivity{
		Message:      fmt.Sprintf("%s %s the writing session", c.user, verb),
		User:         c.user,
		ActivityType: activityType,
	})
	if err != nil {
		c.log.WithError(err).Error("Failed to encode activity event")
		return
	}
	c.hub.broadcast <- &Message{StoryID: c.storyID, Data: data, Sender: c}
}

// close runs the terminal-state teardown exactly once: unregister from the
// room, announce the departure, flip the durable session record. Safe to call
// from any disconnect path.
func (c *Client) close() {
	c.teardown.Do(func() {
		c.hub.unregister <- c
		if c.user != "" {
			c.announce(protocol.ActivityLeft)
			c.hub.sessions.SetActive(c.storyID, c.user, false)
		}
	})
}

// reply queues a frame to this client only. Best effort: a full buffer means
// the connection is on its way out anyway.
func (c *Client) reply(data []byte) {
	select {
	case c.send <- data:
	default:
	}
}

func (c *Client) readPump() {
	defer func() {
		c.close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	rateLimitWarnings := 0

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.WithError(err).Warn("WebSocket error")
			}
			break
		}

		if !c.limiter.Allow() {
			rateLimitWarnings++
			if rateLimitWarnings%100 == 1 {
				c.log.WithField("warnings", rateLimitWarnings).Warn("Rate limit exceeded")
			}
			if rateLimitWarnings > 1000 {
				c.log.Warn("Disconnecting client for excessive rate limit violations")
				return
			}
			continue
		}

		event, err := protocol.Classify(raw)
		if err != nil {
			// Protocol faults are reported to the sender only, never
			// broadcast; the connection stays open.
			c.reply(protocol.ErrorFrame(err.Error()))
			continue
		}

		data, err := protocol.Encode(event)
		if err != nil {
			c.reply(protocol.ErrorFrame(err.Error()))
			continue
		}

		c.hub.broadcast <- &Message{
			StoryID: c.storyID,
			Data:    data,
			Sender:  c,
			Content: protocol.IsContent(event),
		}
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
