package ws

import (
	"github.com/sirupsen/logrus"
)

// StoryStore validates story existence before a room is ever created.
type StoryStore interface {
	StoryExists(id string) (bool, error)
}

// SessionSyncer keeps the durable writing session record in step with
// transient connection presence.
type SessionSyncer interface {
	SetActive(storyID, userName string, active bool)
}

// Options tune per-room fan-out behavior.
type Options struct {
	// SuppressEcho skips the sender when delivering content events (new_node,
	// ai_suggestion, comment). Presence and activity events always reach the
	// whole room. Off by default to match the original protocol.
	SuppressEcho bool

	SendBuffer        int
	MessagesPerSecond float64
	MessageBurst      int
}

func DefaultOptions() Options {
	return Options{
		SendBuffer:        256,
		MessagesPerSecond: 50,
		MessageBurst:      100,
	}
}

// Message is one encoded event headed for a story room.
type Message struct {
	StoryID string
	Data    []byte
	Sender  *Client
	// Content marks events eligible for echo suppression.
	Content bool
}

// Hub routes clients into story rooms and broadcasts messages to room members.
type Hub struct {
	registry *registry

	// Inbound messages from clients
	broadcast chan *Message

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	stories  StoryStore
	sessions SessionSyncer
	opts     Options
	log      *logrus.Entry
}

func NewHub(stories StoryStore, sessions SessionSyncer, opts Options) *Hub {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = DefaultOptions().SendBuffer
	}
	if opts.MessagesPerSecond <= 0 {
		opts.MessagesPerSecond = DefaultOptions().MessagesPerSecond
	}
	if opts.MessageBurst <= 0 {
		opts.MessageBurst = DefaultOptions().MessageBurst
	}
	return &Hub{
		registry:   newRegistry(),
		broadcast:  make(chan *Message),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		stories:    stories,
		sessions:   sessions,
		opts:       opts,
		log:        logrus.WithField("component", "hub"),
	}
}

// Run is the hub's event loop. Register, unregister and broadcast requests
// from one client arrive in the order they were sent, which keeps membership
// linearizable: a broadcast queued after a leave never sees the departed
// client.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			size := h.registry.add(client)
			h.log.WithFields(logrus.Fields{
				"story_id": client.storyID,
				"user":     client.displayName(),
				"total":    size,
			}).Info("Client joined room")

		case client := <-h.unregister:
			remaining, wasMember := h.registry.remove(client)
			if !wasMember {
				continue
			}
			close(client.send)
			if remaining == 0 {
				h.log.WithField("story_id", client.storyID).Info("Room closed (empty)")
			} else {
				h.log.WithFields(logrus.Fields{
					"story_id":  client.storyID,
					"user":      client.displayName(),
					"remaining": remaining,
				}).Info("Client left room")
			}

		case message := <-h.broadcast:
			h.deliver(message)
		}
	}
}

// deliver fans a message out to every room member registered at call time.
// Sending is non-blocking per recipient: one stuck client never stalls the
// rest, it just misses the message until its ping timeout reaps it.
func (h *Hub) deliver(message *Message) {
	for _, client := range h.registry.members(message.StoryID) {
		if h.opts.SuppressEcho && message.Content && client == message.Sender {
			continue
		}
		select {
		case client.send <- message.Data:
		default:
			h.log.WithFields(logrus.Fields{
				"story_id": message.StoryID,
				"user":     client.displayName(),
			}).Warn("Client send buffer full, dropping message")
		}
	}
}

// RoomCount returns the number of rooms with at least one participant.
func (h *Hub) RoomCount() int {
	return h.registry.roomCount()
}

// ClientCount returns the number of connected participants across all rooms.
func (h *Hub) ClientCount() int {
	return h.registry.clientCount()
}

// ActiveRooms maps story IDs to their participant counts.
func (h *Hub) ActiveRooms() map[string]int {
	return h.registry.activeRooms()
}
