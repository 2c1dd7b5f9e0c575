package protocol

import (
	"encoding/json"
	"fmt"
)

// Kind tags a broadcastable room event. Inbound and outbound tags differ for
// typing messages (clients send "user_typing", the server fans out "typing"),
// everything else maps one-to-one.
type Kind string

const (
	KindNewNode      Kind = "new_node"
	KindTyping       Kind = "typing"
	KindCursor       Kind = "cursor_position"
	KindAISuggestion Kind = "ai_suggestion"
	KindComment      Kind = "comment"
	KindUserActivity Kind = "user_activity"
)

// Inbound type discriminators accepted from clients.
const (
	inboundNewNode    = "new_node"
	inboundUserTyping = "user_typing"
	inboundCursor     = "cursor_position"
	inboundSuggestion = "ai_suggestion"
	inboundComment    = "comment"
)

// DefaultSuggestionAuthor is used when an ai_suggestion message carries no author.
const DefaultSuggestionAuthor = "AI Assistant"

// Activity types carried by user_activity events.
const (
	ActivityJoined = "joined"
	ActivityLeft   = "left"
)

// Event is one classified room event, ready for broadcast.
type Event interface {
	Kind() Kind
}

// NewNode announces a story node another participant just wrote.
type NewNode struct {
	NodeContent string
	Author      string
	NodeID      json.RawMessage
	CreatedAt   json.RawMessage
	WordCount   int
}

func (NewNode) Kind() Kind { return KindNewNode }

// Typing is a transient typing indicator.
type Typing struct {
	User     string
	IsTyping bool
}

func (Typing) Kind() Kind { return KindTyping }

// Cursor carries an opaque cursor descriptor plus an optional selection.
type Cursor struct {
	User      string
	Position  json.RawMessage
	Selection json.RawMessage
}

func (Cursor) Kind() Kind { return KindCursor }

// AISuggestion relays a generated writing suggestion to the room.
type AISuggestion struct {
	Suggestion string
	PromptType string
	Author     string
}

func (AISuggestion) Kind() Kind { return KindAISuggestion }

// Comment announces a new story comment.
type Comment struct {
	Comment   string
	Author    string
	CommentID json.RawMessage
}

func (Comment) Kind() Kind { return KindComment }

// UserActivity is server-originated: someone joined or left the room.
type UserActivity struct {
	Message      string
	User         string
	ActivityType string
}

func (UserActivity) Kind() Kind { return KindUserActivity }

// ProtocolError describes a malformed or unclassifiable inbound message. It is
// reported to the offending sender only, never broadcast.
type ProtocolError struct {
	Message string
}

func (e *ProtocolError) Error() string { return e.Message }

// ErrInvalidJSON matches the wire contract for unparsable payloads.
var ErrInvalidJSON = &ProtocolError{Message: "Invalid JSON data"}

func missingField(msgType, field string) *ProtocolError {
	return &ProtocolError{Message: fmt.Sprintf("%s: missing field %q", msgType, field)}
}

// Classify parses a raw inbound message and maps it to its broadcast event.
// Field mapping is non-lossy: every inbound field survives on the event.
func Classify(raw []byte) (Event, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, ErrInvalidJSON
	}

	switch probe.Type {
	case inboundNewNode:
		var in struct {
			Content   *string         `json:"content"`
			Author    *string         `json:"author"`
			NodeID    json.RawMessage `json:"node_id"`
			CreatedAt json.RawMessage `json:"created_at"`
			WordCount int             `json:"word_count"`
		}
		if err := json.Unmarshal(raw, &in); err != nil {
			return nil, ErrInvalidJSON
		}
		if in.Content == nil {
			return nil, missingField(inboundNewNode, "content")
		}
		if in.Author == nil {
			return nil, missingField(inboundNewNode, "author")
		}
		if len(in.NodeID) == 0 {
			return nil, missingField(inboundNewNode, "node_id")
		}
		return NewNode{
			NodeContent: *in.Content,
			Author:      *in.Author,
			NodeID:      in.NodeID,
			CreatedAt:   in.CreatedAt,
			WordCount:   in.WordCount,
		}, nil

	case inboundUserTyping:
		var in struct {
			User     *string `json:"user"`
			IsTyping *bool   `json:"is_typing"`
		}
		if err := json.Unmarshal(raw, &in); err != nil {
			return nil, ErrInvalidJSON
		}
		if in.User == nil {
			return nil, missingField(inboundUserTyping, "user")
		}
		if in.IsTyping == nil {
			return nil, missingField(inboundUserTyping, "is_typing")
		}
		return Typing{User: *in.User, IsTyping: *in.IsTyping}, nil

	case inboundCursor:
		var in struct {
			User      *string         `json:"user"`
			Position  json.RawMessage `json:"position"`
			Selection json.RawMessage `json:"selection"`
		}
		if err := json.Unmarshal(raw, &in); err != nil {
			return nil, ErrInvalidJSON
		}
		if in.User == nil {
			return nil, missingField(inboundCursor, "user")
		}
		if len(in.Position) == 0 {
			return nil, missingField(inboundCursor, "position")
		}
		return Cursor{User: *in.User, Position: in.Position, Selection: in.Selection}, nil

	case inboundSuggestion:
		var in struct {
			Suggestion *string `json:"suggestion"`
			PromptType *string `json:"prompt_type"`
			Author     string  `json:"author"`
		}
		if err := json.Unmarshal(raw, &in); err != nil {
			return nil, ErrInvalidJSON
		}
		if in.Suggestion == nil {
			return nil, missingField(inboundSuggestion, "suggestion")
		}
		if in.PromptType == nil {
			return nil, missingField(inboundSuggestion, "prompt_type")
		}
		author := in.Author
		if author == "" {
			author = DefaultSuggestionAuthor
		}
		return AISuggestion{Suggestion: *in.Suggestion, PromptType: *in.PromptType, Author: author}, nil

	case inboundComment:
		var in struct {
			Comment   *string         `json:"comment"`
			Author    *string         `json:"author"`
			CommentID json.RawMessage `json:"comment_id"`
		}
		if err := json.Unmarshal(raw, &in); err != nil {
			return nil, ErrInvalidJSON
		}
		if in.Comment == nil {
			return nil, missingField(inboundComment, "comment")
		}
		if in.Author == nil {
			return nil, missingField(inboundComment, "author")
		}
		if len(in.CommentID) == 0 {
			return nil, missingField(inboundComment, "comment_id")
		}
		return Comment{Comment: *in.Comment, Author: *in.Author, CommentID: in.CommentID}, nil

	default:
		if probe.Type == "" {
			return nil, &ProtocolError{Message: "missing message type"}
		}
		return nil, &ProtocolError{Message: fmt.Sprintf("unknown message type %q", probe.Type)}
	}
}

// Encode serializes an event into its outbound wire form. The switch is
// exhaustive over every Kind; adding a kind means extending both Classify (or
// the server-side constructor) and this encoder.
func Encode(ev Event) ([]byte, error) {
	switch e := ev.(type) {
	case NewNode:
		return json.Marshal(struct {
			Type        Kind            `json:"type"`
			NodeContent string          `json:"node_content"`
			Author      string          `json:"author"`
			NodeID      json.RawMessage `json:"node_id"`
			CreatedAt   json.RawMessage `json:"created_at"`
			WordCount   int             `json:"word_count"`
		}{KindNewNode, e.NodeContent, e.Author, e.NodeID, e.CreatedAt, e.WordCount})
	case Typing:
		return json.Marshal(struct {
			Type     Kind   `json:"type"`
			User     string `json:"user"`
			IsTyping bool   `json:"is_typing"`
		}{KindTyping, e.User, e.IsTyping})
	case Cursor:
		return json.Marshal(struct {
			Type      Kind            `json:"type"`
			User      string          `json:"user"`
			Position  json.RawMessage `json:"position"`
			Selection json.RawMessage `json:"selection"`
		}{KindCursor, e.User, e.Position, e.Selection})
	case AISuggestion:
		return json.Marshal(struct {
			Type       Kind   `json:"type"`
			Suggestion string `json:"suggestion"`
			PromptType string `json:"prompt_type"`
			Author     string `json:"author"`
		}{KindAISuggestion, e.Suggestion, e.PromptType, e.Author})
	case Comment:
		return json.Marshal(struct {
			Type      Kind            `json:"type"`
			Comment   string          `json:"comment"`
			Author    string          `json:"author"`
			CommentID json.RawMessage `json:"comment_id"`
		}{KindComment, e.Comment, e.Author, e.CommentID})
	case UserActivity:
		return json.Marshal(struct {
			Type         Kind   `json:"type"`
			Message      string `json:"message"`
			User         string `json:"user"`
			ActivityType string `json:"activity_type"`
		}{KindUserActivity, e.Message, e.User, e.ActivityType})
	default:
		return nil, fmt.Errorf("no encoder for event kind %q", ev.Kind())
	}
}

// ErrorFrame builds the sender-only error message for a processing fault.
func ErrorFrame(message string) []byte {
	data, _ := json.Marshal(struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}{"error", message})
	return data
}

// IsContent reports whether an event is a content event (eligible for echo
// suppression) as opposed to presence or activity signalling.
func IsContent(ev Event) bool {
	switch ev.(type) {
	case NewNode, AISuggestion, Comment:
		return true
	default:
		return false
	}
}

// Kinds lists every event kind the room fan-out can carry.
func Kinds() []Kind {
	return []Kind{KindNewNode, KindTyping, KindCursor, KindAISuggestion, KindComment, KindUserActivity}
}
