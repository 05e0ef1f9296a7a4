package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/suPer8Hu/consult-platform/internal/models"
)

// Event names on the wire.
const (
	NewChatSessionCreated = "NewChatSessionCreated"
	ChatSessionAccepted   = "ChatSessionAccepted"
	MessageSent           = "MessageSent"
	ChatSessionClosed     = "ChatSessionClosed"
)

const (
	advisorPrefix  = "consultant."
	sessionPrefix  = "chat-session."
	AdminChannel   = "admin.chat-sessions"
	channelNameMax = 128
)

func AdvisorChannel(advisorID uint64) string {
	return advisorPrefix + strconv.FormatUint(advisorID, 10)
}

func SessionChannel(sessionID uint64) string {
	return sessionPrefix + strconv.FormatUint(sessionID, 10)
}

type ChannelKind int

const (
	KindUnknown ChannelKind = iota
	KindAdvisor
	KindSession
	KindAdmin
)

// ParseChannel splits a channel name into its kind and numeric id.
func ParseChannel(name string) (ChannelKind, uint64, error) {
	if len(name) > channelNameMax {
		return KindUnknown, 0, fmt.Errorf("channel name too long")
	}
	if name == AdminChannel {
		return KindAdmin, 0, nil
	}
	var (
		kind ChannelKind
		rest string
	)
	switch {
	case strings.HasPrefix(name, advisorPrefix):
		kind, rest = KindAdvisor, strings.TrimPrefix(name, advisorPrefix)
	case strings.HasPrefix(name, sessionPrefix):
		kind, rest = KindSession, strings.TrimPrefix(name, sessionPrefix)
	default:
		return KindUnknown, 0, fmt.Errorf("unknown channel %q", name)
	}
	id, err := strconv.ParseUint(rest, 10, 64)
	if err != nil || id == 0 {
		return KindUnknown, 0, fmt.Errorf("bad channel id in %q", name)
	}
	return kind, id, nil
}

// Event is one server-pushed notification on a channel.
type Event struct {
	Name    string          `json:"event"`
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type SessionPayload struct {
	ChatSession models.ChatSession `json:"chatSession"`
}

type MessagePayload struct {
	Message models.Message `json:"message"`
}

func NewSessionEvent(name, channel string, s models.ChatSession) (Event, error) {
	b, err := json.Marshal(SessionPayload{ChatSession: s})
	if err != nil {
		return Event{}, err
	}
	return Event{Name: name, Channel: channel, Data: b}, nil
}

func NewMessageEvent(channel string, m models.Message) (Event, error) {
	b, err := json.Marshal(MessagePayload{Message: m})
	if err != nil {
		return Event{}, err
	}
	return Event{Name: MessageSent, Channel: channel, Data: b}, nil
}

func (e Event) Session() (models.ChatSession, error) {
	var p SessionPayload
	if err := json.Unmarshal(e.Data, &p); err != nil {
		return models.ChatSession{}, fmt.Errorf("decode %s: %w", e.Name, err)
	}
	if p.ChatSession.ID == 0 {
		return models.ChatSession{}, fmt.Errorf("decode %s: missing chatSession", e.Name)
	}
	return p.ChatSession, nil
}

func (e Event) Message() (models.Message, error) {
	var p MessagePayload
	if err := json.Unmarshal(e.Data, &p); err != nil {
		return models.Message{}, fmt.Errorf("decode %s: %w", e.Name, err)
	}
	if p.Message.ID == 0 {
		return models.Message{}, fmt.Errorf("decode %s: missing message", e.Name)
	}
	return p.Message, nil
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Subscription delivers events for one channel until closed. Close never
// waits for the consumer of Events, so it may be called from the goroutine
// draining it.
type Subscription interface {
	Channel() string
	Events() <-chan Event
	Close() error
}

type Subscriber interface {
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}

// Broker is both ends of the channel fabric.
type Broker interface {
	Publisher
	Subscriber
}
