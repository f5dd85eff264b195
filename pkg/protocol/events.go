package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Envelope is the wire frame for every event in both directions.
// Data holds the event-specific payload and may be empty for events
// that carry none.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Event names (Client → Server)
const (
	EventChannelJoin   = "channel:join"
	EventChannelLeave  = "channel:leave"
	EventMessageSend   = "message:send"
	EventMessageEdit   = "message:edit"
	EventMessageDelete = "message:delete"
	EventDMJoin        = "dm:join"
	EventDMLeave       = "dm:leave"
	EventDMSend        = "dm:send"
	EventDMEdit        = "dm:edit"
	EventDMDelete      = "dm:delete"
	EventDMReact       = "dm:react"
	EventDMClear       = "dm:clear"
	EventDMTypingStart = "dm:typing:start"
	EventDMTypingStop  = "dm:typing:stop"
	EventStatusChange  = "status:change"
	EventFriendRequest = "friend:request"

	// Call signaling; payloads are opaque apart from targetUserId
	EventCallOffer       = "call:offer"
	EventCallAnswer      = "call:answer"
	EventCallICE         = "call:ice-candidate"
	EventCallHangup      = "call:hangup"
	EventCallReject      = "call:reject"
	EventCallBusy        = "call:busy"
	EventCallRenegotiate = "call:renegotiate"
	EventCallRenegAnswer = "call:renegotiate-answer"
)

// Event names (Server → Client)
const (
	EventMessageNew      = "message:new"
	EventMessageEdited   = "message:edited"
	EventMessageDeleted  = "message:deleted"
	EventDMNew           = "dm:new"
	EventDMEdited        = "dm:edited"
	EventDMDeleted       = "dm:deleted"
	EventReactionsUpdate = "dm:reactions:update"
	EventDMCleared       = "dm:cleared"
	EventUserStatus      = "user:status"
	EventFriendAccepted  = "friend:accepted"
	EventFriendRemoved   = "friend:removed"
	EventProfileUpdated  = "user:profile:updated"
	EventUserUpdated     = "user:updated"
	EventError           = "error"
)

// Presence status values carried in user:status and status:change
const (
	StatusOnline  = "online"
	StatusAway    = "away"
	StatusOffline = "offline"
)

// Error codes carried in the error event
const (
	ErrCodeMalformedPayload = 1000
	ErrCodeUnknownEvent     = 1001
	ErrCodeAuthFailed       = 2000
	ErrCodePermissionDenied = 3000
	ErrCodeNotFound         = 4000
	ErrCodeDuplicate        = 5000
	ErrCodeInternal         = 9000
	ErrCodeStorage          = 9001
)

var (
	ErrUnknownEvent     = errors.New("unknown event")
	ErrMalformedPayload = errors.New("malformed payload")
)

// Client → Server payloads

type ChannelJoin struct {
	ChannelID int64 `json:"channelId"`
}

type ChannelLeave struct {
	ChannelID int64 `json:"channelId"`
}

type MessageSend struct {
	ServerID  int64  `json:"serverId"`
	ChannelID int64  `json:"channelId"`
	Content   string `json:"content"`
}

type MessageEdit struct {
	MessageID int64  `json:"messageId"`
	ChannelID int64  `json:"channelId"`
	Content   string `json:"content"`
}

type MessageDelete struct {
	MessageID int64 `json:"messageId"`
	ChannelID int64 `json:"channelId"`
}

type DMJoin struct {
	FriendID int64 `json:"friendId"`
}

type DMLeave struct {
	FriendID int64 `json:"friendId"`
}

type DMSend struct {
	FriendID int64  `json:"friendId"`
	Content  string `json:"content"`
}

type DMEdit struct {
	MessageID int64  `json:"messageId"`
	FriendID  int64  `json:"friendId"`
	Content   string `json:"content"`
}

type DMDelete struct {
	MessageID int64 `json:"messageId"`
	FriendID  int64 `json:"friendId"`
}

type DMReact struct {
	MessageID int64  `json:"messageId"`
	FriendID  int64  `json:"friendId"`
	Emoji     string `json:"emoji"`
}

type DMClear struct {
	FriendID int64 `json:"friendId"`
}

type DMTyping struct {
	FriendID int64 `json:"friendId"`
}

type StatusChange struct {
	Status string `json:"status"`
}

type FriendRequestSend struct {
	ToUserID int64 `json:"toUserId"`
}

// CallSignal is the typed slice of a call:* payload; the rest of the
// payload is forwarded opaquely.
type CallSignal struct {
	TargetUserID int64 `json:"targetUserId"`
}

// Server → Client payloads

// Message is the wire form of a channel message.
type Message struct {
	ID             int64  `json:"id"`
	ServerID       int64  `json:"serverId"`
	ChannelID      int64  `json:"channelId"`
	AuthorID       int64  `json:"authorId"`
	AuthorUsername string `json:"authorUsername"`
	Content        string `json:"content"`
	CreatedAt      int64  `json:"createdAt"`
	EditedAt       *int64 `json:"editedAt,omitempty"`
}

// DirectMessage is the wire form of a direct message.
type DirectMessage struct {
	ID             int64  `json:"id"`
	SenderID       int64  `json:"senderId"`
	RecipientID    int64  `json:"recipientId"`
	SenderUsername string `json:"senderUsername"`
	Content        string `json:"content"`
	CreatedAt      int64  `json:"createdAt"`
	EditedAt       *int64 `json:"editedAt,omitempty"`
}

type MessageDeleted struct {
	MessageID int64 `json:"messageId"`
	ChannelID int64 `json:"channelId"`
}

type DMDeleted struct {
	MessageID   int64 `json:"messageId"`
	SenderID    int64 `json:"senderId"`
	RecipientID int64 `json:"recipientId"`
}

type ReactionsUpdate struct {
	MessageID int64              `json:"messageId"`
	Reactions map[string][]int64 `json:"reactions"`
}

type DMCleared struct {
	ByUserID   int64 `json:"byUserId"`
	WithUserID int64 `json:"withUserId"`
}

type TypingIndicator struct {
	FromUserID int64 `json:"fromUserId"`
}

type UserStatus struct {
	UserID int64  `json:"userId"`
	Status string `json:"status"`
}

type FriendRequest struct {
	ID         int64 `json:"id"`
	FromUserID int64 `json:"fromUserId"`
	ToUserID   int64 `json:"toUserId"`
	CreatedAt  int64 `json:"createdAt"`
}

type ErrorPayload struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Event   string `json:"event,omitempty"`
}

// inboundPayloads is the closed set of events a client may send. Every
// entry allocates a fresh payload value for DecodePayload to fill.
var inboundPayloads = map[string]func() any{
	EventChannelJoin:   func() any { return &ChannelJoin{} },
	EventChannelLeave:  func() any { return &ChannelLeave{} },
	EventMessageSend:   func() any { return &MessageSend{} },
	EventMessageEdit:   func() any { return &MessageEdit{} },
	EventMessageDelete: func() any { return &MessageDelete{} },
	EventDMJoin:        func() any { return &DMJoin{} },
	EventDMLeave:       func() any { return &DMLeave{} },
	EventDMSend:        func() any { return &DMSend{} },
	EventDMEdit:        func() any { return &DMEdit{} },
	EventDMDelete:      func() any { return &DMDelete{} },
	EventDMReact:       func() any { return &DMReact{} },
	EventDMClear:       func() any { return &DMClear{} },
	EventDMTypingStart: func() any { return &DMTyping{} },
	EventDMTypingStop:  func() any { return &DMTyping{} },
	EventStatusChange:  func() any { return &StatusChange{} },
	EventFriendRequest: func() any { return &FriendRequestSend{} },

	EventCallOffer:       func() any { return &CallSignal{} },
	EventCallAnswer:      func() any { return &CallSignal{} },
	EventCallICE:         func() any { return &CallSignal{} },
	EventCallHangup:      func() any { return &CallSignal{} },
	EventCallReject:      func() any { return &CallSignal{} },
	EventCallBusy:        func() any { return &CallSignal{} },
	EventCallRenegotiate: func() any { return &CallSignal{} },
	EventCallRenegAnswer: func() any { return &CallSignal{} },
}

// IsCallEvent reports whether name is one of the relayed call:* events.
func IsCallEvent(name string) bool {
	switch name {
	case EventCallOffer, EventCallAnswer, EventCallICE, EventCallHangup,
		EventCallReject, EventCallBusy, EventCallRenegotiate, EventCallRenegAnswer:
		return true
	}
	return false
}

// Encode marshals an event and its payload into a wire frame.
func Encode(event string, payload any) ([]byte, error) {
	env := Envelope{Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", event, err)
		}
		env.Data = data
	}
	return json.Marshal(env)
}

// DecodeEnvelope parses a raw frame into an envelope without touching
// the payload.
func DecodeEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if env.Event == "" {
		return nil, fmt.Errorf("%w: missing event name", ErrMalformedPayload)
	}
	return &env, nil
}

// DecodePayload returns the typed payload for an inbound envelope.
// Unknown event names and undecodable payloads are rejected; both are
// validation failures, the connection is not torn down.
func DecodePayload(env *Envelope) (any, error) {
	alloc, ok := inboundPayloads[env.Event]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, env.Event)
	}
	payload := alloc()
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, payload); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedPayload, env.Event, err)
		}
	}
	return payload, nil
}
