// Package relay bridges call-signaling payloads between isolated server
// processes over a shared broadcast channel. Every process publishes to
// and subscribes from the same topic; an envelope reaches the target
// user's process through the per-user handler registry, and is dropped
// when the target is not connected anywhere.
package relay

import (
	"context"
	"encoding/json"
	"errors"
)

// ChannelEvent is a connection-state callback value from a Channel.
type ChannelEvent int

const (
	ChannelSubscribed ChannelEvent = iota
	ChannelClosed
	ChannelErrored
	ChannelTimedOut
)

func (e ChannelEvent) String() string {
	switch e {
	case ChannelSubscribed:
		return "subscribed"
	case ChannelClosed:
		return "closed"
	case ChannelErrored:
		return "errored"
	case ChannelTimedOut:
		return "timed out"
	default:
		return "unknown"
	}
}

// Subscription is a live subscribe handle.
type Subscription interface {
	Close() error
}

// Channel is the shared pub/sub transport. Subscribe delivers every
// payload published to the topic by any process, including this one, and
// reports connection-state transitions through onState.
type Channel interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string, onMessage func(payload []byte), onState func(ChannelEvent)) (Subscription, error)
}

// ErrPublishFailed reports that a publish was abandoned after the
// recreate-and-retry cycle.
var ErrPublishFailed = errors.New("relay: publish failed after retry")

// SignalEnvelope is the wire form of a relayed signal. Data is opaque to
// the relay; only TargetUserID is consulted for routing.
type SignalEnvelope struct {
	TargetUserID int64           `json:"targetUserId"`
	FromUserID   int64           `json:"fromUserId"`
	Type         string          `json:"type"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// Handler delivers a relayed signal to a locally connected user.
type Handler func(signalType string, fromUserID int64, data json.RawMessage)
