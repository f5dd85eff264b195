package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestDecodeEnvelope(t *testing.T) {
	t.Run("valid frame", func(t *testing.T) {
		env, err := DecodeEnvelope([]byte(`{"event":"dm:send","data":{"friendId":7,"content":"hi"}}`))
		require.NoError(t, err)
		assert.Equal(t, EventDMSend, env.Event)
		assert.NotEmpty(t, env.Data)
	})

	t.Run("not json", func(t *testing.T) {
		_, err := DecodeEnvelope([]byte("not json"))
		require.ErrorIs(t, err, ErrMalformedPayload)
	})

	t.Run("missing event name", func(t *testing.T) {
		_, err := DecodeEnvelope([]byte(`{"data":{}}`))
		require.ErrorIs(t, err, ErrMalformedPayload)
	})
}

func TestDecodePayload(t *testing.T) {
	t.Run("typed payload", func(t *testing.T) {
		env, err := DecodeEnvelope([]byte(`{"event":"message:send","data":{"serverId":1,"channelId":2,"content":"hello"}}`))
		require.NoError(t, err)

		payload, err := DecodePayload(env)
		require.NoError(t, err)

		send, ok := payload.(*MessageSend)
		require.True(t, ok)
		assert.Equal(t, int64(1), send.ServerID)
		assert.Equal(t, int64(2), send.ChannelID)
		assert.Equal(t, "hello", send.Content)
	})

	t.Run("unknown event", func(t *testing.T) {
		_, err := DecodePayload(&Envelope{Event: "message:yeet"})
		require.ErrorIs(t, err, ErrUnknownEvent)
	})

	t.Run("server-only event from client", func(t *testing.T) {
		_, err := DecodePayload(&Envelope{Event: EventMessageNew})
		require.ErrorIs(t, err, ErrUnknownEvent)
	})

	t.Run("wrong payload shape", func(t *testing.T) {
		env := &Envelope{Event: EventDMSend, Data: json.RawMessage(`{"friendId":"seven"}`)}
		_, err := DecodePayload(env)
		require.ErrorIs(t, err, ErrMalformedPayload)
	})

	t.Run("empty data decodes to zero value", func(t *testing.T) {
		payload, err := DecodePayload(&Envelope{Event: EventDMClear})
		require.NoError(t, err)
		clear, ok := payload.(*DMClear)
		require.True(t, ok)
		assert.Zero(t, clear.FriendID)
	})
}

func TestEncode(t *testing.T) {
	frame, err := Encode(EventUserStatus, UserStatus{UserID: 42, Status: StatusAway})
	require.NoError(t, err)

	env, err := DecodeEnvelope(frame)
	require.NoError(t, err)
	assert.Equal(t, EventUserStatus, env.Event)

	var got UserStatus
	require.NoError(t, json.Unmarshal(env.Data, &got))
	assert.Equal(t, int64(42), got.UserID)
	assert.Equal(t, StatusAway, got.Status)
}

func TestEncodeNilPayload(t *testing.T) {
	frame, err := Encode(EventDMTypingStop, nil)
	require.NoError(t, err)

	env, err := DecodeEnvelope(frame)
	require.NoError(t, err)
	assert.Empty(t, env.Data)
}

func TestCallEventsAreInbound(t *testing.T) {
	for _, name := range []string{
		EventCallOffer, EventCallAnswer, EventCallICE, EventCallHangup,
		EventCallReject, EventCallBusy, EventCallRenegotiate, EventCallRenegAnswer,
	} {
		assert.True(t, IsCallEvent(name), name)

		env := &Envelope{Event: name, Data: json.RawMessage(`{"targetUserId":9,"sdp":"x"}`)}
		payload, err := DecodePayload(env)
		require.NoError(t, err, name)
		sig, ok := payload.(*CallSignal)
		require.True(t, ok, name)
		assert.Equal(t, int64(9), sig.TargetUserID, name)
	}
	assert.False(t, IsCallEvent(EventDMSend))
	assert.False(t, IsCallEvent(EventUserStatus))
}

func TestEnvelopeRoundTripRapid(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		send := MessageSend{
			ServerID:  rapid.Int64Range(1, 1<<40).Draw(t, "serverID"),
			ChannelID: rapid.Int64Range(1, 1<<40).Draw(t, "channelID"),
			Content:   rapid.String().Draw(t, "content"),
		}

		frame, err := Encode(EventMessageSend, send)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}

		env, err := DecodeEnvelope(frame)
		if err != nil {
			t.Fatalf("decode envelope: %v", err)
		}
		payload, err := DecodePayload(env)
		if err != nil {
			t.Fatalf("decode payload: %v", err)
		}

		got := payload.(*MessageSend)
		if *got != send {
			t.Fatalf("round trip mismatch: sent %+v got %+v", send, *got)
		}
	})
}

func TestErrorsAreDistinguishable(t *testing.T) {
	_, unknownErr := DecodePayload(&Envelope{Event: "nope"})
	_, malformedErr := DecodeEnvelope([]byte("{"))

	assert.True(t, errors.Is(unknownErr, ErrUnknownEvent))
	assert.False(t, errors.Is(unknownErr, ErrMalformedPayload))
	assert.True(t, errors.Is(malformedErr, ErrMalformedPayload))
	assert.False(t, errors.Is(malformedErr, ErrUnknownEvent))
}
