package server

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/pulsechat/pulse/pkg/database"
	"github.com/pulsechat/pulse/pkg/protocol"
)

func TestChannelJoinChecks(t *testing.T) {
	ctx := context.Background()
	store := database.NewMemStore()
	alice := seedUser(t, store, "alice")
	mallory := seedUser(t, store, "mallory")
	gamers, err := store.CreateServer(ctx, "gamers", alice.ID)
	require.NoError(t, err)
	lobby, err := store.CreateChannel(ctx, gamers.ID, "lobby")
	require.NoError(t, err)

	s := newBareServer(t, store)
	aliceSess := newTestSession("a1", alice.ID)
	mallorySess := newTestSession("m1", mallory.ID)

	requireErrorCode(t, dispatch(t, s, aliceSess, protocol.EventChannelJoin, protocol.ChannelJoin{}), protocol.ErrCodeMalformedPayload)
	requireErrorCode(t, dispatch(t, s, aliceSess, protocol.EventChannelJoin, protocol.ChannelJoin{ChannelID: 424242}), protocol.ErrCodeNotFound)
	requireErrorCode(t, dispatch(t, s, mallorySess, protocol.EventChannelJoin, protocol.ChannelJoin{ChannelID: lobby.ID}), protocol.ErrCodePermissionDenied)
	assert.Zero(t, s.rooms.MemberCount(ChannelRoom(lobby.ID)))

	require.NoError(t, dispatch(t, s, aliceSess, protocol.EventChannelJoin, protocol.ChannelJoin{ChannelID: lobby.ID}))
	assert.Equal(t, 1, s.rooms.MemberCount(ChannelRoom(lobby.ID)))

	requireErrorCode(t, dispatch(t, s, aliceSess, protocol.EventChannelLeave, protocol.ChannelLeave{}), protocol.ErrCodeMalformedPayload)
	require.NoError(t, dispatch(t, s, aliceSess, protocol.EventChannelLeave, protocol.ChannelLeave{ChannelID: lobby.ID}))
	assert.Zero(t, s.rooms.MemberCount(ChannelRoom(lobby.ID)))
}

func TestMessageSendRejections(t *testing.T) {
	ctx := context.Background()
	store := database.NewMemStore()
	alice := seedUser(t, store, "alice")
	mallory := seedUser(t, store, "mallory")
	gamers, err := store.CreateServer(ctx, "gamers", alice.ID)
	require.NoError(t, err)
	lobby, err := store.CreateChannel(ctx, gamers.ID, "lobby")
	require.NoError(t, err)
	other, err := store.CreateServer(ctx, "other", mallory.ID)
	require.NoError(t, err)
	offtopic, err := store.CreateChannel(ctx, other.ID, "offtopic")
	require.NoError(t, err)

	s := newBareServer(t, store)
	s.config.MaxMessageLength = 32
	aliceSess := newTestSession("a1", alice.ID)
	mallorySess := newTestSession("m1", mallory.ID)

	cases := []struct {
		name string
		sess *Session
		send protocol.MessageSend
		code int
	}{
		{"missing ids", aliceSess, protocol.MessageSend{Content: "x"}, protocol.ErrCodeMalformedPayload},
		{"empty content", aliceSess, protocol.MessageSend{ServerID: gamers.ID, ChannelID: lobby.ID}, protocol.ErrCodeMalformedPayload},
		{"blank content", aliceSess, protocol.MessageSend{ServerID: gamers.ID, ChannelID: lobby.ID, Content: "   "}, protocol.ErrCodeMalformedPayload},
		{"oversized content", aliceSess, protocol.MessageSend{ServerID: gamers.ID, ChannelID: lobby.ID, Content: strings.Repeat("a", 33)}, protocol.ErrCodeMalformedPayload},
		{"unknown channel", aliceSess, protocol.MessageSend{ServerID: gamers.ID, ChannelID: 99999, Content: "x"}, protocol.ErrCodeNotFound},
		{"channel in another server", aliceSess, protocol.MessageSend{ServerID: gamers.ID, ChannelID: offtopic.ID, Content: "x"}, protocol.ErrCodeMalformedPayload},
		{"not a member", mallorySess, protocol.MessageSend{ServerID: gamers.ID, ChannelID: lobby.ID, Content: "x"}, protocol.ErrCodePermissionDenied},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			requireErrorCode(t, dispatch(t, s, tc.sess, protocol.EventMessageSend, tc.send), tc.code)
		})
	}
}

func TestChannelMessageLifecycle(t *testing.T) {
	ctx := context.Background()
	store := database.NewMemStore()
	alice := seedUser(t, store, "alice")
	carol := seedUser(t, store, "carol")
	gamers, err := store.CreateServer(ctx, "gamers", alice.ID)
	require.NoError(t, err)
	require.NoError(t, store.AddServerMember(ctx, gamers.ID, carol.ID))
	lobby, err := store.CreateChannel(ctx, gamers.ID, "lobby")
	require.NoError(t, err)

	s := newBareServer(t, store)
	aliceSess, aliceClient := sessionWithConn(t, "a1", alice.ID, "alice")
	carolSess, carolClient := sessionWithConn(t, "c1", carol.ID, "carol")

	require.NoError(t, dispatch(t, s, aliceSess, protocol.EventChannelJoin, protocol.ChannelJoin{ChannelID: lobby.ID}))
	require.NoError(t, dispatch(t, s, carolSess, protocol.EventChannelJoin, protocol.ChannelJoin{ChannelID: lobby.ID}))

	require.NoError(t, dispatch(t, s, aliceSess, protocol.EventMessageSend, protocol.MessageSend{ServerID: gamers.ID, ChannelID: lobby.ID, Content: "first"}))

	var msg protocol.Message
	for _, client := range []*websocket.Conn{aliceClient, carolClient} {
		env := readEvent(t, client)
		require.Equal(t, protocol.EventMessageNew, env.Event)
		msg = decodeAs[protocol.Message](t, env)
		require.Equal(t, alice.ID, msg.AuthorID)
		require.Equal(t, "alice", msg.AuthorUsername)
		require.Equal(t, "first", msg.Content)
		require.Equal(t, lobby.ID, msg.ChannelID)
		require.Positive(t, msg.CreatedAt)
		require.Nil(t, msg.EditedAt)
	}

	// Membership does not confer ownership.
	requireErrorCode(t, dispatch(t, s, carolSess, protocol.EventMessageEdit, protocol.MessageEdit{MessageID: msg.ID, ChannelID: lobby.ID, Content: "mine now"}), protocol.ErrCodePermissionDenied)
	requireErrorCode(t, dispatch(t, s, carolSess, protocol.EventMessageDelete, protocol.MessageDelete{MessageID: msg.ID, ChannelID: lobby.ID}), protocol.ErrCodePermissionDenied)

	require.NoError(t, dispatch(t, s, aliceSess, protocol.EventMessageEdit, protocol.MessageEdit{MessageID: msg.ID, ChannelID: lobby.ID, Content: "first, edited"}))
	for _, client := range []*websocket.Conn{aliceClient, carolClient} {
		env := readEvent(t, client)
		require.Equal(t, protocol.EventMessageEdited, env.Event)
		edited := decodeAs[protocol.Message](t, env)
		require.Equal(t, "first, edited", edited.Content)
		require.NotNil(t, edited.EditedAt)
	}

	require.NoError(t, dispatch(t, s, aliceSess, protocol.EventMessageDelete, protocol.MessageDelete{MessageID: msg.ID, ChannelID: lobby.ID}))
	for _, client := range []*websocket.Conn{aliceClient, carolClient} {
		env := readEvent(t, client)
		require.Equal(t, protocol.EventMessageDeleted, env.Event)
		del := decodeAs[protocol.MessageDeleted](t, env)
		require.Equal(t, msg.ID, del.MessageID)
		require.Equal(t, lobby.ID, del.ChannelID)
	}

	requireErrorCode(t, dispatch(t, s, aliceSess, protocol.EventMessageEdit, protocol.MessageEdit{MessageID: msg.ID, ChannelID: lobby.ID, Content: "ghost"}), protocol.ErrCodeNotFound)

	// After leaving, broadcasts stop reaching the session.
	require.NoError(t, dispatch(t, s, carolSess, protocol.EventChannelLeave, protocol.ChannelLeave{ChannelID: lobby.ID}))
	require.NoError(t, dispatch(t, s, aliceSess, protocol.EventMessageSend, protocol.MessageSend{ServerID: gamers.ID, ChannelID: lobby.ID, Content: "second"}))
	env := readEvent(t, aliceClient)
	require.Equal(t, protocol.EventMessageNew, env.Event)
	requireNoFrame(t, carolClient)
}

func TestDMConversationFlow(t *testing.T) {
	store := database.NewMemStore()
	alice := seedUser(t, store, "alice")
	bob := seedUser(t, store, "bob")
	require.NoError(t, store.AddFriendship(context.Background(), alice.ID, bob.ID))

	s := newBareServer(t, store)

	aliceSess, aliceClient := sessionWithConn(t, "a1", alice.ID, "alice")
	alice2Sess, alice2Client := sessionWithConn(t, "a2", alice.ID, "alice")
	bobSess, bobClient := sessionWithConn(t, "b1", bob.ID, "bob")
	bob2Sess, bob2Client := sessionWithConn(t, "b2", bob.ID, "bob")

	// Every session sits in its user room, as attachSession would have it.
	s.rooms.Join(UserRoom(alice.ID), aliceSess)
	s.rooms.Join(UserRoom(alice.ID), alice2Sess)
	s.rooms.Join(UserRoom(bob.ID), bobSess)
	s.rooms.Join(UserRoom(bob.ID), bob2Sess)

	// dm:new goes to the acting connection and every session of the
	// recipient, not to the sender's other sessions.
	require.NoError(t, dispatch(t, s, aliceSess, protocol.EventDMSend, protocol.DMSend{FriendID: bob.ID, Content: "hi bob"}))

	var dm protocol.DirectMessage
	for _, client := range []*websocket.Conn{aliceClient, bobClient, bob2Client} {
		env := readEvent(t, client)
		require.Equal(t, protocol.EventDMNew, env.Event)
		dm = decodeAs[protocol.DirectMessage](t, env)
		require.Equal(t, alice.ID, dm.SenderID)
		require.Equal(t, bob.ID, dm.RecipientID)
		require.Equal(t, "alice", dm.SenderUsername)
		require.Equal(t, "hi bob", dm.Content)
		require.Nil(t, dm.EditedAt)
	}

	// Reaction updates go to both user rooms, the sender's other session
	// included.
	require.NoError(t, dispatch(t, s, aliceSess, protocol.EventDMReact, protocol.DMReact{MessageID: dm.ID, FriendID: bob.ID, Emoji: "thumbsup"}))
	for _, client := range []*websocket.Conn{aliceClient, alice2Client, bobClient, bob2Client} {
		env := readEvent(t, client)
		require.Equal(t, protocol.EventReactionsUpdate, env.Event)
		upd := decodeAs[protocol.ReactionsUpdate](t, env)
		require.Equal(t, dm.ID, upd.MessageID)
		require.Equal(t, map[string][]int64{"thumbsup": {alice.ID}}, upd.Reactions)
	}

	requireErrorCode(t, dispatch(t, s, bobSess, protocol.EventDMEdit, protocol.DMEdit{MessageID: dm.ID, FriendID: alice.ID, Content: "hijack"}), protocol.ErrCodePermissionDenied)

	require.NoError(t, dispatch(t, s, aliceSess, protocol.EventDMEdit, protocol.DMEdit{MessageID: dm.ID, FriendID: bob.ID, Content: "hi bob!"}))
	for _, client := range []*websocket.Conn{aliceClient, bobClient, bob2Client} {
		env := readEvent(t, client)
		require.Equal(t, protocol.EventDMEdited, env.Event)
		edited := decodeAs[protocol.DirectMessage](t, env)
		require.Equal(t, "hi bob!", edited.Content)
		require.NotNil(t, edited.EditedAt)
	}

	require.NoError(t, dispatch(t, s, aliceSess, protocol.EventDMDelete, protocol.DMDelete{MessageID: dm.ID, FriendID: bob.ID}))
	for _, client := range []*websocket.Conn{aliceClient, bobClient, bob2Client} {
		env := readEvent(t, client)
		require.Equal(t, protocol.EventDMDeleted, env.Event)
		del := decodeAs[protocol.DMDeleted](t, env)
		require.Equal(t, dm.ID, del.MessageID)
		require.Equal(t, alice.ID, del.SenderID)
		require.Equal(t, bob.ID, del.RecipientID)
	}

	require.NoError(t, dispatch(t, s, aliceSess, protocol.EventDMClear, protocol.DMClear{FriendID: bob.ID}))
	for _, client := range []*websocket.Conn{aliceClient, bobClient, bob2Client} {
		env := readEvent(t, client)
		require.Equal(t, protocol.EventDMCleared, env.Event)
		cleared := decodeAs[protocol.DMCleared](t, env)
		require.Equal(t, alice.ID, cleared.ByUserID)
		require.Equal(t, bob.ID, cleared.WithUserID)
	}

	// The sender's second session saw the reaction update and nothing else.
	requireNoFrame(t, alice2Client)
}

func TestDMGateRefusals(t *testing.T) {
	ctx := context.Background()
	store := database.NewMemStore()
	alice := seedUser(t, store, "alice")
	bob := seedUser(t, store, "bob")
	carol := seedUser(t, store, "carol")
	dave, err := store.CreateUser(ctx, "dave", protocol.StatusOnline, true)
	require.NoError(t, err)
	require.NoError(t, store.AddFriendship(ctx, alice.ID, carol.ID))
	require.NoError(t, store.AddBlock(ctx, carol.ID, alice.ID))
	require.NoError(t, store.AddFriendship(ctx, dave.ID, bob.ID))

	counting := &countingStore{Store: store}
	s := newBareServer(t, counting)

	refusal := func(t *testing.T, from *Session, friendID int64, wantMsg string) {
		t.Helper()
		err := dispatch(t, s, from, protocol.EventDMSend, protocol.DMSend{FriendID: friendID, Content: "hello"})
		requireErrorCode(t, err, protocol.ErrCodePermissionDenied)
		_, msg := classifyError(err)
		require.Equal(t, wantMsg, msg)
	}

	// Restriction wins even when a friendship exists.
	refusal(t, newTestSession("d1", dave.ID), bob.ID, "restricted accounts cannot send direct messages")
	// The friendship check comes before the block check.
	refusal(t, newTestSession("a1", alice.ID), bob.ID, "you can only message your friends")
	// Friends with a block between them get the deliberately vague message.
	refusal(t, newTestSession("a1", alice.ID), carol.ID, "this conversation is unavailable")

	assert.Zero(t, counting.dmAdds.Load(), "refused sends must not persist")
}

func TestReactionFallbackWhenStoreFails(t *testing.T) {
	store := database.NewMemStore()
	alice := seedUser(t, store, "alice")
	bob := seedUser(t, store, "bob")

	s := newBareServer(t, &reactionlessStore{Store: store})
	aliceSess, aliceClient := sessionWithConn(t, "a1", alice.ID, "alice")
	s.rooms.Join(UserRoom(alice.ID), aliceSess)

	react := protocol.DMReact{MessageID: 424242, FriendID: bob.ID, Emoji: "wave"}
	require.NoError(t, dispatch(t, s, aliceSess, protocol.EventDMReact, react))
	env := readEvent(t, aliceClient)
	require.Equal(t, protocol.EventReactionsUpdate, env.Event)
	upd := decodeAs[protocol.ReactionsUpdate](t, env)
	require.Equal(t, map[string][]int64{"wave": {alice.ID}}, upd.Reactions)

	// The toggle still round-trips through the in-memory table.
	require.NoError(t, dispatch(t, s, aliceSess, protocol.EventDMReact, react))
	env = readEvent(t, aliceClient)
	upd = decodeAs[protocol.ReactionsUpdate](t, env)
	require.Empty(t, upd.Reactions)

	// Validation still applies in degraded mode.
	requireErrorCode(t, dispatch(t, s, aliceSess, protocol.EventDMReact, protocol.DMReact{MessageID: 1, FriendID: bob.ID}), protocol.ErrCodeMalformedPayload)
}

// A reaction toggle must behave like flipping (user, emoji) in a set, no
// matter the order of gestures.
func TestReactionToggleMatchesModel(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		store := database.NewMemStore()
		s := NewServer(store, NewJWTVerifier("test-secret"), &loopbackChannel{}, DefaultConfig(), nil)
		ctx := context.Background()

		const messageID = int64(1)
		emojis := []string{"thumbsup", "tada", "eyes"}
		model := make(map[string]map[int64]bool)

		steps := rapid.IntRange(1, 60).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			user := rapid.Int64Range(1, 3).Draw(t, "user")
			emoji := rapid.SampledFrom(emojis).Draw(t, "emoji")

			got, err := s.toggleReaction(ctx, messageID, user, emoji)
			if err != nil {
				t.Fatalf("toggle: %v", err)
			}

			if model[emoji] == nil {
				model[emoji] = make(map[int64]bool)
			}
			if model[emoji][user] {
				delete(model[emoji], user)
			} else {
				model[emoji][user] = true
			}

			want := make(map[string][]int64)
			for e, users := range model {
				if len(users) == 0 {
					continue
				}
				ids := make([]int64, 0, len(users))
				for id := range users {
					ids = append(ids, id)
				}
				sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
				want[e] = ids
			}
			if !reflect.DeepEqual(want, got) {
				t.Fatalf("after toggling %q by %d: want %v, got %v", emoji, user, want, got)
			}
		}
	})
}

func TestTypingIndicatorExcludesSender(t *testing.T) {
	store := database.NewMemStore()
	alice := seedUser(t, store, "alice")
	bob := seedUser(t, store, "bob")
	s := newBareServer(t, store)

	aliceSess, aliceClient := sessionWithConn(t, "a1", alice.ID, "alice")
	bobSess, bobClient := sessionWithConn(t, "b1", bob.ID, "bob")

	requireErrorCode(t, dispatch(t, s, aliceSess, protocol.EventDMTypingStart, protocol.DMTyping{}), protocol.ErrCodeMalformedPayload)
	requireErrorCode(t, dispatch(t, s, aliceSess, protocol.EventDMTypingStart, protocol.DMTyping{FriendID: alice.ID}), protocol.ErrCodeMalformedPayload)

	// Typing stays inside the pair room; before anyone joins it this one
	// evaporates.
	require.NoError(t, dispatch(t, s, aliceSess, protocol.EventDMTypingStart, protocol.DMTyping{FriendID: bob.ID}))

	require.NoError(t, dispatch(t, s, aliceSess, protocol.EventDMJoin, protocol.DMJoin{FriendID: bob.ID}))
	require.NoError(t, dispatch(t, s, bobSess, protocol.EventDMJoin, protocol.DMJoin{FriendID: alice.ID}))
	require.Equal(t, 2, s.rooms.MemberCount(DMRoom(alice.ID, bob.ID)))

	require.NoError(t, dispatch(t, s, aliceSess, protocol.EventDMTypingStart, protocol.DMTyping{FriendID: bob.ID}))
	env := readEvent(t, bobClient)
	require.Equal(t, protocol.EventDMTypingStart, env.Event)
	require.Equal(t, alice.ID, decodeAs[protocol.TypingIndicator](t, env).FromUserID)

	require.NoError(t, dispatch(t, s, bobSess, protocol.EventDMLeave, protocol.DMLeave{FriendID: alice.ID}))
	require.NoError(t, dispatch(t, s, aliceSess, protocol.EventDMTypingStop, protocol.DMTyping{FriendID: bob.ID}))

	// Only the one start above: the pre-join start and the post-leave stop
	// never reached bob, and the sender hears none of its own.
	requireNoFrame(t, bobClient)
	requireNoFrame(t, aliceClient)
}

func TestStatusChangeValidation(t *testing.T) {
	store := database.NewMemStore()
	alice := seedUser(t, store, "alice")
	s := newBareServer(t, store)
	sess := newTestSession("a1", alice.ID)

	for _, status := range []string{protocol.StatusOffline, "busy", ""} {
		requireErrorCode(t, dispatch(t, s, sess, protocol.EventStatusChange, protocol.StatusChange{Status: status}), protocol.ErrCodeMalformedPayload)
	}

	// Untracked users are accepted silently; there is nothing to update.
	require.NoError(t, dispatch(t, s, sess, protocol.EventStatusChange, protocol.StatusChange{Status: protocol.StatusAway}))
	require.Equal(t, protocol.StatusOffline, s.presence.Status(alice.ID))

	s.presence.HandleConnect(alice.ID, protocol.StatusOnline)
	require.NoError(t, dispatch(t, s, sess, protocol.EventStatusChange, protocol.StatusChange{Status: protocol.StatusAway}))
	require.Equal(t, protocol.StatusAway, s.presence.Status(alice.ID))
}

func TestFriendRequestChecks(t *testing.T) {
	ctx := context.Background()
	store := database.NewMemStore()
	alice := seedUser(t, store, "alice")
	bob := seedUser(t, store, "bob")
	carol := seedUser(t, store, "carol")
	require.NoError(t, store.AddFriendship(ctx, alice.ID, carol.ID))

	s := newBareServer(t, store)
	bobSess, bobClient := sessionWithConn(t, "b1", bob.ID, "bob")
	s.rooms.Join(UserRoom(bob.ID), bobSess)
	aliceSess := newTestSession("a1", alice.ID)

	requireErrorCode(t, dispatch(t, s, aliceSess, protocol.EventFriendRequest, protocol.FriendRequestSend{}), protocol.ErrCodeMalformedPayload)
	requireErrorCode(t, dispatch(t, s, aliceSess, protocol.EventFriendRequest, protocol.FriendRequestSend{ToUserID: alice.ID}), protocol.ErrCodeMalformedPayload)
	requireErrorCode(t, dispatch(t, s, aliceSess, protocol.EventFriendRequest, protocol.FriendRequestSend{ToUserID: 999999}), protocol.ErrCodeNotFound)
	requireErrorCode(t, dispatch(t, s, aliceSess, protocol.EventFriendRequest, protocol.FriendRequestSend{ToUserID: carol.ID}), protocol.ErrCodeDuplicate)

	require.NoError(t, dispatch(t, s, aliceSess, protocol.EventFriendRequest, protocol.FriendRequestSend{ToUserID: bob.ID}))
	env := readEvent(t, bobClient)
	require.Equal(t, protocol.EventFriendRequest, env.Event)
	req := decodeAs[protocol.FriendRequest](t, env)
	require.Equal(t, alice.ID, req.FromUserID)
	require.Equal(t, bob.ID, req.ToUserID)
	require.Positive(t, req.ID)
	require.Positive(t, req.CreatedAt)

	// A pending request blocks the opposite direction too.
	requireErrorCode(t, dispatch(t, s, bobSess, protocol.EventFriendRequest, protocol.FriendRequestSend{ToUserID: alice.ID}), protocol.ErrCodeDuplicate)
}

func TestFriendRequestPairSerialized(t *testing.T) {
	ctx := context.Background()
	store := database.NewMemStore()
	alice := seedUser(t, store, "alice")
	bob := seedUser(t, store, "bob")

	gate := &gatingStore{Store: store, entered: make(chan struct{}, 1), release: make(chan struct{})}
	s := newBareServer(t, gate)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.SendFriendRequest(ctx, alice.ID, bob.ID)
		errCh <- err
	}()

	// The first request is parked inside the store with the pair lock held,
	// so the crossing request fails fast instead of creating a second row.
	<-gate.entered
	_, err := s.SendFriendRequest(ctx, bob.ID, alice.ID)
	require.ErrorIs(t, err, ErrPairBusy)
	requireErrorCode(t, err, protocol.ErrCodeDuplicate)

	close(gate.release)
	require.NoError(t, <-errCh)

	pending, err := store.HasPendingFriendRequest(ctx, alice.ID, bob.ID)
	require.NoError(t, err)
	require.True(t, pending)
}

func TestCallSignalRoundTrip(t *testing.T) {
	store := database.NewMemStore()
	alice := seedUser(t, store, "alice")
	bob := seedUser(t, store, "bob")

	s := newBareServer(t, store)
	s.relay.Start()
	t.Cleanup(s.relay.Stop)

	bobSess, bobClient := sessionWithConn(t, "b1", bob.ID, "bob")
	s.rooms.Join(UserRoom(bob.ID), bobSess)
	s.registerSignalHandler(bobSess)

	aliceSess := newTestSession("a1", alice.ID)
	requireErrorCode(t, dispatch(t, s, aliceSess, protocol.EventCallOffer, protocol.CallSignal{}), protocol.ErrCodeMalformedPayload)

	// targetUserId routes the signal; the rest of the payload rides along
	// untouched and the sender is injected on delivery.
	require.NoError(t, dispatch(t, s, aliceSess, protocol.EventCallOffer, map[string]any{"targetUserId": bob.ID, "sdp": "v=0"}))

	env := readEvent(t, bobClient)
	require.Equal(t, protocol.EventCallOffer, env.Event)
	payload := decodeAs[map[string]any](t, env)
	require.Equal(t, "v=0", payload["sdp"])
	require.EqualValues(t, alice.ID, payload["fromUserId"])
}

func TestDispatchFrameReportsErrors(t *testing.T) {
	store := database.NewMemStore()
	alice := seedUser(t, store, "alice")
	s := newBareServer(t, store)
	sess, client := sessionWithConn(t, "a1", alice.ID, "alice")

	s.dispatchFrame(sess, []byte("{not json"))
	env := readEvent(t, client)
	require.Equal(t, protocol.EventError, env.Event)
	p := decodeAs[protocol.ErrorPayload](t, env)
	require.Equal(t, protocol.ErrCodeMalformedPayload, p.Code)
	require.Empty(t, p.Event)

	s.dispatchFrame(sess, []byte(`{"event":"no:such:event"}`))
	p = decodeAs[protocol.ErrorPayload](t, readEvent(t, client))
	require.Equal(t, protocol.ErrCodeUnknownEvent, p.Code)
	require.Equal(t, "no:such:event", p.Event)

	s.dispatchFrame(sess, []byte(`{"event":"channel:join","data":{"channelId":"nope"}}`))
	p = decodeAs[protocol.ErrorPayload](t, readEvent(t, client))
	require.Equal(t, protocol.ErrCodeMalformedPayload, p.Code)
	require.Equal(t, protocol.EventChannelJoin, p.Event)
}

func TestClassifyError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
		msg  string
	}{
		{"unknown event", protocol.ErrUnknownEvent, protocol.ErrCodeUnknownEvent, "unknown event"},
		{"malformed payload", fmt.Errorf("%w: junk", protocol.ErrMalformedPayload), protocol.ErrCodeMalformedPayload, "malformed payload"},
		{"user not found", database.ErrUserNotFound, protocol.ErrCodeNotFound, "user not found"},
		{"wrapped sentinel keeps its code", storageError("failed to edit message", database.ErrMessageNotOwned), protocol.ErrCodePermissionDenied, "you can only modify your own messages"},
		{"wrapped duplicate", storageError("failed to create friend request", database.ErrDuplicate), protocol.ErrCodeDuplicate, "already exists"},
		{"pair busy", ErrPairBusy, protocol.ErrCodeDuplicate, "already exists"},
		{"wire error", permissionError("no"), protocol.ErrCodePermissionDenied, "no"},
		{"storage failure", storageError("boom", errors.New("disk unplugged")), protocol.ErrCodeStorage, "boom"},
		{"unrecognized", errors.New("broke"), protocol.ErrCodeInternal, "internal error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, msg := classifyError(tc.err)
			assert.Equal(t, tc.code, code)
			assert.Equal(t, tc.msg, msg)
		})
	}
}
