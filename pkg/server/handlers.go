package server

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/pulsechat/pulse/pkg/database"
	"github.com/pulsechat/pulse/pkg/protocol"
)

// storeTimeout bounds every store call made on behalf of a single event.
const storeTimeout = 5 * time.Second

// dispatchFrame routes one inbound frame. Handlers return errors; this is the
// only place they become error events, so every failure reaches the client in
// the same shape.
func (s *Server) dispatchFrame(sess *Session, raw []byte) {
	env, err := protocol.DecodeEnvelope(raw)
	if err != nil {
		s.sendErrorEvent(sess, "", err)
		return
	}

	s.metrics.RecordEventReceived(env.Event)

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if err := s.handleEvent(ctx, sess, env); err != nil {
		s.sendErrorEvent(sess, env.Event, err)
	}
}

func (s *Server) handleEvent(ctx context.Context, sess *Session, env *protocol.Envelope) error {
	payload, err := protocol.DecodePayload(env)
	if err != nil {
		return err
	}

	switch p := payload.(type) {
	case *protocol.ChannelJoin:
		return s.handleChannelJoin(ctx, sess, p)
	case *protocol.ChannelLeave:
		return s.handleChannelLeave(sess, p)
	case *protocol.MessageSend:
		return s.handleMessageSend(ctx, sess, p)
	case *protocol.MessageEdit:
		return s.handleMessageEdit(ctx, sess, p)
	case *protocol.MessageDelete:
		return s.handleMessageDelete(ctx, sess, p)
	case *protocol.DMJoin:
		return s.handleDMJoin(sess, p)
	case *protocol.DMLeave:
		return s.handleDMLeave(sess, p)
	case *protocol.DMSend:
		return s.handleDMSend(ctx, sess, p)
	case *protocol.DMEdit:
		return s.handleDMEdit(ctx, sess, p)
	case *protocol.DMDelete:
		return s.handleDMDelete(ctx, sess, p)
	case *protocol.DMReact:
		return s.handleDMReact(ctx, sess, p)
	case *protocol.DMClear:
		return s.handleDMClear(ctx, sess, p)
	case *protocol.DMTyping:
		return s.handleTyping(sess, env.Event, p)
	case *protocol.StatusChange:
		return s.handleStatusChange(sess, p)
	case *protocol.FriendRequestSend:
		return s.handleFriendRequest(ctx, sess, p)
	case *protocol.CallSignal:
		return s.handleCallSignal(ctx, sess, env.Event, p, env.Data)
	default:
		return protocol.ErrUnknownEvent
	}
}

// validateContent rejects empty and oversized message bodies.
func (s *Server) validateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return validationError("content must not be empty")
	}
	if len(content) > s.config.MaxMessageLength {
		return validationError("content exceeds the %d byte limit", s.config.MaxMessageLength)
	}
	return nil
}

// --- Channel membership ---

func (s *Server) handleChannelJoin(ctx context.Context, sess *Session, p *protocol.ChannelJoin) error {
	if p.ChannelID <= 0 {
		return validationError("channelId is required")
	}

	channel, err := s.store.ChannelByID(ctx, p.ChannelID)
	if err != nil {
		return storageError("failed to look up channel", err)
	}

	member, err := s.store.IsServerMember(ctx, sess.UserID, channel.ServerID)
	if err != nil {
		return storageError("failed to check membership", err)
	}
	if !member {
		return permissionError("you are not a member of this server")
	}

	s.rooms.Join(ChannelRoom(channel.ID), sess)
	return nil
}

func (s *Server) handleChannelLeave(sess *Session, p *protocol.ChannelLeave) error {
	if p.ChannelID <= 0 {
		return validationError("channelId is required")
	}
	s.rooms.Leave(ChannelRoom(p.ChannelID), sess.ID)
	return nil
}

// --- Channel messages ---

func (s *Server) handleMessageSend(ctx context.Context, sess *Session, p *protocol.MessageSend) error {
	if p.ServerID <= 0 || p.ChannelID <= 0 {
		return validationError("serverId and channelId are required")
	}
	if err := s.validateContent(p.Content); err != nil {
		return err
	}

	channel, err := s.store.ChannelByID(ctx, p.ChannelID)
	if err != nil {
		return storageError("failed to look up channel", err)
	}
	if channel.ServerID != p.ServerID {
		return validationError("channel %d does not belong to server %d", p.ChannelID, p.ServerID)
	}

	member, err := s.store.IsServerMember(ctx, sess.UserID, p.ServerID)
	if err != nil {
		return storageError("failed to check membership", err)
	}
	if !member {
		return permissionError("you are not a member of this server")
	}

	msg, err := s.store.AddMessage(ctx, p.ServerID, p.ChannelID, sess.UserID, sess.Username, p.Content)
	if err != nil {
		return storageError("failed to save message", err)
	}
	s.metrics.RecordMessagePersisted("channel")

	s.broadcastToRoom(ChannelRoom(channel.ID), protocol.EventMessageNew, wireMessage(msg), "")
	return nil
}

func (s *Server) handleMessageEdit(ctx context.Context, sess *Session, p *protocol.MessageEdit) error {
	if p.MessageID <= 0 {
		return validationError("messageId is required")
	}
	if err := s.validateContent(p.Content); err != nil {
		return err
	}

	// Ownership is enforced inside the store so the check and the write
	// happen in one transaction.
	msg, err := s.store.EditMessage(ctx, p.MessageID, sess.UserID, p.Content)
	if err != nil {
		return storageError("failed to edit message", err)
	}

	s.broadcastToRoom(ChannelRoom(msg.ChannelID), protocol.EventMessageEdited, wireMessage(msg), "")
	return nil
}

func (s *Server) handleMessageDelete(ctx context.Context, sess *Session, p *protocol.MessageDelete) error {
	if p.MessageID <= 0 {
		return validationError("messageId is required")
	}

	msg, err := s.store.DeleteMessage(ctx, p.MessageID, sess.UserID)
	if err != nil {
		return storageError("failed to delete message", err)
	}

	deleted := protocol.MessageDeleted{MessageID: msg.ID, ChannelID: msg.ChannelID}
	s.broadcastToRoom(ChannelRoom(msg.ChannelID), protocol.EventMessageDeleted, deleted, "")
	return nil
}

// --- Direct messages ---

func (s *Server) handleDMJoin(sess *Session, p *protocol.DMJoin) error {
	if p.FriendID <= 0 || p.FriendID == sess.UserID {
		return validationError("friendId is required")
	}
	s.rooms.Join(DMRoom(sess.UserID, p.FriendID), sess)
	return nil
}

func (s *Server) handleDMLeave(sess *Session, p *protocol.DMLeave) error {
	if p.FriendID <= 0 || p.FriendID == sess.UserID {
		return validationError("friendId is required")
	}
	s.rooms.Leave(DMRoom(sess.UserID, p.FriendID), sess.ID)
	return nil
}

// checkDMGate runs the restriction, friendship, and block checks in that
// order so the sender always sees the most specific refusal. The block
// message stays vague on purpose; the client must not learn who blocked whom.
func (s *Server) checkDMGate(ctx context.Context, senderID, friendID int64) error {
	sender, err := s.store.UserByID(ctx, senderID)
	if err != nil {
		return storageError("failed to look up sender", err)
	}
	if sender.Restricted {
		return permissionError("restricted accounts cannot send direct messages")
	}

	friends, err := s.store.AreFriends(ctx, senderID, friendID)
	if err != nil {
		return storageError("failed to check friendship", err)
	}
	if !friends {
		return permissionError("you can only message your friends")
	}

	blocked, err := s.store.HasBlockBetween(ctx, senderID, friendID)
	if err != nil {
		return storageError("failed to check blocks", err)
	}
	if blocked {
		return permissionError("this conversation is unavailable")
	}

	return nil
}

// deliverDM sends a DM event to the acting connection and to every session of
// the other participant. Conversation events never use the pair room; it only
// carries typing indicators.
func (s *Server) deliverDM(sess *Session, friendID int64, event string, payload any) {
	s.sendEvent(sess, event, payload)
	s.broadcastToRoom(UserRoom(friendID), event, payload, "")
}

func (s *Server) handleDMSend(ctx context.Context, sess *Session, p *protocol.DMSend) error {
	if p.FriendID <= 0 || p.FriendID == sess.UserID {
		return validationError("friendId is required")
	}
	if err := s.validateContent(p.Content); err != nil {
		return err
	}
	if err := s.checkDMGate(ctx, sess.UserID, p.FriendID); err != nil {
		return err
	}

	dm, err := s.store.AddDirectMessage(ctx, sess.UserID, p.FriendID, sess.Username, p.Content)
	if err != nil {
		return storageError("failed to save direct message", err)
	}
	s.metrics.RecordMessagePersisted("dm")

	s.deliverDM(sess, p.FriendID, protocol.EventDMNew, wireDM(dm))
	return nil
}

func (s *Server) handleDMEdit(ctx context.Context, sess *Session, p *protocol.DMEdit) error {
	if p.MessageID <= 0 {
		return validationError("messageId is required")
	}
	if err := s.validateContent(p.Content); err != nil {
		return err
	}

	dm, err := s.store.EditDirectMessage(ctx, p.MessageID, sess.UserID, p.Content)
	if err != nil {
		return storageError("failed to edit direct message", err)
	}

	// Ownership passed, so the actor is the sender and the counterparty is
	// the recipient regardless of what the payload claimed.
	s.deliverDM(sess, dm.RecipientID, protocol.EventDMEdited, wireDM(dm))
	return nil
}

func (s *Server) handleDMDelete(ctx context.Context, sess *Session, p *protocol.DMDelete) error {
	if p.MessageID <= 0 {
		return validationError("messageId is required")
	}

	dm, err := s.store.DeleteDirectMessage(ctx, p.MessageID, sess.UserID)
	if err != nil {
		return storageError("failed to delete direct message", err)
	}

	deleted := protocol.DMDeleted{MessageID: dm.ID, SenderID: dm.SenderID, RecipientID: dm.RecipientID}
	s.deliverDM(sess, dm.RecipientID, protocol.EventDMDeleted, deleted)
	return nil
}

func (s *Server) handleDMClear(ctx context.Context, sess *Session, p *protocol.DMClear) error {
	if p.FriendID <= 0 || p.FriendID == sess.UserID {
		return validationError("friendId is required")
	}

	if err := s.store.ClearDirectMessages(ctx, sess.UserID, p.FriendID); err != nil {
		return storageError("failed to clear conversation", err)
	}

	cleared := protocol.DMCleared{ByUserID: sess.UserID, WithUserID: p.FriendID}
	s.deliverDM(sess, p.FriendID, protocol.EventDMCleared, cleared)
	return nil
}

func (s *Server) handleDMReact(ctx context.Context, sess *Session, p *protocol.DMReact) error {
	if p.MessageID <= 0 {
		return validationError("messageId is required")
	}
	if p.FriendID <= 0 || p.FriendID == sess.UserID {
		return validationError("friendId is required")
	}
	if strings.TrimSpace(p.Emoji) == "" {
		return validationError("emoji must not be empty")
	}

	reactions, err := s.toggleReaction(ctx, p.MessageID, sess.UserID, p.Emoji)
	if err != nil {
		// Reactions are cosmetic; a store outage downgrades them to a
		// process-local table instead of failing the gesture.
		debugLog.Printf("reaction store failed for message %d, using fallback: %v", p.MessageID, err)
		reactions = s.toggleFallbackReaction(p.MessageID, sess.UserID, p.Emoji)
	}

	update := protocol.ReactionsUpdate{MessageID: p.MessageID, Reactions: reactions}
	s.broadcastToRoom(UserRoom(sess.UserID), protocol.EventReactionsUpdate, update, "")
	s.broadcastToRoom(UserRoom(p.FriendID), protocol.EventReactionsUpdate, update, "")
	return nil
}

// toggleReaction flips the user's emoji on a message and returns the full
// updated reaction set.
func (s *Server) toggleReaction(ctx context.Context, messageID, userID int64, emoji string) (map[string][]int64, error) {
	current, err := s.store.MessageReactions(ctx, messageID)
	if err != nil {
		return nil, err
	}

	present := false
	for _, id := range current[emoji] {
		if id == userID {
			present = true
			break
		}
	}

	if present {
		err = s.store.RemoveReaction(ctx, messageID, userID, emoji)
	} else {
		err = s.store.AddReaction(ctx, messageID, userID, emoji)
	}
	if err != nil {
		return nil, err
	}

	return s.store.MessageReactions(ctx, messageID)
}

// toggleFallbackReaction is the degraded path: toggle in memory and return a
// copy of the resulting set so callers never alias the table's slices.
func (s *Server) toggleFallbackReaction(messageID, userID int64, emoji string) map[string][]int64 {
	s.fallbackMu.Lock()
	defer s.fallbackMu.Unlock()

	msgReactions, ok := s.fallbackReactions[messageID]
	if !ok {
		msgReactions = make(map[string][]int64)
		s.fallbackReactions[messageID] = msgReactions
	}

	var kept []int64
	found := false
	for _, id := range msgReactions[emoji] {
		if id == userID {
			found = true
			continue
		}
		kept = append(kept, id)
	}
	switch {
	case found && len(kept) == 0:
		delete(msgReactions, emoji)
	case found:
		msgReactions[emoji] = kept
	default:
		msgReactions[emoji] = append(msgReactions[emoji], userID)
	}

	out := make(map[string][]int64, len(msgReactions))
	for e, users := range msgReactions {
		out[e] = append([]int64(nil), users...)
	}
	return out
}

// --- Typing indicators ---

func (s *Server) handleTyping(sess *Session, event string, p *protocol.DMTyping) error {
	if p.FriendID <= 0 || p.FriendID == sess.UserID {
		return validationError("friendId is required")
	}

	indicator := protocol.TypingIndicator{FromUserID: sess.UserID}
	s.broadcastToRoom(DMRoom(sess.UserID, p.FriendID), event, indicator, sess.ID)
	return nil
}

// --- Presence ---

func (s *Server) handleStatusChange(sess *Session, p *protocol.StatusChange) error {
	if p.Status != protocol.StatusOnline && p.Status != protocol.StatusAway {
		return validationError("status must be %q or %q", protocol.StatusOnline, protocol.StatusAway)
	}

	if !s.presence.SetStatus(sess.UserID, p.Status) {
		return nil
	}

	s.broadcastStatus(sess.UserID, p.Status)
	return nil
}

// --- Friend requests ---

func (s *Server) handleFriendRequest(ctx context.Context, sess *Session, p *protocol.FriendRequestSend) error {
	if p.ToUserID <= 0 {
		return validationError("toUserId is required")
	}
	if p.ToUserID == sess.UserID {
		return validationError("you cannot send a friend request to yourself")
	}

	_, err := s.SendFriendRequest(ctx, sess.UserID, p.ToUserID)
	return err
}

// SendFriendRequest runs the duplicate checks under the pair lock, persists
// the request, and notifies every session of the recipient. Exported because
// the HTTP API creates requests through the same path.
func (s *Server) SendFriendRequest(ctx context.Context, fromID, toID int64) (*database.FriendRequest, error) {
	if err := s.pairLock.Acquire(fromID, toID); err != nil {
		return nil, err
	}
	defer s.pairLock.Release(fromID, toID)

	if _, err := s.store.UserByID(ctx, toID); err != nil {
		return nil, storageError("failed to look up user", err)
	}

	friends, err := s.store.AreFriends(ctx, fromID, toID)
	if err != nil {
		return nil, storageError("failed to check friendship", err)
	}
	if friends {
		return nil, duplicateError("you are already friends")
	}

	pending, err := s.store.HasPendingFriendRequest(ctx, fromID, toID)
	if err != nil {
		return nil, storageError("failed to check pending requests", err)
	}
	if pending {
		return nil, duplicateError("a friend request between you already exists")
	}

	req, err := s.store.CreateFriendRequest(ctx, fromID, toID)
	if err != nil {
		return nil, storageError("failed to create friend request", err)
	}

	s.BroadcastToUser(toID, protocol.EventFriendRequest, wireFriendRequest(req))
	return req, nil
}

// --- Call signaling ---

func (s *Server) handleCallSignal(ctx context.Context, sess *Session, event string, p *protocol.CallSignal, data json.RawMessage) error {
	if p.TargetUserID <= 0 {
		return validationError("targetUserId is required")
	}

	if err := s.relay.SendSignal(ctx, sess.UserID, p.TargetUserID, event, data); err != nil {
		// Signal loss is tolerated; the relay already retried once and
		// call UIs recover through their own signaling timeouts.
		errorLog.Printf("relay publish failed for %s from user %d: %v", event, sess.UserID, err)
	}
	return nil
}

// deliverSignal fans a relayed call signal out to the target user's local
// sessions with the sender injected into the payload.
func (s *Server) deliverSignal(userID int64, signalType string, fromUserID int64, data json.RawMessage) {
	payload := make(map[string]any)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &payload); err != nil {
			debugLog.Printf("undecodable %s payload for user %d: %v", signalType, userID, err)
			payload = make(map[string]any)
		}
	}
	payload["fromUserId"] = fromUserID

	s.broadcastToRoom(UserRoom(userID), signalType, payload, "")
}

// --- Wire conversions ---

func wireMessage(m *database.Message) protocol.Message {
	return protocol.Message{
		ID:             m.ID,
		ServerID:       m.ServerID,
		ChannelID:      m.ChannelID,
		AuthorID:       m.AuthorID,
		AuthorUsername: m.AuthorUsername,
		Content:        m.Content,
		CreatedAt:      m.CreatedAt,
		EditedAt:       m.EditedAt,
	}
}

func wireDM(m *database.DirectMessage) protocol.DirectMessage {
	return protocol.DirectMessage{
		ID:             m.ID,
		SenderID:       m.SenderID,
		RecipientID:    m.RecipientID,
		SenderUsername: m.SenderUsername,
		Content:        m.Content,
		CreatedAt:      m.CreatedAt,
		EditedAt:       m.EditedAt,
	}
}

func wireFriendRequest(r *database.FriendRequest) protocol.FriendRequest {
	return protocol.FriendRequest{
		ID:         r.ID,
		FromUserID: r.FromUserID,
		ToUserID:   r.ToUserID,
		CreatedAt:  r.CreatedAt,
	}
}
