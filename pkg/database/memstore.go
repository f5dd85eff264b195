package database

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemStore is a pure in-memory Store. It backs tests and local
// development; it honors the same sentinel-error contract as DB.
type MemStore struct {
	mu        sync.RWMutex
	snowflake *Snowflake

	users          map[int64]*User
	usernames      map[string]int64
	servers        map[int64]*Server
	members        map[int64]map[int64]bool
	channels       map[int64]*Channel
	messages       map[int64]*Message
	directMessages map[int64]*DirectMessage
	friendships    map[[2]int64]bool
	friendRequests map[[2]int64]*FriendRequest
	blocks         map[[2]int64]bool
	reactions      map[int64]map[string][]int64
}

var _ Store = (*MemStore)(nil)

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	epoch := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	return &MemStore{
		snowflake:      NewSnowflake(epoch, 0),
		users:          make(map[int64]*User),
		usernames:      make(map[string]int64),
		servers:        make(map[int64]*Server),
		members:        make(map[int64]map[int64]bool),
		channels:       make(map[int64]*Channel),
		messages:       make(map[int64]*Message),
		directMessages: make(map[int64]*DirectMessage),
		friendships:    make(map[[2]int64]bool),
		friendRequests: make(map[[2]int64]*FriendRequest),
		blocks:         make(map[[2]int64]bool),
		reactions:      make(map[int64]map[string][]int64),
	}
}

func (m *MemStore) Close() error { return nil }

func pair(a, b int64) [2]int64 {
	lo, hi := SortPair(a, b)
	return [2]int64{lo, hi}
}

// --- Provisioning ---

func (m *MemStore) CreateUser(ctx context.Context, username, status string, restricted bool) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, taken := m.usernames[username]; taken {
		return nil, ErrDuplicate
	}
	u := &User{
		ID:         m.snowflake.NextID(),
		Username:   username,
		Status:     status,
		Restricted: restricted,
		CreatedAt:  nowMillis(),
	}
	m.users[u.ID] = u
	m.usernames[username] = u.ID
	cp := *u
	return &cp, nil
}

func (m *MemStore) SetUserStatus(ctx context.Context, userID int64, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	u.Status = status
	return nil
}

func (m *MemStore) CreateServer(ctx context.Context, name string, ownerID int64) (*Server, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := &Server{
		ID:        m.snowflake.NextID(),
		Name:      name,
		OwnerID:   ownerID,
		CreatedAt: nowMillis(),
	}
	m.servers[s.ID] = s
	m.members[s.ID] = map[int64]bool{ownerID: true}
	cp := *s
	return &cp, nil
}

func (m *MemStore) AddServerMember(ctx context.Context, serverID, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.members[serverID] == nil {
		m.members[serverID] = make(map[int64]bool)
	}
	m.members[serverID][userID] = true
	return nil
}

func (m *MemStore) CreateChannel(ctx context.Context, serverID int64, name string) (*Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := &Channel{
		ID:        m.snowflake.NextID(),
		ServerID:  serverID,
		Name:      name,
		CreatedAt: nowMillis(),
	}
	m.channels[c.ID] = c
	cp := *c
	return &cp, nil
}

func (m *MemStore) AddFriendship(ctx context.Context, a, b int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.friendships[pair(a, b)] = true
	return nil
}

func (m *MemStore) AddBlock(ctx context.Context, blocker, blocked int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.blocks[[2]int64{blocker, blocked}] = true
	return nil
}

// --- Store interface ---

func (m *MemStore) UserByID(ctx context.Context, id int64) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *MemStore) UserServers(ctx context.Context, userID int64) ([]*Server, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var servers []*Server
	for serverID, members := range m.members {
		if members[userID] {
			if s, ok := m.servers[serverID]; ok {
				cp := *s
				servers = append(servers, &cp)
			}
		}
	}
	sort.Slice(servers, func(i, j int) bool { return servers[i].ID < servers[j].ID })
	return servers, nil
}

func (m *MemStore) ServerChannels(ctx context.Context, serverID int64) ([]*Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var channels []*Channel
	for _, c := range m.channels {
		if c.ServerID == serverID {
			cp := *c
			channels = append(channels, &cp)
		}
	}
	sort.Slice(channels, func(i, j int) bool { return channels[i].ID < channels[j].ID })
	return channels, nil
}

func (m *MemStore) IsServerMember(ctx context.Context, userID, serverID int64) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.members[serverID][userID], nil
}

func (m *MemStore) ChannelByID(ctx context.Context, channelID int64) (*Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.channels[channelID]
	if !ok {
		return nil, ErrChannelNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemStore) AreFriends(ctx context.Context, a, b int64) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.friendships[pair(a, b)], nil
}

func (m *MemStore) HasBlockBetween(ctx context.Context, a, b int64) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.blocks[[2]int64{a, b}] || m.blocks[[2]int64{b, a}], nil
}

func (m *MemStore) HasPendingFriendRequest(ctx context.Context, a, b int64) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.friendRequests[pair(a, b)]
	return ok, nil
}

func (m *MemStore) CreateFriendRequest(ctx context.Context, from, to int64) (*FriendRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := pair(from, to)
	if _, exists := m.friendRequests[key]; exists {
		return nil, ErrDuplicate
	}
	req := &FriendRequest{
		ID:         m.snowflake.NextID(),
		FromUserID: from,
		ToUserID:   to,
		CreatedAt:  nowMillis(),
	}
	m.friendRequests[key] = req
	cp := *req
	return &cp, nil
}

func (m *MemStore) AddMessage(ctx context.Context, serverID, channelID, authorID int64, authorUsername, content string) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg := &Message{
		ID:             m.snowflake.NextID(),
		ServerID:       serverID,
		ChannelID:      channelID,
		AuthorID:       authorID,
		AuthorUsername: authorUsername,
		Content:        content,
		CreatedAt:      nowMillis(),
	}
	m.messages[msg.ID] = msg
	cp := *msg
	return &cp, nil
}

func (m *MemStore) EditMessage(ctx context.Context, messageID, actorID int64, content string) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[messageID]
	if !ok {
		return nil, ErrMessageNotFound
	}
	if msg.AuthorID != actorID {
		return nil, ErrMessageNotOwned
	}
	editedAt := nowMillis()
	msg.Content = content
	msg.EditedAt = &editedAt
	cp := *msg
	return &cp, nil
}

func (m *MemStore) DeleteMessage(ctx context.Context, messageID, actorID int64) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[messageID]
	if !ok {
		return nil, ErrMessageNotFound
	}
	if msg.AuthorID != actorID {
		return nil, ErrMessageNotOwned
	}
	delete(m.messages, messageID)
	cp := *msg
	return &cp, nil
}

func (m *MemStore) AddDirectMessage(ctx context.Context, senderID, recipientID int64, senderUsername, content string) (*DirectMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dm := &DirectMessage{
		ID:             m.snowflake.NextID(),
		SenderID:       senderID,
		RecipientID:    recipientID,
		SenderUsername: senderUsername,
		Content:        content,
		CreatedAt:      nowMillis(),
	}
	m.directMessages[dm.ID] = dm
	cp := *dm
	return &cp, nil
}

func (m *MemStore) EditDirectMessage(ctx context.Context, messageID, actorID int64, content string) (*DirectMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dm, ok := m.directMessages[messageID]
	if !ok {
		return nil, ErrMessageNotFound
	}
	if dm.SenderID != actorID {
		return nil, ErrMessageNotOwned
	}
	editedAt := nowMillis()
	dm.Content = content
	dm.EditedAt = &editedAt
	cp := *dm
	return &cp, nil
}

func (m *MemStore) DeleteDirectMessage(ctx context.Context, messageID, actorID int64) (*DirectMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dm, ok := m.directMessages[messageID]
	if !ok {
		return nil, ErrMessageNotFound
	}
	if dm.SenderID != actorID {
		return nil, ErrMessageNotOwned
	}
	delete(m.directMessages, messageID)
	delete(m.reactions, messageID)
	cp := *dm
	return &cp, nil
}

func (m *MemStore) ClearDirectMessages(ctx context.Context, a, b int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, dm := range m.directMessages {
		if (dm.SenderID == a && dm.RecipientID == b) || (dm.SenderID == b && dm.RecipientID == a) {
			delete(m.directMessages, id)
			delete(m.reactions, id)
		}
	}
	return nil
}

func (m *MemStore) MessageReactions(ctx context.Context, messageID int64) (map[string][]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string][]int64, len(m.reactions[messageID]))
	for emoji, ids := range m.reactions[messageID] {
		cp := make([]int64, len(ids))
		copy(cp, ids)
		sort.Slice(cp, func(i, j int) bool { return cp[i] < cp[j] })
		out[emoji] = cp
	}
	return out, nil
}

func (m *MemStore) AddReaction(ctx context.Context, messageID, userID int64, emoji string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.reactions[messageID] == nil {
		m.reactions[messageID] = make(map[string][]int64)
	}
	for _, id := range m.reactions[messageID][emoji] {
		if id == userID {
			return nil
		}
	}
	m.reactions[messageID][emoji] = append(m.reactions[messageID][emoji], userID)
	return nil
}

func (m *MemStore) RemoveReaction(ctx context.Context, messageID, userID int64, emoji string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := m.reactions[messageID][emoji]
	for i, id := range ids {
		if id == userID {
			m.reactions[messageID][emoji] = append(ids[:i], ids[i+1:]...)
			if len(m.reactions[messageID][emoji]) == 0 {
				delete(m.reactions[messageID], emoji)
			}
			return nil
		}
	}
	return nil
}
