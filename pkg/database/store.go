package database

import (
	"context"
	"errors"
)

var (
	// ErrUserNotFound indicates the user does not exist.
	ErrUserNotFound = errors.New("user not found")
	// ErrChannelNotFound indicates the channel does not exist.
	ErrChannelNotFound = errors.New("channel not found")
	// ErrMessageNotFound indicates the message does not exist.
	ErrMessageNotFound = errors.New("message not found")
	// ErrMessageNotOwned indicates the caller is not the message author.
	ErrMessageNotOwned = errors.New("message not authored by this user")
	// ErrDuplicate indicates a uniqueness constraint was violated.
	ErrDuplicate = errors.New("record already exists")
)

// User is a chat account. Status is the persisted preferred status, not
// live presence.
type User struct {
	ID         int64
	Username   string
	Status     string
	Restricted bool
	CreatedAt  int64
}

// Server is a group of channels with a member list.
type Server struct {
	ID        int64
	Name      string
	OwnerID   int64
	CreatedAt int64
}

// Channel is a named room inside a server.
type Channel struct {
	ID        int64
	ServerID  int64
	Name      string
	CreatedAt int64
}

// Message is a persisted channel message. AuthorUsername is a snapshot
// taken at post time.
type Message struct {
	ID             int64
	ServerID       int64
	ChannelID      int64
	AuthorID       int64
	AuthorUsername string
	Content        string
	CreatedAt      int64
	EditedAt       *int64
}

// DirectMessage is a persisted message between two users.
type DirectMessage struct {
	ID             int64
	SenderID       int64
	RecipientID    int64
	SenderUsername string
	Content        string
	CreatedAt      int64
	EditedAt       *int64
}

// FriendRequest is a pending request between two users. At most one may
// exist per unordered pair.
type FriendRequest struct {
	ID         int64
	FromUserID int64
	ToUserID   int64
	CreatedAt  int64
}

// Store is the persistence surface consumed by the realtime layer.
// Implementations must return the sentinel errors above so callers can
// translate them at the protocol boundary; in particular uniqueness
// violations must surface as ErrDuplicate.
type Store interface {
	UserByID(ctx context.Context, id int64) (*User, error)
	UserServers(ctx context.Context, userID int64) ([]*Server, error)
	ServerChannels(ctx context.Context, serverID int64) ([]*Channel, error)
	IsServerMember(ctx context.Context, userID, serverID int64) (bool, error)
	ChannelByID(ctx context.Context, channelID int64) (*Channel, error)

	AreFriends(ctx context.Context, a, b int64) (bool, error)
	HasBlockBetween(ctx context.Context, a, b int64) (bool, error)
	HasPendingFriendRequest(ctx context.Context, a, b int64) (bool, error)
	CreateFriendRequest(ctx context.Context, from, to int64) (*FriendRequest, error)

	AddMessage(ctx context.Context, serverID, channelID, authorID int64, authorUsername, content string) (*Message, error)
	EditMessage(ctx context.Context, messageID, actorID int64, content string) (*Message, error)
	DeleteMessage(ctx context.Context, messageID, actorID int64) (*Message, error)

	AddDirectMessage(ctx context.Context, senderID, recipientID int64, senderUsername, content string) (*DirectMessage, error)
	EditDirectMessage(ctx context.Context, messageID, actorID int64, content string) (*DirectMessage, error)
	DeleteDirectMessage(ctx context.Context, messageID, actorID int64) (*DirectMessage, error)
	ClearDirectMessages(ctx context.Context, a, b int64) error

	MessageReactions(ctx context.Context, messageID int64) (map[string][]int64, error)
	AddReaction(ctx context.Context, messageID, userID int64, emoji string) error
	RemoveReaction(ctx context.Context, messageID, userID int64, emoji string) error

	Close() error
}

// SortPair orders an unordered user pair canonically. DM rooms,
// friend-request locks, and the friendship tables all key on the sorted
// pair.
func SortPair(a, b int64) (int64, int64) {
	if a > b {
		return b, a
	}
	return a, b
}
