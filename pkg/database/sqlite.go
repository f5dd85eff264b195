package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// DB is the SQLite-backed Store.
type DB struct {
	conn      *sql.DB // Read connection pool
	writeConn *sql.DB // Dedicated write connection (1 connection)
	snowflake *Snowflake
}

var _ Store = (*DB)(nil)

// Open opens the SQLite database at the given path and initializes the
// schema if needed.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Multiple readers are fine in WAL mode; writes go through the
	// dedicated single-connection handle below.
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	if err := applyPragmas(conn); err != nil {
		conn.Close()
		return nil, err
	}

	writeConn, err := sql.Open("sqlite", path)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open write connection: %w", err)
	}
	writeConn.SetMaxOpenConns(1)
	writeConn.SetMaxIdleConns(1)
	writeConn.SetConnMaxLifetime(0)

	if err := applyPragmas(writeConn); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, err
	}

	epoch := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()

	db := &DB{
		conn:      conn,
		writeConn: writeConn,
		snowflake: NewSnowflake(epoch, 0),
	}

	if err := db.initSchema(); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

func applyPragmas(conn *sql.DB) error {
	// WAL allows multiple readers and one writer at the same time
	if _, err := conn.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	// Wait and retry instead of failing immediately with SQLITE_BUSY
	if _, err := conn.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := conn.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		return fmt.Errorf("failed to set synchronous mode: %w", err)
	}
	return nil
}

// Close closes both database connections.
func (db *DB) Close() error {
	db.writeConn.Close()
	return db.conn.Close()
}

func (db *DB) initSchema() error {
	schema := `
-- User table
CREATE TABLE IF NOT EXISTS User (
	id INTEGER PRIMARY KEY,
	username TEXT NOT NULL UNIQUE,
	status TEXT NOT NULL DEFAULT 'offline',
	restricted INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);

-- Server table (a group of channels with a member list)
CREATE TABLE IF NOT EXISTS Server (
	id INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	owner_user_id INTEGER NOT NULL REFERENCES User(id),
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS ServerMember (
	server_id INTEGER NOT NULL REFERENCES Server(id) ON DELETE CASCADE,
	user_id INTEGER NOT NULL REFERENCES User(id) ON DELETE CASCADE,
	joined_at INTEGER NOT NULL,
	PRIMARY KEY (server_id, user_id)
);
CREATE INDEX IF NOT EXISTS idx_server_member_user ON ServerMember(user_id);

CREATE TABLE IF NOT EXISTS Channel (
	id INTEGER PRIMARY KEY,
	server_id INTEGER NOT NULL REFERENCES Server(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_channel_server ON Channel(server_id);

-- Channel messages (ids are Snowflakes, author identity is a snapshot)
CREATE TABLE IF NOT EXISTS Message (
	id INTEGER PRIMARY KEY,
	server_id INTEGER NOT NULL,
	channel_id INTEGER NOT NULL REFERENCES Channel(id) ON DELETE CASCADE,
	author_user_id INTEGER NOT NULL,
	author_username TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	edited_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_message_channel ON Message(channel_id, created_at);

CREATE TABLE IF NOT EXISTS DirectMessage (
	id INTEGER PRIMARY KEY,
	sender_user_id INTEGER NOT NULL,
	recipient_user_id INTEGER NOT NULL,
	sender_username TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	edited_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_dm_sender ON DirectMessage(sender_user_id, recipient_user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_dm_recipient ON DirectMessage(recipient_user_id, sender_user_id, created_at);

-- Friendship rows store the sorted pair (user_a < user_b)
CREATE TABLE IF NOT EXISTS Friendship (
	user_a INTEGER NOT NULL,
	user_b INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (user_a, user_b)
);

-- FriendRequest keeps the sorted pair alongside the directed pair so a
-- single unique index covers A->B and B->A duplicates
CREATE TABLE IF NOT EXISTS FriendRequest (
	id INTEGER PRIMARY KEY,
	from_user_id INTEGER NOT NULL,
	to_user_id INTEGER NOT NULL,
	user_a INTEGER NOT NULL,
	user_b INTEGER NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_friend_request_pair ON FriendRequest(user_a, user_b);

CREATE TABLE IF NOT EXISTS Block (
	blocker_user_id INTEGER NOT NULL,
	blocked_user_id INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (blocker_user_id, blocked_user_id)
);

CREATE TABLE IF NOT EXISTS Reaction (
	message_id INTEGER NOT NULL,
	user_id INTEGER NOT NULL,
	emoji TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (message_id, user_id, emoji)
);
CREATE INDEX IF NOT EXISTS idx_reaction_message ON Reaction(message_id);
`
	_, err := db.writeConn.Exec(schema)
	return err
}

// nowMillis returns current time as Unix timestamp in milliseconds
func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// translateErr maps driver-level uniqueness violations onto ErrDuplicate
// so callers never have to inspect error strings.
func translateErr(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return ErrDuplicate
	}
	return err
}

// --- Provisioning (used by the route layer and tests, not by the
// realtime core) ---

// CreateUser inserts a user. Usernames are unique.
func (db *DB) CreateUser(ctx context.Context, username, status string, restricted bool) (*User, error) {
	u := &User{
		ID:         db.snowflake.NextID(),
		Username:   username,
		Status:     status,
		Restricted: restricted,
		CreatedAt:  nowMillis(),
	}
	_, err := db.writeConn.ExecContext(ctx, `
		INSERT INTO User (id, username, status, restricted, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, u.ID, u.Username, u.Status, boolToInt(u.Restricted), u.CreatedAt)
	if err != nil {
		return nil, translateErr(err)
	}
	return u, nil
}

// SetUserStatus updates the persisted preferred status.
func (db *DB) SetUserStatus(ctx context.Context, userID int64, status string) error {
	res, err := db.writeConn.ExecContext(ctx, `UPDATE User SET status = ? WHERE id = ?`, status, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	return nil
}

// CreateServer inserts a server and enrolls the owner as a member.
func (db *DB) CreateServer(ctx context.Context, name string, ownerID int64) (*Server, error) {
	s := &Server{
		ID:        db.snowflake.NextID(),
		Name:      name,
		OwnerID:   ownerID,
		CreatedAt: nowMillis(),
	}
	tx, err := db.writeConn.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO Server (id, name, owner_user_id, created_at) VALUES (?, ?, ?, ?)
	`, s.ID, s.Name, s.OwnerID, s.CreatedAt); err != nil {
		return nil, translateErr(err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO ServerMember (server_id, user_id, joined_at) VALUES (?, ?, ?)
	`, s.ID, s.OwnerID, s.CreatedAt); err != nil {
		return nil, translateErr(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s, nil
}

// AddServerMember enrolls a user in a server. Idempotent.
func (db *DB) AddServerMember(ctx context.Context, serverID, userID int64) error {
	_, err := db.writeConn.ExecContext(ctx, `
		INSERT OR IGNORE INTO ServerMember (server_id, user_id, joined_at) VALUES (?, ?, ?)
	`, serverID, userID, nowMillis())
	return err
}

// CreateChannel inserts a channel under a server.
func (db *DB) CreateChannel(ctx context.Context, serverID int64, name string) (*Channel, error) {
	c := &Channel{
		ID:        db.snowflake.NextID(),
		ServerID:  serverID,
		Name:      name,
		CreatedAt: nowMillis(),
	}
	_, err := db.writeConn.ExecContext(ctx, `
		INSERT INTO Channel (id, server_id, name, created_at) VALUES (?, ?, ?, ?)
	`, c.ID, c.ServerID, c.Name, c.CreatedAt)
	if err != nil {
		return nil, translateErr(err)
	}
	return c, nil
}

// AddFriendship records a mutual friendship. Idempotent.
func (db *DB) AddFriendship(ctx context.Context, a, b int64) error {
	lo, hi := SortPair(a, b)
	_, err := db.writeConn.ExecContext(ctx, `
		INSERT OR IGNORE INTO Friendship (user_a, user_b, created_at) VALUES (?, ?, ?)
	`, lo, hi, nowMillis())
	return err
}

// AddBlock records that blocker has blocked blocked. Idempotent.
func (db *DB) AddBlock(ctx context.Context, blocker, blocked int64) error {
	_, err := db.writeConn.ExecContext(ctx, `
		INSERT OR IGNORE INTO Block (blocker_user_id, blocked_user_id, created_at) VALUES (?, ?, ?)
	`, blocker, blocked, nowMillis())
	return err
}

// --- Store interface ---

func (db *DB) UserByID(ctx context.Context, id int64) (*User, error) {
	u := &User{}
	var restricted int
	err := db.conn.QueryRowContext(ctx, `
		SELECT id, username, status, restricted, created_at FROM User WHERE id = ?
	`, id).Scan(&u.ID, &u.Username, &u.Status, &restricted, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	u.Restricted = restricted != 0
	return u, nil
}

func (db *DB) UserServers(ctx context.Context, userID int64) ([]*Server, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT s.id, s.name, s.owner_user_id, s.created_at
		FROM Server s
		INNER JOIN ServerMember m ON m.server_id = s.id
		WHERE m.user_id = ?
		ORDER BY s.created_at ASC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var servers []*Server
	for rows.Next() {
		s := &Server{}
		if err := rows.Scan(&s.ID, &s.Name, &s.OwnerID, &s.CreatedAt); err != nil {
			return nil, err
		}
		servers = append(servers, s)
	}
	return servers, rows.Err()
}

func (db *DB) ServerChannels(ctx context.Context, serverID int64) ([]*Channel, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, server_id, name, created_at FROM Channel
		WHERE server_id = ?
		ORDER BY created_at ASC
	`, serverID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var channels []*Channel
	for rows.Next() {
		c := &Channel{}
		if err := rows.Scan(&c.ID, &c.ServerID, &c.Name, &c.CreatedAt); err != nil {
			return nil, err
		}
		channels = append(channels, c)
	}
	return channels, rows.Err()
}

func (db *DB) IsServerMember(ctx context.Context, userID, serverID int64) (bool, error) {
	var one int
	err := db.conn.QueryRowContext(ctx, `
		SELECT 1 FROM ServerMember WHERE server_id = ? AND user_id = ?
	`, serverID, userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (db *DB) ChannelByID(ctx context.Context, channelID int64) (*Channel, error) {
	c := &Channel{}
	err := db.conn.QueryRowContext(ctx, `
		SELECT id, server_id, name, created_at FROM Channel WHERE id = ?
	`, channelID).Scan(&c.ID, &c.ServerID, &c.Name, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrChannelNotFound
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (db *DB) AreFriends(ctx context.Context, a, b int64) (bool, error) {
	lo, hi := SortPair(a, b)
	var one int
	err := db.conn.QueryRowContext(ctx, `
		SELECT 1 FROM Friendship WHERE user_a = ? AND user_b = ?
	`, lo, hi).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (db *DB) HasBlockBetween(ctx context.Context, a, b int64) (bool, error) {
	var one int
	err := db.conn.QueryRowContext(ctx, `
		SELECT 1 FROM Block
		WHERE (blocker_user_id = ? AND blocked_user_id = ?)
		   OR (blocker_user_id = ? AND blocked_user_id = ?)
	`, a, b, b, a).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (db *DB) HasPendingFriendRequest(ctx context.Context, a, b int64) (bool, error) {
	lo, hi := SortPair(a, b)
	var one int
	err := db.conn.QueryRowContext(ctx, `
		SELECT 1 FROM FriendRequest WHERE user_a = ? AND user_b = ?
	`, lo, hi).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (db *DB) CreateFriendRequest(ctx context.Context, from, to int64) (*FriendRequest, error) {
	lo, hi := SortPair(from, to)
	req := &FriendRequest{
		ID:         db.snowflake.NextID(),
		FromUserID: from,
		ToUserID:   to,
		CreatedAt:  nowMillis(),
	}
	_, err := db.writeConn.ExecContext(ctx, `
		INSERT INTO FriendRequest (id, from_user_id, to_user_id, user_a, user_b, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, req.ID, req.FromUserID, req.ToUserID, lo, hi, req.CreatedAt)
	if err != nil {
		return nil, translateErr(err)
	}
	return req, nil
}

func (db *DB) AddMessage(ctx context.Context, serverID, channelID, authorID int64, authorUsername, content string) (*Message, error) {
	msg := &Message{
		ID:             db.snowflake.NextID(),
		ServerID:       serverID,
		ChannelID:      channelID,
		AuthorID:       authorID,
		AuthorUsername: authorUsername,
		Content:        content,
		CreatedAt:      nowMillis(),
	}
	_, err := db.writeConn.ExecContext(ctx, `
		INSERT INTO Message (id, server_id, channel_id, author_user_id, author_username, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.ServerID, msg.ChannelID, msg.AuthorID, msg.AuthorUsername, msg.Content, msg.CreatedAt)
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func (db *DB) getMessage(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}, messageID int64) (*Message, error) {
	msg := &Message{}
	var editedAt sql.NullInt64
	err := q.QueryRowContext(ctx, `
		SELECT id, server_id, channel_id, author_user_id, author_username, content, created_at, edited_at
		FROM Message WHERE id = ?
	`, messageID).Scan(
		&msg.ID, &msg.ServerID, &msg.ChannelID, &msg.AuthorID,
		&msg.AuthorUsername, &msg.Content, &msg.CreatedAt, &editedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, err
	}
	if editedAt.Valid {
		msg.EditedAt = &editedAt.Int64
	}
	return msg, nil
}

func (db *DB) EditMessage(ctx context.Context, messageID, actorID int64, content string) (*Message, error) {
	tx, err := db.writeConn.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	msg, err := db.getMessage(ctx, tx, messageID)
	if err != nil {
		return nil, err
	}
	// Ownership is decided by the stored author, never the caller's claim
	if msg.AuthorID != actorID {
		return nil, ErrMessageNotOwned
	}

	editedAt := nowMillis()
	if _, err := tx.ExecContext(ctx, `
		UPDATE Message SET content = ?, edited_at = ? WHERE id = ?
	`, content, editedAt, messageID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	msg.Content = content
	msg.EditedAt = &editedAt
	return msg, nil
}

func (db *DB) DeleteMessage(ctx context.Context, messageID, actorID int64) (*Message, error) {
	tx, err := db.writeConn.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	msg, err := db.getMessage(ctx, tx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.AuthorID != actorID {
		return nil, ErrMessageNotOwned
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM Message WHERE id = ?`, messageID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return msg, nil
}

func (db *DB) AddDirectMessage(ctx context.Context, senderID, recipientID int64, senderUsername, content string) (*DirectMessage, error) {
	dm := &DirectMessage{
		ID:             db.snowflake.NextID(),
		SenderID:       senderID,
		RecipientID:    recipientID,
		SenderUsername: senderUsername,
		Content:        content,
		CreatedAt:      nowMillis(),
	}
	_, err := db.writeConn.ExecContext(ctx, `
		INSERT INTO DirectMessage (id, sender_user_id, recipient_user_id, sender_username, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, dm.ID, dm.SenderID, dm.RecipientID, dm.SenderUsername, dm.Content, dm.CreatedAt)
	if err != nil {
		return nil, err
	}
	return dm, nil
}

func (db *DB) getDirectMessage(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}, messageID int64) (*DirectMessage, error) {
	dm := &DirectMessage{}
	var editedAt sql.NullInt64
	err := q.QueryRowContext(ctx, `
		SELECT id, sender_user_id, recipient_user_id, sender_username, content, created_at, edited_at
		FROM DirectMessage WHERE id = ?
	`, messageID).Scan(
		&dm.ID, &dm.SenderID, &dm.RecipientID, &dm.SenderUsername,
		&dm.Content, &dm.CreatedAt, &editedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, err
	}
	if editedAt.Valid {
		dm.EditedAt = &editedAt.Int64
	}
	return dm, nil
}

func (db *DB) EditDirectMessage(ctx context.Context, messageID, actorID int64, content string) (*DirectMessage, error) {
	tx, err := db.writeConn.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	dm, err := db.getDirectMessage(ctx, tx, messageID)
	if err != nil {
		return nil, err
	}
	if dm.SenderID != actorID {
		return nil, ErrMessageNotOwned
	}

	editedAt := nowMillis()
	if _, err := tx.ExecContext(ctx, `
		UPDATE DirectMessage SET content = ?, edited_at = ? WHERE id = ?
	`, content, editedAt, messageID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	dm.Content = content
	dm.EditedAt = &editedAt
	return dm, nil
}

func (db *DB) DeleteDirectMessage(ctx context.Context, messageID, actorID int64) (*DirectMessage, error) {
	tx, err := db.writeConn.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	dm, err := db.getDirectMessage(ctx, tx, messageID)
	if err != nil {
		return nil, err
	}
	if dm.SenderID != actorID {
		return nil, ErrMessageNotOwned
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM DirectMessage WHERE id = ?`, messageID); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM Reaction WHERE message_id = ?`, messageID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return dm, nil
}

func (db *DB) ClearDirectMessages(ctx context.Context, a, b int64) error {
	tx, err := db.writeConn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM Reaction WHERE message_id IN (
			SELECT id FROM DirectMessage
			WHERE (sender_user_id = ? AND recipient_user_id = ?)
			   OR (sender_user_id = ? AND recipient_user_id = ?)
		)
	`, a, b, b, a); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM DirectMessage
		WHERE (sender_user_id = ? AND recipient_user_id = ?)
		   OR (sender_user_id = ? AND recipient_user_id = ?)
	`, a, b, b, a); err != nil {
		return err
	}
	return tx.Commit()
}

func (db *DB) MessageReactions(ctx context.Context, messageID int64) (map[string][]int64, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT emoji, user_id FROM Reaction WHERE message_id = ? ORDER BY created_at ASC
	`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	reactions := make(map[string][]int64)
	for rows.Next() {
		var emoji string
		var userID int64
		if err := rows.Scan(&emoji, &userID); err != nil {
			return nil, err
		}
		reactions[emoji] = append(reactions[emoji], userID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, ids := range reactions {
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	}
	return reactions, nil
}

func (db *DB) AddReaction(ctx context.Context, messageID, userID int64, emoji string) error {
	_, err := db.writeConn.ExecContext(ctx, `
		INSERT OR IGNORE INTO Reaction (message_id, user_id, emoji, created_at) VALUES (?, ?, ?, ?)
	`, messageID, userID, emoji, nowMillis())
	return err
}

func (db *DB) RemoveReaction(ctx context.Context, messageID, userID int64, emoji string) error {
	_, err := db.writeConn.ExecContext(ctx, `
		DELETE FROM Reaction WHERE message_id = ? AND user_id = ? AND emoji = ?
	`, messageID, userID, emoji)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
