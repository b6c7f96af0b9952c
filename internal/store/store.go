// Package store persists channels, direct message threads and their messages
// in SQLite. It backs the history and send routes of the relay.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/omochice/huddle/pkg/protocol"
)

var (
	// ErrNotFound is returned when a channel, thread or message does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalid is returned for requests the store refuses to persist.
	ErrInvalid = errors.New("invalid request")
)

// ChannelType is the kind of a channel.
type ChannelType string

const (
	ChannelText  ChannelType = "text"
	ChannelVoice ChannelType = "voice"
)

// Channel belongs to a server.
type Channel struct {
	ID       string      `json:"id"`
	ServerID string      `json:"server_id"`
	Name     string      `json:"name"`
	Type     ChannelType `json:"type"`
}

// DM is a direct message thread between exactly two users.
type DM struct {
	ID    string `json:"id"`
	UserA string `json:"user1_id"`
	UserB string `json:"user2_id"`
}

// Other returns the participant that is not userID.
func (d DM) Other(userID string) (string, bool) {
	switch userID {
	case d.UserA:
		return d.UserB, true
	case d.UserB:
		return d.UserA, true
	default:
		return "", false
	}
}

// Has reports whether userID takes part in the thread.
func (d DM) Has(userID string) bool {
	_, ok := d.Other(userID)
	return ok
}

// Store wraps a SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path. ":memory:" keeps everything in
// process memory.
func Open(path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create db dir: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection keeps ":memory:" a single database and serialises writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS channels (
			id         TEXT PRIMARY KEY,
			server_id  TEXT NOT NULL DEFAULT '',
			name       TEXT NOT NULL,
			type       TEXT NOT NULL DEFAULT 'text' CHECK (type IN ('text', 'voice')),
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE TABLE IF NOT EXISTS dms (
			id         TEXT PRIMARY KEY,
			user_a     TEXT NOT NULL,
			user_b     TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (user_a, user_b)
		);
		CREATE TABLE IF NOT EXISTS messages (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			id         TEXT NOT NULL UNIQUE,
			channel_id TEXT REFERENCES channels(id) ON DELETE CASCADE,
			dm_id      TEXT REFERENCES dms(id) ON DELETE CASCADE,
			user_id    TEXT NOT NULL,
			content    TEXT NOT NULL,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_channel ON messages(channel_id, seq);
		CREATE INDEX IF NOT EXISTS idx_messages_dm ON messages(dm_id, seq);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateChannel adds a channel to serverID.
func (s *Store) CreateChannel(ctx context.Context, serverID, name string, typ ChannelType) (Channel, error) {
	if name == "" {
		return Channel{}, fmt.Errorf("%w: channel name is empty", ErrInvalid)
	}
	if typ == "" {
		typ = ChannelText
	}
	if typ != ChannelText && typ != ChannelVoice {
		return Channel{}, fmt.Errorf("%w: channel type %q", ErrInvalid, typ)
	}
	ch := Channel{ID: uuid.NewString(), ServerID: serverID, Name: name, Type: typ}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO channels (id, server_id, name, type) VALUES (?, ?, ?, ?)`,
		ch.ID, ch.ServerID, ch.Name, string(ch.Type)); err != nil {
		return Channel{}, fmt.Errorf("insert channel: %w", err)
	}
	return ch, nil
}

// Channel returns the channel with the given id.
func (s *Store) Channel(ctx context.Context, id string) (Channel, error) {
	var ch Channel
	var typ string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, server_id, name, type FROM channels WHERE id = ?`, id).
		Scan(&ch.ID, &ch.ServerID, &ch.Name, &typ)
	if errors.Is(err, sql.ErrNoRows) {
		return Channel{}, fmt.Errorf("channel %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Channel{}, fmt.Errorf("select channel: %w", err)
	}
	ch.Type = ChannelType(typ)
	return ch, nil
}

// CreateDM returns the thread between the two users, creating it on first use.
func (s *Store) CreateDM(ctx context.Context, userA, userB string) (DM, error) {
	if userA == "" || userB == "" || userA == userB {
		return DM{}, fmt.Errorf("%w: a thread needs two distinct participants", ErrInvalid)
	}
	pair := []string{userA, userB}
	sort.Strings(pair)

	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO dms (id, user_a, user_b) VALUES (?, ?, ?)`,
		uuid.NewString(), pair[0], pair[1]); err != nil {
		return DM{}, fmt.Errorf("insert dm: %w", err)
	}

	var dm DM
	if err := s.db.QueryRowContext(ctx,
		`SELECT id, user_a, user_b FROM dms WHERE user_a = ? AND user_b = ?`, pair[0], pair[1]).
		Scan(&dm.ID, &dm.UserA, &dm.UserB); err != nil {
		return DM{}, fmt.Errorf("select dm: %w", err)
	}
	return dm, nil
}

// DM returns the thread with the given id.
func (s *Store) DM(ctx context.Context, id string) (DM, error) {
	var dm DM
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_a, user_b FROM dms WHERE id = ?`, id).
		Scan(&dm.ID, &dm.UserA, &dm.UserB)
	if errors.Is(err, sql.ErrNoRows) {
		return DM{}, fmt.Errorf("dm %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return DM{}, fmt.Errorf("select dm: %w", err)
	}
	return dm, nil
}

// AppendMessage stores a new message from userID in conv and returns it with
// its assigned id and timestamp.
func (s *Store) AppendMessage(ctx context.Context, conv protocol.Conversation, userID, content string) (protocol.Message, error) {
	if content == "" {
		return protocol.Message{}, fmt.Errorf("%w: message content is empty", ErrInvalid)
	}
	if err := s.exists(ctx, conv); err != nil {
		return protocol.Message{}, err
	}

	msg := protocol.Message{
		ID:        uuid.NewString(),
		UserID:    userID,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
	var channelID, dmID sql.NullString
	if conv.Kind == protocol.ConversationDM {
		msg.DMID = conv.ID
		dmID = sql.NullString{String: conv.ID, Valid: true}
	} else {
		msg.ChannelID = conv.ID
		channelID = sql.NullString{String: conv.ID, Valid: true}
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, channel_id, dm_id, user_id, content, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, channelID, dmID, msg.UserID, msg.Content, msg.Timestamp.Format(time.RFC3339Nano)); err != nil {
		return protocol.Message{}, fmt.Errorf("insert message: %w", err)
	}
	return msg, nil
}

// History returns up to limit messages of conv, most recent first.
func (s *Store) History(ctx context.Context, conv protocol.Conversation, limit int) ([]protocol.Message, error) {
	if err := s.exists(ctx, conv); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}

	column := "channel_id"
	if conv.Kind == protocol.ConversationDM {
		column = "dm_id"
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, COALESCE(channel_id, ''), COALESCE(dm_id, ''), user_id, content, created_at
		 FROM messages WHERE `+column+` = ? ORDER BY seq DESC LIMIT ?`, conv.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("select messages: %w", err)
	}
	defer rows.Close()

	msgs := []protocol.Message{}
	for rows.Next() {
		var m protocol.Message
		var ts string
		if err := rows.Scan(&m.ID, &m.ChannelID, &m.DMID, &m.UserID, &m.Content, &ts); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if m.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("message %s timestamp: %w", m.ID, err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *Store) exists(ctx context.Context, conv protocol.Conversation) error {
	if conv.Kind == protocol.ConversationDM {
		_, err := s.DM(ctx, conv.ID)
		return err
	}
	_, err := s.Channel(ctx, conv.ID)
	return err
}
