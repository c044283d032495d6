// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messagestore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/chatlink/lib/codec"
	"github.com/bureau-foundation/chatlink/lib/events"
	"github.com/bureau-foundation/chatlink/lib/schema"
	"github.com/bureau-foundation/chatlink/lib/sqlitepool"
)

var (
	// ErrNotFound is returned when no message matches (chat id, id).
	ErrNotFound = errors.New("message not found")

	// ErrExists is returned by Add when (chat id, id) is already
	// stored.
	ErrExists = errors.New("message already exists")
)

// migrations is append-only; see sqlitepool.Config.Migrations.
var migrations = []string{
	`CREATE TABLE messages (
		chat_id        TEXT    NOT NULL,
		id             TEXT    NOT NULL,
		timestamp      INTEGER NOT NULL,
		from_me        INTEGER NOT NULL DEFAULT 0,
		sender_id      TEXT    NOT NULL DEFAULT '',
		read_timestamp INTEGER,
		status         INTEGER NOT NULL DEFAULT 0,
		body           BLOB    NOT NULL,
		PRIMARY KEY (chat_id, id)
	) WITHOUT ROWID;
	CREATE INDEX messages_by_time ON messages (chat_id, timestamp, id);`,
}

// SyncFunc tells the peer of chatID that messageID was deleted.
type SyncFunc func(ctx context.Context, chatID, messageID string) error

// Deleted identifies a removed message.
type Deleted struct {
	ChatID string
	ID     string
}

var (
	// AddedTopic carries every message written by Add.
	AddedTopic = events.NewTopic[*schema.Message]("added")

	// UpdatedTopic carries every message rewritten by Update.
	UpdatedTopic = events.NewTopic[*schema.Message]("updated")

	// DeletedTopic carries every removal, synced or not.
	DeletedTopic = events.NewTopic[Deleted]("deleted")
)

// Config configures [Open].
type Config struct {
	// Path is the database file, or sqlitepool.MemoryPath.
	Path     string
	PoolSize int
	Logger   *slog.Logger
}

// Store is the SQLite-backed message history. It is safe for
// concurrent use.
type Store struct {
	pool   *sqlitepool.Pool
	bus    *events.Bus
	logger *slog.Logger

	syncMu sync.RWMutex
	syncer SyncFunc
}

// body is the encoded content column.
type body struct {
	TextMessage         *schema.TextMessage         `json:"textMessage,omitempty"`
	ExtendedTextMessage *schema.ExtendedTextMessage `json:"extendedTextMessage,omitempty"`
}

// Open opens (creating if needed) the message database.
func Open(ctx context.Context, config Config) (*Store, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	pool, err := sqlitepool.Open(ctx, sqlitepool.Config{
		Path:       config.Path,
		PoolSize:   config.PoolSize,
		Migrations: migrations,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("opening message store: %w", err)
	}
	return &Store{
		pool:   pool,
		bus:    events.NewBus(false, logger),
		logger: logger,
	}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.pool.Close()
}

// Events returns the bus carrying AddedTopic, UpdatedTopic and
// DeletedTopic.
func (s *Store) Events() *events.Bus { return s.bus }

// SetSyncer installs the hook Delete uses when sync is requested. A
// nil syncer makes synced deletes local only.
func (s *Store) SetSyncer(syncer SyncFunc) {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()
	s.syncer = syncer
}

// Add stores a new message. It returns ErrExists if a message with the
// same chat id and id is already stored; Update rewrites one.
func (s *Store) Add(ctx context.Context, message *schema.Message) error {
	if err := message.Validate(); err != nil {
		return fmt.Errorf("adding message: %w", err)
	}
	content, err := encodeBody(message)
	if err != nil {
		return err
	}

	err = s.pool.Transact(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `
			INSERT INTO messages (chat_id, id, timestamp, from_me, sender_id, read_timestamp, status, body)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (chat_id, id) DO NOTHING`,
			&sqlitex.ExecOptions{Args: rowArgs(message, content)})
		if err != nil {
			return err
		}
		if conn.Changes() == 0 {
			return ErrExists
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("adding message %s/%s: %w", message.ChatID, message.ID, err)
	}
	events.Publish(s.bus, AddedTopic, message)
	return nil
}

// Get returns one message or ErrNotFound.
func (s *Store) Get(ctx context.Context, chatID, id string) (*schema.Message, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var found *schema.Message
	err = sqlitex.Execute(conn, selectColumns+` WHERE chat_id = ? AND id = ?`, &sqlitex.ExecOptions{
		Args: []any{chatID, id},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			message, err := scanMessage(stmt)
			found = message
			return err
		},
	})
	if err != nil {
		return nil, fmt.Errorf("reading message %s/%s: %w", chatID, id, err)
	}
	if found == nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, chatID, id)
	}
	return found, nil
}

// Update rewrites an existing message. It returns ErrNotFound if the
// message was never added or has been deleted.
func (s *Store) Update(ctx context.Context, message *schema.Message) error {
	content, err := encodeBody(message)
	if err != nil {
		return err
	}

	err = s.pool.Transact(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `
			UPDATE messages SET timestamp = ?3, from_me = ?4, sender_id = ?5,
				read_timestamp = ?6, status = ?7, body = ?8
			WHERE chat_id = ?1 AND id = ?2`,
			&sqlitex.ExecOptions{Args: rowArgs(message, content)})
		if err != nil {
			return err
		}
		if conn.Changes() == 0 {
			return fmt.Errorf("%w: %s/%s", ErrNotFound, message.ChatID, message.ID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("updating message: %w", err)
	}
	events.Publish(s.bus, UpdatedTopic, message)
	return nil
}

// SetStatus changes the delivery status of a message this node sent.
func (s *Store) SetStatus(ctx context.Context, chatID, id string, status schema.OutgoingStatus) error {
	err := s.pool.Transact(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `UPDATE messages SET status = ? WHERE chat_id = ? AND id = ?`,
			&sqlitex.ExecOptions{Args: []any{int(status), chatID, id}})
		if err != nil {
			return err
		}
		if conn.Changes() == 0 {
			return fmt.Errorf("%w: %s/%s", ErrNotFound, chatID, id)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("setting status of %s/%s: %w", chatID, id, err)
	}

	if message, err := s.Get(ctx, chatID, id); err == nil {
		events.Publish(s.bus, UpdatedTopic, message)
	}
	return nil
}

// Delete removes a message. Deleting a missing message is not an
// error. With sync set, the installed syncer tells the peer once the
// local row is gone; its failure is returned but the local delete
// stands.
func (s *Store) Delete(ctx context.Context, chatID, id string, sync bool) error {
	err := s.pool.Transact(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `DELETE FROM messages WHERE chat_id = ? AND id = ?`,
			&sqlitex.ExecOptions{Args: []any{chatID, id}})
	})
	if err != nil {
		return fmt.Errorf("deleting message %s/%s: %w", chatID, id, err)
	}
	events.Publish(s.bus, DeletedTopic, Deleted{ChatID: chatID, ID: id})

	if !sync {
		return nil
	}
	s.syncMu.RLock()
	syncer := s.syncer
	s.syncMu.RUnlock()
	if syncer == nil {
		s.logger.Debug("no syncer installed, delete stays local", "chat", chatID, "message", id)
		return nil
	}
	if err := syncer(ctx, chatID, id); err != nil {
		return fmt.Errorf("syncing delete of %s/%s: %w", chatID, id, err)
	}
	return nil
}

// Range bounds a history read. Zero Since and Until are open ends;
// Limit <= 0 means no limit.
type Range struct {
	Since int64
	Until int64
	Limit int
}

// ListByChat returns the messages of chatID whose timestamp falls in
// [Since, Until], oldest first. When Limit cuts the result, the newest
// messages are kept.
func (s *Store) ListByChat(ctx context.Context, chatID string, bounds Range) ([]*schema.Message, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	until := bounds.Until
	if until == 0 {
		until = maxTimestamp
	}
	limit := bounds.Limit
	if limit <= 0 {
		limit = -1
	}

	var messages []*schema.Message
	err = sqlitex.Execute(conn, `SELECT * FROM (`+selectColumns+`
			WHERE chat_id = ? AND timestamp >= ? AND timestamp <= ?
			ORDER BY timestamp DESC, id DESC LIMIT ?)
		ORDER BY timestamp ASC, id ASC`,
		&sqlitex.ExecOptions{
			Args: []any{chatID, bounds.Since, until, limit},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				message, err := scanMessage(stmt)
				if err != nil {
					return err
				}
				messages = append(messages, message)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("listing chat %s: %w", chatID, err)
	}
	return messages, nil
}

// Chats lists every chat id with at least one message.
func (s *Store) Chats(ctx context.Context) ([]string, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var chats []string
	err = sqlitex.Execute(conn, `SELECT DISTINCT chat_id FROM messages ORDER BY chat_id`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			chats = append(chats, stmt.ColumnText(0))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("listing chats: %w", err)
	}
	return chats, nil
}

const maxTimestamp = int64(1<<63 - 1)

const selectColumns = `SELECT chat_id, id, timestamp, from_me, sender_id, read_timestamp, status, body FROM messages`

// rowArgs orders message fields to match the INSERT column list; the
// UPDATE statement refers to them by position.
func rowArgs(message *schema.Message, content []byte) []any {
	var readTimestamp any
	if message.ReadTimestamp != nil {
		readTimestamp = *message.ReadTimestamp
	}
	return []any{
		message.ChatID,
		message.ID,
		message.Timestamp,
		boolInt(message.FromMe),
		message.SenderID,
		readTimestamp,
		int(message.Status),
		content,
	}
}

func boolInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

func scanMessage(stmt *sqlite.Stmt) (*schema.Message, error) {
	message := &schema.Message{
		ChatID:    stmt.ColumnText(0),
		ID:        stmt.ColumnText(1),
		Timestamp: stmt.ColumnInt64(2),
		FromMe:    stmt.ColumnInt(3) != 0,
		SenderID:  stmt.ColumnText(4),
		Status:    schema.OutgoingStatus(stmt.ColumnInt(6)),
	}
	if stmt.ColumnType(5) != sqlite.TypeNull {
		readTimestamp := stmt.ColumnInt64(5)
		message.ReadTimestamp = &readTimestamp
	}

	content := make([]byte, stmt.ColumnLen(7))
	stmt.ColumnBytes(7, content)
	var decoded body
	if err := codec.Unmarshal(content, &decoded); err != nil {
		diagnostic, _ := codec.Diagnose(content)
		return nil, fmt.Errorf("decoding body of %s/%s (%s): %w", message.ChatID, message.ID, diagnostic, err)
	}
	message.TextMessage = decoded.TextMessage
	message.ExtendedTextMessage = decoded.ExtendedTextMessage
	return message, nil
}

func encodeBody(message *schema.Message) ([]byte, error) {
	content, err := codec.Marshal(body{
		TextMessage:         message.TextMessage,
		ExtendedTextMessage: message.ExtendedTextMessage,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding body of %s/%s: %w", message.ChatID, message.ID, err)
	}
	return content, nil
}
