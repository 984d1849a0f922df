// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Sequence numbers are assigned inside a serialized write transaction per append

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// timestampFormat is fixed-width so stored timestamps sort lexically.
const timestampFormat = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger

	// writeMu serializes every write so last_seq increments are linearizable
	// without relying on SQLITE_BUSY retries.
	writeMu sync.Mutex
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dsn := path
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
		dsn = "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Every pooled connection to :memory: would be a separate database.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
		if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enabling foreign keys: %w", err)
		}
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id                TEXT PRIMARY KEY,
			display_name      TEXT NOT NULL DEFAULT '',
			page_url          TEXT NOT NULL DEFAULT '',
			automation_active INTEGER NOT NULL DEFAULT 1,
			status            TEXT NOT NULL DEFAULT 'new',
			last_seq          INTEGER NOT NULL DEFAULT 0,
			created_at        TEXT NOT NULL,
			last_activity     TEXT NOT NULL,

			CHECK (status IN ('new', 'engaged'))
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_activity
			ON conversations(last_activity DESC);

		CREATE TABLE IF NOT EXISTS messages (
			conversation_id TEXT NOT NULL,
			seq             INTEGER NOT NULL,
			sender          TEXT NOT NULL,
			agent_identity  TEXT,
			body            TEXT NOT NULL,
			client_msg_id   TEXT,
			created_at      TEXT NOT NULL,

			PRIMARY KEY (conversation_id, seq),
			FOREIGN KEY (conversation_id) REFERENCES conversations(id),
			CHECK (sender IN ('visitor', 'agent', 'automation'))
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_client_id
			ON messages(conversation_id, client_msg_id)
			WHERE client_msg_id IS NOT NULL;
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// CreateConversation inserts a conversation with automation active and status new.
// Calling it again with the same id returns the existing record and created=false.
func (s *SQLiteStore) CreateConversation(ctx context.Context, id string, origin Origin) (*Conversation, bool, error) {
	if id == "" {
		return nil, false, errors.New("conversation id is required")
	}

	s.writeMu.Lock()
	now := time.Now().UTC().Format(timestampFormat)
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, display_name, page_url, automation_active, status, last_seq, created_at, last_activity)
		VALUES (?, ?, ?, 1, 'new', 0, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, id, origin.DisplayName, origin.PageURL, now, now)
	s.writeMu.Unlock()
	if err != nil {
		return nil, false, unavailable("inserting conversation", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, false, unavailable("checking rows affected", err)
	}

	conv, err := s.GetConversation(ctx, id)
	if err != nil {
		return nil, false, err
	}

	if rows > 0 {
		s.logger.Debug("created conversation", "conversation_id", id)
	}
	return conv, rows > 0, nil
}

const conversationColumns = `id, display_name, page_url, automation_active, status, last_seq, created_at, last_activity`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var conv Conversation
	var status, createdAtStr, lastActivityStr string

	if err := row.Scan(
		&conv.ID,
		&conv.DisplayName,
		&conv.PageURL,
		&conv.AutomationActive,
		&status,
		&conv.LastSeq,
		&createdAtStr,
		&lastActivityStr,
	); err != nil {
		return nil, err
	}
	conv.Status = Status(status)

	var err error
	conv.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	conv.LastActivity, err = time.Parse(time.RFC3339Nano, lastActivityStr)
	if err != nil {
		return nil, fmt.Errorf("parsing last_activity: %w", err)
	}
	return &conv, nil
}

// GetConversation retrieves a conversation by id.
// Returns ErrUnknownConversation if it doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUnknownConversation
	}
	if err != nil {
		return nil, unavailable("querying conversation", err)
	}
	return conv, nil
}

// ListConversations returns conversations ordered by most recent activity.
// If limit is 0 or negative, a default limit of 100 is used.
func (s *SQLiteStore) ListConversations(ctx context.Context, limit int) ([]*Conversation, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations ORDER BY last_activity DESC LIMIT ?`, limit)
	if err != nil {
		return nil, unavailable("querying conversations", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}
		convs = append(convs, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterating conversations", err)
	}
	return convs, nil
}

// updateConversation runs a single-row UPDATE and maps zero rows to ErrUnknownConversation.
func (s *SQLiteStore) updateConversation(ctx context.Context, op, query string, args ...any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return unavailable(op, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return unavailable(op, err)
	}
	if rows == 0 {
		return ErrUnknownConversation
	}
	return nil
}

// SetDisplayName stores the visitor-supplied name.
func (s *SQLiteStore) SetDisplayName(ctx context.Context, id, name string) error {
	return s.updateConversation(ctx, "updating display name",
		`UPDATE conversations SET display_name = ? WHERE id = ?`, name, id)
}

// SetAutomationFlag sets whether the automated responder handles the conversation.
func (s *SQLiteStore) SetAutomationFlag(ctx context.Context, id string, active bool) error {
	return s.updateConversation(ctx, "updating automation flag",
		`UPDATE conversations SET automation_active = ? WHERE id = ?`, active, id)
}

// GetAutomationFlag reads the automation flag.
func (s *SQLiteStore) GetAutomationFlag(ctx context.Context, id string) (bool, error) {
	var active bool
	err := s.db.QueryRowContext(ctx, `SELECT automation_active FROM conversations WHERE id = ?`, id).Scan(&active)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrUnknownConversation
	}
	if err != nil {
		return false, unavailable("querying automation flag", err)
	}
	return active, nil
}

// MarkEngaged moves a conversation from new to engaged. Already engaged is a no-op.
func (s *SQLiteStore) MarkEngaged(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM conversations WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrUnknownConversation
	}
	if err != nil {
		return unavailable("querying status", err)
	}
	if Status(status) == StatusEngaged {
		return nil
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET status = 'engaged' WHERE id = ? AND status = 'new'`, id); err != nil {
		return unavailable("updating status", err)
	}
	s.logger.Debug("conversation engaged", "conversation_id", id)
	return nil
}

// AppendMessage assigns the next sequence number and stores the message.
// The read of last_seq, the insert and the increment happen in one transaction
// under writeMu, so concurrent appends always get distinct, gapless numbers.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *NewMessage) (*Message, error) {
	if err := validateNewMessage(msg); err != nil {
		return nil, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, unavailable("beginning transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	var automationActive bool
	var lastSeq int64
	err = tx.QueryRowContext(ctx,
		`SELECT automation_active, last_seq FROM conversations WHERE id = ?`, msg.ConversationID,
	).Scan(&automationActive, &lastSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUnknownConversation
	}
	if err != nil {
		return nil, unavailable("reading conversation", err)
	}

	if msg.ClientMsgID != "" {
		existing, err := queryMessageByClientID(ctx, tx, msg.ConversationID, msg.ClientMsgID)
		if err == nil {
			return existing, ErrDuplicateMessage
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}

	if msg.RequireAutomation && !automationActive {
		return nil, ErrHandedOff
	}

	stored := &Message{
		ConversationID: msg.ConversationID,
		Seq:            lastSeq + 1,
		Author:         msg.Author,
		Body:           msg.Body,
		ClientMsgID:    msg.ClientMsgID,
		CreatedAt:      time.Now().UTC(),
	}
	createdAt := stored.CreatedAt.Format(timestampFormat)

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, seq, sender, agent_identity, body, client_msg_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		stored.ConversationID,
		stored.Seq,
		string(stored.Author.Sender()),
		nullString(AgentIdentity(stored.Author)),
		stored.Body,
		nullString(stored.ClientMsgID),
		createdAt,
	); err != nil {
		return nil, unavailable("inserting message", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET last_seq = ?, last_activity = ? WHERE id = ?`,
		stored.Seq, createdAt, stored.ConversationID,
	); err != nil {
		return nil, unavailable("advancing sequence", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, unavailable("committing message", err)
	}

	s.logger.Debug("appended message",
		"conversation_id", stored.ConversationID,
		"seq", stored.Seq,
		"sender", stored.Author.Sender())
	return stored, nil
}

// nullString returns nil for empty strings, otherwise the string
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

const messageColumns = `conversation_id, seq, sender, agent_identity, body, client_msg_id, created_at`

func scanMessage(row rowScanner) (*Message, error) {
	var msg Message
	var sender, createdAtStr string
	var agentIdentity, clientMsgID sql.NullString

	if err := row.Scan(
		&msg.ConversationID,
		&msg.Seq,
		&sender,
		&agentIdentity,
		&msg.Body,
		&clientMsgID,
		&createdAtStr,
	); err != nil {
		return nil, err
	}

	author, err := AuthorFor(Sender(sender), agentIdentity.String)
	if err != nil {
		return nil, err
	}
	msg.Author = author
	msg.ClientMsgID = clientMsgID.String

	msg.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &msg, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func queryMessageByClientID(ctx context.Context, q queryer, id, clientMsgID string) (*Message, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? AND client_msg_id = ?`,
		id, clientMsgID)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("querying message by client id", err)
	}
	return msg, nil
}

// GetMessageByClientID looks up a message by the sender's idempotency key.
// Returns ErrNotFound if no such message exists.
func (s *SQLiteStore) GetMessageByClientID(ctx context.Context, id, clientMsgID string) (*Message, error) {
	return queryMessageByClientID(ctx, s.db, id, clientMsgID)
}

// ListMessages returns messages with seq greater than afterSeq in sequence order.
// If limit is 0 or negative, all remaining messages are returned.
func (s *SQLiteStore) ListMessages(ctx context.Context, id string, afterSeq int64, limit int) ([]*Message, error) {
	if _, err := s.GetConversation(ctx, id); err != nil {
		return nil, err
	}

	var query strings.Builder
	query.WriteString(`SELECT ` + messageColumns + ` FROM messages WHERE conversation_id = ? AND seq > ? ORDER BY seq ASC`)
	args := []any{id, afterSeq}
	if limit > 0 {
		query.WriteString(` LIMIT ?`)
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, unavailable("querying messages", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterating messages", err)
	}
	return messages, nil
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)
