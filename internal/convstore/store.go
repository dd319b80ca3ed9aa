// Package convstore persists conversations in SQLite. Saves replace the
// whole transcript; the debounced saver above it keeps write volume low
// while utterances stream in.
package convstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/murmurcast/murmur-core/internal/chat"
	"github.com/murmurcast/murmur-core/internal/config"
)

// Store wraps the SQLite-backed conversation archive.
type Store struct {
	db    *sql.DB
	cfg   config.ConversationsConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the conversation store according to config. An empty
// path disables persistence; every method becomes a no-op.
func Open(ctx context.Context, cfg config.ConversationsConfig, log *slog.Logger) (*Store, error) {
	if cfg.Path == "" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("conversation store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("conversation store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS conversations (
    id TEXT PRIMARY KEY,
    title TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
    id TEXT NOT NULL,
    conversation_id TEXT NOT NULL,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    source TEXT,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY(conversation_id, id),
    FOREIGN KEY(conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation_created ON messages(conversation_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Save replaces the stored transcript with the given snapshot.
func (s *Store) Save(ctx context.Context, conv *chat.Conversation) error {
	if s.db == nil || conv == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO conversations(id, title, created_at, updated_at)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET title=excluded.title, updated_at=excluded.updated_at`,
		conv.ID, conv.Title, formatTime(conv.CreatedAt), formatTime(conv.UpdatedAt)); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, conv.ID); err != nil {
		return err
	}
	for _, msg := range conv.Ordered() {
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO messages(id, conversation_id, role, content, source, created_at)
			 VALUES(?, ?, ?, ?, ?, ?)`,
			msg.ID, conv.ID, string(msg.Role), msg.Content, string(msg.Source), formatTime(msg.Timestamp)); err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

// Load retrieves one conversation with its full transcript, or nil when
// the id is unknown.
func (s *Store) Load(ctx context.Context, id string) (*chat.Conversation, error) {
	if s.db == nil {
		return nil, nil
	}
	conv := &chat.Conversation{ID: id}
	var created, updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT title, created_at, updated_at FROM conversations WHERE id = ?`, id).
		Scan(&conv.Title, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	conv.CreatedAt = parseTime(created)
	conv.UpdatedAt = parseTime(updated)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role, content, source, created_at
		 FROM messages WHERE conversation_id = ? ORDER BY created_at DESC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var msg chat.Message
		var role, source, at string
		if err := rows.Scan(&msg.ID, &role, &msg.Content, &source, &at); err != nil {
			return nil, err
		}
		msg.Role = chat.Role(role)
		msg.Source = chat.Source(source)
		msg.Timestamp = parseTime(at)
		conv.Messages = append(conv.Messages, msg)
	}
	return conv, rows.Err()
}

// List returns conversation summaries (no transcripts), most recently
// updated first.
func (s *Store) List(ctx context.Context, limit int) ([]chat.Conversation, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, created_at, updated_at
		 FROM conversations ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []chat.Conversation
	for rows.Next() {
		var conv chat.Conversation
		var created, updated string
		if err := rows.Scan(&conv.ID, &conv.Title, &created, &updated); err != nil {
			return nil, err
		}
		conv.CreatedAt = parseTime(created)
		conv.UpdatedAt = parseTime(updated)
		out = append(out, conv)
	}
	return out, rows.Err()
}

// Delete removes one conversation and its messages.
func (s *Store) Delete(ctx context.Context, id string) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	return err
}

// Prune enforces the configured conversation cap, dropping the least
// recently updated first.
func (s *Store) Prune(ctx context.Context) error {
	if s.db == nil || s.cfg.MaxConversations <= 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id IN (
		SELECT id FROM conversations ORDER BY updated_at DESC LIMIT -1 OFFSET ?
	)`, s.cfg.MaxConversations)
	return err
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
