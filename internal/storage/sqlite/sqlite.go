// Package sqlite persists the classified message history. Session state
// itself is never persisted; this is an append-only chat log.
package sqlite

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hipbot/hipchat/internal/client"
)

type DB struct {
	db *sql.DB
}

// StoredMessage is one history row.
type StoredMessage struct {
	ID        int64
	From      string
	Channel   string
	Body      string
	Type      string
	IsCommand bool
	Command   string
	Timestamp time.Time
}

func New(dataDir string) (*DB, error) {
	dbPath := filepath.Join(dataDir, "hipbot.db")

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &DB{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			sender TEXT NOT NULL,
			channel TEXT,
			body TEXT NOT NULL,
			type TEXT NOT NULL,
			is_command INTEGER NOT NULL DEFAULT 0,
			command TEXT,
			timestamp INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_channel ON messages(channel)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON messages(timestamp)`,
	}

	for _, m := range migrations {
		if _, err := d.db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}

// SaveMessage appends one classified message to the history log.
func (d *DB) SaveMessage(m *client.Message) error {
	channel := ""
	if m.Channel.String() != "" {
		channel = m.Channel.String()
	}

	_, err := d.db.Exec(
		`INSERT INTO messages (sender, channel, body, type, is_command, command, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.From.String(), channel, m.Body, m.Type, m.IsCommand, m.Command, time.Now().Unix(),
	)
	return err
}

// RecentMessages returns up to limit messages for a channel, newest first.
func (d *DB) RecentMessages(channel string, limit int) ([]StoredMessage, error) {
	rows, err := d.db.Query(
		`SELECT id, sender, channel, body, type, is_command, command, timestamp
		 FROM messages WHERE channel = ? ORDER BY timestamp DESC LIMIT ?`,
		channel, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StoredMessage
	for rows.Next() {
		var m StoredMessage
		var ts int64
		var command sql.NullString
		if err := rows.Scan(&m.ID, &m.From, &m.Channel, &m.Body, &m.Type, &m.IsCommand, &command, &ts); err != nil {
			return nil, err
		}
		m.Command = command.String
		m.Timestamp = time.Unix(ts, 0)
		out = append(out, m)
	}
	return out, rows.Err()
}
