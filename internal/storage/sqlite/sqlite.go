// Package sqlite mirrors what the engine reports (last presence, roster,
// block list and chat messages) into a local SQLite database.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

type DB struct {
	db *sql.DB
}

// New opens the database at path, creating it and its directory if needed
func New(path string) (*DB, error) {
	dsn := ":memory:"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		dsn = path
	}

	db, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dsn == ":memory:" {
		// Every connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
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
			id TEXT NOT NULL,
			account TEXT NOT NULL,
			peer TEXT NOT NULL,
			from_jid TEXT NOT NULL,
			body TEXT NOT NULL,
			type TEXT NOT NULL,
			thread TEXT,
			timestamp INTEGER NOT NULL,
			outgoing INTEGER NOT NULL,
			carbon INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (account, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_peer ON messages(account, peer)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON messages(timestamp)`,

		`CREATE TABLE IF NOT EXISTS account_state (
			account TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT,
			updated INTEGER NOT NULL,
			PRIMARY KEY (account, key)
		)`,

		`CREATE TABLE IF NOT EXISTS chat_state (
			account TEXT NOT NULL,
			jid TEXT NOT NULL,
			unread INTEGER DEFAULT 0,
			last_read INTEGER,
			PRIMARY KEY (account, jid)
		)`,

		`CREATE TABLE IF NOT EXISTS roster_cache (
			account TEXT NOT NULL,
			jid TEXT NOT NULL,
			name TEXT,
			groups_json TEXT,
			subscription TEXT,
			pending INTEGER NOT NULL DEFAULT 0,
			last_updated INTEGER NOT NULL,
			PRIMARY KEY (account, jid)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_roster_cache_account ON roster_cache(account)`,

		`CREATE TABLE IF NOT EXISTS contact_last_presence (
			account TEXT NOT NULL,
			contact_jid TEXT NOT NULL,
			resource TEXT,
			type TEXT,
			their_show TEXT,
			their_status_msg TEXT,
			game_title TEXT,
			product_id TEXT,
			joinable INTEGER NOT NULL DEFAULT 0,
			rich_presence TEXT,
			last_updated INTEGER,
			PRIMARY KEY (account, contact_jid)
		)`,

		`CREATE TABLE IF NOT EXISTS blocked_contacts (
			account TEXT NOT NULL,
			contact_jid TEXT NOT NULL,
			PRIMARY KEY (account, contact_jid)
		)`,
	}

	for _, migration := range migrations {
		if _, err := d.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

type Message struct {
	ID        string
	Peer      string
	From      string
	Body      string
	Type      string
	Thread    string
	Timestamp time.Time
	Outgoing  bool
	Carbon    bool
}

// SaveMessage stores a message. Saving the same id twice keeps one row.
func (d *DB) SaveMessage(account string, msg Message) error {
	_, err := d.db.Exec(`
		INSERT OR REPLACE INTO messages (id, account, peer, from_jid, body, type, thread, timestamp, outgoing, carbon)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, account, msg.Peer, msg.From, msg.Body, msg.Type, msg.Thread, msg.Timestamp.Unix(), msg.Outgoing, msg.Carbon)
	return err
}

// GetMessages returns messages exchanged with peer, oldest first
func (d *DB) GetMessages(account, peer string, limit, offset int) ([]Message, error) {
	rows, err := d.db.Query(`
		SELECT id, peer, from_jid, body, type, thread, timestamp, outgoing, carbon
		FROM messages
		WHERE account = ? AND peer = ?
		ORDER BY timestamp DESC, rowid DESC
		LIMIT ? OFFSET ?
	`, account, peer, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var msg Message
		var ts int64
		var thread sql.NullString

		err := rows.Scan(&msg.ID, &msg.Peer, &msg.From, &msg.Body, &msg.Type, &thread, &ts, &msg.Outgoing, &msg.Carbon)
		if err != nil {
			return nil, err
		}

		msg.Timestamp = time.Unix(ts, 0)
		msg.Thread = thread.String
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}

// ClearConversation deletes the messages exchanged with peer and resets its
// unread counter. It returns the number of messages removed.
func (d *DB) ClearConversation(account, peer string) (int64, error) {
	tx, err := d.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	result, err := tx.Exec("DELETE FROM messages WHERE account = ? AND peer = ?", account, peer)
	if err != nil {
		return 0, err
	}
	if _, err := tx.Exec("DELETE FROM chat_state WHERE account = ? AND jid = ?", account, peer); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (d *DB) DeleteOldMessages(days int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -days).Unix()
	result, err := d.db.Exec("DELETE FROM messages WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// CountMessages returns how many messages are stored for account
func (d *DB) CountMessages(account string) (int64, error) {
	var count int64
	err := d.db.QueryRow("SELECT COUNT(*) FROM messages WHERE account = ?", account).Scan(&count)
	return count, err
}

// IncrementUnread adds one to the unread counter of a conversation
func (d *DB) IncrementUnread(account, jid string) error {
	_, err := d.db.Exec(`
		INSERT INTO chat_state (account, jid, unread)
		VALUES (?, ?, 1)
		ON CONFLICT(account, jid) DO UPDATE SET unread = unread + 1
	`, account, jid)
	return err
}

func (d *DB) GetUnreadCount(account, jid string) (int, error) {
	var count int
	err := d.db.QueryRow(`
		SELECT unread FROM chat_state
		WHERE account = ? AND jid = ?
	`, account, jid).Scan(&count)

	if err == sql.ErrNoRows {
		return 0, nil
	}
	return count, err
}

func (d *DB) MarkRead(account, jid string) error {
	now := time.Now().Unix()
	_, err := d.db.Exec(`
		INSERT INTO chat_state (account, jid, unread, last_read)
		VALUES (?, ?, 0, ?)
		ON CONFLICT(account, jid) DO UPDATE SET unread = 0, last_read = excluded.last_read
	`, account, jid, now)
	return err
}

// SetState stores a value the app keeps for account between runs
func (d *DB) SetState(account, key, value string) error {
	_, err := d.db.Exec(`
		INSERT INTO account_state (account, key, value, updated)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(account, key) DO UPDATE SET value = excluded.value, updated = excluded.updated
	`, account, key, value, time.Now().Unix())
	return err
}

// State returns the value stored under key, or "" when there is none
func (d *DB) State(account, key string) (string, error) {
	var value sql.NullString
	err := d.db.QueryRow("SELECT value FROM account_state WHERE account = ? AND key = ?", account, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value.String, err
}

func (d *DB) DeleteState(account, key string) error {
	_, err := d.db.Exec("DELETE FROM account_state WHERE account = ? AND key = ?", account, key)
	return err
}

// Vacuum rebuilds the database file to give back the space of deleted rows
func (d *DB) Vacuum() error {
	_, err := d.db.Exec("VACUUM")
	return err
}

// ContactPresence is the last presence seen from a contact
type ContactPresence struct {
	ContactJID   string
	Resource     string
	Type         string
	Show         string
	StatusMsg    string
	GameTitle    string
	ProductID    string
	Joinable     bool
	RichPresence string
	LastUpdated  time.Time
}

func (d *DB) SaveContactLastPresence(account string, p ContactPresence) error {
	_, err := d.db.Exec(`
		INSERT OR REPLACE INTO contact_last_presence
			(account, contact_jid, resource, type, their_show, their_status_msg, game_title, product_id, joinable, rich_presence, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, account, p.ContactJID, p.Resource, p.Type, p.Show, p.StatusMsg, p.GameTitle, p.ProductID, p.Joinable, p.RichPresence, time.Now().Unix())
	return err
}

// GetContactLastPresence returns nil when nothing was recorded for the contact
func (d *DB) GetContactLastPresence(account, contactJID string) (*ContactPresence, error) {
	var resource, typ, show, status, title, product, rich sql.NullString
	var lastUpdatedUnix int64
	p := &ContactPresence{ContactJID: contactJID}

	err := d.db.QueryRow(`
		SELECT resource, type, their_show, their_status_msg, game_title, product_id, joinable, rich_presence, last_updated
		FROM contact_last_presence
		WHERE account = ? AND contact_jid = ?
	`, account, contactJID).Scan(&resource, &typ, &show, &status, &title, &product, &p.Joinable, &rich, &lastUpdatedUnix)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	p.Resource = resource.String
	p.Type = typ.String
	p.Show = show.String
	p.StatusMsg = status.String
	p.GameTitle = title.String
	p.ProductID = product.String
	p.RichPresence = rich.String
	p.LastUpdated = time.Unix(lastUpdatedUnix, 0)
	return p, nil
}

type RosterEntry struct {
	JID          string
	Name         string
	Groups       []string
	Subscription string
	Pending      bool
}

// SaveRoster replaces the stored roster of account
func (d *DB) SaveRoster(account string, entries []RosterEntry) error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM roster_cache WHERE account = ?", account); err != nil {
		return err
	}

	for _, entry := range entries {
		if err := upsertRosterEntry(tx, account, entry); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// SaveRosterEntry stores or replaces a single roster entry
func (d *DB) SaveRosterEntry(account string, entry RosterEntry) error {
	return upsertRosterEntry(d.db, account, entry)
}

func (d *DB) DeleteRosterEntry(account, jid string) error {
	_, err := d.db.Exec("DELETE FROM roster_cache WHERE account = ? AND jid = ?", account, jid)
	return err
}

type execer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
}

func upsertRosterEntry(ex execer, account string, entry RosterEntry) error {
	groupsJSON := "[]"
	if len(entry.Groups) > 0 {
		encoded, err := json.Marshal(entry.Groups)
		if err != nil {
			return err
		}
		groupsJSON = string(encoded)
	}

	_, err := ex.Exec(`
		INSERT OR REPLACE INTO roster_cache (account, jid, name, groups_json, subscription, pending, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, account, entry.JID, entry.Name, groupsJSON, entry.Subscription, entry.Pending, time.Now().Unix())
	return err
}

func (d *DB) GetRoster(account string) ([]RosterEntry, error) {
	rows, err := d.db.Query(`
		SELECT jid, name, groups_json, subscription, pending
		FROM roster_cache
		WHERE account = ?
		ORDER BY COALESCE(NULLIF(name, ''), jid) COLLATE NOCASE, jid
	`, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []RosterEntry
	for rows.Next() {
		var entry RosterEntry
		var groupsJSON sql.NullString
		var name, subscription sql.NullString

		if err := rows.Scan(&entry.JID, &name, &groupsJSON, &subscription, &entry.Pending); err != nil {
			return nil, err
		}

		entry.Name = name.String
		entry.Subscription = subscription.String
		if groupsJSON.Valid && groupsJSON.String != "" {
			_ = json.Unmarshal([]byte(groupsJSON.String), &entry.Groups)
		}

		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

// SaveBlocked replaces the stored block list of account
func (d *DB) SaveBlocked(account string, jids []string) error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM blocked_contacts WHERE account = ?", account); err != nil {
		return err
	}
	for _, j := range jids {
		if _, err := tx.Exec(`INSERT OR IGNORE INTO blocked_contacts (account, contact_jid) VALUES (?, ?)`, account, j); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (d *DB) GetBlocked(account string) ([]string, error) {
	rows, err := d.db.Query(`
		SELECT contact_jid FROM blocked_contacts
		WHERE account = ?
		ORDER BY contact_jid
	`, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jids []string
	for rows.Next() {
		var j string
		if err := rows.Scan(&j); err != nil {
			return nil, err
		}
		jids = append(jids, j)
	}
	return jids, rows.Err()
}
