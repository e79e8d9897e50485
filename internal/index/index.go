// Package index wraps the SQL index that records, per mailbox, which
// messages the local Maildir store believes the server holds.
package index

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/FliegendeWurst/inboxid/internal/logging"
	"github.com/FliegendeWurst/inboxid/internal/mailboxid"
)

// DB wraps the single-table SQLite index. All access goes through one
// mutex: SQLite permits only one writer at a time, and the planner relies
// on opening and always rolling back a transaction to compute a diff
// without observing another goroutine's half-applied writes.
type DB struct {
	*sql.DB
	path string
	mu   sync.Mutex
}

// Open opens or creates the index database at path, applying the schema
// if it is missing.
func Open(path string) (*DB, error) {
	log := logging.WithComponent("index")

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("index: create directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(30000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", path)
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("index: open: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("index: ping: %w", err)
	}

	db := &DB{DB: sqlDB, path: path}
	if err := db.migrate(); err != nil {
		sqlDB.Close()
		return nil, err
	}

	log.Debug().Str("path", path).Msg("index opened")
	return db, nil
}

func (db *DB) migrate() error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS mail(
			mailbox STRING NOT NULL,
			uid INTEGER NOT NULL,
			message_id STRING NOT NULL,
			flags STRING NOT NULL,
			PRIMARY KEY (mailbox, uid)
		)
	`)
	if err != nil {
		return fmt.Errorf("index: create mail table: %w", err)
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS mail_message_id ON mail(message_id)`)
	if err != nil {
		return fmt.Errorf("index: create message_id index: %w", err)
	}
	return nil
}

// Path returns the index file's path.
func (db *DB) Path() string {
	return db.path
}

// Row is one record in the mail table: a mailbox-and-uid packed identity,
// the Message-ID the fetcher recorded for it, and its Maildir flag string.
type Row struct {
	ID        mailboxid.ID
	Mailbox   string
	MessageID string
	Flags     string
}

// Insert records a newly fetched message.
func (db *DB) Insert(mailbox string, id mailboxid.ID, messageID, flags string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	_, err := db.Exec(
		`INSERT INTO mail(mailbox, uid, message_id, flags) VALUES (?, ?, ?, ?)`,
		mailbox, id.ToInt64(), messageID, flags,
	)
	if err != nil {
		return fmt.Errorf("index: insert: %w", err)
	}
	return nil
}

// UpdateFlags overwrites the recorded flag string for a mailbox/uid pair.
func (db *DB) UpdateFlags(mailbox string, id mailboxid.ID, flags string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	_, err := db.Exec(
		`UPDATE mail SET flags = ? WHERE mailbox = ? AND uid = ?`,
		flags, mailbox, id.ToInt64(),
	)
	if err != nil {
		return fmt.Errorf("index: update flags: %w", err)
	}
	return nil
}

// Delete removes a single mailbox/uid record, used when a message is
// expunged or moved away.
func (db *DB) Delete(mailbox string, id mailboxid.ID) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	_, err := db.Exec(`DELETE FROM mail WHERE mailbox = ? AND uid = ?`, mailbox, id.ToInt64())
	if err != nil {
		return fmt.Errorf("index: delete: %w", err)
	}
	return nil
}

// ListMailbox returns every row recorded for a mailbox, ordered by UID.
func (db *DB) ListMailbox(mailbox string) ([]Row, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	rows, err := db.Query(
		`SELECT uid, message_id, flags FROM mail WHERE mailbox = ? ORDER BY uid`,
		mailbox,
	)
	if err != nil {
		return nil, fmt.Errorf("index: list mailbox: %w", err)
	}
	defer rows.Close()
	return scanRows(rows, mailbox)
}

func scanRows(rows *sql.Rows, mailbox string) ([]Row, error) {
	var out []Row
	for rows.Next() {
		var packed int64
		var row Row
		if err := rows.Scan(&packed, &row.MessageID, &row.Flags); err != nil {
			return nil, fmt.Errorf("index: scan row: %w", err)
		}
		row.Mailbox = mailbox
		row.ID = mailboxid.FromInt64(packed)
		out = append(out, row)
	}
	return out, rows.Err()
}

// FindByMessageID returns every row across all mailboxes that recorded the
// given Message-ID, used to find where a referenced-but-absent message
// might already live locally.
func (db *DB) FindByMessageID(messageID string) ([]Row, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	rows, err := db.Query(
		`SELECT mailbox, uid, flags FROM mail WHERE message_id = ?`,
		messageID,
	)
	if err != nil {
		return nil, fmt.Errorf("index: find by message id: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var packed int64
		var row Row
		row.MessageID = messageID
		if err := rows.Scan(&row.Mailbox, &packed, &row.Flags); err != nil {
			return nil, fmt.Errorf("index: scan row: %w", err)
		}
		row.ID = mailboxid.FromInt64(packed)
		out = append(out, row)
	}
	return out, rows.Err()
}

// RebuildMailbox replaces every recorded row for mailbox with rows, in a
// single transaction: existing rows are deleted first so a mailbox whose
// Maildir shrank (messages removed by hand) doesn't leave stale entries
// behind.
func (db *DB) RebuildMailbox(mailbox string, rows []Row) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("index: begin rebuild: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM mail WHERE mailbox = ?`, mailbox); err != nil {
		return fmt.Errorf("index: rebuild: clear %s: %w", mailbox, err)
	}
	for _, row := range rows {
		if _, err := tx.Exec(
			`INSERT INTO mail(mailbox, uid, message_id, flags) VALUES (?, ?, ?, ?)`,
			mailbox, row.ID.ToInt64(), row.MessageID, row.Flags,
		); err != nil {
			return fmt.Errorf("index: rebuild: insert %s: %w", mailbox, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("index: rebuild: commit %s: %w", mailbox, err)
	}
	return nil
}

// Vacuum compacts the database file, matching the one-off maintenance the
// rebuild command performs after replacing a mailbox's worth of rows.
func (db *DB) Vacuum() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, err := db.Exec(`VACUUM`); err != nil {
		return fmt.Errorf("index: vacuum: %w", err)
	}
	return nil
}

// WithHypotheticalTx runs fn against a transaction that is always rolled
// back afterward, regardless of whether fn returns an error. This is how
// the planner computes "what would applying these actions look like"
// without ever persisting a speculative write.
func (db *DB) WithHypotheticalTx(fn func(tx *sql.Tx) error) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("index: begin hypothetical tx: %w", err)
	}
	defer tx.Rollback()

	return fn(tx)
}

// ListMailboxTx is ListMailbox run against an in-flight transaction, for
// use inside WithHypotheticalTx.
func ListMailboxTx(tx *sql.Tx, mailbox string) ([]Row, error) {
	rows, err := tx.Query(
		`SELECT uid, message_id, flags FROM mail WHERE mailbox = ? ORDER BY uid`,
		mailbox,
	)
	if err != nil {
		return nil, fmt.Errorf("index: list mailbox (tx): %w", err)
	}
	defer rows.Close()
	return scanRows(rows, mailbox)
}

// FindByMessageIDTx is FindByMessageID run against an in-flight transaction,
// for use inside WithHypotheticalTx.
func FindByMessageIDTx(tx *sql.Tx, messageID string) ([]Row, error) {
	rows, err := tx.Query(
		`SELECT mailbox, uid, flags FROM mail WHERE message_id = ?`,
		messageID,
	)
	if err != nil {
		return nil, fmt.Errorf("index: find by message id (tx): %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var packed int64
		var row Row
		row.MessageID = messageID
		if err := rows.Scan(&row.Mailbox, &packed, &row.Flags); err != nil {
			return nil, fmt.Errorf("index: scan row: %w", err)
		}
		row.ID = mailboxid.FromInt64(packed)
		out = append(out, row)
	}
	return out, rows.Err()
}

// InsertTx is Insert run against an in-flight transaction, used by the
// planner to make a hypothetical hardlink visible to later iterations
// within the same simulated pass.
func InsertTx(tx *sql.Tx, mailbox string, id mailboxid.ID, messageID, flags string) error {
	_, err := tx.Exec(
		`INSERT INTO mail(mailbox, uid, message_id, flags) VALUES (?, ?, ?, ?)`,
		mailbox, id.ToInt64(), messageID, flags,
	)
	if err != nil {
		return fmt.Errorf("index: insert (tx): %w", err)
	}
	return nil
}

// DeleteTx is Delete run against an in-flight transaction.
func DeleteTx(tx *sql.Tx, mailbox string, id mailboxid.ID) error {
	_, err := tx.Exec(`DELETE FROM mail WHERE mailbox = ? AND uid = ?`, mailbox, id.ToInt64())
	if err != nil {
		return fmt.Errorf("index: delete (tx): %w", err)
	}
	return nil
}
