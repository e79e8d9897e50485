package index

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FliegendeWurst/inboxid/internal/mailboxid"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestInsertAndListMailbox(t *testing.T) {
	db := openTestDB(t)
	id := mailboxid.New(100, 1)

	require.NoError(t, db.Insert("INBOX", id, "<a@b>", "S"))

	rows, err := db.ListMailbox("INBOX")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, id, rows[0].ID)
	assert.Equal(t, "<a@b>", rows[0].MessageID)
	assert.Equal(t, "S", rows[0].Flags)
}

func TestUpdateFlagsAndDelete(t *testing.T) {
	db := openTestDB(t)
	id := mailboxid.New(100, 2)
	require.NoError(t, db.Insert("INBOX", id, "<c@d>", ""))

	require.NoError(t, db.UpdateFlags("INBOX", id, "RS"))
	rows, err := db.ListMailbox("INBOX")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "RS", rows[0].Flags)

	require.NoError(t, db.Delete("INBOX", id))
	rows, err = db.ListMailbox("INBOX")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestFindByMessageIDAcrossMailboxes(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Insert("INBOX", mailboxid.New(1, 1), "<shared@x>", "S"))
	require.NoError(t, db.Insert("Archive", mailboxid.New(1, 2), "<shared@x>", ""))

	rows, err := db.FindByMessageID("<shared@x>")
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestHypotheticalTxAlwaysRollsBack(t *testing.T) {
	db := openTestDB(t)
	id := mailboxid.New(1, 1)
	require.NoError(t, db.Insert("INBOX", id, "<m@x>", ""))

	err := db.WithHypotheticalTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`DELETE FROM mail WHERE mailbox = ?`, "INBOX")
		require.NoError(t, err)

		rows, err := ListMailboxTx(tx, "INBOX")
		require.NoError(t, err)
		assert.Empty(t, rows, "hypothetical delete should be visible inside the transaction")
		return nil
	})
	require.NoError(t, err)

	rows, err := db.ListMailbox("INBOX")
	require.NoError(t, err)
	assert.Len(t, rows, 1, "hypothetical transaction must be rolled back, not committed")
}
