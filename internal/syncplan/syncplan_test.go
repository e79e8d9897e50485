package syncplan

import (
	"testing"

	"github.com/emersion/go-imap/v2"
	"github.com/stretchr/testify/assert"

	"github.com/FliegendeWurst/inboxid/internal/index"
	"github.com/FliegendeWurst/inboxid/internal/mailboxid"
)

func TestHasFlag(t *testing.T) {
	assert.True(t, hasFlag([]imap.Flag{imap.FlagSeen, imap.FlagDeleted}, imap.FlagDeleted))
	assert.False(t, hasFlag([]imap.Flag{imap.FlagSeen}, imap.FlagDeleted))
	assert.False(t, hasFlag(nil, imap.FlagSeen))
}

func TestPlanRowActionTrashedWithTrashMailbox(t *testing.T) {
	row := index.Row{ID: mailboxid.New(1, 5), Flags: "T", MessageID: "<a@x>"}

	action, remove := planRowAction("INBOX", row, true, false, true)
	assert.True(t, remove)
	assert.Equal(t, TrashRemote{MailboxName: "INBOX", ID: row.ID}, action)

	action, remove = planRowAction("INBOX", row, false, false, true)
	assert.True(t, remove)
	assert.Equal(t, TrashLocal{MailboxName: "INBOX", ID: row.ID}, action)
}

func TestPlanRowActionTrashedWithoutTrashMailbox(t *testing.T) {
	row := index.Row{ID: mailboxid.New(1, 5), Flags: "T"}
	action, remove := planRowAction("INBOX", row, true, false, false)
	assert.Nil(t, action)
	assert.False(t, remove)
}

func TestPlanRowActionTrashedIgnoredInsideTrashItself(t *testing.T) {
	row := index.Row{ID: mailboxid.New(1, 5), Flags: "T"}
	action, remove := planRowAction("Trash", row, true, true, true)
	assert.Nil(t, action)
	assert.False(t, remove)
}

func TestPlanRowActionDeleteFlag(t *testing.T) {
	row := index.Row{ID: mailboxid.New(1, 6), Flags: "E"}

	action, remove := planRowAction("INBOX", row, true, false, true)
	assert.True(t, remove)
	assert.Equal(t, DeleteRemote{MailboxName: "INBOX", ID: row.ID}, action)

	action, remove = planRowAction("INBOX", row, false, false, true)
	assert.True(t, remove)
	assert.Equal(t, DeleteLocal{MailboxName: "INBOX", ID: row.ID}, action)
}

func TestPlanRowActionNoSpecialFlags(t *testing.T) {
	row := index.Row{ID: mailboxid.New(1, 7), Flags: "S"}
	action, remove := planRowAction("INBOX", row, true, false, true)
	assert.Nil(t, action)
	assert.False(t, remove)
}

func TestIsStale(t *testing.T) {
	assert.True(t, isStale("<abc@example.com>", false))
	assert.False(t, isStale("<abc@example.com>", true))
	assert.False(t, isStale("<INBOX_1_2@no-message-id>", false))
}

func TestRemoveStaleHasNoMailbox(t *testing.T) {
	action := RemoveStale{ByMailbox: map[string][]mailboxid.ID{"INBOX": {mailboxid.New(1, 1)}}}
	assert.Equal(t, "", action.Mailbox())
}

func TestActionsReportTheirMailbox(t *testing.T) {
	id := mailboxid.New(1, 1)
	assert.Equal(t, "INBOX", TrashRemote{MailboxName: "INBOX", ID: id}.Mailbox())
	assert.Equal(t, "INBOX", TrashLocal{MailboxName: "INBOX", ID: id}.Mailbox())
	assert.Equal(t, "INBOX", DeleteRemote{MailboxName: "INBOX", ID: id}.Mailbox())
	assert.Equal(t, "INBOX", DeleteLocal{MailboxName: "INBOX", ID: id}.Mailbox())
	assert.Equal(t, "INBOX", UpdateFlags{MailboxName: "INBOX"}.Mailbox())
	assert.Equal(t, "INBOX", Hardlink{MailboxName: "INBOX"}.Mailbox())
	assert.Equal(t, "INBOX", Fetch{MailboxName: "INBOX"}.Mailbox())
}
