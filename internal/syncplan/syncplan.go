// Package syncplan computes what a two-way sync between the server and the
// local Maildir/index pair would need to do, without doing any of it: every
// local mutation it makes happens inside a transaction that is always
// rolled back afterward, so the plan can be inspected (or discarded for a
// dry run) before anything touches disk or the server.
package syncplan

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/emersion/go-imap/v2"

	"github.com/FliegendeWurst/inboxid/internal/imapsession"
	"github.com/FliegendeWurst/inboxid/internal/index"
	"github.com/FliegendeWurst/inboxid/internal/logging"
	"github.com/FliegendeWurst/inboxid/internal/mailboxid"
	"github.com/FliegendeWurst/inboxid/internal/mailmsg"
	"github.com/FliegendeWurst/inboxid/internal/maildirstore"
)

// SyncAction is one step of a sync plan. The concrete types below are the
// only implementations; callers type-switch on them.
type SyncAction interface {
	// Mailbox names the folder this action applies to, or "" for an action
	// (RemoveStale) that spans every folder at once.
	Mailbox() string
}

// TrashRemote moves a locally-trashed message into the server's Trash
// folder; the message still exists remotely under another message-id-bearing
// copy, so the remote message itself must be relocated rather than deleted.
type TrashRemote struct {
	MailboxName string
	ID          mailboxid.ID
}

func (a TrashRemote) Mailbox() string { return a.MailboxName }

// TrashLocal archives a locally-trashed message that the server no longer
// has any record of: there's nothing left to tell the server about.
type TrashLocal struct {
	MailboxName string
	ID          mailboxid.ID
}

func (a TrashLocal) Mailbox() string { return a.MailboxName }

// DeleteRemote permanently removes a message flagged for deletion both
// locally and on the server.
type DeleteRemote struct {
	MailboxName string
	ID          mailboxid.ID
}

func (a DeleteRemote) Mailbox() string { return a.MailboxName }

// DeleteLocal permanently removes a message flagged for deletion that the
// server has already lost track of.
type DeleteLocal struct {
	MailboxName string
	ID          mailboxid.ID
}

func (a DeleteLocal) Mailbox() string { return a.MailboxName }

// FlagUpdate is one message's worth of flag reconciliation: what the server
// currently reports, and what the local copy's Maildir info string says.
type FlagUpdate struct {
	ID          mailboxid.ID
	RemoteFlags []imap.Flag
	LocalFlags  string
}

// UpdateFlags reconciles \Seen between the server and a message that
// already exists on both sides under the same mailbox and UID.
type UpdateFlags struct {
	MailboxName string
	Updates     []FlagUpdate
}

func (a UpdateFlags) Mailbox() string { return a.MailboxName }

// HardlinkEntry is one message the executor should link in from wherever
// it already lives locally, rather than downloading it again.
type HardlinkEntry struct {
	ID          mailboxid.ID
	MessageID   string
	RemoteFlags []imap.Flag
}

// Hardlink links a message already stored under some other mailbox/UID
// (reached there via a move, copy, or prior sync) into this mailbox.
type Hardlink struct {
	MailboxName string
	Entries     []HardlinkEntry
}

func (a Hardlink) Mailbox() string { return a.MailboxName }

// Fetch downloads messages that exist remotely and nowhere locally yet.
type Fetch struct {
	MailboxName string
	IDs         []mailboxid.ID
}

func (a Fetch) Mailbox() string { return a.MailboxName }

// RemoveStale archives every locally-indexed message, grouped by mailbox,
// whose message-id the server no longer reports — e.g. because it was
// deleted by another client. Fallback message-ids (never backed by a real
// header) are exempt, since the server was never asked about them.
type RemoveStale struct {
	ByMailbox map[string][]mailboxid.ID
}

func (a RemoveStale) Mailbox() string { return "" }

// RemoteMessage is what the server reports for one message: its packed
// identity and current flag set.
type RemoteMessage struct {
	ID    mailboxid.ID
	Flags []imap.Flag
}

// RemoteState is the full picture the planner builds of what the server
// holds, mailbox by message-id. The executor needs it afterward for the
// final flag-reconciliation pass over every message it lists.
type RemoteState map[string]map[string]RemoteMessage

// hasFlag reports whether flags contains f.
func hasFlag(flags []imap.Flag, f imap.Flag) bool {
	for _, x := range flags {
		if x == f {
			return true
		}
	}
	return false
}

// Plan builds the sequence of actions a sync run would take. If
// mailboxNames is non-empty, only those mailboxes are considered; an empty
// list means every mailbox the account has.
func Plan(ctx context.Context, sess *imapsession.Session, idx *index.DB, mailboxNames []string) ([]SyncAction, RemoteState, error) {
	log := logging.WithComponent("syncplan")

	mailboxes, err := sess.ListMailboxes(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("syncplan: list mailboxes: %w", err)
	}

	selected := func(name string) bool {
		if len(mailboxNames) == 0 {
			return true
		}
		for _, m := range mailboxNames {
			if m == name {
				return true
			}
		}
		return false
	}

	trashMailbox := ""
	for _, mb := range mailboxes {
		if mb.IsTrash() {
			trashMailbox = mb.Name
		}
	}

	remote := make(RemoteState)
	for _, mb := range mailboxes {
		if !selected(mb.Name) {
			continue
		}
		log.Debug().Str("mailbox", mb.Name).Msg("indexing remote state")

		status, err := sess.Examine(ctx, mb.Name)
		if err != nil {
			return nil, nil, fmt.Errorf("syncplan: examine %s: %w", mb.Name, err)
		}

		uids, err := sess.SearchUIDRange(ctx, 1)
		if err != nil {
			return nil, nil, fmt.Errorf("syncplan: search %s: %w", mb.Name, err)
		}
		headers, err := sess.FetchHeaders(ctx, uids)
		if err != nil {
			return nil, nil, fmt.Errorf("syncplan: fetch headers %s: %w", mb.Name, err)
		}

		mails := make(map[string]RemoteMessage, len(headers))
		for _, h := range headers {
			if hasFlag(h.Flags, imap.FlagDeleted) {
				continue
			}
			id := mailboxid.New(status.UIDValidity, uint32(h.UID))
			messageID := h.MessageID
			if messageID == "" {
				messageID = mailmsg.FallbackMessageID(mb.Name, id)
			}
			mails[messageID] = RemoteMessage{ID: id, Flags: h.Flags}
		}
		remote[mb.Name] = mails
	}

	var actions []SyncAction
	staleByMailbox := make(map[string][]mailboxid.ID)
	printedTrashWarning := false

	err = idx.WithHypotheticalTx(func(tx *sql.Tx) error {
		for _, mb := range mailboxes {
			if !selected(mb.Name) {
				continue
			}
			isTrash := mb.IsTrash()
			remoteMails := remote[mb.Name]

			rows, err := index.ListMailboxTx(tx, mb.Name)
			if err != nil {
				return err
			}

			for _, row := range rows {
				_, onRemote := remoteMails[row.MessageID]
				action, remove := planRowAction(mb.Name, row, onRemote, isTrash, trashMailbox != "")
				if action == nil {
					if strings.ContainsRune(row.Flags, maildirstore.FlagCharTrashed) && !isTrash && trashMailbox == "" && !printedTrashWarning {
						log.Warn().Msg("unable to trash mail, no trash folder found")
						printedTrashWarning = true
					}
					continue
				}
				actions = append(actions, action)
				if remove {
					if err := index.DeleteTx(tx, mb.Name, row.ID); err != nil {
						return err
					}
				}
			}

			var toFlag []FlagUpdate
			var toHardlink []HardlinkEntry
			var toFetch []mailboxid.ID

			messageIDs := make([]string, 0, len(remoteMails))
			for messageID := range remoteMails {
				messageIDs = append(messageIDs, messageID)
			}
			sort.Strings(messageIDs)

			for _, messageID := range messageIDs {
				entry := remoteMails[messageID]

				local, err := index.FindByMessageIDTx(tx, messageID)
				if err != nil {
					return err
				}

				matched := false
				for _, l := range local {
					if l.Mailbox == mb.Name && l.ID == entry.ID {
						toFlag = append(toFlag, FlagUpdate{ID: entry.ID, RemoteFlags: entry.Flags, LocalFlags: l.Flags})
						matched = true
						break
					}
				}
				if matched {
					continue
				}

				if len(local) > 0 {
					toHardlink = append(toHardlink, HardlinkEntry{ID: entry.ID, MessageID: messageID, RemoteFlags: entry.Flags})
					if err := index.InsertTx(tx, mb.Name, entry.ID, messageID, local[0].Flags); err != nil {
						return err
					}
				} else if !isTrash {
					toFetch = append(toFetch, entry.ID)
				}
			}

			if len(toFlag) > 0 {
				actions = append(actions, UpdateFlags{MailboxName: mb.Name, Updates: toFlag})
			}
			if len(toHardlink) > 0 {
				actions = append(actions, Hardlink{MailboxName: mb.Name, Entries: toHardlink})
			}
			if len(toFetch) > 0 {
				actions = append(actions, Fetch{MailboxName: mb.Name, IDs: toFetch})
			}

			rowsAfter, err := index.ListMailboxTx(tx, mb.Name)
			if err != nil {
				return err
			}
			var stale []mailboxid.ID
			for _, row := range rowsAfter {
				_, onRemote := remoteMails[row.MessageID]
				if isStale(row.MessageID, onRemote) {
					stale = append(stale, row.ID)
				}
			}
			if len(stale) > 0 {
				staleByMailbox[mb.Name] = stale
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("syncplan: simulate: %w", err)
	}

	actions = append(actions, RemoveStale{ByMailbox: staleByMailbox})

	return actions, remote, nil
}

// planRowAction decides what, if anything, a single locally-indexed row
// requires given whether its message-id still exists remotely. It never
// touches the database or network, so it is the part of the planner worth
// unit testing directly. remove reports whether the caller must delete the
// hypothetical row to keep the simulated state consistent.
func planRowAction(mailbox string, row index.Row, onRemote, isTrash, hasTrashMailbox bool) (action SyncAction, remove bool) {
	switch {
	case strings.ContainsRune(row.Flags, maildirstore.FlagCharTrashed) && !isTrash:
		if !hasTrashMailbox {
			return nil, false
		}
		if onRemote {
			return TrashRemote{MailboxName: mailbox, ID: row.ID}, true
		}
		return TrashLocal{MailboxName: mailbox, ID: row.ID}, true
	case strings.ContainsRune(row.Flags, maildirstore.FlagCharDelete):
		if onRemote {
			return DeleteRemote{MailboxName: mailbox, ID: row.ID}, true
		}
		return DeleteLocal{MailboxName: mailbox, ID: row.ID}, true
	default:
		return nil, false
	}
}

// isStale reports whether a locally-indexed message-id should be treated
// as removed upstream: the server no longer reports it, and it was never a
// synthesized stand-in for a message that had no Message-Id header (those
// were never expected to show up remotely in the first place).
func isStale(messageID string, onRemote bool) bool {
	return !onRemote && !strings.HasSuffix(messageID, "@no-message-id>")
}
