// Package syncexec applies a sync plan computed by syncplan: it is the only
// package in the synchronizer allowed to mutate the server, the local
// Maildir stores, or the index for real.
package syncexec

import (
	"context"
	"fmt"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/rs/zerolog"

	"github.com/FliegendeWurst/inboxid/internal/imapsession"
	"github.com/FliegendeWurst/inboxid/internal/index"
	"github.com/FliegendeWurst/inboxid/internal/logging"
	"github.com/FliegendeWurst/inboxid/internal/mailboxid"
	"github.com/FliegendeWurst/inboxid/internal/mailmsg"
	"github.com/FliegendeWurst/inboxid/internal/maildirstore"
	"github.com/FliegendeWurst/inboxid/internal/syncplan"
)

// goneMailbox is the account-wide archive every removal action copies into
// before deleting a message's working copy, addressed through the same
// StoreOpener as any real mailbox.
const goneMailbox = ".gone"

// StoreOpener lazily resolves (and the Executor caches) the Maildir store
// backing a mailbox name.
type StoreOpener func(mailboxName string) (*maildirstore.Store, error)

// Executor applies a previously computed plan in order, selecting whichever
// mailbox each action targets and expunging the previous selection first so
// messages marked \Deleted by an earlier action actually leave the server.
type Executor struct {
	sess *imapsession.Session
	idx  *index.DB
	open StoreOpener

	stores map[string]*maildirstore.Store

	selected    string
	uidValidity uint32
	skipped     int
}

// Skipped returns how many actions (or entries of a batched action) were
// skipped, either because the server's UIDVALIDITY no longer matched what
// the plan was computed against or because a local Maildir operation
// failed. A caller can use this to distinguish a fully successful run from one that
// quietly dropped work, per the exit-code convention the CLI follows.
func (e *Executor) Skipped() int {
	return e.skipped
}

// New builds an Executor. open is called at most once per distinct mailbox
// name encountered across the whole plan (including the synthetic ".gone"
// archive).
func New(sess *imapsession.Session, idx *index.DB, open StoreOpener) *Executor {
	return &Executor{sess: sess, idx: idx, open: open, stores: make(map[string]*maildirstore.Store)}
}

func (e *Executor) store(mailbox string) (*maildirstore.Store, error) {
	if s, ok := e.stores[mailbox]; ok {
		return s, nil
	}
	s, err := e.open(mailbox)
	if err != nil {
		return nil, fmt.Errorf("syncexec: open store %s: %w", mailbox, err)
	}
	e.stores[mailbox] = s
	return s, nil
}

// ensureSelected selects mailbox if it isn't already the active selection.
// The previously selected mailbox is expunged first, so \Deleted messages
// from a prior action are actually removed before the executor moves on
// (the final action's mailbox is left unexpunged, same as a bare sync run
// that exits without a trailing pass; the next run's SELECT reconciles it).
func (e *Executor) ensureSelected(ctx context.Context, mailbox string) error {
	if e.selected == mailbox {
		return nil
	}
	if e.selected != "" {
		if err := e.sess.Expunge(ctx); err != nil {
			return fmt.Errorf("syncexec: expunge %s: %w", e.selected, err)
		}
	}
	status, err := e.sess.Select(ctx, mailbox)
	if err != nil {
		return fmt.Errorf("syncexec: select %s: %w", mailbox, err)
	}
	e.selected = mailbox
	e.uidValidity = status.UIDValidity
	return nil
}

// checkValid reports whether the currently selected mailbox's uid validity
// still matches what the action was planned against; a mismatch means the
// server reassigned UIDs between planning and execution, and the action
// must be skipped rather than risk operating on the wrong message.
func (e *Executor) checkValid(uidValidity uint32) bool {
	return uidValidityMatches(e.uidValidity, uidValidity)
}

// uidValidityMatches is the pure comparison checkValid wraps: selected is
// the epoch of the mailbox currently selected on the server (0 meaning
// nothing is selected yet), planned is the epoch an action was computed
// against.
func uidValidityMatches(selected, planned uint32) bool {
	return selected != 0 && selected == planned
}

// Execute applies every action in order against the live server and local
// stores, then reconciles local flags against the remote state the plan
// was built from.
func (e *Executor) Execute(ctx context.Context, actions []syncplan.SyncAction, remote syncplan.RemoteState) error {
	log := logging.WithComponent("syncexec")

	trashMailbox, hasTrash, err := e.sess.TrashMailbox(ctx)
	if err != nil {
		return fmt.Errorf("syncexec: find trash mailbox: %w", err)
	}

	for _, action := range actions {
		if mailbox := action.Mailbox(); mailbox != "" {
			if err := e.ensureSelected(ctx, mailbox); err != nil {
				return err
			}
		}

		var err error
		switch a := action.(type) {
		case syncplan.TrashRemote:
			err = e.applyTrashRemote(ctx, a, hasTrash, trashMailbox, log)
		case syncplan.TrashLocal:
			err = e.applyTrashLocal(ctx, a, log)
		case syncplan.DeleteRemote:
			err = e.applyDeleteRemote(ctx, a, log)
		case syncplan.DeleteLocal:
			err = e.applyDeleteLocal(ctx, a, log)
		case syncplan.UpdateFlags:
			err = e.applyUpdateFlags(ctx, a, log)
		case syncplan.Hardlink:
			err = e.applyHardlink(ctx, a, log)
		case syncplan.Fetch:
			err = e.applyFetch(ctx, a, log)
		case syncplan.RemoveStale:
			err = e.applyRemoveStale(ctx, a, log)
		default:
			err = fmt.Errorf("syncexec: unknown action type %T", action)
		}
		if err != nil {
			return err
		}
	}

	return e.reconcileLocalFlags(remote, log)
}

// archiveThenDelete copies a message into the account-wide ".gone" mailbox
// (best-effort: it may already be gone) and removes the working copy.
func (e *Executor) archiveThenDelete(mailbox string, id mailboxid.ID) error {
	src, err := e.store(mailbox)
	if err != nil {
		return err
	}
	entry, ok, err := src.Find(id)
	if err != nil {
		return err
	}
	if ok {
		gone, err := e.store(goneMailbox)
		if err != nil {
			return err
		}
		_ = gone.StoreFromPath(id, "", entry.Path, false) // best-effort: already archived is fine
	}
	return src.Delete(id)
}

func (e *Executor) applyTrashRemote(ctx context.Context, a syncplan.TrashRemote, hasTrash bool, trashMailbox string, log zerolog.Logger) error {
	if !e.checkValid(a.ID.UIDValidity) {
		e.skipped++
		log.Warn().Str("mailbox", a.MailboxName).Str("id", a.ID.String()).Msg("uid validity changed, skipping action")
		return nil
	}
	if !hasTrash {
		return nil
	}
	log.Info().Str("mailbox", a.MailboxName).Str("id", a.ID.String()).Msg("trashing remotely")
	if err := e.sess.Move(ctx, []imap.UID{imap.UID(a.ID.UID)}, trashMailbox); err != nil {
		return fmt.Errorf("syncexec: move to trash: %w", err)
	}
	if err := e.archiveThenDelete(a.MailboxName, a.ID); err != nil {
		e.skipped++
		log.Warn().Err(err).Str("mailbox", a.MailboxName).Str("id", a.ID.String()).Msg("failed to archive trashed message locally, skipping")
		return nil
	}
	if err := e.idx.Delete(a.MailboxName, a.ID); err != nil {
		return fmt.Errorf("syncexec: deindex trashed message: %w", err)
	}
	return nil
}

func (e *Executor) applyTrashLocal(ctx context.Context, a syncplan.TrashLocal, log zerolog.Logger) error {
	if !e.checkValid(a.ID.UIDValidity) {
		e.skipped++
		log.Warn().Str("mailbox", a.MailboxName).Str("id", a.ID.String()).Msg("uid validity changed, skipping action")
		return nil
	}
	log.Info().Str("mailbox", a.MailboxName).Str("id", a.ID.String()).Msg("trashing locally")
	if err := e.archiveThenDelete(a.MailboxName, a.ID); err != nil {
		e.skipped++
		log.Warn().Err(err).Str("mailbox", a.MailboxName).Str("id", a.ID.String()).Msg("failed to archive trashed message locally, skipping")
		return nil
	}
	if err := e.idx.Delete(a.MailboxName, a.ID); err != nil {
		return fmt.Errorf("syncexec: deindex trashed message: %w", err)
	}
	return nil
}

func (e *Executor) applyDeleteRemote(ctx context.Context, a syncplan.DeleteRemote, log zerolog.Logger) error {
	if !e.checkValid(a.ID.UIDValidity) {
		e.skipped++
		log.Warn().Str("mailbox", a.MailboxName).Str("id", a.ID.String()).Msg("uid validity changed, skipping action")
		return nil
	}
	log.Info().Str("mailbox", a.MailboxName).Str("id", a.ID.String()).Msg("deleting remotely")
	if err := e.sess.AddFlags(ctx, []imap.UID{imap.UID(a.ID.UID)}, []imap.Flag{imap.FlagDeleted}); err != nil {
		return fmt.Errorf("syncexec: mark deleted: %w", err)
	}
	if err := e.idx.Delete(a.MailboxName, a.ID); err != nil {
		return fmt.Errorf("syncexec: deindex deleted message: %w", err)
	}
	store, err := e.store(a.MailboxName)
	if err != nil {
		return err
	}
	if err := store.Delete(a.ID); err != nil {
		e.skipped++
		log.Warn().Err(err).Str("mailbox", a.MailboxName).Str("id", a.ID.String()).Msg("failed to delete local copy, skipping")
	}
	return nil
}

func (e *Executor) applyDeleteLocal(ctx context.Context, a syncplan.DeleteLocal, log zerolog.Logger) error {
	if !e.checkValid(a.ID.UIDValidity) {
		e.skipped++
		log.Warn().Str("mailbox", a.MailboxName).Str("id", a.ID.String()).Msg("uid validity changed, skipping action")
		return nil
	}
	log.Info().Str("mailbox", a.MailboxName).Str("id", a.ID.String()).Msg("deleting locally")
	if err := e.idx.Delete(a.MailboxName, a.ID); err != nil {
		return fmt.Errorf("syncexec: deindex deleted message: %w", err)
	}
	store, err := e.store(a.MailboxName)
	if err != nil {
		return err
	}
	if err := store.Delete(a.ID); err != nil {
		e.skipped++
		log.Warn().Err(err).Str("mailbox", a.MailboxName).Str("id", a.ID.String()).Msg("failed to delete local copy, skipping")
	}
	return nil
}

func (e *Executor) applyUpdateFlags(ctx context.Context, a syncplan.UpdateFlags, log zerolog.Logger) error {
	for _, u := range a.Updates {
		if !e.checkValid(u.ID.UIDValidity) {
			e.skipped++
			log.Warn().Str("mailbox", a.MailboxName).Str("id", u.ID.String()).Msg("uid validity changed, skipping action")
			continue
		}
		if err := e.reconcileSeen(ctx, a.MailboxName, u.ID, u.RemoteFlags, u.LocalFlags, log); err != nil {
			return err
		}
	}
	return nil
}

// seenChange is the outcome of deciding whether a message's remote \Seen
// flag needs to move to match the local copy.
type seenChange int

const (
	seenUnchanged seenChange = iota
	seenSet
	seenCleared
)

// decideSeenChange is the pure half of reconcileSeen: a locally read
// message the server doesn't yet show as read should be marked \Seen, and
// a message the local copy explicitly overrides back to unread (the
// private "U" flag) should have \Seen cleared.
func decideSeenChange(localFlags string, remoteFlags []imap.Flag) seenChange {
	localSeen := strings.ContainsRune(localFlags, 'S')
	localUnread := strings.ContainsRune(localFlags, rune(maildirstore.FlagCharUnread))
	remoteSeen := false
	for _, f := range remoteFlags {
		if f == imap.FlagSeen {
			remoteSeen = true
			break
		}
	}

	switch {
	case localSeen && !remoteSeen:
		return seenSet
	case localUnread && remoteSeen:
		return seenCleared
	default:
		return seenUnchanged
	}
}

// reconcileSeen pushes a local \Seen decision up to the server.
func (e *Executor) reconcileSeen(ctx context.Context, mailbox string, id mailboxid.ID, remoteFlags []imap.Flag, localFlags string, log zerolog.Logger) error {
	switch decideSeenChange(localFlags, remoteFlags) {
	case seenSet:
		log.Debug().Str("mailbox", mailbox).Str("id", id.String()).Msg("setting seen flag remotely")
		return e.sess.AddFlags(ctx, []imap.UID{imap.UID(id.UID)}, []imap.Flag{imap.FlagSeen})
	case seenCleared:
		log.Debug().Str("mailbox", mailbox).Str("id", id.String()).Msg("clearing seen flag remotely")
		return e.sess.RemoveFlags(ctx, []imap.UID{imap.UID(id.UID)}, []imap.Flag{imap.FlagSeen})
	}
	return nil
}

func (e *Executor) applyHardlink(ctx context.Context, a syncplan.Hardlink, log zerolog.Logger) error {
	for _, entry := range a.Entries {
		if !e.checkValid(entry.ID.UIDValidity) {
			e.skipped++
			log.Warn().Str("mailbox", a.MailboxName).Str("id", entry.ID.String()).Msg("uid validity changed, skipping action")
			continue
		}
		rows, err := e.idx.FindByMessageID(entry.MessageID)
		if err != nil {
			return fmt.Errorf("syncexec: find hardlink source: %w", err)
		}
		if len(rows) == 0 {
			log.Warn().Str("messageId", entry.MessageID).Msg("hardlink source vanished, skipping")
			continue
		}
		source := rows[0]

		srcStore, err := e.store(source.Mailbox)
		if err != nil {
			return err
		}
		srcEntry, ok, err := srcStore.Find(source.ID)
		if err != nil {
			return err
		}
		if !ok {
			log.Warn().Str("mailbox", source.Mailbox).Str("id", source.ID.String()).Msg("hardlink source file missing, skipping")
			continue
		}

		destStore, err := e.store(a.MailboxName)
		if err != nil {
			return err
		}
		log.Info().
			Str("fromMailbox", source.Mailbox).Str("fromId", source.ID.String()).
			Str("toMailbox", a.MailboxName).Str("toId", entry.ID.String()).
			Msg("hardlinking")
		if err := destStore.StoreFromPath(entry.ID, source.Flags, srcEntry.Path, false); err != nil {
			e.skipped++
			log.Warn().Err(err).Str("mailbox", a.MailboxName).Str("id", entry.ID.String()).Msg("failed to hardlink message locally, skipping")
			continue
		}
		if err := e.idx.Insert(a.MailboxName, entry.ID, entry.MessageID, source.Flags); err != nil {
			return fmt.Errorf("syncexec: index hardlinked message: %w", err)
		}
		if err := e.reconcileSeen(ctx, a.MailboxName, entry.ID, entry.RemoteFlags, source.Flags, log); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) applyFetch(ctx context.Context, a syncplan.Fetch, log zerolog.Logger) error {
	if len(a.IDs) == 0 {
		return nil
	}
	if !e.checkValid(a.IDs[0].UIDValidity) {
		e.skipped++
		log.Warn().Str("mailbox", a.MailboxName).Msg("uid validity changed, skipping fetch batch")
		return nil
	}

	store, err := e.store(a.MailboxName)
	if err != nil {
		return err
	}

	uids := make([]imap.UID, len(a.IDs))
	for i, id := range a.IDs {
		uids[i] = imap.UID(id.UID)
	}
	bodies, err := e.sess.FetchFullWithFlags(ctx, uids)
	if err != nil {
		return fmt.Errorf("syncexec: fetch bodies: %w", err)
	}

	for _, id := range a.IDs {
		full, ok := bodies[id.UID]
		if !ok {
			continue
		}
		if _, found, err := store.Find(id); err != nil {
			e.skipped++
			log.Warn().Err(err).Str("mailbox", a.MailboxName).Str("id", id.String()).Msg("failed to check for existing copy, skipping")
			continue
		} else if found {
			log.Warn().Str("mailbox", a.MailboxName).Str("id", id.String()).Msg("already stored, downloaded again")
			continue
		}

		log.Info().Str("mailbox", a.MailboxName).Str("id", id.String()).Msg("fetching")
		flags := maildirstore.ImapToMaildirFlags("", full.Flags)

		record, err := mailmsg.Parse(a.MailboxName, id, flags, full.Data)
		messageID := ""
		if err == nil {
			messageID = record.MessageID
		} else {
			messageID = mailmsg.FallbackMessageID(a.MailboxName, id)
		}

		if err := store.StoreCur(id, flags, full.Data); err != nil {
			e.skipped++
			log.Warn().Err(err).Str("mailbox", a.MailboxName).Str("id", id.String()).Msg("failed to store fetched message, skipping")
			continue
		}
		if err := e.idx.Insert(a.MailboxName, id, messageID, flags); err != nil {
			return fmt.Errorf("syncexec: index fetched message: %w", err)
		}
	}
	return nil
}

func (e *Executor) applyRemoveStale(ctx context.Context, a syncplan.RemoveStale, log zerolog.Logger) error {
	for mailbox, ids := range a.ByMailbox {
		for _, id := range ids {
			log.Info().Str("mailbox", mailbox).Str("id", id.String()).Msg("removing stale message")
			if err := e.archiveThenDelete(mailbox, id); err != nil {
				e.skipped++
				log.Warn().Err(err).Str("mailbox", mailbox).Str("id", id.String()).Msg("failed to archive stale message locally, skipping")
				continue
			}
			if err := e.idx.Delete(mailbox, id); err != nil {
				return fmt.Errorf("syncexec: deindex stale message: %w", err)
			}
		}
	}
	return nil
}

// reconcileLocalFlags is the final pass applied after every action has run:
// every message the plan saw remotely gets its local Maildir flags
// overwritten to match what the server reported at planning time, after
// stripping any local unread override. This catches flag drift (read on
// another client, flagged, etc.) that fell outside the Fetch/Hardlink/
// UpdateFlags actions above.
func (e *Executor) reconcileLocalFlags(remote syncplan.RemoteState, log zerolog.Logger) error {
	for mailbox, messages := range remote {
		store, err := e.store(mailbox)
		if err != nil {
			return err
		}
		for _, msg := range messages {
			err := store.UpdateFlags(msg.ID, func(current string) string {
				stripped := strings.ReplaceAll(current, string(rune(maildirstore.FlagCharUnread)), "")
				return maildirstore.ImapToMaildirFlags(stripped, msg.Flags)
			})
			if err != nil {
				log.Debug().Str("mailbox", mailbox).Str("id", msg.ID.String()).Err(err).Msg("skipping flag reconciliation, message not stored locally")
			}
		}
	}
	return nil
}
