// Package fetch implements the incremental fetcher: given a mailbox's
// current UID validity epoch and UID-next, pull down whatever the local
// store hasn't seen yet and record it in both the Maildir and the index.
package fetch

import (
	"context"
	"fmt"

	"github.com/emersion/go-imap/v2"

	"github.com/FliegendeWurst/inboxid/internal/imapsession"
	"github.com/FliegendeWurst/inboxid/internal/index"
	"github.com/FliegendeWurst/inboxid/internal/logging"
	"github.com/FliegendeWurst/inboxid/internal/mailboxid"
	"github.com/FliegendeWurst/inboxid/internal/mailmsg"
	"github.com/FliegendeWurst/inboxid/internal/maildirstore"
)

// Result summarizes one fetch run.
type Result struct {
	Fetched     int
	UIDValidity uint32
	LastUID     uint32
	Skipped     bool // true if the server reported no new mail
}

// Mailbox pulls down every message the server has that the local
// watermark hasn't seen yet, for a single mailbox. It examines the
// mailbox (read-only: a fetch run never needs write access) before
// deciding what, if anything, needs fetching.
func Mailbox(ctx context.Context, sess *imapsession.Session, store *maildirstore.Store, idx *index.DB, mailboxName string) (Result, error) {
	log := logging.WithComponent("fetch")

	status, err := sess.Examine(ctx, mailboxName)
	if err != nil {
		return Result{}, fmt.Errorf("fetch: examine %s: %w", mailboxName, err)
	}

	prev, err := store.ReadUIDWatermark()
	if err != nil {
		return Result{}, fmt.Errorf("fetch: read watermark: %w", err)
	}

	startUID, skip := planFetchRange(status.UIDValidity, status.UIDNext, prev.UIDValidity, prev.UID)
	if status.UIDValidity != prev.UIDValidity {
		log.Warn().
			Str("mailbox", mailboxName).
			Uint32("prevValidity", prev.UIDValidity).
			Uint32("newValidity", status.UIDValidity).
			Msg("uid validity changed, refetching from uid 1")
	}
	if skip {
		log.Debug().Str("mailbox", mailboxName).Msg("no new mail")
		return Result{UIDValidity: status.UIDValidity, LastUID: prev.UID, Skipped: true}, nil
	}

	uids, err := uidRangeFrom(ctx, sess, startUID)
	if err != nil {
		return Result{}, fmt.Errorf("fetch: enumerate uids: %w", err)
	}

	largest := prev.UID
	if status.UIDValidity != prev.UIDValidity {
		// UIDs recorded under the previous epoch mean nothing in the new one.
		largest = 0
	}
	fetchedCount := 0

	if len(uids) > 0 {
		bodies, err := sess.FetchFull(ctx, uids)
		if err != nil {
			return Result{}, fmt.Errorf("fetch: fetch bodies: %w", err)
		}

		for _, uid := range uids {
			raw, ok := bodies[uint32(uid)]
			if !ok {
				continue
			}
			if uint32(uid) > largest {
				largest = uint32(uid)
			}

			id := mailboxid.New(status.UIDValidity, uint32(uid))
			if _, found, err := store.Find(id); err != nil {
				return Result{}, fmt.Errorf("fetch: check existing: %w", err)
			} else if found {
				continue
			}

			record, err := mailmsg.Parse(mailboxName, id, "", raw)
			if err != nil {
				log.Warn().Err(err).Uint32("uid", uint32(uid)).Msg("failed to parse message, storing raw bytes anyway")
			}
			messageID := ""
			if record != nil {
				messageID = record.MessageID
			}

			if err := store.StoreNew(id, raw); err != nil {
				return Result{}, fmt.Errorf("fetch: store message: %w", err)
			}
			if err := idx.Insert(mailboxName, id, messageID, ""); err != nil {
				return Result{}, fmt.Errorf("fetch: index message: %w", err)
			}
			fetchedCount++
		}
	}

	if status.UIDNext > 0 {
		if candidate := status.UIDNext - 1; candidate > largest {
			largest = candidate
		}
	}

	if err := store.WriteUIDWatermark(maildirstore.Watermark{UIDValidity: status.UIDValidity, UID: largest}); err != nil {
		return Result{}, fmt.Errorf("fetch: write watermark: %w", err)
	}

	log.Info().Str("mailbox", mailboxName).Int("fetched", fetchedCount).Msg("fetch complete")
	return Result{Fetched: fetchedCount, UIDValidity: status.UIDValidity, LastUID: largest}, nil
}

// planFetchRange decides where this fetch run should start, given the
// server's current epoch/uid-next and the watermark left by the previous
// run. A changed uid_validity means the server reassigned the epoch and
// every UID must be refetched; otherwise only UIDs above the watermark are
// new. skip is true when uid_next exactly matches one past the watermark,
// meaning nothing has changed since the last run.
func planFetchRange(uidValidity, uidNext, prevUIDValidity, prevUID uint32) (startUID uint32, skip bool) {
	switch {
	case uidValidity != prevUIDValidity:
		return 1, false
	case uidNext != prevUID+1:
		return prevUID + 1, false
	default:
		return 0, true
	}
}

// uidRangeFrom asks the server which UIDs exist at or above start, using
// UID SEARCH rather than assuming every UID in the range is populated
// (UIDs are never reused, but they are also never guaranteed contiguous).
func uidRangeFrom(ctx context.Context, sess *imapsession.Session, start uint32) ([]imap.UID, error) {
	if start == 0 {
		start = 1
	}
	return sess.SearchUIDRange(ctx, start)
}
