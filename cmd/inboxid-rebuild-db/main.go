// Command inboxid-rebuild-db reconstructs a mailbox's SQL index rows
// entirely from what's on disk in its Maildir, for when the index and the
// Maildir have drifted apart (a crash mid-write, or a full wipe of the
// database file).
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/FliegendeWurst/inboxid/internal/config"
	"github.com/FliegendeWurst/inboxid/internal/index"
	"github.com/FliegendeWurst/inboxid/internal/logging"
	"github.com/FliegendeWurst/inboxid/internal/mailmsg"
	"github.com/FliegendeWurst/inboxid/internal/maildirstore"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "inboxid-rebuild-db: %v\n", err)
		os.Exit(1)
	}
}

func run(mailboxes []string) error {
	log := logging.WithComponent("inboxid-rebuild-db")

	if len(mailboxes) == 0 {
		return fmt.Errorf("usage: inboxid-rebuild-db MAILBOX...")
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	idx, err := index.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open index: %w", err)
	}
	defer idx.Close()

	for _, mailbox := range mailboxes {
		log.Info().Str("mailbox", mailbox).Msg("reading maildir")

		store, err := maildirstore.Open(filepath.Join(cfg.Maildir, mailbox))
		if err != nil {
			return fmt.Errorf("open %s: %w", mailbox, err)
		}

		entries, err := store.List()
		if err != nil {
			return fmt.Errorf("list %s: %w", mailbox, err)
		}
		log.Info().Str("mailbox", mailbox).Int("count", len(entries)).Msg("found messages")

		records := make([]*mailmsg.Record, 0, len(entries))
		for _, entry := range entries {
			raw, err := os.ReadFile(entry.Path)
			if err != nil {
				log.Warn().Err(err).Str("mailbox", mailbox).Str("id", entry.ID.String()).Msg("failed to read message, skipping")
				continue
			}
			record, err := mailmsg.Parse(mailbox, entry.ID, entry.Flags, raw)
			if err != nil {
				log.Warn().Err(err).Str("mailbox", mailbox).Str("id", entry.ID.String()).Msg("failed to parse message headers, indexing with fallback id")
				record = &mailmsg.Record{
					ID:        entry.ID,
					Mailbox:   mailbox,
					Flags:     entry.Flags,
					MessageID: mailmsg.FallbackMessageID(mailbox, entry.ID),
				}
			}
			records = append(records, record)
		}

		sort.SliceStable(records, func(i, j int) bool {
			return records[i].Date.Before(records[j].Date)
		})

		rows := make([]index.Row, len(records))
		for i, r := range records {
			rows[i] = index.Row{ID: r.ID, Mailbox: mailbox, MessageID: r.MessageID, Flags: r.Flags}
		}
		if err := idx.RebuildMailbox(mailbox, rows); err != nil {
			return fmt.Errorf("rebuild %s: %w", mailbox, err)
		}
	}

	if err := idx.Vacuum(); err != nil {
		return fmt.Errorf("vacuum: %w", err)
	}

	log.Info().Msg("rebuild complete")
	return nil
}
