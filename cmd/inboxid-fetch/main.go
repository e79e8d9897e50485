// Command inboxid-fetch pulls down whatever mail the server has added to
// INBOX since the last run, recording it in the local Maildir store and
// SQL index.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/FliegendeWurst/inboxid/internal/config"
	"github.com/FliegendeWurst/inboxid/internal/fetch"
	"github.com/FliegendeWurst/inboxid/internal/imapsession"
	"github.com/FliegendeWurst/inboxid/internal/index"
	"github.com/FliegendeWurst/inboxid/internal/logging"
	"github.com/FliegendeWurst/inboxid/internal/maildirstore"
)

const mailbox = "INBOX"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "inboxid-fetch: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	log := logging.WithComponent("inboxid-fetch")

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx := context.Background()

	sess, err := imapsession.Dial(ctx, cfg.Addr(), cfg.User, cfg.Password)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer sess.Close()

	idx, err := index.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open index: %w", err)
	}
	defer idx.Close()

	store, err := maildirstore.Open(filepath.Join(cfg.Maildir, mailbox))
	if err != nil {
		return fmt.Errorf("open maildir: %w", err)
	}

	result, err := fetch.Mailbox(ctx, sess, store, idx, mailbox)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", mailbox, err)
	}

	if result.Skipped {
		log.Info().Msg("no new mail")
		return nil
	}
	log.Info().Int("fetched", result.Fetched).Uint32("lastUID", result.LastUID).Msg("fetch complete")
	return nil
}
