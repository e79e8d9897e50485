// Command inboxid-sync reconciles the server, the local Maildir stores and
// the SQL index in both directions: trash/delete propagation, cross-folder
// hardlinking, new-message fetch and flag reconciliation.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/FliegendeWurst/inboxid/internal/config"
	"github.com/FliegendeWurst/inboxid/internal/imapsession"
	"github.com/FliegendeWurst/inboxid/internal/index"
	"github.com/FliegendeWurst/inboxid/internal/logging"
	"github.com/FliegendeWurst/inboxid/internal/maildirstore"
	"github.com/FliegendeWurst/inboxid/internal/syncexec"
	"github.com/FliegendeWurst/inboxid/internal/syncplan"
)

func main() {
	os.Exit(run())
}

func run() int {
	dryRun := flag.Bool("dry-run", false, "print the computed plan instead of applying it")
	flag.Parse()
	mailboxes := flag.Args()

	log := logging.WithComponent("inboxid-sync")

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "inboxid-sync: %v\n", err)
		return 1
	}

	ctx := context.Background()

	sess, err := imapsession.Dial(ctx, cfg.Addr(), cfg.User, cfg.Password)
	if err != nil {
		fmt.Fprintf(os.Stderr, "inboxid-sync: connect: %v\n", err)
		return 1
	}
	defer sess.Close()

	idx, err := index.Open(cfg.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "inboxid-sync: open index: %v\n", err)
		return 1
	}
	defer idx.Close()

	actions, remote, err := syncplan.Plan(ctx, sess, idx, mailboxes)
	if err != nil {
		fmt.Fprintf(os.Stderr, "inboxid-sync: plan: %v\n", err)
		return 1
	}

	if *dryRun {
		for _, action := range actions {
			fmt.Printf("%#v\n", action)
		}
		return 0
	}

	stores := make(map[string]*maildirstore.Store)
	open := func(mailboxName string) (*maildirstore.Store, error) {
		if s, ok := stores[mailboxName]; ok {
			return s, nil
		}
		s, err := maildirstore.Open(filepath.Join(cfg.Maildir, mailboxName))
		if err != nil {
			return nil, err
		}
		stores[mailboxName] = s
		return s, nil
	}

	exec := syncexec.New(sess, idx, open)
	if err := exec.Execute(ctx, actions, remote); err != nil {
		fmt.Fprintf(os.Stderr, "inboxid-sync: execute: %v\n", err)
		return 1
	}

	if skipped := exec.Skipped(); skipped > 0 {
		log.Warn().Int("skipped", skipped).Msg("sync completed with skipped actions")
		return 1
	}

	log.Info().Int("actions", len(actions)).Msg("sync complete")
	return 0
}
