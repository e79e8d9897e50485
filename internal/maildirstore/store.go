// Package maildirstore implements the on-disk half of the synchronizer: a
// single mailbox's Maildir directory, addressed by packed mailbox
// identifiers rather than the raw delivery-order filenames Maildir itself
// uses.
package maildirstore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/emersion/go-maildir"
	"github.com/google/uuid"

	"github.com/FliegendeWurst/inboxid/internal/mailboxid"
)

// uidWatermarkFile records the highest UID the fetcher has pulled down for
// this mailbox, so a later run can resume instead of rescanning.
const uidWatermarkFile = ".uid"

// Store wraps one mailbox's Maildir directory. A mailbox named ".gone" is
// not special to Store itself; the synchronizer uses that name by
// convention for its account-wide archive of messages removed by a sync
// action, opened through the same StoreOpener as any real mailbox.
type Store struct {
	root string
	dir  maildir.Dir
}

// Open bootstraps cur/new/tmp under root and returns a Store bound to it.
func Open(root string) (*Store, error) {
	dir := maildir.Dir(root)
	if err := dir.Init(); err != nil {
		return nil, fmt.Errorf("maildirstore: init %s: %w", root, err)
	}
	return &Store{root: root, dir: dir}, nil
}

// Root returns the mailbox's Maildir path.
func (s *Store) Root() string {
	return s.root
}

// Entry describes one delivered message as it sits on disk.
type Entry struct {
	ID    mailboxid.ID
	Flags string // Maildir info-suffix letters, already normalized
	New   bool   // true if found under new/ rather than cur/
	Path  string
}

// filenameFor renders the Maildir filename for id: bare in new/ and for an
// empty flag set, with the ":2,FLAGS" info suffix in cur/ otherwise.
func filenameFor(id mailboxid.ID, flags string, isNew bool) string {
	if isNew || flags == "" {
		return id.String()
	}
	return id.String() + ":2," + NormalizeFlags(flags)
}

// parseFilename recovers the id and flags encoded in a Maildir filename.
func parseFilename(name string) (mailboxid.ID, string, error) {
	base := name
	flags := ""
	if i := strings.Index(name, ":2,"); i >= 0 {
		base = name[:i]
		flags = name[i+3:]
	}
	id, err := mailboxid.Parse(base)
	if err != nil {
		return mailboxid.ID{}, "", err
	}
	return id, flags, nil
}

// List enumerates every delivered message under cur/ and new/.
func (s *Store) List() ([]Entry, error) {
	var entries []Entry
	for _, sub := range []string{"new", "cur"} {
		subPath := filepath.Join(s.root, sub)
		items, err := os.ReadDir(subPath)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("maildirstore: list %s: %w", subPath, err)
		}
		for _, item := range items {
			if item.IsDir() {
				continue
			}
			id, flags, err := parseFilename(item.Name())
			if err != nil {
				continue // not one of ours, e.g. stray dotfile
			}
			entries = append(entries, Entry{
				ID:    id,
				Flags: flags,
				New:   sub == "new",
				Path:  filepath.Join(subPath, item.Name()),
			})
		}
	}
	return entries, nil
}

// Find locates the delivered file for id, searching new/ then cur/.
func (s *Store) Find(id mailboxid.ID) (Entry, bool, error) {
	entries, err := s.List()
	if err != nil {
		return Entry{}, false, err
	}
	for _, e := range entries {
		if e.ID == id {
			return e, true, nil
		}
	}
	return Entry{}, false, nil
}

// tmpName generates a unique delivery filename under tmp/, per Maildir's
// atomic-rename delivery protocol.
func tmpName() string {
	return uuid.NewString()
}

// StoreNew writes data as a new, unseen message and delivers it into new/.
func (s *Store) StoreNew(id mailboxid.ID, data []byte) error {
	return s.deliver(filepath.Join(s.root, "new", filenameFor(id, "", true)), data)
}

// StoreCur writes data directly into cur/ with the given flags already set,
// used when replicating a message whose flags are already known (e.g. a
// message fetched from a server that reports \Seen).
func (s *Store) StoreCur(id mailboxid.ID, flags string, data []byte) error {
	return s.deliver(filepath.Join(s.root, "cur", filenameFor(id, flags, false)), data)
}

func (s *Store) deliver(destPath string, data []byte) error {
	tmpPath := filepath.Join(s.root, "tmp", tmpName())
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("maildirstore: create tmp: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("maildirstore: write tmp: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("maildirstore: sync tmp: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("maildirstore: close tmp: %w", err)
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("maildirstore: deliver: %w", err)
	}
	return nil
}

// StoreFromPath replicates the bytes at srcPath (a delivered file in some
// other mailbox's Store) under a new id in this mailbox, hardlinking when
// possible to avoid a second on-disk copy of identical content and falling
// back to a full copy across filesystem boundaries.
func (s *Store) StoreFromPath(id mailboxid.ID, flags string, srcPath string, isNew bool) error {
	destPath := filepath.Join(s.root, subdirFor(isNew), filenameFor(id, flags, isNew))
	if err := os.Link(srcPath, destPath); err == nil {
		return nil
	}
	data, err := os.ReadFile(srcPath)
	if err != nil {
		return fmt.Errorf("maildirstore: read source for copy: %w", err)
	}
	return s.deliver(destPath, data)
}

func subdirFor(isNew bool) string {
	if isNew {
		return "new"
	}
	return "cur"
}

// MoveNewToCur promotes a message out of new/ once it has been seen by any
// client, assigning it the given flags.
func (s *Store) MoveNewToCur(id mailboxid.ID, flags string) error {
	entry, ok, err := s.Find(id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("maildirstore: move to cur: %s not found", id)
	}
	if !entry.New {
		return nil
	}
	newPath := filepath.Join(s.root, "cur", filenameFor(id, flags, false))
	if err := os.Rename(entry.Path, newPath); err != nil {
		return fmt.Errorf("maildirstore: move to cur: %w", err)
	}
	return nil
}

// UpdateFlags reads the current flag string for id, passes it to update,
// and renames the file to reflect whatever update returns. The message is
// always left in cur/ afterward, matching the convention that a message
// with explicit flags is no longer "new".
func (s *Store) UpdateFlags(id mailboxid.ID, update func(current string) string) error {
	entry, ok, err := s.Find(id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("maildirstore: update flags: %s not found", id)
	}
	newFlags := NormalizeFlags(update(entry.Flags))
	if !entry.New && newFlags == entry.Flags {
		return nil
	}
	newPath := filepath.Join(s.root, "cur", filenameFor(id, newFlags, false))
	if newPath == entry.Path {
		return nil
	}
	if err := os.Rename(entry.Path, newPath); err != nil {
		return fmt.Errorf("maildirstore: update flags: %w", err)
	}
	return nil
}

// ReadMessage returns the raw bytes delivered for id.
func (s *Store) ReadMessage(id mailboxid.ID) ([]byte, error) {
	entry, ok, err := s.Find(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("maildirstore: read: %s not found", id)
	}
	return os.ReadFile(entry.Path)
}

// Delete permanently removes a message's on-disk file. The synchronizer
// calls this once the message has been archived into the account-wide
// ".gone" mailbox; nothing here keeps its own backup copy.
func (s *Store) Delete(id mailboxid.ID) error {
	entry, ok, err := s.Find(id)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	return os.Remove(entry.Path)
}

// Watermark records the last UID validity epoch and UID the fetcher has
// successfully processed for this mailbox.
type Watermark struct {
	UIDValidity uint32
	UID         uint32
}

// ReadUIDWatermark returns the watermark left by the previous fetch run,
// or the zero value if none has been written yet (first run).
func (s *Store) ReadUIDWatermark() (Watermark, error) {
	data, err := os.ReadFile(filepath.Join(s.root, uidWatermarkFile))
	if err != nil {
		if os.IsNotExist(err) {
			return Watermark{}, nil
		}
		return Watermark{}, fmt.Errorf("maildirstore: read watermark: %w", err)
	}
	uidValidityPart, uidPart, ok := strings.Cut(strings.TrimSpace(string(data)), ",")
	if !ok {
		return Watermark{}, fmt.Errorf("maildirstore: malformed watermark %q", data)
	}
	var w Watermark
	if _, err := fmt.Sscanf(strings.TrimSpace(uidValidityPart), "%d", &w.UIDValidity); err != nil {
		return Watermark{}, fmt.Errorf("maildirstore: parse watermark uid_validity: %w", err)
	}
	if _, err := fmt.Sscanf(strings.TrimSpace(uidPart), "%d", &w.UID); err != nil {
		return Watermark{}, fmt.Errorf("maildirstore: parse watermark uid: %w", err)
	}
	return w, nil
}

// WriteUIDWatermark records the watermark atomically via the tmp/-then-
// rename pattern used for mail delivery itself.
func (s *Store) WriteUIDWatermark(w Watermark) error {
	tmpPath := filepath.Join(s.root, "tmp", tmpName())
	content := fmt.Sprintf("%d,%d\n", w.UIDValidity, w.UID)
	if err := os.WriteFile(tmpPath, []byte(content), 0o600); err != nil {
		return fmt.Errorf("maildirstore: write watermark: %w", err)
	}
	if err := os.Rename(tmpPath, filepath.Join(s.root, uidWatermarkFile)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("maildirstore: commit watermark: %w", err)
	}
	return nil
}

// Size returns the byte length of the delivered file for id, without
// reading its contents.
func (s *Store) Size(id mailboxid.ID) (int64, error) {
	entry, ok, err := s.Find(id)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("maildirstore: size: %s not found", id)
	}
	info, err := os.Stat(entry.Path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
