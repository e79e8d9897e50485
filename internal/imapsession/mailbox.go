package imapsession

import (
	"context"
	"fmt"

	"github.com/emersion/go-imap/v2"
)

// Mailbox describes one folder as reported by LIST, optionally enriched
// with SELECT/STATUS counters.
type Mailbox struct {
	Name        string
	Delim       string
	Attrs       []imap.MailboxAttr
	UIDValidity uint32
	UIDNext     uint32
	NumMessages uint32
}

// IsTrash reports whether the mailbox carries the RFC 6154 \Trash
// special-use attribute.
func (m Mailbox) IsTrash() bool {
	for _, a := range m.Attrs {
		if a == imap.MailboxAttrTrash {
			return true
		}
	}
	return false
}

// ListMailboxes enumerates every mailbox the account has.
func (s *Session) ListMailboxes(ctx context.Context) ([]Mailbox, error) {
	return withCancel(ctx, func() ([]Mailbox, error) {
		listCmd := s.client.List("", "*", &imap.ListOptions{
			SelectSubscribed: false,
			ReturnSubscribed: false,
			ReturnChildren:   false,
			ReturnStatus: &imap.StatusOptions{
				NumMessages: true,
				UIDNext:     true,
				UIDValidity: true,
			},
		})
		var out []Mailbox
		for {
			data := listCmd.Next()
			if data == nil {
				break
			}
			mb := Mailbox{
				Name:  data.Mailbox,
				Delim: string(data.Delim),
				Attrs: data.Attrs,
			}
			if data.Status != nil {
				mb.UIDValidity = data.Status.UIDValidity
				mb.UIDNext = uint32(data.Status.UIDNext)
				if data.Status.NumMessages != nil {
					mb.NumMessages = *data.Status.NumMessages
				}
			}
			out = append(out, mb)
		}
		if err := listCmd.Close(); err != nil {
			return nil, fmt.Errorf("imapsession: list: %w", err)
		}
		return out, nil
	})
}

// TrashMailbox returns the name of the mailbox advertising \Trash, if any.
func (s *Session) TrashMailbox(ctx context.Context) (string, bool, error) {
	mailboxes, err := s.ListMailboxes(ctx)
	if err != nil {
		return "", false, err
	}
	for _, mb := range mailboxes {
		if mb.IsTrash() {
			return mb.Name, true, nil
		}
	}
	return "", false, nil
}

// Select opens a mailbox read-write and returns its validity/UID state.
func (s *Session) Select(ctx context.Context, name string) (Mailbox, error) {
	return withCancel(ctx, func() (Mailbox, error) {
		data, err := s.client.Select(name, nil).Wait()
		if err != nil {
			return Mailbox{}, fmt.Errorf("imapsession: select %s: %w", name, err)
		}
		return Mailbox{
			Name:        name,
			UIDValidity: data.UIDValidity,
			UIDNext:     uint32(data.UIDNext),
			NumMessages: data.NumMessages,
		}, nil
	})
}

// Examine opens a mailbox read-only, for use when scanning message state
// without risking a side effect (e.g. the server auto-clearing \Recent).
func (s *Session) Examine(ctx context.Context, name string) (Mailbox, error) {
	return withCancel(ctx, func() (Mailbox, error) {
		data, err := s.client.Select(name, &imap.SelectOptions{ReadOnly: true}).Wait()
		if err != nil {
			return Mailbox{}, fmt.Errorf("imapsession: examine %s: %w", name, err)
		}
		return Mailbox{
			Name:        name,
			UIDValidity: data.UIDValidity,
			UIDNext:     uint32(data.UIDNext),
			NumMessages: data.NumMessages,
		}, nil
	})
}

// Status fetches a mailbox's counters without selecting it.
func (s *Session) Status(ctx context.Context, name string) (Mailbox, error) {
	return withCancel(ctx, func() (Mailbox, error) {
		data, err := s.client.Status(name, &imap.StatusOptions{
			NumMessages: true,
			UIDNext:     true,
			UIDValidity: true,
		}).Wait()
		if err != nil {
			return Mailbox{}, fmt.Errorf("imapsession: status %s: %w", name, err)
		}
		mb := Mailbox{Name: name, UIDValidity: data.UIDValidity, UIDNext: uint32(data.UIDNext)}
		if data.NumMessages != nil {
			mb.NumMessages = *data.NumMessages
		}
		return mb, nil
	})
}

// SearchUIDRange returns every UID in the selected mailbox that is at
// least start, via UID SEARCH. UIDs are never reused but are not
// guaranteed contiguous, so this is how the fetcher discovers exactly
// which messages exist rather than assuming a dense range.
func (s *Session) SearchUIDRange(ctx context.Context, start uint32) ([]imap.UID, error) {
	return withCancel(ctx, func() ([]imap.UID, error) {
		uidSet := imap.UIDSet{}
		uidSet.AddRange(imap.UID(start), 0) // 0 means "*", the highest UID

		searchCmd := s.client.UIDSearch(&imap.SearchCriteria{
			UID: []imap.UIDSet{uidSet},
		}, nil)
		data, err := searchCmd.Wait()
		if err != nil {
			return nil, fmt.Errorf("imapsession: uid search: %w", err)
		}
		return data.AllUIDs(), nil
	})
}

// Expunge permanently removes every message marked \Deleted in the
// currently selected mailbox.
func (s *Session) Expunge(ctx context.Context) error {
	_, err := withCancel(ctx, func() (struct{}, error) {
		expungeCmd := s.client.Expunge()
		return struct{}{}, expungeCmd.Close()
	})
	if err != nil {
		return fmt.Errorf("imapsession: expunge: %w", err)
	}
	return nil
}
