package imapsession

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/textproto"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

// maxMessageSize caps a single fetched message body, guarding against a
// misbehaving server streaming an unbounded literal.
const maxMessageSize = 64 * 1024 * 1024

// HeaderRecord is the lightweight per-message data the sync planner needs
// to match a remote message against the index: its flags and Message-ID,
// without the body.
type HeaderRecord struct {
	UID       imap.UID
	Flags     []imap.Flag
	MessageID string
}

// parseMessageIDField extracts the Message-Id header's value out of the raw
// BODY[HEADER.FIELDS (Message-Id)] literal the server returns, which is the
// full header line(s) plus the blank line terminating the header block, not
// just the value. Multiple occurrences are space-joined, matching how
// mailmsg parses the same header from a stored message.
func parseMessageIDField(raw []byte) string {
	if !bytes.HasSuffix(raw, []byte("\r\n\r\n")) {
		raw = append(raw, '\r', '\n', '\r', '\n')
	}
	header, err := textproto.NewReader(bufio.NewReader(bytes.NewReader(raw))).ReadMIMEHeader()
	if err != nil {
		return ""
	}
	return strings.Join(header["Message-Id"], " ")
}

// FetchHeaders retrieves flags and the Message-ID header for every UID in
// uids from the selected mailbox, streaming results rather than blocking
// on Collect() so a slow or dead connection can still be cancelled.
func (s *Session) FetchHeaders(ctx context.Context, uids []imap.UID) ([]HeaderRecord, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	uidSet := imap.UIDSet{}
	for _, u := range uids {
		uidSet.AddNum(u)
	}

	return withCancel(ctx, func() ([]HeaderRecord, error) {
		fetchCmd := s.client.Fetch(uidSet, &imap.FetchOptions{
			UID:   true,
			Flags: true,
			BodySection: []*imap.FetchItemBodySection{
				{
					Specifier: imap.PartSpecifierHeader,
					HeaderFields: []string{"Message-Id"},
					Peek:        true,
				},
			},
		})
		defer fetchCmd.Close()

		var out []HeaderRecord
		for {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			msg := fetchCmd.Next()
			if msg == nil {
				break
			}
			rec := HeaderRecord{}
			for {
				item := msg.Next()
				if item == nil {
					break
				}
				switch data := item.(type) {
				case imapclient.FetchItemDataUID:
					rec.UID = data.UID
				case imapclient.FetchItemDataFlags:
					rec.Flags = data.Flags
				case imapclient.FetchItemDataBodySection:
					if data.Literal != nil {
						raw, _ := io.ReadAll(io.LimitReader(data.Literal, 8192))
						rec.MessageID = parseMessageIDField(raw)
					}
				}
			}
			out = append(out, rec)
		}
		return out, nil
	})
}

// FetchFull retrieves the complete RFC822 bytes for every UID in uids,
// without marking them \Seen, returned as a UID-keyed map so a caller can
// match results back up regardless of delivery order.
func (s *Session) FetchFull(ctx context.Context, uids []imap.UID) (map[uint32][]byte, error) {
	if len(uids) == 0 {
		return map[uint32][]byte{}, nil
	}
	uidSet := imap.UIDSet{}
	for _, u := range uids {
		uidSet.AddNum(u)
	}

	return withCancel(ctx, func() (map[uint32][]byte, error) {
		fetchCmd := s.client.Fetch(uidSet, &imap.FetchOptions{
			UID: true,
			BodySection: []*imap.FetchItemBodySection{
				{Specifier: imap.PartSpecifierNone, Peek: true},
			},
		})
		defer fetchCmd.Close()

		out := make(map[uint32][]byte, len(uids))
		for {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			msg := fetchCmd.Next()
			if msg == nil {
				break
			}
			var uid imap.UID
			var raw []byte
			for {
				item := msg.Next()
				if item == nil {
					break
				}
				switch data := item.(type) {
				case imapclient.FetchItemDataUID:
					uid = data.UID
				case imapclient.FetchItemDataBodySection:
					if data.Literal != nil {
						raw, _ = io.ReadAll(io.LimitReader(data.Literal, maxMessageSize))
					}
				}
			}
			if uid != 0 {
				out[uint32(uid)] = raw
			}
		}
		return out, nil
	})
}

// FullMessage is a message's complete RFC822 bytes paired with the flags
// the server reported for it at fetch time.
type FullMessage struct {
	Flags []imap.Flag
	Data  []byte
}

// FetchFullWithFlags is FetchFull plus the current flag set, for callers
// that need to record a message's flags at the moment of download rather
// than relying on a separate header-only pass.
func (s *Session) FetchFullWithFlags(ctx context.Context, uids []imap.UID) (map[uint32]FullMessage, error) {
	if len(uids) == 0 {
		return map[uint32]FullMessage{}, nil
	}
	uidSet := imap.UIDSet{}
	for _, u := range uids {
		uidSet.AddNum(u)
	}

	return withCancel(ctx, func() (map[uint32]FullMessage, error) {
		fetchCmd := s.client.Fetch(uidSet, &imap.FetchOptions{
			UID:   true,
			Flags: true,
			BodySection: []*imap.FetchItemBodySection{
				{Specifier: imap.PartSpecifierNone, Peek: true},
			},
		})
		defer fetchCmd.Close()

		out := make(map[uint32]FullMessage, len(uids))
		for {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			msg := fetchCmd.Next()
			if msg == nil {
				break
			}
			var uid imap.UID
			var full FullMessage
			for {
				item := msg.Next()
				if item == nil {
					break
				}
				switch data := item.(type) {
				case imapclient.FetchItemDataUID:
					uid = data.UID
				case imapclient.FetchItemDataFlags:
					full.Flags = data.Flags
				case imapclient.FetchItemDataBodySection:
					if data.Literal != nil {
						full.Data, _ = io.ReadAll(io.LimitReader(data.Literal, maxMessageSize))
					}
				}
			}
			if uid != 0 {
				out[uint32(uid)] = full
			}
		}
		return out, nil
	})
}

// AddFlags applies flags to uids without reporting the new flag state
// back (STORE ... SILENT).
func (s *Session) AddFlags(ctx context.Context, uids []imap.UID, flags []imap.Flag) error {
	return s.store(ctx, uids, imap.StoreFlagsAdd, flags)
}

// RemoveFlags strips flags from uids.
func (s *Session) RemoveFlags(ctx context.Context, uids []imap.UID, flags []imap.Flag) error {
	return s.store(ctx, uids, imap.StoreFlagsDel, flags)
}

// SetFlags replaces uids' entire flag set.
func (s *Session) SetFlags(ctx context.Context, uids []imap.UID, flags []imap.Flag) error {
	return s.store(ctx, uids, imap.StoreFlagsSet, flags)
}

func (s *Session) store(ctx context.Context, uids []imap.UID, op imap.StoreFlagsOp, flags []imap.Flag) error {
	if len(uids) == 0 {
		return nil
	}
	uidSet := imap.UIDSet{}
	for _, u := range uids {
		uidSet.AddNum(u)
	}
	_, err := withCancel(ctx, func() (struct{}, error) {
		storeCmd := s.client.Store(uidSet, &imap.StoreFlags{Op: op, Flags: flags, Silent: true}, nil)
		return struct{}{}, storeCmd.Close()
	})
	if err != nil {
		return fmt.Errorf("imapsession: store flags: %w", err)
	}
	return nil
}

// Move relocates uids into destMailbox, using UID MOVE when the server
// supports RFC 6851 and falling back to COPY + mark-deleted + EXPUNGE
// otherwise.
func (s *Session) Move(ctx context.Context, uids []imap.UID, destMailbox string) error {
	if len(uids) == 0 {
		return nil
	}
	uidSet := imap.UIDSet{}
	for _, u := range uids {
		uidSet.AddNum(u)
	}

	if s.HasCap(imap.CapMove) {
		_, err := withCancel(ctx, func() (struct{}, error) {
			moveCmd := s.client.Move(uidSet, destMailbox)
			_, err := moveCmd.Wait()
			return struct{}{}, err
		})
		if err != nil {
			return fmt.Errorf("imapsession: move: %w", err)
		}
		return nil
	}

	_, err := withCancel(ctx, func() (struct{}, error) {
		copyCmd := s.client.Copy(uidSet, destMailbox)
		_, err := copyCmd.Wait()
		return struct{}{}, err
	})
	if err != nil {
		return fmt.Errorf("imapsession: move (copy phase): %w", err)
	}

	if err := s.AddFlags(ctx, uids, []imap.Flag{imap.FlagDeleted}); err != nil {
		return fmt.Errorf("imapsession: move (mark deleted): %w", err)
	}

	if s.HasCap(imap.CapUIDPlus) {
		_, err := withCancel(ctx, func() (struct{}, error) {
			expungeCmd := s.client.UIDExpunge(uidSet)
			return struct{}{}, expungeCmd.Close()
		})
		if err != nil {
			return fmt.Errorf("imapsession: move (uid expunge): %w", err)
		}
		return nil
	}
	return s.Expunge(ctx)
}
