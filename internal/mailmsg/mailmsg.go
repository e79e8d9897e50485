// Package mailmsg turns the raw bytes sitting in a Maildir entry into the
// normalized record the thread builder and synchronizer reason about.
package mailmsg

import (
	"fmt"
	"io"
	"mime"
	"net/mail"
	"net/textproto"
	"strings"
	"time"

	gomessage "github.com/emersion/go-message"
	msgcharset "github.com/emersion/go-message/charset"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/FliegendeWurst/inboxid/internal/mailboxid"
)

// Address is a single display-name/address pair pulled from a From/To/Cc
// header.
type Address struct {
	Name string
	Addr string
}

// String renders the address the way a terminal mail client would.
func (a Address) String() string {
	if a.Name == "" {
		return a.Addr
	}
	return fmt.Sprintf("%s <%s>", a.Name, a.Addr)
}

// Record is a parsed message, whether backed by real bytes on disk or
// synthesized as a placeholder for a reference nothing local has a copy
// of.
type Record struct {
	ID        mailboxid.ID
	Mailbox   string
	Flags     string
	MessageID string
	Subject   string
	From      Address
	FromRaw   string
	Date      time.Time
	DateISO   string
	InReplyTo []string
	References []string

	entity *gomessage.Entity // nil for pseudo records
}

// IsPseudo reports whether the record stands in for a message never
// fetched, rather than one parsed from real bytes.
func (r *Record) IsPseudo() bool {
	return r.entity == nil
}

// Entity returns the parsed MIME tree, or nil for a pseudo record.
func (r *Record) Entity() *gomessage.Entity {
	return r.entity
}

// Pseudo builds the placeholder record used when a Message-ID is
// referenced by a real message but nothing local (or fetched) corresponds
// to it: the thread builder still needs a node to hang replies off.
func Pseudo(messageID, subject string) *Record {
	return &Record{
		ID:        mailboxid.Pseudo,
		MessageID: messageID,
		Subject:   subject,
		Flags:     "S",
		Date:      time.Unix(0, 0).UTC(),
		DateISO:   "????-??-??",
	}
}

// FallbackMessageID synthesizes a stable Message-ID for a message that
// never had one, scoped to the mailbox and packed id so it cannot collide
// with a real header value. Anything ending in "@no-message-id>" is
// recognized elsewhere as synthesized rather than fetched from a header.
func FallbackMessageID(mailbox string, id mailboxid.ID) string {
	return fmt.Sprintf("<%s_%d_%d@no-message-id>", mailbox, id.UIDValidity, id.UID)
}

// wordDecoder decodes RFC 2047 encoded words, falling back from
// go-message's charset table to the broader x/text registry for encodings
// such as GBK or Big5 that the former doesn't cover.
var wordDecoder = &mime.WordDecoder{
	CharsetReader: func(charsetName string, r io.Reader) (io.Reader, error) {
		if reader, err := msgcharset.Reader(charsetName, r); err == nil {
			return reader, nil
		}
		enc, err := htmlindex.Get(charsetName)
		if err != nil {
			return nil, fmt.Errorf("mailmsg: unknown charset %q", charsetName)
		}
		return enc.NewDecoder().Reader(r), nil
	},
}

func decodeHeader(s string) string {
	if s == "" || !strings.Contains(s, "=?") {
		return s
	}
	decoded, err := wordDecoder.DecodeHeader(s)
	if err != nil {
		return s
	}
	return decoded
}

// Parse builds a Record from a Maildir entry's raw bytes.
func Parse(mailbox string, id mailboxid.ID, flags string, raw []byte) (*Record, error) {
	msg, err := mail.ReadMessage(strings.NewReader(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("mailmsg: parse headers: %w", err)
	}

	r := &Record{
		ID:      id,
		Mailbox: mailbox,
		Flags:   flags,
	}

	r.MessageID = joinHeaderValues(msg.Header, "Message-Id")
	if r.MessageID == "" {
		r.MessageID = FallbackMessageID(mailbox, id)
	}

	r.Subject = decodeHeader(joinHeaderValues(msg.Header, "Subject"))
	r.FromRaw = joinHeaderValues(msg.Header, "From")
	if addr, err := mail.ParseAddress(r.FromRaw); err == nil {
		r.From = Address{Name: decodeHeader(addr.Name), Addr: addr.Address}
	}

	r.InReplyTo = splitMessageIDs(joinHeaderValues(msg.Header, "In-Reply-To"))
	r.References = splitMessageIDs(joinHeaderValues(msg.Header, "References"))

	dateHeader := joinHeaderValues(msg.Header, "Date")
	if parsed, err := msg.Header.Date(); err == nil {
		r.Date = parsed
	} else if parsed, err := mail.ParseDate(dateHeader); err == nil {
		r.Date = parsed
	} else {
		r.Date = time.Unix(0, 0).UTC()
	}
	r.DateISO = r.Date.Local().Format("2006-01-02 15:04")

	entity, err := gomessage.Read(strings.NewReader(string(raw)))
	if err == nil {
		r.entity = entity
	}

	return r, nil
}

// joinHeaderValues mirrors the original engine's header-folding behavior:
// if a header (most commonly Message-ID) appears more than once, every
// occurrence is kept, space-joined, rather than only the first or last.
func joinHeaderValues(h mail.Header, key string) string {
	canonical := textproto.CanonicalMIMEHeaderKey(key)
	values := h[canonical]
	return strings.Join(values, " ")
}

// splitMessageIDs extracts every "<...>" token from a References or
// In-Reply-To header value.
func splitMessageIDs(s string) []string {
	var out []string
	for {
		start := strings.IndexByte(s, '<')
		if start < 0 {
			break
		}
		end := strings.IndexByte(s[start:], '>')
		if end < 0 {
			break
		}
		out = append(out, s[start:start+end+1])
		s = s[start+end+1:]
	}
	return out
}
