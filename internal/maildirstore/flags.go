package maildirstore

import (
	"strings"

	"github.com/emersion/go-imap/v2"
)

// Maildir info suffix flag characters, per the Maildir spec: the letters
// that may follow ":2," in a delivered filename, always kept sorted.
const (
	FlagCharDraft    = 'D'
	FlagCharFlagged  = 'F'
	FlagCharAnswered = 'R'
	FlagCharSeen     = 'S'
	FlagCharTrashed  = 'T'
)

// Private bookkeeping letters: never sent to or read from the server, only
// ever interpreted by the synchronizer itself.
const (
	FlagCharUnread = 'U' // locally marked unread, overriding a remote \Seen
	FlagCharDelete = 'E' // queued for permanent deletion ("exterminate")
)

// ImapFlagToChar returns the Maildir info letter for an IMAP flag, or false
// if the flag has no Maildir representation (e.g. \Recent never persists).
func ImapFlagToChar(flag imap.Flag) (byte, bool) {
	switch flag {
	case imap.FlagSeen:
		return FlagCharSeen, true
	case imap.FlagAnswered:
		return FlagCharAnswered, true
	case imap.FlagFlagged:
		return FlagCharFlagged, true
	case imap.FlagDeleted:
		return FlagCharTrashed, true
	case imap.FlagDraft:
		return FlagCharDraft, true
	default:
		return 0, false
	}
}

// CharToImapFlag is the inverse of ImapFlagToChar.
func CharToImapFlag(c byte) (imap.Flag, bool) {
	switch c {
	case FlagCharSeen:
		return imap.FlagSeen, true
	case FlagCharAnswered:
		return imap.FlagAnswered, true
	case FlagCharFlagged:
		return imap.FlagFlagged, true
	case FlagCharTrashed:
		return imap.FlagDeleted, true
	case FlagCharDraft:
		return imap.FlagDraft, true
	default:
		return 0, false
	}
}

// FlagsToImap converts a Maildir info-suffix string (e.g. "RS") into the
// set of IMAP flags it represents. Unknown letters, including the engine's
// own private letters ("U" for unread-override, "E" for pending-delete),
// are silently skipped: those never leave the local store.
func FlagsToImap(flags string) []imap.Flag {
	var out []imap.Flag
	for i := 0; i < len(flags); i++ {
		if f, ok := CharToImapFlag(flags[i]); ok {
			out = append(out, f)
		}
	}
	return out
}

// ImapToMaildirFlags folds a set of IMAP flags into an existing Maildir
// info string, adding or stripping S/R/F/T/D letters as needed while
// leaving every other letter (private bookkeeping flags) untouched.
func ImapToMaildirFlags(current string, flags []imap.Flag) string {
	set := make(map[imap.Flag]bool, len(flags))
	for _, f := range flags {
		set[f] = true
	}

	kept := strings.Builder{}
	for i := 0; i < len(current); i++ {
		c := current[i]
		if f, ok := CharToImapFlag(c); ok {
			if set[f] {
				continue // re-added below, in canonical position
			}
			_ = f
			continue
		}
		kept.WriteByte(c)
	}

	result := kept.String()
	if set[imap.FlagDraft] {
		result += string(FlagCharDraft)
	}
	if set[imap.FlagFlagged] {
		result += string(FlagCharFlagged)
	}
	if set[imap.FlagAnswered] {
		result += string(FlagCharAnswered)
	}
	if set[imap.FlagSeen] {
		result += string(FlagCharSeen)
	}
	if set[imap.FlagDeleted] {
		result += string(FlagCharTrashed)
	}
	return result
}

// NormalizeFlags sorts the info-suffix letters into the canonical order
// required by the Maildir spec (ASCII order), without changing their set.
func NormalizeFlags(flags string) string {
	b := []byte(flags)
	for i := 1; i < len(b); i++ {
		for j := i; j > 0 && b[j-1] > b[j]; j-- {
			b[j-1], b[j] = b[j], b[j-1]
		}
	}
	return string(b)
}
