// Package mailboxid implements the packed identifier that ties an index row
// back to a specific Maildir entry: a UID validity epoch plus a UID.
package mailboxid

import (
	"database/sql/driver"
	"fmt"
	"strconv"
	"strings"
)

// ID identifies a single message within a single mailbox across UID
// validity epochs. The pair (UIDValidity, UID) is only meaningful together:
// a UID on its own is reused across epochs.
type ID struct {
	UIDValidity uint32
	UID         uint32
}

// New constructs an ID from its parts.
func New(uidValidity, uid uint32) ID {
	return ID{UIDValidity: uidValidity, UID: uid}
}

// Pseudo is the identifier used for synthetic messages that stand in for a
// reference that was never fetched: epoch zero, UID zero.
var Pseudo = ID{}

// IsPseudo reports whether id is the synthetic placeholder identity.
func (id ID) IsPseudo() bool {
	return id == ID{}
}

// String renders the canonical "{uid_validity}_{uid}" form used for Maildir
// filenames and message-id-less fallback addresses.
func (id ID) String() string {
	return fmt.Sprintf("%d_%d", id.UIDValidity, id.UID)
}

// Parse reverses String, splitting on the first underscore.
func Parse(s string) (ID, error) {
	uidValidityPart, uidPart, ok := strings.Cut(s, "_")
	if !ok {
		return ID{}, fmt.Errorf("mailboxid: invalid id %q: missing separator", s)
	}
	uidValidity, err := strconv.ParseUint(uidValidityPart, 10, 32)
	if err != nil {
		return ID{}, fmt.Errorf("mailboxid: invalid id %q: %w", s, err)
	}
	uid, err := strconv.ParseUint(uidPart, 10, 32)
	if err != nil {
		return ID{}, fmt.Errorf("mailboxid: invalid id %q: %w", s, err)
	}
	return ID{UIDValidity: uint32(uidValidity), UID: uint32(uid)}, nil
}

// pack combines the two 32-bit halves into a single unsigned 64-bit value,
// uid_validity in the high word, uid in the low word.
func (id ID) pack() uint64 {
	return (uint64(id.UIDValidity) << 32) | uint64(id.UID)
}

// unpack is the inverse of pack.
func unpack(x uint64) ID {
	return ID{
		UIDValidity: uint32(x >> 32),
		UID:         uint32(x),
	}
}

// ToInt64 reinterprets the packed uid_validity/uid pair as a signed 64-bit
// integer, bit for bit, with no value-range translation. This is the form
// persisted in the SQL index, whose column is a signed integer: a
// uid_validity of 2^31 or more sets the sign bit and yields a negative
// value, and round-tripping preserves the exact bit pattern instead of
// rejecting values above math.MaxInt64.
func (id ID) ToInt64() int64 {
	return int64(id.pack())
}

// FromInt64 is the inverse of ToInt64: it reinterprets a signed 64-bit SQL
// value back into the unsigned uid_validity/uid pair it was packed from.
func FromInt64(x int64) ID {
	return unpack(uint64(x))
}

// Value implements driver.Valuer so an ID can be written directly into a
// SQL column typed INTEGER.
func (id ID) Value() (driver.Value, error) {
	return id.ToInt64(), nil
}

// Scan implements sql.Scanner, reading the column back as an ID.
func (id *ID) Scan(src any) error {
	switch v := src.(type) {
	case int64:
		*id = FromInt64(v)
		return nil
	case int:
		*id = FromInt64(int64(v))
		return nil
	case nil:
		*id = ID{}
		return nil
	default:
		return fmt.Errorf("mailboxid: cannot scan %T into ID", src)
	}
}
