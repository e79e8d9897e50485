package maildirstore

import (
	"path/filepath"
	"testing"

	"github.com/emersion/go-imap/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FliegendeWurst/inboxid/internal/mailboxid"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "INBOX"))
	require.NoError(t, err)
	return s
}

func TestStoreNewThenFind(t *testing.T) {
	s := openTestStore(t)
	id := mailboxid.New(1, 1)

	require.NoError(t, s.StoreNew(id, []byte("hello")))

	entry, ok, err := s.Find(id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, entry.New)
	assert.Equal(t, "", entry.Flags)

	data, err := s.ReadMessage(id)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestMoveNewToCur(t *testing.T) {
	s := openTestStore(t)
	id := mailboxid.New(1, 2)
	require.NoError(t, s.StoreNew(id, []byte("body")))

	require.NoError(t, s.MoveNewToCur(id, "S"))

	entry, ok, err := s.Find(id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, entry.New)
	assert.Equal(t, "S", entry.Flags)
}

func TestUpdateFlagsAddsAndStrips(t *testing.T) {
	s := openTestStore(t)
	id := mailboxid.New(1, 3)
	require.NoError(t, s.StoreCur(id, "S", []byte("body")))

	require.NoError(t, s.UpdateFlags(id, func(cur string) string {
		return ImapToMaildirFlags(cur, []imap.Flag{imap.FlagSeen, imap.FlagFlagged})
	}))

	entry, ok, err := s.Find(id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "FS", entry.Flags)

	require.NoError(t, s.UpdateFlags(id, func(cur string) string {
		return ImapToMaildirFlags(cur, []imap.Flag{})
	}))
	entry, ok, err = s.Find(id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "", entry.Flags)
}

func TestDeleteRemovesFile(t *testing.T) {
	s := openTestStore(t)
	id := mailboxid.New(1, 4)
	require.NoError(t, s.StoreCur(id, "S", []byte("body")))

	require.NoError(t, s.Delete(id))

	_, ok, err := s.Find(id)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreFromPathHardlinks(t *testing.T) {
	src := openTestStore(t)
	id := mailboxid.New(5, 1)
	require.NoError(t, src.StoreCur(id, "S", []byte("shared body")))
	srcEntry, ok, err := src.Find(id)
	require.NoError(t, err)
	require.True(t, ok)

	dst := openTestStore(t)
	id2 := mailboxid.New(9, 1)
	require.NoError(t, dst.StoreFromPath(id2, "S", srcEntry.Path, false))

	data, err := dst.ReadMessage(id2)
	require.NoError(t, err)
	assert.Equal(t, "shared body", string(data))
}

func TestUIDWatermarkRoundTrip(t *testing.T) {
	s := openTestStore(t)

	w, err := s.ReadUIDWatermark()
	require.NoError(t, err)
	assert.Equal(t, Watermark{}, w)

	require.NoError(t, s.WriteUIDWatermark(Watermark{UIDValidity: 1700000000, UID: 42}))

	w, err = s.ReadUIDWatermark()
	require.NoError(t, err)
	assert.Equal(t, Watermark{UIDValidity: 1700000000, UID: 42}, w)
}

func TestFlagsToImapAndBack(t *testing.T) {
	flags := FlagsToImap("FRS")
	assert.ElementsMatch(t, []imap.Flag{imap.FlagFlagged, imap.FlagAnswered, imap.FlagSeen}, flags)

	result := ImapToMaildirFlags("", flags)
	assert.Equal(t, "FRS", NormalizeFlags(result))
}
