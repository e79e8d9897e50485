package syncexec

import (
	"testing"

	"github.com/emersion/go-imap/v2"
	"github.com/stretchr/testify/assert"
)

func TestUIDValidityMatches(t *testing.T) {
	assert.True(t, uidValidityMatches(100, 100))
	assert.False(t, uidValidityMatches(100, 200))
	assert.False(t, uidValidityMatches(0, 0))
	assert.False(t, uidValidityMatches(0, 100))
}

func TestDecideSeenChangeSetsWhenLocallyReadButRemoteUnread(t *testing.T) {
	assert.Equal(t, seenSet, decideSeenChange("S", nil))
}

func TestDecideSeenChangeClearsWhenLocallyOverriddenUnread(t *testing.T) {
	assert.Equal(t, seenCleared, decideSeenChange("U", []imap.Flag{imap.FlagSeen}))
}

func TestDecideSeenChangeUnchangedWhenAlreadyInSync(t *testing.T) {
	assert.Equal(t, seenUnchanged, decideSeenChange("S", []imap.Flag{imap.FlagSeen}))
	assert.Equal(t, seenUnchanged, decideSeenChange("", nil))
}

func TestDecideSeenChangeUnchangedWithoutOverrideOrLocalSeen(t *testing.T) {
	assert.Equal(t, seenUnchanged, decideSeenChange("R", []imap.Flag{imap.FlagSeen}))
}
