package mailmsg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FliegendeWurst/inboxid/internal/mailboxid"
)

const sampleMessage = "Message-Id: <abc@example.com>\r\n" +
	"Subject: =?UTF-8?B?SGVsbG8=?=\r\n" +
	"From: Jane Doe <jane@example.com>\r\n" +
	"Date: Mon, 02 Jan 2006 15:04:05 -0700\r\n" +
	"References: <root@example.com> <mid@example.com>\r\n" +
	"In-Reply-To: <mid@example.com>\r\n" +
	"\r\n" +
	"body text\r\n"

func TestParseBasicFields(t *testing.T) {
	rec, err := Parse("INBOX", mailboxid.New(1, 1), "S", []byte(sampleMessage))
	require.NoError(t, err)

	assert.Equal(t, "<abc@example.com>", rec.MessageID)
	assert.Equal(t, "Hello", rec.Subject)
	assert.Equal(t, "Jane Doe", rec.From.Name)
	assert.Equal(t, "jane@example.com", rec.From.Addr)
	assert.Equal(t, []string{"<root@example.com>", "<mid@example.com>"}, rec.References)
	assert.Equal(t, []string{"<mid@example.com>"}, rec.InReplyTo)
	assert.False(t, rec.IsPseudo())
}

func TestParseMissingMessageIDFallsBack(t *testing.T) {
	raw := "Subject: no id here\r\n\r\nbody\r\n"
	rec, err := Parse("Archive", mailboxid.New(7, 3), "", []byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "<Archive_7_3@no-message-id>", rec.MessageID)
}

func TestPseudoRecord(t *testing.T) {
	rec := Pseudo("<missing@x>", "Re: something")
	assert.True(t, rec.IsPseudo())
	assert.Equal(t, mailboxid.Pseudo, rec.ID)
	assert.Equal(t, "????-??-??", rec.DateISO)
}

func TestJoinsRepeatedMessageIDHeaders(t *testing.T) {
	raw := "Message-Id: <one@x>\r\nMessage-Id: <two@x>\r\n\r\nbody\r\n"
	rec, err := Parse("INBOX", mailboxid.New(1, 1), "", []byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "<one@x> <two@x>", rec.MessageID)
}
