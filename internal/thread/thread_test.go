package thread

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FliegendeWurst/inboxid/internal/mailboxid"
	"github.com/FliegendeWurst/inboxid/internal/mailmsg"
)

func mail(id string, date time.Time, inReplyTo ...string) *mailmsg.Record {
	return &mailmsg.Record{
		ID:        mailboxid.New(1, 1),
		MessageID: id,
		Date:      date,
		InReplyTo: inReplyTo,
	}
}

func TestBuildRejectsDuplicateMessageID(t *testing.T) {
	a := mail("<a>", time.Unix(1, 0))
	a2 := mail("<a>", time.Unix(2, 0))

	_, err := Build([]*mailmsg.Record{a, a2})
	assert.Error(t, err)
}

func TestThreadSynthesis(t *testing.T) {
	t0 := time.Unix(1000, 0)
	a := mail("<a>", t0)
	b := mail("<b>", t0.Add(time.Hour), "<a>")
	c := mail("<c>", t0.Add(2*time.Hour), "<missing>")

	g, err := Build([]*mailmsg.Record{a, b, c})
	require.NoError(t, err)

	roots := g.Render()
	require.Len(t, roots, 2)

	var ids []string
	for _, r := range roots {
		ids = append(ids, r.Record.MessageID)
	}
	assert.Equal(t, []string{"<a>", "<missing>"}, ids)

	aNode := roots[0]
	require.Len(t, aNode.Children, 1)
	assert.Equal(t, "<b>", aNode.Children[0].Record.MessageID)

	pseudoRoot := roots[1]
	assert.True(t, pseudoRoot.Record.IsPseudo())
	require.Len(t, pseudoRoot.Children, 1)
	assert.Equal(t, "<c>", pseudoRoot.Children[0].Record.MessageID)
}

func TestRenderVisitsEachMailExactlyOnce(t *testing.T) {
	t0 := time.Unix(1000, 0)
	a := mail("<a>", t0)
	b := mail("<b>", t0.Add(time.Minute), "<a>")
	c := mail("<c>", t0.Add(2*time.Minute), "<a>", "<b>")

	g, err := Build([]*mailmsg.Record{a, b, c})
	require.NoError(t, err)

	seen := map[string]int{}
	var walk func(n *Node)
	walk = func(n *Node) {
		seen[n.Record.MessageID]++
		for _, child := range n.Children {
			walk(child)
		}
	}
	for _, root := range g.Render() {
		walk(root)
	}

	assert.Equal(t, 1, seen["<a>"])
	assert.Equal(t, 1, seen["<b>"])
	assert.Equal(t, 1, seen["<c>"])
}

func TestRenderToleratesCycles(t *testing.T) {
	a := mail("<a>", time.Unix(100, 0), "<b>")
	b := mail("<b>", time.Unix(200, 0), "<a>")

	g, err := Build([]*mailmsg.Record{a, b})
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		g.Render()
	})
}

func TestRootOrderIsBySubtreeMaxDate(t *testing.T) {
	older := mail("<older>", time.Unix(100, 0))
	newerReply := mail("<newer-reply>", time.Unix(500, 0), "<older>")
	newer := mail("<newer>", time.Unix(300, 0))

	g, err := Build([]*mailmsg.Record{older, newerReply, newer})
	require.NoError(t, err)

	roots := g.Render()
	require.Len(t, roots, 2)
	assert.Equal(t, "<newer>", roots[0].Record.MessageID)
	assert.Equal(t, "<older>", roots[1].Record.MessageID)
}

func TestConversationSizesCountsReferencesAndReplies(t *testing.T) {
	a := &mailmsg.Record{MessageID: "<a>"}
	b := &mailmsg.Record{MessageID: "<b>", InReplyTo: []string{"<a>"}, References: []string{"<a>"}}
	c := &mailmsg.Record{MessageID: "<c>", InReplyTo: []string{"<a>"}}

	sizes := ConversationSizes([]*mailmsg.Record{a, b, c})

	assert.Equal(t, 3, sizes["<a>"]) // own occurrence + b (References and In-Reply-To, counted once) + c's In-Reply-To
	assert.Equal(t, 1, sizes["<b>"])
	assert.Equal(t, 1, sizes["<c>"])
}
