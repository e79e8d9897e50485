package mailboxid

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInt64RoundTrip(t *testing.T) {
	cases := []ID{
		{UIDValidity: 0, UID: 0},
		{UIDValidity: 1, UID: 1},
		{UIDValidity: math.MaxUint32, UID: math.MaxUint32},
		{UIDValidity: 1700000000, UID: 42},
		{UIDValidity: 1, UID: math.MaxUint32},
	}
	for _, id := range cases {
		packed := id.ToInt64()
		got := FromInt64(packed)
		assert.Equal(t, id, got, "round trip through ToInt64/FromInt64 must be exact")
	}
}

func TestStringParseRoundTrip(t *testing.T) {
	id := New(123456, 789)
	s := id.String()
	assert.Equal(t, "123456_789", s)

	parsed, err := Parse(s)
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
}

func TestParseInvalid(t *testing.T) {
	_, err := Parse("not-an-id")
	assert.Error(t, err)

	_, err = Parse("abc_123")
	assert.Error(t, err)

	_, err = Parse("123_abc")
	assert.Error(t, err)
}

func TestPseudoIsZero(t *testing.T) {
	assert.True(t, Pseudo.IsPseudo())
	assert.True(t, ID{}.IsPseudo())
	assert.False(t, New(1, 0).IsPseudo())
}

func TestScanValue(t *testing.T) {
	id := New(99, 17)
	v, err := id.Value()
	require.NoError(t, err)

	var out ID
	require.NoError(t, out.Scan(v))
	assert.Equal(t, id, out)
}
