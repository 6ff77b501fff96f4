package commitment

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommitIsDeterministic(t *testing.T) {
	a := Commit([]byte("0xcontractor"), []byte("nonce"))
	b := Commit([]byte("0xcontractor"), []byte("nonce"))
	assert.Equal(t, a, b)
	assert.False(t, a.IsZero())
}

func TestCommitIsLengthDelimited(t *testing.T) {
	assert.NotEqual(t, Commit([]byte("ab"), []byte("c")), Commit([]byte("a"), []byte("bc")))
	assert.NotEqual(t, Commit([]byte("abc")), Commit([]byte("abc"), nil))
}

func TestVerify(t *testing.T) {
	c := Bid("0xcontractor", []byte{1, 2, 3})

	assert.True(t, Verify(c, []byte("0xcontractor"), []byte{1, 2, 3}))
	assert.False(t, Verify(c, []byte("0xcontractor"), []byte{1, 2, 4}))
	assert.False(t, Verify(c, []byte("0xsomeoneelse"), []byte{1, 2, 3}))
	assert.True(t, Equal(Identity("0xsup"), Identity("0xsup")))
	assert.False(t, Equal(Identity("0xsup"), Identity("0xSUP")))
}

func TestParseRoundTrip(t *testing.T) {
	c := Identity("0xsupervisor")

	parsed, err := Parse(c.String())
	require.NoError(t, err)
	assert.Equal(t, c, parsed)

	_, err = Parse("0x1234")
	assert.Error(t, err)
	_, err = Parse("zz")
	assert.Error(t, err)
}

func TestJSONUsesHex(t *testing.T) {
	type wrapper struct {
		C Commitment `json:"c"`
	}
	in := wrapper{C: Identity("0xsupervisor")}

	b, err := json.Marshal(in)
	require.NoError(t, err)
	assert.Contains(t, string(b), in.C.String())

	var out wrapper
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, in.C, out.C)
}

func TestNewNonce(t *testing.T) {
	a, err := NewNonce()
	require.NoError(t, err)
	b, err := NewNonce()
	require.NoError(t, err)
	assert.Len(t, a, NonceSize)
	assert.NotEqual(t, a, b)
}
