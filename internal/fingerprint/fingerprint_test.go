package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOfIsDeterministic(t *testing.T) {
	a := Of([]byte("chest-xray"))
	b := Of([]byte("chest-xray"))
	c := Of([]byte("chest-xray2"))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.False(t, a.IsZero())
}

func TestStringMatchesKnownDigest(t *testing.T) {
	// sha256("abc")
	want := "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	assert.Equal(t, want, Of([]byte("abc")).String())
	assert.Equal(t, want[:12], Of([]byte("abc")).Short())
}

func TestParse(t *testing.T) {
	fp := Of([]byte("payload"))

	parsed, err := Parse(fp.String())
	require.NoError(t, err)
	assert.Equal(t, fp, parsed)

	_, err = Parse("abc")
	assert.Error(t, err)

	_, err = Parse(string(make([]byte, Size*2)))
	assert.Error(t, err)
}

func TestShardInRange(t *testing.T) {
	for i := 0; i < 200; i++ {
		fp := Of([]byte{byte(i), byte(i >> 8)})
		s := fp.Shard(16)
		assert.GreaterOrEqual(t, s, 0)
		assert.Less(t, s, 16)
	}
	assert.Equal(t, 0, Of([]byte("x")).Shard(1))
	assert.Equal(t, 0, Of([]byte("x")).Shard(0))
}
