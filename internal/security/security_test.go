package security

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBox_RoundTrip(t *testing.T) {
	box := NewBox(KeyFromSecret("mesh-secret"))
	plaintext := []byte("attack at dawn")

	ct, err := box.Encrypt("obj-1", plaintext)
	require.NoError(t, err)
	assert.NotContains(t, string(ct), "attack")

	pt, err := box.Decrypt("obj-1", ct)
	require.NoError(t, err)
	assert.Equal(t, plaintext, pt)
}

func TestBox_NoncesDiffer(t *testing.T) {
	box := NewBox(KeyFromSecret("s"))
	a, err := box.Encrypt("x", []byte("same"))
	require.NoError(t, err)
	b, err := box.Encrypt("x", []byte("same"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestBox_RejectsWrongIDOrKey(t *testing.T) {
	box := NewBox(KeyFromSecret("s"))
	ct, err := box.Encrypt("x", []byte("payload"))
	require.NoError(t, err)

	_, err = box.Decrypt("y", ct)
	assert.ErrorIs(t, err, ErrDecrypt)

	_, err = NewBox(KeyFromSecret("other")).Decrypt("x", ct)
	assert.ErrorIs(t, err, ErrDecrypt)

	_, err = box.Decrypt("x", ct[:10])
	assert.ErrorIs(t, err, ErrDecrypt)

	ct[len(ct)-1] ^= 0xff
	_, err = box.Decrypt("x", ct)
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestBox_EmptyPlaintext(t *testing.T) {
	box := NewBox(KeyFromSecret("s"))
	ct, err := box.Encrypt("x", nil)
	require.NoError(t, err)
	pt, err := box.Decrypt("x", ct)
	require.NoError(t, err)
	assert.NotNil(t, pt)
	assert.Empty(t, pt)
}

func TestContentHash(t *testing.T) {
	assert.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		ContentHash(nil))
	assert.Equal(t, ContentHash([]byte("a")), NewBox([32]byte{}).Hash([]byte("a")))
}

func TestCompressor(t *testing.T) {
	c := NewCompressor()
	data := bytes.Repeat([]byte("objectmesh "), 1000)

	packed := c.Compress(data)
	assert.Less(t, len(packed), len(data))

	out, err := c.Decompress(packed)
	require.NoError(t, err)
	assert.Equal(t, data, out)

	empty, err := c.Decompress(c.Compress(nil))
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = c.Decompress([]byte("not zstd"))
	assert.Error(t, err)
}
