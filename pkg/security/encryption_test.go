package security

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(b byte) string {
	return base64.StdEncoding.EncodeToString([]byte(strings.Repeat(string(b), 32)))
}

func TestAESEncryptor(t *testing.T) {
	enc, err := NewAESEncryptor([]byte(strings.Repeat("k", 32)))
	require.NoError(t, err)

	sealed, err := enc.Encrypt([]byte("hello"))
	require.NoError(t, err)
	plain, err := enc.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(plain))

	sealed[len(sealed)-1] ^= 0xff
	_, err = enc.Decrypt(sealed)
	assert.ErrorIs(t, err, ErrDecryption)

	_, err = enc.Decrypt([]byte("x"))
	assert.ErrorIs(t, err, ErrDecryption)

	_, err = NewAESEncryptor([]byte("short"))
	assert.ErrorIs(t, err, ErrInvalidKeySize)
}

func TestFieldCipher(t *testing.T) {
	f, err := NewFieldCipher(testKey('a'))
	require.NoError(t, err)
	require.NotNil(t, f)

	sealed, err := f.Seal("patient prefers evenings")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sealed, sealedPrefix))
	assert.NotContains(t, sealed, "evenings")

	opened, err := f.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "patient prefers evenings", opened)

	// Plain rows from before encryption was enabled.
	opened, err = f.Open("legacy note")
	require.NoError(t, err)
	assert.Equal(t, "legacy note", opened)

	empty, err := f.Seal("")
	require.NoError(t, err)
	assert.Empty(t, empty)

	other, err := NewFieldCipher(testKey('b'))
	require.NoError(t, err)
	_, err = other.Open(sealed)
	assert.ErrorIs(t, err, ErrDecryption)
}

func TestFieldCipherDisabled(t *testing.T) {
	f, err := NewFieldCipher("")
	require.NoError(t, err)
	assert.Nil(t, f)

	out, err := f.Seal("note")
	require.NoError(t, err)
	assert.Equal(t, "note", out)

	_, err = f.Open(sealedPrefix + "AAAA")
	assert.ErrorIs(t, err, ErrDecryption)

	_, err = NewFieldCipher("not base64!")
	assert.Error(t, err)
}
