package secrets

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoxRoundTrip(t *testing.T) {
	box, err := NewBoxFromHex(strings.Repeat("ab", KeySize))
	require.NoError(t, err)

	sealed, err := box.Seal("whsec_123")
	require.NoError(t, err)
	assert.False(t, bytes.Contains(sealed, []byte("whsec_123")))

	again, err := box.Seal("whsec_123")
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again, "nonces must differ")

	opened, err := box.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "whsec_123", opened)
}

func TestBoxEmptyValues(t *testing.T) {
	box, err := NewBox(make([]byte, KeySize))
	require.NoError(t, err)

	sealed, err := box.Seal("")
	require.NoError(t, err)
	assert.Nil(t, sealed)

	opened, err := box.Open(nil)
	require.NoError(t, err)
	assert.Equal(t, "", opened)
}

func TestBoxRejectsTampering(t *testing.T) {
	box, err := NewBox(make([]byte, KeySize))
	require.NoError(t, err)

	sealed, err := box.Seal("secret")
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0xff

	_, err = box.Open(sealed)
	assert.ErrorIs(t, err, ErrDecrypt)

	_, err = box.Open([]byte("short"))
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestNewBoxValidatesKey(t *testing.T) {
	_, err := NewBox([]byte("short"))
	assert.Error(t, err)

	_, err = NewBoxFromHex("zz")
	assert.Error(t, err)
}
