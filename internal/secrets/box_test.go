package secrets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpen(t *testing.T) {
	box, err := NewBox("master")
	require.NoError(t, err)

	sealed, err := box.Seal("app-password")
	require.NoError(t, err)
	assert.NotContains(t, sealed, "app-password")

	plain, err := box.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "app-password", plain)
}

func TestEmptyStaysEmpty(t *testing.T) {
	box, err := NewBox("master")
	require.NoError(t, err)

	sealed, err := box.Seal("")
	require.NoError(t, err)
	assert.Empty(t, sealed)

	plain, err := box.Open("")
	require.NoError(t, err)
	assert.Empty(t, plain)
}

func TestOpenWithWrongKey(t *testing.T) {
	a, _ := NewBox("one")
	b, _ := NewBox("two")
	sealed, err := a.Seal("token")
	require.NoError(t, err)

	_, err = b.Open(sealed)
	assert.ErrorIs(t, err, ErrOpen)

	_, err = b.Open("not base64!")
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestNewBoxRequiresKey(t *testing.T) {
	_, err := NewBox("")
	assert.ErrorIs(t, err, ErrNoKey)
}
