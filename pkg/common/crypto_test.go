package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealJSON(t *testing.T) {
	// 32-byte key for AES-256
	testKey := "01234567890123456789012345678901"

	type secret struct {
		Password string `json:"password"`
	}

	t.Run("Seal and Open", func(t *testing.T) {
		sealed, err := SealJSON(t.Context(), testKey, secret{Password: "hunter2"})
		require.NoError(t, err)
		assert.NotEmpty(t, sealed)
		assert.NotContains(t, string(sealed), "hunter2")

		var got secret
		require.NoError(t, OpenJSON(t.Context(), testKey, sealed, &got))
		assert.Equal(t, "hunter2", got.Password)
	})

	t.Run("Wrong Key Fails", func(t *testing.T) {
		sealed, err := SealJSON(t.Context(), testKey, secret{Password: "a"})
		require.NoError(t, err)

		var got secret
		err = OpenJSON(t.Context(), "12345678901234567890123456789012", sealed, &got)
		assert.Error(t, err)
	})

	t.Run("Missing Key Fails", func(t *testing.T) {
		_, err := SealJSON(t.Context(), "", secret{})
		assert.ErrorIs(t, err, ErrNoEncryptionKey)

		var got secret
		err = OpenJSON(t.Context(), "", []byte("some-random-data"), &got)
		assert.ErrorIs(t, err, ErrNoEncryptionKey)
	})

	t.Run("Short Key Fails", func(t *testing.T) {
		_, err := SealJSON(t.Context(), "short", secret{})
		assert.ErrorContains(t, err, "must be 32 bytes")
	})

	t.Run("Empty Input Is Noop", func(t *testing.T) {
		got := secret{Password: "keep"}
		require.NoError(t, OpenJSON(t.Context(), testKey, nil, &got))
		assert.Equal(t, "keep", got.Password)
	})

	t.Run("Malformed Ciphertext", func(t *testing.T) {
		var got secret
		assert.Error(t, OpenJSON(t.Context(), testKey, []byte("short"), &got))
		assert.Error(t, OpenJSON(t.Context(), testKey, make([]byte, 50), &got))
	})
}
