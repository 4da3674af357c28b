package security

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestEncryptor(t *testing.T) {
	salt, err := GenerateSalt()
	require.NoError(t, err)
	assert.Len(t, salt, saltLength)

	enc, err := NewEncryptor([]byte("passphrase"), salt)
	require.NoError(t, err)

	t.Run("EncryptAndDecrypt", func(t *testing.T) {
		plaintext := []byte("secret message")

		ciphertext, err := enc.Encrypt(plaintext)
		require.NoError(t, err)
		assert.NotContains(t, string(ciphertext), "secret")

		decrypted, err := enc.Decrypt(ciphertext)
		require.NoError(t, err)
		assert.Equal(t, plaintext, decrypted)
	})

	t.Run("InvalidCiphertext", func(t *testing.T) {
		_, err := enc.Decrypt([]byte("invalid"))
		assert.ErrorIs(t, err, ErrDecrypt)
	})

	t.Run("WrongPassword", func(t *testing.T) {
		ciphertext, err := enc.Encrypt([]byte("data"))
		require.NoError(t, err)

		other, err := NewEncryptor([]byte("other"), salt)
		require.NoError(t, err)
		_, err = other.Decrypt(ciphertext)
		assert.ErrorIs(t, err, ErrDecrypt)
	})

	t.Run("EmptyPassword", func(t *testing.T) {
		_, err := NewEncryptor(nil, salt)
		assert.Error(t, err)
	})

	t.Run("DeterministicDerivation", func(t *testing.T) {
		assert.Equal(t, DeriveKey([]byte("pw"), salt), DeriveKey([]byte("pw"), salt))
		assert.Len(t, DeriveKey([]byte("pw"), salt), keyLength)
	})
}

func TestKeystore(t *testing.T) {
	t.Run("PlainKeyRoundTrip", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "keys", "validator.key")
		ks := NewKeystore(path, nil, zaptest.NewLogger(t))

		first, err := ks.LoadOrGenerate()
		require.NoError(t, err)

		second, err := ks.LoadOrGenerate()
		require.NoError(t, err)
		assert.True(t, first.Equals(second))

		id1, err := peer.IDFromPrivateKey(first)
		require.NoError(t, err)
		id2, err := peer.IDFromPrivateKey(second)
		require.NoError(t, err)
		assert.Equal(t, id1, id2)
	})

	t.Run("EncryptedKeyRoundTrip", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "validator.key")
		ks := NewKeystore(path, []byte("hunter2"), zaptest.NewLogger(t))

		first, err := ks.LoadOrGenerate()
		require.NoError(t, err)

		raw, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, encryptedMagic, raw[:len(encryptedMagic)])

		second, err := ks.LoadOrGenerate()
		require.NoError(t, err)
		assert.True(t, first.Equals(second))

		_, err = NewKeystore(path, []byte("wrong"), zaptest.NewLogger(t)).LoadOrGenerate()
		assert.ErrorIs(t, err, ErrDecrypt)

		_, err = NewKeystore(path, nil, zaptest.NewLogger(t)).LoadOrGenerate()
		assert.Error(t, err)
	})

	t.Run("CorruptKey", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "validator.key")
		require.NoError(t, os.WriteFile(path, []byte("garbage"), 0600))

		_, err := NewKeystore(path, nil, zaptest.NewLogger(t)).LoadOrGenerate()
		assert.Error(t, err)
	})
}
