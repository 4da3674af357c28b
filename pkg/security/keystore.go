package security

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"os"

	libp2pCrypto "github.com/libp2p/go-libp2p/core/crypto"
	"go.uber.org/zap"

	"pool_validator/pkg/utils"
)

// encryptedMagic prefixes key files sealed with a passphrase
var encryptedMagic = []byte("PVK1")

// Keystore loads the validator's libp2p identity key from disk,
// generating it on first use.
type Keystore struct {
	path       string
	passphrase []byte
	logger     *zap.Logger
}

// NewKeystore creates a keystore for path. An empty passphrase stores the key unencrypted.
func NewKeystore(path string, passphrase []byte, logger *zap.Logger) *Keystore {
	return &Keystore{
		path:       path,
		passphrase: passphrase,
		logger:     logger,
	}
}

// LoadOrGenerate returns the stored identity key or creates and saves a new Ed25519 key
func (k *Keystore) LoadOrGenerate() (libp2pCrypto.PrivKey, error) {
	raw, err := os.ReadFile(k.path)
	if errors.Is(err, os.ErrNotExist) {
		return k.generate()
	}
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}

	if bytes.HasPrefix(raw, encryptedMagic) {
		raw, err = k.open(raw[len(encryptedMagic):])
		if err != nil {
			return nil, err
		}
	} else if len(k.passphrase) > 0 {
		k.logger.Warn("Identity key is stored unencrypted", zap.String("path", k.path))
	}

	priv, err := libp2pCrypto.UnmarshalPrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("unmarshaling private key: %w", err)
	}
	return priv, nil
}

func (k *Keystore) generate() (libp2pCrypto.PrivKey, error) {
	priv, _, err := libp2pCrypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}

	keyBytes, err := libp2pCrypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshaling private key: %w", err)
	}

	if len(k.passphrase) > 0 {
		keyBytes, err = k.seal(keyBytes)
		if err != nil {
			return nil, err
		}
	}

	if err := utils.WriteFileAtomic(k.path, keyBytes, 0600); err != nil {
		return nil, fmt.Errorf("saving key: %w", err)
	}

	k.logger.Info("Generated new identity key",
		zap.String("path", k.path),
		zap.Bool("encrypted", len(k.passphrase) > 0))
	return priv, nil
}

func (k *Keystore) seal(plain []byte) ([]byte, error) {
	salt, err := GenerateSalt()
	if err != nil {
		return nil, err
	}
	enc, err := NewEncryptor(k.passphrase, salt)
	if err != nil {
		return nil, err
	}
	sealed, err := enc.Encrypt(plain)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(encryptedMagic)+len(salt)+len(sealed))
	out = append(out, encryptedMagic...)
	out = append(out, salt...)
	return append(out, sealed...), nil
}

func (k *Keystore) open(body []byte) ([]byte, error) {
	if len(k.passphrase) == 0 {
		return nil, fmt.Errorf("key file is encrypted but no passphrase was provided")
	}
	if len(body) < saltLength {
		return nil, fmt.Errorf("%w: key file truncated", ErrDecrypt)
	}
	enc, err := NewEncryptor(k.passphrase, body[:saltLength])
	if err != nil {
		return nil, err
	}
	return enc.Decrypt(body[saltLength:])
}
