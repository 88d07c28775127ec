// Package emulator is a software PKCS#11 backend storing keys as encrypted
// files on disk and signing with a software crypto provider. It shares the
// slot contract of the native and proxy backends.
package emulator

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/pbkdf2"

	"github.com/xipki/commons/pkg/p11"
)

// Key-derivation parameters of the cryptor. They are fixed so that the
// wrapping key is deterministic given the password.
const (
	kdfIterations = 10000
	kdfKeyLen     = 32
)

// kdfSalt is fixed: the same password must unwrap values written by
// earlier runs.
var kdfSalt = []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0A}

const gcmNonceSize = 12

// KeyCryptor wraps and unwraps key material with a passphrase-derived
// AES-256-GCM key. The ciphertext authenticates the plaintext.
type KeyCryptor struct {
	aead cipher.AEAD
}

// NewKeyCryptor derives the wrapping key from the password with PBKDF2.
func NewKeyCryptor(password []byte) (*KeyCryptor, error) {
	key := pbkdf2.Key(password, kdfSalt, kdfIterations, kdfKeyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("could not create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("could not create GCM: %w", err)
	}
	return &KeyCryptor{aead: aead}, nil
}

// Encrypt seals plain under a fresh nonce; the nonce is prepended to the
// ciphertext.
func (c *KeyCryptor) Encrypt(plain []byte) ([]byte, error) {
	nonce := make([]byte, gcmNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("could not generate nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plain, nil), nil
}

// Decrypt opens a ciphertext produced by Encrypt.
func (c *KeyCryptor) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < gcmNonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, sealed := ciphertext[:gcmNonceSize], ciphertext[gcmNonceSize:]
	plain, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("could not decrypt value: %w", err)
	}
	return plain, nil
}

// EncryptPrivateKey serializes the private key as PKCS#8 and seals it.
func (c *KeyCryptor) EncryptPrivateKey(priv any) ([]byte, error) {
	der, err := p11.MarshalPrivateKeyInfo(priv)
	if err != nil {
		return nil, err
	}
	defer zeroize(der)
	return c.Encrypt(der)
}

// DecryptPrivateKey unseals and parses a private key stored by
// EncryptPrivateKey.
func (c *KeyCryptor) DecryptPrivateKey(ciphertext []byte) (any, error) {
	der, err := c.Decrypt(ciphertext)
	if err != nil {
		return nil, err
	}
	defer zeroize(der)
	return p11.ParsePrivateKeyInfo(der)
}

func zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
