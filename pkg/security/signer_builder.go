package security

import (
	"crypto"
	"crypto/sha1"
)

// KeySignerBuilder builds a ConcurrentSigner over a crypto.Signer, creating
// one engine per unit of parallelism.
type KeySignerBuilder struct {
	signer    crypto.Signer
	publicKey crypto.PublicKey
}

// NewKeySignerBuilder returns a builder for the given signing key. The
// public key defaults to signer.Public() when nil.
func NewKeySignerBuilder(signer crypto.Signer, publicKey crypto.PublicKey) (*KeySignerBuilder, error) {
	if signer == nil {
		return nil, &SecurityError{Msg: "signer must not be nil"}
	}
	if publicKey == nil {
		publicKey = signer.Public()
	}
	return &KeySignerBuilder{signer: signer, publicKey: publicKey}, nil
}

// CreateSigner builds a pool of parallelism engines signing with hashAlgo.
func (b *KeySignerBuilder) CreateSigner(hashAlgo crypto.Hash, pss bool, parallelism int) (*ConcurrentSigner, error) {
	if parallelism < 1 {
		return nil, &SecurityError{Msg: "parallelism must be positive"}
	}

	signers := make([]ContentSigner, 0, parallelism)
	for i := 0; i < parallelism; i++ {
		signer, err := NewKeySigner(b.signer, hashAlgo, pss)
		if err != nil {
			return nil, err
		}
		signers = append(signers, signer)
	}

	concurrent, err := NewConcurrentSigner(false, signers, b.signer)
	if err != nil {
		return nil, err
	}
	concurrent.SetPublicKey(b.publicKey)
	return concurrent, nil
}

// MACSignerBuilder builds a ConcurrentSigner computing HMACs over a secret
// key.
type MACSignerBuilder struct {
	key []byte
}

// NewMACSignerBuilder returns a builder for the given MAC key.
func NewMACSignerBuilder(key []byte) (*MACSignerBuilder, error) {
	if len(key) == 0 {
		return nil, &SecurityError{Msg: "key must not be empty"}
	}
	return &MACSignerBuilder{key: key}, nil
}

// CreateSigner builds a pool of parallelism HMAC engines. The SHA-1 digest
// of the key is recorded on the pool.
func (b *MACSignerBuilder) CreateSigner(hashAlgo crypto.Hash, parallelism int) (*ConcurrentSigner, error) {
	if parallelism < 1 {
		return nil, &SecurityError{Msg: "parallelism must be positive"}
	}

	signers := make([]ContentSigner, 0, parallelism)
	for i := 0; i < parallelism; i++ {
		signer, err := NewMACSigner(hashAlgo, b.key)
		if err != nil {
			return nil, err
		}
		signers = append(signers, signer)
	}

	concurrent, err := NewConcurrentSigner(true, signers, b.key)
	if err != nil {
		return nil, err
	}

	digest := sha1.Sum(b.key)
	if err := concurrent.SetSha1OfMacKey(digest[:]); err != nil {
		return nil, err
	}
	return concurrent, nil
}
