// Package security provides concurrent signing primitives shared by the
// PKCS#11 backends: single-threaded content-signer engines, a bounded pool
// multiplexing them, and a reusable message-digest bag.
package security

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"hash"
	"io"
)

// ContentSigner is a single-threaded signing engine. Data is streamed in via
// Write; Signature finalizes the pending data, resets the engine and returns
// the signature. A ContentSigner must never be used by two goroutines at the
// same time; wrap engines in a ConcurrentSigner for parallel use.
type ContentSigner interface {
	io.Writer

	// AlgorithmName returns a human-readable signature algorithm name,
	// e.g. "SHA256withRSA" or "HMACSHA256".
	AlgorithmName() string

	// Signature finalizes the written data and resets the engine.
	Signature() ([]byte, error)
}

// keySigner signs with a crypto.Signer after hashing the streamed data.
type keySigner struct {
	signer crypto.Signer
	hash   crypto.Hash
	opts   crypto.SignerOpts
	name   string
	md     hash.Hash
	buf    *bytes.Buffer // used when hash is 0 (pure signers such as Ed25519)
}

// NewKeySigner returns a ContentSigner over a crypto.Signer. With hash 0 the
// data is passed to the signer unhashed (Ed25519 and other pure schemes).
// With pss true, RSA keys sign using RSA-PSS with salt length equal to the
// hash size.
func NewKeySigner(signer crypto.Signer, hashAlgo crypto.Hash, pss bool) (ContentSigner, error) {
	if signer == nil {
		return nil, &SecurityError{Msg: "signer must not be nil"}
	}

	var opts crypto.SignerOpts = hashAlgo
	name := "with" + keyAlgorithmName(signer.Public())
	if hashAlgo != 0 {
		if !hashAlgo.Available() {
			return nil, &SecurityError{Msg: fmt.Sprintf("hash algorithm %v is not available", hashAlgo)}
		}
		name = hashName(hashAlgo) + name
	}

	if pss {
		if _, ok := signer.Public().(*rsa.PublicKey); !ok {
			return nil, &SecurityError{Msg: "pss requires an RSA key"}
		}
		opts = &rsa.PSSOptions{SaltLength: hashAlgo.Size(), Hash: hashAlgo}
		name = name + "andMGF1"
	}

	ks := &keySigner{signer: signer, hash: hashAlgo, opts: opts, name: name}
	if hashAlgo == 0 {
		ks.buf = new(bytes.Buffer)
	} else {
		ks.md = hashAlgo.New()
	}
	return ks, nil
}

func (s *keySigner) AlgorithmName() string {
	return s.name
}

func (s *keySigner) Write(p []byte) (int, error) {
	if s.md != nil {
		return s.md.Write(p)
	}
	return s.buf.Write(p)
}

func (s *keySigner) Signature() ([]byte, error) {
	var digest []byte
	if s.md != nil {
		digest = s.md.Sum(nil)
		s.md.Reset()
	} else {
		digest = s.buf.Bytes()
		defer s.buf.Reset()
	}

	sig, err := s.signer.Sign(rand.Reader, digest, s.opts)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	return sig, nil
}

// macSigner computes an HMAC over the streamed data.
type macSigner struct {
	mac  hash.Hash
	name string
}

// NewMACSigner returns a ContentSigner computing an HMAC with the given hash
// over the key.
func NewMACSigner(hashAlgo crypto.Hash, key []byte) (ContentSigner, error) {
	if !hashAlgo.Available() {
		return nil, &SecurityError{Msg: fmt.Sprintf("hash algorithm %v is not available", hashAlgo)}
	}
	if len(key) == 0 {
		return nil, &SecurityError{Msg: "key must not be empty"}
	}

	return &macSigner{
		mac:  hmac.New(hashAlgo.New, key),
		name: "HMAC" + hashName(hashAlgo),
	}, nil
}

func (s *macSigner) AlgorithmName() string {
	return s.name
}

func (s *macSigner) Write(p []byte) (int, error) {
	return s.mac.Write(p)
}

func (s *macSigner) Signature() ([]byte, error) {
	sig := s.mac.Sum(nil)
	s.mac.Reset()
	return sig, nil
}

func hashName(h crypto.Hash) string {
	switch h {
	case crypto.SHA1:
		return "SHA1"
	case crypto.SHA224:
		return "SHA224"
	case crypto.SHA256:
		return "SHA256"
	case crypto.SHA384:
		return "SHA384"
	case crypto.SHA512:
		return "SHA512"
	case crypto.SHA3_224:
		return "SHA3-224"
	case crypto.SHA3_256:
		return "SHA3-256"
	case crypto.SHA3_384:
		return "SHA3-384"
	case crypto.SHA3_512:
		return "SHA3-512"
	default:
		return h.String()
	}
}

func keyAlgorithmName(pub crypto.PublicKey) string {
	switch pub.(type) {
	case *rsa.PublicKey:
		return "RSA"
	case *ecdsa.PublicKey:
		return "ECDSA"
	case ed25519.PublicKey:
		return "Ed25519"
	default:
		return fmt.Sprintf("%T", pub)
	}
}
