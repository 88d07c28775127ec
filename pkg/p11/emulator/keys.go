package emulator

import (
	"crypto/dsa"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"encoding/asn1"
	"math/big"

	"github.com/cloudflare/circl/dh/x448"
	"github.com/cloudflare/circl/sign/ed448"
	"github.com/emmansun/gmsm/sm2"
	"golang.org/x/crypto/curve25519"

	"github.com/xipki/commons/pkg/p11"
)

var rsaF4 = big.NewInt(65537)

func generateRSAKeypair(keysize int, publicExponent *big.Int) (*rsa.PrivateKey, error) {
	if keysize < 1024 {
		return nil, p11.Errorf("invalid RSA keysize %d", keysize)
	}
	if publicExponent != nil && publicExponent.Cmp(rsaF4) != 0 {
		return nil, p11.Errorf("unsupported RSA public exponent %s, only 65537 is supported", publicExponent)
	}
	key, err := rsa.GenerateKey(rand.Reader, keysize)
	if err != nil {
		return nil, p11.WrapError("could not generate RSA keypair", err)
	}
	return key, nil
}

func generateDSAKeypair(p, q, g *big.Int) (*dsa.PrivateKey, error) {
	key := &dsa.PrivateKey{}
	key.P, key.Q, key.G = p, q, g
	if err := dsa.GenerateKey(key, rand.Reader); err != nil {
		return nil, p11.WrapError("could not generate DSA keypair", err)
	}
	return key, nil
}

func generateECKeypair(curveOID asn1.ObjectIdentifier) (*ecdsa.PrivateKey, error) {
	curve := p11.WeierstrassCurve(curveOID)
	if curve == nil {
		return nil, p11.Errorf("unsupported curve %s", curveOID)
	}
	key, err := ecdsa.GenerateKey(curve, rand.Reader)
	if err != nil {
		return nil, p11.WrapError("could not generate EC keypair", err)
	}
	return key, nil
}

func generateSM2Keypair() (*sm2.PrivateKey, error) {
	key, err := sm2.GenerateKey(rand.Reader)
	if err != nil {
		return nil, p11.WrapError("could not generate SM2 keypair", err)
	}
	return key, nil
}

// generateEdwardsKeypair returns the private key and the raw public point.
func generateEdwardsKeypair(curveOID asn1.ObjectIdentifier) (priv any, pub []byte, err error) {
	switch {
	case curveOID.Equal(p11.OIDEd25519):
		public, private, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, nil, p11.WrapError("could not generate Ed25519 keypair", err)
		}
		return private, []byte(public), nil

	case curveOID.Equal(p11.OIDEd448):
		public, private, err := ed448.GenerateKey(rand.Reader)
		if err != nil {
			return nil, nil, p11.WrapError("could not generate Ed448 keypair", err)
		}
		return private, []byte(public), nil

	default:
		return nil, nil, p11.Errorf("unknown Edwards curve %s", curveOID)
	}
}

// generateMontgomeryKeypair returns the private key; its Public field holds
// the raw public point.
func generateMontgomeryKeypair(curveOID asn1.ObjectIdentifier) (priv *p11.XDHPrivateKey, err error) {
	switch {
	case curveOID.Equal(p11.OIDX25519):
		private := make([]byte, curve25519.ScalarSize)
		if _, err := rand.Read(private); err != nil {
			return nil, p11.WrapError("could not generate X25519 key", err)
		}
		public, err := curve25519.X25519(private, curve25519.Basepoint)
		if err != nil {
			return nil, p11.WrapError("could not derive X25519 public key", err)
		}
		return &p11.XDHPrivateKey{CurveOID: curveOID, Private: private, Public: public}, nil

	case curveOID.Equal(p11.OIDX448):
		var secret, public x448.Key
		if _, err := rand.Read(secret[:]); err != nil {
			return nil, p11.WrapError("could not generate X448 key", err)
		}
		x448.KeyGen(&public, &secret)
		return &p11.XDHPrivateKey{
			CurveOID: curveOID,
			Private:  append([]byte(nil), secret[:]...),
			Public:   append([]byte(nil), public[:]...),
		}, nil

	default:
		return nil, p11.Errorf("unknown Montgomery curve %s", curveOID)
	}
}
