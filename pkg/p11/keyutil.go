package p11

import (
	"crypto/dsa"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"

	"github.com/cloudflare/circl/sign/ed448"
	"github.com/emmansun/gmsm/sm2"
	"github.com/emmansun/gmsm/smx509"
)

var (
	oidPublicKeyRSA = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 1}
	oidPublicKeyDSA = asn1.ObjectIdentifier{1, 2, 840, 10040, 4, 1}
	oidPublicKeyEC  = asn1.ObjectIdentifier{1, 2, 840, 10045, 2, 1}
)

// XDHPrivateKey is a Montgomery-curve (X25519/X448) private key together
// with its public point.
type XDHPrivateKey struct {
	CurveOID asn1.ObjectIdentifier
	Private  []byte
	Public   []byte
}

// XDHPublicKey is a Montgomery-curve (X25519/X448) public point.
type XDHPublicKey struct {
	CurveOID asn1.ObjectIdentifier
	Public   []byte
}

type pkcs8Info struct {
	Version    int
	Algorithm  pkix.AlgorithmIdentifier
	PrivateKey []byte
}

type dsaParams struct {
	P, Q, G *big.Int
}

// MarshalPrivateKeyInfo encodes a private key as a DER PKCS#8
// PrivateKeyInfo. Beyond the types the standard library covers it handles
// DSA, Ed448, X25519/X448 and SM2 keys.
func MarshalPrivateKeyInfo(priv any) ([]byte, error) {
	switch key := priv.(type) {
	case *rsa.PrivateKey, *ecdsa.PrivateKey, ed25519.PrivateKey:
		der, err := x509.MarshalPKCS8PrivateKey(key)
		if err != nil {
			return nil, WrapError("could not encode private key", err)
		}
		return der, nil

	case *sm2.PrivateKey:
		der, err := smx509.MarshalPKCS8PrivateKey(key)
		if err != nil {
			return nil, WrapError("could not encode SM2 private key", err)
		}
		return der, nil

	case *dsa.PrivateKey:
		paramBytes, err := asn1.Marshal(dsaParams{P: key.P, Q: key.Q, G: key.G})
		if err != nil {
			return nil, WrapError("could not encode DSA parameters", err)
		}
		xBytes, err := asn1.Marshal(key.X)
		if err != nil {
			return nil, WrapError("could not encode DSA private value", err)
		}
		info := pkcs8Info{
			Algorithm: pkix.AlgorithmIdentifier{
				Algorithm:  oidPublicKeyDSA,
				Parameters: asn1.RawValue{FullBytes: paramBytes},
			},
			PrivateKey: xBytes,
		}
		der, err := asn1.Marshal(info)
		if err != nil {
			return nil, WrapError("could not encode DSA private key", err)
		}
		return der, nil

	case ed448.PrivateKey:
		return marshalRFC8410(OIDEd448, key.Seed())

	case *XDHPrivateKey:
		return marshalRFC8410(key.CurveOID, key.Private)

	default:
		return nil, Errorf("unsupported private key type %T", priv)
	}
}

func marshalRFC8410(curveOID asn1.ObjectIdentifier, seed []byte) ([]byte, error) {
	curvePrivateKey, err := asn1.Marshal(seed)
	if err != nil {
		return nil, WrapError("could not encode private key", err)
	}
	info := pkcs8Info{
		Algorithm:  pkix.AlgorithmIdentifier{Algorithm: curveOID},
		PrivateKey: curvePrivateKey,
	}
	der, err := asn1.Marshal(info)
	if err != nil {
		return nil, WrapError("could not encode private key", err)
	}
	return der, nil
}

// ParsePrivateKeyInfo decodes a DER PKCS#8 PrivateKeyInfo produced by
// MarshalPrivateKeyInfo.
func ParsePrivateKeyInfo(der []byte) (any, error) {
	var info pkcs8Info
	if _, err := asn1.Unmarshal(der, &info); err != nil {
		return nil, WrapError("invalid PrivateKeyInfo", err)
	}

	switch {
	case info.Algorithm.Algorithm.Equal(oidPublicKeyDSA):
		var params dsaParams
		if _, err := asn1.Unmarshal(info.Algorithm.Parameters.FullBytes, &params); err != nil {
			return nil, WrapError("invalid DSA parameters", err)
		}
		x := new(big.Int)
		if _, err := asn1.Unmarshal(info.PrivateKey, &x); err != nil {
			return nil, WrapError("invalid DSA private value", err)
		}
		key := &dsa.PrivateKey{X: x}
		key.P, key.Q, key.G = params.P, params.Q, params.G
		key.Y = new(big.Int).Exp(key.G, key.X, key.P)
		return key, nil

	case info.Algorithm.Algorithm.Equal(OIDEd448):
		seed, err := parseRFC8410PrivateKey(info.PrivateKey)
		if err != nil {
			return nil, err
		}
		if len(seed) != ed448.SeedSize {
			return nil, Errorf("invalid Ed448 seed length %d", len(seed))
		}
		return ed448.NewKeyFromSeed(seed), nil

	case info.Algorithm.Algorithm.Equal(OIDX25519) || info.Algorithm.Algorithm.Equal(OIDX448):
		raw, err := parseRFC8410PrivateKey(info.PrivateKey)
		if err != nil {
			return nil, err
		}
		return &XDHPrivateKey{CurveOID: info.Algorithm.Algorithm, Private: raw}, nil

	case info.Algorithm.Algorithm.Equal(oidPublicKeyEC):
		// the curve parameter distinguishes SM2 from the NIST curves
		key, err := smx509.ParsePKCS8PrivateKey(der)
		if err != nil {
			return nil, WrapError("invalid EC private key", err)
		}
		return key, nil

	default:
		key, err := x509.ParsePKCS8PrivateKey(der)
		if err != nil {
			return nil, WrapError("invalid PrivateKeyInfo", err)
		}
		return key, nil
	}
}

func parseRFC8410PrivateKey(privateKey []byte) ([]byte, error) {
	var raw []byte
	if _, err := asn1.Unmarshal(privateKey, &raw); err != nil {
		return nil, WrapError("invalid curve private key", err)
	}
	return raw, nil
}

type spkiFixed struct {
	Algorithm pkix.AlgorithmIdentifier
	PublicKey asn1.BitString
}

// ParseSubjectPublicKeyInfo decodes a DER SubjectPublicKeyInfo into a
// public key, covering the RFC 8410 curves and SM2 beyond the standard
// library.
func ParseSubjectPublicKeyInfo(der []byte) (any, error) {
	var spki spkiFixed
	if _, err := asn1.Unmarshal(der, &spki); err != nil {
		return nil, WrapError("invalid SubjectPublicKeyInfo", err)
	}

	algo := spki.Algorithm.Algorithm
	switch {
	case algo.Equal(OIDEd448):
		raw := spki.PublicKey.RightAlign()
		if len(raw) != ed448.PublicKeySize {
			return nil, Errorf("invalid Ed448 public key length %d", len(raw))
		}
		return ed448.PublicKey(raw), nil

	case algo.Equal(OIDX25519) || algo.Equal(OIDX448):
		return &XDHPublicKey{CurveOID: algo, Public: spki.PublicKey.RightAlign()}, nil

	default:
		key, err := smx509.ParsePKIXPublicKey(der)
		if err != nil {
			return nil, WrapError("invalid SubjectPublicKeyInfo", err)
		}
		return key, nil
	}
}
