package emulator

import (
	"crypto/dsa"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/asn1"
	"encoding/hex"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/cloudflare/circl/sign/ed448"

	"github.com/xipki/commons/pkg/p11"
	"github.com/xipki/commons/pkg/security"
)

var (
	oidRSA = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 1}
	oidDSA = asn1.ObjectIdentifier{1, 2, 840, 10040, 4, 1}
	oidEC  = asn1.ObjectIdentifier{1, 2, 840, 10045, 2, 1}
)

func oidStr(oid asn1.ObjectIdentifier) string {
	return oid.String()
}

func appendProp(sb *strings.Builder, key, value string) {
	sb.WriteString(key)
	sb.WriteByte('=')
	sb.WriteString(value)
	sb.WriteByte('\n')
}

func appendHexProp(sb *strings.Builder, key string, value []byte) {
	appendProp(sb, key, hex.EncodeToString(value))
}

func appendBigIntProp(sb *strings.Builder, key string, value *big.Int) {
	appendHexProp(sb, key, value.Bytes())
}

// savePublicKey writes the public half of a keypair as a property file and
// returns the sibling public-key handle.
func (s *Slot) savePublicKey(id []byte, label string, keyType uint64, pub any, keySpec string) (uint64, error) {
	hexID := hex.EncodeToString(id)

	var sb strings.Builder
	appendProp(&sb, propID, hexID)
	appendProp(&sb, propLabel, label)
	appendProp(&sb, propKeyType, fmt.Sprintf("%d", keyType))
	if keySpec != "" {
		appendProp(&sb, propKeySpec, keySpec)
	}

	switch key := pub.(type) {
	case *rsa.PublicKey:
		appendProp(&sb, propAlgorithm, oidStr(oidRSA))
		appendBigIntProp(&sb, propRSAModus, key.N)
		appendBigIntProp(&sb, propRSAPublicExponent, big.NewInt(int64(key.E)))

	case *dsa.PublicKey:
		appendProp(&sb, propAlgorithm, oidStr(oidDSA))
		appendBigIntProp(&sb, propDSAPrime, key.P)
		appendBigIntProp(&sb, propDSASubPrime, key.Q)
		appendBigIntProp(&sb, propDSABase, key.G)
		appendBigIntProp(&sb, propDSAValue, key.Y)

	case *ecdsa.PublicKey:
		appendProp(&sb, propAlgorithm, oidStr(oidEC))
		curveOID, ok := p11.CurveOIDForCurve(key.Curve)
		if !ok {
			return 0, p11.Errorf("EC public key is not on a named curve")
		}

		var encodedParams []byte
		var err error
		if s.namedCurveSupported {
			encodedParams, err = asn1.Marshal(curveOID)
		} else {
			encodedParams, err = marshalExplicitECParams(key.Curve)
		}
		if err != nil {
			return 0, p11.WrapError("could not encode EC parameters", err)
		}
		appendHexProp(&sb, propECParams, encodedParams)

		point := elliptic.Marshal(key.Curve, key.X, key.Y)
		encodedPoint, err := asn1.Marshal(point)
		if err != nil {
			return 0, p11.WrapError("could not ASN.1 encode the ECPoint", err)
		}
		appendHexProp(&sb, propECPoint, encodedPoint)

	case ed25519.PublicKey:
		if err := appendPointProps(&sb, p11.OIDEd25519, key); err != nil {
			return 0, err
		}

	case ed448.PublicKey:
		if err := appendPointProps(&sb, p11.OIDEd448, key); err != nil {
			return 0, err
		}

	case *p11.XDHPublicKey:
		if err := appendPointProps(&sb, key.CurveOID, key.Public); err != nil {
			return 0, err
		}

	default:
		return 0, p11.Errorf("unsupported public key %T", pub)
	}

	if err := os.WriteFile(infoFile(s.pubKeyDir, hexID), []byte(sb.String()), 0o600); err != nil {
		return 0, p11.WrapError("could not save public key", err)
	}
	return p11.EmulatorKeyHandle(id) + 1, nil
}

func appendPointProps(sb *strings.Builder, curveOID asn1.ObjectIdentifier, point []byte) error {
	appendProp(sb, propAlgorithm, oidStr(curveOID))
	encodedParams, err := asn1.Marshal(curveOID)
	if err != nil {
		return p11.WrapError("could not encode curve oid", err)
	}
	appendHexProp(sb, propECParams, encodedParams)
	appendHexProp(sb, propECPoint, point)
	return nil
}

// explicitECParams is the RFC 3279 ECParameters structure.
type explicitECParams struct {
	Version  int
	FieldID  ecFieldID
	Curve    ecCurve
	Base     []byte
	Order    *big.Int
	Cofactor *big.Int
}

type ecFieldID struct {
	FieldType asn1.ObjectIdentifier
	Prime     *big.Int
}

type ecCurve struct {
	A []byte
	B []byte
}

var oidPrimeField = asn1.ObjectIdentifier{1, 2, 840, 10045, 1, 1}

// marshalExplicitECParams encodes the full curve parameters, for tokens
// that do not understand named curves.
func marshalExplicitECParams(curve elliptic.Curve) ([]byte, error) {
	params := curve.Params()
	// A = -3 mod p for the supported short-Weierstrass curves
	a := new(big.Int).Sub(params.P, big.NewInt(3))
	return asn1.Marshal(explicitECParams{
		Version:  1,
		FieldID:  ecFieldID{FieldType: oidPrimeField, Prime: params.P},
		Curve:    ecCurve{A: a.Bytes(), B: params.B.Bytes()},
		Base:     elliptic.Marshal(curve, params.Gx, params.Gy),
		Order:    params.N,
		Cofactor: big.NewInt(1),
	})
}

// savePrivateKey seals and stores the private half and returns its KeyID.
func (s *Slot) savePrivateKey(id []byte, label string, keyType uint64, priv any, algo, keySpec string) (*p11.KeyID, error) {
	encrypted, err := s.cryptor.EncryptPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	return s.saveEntry(p11.CKO_PRIVATE_KEY, id, label, keyType, algo, encrypted, keySpec)
}

// saveSecretKey seals and stores a secret key value and returns its KeyID.
func (s *Slot) saveSecretKey(id []byte, label string, keyType uint64, value []byte) (*p11.KeyID, error) {
	encrypted, err := s.cryptor.Encrypt(value)
	if err != nil {
		return nil, err
	}
	algo, err := secretKeyAlgorithm(keyType)
	if err != nil {
		return nil, err
	}
	return s.saveEntry(p11.CKO_SECRET_KEY, id, label, keyType, algo, encrypted, fmt.Sprintf("%d", len(value)*8))
}

// saveEntry writes the .info/.value pair of a private or secret key.
func (s *Slot) saveEntry(objClass uint64, id []byte, label string, keyType uint64,
	algo string, value []byte, keySpec string) (*p11.KeyID, error) {
	if label == "" {
		return nil, p11.Errorf("label must not be blank")
	}
	if len(id) == 0 {
		return nil, p11.Errorf("id must not be empty")
	}

	hexID := hex.EncodeToString(id)

	var sb strings.Builder
	appendProp(&sb, propID, hexID)
	appendProp(&sb, propLabel, label)
	appendProp(&sb, propKeyType, fmt.Sprintf("%d", keyType))
	if algo != "" {
		appendProp(&sb, propAlgo, algo)
	}
	if keySpec != "" {
		appendProp(&sb, propKeySpec, keySpec)
	}

	// integrity tag over the encrypted value
	sha1sum, err := security.HexSha1(value)
	if err != nil {
		return nil, p11.WrapError("could not hash value", err)
	}
	appendProp(&sb, propSha1Sum, sha1sum)

	dir := s.privKeyDir
	if objClass == p11.CKO_SECRET_KEY {
		dir = s.secKeyDir
	}

	if err := os.WriteFile(infoFile(dir, hexID), []byte(sb.String()), 0o600); err != nil {
		return nil, p11.WrapError("could not save "+p11.ObjectClassName(objClass), err)
	}
	if err := os.WriteFile(valueFile(dir, hexID), value, 0o600); err != nil {
		return nil, p11.WrapError("could not save "+p11.ObjectClassName(objClass), err)
	}

	return p11.NewKeyID(p11.EmulatorKeyHandle(id), objClass, keyType, id, label), nil
}

func (s *Slot) saveKeypair(keyType uint64, priv, pub any, algo, keySpec string, control *p11.NewKeyControl) (*p11.KeyID, error) {
	publicKeyHandle, err := s.savePublicKey(control.ID, control.Label, keyType, pub, keySpec)
	if err != nil {
		return nil, err
	}
	keyID, err := s.savePrivateKey(control.ID, control.Label, keyType, priv, algo, keySpec)
	if err != nil {
		return nil, err
	}
	keyID.SetPublicKeyHandle(publicKeyHandle)
	return keyID, nil
}

func secretKeyAlgorithm(keyType uint64) (string, error) {
	switch keyType {
	case p11.CKK_GENERIC_SECRET:
		return "generic", nil
	case p11.CKK_AES:
		return "AES", nil
	case p11.CKK_DES3:
		return "DES3", nil
	case p11.CKK_SHA_1_HMAC:
		return "HMACSHA1", nil
	case p11.CKK_SHA224_HMAC:
		return "HMACSHA224", nil
	case p11.CKK_SHA256_HMAC:
		return "HMACSHA256", nil
	case p11.CKK_SHA384_HMAC:
		return "HMACSHA384", nil
	case p11.CKK_SHA512_HMAC:
		return "HMACSHA512", nil
	case p11.CKK_SHA3_224_HMAC:
		return "HMACSHA3-224", nil
	case p11.CKK_SHA3_256_HMAC:
		return "HMACSHA3-256", nil
	case p11.CKK_SHA3_384_HMAC:
		return "HMACSHA3-384", nil
	case p11.CKK_SHA3_512_HMAC:
		return "HMACSHA3-512", nil
	default:
		return "", p11.Errorf("unsupported key type %s", p11.KeyTypeName(keyType))
	}
}

// DoGenerateSecretKey draws random key material of the requested size.
func (s *Slot) DoGenerateSecretKey(keyType uint64, keysize int, control *p11.NewKeyControl) (*p11.KeyID, error) {
	if keyType == p11.CKK_DES3 {
		keysize = 192
	}
	if keysize <= 0 || keysize%8 != 0 {
		return nil, p11.Errorf("keysize is not a positive multiple of 8: %d", keysize)
	}

	value := make([]byte, keysize/8)
	if _, err := rand.Read(value); err != nil {
		return nil, p11.WrapError("could not generate key material", err)
	}
	defer zeroize(value)
	return s.saveSecretKey(control.ID, control.Label, keyType, value)
}

// DoImportSecretKey stores the given key material.
func (s *Slot) DoImportSecretKey(keyType uint64, value []byte, control *p11.NewKeyControl) (*p11.KeyID, error) {
	return s.saveSecretKey(control.ID, control.Label, keyType, value)
}

// DoGenerateRSAKeypair generates and stores an RSA keypair.
func (s *Slot) DoGenerateRSAKeypair(keysize int, publicExponent *big.Int, control *p11.NewKeyControl) (*p11.KeyID, error) {
	key, err := generateRSAKeypair(keysize, publicExponent)
	if err != nil {
		return nil, err
	}
	return s.saveKeypair(p11.CKK_RSA, key, &key.PublicKey, "RSA", fmt.Sprintf("%d", keysize), control)
}

// DoGenerateRSAKeypairOtf generates an RSA keypair and returns its encoded
// private-key info.
func (s *Slot) DoGenerateRSAKeypairOtf(keysize int, publicExponent *big.Int) ([]byte, error) {
	key, err := generateRSAKeypair(keysize, publicExponent)
	if err != nil {
		return nil, err
	}
	return p11.MarshalPrivateKeyInfo(key)
}

// DoGenerateDSAKeypair generates and stores a DSA keypair over the domain
// parameters.
func (s *Slot) DoGenerateDSAKeypair(p, q, g *big.Int, control *p11.NewKeyControl) (*p11.KeyID, error) {
	key, err := generateDSAKeypair(p, q, g)
	if err != nil {
		return nil, err
	}
	return s.saveKeypair(p11.CKK_DSA, key, &key.PublicKey, "DSA", fmt.Sprintf("%d", p.BitLen()), control)
}

// DoGenerateDSAKeypairOtf generates a DSA keypair and returns its encoded
// private-key info.
func (s *Slot) DoGenerateDSAKeypairOtf(p, q, g *big.Int) ([]byte, error) {
	key, err := generateDSAKeypair(p, q, g)
	if err != nil {
		return nil, err
	}
	return p11.MarshalPrivateKeyInfo(key)
}

// DoGenerateECKeypair generates and stores an EC keypair.
func (s *Slot) DoGenerateECKeypair(curve asn1.ObjectIdentifier, control *p11.NewKeyControl) (*p11.KeyID, error) {
	key, err := generateECKeypair(curve)
	if err != nil {
		return nil, err
	}
	return s.saveKeypair(p11.CKK_EC, key, &key.PublicKey, "EC", p11.CurveName(curve), control)
}

// DoGenerateECKeypairOtf generates an EC keypair and returns its encoded
// private-key info.
func (s *Slot) DoGenerateECKeypairOtf(curve asn1.ObjectIdentifier) ([]byte, error) {
	key, err := generateECKeypair(curve)
	if err != nil {
		return nil, err
	}
	return p11.MarshalPrivateKeyInfo(key)
}

// DoGenerateECEdwardsKeypair generates and stores an Edwards-curve
// keypair.
func (s *Slot) DoGenerateECEdwardsKeypair(curve asn1.ObjectIdentifier, control *p11.NewKeyControl) (*p11.KeyID, error) {
	if !p11.IsEdwardsCurve(curve) {
		return nil, p11.Errorf("unknown curve %s", curve)
	}
	priv, pubPoint, err := generateEdwardsKeypair(curve)
	if err != nil {
		return nil, err
	}

	var pub any
	if curve.Equal(p11.OIDEd25519) {
		pub = ed25519.PublicKey(pubPoint)
	} else {
		pub = ed448.PublicKey(pubPoint)
	}
	return s.saveKeypair(p11.CKK_EC_EDWARDS, priv, pub, p11.CurveName(curve), p11.CurveName(curve), control)
}

// DoGenerateECEdwardsKeypairOtf generates an Edwards-curve keypair and
// returns its encoded private-key info.
func (s *Slot) DoGenerateECEdwardsKeypairOtf(curve asn1.ObjectIdentifier) ([]byte, error) {
	if !p11.IsEdwardsCurve(curve) {
		return nil, p11.Errorf("unknown curve %s", curve)
	}
	priv, _, err := generateEdwardsKeypair(curve)
	if err != nil {
		return nil, err
	}
	return p11.MarshalPrivateKeyInfo(priv)
}

// DoGenerateECMontgomeryKeypair generates and stores a Montgomery-curve
// keypair.
func (s *Slot) DoGenerateECMontgomeryKeypair(curve asn1.ObjectIdentifier, control *p11.NewKeyControl) (*p11.KeyID, error) {
	if !p11.IsMontgomeryCurve(curve) {
		return nil, p11.Errorf("unknown curve %s", curve)
	}
	priv, err := generateMontgomeryKeypair(curve)
	if err != nil {
		return nil, err
	}
	pub := &p11.XDHPublicKey{CurveOID: curve, Public: priv.Public}
	return s.saveKeypair(p11.CKK_EC_MONTGOMERY, priv, pub, p11.CurveName(curve), p11.CurveName(curve), control)
}

// DoGenerateECMontgomeryKeypairOtf generates a Montgomery-curve keypair
// and returns its encoded private-key info.
func (s *Slot) DoGenerateECMontgomeryKeypairOtf(curve asn1.ObjectIdentifier) ([]byte, error) {
	if !p11.IsMontgomeryCurve(curve) {
		return nil, p11.Errorf("unknown curve %s", curve)
	}
	priv, err := generateMontgomeryKeypair(curve)
	if err != nil {
		return nil, err
	}
	return p11.MarshalPrivateKeyInfo(priv)
}

// DoGenerateSM2Keypair generates and stores an SM2 keypair.
func (s *Slot) DoGenerateSM2Keypair(control *p11.NewKeyControl) (*p11.KeyID, error) {
	key, err := generateSM2Keypair()
	if err != nil {
		return nil, err
	}
	pub := &key.PublicKey
	return s.saveKeypair(p11.CKK_VENDOR_SM2, key, pub, "SM2", p11.CurveName(p11.OIDCurveSM2), control)
}

// DoGenerateSM2KeypairOtf generates an SM2 keypair and returns its encoded
// private-key info.
func (s *Slot) DoGenerateSM2KeypairOtf() ([]byte, error) {
	key, err := generateSM2Keypair()
	if err != nil {
		return nil, err
	}
	return p11.MarshalPrivateKeyInfo(key)
}
