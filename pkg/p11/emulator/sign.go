package emulator

import (
	"crypto"
	"crypto/dsa"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"encoding/asn1"
	"math/big"

	"github.com/cloudflare/circl/sign/ed448"
	"github.com/emmansun/gmsm/sm2"

	"github.com/xipki/commons/pkg/p11"
)

// mechContentHash returns the hash applied to the content before the key
// operation, or 0 when the mechanism consumes the content directly.
func mechContentHash(mechanism uint64) (crypto.Hash, bool) {
	switch mechanism {
	case p11.CKM_RSA_PKCS, p11.CKM_RSA_PKCS_PSS, p11.CKM_RSA_X_509,
		p11.CKM_DSA, p11.CKM_ECDSA, p11.CKM_EDDSA,
		p11.CKM_VENDOR_SM2, p11.CKM_VENDOR_SM2_SM3:
		return 0, true

	case p11.CKM_SHA1_RSA_PKCS, p11.CKM_SHA1_RSA_PKCS_PSS, p11.CKM_DSA_SHA1, p11.CKM_ECDSA_SHA1,
		p11.CKM_SHA_1_HMAC, p11.CKM_SHA_1:
		return crypto.SHA1, true
	case p11.CKM_SHA224_RSA_PKCS, p11.CKM_SHA224_RSA_PKCS_PSS, p11.CKM_DSA_SHA224, p11.CKM_ECDSA_SHA224,
		p11.CKM_SHA224_HMAC, p11.CKM_SHA224:
		return crypto.SHA224, true
	case p11.CKM_SHA256_RSA_PKCS, p11.CKM_SHA256_RSA_PKCS_PSS, p11.CKM_DSA_SHA256, p11.CKM_ECDSA_SHA256,
		p11.CKM_SHA256_HMAC, p11.CKM_SHA256:
		return crypto.SHA256, true
	case p11.CKM_SHA384_RSA_PKCS, p11.CKM_SHA384_RSA_PKCS_PSS, p11.CKM_DSA_SHA384, p11.CKM_ECDSA_SHA384,
		p11.CKM_SHA384_HMAC, p11.CKM_SHA384:
		return crypto.SHA384, true
	case p11.CKM_SHA512_RSA_PKCS, p11.CKM_SHA512_RSA_PKCS_PSS, p11.CKM_DSA_SHA512, p11.CKM_ECDSA_SHA512,
		p11.CKM_SHA512_HMAC, p11.CKM_SHA512:
		return crypto.SHA512, true
	case p11.CKM_SHA3_224_RSA_PKCS, p11.CKM_SHA3_224_RSA_PKCS_PSS, p11.CKM_DSA_SHA3_224, p11.CKM_ECDSA_SHA3_224,
		p11.CKM_SHA3_224_HMAC, p11.CKM_SHA3_224:
		return crypto.SHA3_224, true
	case p11.CKM_SHA3_256_RSA_PKCS, p11.CKM_SHA3_256_RSA_PKCS_PSS, p11.CKM_DSA_SHA3_256, p11.CKM_ECDSA_SHA3_256,
		p11.CKM_SHA3_256_HMAC, p11.CKM_SHA3_256:
		return crypto.SHA3_256, true
	case p11.CKM_SHA3_384_RSA_PKCS, p11.CKM_SHA3_384_RSA_PKCS_PSS, p11.CKM_DSA_SHA3_384, p11.CKM_ECDSA_SHA3_384,
		p11.CKM_SHA3_384_HMAC, p11.CKM_SHA3_384:
		return crypto.SHA3_384, true
	case p11.CKM_SHA3_512_RSA_PKCS, p11.CKM_SHA3_512_RSA_PKCS_PSS, p11.CKM_DSA_SHA3_512, p11.CKM_ECDSA_SHA3_512,
		p11.CKM_SHA3_512_HMAC, p11.CKM_SHA3_512:
		return crypto.SHA3_512, true
	}
	return 0, false
}

func isHMACMechanism(mechanism uint64) bool {
	switch mechanism {
	case p11.CKM_SHA_1_HMAC, p11.CKM_SHA224_HMAC, p11.CKM_SHA256_HMAC, p11.CKM_SHA384_HMAC,
		p11.CKM_SHA512_HMAC, p11.CKM_SHA3_224_HMAC, p11.CKM_SHA3_256_HMAC, p11.CKM_SHA3_384_HMAC,
		p11.CKM_SHA3_512_HMAC:
		return true
	}
	return false
}

func isRSAPkcsMechanism(mechanism uint64) bool {
	switch mechanism {
	case p11.CKM_RSA_PKCS, p11.CKM_SHA1_RSA_PKCS, p11.CKM_SHA224_RSA_PKCS, p11.CKM_SHA256_RSA_PKCS,
		p11.CKM_SHA384_RSA_PKCS, p11.CKM_SHA512_RSA_PKCS, p11.CKM_SHA3_224_RSA_PKCS,
		p11.CKM_SHA3_256_RSA_PKCS, p11.CKM_SHA3_384_RSA_PKCS, p11.CKM_SHA3_512_RSA_PKCS:
		return true
	}
	return false
}

func isRSAPssMechanism(mechanism uint64) bool {
	switch mechanism {
	case p11.CKM_RSA_PKCS_PSS, p11.CKM_SHA1_RSA_PKCS_PSS, p11.CKM_SHA224_RSA_PKCS_PSS,
		p11.CKM_SHA256_RSA_PKCS_PSS, p11.CKM_SHA384_RSA_PKCS_PSS, p11.CKM_SHA512_RSA_PKCS_PSS,
		p11.CKM_SHA3_224_RSA_PKCS_PSS, p11.CKM_SHA3_256_RSA_PKCS_PSS, p11.CKM_SHA3_384_RSA_PKCS_PSS,
		p11.CKM_SHA3_512_RSA_PKCS_PSS:
		return true
	}
	return false
}

func isDSAMechanism(mechanism uint64) bool {
	switch mechanism {
	case p11.CKM_DSA, p11.CKM_DSA_SHA1, p11.CKM_DSA_SHA224, p11.CKM_DSA_SHA256, p11.CKM_DSA_SHA384,
		p11.CKM_DSA_SHA512, p11.CKM_DSA_SHA3_224, p11.CKM_DSA_SHA3_256, p11.CKM_DSA_SHA3_384,
		p11.CKM_DSA_SHA3_512:
		return true
	}
	return false
}

func isECDSAMechanism(mechanism uint64) bool {
	switch mechanism {
	case p11.CKM_ECDSA, p11.CKM_ECDSA_SHA1, p11.CKM_ECDSA_SHA224, p11.CKM_ECDSA_SHA256,
		p11.CKM_ECDSA_SHA384, p11.CKM_ECDSA_SHA512, p11.CKM_ECDSA_SHA3_224, p11.CKM_ECDSA_SHA3_256,
		p11.CKM_ECDSA_SHA3_384, p11.CKM_ECDSA_SHA3_512:
		return true
	}
	return false
}

// ckmHashToCryptoHash maps a digest mechanism code to the Go hash.
func ckmHashToCryptoHash(mechanism uint64) (crypto.Hash, bool) {
	switch mechanism {
	case p11.CKM_SHA_1:
		return crypto.SHA1, true
	case p11.CKM_SHA224:
		return crypto.SHA224, true
	case p11.CKM_SHA256:
		return crypto.SHA256, true
	case p11.CKM_SHA384:
		return crypto.SHA384, true
	case p11.CKM_SHA512:
		return crypto.SHA512, true
	case p11.CKM_SHA3_224:
		return crypto.SHA3_224, true
	case p11.CKM_SHA3_256:
		return crypto.SHA3_256, true
	case p11.CKM_SHA3_384:
		return crypto.SHA3_384, true
	case p11.CKM_SHA3_512:
		return crypto.SHA3_512, true
	}
	return 0, false
}

// signWithPrivateKey dispatches a sign operation to the software signer
// matching the mechanism.
func signWithPrivateKey(mechanism uint64, params p11.Params, priv any, content []byte) ([]byte, error) {
	contentHash, known := mechContentHash(mechanism)
	if !known {
		return nil, p11.Errorf("unsupported mechanism %s", p11.MechanismName(mechanism))
	}

	digest := content
	if contentHash != 0 {
		md := contentHash.New()
		md.Write(content)
		digest = md.Sum(nil)
	}

	switch {
	case isRSAPkcsMechanism(mechanism):
		key, ok := priv.(*rsa.PrivateKey)
		if !ok {
			return nil, p11.Errorf("mechanism %s requires an RSA key", p11.MechanismName(mechanism))
		}
		sig, err := rsa.SignPKCS1v15(rand.Reader, key, contentHash, digest)
		if err != nil {
			return nil, p11.WrapError("RSA sign failed", err)
		}
		return sig, nil

	case isRSAPssMechanism(mechanism):
		key, ok := priv.(*rsa.PrivateKey)
		if !ok {
			return nil, p11.Errorf("mechanism %s requires an RSA key", p11.MechanismName(mechanism))
		}
		pssParams, ok := params.(*p11.RSAPKCSPssParams)
		if !ok {
			return nil, p11.Errorf("mechanism %s requires RSAPKCSPssParams", p11.MechanismName(mechanism))
		}
		pssHash, ok := ckmHashToCryptoHash(pssParams.HashAlgorithm)
		if !ok {
			return nil, p11.Errorf("unsupported PSS hash mechanism 0x%X", pssParams.HashAlgorithm)
		}
		opts := &rsa.PSSOptions{SaltLength: pssParams.SaltLength, Hash: pssHash}
		sig, err := rsa.SignPSS(rand.Reader, key, pssHash, digest, opts)
		if err != nil {
			return nil, p11.WrapError("RSA-PSS sign failed", err)
		}
		return sig, nil

	case mechanism == p11.CKM_RSA_X_509:
		key, ok := priv.(*rsa.PrivateKey)
		if !ok {
			return nil, p11.Errorf("mechanism %s requires an RSA key", p11.MechanismName(mechanism))
		}
		return rawRSASign(key, digest)

	case isDSAMechanism(mechanism):
		key, ok := priv.(*dsa.PrivateKey)
		if !ok {
			return nil, p11.Errorf("mechanism %s requires a DSA key", p11.MechanismName(mechanism))
		}
		// DSA uses at most the q-length leading bytes of the digest
		qlen := (key.Q.BitLen() + 7) / 8
		if len(digest) > qlen {
			digest = digest[:qlen]
		}
		r, s, err := dsa.Sign(rand.Reader, key, digest)
		if err != nil {
			return nil, p11.WrapError("DSA sign failed", err)
		}
		return concatRS(r, s, qlen)

	case isECDSAMechanism(mechanism):
		key, ok := priv.(*ecdsa.PrivateKey)
		if !ok {
			return nil, p11.Errorf("mechanism %s requires an EC key", p11.MechanismName(mechanism))
		}
		r, s, err := ecdsa.Sign(rand.Reader, key, digest)
		if err != nil {
			return nil, p11.WrapError("ECDSA sign failed", err)
		}
		width := (key.Curve.Params().N.BitLen() + 7) / 8
		return concatRS(r, s, width)

	case mechanism == p11.CKM_EDDSA:
		switch key := priv.(type) {
		case ed25519.PrivateKey:
			return ed25519.Sign(key, content), nil
		case ed448.PrivateKey:
			return ed448.Sign(key, content, ""), nil
		default:
			return nil, p11.Errorf("mechanism %s requires an Edwards key", p11.MechanismName(mechanism))
		}

	case mechanism == p11.CKM_VENDOR_SM2 || mechanism == p11.CKM_VENDOR_SM2_SM3:
		key, ok := priv.(*sm2.PrivateKey)
		if !ok {
			return nil, p11.Errorf("mechanism %s requires an SM2 key", p11.MechanismName(mechanism))
		}
		// SM2 always hashes with SM3 over ZA || message
		asn1Sig, err := key.Sign(rand.Reader, content, sm2.DefaultSM2SignerOpts)
		if err != nil {
			return nil, p11.WrapError("SM2 sign failed", err)
		}
		return sm2SigToRS(asn1Sig)

	default:
		return nil, p11.Errorf("unsupported mechanism %s", p11.MechanismName(mechanism))
	}
}

// signWithSecretKey computes an HMAC over the content.
func signWithSecretKey(mechanism uint64, key []byte, content []byte) ([]byte, error) {
	if !isHMACMechanism(mechanism) {
		return nil, p11.Errorf("unsupported mechanism %s for secret key", p11.MechanismName(mechanism))
	}
	hashAlgo, _ := mechContentHash(mechanism)
	mac := hmac.New(hashAlgo.New, key)
	mac.Write(content)
	return mac.Sum(nil), nil
}

// rawRSASign performs the textbook RSA private-key operation on the
// caller-padded input.
func rawRSASign(key *rsa.PrivateKey, input []byte) ([]byte, error) {
	k := (key.N.BitLen() + 7) / 8
	if len(input) > k {
		return nil, p11.Errorf("input too long for RSA modulus (%d > %d)", len(input), k)
	}
	m := new(big.Int).SetBytes(input)
	if m.Cmp(key.N) >= 0 {
		return nil, p11.Errorf("input is not smaller than the RSA modulus")
	}
	c := new(big.Int).Exp(m, key.D, key.N)
	return c.FillBytes(make([]byte, k)), nil
}

// concatRS renders a DSA/ECDSA signature as the PKCS#11 r||s form with
// fixed-width halves.
func concatRS(r, s *big.Int, width int) ([]byte, error) {
	if r.BitLen() > width*8 || s.BitLen() > width*8 {
		return nil, p11.Errorf("signature component does not fit in %d bytes", width)
	}
	sig := make([]byte, 2*width)
	r.FillBytes(sig[:width])
	s.FillBytes(sig[width:])
	return sig, nil
}

type asn1Signature struct {
	R, S *big.Int
}

// sm2SigToRS converts an ASN.1 SM2 signature to the 64-byte r||s form.
func sm2SigToRS(sig []byte) ([]byte, error) {
	var decoded asn1Signature
	if _, err := asn1.Unmarshal(sig, &decoded); err != nil {
		return nil, p11.WrapError("invalid SM2 signature", err)
	}
	return concatRS(decoded.R, decoded.S, 32)
}
