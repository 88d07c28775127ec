//go:build cgo

package native

import (
	"crypto/dsa"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/asn1"
	"math/big"

	"github.com/miekg/pkcs11"

	"github.com/xipki/commons/pkg/p11"
)

func unmarshalECPoint(curve elliptic.Curve, point []byte) (*big.Int, *big.Int) {
	return elliptic.Unmarshal(curve, point)
}

func (s *Slot) newKeyTemplates(control *p11.NewKeyControl, token bool) (pub, priv []*pkcs11.Attribute) {
	pub = []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_TOKEN, token),
		pkcs11.NewAttribute(pkcs11.CKA_VERIFY, true),
	}
	priv = []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_TOKEN, token),
		pkcs11.NewAttribute(pkcs11.CKA_PRIVATE, true),
		pkcs11.NewAttribute(pkcs11.CKA_SIGN, true),
	}

	if control != nil {
		if len(control.ID) > 0 {
			pub = append(pub, pkcs11.NewAttribute(pkcs11.CKA_ID, control.ID))
			priv = append(priv, pkcs11.NewAttribute(pkcs11.CKA_ID, control.ID))
		}
		if control.Label != "" && !s.NewObjectConf().IgnoreLabel {
			pub = append(pub, pkcs11.NewAttribute(pkcs11.CKA_LABEL, control.Label))
			priv = append(priv, pkcs11.NewAttribute(pkcs11.CKA_LABEL, control.Label))
		}
		sensitive := true
		if control.Sensitive != nil {
			sensitive = *control.Sensitive
		}
		extractable := false
		if control.Extractable != nil {
			extractable = *control.Extractable
		}
		priv = append(priv,
			pkcs11.NewAttribute(pkcs11.CKA_SENSITIVE, sensitive),
			pkcs11.NewAttribute(pkcs11.CKA_EXTRACTABLE, extractable))
	} else {
		priv = append(priv,
			pkcs11.NewAttribute(pkcs11.CKA_SENSITIVE, false),
			pkcs11.NewAttribute(pkcs11.CKA_EXTRACTABLE, true))
	}
	return pub, priv
}

func (s *Slot) generateKeypair(mechanism uint64, keyType uint64, pubTemplate, privTemplate []*pkcs11.Attribute,
	control *p11.NewKeyControl) (*p11.KeyID, error) {
	session, release, err := s.token.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	pubHandle, privHandle, err := s.token.ctx.GenerateKeyPair(session,
		[]*pkcs11.Mechanism{pkcs11.NewMechanism(uint(mechanism), nil)}, pubTemplate, privTemplate)
	if err != nil {
		return nil, p11.WrapError("could not generate keypair", err)
	}

	keyID := p11.NewKeyID(uint64(privHandle), p11.CKO_PRIVATE_KEY, keyType, control.ID, control.Label)
	keyID.SetPublicKeyHandle(uint64(pubHandle))
	return keyID, nil
}

// DoGenerateRSAKeypair generates an RSA keypair on the token.
func (s *Slot) DoGenerateRSAKeypair(keysize int, publicExponent *big.Int, control *p11.NewKeyControl) (*p11.KeyID, error) {
	if publicExponent == nil {
		publicExponent = big.NewInt(65537)
	}
	pub, priv := s.newKeyTemplates(control, true)
	pub = append(pub,
		pkcs11.NewAttribute(pkcs11.CKA_MODULUS_BITS, keysize),
		pkcs11.NewAttribute(pkcs11.CKA_PUBLIC_EXPONENT, publicExponent.Bytes()))
	return s.generateKeypair(p11.CKM_RSA_PKCS_KEY_PAIR_GEN, p11.CKK_RSA, pub, priv, control)
}

// DoGenerateRSAKeypairOtf generates a session RSA keypair, exports it as a
// private-key info and destroys the session objects.
func (s *Slot) DoGenerateRSAKeypairOtf(keysize int, publicExponent *big.Int) ([]byte, error) {
	if publicExponent == nil {
		publicExponent = big.NewInt(65537)
	}
	pub, priv := s.newKeyTemplates(nil, false)
	pub = append(pub,
		pkcs11.NewAttribute(pkcs11.CKA_MODULUS_BITS, keysize),
		pkcs11.NewAttribute(pkcs11.CKA_PUBLIC_EXPONENT, publicExponent.Bytes()))

	return s.generateKeypairOtf(p11.CKM_RSA_PKCS_KEY_PAIR_GEN, pub, priv,
		func(session pkcs11.SessionHandle, pubH, privH pkcs11.ObjectHandle) (any, error) {
			attrs, err := s.token.ctx.GetAttributeValue(session, privH, []*pkcs11.Attribute{
				pkcs11.NewAttribute(pkcs11.CKA_MODULUS, nil),
				pkcs11.NewAttribute(pkcs11.CKA_PUBLIC_EXPONENT, nil),
				pkcs11.NewAttribute(pkcs11.CKA_PRIVATE_EXPONENT, nil),
				pkcs11.NewAttribute(pkcs11.CKA_PRIME_1, nil),
				pkcs11.NewAttribute(pkcs11.CKA_PRIME_2, nil),
			})
			if err != nil {
				return nil, p11.WrapError("could not read RSA key attributes", err)
			}
			key := &rsa.PrivateKey{
				PublicKey: rsa.PublicKey{
					N: new(big.Int).SetBytes(attrs[0].Value),
					E: int(new(big.Int).SetBytes(attrs[1].Value).Int64()),
				},
				D: new(big.Int).SetBytes(attrs[2].Value),
				Primes: []*big.Int{
					new(big.Int).SetBytes(attrs[3].Value),
					new(big.Int).SetBytes(attrs[4].Value),
				},
			}
			key.Precompute()
			return key, nil
		})
}

// DoGenerateDSAKeypair generates a DSA keypair over the domain parameters.
func (s *Slot) DoGenerateDSAKeypair(p, q, g *big.Int, control *p11.NewKeyControl) (*p11.KeyID, error) {
	pub, priv := s.newKeyTemplates(control, true)
	pub = append(pub,
		pkcs11.NewAttribute(pkcs11.CKA_PRIME, p.Bytes()),
		pkcs11.NewAttribute(pkcs11.CKA_SUBPRIME, q.Bytes()),
		pkcs11.NewAttribute(pkcs11.CKA_BASE, g.Bytes()))
	return s.generateKeypair(p11.CKM_DSA_KEY_PAIR_GEN, p11.CKK_DSA, pub, priv, control)
}

// DoGenerateDSAKeypairOtf generates a session DSA keypair and exports it.
func (s *Slot) DoGenerateDSAKeypairOtf(p, q, g *big.Int) ([]byte, error) {
	pub, priv := s.newKeyTemplates(nil, false)
	pub = append(pub,
		pkcs11.NewAttribute(pkcs11.CKA_PRIME, p.Bytes()),
		pkcs11.NewAttribute(pkcs11.CKA_SUBPRIME, q.Bytes()),
		pkcs11.NewAttribute(pkcs11.CKA_BASE, g.Bytes()))

	return s.generateKeypairOtf(p11.CKM_DSA_KEY_PAIR_GEN, pub, priv,
		func(session pkcs11.SessionHandle, pubH, privH pkcs11.ObjectHandle) (any, error) {
			attrs, err := s.token.ctx.GetAttributeValue(session, privH, []*pkcs11.Attribute{
				pkcs11.NewAttribute(pkcs11.CKA_VALUE, nil),
			})
			if err != nil {
				return nil, p11.WrapError("could not read DSA key attributes", err)
			}
			key := &dsa.PrivateKey{X: new(big.Int).SetBytes(attrs[0].Value)}
			key.P, key.Q, key.G = p, q, g
			key.Y = new(big.Int).Exp(g, key.X, p)
			return key, nil
		})
}

func ecParamsFor(curve asn1.ObjectIdentifier) ([]byte, error) {
	der, err := asn1.Marshal(curve)
	if err != nil {
		return nil, p11.WrapError("could not encode curve oid", err)
	}
	return der, nil
}

func (s *Slot) generateECFamilyKeypair(mechanism, keyType uint64, curve asn1.ObjectIdentifier,
	control *p11.NewKeyControl) (*p11.KeyID, error) {
	ecParams, err := ecParamsFor(curve)
	if err != nil {
		return nil, err
	}
	pub, priv := s.newKeyTemplates(control, true)
	pub = append(pub, pkcs11.NewAttribute(pkcs11.CKA_EC_PARAMS, ecParams))
	return s.generateKeypair(mechanism, keyType, pub, priv, control)
}

// DoGenerateECKeypair generates an EC keypair on the named curve.
func (s *Slot) DoGenerateECKeypair(curve asn1.ObjectIdentifier, control *p11.NewKeyControl) (*p11.KeyID, error) {
	return s.generateECFamilyKeypair(p11.CKM_EC_KEY_PAIR_GEN, p11.CKK_EC, curve, control)
}

// DoGenerateECKeypairOtf generates a session EC keypair and exports it.
func (s *Slot) DoGenerateECKeypairOtf(curve asn1.ObjectIdentifier) ([]byte, error) {
	goCurve := p11.WeierstrassCurve(curve)
	if goCurve == nil {
		return nil, p11.Errorf("unsupported curve %s", curve)
	}
	ecParams, err := ecParamsFor(curve)
	if err != nil {
		return nil, err
	}
	pub, priv := s.newKeyTemplates(nil, false)
	pub = append(pub, pkcs11.NewAttribute(pkcs11.CKA_EC_PARAMS, ecParams))

	return s.generateKeypairOtf(p11.CKM_EC_KEY_PAIR_GEN, pub, priv,
		func(session pkcs11.SessionHandle, pubH, privH pkcs11.ObjectHandle) (any, error) {
			privAttrs, err := s.token.ctx.GetAttributeValue(session, privH, []*pkcs11.Attribute{
				pkcs11.NewAttribute(pkcs11.CKA_VALUE, nil),
			})
			if err != nil {
				return nil, p11.WrapError("could not read EC key attributes", err)
			}
			d := new(big.Int).SetBytes(privAttrs[0].Value)
			x, y := goCurve.ScalarBaseMult(d.Bytes())
			return &ecdsa.PrivateKey{
				PublicKey: ecdsa.PublicKey{Curve: goCurve, X: x, Y: y},
				D:         d,
			}, nil
		})
}

// DoGenerateECEdwardsKeypair generates an Edwards-curve keypair.
func (s *Slot) DoGenerateECEdwardsKeypair(curve asn1.ObjectIdentifier, control *p11.NewKeyControl) (*p11.KeyID, error) {
	if !p11.IsEdwardsCurve(curve) {
		return nil, p11.Errorf("unknown curve %s", curve)
	}
	return s.generateECFamilyKeypair(p11.CKM_EC_EDWARDS_KEY_PAIR_GEN, p11.CKK_EC_EDWARDS, curve, control)
}

// DoGenerateECEdwardsKeypairOtf is not provided by the native backend: the
// driver does not expose the seed of a session Edwards key portably.
func (s *Slot) DoGenerateECEdwardsKeypairOtf(curve asn1.ObjectIdentifier) ([]byte, error) {
	return nil, p11.Errorf("on-the-fly Edwards keypair generation is not supported by the native backend")
}

// DoGenerateECMontgomeryKeypair generates a Montgomery-curve keypair.
func (s *Slot) DoGenerateECMontgomeryKeypair(curve asn1.ObjectIdentifier, control *p11.NewKeyControl) (*p11.KeyID, error) {
	if !p11.IsMontgomeryCurve(curve) {
		return nil, p11.Errorf("unknown curve %s", curve)
	}
	return s.generateECFamilyKeypair(p11.CKM_EC_MONTGOMERY_KEY_PAIR_GEN, p11.CKK_EC_MONTGOMERY, curve, control)
}

// DoGenerateECMontgomeryKeypairOtf is not provided by the native backend.
func (s *Slot) DoGenerateECMontgomeryKeypairOtf(curve asn1.ObjectIdentifier) ([]byte, error) {
	return nil, p11.Errorf("on-the-fly Montgomery keypair generation is not supported by the native backend")
}

// DoGenerateSM2Keypair generates an SM2 keypair through the vendor
// mechanism.
func (s *Slot) DoGenerateSM2Keypair(control *p11.NewKeyControl) (*p11.KeyID, error) {
	return s.generateECFamilyKeypair(p11.CKM_VENDOR_SM2_KEY_PAIR_GEN, p11.CKK_VENDOR_SM2, p11.OIDCurveSM2, control)
}

// DoGenerateSM2KeypairOtf is not provided by the native backend.
func (s *Slot) DoGenerateSM2KeypairOtf() ([]byte, error) {
	return nil, p11.Errorf("on-the-fly SM2 keypair generation is not supported by the native backend")
}

func (s *Slot) generateKeypairOtf(mechanism uint64, pubTemplate, privTemplate []*pkcs11.Attribute,
	export func(pkcs11.SessionHandle, pkcs11.ObjectHandle, pkcs11.ObjectHandle) (any, error)) ([]byte, error) {
	session, release, err := s.token.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	ctx := s.token.ctx
	pubHandle, privHandle, err := ctx.GenerateKeyPair(session,
		[]*pkcs11.Mechanism{pkcs11.NewMechanism(uint(mechanism), nil)}, pubTemplate, privTemplate)
	if err != nil {
		return nil, p11.WrapError("could not generate keypair", err)
	}
	defer func() {
		_ = ctx.DestroyObject(session, privHandle)
		_ = ctx.DestroyObject(session, pubHandle)
	}()

	key, err := export(session, pubHandle, privHandle)
	if err != nil {
		return nil, err
	}
	return p11.MarshalPrivateKeyInfo(key)
}

// DoGenerateSecretKey generates a secret key on the token.
func (s *Slot) DoGenerateSecretKey(keyType uint64, keysize int, control *p11.NewKeyControl) (*p11.KeyID, error) {
	var mechanism uint64
	switch keyType {
	case p11.CKK_AES:
		mechanism = p11.CKM_AES_KEY_GEN
	case p11.CKK_DES3:
		mechanism = p11.CKM_DES3_KEY_GEN
		keysize = 192
	default:
		mechanism = p11.CKM_GENERIC_SECRET_KEY_GEN
	}
	if keysize <= 0 || keysize%8 != 0 {
		return nil, p11.Errorf("keysize is not a positive multiple of 8: %d", keysize)
	}

	session, release, err := s.token.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	template := s.secretKeyTemplate(keyType, control)
	if keyType != p11.CKK_DES3 {
		template = append(template, pkcs11.NewAttribute(pkcs11.CKA_VALUE_LEN, keysize/8))
	}

	handle, err := s.token.ctx.GenerateKey(session,
		[]*pkcs11.Mechanism{pkcs11.NewMechanism(uint(mechanism), nil)}, template)
	if err != nil {
		return nil, p11.WrapError("could not generate secret key", err)
	}
	return p11.NewKeyID(uint64(handle), p11.CKO_SECRET_KEY, keyType, control.ID, control.Label), nil
}

// DoImportSecretKey imports the key material as a token object.
func (s *Slot) DoImportSecretKey(keyType uint64, value []byte, control *p11.NewKeyControl) (*p11.KeyID, error) {
	session, release, err := s.token.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	template := s.secretKeyTemplate(keyType, control)
	template = append(template,
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_SECRET_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_VALUE, value))

	handle, err := s.token.ctx.CreateObject(session, template)
	if err != nil {
		return nil, p11.WrapError("could not import secret key", err)
	}
	return p11.NewKeyID(uint64(handle), p11.CKO_SECRET_KEY, keyType, control.ID, control.Label), nil
}

func (s *Slot) secretKeyTemplate(keyType uint64, control *p11.NewKeyControl) []*pkcs11.Attribute {
	template := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_TOKEN, true),
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, uint(keyType)),
		pkcs11.NewAttribute(pkcs11.CKA_SIGN, true),
	}
	if control != nil {
		if len(control.ID) > 0 {
			template = append(template, pkcs11.NewAttribute(pkcs11.CKA_ID, control.ID))
		}
		if control.Label != "" && !s.NewObjectConf().IgnoreLabel {
			template = append(template, pkcs11.NewAttribute(pkcs11.CKA_LABEL, control.Label))
		}
		if control.Sensitive != nil {
			template = append(template, pkcs11.NewAttribute(pkcs11.CKA_SENSITIVE, *control.Sensitive))
		}
		if control.Extractable != nil {
			template = append(template, pkcs11.NewAttribute(pkcs11.CKA_EXTRACTABLE, *control.Extractable))
		}
	}
	return template
}
