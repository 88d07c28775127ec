//go:build cgo

package native

import (
	"crypto"
	"crypto/dsa"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"encoding/asn1"
	"encoding/hex"
	"fmt"
	"io"
	"math/big"

	"github.com/miekg/pkcs11"

	"github.com/xipki/commons/pkg/p11"
)

// Slot is the thin adapter translating the uniform slot operations into
// PKCS#11 calls on the token.
type Slot struct {
	*p11.SlotBase
	token *Token
}

var _ p11.Slot = (*Slot)(nil)

func newSlot(moduleName string, slotID p11.SlotID, token *Token, mechanismFilter *p11.MechanismFilter,
	newObjectConf p11.NewObjectConf, secretKeyTypes, keyPairTypes []uint64) (*Slot, error) {
	s := &Slot{
		SlotBase: p11.NewSlotBase(moduleName, slotID, token.readOnly, secretKeyTypes, keyPairTypes, newObjectConf),
		token:    token,
	}
	s.SetOps(s)

	mechs, err := token.ctx.GetMechanismList(token.slotID)
	if err != nil {
		return nil, p11.WrapError("could not get mechanism list", err)
	}
	supported := make(map[uint64]p11.MechanismInfo, len(mechs))
	for _, mech := range mechs {
		code := uint64(mech.Mechanism)
		info, err := token.ctx.GetMechanismInfo(token.slotID, []*pkcs11.Mechanism{mech})
		if err != nil {
			supported[code] = p11.MechanismInfo{}
			continue
		}
		supported[code] = p11.MechanismInfo{
			MinKeySize: uint64(info.MinKeySize),
			MaxKeySize: uint64(info.MaxKeySize),
			Flags:      uint64(info.Flags),
		}
	}
	s.InitMechanisms(supported, mechanismFilter, nil)
	return s, nil
}

// Close closes the token's session pool.
func (s *Slot) Close() {
	s.token.close()
}

func (s *Slot) findObjects(session pkcs11.SessionHandle, template []*pkcs11.Attribute, max int) ([]pkcs11.ObjectHandle, error) {
	if err := s.token.ctx.FindObjectsInit(session, template); err != nil {
		return nil, p11.WrapError("could not init object search", err)
	}
	defer func() { _ = s.token.ctx.FindObjectsFinal(session) }()

	objects, _, err := s.token.ctx.FindObjects(session, max)
	if err != nil {
		return nil, p11.WrapError("could not search objects", err)
	}
	return objects, nil
}

func idLabelTemplate(class uint64, id []byte, label string) []*pkcs11.Attribute {
	template := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, uint(class)),
	}
	if len(id) > 0 {
		template = append(template, pkcs11.NewAttribute(pkcs11.CKA_ID, id))
	}
	if label != "" {
		template = append(template, pkcs11.NewAttribute(pkcs11.CKA_LABEL, label))
	}
	return template
}

// ObjectExistsByIDLabel reports whether a private or secret key matching
// the id and/or label exists.
func (s *Slot) ObjectExistsByIDLabel(id []byte, label string) (bool, error) {
	if len(id) == 0 && label == "" {
		return false, p11.Errorf("at least one of id and label must be present")
	}

	session, release, err := s.token.acquire()
	if err != nil {
		return false, err
	}
	defer release()

	for _, class := range []uint64{p11.CKO_PRIVATE_KEY, p11.CKO_SECRET_KEY} {
		objects, err := s.findObjects(session, idLabelTemplate(class, id, label), 1)
		if err != nil {
			return false, err
		}
		if len(objects) > 0 {
			return true, nil
		}
	}
	return false, nil
}

// GetKeyID resolves the canonical key identifier of the matching private
// or secret key.
func (s *Slot) GetKeyID(id []byte, label string) (*p11.KeyID, error) {
	if len(id) == 0 && label == "" {
		return nil, nil
	}

	session, release, err := s.token.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	return s.getKeyID(session, id, label)
}

func (s *Slot) getKeyID(session pkcs11.SessionHandle, id []byte, label string) (*p11.KeyID, error) {
	for _, class := range []uint64{p11.CKO_PRIVATE_KEY, p11.CKO_SECRET_KEY} {
		objects, err := s.findObjects(session, idLabelTemplate(class, id, label), 2)
		if err != nil {
			return nil, err
		}
		if len(objects) == 0 {
			continue
		}
		if len(objects) > 1 {
			return nil, p11.Errorf("found more than 1 %s with id=%s label=%s",
				p11.ObjectClassName(class), hex.EncodeToString(id), label)
		}
		return s.keyIDOfObject(session, objects[0], class)
	}
	return nil, nil
}

func (s *Slot) keyIDOfObject(session pkcs11.SessionHandle, handle pkcs11.ObjectHandle, class uint64) (*p11.KeyID, error) {
	attrs, err := s.token.ctx.GetAttributeValue(session, handle, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_ID, nil),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, nil),
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, nil),
	})
	if err != nil {
		return nil, p11.WrapError("could not get object attributes", err)
	}

	objID := attrs[0].Value
	objLabel := string(attrs[1].Value)
	keyType := uint64(bytesToULong(attrs[2].Value))

	keyID := p11.NewKeyID(uint64(handle), class, keyType, objID, objLabel)
	if class == p11.CKO_PRIVATE_KEY {
		if pubHandle, err := s.publicKeyHandleFor(session, objID, objLabel, keyType); err == nil {
			keyID.SetPublicKeyHandle(uint64(pubHandle))
		}
	}
	return keyID, nil
}

func (s *Slot) publicKeyHandleFor(session pkcs11.SessionHandle, id []byte, label string, keyType uint64) (pkcs11.ObjectHandle, error) {
	template := idLabelTemplate(p11.CKO_PUBLIC_KEY, id, label)
	template = append(template, pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, uint(keyType)))
	objects, err := s.findObjects(session, template, 1)
	if err != nil {
		return 0, err
	}
	if len(objects) == 0 {
		return 0, p11.Errorf("public key not found")
	}
	return objects[0], nil
}

// GetKeyByIDLabel resolves the KeyID and loads the key.
func (s *Slot) GetKeyByIDLabel(id []byte, label string) (*p11.Key, error) {
	keyID, err := s.GetKeyID(id, label)
	if err != nil {
		return nil, err
	}
	if keyID == nil {
		return nil, nil
	}
	return s.GetKey(keyID)
}

// GetKey loads a key and caches the public parameters read from the
// sibling public key object.
func (s *Slot) GetKey(keyID *p11.KeyID) (*p11.Key, error) {
	key := p11.NewKey(s, keyID)
	if keyID.ObjectClass == p11.CKO_SECRET_KEY || keyID.PublicKeyHandle == nil {
		return key, nil
	}

	session, release, err := s.token.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	pubHandle := pkcs11.ObjectHandle(*keyID.PublicKeyHandle)
	switch keyID.KeyType {
	case p11.CKK_RSA:
		attrs, err := s.token.ctx.GetAttributeValue(session, pubHandle, []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_MODULUS, nil),
			pkcs11.NewAttribute(pkcs11.CKA_PUBLIC_EXPONENT, nil),
		})
		if err != nil {
			return nil, p11.WrapError("could not get RSA attributes", err)
		}
		key.SetRSAParameters(new(big.Int).SetBytes(attrs[0].Value), new(big.Int).SetBytes(attrs[1].Value))

	case p11.CKK_DSA:
		attrs, err := s.token.ctx.GetAttributeValue(session, pubHandle, []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_PRIME, nil),
			pkcs11.NewAttribute(pkcs11.CKA_SUBPRIME, nil),
			pkcs11.NewAttribute(pkcs11.CKA_BASE, nil),
		})
		if err != nil {
			return nil, p11.WrapError("could not get DSA attributes", err)
		}
		key.SetDSAParameters(new(big.Int).SetBytes(attrs[0].Value),
			new(big.Int).SetBytes(attrs[1].Value), new(big.Int).SetBytes(attrs[2].Value))

	case p11.CKK_EC, p11.CKK_EC_EDWARDS, p11.CKK_EC_MONTGOMERY, p11.CKK_VENDOR_SM2:
		attrs, err := s.token.ctx.GetAttributeValue(session, pubHandle, []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_EC_PARAMS, nil),
		})
		if err != nil {
			return nil, p11.WrapError("could not get EC attributes", err)
		}
		var curveOID asn1.ObjectIdentifier
		if _, err := asn1.Unmarshal(attrs[0].Value, &curveOID); err == nil {
			key.SetECParams(curveOID)
		}
	}

	return key, nil
}

// PublicKey reads the public key object behind keyID and rebuilds it.
func (s *Slot) PublicKey(keyID *p11.KeyID) (crypto.PublicKey, error) {
	if keyID.PublicKeyHandle == nil {
		return nil, p11.Errorf("key %s has no public key handle", keyID)
	}

	session, release, err := s.token.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	ctx := s.token.ctx
	pubHandle := pkcs11.ObjectHandle(*keyID.PublicKeyHandle)

	switch keyID.KeyType {
	case p11.CKK_RSA:
		attrs, err := ctx.GetAttributeValue(session, pubHandle, []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_MODULUS, nil),
			pkcs11.NewAttribute(pkcs11.CKA_PUBLIC_EXPONENT, nil),
		})
		if err != nil {
			return nil, p11.WrapError("could not get RSA attributes", err)
		}
		n := new(big.Int).SetBytes(attrs[0].Value)
		e := new(big.Int).SetBytes(attrs[1].Value)
		return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil

	case p11.CKK_DSA:
		attrs, err := ctx.GetAttributeValue(session, pubHandle, []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_PRIME, nil),
			pkcs11.NewAttribute(pkcs11.CKA_SUBPRIME, nil),
			pkcs11.NewAttribute(pkcs11.CKA_BASE, nil),
			pkcs11.NewAttribute(pkcs11.CKA_VALUE, nil),
		})
		if err != nil {
			return nil, p11.WrapError("could not get DSA attributes", err)
		}
		pub := &dsa.PublicKey{Y: new(big.Int).SetBytes(attrs[3].Value)}
		pub.P = new(big.Int).SetBytes(attrs[0].Value)
		pub.Q = new(big.Int).SetBytes(attrs[1].Value)
		pub.G = new(big.Int).SetBytes(attrs[2].Value)
		return pub, nil

	case p11.CKK_EC, p11.CKK_VENDOR_SM2:
		attrs, err := ctx.GetAttributeValue(session, pubHandle, []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_EC_PARAMS, nil),
			pkcs11.NewAttribute(pkcs11.CKA_EC_POINT, nil),
		})
		if err != nil {
			return nil, p11.WrapError("could not get EC attributes", err)
		}
		return parseECPublicKey(attrs[0].Value, attrs[1].Value)

	case p11.CKK_EC_EDWARDS, p11.CKK_EC_MONTGOMERY:
		attrs, err := ctx.GetAttributeValue(session, pubHandle, []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_EC_PARAMS, nil),
			pkcs11.NewAttribute(pkcs11.CKA_EC_POINT, nil),
		})
		if err != nil {
			return nil, p11.WrapError("could not get EC attributes", err)
		}
		var curveOID asn1.ObjectIdentifier
		if _, err := asn1.Unmarshal(attrs[0].Value, &curveOID); err != nil {
			return nil, p11.WrapError("invalid EC params", err)
		}
		point := attrs[1].Value
		var octets []byte
		if _, err := asn1.Unmarshal(point, &octets); err == nil {
			point = octets
		}
		switch {
		case curveOID.Equal(p11.OIDEd25519):
			return ed25519.PublicKey(point), nil
		case curveOID.Equal(p11.OIDX25519), curveOID.Equal(p11.OIDX448):
			return &p11.XDHPublicKey{CurveOID: curveOID, Public: point}, nil
		default:
			return nil, p11.Errorf("unsupported curve %s", curveOID)
		}

	default:
		return nil, p11.Errorf("unsupported key type %s", p11.KeyTypeName(keyID.KeyType))
	}
}

func parseECPublicKey(ecParams, ecPoint []byte) (crypto.PublicKey, error) {
	var curveOID asn1.ObjectIdentifier
	if _, err := asn1.Unmarshal(ecParams, &curveOID); err != nil {
		return nil, p11.WrapError("invalid EC params", err)
	}
	curve := p11.WeierstrassCurve(curveOID)
	if curve == nil {
		return nil, p11.Errorf("unsupported curve %s", curveOID)
	}

	point := ecPoint
	var octets []byte
	if _, err := asn1.Unmarshal(ecPoint, &octets); err == nil {
		point = octets
	}

	x, y := unmarshalECPoint(curve, point)
	if x == nil {
		return nil, p11.Errorf("invalid EC point")
	}
	return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
}

// DestroyAllObjects destroys every object of the slot and returns the
// count.
func (s *Slot) DestroyAllObjects() int {
	if err := s.AssertWritable("destroyAllObjects"); err != nil {
		log.Warnf("error destroyAllObjects(): %v", err)
		return 0
	}

	session, release, err := s.token.acquire()
	if err != nil {
		log.Warnf("error destroyAllObjects(): %v", err)
		return 0
	}
	defer release()

	objects, err := s.findObjects(session, nil, 65536)
	if err != nil {
		log.Warnf("error destroyAllObjects(): %v", err)
		return 0
	}

	count := 0
	for _, object := range objects {
		if err := s.token.ctx.DestroyObject(session, object); err != nil {
			log.Warnf("could not destroy object %d: %v", object, err)
		} else {
			count++
		}
	}
	return count
}

// DestroyObjectsByHandle destroys the given objects and returns the
// handles that failed.
func (s *Slot) DestroyObjectsByHandle(handles []uint64) []uint64 {
	if err := s.AssertWritable("destroyObjectsByHandle"); err != nil {
		log.Warnf("error destroyObjectsByHandle(): %v", err)
		return append([]uint64(nil), handles...)
	}

	session, release, err := s.token.acquire()
	if err != nil {
		log.Warnf("error destroyObjectsByHandle(): %v", err)
		return append([]uint64(nil), handles...)
	}
	defer release()

	var failed []uint64
	for _, handle := range handles {
		if err := s.token.ctx.DestroyObject(session, pkcs11.ObjectHandle(handle)); err != nil {
			log.Warnf("could not destroy object %d: %v", handle, err)
			failed = append(failed, handle)
		}
	}
	return failed
}

// DestroyObjectsByIDLabel destroys objects of all classes matching the id
// and/or label and returns the count.
func (s *Slot) DestroyObjectsByIDLabel(id []byte, label string) (int, error) {
	if len(id) == 0 && label == "" {
		return 0, p11.Errorf("at least one of id and label must be present")
	}
	if err := s.AssertWritable("destroyObjectsByIdLabel"); err != nil {
		return 0, err
	}

	s.LockObjects()
	defer s.UnlockObjects()

	session, release, err := s.token.acquire()
	if err != nil {
		return 0, err
	}
	defer release()

	template := []*pkcs11.Attribute{}
	if len(id) > 0 {
		template = append(template, pkcs11.NewAttribute(pkcs11.CKA_ID, id))
	}
	if label != "" {
		template = append(template, pkcs11.NewAttribute(pkcs11.CKA_LABEL, label))
	}

	objects, err := s.findObjects(session, template, 65536)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, object := range objects {
		if err := s.token.ctx.DestroyObject(session, object); err != nil {
			log.Warnf("could not destroy object %d: %v", object, err)
		} else {
			count++
		}
	}
	return count, nil
}

// Sign signs content with the key behind the handle.
func (s *Slot) Sign(mechanism uint64, params p11.Params, extraParams *p11.ExtraParams,
	keyHandle uint64, content []byte) ([]byte, error) {
	if err := s.AssertMechanismSupported(mechanism, p11.CKF_SIGN); err != nil {
		return nil, err
	}

	mech, err := toMechanism(mechanism, params)
	if err != nil {
		return nil, err
	}
	return s.token.sign(mech, pkcs11.ObjectHandle(keyHandle), content)
}

// toMechanism marshals the parameter objects into the wrapper's
// representation.
func toMechanism(mechanism uint64, params p11.Params) (*pkcs11.Mechanism, error) {
	switch p := params.(type) {
	case nil:
		return pkcs11.NewMechanism(uint(mechanism), nil), nil
	case *p11.ByteArrayParams:
		return pkcs11.NewMechanism(uint(mechanism), p.Bytes), nil
	case *p11.RSAPKCSPssParams:
		pssParams := pkcs11.NewPSSParams(uint(p.HashAlgorithm), uint(p.MaskGenerationFunction), uint(p.SaltLength))
		return pkcs11.NewMechanism(uint(mechanism), pssParams), nil
	default:
		return nil, p11.Errorf("unsupported params type %T", params)
	}
}

// DigestSecretKey digests the secret value behind the handle.
func (s *Slot) DigestSecretKey(mechanism uint64, handle uint64) ([]byte, error) {
	if err := s.AssertMechanismSupported(mechanism, p11.CKF_DIGEST); err != nil {
		return nil, err
	}

	session, release, err := s.token.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	ctx := s.token.ctx
	if err := ctx.DigestInit(session, []*pkcs11.Mechanism{pkcs11.NewMechanism(uint(mechanism), nil)}); err != nil {
		return nil, p11.WrapError("could not init digest", err)
	}
	if err := ctx.DigestKey(session, pkcs11.ObjectHandle(handle)); err != nil {
		return nil, p11.WrapError("could not digest key", err)
	}
	digest, err := ctx.DigestFinal(session)
	if err != nil {
		return nil, p11.WrapError("could not finish digest", err)
	}
	return digest, nil
}

// ShowDetails lists the slot's objects with their main attributes.
func (s *Slot) ShowDetails(w io.Writer, objectHandle *uint64, verbose bool) error {
	if verbose {
		for mech, info := range s.Mechanisms() {
			if _, err := fmt.Fprintf(w, "%s: flags=0x%X\n", p11.MechanismName(mech), info.Flags); err != nil {
				return err
			}
		}
	}

	session, release, err := s.token.acquire()
	if err != nil {
		return err
	}
	defer release()

	var objects []pkcs11.ObjectHandle
	if objectHandle != nil {
		objects = []pkcs11.ObjectHandle{pkcs11.ObjectHandle(*objectHandle)}
	} else {
		if objects, err = s.findObjects(session, nil, 65536); err != nil {
			return err
		}
	}

	for i, object := range objects {
		attrs, err := s.token.ctx.GetAttributeValue(session, object, []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_CLASS, nil),
			pkcs11.NewAttribute(pkcs11.CKA_ID, nil),
			pkcs11.NewAttribute(pkcs11.CKA_LABEL, nil),
		})
		if err != nil {
			if _, werr := fmt.Fprintf(w, "%3d. handle=%d: error: %v\n", i+1, object, err); werr != nil {
				return werr
			}
			continue
		}
		_, err = fmt.Fprintf(w, "%3d. handle=%d, %s, id=%s, label=%s\n", i+1, object,
			p11.ObjectClassName(uint64(bytesToULong(attrs[0].Value))),
			hex.EncodeToString(attrs[1].Value), string(attrs[2].Value))
		if err != nil {
			return err
		}
	}
	return nil
}

// bytesToULong decodes a CK_ULONG stored in native (little-endian) byte
// order.
func bytesToULong(b []byte) uint {
	var result uint
	for i := len(b) - 1; i >= 0; i-- {
		result = result<<8 | uint(b[i])
	}
	return result
}
