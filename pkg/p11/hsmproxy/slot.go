package hsmproxy

import (
	"crypto"
	"encoding/asn1"
	"fmt"
	"io"
	"math/big"

	"github.com/fxamacker/cbor/v2"

	"github.com/xipki/commons/pkg/p11"
)

// Slot tunnels every operation to the remote slot with the same id. The
// local guard logic of the slot base (mechanism assertion, read-only
// enforcement) still runs before a request leaves the client; attribute
// fill-in happens on the server, which owns the object store.
type Slot struct {
	*p11.SlotBase
	module *Module
}

var _ p11.Slot = (*Slot)(nil)

func newSlot(module *Module, slotID p11.SlotID, readOnly bool, mechanismFilter *p11.MechanismFilter,
	newObjectConf p11.NewObjectConf, secretKeyTypes, keyPairTypes []uint64) (*Slot, error) {
	s := &Slot{
		SlotBase: p11.NewSlotBase(module.Name(), slotID, readOnly, secretKeyTypes, keyPairTypes, newObjectConf),
		module:   module,
	}
	s.SetOps(s)

	supported, err := s.mechanismInfos()
	if err != nil {
		return nil, err
	}
	s.InitMechanisms(supported, mechanismFilter, nil)
	return s, nil
}

func (s *Slot) send(action Action, request any, expected MessageType) (cbor.RawMessage, error) {
	return s.module.send(action, s.SlotID().ID, request, expected)
}

func (s *Slot) mechanismInfos() (map[uint64]p11.MechanismInfo, error) {
	payload, err := s.send(ActionMechInfos, nil, TypeMechanismInfos)
	if err != nil {
		return nil, err
	}
	if payload == nil {
		return nil, nil
	}
	var resp GetMechanismInfosResponse
	if err := cbor.Unmarshal(payload, &resp); err != nil {
		return nil, p11.WrapError("could not decode GetMechanismInfosResponse", err)
	}
	return resp.MechanismInfoMap(), nil
}

// Close has no client-side state to release.
func (s *Slot) Close() {
}

// GetKey fetches the key behind the identifier from the server.
func (s *Slot) GetKey(keyID *p11.KeyID) (*p11.Key, error) {
	payload, err := s.send(ActionKeyByKeyID, keyIDMessageOf(keyID), TypeP11Key)
	if err != nil {
		return nil, err
	}
	return s.toKey(payload)
}

// GetKeyByIDLabel fetches the key matching id and/or label.
func (s *Slot) GetKeyByIDLabel(id []byte, label string) (*p11.Key, error) {
	payload, err := s.send(ActionKeyByIDLabel, &IDLabelMessage{ID: id, Label: label}, TypeP11Key)
	if err != nil {
		return nil, err
	}
	return s.toKey(payload)
}

// GetKeyID resolves the canonical key identifier.
func (s *Slot) GetKeyID(id []byte, label string) (*p11.KeyID, error) {
	payload, err := s.send(ActionKeyIDByIDLabel, &IDLabelMessage{ID: id, Label: label}, TypeKeyID)
	if err != nil {
		return nil, err
	}
	return toKeyID(payload)
}

// Sign signs content with the key behind the handle on the server.
func (s *Slot) Sign(mechanism uint64, params p11.Params, extraParams *p11.ExtraParams,
	keyHandle uint64, content []byte) ([]byte, error) {
	if err := s.AssertMechanismSupported(mechanism, p11.CKF_SIGN); err != nil {
		return nil, err
	}

	paramsMsg, err := paramsMessageOf(params)
	if err != nil {
		return nil, err
	}
	var extraMsg *ExtraParamsMessage
	if extraParams != nil {
		extraMsg = &ExtraParamsMessage{ECOrderBitSize: extraParams.ECOrderBitSize}
	}

	req := &SignRequest{
		KeyHandle:   keyHandle,
		Mechanism:   mechanism,
		Params:      paramsMsg,
		ExtraParams: extraMsg,
		Content:     content,
	}
	payload, err := s.send(ActionSign, req, TypeByteArray)
	if err != nil {
		return nil, err
	}
	return toByteArray(payload)
}

// PublicKey fetches the sibling public key as a SubjectPublicKeyInfo and
// parses it.
func (s *Slot) PublicKey(keyID *p11.KeyID) (crypto.PublicKey, error) {
	if keyID.PublicKeyHandle == nil {
		return nil, p11.Errorf("key %s has no public key handle", keyID)
	}

	payload, err := s.send(ActionPublicKeyByHandle, &LongMessage{Value: *keyID.PublicKeyHandle}, TypeByteArray)
	if err != nil {
		return nil, err
	}
	spki, err := toByteArray(payload)
	if err != nil || spki == nil {
		return nil, err
	}
	pub, err := p11.ParseSubjectPublicKeyInfo(spki)
	if err != nil {
		return nil, p11.WrapError("error parsing SubjectPublicKeyInfo", err)
	}
	return pub, nil
}

// DigestSecretKey digests a stored secret value on the server.
func (s *Slot) DigestSecretKey(mechanism uint64, handle uint64) ([]byte, error) {
	if err := s.AssertMechanismSupported(mechanism, p11.CKF_DIGEST); err != nil {
		return nil, err
	}
	payload, err := s.send(ActionDigestSecretKey, &DigestSecretKeyRequest{Mechanism: mechanism, Handle: handle}, TypeByteArray)
	if err != nil {
		return nil, err
	}
	return toByteArray(payload)
}

// ObjectExistsByIDLabel asks the server for the existence predicate.
func (s *Slot) ObjectExistsByIDLabel(id []byte, label string) (bool, error) {
	if len(id) == 0 && label == "" {
		return false, p11.Errorf("at least one of id and label must be present")
	}
	payload, err := s.send(ActionObjectExistsByIDLabel, &IDLabelMessage{ID: id, Label: label}, TypeBoolean)
	if err != nil {
		return false, err
	}
	if payload == nil {
		return false, p11.Errorf("server returned no BooleanMessage")
	}
	var msg BooleanMessage
	if err := cbor.Unmarshal(payload, &msg); err != nil {
		return false, p11.WrapError("could not decode BooleanMessage", err)
	}
	return msg.Value, nil
}

// DestroyAllObjects destroys every object of the remote slot. Failures are
// logged and reported as zero destroyed objects.
func (s *Slot) DestroyAllObjects() int {
	if err := s.AssertWritable("destroyAllObjects"); err != nil {
		log.Warnf("error destroyAllObjects(): %v", err)
		return 0
	}
	payload, err := s.send(ActionDestroyAllObjects, nil, TypeInt)
	if err != nil {
		log.Warnf("error destroyAllObjects(): %v", err)
		return 0
	}
	count, err := toInt(payload)
	if err != nil {
		log.Warnf("error destroyAllObjects(): %v", err)
		return 0
	}
	return count
}

// DestroyObjectsByHandle destroys the objects behind the handles and
// returns the handles that could not be destroyed.
func (s *Slot) DestroyObjectsByHandle(handles []uint64) []uint64 {
	if err := s.AssertWritable("destroyObjectsByHandle"); err != nil {
		log.Warnf("error destroyObjectsByHandle(): %v", err)
		return append([]uint64(nil), handles...)
	}
	payload, err := s.send(ActionDestroyObjectsByHandle, &LongArrayMessage{Value: handles}, TypeLongArray)
	if err != nil {
		log.Warnf("error destroyObjectsByHandle(): %v", err)
		return append([]uint64(nil), handles...)
	}
	if payload == nil {
		return nil
	}
	var msg LongArrayMessage
	if err := cbor.Unmarshal(payload, &msg); err != nil {
		log.Warnf("error destroyObjectsByHandle(): %v", err)
		return append([]uint64(nil), handles...)
	}
	return msg.Value
}

// DestroyObjectsByIDLabel destroys the matching objects and returns the
// count.
func (s *Slot) DestroyObjectsByIDLabel(id []byte, label string) (int, error) {
	if len(id) == 0 && label == "" {
		return 0, p11.Errorf("at least one of id and label must be present")
	}
	if err := s.AssertWritable("destroyObjectsByIdLabel"); err != nil {
		return 0, err
	}
	payload, err := s.send(ActionDestroyObjectsByIDLabel, &IDLabelMessage{ID: id, Label: label}, TypeInt)
	if err != nil {
		return 0, err
	}
	return toInt(payload)
}

// GenerateSecretKey asks the server to generate and store a secret key.
// The attribute fill-in happens on the server.
func (s *Slot) GenerateSecretKey(keyType uint64, keysize int, control *p11.NewKeyControl) (*p11.KeyID, error) {
	if err := s.AssertWritable("generateSecretKey"); err != nil {
		return nil, err
	}
	req := &GenerateSecretKeyRequest{KeyType: keyType, KeySize: keysize, Control: controlMessageOf(control)}
	payload, err := s.send(ActionGenSecretKey, req, TypeKeyID)
	if err != nil {
		return nil, err
	}
	return toKeyID(payload)
}

// ImportSecretKey asks the server to store the key material.
func (s *Slot) ImportSecretKey(keyType uint64, value []byte, control *p11.NewKeyControl) (*p11.KeyID, error) {
	if err := s.AssertWritable("importSecretKey"); err != nil {
		return nil, err
	}
	req := &ImportSecretKeyRequest{KeyType: keyType, Value: value, Control: controlMessageOf(control)}
	payload, err := s.send(ActionImportSecretKey, req, TypeKeyID)
	if err != nil {
		return nil, err
	}
	return toKeyID(payload)
}

// GenerateRSAKeypair asks the server for a stored RSA keypair.
func (s *Slot) GenerateRSAKeypair(keysize int, publicExponent *big.Int, control *p11.NewKeyControl) (*p11.KeyID, error) {
	if err := s.AssertWritable("generateRSAKeypair"); err != nil {
		return nil, err
	}
	req := &GenerateRSAKeyPairRequest{
		KeySize:        keysize,
		PublicExponent: bigIntBytes(publicExponent),
		Control:        controlMessageOf(control),
	}
	payload, err := s.send(ActionGenRSAKeypair, req, TypeKeyID)
	if err != nil {
		return nil, err
	}
	return toKeyID(payload)
}

// GenerateRSAKeypairOtf asks the server for an on-the-fly RSA keypair and
// returns the private-key info bytes verbatim.
func (s *Slot) GenerateRSAKeypairOtf(keysize int, publicExponent *big.Int) ([]byte, error) {
	req := &GenerateRSAKeyPairOtfRequest{KeySize: keysize, PublicExponent: bigIntBytes(publicExponent)}
	payload, err := s.send(ActionGenRSAKeypairOtf, req, TypeByteArray)
	if err != nil {
		return nil, err
	}
	return toByteArray(payload)
}

// GenerateDSAKeypairBySize asks the server to generate the domain
// parameters and the keypair.
func (s *Slot) GenerateDSAKeypairBySize(plength, qlength int, control *p11.NewKeyControl) (*p11.KeyID, error) {
	if err := s.AssertWritable("generateDSAKeypair"); err != nil {
		return nil, err
	}
	req := &GenerateDSAKeyPairBySizeRequest{PLength: plength, QLength: qlength, Control: controlMessageOf(control)}
	payload, err := s.send(ActionGenDSAKeypair2, req, TypeKeyID)
	if err != nil {
		return nil, err
	}
	return toKeyID(payload)
}

// GenerateDSAKeypair asks the server for a stored DSA keypair over the
// domain parameters.
func (s *Slot) GenerateDSAKeypair(p, q, g *big.Int, control *p11.NewKeyControl) (*p11.KeyID, error) {
	if err := s.AssertWritable("generateDSAKeypair"); err != nil {
		return nil, err
	}
	req := &GenerateDSAKeyPairRequest{
		P: bigIntBytes(p), Q: bigIntBytes(q), G: bigIntBytes(g),
		Control: controlMessageOf(control),
	}
	payload, err := s.send(ActionGenDSAKeypair, req, TypeKeyID)
	if err != nil {
		return nil, err
	}
	return toKeyID(payload)
}

// GenerateDSAKeypairOtf asks the server for an on-the-fly DSA keypair.
func (s *Slot) GenerateDSAKeypairOtf(p, q, g *big.Int) ([]byte, error) {
	req := &GenerateDSAKeyPairOtfRequest{P: bigIntBytes(p), Q: bigIntBytes(q), G: bigIntBytes(g)}
	payload, err := s.send(ActionGenDSAKeypairOtf, req, TypeByteArray)
	if err != nil {
		return nil, err
	}
	return toByteArray(payload)
}

// GenerateECKeypair asks the server for a stored EC keypair.
func (s *Slot) GenerateECKeypair(curve asn1.ObjectIdentifier, control *p11.NewKeyControl) (*p11.KeyID, error) {
	if err := s.AssertWritable("generateECKeypair"); err != nil {
		return nil, err
	}
	req := &GenerateECKeyPairRequest{CurveOID: curve.String(), Control: controlMessageOf(control)}
	payload, err := s.send(ActionGenECKeypair, req, TypeKeyID)
	if err != nil {
		return nil, err
	}
	return toKeyID(payload)
}

// GenerateECKeypairOtf asks the server for an on-the-fly EC keypair.
func (s *Slot) GenerateECKeypairOtf(curve asn1.ObjectIdentifier) ([]byte, error) {
	req := &GenerateECKeyPairOtfRequest{CurveOID: curve.String()}
	payload, err := s.send(ActionGenECKeypairOtf, req, TypeByteArray)
	if err != nil {
		return nil, err
	}
	return toByteArray(payload)
}

// GenerateECEdwardsKeypair asks the server for a stored Edwards-curve
// keypair.
func (s *Slot) GenerateECEdwardsKeypair(curve asn1.ObjectIdentifier, control *p11.NewKeyControl) (*p11.KeyID, error) {
	if !p11.IsEdwardsCurve(curve) {
		return nil, p11.Errorf("unknown curve %s", curve)
	}
	return s.GenerateECKeypair(curve, control)
}

// GenerateECEdwardsKeypairOtf asks the server for an on-the-fly
// Edwards-curve keypair.
func (s *Slot) GenerateECEdwardsKeypairOtf(curve asn1.ObjectIdentifier) ([]byte, error) {
	if !p11.IsEdwardsCurve(curve) {
		return nil, p11.Errorf("unknown curve %s", curve)
	}
	return s.GenerateECKeypairOtf(curve)
}

// GenerateECMontgomeryKeypair asks the server for a stored
// Montgomery-curve keypair.
func (s *Slot) GenerateECMontgomeryKeypair(curve asn1.ObjectIdentifier, control *p11.NewKeyControl) (*p11.KeyID, error) {
	if !p11.IsMontgomeryCurve(curve) {
		return nil, p11.Errorf("unknown curve %s", curve)
	}
	return s.GenerateECKeypair(curve, control)
}

// GenerateECMontgomeryKeypairOtf asks the server for an on-the-fly
// Montgomery-curve keypair.
func (s *Slot) GenerateECMontgomeryKeypairOtf(curve asn1.ObjectIdentifier) ([]byte, error) {
	if !p11.IsMontgomeryCurve(curve) {
		return nil, p11.Errorf("unknown curve %s", curve)
	}
	return s.GenerateECKeypairOtf(curve)
}

// GenerateSM2Keypair asks the server for a stored SM2 keypair.
func (s *Slot) GenerateSM2Keypair(control *p11.NewKeyControl) (*p11.KeyID, error) {
	if err := s.AssertWritable("generateSM2Keypair"); err != nil {
		return nil, err
	}
	payload, err := s.send(ActionGenSM2Keypair, &GenerateSM2KeyPairRequest{Control: controlMessageOf(control)}, TypeKeyID)
	if err != nil {
		return nil, err
	}
	return toKeyID(payload)
}

// GenerateSM2KeypairOtf asks the server for an on-the-fly SM2 keypair.
func (s *Slot) GenerateSM2KeypairOtf() ([]byte, error) {
	payload, err := s.send(ActionGenSM2KeypairOtf, nil, TypeByteArray)
	if err != nil {
		return nil, err
	}
	return toByteArray(payload)
}

// ShowDetails fetches the server-rendered object dump. Errors are written
// into the stream rather than returned.
func (s *Slot) ShowDetails(w io.Writer, objectHandle *uint64, verbose bool) error {
	req := &ShowDetailsRequest{ObjectHandle: objectHandle, Verbose: verbose}
	payload, err := s.send(ActionShowDetails, req, TypeByteArray)

	var details []byte
	if err != nil {
		details = []byte(fmt.Sprintf("ERROR: %v", err))
	} else if details, err = toByteArray(payload); err != nil {
		details = []byte(fmt.Sprintf("ERROR: %v", err))
	}

	_, err = w.Write(details)
	return err
}

func (s *Slot) toKey(payload cbor.RawMessage) (*p11.Key, error) {
	if payload == nil {
		return nil, nil
	}
	var resp P11KeyResponse
	if err := cbor.Unmarshal(payload, &resp); err != nil {
		return nil, p11.WrapError("could not decode P11KeyResponse", err)
	}

	key := p11.NewKey(s, resp.KeyID.KeyID())
	if len(resp.RSAModulus) > 0 {
		key.SetRSAParameters(new(big.Int).SetBytes(resp.RSAModulus), new(big.Int).SetBytes(resp.RSAPublicExponent))
	}
	if len(resp.DSAP) > 0 {
		key.SetDSAParameters(new(big.Int).SetBytes(resp.DSAP), new(big.Int).SetBytes(resp.DSAQ),
			new(big.Int).SetBytes(resp.DSAG))
	}
	if resp.ECCurveOID != "" {
		oid, err := oidOfString(resp.ECCurveOID)
		if err != nil {
			return nil, err
		}
		key.SetECParams(oid)
	}
	return key, nil
}

func toKeyID(payload cbor.RawMessage) (*p11.KeyID, error) {
	if payload == nil {
		return nil, nil
	}
	var msg KeyIDMessage
	if err := cbor.Unmarshal(payload, &msg); err != nil {
		return nil, p11.WrapError("could not decode KeyIdMessage", err)
	}
	return msg.KeyID(), nil
}

func toByteArray(payload cbor.RawMessage) ([]byte, error) {
	if payload == nil {
		return nil, nil
	}
	var msg ByteArrayMessage
	if err := cbor.Unmarshal(payload, &msg); err != nil {
		return nil, p11.WrapError("could not decode ByteArrayMessage", err)
	}
	return msg.Value, nil
}

func toInt(payload cbor.RawMessage) (int, error) {
	if payload == nil {
		return 0, nil
	}
	var msg IntMessage
	if err := cbor.Unmarshal(payload, &msg); err != nil {
		return 0, p11.WrapError("could not decode IntMessage", err)
	}
	return int(msg.Value), nil
}

func bigIntBytes(v *big.Int) []byte {
	if v == nil {
		return nil
	}
	return v.Bytes()
}

// The local generation primitives live on the server; the Do* entry points
// are deliberately unsupported in the proxy client.

func (s *Slot) DoGenerateSecretKey(uint64, int, *p11.NewKeyControl) (*p11.KeyID, error) {
	return nil, errUnsupported("doGenerateSecretKey")
}

func (s *Slot) DoImportSecretKey(uint64, []byte, *p11.NewKeyControl) (*p11.KeyID, error) {
	return nil, errUnsupported("doImportSecretKey")
}

func (s *Slot) DoGenerateRSAKeypair(int, *big.Int, *p11.NewKeyControl) (*p11.KeyID, error) {
	return nil, errUnsupported("doGenerateRSAKeypair")
}

func (s *Slot) DoGenerateRSAKeypairOtf(int, *big.Int) ([]byte, error) {
	return nil, errUnsupported("doGenerateRSAKeypairOtf")
}

func (s *Slot) DoGenerateDSAKeypair(*big.Int, *big.Int, *big.Int, *p11.NewKeyControl) (*p11.KeyID, error) {
	return nil, errUnsupported("doGenerateDSAKeypair")
}

func (s *Slot) DoGenerateDSAKeypairOtf(*big.Int, *big.Int, *big.Int) ([]byte, error) {
	return nil, errUnsupported("doGenerateDSAKeypairOtf")
}

func (s *Slot) DoGenerateECKeypair(asn1.ObjectIdentifier, *p11.NewKeyControl) (*p11.KeyID, error) {
	return nil, errUnsupported("doGenerateECKeypair")
}

func (s *Slot) DoGenerateECKeypairOtf(asn1.ObjectIdentifier) ([]byte, error) {
	return nil, errUnsupported("doGenerateECKeypairOtf")
}

func (s *Slot) DoGenerateECEdwardsKeypair(asn1.ObjectIdentifier, *p11.NewKeyControl) (*p11.KeyID, error) {
	return nil, errUnsupported("doGenerateECEdwardsKeypair")
}

func (s *Slot) DoGenerateECEdwardsKeypairOtf(asn1.ObjectIdentifier) ([]byte, error) {
	return nil, errUnsupported("doGenerateECEdwardsKeypairOtf")
}

func (s *Slot) DoGenerateECMontgomeryKeypair(asn1.ObjectIdentifier, *p11.NewKeyControl) (*p11.KeyID, error) {
	return nil, errUnsupported("doGenerateECMontgomeryKeypair")
}

func (s *Slot) DoGenerateECMontgomeryKeypairOtf(asn1.ObjectIdentifier) ([]byte, error) {
	return nil, errUnsupported("doGenerateECMontgomeryKeypairOtf")
}

func (s *Slot) DoGenerateSM2Keypair(*p11.NewKeyControl) (*p11.KeyID, error) {
	return nil, errUnsupported("doGenerateSM2Keypair")
}

func (s *Slot) DoGenerateSM2KeypairOtf() ([]byte, error) {
	return nil, errUnsupported("doGenerateSM2KeypairOtf")
}

func errUnsupported(op string) error {
	return p11.Errorf("%s is not supported in the hsmproxy client", op)
}
