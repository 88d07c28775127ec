package hsmproxy

import (
	"encoding/asn1"
	"strconv"
	"strings"

	"github.com/fxamacker/cbor/v2"

	"github.com/xipki/commons/pkg/p11"
)

// MessageType tags a response message on the wire.
type MessageType uint16

const (
	TypeError MessageType = iota
	TypeBoolean
	TypeInt
	TypeLong
	TypeLongArray
	TypeByteArray
	TypeKeyID
	TypeP11Key
	TypeMechanismInfos
	TypeModuleCaps
	TypeSlotIds
)

var messageTypeNames = map[MessageType]string{
	TypeError:          "ErrorMessage",
	TypeBoolean:        "BooleanMessage",
	TypeInt:            "IntMessage",
	TypeLong:           "LongMessage",
	TypeLongArray:      "LongArrayMessage",
	TypeByteArray:      "ByteArrayMessage",
	TypeKeyID:          "KeyIdMessage",
	TypeP11Key:         "P11KeyResponse",
	TypeMechanismInfos: "GetMechanismInfosResponse",
	TypeModuleCaps:     "ModuleCapsResponse",
	TypeSlotIds:        "SlotIdsResponse",
}

func (t MessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	return "message-" + strconv.Itoa(int(t))
}

// Typed payload messages. All of them encode as CBOR arrays.

// ErrorMessage reports a server-side failure.
type ErrorMessage struct {
	_       struct{} `cbor:",toarray"`
	Message string
}

// BooleanMessage carries one boolean.
type BooleanMessage struct {
	_     struct{} `cbor:",toarray"`
	Value bool
}

// IntMessage carries one signed integer.
type IntMessage struct {
	_     struct{} `cbor:",toarray"`
	Value int64
}

// LongMessage carries one unsigned 64-bit integer.
type LongMessage struct {
	_     struct{} `cbor:",toarray"`
	Value uint64
}

// LongArrayMessage carries an array of unsigned 64-bit integers.
type LongArrayMessage struct {
	_     struct{} `cbor:",toarray"`
	Value []uint64
}

// ByteArrayMessage carries one byte string.
type ByteArrayMessage struct {
	_     struct{} `cbor:",toarray"`
	Value []byte
}

// IDLabelMessage addresses an object by id and/or label.
type IDLabelMessage struct {
	_     struct{} `cbor:",toarray"`
	ID    []byte
	Label string
}

// KeyIDMessage carries a full key identifier.
type KeyIDMessage struct {
	_               struct{} `cbor:",toarray"`
	Handle          uint64
	ObjectClass     uint64
	KeyType         uint64
	ID              []byte
	Label           string
	PublicKeyHandle *uint64
}

func keyIDMessageOf(keyID *p11.KeyID) *KeyIDMessage {
	return &KeyIDMessage{
		Handle:          keyID.Handle,
		ObjectClass:     keyID.ObjectClass,
		KeyType:         keyID.KeyType,
		ID:              keyID.ID,
		Label:           keyID.Label,
		PublicKeyHandle: keyID.PublicKeyHandle,
	}
}

// KeyID converts the message back to the model type.
func (m *KeyIDMessage) KeyID() *p11.KeyID {
	keyID := p11.NewKeyID(m.Handle, m.ObjectClass, m.KeyType, m.ID, m.Label)
	if m.PublicKeyHandle != nil {
		keyID.SetPublicKeyHandle(*m.PublicKeyHandle)
	}
	return keyID
}

// P11KeyResponse carries a key identifier plus the algorithm parameters
// needed to rebuild the Key on the client.
type P11KeyResponse struct {
	_     struct{} `cbor:",toarray"`
	KeyID KeyIDMessage

	RSAModulus        []byte
	RSAPublicExponent []byte

	DSAP []byte
	DSAQ []byte
	DSAG []byte

	ECCurveOID string
}

// NewKeyControlMessage is the wire form of p11.NewKeyControl.
type NewKeyControlMessage struct {
	_           struct{} `cbor:",toarray"`
	ID          []byte
	Label       string
	Extractable *bool
	Sensitive   *bool
}

func controlMessageOf(control *p11.NewKeyControl) *NewKeyControlMessage {
	if control == nil {
		return nil
	}
	return &NewKeyControlMessage{
		ID:          control.ID,
		Label:       control.Label,
		Extractable: control.Extractable,
		Sensitive:   control.Sensitive,
	}
}

// Parameter type tags of SignRequest.
const (
	paramsNone      = 0
	paramsByteArray = 1
	paramsRSAPss    = 2
)

// ParamsMessage is the wire form of p11.Params.
type ParamsMessage struct {
	_    struct{} `cbor:",toarray"`
	Type int

	Bytes []byte

	PssHashAlgorithm uint64
	PssMGF           uint64
	PssSaltLength    int
}

func paramsMessageOf(params p11.Params) (*ParamsMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case *p11.ByteArrayParams:
		return &ParamsMessage{Type: paramsByteArray, Bytes: p.Bytes}, nil
	case *p11.RSAPKCSPssParams:
		return &ParamsMessage{
			Type:             paramsRSAPss,
			PssHashAlgorithm: p.HashAlgorithm,
			PssMGF:           p.MaskGenerationFunction,
			PssSaltLength:    p.SaltLength,
		}, nil
	default:
		return nil, p11.Errorf("unsupported params type %T", params)
	}
}

// ExtraParamsMessage is the wire form of p11.ExtraParams.
type ExtraParamsMessage struct {
	_              struct{} `cbor:",toarray"`
	ECOrderBitSize int
}

// SignRequest asks the server to sign content with the key behind the
// handle.
type SignRequest struct {
	_           struct{} `cbor:",toarray"`
	KeyHandle   uint64
	Mechanism   uint64
	Params      *ParamsMessage
	ExtraParams *ExtraParamsMessage
	Content     []byte
}

// DigestSecretKeyRequest asks the server to digest a stored secret value.
type DigestSecretKeyRequest struct {
	_         struct{} `cbor:",toarray"`
	Mechanism uint64
	Handle    uint64
}

// GenerateSecretKeyRequest asks the server to generate a secret key.
type GenerateSecretKeyRequest struct {
	_       struct{} `cbor:",toarray"`
	KeyType uint64
	KeySize int
	Control *NewKeyControlMessage
}

// ImportSecretKeyRequest asks the server to import secret key material.
type ImportSecretKeyRequest struct {
	_       struct{} `cbor:",toarray"`
	KeyType uint64
	Value   []byte
	Control *NewKeyControlMessage
}

// GenerateRSAKeyPairRequest asks the server to generate an RSA keypair.
type GenerateRSAKeyPairRequest struct {
	_              struct{} `cbor:",toarray"`
	KeySize        int
	PublicExponent []byte
	Control        *NewKeyControlMessage
}

// GenerateRSAKeyPairOtfRequest asks for an on-the-fly RSA keypair.
type GenerateRSAKeyPairOtfRequest struct {
	_              struct{} `cbor:",toarray"`
	KeySize        int
	PublicExponent []byte
}

// GenerateDSAKeyPairBySizeRequest asks the server to generate DSA domain
// parameters of the given sizes and a keypair over them.
type GenerateDSAKeyPairBySizeRequest struct {
	_       struct{} `cbor:",toarray"`
	PLength int
	QLength int
	Control *NewKeyControlMessage
}

// GenerateDSAKeyPairRequest asks for a DSA keypair over explicit domain
// parameters.
type GenerateDSAKeyPairRequest struct {
	_       struct{} `cbor:",toarray"`
	P       []byte
	Q       []byte
	G       []byte
	Control *NewKeyControlMessage
}

// GenerateDSAKeyPairOtfRequest asks for an on-the-fly DSA keypair.
type GenerateDSAKeyPairOtfRequest struct {
	_ struct{} `cbor:",toarray"`
	P []byte
	Q []byte
	G []byte
}

// GenerateECKeyPairRequest asks for an EC-family keypair on the named
// curve. The same message serves the Weierstrass, Edwards and Montgomery
// generation actions; the curve oid selects the family.
type GenerateECKeyPairRequest struct {
	_        struct{} `cbor:",toarray"`
	CurveOID string
	Control  *NewKeyControlMessage
}

// GenerateECKeyPairOtfRequest asks for an on-the-fly EC-family keypair.
type GenerateECKeyPairOtfRequest struct {
	_        struct{} `cbor:",toarray"`
	CurveOID string
}

// GenerateSM2KeyPairRequest asks for an SM2 keypair.
type GenerateSM2KeyPairRequest struct {
	_       struct{} `cbor:",toarray"`
	Control *NewKeyControlMessage
}

// ShowDetailsRequest asks for the human-readable object dump.
type ShowDetailsRequest struct {
	_            struct{} `cbor:",toarray"`
	ObjectHandle *uint64
	Verbose      bool
}

// MechanismInfoEntry is one advertised mechanism.
type MechanismInfoEntry struct {
	_          struct{} `cbor:",toarray"`
	Mechanism  uint64
	MinKeySize uint64
	MaxKeySize uint64
	Flags      uint64
}

// GetMechanismInfosResponse lists the mechanisms of a slot.
type GetMechanismInfosResponse struct {
	_     struct{} `cbor:",toarray"`
	Mechs []MechanismInfoEntry
}

// MechanismInfoMap converts the response into the model form.
func (m *GetMechanismInfosResponse) MechanismInfoMap() map[uint64]p11.MechanismInfo {
	ret := make(map[uint64]p11.MechanismInfo, len(m.Mechs))
	for _, e := range m.Mechs {
		ret[e.Mechanism] = p11.MechanismInfo{MinKeySize: e.MinKeySize, MaxKeySize: e.MaxKeySize, Flags: e.Flags}
	}
	return ret
}

// ModuleCapsResponse reports the server-side module capabilities.
type ModuleCapsResponse struct {
	_              struct{} `cbor:",toarray"`
	ReadOnly       bool
	MaxMessageSize int
	SecretKeyTypes []uint64
	KeyPairTypes   []uint64
	NewObjectConf  *NewObjectConfMessage
}

// NewObjectConfMessage is the wire form of p11.NewObjectConf.
type NewObjectConfMessage struct {
	_           struct{} `cbor:",toarray"`
	IgnoreLabel bool
	IDLength    int
}

// SlotIDEntry is one slot of the remote module.
type SlotIDEntry struct {
	_     struct{} `cbor:",toarray"`
	Index int
	ID    uint64
}

// SlotIdsResponse enumerates the slots of the remote module.
type SlotIdsResponse struct {
	_     struct{} `cbor:",toarray"`
	Slots []SlotIDEntry
}

// respEnvelope is the outer response frame: [type, payload].
type respEnvelope struct {
	_       struct{} `cbor:",toarray"`
	Type    MessageType
	Payload cbor.RawMessage
}

// encodeRequest frames a request as the CBOR array [slotId, payload].
// A nil payload encodes as null.
func encodeRequest(slotID uint64, payload any) ([]byte, error) {
	frame := []any{slotID, payload}
	data, err := cbor.Marshal(frame)
	if err != nil {
		return nil, p11.WrapError("encode error while building request", err)
	}
	return data, nil
}

// decodeResponse unwraps a response envelope, enforcing the expected
// message type. A CBOR null (or empty) response yields nil, which is
// permitted for operations whose value is optional.
func decodeResponse(expected MessageType, data []byte) (cbor.RawMessage, error) {
	if len(data) == 0 {
		return nil, nil
	}

	var null any
	if err := cbor.Unmarshal(data, &null); err == nil && null == nil {
		return nil, nil
	}

	var envelope respEnvelope
	if err := cbor.Unmarshal(data, &envelope); err != nil {
		return nil, p11.WrapError("could not decode response", err)
	}

	if envelope.Type == TypeError {
		var msg ErrorMessage
		if err := cbor.Unmarshal(envelope.Payload, &msg); err != nil {
			return nil, p11.WrapError("could not decode error response", err)
		}
		return nil, p11.Errorf("server error: %s", msg.Message)
	}

	if envelope.Type != expected {
		return nil, p11.Errorf("response is not a %s", expected)
	}
	return envelope.Payload, nil
}

func oidOfString(str string) (asn1.ObjectIdentifier, error) {
	parts := strings.Split(str, ".")
	oid := make(asn1.ObjectIdentifier, 0, len(parts))
	for _, part := range parts {
		v, err := strconv.Atoi(part)
		if err != nil {
			return nil, p11.Errorf("invalid oid %q", str)
		}
		oid = append(oid, v)
	}
	return oid, nil
}
