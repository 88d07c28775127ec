package hsmproxy

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/fxamacker/cbor/v2"

	"github.com/xipki/commons/pkg/p11"
	"github.com/xipki/commons/pkg/password"
)

// fakeTransport scripts one response per action and records the requests.
type fakeTransport struct {
	t         *testing.T
	responses map[Action][]byte
	requests  map[Action][][]byte
}

func newFakeTransport(t *testing.T) *fakeTransport {
	return &fakeTransport{
		t:         t,
		responses: map[Action][]byte{},
		requests:  map[Action][][]byte{},
	}
}

func (f *fakeTransport) respond(action Action, msgType MessageType, payload any) {
	body, err := cbor.Marshal(payload)
	if err != nil {
		f.t.Fatalf("could not encode payload: %v", err)
	}
	data, err := cbor.Marshal(respEnvelope{Type: msgType, Payload: body})
	if err != nil {
		f.t.Fatalf("could not encode envelope: %v", err)
	}
	f.responses[action] = data
}

func (f *fakeTransport) respondNull(action Action) {
	data, err := cbor.Marshal(nil)
	if err != nil {
		f.t.Fatalf("could not encode null: %v", err)
	}
	f.responses[action] = data
}

func (f *fakeTransport) Send(action Action, request []byte) ([]byte, error) {
	f.requests[action] = append(f.requests[action], request)
	resp, ok := f.responses[action]
	if !ok {
		return nil, errors.New("unexpected action " + action.String())
	}
	return resp, nil
}

// decodeFrame unpacks the outer [slotId, payload] request frame.
func decodeFrame(t *testing.T, data []byte) (uint64, cbor.RawMessage) {
	t.Helper()

	var frame []cbor.RawMessage
	if err := cbor.Unmarshal(data, &frame); err != nil {
		t.Fatalf("could not decode request frame: %v", err)
	}
	if len(frame) != 2 {
		t.Fatalf("expected a 2-element frame, got %d", len(frame))
	}
	var slotID uint64
	if err := cbor.Unmarshal(frame[0], &slotID); err != nil {
		t.Fatalf("could not decode slot id: %v", err)
	}
	return slotID, frame[1]
}

func newTestModule(t *testing.T, transport *fakeTransport) *Module {
	t.Helper()

	transport.respond(ActionModuleCaps, TypeModuleCaps, &ModuleCapsResponse{
		ReadOnly:       false,
		MaxMessageSize: 8192,
		NewObjectConf:  &NewObjectConfMessage{IDLength: 8},
	})
	transport.respond(ActionSlotIds, TypeSlotIds, &SlotIdsResponse{
		Slots: []SlotIDEntry{{Index: 0, ID: 800000}},
	})
	transport.respond(ActionMechInfos, TypeMechanismInfos, &GetMechanismInfosResponse{
		Mechs: []MechanismInfoEntry{
			{Mechanism: p11.CKM_RSA_PKCS_KEY_PAIR_GEN, Flags: p11.CKF_GENERATE_KEY_PAIR},
			{Mechanism: p11.CKM_SHA256_RSA_PKCS, Flags: p11.CKF_SIGN | p11.CKF_VERIFY},
			{Mechanism: p11.CKM_SHA256, Flags: p11.CKF_DIGEST},
		},
	})

	spec := &p11.ModuleConfSpec{Name: "proxy", Type: Type}
	conf, err := p11.BuildModuleConf(spec, nil, password.NewChainResolver())
	if err != nil {
		t.Fatalf("could not build module conf: %v", err)
	}
	module, err := NewModule(conf, transport)
	if err != nil {
		t.Fatalf("could not build module: %v", err)
	}
	t.Cleanup(module.Close)
	return module
}

func proxySlot(t *testing.T, module *Module) p11.Slot {
	t.Helper()
	slotID, err := module.SlotIDForIndex(0)
	if err != nil {
		t.Fatalf("slot lookup failed: %v", err)
	}
	slot, err := module.Slot(slotID)
	if err != nil {
		t.Fatalf("slot lookup failed: %v", err)
	}
	return slot
}

func TestModule_Bootstrap(t *testing.T) {
	transport := newFakeTransport(t)
	module := newTestModule(t, transport)

	if module.MaxMessageSize() != 8192 {
		t.Errorf("expected merged maxMessageSize 8192, got %d", module.MaxMessageSize())
	}
	slotIDs := module.SlotIDs()
	if len(slotIDs) != 1 || slotIDs[0].ID != 800000 {
		t.Fatalf("unexpected slots %v", slotIDs)
	}

	slot := proxySlot(t, module)
	if !slot.(*Slot).SupportsMechanism(p11.CKM_SHA256_RSA_PKCS, p11.CKF_SIGN) {
		t.Error("mechanism infos not applied")
	}
}

// genRSAKeypair encodes to [800000, payload] and a KeyIdMessage reply is
// decoded into the model KeyID.
func TestSlot_GenerateRSAKeypair(t *testing.T) {
	transport := newFakeTransport(t)
	module := newTestModule(t, transport)
	slot := proxySlot(t, module)

	pubHandle := uint64(4243)
	transport.respond(ActionGenRSAKeypair, TypeKeyID, &KeyIDMessage{
		Handle:          4242,
		ObjectClass:     p11.CKO_PRIVATE_KEY,
		KeyType:         p11.CKK_RSA,
		ID:              []byte{1, 2, 3},
		Label:           "rsa-a",
		PublicKeyHandle: &pubHandle,
	})

	keyID, err := slot.GenerateRSAKeypair(2048, nil, &p11.NewKeyControl{Label: "rsa-a"})
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if keyID.Handle != 4242 || keyID.Label != "rsa-a" {
		t.Errorf("unexpected key id %s", keyID)
	}
	if keyID.PublicKeyHandle == nil || *keyID.PublicKeyHandle != 4243 {
		t.Error("public key handle not carried over")
	}

	requests := transport.requests[ActionGenRSAKeypair]
	if len(requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(requests))
	}
	slotID, payload := decodeFrame(t, requests[0])
	if slotID != 800000 {
		t.Errorf("expected slot id 800000, got %d", slotID)
	}
	var req GenerateRSAKeyPairRequest
	if err := cbor.Unmarshal(payload, &req); err != nil {
		t.Fatalf("could not decode payload: %v", err)
	}
	if req.KeySize != 2048 || req.Control == nil || req.Control.Label != "rsa-a" {
		t.Errorf("unexpected request %+v", req)
	}
}

// A reply of the wrong message type is a protocol error.
func TestSlot_WrongResponseType(t *testing.T) {
	transport := newFakeTransport(t)
	module := newTestModule(t, transport)
	slot := proxySlot(t, module)

	transport.respond(ActionGenRSAKeypair, TypeByteArray, &ByteArrayMessage{Value: []byte{1}})

	_, err := slot.GenerateRSAKeypair(2048, nil, &p11.NewKeyControl{Label: "x"})
	var tokenErr *p11.TokenError
	if !errors.As(err, &tokenErr) {
		t.Fatalf("expected TokenError, got %v", err)
	}
	if !strings.Contains(tokenErr.Msg, "response is not a KeyIdMessage") {
		t.Errorf("unexpected message %q", tokenErr.Msg)
	}
}

// A null response is permitted for operations whose value is optional.
func TestSlot_NullResponse(t *testing.T) {
	transport := newFakeTransport(t)
	module := newTestModule(t, transport)
	slot := proxySlot(t, module)

	transport.respondNull(ActionKeyIDByIDLabel)

	keyID, err := slot.GetKeyID([]byte{1}, "missing")
	if err != nil {
		t.Fatalf("getKeyID failed: %v", err)
	}
	if keyID != nil {
		t.Error("expected nil KeyID for null response")
	}
}

// An error reply surfaces as a TokenError.
func TestSlot_ErrorResponse(t *testing.T) {
	transport := newFakeTransport(t)
	module := newTestModule(t, transport)
	slot := proxySlot(t, module)

	transport.respond(ActionObjectExistsByIDLabel, TypeError, &ErrorMessage{Message: "boom"})

	_, err := slot.ObjectExistsByIDLabel([]byte{1}, "")
	var tokenErr *p11.TokenError
	if !errors.As(err, &tokenErr) || !strings.Contains(tokenErr.Msg, "boom") {
		t.Fatalf("expected server error, got %v", err)
	}
}

// The on-the-fly EC generation uses its own action tag.
func TestSlot_ECKeypairOtfTag(t *testing.T) {
	transport := newFakeTransport(t)
	module := newTestModule(t, transport)
	slot := proxySlot(t, module)

	transport.respond(ActionGenECKeypairOtf, TypeByteArray, &ByteArrayMessage{Value: []byte{0x30, 0x00}})

	info, err := slot.GenerateECKeypairOtf(p11.OIDCurveP256)
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if !bytes.Equal(info, []byte{0x30, 0x00}) {
		t.Error("private-key info not returned verbatim")
	}

	if len(transport.requests[ActionGenECKeypairOtf]) != 1 {
		t.Error("expected the genECKeypairOtf tag to be used")
	}
	if len(transport.requests[ActionGenECKeypair]) != 0 {
		t.Error("the non-Otf tag must not be used for Otf generation")
	}
}

func TestSlot_SignAndGuards(t *testing.T) {
	transport := newFakeTransport(t)
	module := newTestModule(t, transport)
	slot := proxySlot(t, module)

	transport.respond(ActionSign, TypeByteArray, &ByteArrayMessage{Value: []byte{9, 9}})

	sig, err := slot.Sign(p11.CKM_SHA256_RSA_PKCS, nil, nil, 4242, []byte("data"))
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	if !bytes.Equal(sig, []byte{9, 9}) {
		t.Error("unexpected signature")
	}

	// the server never advertised ECDSA; the local assertion rejects it
	if _, err := slot.Sign(p11.CKM_ECDSA, nil, nil, 4242, []byte("data")); err == nil {
		t.Error("expected unsupported-mechanism rejection")
	}

	var req SignRequest
	slotID, payload := decodeFrame(t, transport.requests[ActionSign][0])
	if slotID != 800000 {
		t.Errorf("unexpected slot id %d", slotID)
	}
	if err := cbor.Unmarshal(payload, &req); err != nil {
		t.Fatalf("could not decode sign request: %v", err)
	}
	if req.KeyHandle != 4242 || req.Mechanism != p11.CKM_SHA256_RSA_PKCS {
		t.Errorf("unexpected request %+v", req)
	}
}

func TestSlot_ReadOnlyFromServerCaps(t *testing.T) {
	transport := newFakeTransport(t)
	transport.respond(ActionModuleCaps, TypeModuleCaps, &ModuleCapsResponse{ReadOnly: true})
	transport.respond(ActionSlotIds, TypeSlotIds, &SlotIdsResponse{
		Slots: []SlotIDEntry{{Index: 0, ID: 800000}},
	})
	transport.respond(ActionMechInfos, TypeMechanismInfos, &GetMechanismInfosResponse{})

	spec := &p11.ModuleConfSpec{Name: "proxy", Type: Type}
	conf, err := p11.BuildModuleConf(spec, nil, nil)
	if err != nil {
		t.Fatalf("could not build module conf: %v", err)
	}
	module, err := NewModule(conf, transport)
	if err != nil {
		t.Fatalf("could not build module: %v", err)
	}
	defer module.Close()

	slot := proxySlot(t, module)
	if _, err := slot.GenerateRSAKeypair(2048, nil, &p11.NewKeyControl{Label: "x"}); err == nil {
		t.Error("expected read-only rejection from merged server caps")
	}
	if len(transport.requests[ActionGenRSAKeypair]) != 0 {
		t.Error("a read-only violation must not reach the transport")
	}
}

func TestSlot_UnsupportedLocalPrimitives(t *testing.T) {
	transport := newFakeTransport(t)
	module := newTestModule(t, transport)
	slot := proxySlot(t, module).(*Slot)

	if _, err := slot.DoGenerateRSAKeypair(2048, nil, nil); err == nil {
		t.Error("expected local primitive to be unsupported")
	}
	if _, err := slot.DoGenerateSM2KeypairOtf(); err == nil {
		t.Error("expected local primitive to be unsupported")
	}
}

func TestActionNames(t *testing.T) {
	if ActionGenECKeypairOtf.String() != "genECKeypairOtf" {
		t.Errorf("unexpected name %s", ActionGenECKeypairOtf)
	}
	action, ok := ActionOfName("GENRSAKEYPAIR")
	if !ok || action != ActionGenRSAKeypair {
		t.Error("case-insensitive lookup broken")
	}
	if _, ok := ActionOfName("bogus"); ok {
		t.Error("unknown action must not resolve")
	}
}
