package p11

import "testing"

func TestKeyIDEqual(t *testing.T) {
	a := NewKeyID(1, CKO_PRIVATE_KEY, CKK_RSA, []byte{1, 2}, "label")
	b := NewKeyID(2, CKO_PRIVATE_KEY, CKK_EC, []byte{1, 2}, "label")
	if !a.Equal(b) {
		t.Error("ids with equal (class, id, label) must be equal regardless of handle and key type")
	}

	c := NewKeyID(1, CKO_SECRET_KEY, CKK_RSA, []byte{1, 2}, "label")
	if a.Equal(c) {
		t.Error("different object classes must not be equal")
	}

	d := NewKeyID(1, CKO_PRIVATE_KEY, CKK_RSA, []byte{1, 3}, "label")
	if a.Equal(d) {
		t.Error("different ids must not be equal")
	}

	// empty id: equality on (class, label)
	e := NewKeyID(1, CKO_PRIVATE_KEY, CKK_RSA, nil, "label")
	f := NewKeyID(9, CKO_PRIVATE_KEY, CKK_EC, nil, "label")
	if !e.Equal(f) {
		t.Error("ids with equal (class, label) and no id must be equal")
	}
	if e.Equal(a) {
		t.Error("an id-less KeyID must not equal one with an id")
	}
}

func TestEmulatorKeyHandle(t *testing.T) {
	id := []byte{0xDE, 0xAD, 0xBE, 0xEF}

	h1 := EmulatorKeyHandle(id)
	h2 := EmulatorKeyHandle(id)
	if h1 != h2 {
		t.Error("handles must be deterministic")
	}
	if h1&0xFF != 0 {
		t.Error("the low byte of a private-key handle must be zero")
	}
	if h1>>40 != 0 {
		t.Error("the handle must be a 32-bit hash shifted by 8")
	}
}

func TestMechanismNames(t *testing.T) {
	code, ok := MechanismCode("ckm_rsa_pkcs_pss")
	if !ok || code != CKM_RSA_PKCS_PSS {
		t.Errorf("unexpected code 0x%X", code)
	}
	if MechanismName(CKM_ECDSA) != "CKM_ECDSA" {
		t.Errorf("unexpected name %s", MechanismName(CKM_ECDSA))
	}
	if MechanismName(0x7FFFFFFF) != "CKM_0x7FFFFFFF" {
		t.Errorf("unexpected fallback name %s", MechanismName(0x7FFFFFFF))
	}

	if _, ok := KeyTypeCode("CKK_AES"); !ok {
		t.Error("CKK_AES must resolve")
	}
	if code, ok := UserTypeCode("CKU_SO"); !ok || code != CKU_SO {
		t.Error("CKU_SO must resolve to 0")
	}
}
