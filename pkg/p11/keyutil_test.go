package p11

import (
	"bytes"
	"crypto/dsa"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"testing"

	"github.com/cloudflare/circl/sign/ed448"
)

func TestPrivateKeyInfoRoundTrip_EC(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("keygen failed: %v", err)
	}

	der, err := MarshalPrivateKeyInfo(key)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	parsed, err := ParsePrivateKeyInfo(der)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	ecKey, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		t.Fatalf("expected *ecdsa.PrivateKey, got %T", parsed)
	}
	if ecKey.D.Cmp(key.D) != 0 {
		t.Error("private scalar mismatch")
	}
}

func TestPrivateKeyInfoRoundTrip_Ed25519(t *testing.T) {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("keygen failed: %v", err)
	}

	der, err := MarshalPrivateKeyInfo(key)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	parsed, err := ParsePrivateKeyInfo(der)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if !bytes.Equal(parsed.(ed25519.PrivateKey), key) {
		t.Error("key mismatch")
	}
}

func TestPrivateKeyInfoRoundTrip_Ed448(t *testing.T) {
	_, key, err := ed448.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("keygen failed: %v", err)
	}

	der, err := MarshalPrivateKeyInfo(key)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	parsed, err := ParsePrivateKeyInfo(der)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if !bytes.Equal(parsed.(ed448.PrivateKey).Seed(), key.Seed()) {
		t.Error("seed mismatch")
	}
}

func TestPrivateKeyInfoRoundTrip_XDH(t *testing.T) {
	key := &XDHPrivateKey{
		CurveOID: OIDX25519,
		Private:  bytes.Repeat([]byte{7}, 32),
	}

	der, err := MarshalPrivateKeyInfo(key)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	parsed, err := ParsePrivateKeyInfo(der)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	xdh := parsed.(*XDHPrivateKey)
	if !xdh.CurveOID.Equal(OIDX25519) {
		t.Errorf("unexpected curve %s", xdh.CurveOID)
	}
	if !bytes.Equal(xdh.Private, key.Private) {
		t.Error("private mismatch")
	}
}

func TestPrivateKeyInfoRoundTrip_DSA(t *testing.T) {
	var params dsa.Parameters
	if err := dsa.GenerateParameters(&params, rand.Reader, dsa.L1024N160); err != nil {
		t.Fatalf("parameter generation failed: %v", err)
	}
	key := &dsa.PrivateKey{}
	key.Parameters = params
	if err := dsa.GenerateKey(key, rand.Reader); err != nil {
		t.Fatalf("keygen failed: %v", err)
	}

	der, err := MarshalPrivateKeyInfo(key)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	parsed, err := ParsePrivateKeyInfo(der)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	dsaKey := parsed.(*dsa.PrivateKey)
	if dsaKey.X.Cmp(key.X) != 0 {
		t.Error("private value mismatch")
	}
	if dsaKey.Y.Cmp(key.Y) != 0 {
		t.Error("recomputed public value mismatch")
	}
	if dsaKey.P.Cmp(key.P) != 0 || dsaKey.Q.Cmp(key.Q) != 0 || dsaKey.G.Cmp(key.G) != 0 {
		t.Error("domain parameter mismatch")
	}
}

func TestCurveHelpers(t *testing.T) {
	if !IsEdwardsCurve(OIDEd448) || IsEdwardsCurve(OIDX448) {
		t.Error("Edwards detection broken")
	}
	if !IsMontgomeryCurve(OIDX25519) || IsMontgomeryCurve(OIDEd25519) {
		t.Error("Montgomery detection broken")
	}

	if CurveName(OIDCurveP256) != "P-256" {
		t.Errorf("unexpected name %s", CurveName(OIDCurveP256))
	}
	oid, ok := CurveOIDByName("P-384")
	if !ok || !oid.Equal(OIDCurveP384) {
		t.Error("P-384 lookup broken")
	}

	if WeierstrassCurve(OIDCurveP256) != elliptic.P256() {
		t.Error("P-256 curve lookup broken")
	}
	gotOID, ok := CurveOIDForCurve(elliptic.P521())
	if !ok || !gotOID.Equal(OIDCurveP521) {
		t.Error("reverse curve lookup broken")
	}
}
