package p11_test

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"math/big"
	"path/filepath"
	"testing"

	"github.com/xipki/commons/pkg/p11"
	"github.com/xipki/commons/pkg/p11/emulator"
	"github.com/xipki/commons/pkg/password"
)

// The concurrent signer pool drives an emulator key end to end.
func TestConcurrentKeySigner(t *testing.T) {
	baseDir := filepath.Join(t.TempDir(), "emulator")

	spec := &p11.ModuleConfSpec{
		Name:            "default",
		Type:            emulator.Type,
		NativeLibraries: []p11.NativeLibrarySpec{{Path: baseDir}},
		PasswordSets:    []p11.PasswordSetSpec{{Passwords: []string{"test-1234"}}},
	}
	conf, err := p11.BuildModuleConf(spec, nil, password.NewChainResolver())
	if err != nil {
		t.Fatalf("could not build conf: %v", err)
	}
	module, err := emulator.NewModule(conf)
	if err != nil {
		t.Fatalf("could not build module: %v", err)
	}
	defer module.Close()

	slotID, err := module.SlotIDForIndex(0)
	if err != nil {
		t.Fatalf("slot lookup failed: %v", err)
	}
	slot, err := module.Slot(slotID)
	if err != nil {
		t.Fatalf("slot lookup failed: %v", err)
	}

	keyID, err := slot.GenerateECKeypair(p11.OIDCurveP256, &p11.NewKeyControl{Label: "pool-key"})
	if err != nil {
		t.Fatalf("keypair generation failed: %v", err)
	}
	key, err := slot.GetKey(keyID)
	if err != nil || key == nil {
		t.Fatalf("getKey failed: %v", err)
	}

	signer, err := p11.NewConcurrentKeySigner(key, p11.CKM_ECDSA_SHA256, nil, nil, 3)
	if err != nil {
		t.Fatalf("could not build concurrent signer: %v", err)
	}

	if !signer.IsHealthy() {
		t.Error("expected a healthy signer")
	}

	content := []byte("pooled signing")
	sig, err := signer.Sign(content)
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}

	pub := signer.PublicKey().(*ecdsa.PublicKey)
	digest := sha256.Sum256(content)
	half := len(sig) / 2
	r := new(big.Int).SetBytes(sig[:half])
	s := new(big.Int).SetBytes(sig[half:])
	if !ecdsa.Verify(pub, digest[:], r, s) {
		t.Error("signature does not verify")
	}
}
