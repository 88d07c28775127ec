package emulator

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha256"
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/xipki/commons/pkg/p11"
	"github.com/xipki/commons/pkg/password"
)

// dirSnapshot renders the directory tree with file sizes and modification
// times so byte-level changes are visible.
func dirSnapshot(t *testing.T, dir string) string {
	t.Helper()

	var lines []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			lines = append(lines, path+"/")
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		lines = append(lines, fmt.Sprintf("%s %x", path, data))
		return nil
	})
	if err != nil {
		t.Fatalf("could not snapshot %s: %v", dir, err)
	}
	sort.Strings(lines)
	return strings.Join(lines, "\n")
}

const testPassword = "test-1234"

func newTestModule(t *testing.T, baseDir string, readOnly bool) *Module {
	t.Helper()

	spec := &p11.ModuleConfSpec{
		Name:            "default",
		Type:            Type,
		Readonly:        readOnly,
		NativeLibraries: []p11.NativeLibrarySpec{{Path: baseDir}},
		PasswordSets:    []p11.PasswordSetSpec{{Passwords: []string{testPassword}}},
	}
	conf, err := p11.BuildModuleConf(spec, nil, password.NewChainResolver())
	if err != nil {
		t.Fatalf("could not build module conf: %v", err)
	}

	module, err := NewModule(conf)
	if err != nil {
		t.Fatalf("could not build module: %v", err)
	}
	t.Cleanup(module.Close)
	return module
}

func slot0(t *testing.T, module *Module) p11.Slot {
	t.Helper()
	slotID, err := module.SlotIDForIndex(0)
	if err != nil {
		t.Fatalf("could not find slot 0: %v", err)
	}
	slot, err := module.Slot(slotID)
	if err != nil {
		t.Fatalf("could not get slot 0: %v", err)
	}
	return slot
}

func TestModule_CreatesExampleRepository(t *testing.T) {
	baseDir := filepath.Join(t.TempDir(), "emulator")
	module := newTestModule(t, baseDir, false)

	slotIDs := module.SlotIDs()
	if len(slotIDs) != 2 {
		t.Fatalf("expected 2 slots, got %d", len(slotIDs))
	}

	seen := map[uint64]bool{}
	for _, id := range slotIDs {
		seen[id.ID] = true
	}
	if !seen[800000] || !seen[800001] {
		t.Errorf("expected slot ids 800000 and 800001, got %v", slotIDs)
	}
}

// The emulator keypair round-trip: generate RSA-2048, check the on-disk
// layout, sign and verify, and reject a mechanism of the wrong family.
func TestSlot_RSAKeypairRoundTrip(t *testing.T) {
	baseDir := filepath.Join(t.TempDir(), "emulator")
	module := newTestModule(t, baseDir, false)
	slot := slot0(t, module)

	keyID, err := slot.GenerateRSAKeypair(2048, nil, &p11.NewKeyControl{Label: "rsa-a"})
	if err != nil {
		t.Fatalf("keypair generation failed: %v", err)
	}
	if keyID.PublicKeyHandle == nil || *keyID.PublicKeyHandle != keyID.Handle+1 {
		t.Error("expected the public key handle to be the private handle plus one")
	}

	slotDir := filepath.Join(baseDir, "0-800000")
	hexID := ""
	entries, err := os.ReadDir(filepath.Join(slotDir, "privkey"))
	if err != nil || len(entries) == 0 {
		t.Fatalf("privkey directory not populated: %v", err)
	}
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".info") {
			hexID = strings.TrimSuffix(entry.Name(), ".info")
		}
	}
	if hexID == "" {
		t.Fatal("no .info file written")
	}
	if _, err := os.Stat(filepath.Join(slotDir, "privkey", hexID+".value")); err != nil {
		t.Error("privkey value file missing")
	}
	if _, err := os.Stat(filepath.Join(slotDir, "pubkey", hexID+".info")); err != nil {
		t.Error("pubkey info file missing")
	}

	key, err := slot.GetKeyByIDLabel(keyID.ID, "rsa-a")
	if err != nil {
		t.Fatalf("getKey failed: %v", err)
	}
	if key == nil {
		t.Fatal("key not found")
	}
	if key.RSAModulus() == nil {
		t.Error("RSA parameters not cached")
	}

	content := []byte("sign me")
	sig, err := key.Sign(p11.CKM_SHA256_RSA_PKCS, nil, nil, content)
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}

	pub, err := key.PublicKey()
	if err != nil {
		t.Fatalf("publicKey failed: %v", err)
	}
	digest := sha256.Sum256(content)
	if err := rsa.VerifyPKCS1v15(pub.(*rsa.PublicKey), crypto.SHA256, digest[:], sig); err != nil {
		t.Errorf("signature does not verify: %v", err)
	}

	// an ECDSA mechanism on an RSA key fails in the software dispatch
	if _, err := key.Sign(p11.CKM_ECDSA_SHA256, nil, nil, content); err == nil {
		t.Error("expected ECDSA mechanism to be rejected for an RSA key")
	}
}

func TestSlot_ECDSAKeypairRoundTrip(t *testing.T) {
	baseDir := filepath.Join(t.TempDir(), "emulator")
	module := newTestModule(t, baseDir, false)
	slot := slot0(t, module)

	keyID, err := slot.GenerateECKeypair(p11.OIDCurveP256, &p11.NewKeyControl{Label: "ec-a"})
	if err != nil {
		t.Fatalf("keypair generation failed: %v", err)
	}

	key, err := slot.GetKey(keyID)
	if err != nil || key == nil {
		t.Fatalf("getKey failed: %v", err)
	}
	if !key.ECParams().Equal(p11.OIDCurveP256) {
		t.Errorf("unexpected curve %s", key.ECParams())
	}

	content := []byte("sign me with ecdsa")
	sig, err := key.Sign(p11.CKM_ECDSA_SHA256, nil, nil, content)
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	if len(sig) != 64 {
		t.Fatalf("expected 64-byte r||s signature, got %d bytes", len(sig))
	}

	pub, err := key.PublicKey()
	if err != nil {
		t.Fatalf("publicKey failed: %v", err)
	}
	digest := sha256.Sum256(content)
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:])
	if !ecdsa.Verify(pub.(*ecdsa.PublicKey), digest[:], r, s) {
		t.Error("signature does not verify")
	}
}

func TestSlot_Ed25519Sign(t *testing.T) {
	baseDir := filepath.Join(t.TempDir(), "emulator")
	module := newTestModule(t, baseDir, false)
	slot := slot0(t, module)

	keyID, err := slot.GenerateECEdwardsKeypair(p11.OIDEd25519, &p11.NewKeyControl{Label: "ed-a"})
	if err != nil {
		t.Fatalf("keypair generation failed: %v", err)
	}

	key, err := slot.GetKey(keyID)
	if err != nil || key == nil {
		t.Fatalf("getKey failed: %v", err)
	}

	content := []byte("eddsa content")
	sig, err := key.Sign(p11.CKM_EDDSA, nil, nil, content)
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}

	pub, err := key.PublicKey()
	if err != nil {
		t.Fatalf("publicKey failed: %v", err)
	}
	if !ed25519.Verify(pub.(ed25519.PublicKey), content, sig) {
		t.Error("signature does not verify")
	}
}

func TestSlot_SecretKeyHMACAndDigest(t *testing.T) {
	baseDir := filepath.Join(t.TempDir(), "emulator")
	module := newTestModule(t, baseDir, false)
	slot := slot0(t, module)

	value := bytes.Repeat([]byte{0x42}, 32)
	keyID, err := slot.ImportSecretKey(p11.CKK_SHA256_HMAC, value, &p11.NewKeyControl{Label: "mac-a"})
	if err != nil {
		t.Fatalf("import failed: %v", err)
	}

	content := []byte("mac me")
	sig, err := slot.Sign(p11.CKM_SHA256_HMAC, nil, nil, keyID.Handle, content)
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}

	mac := hmac.New(sha256.New, value)
	mac.Write(content)
	if !hmac.Equal(sig, mac.Sum(nil)) {
		t.Error("HMAC mismatch")
	}

	digest, err := slot.DigestSecretKey(p11.CKM_SHA256, keyID.Handle)
	if err != nil {
		t.Fatalf("digestSecretKey failed: %v", err)
	}
	want := sha256.Sum256(value)
	if !bytes.Equal(digest, want[:]) {
		t.Error("secret key digest mismatch")
	}
}

// Read-only modules must fail before any directory mutation.
func TestSlot_ReadOnlyGuard(t *testing.T) {
	baseDir := filepath.Join(t.TempDir(), "emulator")
	// initialize the repository first
	newTestModule(t, baseDir, false).Close()

	module := newTestModule(t, baseDir, true)
	slot := slot0(t, module)

	before := dirSnapshot(t, baseDir)

	_, err := slot.GenerateSecretKey(p11.CKK_AES, 256, &p11.NewKeyControl{Label: "aes-a"})
	if err == nil {
		t.Fatal("expected read-only rejection")
	}
	var tokenErr *p11.TokenError
	if !errors.As(err, &tokenErr) || !strings.Contains(tokenErr.Msg, "read-only") {
		t.Fatalf("expected read-only TokenError, got %v", err)
	}

	if _, err := slot.GenerateRSAKeypair(2048, nil, &p11.NewKeyControl{Label: "x"}); err == nil {
		t.Fatal("expected read-only rejection")
	}
	if _, err := slot.DestroyObjectsByIDLabel(nil, "x"); err == nil {
		t.Fatal("expected read-only rejection")
	}

	after := dirSnapshot(t, baseDir)
	if before != after {
		t.Error("slot directory changed despite read-only mode")
	}
}

// Creating a second object with the same explicit id fails; without an
// explicit id a fresh one is drawn.
func TestSlot_DuplicateID(t *testing.T) {
	baseDir := filepath.Join(t.TempDir(), "emulator")
	module := newTestModule(t, baseDir, false)
	slot := slot0(t, module)

	id := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	if _, err := slot.ImportSecretKey(p11.CKK_AES, bytes.Repeat([]byte{1}, 32),
		&p11.NewKeyControl{ID: id, Label: "aes-1"}); err != nil {
		t.Fatalf("first import failed: %v", err)
	}

	// the caller supplied the id, so the collision surfaces as an error
	_, err := slot.ImportSecretKey(p11.CKK_AES, bytes.Repeat([]byte{2}, 32),
		&p11.NewKeyControl{ID: id, Label: "aes-2"})
	if err == nil {
		t.Fatal("expected duplicate id to be rejected")
	}

	// without an explicit id the slot draws a fresh one
	keyID, err := slot.ImportSecretKey(p11.CKK_AES, bytes.Repeat([]byte{3}, 32),
		&p11.NewKeyControl{Label: "aes-3"})
	if err != nil {
		t.Fatalf("import without id failed: %v", err)
	}
	if bytes.Equal(keyID.ID, id) {
		t.Error("auto-drawn id collided with the existing one")
	}
}

func TestSlot_LabelUniquing(t *testing.T) {
	baseDir := filepath.Join(t.TempDir(), "emulator")
	module := newTestModule(t, baseDir, false)
	slot := slot0(t, module)

	first, err := slot.ImportSecretKey(p11.CKK_AES, bytes.Repeat([]byte{1}, 32),
		&p11.NewKeyControl{Label: "dup"})
	if err != nil {
		t.Fatalf("first import failed: %v", err)
	}
	if first.Label != "dup" {
		t.Errorf("unexpected label %s", first.Label)
	}

	second, err := slot.ImportSecretKey(p11.CKK_AES, bytes.Repeat([]byte{2}, 32),
		&p11.NewKeyControl{Label: "dup"})
	if err != nil {
		t.Fatalf("second import failed: %v", err)
	}
	if second.Label != "dup-1" {
		t.Errorf("expected label dup-1, got %s", second.Label)
	}
}

// Reopening the module observes the same deterministic handle.
func TestSlot_HandleStableAcrossReopen(t *testing.T) {
	baseDir := filepath.Join(t.TempDir(), "emulator")
	module := newTestModule(t, baseDir, false)
	slot := slot0(t, module)

	keyID, err := slot.GenerateECKeypair(p11.OIDCurveP256, &p11.NewKeyControl{Label: "stable"})
	if err != nil {
		t.Fatalf("keypair generation failed: %v", err)
	}
	if keyID.Handle != p11.EmulatorKeyHandle(keyID.ID) {
		t.Error("handle is not the deterministic hash of the id")
	}
	module.Close()

	reopened := newTestModule(t, baseDir, false)
	slot = slot0(t, reopened)

	again, err := slot.GetKeyID(keyID.ID, "stable")
	if err != nil || again == nil {
		t.Fatalf("getKeyID after reopen failed: %v", err)
	}
	if again.Handle != keyID.Handle {
		t.Errorf("handle changed across restart: %d != %d", again.Handle, keyID.Handle)
	}
}

func TestSlot_ExistsAndDestroyLifecycle(t *testing.T) {
	baseDir := filepath.Join(t.TempDir(), "emulator")
	module := newTestModule(t, baseDir, false)
	slot := slot0(t, module)

	keyID, err := slot.GenerateECKeypair(p11.OIDCurveP256, &p11.NewKeyControl{Label: "tmp"})
	if err != nil {
		t.Fatalf("keypair generation failed: %v", err)
	}

	exists, err := slot.ObjectExistsByIDLabel(keyID.ID, "tmp")
	if err != nil || !exists {
		t.Fatalf("object should exist after generation (err=%v)", err)
	}

	count, err := slot.DestroyObjectsByIDLabel(keyID.ID, "")
	if err != nil {
		t.Fatalf("destroy failed: %v", err)
	}
	// private and public entries are removed
	if count != 2 {
		t.Errorf("expected 2 destroyed entries, got %d", count)
	}

	exists, err = slot.ObjectExistsByIDLabel(keyID.ID, "tmp")
	if err != nil || exists {
		t.Fatalf("object should be gone after destruction (err=%v)", err)
	}

	// the unsupported bulk operations signal failure
	if n := slot.DestroyAllObjects(); n != 0 {
		t.Errorf("destroyAllObjects must be unsupported, got %d", n)
	}
	failed := slot.DestroyObjectsByHandle([]uint64{keyID.Handle})
	if len(failed) != 1 {
		t.Errorf("destroyObjectsByHandle must report all handles as failed")
	}
}

func TestSlot_ShowDetails(t *testing.T) {
	baseDir := filepath.Join(t.TempDir(), "emulator")
	module := newTestModule(t, baseDir, false)
	slot := slot0(t, module)

	if _, err := slot.GenerateECKeypair(p11.OIDCurveP256, &p11.NewKeyControl{Label: "shown"}); err != nil {
		t.Fatalf("keypair generation failed: %v", err)
	}

	var buf bytes.Buffer
	if err := slot.ShowDetails(&buf, nil, true); err != nil {
		t.Fatalf("showDetails failed: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "Supported mechanisms:") {
		t.Error("verbose output must list mechanisms")
	}
	if !strings.Contains(out, "label=shown") {
		t.Error("object listing must include the label")
	}
}

// The mechanism filter is applied per slot: CKM_RSA_X_509 is excluded on
// slot 0 only.
func TestSlot_MechanismFilterPerSlot(t *testing.T) {
	baseDir := filepath.Join(t.TempDir(), "emulator")

	index0 := 0
	spec := &p11.ModuleConfSpec{
		Name:            "default",
		Type:            Type,
		NativeLibraries: []p11.NativeLibrarySpec{{Path: baseDir}},
		PasswordSets:    []p11.PasswordSetSpec{{Passwords: []string{testPassword}}},
		MechanismFilters: []p11.MechanismFilterSpec{
			{Slots: []p11.SlotSpec{{Index: &index0}}, MechanismSet: "basic"},
		},
	}
	sets := []p11.MechanismSetSpec{
		{Name: "basic", Mechanisms: []string{"ALL"}, ExcludeMechanisms: []string{"CKM_RSA_X_509"}},
	}
	conf, err := p11.BuildModuleConf(spec, sets, nil)
	if err != nil {
		t.Fatalf("could not build module conf: %v", err)
	}
	module, err := NewModule(conf)
	if err != nil {
		t.Fatalf("could not build module: %v", err)
	}
	defer module.Close()

	for index, wantSupported := range map[int]bool{0: false, 1: true} {
		slotID, err := module.SlotIDForIndex(index)
		if err != nil {
			t.Fatalf("slot lookup failed: %v", err)
		}
		slot, err := module.Slot(slotID)
		if err != nil {
			t.Fatalf("slot lookup failed: %v", err)
		}
		got := slot.(*Slot).SupportsMechanism(p11.CKM_RSA_X_509, p11.CKF_SIGN)
		if got != wantSupported {
			t.Errorf("slot %d: CKM_RSA_X_509 supported=%v, want %v", index, got, wantSupported)
		}
	}
}

func TestKeyCryptor_RoundTripAndTamper(t *testing.T) {
	cryptor, err := NewKeyCryptor([]byte(testPassword))
	if err != nil {
		t.Fatalf("could not build cryptor: %v", err)
	}

	plain := []byte("top secret key material")
	sealed, err := cryptor.Encrypt(plain)
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}

	opened, err := cryptor.Decrypt(sealed)
	if err != nil {
		t.Fatalf("decrypt failed: %v", err)
	}
	if !bytes.Equal(opened, plain) {
		t.Error("round trip mismatch")
	}

	// the ciphertext authenticates the plaintext
	sealed[len(sealed)-1] ^= 1
	if _, err := cryptor.Decrypt(sealed); err == nil {
		t.Error("tampered ciphertext must not decrypt")
	}

	// a second cryptor over the same password opens values of the first
	cryptor2, err := NewKeyCryptor([]byte(testPassword))
	if err != nil {
		t.Fatalf("could not build cryptor: %v", err)
	}
	sealed[len(sealed)-1] ^= 1
	if _, err := cryptor2.Decrypt(sealed); err != nil {
		t.Errorf("deterministic key derivation broken: %v", err)
	}

	wrong, err := NewKeyCryptor([]byte("wrong-password"))
	if err != nil {
		t.Fatalf("could not build cryptor: %v", err)
	}
	if _, err := wrong.Decrypt(sealed); err == nil {
		t.Error("wrong password must not decrypt")
	}
}
