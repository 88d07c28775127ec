//go:build cgo

package native

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/xipki/commons/pkg/p11"
	"github.com/xipki/commons/pkg/password"
)

const (
	testTokenLabel = "p11-test"
	testTokenPIN   = "1234"
	testSOPIN      = "12345678"
)

func findSoftHSMLib() string {
	candidates := []string{
		"/usr/lib/softhsm/libsofthsm2.so",
		"/usr/lib/x86_64-linux-gnu/softhsm/libsofthsm2.so",
		"/usr/lib64/pkcs11/libsofthsm2.so",
		"/usr/local/lib/softhsm/libsofthsm2.so",
		"/opt/homebrew/lib/softhsm/libsofthsm2.so",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// setupSoftHSM initializes a throwaway SoftHSM token and returns the
// library path. The test is skipped when SoftHSM is not installed.
func setupSoftHSM(t *testing.T) string {
	t.Helper()

	if _, err := exec.LookPath("softhsm2-util"); err != nil {
		t.Skip("softhsm2-util not found, skipping native PKCS#11 tests")
	}
	modulePath := findSoftHSMLib()
	if modulePath == "" {
		t.Skip("SoftHSM library not found, skipping native PKCS#11 tests")
	}

	tokenDir := t.TempDir()
	tokensDir := filepath.Join(tokenDir, "tokens")
	if err := os.MkdirAll(tokensDir, 0o700); err != nil {
		t.Fatalf("could not create token directory: %v", err)
	}

	configFile := filepath.Join(tokenDir, "softhsm2.conf")
	configContent := "directories.tokendir = " + tokensDir + "\nobjectstore.backend = file\nlog.level = ERROR\n"
	if err := os.WriteFile(configFile, []byte(configContent), 0o600); err != nil {
		t.Fatalf("could not write SoftHSM config: %v", err)
	}
	t.Setenv("SOFTHSM2_CONF", configFile)

	cmd := exec.Command("softhsm2-util", "--init-token", "--free",
		"--label", testTokenLabel, "--pin", testTokenPIN, "--so-pin", testSOPIN)
	cmd.Env = append(os.Environ(), "SOFTHSM2_CONF="+configFile)
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Skipf("could not initialize SoftHSM token: %v (%s)", err, out)
	}

	return modulePath
}

func TestNativeModule_SoftHSM(t *testing.T) {
	modulePath := setupSoftHSM(t)

	spec := &p11.ModuleConfSpec{
		Name:            "default",
		Type:            Type,
		NativeLibraries: []p11.NativeLibrarySpec{{Path: modulePath}},
		PasswordSets:    []p11.PasswordSetSpec{{Passwords: []string{testTokenPIN}}},
	}
	conf, err := p11.BuildModuleConf(spec, nil, password.NewChainResolver())
	if err != nil {
		t.Fatalf("could not build module conf: %v", err)
	}

	module, err := NewModule(conf)
	if err != nil {
		t.Fatalf("could not load module: %v", err)
	}
	defer module.Close()

	slotIDs := module.SlotIDs()
	if len(slotIDs) == 0 {
		t.Fatal("expected at least one initialized slot")
	}
	slot, err := module.Slot(slotIDs[0])
	if err != nil {
		t.Fatalf("slot lookup failed: %v", err)
	}

	keyID, err := slot.GenerateECKeypair(p11.OIDCurveP256, &p11.NewKeyControl{Label: "native-ec"})
	if err != nil {
		t.Fatalf("keypair generation failed: %v", err)
	}

	key, err := slot.GetKey(keyID)
	if err != nil || key == nil {
		t.Fatalf("getKey failed: %v", err)
	}

	sig, err := key.Sign(p11.CKM_ECDSA, nil, nil, make([]byte, 32))
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	if len(sig) == 0 {
		t.Fatal("expected a signature")
	}

	exists, err := slot.ObjectExistsByIDLabel(keyID.ID, "native-ec")
	if err != nil || !exists {
		t.Fatalf("object should exist (err=%v)", err)
	}

	count, err := slot.DestroyObjectsByIDLabel(keyID.ID, "")
	if err != nil || count == 0 {
		t.Fatalf("destroy failed (count=%d, err=%v)", count, err)
	}
}
