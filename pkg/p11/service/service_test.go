package service

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/xipki/commons/pkg/p11"
	"github.com/xipki/commons/pkg/password"
)

func TestFactory_EmulatorModule(t *testing.T) {
	baseDir := filepath.Join(t.TempDir(), "emulator")
	confPath := filepath.Join(t.TempDir(), "pkcs11.yaml")

	confYAML := `
modules:
  - name: default
    type: emulator
    nativeLibraries:
      - path: ` + baseDir + `
    passwordSets:
      - passwords: ["THRU:test-1234"]
mechanismSets:
  - name: basic
    mechanisms: [ALL]
`
	if err := os.WriteFile(confPath, []byte(confYAML), 0o600); err != nil {
		t.Fatalf("could not write config: %v", err)
	}

	conf, err := p11.LoadConf(confPath)
	if err != nil {
		t.Fatalf("could not load config: %v", err)
	}

	factory := NewFactory(conf, password.NewChainResolver(password.NewPassThroughResolver()), Options{})
	defer factory.Close()

	svc, err := factory.Service("default")
	if err != nil {
		t.Fatalf("could not build service: %v", err)
	}
	if len(svc.SlotIDs()) != 2 {
		t.Fatalf("expected 2 emulator slots, got %d", len(svc.SlotIDs()))
	}

	slot, err := svc.SlotForIndex(0)
	if err != nil {
		t.Fatalf("could not get slot: %v", err)
	}

	keyID, err := slot.GenerateECKeypair(p11.OIDCurveP256, &p11.NewKeyControl{Label: "svc-test"})
	if err != nil {
		t.Fatalf("keypair generation failed: %v", err)
	}

	key, err := slot.GetKey(keyID)
	if err != nil || key == nil {
		t.Fatalf("getKey failed: %v", err)
	}
	sig, err := key.Sign(p11.CKM_ECDSA_SHA256, nil, nil, []byte("payload"))
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	if len(sig) == 0 {
		t.Fatal("expected a signature")
	}

	// the factory caches services by name
	again, err := factory.Service("default")
	if err != nil {
		t.Fatalf("second lookup failed: %v", err)
	}
	if again != svc {
		t.Error("expected the cached service")
	}

	if _, err := factory.Service("missing"); err == nil {
		t.Error("expected unknown module error")
	}
}

func TestNewModule_UnknownType(t *testing.T) {
	spec := &p11.ModuleConfSpec{Name: "x", Type: "weird"}
	conf, err := p11.BuildModuleConf(spec, nil, nil)
	if err != nil {
		t.Fatalf("could not build conf: %v", err)
	}
	if _, err := NewModule(conf, Options{}); err == nil {
		t.Error("expected unknown module type error")
	}
}
