package p11

import (
	"errors"
	"testing"
)

func intPtr(v int) *int { return &v }

func strPtr(v string) *string { return &v }

func minimalSpec() *ModuleConfSpec {
	return &ModuleConfSpec{
		Name: "default",
		Type: ModuleTypeEmulator,
	}
}

func TestBuildModuleConf_Defaults(t *testing.T) {
	conf, err := BuildModuleConf(minimalSpec(), nil, nil)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	if conf.MaxMessageSize() != 16384 {
		t.Errorf("expected default maxMessageSize 16384, got %d", conf.MaxMessageSize())
	}
	if conf.UserType() != CKU_USER {
		t.Errorf("expected CKU_USER, got %d", conf.UserType())
	}
	if conf.NewObjectConf().IDLength != 8 {
		t.Errorf("expected default idLength 8, got %d", conf.NewObjectConf().IDLength)
	}
}

func TestBuildModuleConf_RejectsSmallMaxMessageSize(t *testing.T) {
	spec := minimalSpec()
	spec.MaxMessageSize = 128

	_, err := BuildModuleConf(spec, nil, nil)
	var confErr *InvalidConfError
	if !errors.As(err, &confErr) {
		t.Fatalf("expected InvalidConfError, got %v", err)
	}
}

func TestBuildModuleConf_RejectsSecurityOfficer(t *testing.T) {
	spec := minimalSpec()
	spec.User = "cku_so"

	if _, err := BuildModuleConf(spec, nil, nil); err == nil {
		t.Fatal("expected rejection of CKU_SO")
	}
}

func TestBuildModuleConf_RejectsUnknownUser(t *testing.T) {
	spec := minimalSpec()
	spec.User = "CKU_NOBODY"

	if _, err := BuildModuleConf(spec, nil, nil); err == nil {
		t.Fatal("expected rejection of unknown user type")
	}
}

func TestBuildModuleConf_NativeLibrarySelection(t *testing.T) {
	spec := minimalSpec()
	spec.NativeLibraries = []NativeLibrarySpec{
		{Path: "/lib/never.so", OperationSystems: []string{"plan9"}},
		{Path: "/lib/any.so"},
	}

	conf, err := BuildModuleConf(spec, nil, nil)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if conf.NativeLibrary() != "/lib/any.so" {
		t.Errorf("expected /lib/any.so, got %s", conf.NativeLibrary())
	}
}

func TestBuildModuleConf_NativeRequiresLibrary(t *testing.T) {
	spec := minimalSpec()
	spec.Type = ModuleTypeNative
	spec.NativeLibraries = []NativeLibrarySpec{
		{Path: "/lib/never.so", OperationSystems: []string{"plan9"}},
	}

	if _, err := BuildModuleConf(spec, nil, nil); err == nil {
		t.Fatal("expected error when no library matches the OS")
	}
}

func TestBuildModuleConf_UnresolvedMechanismSet(t *testing.T) {
	spec := minimalSpec()
	spec.MechanismFilters = []MechanismFilterSpec{{MechanismSet: "missing"}}

	if _, err := BuildModuleConf(spec, nil, nil); err == nil {
		t.Fatal("expected error for unresolved mechanism set")
	}
}

func TestBuildModuleConf_DuplicateMechanismSet(t *testing.T) {
	sets := []MechanismSetSpec{
		{Name: "basic", Mechanisms: []string{"ALL"}},
		{Name: "basic", Mechanisms: []string{"ALL"}},
	}
	if _, err := BuildModuleConf(minimalSpec(), sets, nil); err == nil {
		t.Fatal("expected error for duplicated mechanism set")
	}
}

func TestBuildModuleConf_KeyTypes(t *testing.T) {
	spec := minimalSpec()
	spec.SecretKeyTypes = []string{"CKK_AES", "0x1FL", "31", "garbage"}

	conf, err := BuildModuleConf(spec, nil, nil)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	// unparseable entries are dropped
	types := conf.SecretKeyTypes()
	if len(types) != 3 {
		t.Fatalf("expected 3 key types, got %d", len(types))
	}
	for _, v := range types {
		if v != CKK_AES {
			t.Errorf("expected CKK_AES (0x1F), got 0x%X", v)
		}
	}
}

func TestBuildModuleConf_SlotFilters(t *testing.T) {
	spec := minimalSpec()
	spec.IncludeSlots = []SlotSpec{{Index: intPtr(0)}, {ID: strPtr("0x800000")}}
	spec.ExcludeSlots = []SlotSpec{{Index: intPtr(5)}}

	conf, err := BuildModuleConf(spec, nil, nil)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	if !conf.IsSlotIncluded(SlotID{Index: 0, ID: 1}) {
		t.Error("slot index 0 should be included")
	}
	if !conf.IsSlotIncluded(SlotID{Index: 3, ID: 0x800000}) {
		t.Error("slot id 0x800000 should be included")
	}
	if conf.IsSlotIncluded(SlotID{Index: 2, ID: 7}) {
		t.Error("unlisted slot should be excluded")
	}
	if conf.IsSlotIncluded(SlotID{Index: 5, ID: 0x800000}) {
		t.Error("excluded slot must win over include")
	}
}

func TestBuildModuleConf_InvalidSlotID(t *testing.T) {
	spec := minimalSpec()
	spec.IncludeSlots = []SlotSpec{{ID: strPtr("not-a-number")}}

	if _, err := BuildModuleConf(spec, nil, nil); err == nil {
		t.Fatal("expected error for invalid slot id")
	}
}

func TestBuildModuleConf_EmptySlotFilter(t *testing.T) {
	spec := minimalSpec()
	spec.IncludeSlots = []SlotSpec{{}}

	if _, err := BuildModuleConf(spec, nil, nil); err == nil {
		t.Fatal("expected error for slot filter without index and id")
	}
}
