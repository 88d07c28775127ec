package p11

import (
	"testing"

	"github.com/xipki/commons/pkg/password"
)

func slotFilterForIndex(index int) []*SlotIDFilter {
	return []*SlotIDFilter{{Index: &index}}
}

func TestMechanismFilter_NoEntryPermits(t *testing.T) {
	filter := &MechanismFilter{}
	if !filter.IsPermitted(SlotID{Index: 0, ID: 1}, CKM_RSA_X_509, nil) {
		t.Error("empty filter must permit")
	}
}

func TestMechanismFilter_ExcludeOnSlot(t *testing.T) {
	// mechanism set "basic": all mechanisms except CKM_RSA_X_509, bound
	// to slot 0 only
	filter := &MechanismFilter{}
	filter.AddEntry(slotFilterForIndex(0), nil, []string{"CKM_RSA_X_509"})

	slot0 := SlotID{Index: 0, ID: 800000}
	slot1 := SlotID{Index: 1, ID: 800001}

	if filter.IsPermitted(slot0, CKM_RSA_X_509, nil) {
		t.Error("CKM_RSA_X_509 must be rejected on slot 0")
	}
	if !filter.IsPermitted(slot0, CKM_RSA_PKCS, nil) {
		t.Error("CKM_RSA_PKCS must be permitted on slot 0")
	}
	if !filter.IsPermitted(slot1, CKM_RSA_X_509, nil) {
		t.Error("CKM_RSA_X_509 must be permitted on slot 1")
	}
}

func TestMechanismFilter_ExcludeBeforeInclude(t *testing.T) {
	filter := &MechanismFilter{}
	filter.AddEntry(nil, []string{"CKM_RSA_PKCS", "CKM_RSA_X_509"}, []string{"CKM_RSA_X_509"})

	slot := SlotID{Index: 0, ID: 1}
	if filter.IsPermitted(slot, CKM_RSA_X_509, nil) {
		t.Error("exclude must win over include")
	}
	if !filter.IsPermitted(slot, CKM_RSA_PKCS, nil) {
		t.Error("included mechanism must be permitted")
	}
	if filter.IsPermitted(slot, CKM_ECDSA, nil) {
		t.Error("mechanism outside the include list must be rejected")
	}
}

func TestMechanismFilter_FirstMatchDecides(t *testing.T) {
	filter := &MechanismFilter{}
	filter.AddEntry(slotFilterForIndex(0), nil, []string{"CKM_ECDSA"})
	// a later, broader entry would permit it, but the first match decides
	filter.AddEntry(nil, nil, nil)

	if filter.IsPermitted(SlotID{Index: 0, ID: 1}, CKM_ECDSA, nil) {
		t.Error("first matching entry must decide")
	}
	if !filter.IsPermitted(SlotID{Index: 1, ID: 2}, CKM_ECDSA, nil) {
		t.Error("second entry must decide for slot 1")
	}
}

type vendorResolver struct{}

func (vendorResolver) MechanismToCode(name string) (uint64, bool) {
	if name == "CKM_VENDOR_TEST" {
		return 0x80001234, true
	}
	return MechanismCode(name)
}

func TestMechanismFilter_PerModuleResolution(t *testing.T) {
	filter := &MechanismFilter{}
	filter.AddEntry(nil, []string{"CKM_VENDOR_TEST"}, nil)

	slot := SlotID{Index: 0, ID: 1}

	// the global table does not know the vendor name
	if filter.IsPermitted(slot, 0x80001234, nil) {
		t.Error("vendor mechanism must not resolve without the module")
	}

	// the module's table does; the same entry serves both resolvers
	if !filter.IsPermitted(slot, 0x80001234, vendorResolver{}) {
		t.Error("vendor mechanism must resolve through the module")
	}
	if filter.IsPermitted(slot, 0x80001234, nil) {
		t.Error("the nil-module cache must stay independent")
	}
}

func TestPasswordRetriever_FirstMatchWins(t *testing.T) {
	retriever := &PasswordRetriever{}
	retriever.AddPasswordEntry(slotFilterForIndex(0), []string{"pwd-0"})
	retriever.AddPasswordEntry(nil, []string{"pwd-any", "pwd-any-2"})

	pwds, err := retriever.GetPassword(SlotID{Index: 0, ID: 1})
	if err != nil {
		t.Fatalf("getPassword failed: %v", err)
	}
	if len(pwds) != 1 || string(pwds[0]) != "pwd-0" {
		t.Errorf("unexpected passwords %q", pwds)
	}

	pwds, err = retriever.GetPassword(SlotID{Index: 3, ID: 1})
	if err != nil {
		t.Fatalf("getPassword failed: %v", err)
	}
	if len(pwds) != 2 || string(pwds[0]) != "pwd-any" {
		t.Errorf("unexpected passwords %q", pwds)
	}
}

func TestPasswordRetriever_NoEntry(t *testing.T) {
	retriever := &PasswordRetriever{}
	pwds, err := retriever.GetPassword(SlotID{Index: 0, ID: 1})
	if err != nil {
		t.Fatalf("getPassword failed: %v", err)
	}
	if pwds != nil {
		t.Errorf("expected nil, got %q", pwds)
	}
}

func TestPasswordRetriever_Resolver(t *testing.T) {
	retriever := &PasswordRetriever{}
	retriever.SetResolver(password.NewChainResolver(password.NewPassThroughResolver()))
	retriever.AddPasswordEntry(nil, []string{"THRU:secret"})

	pwds, err := retriever.GetPassword(SlotID{Index: 0, ID: 1})
	if err != nil {
		t.Fatalf("getPassword failed: %v", err)
	}
	if len(pwds) != 1 || string(pwds[0]) != "secret" {
		t.Errorf("unexpected passwords %q", pwds)
	}
}
