package password

import "testing"

func TestPassThroughResolver(t *testing.T) {
	r := NewPassThroughResolver()

	if !r.CanResolveProtocol("THRU") {
		t.Error("expected THRU to be resolvable")
	}
	if r.CanResolveProtocol("PBE") {
		t.Error("PBE must not be resolvable")
	}

	pwd, err := r.ResolvePassword("THRU:secret")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if string(pwd) != "secret" {
		t.Errorf("expected secret, got %s", pwd)
	}

	if _, err := r.ResolvePassword("secret"); err == nil {
		t.Error("expected error for hint without protocol prefix")
	}

	hint, err := r.ProtectPassword([]byte("secret"))
	if err != nil {
		t.Fatalf("protect failed: %v", err)
	}
	if hint != "THRU:secret" {
		t.Errorf("unexpected hint %s", hint)
	}
}

func TestChainResolver(t *testing.T) {
	chain := NewChainResolver(NewPassThroughResolver())

	pwd, err := chain.ResolvePassword("THRU:secret")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if string(pwd) != "secret" {
		t.Errorf("expected secret, got %s", pwd)
	}

	// no protocol prefix: the hint is the password
	pwd, err = chain.ResolvePassword("plain-password")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if string(pwd) != "plain-password" {
		t.Errorf("expected plain-password, got %s", pwd)
	}

	if _, err := chain.ResolvePassword("PBE:abc"); err == nil {
		t.Error("expected error for unknown protocol")
	}
}
