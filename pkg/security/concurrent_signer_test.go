package security

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"testing"
	"time"
)

func newTestSigner(t *testing.T, parallelism int) *ConcurrentSigner {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	builder, err := NewKeySignerBuilder(key, nil)
	if err != nil {
		t.Fatalf("failed to create builder: %v", err)
	}
	signer, err := builder.CreateSigner(crypto.SHA256, false, parallelism)
	if err != nil {
		t.Fatalf("failed to create signer: %v", err)
	}
	return signer
}

func TestConcurrentSigner_Sign(t *testing.T) {
	signer := newTestSigner(t, 2)

	data := []byte("hello world")
	sig, err := signer.Sign(data)
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	if len(sig) == 0 {
		t.Fatal("expected non-empty signature")
	}

	key := signer.SigningKey().(*ecdsa.PrivateKey)
	digest := sha256.Sum256(data)
	if !ecdsa.VerifyASN1(&key.PublicKey, digest[:], sig) {
		t.Error("signature does not verify")
	}
}

func TestConcurrentSigner_SignBatch(t *testing.T) {
	signer := newTestSigner(t, 1)

	data := [][]byte{[]byte("a"), []byte("b"), []byte("c")}
	sigs, err := signer.SignBatch(data)
	if err != nil {
		t.Fatalf("batch sign failed: %v", err)
	}
	if len(sigs) != len(data) {
		t.Fatalf("expected %d signatures, got %d", len(data), len(sigs))
	}

	key := signer.SigningKey().(*ecdsa.PrivateKey)
	for i, chunk := range data {
		digest := sha256.Sum256(chunk)
		if !ecdsa.VerifyASN1(&key.PublicKey, digest[:], sigs[i]) {
			t.Errorf("signature %d does not verify", i)
		}
	}
}

func TestConcurrentSigner_BorrowTimeout(t *testing.T) {
	signer := newTestSigner(t, 2)

	s1, err := signer.BorrowSignerTimeout(time.Second)
	if err != nil {
		t.Fatalf("borrow 1 failed: %v", err)
	}
	s2, err := signer.BorrowSignerTimeout(time.Second)
	if err != nil {
		t.Fatalf("borrow 2 failed: %v", err)
	}

	start := time.Now()
	_, err = signer.BorrowSignerTimeout(100 * time.Millisecond)
	elapsed := time.Since(start)

	var noIdle *NoIdleSignerError
	if !errors.As(err, &noIdle) {
		t.Fatalf("expected NoIdleSignerError, got %v", err)
	}
	if elapsed < 100*time.Millisecond || elapsed > 300*time.Millisecond {
		t.Errorf("timeout took %v, expected about 100ms", elapsed)
	}

	// a queued waiter wins once an engine is returned
	done := make(chan ContentSigner, 1)
	go func() {
		engine, err := signer.BorrowSignerTimeout(2 * time.Second)
		if err != nil {
			done <- nil
			return
		}
		done <- engine
	}()

	time.Sleep(50 * time.Millisecond)
	signer.RequiteSigner(s1)

	select {
	case engine := <-done:
		if engine == nil {
			t.Fatal("waiter did not get an engine")
		}
		signer.RequiteSigner(engine)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter timed out")
	}

	signer.RequiteSigner(s2)

	// all engines back in the pool
	for i := 0; i < 2; i++ {
		engine, err := signer.BorrowSignerTimeout(100 * time.Millisecond)
		if err != nil {
			t.Fatalf("pool lost an engine: %v", err)
		}
		defer signer.RequiteSigner(engine)
	}
}

func TestConcurrentSigner_IsHealthy(t *testing.T) {
	signer := newTestSigner(t, 1)
	if !signer.IsHealthy() {
		t.Error("expected healthy signer")
	}
	// the probe engine must be back
	if _, err := signer.BorrowSignerTimeout(100 * time.Millisecond); err != nil {
		t.Errorf("engine not returned after health check: %v", err)
	}
}

func TestConcurrentSigner_MacKeyDigest(t *testing.T) {
	builder, err := NewMACSignerBuilder([]byte("0123456789abcdef"))
	if err != nil {
		t.Fatalf("failed to create builder: %v", err)
	}
	signer, err := builder.CreateSigner(crypto.SHA256, 2)
	if err != nil {
		t.Fatalf("failed to create signer: %v", err)
	}

	digest := signer.Sha1OfMacKey()
	if len(digest) != 20 {
		t.Fatalf("expected 20-byte digest, got %d", len(digest))
	}

	if err := signer.SetSha1OfMacKey(make([]byte, 19)); err == nil {
		t.Error("expected error for 19-byte digest")
	}
	if err := signer.SetSha1OfMacKey(nil); err != nil {
		t.Errorf("clearing the digest failed: %v", err)
	}

	if !signer.IsHealthy() {
		t.Error("expected healthy MAC signer")
	}
}

func TestConcurrentSigner_NonMacRejectsMacKeyDigest(t *testing.T) {
	signer := newTestSigner(t, 1)
	if err := signer.SetSha1OfMacKey(make([]byte, 20)); err == nil {
		t.Error("expected error on non-MAC signer")
	}
}
