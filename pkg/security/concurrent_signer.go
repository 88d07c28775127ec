package security

import (
	"crypto"
	"crypto/sha1"
	"fmt"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xipki/commons/internal/logging"
)

var log = logging.MustGetLogger("security")

// TimeoutProperty is the process environment entry overriding the default
// borrow timeout of ConcurrentSigner, in milliseconds. Valid values lie in
// [0, 60000].
const TimeoutProperty = "org.xipki.security.signservice.timeout"

var (
	nameIndex atomic.Int32

	defaultTimeoutOnce sync.Once
	defaultTimeout     = 10 * time.Second
)

func defaultSignTimeout() time.Duration {
	defaultTimeoutOnce.Do(func() {
		str := os.Getenv(TimeoutProperty)
		if str == "" {
			return
		}

		vi, err := strconv.Atoi(str)
		if err != nil || vi < 0 || vi > 60*1000 {
			log.Errorf("invalid %s: %s", TimeoutProperty, str)
			return
		}
		log.Infof("use %s: %d", TimeoutProperty, vi)
		defaultTimeout = time.Duration(vi) * time.Millisecond
	})
	return defaultTimeout
}

// ConcurrentSigner multiplexes parallel signing operations over a bounded
// set of ContentSigner engines. An engine is never used by two borrowers at
// once; the number of engines bounds the parallelism.
type ConcurrentSigner struct {
	signers chan ContentSigner

	name          string
	algorithmName string
	mac           bool

	mu           sync.Mutex
	sha1OfMacKey []byte
	signingKey   any
	publicKey    crypto.PublicKey
}

// NewConcurrentSigner builds a pool over the given engines. All engines must
// share one algorithm; signingKey may carry the underlying key for callers
// that need it and may be nil.
func NewConcurrentSigner(mac bool, signers []ContentSigner, signingKey any) (*ConcurrentSigner, error) {
	if len(signers) == 0 {
		return nil, &SecurityError{Msg: "signers must not be empty"}
	}

	queue := make(chan ContentSigner, len(signers))
	for _, signer := range signers {
		queue <- signer
	}

	return &ConcurrentSigner{
		signers:       queue,
		name:          fmt.Sprintf("defaultSigner-%d", nameIndex.Add(1)),
		algorithmName: signers[0].AlgorithmName(),
		mac:           mac,
		signingKey:    signingKey,
	}, nil
}

// Name returns the generated signer name.
func (c *ConcurrentSigner) Name() string {
	return c.name
}

// AlgorithmName returns the signature algorithm of the pooled engines.
func (c *ConcurrentSigner) AlgorithmName() string {
	return c.algorithmName
}

// IsMac reports whether the engines compute MACs.
func (c *ConcurrentSigner) IsMac() bool {
	return c.mac
}

// SetSha1OfMacKey records the SHA-1 digest of the MAC key. The digest must
// be exactly 20 bytes; nil clears it.
func (c *ConcurrentSigner) SetSha1OfMacKey(digest []byte) error {
	if !c.mac {
		return &SecurityError{Msg: "not a MAC signer"}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if digest == nil {
		c.sha1OfMacKey = nil
		return nil
	}
	if len(digest) != sha1.Size {
		return &SecurityError{Msg: fmt.Sprintf("invalid sha1Digest.length (%d != 20)", len(digest))}
	}
	c.sha1OfMacKey = append([]byte(nil), digest...)
	return nil
}

// Sha1OfMacKey returns a copy of the recorded MAC-key digest, or nil.
func (c *ConcurrentSigner) Sha1OfMacKey() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sha1OfMacKey == nil {
		return nil
	}
	return append([]byte(nil), c.sha1OfMacKey...)
}

// SigningKey returns the key the engines sign with, if one was supplied.
func (c *ConcurrentSigner) SigningKey() any {
	return c.signingKey
}

// SetPublicKey records the public key belonging to the signing key.
func (c *ConcurrentSigner) SetPublicKey(publicKey crypto.PublicKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publicKey = publicKey
}

// PublicKey returns the recorded public key, or nil.
func (c *ConcurrentSigner) PublicKey() crypto.PublicKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.publicKey
}

// BorrowSigner borrows an engine with the default timeout.
func (c *ConcurrentSigner) BorrowSigner() (ContentSigner, error) {
	return c.borrow(defaultSignTimeout())
}

// BorrowSignerTimeout borrows an engine, waiting up to timeout. A timeout of
// 0 waits forever.
func (c *ConcurrentSigner) BorrowSignerTimeout(timeout time.Duration) (ContentSigner, error) {
	return c.borrow(timeout)
}

func (c *ConcurrentSigner) borrow(timeout time.Duration) (ContentSigner, error) {
	if timeout <= 0 {
		return <-c.signers, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case signer := <-c.signers:
		return signer, nil
	case <-timer.C:
		return nil, &NoIdleSignerError{Msg: "no idle signer available"}
	}
}

// RequiteSigner returns a borrowed engine to the pool. It must be called
// exactly once for every successful borrow.
func (c *ConcurrentSigner) RequiteSigner(signer ContentSigner) {
	c.signers <- signer
}

// Sign borrows one engine, signs data and returns the engine.
func (c *ConcurrentSigner) Sign(data []byte) ([]byte, error) {
	signer, err := c.BorrowSigner()
	if err != nil {
		return nil, err
	}
	defer c.RequiteSigner(signer)

	if _, err := signer.Write(data); err != nil {
		return nil, fmt.Errorf("could not write data to signer: %w", err)
	}
	return signer.Signature()
}

// SignBatch signs every chunk with one borrowed engine.
func (c *ConcurrentSigner) SignBatch(data [][]byte) ([][]byte, error) {
	signer, err := c.BorrowSigner()
	if err != nil {
		return nil, err
	}
	defer c.RequiteSigner(signer)

	signatures := make([][]byte, len(data))
	for i, chunk := range data {
		if _, err := signer.Write(chunk); err != nil {
			return nil, fmt.Errorf("could not write data to signer: %w", err)
		}
		if signatures[i], err = signer.Signature(); err != nil {
			return nil, err
		}
	}
	return signatures, nil
}

// IsHealthy borrows one engine and signs a fixed probe. It never returns an
// error; any failure yields false.
func (c *ConcurrentSigner) IsHealthy() bool {
	signer, err := c.BorrowSigner()
	if err != nil {
		log.Errorf("health check could not borrow signer: %v", err)
		return false
	}
	defer c.RequiteSigner(signer)

	if _, err := signer.Write([]byte{1, 2, 3, 4}); err != nil {
		log.Errorf("health check write failed: %v", err)
		return false
	}
	signature, err := signer.Signature()
	if err != nil {
		log.Errorf("health check sign failed: %v", err)
		return false
	}
	return len(signature) > 0
}

// Close releases the pool. Engines still on loan are abandoned.
func (c *ConcurrentSigner) Close() {
}
