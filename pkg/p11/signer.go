package p11

import (
	"bytes"

	"github.com/xipki/commons/pkg/security"
)

// keyContentSigner adapts a Key to the security.ContentSigner engine
// contract. The mechanism consumes the full message; hashing, where the
// mechanism requires it, happens in the backend.
type keyContentSigner struct {
	key         *Key
	mechanism   uint64
	params      Params
	extraParams *ExtraParams
	buf         bytes.Buffer
}

// NewKeyContentSigner returns a single-threaded signing engine over the
// key and mechanism.
func NewKeyContentSigner(key *Key, mechanism uint64, params Params, extraParams *ExtraParams) security.ContentSigner {
	return &keyContentSigner{key: key, mechanism: mechanism, params: params, extraParams: extraParams}
}

func (s *keyContentSigner) AlgorithmName() string {
	return MechanismName(s.mechanism)
}

func (s *keyContentSigner) Write(p []byte) (int, error) {
	return s.buf.Write(p)
}

func (s *keyContentSigner) Signature() ([]byte, error) {
	defer s.buf.Reset()
	return s.key.Sign(s.mechanism, s.params, s.extraParams, s.buf.Bytes())
}

// NewConcurrentKeySigner builds a signer pool of the given parallelism over
// one token key. Every engine drives the same key; the token serializes the
// underlying sessions.
func NewConcurrentKeySigner(key *Key, mechanism uint64, params Params, extraParams *ExtraParams,
	parallelism int) (*security.ConcurrentSigner, error) {
	if parallelism < 1 {
		return nil, Errorf("parallelism must be positive")
	}

	signers := make([]security.ContentSigner, 0, parallelism)
	for i := 0; i < parallelism; i++ {
		signers = append(signers, NewKeyContentSigner(key, mechanism, params, extraParams))
	}

	concurrent, err := security.NewConcurrentSigner(key.IsSecretKey(), signers, key)
	if err != nil {
		return nil, err
	}
	if !key.IsSecretKey() {
		if pub, err := key.PublicKey(); err == nil {
			concurrent.SetPublicKey(pub)
		}
	}
	return concurrent, nil
}
