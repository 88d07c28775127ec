// Package p11 is the uniform PKCS#11 abstraction layer: one slot/key model
// shared by the native driver backend, the file-based emulator backend and
// the HSM-proxy client backend.
package p11

import (
	"bytes"
	"crypto"
	"encoding/asn1"
	"fmt"
	"hash/fnv"
	"math/big"
)

// SlotID identifies a slot within a module both by its position in the
// module's slot list and by the driver-assigned identifier. Immutable.
type SlotID struct {
	Index int
	ID    uint64
}

func (s SlotID) String() string {
	return fmt.Sprintf("(index = %d, id = %d)", s.Index, s.ID)
}

// MechanismInfo describes one mechanism advertised by a slot.
type MechanismInfo struct {
	MinKeySize uint64
	MaxKeySize uint64
	Flags      uint64
}

// KeyID identifies a key object within a slot. Handles are backend-assigned
// for the native and proxy backends; the emulator derives them
// deterministically from the object id so they are stable across restarts.
type KeyID struct {
	Handle      uint64
	ObjectClass uint64
	KeyType     uint64
	ID          []byte
	Label       string

	// PublicKeyHandle is set on private-key ids whose sibling public key
	// lives in the same slot.
	PublicKeyHandle *uint64
}

// NewKeyID builds a KeyID without a public-key handle.
func NewKeyID(handle, objectClass, keyType uint64, id []byte, label string) *KeyID {
	return &KeyID{Handle: handle, ObjectClass: objectClass, KeyType: keyType, ID: id, Label: label}
}

// SetPublicKeyHandle records the sibling public key's handle.
func (k *KeyID) SetPublicKeyHandle(handle uint64) {
	k.PublicKeyHandle = &handle
}

// Equal compares on (objectClass, id, label) when the id is non-empty,
// otherwise on (objectClass, label).
func (k *KeyID) Equal(other *KeyID) bool {
	if other == nil {
		return false
	}
	if k.ObjectClass != other.ObjectClass {
		return false
	}
	if len(k.ID) > 0 {
		return bytes.Equal(k.ID, other.ID) && k.Label == other.Label
	}
	return len(other.ID) == 0 && k.Label == other.Label
}

func (k *KeyID) String() string {
	return fmt.Sprintf("handle = %d, id = %x, label = %s", k.Handle, k.ID, k.Label)
}

// EmulatorKeyHandle derives the deterministic handle of an emulator object
// from its id: the 32-bit FNV-1a hash of the id shifted left by 8. The
// sibling public key's handle is this value plus one.
func EmulatorKeyHandle(id []byte) uint64 {
	h := fnv.New32a()
	h.Write(id)
	return uint64(h.Sum32()) << 8
}

// Key binds a KeyID to the slot holding the key material. Signing and
// public-key retrieval delegate to the slot; algorithm parameters read at
// lookup time are cached on the Key.
type Key struct {
	slot  Slot
	keyID *KeyID

	// RSA
	rsaModulus        *big.Int
	rsaPublicExponent *big.Int

	// DSA
	dsaP, dsaQ, dsaG *big.Int

	// EC family
	ecParams asn1.ObjectIdentifier

	secret bool
}

// NewKey binds keyID to the given slot.
func NewKey(slot Slot, keyID *KeyID) *Key {
	return &Key{slot: slot, keyID: keyID, secret: keyID.ObjectClass == CKO_SECRET_KEY}
}

// KeyID returns the identifier of this key.
func (k *Key) KeyID() *KeyID {
	return k.keyID
}

// IsSecretKey reports whether the key is a secret (symmetric) key.
func (k *Key) IsSecretKey() bool {
	return k.secret
}

// SetRSAParameters caches the RSA public parameters.
func (k *Key) SetRSAParameters(modulus, publicExponent *big.Int) {
	k.rsaModulus, k.rsaPublicExponent = modulus, publicExponent
}

// RSAModulus returns the cached modulus, or nil.
func (k *Key) RSAModulus() *big.Int {
	return k.rsaModulus
}

// RSAPublicExponent returns the cached public exponent, or nil.
func (k *Key) RSAPublicExponent() *big.Int {
	return k.rsaPublicExponent
}

// SetDSAParameters caches the DSA domain parameters.
func (k *Key) SetDSAParameters(p, q, g *big.Int) {
	k.dsaP, k.dsaQ, k.dsaG = p, q, g
}

// DSAParameters returns the cached domain parameters (p, q, g).
func (k *Key) DSAParameters() (p, q, g *big.Int) {
	return k.dsaP, k.dsaQ, k.dsaG
}

// SetECParams caches the curve identifier of an EC-family key.
func (k *Key) SetECParams(curve asn1.ObjectIdentifier) {
	k.ecParams = curve
}

// ECParams returns the cached curve identifier, or nil.
func (k *Key) ECParams() asn1.ObjectIdentifier {
	return k.ecParams
}

// Sign signs content with this key through the owning slot.
func (k *Key) Sign(mechanism uint64, params Params, extraParams *ExtraParams, content []byte) ([]byte, error) {
	return k.slot.Sign(mechanism, params, extraParams, k.keyID.Handle, content)
}

// PublicKey returns the sibling public key of a keypair.
func (k *Key) PublicKey() (crypto.PublicKey, error) {
	if k.secret {
		return nil, Errorf("secret key %s has no public key", k.keyID)
	}
	return k.slot.PublicKey(k.keyID)
}

// DigestSecretKey digests the stored secret value with the given digest
// mechanism.
func (k *Key) DigestSecretKey(mechanism uint64) ([]byte, error) {
	if !k.secret {
		return nil, Errorf("key %s is not a secret key", k.keyID)
	}
	return k.slot.DigestSecretKey(mechanism, k.keyID.Handle)
}

// NewObjectConf carries the module defaults for attributes of newly created
// objects.
type NewObjectConf struct {
	IgnoreLabel bool
	IDLength    int
}

// DefaultNewObjectConf returns the built-in defaults.
func DefaultNewObjectConf() NewObjectConf {
	return NewObjectConf{IDLength: 8}
}

// NewKeyControl is the caller's request for attributes of a to-be-created
// object. A nil or empty ID asks the slot to draw a random unused one.
type NewKeyControl struct {
	ID          []byte
	Label       string
	Extractable *bool
	Sensitive   *bool
}
