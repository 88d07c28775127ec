package p11

import (
	"crypto"
	"crypto/dsa"
	"crypto/rand"
	"encoding/asn1"
	"fmt"
	"io"
	"math/big"
	"sync"
)

// Slot is the uniform capability set of a PKCS#11 slot, implemented by the
// native, emulator and proxy backends.
type Slot interface {
	SlotID() SlotID
	ModuleName() string
	IsReadOnly() bool
	Close()

	// Mechanisms returns the mechanisms the slot advertises after the
	// module's mechanism filter has been applied.
	Mechanisms() map[uint64]MechanismInfo

	GetKey(keyID *KeyID) (*Key, error)
	GetKeyByIDLabel(id []byte, label string) (*Key, error)
	GetKeyID(id []byte, label string) (*KeyID, error)
	ObjectExistsByIDLabel(id []byte, label string) (bool, error)

	DestroyAllObjects() int
	DestroyObjectsByHandle(handles []uint64) []uint64
	DestroyObjectsByIDLabel(id []byte, label string) (int, error)

	GenerateSecretKey(keyType uint64, keysize int, control *NewKeyControl) (*KeyID, error)
	ImportSecretKey(keyType uint64, value []byte, control *NewKeyControl) (*KeyID, error)
	GenerateRSAKeypair(keysize int, publicExponent *big.Int, control *NewKeyControl) (*KeyID, error)
	GenerateRSAKeypairOtf(keysize int, publicExponent *big.Int) ([]byte, error)
	GenerateDSAKeypairBySize(plength, qlength int, control *NewKeyControl) (*KeyID, error)
	GenerateDSAKeypair(p, q, g *big.Int, control *NewKeyControl) (*KeyID, error)
	GenerateDSAKeypairOtf(p, q, g *big.Int) ([]byte, error)
	GenerateECKeypair(curve asn1.ObjectIdentifier, control *NewKeyControl) (*KeyID, error)
	GenerateECKeypairOtf(curve asn1.ObjectIdentifier) ([]byte, error)
	GenerateECEdwardsKeypair(curve asn1.ObjectIdentifier, control *NewKeyControl) (*KeyID, error)
	GenerateECEdwardsKeypairOtf(curve asn1.ObjectIdentifier) ([]byte, error)
	GenerateECMontgomeryKeypair(curve asn1.ObjectIdentifier, control *NewKeyControl) (*KeyID, error)
	GenerateECMontgomeryKeypairOtf(curve asn1.ObjectIdentifier) ([]byte, error)
	GenerateSM2Keypair(control *NewKeyControl) (*KeyID, error)
	GenerateSM2KeypairOtf() ([]byte, error)

	Sign(mechanism uint64, params Params, extraParams *ExtraParams, keyHandle uint64, content []byte) ([]byte, error)
	DigestSecretKey(mechanism uint64, handle uint64) ([]byte, error)
	PublicKey(keyID *KeyID) (crypto.PublicKey, error)

	ShowDetails(w io.Writer, objectHandle *uint64, verbose bool) error
}

// SlotOps are the backend primitives the generic slot logic composes. The
// Do* generators create the object without any policy checks; the SlotBase
// front methods enforce mechanism policy, read-only mode and id/label
// uniqueness before delegating.
type SlotOps interface {
	ObjectExistsByIDLabel(id []byte, label string) (bool, error)

	DoGenerateSecretKey(keyType uint64, keysize int, control *NewKeyControl) (*KeyID, error)
	DoImportSecretKey(keyType uint64, value []byte, control *NewKeyControl) (*KeyID, error)
	DoGenerateRSAKeypair(keysize int, publicExponent *big.Int, control *NewKeyControl) (*KeyID, error)
	DoGenerateRSAKeypairOtf(keysize int, publicExponent *big.Int) ([]byte, error)
	DoGenerateDSAKeypair(p, q, g *big.Int, control *NewKeyControl) (*KeyID, error)
	DoGenerateDSAKeypairOtf(p, q, g *big.Int) ([]byte, error)
	DoGenerateECKeypair(curve asn1.ObjectIdentifier, control *NewKeyControl) (*KeyID, error)
	DoGenerateECKeypairOtf(curve asn1.ObjectIdentifier) ([]byte, error)
	DoGenerateECEdwardsKeypair(curve asn1.ObjectIdentifier, control *NewKeyControl) (*KeyID, error)
	DoGenerateECEdwardsKeypairOtf(curve asn1.ObjectIdentifier) ([]byte, error)
	DoGenerateECMontgomeryKeypair(curve asn1.ObjectIdentifier, control *NewKeyControl) (*KeyID, error)
	DoGenerateECMontgomeryKeypairOtf(curve asn1.ObjectIdentifier) ([]byte, error)
	DoGenerateSM2Keypair(control *NewKeyControl) (*KeyID, error)
	DoGenerateSM2KeypairOtf() ([]byte, error)
}

// SlotBase carries the behavior common to all backends: mechanism
// assertion, read-only enforcement and id/label collision handling. The
// backends embed it and register their primitives with SetOps.
type SlotBase struct {
	moduleName     string
	slotID         SlotID
	readOnly       bool
	secretKeyTypes []uint64
	keyPairTypes   []uint64
	newObjectConf  NewObjectConf

	ops        SlotOps
	mechanisms map[uint64]MechanismInfo

	// objMu serializes mutations of the slot's object set so the
	// id/label uniqueness invariant holds across concurrent callers.
	objMu sync.Mutex
}

// NewSlotBase builds the common slot state.
func NewSlotBase(moduleName string, slotID SlotID, readOnly bool,
	secretKeyTypes, keyPairTypes []uint64, newObjectConf NewObjectConf) *SlotBase {
	if newObjectConf.IDLength <= 0 {
		newObjectConf.IDLength = DefaultNewObjectConf().IDLength
	}
	return &SlotBase{
		moduleName:     moduleName,
		slotID:         slotID,
		readOnly:       readOnly,
		secretKeyTypes: secretKeyTypes,
		keyPairTypes:   keyPairTypes,
		newObjectConf:  newObjectConf,
	}
}

// SetOps registers the backend primitives. Must be called once at slot
// construction, before the slot is used.
func (s *SlotBase) SetOps(ops SlotOps) {
	s.ops = ops
}

// InitMechanisms applies the mechanism filter to the mechanisms the backend
// supports and records the surviving set.
func (s *SlotBase) InitMechanisms(supported map[uint64]MechanismInfo,
	filter *MechanismFilter, module MechanismNameResolver) {
	s.mechanisms = make(map[uint64]MechanismInfo, len(supported))
	for mech, info := range supported {
		if filter == nil || filter.IsPermitted(s.slotID, mech, module) {
			s.mechanisms[mech] = info
		}
	}
}

// SlotID returns the slot identifier.
func (s *SlotBase) SlotID() SlotID {
	return s.slotID
}

// ModuleName returns the owning module's name.
func (s *SlotBase) ModuleName() string {
	return s.moduleName
}

// IsReadOnly reports whether mutating operations are forbidden.
func (s *SlotBase) IsReadOnly() bool {
	return s.readOnly
}

// NewObjectConf returns the defaults for newly created objects.
func (s *SlotBase) NewObjectConf() NewObjectConf {
	return s.newObjectConf
}

// Mechanisms returns the filtered mechanism set.
func (s *SlotBase) Mechanisms() map[uint64]MechanismInfo {
	return s.mechanisms
}

// SupportsMechanism reports whether the slot advertises the mechanism with
// all the given flag bits.
func (s *SlotBase) SupportsMechanism(mechanism uint64, flags uint64) bool {
	info, ok := s.mechanisms[mechanism]
	return ok && info.Flags&flags == flags
}

// AssertMechanismSupported fails with an unsupported-mechanism TokenError
// unless the slot advertises the mechanism with the flag bits.
func (s *SlotBase) AssertMechanismSupported(mechanism uint64, flags uint64) error {
	if !s.SupportsMechanism(mechanism, flags) {
		return Errorf("unsupported mechanism %s in slot %s", MechanismName(mechanism), s.slotID)
	}
	return nil
}

// AssertWritable fails with a read-only TokenError when the slot forbids
// mutation.
func (s *SlotBase) AssertWritable(operation string) error {
	if s.readOnly {
		return Errorf("%s is not permitted: read-only slot %s", operation, s.slotID)
	}
	return nil
}

// LockObjects serializes a mutation of the slot's object set.
func (s *SlotBase) LockObjects() {
	s.objMu.Lock()
}

// UnlockObjects releases the object-set lock.
func (s *SlotBase) UnlockObjects() {
	s.objMu.Unlock()
}

func (s *SlotBase) assertKeyTypeAllowed(keyType uint64, allowed []uint64, kind string) error {
	if allowed == nil {
		return nil
	}
	for _, t := range allowed {
		if t == keyType {
			return nil
		}
	}
	return Errorf("%s type %s is not allowed in slot %s", kind, KeyTypeName(keyType), s.slotID)
}

// PrepareControl fills in the attributes of a to-be-created object: a
// random unused id when the caller supplied none, and a uniquely suffixed
// label when labels are honored and a duplicate would result. The caller
// must hold the object lock.
func (s *SlotBase) PrepareControl(control *NewKeyControl) (*NewKeyControl, error) {
	if control == nil {
		return nil, Errorf("control must not be nil")
	}
	if control.Label == "" {
		return nil, Errorf("label must not be blank")
	}

	filled := *control
	if len(filled.ID) == 0 {
		id, err := s.generateID()
		if err != nil {
			return nil, err
		}
		filled.ID = id
	} else {
		exists, err := s.ops.ObjectExistsByIDLabel(filled.ID, "")
		if err != nil {
			return nil, err
		}
		if exists {
			return nil, Errorf("duplicate id %x in slot %s", filled.ID, s.slotID)
		}
	}

	if !s.newObjectConf.IgnoreLabel {
		label, err := s.uniqueLabel(filled.Label)
		if err != nil {
			return nil, err
		}
		filled.Label = label
	}

	return &filled, nil
}

// generateID draws random ids of the configured length until one is unused.
func (s *SlotBase) generateID() ([]byte, error) {
	for {
		id := make([]byte, s.newObjectConf.IDLength)
		if _, err := rand.Read(id); err != nil {
			return nil, WrapError("could not generate random id", err)
		}
		exists, err := s.ops.ObjectExistsByIDLabel(id, "")
		if err != nil {
			return nil, err
		}
		if !exists {
			return id, nil
		}
	}
}

// uniqueLabel appends -1, -2, ... until the label is unused.
func (s *SlotBase) uniqueLabel(label string) (string, error) {
	candidate := label
	for idx := 0; ; idx++ {
		if idx > 0 {
			candidate = fmt.Sprintf("%s-%d", label, idx)
		}
		exists, err := s.ops.ObjectExistsByIDLabel(nil, candidate)
		if err != nil {
			return "", err
		}
		if !exists {
			return candidate, nil
		}
	}
}

// GenerateSecretKey creates and stores a new secret key.
func (s *SlotBase) GenerateSecretKey(keyType uint64, keysize int, control *NewKeyControl) (*KeyID, error) {
	if err := s.AssertWritable("generateSecretKey"); err != nil {
		return nil, err
	}
	if err := s.assertKeyTypeAllowed(keyType, s.secretKeyTypes, "secret key"); err != nil {
		return nil, err
	}
	mech, err := secretKeyGenMechanism(keyType)
	if err != nil {
		return nil, err
	}
	if err := s.AssertMechanismSupported(mech, CKF_GENERATE); err != nil {
		return nil, err
	}

	s.objMu.Lock()
	defer s.objMu.Unlock()
	filled, err := s.PrepareControl(control)
	if err != nil {
		return nil, err
	}
	return s.ops.DoGenerateSecretKey(keyType, keysize, filled)
}

// ImportSecretKey stores the given secret key value.
func (s *SlotBase) ImportSecretKey(keyType uint64, value []byte, control *NewKeyControl) (*KeyID, error) {
	if err := s.AssertWritable("importSecretKey"); err != nil {
		return nil, err
	}
	if err := s.assertKeyTypeAllowed(keyType, s.secretKeyTypes, "secret key"); err != nil {
		return nil, err
	}

	s.objMu.Lock()
	defer s.objMu.Unlock()
	filled, err := s.PrepareControl(control)
	if err != nil {
		return nil, err
	}
	return s.ops.DoImportSecretKey(keyType, value, filled)
}

// GenerateRSAKeypair creates and stores a new RSA keypair.
func (s *SlotBase) GenerateRSAKeypair(keysize int, publicExponent *big.Int, control *NewKeyControl) (*KeyID, error) {
	if err := s.AssertWritable("generateRSAKeypair"); err != nil {
		return nil, err
	}
	if err := s.assertKeyTypeAllowed(CKK_RSA, s.keyPairTypes, "keypair"); err != nil {
		return nil, err
	}
	if err := s.assertKeypairGenMechanism(CKM_RSA_PKCS_KEY_PAIR_GEN, CKM_RSA_X9_31_KEY_PAIR_GEN); err != nil {
		return nil, err
	}

	s.objMu.Lock()
	defer s.objMu.Unlock()
	filled, err := s.PrepareControl(control)
	if err != nil {
		return nil, err
	}
	return s.ops.DoGenerateRSAKeypair(keysize, publicExponent, filled)
}

// GenerateRSAKeypairOtf creates an RSA keypair and returns its encoded
// private-key info without storing it.
func (s *SlotBase) GenerateRSAKeypairOtf(keysize int, publicExponent *big.Int) ([]byte, error) {
	if err := s.assertKeypairGenMechanism(CKM_RSA_PKCS_KEY_PAIR_GEN, CKM_RSA_X9_31_KEY_PAIR_GEN); err != nil {
		return nil, err
	}
	return s.ops.DoGenerateRSAKeypairOtf(keysize, publicExponent)
}

// GenerateDSAKeypairBySize generates DSA domain parameters of the given
// bit lengths, then a keypair over them.
func (s *SlotBase) GenerateDSAKeypairBySize(plength, qlength int, control *NewKeyControl) (*KeyID, error) {
	p, q, g, err := generateDSAParameters(plength, qlength)
	if err != nil {
		return nil, err
	}
	return s.GenerateDSAKeypair(p, q, g, control)
}

// GenerateDSAKeypair creates and stores a DSA keypair over the given domain
// parameters.
func (s *SlotBase) GenerateDSAKeypair(p, q, g *big.Int, control *NewKeyControl) (*KeyID, error) {
	if err := s.AssertWritable("generateDSAKeypair"); err != nil {
		return nil, err
	}
	if err := s.assertKeyTypeAllowed(CKK_DSA, s.keyPairTypes, "keypair"); err != nil {
		return nil, err
	}
	if err := s.AssertMechanismSupported(CKM_DSA_KEY_PAIR_GEN, CKF_GENERATE_KEY_PAIR); err != nil {
		return nil, err
	}

	s.objMu.Lock()
	defer s.objMu.Unlock()
	filled, err := s.PrepareControl(control)
	if err != nil {
		return nil, err
	}
	return s.ops.DoGenerateDSAKeypair(p, q, g, filled)
}

// GenerateDSAKeypairOtf creates a DSA keypair and returns its encoded
// private-key info without storing it.
func (s *SlotBase) GenerateDSAKeypairOtf(p, q, g *big.Int) ([]byte, error) {
	if err := s.AssertMechanismSupported(CKM_DSA_KEY_PAIR_GEN, CKF_GENERATE_KEY_PAIR); err != nil {
		return nil, err
	}
	return s.ops.DoGenerateDSAKeypairOtf(p, q, g)
}

// GenerateECKeypair creates and stores an EC keypair on the named curve.
func (s *SlotBase) GenerateECKeypair(curve asn1.ObjectIdentifier, control *NewKeyControl) (*KeyID, error) {
	if err := s.AssertWritable("generateECKeypair"); err != nil {
		return nil, err
	}
	if err := s.assertKeyTypeAllowed(CKK_EC, s.keyPairTypes, "keypair"); err != nil {
		return nil, err
	}
	if err := s.AssertMechanismSupported(CKM_EC_KEY_PAIR_GEN, CKF_GENERATE_KEY_PAIR); err != nil {
		return nil, err
	}

	s.objMu.Lock()
	defer s.objMu.Unlock()
	filled, err := s.PrepareControl(control)
	if err != nil {
		return nil, err
	}
	return s.ops.DoGenerateECKeypair(curve, filled)
}

// GenerateECKeypairOtf creates an EC keypair and returns its encoded
// private-key info without storing it.
func (s *SlotBase) GenerateECKeypairOtf(curve asn1.ObjectIdentifier) ([]byte, error) {
	if err := s.AssertMechanismSupported(CKM_EC_KEY_PAIR_GEN, CKF_GENERATE_KEY_PAIR); err != nil {
		return nil, err
	}
	return s.ops.DoGenerateECKeypairOtf(curve)
}

// GenerateECEdwardsKeypair creates and stores an Edwards-curve keypair.
func (s *SlotBase) GenerateECEdwardsKeypair(curve asn1.ObjectIdentifier, control *NewKeyControl) (*KeyID, error) {
	if err := s.AssertWritable("generateECEdwardsKeypair"); err != nil {
		return nil, err
	}
	if err := s.assertKeyTypeAllowed(CKK_EC_EDWARDS, s.keyPairTypes, "keypair"); err != nil {
		return nil, err
	}
	if err := s.AssertMechanismSupported(CKM_EC_EDWARDS_KEY_PAIR_GEN, CKF_GENERATE_KEY_PAIR); err != nil {
		return nil, err
	}

	s.objMu.Lock()
	defer s.objMu.Unlock()
	filled, err := s.PrepareControl(control)
	if err != nil {
		return nil, err
	}
	return s.ops.DoGenerateECEdwardsKeypair(curve, filled)
}

// GenerateECEdwardsKeypairOtf creates an Edwards-curve keypair and returns
// its encoded private-key info without storing it.
func (s *SlotBase) GenerateECEdwardsKeypairOtf(curve asn1.ObjectIdentifier) ([]byte, error) {
	if err := s.AssertMechanismSupported(CKM_EC_EDWARDS_KEY_PAIR_GEN, CKF_GENERATE_KEY_PAIR); err != nil {
		return nil, err
	}
	return s.ops.DoGenerateECEdwardsKeypairOtf(curve)
}

// GenerateECMontgomeryKeypair creates and stores a Montgomery-curve
// keypair.
func (s *SlotBase) GenerateECMontgomeryKeypair(curve asn1.ObjectIdentifier, control *NewKeyControl) (*KeyID, error) {
	if err := s.AssertWritable("generateECMontgomeryKeypair"); err != nil {
		return nil, err
	}
	if err := s.assertKeyTypeAllowed(CKK_EC_MONTGOMERY, s.keyPairTypes, "keypair"); err != nil {
		return nil, err
	}
	if err := s.AssertMechanismSupported(CKM_EC_MONTGOMERY_KEY_PAIR_GEN, CKF_GENERATE_KEY_PAIR); err != nil {
		return nil, err
	}

	s.objMu.Lock()
	defer s.objMu.Unlock()
	filled, err := s.PrepareControl(control)
	if err != nil {
		return nil, err
	}
	return s.ops.DoGenerateECMontgomeryKeypair(curve, filled)
}

// GenerateECMontgomeryKeypairOtf creates a Montgomery-curve keypair and
// returns its encoded private-key info without storing it.
func (s *SlotBase) GenerateECMontgomeryKeypairOtf(curve asn1.ObjectIdentifier) ([]byte, error) {
	if err := s.AssertMechanismSupported(CKM_EC_MONTGOMERY_KEY_PAIR_GEN, CKF_GENERATE_KEY_PAIR); err != nil {
		return nil, err
	}
	return s.ops.DoGenerateECMontgomeryKeypairOtf(curve)
}

// GenerateSM2Keypair creates and stores an SM2 keypair.
func (s *SlotBase) GenerateSM2Keypair(control *NewKeyControl) (*KeyID, error) {
	if err := s.AssertWritable("generateSM2Keypair"); err != nil {
		return nil, err
	}
	if err := s.assertKeyTypeAllowed(CKK_VENDOR_SM2, s.keyPairTypes, "keypair"); err != nil {
		return nil, err
	}
	if err := s.assertKeypairGenMechanism(CKM_VENDOR_SM2_KEY_PAIR_GEN, CKM_EC_KEY_PAIR_GEN); err != nil {
		return nil, err
	}

	s.objMu.Lock()
	defer s.objMu.Unlock()
	filled, err := s.PrepareControl(control)
	if err != nil {
		return nil, err
	}
	return s.ops.DoGenerateSM2Keypair(filled)
}

// GenerateSM2KeypairOtf creates an SM2 keypair and returns its encoded
// private-key info without storing it.
func (s *SlotBase) GenerateSM2KeypairOtf() ([]byte, error) {
	if err := s.assertKeypairGenMechanism(CKM_VENDOR_SM2_KEY_PAIR_GEN, CKM_EC_KEY_PAIR_GEN); err != nil {
		return nil, err
	}
	return s.ops.DoGenerateSM2KeypairOtf()
}

// assertKeypairGenMechanism accepts the first advertised mechanism of the
// alternatives.
func (s *SlotBase) assertKeypairGenMechanism(mechanisms ...uint64) error {
	for _, mech := range mechanisms {
		if s.SupportsMechanism(mech, CKF_GENERATE_KEY_PAIR) {
			return nil
		}
	}
	return Errorf("unsupported mechanism %s in slot %s", MechanismName(mechanisms[0]), s.slotID)
}

// secretKeyGenMechanism maps a secret key type to its generation mechanism.
func secretKeyGenMechanism(keyType uint64) (uint64, error) {
	switch keyType {
	case CKK_AES:
		return CKM_AES_KEY_GEN, nil
	case CKK_DES3:
		return CKM_DES3_KEY_GEN, nil
	case CKK_GENERIC_SECRET,
		CKK_SHA_1_HMAC, CKK_SHA224_HMAC, CKK_SHA256_HMAC, CKK_SHA384_HMAC, CKK_SHA512_HMAC,
		CKK_SHA3_224_HMAC, CKK_SHA3_256_HMAC, CKK_SHA3_384_HMAC, CKK_SHA3_512_HMAC:
		return CKM_GENERIC_SECRET_KEY_GEN, nil
	default:
		return 0, Errorf("unsupported key type %s", KeyTypeName(keyType))
	}
}

// generateDSAParameters produces DSA domain parameters of the requested
// sizes.
func generateDSAParameters(plength, qlength int) (p, q, g *big.Int, err error) {
	var sizes dsa.ParameterSizes
	switch {
	case plength == 1024 && qlength == 160:
		sizes = dsa.L1024N160
	case plength == 2048 && qlength == 224:
		sizes = dsa.L2048N224
	case plength == 2048 && qlength == 256:
		sizes = dsa.L2048N256
	case plength == 3072 && qlength == 256:
		sizes = dsa.L3072N256
	default:
		return nil, nil, nil, Errorf("unsupported DSA parameter sizes L%d/N%d", plength, qlength)
	}

	var params dsa.Parameters
	if err := dsa.GenerateParameters(&params, rand.Reader, sizes); err != nil {
		return nil, nil, nil, WrapError("could not generate DSA parameters", err)
	}
	return params.P, params.Q, params.G, nil
}
