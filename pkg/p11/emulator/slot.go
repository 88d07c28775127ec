package emulator

import (
	"crypto"
	"crypto/dsa"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/asn1"
	"encoding/hex"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/cloudflare/circl/sign/ed448"

	"github.com/xipki/commons/internal/logging"
	"github.com/xipki/commons/pkg/p11"
	"github.com/xipki/commons/pkg/security"
)

var log = logging.MustGetLogger("p11.emulator")

const (
	fileSlotInfo            = "slot.info"
	propNamedCurveSupported = "namedCurveSupported"

	dirPrivKey = "privkey"
	dirPubKey  = "pubkey"
	dirSecKey  = "seckey"

	infoFileSuffix  = ".info"
	valueFileSuffix = ".value"

	propID        = "id"
	propLabel     = "label"
	propSha1Sum   = "sha1"
	propAlgo      = "algo"
	propKeyType   = "keytype"
	propAlgorithm = "algorithm"
	propKeySpec   = "keyspec"

	// RSA
	propRSAModus          = "modus"
	propRSAPublicExponent = "publicExponent"

	// DSA
	propDSAPrime    = "prime"    // p
	propDSASubPrime = "subprime" // q
	propDSABase     = "base"     // g
	propDSAValue    = "value"    // y

	// EC
	propECParams = "ecParams"
	propECPoint  = "ecPoint"
)

// supportedMechs is the mechanism set this software token advertises.
var supportedMechs = buildSupportedMechs()

func buildSupportedMechs() map[uint64]p11.MechanismInfo {
	m := map[uint64]p11.MechanismInfo{}
	add := func(flags uint64, mechs ...uint64) {
		for _, mech := range mechs {
			m[mech] = p11.MechanismInfo{MinKeySize: 0, MaxKeySize: 1 << 31, Flags: flags}
		}
	}

	// keypair generation
	add(p11.CKF_GENERATE_KEY_PAIR,
		p11.CKM_DSA_KEY_PAIR_GEN, p11.CKM_RSA_X9_31_KEY_PAIR_GEN, p11.CKM_RSA_PKCS_KEY_PAIR_GEN,
		p11.CKM_EC_KEY_PAIR_GEN, p11.CKM_EC_EDWARDS_KEY_PAIR_GEN, p11.CKM_EC_MONTGOMERY_KEY_PAIR_GEN,
		p11.CKM_VENDOR_SM2_KEY_PAIR_GEN)

	// secret key generation
	add(p11.CKF_GENERATE,
		p11.CKM_GENERIC_SECRET_KEY_GEN, p11.CKM_AES_KEY_GEN, p11.CKM_DES3_KEY_GEN)

	// digest
	add(p11.CKF_DIGEST,
		p11.CKM_SHA_1, p11.CKM_SHA224, p11.CKM_SHA256, p11.CKM_SHA384, p11.CKM_SHA512,
		p11.CKM_SHA3_224, p11.CKM_SHA3_256, p11.CKM_SHA3_384, p11.CKM_SHA3_512)

	// HMAC
	add(p11.CKF_SIGN|p11.CKF_VERIFY,
		p11.CKM_SHA_1_HMAC, p11.CKM_SHA224_HMAC, p11.CKM_SHA256_HMAC, p11.CKM_SHA384_HMAC,
		p11.CKM_SHA512_HMAC, p11.CKM_SHA3_224_HMAC, p11.CKM_SHA3_256_HMAC, p11.CKM_SHA3_384_HMAC,
		p11.CKM_SHA3_512_HMAC)

	// RSA
	add(p11.CKF_DECRYPT|p11.CKF_ENCRYPT|p11.CKF_SIGN|p11.CKF_VERIFY, p11.CKM_RSA_X_509)
	add(p11.CKF_SIGN|p11.CKF_VERIFY,
		p11.CKM_RSA_PKCS, p11.CKM_SHA1_RSA_PKCS, p11.CKM_SHA224_RSA_PKCS, p11.CKM_SHA256_RSA_PKCS,
		p11.CKM_SHA384_RSA_PKCS, p11.CKM_SHA512_RSA_PKCS, p11.CKM_SHA3_224_RSA_PKCS,
		p11.CKM_SHA3_256_RSA_PKCS, p11.CKM_SHA3_384_RSA_PKCS, p11.CKM_SHA3_512_RSA_PKCS,
		p11.CKM_RSA_PKCS_PSS, p11.CKM_SHA1_RSA_PKCS_PSS, p11.CKM_SHA224_RSA_PKCS_PSS,
		p11.CKM_SHA256_RSA_PKCS_PSS, p11.CKM_SHA384_RSA_PKCS_PSS, p11.CKM_SHA512_RSA_PKCS_PSS,
		p11.CKM_SHA3_224_RSA_PKCS_PSS, p11.CKM_SHA3_256_RSA_PKCS_PSS, p11.CKM_SHA3_384_RSA_PKCS_PSS,
		p11.CKM_SHA3_512_RSA_PKCS_PSS)

	// DSA and ECDSA
	add(p11.CKF_SIGN|p11.CKF_VERIFY,
		p11.CKM_DSA, p11.CKM_DSA_SHA1, p11.CKM_DSA_SHA224, p11.CKM_DSA_SHA256, p11.CKM_DSA_SHA384,
		p11.CKM_DSA_SHA512, p11.CKM_DSA_SHA3_224, p11.CKM_DSA_SHA3_256, p11.CKM_DSA_SHA3_384,
		p11.CKM_DSA_SHA3_512,
		p11.CKM_ECDSA, p11.CKM_ECDSA_SHA1, p11.CKM_ECDSA_SHA224, p11.CKM_ECDSA_SHA256,
		p11.CKM_ECDSA_SHA384, p11.CKM_ECDSA_SHA512, p11.CKM_ECDSA_SHA3_224, p11.CKM_ECDSA_SHA3_256,
		p11.CKM_ECDSA_SHA3_384, p11.CKM_ECDSA_SHA3_512)

	// EdDSA
	add(p11.CKF_SIGN|p11.CKF_VERIFY, p11.CKM_EDDSA)

	// SM2
	add(p11.CKF_SIGN|p11.CKF_VERIFY, p11.CKM_VENDOR_SM2, p11.CKM_VENDOR_SM2_SM3)

	return m
}

// Slot is the disk-backed software slot.
type Slot struct {
	*p11.SlotBase

	slotDir    string
	privKeyDir string
	pubKeyDir  string
	secKeyDir  string

	namedCurveSupported bool
	cryptor             *KeyCryptor
	maxSessions         int
}

var _ p11.Slot = (*Slot)(nil)

// NewSlot opens (or initializes) the slot directory.
func NewSlot(moduleName, slotDir string, slotID p11.SlotID, readOnly bool, cryptor *KeyCryptor,
	mechanismFilter *p11.MechanismFilter, newObjectConf p11.NewObjectConf, numSessions int,
	secretKeyTypes, keyPairTypes []uint64) (*Slot, error) {
	if cryptor == nil {
		return nil, p11.Errorf("cryptor must not be nil")
	}

	s := &Slot{
		SlotBase:            p11.NewSlotBase(moduleName, slotID, readOnly, secretKeyTypes, keyPairTypes, newObjectConf),
		slotDir:             slotDir,
		privKeyDir:          filepath.Join(slotDir, dirPrivKey),
		pubKeyDir:           filepath.Join(slotDir, dirPubKey),
		secKeyDir:           filepath.Join(slotDir, dirSecKey),
		namedCurveSupported: true,
		cryptor:             cryptor,
		maxSessions:         numSessions,
	}
	if s.maxSessions == 0 {
		s.maxSessions = 20
	}

	for _, dir := range []string{s.privKeyDir, s.pubKeyDir, s.secKeyDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, p11.WrapError("could not create slot directory", err)
		}
	}

	slotInfoFile := filepath.Join(slotDir, fileSlotInfo)
	if _, err := os.Stat(slotInfoFile); err == nil {
		props, err := loadProps(slotInfoFile)
		if err != nil {
			return nil, p11.WrapError("could not read slot.info", err)
		}
		if v, ok := props[propNamedCurveSupported]; ok {
			s.namedCurveSupported = v == "true"
		}
	}

	s.SetOps(s)
	s.InitMechanisms(supportedMechs, mechanismFilter, nil)
	return s, nil
}

// SlotDir returns the directory backing this slot.
func (s *Slot) SlotDir() string {
	return s.slotDir
}

// Close logs the slot shutdown; there is no open state to release.
func (s *Slot) Close() {
	log.Infof("close slot %s", s.SlotID())
}

func infoFile(dir, hexID string) string {
	return filepath.Join(dir, hexID+infoFileSuffix)
}

func valueFile(dir, hexID string) string {
	return filepath.Join(dir, hexID+valueFileSuffix)
}

func keyIDFromInfoFilename(name string) ([]byte, error) {
	return hex.DecodeString(strings.TrimSuffix(name, infoFileSuffix))
}

func listInfoFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var names []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), infoFileSuffix) {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *Slot) filesForLabel(dir, label string) ([]string, error) {
	names, err := listInfoFiles(dir)
	if err != nil {
		return nil, p11.WrapError("could not list "+dir, err)
	}

	var ret []string
	for _, name := range names {
		props, err := loadProps(filepath.Join(dir, name))
		if err != nil {
			return nil, p11.WrapError("could not load properties", err)
		}
		if props[propLabel] == label {
			ret = append(ret, name)
		}
	}
	return ret, nil
}

// ObjectExistsByIDLabel reports whether a private or secret key matching
// the given id and/or label exists.
func (s *Slot) ObjectExistsByIDLabel(id []byte, label string) (bool, error) {
	if len(id) == 0 && label == "" {
		return false, p11.Errorf("at least one of id and label must be present")
	}

	if len(id) == 0 {
		files, err := s.filesForLabel(s.privKeyDir, label)
		if err != nil {
			return false, err
		}
		if len(files) == 0 {
			if files, err = s.filesForLabel(s.secKeyDir, label); err != nil {
				return false, err
			}
		}
		return len(files) > 0, nil
	}

	hexID := hex.EncodeToString(id)
	file := infoFile(s.privKeyDir, hexID)
	if _, err := os.Stat(file); err != nil {
		file = infoFile(s.secKeyDir, hexID)
		if _, err := os.Stat(file); err != nil {
			return false, nil
		}
	}

	if label == "" {
		return true, nil
	}
	props, err := loadProps(file)
	if err != nil {
		return false, p11.WrapError("could not load properties", err)
	}
	return props[propLabel] == label, nil
}

// GetKeyID resolves the canonical KeyID for the given id and/or label.
// Both absent yields not-found (a nil KeyID).
func (s *Slot) GetKeyID(id []byte, label string) (*p11.KeyID, error) {
	if len(id) == 0 && label == "" {
		return nil, nil
	}

	if len(id) == 0 {
		files, err := s.filesForLabel(s.privKeyDir, label)
		if err != nil {
			return nil, err
		}
		isSecretKey := len(files) == 0
		if isSecretKey {
			if files, err = s.filesForLabel(s.secKeyDir, label); err != nil {
				return nil, err
			}
		}

		objClass := p11.CKO_PRIVATE_KEY
		dir := s.privKeyDir
		if isSecretKey {
			objClass = p11.CKO_SECRET_KEY
			dir = s.secKeyDir
		}

		if len(files) == 0 {
			return nil, nil
		}
		if len(files) > 1 {
			return nil, p11.Errorf("found more than 1 %s with label=%s", p11.ObjectClassName(objClass), label)
		}

		keyID, err := keyIDFromInfoFilename(files[0])
		if err != nil {
			return nil, p11.WrapError("invalid info filename", err)
		}
		props, err := loadProps(filepath.Join(dir, files[0]))
		if err != nil {
			return nil, p11.WrapError("could not load properties", err)
		}
		return s.buildKeyID(objClass, keyID, props)
	}

	hexID := hex.EncodeToString(id)
	file := infoFile(s.privKeyDir, hexID)
	objClass := p11.CKO_PRIVATE_KEY
	if _, err := os.Stat(file); err != nil {
		file = infoFile(s.secKeyDir, hexID)
		objClass = p11.CKO_SECRET_KEY
		if _, err := os.Stat(file); err != nil {
			return nil, nil
		}
	}

	props, err := loadProps(file)
	if err != nil {
		return nil, p11.WrapError("could not load properties", err)
	}
	if label != "" && props[propLabel] != label {
		return nil, nil
	}
	return s.buildKeyID(objClass, id, props)
}

func (s *Slot) buildKeyID(objClass uint64, id []byte, props map[string]string) (*p11.KeyID, error) {
	keyType, err := strconv.ParseUint(props[propKeyType], 10, 64)
	if err != nil {
		return nil, p11.Errorf("invalid keytype %q", props[propKeyType])
	}

	handle := p11.EmulatorKeyHandle(id)
	keyID := p11.NewKeyID(handle, objClass, keyType, id, props[propLabel])
	if objClass != p11.CKO_SECRET_KEY {
		keyID.SetPublicKeyHandle(handle + 1)
	}
	return keyID, nil
}

// GetKeyByIDLabel resolves the KeyID and loads the key.
func (s *Slot) GetKeyByIDLabel(id []byte, label string) (*p11.Key, error) {
	keyID, err := s.GetKeyID(id, label)
	if err != nil {
		return nil, err
	}
	if keyID == nil {
		return nil, nil
	}
	return s.GetKey(keyID)
}

// GetKey loads a key and caches its public parameters.
func (s *Slot) GetKey(keyID *p11.KeyID) (*p11.Key, error) {
	hexID := hex.EncodeToString(keyID.ID)

	if keyID.ObjectClass == p11.CKO_SECRET_KEY {
		if _, err := os.Stat(infoFile(s.secKeyDir, hexID)); err != nil {
			return nil, nil
		}
		return p11.NewKey(s, keyID), nil
	}

	if _, err := os.Stat(infoFile(s.privKeyDir, hexID)); err != nil {
		return nil, nil
	}
	props, err := loadProps(infoFile(s.pubKeyDir, hexID))
	if err != nil {
		return nil, p11.WrapError("could not load public key properties", err)
	}

	key := p11.NewKey(s, keyID)
	switch keyID.KeyType {
	case p11.CKK_RSA:
		mod, ok1 := new(big.Int).SetString(props[propRSAModus], 16)
		exp, ok2 := new(big.Int).SetString(props[propRSAPublicExponent], 16)
		if !ok1 || !ok2 {
			return nil, p11.Errorf("invalid RSA parameters of key %s", keyID)
		}
		key.SetRSAParameters(mod, exp)

	case p11.CKK_DSA:
		pv, ok1 := new(big.Int).SetString(props[propDSAPrime], 16)
		qv, ok2 := new(big.Int).SetString(props[propDSASubPrime], 16)
		gv, ok3 := new(big.Int).SetString(props[propDSABase], 16)
		if !ok1 || !ok2 || !ok3 {
			return nil, p11.Errorf("invalid DSA parameters of key %s", keyID)
		}
		key.SetDSAParameters(pv, qv, gv)

	case p11.CKK_EC, p11.CKK_EC_EDWARDS, p11.CKK_EC_MONTGOMERY, p11.CKK_VENDOR_SM2:
		ecParams, err := hex.DecodeString(props[propECParams])
		if err != nil {
			return nil, p11.Errorf("invalid ecParams of key %s", keyID)
		}
		var curveOID asn1.ObjectIdentifier
		if _, err := asn1.Unmarshal(ecParams, &curveOID); err != nil {
			// explicit parameters; leave the oid unset
			log.Warnf("key %s uses explicit EC parameters", keyID)
		} else {
			key.SetECParams(curveOID)
		}

	default:
		return nil, p11.Errorf("unknown key type %s", p11.KeyTypeName(keyID.KeyType))
	}

	return key, nil
}

// PublicKey reads the sibling public key of a keypair.
func (s *Slot) PublicKey(keyID *p11.KeyID) (crypto.PublicKey, error) {
	return s.readPublicKey(keyID.ID)
}

func (s *Slot) readPublicKey(id []byte) (crypto.PublicKey, error) {
	props, err := loadProps(infoFile(s.pubKeyDir, hex.EncodeToString(id)))
	if err != nil {
		return nil, p11.WrapError("could not load public key properties", err)
	}

	algorithm := props[propAlgorithm]
	switch algorithm {
	case oidStr(oidRSA):
		exp, ok1 := new(big.Int).SetString(props[propRSAPublicExponent], 16)
		mod, ok2 := new(big.Int).SetString(props[propRSAModus], 16)
		if !ok1 || !ok2 {
			return nil, p11.Errorf("invalid RSA public key properties")
		}
		return &rsa.PublicKey{N: mod, E: int(exp.Int64())}, nil

	case oidStr(oidDSA):
		pv, ok1 := new(big.Int).SetString(props[propDSAPrime], 16)
		qv, ok2 := new(big.Int).SetString(props[propDSASubPrime], 16)
		gv, ok3 := new(big.Int).SetString(props[propDSABase], 16)
		yv, ok4 := new(big.Int).SetString(props[propDSAValue], 16)
		if !ok1 || !ok2 || !ok3 || !ok4 {
			return nil, p11.Errorf("invalid DSA public key properties")
		}
		pub := &dsa.PublicKey{Y: yv}
		pub.P, pub.Q, pub.G = pv, qv, gv
		return pub, nil

	case oidStr(oidEC):
		ecParams, err := hex.DecodeString(props[propECParams])
		if err != nil {
			return nil, p11.Errorf("invalid ecParams")
		}
		var curveOID asn1.ObjectIdentifier
		if _, err := asn1.Unmarshal(ecParams, &curveOID); err != nil {
			return nil, p11.Errorf("explicit EC parameters are not supported for reading")
		}
		curve := p11.WeierstrassCurve(curveOID)
		if curve == nil {
			return nil, p11.Errorf("unsupported curve %s", curveOID)
		}

		encodedPoint, err := hex.DecodeString(props[propECPoint])
		if err != nil {
			return nil, p11.Errorf("invalid ecPoint")
		}
		var point []byte
		if _, err := asn1.Unmarshal(encodedPoint, &point); err != nil {
			return nil, p11.WrapError("invalid ecPoint encoding", err)
		}
		x, y := elliptic.Unmarshal(curve, point)
		if x == nil {
			return nil, p11.Errorf("invalid EC point")
		}
		return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil

	case oidStr(p11.OIDEd25519):
		point, err := hex.DecodeString(props[propECPoint])
		if err != nil || len(point) != ed25519.PublicKeySize {
			return nil, p11.Errorf("invalid Ed25519 public key")
		}
		return ed25519.PublicKey(point), nil

	case oidStr(p11.OIDEd448):
		point, err := hex.DecodeString(props[propECPoint])
		if err != nil || len(point) != ed448.PublicKeySize {
			return nil, p11.Errorf("invalid Ed448 public key")
		}
		return ed448.PublicKey(point), nil

	case oidStr(p11.OIDX25519), oidStr(p11.OIDX448):
		point, err := hex.DecodeString(props[propECPoint])
		if err != nil {
			return nil, p11.Errorf("invalid XDH public key")
		}
		oid := p11.OIDX25519
		if algorithm == oidStr(p11.OIDX448) {
			oid = p11.OIDX448
		}
		return &p11.XDHPublicKey{CurveOID: oid, Public: point}, nil

	default:
		return nil, p11.Errorf("unknown key algorithm %s", algorithm)
	}
}

// DestroyAllObjects is not supported by the emulator.
func (s *Slot) DestroyAllObjects() int {
	log.Warn("destroyAllObjects() is not supported by the emulator")
	return 0
}

// DestroyObjectsByHandle is not supported by the emulator; all handles are
// reported as failed.
func (s *Slot) DestroyObjectsByHandle(handles []uint64) []uint64 {
	log.Warn("destroyObjectsByHandle() is not supported by the emulator")
	return append([]uint64(nil), handles...)
}

// DestroyObjectsByIDLabel deletes matching entries in all three object
// directories and returns the count.
func (s *Slot) DestroyObjectsByIDLabel(id []byte, label string) (int, error) {
	if len(id) == 0 && label == "" {
		return 0, p11.Errorf("at least one of id and label must be present")
	}
	if err := s.AssertWritable("destroyObjectsByIdLabel"); err != nil {
		return 0, err
	}

	s.LockObjects()
	defer s.UnlockObjects()

	total := 0
	for _, dir := range []string{s.privKeyDir, s.pubKeyDir, s.secKeyDir} {
		n, err := s.deleteEntries(dir, id, label)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (s *Slot) deleteEntries(dir string, id []byte, label string) (int, error) {
	if label == "" {
		if deleteEntry(dir, id) {
			return 1, nil
		}
		return 0, nil
	}

	if len(id) > 0 {
		file := infoFile(dir, hex.EncodeToString(id))
		if _, err := os.Stat(file); err != nil {
			return 0, nil
		}
		props, err := loadProps(file)
		if err != nil {
			return 0, p11.WrapError("could not load properties", err)
		}
		if props[propLabel] != label {
			return 0, nil
		}
		if deleteEntry(dir, id) {
			return 1, nil
		}
		return 0, nil
	}

	names, err := s.filesForLabel(dir, label)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, name := range names {
		entryID, err := keyIDFromInfoFilename(name)
		if err != nil {
			continue
		}
		if deleteEntry(dir, entryID) {
			count++
		}
	}
	return count, nil
}

// deleteEntry removes the .info/.value pair, tolerating missing files.
func deleteEntry(dir string, id []byte) bool {
	hexID := hex.EncodeToString(id)

	deleted := false
	for _, file := range []string{infoFile(dir, hexID), valueFile(dir, hexID)} {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		if err := os.Remove(file); err == nil {
			deleted = true
		}
	}
	return deleted
}

// Sign looks up the key object behind the handle, decrypts its material
// and signs in software.
func (s *Slot) Sign(mechanism uint64, params p11.Params, extraParams *p11.ExtraParams,
	keyHandle uint64, content []byte) ([]byte, error) {
	if err := s.AssertMechanismSupported(mechanism, p11.CKF_SIGN); err != nil {
		return nil, err
	}

	dir, id, err := s.findEntryByHandle(keyHandle)
	if err != nil {
		return nil, err
	}

	encrypted, err := os.ReadFile(valueFile(dir, hex.EncodeToString(id)))
	if err != nil {
		return nil, p11.WrapError("could not read key value", err)
	}

	if dir == s.secKeyDir {
		value, err := s.cryptor.Decrypt(encrypted)
		if err != nil {
			return nil, p11.WrapError("could not decrypt secret key", err)
		}
		defer zeroize(value)
		return signWithSecretKey(mechanism, value, content)
	}

	priv, err := s.cryptor.DecryptPrivateKey(encrypted)
	if err != nil {
		return nil, p11.WrapError("could not decrypt private key", err)
	}
	return signWithPrivateKey(mechanism, params, priv, content)
}

// DigestSecretKey digests the stored secret value.
func (s *Slot) DigestSecretKey(mechanism uint64, handle uint64) ([]byte, error) {
	if err := s.AssertMechanismSupported(mechanism, p11.CKF_DIGEST); err != nil {
		return nil, err
	}

	dir, id, err := s.findEntryByHandle(handle)
	if err != nil {
		return nil, err
	}
	if dir != s.secKeyDir {
		return nil, p11.Errorf("object with handle %d is not a secret key", handle)
	}

	encrypted, err := os.ReadFile(valueFile(dir, hex.EncodeToString(id)))
	if err != nil {
		return nil, p11.WrapError("could not read key value", err)
	}
	value, err := s.cryptor.Decrypt(encrypted)
	if err != nil {
		return nil, p11.WrapError("could not decrypt secret key", err)
	}
	defer zeroize(value)

	hashAlgo, ok := ckmHashToCryptoHash(mechanism)
	if !ok {
		return nil, p11.Errorf("unsupported digest mechanism %s", p11.MechanismName(mechanism))
	}
	digest, err := security.Hash(hashAlgo, value)
	if err != nil {
		return nil, p11.WrapError("could not digest secret key", err)
	}
	return digest, nil
}

// findEntryByHandle locates the object directory and id behind a
// deterministic handle.
func (s *Slot) findEntryByHandle(handle uint64) (string, []byte, error) {
	dirs := []string{s.privKeyDir, s.secKeyDir}
	if handle&0xFF == 1 {
		dirs = []string{s.pubKeyDir}
	}

	for _, dir := range dirs {
		names, err := listInfoFiles(dir)
		if err != nil {
			return "", nil, p11.WrapError("could not list "+dir, err)
		}
		for _, name := range names {
			id, err := keyIDFromInfoFilename(name)
			if err != nil {
				continue
			}
			entryHandle := p11.EmulatorKeyHandle(id)
			if dir == s.pubKeyDir {
				entryHandle++
			}
			if entryHandle == handle {
				return dir, id, nil
			}
		}
	}
	return "", nil, p11.Errorf("no object with handle %d", handle)
}
