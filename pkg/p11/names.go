package p11

import (
	"fmt"
	"strconv"
	"strings"
)

// PKCS#11 constants used by this layer. Values follow the OASIS PKCS#11
// v3.0 header; the CKM_VENDOR_SM2* family is vendor-defined and only
// meaningful between the backends of this library.
const (
	// Object classes.
	CKO_PUBLIC_KEY  uint64 = 0x00000002
	CKO_PRIVATE_KEY uint64 = 0x00000003
	CKO_SECRET_KEY  uint64 = 0x00000004

	// Key types.
	CKK_RSA            uint64 = 0x00000000
	CKK_DSA            uint64 = 0x00000001
	CKK_EC             uint64 = 0x00000003
	CKK_GENERIC_SECRET uint64 = 0x00000010
	CKK_DES3           uint64 = 0x00000015
	CKK_AES            uint64 = 0x0000001F
	CKK_SHA_1_HMAC     uint64 = 0x00000028
	CKK_SHA256_HMAC    uint64 = 0x0000002B
	CKK_SHA384_HMAC    uint64 = 0x0000002C
	CKK_SHA512_HMAC    uint64 = 0x0000002D
	CKK_SHA224_HMAC    uint64 = 0x0000002E
	CKK_SHA3_224_HMAC  uint64 = 0x00000036
	CKK_SHA3_256_HMAC  uint64 = 0x00000037
	CKK_SHA3_384_HMAC  uint64 = 0x00000038
	CKK_SHA3_512_HMAC  uint64 = 0x00000039
	CKK_EC_EDWARDS     uint64 = 0x00000040
	CKK_EC_MONTGOMERY  uint64 = 0x00000041
	CKK_VENDOR_SM2     uint64 = ckVendorDefined | 0x00008001

	// User types.
	CKU_SO               uint64 = 0
	CKU_USER             uint64 = 1
	CKU_CONTEXT_SPECIFIC uint64 = 2

	// Mechanisms.
	CKM_RSA_PKCS_KEY_PAIR_GEN   uint64 = 0x00000000
	CKM_RSA_PKCS                uint64 = 0x00000001
	CKM_RSA_X_509               uint64 = 0x00000003
	CKM_SHA1_RSA_PKCS           uint64 = 0x00000006
	CKM_RSA_X9_31_KEY_PAIR_GEN  uint64 = 0x0000000A
	CKM_RSA_PKCS_PSS            uint64 = 0x0000000D
	CKM_SHA1_RSA_PKCS_PSS       uint64 = 0x0000000E
	CKM_DSA_KEY_PAIR_GEN        uint64 = 0x00000010
	CKM_DSA                     uint64 = 0x00000011
	CKM_DSA_SHA1                uint64 = 0x00000012
	CKM_DSA_SHA224              uint64 = 0x00000013
	CKM_DSA_SHA256              uint64 = 0x00000014
	CKM_DSA_SHA384              uint64 = 0x00000015
	CKM_DSA_SHA512              uint64 = 0x00000016
	CKM_DSA_SHA3_224            uint64 = 0x00000018
	CKM_DSA_SHA3_256            uint64 = 0x00000019
	CKM_DSA_SHA3_384            uint64 = 0x0000001A
	CKM_DSA_SHA3_512            uint64 = 0x0000001B
	CKM_SHA256_RSA_PKCS         uint64 = 0x00000040
	CKM_SHA384_RSA_PKCS         uint64 = 0x00000041
	CKM_SHA512_RSA_PKCS         uint64 = 0x00000042
	CKM_SHA256_RSA_PKCS_PSS     uint64 = 0x00000043
	CKM_SHA384_RSA_PKCS_PSS     uint64 = 0x00000044
	CKM_SHA512_RSA_PKCS_PSS     uint64 = 0x00000045
	CKM_SHA224_RSA_PKCS         uint64 = 0x00000046
	CKM_SHA224_RSA_PKCS_PSS     uint64 = 0x00000047
	CKM_SHA3_256_RSA_PKCS       uint64 = 0x00000060
	CKM_SHA3_384_RSA_PKCS       uint64 = 0x00000061
	CKM_SHA3_512_RSA_PKCS       uint64 = 0x00000062
	CKM_SHA3_256_RSA_PKCS_PSS   uint64 = 0x00000063
	CKM_SHA3_384_RSA_PKCS_PSS   uint64 = 0x00000064
	CKM_SHA3_512_RSA_PKCS_PSS   uint64 = 0x00000065
	CKM_SHA3_224_RSA_PKCS       uint64 = 0x00000066
	CKM_SHA3_224_RSA_PKCS_PSS   uint64 = 0x00000067
	CKM_DES3_KEY_GEN            uint64 = 0x00000131
	CKM_SHA_1                   uint64 = 0x00000220
	CKM_SHA_1_HMAC              uint64 = 0x00000221
	CKM_SHA256                  uint64 = 0x00000250
	CKM_SHA256_HMAC             uint64 = 0x00000251
	CKM_SHA224                  uint64 = 0x00000255
	CKM_SHA224_HMAC             uint64 = 0x00000256
	CKM_SHA384                  uint64 = 0x00000260
	CKM_SHA384_HMAC             uint64 = 0x00000261
	CKM_SHA512                  uint64 = 0x00000270
	CKM_SHA512_HMAC             uint64 = 0x00000271
	CKM_SHA3_256                uint64 = 0x000002B0
	CKM_SHA3_256_HMAC           uint64 = 0x000002B1
	CKM_SHA3_224                uint64 = 0x000002B5
	CKM_SHA3_224_HMAC           uint64 = 0x000002B6
	CKM_SHA3_384                uint64 = 0x000002C0
	CKM_SHA3_384_HMAC           uint64 = 0x000002C1
	CKM_SHA3_512                uint64 = 0x000002D0
	CKM_SHA3_512_HMAC           uint64 = 0x000002D1
	CKM_GENERIC_SECRET_KEY_GEN  uint64 = 0x00000350
	CKM_EC_KEY_PAIR_GEN         uint64 = 0x00001040
	CKM_ECDSA                   uint64 = 0x00001041
	CKM_ECDSA_SHA1              uint64 = 0x00001042
	CKM_ECDSA_SHA224            uint64 = 0x00001043
	CKM_ECDSA_SHA256            uint64 = 0x00001044
	CKM_ECDSA_SHA384            uint64 = 0x00001045
	CKM_ECDSA_SHA512            uint64 = 0x00001046
	CKM_ECDSA_SHA3_224          uint64 = 0x00001047
	CKM_ECDSA_SHA3_256          uint64 = 0x00001048
	CKM_ECDSA_SHA3_384          uint64 = 0x00001049
	CKM_ECDSA_SHA3_512          uint64 = 0x0000104A
	CKM_EC_EDWARDS_KEY_PAIR_GEN uint64 = 0x00001055
	CKM_EC_MONTGOMERY_KEY_PAIR_GEN uint64 = 0x00001056
	CKM_EDDSA                   uint64 = 0x00001057
	CKM_AES_KEY_GEN             uint64 = 0x00001080

	CKM_VENDOR_SM2_KEY_PAIR_GEN uint64 = ckVendorDefined | 0x00008001
	CKM_VENDOR_SM2              uint64 = ckVendorDefined | 0x00008002
	CKM_VENDOR_SM2_SM3          uint64 = ckVendorDefined | 0x00008003

	// MGF identifiers for RSA-PSS.
	CKG_MGF1_SHA1     uint64 = 0x00000001
	CKG_MGF1_SHA256   uint64 = 0x00000002
	CKG_MGF1_SHA384   uint64 = 0x00000003
	CKG_MGF1_SHA512   uint64 = 0x00000004
	CKG_MGF1_SHA224   uint64 = 0x00000005
	CKG_MGF1_SHA3_224 uint64 = 0x00000006
	CKG_MGF1_SHA3_256 uint64 = 0x00000007
	CKG_MGF1_SHA3_384 uint64 = 0x00000008
	CKG_MGF1_SHA3_512 uint64 = 0x00000009

	// Mechanism-info flag bits.
	CKF_ENCRYPT           uint64 = 0x00000100
	CKF_DECRYPT           uint64 = 0x00000200
	CKF_DIGEST            uint64 = 0x00000400
	CKF_SIGN              uint64 = 0x00000800
	CKF_VERIFY            uint64 = 0x00002000
	CKF_GENERATE          uint64 = 0x00008000
	CKF_GENERATE_KEY_PAIR uint64 = 0x00010000

	ckVendorDefined uint64 = 0x80000000
)

var mechanismNames = map[uint64]string{
	CKM_RSA_PKCS_KEY_PAIR_GEN: "CKM_RSA_PKCS_KEY_PAIR_GEN",
	CKM_RSA_PKCS:              "CKM_RSA_PKCS",
	CKM_RSA_X_509:             "CKM_RSA_X_509",
	CKM_SHA1_RSA_PKCS:         "CKM_SHA1_RSA_PKCS",
	CKM_RSA_X9_31_KEY_PAIR_GEN: "CKM_RSA_X9_31_KEY_PAIR_GEN",
	CKM_RSA_PKCS_PSS:          "CKM_RSA_PKCS_PSS",
	CKM_SHA1_RSA_PKCS_PSS:     "CKM_SHA1_RSA_PKCS_PSS",
	CKM_DSA_KEY_PAIR_GEN:      "CKM_DSA_KEY_PAIR_GEN",
	CKM_DSA:                   "CKM_DSA",
	CKM_DSA_SHA1:              "CKM_DSA_SHA1",
	CKM_DSA_SHA224:            "CKM_DSA_SHA224",
	CKM_DSA_SHA256:            "CKM_DSA_SHA256",
	CKM_DSA_SHA384:            "CKM_DSA_SHA384",
	CKM_DSA_SHA512:            "CKM_DSA_SHA512",
	CKM_DSA_SHA3_224:          "CKM_DSA_SHA3_224",
	CKM_DSA_SHA3_256:          "CKM_DSA_SHA3_256",
	CKM_DSA_SHA3_384:          "CKM_DSA_SHA3_384",
	CKM_DSA_SHA3_512:          "CKM_DSA_SHA3_512",
	CKM_SHA256_RSA_PKCS:       "CKM_SHA256_RSA_PKCS",
	CKM_SHA384_RSA_PKCS:       "CKM_SHA384_RSA_PKCS",
	CKM_SHA512_RSA_PKCS:       "CKM_SHA512_RSA_PKCS",
	CKM_SHA256_RSA_PKCS_PSS:   "CKM_SHA256_RSA_PKCS_PSS",
	CKM_SHA384_RSA_PKCS_PSS:   "CKM_SHA384_RSA_PKCS_PSS",
	CKM_SHA512_RSA_PKCS_PSS:   "CKM_SHA512_RSA_PKCS_PSS",
	CKM_SHA224_RSA_PKCS:       "CKM_SHA224_RSA_PKCS",
	CKM_SHA224_RSA_PKCS_PSS:   "CKM_SHA224_RSA_PKCS_PSS",
	CKM_SHA3_256_RSA_PKCS:     "CKM_SHA3_256_RSA_PKCS",
	CKM_SHA3_384_RSA_PKCS:     "CKM_SHA3_384_RSA_PKCS",
	CKM_SHA3_512_RSA_PKCS:     "CKM_SHA3_512_RSA_PKCS",
	CKM_SHA3_256_RSA_PKCS_PSS: "CKM_SHA3_256_RSA_PKCS_PSS",
	CKM_SHA3_384_RSA_PKCS_PSS: "CKM_SHA3_384_RSA_PKCS_PSS",
	CKM_SHA3_512_RSA_PKCS_PSS: "CKM_SHA3_512_RSA_PKCS_PSS",
	CKM_SHA3_224_RSA_PKCS:     "CKM_SHA3_224_RSA_PKCS",
	CKM_SHA3_224_RSA_PKCS_PSS: "CKM_SHA3_224_RSA_PKCS_PSS",
	CKM_DES3_KEY_GEN:          "CKM_DES3_KEY_GEN",
	CKM_SHA_1:                 "CKM_SHA_1",
	CKM_SHA_1_HMAC:            "CKM_SHA_1_HMAC",
	CKM_SHA256:                "CKM_SHA256",
	CKM_SHA256_HMAC:           "CKM_SHA256_HMAC",
	CKM_SHA224:                "CKM_SHA224",
	CKM_SHA224_HMAC:           "CKM_SHA224_HMAC",
	CKM_SHA384:                "CKM_SHA384",
	CKM_SHA384_HMAC:           "CKM_SHA384_HMAC",
	CKM_SHA512:                "CKM_SHA512",
	CKM_SHA512_HMAC:           "CKM_SHA512_HMAC",
	CKM_SHA3_256:              "CKM_SHA3_256",
	CKM_SHA3_256_HMAC:         "CKM_SHA3_256_HMAC",
	CKM_SHA3_224:              "CKM_SHA3_224",
	CKM_SHA3_224_HMAC:         "CKM_SHA3_224_HMAC",
	CKM_SHA3_384:              "CKM_SHA3_384",
	CKM_SHA3_384_HMAC:         "CKM_SHA3_384_HMAC",
	CKM_SHA3_512:              "CKM_SHA3_512",
	CKM_SHA3_512_HMAC:         "CKM_SHA3_512_HMAC",
	CKM_GENERIC_SECRET_KEY_GEN: "CKM_GENERIC_SECRET_KEY_GEN",
	CKM_EC_KEY_PAIR_GEN:       "CKM_EC_KEY_PAIR_GEN",
	CKM_ECDSA:                 "CKM_ECDSA",
	CKM_ECDSA_SHA1:            "CKM_ECDSA_SHA1",
	CKM_ECDSA_SHA224:          "CKM_ECDSA_SHA224",
	CKM_ECDSA_SHA256:          "CKM_ECDSA_SHA256",
	CKM_ECDSA_SHA384:          "CKM_ECDSA_SHA384",
	CKM_ECDSA_SHA512:          "CKM_ECDSA_SHA512",
	CKM_ECDSA_SHA3_224:        "CKM_ECDSA_SHA3_224",
	CKM_ECDSA_SHA3_256:        "CKM_ECDSA_SHA3_256",
	CKM_ECDSA_SHA3_384:        "CKM_ECDSA_SHA3_384",
	CKM_ECDSA_SHA3_512:        "CKM_ECDSA_SHA3_512",
	CKM_EC_EDWARDS_KEY_PAIR_GEN: "CKM_EC_EDWARDS_KEY_PAIR_GEN",
	CKM_EC_MONTGOMERY_KEY_PAIR_GEN: "CKM_EC_MONTGOMERY_KEY_PAIR_GEN",
	CKM_EDDSA:                 "CKM_EDDSA",
	CKM_AES_KEY_GEN:           "CKM_AES_KEY_GEN",
	CKM_VENDOR_SM2_KEY_PAIR_GEN: "CKM_VENDOR_SM2_KEY_PAIR_GEN",
	CKM_VENDOR_SM2:            "CKM_VENDOR_SM2",
	CKM_VENDOR_SM2_SM3:        "CKM_VENDOR_SM2_SM3",
}

var keyTypeNames = map[uint64]string{
	CKK_RSA:            "CKK_RSA",
	CKK_DSA:            "CKK_DSA",
	CKK_EC:             "CKK_EC",
	CKK_GENERIC_SECRET: "CKK_GENERIC_SECRET",
	CKK_DES3:           "CKK_DES3",
	CKK_AES:            "CKK_AES",
	CKK_SHA_1_HMAC:     "CKK_SHA_1_HMAC",
	CKK_SHA256_HMAC:    "CKK_SHA256_HMAC",
	CKK_SHA384_HMAC:    "CKK_SHA384_HMAC",
	CKK_SHA512_HMAC:    "CKK_SHA512_HMAC",
	CKK_SHA224_HMAC:    "CKK_SHA224_HMAC",
	CKK_SHA3_224_HMAC:  "CKK_SHA3_224_HMAC",
	CKK_SHA3_256_HMAC:  "CKK_SHA3_256_HMAC",
	CKK_SHA3_384_HMAC:  "CKK_SHA3_384_HMAC",
	CKK_SHA3_512_HMAC:  "CKK_SHA3_512_HMAC",
	CKK_EC_EDWARDS:     "CKK_EC_EDWARDS",
	CKK_EC_MONTGOMERY:  "CKK_EC_MONTGOMERY",
	CKK_VENDOR_SM2:     "CKK_VENDOR_SM2",
}

var objectClassNames = map[uint64]string{
	CKO_PUBLIC_KEY:  "CKO_PUBLIC_KEY",
	CKO_PRIVATE_KEY: "CKO_PRIVATE_KEY",
	CKO_SECRET_KEY:  "CKO_SECRET_KEY",
}

var userTypeNames = map[uint64]string{
	CKU_SO:               "CKU_SO",
	CKU_USER:             "CKU_USER",
	CKU_CONTEXT_SPECIFIC: "CKU_CONTEXT_SPECIFIC",
}

var (
	mechanismCodes   = invert(mechanismNames)
	keyTypeCodes     = invert(keyTypeNames)
	objectClassCodes = invert(objectClassNames)
	userTypeCodes    = invert(userTypeNames)
)

func invert(m map[uint64]string) map[string]uint64 {
	r := make(map[string]uint64, len(m))
	for code, name := range m {
		r[name] = code
	}
	return r
}

// MechanismName returns the CKM_* name of the code, or its hex form when
// unknown.
func MechanismName(code uint64) string {
	if name, ok := mechanismNames[code]; ok {
		return name
	}
	return fmt.Sprintf("CKM_0x%08X", code)
}

// MechanismCode resolves a CKM_* name.
func MechanismCode(name string) (uint64, bool) {
	code, ok := mechanismCodes[strings.ToUpper(strings.TrimSpace(name))]
	return code, ok
}

// KeyTypeName returns the CKK_* name of the code, or its hex form when
// unknown.
func KeyTypeName(code uint64) string {
	if name, ok := keyTypeNames[code]; ok {
		return name
	}
	return fmt.Sprintf("CKK_0x%08X", code)
}

// KeyTypeCode resolves a CKK_* name.
func KeyTypeCode(name string) (uint64, bool) {
	code, ok := keyTypeCodes[strings.ToUpper(strings.TrimSpace(name))]
	return code, ok
}

// ObjectClassName returns the CKO_* name of the code, or its hex form when
// unknown.
func ObjectClassName(code uint64) string {
	if name, ok := objectClassNames[code]; ok {
		return name
	}
	return fmt.Sprintf("CKO_0x%08X", code)
}

// UserTypeCode resolves a CKU_* name.
func UserTypeCode(name string) (uint64, bool) {
	code, ok := userTypeCodes[strings.ToUpper(strings.TrimSpace(name))]
	return code, ok
}

// parseKeyType resolves a configured key-type string: either a CKK_* name
// or a number with optional 0x prefix and L/UL suffix. The second return is
// false when the string is unparseable.
func parseKeyType(str string) (uint64, bool) {
	str = strings.TrimSpace(str)
	if strings.HasPrefix(strings.ToUpper(str), "CKK_") {
		return KeyTypeCode(str)
	}

	radix := 10
	s := strings.ToUpper(str)
	if strings.HasPrefix(s, "0X") {
		radix = 16
		s = s[2:]
	}
	if strings.HasSuffix(s, "UL") {
		s = s[:len(s)-2]
	} else if strings.HasSuffix(s, "L") {
		s = s[:len(s)-1]
	}

	v, err := strconv.ParseUint(s, radix, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
