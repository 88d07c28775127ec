package p11

import "crypto"

// Params carries mechanism parameters for sign operations, mirroring the
// CK_MECHANISM parameter union for the mechanisms this layer supports.
type Params interface {
	isParams()
}

// ByteArrayParams passes an opaque byte-array parameter to the mechanism.
type ByteArrayParams struct {
	Bytes []byte
}

func (*ByteArrayParams) isParams() {}

// RSAPKCSPssParams are the CK_RSA_PKCS_PSS_PARAMS of the RSA-PSS
// mechanisms.
type RSAPKCSPssParams struct {
	HashAlgorithm          uint64
	MaskGenerationFunction uint64
	SaltLength             int
}

func (*RSAPKCSPssParams) isParams() {}

// NewRSAPKCSPssParams derives the PSS parameters for the given hash, with
// MGF1 over the same hash and the salt length equal to the hash size.
func NewRSAPKCSPssParams(hashAlgo crypto.Hash) (*RSAPKCSPssParams, error) {
	var hashMech, mgf uint64
	switch hashAlgo {
	case crypto.SHA1:
		hashMech, mgf = CKM_SHA_1, CKG_MGF1_SHA1
	case crypto.SHA224:
		hashMech, mgf = CKM_SHA224, CKG_MGF1_SHA224
	case crypto.SHA256:
		hashMech, mgf = CKM_SHA256, CKG_MGF1_SHA256
	case crypto.SHA384:
		hashMech, mgf = CKM_SHA384, CKG_MGF1_SHA384
	case crypto.SHA512:
		hashMech, mgf = CKM_SHA512, CKG_MGF1_SHA512
	case crypto.SHA3_224:
		hashMech, mgf = CKM_SHA3_224, CKG_MGF1_SHA3_224
	case crypto.SHA3_256:
		hashMech, mgf = CKM_SHA3_256, CKG_MGF1_SHA3_256
	case crypto.SHA3_384:
		hashMech, mgf = CKM_SHA3_384, CKG_MGF1_SHA3_384
	case crypto.SHA3_512:
		hashMech, mgf = CKM_SHA3_512, CKG_MGF1_SHA3_512
	default:
		return nil, Errorf("unsupported hash algorithm %v", hashAlgo)
	}

	return &RSAPKCSPssParams{
		HashAlgorithm:          hashMech,
		MaskGenerationFunction: mgf,
		SaltLength:             hashAlgo.Size(),
	}, nil
}

// ExtraParams carries side information some drivers need beyond the
// CK_MECHANISM parameters.
type ExtraParams struct {
	// ECOrderBitSize is the bit length of the EC group order, used to
	// size the r and s halves of ECDSA signatures.
	ECOrderBitSize int
}
