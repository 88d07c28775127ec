package security

import (
	"crypto"
	_ "crypto/sha1"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"hash"
	"time"

	_ "golang.org/x/crypto/sha3"
)

// Each supported algorithm keeps a bag of this many reusable digest
// engines.
const digestParallelism = 50

const digestBorrowTimeout = 10 * time.Second

// supportedHashAlgos are the algorithms the digest bags are built for.
var supportedHashAlgos = []crypto.Hash{
	crypto.SHA1, crypto.SHA224, crypto.SHA256, crypto.SHA384, crypto.SHA512,
	crypto.SHA3_224, crypto.SHA3_256, crypto.SHA3_384, crypto.SHA3_512,
}

var mdsMap = func() map[crypto.Hash]chan hash.Hash {
	m := make(map[crypto.Hash]chan hash.Hash, len(supportedHashAlgos))
	for _, algo := range supportedHashAlgos {
		bag := make(chan hash.Hash, digestParallelism)
		for i := 0; i < digestParallelism; i++ {
			bag <- algo.New()
		}
		m[algo] = bag
	}
	return m
}()

// Hash digests the concatenation of the chunks, borrowing an engine from
// the per-algorithm bag.
func Hash(algo crypto.Hash, data ...[]byte) ([]byte, error) {
	bag, ok := mdsMap[algo]
	if !ok {
		return nil, fmt.Errorf("unknown hash algo %v", algo)
	}

	var md hash.Hash
	for i := 0; i < 3 && md == nil; i++ {
		timer := time.NewTimer(digestBorrowTimeout)
		select {
		case md = <-bag:
		case <-timer.C:
		}
		timer.Stop()
	}
	if md == nil {
		return nil, fmt.Errorf("could not get idle MessageDigest for %v", algo)
	}
	defer func() { bag <- md }()

	md.Reset()
	for _, chunk := range data {
		if len(chunk) > 0 {
			md.Write(chunk)
		}
	}
	return md.Sum(nil), nil
}

// HexHash returns the lowercase hex digest.
func HexHash(algo crypto.Hash, data ...[]byte) (string, error) {
	digest, err := Hash(algo, data...)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(digest), nil
}

// Base64Hash returns the standard base64 digest.
func Base64Hash(algo crypto.Hash, data ...[]byte) (string, error) {
	digest, err := Hash(algo, data...)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(digest), nil
}

// Sha1 digests the chunks with SHA-1.
func Sha1(data ...[]byte) ([]byte, error) {
	return Hash(crypto.SHA1, data...)
}

// HexSha1 returns the lowercase hex SHA-1 digest.
func HexSha1(data ...[]byte) (string, error) {
	return HexHash(crypto.SHA1, data...)
}

// Sha256 digests the chunks with SHA-256.
func Sha256(data ...[]byte) ([]byte, error) {
	return Hash(crypto.SHA256, data...)
}

// HexSha256 returns the lowercase hex SHA-256 digest.
func HexSha256(data ...[]byte) (string, error) {
	return HexHash(crypto.SHA256, data...)
}

// Base64Sha256 returns the base64 SHA-256 digest.
func Base64Sha256(data ...[]byte) (string, error) {
	return Base64Hash(crypto.SHA256, data...)
}
