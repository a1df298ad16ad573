package chunkstream

import (
	"crypto/md5"
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"
	"strings"

	"github.com/zeebo/blake3"
)

// HashAlgorithm selects the content digest computed over a stream.
type HashAlgorithm string

const (
	HashMD5    HashAlgorithm = "md5"
	HashSHA256 HashAlgorithm = "sha256"
	HashBLAKE3 HashAlgorithm = "blake3"
)

// DefaultHashAlgorithm matches the Content-MD5 validation of blob services.
const DefaultHashAlgorithm = HashMD5

var (
	// ErrDigestNotReady is the panic value of Digest calls before End.
	ErrDigestNotReady = errors.New("chunkstream: digest requested before the stream ended")
	// ErrHashingDisabled is the panic value of Digest calls on streams without hashing.
	ErrHashingDisabled = errors.New("chunkstream: digest requested but hashing is disabled")
)

// ParseHashAlgorithm validates a configured algorithm name. Empty selects the default.
func ParseHashAlgorithm(name string) (HashAlgorithm, error) {
	switch alg := HashAlgorithm(strings.ToLower(strings.TrimSpace(name))); alg {
	case "":
		return DefaultHashAlgorithm, nil
	case HashMD5, HashSHA256, HashBLAKE3:
		return alg, nil
	default:
		return "", fmt.Errorf("unsupported hash algorithm: %s", name)
	}
}

// New returns a fresh hasher for the algorithm.
func (a HashAlgorithm) New() (hash.Hash, error) {
	switch a {
	case HashMD5, "":
		return md5.New(), nil
	case HashSHA256:
		return sha256.New(), nil
	case HashBLAKE3:
		return blake3.New(), nil
	default:
		return nil, fmt.Errorf("unsupported hash algorithm: %s", string(a))
	}
}
