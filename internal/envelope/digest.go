package envelope

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/zeebo/blake3"
)

// Digest 计算明文的 32 字节完整性摘要。
type Digest interface {
	Name() string
	Sum(plaintext []byte) [HashSize]byte
}

type blake3Digest struct{}

func (blake3Digest) Name() string { return "blake3" }

func (blake3Digest) Sum(plaintext []byte) [HashSize]byte {
	return blake3.Sum256(plaintext)
}

type keccakDigest struct{}

func (keccakDigest) Name() string { return "keccak256" }

func (keccakDigest) Sum(plaintext []byte) [HashSize]byte {
	var out [HashSize]byte
	copy(out[:], crypto.Keccak256(plaintext))
	return out
}

var (
	// DigestBLAKE3 是默认摘要算法。
	DigestBLAKE3 Digest = blake3Digest{}
	// DigestKeccak256 与链上工具保持一致，宽度与 BLAKE3 相同。
	DigestKeccak256 Digest = keccakDigest{}
)

// DigestByName 根据配置名称选择摘要算法，空值返回默认算法。
func DigestByName(name string) (Digest, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "blake3":
		return DigestBLAKE3, nil
	case "keccak256", "keccak":
		return DigestKeccak256, nil
	default:
		return nil, fmt.Errorf("unsupported digest %q", name)
	}
}
