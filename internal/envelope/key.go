package envelope

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/zeebo/blake3"

	xerrors "agent-matrix/internal/errors"
)

// KeySize 是 AES-256 密钥长度。
const KeySize = 32

// Key 持有对称密钥材料，生命周期结束后必须调用 Destroy。
type Key struct {
	mu        sync.RWMutex
	material  [KeySize]byte
	id        string
	destroyed bool
}

// NewKey 复制原始字节构造密钥，拒绝空密钥、长度不符或全零的密钥。
func NewKey(raw []byte) (*Key, error) {
	if len(raw) == 0 {
		return nil, xerrors.New(CodeInvalidKey, "key is empty")
	}
	if len(raw) != KeySize {
		return nil, xerrors.New(CodeInvalidKey, fmt.Sprintf("key must be %d bytes, got %d", KeySize, len(raw)))
	}
	k := &Key{}
	copy(k.material[:], raw)
	if k.isZero() {
		return nil, xerrors.New(CodeInvalidKey, "key is all zero bytes")
	}
	sum := blake3.Sum256(k.material[:])
	k.id = hex.EncodeToString(sum[:8])
	return k, nil
}

// ParseKey 解析十六进制或 base64 编码的密钥文本。
func ParseKey(text string) (*Key, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, xerrors.New(CodeInvalidKey, "key is empty")
	}
	if raw, err := hex.DecodeString(text); err == nil && len(raw) == KeySize {
		return NewKey(raw)
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if raw, err := enc.DecodeString(text); err == nil {
			return NewKey(raw)
		}
	}
	return nil, xerrors.New(CodeInvalidKey, "key must be hex or base64 encoded")
}

// ID 返回密钥指纹，用于日志与 nonce 账本分区，不泄露密钥本身。
func (k *Key) ID() string {
	if k == nil {
		return ""
	}
	return k.id
}

// Destroyed 报告密钥是否已被销毁。
func (k *Key) Destroyed() bool {
	if k == nil {
		return true
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.destroyed
}

// Destroy 将密钥材料清零，之后任何编解码都会返回 INVALID_KEY。
func (k *Key) Destroy() {
	if k == nil {
		return
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	for i := range k.material {
		k.material[i] = 0
	}
	k.destroyed = true
}

// withMaterial 在读锁下把密钥材料借给 fn，fn 不得保留该切片。
func (k *Key) withMaterial(fn func([]byte) error) error {
	if k == nil {
		return xerrors.New(CodeInvalidKey, "key is nil")
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.destroyed {
		return xerrors.New(CodeInvalidKey, "key has been destroyed")
	}
	return fn(k.material[:])
}

func (k *Key) isZero() bool {
	var acc byte
	for _, b := range k.material {
		acc |= b
	}
	return acc == 0
}

// String 避免密钥被意外打印。
func (k *Key) String() string {
	return "envelope.Key(" + k.ID() + ")"
}
