// Package envelope 实现命令信封的封装与校验：明文摘要 + AES-256-GCM 加密，
// 解封时先验证 AEAD 标签，再独立比对明文摘要，两者都通过才返回明文。
package envelope

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"io"
	"unicode/utf8"

	xerrors "agent-matrix/internal/errors"
)

// Codec 使用单一对称密钥封装与解封信封，可被多个 goroutine 并发使用。
type Codec struct {
	key    *Key
	digest Digest
	ledger Ledger
	random io.Reader
}

// Option 定义 Codec 的可选配置。
type Option func(*Codec)

// WithDigest 替换默认的 BLAKE3 摘要算法。
func WithDigest(d Digest) Option {
	return func(c *Codec) {
		if d != nil {
			c.digest = d
		}
	}
}

// WithLedger 指定 nonce 账本，默认使用进程内账本。
func WithLedger(l Ledger) Option {
	return func(c *Codec) {
		if l != nil {
			c.ledger = l
		}
	}
}

// WithRandom 替换 nonce 的随机源。
func WithRandom(r io.Reader) Option {
	return func(c *Codec) {
		if r != nil {
			c.random = r
		}
	}
}

// NewCodec 构建信封编解码器。
func NewCodec(key *Key, opts ...Option) (*Codec, error) {
	if key == nil || key.Destroyed() {
		return nil, xerrors.New(CodeInvalidKey, "key is missing or destroyed")
	}
	c := &Codec{
		key:    key,
		digest: DigestBLAKE3,
		ledger: NewMemoryLedger(0),
		random: rand.Reader,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// KeyID 返回当前密钥指纹。
func (c *Codec) KeyID() string {
	return c.key.ID()
}

// Digest 返回当前使用的摘要算法。
func (c *Codec) Digest() Digest {
	return c.digest
}

func (c *Codec) aead() (cipher.AEAD, error) {
	var gcm cipher.AEAD
	err := c.key.withMaterial(func(material []byte) error {
		block, err := aes.NewCipher(material)
		if err != nil {
			return xerrors.Wrap(CodeInvalidKey, err, "")
		}
		gcm, err = cipher.NewGCM(block)
		if err != nil {
			return xerrors.Wrap(CodeInvalidKey, err, "")
		}
		return nil
	})
	return gcm, err
}

// Encode 计算明文摘要，生成新的随机 nonce 并加密，按固定顺序拼接。
// 同一密钥下出现重复 nonce 时直接 panic：这是安全缺陷而不是可恢复错误。
// 非 UTF-8 明文在加密前以 INVALID_ARGUMENT 拒绝，Decode 因此不会遇到它。
func (c *Codec) Encode(ctx context.Context, plaintext string) (Envelope, error) {
	if !utf8.ValidString(plaintext) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "plaintext is not valid UTF-8")
	}
	gcm, err := c.aead()
	if err != nil {
		return nil, err
	}

	sum := c.digest.Sum([]byte(plaintext))

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(c.random, nonce); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "read nonce")
	}
	fresh, err := c.ledger.MarkSealed(ctx, c.key.ID(), nonce)
	if err != nil {
		return nil, xerrors.Wrap(CodeLedgerError, err, "")
	}
	if !fresh {
		panic(fmt.Sprintf("envelope: nonce %x reused under key %s", nonce, c.key.ID()))
	}

	out := make(Envelope, 0, SizeFor(len(plaintext)))
	out = append(out, sum[:]...)
	out = append(out, nonce...)
	out = gcm.Seal(out, nonce, []byte(plaintext), nil)
	return out, nil
}

// Decode 校验并解封信封。认证失败返回 CRYPTOGRAPHIC_TAMPER，
// 摘要不一致返回 INTEGRITY_MISMATCH，重复打开返回 ENVELOPE_REPLAYED。
// 返回的明文与调用方的字节切片不共享内存。
func (c *Codec) Decode(ctx context.Context, env []byte) (string, error) {
	if len(env) < MinSize {
		return "", xerrors.New(CodeMalformed, fmt.Sprintf("envelope length %d below minimum %d", len(env), MinSize))
	}
	gcm, err := c.aead()
	if err != nil {
		return "", err
	}

	var stored [HashSize]byte
	copy(stored[:], env[:HashSize])
	nonce := make([]byte, NonceSize)
	copy(nonce, env[HashSize:HashSize+NonceSize])

	plaintext, err := gcm.Open(nil, nonce, env[HashSize+NonceSize:], nil)
	if err != nil {
		return "", xerrors.New(CodeTamper, "")
	}

	sum := c.digest.Sum(plaintext)
	if subtle.ConstantTimeCompare(sum[:], stored[:]) != 1 {
		return "", xerrors.New(CodeIntegrity, "", xerrors.WithMetadata("digest", c.digest.Name()))
	}
	if !utf8.Valid(plaintext) {
		return "", xerrors.New(CodeMalformed, "plaintext is not valid UTF-8")
	}

	first, err := c.ledger.MarkOpened(ctx, c.key.ID(), nonce)
	if err != nil {
		return "", xerrors.Wrap(CodeLedgerError, err, "")
	}
	if !first {
		return "", xerrors.New(CodeReplayed, "")
	}
	return string(plaintext), nil
}
