package envelope

import (
	"encoding/hex"
	"fmt"
	"strings"

	xerrors "agent-matrix/internal/errors"
)

// 信封布局：[32 字节摘要][12 字节 nonce][AES-GCM 密文 + 16 字节认证标签]。
const (
	HashSize  = 32
	NonceSize = 12
	TagSize   = 16
	// MinSize 是空明文对应的信封长度。
	MinSize = HashSize + NonceSize + TagSize
)

const (
	CodeMalformed   xerrors.Code = "MALFORMED_ENVELOPE"
	CodeTamper      xerrors.Code = "CRYPTOGRAPHIC_TAMPER"
	CodeIntegrity   xerrors.Code = "INTEGRITY_MISMATCH"
	CodeReplayed    xerrors.Code = "ENVELOPE_REPLAYED"
	CodeInvalidKey  xerrors.Code = "INVALID_KEY"
	CodeLedgerError xerrors.Code = "NONCE_LEDGER_FAILURE"
)

func init() {
	for code, msg := range map[xerrors.Code]string{
		CodeMalformed:  "envelope is malformed",
		CodeTamper:     "envelope failed authentication",
		CodeIntegrity:  "envelope digest does not match plaintext",
		CodeReplayed:   "envelope has already been opened",
		CodeInvalidKey: "envelope key is invalid",
	} {
		xerrors.Register(code, xerrors.Attributes{
			Message:  msg,
			Kind:     xerrors.KindEnvelope,
			Severity: xerrors.SeverityCritical,
			Alert:    true,
		})
	}
	// 账本故障发生在 nonce 被消费之前，因此允许基础设施层重试。
	xerrors.Register(CodeLedgerError, xerrors.Attributes{
		Message:   "nonce ledger unavailable",
		Kind:      xerrors.KindInfrastructure,
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
}

// Envelope 是一条受保护命令的序列化形式，创建后不可修改。
type Envelope []byte

// Hash 返回明文摘要字段。
func (e Envelope) Hash() []byte {
	if len(e) < HashSize {
		return nil
	}
	return e[:HashSize]
}

// Nonce 返回 nonce 字段。
func (e Envelope) Nonce() []byte {
	if len(e) < HashSize+NonceSize {
		return nil
	}
	return e[HashSize : HashSize+NonceSize]
}

// Ciphertext 返回密文与认证标签。
func (e Envelope) Ciphertext() []byte {
	if len(e) < HashSize+NonceSize {
		return nil
	}
	return e[HashSize+NonceSize:]
}

// Hex 以十六进制文本表示信封，用于 CLI 传输。
func (e Envelope) Hex() string {
	return hex.EncodeToString(e)
}

// Clone 返回信封字节的独立副本。
func (e Envelope) Clone() Envelope {
	out := make(Envelope, len(e))
	copy(out, e)
	return out
}

// ParseHex 解析十六进制编码的信封，长度不足时返回 MALFORMED_ENVELOPE。
func ParseHex(s string) (Envelope, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, xerrors.Wrap(CodeMalformed, err, "envelope is not valid hex")
	}
	if len(raw) < MinSize {
		return nil, xerrors.New(CodeMalformed, fmt.Sprintf("envelope length %d below minimum %d", len(raw), MinSize))
	}
	return Envelope(raw), nil
}

// SizeFor 返回给定明文长度对应的信封长度。
func SizeFor(plaintextLen int) int {
	return MinSize + plaintextLen
}
