package auth

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	xerrors "agent-matrix/internal/errors"
	"agent-matrix/pkg/logger"
)

const defaultTokenTTL = 12 * time.Hour

// Claims 是签发令牌携带的声明。
type Claims struct {
	Permissions []string `json:"perms"`
	jwt.RegisteredClaims
}

// Service 负责签发和校验 API 令牌。
type Service struct {
	mode   Mode
	issuer string
	secret []byte
	ttl    time.Duration
	audit  *slog.Logger
}

// NewService 构造认证服务实例。
func NewService(cfg Config) (*Service, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(string(cfg.Mode))))
	if mode == "" {
		mode = ModeDisabled
	}
	svc := &Service{mode: mode, issuer: cfg.Issuer, ttl: cfg.TokenTTL, audit: logger.Audit()}
	if svc.ttl <= 0 {
		svc.ttl = defaultTokenTTL
	}

	switch mode {
	case ModeDisabled:
		return svc, nil
	case ModeJWT:
		if strings.TrimSpace(cfg.Secret) == "" {
			return nil, xerrors.New(xerrors.CodeInitializationFailure, "jwt 模式必须配置签名密钥")
		}
		svc.secret = []byte(cfg.Secret)
		return svc, nil
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("不支持的认证模式: %s", cfg.Mode))
	}
}

// Mode 返回当前认证模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// Issue 为 username 签发一个带权限的令牌，ttl 为 0 时使用默认有效期。
func (s *Service) Issue(username string, permissions []string, ttl time.Duration) (string, time.Time, error) {
	if s == nil || s.mode != ModeJWT {
		return "", time.Time{}, ErrDisabled
	}
	if strings.TrimSpace(username) == "" {
		return "", time.Time{}, xerrors.New(xerrors.CodeInvalidArgument, "用户名不能为空")
	}
	if ttl <= 0 {
		ttl = s.ttl
	}
	now := time.Now()
	expires := now.Add(ttl)
	claims := Claims{
		Permissions: append([]string(nil), permissions...),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "签发令牌失败")
	}
	return signed, expires, nil
}

// Verify 校验令牌签名、签发者与有效期，并返回主体信息。
func (s *Service) Verify(token string) (*Subject, error) {
	if s == nil || s.mode != ModeJWT {
		return nil, ErrDisabled
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	var claims Claims
	if _, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, opts...); err != nil {
		return nil, xerrors.Wrap(CodeUnauthenticated, err, "令牌无效")
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}
	return &Subject{Username: claims.Subject, Permissions: claims.Permissions}, nil
}

// AuthenticateRequest 解析 Authorization 头并校验其中的令牌。
func (s *Service) AuthenticateRequest(_ context.Context, authorization string) (*Subject, error) {
	if s == nil || s.mode == ModeDisabled {
		return nil, ErrDisabled
	}
	parts := strings.SplitN(strings.TrimSpace(authorization), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return nil, ErrMissingToken
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return nil, ErrMissingToken
	}
	return s.Verify(token)
}
