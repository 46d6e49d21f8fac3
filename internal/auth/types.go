package auth

import (
	"strings"
	"time"

	xerrors "agent-matrix/internal/errors"
)

// 认证相关错误码。
const (
	CodeUnauthenticated  xerrors.Code = "AUTH_UNAUTHENTICATED"
	CodePermissionDenied xerrors.Code = "AUTH_PERMISSION_DENIED"
)

func init() {
	xerrors.Register(CodeUnauthenticated, xerrors.Attributes{
		Message:  "missing or invalid bearer token",
		Kind:     xerrors.KindInfrastructure,
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodePermissionDenied, xerrors.Attributes{
		Message:  "permission denied",
		Kind:     xerrors.KindInfrastructure,
		Severity: xerrors.SeverityWarning,
	})
}

// 认证子系统返回的公共错误。
var (
	ErrDisabled         = xerrors.New(CodeUnauthenticated, "认证未启用")
	ErrMissingToken     = xerrors.New(CodeUnauthenticated, "缺少 Bearer 令牌")
	ErrInvalidToken     = xerrors.New(CodeUnauthenticated, "令牌无效")
	ErrPermissionDenied = xerrors.New(CodePermissionDenied, "权限不足")
)

// 接口使用的权限名称。
const (
	PermCommandsSubmit   = "commands:submit"
	PermCommandsRead     = "commands:read"
	PermConstraintsWrite = "constraints:write"
)

// AllPermissions 返回运维令牌默认拥有的全部权限。
func AllPermissions() []string {
	return []string{PermCommandsSubmit, PermCommandsRead, PermConstraintsWrite}
}

// Mode 枚举支持的认证方式。
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeJWT      Mode = "jwt"
)

// Config 配置认证服务。
type Config struct {
	Mode     Mode
	Issuer   string
	Secret   string
	TokenTTL time.Duration
}

// Subject 是通过认证的调用方。
type Subject struct {
	Username    string
	Permissions []string

	permissionsSet map[string]struct{}
}

func (s *Subject) normalise() {
	if s == nil || s.permissionsSet != nil {
		return
	}
	s.permissionsSet = make(map[string]struct{}, len(s.Permissions))
	for _, perm := range s.Permissions {
		s.permissionsSet[strings.ToLower(strings.TrimSpace(perm))] = struct{}{}
	}
}

// HasPermission 判断主体是否拥有指定权限。
func (s *Subject) HasPermission(permission string) bool {
	if s == nil {
		return false
	}
	s.normalise()
	_, ok := s.permissionsSet[strings.ToLower(strings.TrimSpace(permission))]
	return ok
}

// Authorize 确认主体拥有全部所需权限。
func (s *Subject) Authorize(perms ...string) error {
	if s == nil {
		return ErrInvalidToken
	}
	for _, perm := range perms {
		if perm == "" {
			continue
		}
		if !s.HasPermission(perm) {
			return xerrors.New(CodePermissionDenied, "缺少权限 "+perm, xerrors.WithMetadata("permission", perm))
		}
	}
	return nil
}
