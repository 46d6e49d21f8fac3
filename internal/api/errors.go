package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"agent-matrix/internal/auth"
	"agent-matrix/internal/envelope"
	xerrors "agent-matrix/internal/errors"
	"agent-matrix/internal/policy"
	"agent-matrix/internal/task"
	"agent-matrix/pkg/logger"
)

// ErrorBody 是所有错误响应的 JSON 结构。
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Kind    string `json:"kind"`
	Rule    string `json:"rule,omitempty"`
}

// StatusFor 将错误映射为 HTTP 状态码：策略拒绝 422，信封错误 400（重放 409），
// 其余按基础设施错误码区分。
func StatusFor(err error) int {
	code := xerrors.CodeOf(err)
	switch code {
	case xerrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case xerrors.CodeNotFound, task.CodeTaskNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict, task.CodeTaskConflict, envelope.CodeReplayed:
		return http.StatusConflict
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case auth.CodeUnauthenticated:
		return http.StatusUnauthorized
	case auth.CodePermissionDenied:
		return http.StatusForbidden
	case xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	}
	switch xerrors.KindOf(err) {
	case xerrors.KindPolicy, xerrors.KindAgent:
		return http.StatusUnprocessableEntity
	case xerrors.KindEnvelope:
		return http.StatusBadRequest
	}
	if xerrors.RetryableError(err) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	body := ErrorBody{
		Code:    string(xerrors.CodeOf(err)),
		Message: err.Error(),
		Kind:    string(xerrors.KindOf(err)),
		Rule:    policy.RuleOf(err),
	}
	if status >= http.StatusInternalServerError {
		logger.L().Error("请求处理失败", slog.Any("error", err), slog.Int("status", status))
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
