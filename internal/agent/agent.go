package agent

import (
	"context"
	stdErrors "errors"

	xerrors "agent-matrix/internal/errors"
)

// Agent 是分发器调度的最小工作单元。
type Agent interface {
	Name() string
	Execute(ctx context.Context, command string) (string, error)
}

// PolicyChecker 是 Agent 访问策略网关所需的最小能力，同步由网关自身负责。
type PolicyChecker interface {
	Check(ctx context.Context, command string) error
}

const (
	CodePolicyRejected      xerrors.Code = "AGENT_POLICY_REJECTED"
	CodeScoreExceeded       xerrors.Code = "AGENT_SCORE_EXCEEDED"
	CodeCollaboratorFailure xerrors.Code = "AGENT_COLLABORATOR_FAILURE"
)

func init() {
	xerrors.Register(CodePolicyRejected, xerrors.Attributes{
		Message:  "agent rejected command by policy",
		Kind:     xerrors.KindAgent,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeScoreExceeded, xerrors.Attributes{
		Message:  "agent score exceeded threshold",
		Kind:     xerrors.KindAgent,
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeCollaboratorFailure, xerrors.Attributes{
		Message:  "agent collaborator failed",
		Kind:     xerrors.KindAgent,
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
}

// collaboratorError 把协作方返回的错误归类，超时保留 TIMEOUT 错误码。
func collaboratorError(agentName string, err error, message string) error {
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return xerrors.Wrap(xerrors.CodeTimeout, err, message, xerrors.WithMetadata("agent", agentName))
	}
	if stdErrors.Is(err, context.Canceled) {
		return xerrors.Wrap(xerrors.CodeCanceled, err, message, xerrors.WithMetadata("agent", agentName))
	}
	return xerrors.Wrap(CodeCollaboratorFailure, err, message, xerrors.WithMetadata("agent", agentName))
}

// NameOf 返回错误中记录的 Agent 名称。
func NameOf(err error) string {
	if e, ok := xerrors.From(err); ok {
		return e.Metadata()["agent"]
	}
	return ""
}
