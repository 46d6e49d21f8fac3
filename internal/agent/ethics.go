package agent

import (
	"context"
	"fmt"
	"time"

	xerrors "agent-matrix/internal/errors"
	"agent-matrix/internal/scorer"
	"agent-matrix/pkg/logger"
)

// ScoreThreshold 是伦理评分的固定上限，超过即拒绝。
const ScoreThreshold = 0.5

// EthicsAgent 先复核策略网关，再请求外部评分器给命令打分。
type EthicsAgent struct {
	gate         PolicyChecker
	scorer       scorer.Scorer
	scoreTimeout time.Duration
}

// EthicsOption 定义 EthicsAgent 的可选配置。
type EthicsOption func(*EthicsAgent)

// WithScoreTimeout 设置调用评分器的超时时间，非正数表示不限制。
func WithScoreTimeout(timeout time.Duration) EthicsOption {
	return func(a *EthicsAgent) {
		if timeout <= 0 {
			a.scoreTimeout = 0
			return
		}
		a.scoreTimeout = timeout
	}
}

// NewEthicsAgent 创建伦理评分 Agent。
func NewEthicsAgent(gate PolicyChecker, s scorer.Scorer, opts ...EthicsOption) *EthicsAgent {
	a := &EthicsAgent{gate: gate, scorer: s}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Name 实现 Agent。
func (a *EthicsAgent) Name() string { return "ethics" }

// Execute 网关拒绝时不会调用评分器。
func (a *EthicsAgent) Execute(ctx context.Context, command string) (string, error) {
	if a.gate == nil || a.scorer == nil {
		return "", xerrors.New(xerrors.CodeInitializationFailure, "伦理 Agent 未配置网关或评分器")
	}

	if err := a.gate.Check(ctx, command); err != nil {
		return "", xerrors.Wrap(CodePolicyRejected, err, "", xerrors.WithMetadata("agent", a.Name()))
	}

	scoreCtx := ctx
	if a.scoreTimeout > 0 {
		var cancel context.CancelFunc
		scoreCtx, cancel = context.WithTimeout(ctx, a.scoreTimeout)
		defer cancel()
	}

	score, err := a.scorer.Score(scoreCtx, command)
	if err != nil {
		return "", collaboratorError(a.Name(), err, "评分器调用失败")
	}
	if err := scorer.Validate(score); err != nil {
		return "", collaboratorError(a.Name(), err, "评分器返回无效分值")
	}
	if score > ScoreThreshold {
		logger.Audit().Info("伦理评分超过阈值", "agent", a.Name(), "score", score, "threshold", ScoreThreshold)
		return "", xerrors.New(CodeScoreExceeded,
			fmt.Sprintf("score %.2f exceeds threshold %.2f", score, ScoreThreshold),
			xerrors.WithMetadata("agent", a.Name()),
			xerrors.WithMetadata("score", fmt.Sprintf("%.4f", score)),
		)
	}
	return fmt.Sprintf("Ethically approved (score: %.2f): %s", score, command), nil
}

var _ Agent = (*EthicsAgent)(nil)
