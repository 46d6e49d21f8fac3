package agent

import (
	"context"

	"agent-matrix/internal/compute"
)

// ComputeAgent 有加速器时把命令交给加速器变换，否则走 CPU 回退。
// 两条路径返回的结果与错误形态一致，分发器无需区分。
type ComputeAgent struct {
	accelerator compute.Accelerator
	fallback    compute.Transformer
}

// NewComputeAgent 创建计算 Agent，accelerator 为 nil 时使用 CPU 回退。
func NewComputeAgent(accelerator compute.Accelerator) *ComputeAgent {
	return &ComputeAgent{accelerator: accelerator, fallback: compute.Identity}
}

// Name 实现 Agent。
func (a *ComputeAgent) Name() string { return "compute" }

// Accelerated 报告是否使用加速器路径。
func (a *ComputeAgent) Accelerated() bool { return a.accelerator != nil }

// Execute 实现 Agent。
func (a *ComputeAgent) Execute(ctx context.Context, command string) (string, error) {
	if a.accelerator != nil {
		out, err := a.accelerator.Transform(ctx, command)
		if err != nil {
			return "", collaboratorError(a.Name(), err, "加速器变换失败")
		}
		return "GPU processed: " + out, nil
	}
	out, err := a.fallback.Transform(ctx, command)
	if err != nil {
		return "", collaboratorError(a.Name(), err, "CPU 回退变换失败")
	}
	return "CPU fallback processed: " + out, nil
}

var _ Agent = (*ComputeAgent)(nil)
