package runner

import (
	"context"
	"sync"

	"agent-matrix/pkg/logger"
)

// DryRunner 只记录命令，不真正执行。
type DryRunner struct {
	mu       sync.Mutex
	commands []string
}

// NewDry 创建 DryRunner。
func NewDry() *DryRunner {
	return &DryRunner{}
}

// Run 实现 Runner。
func (r *DryRunner) Run(ctx context.Context, command string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.commands = append(r.commands, command)
	r.mu.Unlock()
	logger.Named("runner").Info("dry-run 跳过命令执行", "bytes", len(command))
	return &Result{}, nil
}

// Commands 返回记录的命令副本。
func (r *DryRunner) Commands() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.commands))
	copy(out, r.commands)
	return out
}
