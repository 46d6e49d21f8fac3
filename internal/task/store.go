package task

import (
	"context"

	xerrors "agent-matrix/internal/errors"
)

// Store 抽象了命令任务的持久化接口。
//
// MarkFailed 的 terminal 为 true 时任务不会再被 Claim，
// 用于信封已被打开或失败不可重试的情况。
type Store interface {
	Create(ctx context.Context, task *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	Claim(ctx context.Context, id string) (*Task, error)
	MarkSucceeded(ctx context.Context, id string, result Result) error
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error
	List(ctx context.Context, opts ListOptions) ([]*Task, error)
	Stats(ctx context.Context, opts ListOptions) (TaskStats, error)
	Close() error
}
