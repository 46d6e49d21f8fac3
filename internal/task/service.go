package task

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"agent-matrix/internal/envelope"
	xerrors "agent-matrix/internal/errors"
	"agent-matrix/pkg/logger"
)

// Sealer 在入队前完成策略检查与信封封装。
type Sealer interface {
	Seal(ctx context.Context, command string) (envelope.Envelope, error)
}

// SubmitRequest 描述一次命令提交。ID 为空时自动生成，非空时提交是幂等的。
type SubmitRequest struct {
	ID      string `json:"id,omitempty"`
	Command string `json:"command"`
}

// Service 负责任务的创建与查询。
type Service struct {
	sealer     Sealer
	store      Store
	producer   Producer
	maxRetries int
	keyID      string
}

// ServiceOption 定义 Service 的可选配置。
type ServiceOption func(*Service)

// WithKeyID 记录封装任务所用密钥的指纹，便于排查密钥不一致的问题。
func WithKeyID(id string) ServiceOption {
	return func(s *Service) {
		s.keyID = id
	}
}

// NewService 构造任务服务。maxRetries 是单个任务最多被领取的次数，
// 为 0 时取默认值 3，为负数时只尝试一次。
func NewService(sealer Sealer, store Store, producer Producer, maxRetries int, opts ...ServiceOption) *Service {
	switch {
	case maxRetries == 0:
		maxRetries = 3
	case maxRetries < 0:
		maxRetries = 1
	}
	s := &Service{sealer: sealer, store: store, producer: producer, maxRetries: maxRetries}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Submit 对命令做策略检查并封装为信封，持久化后推送到队列。
// 被策略拒绝的命令不会产生任务记录。
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Task, error) {
	if strings.TrimSpace(req.Command) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "命令不能为空")
	}
	if s.sealer == nil || s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化")
	}

	taskID := strings.TrimSpace(req.ID)
	if taskID != "" {
		task, err := s.store.Get(ctx, taskID)
		if err == nil {
			return task, nil
		}
		if !stdErrors.Is(err, ErrTaskNotFound) {
			return nil, err
		}
	} else {
		taskID = uuid.NewString()
	}

	env, err := s.sealer.Seal(ctx, req.Command)
	if err != nil {
		return nil, err
	}

	task := &Task{
		ID:         taskID,
		Envelope:   env,
		KeyID:      s.keyID,
		Status:     StatusPending,
		MaxRetries: s.maxRetries,
	}
	if err := s.store.Create(ctx, task); err != nil {
		if stdErrors.Is(err, ErrTaskConflict) {
			existing, getErr := s.store.Get(ctx, taskID)
			if getErr == nil {
				return existing, nil
			}
			if !stdErrors.Is(getErr, ErrTaskNotFound) {
				return nil, getErr
			}
		}
		return nil, err
	}
	if err := s.producer.Publish(ctx, taskID); err != nil {
		logger.L().Error("任务入队失败", slog.Any("error", err), slog.String("task_id", taskID))
		wrapped := xerrors.Wrap(CodeTaskPublish, err, "发布任务到队列失败")
		_ = s.store.MarkFailed(ctx, taskID, CodeTaskPublish, wrapped.Error(), true)
		return nil, wrapped
	}
	logger.Audit().Info("命令已封装并入队",
		slog.String("task_id", taskID),
		slog.Int("envelope_bytes", len(env)),
		slog.String("key_id", s.keyID),
		slog.Int("max_retries", task.MaxRetries),
	)
	return task.Clone(), nil
}

// Get 返回指定任务的状态。
func (s *Service) Get(ctx context.Context, id string) (*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的任务列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.List(ctx, BuildListOptions(opts))
}

// Stats 返回符合过滤条件的任务统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (TaskStats, error) {
	if s.store == nil {
		return TaskStats{}, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Stats(ctx, BuildListOptions(opts))
}

// Close 释放资源。
func (s *Service) Close() error {
	var errs []error
	if s.producer != nil {
		errs = append(errs, s.producer.Close())
	}
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	return stdErrors.Join(errs...)
}

// WaitUntilCompleted 轮询任务状态直到其到达终态或 ctx 结束。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Task, error) {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		task, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if task.Done() {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return task, ctx.Err()
		case <-ticker.C:
		}
	}
}
