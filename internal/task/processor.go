package task

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"

	xerrors "agent-matrix/internal/errors"
	"agent-matrix/internal/observability/alerting"
	"agent-matrix/internal/pipeline"
	"agent-matrix/pkg/logger"
)

// Executor 打开信封并完成分发与执行。
type Executor interface {
	Process(ctx context.Context, env []byte) (*pipeline.Outcome, error)
}

// Observer 接收任务的最终状态，用于指标统计。
type Observer interface {
	ObserveTask(status string, err error)
}

// Processor 负责从队列消费任务并交给流水线执行。
type Processor struct {
	executor    Executor
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
	observer    Observer
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// WithTaskObserver 配置任务结果观察者。
func WithTaskObserver(observer Observer) ProcessorOption {
	return func(p *Processor) {
		p.observer = observer
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(executor Executor, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start 启动任务处理循环，直到 ctx 取消。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

// handle 只在任务尚未被领取（Claim 失败）或重试任务重投失败时返回错误，
// 此时任务仍可被领取，队列延迟后重新投递是安全的。领取之后的状态回写
// 失败只记录并告警：任务已处于 running，重新投递只会被 Claim 拒绝。
func (p *Processor) handle(ctx context.Context, taskID string) error {
	if p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	task, err := p.store.Claim(ctx, taskID)
	if err != nil {
		if stdErrors.Is(err, ErrTaskNotFound) || stdErrors.Is(err, ErrTaskCompleted) ||
			stdErrors.Is(err, ErrTaskExhausted) || stdErrors.Is(err, ErrTaskConflict) {
			p.logDebug("跳过任务", slog.String("task_id", taskID), slog.String("reason", err.Error()))
			return nil
		}
		logger.L().Error("领取任务失败", slog.Any("error", err), slog.String("task_id", taskID))
		p.emitAlert(ctx, &Task{ID: taskID}, err, "claim")
		return err
	}

	outcome, execErr := p.executor.Process(ctx, task.Envelope)
	if execErr != nil {
		return p.handleExecutionFailure(ctx, task, outcome, execErr)
	}

	result := Result{}
	if outcome != nil {
		result.AgentOutput = outcome.AgentOutput
		result.RunError = outcome.RunError
		result.DurationMS = outcome.Duration.Milliseconds()
		if outcome.Run != nil {
			result.Stdout = outcome.Run.Stdout
			result.Stderr = outcome.Run.Stderr
			result.ExitStatus = outcome.Run.ExitStatus
		}
	}
	if err := p.store.MarkSucceeded(ctx, task.ID, result); err != nil {
		// 信封已被消费，不能重新投递，只能记录为终态失败。
		logger.L().Error("标记任务成功状态失败", slog.Any("error", err), slog.String("task_id", task.ID))
		if storeErr := p.store.MarkFailed(ctx, task.ID, xerrors.CodeStorageFailure, err.Error(), true); storeErr != nil {
			logger.L().Error("回写失败状态出错", slog.Any("error", storeErr), slog.String("task_id", task.ID))
			p.observe(StatusFailed, storeErr)
			p.emitAlert(ctx, task, storeErr, "persist")
			return nil
		}
		p.observe(StatusFailed, err)
		p.emitAlert(ctx, task, err, "persist")
		return nil
	}
	p.observe(StatusSucceeded, nil)
	logger.Audit().Info("命令执行成功",
		slog.String("task_id", task.ID),
		slog.Int("attempts", task.Attempts),
		slog.Int("exit_status", result.ExitStatus),
		slog.Bool("run_failed", result.RunError != ""),
	)
	return nil
}

// handleExecutionFailure 只对信封打开之前发生的基础设施错误安排重试，
// 策略、信封与 Agent 失败以及打开之后的任何失败都是终态。
func (p *Processor) handleExecutionFailure(ctx context.Context, task *Task, outcome *pipeline.Outcome, execErr error) error {
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeTaskProcessing
	}
	opened := outcome != nil && outcome.Opened
	retryable := !opened &&
		xerrors.KindOf(execErr) == xerrors.KindInfrastructure &&
		xerrors.RetryableError(execErr)
	terminal := !retryable || task.Attempts >= task.MaxRetries

	if storeErr := p.store.MarkFailed(ctx, task.ID, code, execErr.Error(), terminal); storeErr != nil {
		logger.L().Error("标记任务失败状态出错",
			slog.Any("error", storeErr),
			slog.String("task_id", task.ID),
			slog.String("cause", execErr.Error()),
		)
		p.observe(StatusFailed, storeErr)
		p.emitAlert(ctx, task, storeErr, "persist")
		return nil
	}
	logger.Audit().Warn("命令执行失败",
		slog.String("task_id", task.ID),
		slog.Bool("terminal", terminal),
		slog.Bool("opened", opened),
		slog.String("error", execErr.Error()),
		slog.String("error_code", string(code)),
		slog.String("error_kind", string(xerrors.KindOf(execErr))),
		slog.Int("attempts", task.Attempts),
		slog.Int("max_retries", task.MaxRetries),
	)

	if terminal {
		p.observe(StatusFailed, execErr)
	}

	stage := "retry"
	switch {
	case terminal && retryable:
		stage = "exhausted"
	case terminal:
		stage = "terminal"
	}
	if xerrors.ShouldAlert(execErr) || stage == "exhausted" {
		p.emitAlert(ctx, task, execErr, stage)
	}

	if !terminal {
		if pubErr := p.producer.Publish(ctx, task.ID); pubErr != nil {
			return xerrors.Wrap(CodeTaskPublish, pubErr, fmt.Sprintf("任务 %s 重投失败", task.ID))
		}
		p.logDebug("任务已重新排队", slog.String("task_id", task.ID), slog.Int("attempts", task.Attempts))
	}
	return nil
}

func (p *Processor) observe(status Status, err error) {
	if p.observer != nil {
		p.observer.ObserveTask(string(status), err)
	}
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger == nil {
		return
	}
	args := make([]any, len(attrs))
	for i, attr := range attrs {
		args[i] = attr
	}
	p.logger.Debug(msg, args...)
}

func (p *Processor) emitAlert(ctx context.Context, task *Task, cause error, stage string) {
	if p == nil || p.alerter == nil || task == nil {
		return
	}
	event := alerting.EventFromError(task.ID, cause)
	event.Attempts = task.Attempts
	event.MaxRetries = task.MaxRetries
	if event.Metadata == nil {
		event.Metadata = map[string]string{}
	}
	event.Metadata["stage"] = stage
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("task_id", task.ID),
			slog.String("stage", stage),
		)
	}
}
