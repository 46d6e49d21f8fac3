// Package pipeline 把策略网关、信封编解码、Agent 分发与 Runner 串成一条
// 按命令顺序执行的流水线：
//
//	原始命令 → Gate → Encode → [存储/队列 或 立即传递] → Decode → Dispatch → Runner
//
// Runner 只会在网关、信封校验和全部 Agent 都成功之后被调用。
package pipeline

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"agent-matrix/internal/agent"
	"agent-matrix/internal/dispatch"
	"agent-matrix/internal/envelope"
	xerrors "agent-matrix/internal/errors"
	"agent-matrix/internal/observability/tracing"
	"agent-matrix/internal/runner"
	"agent-matrix/pkg/logger"
)

// 流水线阶段名，用于指标与追踪。
const (
	StageGate     = "gate"
	StageEncode   = "encode"
	StageDecode   = "decode"
	StageDispatch = "dispatch"
	StageRun      = "run"
)

// Gate 是流水线依赖的策略网关能力。
type Gate interface {
	Check(ctx context.Context, command string) error
}

// Codec 是流水线依赖的信封编解码能力。
type Codec interface {
	Encode(ctx context.Context, plaintext string) (envelope.Envelope, error)
	Decode(ctx context.Context, env []byte) (string, error)
}

// Dispatcher 是流水线依赖的分发能力。
type Dispatcher interface {
	Dispatch(ctx context.Context, agents []agent.Agent, command string) (string, error)
}

// StageObserver 接收每个阶段的结果。
type StageObserver interface {
	ObserveStage(stage string, err error)
}

// Outcome 汇总一次 Process 的结果。
type Outcome struct {
	// Opened 表示信封已被成功打开并消费，之后的失败不可重试。
	Opened      bool
	AgentOutput string
	Run         *runner.Result
	RunError    string
	Duration    time.Duration
}

// Pipeline 可被多个 worker 并发使用。
type Pipeline struct {
	gate       Gate
	codec      Codec
	dispatcher Dispatcher
	agents     []agent.Agent
	runner     runner.Runner
	observer   StageObserver
	tracer     trace.Tracer
}

// Option 定义流水线的可选配置。
type Option func(*Pipeline)

// WithRunner 设置执行协作方，未设置时不执行命令。
func WithRunner(r runner.Runner) Option {
	return func(p *Pipeline) {
		p.runner = r
	}
}

// WithObserver 设置阶段观察者。
func WithObserver(o StageObserver) Option {
	return func(p *Pipeline) {
		p.observer = o
	}
}

// New 创建流水线。
func New(gate Gate, codec Codec, dispatcher Dispatcher, agents []agent.Agent, opts ...Option) *Pipeline {
	p := &Pipeline{
		gate:       gate,
		codec:      codec,
		dispatcher: dispatcher,
		agents:     append([]agent.Agent(nil), agents...),
		tracer:     tracing.Tracer("pipeline"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Agents 返回参与分发的 Agent 名称。
func (p *Pipeline) Agents() []string {
	names := make([]string, 0, len(p.agents))
	for _, a := range p.agents {
		names = append(names, a.Name())
	}
	return names
}

// Seal 先经过策略网关，再封装为信封。被拒绝的命令不会被加密。
func (p *Pipeline) Seal(ctx context.Context, command string) (envelope.Envelope, error) {
	if strings.TrimSpace(command) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "command cannot be empty")
	}
	if !utf8.ValidString(command) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "command is not valid UTF-8")
	}

	if err := p.stage(ctx, StageGate, func(ctx context.Context) error {
		return p.gate.Check(ctx, command)
	}); err != nil {
		return nil, err
	}

	var env envelope.Envelope
	err := p.stage(ctx, StageEncode, func(ctx context.Context) error {
		var err error
		env, err = p.codec.Encode(ctx, command)
		return err
	})
	if err != nil {
		return nil, err
	}
	return env, nil
}

// Open 校验并解封信封。
func (p *Pipeline) Open(ctx context.Context, env []byte) (string, error) {
	var command string
	err := p.stage(ctx, StageDecode, func(ctx context.Context) error {
		var err error
		command, err = p.codec.Decode(ctx, env)
		return err
	})
	if err != nil {
		if xerrors.KindOf(err) == xerrors.KindEnvelope {
			logger.Audit().Warn("信封校验失败", "code", xerrors.CodeOf(err), "bytes", len(env))
		}
		return "", err
	}
	return command, nil
}

// Process 打开信封、分发给全部 Agent，成功后交给 Runner。
// 返回的 Outcome 始终非 nil，调用方据 Opened 判断失败是否发生在信封消费之后。
// Runner 的失败记录在 Outcome.RunError 中，不会把已成功的分发变为失败。
func (p *Pipeline) Process(ctx context.Context, env []byte) (*Outcome, error) {
	start := time.Now()
	outcome := &Outcome{}
	defer func() { outcome.Duration = time.Since(start) }()

	command, err := p.Open(ctx, env)
	if err != nil {
		return outcome, err
	}
	outcome.Opened = true

	err = p.stage(ctx, StageDispatch, func(ctx context.Context) error {
		var err error
		outcome.AgentOutput, err = p.dispatcher.Dispatch(ctx, p.agents, command)
		return err
	})
	if err != nil {
		if xerrors.CodeOf(err) == dispatch.CodeAgentFault || xerrors.KindOf(err) == xerrors.KindAgent {
			logger.Audit().Info("Agent 拒绝执行命令", "code", xerrors.CodeOf(err), "agent", agent.NameOf(err))
		}
		return outcome, err
	}

	if p.runner == nil {
		return outcome, nil
	}
	_ = p.stage(ctx, StageRun, func(ctx context.Context) error {
		res, err := p.runner.Run(ctx, command)
		outcome.Run = res
		if err != nil {
			outcome.RunError = err.Error()
			logger.Named("pipeline").Warn("Runner 执行失败", "error", err)
		}
		return err
	})
	return outcome, nil
}

// Execute 在同一进程内立即完成 Seal 与 Process。
func (p *Pipeline) Execute(ctx context.Context, command string) (*Outcome, error) {
	env, err := p.Seal(ctx, command)
	if err != nil {
		return &Outcome{}, err
	}
	return p.Process(ctx, env)
}

func (p *Pipeline) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := p.tracer.Start(ctx, "pipeline."+name)
	defer span.End()

	err := fn(ctx)
	if p.observer != nil {
		p.observer.ObserveStage(name, err)
	}
	if err != nil {
		span.SetStatus(codes.Error, string(xerrors.CodeOf(err)))
		span.SetAttributes(
			attribute.String("error.code", string(xerrors.CodeOf(err))),
			attribute.String("error.kind", string(xerrors.KindOf(err))),
		)
	}
	return err
}
