// Package dispatch 并发地把一条命令分发给一组 Agent：全部成功时按提交顺序
// 拼接结果，任何一个失败或崩溃时立即返回该失败并取消其余 Agent。
package dispatch

import (
	"context"
	stdErrors "errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"agent-matrix/internal/agent"
	xerrors "agent-matrix/internal/errors"
	"agent-matrix/pkg/logger"
)

// Delimiter 用于拼接各 Agent 的成功结果。
const Delimiter = " | "

// CodeAgentFault 表示 Agent 异常终止（panic），区别于正常的拒绝。
const CodeAgentFault xerrors.Code = "DISPATCH_AGENT_FAULT"

func init() {
	xerrors.Register(CodeAgentFault, xerrors.Attributes{
		Message:  "agent terminated abnormally",
		Kind:     xerrors.KindDispatch,
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
}

// Observer 接收每个 Agent 的执行结果，用于指标统计。
type Observer interface {
	AgentFinished(name string, elapsed time.Duration, err error)
}

// Dispatcher 负责单批次的扇出与汇总，本身无状态，可并发复用。
type Dispatcher struct {
	limit    int
	timeout  time.Duration
	observer Observer
}

// Option 定义分发器的可选配置。
type Option func(*Dispatcher)

// WithConcurrencyLimit 限制同一批次内同时运行的 Agent 数量，非正数表示不限制。
func WithConcurrencyLimit(n int) Option {
	return func(d *Dispatcher) {
		if n < 0 {
			n = 0
		}
		d.limit = n
	}
}

// WithTimeout 为整个 Dispatch 调用设置超时。
func WithTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout < 0 {
			timeout = 0
		}
		d.timeout = timeout
	}
}

// WithObserver 注册执行结果观察者。
func WithObserver(o Observer) Option {
	return func(d *Dispatcher) {
		d.observer = o
	}
}

// New 创建分发器。
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

type outcome struct {
	index  int
	output string
	err    error
}

// Dispatch 为每个 Agent 启动一个 goroutine 执行同一条命令。
//
// 只有一个 Agent 失败时必然返回该失败；多个 Agent 失败时返回最先到达的
// 那一个，具体是哪一个取决于调度，调用方不应依赖。返回后仍在运行的
// Agent 会收到已取消的 ctx，它们的结果被丢弃。
func (d *Dispatcher) Dispatch(ctx context.Context, agents []agent.Agent, command string) (string, error) {
	if len(agents) == 0 {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "dispatch batch has no agents")
	}
	for i, a := range agents {
		if a == nil {
			return "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("agent at position %d is nil", i))
		}
	}

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if d.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, d.timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	group, groupCtx := errgroup.WithContext(runCtx)
	if d.limit > 0 {
		group.SetLimit(d.limit)
	}

	// 容量等于 Agent 数量，提前返回后迟到的结果不会阻塞发送方。
	outcomes := make(chan outcome, len(agents))
	go func() {
		for i, a := range agents {
			if groupCtx.Err() != nil {
				return
			}
			group.Go(func() error {
				out, err := d.run(groupCtx, i, a, command)
				outcomes <- outcome{index: i, output: out, err: err}
				return err
			})
		}
		_ = group.Wait()
	}()

	results := make([]string, len(agents))
	for received := 0; received < len(agents); received++ {
		select {
		case o := <-outcomes:
			if o.err != nil {
				return "", o.err
			}
			results[o.index] = o.output
		case <-runCtx.Done():
			return "", contextError(runCtx.Err())
		}
	}
	return strings.Join(results, Delimiter), nil
}

// run 执行单个 Agent，把 panic（包括 Name 中的 panic）转换为
// DISPATCH_AGENT_FAULT，把未分类的错误归为协作方失败。
func (d *Dispatcher) run(ctx context.Context, index int, a agent.Agent, command string) (out string, err error) {
	name := fmt.Sprintf("agent[%d]", index)
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			logger.L().Error("Agent 异常终止", "agent", name, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			logger.Audit().Warn("Agent 异常终止", "agent", name)
			out = ""
			err = xerrors.New(CodeAgentFault, fmt.Sprintf("agent %s panicked: %v", name, r),
				xerrors.WithMetadata("agent", name))
		}
		if d.observer != nil {
			d.observer.AgentFinished(name, time.Since(start), err)
		}
	}()

	name = a.Name()
	out, err = a.Execute(ctx, command)
	if err != nil {
		if _, ok := xerrors.From(err); !ok {
			if stdErrors.Is(err, context.Canceled) || stdErrors.Is(err, context.DeadlineExceeded) {
				err = contextError(err)
			} else {
				err = xerrors.Wrap(agent.CodeCollaboratorFailure, err, "", xerrors.WithMetadata("agent", name))
			}
		}
		return "", err
	}
	return out, nil
}

func contextError(err error) error {
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return xerrors.Wrap(xerrors.CodeTimeout, err, "dispatch timed out")
	}
	return xerrors.Wrap(xerrors.CodeCanceled, err, "dispatch canceled")
}
