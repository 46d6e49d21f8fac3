package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"agent-matrix/internal/agent"
	xerrors "agent-matrix/internal/errors"
	"agent-matrix/internal/policy"
)

// funcAgent 以函数形式实现 agent.Agent。
type funcAgent struct {
	name string
	fn   func(ctx context.Context, command string) (string, error)
}

func (f funcAgent) Name() string { return f.name }

func (f funcAgent) Execute(ctx context.Context, command string) (string, error) {
	return f.fn(ctx, command)
}

func echoAgent(name string, delay time.Duration) agent.Agent {
	return funcAgent{name: name, fn: func(ctx context.Context, command string) (string, error) {
		select {
		case <-time.After(delay):
			return name + ":" + command, nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}}
}

func failingAgent(name string, err error) agent.Agent {
	return funcAgent{name: name, fn: func(context.Context, string) (string, error) { return "", err }}
}

func blockingAgent(name string, cancelled *atomic.Bool) agent.Agent {
	return funcAgent{name: name, fn: func(ctx context.Context, _ string) (string, error) {
		<-ctx.Done()
		cancelled.Store(true)
		return "", ctx.Err()
	}}
}

func TestDispatchJoinsInSubmissionOrder(t *testing.T) {
	defer goleak.VerifyNone(t)

	// 完成顺序与提交顺序相反
	agents := []agent.Agent{
		echoAgent("a", 30*time.Millisecond),
		echoAgent("b", 15*time.Millisecond),
		echoAgent("c", 0),
	}
	out, err := New().Dispatch(context.Background(), agents, "ls")
	require.NoError(t, err)
	assert.Equal(t, "a:ls | b:ls | c:ls", out)
}

func TestDispatchReferenceAgents(t *testing.T) {
	defer goleak.VerifyNone(t)

	gate := policy.NewGate(nil)
	scorer := funcScorer(0.12)
	agents := []agent.Agent{
		agent.NewEthicsAgent(gate, scorer),
		agent.NewComputeAgent(nil),
		agent.NewEthicsAgent(gate, scorer),
	}
	out, err := New(WithConcurrencyLimit(2)).Dispatch(context.Background(), agents, "ls")
	require.NoError(t, err)
	assert.Equal(t,
		"Ethically approved (score: 0.12): ls | CPU fallback processed: ls | Ethically approved (score: 0.12): ls",
		out)
}

type funcScorer float64

func (f funcScorer) Score(context.Context, string) (float64, error) { return float64(f), nil }

func TestDispatchSingleFailureSurfaces(t *testing.T) {
	defer goleak.VerifyNone(t)

	rejected := xerrors.New(agent.CodeScoreExceeded, "too risky")
	for position := 0; position < 3; position++ {
		agents := []agent.Agent{
			echoAgent("a", 5*time.Millisecond),
			echoAgent("b", 5*time.Millisecond),
			echoAgent("c", 5*time.Millisecond),
		}
		agents[position] = failingAgent("bad", rejected)

		_, err := New().Dispatch(context.Background(), agents, "ls")
		require.Error(t, err)
		assert.Equal(t, agent.CodeScoreExceeded, xerrors.CodeOf(err))
	}
}

func TestDispatchFailsFastAndCancelsSiblings(t *testing.T) {
	defer goleak.VerifyNone(t)

	var cancelled atomic.Bool
	agents := []agent.Agent{
		blockingAgent("slow", &cancelled),
		failingAgent("bad", xerrors.New(agent.CodePolicyRejected, "")),
	}

	start := time.Now()
	_, err := New().Dispatch(context.Background(), agents, "ls")
	require.Error(t, err)
	assert.Equal(t, agent.CodePolicyRejected, xerrors.CodeOf(err))
	assert.Less(t, time.Since(start), time.Second)

	require.Eventually(t, cancelled.Load, time.Second, 5*time.Millisecond)
}

func TestDispatchConvertsPanicToAgentFault(t *testing.T) {
	defer goleak.VerifyNone(t)

	agents := []agent.Agent{
		echoAgent("ok", 0),
		funcAgent{name: "crash", fn: func(context.Context, string) (string, error) {
			var m map[string]int
			m["boom"]++
			return "", nil
		}},
	}
	_, err := New().Dispatch(context.Background(), agents, "ls")
	require.Error(t, err)
	assert.Equal(t, CodeAgentFault, xerrors.CodeOf(err))
	assert.Equal(t, xerrors.KindDispatch, xerrors.KindOf(err))
	assert.Equal(t, "crash", agent.NameOf(err))
}

// namePanicAgent 在 Name 中 panic。
type namePanicAgent struct{}

func (namePanicAgent) Name() string { panic("name lookup failed") }

func (namePanicAgent) Execute(context.Context, string) (string, error) { return "unreachable", nil }

func TestDispatchRecoversPanicInAgentName(t *testing.T) {
	defer goleak.VerifyNone(t)

	agents := []agent.Agent{echoAgent("ok", 0), namePanicAgent{}}
	_, err := New().Dispatch(context.Background(), agents, "ls")
	require.Error(t, err)
	assert.Equal(t, CodeAgentFault, xerrors.CodeOf(err))
	assert.Equal(t, "agent[1]", agent.NameOf(err))
}

func TestDispatchWrapsUnclassifiedErrors(t *testing.T) {
	defer goleak.VerifyNone(t)

	cause := errors.New("socket closed")
	_, err := New().Dispatch(context.Background(), []agent.Agent{failingAgent("net", cause)}, "ls")
	require.ErrorIs(t, err, cause)
	assert.Equal(t, agent.CodeCollaboratorFailure, xerrors.CodeOf(err))
}

func TestDispatchTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)

	var cancelled atomic.Bool
	_, err := New(WithTimeout(20*time.Millisecond)).Dispatch(context.Background(),
		[]agent.Agent{blockingAgent("slow", &cancelled)}, "ls")
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeTimeout, xerrors.CodeOf(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDispatchRejectsEmptyBatch(t *testing.T) {
	_, err := New().Dispatch(context.Background(), nil, "ls")
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))

	_, err = New().Dispatch(context.Background(), []agent.Agent{nil}, "ls")
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
}

func TestDispatchMultipleFailuresSurfacesOne(t *testing.T) {
	defer goleak.VerifyNone(t)

	first := xerrors.New(agent.CodeScoreExceeded, "")
	second := xerrors.New(agent.CodePolicyRejected, "")
	_, err := New().Dispatch(context.Background(),
		[]agent.Agent{failingAgent("one", first), failingAgent("two", second)}, "ls")
	require.Error(t, err)
	assert.Contains(t, []xerrors.Code{agent.CodeScoreExceeded, agent.CodePolicyRejected}, xerrors.CodeOf(err))
}

type recordingObserver struct {
	mu    sync.Mutex
	names []string
}

func (r *recordingObserver) AgentFinished(name string, _ time.Duration, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = append(r.names, name)
}

func TestDispatchConcurrencyLimitAndObserver(t *testing.T) {
	defer goleak.VerifyNone(t)

	var running, peak atomic.Int32
	tracked := func(name string) agent.Agent {
		return funcAgent{name: name, fn: func(context.Context, string) (string, error) {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			running.Add(-1)
			return name, nil
		}}
	}

	obs := &recordingObserver{}
	agents := []agent.Agent{tracked("a"), tracked("b"), tracked("c"), tracked("d")}
	out, err := New(WithConcurrencyLimit(2), WithObserver(obs)).Dispatch(context.Background(), agents, "ls")
	require.NoError(t, err)
	assert.Equal(t, "a | b | c | d", out)
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.ElementsMatch(t, []string{"a", "b", "c", "d"}, obs.names)
}
