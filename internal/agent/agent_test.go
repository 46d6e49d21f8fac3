package agent

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent-matrix/internal/compute"
	xerrors "agent-matrix/internal/errors"
	"agent-matrix/internal/policy"
)

type stubScorer struct {
	score float64
	err   error
	wait  time.Duration
	calls atomic.Int32
}

func (s *stubScorer) Score(ctx context.Context, _ string) (float64, error) {
	s.calls.Add(1)
	if s.wait > 0 {
		select {
		case <-time.After(s.wait):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	return s.score, s.err
}

func TestEthicsAgentApproves(t *testing.T) {
	sc := &stubScorer{score: 0.12}
	ag := NewEthicsAgent(policy.NewGate(nil), sc)

	out, err := ag.Execute(context.Background(), "ls")
	require.NoError(t, err)
	assert.Equal(t, "Ethically approved (score: 0.12): ls", out)
	assert.EqualValues(t, 1, sc.calls.Load())
}

func TestEthicsAgentPolicyRejectedSkipsScorer(t *testing.T) {
	sc := &stubScorer{score: 0}
	ag := NewEthicsAgent(policy.NewGate(nil), sc)

	_, err := ag.Execute(context.Background(), "bias_inducing_term: X")
	require.Error(t, err)
	assert.Equal(t, CodePolicyRejected, xerrors.CodeOf(err))
	assert.Equal(t, xerrors.KindAgent, xerrors.KindOf(err))
	assert.Equal(t, policy.RuleForbiddenTerm, policy.RuleOf(err))
	assert.Equal(t, "ethics", NameOf(err))
	assert.Zero(t, sc.calls.Load())
}

func TestEthicsAgentThreshold(t *testing.T) {
	ctx := context.Background()
	gate := policy.NewGate(nil)

	out, err := NewEthicsAgent(gate, &stubScorer{score: ScoreThreshold}).Execute(ctx, "ls")
	require.NoError(t, err)
	assert.Contains(t, out, "score: 0.50")

	_, err = NewEthicsAgent(gate, &stubScorer{score: 0.51}).Execute(ctx, "ls")
	require.Error(t, err)
	assert.Equal(t, CodeScoreExceeded, xerrors.CodeOf(err))
	assert.False(t, xerrors.RetryableError(err))
}

func TestEthicsAgentInvalidScores(t *testing.T) {
	gate := policy.NewGate(nil)
	for _, score := range []float64{math.NaN(), math.Inf(1), -0.1, 1.01} {
		_, err := NewEthicsAgent(gate, &stubScorer{score: score}).Execute(context.Background(), "ls")
		require.Error(t, err, "score %v", score)
		assert.Equal(t, CodeCollaboratorFailure, xerrors.CodeOf(err))
	}

	cause := errors.New("model unavailable")
	_, err := NewEthicsAgent(gate, &stubScorer{err: cause}).Execute(context.Background(), "ls")
	require.ErrorIs(t, err, cause)
	assert.Equal(t, CodeCollaboratorFailure, xerrors.CodeOf(err))
}

func TestEthicsAgentScoreTimeout(t *testing.T) {
	sc := &stubScorer{score: 0.1, wait: 200 * time.Millisecond}
	ag := NewEthicsAgent(policy.NewGate(nil), sc, WithScoreTimeout(10*time.Millisecond))

	_, err := ag.Execute(context.Background(), "ls")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, xerrors.CodeTimeout, xerrors.CodeOf(err))
}

func TestEthicsAgentRequiresCollaborators(t *testing.T) {
	_, err := NewEthicsAgent(nil, nil).Execute(context.Background(), "ls")
	assert.Equal(t, xerrors.CodeInitializationFailure, xerrors.CodeOf(err))
}

type stubAccelerator struct {
	err error
}

func (stubAccelerator) Name() string { return "stub" }

func (s stubAccelerator) Transform(_ context.Context, text string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return "<" + text + ">", nil
}

func TestComputeAgentPaths(t *testing.T) {
	ctx := context.Background()

	cpu := NewComputeAgent(nil)
	assert.False(t, cpu.Accelerated())
	out, err := cpu.Execute(ctx, "ls")
	require.NoError(t, err)
	assert.Equal(t, "CPU fallback processed: ls", out)

	gpu := NewComputeAgent(stubAccelerator{})
	assert.True(t, gpu.Accelerated())
	out, err = gpu.Execute(ctx, "ls")
	require.NoError(t, err)
	assert.Equal(t, "GPU processed: <ls>", out)
}

func TestComputeAgentFailureShapeMatchesAcrossPaths(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("device lost")

	_, gpuErr := NewComputeAgent(stubAccelerator{err: boom}).Execute(ctx, "ls")
	cpu := &ComputeAgent{fallback: compute.TransformFunc(func(context.Context, string) (string, error) {
		return "", boom
	})}
	_, cpuErr := cpu.Execute(ctx, "ls")

	require.Error(t, gpuErr)
	require.Error(t, cpuErr)
	assert.Equal(t, xerrors.CodeOf(gpuErr), xerrors.CodeOf(cpuErr))
	assert.Equal(t, CodeCollaboratorFailure, xerrors.CodeOf(cpuErr))
	assert.Equal(t, "compute", NameOf(gpuErr))
}
