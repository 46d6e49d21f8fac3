package policy

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	xerrors "agent-matrix/internal/errors"
)

func TestForbiddenTermAlwaysRejected(t *testing.T) {
	ctx := context.Background()
	for _, initial := range [][]string{nil, {}, {"toxicity_filter"}, {"unknown"}} {
		gate := NewGate(initial)
		for i := 0; i < 3; i++ {
			err := gate.Check(ctx, "bias_inducing_term: X")
			require.Error(t, err)
			assert.Equal(t, CodeViolation, xerrors.CodeOf(err))
			assert.Equal(t, xerrors.KindPolicy, xerrors.KindOf(err))
			assert.Equal(t, RuleForbiddenTerm, RuleOf(err))
		}
	}
}

func TestDisparityRuleOnlyWhenConstraintPresent(t *testing.T) {
	ctx := context.Background()
	long := strings.Repeat("a", MaxDisparityCommandLength+1)
	exact := strings.Repeat("a", MaxDisparityCommandLength)

	gate := NewGate(nil)
	require.NoError(t, gate.Check(ctx, exact))
	err := gate.Check(ctx, long)
	require.Error(t, err)
	assert.Equal(t, ConstraintDisparityAnalysis, RuleOf(err))

	require.True(t, gate.Remove(ConstraintDisparityAnalysis))
	require.NoError(t, gate.Check(ctx, long))

	require.True(t, gate.Add(ConstraintDisparityAnalysis))
	require.False(t, gate.Add(ConstraintDisparityAnalysis))
	require.Error(t, gate.Check(ctx, long))
}

func TestFirstViolationInSetOrderWins(t *testing.T) {
	failing := func(name string) Rule {
		return func(context.Context, string, ConstraintView) error { return errors.New(name) }
	}
	gate := NewGate([]string{"second", "first"},
		WithRule("first", failing("first")),
		WithRule("second", failing("second")),
	)
	assert.Equal(t, "second", RuleOf(gate.Check(context.Background(), "ls")))

	gate.Replace([]string{"first", "second"})
	assert.Equal(t, "first", RuleOf(gate.Check(context.Background(), "ls")))
}

func TestSnapshotIsCopy(t *testing.T) {
	gate := NewGate(nil)
	snap := gate.Snapshot()
	assert.Equal(t, DefaultConstraints(), snap)
	snap[0] = "mutated"
	assert.Equal(t, DefaultConstraints(), gate.Snapshot())

	gate.Apply(Disable(ConstraintBiasCheck), Enable("custom"))
	assert.Equal(t, []string{ConstraintDisparityAnalysis, ConstraintToxicityFilter, "custom"}, gate.Snapshot())
}

func TestConcurrentChecksNeverObserveTornSet(t *testing.T) {
	defer goleak.VerifyNone(t)

	// pair_a 与 pair_b 总是被同一批修改同时加入或删除，
	// 看到 pair_a 却看不到 pair_b 说明观察到了中间状态。
	torn := func(_ context.Context, _ string, view ConstraintView) error {
		if !view.Has("pair_b") {
			return errors.New("pair_a present without pair_b")
		}
		return nil
	}
	gate := NewGate([]string{}, WithRule("pair_a", torn))

	ctx := context.Background()
	var wg sync.WaitGroup
	errs := make(chan error, 100)

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				gate.Apply(Enable("pair_a"), Enable("pair_b"))
			} else {
				gate.Apply(Disable("pair_a"), Disable("pair_b"))
			}
		}(i)
	}
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := gate.Check(ctx, "ls"); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Fatalf("check observed a partial constraint set: %v", err)
	}
	snap := gate.Snapshot()
	assert.Equal(t, contains(snap, "pair_a"), contains(snap, "pair_b"))
}

func contains(list []string, name string) bool {
	for _, v := range list {
		if v == name {
			return true
		}
	}
	return false
}
