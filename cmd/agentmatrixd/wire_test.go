package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent-matrix/internal/config"
	"agent-matrix/internal/envelope"
	xerrors "agent-matrix/internal/errors"
	"agent-matrix/internal/policy"
	"agent-matrix/internal/runner"
	"agent-matrix/internal/task"
)

func loadTestConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv(config.EnvKey, hex.EncodeToString(bytes.Repeat([]byte{7}, 32)))
	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	_, stillSet := os.LookupEnv(config.EnvKey)
	require.False(t, stillSet)
	return cfg
}

func TestBuildCoreExecutesCommand(t *testing.T) {
	cfg := loadTestConfig(t)

	c, err := buildCore(context.Background(), cfg, runner.DriverDry)
	require.NoError(t, err)
	assert.Empty(t, cfg.Key)

	outcome, err := c.pipeline.Execute(context.Background(), "ls -la")
	require.NoError(t, err)
	assert.True(t, outcome.Opened)
	assert.True(t, strings.HasPrefix(outcome.AgentOutput, "Ethically approved (score: 0.00): ls -la"), outcome.AgentOutput)

	_, err = c.pipeline.Execute(context.Background(), "bias_inducing_term")
	assert.Equal(t, policy.CodeViolation, xerrors.CodeOf(err))

	require.NoError(t, c.Close())
	assert.True(t, c.key.Destroyed())
	_, err = c.pipeline.Execute(context.Background(), "ls")
	assert.Equal(t, envelope.CodeInvalidKey, xerrors.CodeOf(err))
}

func TestBuildCoreRequiresKey(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	cfg.Key = ""

	_, err = buildCore(context.Background(), cfg, runner.DriverDry)
	assert.Equal(t, envelope.CodeInvalidKey, xerrors.CodeOf(err))
}

func TestBuildAgentsRejectsUnknownNames(t *testing.T) {
	cfg := loadTestConfig(t)
	cfg.Agents.Enabled = []string{"ethics", "oracle"}
	_, err := buildAgents(cfg.Agents, policy.NewGate(nil))
	require.Error(t, err)

	cfg.Agents.Enabled = nil
	_, err = buildAgents(cfg.Agents, policy.NewGate(nil))
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
}

func TestBuildDaemonProcessesQueuedCommand(t *testing.T) {
	cfg := loadTestConfig(t)
	cfg.Runner.Driver = runner.DriverDry
	cfg.Runtime.DataDir = t.TempDir()

	d, err := buildDaemon(context.Background(), cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.processor.Start(ctx)
	}()

	submitted, err := d.service.Submit(context.Background(), task.SubmitRequest{Command: "uptime"})
	require.NoError(t, err)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	final, err := d.service.WaitUntilCompleted(waitCtx, submitted.ID, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, task.StatusSucceeded, final.Status)

	cancel()
	<-done
	require.NoError(t, d.Close())
}

func TestOpenCommandDocumentsReplayScope(t *testing.T) {
	cmd := newOpenCommand()
	assert.Contains(t, cmd.Long, "envelope.ledger.driver=redis")
	assert.Contains(t, cmd.Long, "AGENTMATRIX_ENVELOPE_LEDGER_DRIVER=redis")

	assert.False(t, sharedLedger("memory"))
	assert.False(t, sharedLedger(""))
	assert.True(t, sharedLedger("redis"))
}

func TestOpenInSeparateProcessesSharesNoMemoryLedger(t *testing.T) {
	cfg := loadTestConfig(t)
	key := hex.EncodeToString(bytes.Repeat([]byte{7}, 32))

	first, err := buildCore(context.Background(), cfg, runner.DriverDry)
	require.NoError(t, err)
	env, err := first.pipeline.Seal(context.Background(), "ls")
	require.NoError(t, err)
	_, err = first.pipeline.Open(context.Background(), env)
	require.NoError(t, err)
	_, err = first.pipeline.Open(context.Background(), env)
	assert.Equal(t, envelope.CodeReplayed, xerrors.CodeOf(err))
	require.NoError(t, first.Close())

	// 新进程持有新的 memory 账本
	cfg.Key = key
	second, err := buildCore(context.Background(), cfg, runner.DriverDry)
	require.NoError(t, err)
	defer second.Close()
	_, err = second.pipeline.Open(context.Background(), env)
	assert.NoError(t, err)
}
