package pythonbridge

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeScript 用 sh 代替 python 解释器，避免测试依赖 Python 环境。
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "score.sh")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o700))
	return path
}

func TestScoreParsesStdout(t *testing.T) {
	script := writeScript(t, "cat >/dev/null\necho '{\"score\": 0.25}'\n")
	client, err := NewClient("sh", script, "")
	require.NoError(t, err)

	score, err := client.Score(context.Background(), "ls")
	require.NoError(t, err)
	assert.InDelta(t, 0.25, score, 1e-9)
}

func TestScoreReportsScriptFailure(t *testing.T) {
	script := writeScript(t, "echo 'model missing' >&2\nexit 3\n")
	client, err := NewClient("sh", script, "")
	require.NoError(t, err)

	_, err = client.Score(context.Background(), "ls")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model missing")
}

func TestScoreRequiresScoreField(t *testing.T) {
	script := writeScript(t, "cat >/dev/null\necho '{}'\n")
	client, err := NewClient("sh", script, "")
	require.NoError(t, err)

	_, err = client.Score(context.Background(), "ls")
	require.Error(t, err)
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient("", "", "")
	require.Error(t, err)
	assert.Equal(t, "/abs/score.py", ResolveScriptPath("/base", "/abs/score.py"))
	assert.Equal(t, filepath.Join("/base", "score.py"), ResolveScriptPath("/base", "score.py"))
}
