package lexicon

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScoreAccumulatesAndClamps(t *testing.T) {
	s, err := New(DefaultEntries())
	require.NoError(t, err)
	ctx := context.Background()

	score, err := s.Score(ctx, "ls -la")
	require.NoError(t, err)
	assert.Zero(t, score)

	score, err = s.Score(ctx, "CURL http://example.com")
	require.NoError(t, err)
	assert.InDelta(t, 0.1, score, 1e-9)

	score, err = s.Score(ctx, "mkfs /dev/sda && rm -rf /")
	require.NoError(t, err)
	assert.Equal(t, 1.0, score)
	assert.Len(t, s.Matches("mkfs /dev/sda && rm -rf /"), 2)
}

func TestNewRejectsInvalidWeights(t *testing.T) {
	_, err := New([]Entry{{Term: "x", Weight: 1.5}})
	require.Error(t, err)
}

func TestLoadYAMLAndJSON(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "lexicon.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("- term: Deploy\n  weight: 0.3\n"), 0o600))
	jsonPath := filepath.Join(dir, "lexicon.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`[{"term":"drop table","weight":0.7}]`), 0o600))

	fromYAML, err := Load(yamlPath)
	require.NoError(t, err)
	score, err := fromYAML.Score(context.Background(), "deploy prod")
	require.NoError(t, err)
	assert.InDelta(t, 0.3, score, 1e-9)

	fromJSON, err := Load(jsonPath)
	require.NoError(t, err)
	score, err = fromJSON.Score(context.Background(), "DROP TABLE users")
	require.NoError(t, err)
	assert.InDelta(t, 0.7, score, 1e-9)

	_, err = Load("")
	require.Error(t, err)
}

func TestScoreHonoursCancellation(t *testing.T) {
	s, err := New(nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Score(ctx, "ls")
	require.ErrorIs(t, err, context.Canceled)
}
