package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditLoggerWritesToDedicatedFile(t *testing.T) {
	dir := t.TempDir()
	auditPath := filepath.Join(dir, "audit", "security.log")
	appPath := filepath.Join(dir, "app.log")

	require.NoError(t, Init(Config{
		Level:       "debug",
		OutputPaths: []string{appPath},
		Audit:       AuditConfig{Enabled: true, Path: auditPath},
	}))
	t.Cleanup(func() { _ = Sync() })

	Audit().Info("envelope rejected", "code", "CRYPTOGRAPHIC_TAMPER")
	Named("dispatch").Debug("agents started", "count", 3)
	require.NoError(t, Sync())

	audit, err := os.ReadFile(auditPath)
	require.NoError(t, err)
	assert.Contains(t, string(audit), "CRYPTOGRAPHIC_TAMPER")
	assert.Contains(t, string(audit), `"stream":"audit"`)

	app, err := os.ReadFile(appPath)
	require.NoError(t, err)
	assert.Contains(t, string(app), `"component":"dispatch"`)
	assert.NotContains(t, string(app), "CRYPTOGRAPHIC_TAMPER")
}

func TestInitRejectsEmptyAuditPath(t *testing.T) {
	err := Init(Config{Audit: AuditConfig{Enabled: true}})
	require.Error(t, err)
}
