package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("API_ADDR", "")
	t.Setenv("SITEMARK_UNDO_LIMIT", "")
	t.Setenv("MINIO_SECURE", "")
	cfg := Load(filepath.Join(t.TempDir(), "missing.env"))

	assert.Equal(t, ":8787", cfg.Addr)
	assert.Equal(t, 50, cfg.UndoLimit)
	assert.Equal(t, 2*time.Minute, cfg.LeaseTTL)
	assert.False(t, cfg.MinioSecure)
	assert.True(t, cfg.PDFEnabled)
}

func TestLoadReadsEnvAndDotenv(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("SITEMARK_TEST_ONLY_KEY=from-file\nSITEMARK_LEASE_TTL_SECONDS=30\n"), 0o600))
	t.Cleanup(func() {
		os.Unsetenv("SITEMARK_TEST_ONLY_KEY")
		os.Unsetenv("SITEMARK_LEASE_TTL_SECONDS")
	})
	t.Setenv("SITEMARK_UNDO_LIMIT", "10")
	t.Setenv("MINIO_SECURE", "true")
	t.Setenv("SITEMARK_PDF_ENABLED", "nope")

	cfg := Load(envFile)
	assert.Equal(t, "from-file", os.Getenv("SITEMARK_TEST_ONLY_KEY"))
	assert.Equal(t, 30*time.Second, cfg.LeaseTTL)
	assert.Equal(t, 10, cfg.UndoLimit)
	assert.True(t, cfg.MinioSecure)
	assert.True(t, cfg.PDFEnabled, "unparseable bools fall back")
}
