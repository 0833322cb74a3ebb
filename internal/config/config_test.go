package config_test

import (
	"testing"

	"github.com/flowlayer/workflow/internal/config"
	"github.com/stretchr/testify/require"
)

func TestFromEnvironReadsRecognizedVariables(t *testing.T) {
	t.Setenv("WORKFLOW_LOCAL_BASE_URL", "http://localhost:3000")
	t.Setenv("WORKFLOW_TARGET_WORLD", "local")
	t.Setenv("WORKFLOW_MANIFEST_PATH", "/tmp/manifest.json")

	cfg := config.FromEnviron()
	require.Equal(t, "http://localhost:3000", cfg.LocalBaseURL)
	require.Equal(t, "local", cfg.TargetWorld)
	require.Equal(t, "/tmp/manifest.json", cfg.ManifestPath)
	require.Empty(t, cfg.VercelEnv)
}

func TestFromEnvironZeroValueWhenUnset(t *testing.T) {
	cfg := config.FromEnviron()
	require.Empty(t, cfg.TargetWorld)
}
