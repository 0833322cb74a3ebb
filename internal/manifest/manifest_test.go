package manifest_test

import (
	"testing"

	"github.com/flowlayer/workflow/internal/manifest"
	"github.com/stretchr/testify/require"
)

const sampleManifest = `{
	"version": 1,
	"workflows": {
		"./workflows/greet": {
			"greet": {"workflowId": "wf_greet"}
		}
	},
	"steps": {
		"./workflows/greet": {
			"loadUser": {"stepId": "step_loadUser"}
		}
	}
}`

func TestLoadAcceptsWellFormedManifest(t *testing.T) {
	m, err := manifest.Load([]byte(sampleManifest))
	require.NoError(t, err)
	require.Equal(t, 1, m.Version)

	workflows := m.WorkflowNames()
	require.Contains(t, workflows, "workflow//./workflows/greet//greet")
	require.Equal(t, "wf_greet", workflows["workflow//./workflows/greet//greet"].WorkflowID)

	steps := m.StepNames()
	require.Contains(t, steps, "step//./workflows/greet//loadUser")
}

func TestLoadRejectsMissingRequiredField(t *testing.T) {
	_, err := manifest.Load([]byte(`{"version": 1, "workflows": {}}`))
	require.Error(t, err)
}

func TestLoadRejectsMalformedJSON(t *testing.T) {
	_, err := manifest.Load([]byte(`not json`))
	require.Error(t, err)
}

func TestDecodeNameRoundTripsEncodeName(t *testing.T) {
	name := manifest.EncodeName("workflow", "./workflows/greet", "greet")
	kind, moduleSpecifier, functionName, ok := manifest.DecodeName(name)
	require.True(t, ok)
	require.Equal(t, "workflow", kind)
	require.Equal(t, "./workflows/greet", moduleSpecifier)
	require.Equal(t, "greet", functionName)
}

func TestDecodeNameRejectsMalformedInput(t *testing.T) {
	_, _, _, ok := manifest.DecodeName("not-a-valid-name")
	require.False(t, ok)
}
