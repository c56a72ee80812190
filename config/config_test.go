package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultsAreSane(t *testing.T) {
	d := Defaults()
	require.Greater(t, d.IterationCap, 0)
	require.Greater(t, d.ParallelToolCap, 0)
	require.Equal(t, ToolSelectionAuto, d.ToolSelectionMode)
	require.Equal(t, CheckpointPerIteration, d.CheckpointFrequency)
}

func TestLoadOverridesDefaultsFromYAML(t *testing.T) {
	doc := `
defaults:
  iteration_cap: 25
  parallel_tool_cap: 8
  checkpoint_frequency: full_history
  history_reduction_policy: token_budget
  per_call_timeout: 45s
`
	p, err := Load(strings.NewReader(doc))
	require.NoError(t, err)
	require.Equal(t, 25, p.Defaults.IterationCap)
	require.Equal(t, 8, p.Defaults.ParallelToolCap)
	require.Equal(t, CheckpointFullHistory, p.Defaults.CheckpointFrequency)
	require.Equal(t, ReductionTokenBudget, p.Defaults.HistoryReductionPolicy)
	require.Equal(t, 45*time.Second, p.Defaults.PerCallTimeout)
}

func TestLoadEmptyDocumentKeepsBuiltinDefaults(t *testing.T) {
	p, err := Load(strings.NewReader(""))
	require.NoError(t, err)
	require.Equal(t, Defaults(), p.Defaults)
}

func TestResolveFallsBackToDefaultsForUnknownProfile(t *testing.T) {
	doc := `
defaults:
  iteration_cap: 10
profiles:
  strict:
    iteration_cap: 3
    terminate_on_unknown_call: true
`
	p, err := Load(strings.NewReader(doc))
	require.NoError(t, err)

	require.Equal(t, p.Defaults, p.Resolve(""))
	require.Equal(t, p.Defaults, p.Resolve("nonexistent"))

	strict := p.Resolve("strict")
	require.Equal(t, 3, strict.IterationCap)
	require.True(t, strict.TerminateOnUnknownCall)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	_, err := Load(strings.NewReader("defaults: [this is not a mapping"))
	require.Error(t, err)
}

func TestLoadFileMissingPathErrors(t *testing.T) {
	_, err := LoadFile("/nonexistent/path/profile.yaml")
	require.Error(t, err)
}
