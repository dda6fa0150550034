package snapshot

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWithWorkflowMeta_MergesIntoMapPayload(t *testing.T) {
	out := WithWorkflowMeta(map[string]any{"testPayload": "hello"}, []string{"promptAgent"}, "run-1")

	m, ok := out.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "hello", m["testPayload"])

	meta, ok := m["__workflow_meta"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, []string{"promptAgent"}, meta["path"])
	require.Equal(t, "run-1", meta["runId"])
}

func TestWithWorkflowMeta_WrapsNonMapPayload(t *testing.T) {
	out := WithWorkflowMeta("just a string", []string{"a", "b"}, "run-2")

	m, ok := out.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "just a string", m["value"])
	meta, ok := m["__workflow_meta"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, []string{"a", "b"}, meta["path"])
}

func TestWithWorkflowMeta_NilPayloadOmitsValueKey(t *testing.T) {
	out := WithWorkflowMeta(nil, []string{"a"}, "run-3")

	m, ok := out.(map[string]any)
	require.True(t, ok)
	_, hasValue := m["value"]
	require.False(t, hasValue)
	require.Contains(t, m, "__workflow_meta")
}

func TestWithWorkflowMeta_DoesNotMutateOriginalMap(t *testing.T) {
	original := map[string]any{"k": "v"}
	_ = WithWorkflowMeta(original, []string{"a"}, "run-4")
	_, ok := original["__workflow_meta"]
	require.False(t, ok)
}
