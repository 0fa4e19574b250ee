package selector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/octolabd/pkg/doctor"
	"github.com/cuemby/octolabd/pkg/runtime"
	"github.com/cuemby/octolabd/pkg/types"
)

func backends() map[types.RuntimeKind]runtime.LabRuntime {
	return map[types.RuntimeKind]runtime.LabRuntime{
		types.RuntimeNoop: runtime.NoopRuntime{},
	}
}

func TestNewFailsClosedOnUnregisteredBackend(t *testing.T) {
	_, err := New(context.Background(), types.RuntimeMicroVM, backends(), doctor.Config{})
	require.Error(t, err)
}

func TestNewSucceedsForNoop(t *testing.T) {
	s, err := New(context.Background(), types.RuntimeNoop, backends(), doctor.Config{})
	require.NoError(t, err)
	assert.Equal(t, types.RuntimeNoop, s.CurrentKind())
}

func TestSetOverrideToComposeAlwaysAllowed(t *testing.T) {
	s, err := New(context.Background(), types.RuntimeNoop, backends(), doctor.Config{})
	require.NoError(t, err)

	err = s.SetOverride(context.Background(), types.RuntimeCompose)
	require.NoError(t, err)
	assert.Equal(t, types.RuntimeCompose, s.CurrentKind())
}

func TestSetOverrideRejectsUnregisteredMicroVM(t *testing.T) {
	s, err := New(context.Background(), types.RuntimeNoop, backends(), doctor.Config{})
	require.NoError(t, err)

	err = s.SetOverride(context.Background(), types.RuntimeMicroVM)
	assert.Error(t, err)
	assert.Equal(t, types.RuntimeNoop, s.CurrentKind(), "rejected override must not change current kind")
}

func TestClearOverrideRestoresStartupKind(t *testing.T) {
	s, err := New(context.Background(), types.RuntimeNoop, backends(), doctor.Config{})
	require.NoError(t, err)

	require.NoError(t, s.SetOverride(context.Background(), types.RuntimeCompose))
	require.NoError(t, s.SetOverride(context.Background(), ""))
	assert.Equal(t, types.RuntimeNoop, s.CurrentKind())
}
