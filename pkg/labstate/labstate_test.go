package labstate

import (
	"testing"

	"github.com/cuemby/octolabd/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestTransitionHappyPath(t *testing.T) {
	assert.NoError(t, Transition(types.LabStatusRequested, types.LabStatusProvisioning))
	assert.NoError(t, Transition(types.LabStatusProvisioning, types.LabStatusReady))
	assert.NoError(t, Transition(types.LabStatusReady, types.LabStatusEnding))
	assert.NoError(t, Transition(types.LabStatusEnding, types.LabStatusFinished))
}

func TestTransitionIdempotentSameValue(t *testing.T) {
	assert.NoError(t, Transition(types.LabStatusFinished, types.LabStatusFinished))
	assert.NoError(t, Transition(types.LabStatusReady, types.LabStatusReady))
}

func TestTransitionRejectsBackEdge(t *testing.T) {
	err := Transition(types.LabStatusReady, types.LabStatusRequested)
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func TestTransitionRejectsLeavingTerminal(t *testing.T) {
	err := Transition(types.LabStatusFinished, types.LabStatusReady)
	assert.ErrorIs(t, err, ErrTerminalStateFinal)

	err = Transition(types.LabStatusFailed, types.LabStatusEnding)
	assert.ErrorIs(t, err, ErrTerminalStateFinal)
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, IsTerminal(types.LabStatusFinished))
	assert.True(t, IsTerminal(types.LabStatusFailed))
	assert.False(t, IsTerminal(types.LabStatusReady))
}

func TestDegradedRoutesThroughEnding(t *testing.T) {
	assert.NoError(t, Transition(types.LabStatusReady, types.LabStatusDegraded))
	assert.NoError(t, Transition(types.LabStatusDegraded, types.LabStatusEnding))
}
