package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStageChainCoversPipeline(t *testing.T) {
	// Walking nextStage from the first stage must visit every stage in order.
	stage := Stages[0]
	visited := []string{stage}
	for {
		next, ok := NextStage(stage)
		if !ok {
			break
		}
		visited = append(visited, next)
		stage = next
	}
	assert.Equal(t, Stages, visited)

	// prevStage is the inverse of nextStage.
	for s, n := range nextStage {
		p, ok := PrevStage(n)
		require.True(t, ok, n)
		assert.Equal(t, s, p)
	}
}

func TestEveryStageHasSuccessAndProgressStates(t *testing.T) {
	for _, stage := range Stages {
		assert.True(t, ValidStage(stage))

		success, ok := SuccessState(stage)
		require.True(t, ok, stage)
		progress, ok := ProgressState(stage)
		require.True(t, ok, stage)
		assert.NotEqual(t, success, progress, stage)

		// Both the progress state and (for non-final stages) the success state
		// route events back to a stage.
		got, ok := ExpectedStage(progress)
		require.True(t, ok, progress)
		assert.Equal(t, stage, got, "progress state waits on its own stage")

		if next, hasNext := NextStage(stage); hasNext {
			got, ok = ExpectedStage(success)
			require.True(t, ok, success)
			assert.Equal(t, next, got, "success state waits on the next stage")
		} else {
			_, ok = ExpectedStage(success)
			assert.False(t, ok, "final success state accepts nothing")
		}
	}
}

func TestTerminalStates(t *testing.T) {
	for _, state := range []string{StateReported, StateFailed} {
		s := Submission{State: state}
		assert.True(t, s.Terminal(), state)
		_, ok := ExpectedStage(state)
		assert.False(t, ok, state)
	}
	for state := range expectedStage {
		s := Submission{State: state}
		assert.False(t, s.Terminal(), state)
	}
}

func TestRegisteredWaitsOnUpload(t *testing.T) {
	got, ok := ExpectedStage(StateRegistered)
	require.True(t, ok)
	assert.Equal(t, StageUpload, got)
}
