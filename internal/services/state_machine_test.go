// internal/services/state_machine_test.go
package services

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Corphon/MysteryForgeMCP/internal/models"
)

func TestCanTransitionStagedFlow(t *testing.T) {
	steps := []struct {
		from models.SessionState
		to   models.SessionState
	}{
		{models.StateDraft, models.StatePlanning},
		{models.StatePlanning, models.StatePlanReview},
		{models.StatePlanReview, models.StateDesigning},
		{models.StateDesigning, models.StateDesignReview},
		{models.StateDesignReview, models.StateExecuting},
		{models.StateExecuting, models.StateChapterReview},
		{models.StateChapterReview, models.StateExecuting},
		{models.StateChapterReview, models.StateCompleted},
	}

	for _, step := range steps {
		assert.True(t, CanTransition(models.ModeStaged, step.from, step.to),
			"%s -> %s 应该允许", step.from, step.to)
	}
}

func TestCanTransitionRejectsSkips(t *testing.T) {
	rejected := []struct {
		from models.SessionState
		to   models.SessionState
	}{
		{models.StateDraft, models.StateDesigning},
		{models.StateDraft, models.StateExecuting},
		{models.StatePlanReview, models.StateExecuting},
		{models.StatePlanning, models.StateDesigning},
		{models.StateCompleted, models.StatePlanning},
		{models.StateChapterReview, models.StateDraft},
	}

	for _, step := range rejected {
		assert.False(t, CanTransition(models.ModeStaged, step.from, step.to),
			"%s -> %s 应该拒绝", step.from, step.to)
	}
}

func TestCanTransitionFailureSources(t *testing.T) {
	// 只有生成态可以进入 failed，审阅态不行
	assert.True(t, CanTransition(models.ModeStaged, models.StatePlanning, models.StateFailed))
	assert.True(t, CanTransition(models.ModeStaged, models.StateDesigning, models.StateFailed))
	assert.True(t, CanTransition(models.ModeStaged, models.StateExecuting, models.StateFailed))

	assert.False(t, CanTransition(models.ModeStaged, models.StateDraft, models.StateFailed))
	assert.False(t, CanTransition(models.ModeStaged, models.StatePlanReview, models.StateFailed))
	assert.False(t, CanTransition(models.ModeStaged, models.StateChapterReview, models.StateFailed))
}

func TestCanTransitionFailedRetryTargets(t *testing.T) {
	// failed 只能回到可进入 failed 的生成态
	assert.True(t, CanTransition(models.ModeStaged, models.StateFailed, models.StatePlanning))
	assert.True(t, CanTransition(models.ModeStaged, models.StateFailed, models.StateDesigning))
	assert.True(t, CanTransition(models.ModeStaged, models.StateFailed, models.StateExecuting))

	assert.False(t, CanTransition(models.ModeStaged, models.StateFailed, models.StateDraft))
	assert.False(t, CanTransition(models.ModeStaged, models.StateFailed, models.StatePlanReview))
	assert.False(t, CanTransition(models.ModeStaged, models.StateFailed, models.StateChapterReview))
	assert.False(t, CanTransition(models.ModeStaged, models.StateFailed, models.StateCompleted))
}

func TestCanTransitionVibeFlow(t *testing.T) {
	assert.True(t, CanTransition(models.ModeVibe, models.StateDraft, models.StateGenerating))
	assert.True(t, CanTransition(models.ModeVibe, models.StateGenerating, models.StateCompleted))
	assert.True(t, CanTransition(models.ModeVibe, models.StateGenerating, models.StateFailed))
	assert.True(t, CanTransition(models.ModeVibe, models.StateFailed, models.StateGenerating))

	assert.False(t, CanTransition(models.ModeVibe, models.StateDraft, models.StatePlanning))
	assert.False(t, CanTransition(models.ModeVibe, models.StateDraft, models.StateCompleted))
	assert.False(t, CanTransition(models.ModeVibe, models.StateFailed, models.StateDraft))
}

func TestTransitionUpdatesState(t *testing.T) {
	session := &models.AuthoringSession{Mode: models.ModeStaged, State: models.StateDraft}

	require.NoError(t, Transition(session, models.StatePlanning))
	assert.Equal(t, models.StatePlanning, session.State)

	err := Transition(session, models.StateCompleted)
	require.Error(t, err)
	assert.Equal(t, models.StatePlanning, session.State, "非法转移不应改变状态")
}

func TestTransitionClearsFailureInfo(t *testing.T) {
	session := &models.AuthoringSession{
		Mode:  models.ModeStaged,
		State: models.StateFailed,
		FailureInfo: &models.FailureInfo{
			Phase:          models.PhasePlan,
			Error:          "boom",
			RetryFromState: models.StatePlanning,
		},
	}

	require.NoError(t, Transition(session, models.StatePlanning))
	assert.Nil(t, session.FailureInfo)
}

func TestFailSessionRecordsFailure(t *testing.T) {
	session := &models.AuthoringSession{Mode: models.ModeStaged, State: models.StateDesigning}

	err := FailSession(session, models.PhaseOutline, errors.New("上游超时"), models.StateDesigning)
	require.NoError(t, err)

	assert.Equal(t, models.StateFailed, session.State)
	require.NotNil(t, session.FailureInfo)
	assert.Equal(t, models.PhaseOutline, session.FailureInfo.Phase)
	assert.Equal(t, "上游超时", session.FailureInfo.Error)
	assert.Equal(t, models.StateDesigning, session.FailureInfo.RetryFromState)
	assert.False(t, session.FailureInfo.FailedAt.IsZero())
}

func TestFailSessionRejectsInvalidRetryFrom(t *testing.T) {
	session := &models.AuthoringSession{Mode: models.ModeStaged, State: models.StateExecuting}

	err := FailSession(session, models.PhaseChapter, errors.New("boom"), models.StateChapterReview)
	require.Error(t, err, "审阅态不是合法的重试起点")
}
