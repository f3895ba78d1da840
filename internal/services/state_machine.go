// internal/services/state_machine.go
package services

import (
	"fmt"
	"time"

	"github.com/Corphon/MysteryForgeMCP/internal/errors"
	"github.com/Corphon/MysteryForgeMCP/internal/models"
)

// stagedTransitions 分阶段模式的状态转移表
// 每个状态列出允许进入的下一个状态，不在表中的转移一律拒绝
// failed 不在表中单列：重试时允许回到任何以 failed 为合法目标的源状态
var stagedTransitions = map[models.SessionState][]models.SessionState{
	models.StateDraft:         {models.StatePlanning},
	models.StatePlanning:      {models.StatePlanReview, models.StateFailed},
	models.StatePlanReview:    {models.StateDesigning},
	models.StateDesigning:     {models.StateDesignReview, models.StateFailed},
	models.StateDesignReview:  {models.StateExecuting},
	models.StateExecuting:     {models.StateChapterReview, models.StateFailed},
	models.StateChapterReview: {models.StateExecuting, models.StateCompleted},
}

// vibeTransitions 一键模式的状态转移表：草稿直达生成，生成后即完成
var vibeTransitions = map[models.SessionState][]models.SessionState{
	models.StateDraft:      {models.StateGenerating},
	models.StateGenerating: {models.StateCompleted, models.StateFailed},
}

// transitionTable 按创作模式取转移表
func transitionTable(mode models.AuthoringMode) map[models.SessionState][]models.SessionState {
	if mode == models.ModeVibe {
		return vibeTransitions
	}
	return stagedTransitions
}

// CanTransition 判断在指定模式下 from → to 是否为合法转移
func CanTransition(mode models.AuthoringMode, from, to models.SessionState) bool {
	table := transitionTable(mode)
	for _, s := range table[from] {
		if s == to {
			return true
		}
	}
	// failed 重试：允许回到任何可能失败的生成态
	if from == models.StateFailed {
		for _, targets := range table[to] {
			if targets == models.StateFailed {
				return true
			}
		}
	}
	return false
}

// Transition 在会话上执行状态转移，非法转移返回冲突错误
// 进入 failed 以外的状态时清除失败信息
func Transition(session *models.AuthoringSession, to models.SessionState) error {
	if !CanTransition(session.Mode, session.State, to) {
		return errors.NewConflictError(
			fmt.Sprintf("会话 %s 无法从 %s 转移到 %s", session.ID, session.State, to), nil)
	}
	session.State = to
	if to != models.StateFailed {
		session.FailureInfo = nil
	}
	return nil
}

// FailSession 把会话置为 failed 并记录恢复点
// retryFrom 必须是 failed 状态允许回到的状态之一
func FailSession(session *models.AuthoringSession, phase models.PhaseName, err error, retryFrom models.SessionState) error {
	if !CanTransition(session.Mode, models.StateFailed, retryFrom) {
		return errors.NewProcessingError(
			fmt.Sprintf("非法的恢复状态 %s", retryFrom), nil)
	}
	session.State = models.StateFailed
	session.FailureInfo = &models.FailureInfo{
		Phase:          phase,
		Error:          err.Error(),
		FailedAt:       time.Now(),
		RetryFromState: retryFrom,
	}
	return nil
}
