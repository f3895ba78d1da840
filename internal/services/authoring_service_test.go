// internal/services/authoring_service_test.go
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Corphon/MysteryForgeMCP/internal/errors"
	"github.com/Corphon/MysteryForgeMCP/internal/llm"
	_ "github.com/Corphon/MysteryForgeMCP/internal/llm/providers/openai"
	"github.com/Corphon/MysteryForgeMCP/internal/models"
	"github.com/Corphon/MysteryForgeMCP/internal/storage"
)

// scriptedExecutor 可编程的测试执行器
// 默认按任务类型返回合法产出，单个任务可以注入失败
type scriptedExecutor struct {
	mu       sync.Mutex
	taskLog  []models.TaskType
	override func(taskType models.TaskType, req llm.CompletionRequest) (*llm.CompletionResponse, error)
}

func (e *scriptedExecutor) Execute(ctx context.Context, taskType models.TaskType, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	e.mu.Lock()
	e.taskLog = append(e.taskLog, taskType)
	override := e.override
	e.mu.Unlock()

	if override != nil {
		if resp, err := override(taskType, req); resp != nil || err != nil {
			return resp, err
		}
	}
	return defaultResponse(taskType, req)
}

func (e *scriptedExecutor) ProviderName() string { return "fake" }
func (e *scriptedExecutor) DefaultModel() string { return "fake-model" }

func (e *scriptedExecutor) setOverride(fn func(models.TaskType, llm.CompletionRequest) (*llm.CompletionResponse, error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.override = fn
}

func (e *scriptedExecutor) countTask(taskType models.TaskType) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, t := range e.taskLog {
		if t == taskType {
			n++
		}
	}
	return n
}

const testPlanJSON = `{
	"title": "雾港疑云",
	"world_overview": "民国雾港的一桩命案",
	"core_trick_direction": "不在场证明诡计",
	"theme_tone": "阴郁压抑",
	"era_atmosphere": "民国码头",
	"characters": [
		{"name": "陈医生", "role": "医生", "relationship_sketch": "与死者相识"},
		{"name": "林老板", "role": "商人", "relationship_sketch": "死者的债主"}
	]
}`

const testOutlineJSON = `{
	"detailed_timeline": [{"time": "20:00", "event": "停电", "involved_characters": ["player-1"]}],
	"character_relationships": [{"character_a": "player-1", "character_b": "player-2", "relationship": "旧识"}],
	"trick_mechanism": "调换时钟",
	"clue_chain_design": [{"clue_id": "clue-a", "description": "停摆的钟", "leads_to": []}],
	"branch_skeleton": [{"node_id": "node-1", "description": "是否报警", "options": ["报警"], "ending_directions": ["end-1"]}],
	"round_flow_summary": [{"round_index": 1, "focus": "铺垫", "key_events": ["停电"]}]
}`

// defaultResponse 按任务类型给出可解析的默认输出
func defaultResponse(taskType models.TaskType, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	text := ""
	switch taskType {
	case models.TaskPlanning:
		text = testPlanJSON
	case models.TaskDesign:
		text = testOutlineJSON
	case models.TaskChapterGeneration:
		switch {
		case strings.Contains(req.SystemPrompt, "游戏物料集"):
			text = `[{"id": "m1", "type": "clue_card", "content": "停摆的钟"}]`
		case strings.Contains(req.SystemPrompt, "分支结构详情"):
			text = `{"nodes": [{"id": "node-1", "vote_question": "是否报警"}], "edges": [], "endings": [{"id": "end-1", "name": "真相大白"}]}`
		case strings.Contains(req.SystemPrompt, "玩家手册"):
			text = `{"character_name": "某角色", "background_story": "背景", "primary_goal": "目标"}`
		default:
			text = `{"overview": "命案概述", "truth_reveal": "真相", "round_guides": [{"round_index": 1, "objectives": "铺垫"}]}`
		}
	case models.TaskOneShotGeneration:
		text = `{
			"title": "一键生成的剧本",
			"dm_handbook": {"overview": "概述"},
			"player_handbooks": [{"character_id": "player-1", "character_name": "陈医生"}],
			"materials": [],
			"branch_structure": {"nodes": [], "edges": [], "endings": []}
		}`
	}
	return &llm.CompletionResponse{
		Text:         text,
		PromptTokens: 100,
		OutputTokens: 200,
		TokensUsed:   300,
		ModelName:    "fake-model",
		ProviderName: "fake",
	}, nil
}

type testEnv struct {
	authoring *AuthoringService
	configs   *ConfigService
	scripts   *ScriptService
	executor  *scriptedExecutor
	configID  string
}

func newTestEnv(t *testing.T, playerCount, maxBatchSize int) *testEnv {
	t.Helper()

	fs, err := storage.NewFileStorage(t.TempDir())
	require.NoError(t, err)

	configService := NewConfigService(fs)
	scriptService := NewScriptService(fs)
	generatorService := NewGeneratorService(scriptService)
	executor := &scriptedExecutor{}

	authoring := NewAuthoringService(fs, configService, scriptService, generatorService, executor, maxBatchSize)

	config, err := configService.CreateConfig(&models.ScriptConfig{
		PlayerCount:   playerCount,
		DurationHours: 4,
		GameType:      models.GameHonkaku,
		Era:           "民国",
		Theme:         "雾港命案",
		TotalRounds:   2,
	})
	require.NoError(t, err)

	return &testEnv{
		authoring: authoring,
		configs:   configService,
		scripts:   scriptService,
		executor:  executor,
		configID:  config.ID,
	}
}

// approveUntil 连续批准章节直到状态离开 chapter_review 或达到上限
func approveUntil(t *testing.T, env *testEnv, sessionID string, maxSteps int) *models.AuthoringSession {
	t.Helper()
	var session *models.AuthoringSession
	var err error
	for i := 0; i < maxSteps; i++ {
		session, err = env.authoring.ApprovePhase(context.Background(), sessionID, models.PhaseChapter, "")
		require.NoError(t, err)
		if session.State != models.StateChapterReview {
			return session
		}
	}
	return session
}

func TestCreateSessionValidation(t *testing.T) {
	env := newTestEnv(t, 2, 8)

	_, err := env.authoring.CreateSession(env.configID, "freestyle", nil)
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation))

	_, err = env.authoring.CreateSession("no-such-config", models.ModeStaged, nil)
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))

	session, err := env.authoring.CreateSession(env.configID, models.ModeStaged, nil)
	require.NoError(t, err)
	assert.Equal(t, models.StateDraft, session.State)
	assert.NotEmpty(t, session.ID)
	assert.Nil(t, session.AiConfigMeta)
}

func TestStagedHappyPath(t *testing.T) {
	env := newTestEnv(t, 2, 8)
	ctx := context.Background()

	session, err := env.authoring.CreateSession(env.configID, models.ModeStaged, nil)
	require.NoError(t, err)

	// draft → planning → plan_review
	session, err = env.authoring.Advance(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatePlanReview, session.State)
	require.NotNil(t, session.PlanOutput)
	assert.False(t, session.PlanOutput.Approved)
	assert.NotEmpty(t, session.PlanOutput.LLMOriginal)
	require.NotNil(t, session.LastStepTokens)
	assert.Equal(t, 300, session.LastStepTokens.Total)

	// 批准企划 → designing → design_review
	session, err = env.authoring.ApprovePhase(ctx, session.ID, models.PhasePlan, "多铺垫感情线")
	require.NoError(t, err)
	assert.Equal(t, models.StateDesignReview, session.State)
	assert.True(t, session.PlanOutput.Approved)
	assert.Equal(t, "多铺垫感情线", session.PlanOutput.AuthorNotes)
	require.NotNil(t, session.OutlineOutput)

	// 批准大纲 → executing → 顺序生成 DM 手册 → chapter_review
	session, err = env.authoring.ApprovePhase(ctx, session.ID, models.PhaseOutline, "")
	require.NoError(t, err)
	assert.Equal(t, models.StateChapterReview, session.State)
	assert.Equal(t, 5, session.TotalChapters)
	assert.Equal(t, 0, session.CurrentChapterIndex)
	require.NotNil(t, session.ChapterAt(0))
	assert.Equal(t, models.ChapterDMHandbook, session.ChapterAt(0).Type)

	// 批准 DM 手册 → 并行生成两个玩家手册
	session, err = env.authoring.ApprovePhase(ctx, session.ID, models.PhaseChapter, "")
	require.NoError(t, err)
	assert.Equal(t, models.StateChapterReview, session.State)
	require.NotNil(t, session.ParallelBatch)
	assert.Equal(t, []int{1, 2}, session.ParallelBatch.ChapterIndices)
	assert.Equal(t, []int{1, 2}, session.ParallelBatch.CompletedIndices)
	assert.Empty(t, session.ParallelBatch.FailedIndices)
	assert.Equal(t, 1, session.CurrentChapterIndex)
	assert.Equal(t, "player-1", session.ChapterAt(1).CharacterID)
	assert.Equal(t, "player-2", session.ChapterAt(2).CharacterID)

	// 逐个批准完玩家手册后进入尾部批次，再批准完剩余章节直到完成
	session = approveUntil(t, env, session.ID, 10)
	assert.Equal(t, models.StateCompleted, session.State)
	require.NotEmpty(t, session.ScriptID)

	script, err := env.scripts.GetScript(session.ScriptID)
	require.NoError(t, err)
	assert.Equal(t, "雾港疑云", script.Title, "标题取自企划书")
	assert.Equal(t, models.ScriptReady, script.Status)
	assert.Len(t, script.PlayerHandbooks, 2)
	assert.Len(t, script.Materials, 1)
	assert.Equal(t, "命案概述", script.DMHandbook.Overview)
	assert.Equal(t, "fake", script.AiProvider)

	// 组装幂等：重复调用不产生新剧本
	again, err := env.authoring.AssembleScript(session.ID)
	require.NoError(t, err)
	assert.Equal(t, session.ScriptID, again.ScriptID)
}

func TestAdvanceRejectsReviewState(t *testing.T) {
	env := newTestEnv(t, 2, 8)
	ctx := context.Background()

	session, err := env.authoring.CreateSession(env.configID, models.ModeStaged, nil)
	require.NoError(t, err)

	session, err = env.authoring.Advance(ctx, session.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatePlanReview, session.State)

	_, err = env.authoring.Advance(ctx, session.ID)
	require.Error(t, err)
	assert.True(t, apperrors.IsConflict(err), "审阅态只能通过批准推进")
}

func TestEditPhaseAppendOnly(t *testing.T) {
	env := newTestEnv(t, 2, 8)
	ctx := context.Background()

	session, err := env.authoring.CreateSession(env.configID, models.ModeStaged, nil)
	require.NoError(t, err)
	session, err = env.authoring.Advance(ctx, session.ID)
	require.NoError(t, err)

	original := append(json.RawMessage(nil), session.PlanOutput.LLMOriginal...)

	edited := json.RawMessage(`{"world_overview": "改写后的世界观", "characters": []}`)
	session, err = env.authoring.EditPhase(session.ID, models.PhasePlan, edited)
	require.NoError(t, err)

	assert.JSONEq(t, string(original), string(session.PlanOutput.LLMOriginal), "原始产出永不改写")
	assert.JSONEq(t, string(edited), string(session.PlanOutput.AuthorEdited))
	assert.JSONEq(t, string(edited), string(session.PlanOutput.EffectiveContent()))
	require.Len(t, session.PlanOutput.Edits, 1)
	assert.JSONEq(t, string(original), string(session.PlanOutput.Edits[0].OriginalContent))

	// 二次编辑只追加，记录的是上一次生效的内容而非最初产出
	edited2 := json.RawMessage(`{"world_overview": "再次改写"}`)
	session, err = env.authoring.EditPhase(session.ID, models.PhasePlan, edited2)
	require.NoError(t, err)
	require.Len(t, session.PlanOutput.Edits, 2)
	assert.JSONEq(t, string(edited), string(session.PlanOutput.Edits[1].OriginalContent),
		"编辑历史构成连续的链")

	// 非法 JSON 被拒绝
	_, err = env.authoring.EditPhase(session.ID, models.PhasePlan, json.RawMessage(`{"broken"`))
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation))

	// 阶段与状态不匹配被拒绝
	_, err = env.authoring.EditPhase(session.ID, models.PhaseOutline, json.RawMessage(`{}`))
	require.Error(t, err)
	assert.True(t, apperrors.IsConflict(err))
}

func TestApprovePhaseWrongStateConflicts(t *testing.T) {
	env := newTestEnv(t, 2, 8)
	ctx := context.Background()

	session, err := env.authoring.CreateSession(env.configID, models.ModeStaged, nil)
	require.NoError(t, err)

	_, err = env.authoring.ApprovePhase(ctx, session.ID, models.PhasePlan, "")
	require.Error(t, err)
	assert.True(t, apperrors.IsConflict(err), "draft 状态没有可批准的企划")

	_, err = env.authoring.ApprovePhase(ctx, session.ID, "unknown", "")
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation))
}

func TestApproveCommitsBeforeNextPhaseFailure(t *testing.T) {
	env := newTestEnv(t, 2, 8)
	ctx := context.Background()

	session, err := env.authoring.CreateSession(env.configID, models.ModeStaged, nil)
	require.NoError(t, err)
	session, err = env.authoring.Advance(ctx, session.ID)
	require.NoError(t, err)

	env.executor.setOverride(func(taskType models.TaskType, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
		if taskType == models.TaskDesign {
			return nil, fmt.Errorf("提供商超时")
		}
		return nil, nil
	})

	session, err = env.authoring.ApprovePhase(ctx, session.ID, models.PhasePlan, "")
	require.NoError(t, err, "生成失败落在会话状态上，不作为调用错误返回")
	assert.Equal(t, models.StateFailed, session.State)
	require.NotNil(t, session.FailureInfo)
	assert.Equal(t, models.PhaseOutline, session.FailureInfo.Phase)
	assert.Equal(t, models.StateDesigning, session.FailureInfo.RetryFromState)
	assert.True(t, session.PlanOutput.Approved, "批准先提交，失败不回滚")

	// 恢复后重试：从 designing 继续，企划不重新生成
	env.executor.setOverride(nil)
	planningCalls := env.executor.countTask(models.TaskPlanning)

	session, err = env.authoring.Retry(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateDesignReview, session.State)
	assert.Nil(t, session.FailureInfo)
	require.NotNil(t, session.OutlineOutput)
	assert.Equal(t, planningCalls, env.executor.countTask(models.TaskPlanning), "重试不重复企划阶段")
}

func TestRetryRequiresFailedState(t *testing.T) {
	env := newTestEnv(t, 2, 8)

	session, err := env.authoring.CreateSession(env.configID, models.ModeStaged, nil)
	require.NoError(t, err)

	_, err = env.authoring.Retry(context.Background(), session.ID)
	require.Error(t, err)
	assert.True(t, apperrors.IsConflict(err))
}

// advanceToPlayerBatch 推进会话到玩家手册批次落定后的 chapter_review
func advanceToPlayerBatch(t *testing.T, env *testEnv) *models.AuthoringSession {
	t.Helper()
	ctx := context.Background()

	session, err := env.authoring.CreateSession(env.configID, models.ModeStaged, nil)
	require.NoError(t, err)
	session, err = env.authoring.Advance(ctx, session.ID)
	require.NoError(t, err)
	session, err = env.authoring.ApprovePhase(ctx, session.ID, models.PhasePlan, "")
	require.NoError(t, err)
	session, err = env.authoring.ApprovePhase(ctx, session.ID, models.PhaseOutline, "")
	require.NoError(t, err)
	session, err = env.authoring.ApprovePhase(ctx, session.ID, models.PhaseChapter, "")
	require.NoError(t, err)
	return session
}

func TestBatchPartialFailureHoldsForTargetedRetry(t *testing.T) {
	env := newTestEnv(t, 3, 8)
	ctx := context.Background()

	// 第2个玩家手册持续失败
	env.executor.setOverride(func(taskType models.TaskType, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
		if taskType == models.TaskChapterGeneration && strings.Contains(req.Prompt, "请生成第2个玩家手册") {
			return nil, fmt.Errorf("上游限流")
		}
		return nil, nil
	})

	session := advanceToPlayerBatch(t, env)
	require.Equal(t, models.StateChapterReview, session.State, "部分失败不拖垮批次")

	batch := session.ParallelBatch
	require.NotNil(t, batch)
	assert.Equal(t, []int{1, 3}, batch.CompletedIndices)
	assert.Equal(t, []int{2}, batch.FailedIndices)
	assert.Nil(t, session.ChapterAt(2))
	assert.Equal(t, 1, session.CurrentChapterIndex)

	// 审阅完所有已完成章节后，失败项仍挡住批次推进
	session, err := env.authoring.ApprovePhase(ctx, session.ID, models.PhaseChapter, "")
	require.NoError(t, err)
	assert.Equal(t, 3, session.CurrentChapterIndex)
	session, err = env.authoring.ApprovePhase(ctx, session.ID, models.PhaseChapter, "")
	require.NoError(t, err)
	assert.Equal(t, models.StateChapterReview, session.State)
	require.NotNil(t, session.ParallelBatch, "有失败项时批次保留，等待定向重试")

	// 定向重试只触发失败的索引
	env.executor.setOverride(nil)
	chapterCalls := env.executor.countTask(models.TaskChapterGeneration)

	session, err = env.authoring.RetryFailedChapters(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateChapterReview, session.State, "定向重试不改变会话状态")
	assert.Equal(t, chapterCalls+1, env.executor.countTask(models.TaskChapterGeneration))
	assert.Equal(t, []int{1, 2, 3}, session.ParallelBatch.CompletedIndices)
	assert.Empty(t, session.ParallelBatch.FailedIndices)
	require.NotNil(t, session.ChapterAt(2))
	assert.Equal(t, "player-2", session.ChapterAt(2).CharacterID)
}

func TestBatchInvariants(t *testing.T) {
	env := newTestEnv(t, 3, 8)

	env.executor.setOverride(func(taskType models.TaskType, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
		if taskType == models.TaskChapterGeneration && strings.Contains(req.Prompt, "请生成第3个玩家手册") {
			return nil, fmt.Errorf("上游限流")
		}
		return nil, nil
	})

	session := advanceToPlayerBatch(t, env)
	batch := session.ParallelBatch
	require.NotNil(t, batch)

	for _, idx := range batch.CompletedIndices {
		assert.NotContains(t, batch.FailedIndices, idx, "completed 与 failed 互斥")
	}
	for _, idx := range batch.ReviewedIndices {
		assert.Contains(t, batch.CompletedIndices, idx, "只能审阅已完成的章节")
	}
}

func TestBatchAllFailThenRetry(t *testing.T) {
	env := newTestEnv(t, 2, 8)
	ctx := context.Background()

	env.executor.setOverride(func(taskType models.TaskType, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
		if taskType == models.TaskChapterGeneration && strings.Contains(req.SystemPrompt, "玩家手册") {
			return nil, fmt.Errorf("提供商全部不可用")
		}
		return nil, nil
	})

	session := advanceToPlayerBatch(t, env)
	assert.Equal(t, models.StateFailed, session.State, "批次全败才算阶段失败")
	require.NotNil(t, session.FailureInfo)
	assert.Equal(t, models.StateExecuting, session.FailureInfo.RetryFromState)
	assert.Equal(t, []int{1, 2}, session.ParallelBatch.FailedIndices)

	env.executor.setOverride(nil)
	session, err := env.authoring.Retry(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateChapterReview, session.State)
	assert.Equal(t, []int{1, 2}, session.ParallelBatch.CompletedIndices)
	assert.Empty(t, session.ParallelBatch.FailedIndices)
}

func TestRetryFailedChaptersRequiresFailures(t *testing.T) {
	env := newTestEnv(t, 2, 8)

	session := advanceToPlayerBatch(t, env)
	require.Equal(t, models.StateChapterReview, session.State)

	_, err := env.authoring.RetryFailedChapters(context.Background(), session.ID)
	require.Error(t, err)
	assert.True(t, apperrors.IsConflict(err))
}

func TestMaxBatchSizeBoundsPlayerBatch(t *testing.T) {
	env := newTestEnv(t, 4, 2)

	session := advanceToPlayerBatch(t, env)
	require.NotNil(t, session.ParallelBatch)
	assert.Equal(t, []int{1, 2}, session.ParallelBatch.ChapterIndices, "批次大小受上限约束")

	// 审阅完本批后，剩余玩家手册进入下一批
	session = approveUntilBatchChanges(t, env, session.ID)
	require.NotNil(t, session.ParallelBatch)
	assert.Equal(t, []int{3, 4}, session.ParallelBatch.ChapterIndices)
}

// approveUntilBatchChanges 连续批准直到批次索引集变化
func approveUntilBatchChanges(t *testing.T, env *testEnv, sessionID string) *models.AuthoringSession {
	t.Helper()
	ctx := context.Background()

	session, err := env.authoring.GetSession(sessionID)
	require.NoError(t, err)
	before := fmt.Sprintf("%v", session.ParallelBatch.ChapterIndices)

	for i := 0; i < 10; i++ {
		session, err = env.authoring.ApprovePhase(ctx, sessionID, models.PhaseChapter, "")
		require.NoError(t, err)
		if session.ParallelBatch == nil ||
			fmt.Sprintf("%v", session.ParallelBatch.ChapterIndices) != before {
			return session
		}
	}
	t.Fatal("批次没有推进")
	return nil
}

func TestRegenerateChapterArchivesOldContent(t *testing.T) {
	env := newTestEnv(t, 2, 8)
	ctx := context.Background()

	session, err := env.authoring.CreateSession(env.configID, models.ModeStaged, nil)
	require.NoError(t, err)
	session, err = env.authoring.Advance(ctx, session.ID)
	require.NoError(t, err)
	session, err = env.authoring.ApprovePhase(ctx, session.ID, models.PhasePlan, "")
	require.NoError(t, err)
	session, err = env.authoring.ApprovePhase(ctx, session.ID, models.PhaseOutline, "")
	require.NoError(t, err)
	require.Equal(t, models.StateChapterReview, session.State)

	oldContent := append(json.RawMessage(nil), session.ChapterAt(0).Content...)

	// 非当前索引被拒绝
	_, err = env.authoring.RegenerateChapter(ctx, session.ID, 3)
	require.Error(t, err)
	assert.True(t, apperrors.IsConflict(err))

	session, err = env.authoring.RegenerateChapter(ctx, session.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, models.StateChapterReview, session.State)

	edits := session.ChapterEdits[0]
	require.Len(t, edits, 1, "旧内容归档到编辑历史")
	assert.JSONEq(t, string(oldContent), string(edits[0].OriginalContent))
	assert.JSONEq(t, string(oldContent), string(edits[0].EditedContent))
}

func TestVibeModeGeneratesInOneShot(t *testing.T) {
	env := newTestEnv(t, 2, 8)
	ctx := context.Background()

	session, err := env.authoring.CreateSession(env.configID, models.ModeVibe, nil)
	require.NoError(t, err)

	session, err = env.authoring.Advance(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateCompleted, session.State)
	require.NotEmpty(t, session.ScriptID)

	script, err := env.scripts.GetScript(session.ScriptID)
	require.NoError(t, err)
	assert.Equal(t, "一键生成的剧本", script.Title)
	assert.Len(t, script.PlayerHandbooks, 1)

	assert.Equal(t, 1, env.executor.countTask(models.TaskOneShotGeneration))
	assert.Zero(t, env.executor.countTask(models.TaskPlanning), "一键模式不走分阶段路径")
}

func TestVibeModeFailureAndRetry(t *testing.T) {
	env := newTestEnv(t, 2, 8)
	ctx := context.Background()

	env.executor.setOverride(func(taskType models.TaskType, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
		if taskType == models.TaskOneShotGeneration {
			return nil, fmt.Errorf("提供商超时")
		}
		return nil, nil
	})

	session, err := env.authoring.CreateSession(env.configID, models.ModeVibe, nil)
	require.NoError(t, err)
	session, err = env.authoring.Advance(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, session.State)
	require.NotNil(t, session.FailureInfo)
	assert.Equal(t, models.StateGenerating, session.FailureInfo.RetryFromState)

	env.executor.setOverride(nil)
	session, err = env.authoring.Retry(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateCompleted, session.State)
	assert.NotEmpty(t, session.ScriptID)
}

func TestListSessionsFilters(t *testing.T) {
	env := newTestEnv(t, 2, 8)
	ctx := context.Background()

	staged, err := env.authoring.CreateSession(env.configID, models.ModeStaged, nil)
	require.NoError(t, err)
	_, err = env.authoring.CreateSession(env.configID, models.ModeVibe, nil)
	require.NoError(t, err)
	_, err = env.authoring.Advance(ctx, staged.ID)
	require.NoError(t, err)

	all, err := env.authoring.ListSessions(models.SessionFilters{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	drafts, err := env.authoring.ListSessions(models.SessionFilters{State: models.StateDraft})
	require.NoError(t, err)
	require.Len(t, drafts, 1)
	assert.Equal(t, models.ModeVibe, drafts[0].Mode)

	vibes, err := env.authoring.ListSessions(models.SessionFilters{Mode: models.ModeVibe})
	require.NoError(t, err)
	assert.Len(t, vibes, 1)

	limited, err := env.authoring.ListSessions(models.SessionFilters{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	offset, err := env.authoring.ListSessions(models.SessionFilters{Offset: 5})
	require.NoError(t, err)
	assert.Empty(t, offset)
}

func TestEphemeralKeyNeverPersisted(t *testing.T) {
	env := newTestEnv(t, 2, 8)

	session, err := env.authoring.CreateSession(env.configID, models.ModeStaged, &models.EphemeralAiConfig{
		Provider: "openai",
		APIKey:   "sk-super-secret",
	})
	require.NoError(t, err)
	require.NotNil(t, session.AiConfigMeta)
	assert.Equal(t, "openai", session.AiConfigMeta.Provider)

	// 会话落盘内容不含密钥
	raw, err := json.Marshal(session)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "sk-super-secret")

	loaded, err := env.authoring.GetSession(session.ID)
	require.NoError(t, err)
	rawLoaded, err := json.Marshal(loaded)
	require.NoError(t, err)
	assert.NotContains(t, string(rawLoaded), "sk-super-secret")
}

// stubPinProvider 注册进路由层的测试提供商，连通性验证不发起真实请求
type stubPinProvider struct {
	config map[string]string
}

func (p *stubPinProvider) Initialize(config map[string]string) error {
	p.config = config
	return nil
}

func (p *stubPinProvider) GetName() string         { return "stub-pin" }
func (p *stubPinProvider) GetDefaultModel() string { return "stub-model" }

func (p *stubPinProvider) CompleteText(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return &llm.CompletionResponse{
		Text:         "ok",
		ProviderName: "stub-pin",
		ModelName:    "stub-model",
	}, nil
}

func init() {
	llm.Register("stub-pin", func() llm.Provider { return &stubPinProvider{} })
}

func TestConcurrentAiConfigUpdateSurvivesGeneration(t *testing.T) {
	env := newTestEnv(t, 2, 8)
	ctx := context.Background()

	session, err := env.authoring.CreateSession(env.configID, models.ModeStaged, nil)
	require.NoError(t, err)

	// 企划生成卡在 LLM 调用上，期间更换 AI 配置
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	env.executor.setOverride(func(taskType models.TaskType, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
		if taskType == models.TaskPlanning {
			once.Do(func() { close(started) })
			<-release
		}
		return nil, nil
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, advErr := env.authoring.Advance(ctx, session.ID)
		assert.NoError(t, advErr)
	}()

	<-started
	_, err = env.authoring.UpdateAiConfig(ctx, session.ID, models.EphemeralAiConfig{
		Provider: "stub-pin",
		APIKey:   "sk-pin",
	})
	require.NoError(t, err)

	close(release)
	<-done

	// 生成落定不得覆盖期间提交的配置变更
	loaded, err := env.authoring.GetSession(session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatePlanReview, loaded.State)
	require.NotNil(t, loaded.PlanOutput)
	require.NotNil(t, loaded.AiConfigMeta, "并发提交的 AI 配置被生成落定覆盖")
	assert.Equal(t, "stub-pin", loaded.AiConfigMeta.Provider)
}

func TestTailChaptersHonorMaxBatchSize(t *testing.T) {
	env := newTestEnv(t, 2, 1)
	ctx := context.Background()

	session, err := env.authoring.CreateSession(env.configID, models.ModeStaged, nil)
	require.NoError(t, err)
	session, err = env.authoring.Advance(ctx, session.ID)
	require.NoError(t, err)
	session, err = env.authoring.ApprovePhase(ctx, session.ID, models.PhasePlan, "")
	require.NoError(t, err)
	session, err = env.authoring.ApprovePhase(ctx, session.ID, models.PhaseOutline, "")
	require.NoError(t, err)
	require.Equal(t, models.StateChapterReview, session.State)

	// 物料与分支结构也按批次上限逐个调度
	var batches [][]int
	for i := 0; i < 10 && session.State == models.StateChapterReview; i++ {
		session, err = env.authoring.ApprovePhase(ctx, session.ID, models.PhaseChapter, "")
		require.NoError(t, err)
		if session.ParallelBatch != nil {
			batches = append(batches, append([]int(nil), session.ParallelBatch.ChapterIndices...))
		}
	}
	assert.Equal(t, [][]int{{1}, {2}, {3}, {4}}, batches)

	require.Equal(t, models.StateCompleted, session.State)
	require.NotEmpty(t, session.ScriptID)
	script, err := env.scripts.GetScript(session.ScriptID)
	require.NoError(t, err)
	assert.Len(t, script.PlayerHandbooks, 2)
	assert.Len(t, script.Materials, 1)
	assert.NotEmpty(t, script.BranchStructure.Nodes)
}

func TestUpdateAiConfigRejectsTerminalSession(t *testing.T) {
	env := newTestEnv(t, 2, 8)
	ctx := context.Background()

	session, err := env.authoring.CreateSession(env.configID, models.ModeVibe, nil)
	require.NoError(t, err)
	session, err = env.authoring.Advance(ctx, session.ID)
	require.NoError(t, err)
	require.Equal(t, models.StateCompleted, session.State)

	_, err = env.authoring.UpdateAiConfig(ctx, session.ID, models.EphemeralAiConfig{
		Provider: "openai",
		APIKey:   "sk-x",
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsConflict(err))
}
