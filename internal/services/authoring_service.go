// internal/services/authoring_service.go
package services

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Corphon/MysteryForgeMCP/internal/errors"
	"github.com/Corphon/MysteryForgeMCP/internal/llm"
	"github.com/Corphon/MysteryForgeMCP/internal/models"
	"github.com/Corphon/MysteryForgeMCP/internal/storage"
	"github.com/Corphon/MysteryForgeMCP/internal/utils"
)

const sessionsDir = "sessions"

// SessionEventPublisher 会话状态变更的事件出口，由 websocket 层实现
type SessionEventPublisher interface {
	PublishSessionState(session *models.AuthoringSession)
}

// AuthoringService 分阶段创作编排服务
// 会话级临时路由器只存在于内存，随会话完成或失败被清除
type AuthoringService struct {
	storage          *storage.FileStorage
	configService    *ConfigService
	scriptService    *ScriptService
	generatorService *GeneratorService
	promptBuilder    *PromptBuilder
	phaseParser      *PhaseParser
	defaultExecutor  LLMExecutor
	maxBatchSize     int
	logger           *utils.Logger

	mu               sync.Mutex
	sessionExecutors map[string]LLMExecutor

	events SessionEventPublisher
}

// NewAuthoringService 创建编排服务
// defaultExecutor 可以为 nil，此时会话必须提供临时 AI 配置才能推进
func NewAuthoringService(fs *storage.FileStorage, configService *ConfigService,
	scriptService *ScriptService, generatorService *GeneratorService,
	defaultExecutor LLMExecutor, maxBatchSize int) *AuthoringService {
	return &AuthoringService{
		storage:          fs,
		configService:    configService,
		scriptService:    scriptService,
		generatorService: generatorService,
		promptBuilder:    NewPromptBuilder(),
		phaseParser:      NewPhaseParser(),
		defaultExecutor:  defaultExecutor,
		maxBatchSize:     maxBatchSize,
		logger:           utils.GetLogger(),
		sessionExecutors: make(map[string]LLMExecutor),
	}
}

// SetEventPublisher 注册会话事件出口
func (s *AuthoringService) SetEventPublisher(pub SessionEventPublisher) {
	s.events = pub
}

// executorForSession 返回会话使用的路由器：优先临时钉定的，否则默认
func (s *AuthoringService) executorForSession(sessionID string) (LLMExecutor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if executor, ok := s.sessionExecutors[sessionID]; ok {
		return executor, nil
	}
	if s.defaultExecutor != nil {
		return s.defaultExecutor, nil
	}
	return nil, errors.NewValidationError("没有可用的 AI 配置，请提供临时 AI 配置", nil)
}

// pinExecutor 为会话钉定一个临时路由器
func (s *AuthoringService) pinExecutor(sessionID string, executor LLMExecutor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionExecutors[sessionID] = executor
}

// cleanupExecutor 会话完成或失败时清除临时路由器，密钥随之释放
func (s *AuthoringService) cleanupExecutor(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessionExecutors, sessionID)
}

// newPinnedExecutor 依据临时配置构建单提供商路由器，缺省值按提供商补全
func newPinnedExecutor(eph models.EphemeralAiConfig) (LLMExecutor, error) {
	if eph.Provider == "" || eph.APIKey == "" {
		return nil, errors.NewValidationError("临时 AI 配置缺少 provider 或 api_key", nil)
	}
	if defaults, ok := models.ProviderDefaults[eph.Provider]; ok {
		if eph.Endpoint == "" {
			eph.Endpoint = defaults.Endpoint
		}
		if eph.Model == "" {
			eph.Model = defaults.Model
		}
	}
	return llm.NewPinnedRouter(eph)
}

// CreateSession 创建创作会话
// 临时 AI 配置只用于构建会话级路由器，会话中仅保存 provider/model 元信息
func (s *AuthoringService) CreateSession(configID string, mode models.AuthoringMode, eph *models.EphemeralAiConfig) (*models.AuthoringSession, error) {
	if mode != models.ModeStaged && mode != models.ModeVibe {
		return nil, errors.NewValidationError(
			fmt.Sprintf("不支持的创作模式: %s", mode), nil)
	}
	if _, err := s.configService.GetConfig(configID); err != nil {
		return nil, err
	}

	now := time.Now()
	session := &models.AuthoringSession{
		ID:           uuid.NewString(),
		ConfigID:     configID,
		Mode:         mode,
		State:        models.StateDraft,
		Chapters:     []models.Chapter{},
		ChapterEdits: make(map[int][]models.AuthorEdit),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if eph != nil {
		executor, err := newPinnedExecutor(*eph)
		if err != nil {
			return nil, err
		}
		s.pinExecutor(session.ID, executor)
		session.AiConfigMeta = eph.Meta()
	}

	if err := s.storage.SaveJSONFile(sessionsDir, session.ID+".json", session); err != nil {
		return nil, errors.NewProcessingError("保存会话失败", err)
	}
	if s.events != nil {
		s.events.PublishSessionState(session)
	}
	return session, nil
}

// GetSession 按 ID 读取会话
func (s *AuthoringService) GetSession(sessionID string) (*models.AuthoringSession, error) {
	var session models.AuthoringSession
	if err := s.storage.LoadJSONFile(sessionsDir, sessionID+".json", &session); err != nil {
		return nil, errors.NewNotFoundError(
			fmt.Sprintf("会话不存在: %s", sessionID), err)
	}
	if session.ChapterEdits == nil {
		session.ChapterEdits = make(map[int][]models.AuthorEdit)
	}
	return &session, nil
}

// ListSessions 按条件列出会话，创建时间倒序
func (s *AuthoringService) ListSessions(filters models.SessionFilters) ([]*models.AuthoringSession, error) {
	names, err := s.storage.ListFiles(sessionsDir)
	if err != nil {
		return nil, errors.NewProcessingError("读取会话目录失败", err)
	}

	sessions := make([]*models.AuthoringSession, 0, len(names))
	for _, name := range names {
		var session models.AuthoringSession
		if err := s.storage.LoadJSONFile(sessionsDir, name+".json", &session); err != nil {
			continue
		}
		if filters.ConfigID != "" && session.ConfigID != filters.ConfigID {
			continue
		}
		if filters.State != "" && session.State != filters.State {
			continue
		}
		if filters.Mode != "" && session.Mode != filters.Mode {
			continue
		}
		sessions = append(sessions, &session)
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})

	if filters.Offset > 0 {
		if filters.Offset >= len(sessions) {
			return []*models.AuthoringSession{}, nil
		}
		sessions = sessions[filters.Offset:]
	}
	if filters.Limit > 0 && filters.Limit < len(sessions) {
		sessions = sessions[:filters.Limit]
	}
	return sessions, nil
}

// applySession 在会话文件写锁内执行 读取-修改-写回，返回写回后的会话
// 所有会话变更都走这里：耗时的 LLM 调用发生在锁外，落定结果合并到
// 重新读取的最新文档上，生成期间提交的其他变更（如更换 AI 配置）不会被覆盖
func (s *AuthoringService) applySession(sessionID string, mutate func(*models.AuthoringSession) error) (*models.AuthoringSession, error) {
	session := &models.AuthoringSession{}
	err := s.storage.UpdateJSONFile(sessionsDir, sessionID+".json", session, func() error {
		if session.ID == "" {
			return errors.NewNotFoundError(
				fmt.Sprintf("会话不存在: %s", sessionID), nil)
		}
		if session.ChapterEdits == nil {
			session.ChapterEdits = make(map[int][]models.AuthorEdit)
		}
		if err := mutate(session); err != nil {
			return err
		}
		session.UpdatedAt = time.Now()
		return nil
	})
	if err != nil {
		var appErr *errors.AppError
		if stderrors.As(err, &appErr) {
			return nil, err
		}
		return nil, errors.NewProcessingError("保存会话失败", err)
	}

	if s.events != nil {
		s.events.PublishSessionState(session)
	}
	if session.State == models.StateCompleted || session.State == models.StateFailed {
		s.cleanupExecutor(session.ID)
	}
	return session, nil
}

// failAndSave 在会话文档上记录失败并落盘，返回失败后的会话
func (s *AuthoringService) failAndSave(sessionID string, phase models.PhaseName,
	cause error, retryFrom models.SessionState) (*models.AuthoringSession, error) {
	s.logger.Error("会话进入失败状态", map[string]interface{}{
		"session_id": sessionID,
		"phase":      string(phase),
		"error":      cause.Error(),
	})
	return s.applySession(sessionID, func(cur *models.AuthoringSession) error {
		_ = FailSession(cur, phase, cause, retryFrom)
		return nil
	})
}

// Advance 按当前状态与模式推进会话到下一阶段
func (s *AuthoringService) Advance(ctx context.Context, sessionID string) (*models.AuthoringSession, error) {
	session, err := s.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	config, err := s.configService.GetConfig(session.ConfigID)
	if err != nil {
		return nil, err
	}
	executor, err := s.executorForSession(sessionID)
	if err != nil {
		return nil, err
	}

	if session.Mode == models.ModeVibe {
		if _, err := s.applySession(sessionID, func(cur *models.AuthoringSession) error {
			return Transition(cur, models.StateGenerating)
		}); err != nil {
			return nil, err
		}
		return s.runVibeGeneration(ctx, sessionID, config, executor)
	}

	switch session.State {
	case models.StateDraft:
		if _, err := s.applySession(sessionID, func(cur *models.AuthoringSession) error {
			return Transition(cur, models.StatePlanning)
		}); err != nil {
			return nil, err
		}
		return s.runPlanning(ctx, sessionID, config, executor)
	case models.StateExecuting:
		if _, err := s.applySession(sessionID, func(cur *models.AuthoringSession) error {
			if cur.State != models.StateExecuting {
				return errors.NewConflictError(
					fmt.Sprintf("分阶段会话无法从状态 %s 推进", cur.State), nil)
			}
			cur.TotalChapters = config.TotalChapters()
			return nil
		}); err != nil {
			return nil, err
		}
		return s.runCurrentChapter(ctx, sessionID, config, executor)
	default:
		return nil, errors.NewConflictError(
			fmt.Sprintf("分阶段会话无法从状态 %s 推进", session.State), nil)
	}
}

// runVibeGeneration 一键生成：假定会话处于 generating
func (s *AuthoringService) runVibeGeneration(ctx context.Context, sessionID string,
	config *models.ScriptConfig, executor LLMExecutor) (*models.AuthoringSession, error) {
	script, usage, err := s.generatorService.Generate(ctx, config, executor)
	if err != nil {
		return s.failAndSave(sessionID, models.PhaseGenerating, err, models.StateGenerating)
	}

	return s.applySession(sessionID, func(cur *models.AuthoringSession) error {
		cur.RecordStepTokens(*usage)
		cur.ScriptID = script.ID
		return Transition(cur, models.StateCompleted)
	})
}

// runPlanning 企划生成：假定会话处于 planning，产出与审阅态转移一次落盘
func (s *AuthoringService) runPlanning(ctx context.Context, sessionID string,
	config *models.ScriptConfig, executor LLMExecutor) (*models.AuthoringSession, error) {
	req := s.promptBuilder.BuildPlanningPrompt(config)
	resp, err := executor.Execute(ctx, models.TaskPlanning, req)
	if err != nil {
		return s.failAndSave(sessionID, models.PhasePlan, err, models.StatePlanning)
	}
	plan, err := s.phaseParser.ParsePlan(resp.Text)
	if err != nil {
		return s.failAndSave(sessionID, models.PhasePlan, err, models.StatePlanning)
	}

	raw, _ := json.Marshal(plan)
	return s.applySession(sessionID, func(cur *models.AuthoringSession) error {
		cur.RecordStepTokens(responseTokens(resp))
		cur.PlanOutput = &models.PhaseOutput{
			Phase:       models.PhasePlan,
			LLMOriginal: raw,
			Edits:       []models.AuthorEdit{},
			GeneratedAt: time.Now(),
			AiMeta:      stepMeta(resp),
		}
		return Transition(cur, models.StatePlanReview)
	})
}

// runDesigning 大纲生成：假定会话处于 designing，企划批准结果保持不变
func (s *AuthoringService) runDesigning(ctx context.Context, sessionID string,
	config *models.ScriptConfig, executor LLMExecutor) (*models.AuthoringSession, error) {
	session, err := s.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	if session.PlanOutput == nil {
		return nil, errors.NewConflictError("没有批准的企划，无法生成大纲", nil)
	}
	var plan models.ScriptPlan
	if err := json.Unmarshal(session.PlanOutput.EffectiveContent(), &plan); err != nil {
		return nil, errors.NewProcessingError("企划内容反序列化失败", err)
	}

	req := s.promptBuilder.BuildDesignPrompt(config, &plan, session.PlanOutput.AuthorNotes)
	resp, err := executor.Execute(ctx, models.TaskDesign, req)
	if err != nil {
		return s.failAndSave(sessionID, models.PhaseOutline, err, models.StateDesigning)
	}
	outline, err := s.phaseParser.ParseOutline(resp.Text)
	if err != nil {
		return s.failAndSave(sessionID, models.PhaseOutline, err, models.StateDesigning)
	}

	raw, _ := json.Marshal(outline)
	return s.applySession(sessionID, func(cur *models.AuthoringSession) error {
		cur.RecordStepTokens(responseTokens(resp))
		cur.OutlineOutput = &models.PhaseOutput{
			Phase:       models.PhaseOutline,
			LLMOriginal: raw,
			Edits:       []models.AuthorEdit{},
			GeneratedAt: time.Now(),
			AiMeta:      stepMeta(resp),
		}
		return Transition(cur, models.StateDesignReview)
	})
}

// chapterTypeFor 按索引约定判断章节类型
// 0 号 DM 手册，1..N 玩家手册，N+1 物料，N+2 分支结构
func chapterTypeFor(chapterIndex, playerCount int) models.ChapterType {
	switch {
	case chapterIndex == 0:
		return models.ChapterDMHandbook
	case chapterIndex <= playerCount:
		return models.ChapterPlayerHandbook
	case chapterIndex == playerCount+1:
		return models.ChapterMaterials
	default:
		return models.ChapterBranchStructure
	}
}

// EditPhase 在审阅态编辑阶段产出，编辑历史只追加
func (s *AuthoringService) EditPhase(sessionID string, phase models.PhaseName, content json.RawMessage) (*models.AuthoringSession, error) {
	expected, err := reviewStateForPhase(phase)
	if err != nil {
		return nil, err
	}
	if !json.Valid(content) {
		return nil, errors.NewValidationError("编辑内容不是合法 JSON", nil)
	}

	return s.applySession(sessionID, func(cur *models.AuthoringSession) error {
		if cur.State != expected {
			return errors.NewConflictError(
				fmt.Sprintf("状态 %s 下不能编辑 %s 阶段，需要 %s", cur.State, phase, expected), nil)
		}

		now := time.Now()
		switch phase {
		case models.PhasePlan, models.PhaseOutline:
			output := cur.PlanOutput
			if phase == models.PhaseOutline {
				output = cur.OutlineOutput
			}
			if output == nil {
				return errors.NewConflictError(
					fmt.Sprintf("%s 阶段没有可编辑的产出", phase), nil)
			}
			// 每条记录保存编辑前生效的内容，历史构成一条连续的链
			output.Edits = append(output.Edits, models.AuthorEdit{
				EditedAt:        now,
				OriginalContent: output.EffectiveContent(),
				EditedContent:   content,
			})
			output.AuthorEdited = content
		case models.PhaseChapter:
			chapter := cur.ChapterAt(cur.CurrentChapterIndex)
			if chapter == nil {
				return errors.NewConflictError(
					fmt.Sprintf("索引 %d 处没有可编辑的章节", cur.CurrentChapterIndex), nil)
			}
			cur.ChapterEdits[chapter.Index] = append(cur.ChapterEdits[chapter.Index], models.AuthorEdit{
				EditedAt:        now,
				OriginalContent: chapter.Content,
				EditedContent:   content,
			})
			chapter.Content = content
		}
		return nil
	})
}

// reviewStateForPhase 阶段对应的审阅态
func reviewStateForPhase(phase models.PhaseName) (models.SessionState, error) {
	switch phase {
	case models.PhasePlan:
		return models.StatePlanReview, nil
	case models.PhaseOutline:
		return models.StateDesignReview, nil
	case models.PhaseChapter:
		return models.StateChapterReview, nil
	default:
		return "", errors.NewValidationError(
			fmt.Sprintf("未知的阶段: %s", phase), nil)
	}
}

// ApprovePhase 批准阶段并触发下一阶段生成
// 批准先落盘提交：即使后续生成失败，批准结果也不会回滚
func (s *AuthoringService) ApprovePhase(ctx context.Context, sessionID string, phase models.PhaseName, notes string) (*models.AuthoringSession, error) {
	if _, err := reviewStateForPhase(phase); err != nil {
		return nil, err
	}

	session, err := s.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	config, err := s.configService.GetConfig(session.ConfigID)
	if err != nil {
		return nil, err
	}
	executor, err := s.executorForSession(sessionID)
	if err != nil {
		return nil, err
	}

	switch phase {
	case models.PhasePlan:
		return s.approvePlan(ctx, sessionID, config, executor, notes)
	case models.PhaseOutline:
		return s.approveOutline(ctx, sessionID, config, executor, notes)
	default:
		return s.approveChapter(ctx, sessionID, config, executor)
	}
}

// approveOutput 给阶段产出盖批准戳，重复批准是冲突
func approveOutput(output *models.PhaseOutput, phase models.PhaseName, notes string) error {
	if output == nil {
		return errors.NewConflictError(
			fmt.Sprintf("%s 阶段没有可批准的产出", phase), nil)
	}
	if output.Approved {
		return errors.NewConflictError(
			fmt.Sprintf("%s 阶段已批准，不能重复批准", phase), nil)
	}
	now := time.Now()
	output.Approved = true
	output.ApprovedAt = &now
	if notes != "" {
		output.AuthorNotes = notes
	}
	return nil
}

// approvePlan 批准企划：plan_review → designing → design_review
func (s *AuthoringService) approvePlan(ctx context.Context, sessionID string,
	config *models.ScriptConfig, executor LLMExecutor, notes string) (*models.AuthoringSession, error) {
	if _, err := s.applySession(sessionID, func(cur *models.AuthoringSession) error {
		if cur.State != models.StatePlanReview {
			return errors.NewConflictError(
				fmt.Sprintf("状态 %s 下不能批准 %s 阶段，需要 %s",
					cur.State, models.PhasePlan, models.StatePlanReview), nil)
		}
		if err := approveOutput(cur.PlanOutput, models.PhasePlan, notes); err != nil {
			return err
		}
		return Transition(cur, models.StateDesigning)
	}); err != nil {
		return nil, err
	}
	return s.runDesigning(ctx, sessionID, config, executor)
}

// approveOutline 批准大纲：design_review → executing，顺序生成 0 号 DM 手册
func (s *AuthoringService) approveOutline(ctx context.Context, sessionID string,
	config *models.ScriptConfig, executor LLMExecutor, notes string) (*models.AuthoringSession, error) {
	if _, err := s.applySession(sessionID, func(cur *models.AuthoringSession) error {
		if cur.State != models.StateDesignReview {
			return errors.NewConflictError(
				fmt.Sprintf("状态 %s 下不能批准 %s 阶段，需要 %s",
					cur.State, models.PhaseOutline, models.StateDesignReview), nil)
		}
		if err := approveOutput(cur.OutlineOutput, models.PhaseOutline, notes); err != nil {
			return err
		}
		if err := Transition(cur, models.StateExecuting); err != nil {
			return err
		}
		cur.TotalChapters = config.TotalChapters()
		cur.CurrentChapterIndex = 0
		return nil
	}); err != nil {
		return nil, err
	}
	return s.runCurrentChapter(ctx, sessionID, config, executor)
}

// approveChapter 批准章节：先消化批次审阅指针，全部审完后决定下一批
func (s *AuthoringService) approveChapter(ctx context.Context, sessionID string,
	config *models.ScriptConfig, executor LLMExecutor) (*models.AuthoringSession, error) {
	var nextIndices []int
	var assemble bool

	session, err := s.applySession(sessionID, func(cur *models.AuthoringSession) error {
		if cur.State != models.StateChapterReview {
			return errors.NewConflictError(
				fmt.Sprintf("状态 %s 下不能批准 %s 阶段，需要 %s",
					cur.State, models.PhaseChapter, models.StateChapterReview), nil)
		}

		if batch := cur.ParallelBatch; batch != nil {
			ci := cur.CurrentChapterIndex
			if !containsIndex(batch.ReviewedIndices, ci) {
				batch.ReviewedIndices = append(batch.ReviewedIndices, ci)
			}

			if !batch.AllReviewed() {
				next, _ := batch.FirstUnreviewed()
				cur.CurrentChapterIndex = next
				return nil
			}

			// 批次仍有失败项时不前进，等待定向重试
			if len(batch.FailedIndices) > 0 {
				return nil
			}
			cur.ParallelBatch = nil
		}

		pending := pendingPlayerIndices(cur, config)
		if len(pending) == 0 {
			pending = pendingTailIndices(cur, config)
		}
		if len(pending) == 0 {
			assemble = true
			return Transition(cur, models.StateCompleted)
		}

		nextIndices = boundBatch(pending, s.maxBatchSize)
		if err := Transition(cur, models.StateExecuting); err != nil {
			return err
		}
		cur.ParallelBatch = &models.ParallelBatch{
			ChapterIndices:   nextIndices,
			CompletedIndices: []int{},
			FailedIndices:    []int{},
			ReviewedIndices:  []int{},
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if assemble {
		return s.AssembleScript(sessionID)
	}
	if len(nextIndices) > 0 {
		return s.runBatch(ctx, sessionID, config, executor, nextIndices)
	}
	return session, nil
}

// pendingPlayerIndices 尚未生成的玩家手册索引
func pendingPlayerIndices(session *models.AuthoringSession, config *models.ScriptConfig) []int {
	pending := make([]int, 0, config.PlayerCount)
	for i := 1; i <= config.PlayerCount; i++ {
		if session.ChapterAt(i) == nil {
			pending = append(pending, i)
		}
	}
	return pending
}

// pendingTailIndices 物料与分支结构中尚未生成的索引
func pendingTailIndices(session *models.AuthoringSession, config *models.ScriptConfig) []int {
	pending := make([]int, 0, 2)
	for i := config.PlayerCount + 1; i <= config.PlayerCount+2; i++ {
		if session.ChapterAt(i) == nil {
			pending = append(pending, i)
		}
	}
	return pending
}

// runBatch 并行生成指定索引并落定批次：假定会话处于 executing 且批次已建立
// 部分失败只记入 failedIndices；全部失败才把会话置为 failed
func (s *AuthoringService) runBatch(ctx context.Context, sessionID string,
	config *models.ScriptConfig, executor LLMExecutor, chapterIndices []int) (*models.AuthoringSession, error) {
	session, err := s.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	if session.OutlineOutput == nil {
		return nil, errors.NewConflictError("没有批准的大纲，无法生成章节", nil)
	}
	approvedOutline := session.OutlineOutput.EffectiveContent()
	previous := chaptersBefore(session, minOf(chapterIndices))

	outcome := RunChapterBatch(ctx, chapterIndices, func(ctx context.Context, chapterIndex int) (*models.Chapter, error) {
		chapter, _, err := s.generateOneChapter(ctx, executor, config, approvedOutline, previous, chapterIndex)
		return chapter, err
	})

	var allFailed bool
	session, err = s.applySession(sessionID, func(cur *models.AuthoringSession) error {
		s.mergeBatchOutcome(cur, outcome)
		if len(cur.ParallelBatch.CompletedIndices) == 0 {
			allFailed = true
			return nil
		}
		if err := Transition(cur, models.StateChapterReview); err != nil {
			return err
		}
		if next, ok := cur.ParallelBatch.FirstUnreviewed(); ok {
			cur.CurrentChapterIndex = next
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if allFailed {
		cause := fmt.Errorf("批次内全部章节生成失败: %v", outcome.FailedIndices())
		return s.failAndSave(sessionID, models.PhaseChapter, cause, models.StateExecuting)
	}
	return session, nil
}

// mergeBatchOutcome 把批次结果合并进会话，汇总成功调用的 token 用量
func (s *AuthoringService) mergeBatchOutcome(session *models.AuthoringSession, outcome *BatchOutcome) {
	batch := session.ParallelBatch
	var sum models.TokenUsage
	for _, chapter := range outcome.Completed {
		session.PutChapter(chapter)
		if !containsIndex(batch.CompletedIndices, chapter.Index) {
			batch.CompletedIndices = append(batch.CompletedIndices, chapter.Index)
		}
		if chapter.AiMeta != nil {
			sum.Add(chapter.AiMeta.TokenUsage)
		}
	}
	sort.Ints(batch.CompletedIndices)
	for _, idx := range outcome.FailedIndices() {
		if !containsIndex(batch.FailedIndices, idx) {
			batch.FailedIndices = append(batch.FailedIndices, idx)
		}
	}
	sort.Ints(batch.FailedIndices)
	if len(outcome.Completed) > 0 {
		session.RecordStepTokens(sum)
	}
}

// generateOneChapter 单个章节的完整生成流程，供批次与顺序两条路径复用
func (s *AuthoringService) generateOneChapter(ctx context.Context, executor LLMExecutor,
	config *models.ScriptConfig, approvedOutline json.RawMessage,
	previousChapters []models.Chapter, chapterIndex int) (*models.Chapter, *llm.CompletionResponse, error) {

	chapterType := chapterTypeFor(chapterIndex, config.PlayerCount)
	req := s.promptBuilder.BuildChapterPrompt(config, approvedOutline, chapterType, chapterIndex, previousChapters)
	resp, err := executor.Execute(ctx, models.TaskChapterGeneration, req)
	if err != nil {
		return nil, nil, err
	}

	chapter, err := s.phaseParser.ParseChapter(resp.Text, chapterType)
	if err != nil {
		return nil, nil, err
	}
	chapter.Index = chapterIndex
	if chapterType == models.ChapterPlayerHandbook {
		chapter.CharacterID = fmt.Sprintf("player-%d", chapterIndex)
	}
	chapter.AiMeta = stepMeta(resp)
	return chapter, resp, nil
}

// runCurrentChapter 生成 currentChapterIndex 处的章节并进入审阅态
// 假定会话处于 executing
func (s *AuthoringService) runCurrentChapter(ctx context.Context, sessionID string,
	config *models.ScriptConfig, executor LLMExecutor) (*models.AuthoringSession, error) {
	session, err := s.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	if session.OutlineOutput == nil {
		return nil, errors.NewConflictError("没有批准的大纲，无法生成章节", nil)
	}
	approvedOutline := session.OutlineOutput.EffectiveContent()
	chapterIndex := session.CurrentChapterIndex
	previous := chaptersBefore(session, chapterIndex)

	chapter, resp, err := s.generateOneChapter(ctx, executor, config, approvedOutline, previous, chapterIndex)
	if err != nil {
		return s.failAndSave(sessionID, models.PhaseChapter, err, models.StateExecuting)
	}

	return s.applySession(sessionID, func(cur *models.AuthoringSession) error {
		cur.RecordStepTokens(responseTokens(resp))
		cur.PutChapter(*chapter)
		return Transition(cur, models.StateChapterReview)
	})
}

// RegenerateChapter 重新生成当前审阅中的章节，旧内容归档到编辑历史
func (s *AuthoringService) RegenerateChapter(ctx context.Context, sessionID string, chapterIndex int) (*models.AuthoringSession, error) {
	session, err := s.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	config, err := s.configService.GetConfig(session.ConfigID)
	if err != nil {
		return nil, err
	}
	executor, err := s.executorForSession(sessionID)
	if err != nil {
		return nil, err
	}

	if _, err := s.applySession(sessionID, func(cur *models.AuthoringSession) error {
		if cur.State != models.StateChapterReview {
			return errors.NewConflictError(
				fmt.Sprintf("状态 %s 下不能重新生成章节，需要 chapter_review", cur.State), nil)
		}
		if chapterIndex != cur.CurrentChapterIndex {
			return errors.NewConflictError(
				fmt.Sprintf("只能重新生成当前章节 %d，请求的是 %d", cur.CurrentChapterIndex, chapterIndex), nil)
		}
		if current := cur.ChapterAt(chapterIndex); current != nil {
			cur.ChapterEdits[chapterIndex] = append(cur.ChapterEdits[chapterIndex], models.AuthorEdit{
				EditedAt:        time.Now(),
				OriginalContent: current.Content,
				EditedContent:   current.Content,
			})
		}
		return Transition(cur, models.StateExecuting)
	}); err != nil {
		return nil, err
	}
	return s.runCurrentChapter(ctx, sessionID, config, executor)
}

// Retry 从 failed 状态恢复到失败前的生成态并立即重新触发该阶段
// 不丢弃任何已批准的阶段产出或已完成的章节
func (s *AuthoringService) Retry(ctx context.Context, sessionID string) (*models.AuthoringSession, error) {
	session, err := s.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	config, err := s.configService.GetConfig(session.ConfigID)
	if err != nil {
		return nil, err
	}
	executor, err := s.executorForSession(sessionID)
	if err != nil {
		return nil, err
	}

	var target models.SessionState
	var retryIndices []int
	applied, err := s.applySession(sessionID, func(cur *models.AuthoringSession) error {
		if cur.State != models.StateFailed {
			return errors.NewConflictError(
				fmt.Sprintf("状态 %s 下不能重试，需要 failed", cur.State), nil)
		}
		if cur.FailureInfo == nil {
			return errors.NewConflictError("没有失败记录，无法重试", nil)
		}
		target = cur.FailureInfo.RetryFromState
		if err := Transition(cur, target); err != nil {
			return err
		}
		if target == models.StateExecuting {
			cur.TotalChapters = config.TotalChapters()
			if batch := cur.ParallelBatch; batch != nil && len(batch.FailedIndices) > 0 {
				// 批次全败后的整体重试：只重新调度失败索引
				retryIndices = append([]int(nil), batch.FailedIndices...)
				batch.FailedIndices = []int{}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	switch target {
	case models.StatePlanning:
		return s.runPlanning(ctx, sessionID, config, executor)
	case models.StateDesigning:
		return s.runDesigning(ctx, sessionID, config, executor)
	case models.StateExecuting:
		if len(retryIndices) > 0 {
			return s.runBatch(ctx, sessionID, config, executor, retryIndices)
		}
		return s.runCurrentChapter(ctx, sessionID, config, executor)
	case models.StateGenerating:
		return s.runVibeGeneration(ctx, sessionID, config, executor)
	default:
		return applied, nil
	}
}

// RetryFailedChapters 只重试批次内失败的章节索引
// 不改变会话状态与失败记录；成功的索引迁入 completedIndices
func (s *AuthoringService) RetryFailedChapters(ctx context.Context, sessionID string) (*models.AuthoringSession, error) {
	session, err := s.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	config, err := s.configService.GetConfig(session.ConfigID)
	if err != nil {
		return nil, err
	}
	executor, err := s.executorForSession(sessionID)
	if err != nil {
		return nil, err
	}
	if session.OutlineOutput == nil {
		return nil, errors.NewConflictError("没有批准的大纲，无法生成章节", nil)
	}

	// 失败索引在写锁内认领并清空，并发重试不会重复调度同一索引
	var failedIndices []int
	if _, err := s.applySession(sessionID, func(cur *models.AuthoringSession) error {
		if cur.State != models.StateChapterReview {
			return errors.NewConflictError(
				fmt.Sprintf("状态 %s 下不能重试失败章节，需要 chapter_review", cur.State), nil)
		}
		batch := cur.ParallelBatch
		if batch == nil || len(batch.FailedIndices) == 0 {
			return errors.NewConflictError("没有失败的章节可以重试", nil)
		}
		failedIndices = append([]int(nil), batch.FailedIndices...)
		batch.FailedIndices = []int{}
		return nil
	}); err != nil {
		return nil, err
	}

	approvedOutline := session.OutlineOutput.EffectiveContent()
	previous := chaptersBefore(session, minOf(failedIndices))

	outcome := RunChapterBatch(ctx, failedIndices, func(ctx context.Context, chapterIndex int) (*models.Chapter, error) {
		chapter, _, err := s.generateOneChapter(ctx, executor, config, approvedOutline, previous, chapterIndex)
		return chapter, err
	})

	return s.applySession(sessionID, func(cur *models.AuthoringSession) error {
		s.mergeBatchOutcome(cur, outcome)
		return nil
	})
}

// UpdateAiConfig 为进行中的会话更换 AI 配置
// 新配置先通过连通性探测，再替换会话级路由器；会话只保存元信息
func (s *AuthoringService) UpdateAiConfig(ctx context.Context, sessionID string, eph models.EphemeralAiConfig) (*models.AuthoringSession, error) {
	session, err := s.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	if session.State.IsTerminal() {
		return nil, errors.NewConflictError(
			fmt.Sprintf("状态 %s 下不能更换 AI 配置", session.State), nil)
	}

	executor, err := newPinnedExecutor(eph)
	if err != nil {
		return nil, err
	}
	if router, ok := executor.(*llm.Router); ok {
		result := router.Verify(ctx, eph)
		if !result.Valid {
			return nil, errors.NewProviderError(
				fmt.Sprintf("AI 配置验证失败: %s", result.Error), nil)
		}
	}

	session, err = s.applySession(sessionID, func(cur *models.AuthoringSession) error {
		if cur.State.IsTerminal() {
			return errors.NewConflictError(
				fmt.Sprintf("状态 %s 下不能更换 AI 配置", cur.State), nil)
		}
		cur.AiConfigMeta = eph.Meta()
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.pinExecutor(sessionID, executor)
	return session, nil
}

// AssembleScript 把已批准的章节组装为完整剧本文档
// 重复调用幂等：已有 scriptId 时直接返回
func (s *AuthoringService) AssembleScript(sessionID string) (*models.AuthoringSession, error) {
	return s.applySession(sessionID, func(cur *models.AuthoringSession) error {
		if cur.State != models.StateCompleted {
			return errors.NewConflictError(
				fmt.Sprintf("状态 %s 下不能组装剧本，需要 completed", cur.State), nil)
		}
		if cur.ScriptID != "" {
			return nil
		}
		if len(cur.Chapters) == 0 {
			return errors.NewProcessingError("没有任何章节，无法组装剧本", nil)
		}

		config, err := s.configService.GetConfig(cur.ConfigID)
		if err != nil {
			return err
		}
		script, err := s.buildScript(cur, config)
		if err != nil {
			return err
		}
		if err := s.scriptService.StoreScript(script); err != nil {
			return err
		}
		cur.ScriptID = script.ID
		return nil
	})
}

// buildScript 按章节类型反序列化并拼装剧本文档
func (s *AuthoringService) buildScript(session *models.AuthoringSession, config *models.ScriptConfig) (*models.Script, error) {
	sorted := append([]models.Chapter(nil), session.Chapters...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	var dmHandbook *models.DMHandbook
	var branchStructure *models.BranchStructure
	playerHandbooks := make([]models.PlayerHandbook, 0, config.PlayerCount)
	materials := []models.Material{}

	for i := range sorted {
		content := session.EffectiveChapterContent(&sorted[i])
		switch sorted[i].Type {
		case models.ChapterDMHandbook:
			var h models.DMHandbook
			if err := json.Unmarshal(content, &h); err != nil {
				return nil, errors.NewProcessingError("DM 手册内容反序列化失败", err)
			}
			dmHandbook = &h
		case models.ChapterPlayerHandbook:
			var h models.PlayerHandbook
			if err := json.Unmarshal(content, &h); err != nil {
				return nil, errors.NewProcessingError("玩家手册内容反序列化失败", err)
			}
			playerHandbooks = append(playerHandbooks, h)
		case models.ChapterMaterials:
			if err := json.Unmarshal(content, &materials); err != nil {
				return nil, errors.NewProcessingError("物料内容反序列化失败", err)
			}
		case models.ChapterBranchStructure:
			var b models.BranchStructure
			if err := json.Unmarshal(content, &b); err != nil {
				return nil, errors.NewProcessingError("分支结构内容反序列化失败", err)
			}
			branchStructure = &b
		}
	}

	if dmHandbook == nil {
		return nil, errors.NewProcessingError("缺少 DM 手册章节", nil)
	}
	if branchStructure == nil {
		return nil, errors.NewProcessingError("缺少分支结构章节", nil)
	}

	title := fmt.Sprintf("%s - %s", config.Theme, config.Era)
	if session.PlanOutput != nil {
		var plan models.ScriptPlan
		if err := json.Unmarshal(session.PlanOutput.EffectiveContent(), &plan); err == nil &&
			len([]rune(plan.Title)) > 2 {
			title = plan.Title
		}
	}

	aiProvider, aiModel := "", ""
	if session.AiConfigMeta != nil {
		aiProvider = session.AiConfigMeta.Provider
		aiModel = session.AiConfigMeta.Model
	} else if s.defaultExecutor != nil {
		aiProvider = s.defaultExecutor.ProviderName()
		aiModel = s.defaultExecutor.DefaultModel()
	}

	now := time.Now()
	return &models.Script{
		ID:              uuid.NewString(),
		Version:         "v1.0",
		ConfigID:        config.ID,
		Title:           title,
		DMHandbook:      *dmHandbook,
		PlayerHandbooks: playerHandbooks,
		Materials:       materials,
		BranchStructure: *branchStructure,
		Status:          models.ScriptReady,
		AiProvider:      aiProvider,
		AiModel:         aiModel,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

// chaptersBefore 索引之前的所有章节，作为生成上下文
func chaptersBefore(session *models.AuthoringSession, beforeIndex int) []models.Chapter {
	previous := make([]models.Chapter, 0, len(session.Chapters))
	for _, ch := range session.Chapters {
		if ch.Index < beforeIndex {
			previous = append(previous, ch)
		}
	}
	sort.Slice(previous, func(i, j int) bool { return previous[i].Index < previous[j].Index })
	return previous
}

// minOf 非空切片的最小值
func minOf(indices []int) int {
	m := indices[0]
	for _, v := range indices {
		if v < m {
			m = v
		}
	}
	return m
}

// responseTokens 从 LLM 响应提取 token 用量
func responseTokens(resp *llm.CompletionResponse) models.TokenUsage {
	return models.TokenUsage{
		Prompt:     resp.PromptTokens,
		Completion: resp.OutputTokens,
		Total:      resp.TokensUsed,
	}
}

// stepMeta 从 LLM 响应构建生成步骤元信息
func stepMeta(resp *llm.CompletionResponse) *models.AiStepMeta {
	return &models.AiStepMeta{
		Provider:       resp.ProviderName,
		Model:          resp.ModelName,
		TokenUsage:     responseTokens(resp),
		ResponseTimeMs: resp.ResponseTimeMs,
		GeneratedAt:    time.Now(),
	}
}

// containsIndex 整数切片包含判断
func containsIndex(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
