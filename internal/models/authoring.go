// internal/models/authoring.go
package models

import (
	"encoding/json"
	"time"
)

// AuthoringMode 创作模式
type AuthoringMode string

const (
	// ModeStaged 分阶段模式：企划 → 大纲 → 章节，每一步需要作者审阅
	ModeStaged AuthoringMode = "staged"
	// ModeVibe 一键生成模式：跳过中间审阅，一次性生成完整剧本
	ModeVibe AuthoringMode = "vibe"
)

// SessionState 会话状态
type SessionState string

const (
	StateDraft         SessionState = "draft"
	StatePlanning      SessionState = "planning"
	StatePlanReview    SessionState = "plan_review"
	StateDesigning     SessionState = "designing"
	StateDesignReview  SessionState = "design_review"
	StateExecuting     SessionState = "executing"
	StateChapterReview SessionState = "chapter_review"
	StateGenerating    SessionState = "generating"
	StateCompleted     SessionState = "completed"
	StateFailed        SessionState = "failed"
)

// IsTerminal 判断会话是否已结束（completed 为终态，failed 可通过 retry 恢复）
func (s SessionState) IsTerminal() bool {
	return s == StateCompleted
}

// PhaseName 创作阶段名称
type PhaseName string

const (
	PhasePlan       PhaseName = "plan"
	PhaseOutline    PhaseName = "outline"
	PhaseChapter    PhaseName = "chapter"
	PhaseGenerating PhaseName = "generating"
)

// ChapterType 章节类型，决定 Chapter.Content 的载荷形态
type ChapterType string

const (
	ChapterDMHandbook      ChapterType = "dm_handbook"
	ChapterPlayerHandbook  ChapterType = "player_handbook"
	ChapterMaterials       ChapterType = "materials"
	ChapterBranchStructure ChapterType = "branch_structure"
)

// TokenUsage 单次 LLM 调用的 token 用量
type TokenUsage struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
	Total      int `json:"total"`
}

// Add 累加另一次调用的用量
func (t *TokenUsage) Add(other TokenUsage) {
	t.Prompt += other.Prompt
	t.Completion += other.Completion
	t.Total += other.Total
}

// AiStepMeta AI 生成元信息，附加到每个生成步骤
type AiStepMeta struct {
	Provider       string     `json:"provider"`
	Model          string     `json:"model"`
	TokenUsage     TokenUsage `json:"token_usage"`
	ResponseTimeMs int64      `json:"response_time_ms"`
	GeneratedAt    time.Time  `json:"generated_at"`
}

// AuthorEdit 作者编辑记录（追加写入，不可修改）
type AuthorEdit struct {
	EditedAt        time.Time       `json:"edited_at"`
	OriginalContent json.RawMessage `json:"original_content"`
	EditedContent   json.RawMessage `json:"edited_content"`
}

// PhaseOutput 阶段产出物
// LLMOriginal 一经写入不再变更；作者编辑只影响 AuthorEdited 和 Edits
type PhaseOutput struct {
	Phase        PhaseName       `json:"phase"`
	LLMOriginal  json.RawMessage `json:"llm_original"`
	AuthorEdited json.RawMessage `json:"author_edited,omitempty"`
	AuthorNotes  string          `json:"author_notes,omitempty"`
	Edits        []AuthorEdit    `json:"edits"`
	Approved     bool            `json:"approved"`
	ApprovedAt   *time.Time      `json:"approved_at,omitempty"`
	GeneratedAt  time.Time       `json:"generated_at"`
	AiMeta       *AiStepMeta     `json:"ai_meta,omitempty"`
}

// EffectiveContent 返回作者编辑后的内容，若未编辑则返回 LLM 原始内容
func (p *PhaseOutput) EffectiveContent() json.RawMessage {
	if len(p.AuthorEdited) > 0 {
		return p.AuthorEdited
	}
	return p.LLMOriginal
}

// Chapter 章节，最终阶段的一个生成单元
type Chapter struct {
	Index       int             `json:"index"`
	Type        ChapterType     `json:"type"`
	CharacterID string          `json:"character_id,omitempty"`
	Content     json.RawMessage `json:"content"`
	GeneratedAt time.Time       `json:"generated_at"`
	AiMeta      *AiStepMeta     `json:"ai_meta,omitempty"`
}

// ParallelBatch 并行生成批次
// CompletedIndices 与 FailedIndices 互斥，每个索引只进入其中之一；
// ReviewedIndices 只能包含 CompletedIndices 中的索引
type ParallelBatch struct {
	ChapterIndices   []int `json:"chapter_indices"`
	CompletedIndices []int `json:"completed_indices"`
	FailedIndices    []int `json:"failed_indices"`
	ReviewedIndices  []int `json:"reviewed_indices"`
}

// IsSettled 批次是否已全部落定（每个索引都已成功或失败）
func (b *ParallelBatch) IsSettled() bool {
	return len(b.CompletedIndices)+len(b.FailedIndices) >= len(b.ChapterIndices)
}

// FirstUnreviewed 返回批次中第一个已完成但未审阅的章节索引
func (b *ParallelBatch) FirstUnreviewed() (int, bool) {
	for _, idx := range b.ChapterIndices {
		if containsInt(b.CompletedIndices, idx) && !containsInt(b.ReviewedIndices, idx) {
			return idx, true
		}
	}
	return 0, false
}

// AllReviewed 批次中所有已完成章节是否都已审阅
func (b *ParallelBatch) AllReviewed() bool {
	for _, idx := range b.CompletedIndices {
		if !containsInt(b.ReviewedIndices, idx) {
			return false
		}
	}
	return true
}

func containsInt(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// FailureInfo 失败信息
// RetryFromState 指明重试时会话应回到的状态，一定是生成态而非审阅态
type FailureInfo struct {
	Phase          PhaseName    `json:"phase"`
	Error          string       `json:"error"`
	FailedAt       time.Time    `json:"failed_at"`
	RetryFromState SessionState `json:"retry_from_state"`
}

// AuthoringSession 创作会话
type AuthoringSession struct {
	ID                  string               `json:"id"`
	ConfigID            string               `json:"config_id"`
	Mode                AuthoringMode        `json:"mode"`
	State               SessionState         `json:"state"`
	PlanOutput          *PhaseOutput         `json:"plan_output,omitempty"`
	OutlineOutput       *PhaseOutput         `json:"outline_output,omitempty"`
	Chapters            []Chapter            `json:"chapters"`
	ChapterEdits        map[int][]AuthorEdit `json:"chapter_edits"`
	CurrentChapterIndex int                  `json:"current_chapter_index"`
	TotalChapters       int                  `json:"total_chapters"`
	ParallelBatch       *ParallelBatch       `json:"parallel_batch,omitempty"`
	ScriptID            string               `json:"script_id,omitempty"`
	AiConfigMeta        *AiConfigMeta        `json:"ai_config_meta,omitempty"`
	LastStepTokens      *TokenUsage          `json:"last_step_tokens,omitempty"`
	TokenUsageTotal     TokenUsage           `json:"token_usage_total"`
	FailureInfo         *FailureInfo         `json:"failure_info,omitempty"`
	CreatedAt           time.Time            `json:"created_at"`
	UpdatedAt           time.Time            `json:"updated_at"`
}

// ChapterAt 返回指定索引的章节
func (s *AuthoringSession) ChapterAt(index int) *Chapter {
	for i := range s.Chapters {
		if s.Chapters[i].Index == index {
			return &s.Chapters[i]
		}
	}
	return nil
}

// PutChapter 写入或替换指定索引的章节
func (s *AuthoringSession) PutChapter(ch Chapter) {
	for i := range s.Chapters {
		if s.Chapters[i].Index == ch.Index {
			s.Chapters[i] = ch
			return
		}
	}
	s.Chapters = append(s.Chapters, ch)
}

// EffectiveChapterContent 返回章节的有效内容（优先作者最近一次编辑）
func (s *AuthoringSession) EffectiveChapterContent(ch *Chapter) json.RawMessage {
	edits := s.ChapterEdits[ch.Index]
	if len(edits) > 0 {
		return edits[len(edits)-1].EditedContent
	}
	return ch.Content
}

// RecordStepTokens 记录最近一次生成步骤的 token 用量并累加到会话总量
func (s *AuthoringSession) RecordStepTokens(usage TokenUsage) {
	u := usage
	s.LastStepTokens = &u
	s.TokenUsageTotal.Add(usage)
}

// SessionFilters 会话筛选条件
type SessionFilters struct {
	ConfigID string
	State    SessionState
	Mode     AuthoringMode
	Limit    int
	Offset   int
}
