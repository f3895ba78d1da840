// internal/services/phase_parser.go
package services

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/Corphon/MysteryForgeMCP/internal/errors"
	"github.com/Corphon/MysteryForgeMCP/internal/models"
)

// codeBlockRe 匹配 ```json ... ``` 或 ``` ... ``` 包裹的内容
var codeBlockRe = regexp.MustCompile("(?s)^```(?:json)?\\s*\n?(.*?)\n?\\s*```$")

// PhaseParser 解析每个阶段的 LLM 输出
type PhaseParser struct{}

// NewPhaseParser 创建阶段解析器
func NewPhaseParser() *PhaseParser {
	return &PhaseParser{}
}

// extractJSON 去掉 LLM 输出可能带的 markdown 代码块包裹
func extractJSON(content string) string {
	trimmed := strings.TrimSpace(content)
	if m := codeBlockRe.FindStringSubmatch(trimmed); m != nil {
		return strings.TrimSpace(m[1])
	}
	return trimmed
}

// ParsePlan 解析企划阶段输出
// 校验顶层字段非空，角色列表至少一项且每项字段完整
func (p *PhaseParser) ParsePlan(content string) (*models.ScriptPlan, error) {
	raw := extractJSON(content)

	var plan models.ScriptPlan
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		return nil, errors.NewProcessingError("企划书 JSON 解析失败", err)
	}

	required := map[string]string{
		"world_overview":       plan.WorldOverview,
		"core_trick_direction": plan.CoreTrickDirection,
		"theme_tone":           plan.ThemeTone,
		"era_atmosphere":       plan.EraAtmosphere,
	}
	for field, value := range required {
		if strings.TrimSpace(value) == "" {
			return nil, errors.NewProcessingError(
				fmt.Sprintf("企划书缺少必填字段 %s", field), nil)
		}
	}

	if len(plan.Characters) == 0 {
		return nil, errors.NewProcessingError("企划书角色列表为空", nil)
	}
	for i, c := range plan.Characters {
		if strings.TrimSpace(c.Name) == "" || strings.TrimSpace(c.Role) == "" ||
			strings.TrimSpace(c.RelationshipSketch) == "" {
			return nil, errors.NewProcessingError(
				fmt.Sprintf("企划书角色 %d 字段不完整", i), nil)
		}
	}

	return &plan, nil
}

// ParseOutline 解析大纲阶段输出
// 校验五个列表非空且诡计机制非空
func (p *PhaseParser) ParseOutline(content string) (*models.ScriptOutline, error) {
	raw := extractJSON(content)

	var outline models.ScriptOutline
	if err := json.Unmarshal([]byte(raw), &outline); err != nil {
		return nil, errors.NewProcessingError("大纲 JSON 解析失败", err)
	}

	checks := []struct {
		name  string
		empty bool
	}{
		{"detailed_timeline", len(outline.DetailedTimeline) == 0},
		{"character_relationships", len(outline.CharacterRelationships) == 0},
		{"clue_chain_design", len(outline.ClueChainDesign) == 0},
		{"branch_skeleton", len(outline.BranchSkeleton) == 0},
		{"round_flow_summary", len(outline.RoundFlowSummary) == 0},
	}
	for _, c := range checks {
		if c.empty {
			return nil, errors.NewProcessingError(
				fmt.Sprintf("大纲字段 %s 为空", c.name), nil)
		}
	}
	if strings.TrimSpace(outline.TrickMechanism) == "" {
		return nil, errors.NewProcessingError("大纲缺少诡计机制描述", nil)
	}

	return &outline, nil
}

// ParseChapter 解析章节阶段输出并包装为 Chapter
// 章节载荷按类型保持原始 JSON，不做叶子级结构校验；索引由调用方设置
func (p *PhaseParser) ParseChapter(content string, chapterType models.ChapterType) (*models.Chapter, error) {
	raw := extractJSON(content)

	if !json.Valid([]byte(raw)) {
		return nil, errors.NewProcessingError("章节输出不是合法 JSON", nil)
	}

	return &models.Chapter{
		Type:        chapterType,
		Content:     json.RawMessage(raw),
		GeneratedAt: time.Now(),
	}, nil
}
