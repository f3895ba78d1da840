// internal/services/prompt_builder.go
package services

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Corphon/MysteryForgeMCP/internal/llm"
	"github.com/Corphon/MysteryForgeMCP/internal/models"
)

// chapterTypeLabels 章节类型中文名映射
var chapterTypeLabels = map[models.ChapterType]string{
	models.ChapterDMHandbook:      "DM手册",
	models.ChapterPlayerHandbook:  "玩家手册",
	models.ChapterMaterials:       "游戏物料集",
	models.ChapterBranchStructure: "分支结构详情",
}

// PromptBuilder 为分阶段创作的每个阶段构建专用提示词
type PromptBuilder struct{}

// NewPromptBuilder 创建提示词构建器
func NewPromptBuilder() *PromptBuilder {
	return &PromptBuilder{}
}

// buildConfigSection 构建配置参数描述段落
func buildConfigSection(config *models.ScriptConfig) string {
	return fmt.Sprintf(`【配置参数】
- 玩家人数：%d
- 游戏时长：%.1f小时
- 游戏类型：%s
- 目标年龄段：%s
- 还原比例：%d%%
- 推理比例：%d%%
- 时代背景：%s
- 地点设定：%s
- 主题风格：%s
- 轮次数：%d`,
		config.PlayerCount, config.DurationHours, config.GameType,
		config.AgeGroup, config.RestorationRatio, config.DeductionRatio,
		config.Era, config.Location, config.Theme, config.TotalRounds)
}

// BuildPlanningPrompt 构建企划阶段提示词
func (b *PromptBuilder) BuildPlanningPrompt(config *models.ScriptConfig) llm.CompletionRequest {
	systemPrompt := `你是一个专业的剧本杀企划师。请根据给定的配置参数生成一份剧本企划书。
请严格按照以下JSON格式输出，不要输出任何JSON以外的内容。

输出格式：
{
  "title": "剧本标题",
  "world_overview": "世界观概述",
  "characters": [
    { "name": "角色名", "role": "角色定位", "relationship_sketch": "关系草图" }
  ],
  "core_trick_direction": "核心诡计方向",
  "theme_tone": "主题基调",
  "era_atmosphere": "时代氛围描述"
}`

	prompt := fmt.Sprintf(`%s

请根据以上配置生成剧本企划书，确保：
1. 角色数量 = %d
2. 世界观与时代背景（%s）和地点设定（%s）一致
3. 核心诡计方向符合游戏类型（%s）的特点
4. 主题基调与目标年龄段（%s）匹配`,
		buildConfigSection(config), config.PlayerCount,
		config.Era, config.Location, config.GameType, config.AgeGroup)

	return llm.CompletionRequest{
		Prompt:       prompt,
		SystemPrompt: systemPrompt,
		MaxTokens:    4096,
		Temperature:  0.8,
	}
}

// BuildDesignPrompt 构建大纲阶段提示词
// authorNotes 非空时作为作者备注段落附加到企划书之后
func (b *PromptBuilder) BuildDesignPrompt(config *models.ScriptConfig, approvedPlan *models.ScriptPlan, authorNotes string) llm.CompletionRequest {
	systemPrompt := `你是一个专业的剧本杀编剧。请根据已批准的企划书生成详细的剧本大纲。
请严格按照以下JSON格式输出，不要输出任何JSON以外的内容。

输出格式：
{
  "detailed_timeline": [{ "time": "时间", "event": "事件", "involved_characters": ["角色名"] }],
  "character_relationships": [{ "character_a": "角色A", "character_b": "角色B", "relationship": "关系描述" }],
  "trick_mechanism": "诡计机制细节",
  "clue_chain_design": [{ "clue_id": "线索ID", "description": "描述", "leads_to": ["关联线索ID"] }],
  "branch_skeleton": [{ "node_id": "节点ID", "description": "描述", "options": ["选项"], "ending_directions": ["结局方向"] }],
  "round_flow_summary": [{ "round_index": 0, "focus": "重点", "key_events": ["关键事件"] }]
}`

	characterParts := make([]string, 0, len(approvedPlan.Characters))
	for _, c := range approvedPlan.Characters {
		characterParts = append(characterParts,
			fmt.Sprintf("%s（%s）- %s", c.Name, c.Role, c.RelationshipSketch))
	}

	planSection := fmt.Sprintf(`【已批准的企划书】
- 世界观：%s
- 角色概念：%s
- 核心诡计方向：%s
- 主题基调：%s
- 时代氛围：%s`,
		approvedPlan.WorldOverview, strings.Join(characterParts, "；"),
		approvedPlan.CoreTrickDirection, approvedPlan.ThemeTone, approvedPlan.EraAtmosphere)

	notesSection := ""
	if authorNotes != "" {
		notesSection = "\n\n【作者备注】\n" + authorNotes
	}

	prompt := fmt.Sprintf(`%s

%s%s

请根据以上企划书生成详细的剧本大纲，确保：
1. 时间线覆盖所有关键事件
2. 角色关系图谱覆盖所有角色对之间的关系
3. 线索链设计逻辑自洽，每条线索有明确的关联
4. 分支结构包含主要决策点和结局方向
5. 轮次流程与配置的轮次数（%d）一致`,
		buildConfigSection(config), planSection, notesSection, config.TotalRounds)

	return llm.CompletionRequest{
		Prompt:       prompt,
		SystemPrompt: systemPrompt,
		MaxTokens:    8192,
		Temperature:  0.7,
	}
}

// BuildChapterPrompt 构建章节生成提示词
// previousChapters 为已批准的前序章节，随提示词一起下发保证内容一致
func (b *PromptBuilder) BuildChapterPrompt(config *models.ScriptConfig, approvedOutline json.RawMessage,
	chapterType models.ChapterType, chapterIndex int, previousChapters []models.Chapter) llm.CompletionRequest {

	chapterLabel := chapterTypeLabels[chapterType]

	systemPrompt := fmt.Sprintf(`你是一个专业的剧本杀编剧。请根据已批准的剧本大纲生成%s内容。
请严格按照JSON格式输出，不要输出任何JSON以外的内容。`, chapterLabel)

	outlineSection := fmt.Sprintf("【已批准的剧本大纲】\n%s", string(approvedOutline))

	previousSection := ""
	if len(previousChapters) > 0 {
		var sb strings.Builder
		sb.WriteString("\n\n【已生成的前序章节】\n")
		for i, ch := range previousChapters {
			if i > 0 {
				sb.WriteString("\n\n")
			}
			sb.WriteString(fmt.Sprintf("--- %s（索引%d）---\n%s",
				chapterTypeLabels[ch.Type], ch.Index, string(ch.Content)))
		}
		previousSection = sb.String()
	}

	var chapterInstruction string
	switch chapterType {
	case models.ChapterDMHandbook:
		chapterInstruction = "请生成DM手册，包含：overview（概述）、characters（角色摘要列表）、timeline（时间线）、clue_distribution（线索分发表）、round_guides（轮次指引）、branch_decision_points（分支决策点）、endings（结局描述）、truth_reveal（真相揭示）、judging_rules（判定规则）。"
	case models.ChapterPlayerHandbook:
		playerIndex := chapterIndex - 1
		chapterInstruction = fmt.Sprintf("请生成第%d个玩家手册（共%d个玩家），包含：character_id、character_name、background_story、primary_goal、secondary_goals、relationships、known_clues、round_actions、secrets。确保只包含该角色应知的信息。",
			playerIndex+1, config.PlayerCount)
	case models.ChapterMaterials:
		chapterInstruction = "请生成游戏物料集，包含所有线索卡、道具卡、投票卡、场景卡等物料。每个物料包含：id、type（clue_card/prop_card/vote_card/scene_card）、content、associated_character_id（可选）、metadata。确保每张线索卡的clue_id在DM手册线索分发表中都有对应条目。"
	case models.ChapterBranchStructure:
		chapterInstruction = "请生成分支结构详情，包含：nodes（分支节点列表）、edges（分支边列表）、endings（结局列表）。确保从起始节点出发，任意路径都能到达至少一个结局。"
	}

	prompt := fmt.Sprintf(`%s

%s%s

【当前任务】生成第%d章：%s

%s`,
		buildConfigSection(config), outlineSection, previousSection,
		chapterIndex+1, chapterLabel, chapterInstruction)

	return llm.CompletionRequest{
		Prompt:       prompt,
		SystemPrompt: systemPrompt,
		MaxTokens:    8192,
		Temperature:  0.7,
	}
}

// BuildOneShotPrompt 构建一键生成模式的完整剧本提示词
func (b *PromptBuilder) BuildOneShotPrompt(config *models.ScriptConfig) llm.CompletionRequest {
	systemPrompt := `你是一个专业的剧本杀编剧。请根据给定的配置参数一次性生成完整的剧本杀剧本。
请严格按照JSON格式输出，不要输出任何JSON以外的内容。
输出一个JSON对象，包含：title（标题）、dm_handbook（DM手册）、player_handbooks（玩家手册数组，每个玩家一份）、materials（物料列表）、branch_structure（分支结构）。`

	prompt := fmt.Sprintf(`%s

请根据以上配置生成完整剧本，确保：
1. 玩家手册数量 = %d，每份只包含该角色应知的信息
2. DM手册覆盖全部真相、线索分发与轮次指引
3. 分支结构从起始节点出发，任意路径都能到达至少一个结局`,
		buildConfigSection(config), config.PlayerCount)

	return llm.CompletionRequest{
		Prompt:       prompt,
		SystemPrompt: systemPrompt,
		MaxTokens:    8192,
		Temperature:  0.7,
	}
}
