// internal/models/script.go
package models

import "time"

// ScriptStatus 剧本状态
type ScriptStatus string

const (
	ScriptGenerating ScriptStatus = "generating"
	ScriptReady      ScriptStatus = "ready"
	ScriptOptimizing ScriptStatus = "optimizing"
)

// CharacterSummary 角色摘要
type CharacterSummary struct {
	CharacterID   string `json:"character_id"`
	CharacterName string `json:"character_name"`
	Role          string `json:"role"`
	Description   string `json:"description"`
}

// TimelineEvent 时间线事件
type TimelineEvent struct {
	Time                 string   `json:"time"`
	Event                string   `json:"event"`
	InvolvedCharacterIDs []string `json:"involved_character_ids"`
}

// ClueDistributionEntry 线索分发条目
// RoundIndex 可能是 0 基或 1 基，迁移时统一归一化
type ClueDistributionEntry struct {
	ClueID            string `json:"clue_id"`
	RoundIndex        int    `json:"round_index"`
	TargetCharacterID string `json:"target_character_id"`
	Condition         string `json:"condition"`
	Timing            string `json:"timing"`
}

// RoundGuide 轮次指引
type RoundGuide struct {
	RoundIndex int      `json:"round_index"`
	Objectives string   `json:"objectives"`
	KeyEvents  []string `json:"key_events"`
	DMNotes    string   `json:"dm_notes"`
}

// BranchOption 分支决策选项
type BranchOption struct {
	OptionID string `json:"option_id"`
	Text     string `json:"text"`
	Outcome  string `json:"outcome"`
}

// BranchDecisionPoint 分支决策点
type BranchDecisionPoint struct {
	NodeID       string         `json:"node_id"`
	RoundIndex   int            `json:"round_index"`
	VoteQuestion string         `json:"vote_question"`
	Options      []BranchOption `json:"options"`
}

// PlayerEndingSummary 单个玩家的结局摘要
type PlayerEndingSummary struct {
	CharacterID string `json:"character_id"`
	Ending      string `json:"ending"`
}

// EndingDescription 结局描述
type EndingDescription struct {
	EndingID              string                `json:"ending_id"`
	Name                  string                `json:"name"`
	TriggerConditions     string                `json:"trigger_conditions"`
	Narrative             string                `json:"narrative"`
	PlayerEndingSummaries []PlayerEndingSummary `json:"player_ending_summaries"`
}

// JudgingRules 判定规则
type JudgingRules struct {
	WinConditions   string `json:"win_conditions"`
	ScoringCriteria string `json:"scoring_criteria"`
}

// DMHandbook DM 手册
type DMHandbook struct {
	Overview             string                  `json:"overview"`
	Characters           []CharacterSummary      `json:"characters"`
	Timeline             []TimelineEvent         `json:"timeline"`
	ClueDistribution     []ClueDistributionEntry `json:"clue_distribution"`
	RoundGuides          []RoundGuide            `json:"round_guides"`
	BranchDecisionPoints []BranchDecisionPoint   `json:"branch_decision_points"`
	Endings              []EndingDescription     `json:"endings"`
	TruthReveal          string                  `json:"truth_reveal"`
	JudgingRules         JudgingRules            `json:"judging_rules"`
}

// CharacterRelationship 角色关系
type CharacterRelationship struct {
	TargetCharacterID   string `json:"target_character_id"`
	TargetCharacterName string `json:"target_character_name"`
	Relationship        string `json:"relationship"`
}

// RoundAction 轮次行动
type RoundAction struct {
	RoundIndex   int      `json:"round_index"`
	Instructions string   `json:"instructions"`
	Hints        []string `json:"hints"`
}

// PlayerHandbook 玩家手册
type PlayerHandbook struct {
	CharacterID     string                  `json:"character_id"`
	CharacterName   string                  `json:"character_name"`
	BackgroundStory string                  `json:"background_story"`
	PrimaryGoal     string                  `json:"primary_goal"`
	SecondaryGoals  []string                `json:"secondary_goals"`
	Relationships   []CharacterRelationship `json:"relationships"`
	KnownClues      []string                `json:"known_clues"`
	RoundActions    []RoundAction           `json:"round_actions"`
	Secrets         []string                `json:"secrets"`
}

// MaterialType 物料类型
type MaterialType string

const (
	MaterialClueCard  MaterialType = "clue_card"
	MaterialPropCard  MaterialType = "prop_card"
	MaterialVoteCard  MaterialType = "vote_card"
	MaterialSceneCard MaterialType = "scene_card"
)

// Material 游戏物料
type Material struct {
	ID                    string                 `json:"id"`
	Type                  MaterialType           `json:"type"`
	Content               string                 `json:"content"`
	AssociatedCharacterID string                 `json:"associated_character_id,omitempty"`
	Metadata              map[string]interface{} `json:"metadata,omitempty"`
}

// VoteOption 投票选项
type VoteOption struct {
	ID         string `json:"id"`
	Text       string `json:"text"`
	NextNodeID string `json:"next_node_id,omitempty"`
	EndingID   string `json:"ending_id,omitempty"`
}

// BranchNode 分支节点
type BranchNode struct {
	ID           string       `json:"id"`
	RoundIndex   int          `json:"round_index"`
	Description  string       `json:"description"`
	VoteQuestion string       `json:"vote_question"`
	Options      []VoteOption `json:"options"`
}

// BranchEdge 分支边
type BranchEdge struct {
	FromNodeID string `json:"from_node_id"`
	ToNodeID   string `json:"to_node_id,omitempty"`
	ToEndingID string `json:"to_ending_id,omitempty"`
	OptionID   string `json:"option_id"`
}

// TriggerCondition 结局触发条件
type TriggerCondition struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Ending 分支结构中的结局
type Ending struct {
	ID                string                `json:"id"`
	Name              string                `json:"name"`
	TriggerConditions []TriggerCondition    `json:"trigger_conditions"`
	Narrative         string                `json:"narrative"`
	PlayerEndings     []PlayerEndingSummary `json:"player_endings"`
}

// BranchStructure 分支结构
type BranchStructure struct {
	Nodes   []BranchNode `json:"nodes"`
	Edges   []BranchEdge `json:"edges"`
	Endings []Ending     `json:"endings"`
}

// Script 旧版扁平剧本文档
// PlayableStructure 是读取时按需迁移出的演出结构，缓存在文档上，不影响其余字段
type Script struct {
	ID                string             `json:"id"`
	Version           string             `json:"version"`
	ConfigID          string             `json:"config_id"`
	Title             string             `json:"title"`
	DMHandbook        DMHandbook         `json:"dm_handbook"`
	PlayerHandbooks   []PlayerHandbook   `json:"player_handbooks"`
	Materials         []Material         `json:"materials"`
	BranchStructure   BranchStructure    `json:"branch_structure"`
	PlayableStructure *PlayableStructure `json:"playable_structure,omitempty"`
	Status            ScriptStatus       `json:"status"`
	AiProvider        string             `json:"ai_provider,omitempty"`
	AiModel           string             `json:"ai_model,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at"`
}
