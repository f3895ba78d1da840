// internal/models/plan.go
package models

// PlanCharacter 企划书中的角色速写
type PlanCharacter struct {
	Name               string `json:"name"`
	Role               string `json:"role"`
	RelationshipSketch string `json:"relationship_sketch"`
}

// SpecialSetting 新本格独特设定（仅 shin_honkaku 类型生成）
type SpecialSetting struct {
	SettingName        string   `json:"setting_name"`
	SettingDescription string   `json:"setting_description"`
	SettingRules       []string `json:"setting_rules"`
	ImpactOnDeduction  string   `json:"impact_on_deduction"`
}

// ScriptPlan 企划书，planning 阶段的产出
type ScriptPlan struct {
	Title              string          `json:"title,omitempty"`
	WorldOverview      string          `json:"world_overview"`
	Characters         []PlanCharacter `json:"characters"`
	CoreTrickDirection string          `json:"core_trick_direction"`
	ThemeTone          string          `json:"theme_tone"`
	EraAtmosphere      string          `json:"era_atmosphere"`
	SpecialSetting     *SpecialSetting `json:"special_setting,omitempty"`
}

// OutlineTimelineEntry 大纲时间线条目
type OutlineTimelineEntry struct {
	Time               string   `json:"time"`
	Event              string   `json:"event"`
	InvolvedCharacters []string `json:"involved_characters"`
}

// OutlineRelationship 大纲中的角色关系
type OutlineRelationship struct {
	CharacterA   string `json:"character_a"`
	CharacterB   string `json:"character_b"`
	Relationship string `json:"relationship"`
}

// ClueChainEntry 线索链设计条目
type ClueChainEntry struct {
	ClueID      string   `json:"clue_id"`
	Description string   `json:"description"`
	LeadsTo     []string `json:"leads_to"`
}

// BranchSkeletonNode 分支骨架节点
type BranchSkeletonNode struct {
	NodeID           string   `json:"node_id"`
	Description      string   `json:"description"`
	Options          []string `json:"options"`
	EndingDirections []string `json:"ending_directions"`
}

// RoundFlowEntry 轮次流程摘要条目
type RoundFlowEntry struct {
	RoundIndex int      `json:"round_index"`
	Focus      string   `json:"focus"`
	KeyEvents  []string `json:"key_events"`
}

// ScriptOutline 剧本大纲，designing 阶段的产出
type ScriptOutline struct {
	DetailedTimeline       []OutlineTimelineEntry `json:"detailed_timeline"`
	CharacterRelationships []OutlineRelationship  `json:"character_relationships"`
	TrickMechanism         string                 `json:"trick_mechanism"`
	ClueChainDesign        []ClueChainEntry       `json:"clue_chain_design"`
	BranchSkeleton         []BranchSkeletonNode   `json:"branch_skeleton"`
	RoundFlowSummary       []RoundFlowEntry       `json:"round_flow_summary"`
}
