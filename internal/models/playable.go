// internal/models/playable.go
package models

// CharacterIntro 序幕中的角色公开介绍
type CharacterIntro struct {
	CharacterID       string `json:"character_id"`
	CharacterName     string `json:"character_name"`
	PublicDescription string `json:"public_description"`
}

// Prologue 序幕
type Prologue struct {
	BackgroundNarrative string           `json:"background_narrative"`
	WorldSetting        string           `json:"world_setting"`
	CharacterIntros     []CharacterIntro `json:"character_intros"`
}

// ActVoteOption 幕间投票选项
type ActVoteOption struct {
	ID     string `json:"id"`
	Text   string `json:"text"`
	Impact string `json:"impact"`
}

// ActVote 幕间投票，无分支决策点时为空投票
type ActVote struct {
	Question string          `json:"question"`
	Options  []ActVoteOption `json:"options"`
}

// ActDiscussion 幕间讨论环节
type ActDiscussion struct {
	Topics           []string `json:"topics"`
	GuidingQuestions []string `json:"guiding_questions"`
	SuggestedMinutes int      `json:"suggested_minutes"`
}

// Act 一幕，由旧版轮次指引映射而来
// ActIndex 为 1 基
type Act struct {
	ActIndex   int           `json:"act_index"`
	Title      string        `json:"title"`
	Narrative  string        `json:"narrative"`
	Objectives []string      `json:"objectives"`
	ClueIDs    []string      `json:"clue_ids"`
	Discussion ActDiscussion `json:"discussion"`
	Vote       ActVote       `json:"vote"`
}

// FinaleEnding 终幕结局（旧版 trigger_conditions 改名为 trigger_condition）
type FinaleEnding struct {
	EndingID              string                `json:"ending_id"`
	Name                  string                `json:"name"`
	TriggerCondition      string                `json:"trigger_condition"`
	Narrative             string                `json:"narrative"`
	PlayerEndingSummaries []PlayerEndingSummary `json:"player_ending_summaries"`
}

// Finale 终幕
type Finale struct {
	FinalVote   ActVote        `json:"final_vote"`
	TruthReveal string         `json:"truth_reveal"`
	Endings     []FinaleEnding `json:"endings"`
}

// PrologueGuide DM 序幕主持指引
type PrologueGuide struct {
	OpeningScript            string `json:"opening_script"`
	CharacterAssignmentNotes string `json:"character_assignment_notes"`
	RulesIntroduction        string `json:"rules_introduction"`
}

// ClueInstruction 幕间线索分发指令
type ClueInstruction struct {
	ClueID            string `json:"clue_id"`
	TargetCharacterID string `json:"target_character_id"`
	Condition         string `json:"condition"`
}

// ActGuide DM 单幕主持指引
type ActGuide struct {
	ActIndex                     int               `json:"act_index"`
	ReadAloudText                string            `json:"read_aloud_text"`
	KeyEventHints                []string          `json:"key_event_hints"`
	ClueDistributionInstructions []ClueInstruction `json:"clue_distribution_instructions"`
	DiscussionGuidance           string            `json:"discussion_guidance"`
	VoteHostingNotes             string            `json:"vote_hosting_notes"`
	DMPrivateNotes               string            `json:"dm_private_notes"`
}

// FinaleGuide DM 终幕主持指引
type FinaleGuide struct {
	FinalVoteHostingFlow string `json:"final_vote_hosting_flow"`
	TruthRevealScript    string `json:"truth_reveal_script"`
	EndingJudgmentNotes  string `json:"ending_judgment_notes"`
}

// PlayableDMHandbook 演出结构中的 DM 手册
type PlayableDMHandbook struct {
	PrologueGuide PrologueGuide `json:"prologue_guide"`
	ActGuides     []ActGuide    `json:"act_guides"`
	FinaleGuide   FinaleGuide   `json:"finale_guide"`
}

// PlayerPrologueContent 玩家序幕内容
type PlayerPrologueContent struct {
	CharacterID      string                  `json:"character_id"`
	BackgroundStory  string                  `json:"background_story"`
	Relationships    []CharacterRelationship `json:"relationships"`
	InitialKnowledge []string                `json:"initial_knowledge"`
}

// PlayerActContent 玩家单幕内容
// SecretInfo 按位置分发：第 i 个秘密归第 i 幕，不够时为空串
type PlayerActContent struct {
	ActIndex              int      `json:"act_index"`
	CharacterID           string   `json:"character_id"`
	PersonalNarrative     string   `json:"personal_narrative"`
	Objectives            []string `json:"objectives"`
	ClueHints             []string `json:"clue_hints"`
	DiscussionSuggestions []string `json:"discussion_suggestions"`
	SecretInfo            string   `json:"secret_info"`
}

// PlayerFinaleContent 玩家终幕内容
type PlayerFinaleContent struct {
	CharacterID           string `json:"character_id"`
	ClosingStatementGuide string `json:"closing_statement_guide"`
	VotingSuggestion      string `json:"voting_suggestion"`
}

// PlayablePlayerHandbook 演出结构中的玩家手册
type PlayablePlayerHandbook struct {
	CharacterID     string                `json:"character_id"`
	CharacterName   string                `json:"character_name"`
	PrologueContent PlayerPrologueContent `json:"prologue_content"`
	ActContents     []PlayerActContent    `json:"act_contents"`
	FinaleContent   PlayerFinaleContent   `json:"finale_content"`
}

// PlayableStructure 分幕演出结构
type PlayableStructure struct {
	Prologue        Prologue                 `json:"prologue"`
	Acts            []Act                    `json:"acts"`
	Finale          Finale                   `json:"finale"`
	DMHandbook      PlayableDMHandbook       `json:"dm_handbook"`
	PlayerHandbooks []PlayablePlayerHandbook `json:"player_handbooks"`
}
