// internal/services/migration_service_test.go
package services

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Corphon/MysteryForgeMCP/internal/models"
)

func legacyScript() *models.Script {
	return &models.Script{
		ID:    "script-1",
		Title: "雾港疑云",
		DMHandbook: models.DMHandbook{
			Overview: "一场发生在雾港的谋杀案",
			Characters: []models.CharacterSummary{
				{CharacterID: "player-1", CharacterName: "陈医生", Role: "医生", Description: "镇上唯一的医生"},
				{CharacterID: "player-2", CharacterName: "林老板", Role: "商人", Description: "码头货栈老板"},
			},
			ClueDistribution: []models.ClueDistributionEntry{
				{ClueID: "clue-a", RoundIndex: 0, TargetCharacterID: "player-1", Condition: "搜查诊所"},
				{ClueID: "clue-b", RoundIndex: 1, TargetCharacterID: "player-2", Condition: "公开"},
			},
			RoundGuides: []models.RoundGuide{
				{RoundIndex: 1, Objectives: "建立人物关系", KeyEvents: []string{"停电", "尖叫"}, DMNotes: "控制节奏"},
				{RoundIndex: 2, Objectives: "搜证与指认", KeyEvents: []string{"发现凶器"}, DMNotes: ""},
			},
			BranchDecisionPoints: []models.BranchDecisionPoint{
				{
					NodeID: "node-1", RoundIndex: 1, VoteQuestion: "是否报警",
					Options: []models.BranchOption{
						{OptionID: "opt-1", Text: "报警", Outcome: "警察封锁码头"},
						{OptionID: "opt-2", Text: "私了", Outcome: "线索被销毁"},
					},
				},
			},
			Endings: []models.EndingDescription{
				{EndingID: "end-1", Name: "真相大白", TriggerConditions: "多数票指认正确", Narrative: "凶手伏法"},
			},
			TruthReveal: "林老板为灭口行凶",
			JudgingRules: models.JudgingRules{
				WinConditions:   "指认正确的玩家获胜",
				ScoringCriteria: "每条线索1分",
			},
		},
		PlayerHandbooks: []models.PlayerHandbook{
			{
				CharacterID:     "player-1",
				CharacterName:   "陈医生",
				BackgroundStory: "背景故事",
				PrimaryGoal:     "找出真凶",
				SecondaryGoals:  []string{"保住名声"},
				KnownClues:      []string{"死者死于毒药"},
				RoundActions: []models.RoundAction{
					{RoundIndex: 1, Instructions: "介绍自己", Hints: []string{"提到诊所"}},
					{RoundIndex: 2, Instructions: "指认嫌疑人", Hints: nil},
				},
				Secrets: []string{"曾给死者开过药"},
			},
		},
	}
}

func TestMigrateToPlayableActLayout(t *testing.T) {
	playable := MigrateToPlayable(legacyScript())

	require.Len(t, playable.Acts, 2)
	assert.Equal(t, 1, playable.Acts[0].ActIndex)
	assert.Equal(t, "第1幕", playable.Acts[0].Title)
	assert.Equal(t, "第2幕", playable.Acts[1].Title)
	assert.Equal(t, "建立人物关系", playable.Acts[0].Narrative)
	assert.Equal(t, []string{"停电", "尖叫"}, playable.Acts[0].Objectives)
}

func TestMigrateToPlayableIndependentBaseDetection(t *testing.T) {
	// 线索是 0 基（最大索引 1 < totalRounds 2），分支是 1 基（索引 1 但无越界）
	// 两者独立判定：线索不平移，分支保持原样
	script := legacyScript()
	playable := MigrateToPlayable(script)

	// 0 基线索：clue-a 在第1幕，clue-b 在第2幕
	assert.Equal(t, []string{"clue-a"}, playable.Acts[0].ClueIDs)
	assert.Equal(t, []string{"clue-b"}, playable.Acts[1].ClueIDs)

	// 分支索引 1 < totalRounds，按 0 基处理，投票落在第2幕
	assert.Empty(t, playable.Acts[0].Vote.Question)
	assert.Equal(t, "是否报警", playable.Acts[1].Vote.Question)
	require.Len(t, playable.Acts[1].Vote.Options, 2)
	assert.Equal(t, "警察封锁码头", playable.Acts[1].Vote.Options[0].Impact)
}

func TestMigrateToPlayableOneBasedShift(t *testing.T) {
	script := legacyScript()
	// 出现 RoundIndex == totalRounds 的条目后整组视为 1 基
	script.DMHandbook.ClueDistribution = []models.ClueDistributionEntry{
		{ClueID: "clue-a", RoundIndex: 1, TargetCharacterID: "player-1"},
		{ClueID: "clue-b", RoundIndex: 2, TargetCharacterID: "player-2"},
	}
	playable := MigrateToPlayable(script)

	assert.Equal(t, []string{"clue-a"}, playable.Acts[0].ClueIDs)
	assert.Equal(t, []string{"clue-b"}, playable.Acts[1].ClueIDs)
}

func TestMigrateToPlayableNoRoundGuides(t *testing.T) {
	script := legacyScript()
	script.DMHandbook.RoundGuides = nil
	script.DMHandbook.ClueDistribution = nil
	script.DMHandbook.BranchDecisionPoints = nil

	playable := MigrateToPlayable(script)

	require.Len(t, playable.Acts, 1, "没有轮次指引时产出单独一幕")
	assert.Equal(t, "第1幕", playable.Acts[0].Title)
	assert.Empty(t, playable.Acts[0].Narrative)
	assert.NotNil(t, playable.Acts[0].Vote.Options)
}

func TestMigrateToPlayableFinale(t *testing.T) {
	playable := MigrateToPlayable(legacyScript())

	assert.Equal(t, "请投票选出凶手", playable.Finale.FinalVote.Question)
	assert.Equal(t, "林老板为灭口行凶", playable.Finale.TruthReveal)

	require.Len(t, playable.Finale.Endings, 1)
	ending := playable.Finale.Endings[0]
	assert.Equal(t, "多数票指认正确", ending.TriggerCondition)
	assert.NotNil(t, ending.PlayerEndingSummaries)

	// 旧版字段名 trigger_conditions 在演出结构中改为 trigger_condition
	raw, err := json.Marshal(ending)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"trigger_condition"`)
	assert.NotContains(t, string(raw), `"trigger_conditions"`)
}

func TestMigrateToPlayableDMGuides(t *testing.T) {
	playable := MigrateToPlayable(legacyScript())

	guide := playable.DMHandbook
	assert.Equal(t, "陈医生: 医生\n林老板: 商人", guide.PrologueGuide.CharacterAssignmentNotes)

	require.Len(t, guide.ActGuides, 2)
	assert.Equal(t, "控制节奏", guide.ActGuides[0].DMPrivateNotes)
	require.Len(t, guide.ActGuides[0].ClueDistributionInstructions, 1)
	assert.Equal(t, "clue-a", guide.ActGuides[0].ClueDistributionInstructions[0].ClueID)
	assert.Equal(t, "主持投票：是否报警", guide.ActGuides[1].VoteHostingNotes)
	assert.Empty(t, guide.ActGuides[0].VoteHostingNotes)

	assert.Equal(t, "组织最终投票，统计结果", guide.FinaleGuide.FinalVoteHostingFlow)
	assert.Equal(t, "指认正确的玩家获胜\n每条线索1分", guide.FinaleGuide.EndingJudgmentNotes)
}

func TestMigrateToPlayableJudgingRulesDropEmptyParts(t *testing.T) {
	script := legacyScript()
	script.DMHandbook.JudgingRules.ScoringCriteria = ""

	playable := MigrateToPlayable(script)
	assert.Equal(t, "指认正确的玩家获胜", playable.DMHandbook.FinaleGuide.EndingJudgmentNotes)
}

func TestMigrateToPlayablePlayerHandbooks(t *testing.T) {
	playable := MigrateToPlayable(legacyScript())

	require.Len(t, playable.PlayerHandbooks, 1)
	ph := playable.PlayerHandbooks[0]
	assert.Equal(t, "player-1", ph.CharacterID)
	assert.Equal(t, []string{"死者死于毒药"}, ph.PrologueContent.InitialKnowledge)

	require.Len(t, ph.ActContents, 2)
	assert.Equal(t, "介绍自己", ph.ActContents[0].PersonalNarrative)
	assert.Equal(t, []string{"找出真凶", "保住名声"}, ph.ActContents[0].Objectives)

	// 秘密按位置分发：只有一个秘密，归第1幕，第2幕为空
	assert.Equal(t, "曾给死者开过药", ph.ActContents[0].SecretInfo)
	assert.Empty(t, ph.ActContents[1].SecretInfo)

	assert.Equal(t, "作为陈医生，做最终陈述", ph.FinaleContent.ClosingStatementGuide)
}

func TestMigrateToPlayableIsDeterministic(t *testing.T) {
	script := legacyScript()

	first, err := json.Marshal(MigrateToPlayable(script))
	require.NoError(t, err)
	second, err := json.Marshal(MigrateToPlayable(script))
	require.NoError(t, err)

	assert.JSONEq(t, string(first), string(second))
}
