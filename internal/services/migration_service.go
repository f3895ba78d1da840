// internal/services/migration_service.go
package services

import (
	"fmt"
	"strings"

	"github.com/Corphon/MysteryForgeMCP/internal/models"
)

// MigrateToPlayable 把旧版扁平剧本确定性地映射为分幕演出结构
// 不修改传入的剧本；相同输入总是产出相同结果
func MigrateToPlayable(script *models.Script) *models.PlayableStructure {
	dm := &script.DMHandbook

	totalRounds := len(dm.RoundGuides)
	if totalRounds == 0 {
		totalRounds = 1
	}

	cluesByRound := groupCluesByRound(dm.ClueDistribution, totalRounds)
	branchesByRound := groupBranchesByRound(dm.BranchDecisionPoints, totalRounds)

	acts := make([]models.Act, 0, totalRounds)
	actGuides := make([]models.ActGuide, 0, totalRounds)
	for i := 0; i < totalRounds; i++ {
		var rg *models.RoundGuide
		if i < len(dm.RoundGuides) {
			rg = &dm.RoundGuides[i]
		}
		acts = append(acts, buildAct(i, rg, cluesByRound[i], branchesByRound[i]))
		actGuides = append(actGuides, buildActGuide(i, rg, cluesByRound[i], branchesByRound[i]))
	}

	return &models.PlayableStructure{
		Prologue: buildPrologue(dm),
		Acts:     acts,
		Finale:   buildFinale(dm),
		DMHandbook: models.PlayableDMHandbook{
			PrologueGuide: buildPrologueGuide(dm),
			ActGuides:     actGuides,
			FinaleGuide:   buildFinaleGuide(dm),
		},
		PlayerHandbooks: buildPlayablePlayerHandbooks(script, totalRounds),
	}
}

// groupCluesByRound 线索分发表按幕索引分组
// 0 基/1 基自动判定：只要有条目的 roundIndex >= totalRounds 就视为 1 基，整体下移一位
func groupCluesByRound(entries []models.ClueDistributionEntry, totalRounds int) map[int][]models.ClueDistributionEntry {
	oneBased := false
	for _, e := range entries {
		if e.RoundIndex >= totalRounds {
			oneBased = true
			break
		}
	}

	grouped := make(map[int][]models.ClueDistributionEntry)
	for _, e := range entries {
		idx := e.RoundIndex
		if oneBased {
			idx--
		}
		grouped[idx] = append(grouped[idx], e)
	}
	return grouped
}

// groupBranchesByRound 分支决策点按幕索引分组，判定逻辑与线索独立
func groupBranchesByRound(points []models.BranchDecisionPoint, totalRounds int) map[int][]models.BranchDecisionPoint {
	oneBased := false
	for _, p := range points {
		if p.RoundIndex >= totalRounds {
			oneBased = true
			break
		}
	}

	grouped := make(map[int][]models.BranchDecisionPoint)
	for _, p := range points {
		idx := p.RoundIndex
		if oneBased {
			idx--
		}
		grouped[idx] = append(grouped[idx], p)
	}
	return grouped
}

func buildPrologue(dm *models.DMHandbook) models.Prologue {
	intros := make([]models.CharacterIntro, 0, len(dm.Characters))
	for _, c := range dm.Characters {
		intros = append(intros, models.CharacterIntro{
			CharacterID:       c.CharacterID,
			CharacterName:     c.CharacterName,
			PublicDescription: c.Description,
		})
	}
	return models.Prologue{
		BackgroundNarrative: dm.Overview,
		WorldSetting:        dm.Overview,
		CharacterIntros:     intros,
	}
}

// buildAct 单幕构建：取该幕第一个分支决策点作投票，缺席时为空投票
func buildAct(index int, rg *models.RoundGuide,
	roundClues []models.ClueDistributionEntry, roundBranches []models.BranchDecisionPoint) models.Act {

	clueIDs := make([]string, 0, len(roundClues))
	for _, c := range roundClues {
		clueIDs = append(clueIDs, c.ClueID)
	}

	vote := models.ActVote{Question: "", Options: []models.ActVoteOption{}}
	if len(roundBranches) > 0 {
		bp := roundBranches[0]
		options := make([]models.ActVoteOption, 0, len(bp.Options))
		for _, o := range bp.Options {
			options = append(options, models.ActVoteOption{
				ID:     o.OptionID,
				Text:   o.Text,
				Impact: o.Outcome,
			})
		}
		vote = models.ActVote{Question: bp.VoteQuestion, Options: options}
	}

	narrative := ""
	objectives := []string{}
	topics := []string{}
	if rg != nil {
		narrative = rg.Objectives
		objectives = rg.KeyEvents
		topics = rg.KeyEvents
	}

	return models.Act{
		ActIndex:   index + 1,
		Title:      fmt.Sprintf("第%d幕", index+1),
		Narrative:  narrative,
		Objectives: objectives,
		ClueIDs:    clueIDs,
		Discussion: models.ActDiscussion{
			Topics:           topics,
			GuidingQuestions: []string{},
			SuggestedMinutes: 10,
		},
		Vote: vote,
	}
}

func buildActGuide(index int, rg *models.RoundGuide,
	roundClues []models.ClueDistributionEntry, roundBranches []models.BranchDecisionPoint) models.ActGuide {

	instructions := make([]models.ClueInstruction, 0, len(roundClues))
	for _, c := range roundClues {
		instructions = append(instructions, models.ClueInstruction{
			ClueID:            c.ClueID,
			TargetCharacterID: c.TargetCharacterID,
			Condition:         c.Condition,
		})
	}

	voteNotes := ""
	if len(roundBranches) > 0 && roundBranches[0].VoteQuestion != "" {
		voteNotes = "主持投票：" + roundBranches[0].VoteQuestion
	}

	readAloud := ""
	hints := []string{}
	dmNotes := ""
	if rg != nil {
		readAloud = rg.Objectives
		hints = rg.KeyEvents
		dmNotes = rg.DMNotes
	}

	return models.ActGuide{
		ActIndex:                     index + 1,
		ReadAloudText:                readAloud,
		KeyEventHints:                hints,
		ClueDistributionInstructions: instructions,
		DiscussionGuidance:           "",
		VoteHostingNotes:             voteNotes,
		DMPrivateNotes:               dmNotes,
	}
}

// buildFinale 终幕：结局字段改名，触发条件保持原文
func buildFinale(dm *models.DMHandbook) models.Finale {
	endings := make([]models.FinaleEnding, 0, len(dm.Endings))
	for _, e := range dm.Endings {
		summaries := e.PlayerEndingSummaries
		if summaries == nil {
			summaries = []models.PlayerEndingSummary{}
		}
		endings = append(endings, models.FinaleEnding{
			EndingID:              e.EndingID,
			Name:                  e.Name,
			TriggerCondition:      e.TriggerConditions,
			Narrative:             e.Narrative,
			PlayerEndingSummaries: summaries,
		})
	}

	return models.Finale{
		FinalVote:   models.ActVote{Question: "请投票选出凶手", Options: []models.ActVoteOption{}},
		TruthReveal: dm.TruthReveal,
		Endings:     endings,
	}
}

func buildPrologueGuide(dm *models.DMHandbook) models.PrologueGuide {
	notes := make([]string, 0, len(dm.Characters))
	for _, c := range dm.Characters {
		notes = append(notes, fmt.Sprintf("%s: %s", c.CharacterName, c.Role))
	}
	return models.PrologueGuide{
		OpeningScript:            dm.Overview,
		CharacterAssignmentNotes: strings.Join(notes, "\n"),
		RulesIntroduction:        "",
	}
}

// buildFinaleGuide 判定规则两段拼接，空段丢弃
func buildFinaleGuide(dm *models.DMHandbook) models.FinaleGuide {
	parts := make([]string, 0, 2)
	if dm.JudgingRules.WinConditions != "" {
		parts = append(parts, dm.JudgingRules.WinConditions)
	}
	if dm.JudgingRules.ScoringCriteria != "" {
		parts = append(parts, dm.JudgingRules.ScoringCriteria)
	}
	return models.FinaleGuide{
		FinalVoteHostingFlow: "组织最终投票，统计结果",
		TruthRevealScript:    dm.TruthReveal,
		EndingJudgmentNotes:  strings.Join(parts, "\n"),
	}
}

// buildPlayablePlayerHandbooks 玩家手册重组
// 秘密按位置分发：第 i 个秘密归第 i+1 幕，不足时为空串
func buildPlayablePlayerHandbooks(script *models.Script, totalRounds int) []models.PlayablePlayerHandbook {
	handbooks := make([]models.PlayablePlayerHandbook, 0, len(script.PlayerHandbooks))
	for _, ph := range script.PlayerHandbooks {
		actContents := make([]models.PlayerActContent, 0, totalRounds)
		for i := 0; i < totalRounds; i++ {
			narrative := ""
			hints := []string{}
			if i < len(ph.RoundActions) {
				narrative = ph.RoundActions[i].Instructions
				hints = ph.RoundActions[i].Hints
			}
			secret := ""
			if i < len(ph.Secrets) {
				secret = ph.Secrets[i]
			}

			objectives := append([]string{ph.PrimaryGoal}, ph.SecondaryGoals...)
			actContents = append(actContents, models.PlayerActContent{
				ActIndex:              i + 1,
				CharacterID:           ph.CharacterID,
				PersonalNarrative:     narrative,
				Objectives:            objectives,
				ClueHints:             hints,
				DiscussionSuggestions: []string{},
				SecretInfo:            secret,
			})
		}

		handbooks = append(handbooks, models.PlayablePlayerHandbook{
			CharacterID:   ph.CharacterID,
			CharacterName: ph.CharacterName,
			PrologueContent: models.PlayerPrologueContent{
				CharacterID:      ph.CharacterID,
				BackgroundStory:  ph.BackgroundStory,
				Relationships:    ph.Relationships,
				InitialKnowledge: ph.KnownClues,
			},
			ActContents: actContents,
			FinaleContent: models.PlayerFinaleContent{
				CharacterID:           ph.CharacterID,
				ClosingStatementGuide: fmt.Sprintf("作为%s，做最终陈述", ph.CharacterName),
				VotingSuggestion:      "",
			},
		})
	}
	return handbooks
}
