// internal/models/config.go
package models

import "time"

// GameType 玩法类型
type GameType string

const (
	GameHonkaku     GameType = "honkaku"
	GameShinHonkaku GameType = "shin_honkaku"
	GameEmotional   GameType = "emotional"
	GameMechanism   GameType = "mechanism"
)

// ScriptConfig 剧本生成配置，会话通过 ConfigID 引用
type ScriptConfig struct {
	ID               string    `json:"id"`
	PlayerCount      int       `json:"player_count"`
	DurationHours    float64   `json:"duration_hours"`
	GameType         GameType  `json:"game_type"`
	AgeGroup         string    `json:"age_group"`
	RestorationRatio int       `json:"restoration_ratio"`
	DeductionRatio   int       `json:"deduction_ratio"`
	Era              string    `json:"era"`
	Location         string    `json:"location"`
	Theme            string    `json:"theme"`
	TotalRounds      int       `json:"total_rounds"`
	Language         string    `json:"language,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// TotalChapters 章节总数约定：0 号 DM 手册，1..N 玩家手册，N+1 物料，N+2 分支结构
func (c *ScriptConfig) TotalChapters() int {
	return c.PlayerCount + 3
}
