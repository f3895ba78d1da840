// internal/services/config_service.go
package services

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/Corphon/MysteryForgeMCP/internal/errors"
	"github.com/Corphon/MysteryForgeMCP/internal/models"
	"github.com/Corphon/MysteryForgeMCP/internal/storage"
)

const configsDir = "configs"

// ConfigService 剧本生成配置的存取服务
type ConfigService struct {
	storage *storage.FileStorage
}

// NewConfigService 创建配置服务
func NewConfigService(fs *storage.FileStorage) *ConfigService {
	return &ConfigService{storage: fs}
}

// CreateConfig 保存一份新配置，自动分配 ID
func (s *ConfigService) CreateConfig(config *models.ScriptConfig) (*models.ScriptConfig, error) {
	if err := validateConfig(config); err != nil {
		return nil, err
	}

	now := time.Now()
	config.ID = uuid.NewString()
	config.CreatedAt = now
	config.UpdatedAt = now

	if err := s.storage.SaveJSONFile(configsDir, config.ID+".json", config); err != nil {
		return nil, errors.NewProcessingError("保存配置失败", err)
	}
	return config, nil
}

// GetConfig 按 ID 读取配置
func (s *ConfigService) GetConfig(configID string) (*models.ScriptConfig, error) {
	var config models.ScriptConfig
	if err := s.storage.LoadJSONFile(configsDir, configID+".json", &config); err != nil {
		return nil, errors.NewNotFoundError(
			fmt.Sprintf("配置不存在: %s", configID), err)
	}
	return &config, nil
}

// UpdateConfig 更新已有配置
func (s *ConfigService) UpdateConfig(config *models.ScriptConfig) (*models.ScriptConfig, error) {
	if err := validateConfig(config); err != nil {
		return nil, err
	}
	existing, err := s.GetConfig(config.ID)
	if err != nil {
		return nil, err
	}

	config.CreatedAt = existing.CreatedAt
	config.UpdatedAt = time.Now()
	if err := s.storage.SaveJSONFile(configsDir, config.ID+".json", config); err != nil {
		return nil, errors.NewProcessingError("保存配置失败", err)
	}
	return config, nil
}

// ListConfigs 列出所有配置，按创建时间倒序
func (s *ConfigService) ListConfigs() ([]*models.ScriptConfig, error) {
	names, err := s.storage.ListFiles(configsDir)
	if err != nil {
		return nil, errors.NewProcessingError("读取配置目录失败", err)
	}

	configs := make([]*models.ScriptConfig, 0, len(names))
	for _, name := range names {
		var config models.ScriptConfig
		if err := s.storage.LoadJSONFile(configsDir, name+".json", &config); err != nil {
			continue
		}
		configs = append(configs, &config)
	}

	sort.Slice(configs, func(i, j int) bool {
		return configs[i].CreatedAt.After(configs[j].CreatedAt)
	})
	return configs, nil
}

// DeleteConfig 删除配置
func (s *ConfigService) DeleteConfig(configID string) error {
	if !s.storage.FileExists(configsDir, configID+".json") {
		return errors.NewNotFoundError(fmt.Sprintf("配置不存在: %s", configID), nil)
	}
	return s.storage.DeleteFile(configsDir, configID+".json")
}

// validateConfig 校验配置参数
func validateConfig(config *models.ScriptConfig) error {
	if config.PlayerCount < 2 {
		return errors.NewValidationError("玩家人数至少为2", nil)
	}
	if config.DurationHours <= 0 {
		return errors.NewValidationError("游戏时长必须为正数", nil)
	}
	if config.TotalRounds <= 0 {
		return errors.NewValidationError("轮次数必须为正数", nil)
	}
	switch config.GameType {
	case models.GameHonkaku, models.GameShinHonkaku, models.GameEmotional, models.GameMechanism:
	default:
		return errors.NewValidationError(
			fmt.Sprintf("不支持的游戏类型: %s", config.GameType), nil)
	}
	return nil
}
