// internal/services/script_service.go
package services

import (
	"fmt"
	"sort"
	"time"

	"github.com/Corphon/MysteryForgeMCP/internal/errors"
	"github.com/Corphon/MysteryForgeMCP/internal/models"
	"github.com/Corphon/MysteryForgeMCP/internal/storage"
)

const scriptsDir = "scripts"

// ScriptService 剧本文档的存取与演出结构迁移服务
type ScriptService struct {
	storage *storage.FileStorage
}

// NewScriptService 创建剧本服务
func NewScriptService(fs *storage.FileStorage) *ScriptService {
	return &ScriptService{storage: fs}
}

// StoreScript 保存剧本文档
func (s *ScriptService) StoreScript(script *models.Script) error {
	if script.ID == "" {
		return errors.NewValidationError("剧本缺少 ID", nil)
	}
	if err := s.storage.SaveJSONFile(scriptsDir, script.ID+".json", script); err != nil {
		return errors.NewProcessingError("保存剧本失败", err)
	}
	return nil
}

// GetScript 按 ID 读取剧本文档
func (s *ScriptService) GetScript(scriptID string) (*models.Script, error) {
	var script models.Script
	if err := s.storage.LoadJSONFile(scriptsDir, scriptID+".json", &script); err != nil {
		return nil, errors.NewNotFoundError(
			fmt.Sprintf("剧本不存在: %s", scriptID), err)
	}
	return &script, nil
}

// GetPlayableStructure 读取剧本的演出结构
// 首次访问时做一次确定性迁移并缓存回剧本文档，不改动其余字段
func (s *ScriptService) GetPlayableStructure(scriptID string) (*models.PlayableStructure, error) {
	script, err := s.GetScript(scriptID)
	if err != nil {
		return nil, err
	}

	if script.PlayableStructure != nil {
		return script.PlayableStructure, nil
	}

	playable := MigrateToPlayable(script)

	var onDisk models.Script
	err = s.storage.UpdateJSONFile(scriptsDir, scriptID+".json", &onDisk, func() error {
		if onDisk.PlayableStructure == nil {
			onDisk.PlayableStructure = playable
			onDisk.UpdatedAt = time.Now()
		}
		return nil
	})
	if err != nil {
		return nil, errors.NewProcessingError("缓存演出结构失败", err)
	}

	return playable, nil
}

// ListScripts 列出所有剧本，按创建时间倒序
func (s *ScriptService) ListScripts() ([]*models.Script, error) {
	names, err := s.storage.ListFiles(scriptsDir)
	if err != nil {
		return nil, errors.NewProcessingError("读取剧本目录失败", err)
	}

	scripts := make([]*models.Script, 0, len(names))
	for _, name := range names {
		var script models.Script
		if err := s.storage.LoadJSONFile(scriptsDir, name+".json", &script); err != nil {
			continue
		}
		scripts = append(scripts, &script)
	}

	sort.Slice(scripts, func(i, j int) bool {
		return scripts[i].CreatedAt.After(scripts[j].CreatedAt)
	})
	return scripts, nil
}

// DeleteScript 删除剧本
func (s *ScriptService) DeleteScript(scriptID string) error {
	if !s.storage.FileExists(scriptsDir, scriptID+".json") {
		return errors.NewNotFoundError(fmt.Sprintf("剧本不存在: %s", scriptID), nil)
	}
	return s.storage.DeleteFile(scriptsDir, scriptID+".json")
}
