// internal/services/config_service_test.go
package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Corphon/MysteryForgeMCP/internal/errors"
	"github.com/Corphon/MysteryForgeMCP/internal/models"
	"github.com/Corphon/MysteryForgeMCP/internal/storage"
)

func newConfigService(t *testing.T) *ConfigService {
	t.Helper()
	fs, err := storage.NewFileStorage(t.TempDir())
	require.NoError(t, err)
	return NewConfigService(fs)
}

func validConfig() *models.ScriptConfig {
	return &models.ScriptConfig{
		PlayerCount:   4,
		DurationHours: 4,
		GameType:      models.GameShinHonkaku,
		Era:           "民国",
		Theme:         "孤岛别墅",
		TotalRounds:   3,
	}
}

func TestCreateConfigAssignsID(t *testing.T) {
	svc := newConfigService(t)

	created, err := svc.CreateConfig(validConfig())
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.False(t, created.CreatedAt.IsZero())

	loaded, err := svc.GetConfig(created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.Theme, loaded.Theme)
}

func TestCreateConfigValidation(t *testing.T) {
	svc := newConfigService(t)

	cases := []struct {
		name   string
		mutate func(*models.ScriptConfig)
	}{
		{"玩家人数过少", func(c *models.ScriptConfig) { c.PlayerCount = 1 }},
		{"时长非正", func(c *models.ScriptConfig) { c.DurationHours = 0 }},
		{"轮次非正", func(c *models.ScriptConfig) { c.TotalRounds = -1 }},
		{"未知游戏类型", func(c *models.ScriptConfig) { c.GameType = "kaiju" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			config := validConfig()
			tc.mutate(config)
			_, err := svc.CreateConfig(config)
			require.Error(t, err)
			assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation))
		})
	}
}

func TestUpdateConfigKeepsID(t *testing.T) {
	svc := newConfigService(t)

	created, err := svc.CreateConfig(validConfig())
	require.NoError(t, err)

	created.Theme = "雪山旅店"
	updated, err := svc.UpdateConfig(created)
	require.NoError(t, err)
	assert.Equal(t, created.ID, updated.ID)

	loaded, err := svc.GetConfig(created.ID)
	require.NoError(t, err)
	assert.Equal(t, "雪山旅店", loaded.Theme)
}

func TestGetConfigNotFound(t *testing.T) {
	svc := newConfigService(t)

	_, err := svc.GetConfig("missing")
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestDeleteConfig(t *testing.T) {
	svc := newConfigService(t)

	created, err := svc.CreateConfig(validConfig())
	require.NoError(t, err)
	require.NoError(t, svc.DeleteConfig(created.ID))

	_, err = svc.GetConfig(created.ID)
	assert.True(t, apperrors.IsNotFound(err))

	list, err := svc.ListConfigs()
	require.NoError(t, err)
	assert.Empty(t, list)
}
