// internal/api/handlers.go
package api

import (
	"encoding/json"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/Corphon/MysteryForgeMCP/internal/models"
	"github.com/Corphon/MysteryForgeMCP/internal/services"
)

// ---- 请求结构定义 ----

// CreateConfigRequest 创建剧本配置请求
type CreateConfigRequest struct {
	PlayerCount      int     `json:"player_count" binding:"required"`   // 玩家人数
	DurationHours    float64 `json:"duration_hours" binding:"required"` // 预计时长（小时）
	GameType         string  `json:"game_type" binding:"required"`      // 玩法类型
	AgeGroup         string  `json:"age_group"`                         // 适龄分级
	RestorationRatio int     `json:"restoration_ratio"`                 // 还原占比
	DeductionRatio   int     `json:"deduction_ratio"`                   // 推理占比
	Era              string  `json:"era"`                               // 时代背景
	Location         string  `json:"location"`                          // 场景地点
	Theme            string  `json:"theme"`                             // 题材主题
	TotalRounds      int     `json:"total_rounds" binding:"required"`   // 轮次数
	Language         string  `json:"language"`                          // 生成语言
}

func (r *CreateConfigRequest) toModel(id string) *models.ScriptConfig {
	return &models.ScriptConfig{
		ID:               id,
		PlayerCount:      r.PlayerCount,
		DurationHours:    r.DurationHours,
		GameType:         models.GameType(r.GameType),
		AgeGroup:         r.AgeGroup,
		RestorationRatio: r.RestorationRatio,
		DeductionRatio:   r.DeductionRatio,
		Era:              r.Era,
		Location:         r.Location,
		Theme:            r.Theme,
		TotalRounds:      r.TotalRounds,
		Language:         r.Language,
	}
}

// CreateSessionRequest 创建创作会话请求
type CreateSessionRequest struct {
	ConfigID string                     `json:"config_id" binding:"required"` // 剧本配置ID
	Mode     string                     `json:"mode" binding:"required"`      // 创作模式：staged | vibe
	AiConfig *models.EphemeralAiConfig  `json:"ai_config,omitempty"`          // 临时 AI 配置（密钥不落盘）
}

// EditPhaseRequest 编辑阶段产物请求
type EditPhaseRequest struct {
	Phase   string          `json:"phase" binding:"required"`   // 阶段名：plan | outline | chapter
	Content json.RawMessage `json:"content" binding:"required"` // 编辑后的完整JSON内容
}

// ApprovePhaseRequest 批准阶段产物请求
type ApprovePhaseRequest struct {
	Phase string `json:"phase" binding:"required"` // 阶段名：plan | outline | chapter
	Notes string `json:"notes"`                    // 作者备注，传递给下一阶段
}

// Handler API处理器
type Handler struct {
	ConfigService    *services.ConfigService
	AuthoringService *services.AuthoringService
	ScriptService    *services.ScriptService
	AiStatusService  *services.AiStatusService
	Response         *ResponseHelper
	wsManager        *WebSocketManager
}

// NewHandler 创建API处理器
func NewHandler(configService *services.ConfigService, authoringService *services.AuthoringService,
	scriptService *services.ScriptService, aiStatusService *services.AiStatusService) *Handler {
	return &Handler{
		ConfigService:    configService,
		AuthoringService: authoringService,
		ScriptService:    scriptService,
		AiStatusService:  aiStatusService,
		Response:         NewResponseHelper(),
		wsManager:        manager,
	}
}

// ---- 剧本配置 ----

// CreateConfig 创建剧本配置
// POST /api/configs
func (h *Handler) CreateConfig(c *gin.Context) {
	var req CreateConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "无效的请求格式: "+err.Error())
		return
	}

	created, err := h.ConfigService.CreateConfig(req.toModel(""))
	if err != nil {
		h.Response.AppError(c, err)
		return
	}
	h.Response.Created(c, created, "配置创建成功")
}

// GetConfig 获取剧本配置
// GET /api/configs/:id
func (h *Handler) GetConfig(c *gin.Context) {
	config, err := h.ConfigService.GetConfig(c.Param("id"))
	if err != nil {
		h.Response.AppError(c, err)
		return
	}
	h.Response.Success(c, config)
}

// ListConfigs 获取配置列表
// GET /api/configs
func (h *Handler) ListConfigs(c *gin.Context) {
	configs, err := h.ConfigService.ListConfigs()
	if err != nil {
		h.Response.AppError(c, err)
		return
	}
	h.Response.Success(c, configs)
}

// UpdateConfig 更新剧本配置
// PUT /api/configs/:id
func (h *Handler) UpdateConfig(c *gin.Context) {
	var req CreateConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "无效的请求格式: "+err.Error())
		return
	}

	updated, err := h.ConfigService.UpdateConfig(req.toModel(c.Param("id")))
	if err != nil {
		h.Response.AppError(c, err)
		return
	}
	h.Response.Success(c, updated, "配置更新成功")
}

// DeleteConfig 删除剧本配置
// DELETE /api/configs/:id
func (h *Handler) DeleteConfig(c *gin.Context) {
	if err := h.ConfigService.DeleteConfig(c.Param("id")); err != nil {
		h.Response.AppError(c, err)
		return
	}
	h.Response.Success(c, nil, "配置删除成功")
}

// ---- 创作会话 ----

// CreateSession 创建创作会话
// POST /api/authoring/sessions
func (h *Handler) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "无效的请求格式: "+err.Error())
		return
	}

	session, err := h.AuthoringService.CreateSession(req.ConfigID, models.AuthoringMode(req.Mode), req.AiConfig)
	if err != nil {
		h.Response.AppError(c, err)
		return
	}
	h.Response.Created(c, session, "会话创建成功")
}

// GetSession 获取会话详情
// GET /api/authoring/sessions/:id
func (h *Handler) GetSession(c *gin.Context) {
	session, err := h.AuthoringService.GetSession(c.Param("id"))
	if err != nil {
		h.Response.AppError(c, err)
		return
	}
	h.Response.Success(c, session)
}

// ListSessions 获取会话列表
// GET /api/authoring/sessions
func (h *Handler) ListSessions(c *gin.Context) {
	filters := models.SessionFilters{
		ConfigID: c.Query("config_id"),
		State:    models.SessionState(c.Query("state")),
		Mode:     models.AuthoringMode(c.Query("mode")),
	}
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			filters.Limit = n
		}
	}
	if v := c.Query("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			filters.Offset = n
		}
	}

	sessions, err := h.AuthoringService.ListSessions(filters)
	if err != nil {
		h.Response.AppError(c, err)
		return
	}
	h.Response.Success(c, sessions)
}

// AdvanceSession 推进会话到下一阶段
// POST /api/authoring/sessions/:id/advance
func (h *Handler) AdvanceSession(c *gin.Context) {
	session, err := h.AuthoringService.Advance(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.Response.AppError(c, err)
		return
	}
	h.Response.Success(c, session)
}

// EditPhase 编辑当前审阅阶段的产物
// POST /api/authoring/sessions/:id/edit
func (h *Handler) EditPhase(c *gin.Context) {
	var req EditPhaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "无效的请求格式: "+err.Error())
		return
	}

	session, err := h.AuthoringService.EditPhase(c.Param("id"), models.PhaseName(req.Phase), req.Content)
	if err != nil {
		h.Response.AppError(c, err)
		return
	}
	h.Response.Success(c, session)
}

// ApprovePhase 批准当前审阅阶段的产物
// POST /api/authoring/sessions/:id/approve
func (h *Handler) ApprovePhase(c *gin.Context) {
	var req ApprovePhaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "无效的请求格式: "+err.Error())
		return
	}

	session, err := h.AuthoringService.ApprovePhase(c.Request.Context(), c.Param("id"), models.PhaseName(req.Phase), req.Notes)
	if err != nil {
		h.Response.AppError(c, err)
		return
	}
	h.Response.Success(c, session)
}

// RegenerateChapter 重新生成指定章节
// POST /api/authoring/sessions/:id/chapters/:index/regenerate
func (h *Handler) RegenerateChapter(c *gin.Context) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		h.Response.BadRequest(c, "无效的章节序号")
		return
	}

	session, err := h.AuthoringService.RegenerateChapter(c.Request.Context(), c.Param("id"), index)
	if err != nil {
		h.Response.AppError(c, err)
		return
	}
	h.Response.Success(c, session)
}

// RetrySession 从失败状态重试
// POST /api/authoring/sessions/:id/retry
func (h *Handler) RetrySession(c *gin.Context) {
	session, err := h.AuthoringService.Retry(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.Response.AppError(c, err)
		return
	}
	h.Response.Success(c, session)
}

// RetryFailedChapters 重试批次中失败的章节
// POST /api/authoring/sessions/:id/retry-chapters
func (h *Handler) RetryFailedChapters(c *gin.Context) {
	session, err := h.AuthoringService.RetryFailedChapters(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.Response.AppError(c, err)
		return
	}
	h.Response.Success(c, session)
}

// UpdateSessionAiConfig 更新会话的 AI 配置（先验证后生效）
// PUT /api/authoring/sessions/:id/ai-config
func (h *Handler) UpdateSessionAiConfig(c *gin.Context) {
	var req models.EphemeralAiConfig
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "无效的请求格式: "+err.Error())
		return
	}
	if req.Provider == "" || req.APIKey == "" {
		h.Response.BadRequest(c, "provider 和 api_key 不能为空")
		return
	}

	session, err := h.AuthoringService.UpdateAiConfig(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		h.Response.AppError(c, err)
		return
	}
	h.Response.Success(c, session, "AI 配置已更新")
}

// AssembleScript 将已完成会话的产物组装为成品剧本
// POST /api/authoring/sessions/:id/assemble
func (h *Handler) AssembleScript(c *gin.Context) {
	session, err := h.AuthoringService.AssembleScript(c.Param("id"))
	if err != nil {
		h.Response.AppError(c, err)
		return
	}
	h.Response.Success(c, session, "剧本组装完成")
}

// ---- 成品剧本 ----

// GetScript 获取成品剧本
// GET /api/scripts/:id
func (h *Handler) GetScript(c *gin.Context) {
	script, err := h.ScriptService.GetScript(c.Param("id"))
	if err != nil {
		h.Response.AppError(c, err)
		return
	}
	h.Response.Success(c, script)
}

// ListScripts 获取剧本列表
// GET /api/scripts
func (h *Handler) ListScripts(c *gin.Context) {
	scripts, err := h.ScriptService.ListScripts()
	if err != nil {
		h.Response.AppError(c, err)
		return
	}
	h.Response.Success(c, scripts)
}

// GetPlayableStructure 获取剧本的可主持结构（缺失时迁移生成）
// GET /api/scripts/:id/playable
func (h *Handler) GetPlayableStructure(c *gin.Context) {
	playable, err := h.ScriptService.GetPlayableStructure(c.Param("id"))
	if err != nil {
		h.Response.AppError(c, err)
		return
	}
	h.Response.Success(c, playable)
}

// DeleteScript 删除成品剧本
// DELETE /api/scripts/:id
func (h *Handler) DeleteScript(c *gin.Context) {
	if err := h.ScriptService.DeleteScript(c.Param("id")); err != nil {
		h.Response.AppError(c, err)
		return
	}
	h.Response.Success(c, nil, "剧本删除成功")
}

// ---- AI 配置 ----

// GetAiStatus 查询服务端 AI 配置状态
// GET /api/ai/status
func (h *Handler) GetAiStatus(c *gin.Context) {
	h.Response.Success(c, h.AiStatusService.Status())
}

// VerifyAiConfig 验证调用方提供的 AI 配置
// POST /api/ai/verify
func (h *Handler) VerifyAiConfig(c *gin.Context) {
	var req models.EphemeralAiConfig
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "无效的请求格式: "+err.Error())
		return
	}
	if req.Provider == "" || req.APIKey == "" {
		h.Response.BadRequest(c, "provider 和 api_key 不能为空")
		return
	}
	h.Response.Success(c, h.AiStatusService.Verify(c.Request.Context(), req))
}

// ---- WebSocket ----

// SessionWebSocket 会话状态推送连接
// GET /ws/sessions/:id
func (h *Handler) SessionWebSocket(c *gin.Context) {
	h.wsManager.HandleConnection(c)
}
