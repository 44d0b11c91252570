// internal/api/handlers.go
package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/Corphon/StoryboardMCP/internal/config"
	apperrors "github.com/Corphon/StoryboardMCP/internal/errors"
	"github.com/Corphon/StoryboardMCP/internal/llm"
	"github.com/Corphon/StoryboardMCP/internal/models"
	"github.com/Corphon/StoryboardMCP/internal/services"
	"github.com/gin-gonic/gin"
)

// Handler 处理API请求
type Handler struct {
	// 核心服务
	LLMService        *services.LLMService        // 文本理解服务
	EntityService     *services.EntityService     // 实体服务
	PlannerService    *services.PlannerService    // 分镜规划服务
	RenderService     *services.RenderService     // 渲染服务
	ContinuityService *services.ContinuityService // 连续性检查服务
	JobService        *services.JobService        // 异步任务服务
	SequenceService   *services.SequenceService   // 序列服务
	MediaService      MediaGetter                 // 媒体读取
	Response          *ResponseHelper             // 响应助手
}

// MediaGetter 媒体定位符读取接口
type MediaGetter interface {
	Get(locator string) ([]byte, string, error)
	Exists(locator string) bool
}

// APIResponse 标准API响应格式
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	Message   string      `json:"message,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	RequestID string      `json:"request_id,omitempty"` // 用于调试和追踪
}

// APIError 标准错误格式
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// CreateProjectRequest 创建项目的请求结构
type CreateProjectRequest struct {
	Name string `json:"name"`
}

// CreateSequenceRequest 从剧本创建序列的请求结构
type CreateSequenceRequest struct {
	ProjectID string `json:"project_id"`
	Title     string `json:"title"`
	Script    string `json:"script"`
}

// IdentifyEntitiesRequest 实体识别的请求结构
type IdentifyEntitiesRequest struct {
	SequenceID string `json:"sequence_id"`
	Script     string `json:"script"`
}

// CustomShotRequest 自定义镜头的请求结构
type CustomShotRequest struct {
	Description string `json:"description"`
}

// EditShotRequest 镜头编辑的请求结构
type EditShotRequest struct {
	Instruction string `json:"instruction"`
}

// UpdateCapabilityConfigRequest 能力配置更新的请求结构
type UpdateCapabilityConfigRequest struct {
	Provider string            `json:"provider"`
	Config   map[string]string `json:"config"`
}

// ========================================
// 项目与实体
// ========================================

// CreateProject 创建项目
func (h *Handler) CreateProject(c *gin.Context) {
	var req CreateProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "无效的请求格式", err.Error())
		return
	}

	project, err := h.SequenceService.CreateProject(req.Name)
	if err != nil {
		h.respondError(c, err)
		return
	}

	h.Response.Created(c, project, "项目创建成功")
}

// GetProject 获取项目
func (h *Handler) GetProject(c *gin.Context) {
	project, err := h.SequenceService.GetProject(c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.Response.Success(c, project)
}

// GetEntities 获取项目的全局资产池
func (h *Handler) GetEntities(c *gin.Context) {
	entities, err := h.EntityService.GetEntities(c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.Response.Success(c, entities)
}

// IdentifyEntities 异步识别剧本中的视觉资产
func (h *Handler) IdentifyEntities(c *gin.Context) {
	projectID := c.Param("id")

	var req IdentifyEntitiesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "无效的请求格式", err.Error())
		return
	}
	if req.SequenceID == "" {
		h.Response.BadRequest(c, "sequence_id不能为空")
		return
	}

	script := req.Script
	if script == "" {
		// 未显式提供剧本时使用序列自带的剧本
		seq, err := h.SequenceService.GetSequence(req.SequenceID)
		if err != nil {
			h.respondError(c, err)
			return
		}
		script = seq.Script
	}

	jobID := h.JobService.Submit(models.JobTypeIdentify, func(handle *services.JobHandle) {
		handle.UpdateProgress(10, "分析剧本中的视觉资产")

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		entities, err := h.EntityService.IdentifyEntities(ctx, projectID, req.SequenceID, script)
		if err != nil {
			handle.Fail(err)
			return
		}
		handle.Complete(gin.H{"entities": entities})
	})

	h.Response.Success(c, gin.H{"job_id": jobID}, "实体识别已启动")
}

// UploadEntityImage 上传实体参考图像
func (h *Handler) UploadEntityImage(c *gin.Context) {
	projectID := c.Param("id")
	entityID := c.Param("eid")

	file, header, err := c.Request.FormFile("image")
	if err != nil {
		h.Response.BadRequest(c, "缺少image文件字段", err.Error())
		return
	}
	defer file.Close()

	if header.Size > 20<<20 {
		h.Response.BadRequest(c, "图像文件超过20MB限制")
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		h.Response.InternalError(c, "读取上传文件失败", err.Error())
		return
	}

	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}

	locator, err := h.EntityService.AttachEntityImage(projectID, entityID, data, mimeType)
	if err != nil {
		h.respondError(c, err)
		return
	}

	h.Response.Success(c, gin.H{"locator": locator}, "图像上传成功")
}

// ========================================
// 序列与分镜规划
// ========================================

// CreateSequence 从剧本创建序列
func (h *Handler) CreateSequence(c *gin.Context) {
	var req CreateSequenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "无效的请求格式", err.Error())
		return
	}

	seq, err := h.SequenceService.CreateSequence(req.ProjectID, req.Title, req.Script)
	if err != nil {
		h.respondError(c, err)
		return
	}

	h.Response.Created(c, seq, "序列创建成功")
}

// GetSequence 获取序列
func (h *Handler) GetSequence(c *gin.Context) {
	seq, err := h.SequenceService.GetSequence(c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.Response.Success(c, seq)
}

// PlanShots 异步执行三阶段分镜规划
func (h *Handler) PlanShots(c *gin.Context) {
	sequenceID := c.Param("id")

	if !h.LLMService.IsReady() {
		h.Response.Error(c, http.StatusServiceUnavailable, ErrorLLMServiceUnavailable,
			"文本理解服务未就绪", h.LLMService.GetReadyState())
		return
	}

	jobID := h.JobService.Submit(models.JobTypePlan, func(handle *services.JobHandle) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()

		seq, err := h.PlannerService.PlanShots(ctx, sequenceID, handle.UpdateProgress)
		if err != nil {
			handle.Fail(err)
			return
		}
		handle.Complete(gin.H{
			"scene_context": seq.SceneContext,
			"shot_plan":     seq.PlannedShots,
			"shots":         seq.Shots,
		})
	})

	h.Response.Success(c, gin.H{"job_id": jobID}, "分镜规划已启动")
}

// CreateCustomShot 插入一个自定义镜头
func (h *Handler) CreateCustomShot(c *gin.Context) {
	var req CustomShotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "无效的请求格式", err.Error())
		return
	}

	shot, err := h.PlannerService.AnalyzeCustomShot(c.Request.Context(), c.Param("id"), req.Description)
	if err != nil {
		h.respondError(c, err)
		return
	}

	h.Response.Created(c, shot, "自定义镜头已创建")
}

// ========================================
// 渲染
// ========================================

// RenderShot 异步渲染单个镜头
func (h *Handler) RenderShot(c *gin.Context) {
	sequenceID := c.Param("id")
	shotID, err := strconv.Atoi(c.Param("shotID"))
	if err != nil {
		h.Response.BadRequest(c, "无效的镜头ID", c.Param("shotID"))
		return
	}

	jobID := h.JobService.Submit(models.JobTypeRender, func(handle *services.JobHandle) {
		handle.UpdateProgress(5, fmt.Sprintf("渲染镜头%d", shotID))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()

		locator, err := h.RenderService.RenderShot(ctx, sequenceID, shotID)
		if err != nil {
			handle.Fail(err)
			return
		}
		handle.Complete(gin.H{"shot_id": shotID, "locator": locator})
	})

	h.Response.Success(c, gin.H{"job_id": jobID}, "渲染已启动")
}

// RenderBatch 异步按顺序渲染整个序列
func (h *Handler) RenderBatch(c *gin.Context) {
	sequenceID := c.Param("id")

	jobID := h.JobService.Submit(models.JobTypeRenderBatch, func(handle *services.JobHandle) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Hour)
		defer cancel()

		results, err := h.RenderService.RenderBatch(ctx, sequenceID, handle.UpdateProgress)
		if err != nil {
			handle.Fail(err)
			return
		}
		handle.Complete(gin.H{"results": results})
	})

	h.Response.Success(c, gin.H{"job_id": jobID}, "批量渲染已启动")
}

// EditShot 异步编辑镜头
func (h *Handler) EditShot(c *gin.Context) {
	sequenceID := c.Param("id")
	shotID, err := strconv.Atoi(c.Param("shotID"))
	if err != nil {
		h.Response.BadRequest(c, "无效的镜头ID", c.Param("shotID"))
		return
	}

	var req EditShotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "无效的请求格式", err.Error())
		return
	}

	jobID := h.JobService.Submit(models.JobTypeEdit, func(handle *services.JobHandle) {
		handle.UpdateProgress(5, fmt.Sprintf("编辑镜头%d", shotID))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()

		shot, err := h.RenderService.EditShot(ctx, sequenceID, shotID, req.Instruction)
		if err != nil {
			handle.Fail(err)
			return
		}
		handle.Complete(shot)
	})

	h.Response.Success(c, gin.H{"job_id": jobID}, "镜头编辑已启动")
}

// ========================================
// 连续性检查
// ========================================

// GetContinuity 运行连续性检查并返回问题列表
func (h *Handler) GetContinuity(c *gin.Context) {
	issues, err := h.ContinuityService.CheckSequence(c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.Response.Success(c, issues)
}

// ApplyContinuityFix 应用机械修正
func (h *Handler) ApplyContinuityFix(c *gin.Context) {
	shot, err := h.ContinuityService.ApplyFix(c.Param("id"), c.Param("issueID"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.Response.Success(c, shot, "修正已应用")
}

// DismissContinuityIssue 人工忽略问题
func (h *Handler) DismissContinuityIssue(c *gin.Context) {
	if err := h.ContinuityService.Dismiss(c.Param("id"), c.Param("issueID")); err != nil {
		h.respondError(c, err)
		return
	}
	h.Response.Success(c, nil, "问题已忽略")
}

// ========================================
// 任务轮询与进度流
// ========================================

// GetJob 轮询任务状态
func (h *Handler) GetJob(c *gin.Context) {
	job, err := h.JobService.Poll(c.Param("jobID"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.Response.Success(c, job)
}

// SubscribeProgress 通过SSE订阅任务进度
func (h *Handler) SubscribeProgress(c *gin.Context) {
	jobID := c.Param("jobID")

	updates, cancel, err := h.JobService.Subscribe(jobID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	defer cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	c.Stream(func(w io.Writer) bool {
		select {
		case job, ok := <-updates:
			if !ok {
				return false
			}
			c.SSEvent("progress", job)
			return !job.IsTerminal()
		case <-c.Request.Context().Done():
			return false
		case <-time.After(30 * time.Second):
			c.SSEvent("ping", time.Now().Unix())
			return true
		}
	})
}

// JobWebSocket 通过WebSocket推送任务进度
func (h *Handler) JobWebSocket(c *gin.Context) {
	serveJobSocket(c, h.JobService)
}

// ========================================
// 媒体
// ========================================

// ServeMedia 按定位符提供媒体字节
func (h *Handler) ServeMedia(c *gin.Context) {
	locator := c.Param("path")
	if len(locator) > 0 && locator[0] == '/' {
		locator = locator[1:]
	}

	data, mimeType, err := h.MediaService.Get("media/" + locator)
	if err != nil {
		h.Response.NotFound(c, "媒体文件")
		return
	}

	c.Header("Cache-Control", "public, max-age=86400")
	c.Data(http.StatusOK, mimeType, data)
}

// ========================================
// 设置与能力配置
// ========================================

// GetSettings 获取当前设置
func (h *Handler) GetSettings(c *gin.Context) {
	cfg := config.GetCurrentConfig()

	// API密钥不回传
	h.Response.Success(c, gin.H{
		"llm_provider":         cfg.LLMProvider,
		"llm_ready":            h.LLMService.IsReady(),
		"image_provider":       cfg.ImageProvider,
		"image_ready":          h.RenderService.IsReady(),
		"max_reference_images": cfg.MaxReferenceImages,
		"default_aspect":       cfg.DefaultAspect,
		"debug_mode":           cfg.DebugMode,
	})
}

// SaveSettings 更新图像能力配置
func (h *Handler) SaveSettings(c *gin.Context) {
	var req UpdateCapabilityConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "无效的请求格式", err.Error())
		return
	}

	if err := h.RenderService.UpdateProvider(req.Provider, req.Config); err != nil {
		h.Response.Error(c, http.StatusBadRequest, ErrorCapabilityConfigInvalid,
			"图像能力配置无效", err.Error())
		return
	}

	if err := config.UpdateImageConfig(req.Provider, req.Config); err != nil {
		h.Response.InternalError(c, "保存配置失败", err.Error())
		return
	}

	h.Response.Success(c, gin.H{"provider": req.Provider}, "设置已保存")
}

// GetLLMStatus 获取文本理解服务状态
func (h *Handler) GetLLMStatus(c *gin.Context) {
	h.Response.Success(c, gin.H{
		"ready":    h.LLMService.IsReady(),
		"state":    h.LLMService.GetReadyState(),
		"provider": h.LLMService.GetProviderName(),
	})
}

// GetLLMModels 获取提供商支持的模型列表
func (h *Handler) GetLLMModels(c *gin.Context) {
	provider := c.DefaultQuery("provider", h.LLMService.GetProviderName())
	modelList := llm.GetSupportedModelsForProvider(provider)
	if len(modelList) == 0 {
		h.Response.BadRequest(c, "未知的提供商", provider)
		return
	}
	h.Response.Success(c, gin.H{"provider": provider, "models": modelList})
}

// UpdateLLMConfig 更新文本理解能力配置
func (h *Handler) UpdateLLMConfig(c *gin.Context) {
	var req UpdateCapabilityConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "无效的请求格式", err.Error())
		return
	}

	if err := h.LLMService.UpdateProvider(req.Provider, req.Config); err != nil {
		h.Response.Error(c, http.StatusBadRequest, ErrorCapabilityConfigInvalid,
			"文本理解能力配置无效", err.Error())
		return
	}

	if err := config.UpdateLLMConfig(req.Provider, req.Config); err != nil {
		h.Response.InternalError(c, "保存配置失败", err.Error())
		return
	}

	h.Response.Success(c, gin.H{"provider": req.Provider}, "配置已更新")
}

// respondError 按错误类型映射HTTP状态码
func (h *Handler) respondError(c *gin.Context, err error) {
	switch {
	case apperrors.IsValidationError(err):
		h.Response.BadRequest(c, err.Error())
	case apperrors.IsNotFoundError(err):
		h.Response.Error(c, http.StatusNotFound, ErrorNotFound, err.Error())
	case apperrors.IsConflictError(err):
		h.Response.Conflict(c, err.Error())
	case apperrors.IsTimeoutError(err):
		h.Response.Error(c, http.StatusGatewayTimeout, ErrorTimeout, err.Error())
	case apperrors.IsCapabilityError(err):
		h.Response.Error(c, http.StatusBadGateway, ErrorCapabilityFailed, err.Error())
	default:
		h.Response.InternalError(c, err.Error())
	}
}
