// internal/services/render_service.go
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/Corphon/StoryboardMCP/internal/config"
	apperrors "github.com/Corphon/StoryboardMCP/internal/errors"
	"github.com/Corphon/StoryboardMCP/internal/imagegen"
	"github.com/Corphon/StoryboardMCP/internal/models"
	"github.com/Corphon/StoryboardMCP/internal/storage"
	"github.com/Corphon/StoryboardMCP/internal/utils"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// RenderService 驱动镜头图像的生成与编辑
// 批量渲染是有意串行的：第N镜复用第N-1镜的成图作为连续性锚点，
// 单镜失败不中止批次，后续镜头继续独立尝试
type RenderService struct {
	llmService *LLMService
	sequences  *SequenceService
	references *ReferenceService
	media      *storage.MediaStore

	providerMutex sync.RWMutex
	provider      imagegen.Provider
	providerName  string

	// 图像后端的请求节流
	limiter *rate.Limiter
}

// NewRenderService 创建渲染服务
func NewRenderService(llmService *LLMService, sequences *SequenceService, references *ReferenceService, media *storage.MediaStore) *RenderService {
	service := &RenderService{
		llmService: llmService,
		sequences:  sequences,
		references: references,
		media:      media,
		limiter:    rate.NewLimiter(rate.Every(3*time.Second), 1),
	}

	cfg := config.GetCurrentConfig()
	if cfg != nil && cfg.ImageProvider != "" && cfg.ImageConfig["api_key"] != "" {
		if provider, err := imagegen.GetProvider(cfg.ImageProvider, cfg.ImageConfig); err == nil {
			service.provider = provider
			service.providerName = cfg.ImageProvider
		}
	}

	return service
}

// IsReady 图像后端是否已配置
func (s *RenderService) IsReady() bool {
	s.providerMutex.RLock()
	defer s.providerMutex.RUnlock()
	return s.provider != nil
}

// GetProviderName 返回当前图像后端名称
func (s *RenderService) GetProviderName() string {
	s.providerMutex.RLock()
	defer s.providerMutex.RUnlock()
	return s.providerName
}

// UpdateProvider 切换图像后端
func (s *RenderService) UpdateProvider(providerName string, providerConfig map[string]string) error {
	provider, err := imagegen.GetProvider(providerName, providerConfig)
	if err != nil {
		return fmt.Errorf("初始化图像后端失败: %w", err)
	}

	s.providerMutex.Lock()
	defer s.providerMutex.Unlock()
	s.provider = provider
	s.providerName = providerName
	return nil
}

func (s *RenderService) currentProvider() (imagegen.Provider, error) {
	s.providerMutex.RLock()
	defer s.providerMutex.RUnlock()
	if s.provider == nil {
		return nil, apperrors.NewValidationError("图像生成后端未配置", nil)
	}
	return s.provider, nil
}

// RenderShot 渲染单个镜头并把成图定位符写回序列
// 锚点选取：master镜的成图优先级最高，其次是紧邻前一镜的成图
func (s *RenderService) RenderShot(ctx context.Context, sequenceID string, shotID int) (string, error) {
	provider, err := s.currentProvider()
	if err != nil {
		return "", err
	}

	seq, err := s.sequences.GetSequence(sequenceID)
	if err != nil {
		return "", err
	}

	shot := seq.FindShot(shotID)
	if shot == nil {
		return "", apperrors.NewNotFoundError(fmt.Sprintf("镜头不存在: %d", shotID), nil)
	}
	if shot.VisualBreakdown == nil {
		return "", apperrors.NewValidationError(
			fmt.Sprintf("镜头%d还没有visual_breakdown，先执行规划", shotID), nil)
	}

	project, err := s.sequences.GetProject(seq.ProjectID)
	if err != nil {
		return "", err
	}

	// 标记渲染中
	if _, err := s.setShotLoading(sequenceID, shotID, true); err != nil {
		return "", err
	}

	logger := utils.GetLogger()
	logger.Info("开始渲染镜头", map[string]interface{}{
		"sequence_id": sequenceID,
		"shot_id":     shotID,
		"plan_type":   string(shot.PlanType),
		"provider":    s.GetProviderName(),
	})

	locator, renderErr := s.renderOnce(ctx, provider, seq, project, shot)
	if renderErr != nil {
		logger.Error("镜头渲染失败", map[string]interface{}{
			"sequence_id": sequenceID,
			"shot_id":     shotID,
			"error":       renderErr.Error(),
		})
	}

	// 无论成败都清除loading标记；失败的镜头保持未渲染状态
	_, updateErr := s.sequences.UpdateSequence(sequenceID, func(current *models.Sequence) error {
		target := current.FindShot(shotID)
		if target == nil {
			return nil
		}
		target.Loading = false
		if renderErr == nil {
			target.ImageURL = locator
			// 重映射后的结构化字段一并落盘
			target.VisualBreakdown = shot.VisualBreakdown
		}

		if renderErr == nil && allShotsRendered(current) &&
			current.Status.CanTransition(models.SequenceStatusStoryboarded) {
			current.Status = models.SequenceStatusStoryboarded
		}
		return nil
	})

	if renderErr != nil {
		return "", renderErr
	}
	if updateErr != nil {
		return "", updateErr
	}

	return locator, nil
}

func (s *RenderService) renderOnce(ctx context.Context, provider imagegen.Provider, seq *models.Sequence, project *models.Project, shot *models.ShotPlan) (string, error) {
	anchors := s.anchorsFor(seq, shot)

	payload, err := s.references.BuildPayload(ctx, shot, seq, project, anchors)
	if err != nil {
		return "", err
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return "", err
	}

	cfg := config.GetCurrentConfig()
	resp, err := provider.GenerateImage(ctx, imagegen.ImageRequest{
		Parts:       payload.ToPromptParts(),
		AspectRatio: cfg.DefaultAspect,
	})
	if err != nil {
		return "", err
	}

	return s.persistImage(seq.ID, shot.ShotID, resp)
}

// anchorsFor 选取连续性锚点：master镜与紧邻前一镜已渲染的成图
// master镜自身没有锚点；紧邻前一镜未渲染时只降级使用master锚点
func (s *RenderService) anchorsFor(seq *models.Sequence, shot *models.ShotPlan) Anchors {
	var anchors Anchors

	if shot.PlanType == models.PlanTypeMaster {
		return anchors
	}

	if master := seq.MasterShot(); master != nil && master.ShotID != shot.ShotID {
		anchors.MasterLocator = master.ImageURL
	}

	var previous *models.ShotPlan
	for _, candidate := range seq.Shots {
		if candidate.ShotID >= shot.ShotID {
			break
		}
		previous = candidate
	}
	if previous != nil && previous.ImageURL != "" && previous.ImageURL != anchors.MasterLocator {
		anchors.PreviousLocator = previous.ImageURL
	}

	return anchors
}

// persistImage 保存成图字节，外部URL后端的结果原样透传为定位符
func (s *RenderService) persistImage(sequenceID string, shotID int, resp *imagegen.ImageResponse) (string, error) {
	if resp.ExternalURL != "" {
		return resp.ExternalURL, nil
	}
	if len(resp.Data) == 0 {
		return "", apperrors.NewCapabilityError("图像后端未返回任何图像数据", nil)
	}

	mimeType := resp.MimeType
	if mimeType == "" {
		mimeType = "image/png"
	}

	key := path.Join("media", "shots", sequenceID,
		fmt.Sprintf("shot_%d_%s", shotID, uuid.New().String()[:8]))
	locator, err := s.media.Save(key, resp.Data, mimeType)
	if err != nil {
		return "", fmt.Errorf("保存镜头图像失败: %w", err)
	}

	return locator, nil
}

// BatchResult 批量渲染中单个镜头的结果
type BatchResult struct {
	ShotID  int    `json:"shot_id"`
	Locator string `json:"locator,omitempty"`
	Error   string `json:"error,omitempty"`
}

// RenderBatch 按镜头顺序串行渲染整个序列
// 第5镜失败时第1-4镜保持已渲染，第6镜及之后继续尝试
func (s *RenderService) RenderBatch(ctx context.Context, sequenceID string, progress ProgressFunc) ([]BatchResult, error) {
	if progress == nil {
		progress = func(int, string) {}
	}

	seq, err := s.sequences.GetSequence(sequenceID)
	if err != nil {
		return nil, err
	}
	if len(seq.Shots) == 0 {
		return nil, apperrors.NewValidationError("序列还没有镜头可渲染", nil)
	}

	results := make([]BatchResult, 0, len(seq.Shots))
	for i, shot := range seq.Shots {
		progress(100*i/len(seq.Shots), fmt.Sprintf("渲染镜头 %d/%d", i+1, len(seq.Shots)))

		if shot.ImageURL != "" {
			// 已渲染的镜头跳过，保留其成图作为后续锚点
			results = append(results, BatchResult{ShotID: shot.ShotID, Locator: shot.ImageURL})
			continue
		}

		locator, err := s.RenderShot(ctx, sequenceID, shot.ShotID)
		if err != nil {
			results = append(results, BatchResult{ShotID: shot.ShotID, Error: err.Error()})
			continue
		}
		results = append(results, BatchResult{ShotID: shot.ShotID, Locator: locator})
	}

	progress(100, "批量渲染完成")
	return results, nil
}

const editBreakdownSystemPrompt = `You are a cinematographer revising one storyboard shot according to an edit instruction.
Apply the instruction to the given breakdown and return the FULL updated breakdown in the same JSON structure.
Keep every field that the instruction does not touch exactly as it was, including reference_image and original_ref fields.`

// EditShot 按编辑指令更新镜头的视觉规格并生成新图像
// 当前成图作为首要参考图随指令一起发送
func (s *RenderService) EditShot(ctx context.Context, sequenceID string, shotID int, instruction string) (*models.ShotPlan, error) {
	if strings.TrimSpace(instruction) == "" {
		return nil, apperrors.NewValidationError("编辑指令不能为空", nil)
	}

	provider, err := s.currentProvider()
	if err != nil {
		return nil, err
	}

	seq, err := s.sequences.GetSequence(sequenceID)
	if err != nil {
		return nil, err
	}

	shot := seq.FindShot(shotID)
	if shot == nil {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("镜头不存在: %d", shotID), nil)
	}
	if shot.VisualBreakdown == nil {
		return nil, apperrors.NewValidationError("镜头还没有visual_breakdown可编辑", nil)
	}

	// 第一步：让文本理解能力更新结构化规格
	breakdownJSON, err := json.Marshal(shot.VisualBreakdown)
	if err != nil {
		return nil, err
	}

	prompt := fmt.Sprintf("Current breakdown:\n%s\n\nEdit instruction:\n%s", string(breakdownJSON), instruction)

	var updated models.VisualBreakdown
	if err := s.llmService.CreateStructuredCompletion(ctx, prompt, editBreakdownSystemPrompt, &updated); err != nil {
		return nil, err
	}
	if err := validateVisualBreakdown(&updated); err != nil {
		return nil, err
	}

	// 第二步：基于当前成图和编辑指令生成新图像
	parts := []imagegen.PromptPart{
		{Text: fmt.Sprintf("Edit this storyboard frame: %s\nKeep everything else identical to the reference image.", instruction)},
	}
	if shot.ImageURL != "" && s.media.Exists(shot.ImageURL) {
		if data, mimeType, err := s.media.Get(shot.ImageURL); err == nil {
			parts = append(parts, imagegen.PromptPart{ImageData: data, MimeType: mimeType})
		}
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	cfg := config.GetCurrentConfig()
	resp, err := provider.GenerateImage(ctx, imagegen.ImageRequest{
		Parts:       parts,
		AspectRatio: cfg.DefaultAspect,
	})
	if err != nil {
		return nil, err
	}

	locator, err := s.persistImage(sequenceID, shotID, resp)
	if err != nil {
		return nil, err
	}

	var edited *models.ShotPlan
	_, err = s.sequences.UpdateSequence(sequenceID, func(current *models.Sequence) error {
		target := current.FindShot(shotID)
		if target == nil {
			return apperrors.NewNotFoundError(fmt.Sprintf("镜头不存在: %d", shotID), nil)
		}
		target.VisualBreakdown = &updated
		target.ImageURL = locator
		target.Editing = false
		edited = target
		return nil
	})
	if err != nil {
		return nil, err
	}

	return edited, nil
}

func (s *RenderService) setShotLoading(sequenceID string, shotID int, loading bool) (*models.Sequence, error) {
	return s.sequences.UpdateSequence(sequenceID, func(seq *models.Sequence) error {
		shot := seq.FindShot(shotID)
		if shot == nil {
			return apperrors.NewNotFoundError(fmt.Sprintf("镜头不存在: %d", shotID), nil)
		}
		shot.Loading = loading
		return nil
	})
}

func allShotsRendered(seq *models.Sequence) bool {
	if len(seq.Shots) == 0 {
		return false
	}
	for _, shot := range seq.Shots {
		if shot.ImageURL == "" {
			return false
		}
	}
	return true
}
