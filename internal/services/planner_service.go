// internal/services/planner_service.go
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	apperrors "github.com/Corphon/StoryboardMCP/internal/errors"
	"github.com/Corphon/StoryboardMCP/internal/models"
)

// ProgressFunc 规划过程的进度回调
type ProgressFunc func(progress int, message string)

// PlannerService 实现三阶段分镜规划流水线：
// 场景预分析 → 镜头列表规划 → 逐镜细化展开。
// 每一阶段消费上一阶段的结构化输出，而不是重新解读原始文本
type PlannerService struct {
	llmService *LLMService
	sequences  *SequenceService
}

// NewPlannerService 创建规划服务
func NewPlannerService(llmService *LLMService, sequences *SequenceService) *PlannerService {
	return &PlannerService{
		llmService: llmService,
		sequences:  sequences,
	}
}

const sceneAnalysisSystemPrompt = `You are a film continuity supervisor analyzing a script before shooting.
Extract the physical ground truth of the scene: environment, time of day, mood,
each character's outfit and accessories, and persistent props.

Critical rule: content inside quoted dialogue is INVISIBLE to this analysis.
If a character says "I left my gun in the car", there is no gun and no car in the scene.
Only stage directions and action text establish what is physically present.

Respond with JSON:
{"environment": "...", "time_of_day": "...", "mood": "...",
 "outfits": [{"name": "...", "outfit": "...", "accessories": ["..."]}],
 "props": ["..."]}`

const shotListSystemPrompt = `You are a storyboard director breaking a script into camera shots.
Decide the number of shots yourself, driven by narrative beats. Each shot covers a
contiguous segment of the script's action. Keep shots in story order.

Respond with JSON:
{"shots": [{"index": 1, "summary": "...", "action_segment": "the literal script text this shot covers"}]}`

const shotDetailSystemPrompt = `You are a cinematographer producing the full technical breakdown of one storyboard shot.

Reference image tags: when a visual element has a known reference image, put its tag
(e.g. "image 3") in the reference_image field. Use the synthetic tag "REF_MASTER" for the
master shot's rendered image and "REF_PREVIOUS" for the immediately preceding shot's image.
Never embed tags inside free text fields; use the structured reference_image fields only.

Respond with JSON matching:
{"scene": {"environment": "...", "time_of_day": "...", "mood": "...", "palette": "...", "reference_image": ""},
 "characters": [{"name": "...", "reference_image": "", "position": "...", "blocking_id": "",
   "appearance": {"description": "...", "expression": "..."}, "actions": "...", "lighting_effect": "..."}],
 "objects": [{"name": "...", "reference_image": "", "details": "...", "action": "..."}],
 "framing": "...", "composition": "...",
 "camera": {"lens": "...", "settings": "...", "perspective": "...", "movement": "..."},
 "lighting": "...", "director_notes": "..."}`

// PlanShots 对序列执行完整的规划流水线
// 逐镜展开是有意串行的：第N镜的连续性上下文依赖第N-1镜的结果
func (s *PlannerService) PlanShots(ctx context.Context, sequenceID string, progress ProgressFunc) (*models.Sequence, error) {
	if progress == nil {
		progress = func(int, string) {}
	}

	seq, err := s.sequences.GetSequence(sequenceID)
	if err != nil {
		return nil, err
	}

	if seq.Status != models.SequenceStatusDraft {
		return nil, apperrors.NewConflictError(
			fmt.Sprintf("序列状态为%s，只有draft状态可以规划", seq.Status), nil)
	}

	// 第一阶段：场景预分析
	progress(5, "分析场景上下文")
	sceneContext, err := s.analyzeSceneContext(ctx, seq.Script)
	if err != nil {
		return nil, err
	}

	// 第二阶段：镜头列表规划
	progress(20, "规划镜头列表")
	plannedShots, err := s.planShotList(ctx, seq.Script, sceneContext)
	if err != nil {
		return nil, err
	}

	// 第三阶段：按顺序逐镜展开
	shots := make([]*models.ShotPlan, 0, len(plannedShots))
	var previous *models.ShotPlan
	for i, planned := range plannedShots {
		progress(20+70*(i+1)/len(plannedShots), fmt.Sprintf("展开镜头 %d/%d", i+1, len(plannedShots)))

		shot, err := s.expandShotDetail(ctx, seq, sceneContext, planned, previous)
		if err != nil {
			return nil, fmt.Errorf("镜头%d展开失败: %w", planned.Index, err)
		}

		shots = append(shots, shot)
		previous = shot
	}

	progress(95, "保存分镜结果")
	updated, err := s.sequences.UpdateSequence(sequenceID, func(current *models.Sequence) error {
		if current.Status != models.SequenceStatusDraft {
			return apperrors.NewConflictError("序列已在别处完成规划", nil)
		}
		current.SceneContext = sceneContext
		current.PlannedShots = plannedShots
		current.Shots = shots
		current.Status = models.SequenceStatusAnalyzed
		return nil
	})
	if err != nil {
		return nil, err
	}

	progress(100, "规划完成")
	return updated, nil
}

// analyzeSceneContext 第一阶段：提取场景物理事实
// 对白不可见规则在提示词中强制，下游直接信任该结果
func (s *PlannerService) analyzeSceneContext(ctx context.Context, script string) (*models.SceneContext, error) {
	prompt := fmt.Sprintf("Script:\n%s\n\nAnalyze the physical ground truth of this scene.", script)

	var sceneContext models.SceneContext
	if err := s.llmService.CreateStructuredCompletion(ctx, prompt, sceneAnalysisSystemPrompt, &sceneContext); err != nil {
		return nil, fmt.Errorf("场景预分析失败: %w", err)
	}

	if sceneContext.Environment == "" {
		return nil, apperrors.NewCapabilityError("场景预分析缺少environment字段", nil)
	}

	return &sceneContext, nil
}

// planShotList 第二阶段：产生有序镜头概要列表
func (s *PlannerService) planShotList(ctx context.Context, script string, sceneContext *models.SceneContext) ([]models.PlannedShot, error) {
	contextJSON, err := json.Marshal(sceneContext)
	if err != nil {
		return nil, err
	}

	prompt := fmt.Sprintf(`Scene context (established facts, trust these):
%s

Script:
%s

Break this script into an ordered shot list.`, string(contextJSON), script)

	var result struct {
		Shots []models.PlannedShot `json:"shots"`
	}
	if err := s.llmService.CreateStructuredCompletion(ctx, prompt, shotListSystemPrompt, &result); err != nil {
		return nil, fmt.Errorf("镜头列表规划失败: %w", err)
	}

	if len(result.Shots) == 0 {
		return nil, apperrors.NewCapabilityError("镜头列表规划未产生任何镜头", nil)
	}

	// 索引按顺序重编，规划阶段返回的编号只作参考
	for i := range result.Shots {
		result.Shots[i].Index = i + 1
		if strings.TrimSpace(result.Shots[i].Summary) == "" {
			return nil, apperrors.NewCapabilityError(
				fmt.Sprintf("镜头%d缺少summary字段", i+1), nil)
		}
	}

	return result.Shots, nil
}

// expandShotDetail 第三阶段：产生单个镜头的完整视觉技术规格
// 首镜为master（全序列的空间布局锚点），之后的镜头收到前一镜的完整JSON
func (s *PlannerService) expandShotDetail(ctx context.Context, seq *models.Sequence, sceneContext *models.SceneContext, planned models.PlannedShot, previous *models.ShotPlan) (*models.ShotPlan, error) {
	var sb strings.Builder

	contextJSON, err := json.Marshal(sceneContext)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(&sb, "Scene context:\n%s\n\n", string(contextJSON))
	fmt.Fprintf(&sb, "Available reference assets:\n%s\n\n", formatEntityCatalog(seq.LocalEntities))

	if previous == nil {
		sb.WriteString("This is the MASTER shot: it anchors the spatial layout for the entire sequence. There is no predecessor context.\n\n")
	} else {
		prevJSON, err := json.Marshal(previous.VisualBreakdown)
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(&sb, `Previous shot (shot %d) full breakdown, preserve spatial and identity continuity with it:
%s

The master shot's rendered image is referred to as "REF_MASTER" and the previous shot's image as "REF_PREVIOUS".

`, previous.ShotID, string(prevJSON))
	}

	fmt.Fprintf(&sb, "Shot %d summary: %s\nAction segment:\n%s\n\nProduce the full technical breakdown for this shot.",
		planned.Index, planned.Summary, planned.ActionSegment)

	var breakdown models.VisualBreakdown
	if err := s.llmService.CreateStructuredCompletion(ctx, sb.String(), shotDetailSystemPrompt, &breakdown); err != nil {
		return nil, err
	}

	if err := validateVisualBreakdown(&breakdown); err != nil {
		return nil, err
	}

	planType := models.PlanTypeSequential
	if previous == nil {
		planType = models.PlanTypeMaster
	}

	shot := &models.ShotPlan{
		ShotID:          planned.Index,
		PlanType:        planType,
		Summary:         planned.Summary,
		CameraSpecs:     formatCameraSpecs(breakdown.Camera),
		ActionSegment:   planned.ActionSegment,
		VisualBreakdown: &breakdown,
	}

	for _, character := range breakdown.Characters {
		shot.RelevantEntities = append(shot.RelevantEntities, character.Name)
	}

	return shot, nil
}

// AnalyzeCustomShot 从自由描述生成一个独立的自定义镜头并追加到序列
// 自定义镜头不参与master/sequential的连续性链条
func (s *PlannerService) AnalyzeCustomShot(ctx context.Context, sequenceID, description string) (*models.ShotPlan, error) {
	if strings.TrimSpace(description) == "" {
		return nil, apperrors.NewValidationError("镜头描述不能为空", nil)
	}

	seq, err := s.sequences.GetSequence(sequenceID)
	if err != nil {
		return nil, err
	}

	prompt := fmt.Sprintf(`Available reference assets:
%s

Shot description:
%s

Produce the full technical breakdown for this single standalone shot.`,
		formatEntityCatalog(seq.LocalEntities), description)

	var breakdown models.VisualBreakdown
	if err := s.llmService.CreateStructuredCompletion(ctx, prompt, shotDetailSystemPrompt, &breakdown); err != nil {
		return nil, err
	}

	if err := validateVisualBreakdown(&breakdown); err != nil {
		return nil, err
	}

	var created *models.ShotPlan
	_, err = s.sequences.UpdateSequence(sequenceID, func(current *models.Sequence) error {
		nextID := 0
		for _, shot := range current.Shots {
			if shot.ShotID > nextID {
				nextID = shot.ShotID
			}
		}

		created = &models.ShotPlan{
			ShotID:          nextID + 1,
			PlanType:        models.PlanTypeCustom,
			Summary:         description,
			CameraSpecs:     formatCameraSpecs(breakdown.Camera),
			ActionSegment:   description,
			VisualBreakdown: &breakdown,
		}
		for _, character := range breakdown.Characters {
			created.RelevantEntities = append(created.RelevantEntities, character.Name)
		}

		current.Shots = append(current.Shots, created)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return created, nil
}

// validateVisualBreakdown 校验结构化输出的必需字段，缺失即整体失败
// 不会带着残缺数据继续向下游传播
func validateVisualBreakdown(breakdown *models.VisualBreakdown) error {
	if breakdown.Scene.Environment == "" {
		return apperrors.NewCapabilityError("镜头细化缺少scene.environment字段", nil)
	}
	if breakdown.Framing == "" {
		return apperrors.NewCapabilityError("镜头细化缺少framing字段", nil)
	}
	for i, character := range breakdown.Characters {
		if character.Name == "" {
			return apperrors.NewCapabilityError(fmt.Sprintf("第%d个角色缺少name字段", i+1), nil)
		}
		if character.Position == "" {
			return apperrors.NewCapabilityError(
				fmt.Sprintf("角色%s缺少position字段", character.Name), nil)
		}
	}
	return nil
}

func formatEntityCatalog(entities []*models.Entity) string {
	if len(entities) == 0 {
		return "(none)"
	}

	var sb strings.Builder
	for _, entity := range entities {
		hasImage := "no image"
		if entity.ImageLocator != "" {
			hasImage = "has reference image, tag: " + entity.RefTag
		}
		fmt.Fprintf(&sb, "- %s (%s, %s): %s\n", entity.Name, entity.Type, hasImage, entity.Description)
	}
	return sb.String()
}

func formatCameraSpecs(camera models.CameraSpec) string {
	parts := make([]string, 0, 4)
	for _, value := range []string{camera.Lens, camera.Settings, camera.Perspective, camera.Movement} {
		if value != "" {
			parts = append(parts, value)
		}
	}
	return strings.Join(parts, ", ")
}
