// internal/services/planner_service_test.go
package services

import (
	"context"
	"strings"
	"testing"

	apperrors "github.com/Corphon/StoryboardMCP/internal/errors"
	"github.com/Corphon/StoryboardMCP/internal/llm"
	"github.com/Corphon/StoryboardMCP/internal/models"
)

const testSceneContextResponse = `{
	"environment": "cluttered kitchen",
	"time_of_day": "day",
	"mood": "tense",
	"outfits": [{"name": "Ava", "outfit": "red coat"}],
	"props": ["coffee pot"]
}`

// 镜头列表刻意返回乱序编号，验证规划阶段按顺序重编
const testShotListResponse = `{
	"shots": [
		{"index": 1, "summary": "Master view of the kitchen", "action_segment": "Ava stands at the stove."},
		{"index": 7, "summary": "Ava pours coffee", "action_segment": "She pours coffee into a mug."},
		{"index": 3, "summary": "Ben enters", "action_segment": "Ben enters and stops at the door."}
	]
}`

const testShotDetailResponse = `{
	"scene": {"environment": "cluttered kitchen", "time_of_day": "day"},
	"characters": [{"name": "Ava", "position": "at the stove", "appearance": {"description": "red coat"}}],
	"framing": "wide shot",
	"camera": {"lens": "35mm", "perspective": "front"},
	"lighting": "soft window light"
}`

// plannerProvider 按系统提示词分发各规划阶段的响应
func plannerProvider(overrides map[string]string) *fakeTextProvider {
	respond := func(stage string) string {
		if text, ok := overrides[stage]; ok {
			return text
		}
		switch stage {
		case "scene":
			return testSceneContextResponse
		case "list":
			return testShotListResponse
		default:
			return testShotDetailResponse
		}
	}

	return &fakeTextProvider{
		respond: func(call int, req llm.CompletionRequest) (string, error) {
			switch {
			case strings.Contains(req.SystemPrompt, "continuity supervisor"):
				return respond("scene"), nil
			case strings.Contains(req.SystemPrompt, "storyboard director"):
				return respond("list"), nil
			default:
				return respond("detail"), nil
			}
		},
	}
}

func newPlannerHarness(t *testing.T, overrides map[string]string) (*PlannerService, *SequenceService, *models.Sequence) {
	t.Helper()

	_, sequences, _ := newTestStores(t)
	_, seq := newTestProject(t, sequences)

	llmService := NewLLMServiceWithProvider(plannerProvider(overrides))
	planner := NewPlannerService(llmService, sequences)
	return planner, sequences, seq
}

func TestPlanShots(t *testing.T) {
	planner, _, seq := newPlannerHarness(t, nil)

	var lastProgress int
	updated, err := planner.PlanShots(context.Background(), seq.ID, func(progress int, message string) {
		if progress < lastProgress {
			t.Errorf("进度不应回退: %d -> %d", lastProgress, progress)
		}
		lastProgress = progress
	})
	if err != nil {
		t.Fatalf("规划失败: %v", err)
	}

	if updated.Status != models.SequenceStatusAnalyzed {
		t.Errorf("规划完成后状态应为analyzed，实际为%s", updated.Status)
	}
	if lastProgress != 100 {
		t.Errorf("最终进度应为100，实际为%d", lastProgress)
	}

	if updated.SceneContext == nil || updated.SceneContext.Environment != "cluttered kitchen" {
		t.Errorf("场景上下文应被保存: %+v", updated.SceneContext)
	}

	if len(updated.Shots) != 3 {
		t.Fatalf("应产生3个镜头，实际%d个", len(updated.Shots))
	}

	// 首镜为master，其余为sequential；编号按顺序重编为1..N
	for i, shot := range updated.Shots {
		if shot.ShotID != i+1 {
			t.Errorf("镜头编号应重编为%d，实际为%d", i+1, shot.ShotID)
		}
		wantType := models.PlanTypeSequential
		if i == 0 {
			wantType = models.PlanTypeMaster
		}
		if shot.PlanType != wantType {
			t.Errorf("镜头%d的类型应为%s，实际为%s", shot.ShotID, wantType, shot.PlanType)
		}
		if shot.VisualBreakdown == nil {
			t.Fatalf("镜头%d缺少视觉分解", shot.ShotID)
		}
	}

	first := updated.Shots[0]
	if first.CameraSpecs != "35mm, front" {
		t.Errorf("摄影机参数拼接错误: %q", first.CameraSpecs)
	}
	if len(first.RelevantEntities) != 1 || first.RelevantEntities[0] != "Ava" {
		t.Errorf("相关实体应来自角色列表: %v", first.RelevantEntities)
	}

	if updated.MasterShot() != updated.Shots[0] {
		t.Error("MasterShot应返回首个master镜头")
	}
}

func TestPlanShotsRequiresDraft(t *testing.T) {
	planner, _, seq := newPlannerHarness(t, nil)

	if _, err := planner.PlanShots(context.Background(), seq.ID, nil); err != nil {
		t.Fatalf("首次规划失败: %v", err)
	}

	// analyzed状态的序列不能再次规划
	if _, err := planner.PlanShots(context.Background(), seq.ID, nil); !apperrors.IsConflictError(err) {
		t.Errorf("非draft状态应返回冲突错误，实际为%v", err)
	}
}

func TestPlanShotsFailFastOnMissingFraming(t *testing.T) {
	planner, sequences, seq := newPlannerHarness(t, map[string]string{
		"detail": `{"scene": {"environment": "kitchen"}, "characters": [], "lighting": "soft"}`,
	})

	_, err := planner.PlanShots(context.Background(), seq.ID, nil)
	if !apperrors.IsCapabilityError(err) {
		t.Fatalf("缺少framing字段应返回能力错误，实际为%v", err)
	}

	// 失败的规划不留下部分结果
	reloaded, loadErr := sequences.GetSequence(seq.ID)
	if loadErr != nil {
		t.Fatalf("重新加载序列失败: %v", loadErr)
	}
	if reloaded.Status != models.SequenceStatusDraft {
		t.Errorf("失败后序列应保持draft状态，实际为%s", reloaded.Status)
	}
	if len(reloaded.Shots) != 0 {
		t.Errorf("失败后不应保存任何镜头，实际%d个", len(reloaded.Shots))
	}
}

func TestPlanShotsFailFastOnMissingEnvironment(t *testing.T) {
	planner, _, seq := newPlannerHarness(t, map[string]string{
		"scene": `{"time_of_day": "day"}`,
	})

	if _, err := planner.PlanShots(context.Background(), seq.ID, nil); !apperrors.IsCapabilityError(err) {
		t.Errorf("场景预分析缺少environment应返回能力错误，实际为%v", err)
	}
}

func TestPlanShotsFailFastOnEmptyShotList(t *testing.T) {
	planner, _, seq := newPlannerHarness(t, map[string]string{
		"list": `{"shots": []}`,
	})

	if _, err := planner.PlanShots(context.Background(), seq.ID, nil); !apperrors.IsCapabilityError(err) {
		t.Errorf("空镜头列表应返回能力错误，实际为%v", err)
	}
}

func TestAnalyzeCustomShot(t *testing.T) {
	planner, sequences, seq := newPlannerHarness(t, nil)

	if _, err := planner.PlanShots(context.Background(), seq.ID, nil); err != nil {
		t.Fatalf("规划失败: %v", err)
	}

	created, err := planner.AnalyzeCustomShot(context.Background(), seq.ID, "Close-up of the coffee pot boiling over")
	if err != nil {
		t.Fatalf("自定义镜头分析失败: %v", err)
	}

	if created.ShotID != 4 {
		t.Errorf("自定义镜头编号应接在已有镜头之后(4)，实际为%d", created.ShotID)
	}
	if created.PlanType != models.PlanTypeCustom {
		t.Errorf("自定义镜头类型应为custom，实际为%s", created.PlanType)
	}

	reloaded, _ := sequences.GetSequence(seq.ID)
	if len(reloaded.Shots) != 4 {
		t.Errorf("自定义镜头应追加到序列，实际共%d个镜头", len(reloaded.Shots))
	}
}

func TestAnalyzeCustomShotEmptyDescription(t *testing.T) {
	planner, _, seq := newPlannerHarness(t, nil)

	if _, err := planner.AnalyzeCustomShot(context.Background(), seq.ID, "  "); !apperrors.IsValidationError(err) {
		t.Errorf("空描述应返回校验错误，实际为%v", err)
	}
}
