// internal/services/continuity_service_test.go
package services

import (
	"encoding/json"
	"testing"

	apperrors "github.com/Corphon/StoryboardMCP/internal/errors"
	"github.com/Corphon/StoryboardMCP/internal/models"
)

func kitchenShot(shotID int, mutate func(*models.ShotPlan)) *models.ShotPlan {
	shot := &models.ShotPlan{
		ShotID:   shotID,
		PlanType: models.PlanTypeSequential,
		Summary:  "Ava and Ben in the kitchen",
		VisualBreakdown: &models.VisualBreakdown{
			Scene: models.SceneSpec{
				Environment: "cluttered kitchen",
				TimeOfDay:   "day",
			},
			Characters: []models.CharacterShotDetail{
				{Name: "Ava", Position: "left of frame",
					Appearance: models.AppearanceSpec{Description: "red coat"}},
				{Name: "Ben", Position: "right of frame",
					Appearance: models.AppearanceSpec{Description: "grey suit"}},
			},
			Framing:  "medium two-shot",
			Lighting: "soft window light",
		},
	}
	if shotID == 1 {
		shot.PlanType = models.PlanTypeMaster
	}
	if mutate != nil {
		mutate(shot)
	}
	return shot
}

func issuesByCategory(issues []*models.ContinuityIssue, category models.IssueCategory) []*models.ContinuityIssue {
	var matched []*models.ContinuityIssue
	for _, issue := range issues {
		if issue.Category == category {
			matched = append(matched, issue)
		}
	}
	return matched
}

func TestCheckFewerThanTwoShots(t *testing.T) {
	service := NewContinuityService(nil)

	if issues := service.Check(nil); len(issues) != 0 {
		t.Errorf("空镜头列表应返回空结果，实际%d个问题", len(issues))
	}
	if issues := service.Check([]*models.ShotPlan{kitchenShot(1, nil)}); len(issues) != 0 {
		t.Errorf("单镜头应返回空结果，实际%d个问题", len(issues))
	}
}

func TestCheckCleanSequenceHasNoIssues(t *testing.T) {
	service := NewContinuityService(nil)
	shots := []*models.ShotPlan{kitchenShot(1, nil), kitchenShot(2, nil), kitchenShot(3, nil)}

	issues := service.Check(shots)
	if len(issues) != 0 {
		raw, _ := json.MarshalIndent(issues, "", "  ")
		t.Errorf("无变化的序列不应产生问题:\n%s", raw)
	}
}

func TestCheckOutfitChange(t *testing.T) {
	service := NewContinuityService(nil)
	shots := []*models.ShotPlan{
		kitchenShot(1, nil),
		kitchenShot(2, func(shot *models.ShotPlan) {
			shot.VisualBreakdown.Characters[0].Appearance.Description = "blue coat"
		}),
	}

	issues := service.Check(shots)
	outfit := issuesByCategory(issues, models.IssueCategoryOutfit)
	if len(outfit) != 1 {
		t.Fatalf("应检出1个服装问题，实际%d个", len(outfit))
	}

	issue := outfit[0]
	if issue.Severity != models.SeverityError {
		t.Errorf("服装变化应为error级别，实际为%s", issue.Severity)
	}
	if issue.ShotID != 2 {
		t.Errorf("问题应落在镜头2，实际为镜头%d", issue.ShotID)
	}
	if issue.FixData == nil || issue.FixData.NewValue != "red coat" {
		t.Errorf("修正值应恢复为red coat，实际为%+v", issue.FixData)
	}
	if issue.FixData.FieldPath != "character.appearance.description" {
		t.Errorf("修正字段路径错误: %s", issue.FixData.FieldPath)
	}
}

func TestCheckBlockingMovementExemption(t *testing.T) {
	service := NewContinuityService(nil)

	moveBen := func(actions string) []*models.ShotPlan {
		return []*models.ShotPlan{
			kitchenShot(1, nil),
			kitchenShot(2, func(shot *models.ShotPlan) {
				shot.VisualBreakdown.Characters[1].Position = "by the window"
				shot.VisualBreakdown.Characters[1].Actions = actions
			}),
		}
	}

	// 动作文本包含移动关键词：位置跳变豁免
	if issues := issuesByCategory(service.Check(moveBen("moves to the window")), models.IssueCategoryOther); len(issues) != 0 {
		t.Errorf("带移动动作的位置变化不应报错，实际%d个问题", len(issues))
	}

	// 无移动解释：报error并携带位置修正
	issues := issuesByCategory(service.Check(moveBen("stares blankly")), models.IssueCategoryOther)
	if len(issues) != 1 {
		t.Fatalf("无解释的位置跳变应检出1个问题，实际%d个", len(issues))
	}
	if issues[0].Severity != models.SeverityError {
		t.Errorf("位置跳变应为error级别，实际为%s", issues[0].Severity)
	}
	if issues[0].FixData == nil || issues[0].FixData.FieldPath != "character.position" ||
		issues[0].FixData.NewValue != "right of frame" {
		t.Errorf("位置修正数据错误: %+v", issues[0].FixData)
	}
}

func TestCheckBlockingIDChangeAlwaysErrors(t *testing.T) {
	service := NewContinuityService(nil)
	shots := []*models.ShotPlan{
		kitchenShot(1, func(shot *models.ShotPlan) {
			shot.VisualBreakdown.Characters[0].BlockingID = "A1"
		}),
		kitchenShot(2, func(shot *models.ShotPlan) {
			shot.VisualBreakdown.Characters[0].BlockingID = "B2"
			shot.VisualBreakdown.Characters[0].Actions = "moves to the counter"
		}),
	}

	// blocking_id变化不受移动关键词豁免
	issues := issuesByCategory(service.Check(shots), models.IssueCategoryOther)
	if len(issues) != 1 {
		t.Fatalf("blocking编号变化应检出1个问题，实际%d个", len(issues))
	}
	if issues[0].FixData != nil {
		t.Error("blocking编号变化没有机械修正")
	}
}

func TestCheckTimeDrift(t *testing.T) {
	service := NewContinuityService(nil)
	shots := []*models.ShotPlan{
		kitchenShot(1, nil),
		kitchenShot(2, func(shot *models.ShotPlan) {
			shot.VisualBreakdown.Scene.TimeOfDay = "night"
		}),
	}

	issues := issuesByCategory(service.Check(shots), models.IssueCategoryTime)
	if len(issues) != 1 {
		t.Fatalf("时间偏移应检出1个问题，实际%d个", len(issues))
	}
	if issues[0].Severity != models.SeverityWarning {
		t.Errorf("时间偏移应为warning级别，实际为%s", issues[0].Severity)
	}
	if issues[0].FixData == nil || issues[0].FixData.FieldPath != "scene.time_of_day" ||
		issues[0].FixData.NewValue != "day" {
		t.Errorf("时间修正数据错误: %+v", issues[0].FixData)
	}
}

func TestCheckLocationDriftIsInfoOnly(t *testing.T) {
	service := NewContinuityService(nil)
	shots := []*models.ShotPlan{
		kitchenShot(1, nil),
		kitchenShot(2, func(shot *models.ShotPlan) {
			shot.VisualBreakdown.Scene.Environment = "sunlit hallway"
		}),
	}

	issues := issuesByCategory(service.Check(shots), models.IssueCategoryLocation)
	if len(issues) != 1 {
		t.Fatalf("环境变化应检出1个问题，实际%d个", len(issues))
	}
	if issues[0].Severity != models.SeverityInfo {
		t.Errorf("环境变化只应为info级别，实际为%s", issues[0].Severity)
	}
	if issues[0].FixData != nil {
		t.Error("环境变化不应携带机械修正")
	}
}

func TestCheckCameraAxis(t *testing.T) {
	service := NewContinuityService(nil)
	shots := []*models.ShotPlan{
		kitchenShot(1, func(shot *models.ShotPlan) {
			shot.VisualBreakdown.Camera.Perspective = "left side profile"
		}),
		kitchenShot(2, func(shot *models.ShotPlan) {
			shot.VisualBreakdown.Camera.Perspective = "right side profile"
		}),
	}

	issues := issuesByCategory(service.Check(shots), models.IssueCategoryCamera)
	if len(issues) != 1 {
		t.Fatalf("相邻侧面机位不一致应检出1个问题，实际%d个", len(issues))
	}
	if issues[0].Severity != models.SeverityWarning {
		t.Errorf("越轴信号应为warning级别，实际为%s", issues[0].Severity)
	}
}

func TestCheckPropPersistence(t *testing.T) {
	service := NewContinuityService(nil)

	withHelmet := func(secondShotAction, actionSegment string) []*models.ShotPlan {
		return []*models.ShotPlan{
			kitchenShot(1, func(shot *models.ShotPlan) {
				shot.VisualBreakdown.Characters[0].Actions = "adjusts her helmet"
			}),
			kitchenShot(2, func(shot *models.ShotPlan) {
				shot.VisualBreakdown.Characters[0].Actions = secondShotAction
				shot.ActionSegment = actionSegment
			}),
		}
	}

	// 道具无故消失：warning
	issues := issuesByCategory(service.Check(withHelmet("smiles", "")), models.IssueCategoryOutfit)
	if len(issues) != 1 {
		t.Fatalf("道具消失应检出1个问题，实际%d个", len(issues))
	}
	if issues[0].Severity != models.SeverityWarning {
		t.Errorf("道具消失应为warning级别，实际为%s", issues[0].Severity)
	}

	// 动作段包含摘除动作：豁免
	issues = issuesByCategory(service.Check(withHelmet("smiles", "Ava removes it and sets it down")), models.IssueCategoryOutfit)
	if len(issues) != 0 {
		t.Errorf("有摘除动作时不应报告道具消失，实际%d个问题", len(issues))
	}
}

func TestCheckIsIdempotent(t *testing.T) {
	service := NewContinuityService(nil)

	build := func() []*models.ShotPlan {
		return []*models.ShotPlan{
			kitchenShot(1, nil),
			kitchenShot(2, func(shot *models.ShotPlan) {
				shot.VisualBreakdown.Scene.TimeOfDay = "night"
				shot.VisualBreakdown.Characters[0].Appearance.Description = "blue coat"
			}),
		}
	}

	first, _ := json.Marshal(service.Check(build()))
	second, _ := json.Marshal(service.Check(build()))
	if string(first) != string(second) {
		t.Errorf("相同输入的两次检查应产生逐字节相同的结果（含ID）:\n%s\n%s", first, second)
	}
}

// newCheckedSequence 持久化一个带时间偏移问题的序列并运行一次检查
func newCheckedSequence(t *testing.T) (*ContinuityService, *SequenceService, string, []*models.ContinuityIssue) {
	t.Helper()

	_, sequences, _ := newTestStores(t)
	_, seq := newTestProject(t, sequences)

	_, err := sequences.UpdateSequence(seq.ID, func(doc *models.Sequence) error {
		doc.Shots = []*models.ShotPlan{
			kitchenShot(1, nil),
			kitchenShot(2, func(shot *models.ShotPlan) {
				shot.VisualBreakdown.Scene.TimeOfDay = "night"
				shot.ImageURL = "media/shots/original"
			}),
		}
		return nil
	})
	if err != nil {
		t.Fatalf("写入镜头失败: %v", err)
	}

	service := NewContinuityService(sequences)
	issues, err := service.CheckSequence(seq.ID)
	if err != nil {
		t.Fatalf("CheckSequence失败: %v", err)
	}
	if len(issues) != 1 {
		t.Fatalf("应检出1个问题，实际%d个", len(issues))
	}

	return service, sequences, seq.ID, issues
}

func TestApplyFix(t *testing.T) {
	service, sequences, seqID, issues := newCheckedSequence(t)

	fixed, err := service.ApplyFix(seqID, issues[0].ID)
	if err != nil {
		t.Fatalf("ApplyFix失败: %v", err)
	}

	if fixed.VisualBreakdown.Scene.TimeOfDay != "day" {
		t.Errorf("时间应被修正为day，实际为%s", fixed.VisualBreakdown.Scene.TimeOfDay)
	}
	if fixed.ImageURL != "media/shots/original" {
		t.Error("应用修正不应触碰已生成的图像")
	}

	// 落盘验证：问题已标记resolved
	seq, err := sequences.GetSequence(seqID)
	if err != nil {
		t.Fatalf("重新加载序列失败: %v", err)
	}
	if len(seq.ContinuityIssues) != 1 || !seq.ContinuityIssues[0].Resolved {
		t.Error("应用修正后问题应标记为resolved")
	}
}

func TestApplyFixUnknownIssue(t *testing.T) {
	service, _, seqID, _ := newCheckedSequence(t)

	if _, err := service.ApplyFix(seqID, "no-such-issue"); !apperrors.IsNotFoundError(err) {
		t.Errorf("未知问题ID应返回NotFound错误，实际为%v", err)
	}
}

func TestDismissSurvivesRecheck(t *testing.T) {
	service, _, seqID, issues := newCheckedSequence(t)

	if err := service.Dismiss(seqID, issues[0].ID); err != nil {
		t.Fatalf("Dismiss失败: %v", err)
	}

	// 重新检查：相同问题ID继承resolved状态
	rechecked, err := service.CheckSequence(seqID)
	if err != nil {
		t.Fatalf("重新检查失败: %v", err)
	}
	if len(rechecked) != 1 {
		t.Fatalf("重新检查应产生相同的问题集合，实际%d个", len(rechecked))
	}
	if rechecked[0].ID != issues[0].ID {
		t.Errorf("重新检查的问题ID应保持稳定: %s vs %s", issues[0].ID, rechecked[0].ID)
	}
	if !rechecked[0].Resolved {
		t.Error("已忽略的问题在重新检查后应保持resolved状态")
	}
}
