// internal/services/continuity_service.go
package services

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"

	apperrors "github.com/Corphon/StoryboardMCP/internal/errors"
	"github.com/Corphon/StoryboardMCP/internal/models"
)

// MovementKeywords 位置变化的豁免关键词：动作或外观文本命中任意一个时，
// 角色位置跳变被视为有意图的调度而不是连续性错误
var MovementKeywords = []string{
	"moves to", "stands up", "gets out", "walks to", "walks over",
	"switches seat", "slides over", "changes position", "sits down",
	"steps toward", "crosses to", "turns to", "leans over",
}

// PropKeywords 被追踪持续性的道具关键词
var PropKeywords = []string{
	"helmet", "glasses", "hat", "mask", "backpack", "bag", "jacket",
}

// RemovalKeywords 道具消失的豁免关键词
var RemovalKeywords = []string{
	"remove", "removes", "take off", "takes off", "took off",
	"drop", "drops", "lose", "loses", "leaves",
}

// ContinuityService 对有序镜头列表执行连续性规则检查
// 检查本身是纯函数：无副作用，相同输入产生逐字节相同的结果（包括问题ID），
// 可以随时从当前镜头状态重新推导。所有问题都是建议性的，不阻塞渲染
type ContinuityService struct {
	sequences *SequenceService
}

// NewContinuityService 创建连续性检查服务
func NewContinuityService(sequences *SequenceService) *ContinuityService {
	return &ContinuityService{
		sequences: sequences,
	}
}

// Check 对有序镜头列表运行全部规则
func (s *ContinuityService) Check(shots []*models.ShotPlan) []*models.ContinuityIssue {
	issues := []*models.ContinuityIssue{}
	if len(shots) < 2 {
		return issues
	}

	issues = append(issues, checkTimeOfDay(shots)...)
	issues = append(issues, checkLocationDrift(shots)...)
	issues = append(issues, checkOutfits(shots)...)
	issues = append(issues, checkBlocking(shots)...)
	issues = append(issues, checkCameraAxis(shots)...)
	issues = append(issues, checkPropPersistence(shots)...)

	return issues
}

// CheckSequence 对序列运行检查并保存结果快照
// 先前已解决的问题按ID继承resolved状态，检查不会重置人工处理的结果
func (s *ContinuityService) CheckSequence(sequenceID string) ([]*models.ContinuityIssue, error) {
	var issues []*models.ContinuityIssue
	_, err := s.sequences.UpdateSequence(sequenceID, func(seq *models.Sequence) error {
		resolved := make(map[string]bool, len(seq.ContinuityIssues))
		for _, old := range seq.ContinuityIssues {
			if old.Resolved {
				resolved[old.ID] = true
			}
		}

		issues = s.Check(seq.Shots)
		for _, issue := range issues {
			if resolved[issue.ID] {
				issue.Resolved = true
			}
		}

		seq.ContinuityIssues = issues
		return nil
	})
	if err != nil {
		return nil, err
	}

	return issues, nil
}

// ApplyFix 应用问题携带的机械修正并将其标记为已解决
// 只改写目标镜头的visual_breakdown字段，绝不触发图像重新生成
func (s *ContinuityService) ApplyFix(sequenceID, issueID string) (*models.ShotPlan, error) {
	var fixed *models.ShotPlan
	_, err := s.sequences.UpdateSequence(sequenceID, func(seq *models.Sequence) error {
		issue := findIssue(seq.ContinuityIssues, issueID)
		if issue == nil {
			return apperrors.NewNotFoundError(fmt.Sprintf("连续性问题不存在: %s", issueID), nil)
		}
		if issue.FixData == nil {
			return apperrors.NewValidationError("该问题没有可应用的机械修正", nil)
		}

		shot := seq.FindShot(issue.FixData.ShotID)
		if shot == nil {
			return apperrors.NewNotFoundError(
				fmt.Sprintf("镜头不存在: %d", issue.FixData.ShotID), nil)
		}

		if err := applyFixToShot(shot, issue.FixData); err != nil {
			return err
		}

		issue.Resolved = true
		fixed = shot
		return nil
	})
	if err != nil {
		return nil, err
	}

	return fixed, nil
}

// Dismiss 人工忽略一个问题
func (s *ContinuityService) Dismiss(sequenceID, issueID string) error {
	_, err := s.sequences.UpdateSequence(sequenceID, func(seq *models.Sequence) error {
		issue := findIssue(seq.ContinuityIssues, issueID)
		if issue == nil {
			return apperrors.NewNotFoundError(fmt.Sprintf("连续性问题不存在: %s", issueID), nil)
		}
		issue.Resolved = true
		return nil
	})
	return err
}

func findIssue(issues []*models.ContinuityIssue, id string) *models.ContinuityIssue {
	for _, issue := range issues {
		if issue.ID == id {
			return issue
		}
	}
	return nil
}

func applyFixToShot(shot *models.ShotPlan, fix *models.FixData) error {
	if shot.VisualBreakdown == nil {
		return apperrors.NewValidationError("镜头没有visual_breakdown可修正", nil)
	}

	switch fix.FieldPath {
	case "scene.time_of_day":
		shot.VisualBreakdown.Scene.TimeOfDay = fix.NewValue
	case "scene.environment":
		shot.VisualBreakdown.Scene.Environment = fix.NewValue
	case "character.position":
		return applyCharacterFix(shot, fix.CharacterName, func(c *models.CharacterShotDetail) {
			c.Position = fix.NewValue
		})
	case "character.appearance.description":
		return applyCharacterFix(shot, fix.CharacterName, func(c *models.CharacterShotDetail) {
			c.Appearance.Description = fix.NewValue
		})
	default:
		return apperrors.NewValidationError(
			fmt.Sprintf("未知的修正字段路径: %s", fix.FieldPath), nil)
	}
	return nil
}

func applyCharacterFix(shot *models.ShotPlan, name string, apply func(*models.CharacterShotDetail)) error {
	for i := range shot.VisualBreakdown.Characters {
		if models.SameName(shot.VisualBreakdown.Characters[i].Name, name) {
			apply(&shot.VisualBreakdown.Characters[i])
			return nil
		}
	}
	return apperrors.NewNotFoundError(
		fmt.Sprintf("镜头%d中没有角色: %s", shot.ShotID, name), nil)
}

// issueID 从内容派生确定性ID，保证重复检查产生相同的问题集合
func issueID(category models.IssueCategory, shotID int, message string) string {
	hash := md5.Sum([]byte(fmt.Sprintf("%s|%d|%s", category, shotID, message)))
	return hex.EncodeToString(hash[:])[:16]
}

func newIssue(shotID int, category models.IssueCategory, severity models.IssueSeverity, message, evidence, suggestedFix string, fixData *models.FixData) *models.ContinuityIssue {
	return &models.ContinuityIssue{
		ID:           issueID(category, shotID, message),
		ShotID:       shotID,
		Category:     category,
		Severity:     severity,
		Message:      message,
		Evidence:     evidence,
		SuggestedFix: suggestedFix,
		FixData:      fixData,
	}
}

// checkTimeOfDay 基线为首镜声明的时间，之后的偏离产生warning
func checkTimeOfDay(shots []*models.ShotPlan) []*models.ContinuityIssue {
	var issues []*models.ContinuityIssue

	baseline := sceneOf(shots[0]).TimeOfDay
	if baseline == "" {
		return issues
	}

	for _, shot := range shots[1:] {
		current := sceneOf(shot).TimeOfDay
		if current == "" || current == baseline {
			continue
		}
		issues = append(issues, newIssue(
			shot.ShotID, models.IssueCategoryTime, models.SeverityWarning,
			fmt.Sprintf("时间偏移：镜头%d为%q，首镜基线为%q", shot.ShotID, current, baseline),
			fmt.Sprintf("shot %d time_of_day=%q, baseline=%q", shot.ShotID, current, baseline),
			fmt.Sprintf("将时间改回%q", baseline),
			&models.FixData{
				ShotID:    shot.ShotID,
				FieldPath: "scene.time_of_day",
				NewValue:  baseline,
			},
		))
	}

	return issues
}

// checkLocationDrift 环境描述的文本偏离只产生info，场景切换经常是合法的
func checkLocationDrift(shots []*models.ShotPlan) []*models.ContinuityIssue {
	var issues []*models.ContinuityIssue

	baseline := sceneOf(shots[0]).Environment
	if baseline == "" {
		return issues
	}

	for _, shot := range shots[1:] {
		current := sceneOf(shot).Environment
		if current == "" || current == baseline {
			continue
		}
		issues = append(issues, newIssue(
			shot.ShotID, models.IssueCategoryLocation, models.SeverityInfo,
			fmt.Sprintf("环境变化：镜头%d的环境与首镜不同", shot.ShotID),
			fmt.Sprintf("shot %d environment=%q, baseline=%q", shot.ShotID, current, baseline),
			"如为同一场景，统一环境描述", nil,
		))
	}

	return issues
}

// checkOutfits 按角色追踪最近一次外观描述，无解释的文本变化产生error
func checkOutfits(shots []*models.ShotPlan) []*models.ContinuityIssue {
	var issues []*models.ContinuityIssue
	lastSeen := map[string]string{}

	for _, shot := range shots {
		for _, character := range charactersOf(shot) {
			key := models.NormalizeName(character.Name)
			if key == "" || character.Appearance.Description == "" {
				continue
			}

			previous, seen := lastSeen[key]
			if seen && previous != character.Appearance.Description {
				issues = append(issues, newIssue(
					shot.ShotID, models.IssueCategoryOutfit, models.SeverityError,
					fmt.Sprintf("角色%s在镜头%d的外观与此前不一致", character.Name, shot.ShotID),
					fmt.Sprintf("previous=%q, current=%q", previous, character.Appearance.Description),
					fmt.Sprintf("恢复为%q", previous),
					&models.FixData{
						ShotID:        shot.ShotID,
						FieldPath:     "character.appearance.description",
						NewValue:      previous,
						CharacterName: character.Name,
					},
				))
			}
			lastSeen[key] = character.Appearance.Description
		}
	}

	return issues
}

// checkBlocking 按角色追踪位置与blocking_id
// blocking_id变化一律error；自由文本位置变化仅在无移动关键词时报error
func checkBlocking(shots []*models.ShotPlan) []*models.ContinuityIssue {
	var issues []*models.ContinuityIssue

	type blockingState struct {
		position   string
		blockingID string
	}
	lastSeen := map[string]blockingState{}

	for _, shot := range shots {
		for _, character := range charactersOf(shot) {
			key := models.NormalizeName(character.Name)
			if key == "" {
				continue
			}

			previous, seen := lastSeen[key]
			if seen {
				if character.BlockingID != "" && previous.blockingID != "" &&
					character.BlockingID != previous.blockingID {
					issues = append(issues, newIssue(
						shot.ShotID, models.IssueCategoryOther, models.SeverityError,
						fmt.Sprintf("角色%s在镜头%d的blocking编号发生变化", character.Name, shot.ShotID),
						fmt.Sprintf("previous=%q, current=%q", previous.blockingID, character.BlockingID),
						"确认调度是否有意", nil,
					))
				} else if character.Position != "" && previous.position != "" &&
					character.Position != previous.position &&
					!hasMovementKeyword(shot, character) {
					issues = append(issues, newIssue(
						shot.ShotID, models.IssueCategoryOther, models.SeverityError,
						fmt.Sprintf("角色%s在镜头%d的位置无解释地跳变", character.Name, shot.ShotID),
						fmt.Sprintf("previous=%q, current=%q", previous.position, character.Position),
						fmt.Sprintf("恢复为%q或补充移动动作", previous.position),
						&models.FixData{
							ShotID:        shot.ShotID,
							FieldPath:     "character.position",
							NewValue:      previous.position,
							CharacterName: character.Name,
						},
					))
				}
			}

			lastSeen[key] = blockingState{
				position:   character.Position,
				blockingID: character.BlockingID,
			}
		}
	}

	return issues
}

// hasMovementKeyword 检查该镜头中与角色相关的文本是否包含移动关键词
func hasMovementKeyword(shot *models.ShotPlan, character models.CharacterShotDetail) bool {
	text := strings.ToLower(character.Actions + " " + character.Appearance.Description + " " + shot.ActionSegment)
	for _, keyword := range MovementKeywords {
		if strings.Contains(text, keyword) {
			return true
		}
	}
	return false
}

// checkCameraAxis 相邻两镜都使用侧面机位但具体值不同时，可能越轴
// 这是启发式信号而不是几何计算
func checkCameraAxis(shots []*models.ShotPlan) []*models.ContinuityIssue {
	var issues []*models.ContinuityIssue

	for i := 1; i < len(shots); i++ {
		previous := cameraOf(shots[i-1]).Perspective
		current := cameraOf(shots[i]).Perspective
		if previous == "" || current == "" || previous == current {
			continue
		}
		if isSidePerspective(previous) && isSidePerspective(current) {
			issues = append(issues, newIssue(
				shots[i].ShotID, models.IssueCategoryCamera, models.SeverityWarning,
				fmt.Sprintf("镜头%d与前一镜的侧面机位不一致，可能越过180度轴线", shots[i].ShotID),
				fmt.Sprintf("previous=%q, current=%q", previous, current),
				"确认两镜是否位于轴线同侧", nil,
			))
		}
	}

	return issues
}

func isSidePerspective(perspective string) bool {
	lower := strings.ToLower(perspective)
	return strings.Contains(lower, "side") || strings.Contains(lower, "profile")
}

// checkPropPersistence 按角色追踪道具关键词集合
// 前镜出现的道具在后镜消失且文本无摘除动作时产生warning
func checkPropPersistence(shots []*models.ShotPlan) []*models.ContinuityIssue {
	var issues []*models.ContinuityIssue
	carried := map[string]map[string]bool{} // 角色 -> 道具集合

	for _, shot := range shots {
		shotObjects := strings.ToLower(objectNamesOf(shot))

		for _, character := range charactersOf(shot) {
			key := models.NormalizeName(character.Name)
			if key == "" {
				continue
			}

			text := strings.ToLower(character.Appearance.Description + " " + character.Actions)
			present := map[string]bool{}
			for _, prop := range PropKeywords {
				if strings.Contains(text, prop) || strings.Contains(shotObjects, prop) {
					present[prop] = true
				}
			}

			if previous, seen := carried[key]; seen {
				fullText := text + " " + strings.ToLower(shot.ActionSegment)
				for prop := range previous {
					if present[prop] || hasRemovalKeyword(fullText, prop) {
						continue
					}
					issues = append(issues, newIssue(
						shot.ShotID, models.IssueCategoryOutfit, models.SeverityWarning,
						fmt.Sprintf("角色%s在镜头%d缺失道具: %s", character.Name, shot.ShotID, prop),
						fmt.Sprintf("prop %q present in earlier shot, absent here with no removal action", prop),
						fmt.Sprintf("在外观描述中补回%s，或补充摘除动作", prop), nil,
					))
					present[prop] = true // 同一道具只报一次
				}
			}

			carried[key] = present
		}
	}

	return issues
}

func hasRemovalKeyword(text, prop string) bool {
	for _, keyword := range RemovalKeywords {
		if strings.Contains(text, keyword) {
			return true
		}
	}
	return strings.Contains(text, prop+" off")
}

func sceneOf(shot *models.ShotPlan) models.SceneSpec {
	if shot.VisualBreakdown == nil {
		return models.SceneSpec{}
	}
	return shot.VisualBreakdown.Scene
}

func charactersOf(shot *models.ShotPlan) []models.CharacterShotDetail {
	if shot.VisualBreakdown == nil {
		return nil
	}
	return shot.VisualBreakdown.Characters
}

func cameraOf(shot *models.ShotPlan) models.CameraSpec {
	if shot.VisualBreakdown == nil {
		return models.CameraSpec{}
	}
	return shot.VisualBreakdown.Camera
}

func objectNamesOf(shot *models.ShotPlan) string {
	if shot.VisualBreakdown == nil {
		return ""
	}
	names := make([]string, 0, len(shot.VisualBreakdown.Objects))
	for _, object := range shot.VisualBreakdown.Objects {
		names = append(names, object.Name)
	}
	return strings.Join(names, " ")
}
