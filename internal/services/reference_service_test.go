// internal/services/reference_service_test.go
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"testing"

	"github.com/Corphon/StoryboardMCP/internal/models"
	"github.com/Corphon/StoryboardMCP/internal/storage"
)

// newTestStores 创建测试用的存储与基础服务
func newTestStores(t *testing.T) (*storage.MediaStore, *SequenceService, *EntityService) {
	t.Helper()

	store, err := storage.NewMediaStore(t.TempDir())
	if err != nil {
		t.Fatalf("创建媒体存储失败: %v", err)
	}

	sequences := NewSequenceService(store)
	entities := NewEntityService(nil, sequences, store)
	return store, sequences, entities
}

// newTestProject 创建测试项目与序列
func newTestProject(t *testing.T, sequences *SequenceService) (*models.Project, *models.Sequence) {
	t.Helper()

	project, err := sequences.CreateProject("测试项目")
	if err != nil {
		t.Fatalf("创建项目失败: %v", err)
	}

	seq, err := sequences.CreateSequence(project.ID, "测试序列", "INT. KITCHEN - DAY\nAva pours coffee.")
	if err != nil {
		t.Fatalf("创建序列失败: %v", err)
	}

	return project, seq
}

// addImagedEntity 创建带参考图像的全局实体并返回其refTag
func addImagedEntity(t *testing.T, entities *EntityService, projectID, name string, entityType models.EntityType) string {
	t.Helper()

	entity, err := entities.CreateGlobalEntity(projectID, name, entityType, name+" reference")
	if err != nil {
		t.Fatalf("创建实体%s失败: %v", name, err)
	}

	if _, err := entities.AttachEntityImage(projectID, entity.ID, []byte("fake-png-"+name), "image/png"); err != nil {
		t.Fatalf("绑定%s图像失败: %v", name, err)
	}

	return entity.RefTag
}

func saveAnchorImage(t *testing.T, store *storage.MediaStore, key string) string {
	t.Helper()

	locator, err := store.Save(key, []byte("anchor-"+key), "image/png")
	if err != nil {
		t.Fatalf("保存锚点图像失败: %v", err)
	}
	return locator
}

// buildTruncationShot 构造超出预算的镜头：
// 候选优先级为 [100, 98, 95, 95, 90, 80, 60, 60, 60, 60]
func buildTruncationShot(tags map[string]string) *models.ShotPlan {
	return &models.ShotPlan{
		ShotID:   2,
		PlanType: models.PlanTypeSequential,
		Summary:  "Ava and Ben talk in the kitchen",
		VisualBreakdown: &models.VisualBreakdown{
			Scene: models.SceneSpec{
				Environment:    "cluttered kitchen",
				TimeOfDay:      "day",
				ReferenceImage: tags["Kitchen"],
			},
			Characters: []models.CharacterShotDetail{
				{Name: "Ava", ReferenceImage: tags["Ava"], Position: "left of frame",
					Appearance: models.AppearanceSpec{Description: "red coat"}},
				{Name: "Ben", ReferenceImage: tags["Ben"], Position: "right of frame",
					Appearance: models.AppearanceSpec{Description: "grey suit"}},
			},
			Objects: []models.ObjectShotDetail{
				{Name: "space helmet", ReferenceImage: tags["space helmet"]},
				{Name: "lamp", ReferenceImage: tags["lamp"]},
				{Name: "chair", ReferenceImage: tags["chair"]},
				{Name: "table", ReferenceImage: tags["table"]},
				{Name: "mug", ReferenceImage: tags["mug"]},
			},
			Framing:  "medium two-shot",
			Lighting: "soft window light",
		},
	}
}

func setupTruncationCase(t *testing.T) (*ReferenceService, *models.ShotPlan, *models.Sequence, *models.Project, Anchors, map[string]string) {
	t.Helper()

	store, sequences, entities := newTestStores(t)
	project, seq := newTestProject(t, sequences)

	tags := map[string]string{}
	for name, entityType := range map[string]models.EntityType{
		"Ava":          models.EntityTypeCharacter,
		"Ben":          models.EntityTypeCharacter,
		"Kitchen":      models.EntityTypeLocation,
		"space helmet": models.EntityTypeItem,
		"lamp":         models.EntityTypeItem,
		"chair":        models.EntityTypeItem,
		"table":        models.EntityTypeItem,
		"mug":          models.EntityTypeItem,
	} {
		tags[name] = addImagedEntity(t, entities, project.ID, name, entityType)
	}

	// 重新加载带实体的项目
	project, err := sequences.GetProject(project.ID)
	if err != nil {
		t.Fatalf("加载项目失败: %v", err)
	}

	anchors := Anchors{
		MasterLocator:   saveAnchorImage(t, store, "media/shots/master"),
		PreviousLocator: saveAnchorImage(t, store, "media/shots/previous"),
	}

	refs := NewReferenceService(entities, store, 8)
	return refs, buildTruncationShot(tags), seq, project, anchors, tags
}

func numericTagsIn(text string) []int {
	pattern := regexp.MustCompile(`(?i)\bimage\s+(\d+)\b`)
	seen := map[int]bool{}
	for _, match := range pattern.FindAllStringSubmatch(text, -1) {
		n, _ := strconv.Atoi(match[1])
		seen[n] = true
	}
	tags := make([]int, 0, len(seen))
	for n := range seen {
		tags = append(tags, n)
	}
	sort.Ints(tags)
	return tags
}

func TestBuildPayloadTruncation(t *testing.T) {
	refs, shot, seq, project, anchors, _ := setupTruncationCase(t)

	payload, err := refs.BuildPayload(context.Background(), shot, seq, project, anchors)
	if err != nil {
		t.Fatalf("BuildPayload失败: %v", err)
	}

	if len(payload.Images) != 8 {
		t.Fatalf("预算截断后应保留8张图像，实际%d张", len(payload.Images))
	}

	// 优先级降序：master, previous, 两个角色, 穿戴物件, 环境, 两个普通物件
	expectedNames := []string{RefTagMaster, RefTagPrevious, "Ava", "Ben", "space helmet", "Kitchen", "lamp", "chair"}
	for i, expected := range expectedNames {
		if payload.Images[i].Name != expected {
			t.Errorf("第%d张图像应为%s，实际为%s", i+1, expected, payload.Images[i].Name)
		}
		wantTag := fmt.Sprintf("image %d", i+1)
		if payload.Images[i].RefTag != wantTag {
			t.Errorf("第%d张图像的最终标记应为%s，实际为%s", i+1, wantTag, payload.Images[i].RefTag)
		}
	}

	// 被截断的两个末尾物件：引用字段改写为占位符，original_ref保留原始标记
	for _, object := range shot.VisualBreakdown.Objects {
		if object.Name == "table" || object.Name == "mug" {
			if object.ReferenceImage != SanitizedRef {
				t.Errorf("被截断物件%s的引用应为%s，实际为%s", object.Name, SanitizedRef, object.ReferenceImage)
			}
			if object.OriginalRef == "" {
				t.Errorf("被截断物件%s应保留original_ref", object.Name)
			}
		}
	}
}

func TestBuildPayloadDensityInvariant(t *testing.T) {
	refs, shot, seq, project, anchors, _ := setupTruncationCase(t)

	payload, err := refs.BuildPayload(context.Background(), shot, seq, project, anchors)
	if err != nil {
		t.Fatalf("BuildPayload失败: %v", err)
	}

	tags := numericTagsIn(payload.PromptText)
	if len(tags) != len(payload.Images) {
		t.Fatalf("提示词中的编号数量(%d)应等于附件数量(%d)", len(tags), len(payload.Images))
	}
	for i, tag := range tags {
		if tag != i+1 {
			t.Fatalf("编号应为连续的1..%d，实际为%v", len(payload.Images), tags)
		}
	}
}

func TestBuildPayloadDeterminism(t *testing.T) {
	refs, shot, seq, project, anchors, tags := setupTruncationCase(t)

	first, err := refs.BuildPayload(context.Background(), shot, seq, project, anchors)
	if err != nil {
		t.Fatalf("第一次BuildPayload失败: %v", err)
	}

	second, err := refs.BuildPayload(context.Background(), buildTruncationShot(tags), seq, project, anchors)
	if err != nil {
		t.Fatalf("第二次BuildPayload失败: %v", err)
	}

	if len(first.Images) != len(second.Images) {
		t.Fatalf("两次解析的图像数量不一致: %d vs %d", len(first.Images), len(second.Images))
	}
	for i := range first.Images {
		if first.Images[i].Name != second.Images[i].Name || first.Images[i].RefTag != second.Images[i].RefTag {
			t.Errorf("第%d张图像不一致: %s/%s vs %s/%s", i+1,
				first.Images[i].Name, first.Images[i].RefTag,
				second.Images[i].Name, second.Images[i].RefTag)
		}
	}

	firstMapping, _ := json.Marshal(first.Mapping)
	secondMapping, _ := json.Marshal(second.Mapping)
	if string(firstMapping) != string(secondMapping) {
		t.Errorf("两次解析的映射不一致:\n%s\n%s", firstMapping, secondMapping)
	}
}

func TestBuildPayloadZeroCandidates(t *testing.T) {
	store, sequences, entities := newTestStores(t)
	project, seq := newTestProject(t, sequences)

	shot := &models.ShotPlan{
		ShotID:   1,
		PlanType: models.PlanTypeMaster,
		Summary:  "empty room establishing shot",
		VisualBreakdown: &models.VisualBreakdown{
			Scene:   models.SceneSpec{Environment: "empty warehouse", TimeOfDay: "night"},
			Framing: "wide shot",
		},
	}

	refs := NewReferenceService(entities, store, 8)
	payload, err := refs.BuildPayload(context.Background(), shot, seq, project, Anchors{})
	if err != nil {
		t.Fatalf("零候选不应是错误: %v", err)
	}

	if len(payload.Images) != 0 {
		t.Fatalf("应没有附件图像，实际%d张", len(payload.Images))
	}
	if payload.PromptText == "" {
		t.Fatal("纯文本载荷的提示词不应为空")
	}
	if tags := numericTagsIn(payload.PromptText); len(tags) != 0 {
		t.Fatalf("零附件时提示词不应包含任何编号引用: %v", tags)
	}
}

func TestBuildPayloadSanitizesDanglingRefs(t *testing.T) {
	refs, shot, seq, project, anchors, _ := setupTruncationCase(t)

	// 自由文本中混入不存在的编号引用
	shot.VisualBreakdown.DirectorNotes = "match the lighting from image 12 exactly"

	payload, err := refs.BuildPayload(context.Background(), shot, seq, project, anchors)
	if err != nil {
		t.Fatalf("BuildPayload失败: %v", err)
	}

	if strings.Contains(payload.PromptText, "image 12") {
		t.Fatal("悬空引用image 12应被清理")
	}
	if !strings.Contains(payload.PromptText, SanitizedRef) {
		t.Fatalf("悬空引用应改写为%s", SanitizedRef)
	}
}

func TestBuildPayloadRemapsNotesToFinalTags(t *testing.T) {
	store, sequences, entities := newTestStores(t)
	project, seq := newTestProject(t, sequences)

	// 创建顺序决定原始编号1..4；优先级排序后Kitchen沉到末位，
	// 它的原始编号在最终编号空间里属于头盔
	tags := map[string]string{}
	for _, spec := range []struct {
		name       string
		entityType models.EntityType
	}{
		{"Ava", models.EntityTypeCharacter},
		{"Ben", models.EntityTypeCharacter},
		{"Kitchen", models.EntityTypeLocation},
		{"space helmet", models.EntityTypeItem},
	} {
		tags[spec.name] = addImagedEntity(t, entities, project.ID, spec.name, spec.entityType)
	}

	project, err := sequences.GetProject(project.ID)
	if err != nil {
		t.Fatalf("加载项目失败: %v", err)
	}

	shot := &models.ShotPlan{
		ShotID:   2,
		PlanType: models.PlanTypeSequential,
		Summary:  "Ava hands Ben the helmet",
		VisualBreakdown: &models.VisualBreakdown{
			Scene: models.SceneSpec{
				Environment:    "cluttered kitchen",
				TimeOfDay:      "day",
				ReferenceImage: tags["Kitchen"],
			},
			Characters: []models.CharacterShotDetail{
				{Name: "Ava", ReferenceImage: tags["Ava"], Position: "left of frame",
					Appearance: models.AppearanceSpec{Description: "red coat"}},
				{Name: "Ben", ReferenceImage: tags["Ben"], Position: "right of frame",
					Appearance: models.AppearanceSpec{Description: "grey suit"}},
			},
			Objects: []models.ObjectShotDetail{
				{Name: "space helmet", ReferenceImage: tags["space helmet"]},
			},
			Framing:       "medium two-shot",
			DirectorNotes: fmt.Sprintf("match the environment from %s", tags["Kitchen"]),
		},
	}

	refs := NewReferenceService(entities, store, 8)
	payload, err := refs.BuildPayload(context.Background(), shot, seq, project, Anchors{})
	if err != nil {
		t.Fatalf("BuildPayload失败: %v", err)
	}

	finalKitchen := payload.Mapping[strings.ToLower(tags["Kitchen"])]
	if finalKitchen == "" || finalKitchen == tags["Kitchen"] {
		t.Fatalf("Kitchen的编号应发生迁移: %s -> %s", tags["Kitchen"], finalKitchen)
	}

	var notesLine string
	for _, line := range strings.Split(payload.PromptText, "\n") {
		if strings.HasPrefix(line, "Notes:") {
			notesLine = line
		}
	}
	if notesLine == "" {
		t.Fatal("提示词中缺少Notes行")
	}

	// 备注里的编号必须跟随它指向的图像一起迁移，
	// 哪怕旧编号恰好仍落在1..K范围内
	if !strings.Contains(notesLine, finalKitchen) {
		t.Errorf("备注应改写为Kitchen的最终编号%s: %s", finalKitchen, notesLine)
	}
	if strings.Contains(notesLine, tags["Kitchen"]) {
		t.Errorf("备注不应保留旧编号%s，它现在指向另一张图像: %s", tags["Kitchen"], notesLine)
	}
}

func TestBuildPayloadOriginalRefSetOnce(t *testing.T) {
	refs, shot, seq, project, anchors, tags := setupTruncationCase(t)

	if _, err := refs.BuildPayload(context.Background(), shot, seq, project, anchors); err != nil {
		t.Fatalf("第一次BuildPayload失败: %v", err)
	}

	avaOriginal := shot.VisualBreakdown.Characters[0].OriginalRef
	if avaOriginal != tags["Ava"] {
		t.Fatalf("首次重映射应记录原始标记%s，实际为%s", tags["Ava"], avaOriginal)
	}

	// 重新解析同一镜头：original_ref不得被覆盖
	if _, err := refs.BuildPayload(context.Background(), shot, seq, project, anchors); err != nil {
		t.Fatalf("第二次BuildPayload失败: %v", err)
	}

	if shot.VisualBreakdown.Characters[0].OriginalRef != avaOriginal {
		t.Errorf("original_ref只能设置一次: %s -> %s",
			avaOriginal, shot.VisualBreakdown.Characters[0].OriginalRef)
	}
}

func TestBuildPayloadDeletedEntityProceedsWithout(t *testing.T) {
	refs, shot, seq, project, anchors, _ := setupTruncationCase(t)

	// original_ref指向一个从未存在过的实体
	shot.VisualBreakdown.Objects = append(shot.VisualBreakdown.Objects, models.ObjectShotDetail{
		Name:           "ghost prop",
		ReferenceImage: "image 99",
	})

	payload, err := refs.BuildPayload(context.Background(), shot, seq, project, anchors)
	if err != nil {
		t.Fatalf("无法解析的候选应被跳过而不是失败: %v", err)
	}
	if len(payload.Images) != 8 {
		t.Fatalf("附件数量应保持8张，实际%d张", len(payload.Images))
	}
}

func TestIsWornObject(t *testing.T) {
	cases := []struct {
		name string
		worn bool
	}{
		{"space helmet", true},
		{"leather gloves", true},
		{"tactical suit", true},
		{"coffee mug", false},
		{"floor lamp", false},
	}

	for _, tc := range cases {
		if got := isWornObject(tc.name); got != tc.worn {
			t.Errorf("isWornObject(%q) = %v, 期望 %v", tc.name, got, tc.worn)
		}
	}
}
