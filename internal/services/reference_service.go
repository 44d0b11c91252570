// internal/services/reference_service.go
package services

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/Corphon/StoryboardMCP/internal/imagegen"
	"github.com/Corphon/StoryboardMCP/internal/models"
	"github.com/Corphon/StoryboardMCP/internal/storage"
	"golang.org/x/sync/errgroup"
)

// 多镜连续性使用的合成标记，在最终重映射时被替换为实际编号
const (
	RefTagMaster   = "REF_MASTER"
	RefTagPrevious = "REF_PREVIOUS"
)

// 悬空引用的统一占位符：被截断或无法解析的标记一律改写为它，
// 绝不允许大于附件数量的编号出现在最终提示词中
const SanitizedRef = "[reference]"

// 候选优先级，数值越大越先保留
const (
	priorityMaster      = 100
	priorityPrevious    = 98
	priorityCharacter   = 95
	priorityWornObject  = 90
	priorityEnvironment = 80
	priorityObject      = 60
)

// WornKeywords 穿戴类物件关键词：名称命中时该物件影响角色身份连续性，
// 优先级提升到角色级别附近
var WornKeywords = []string{
	"suit", "helmet", "gloves", "outfit", "armor", "clothing",
	"dress", "coat", "jacket", "uniform", "costume", "mask",
}

var refTagPattern = regexp.MustCompile(`(?i)\bimage\s+(\d+)\b`)

// Anchors 渲染时可用的锚点图像定位符
type Anchors struct {
	MasterLocator   string
	PreviousLocator string
}

// RenderPayload 引用解析的最终产物：重映射后的提示词文本，
// 加上按最终编号排列的图像列表（1..K，K不超过配置上限）
type RenderPayload struct {
	PromptText string
	Images     []models.ImageResource
	Mapping    map[string]string
}

// ToPromptParts 按标记顺序组装图像后端的请求部分：先是完整提示词，随后是编号对应的图像
func (p *RenderPayload) ToPromptParts() []imagegen.PromptPart {
	parts := make([]imagegen.PromptPart, 0, len(p.Images)+1)
	parts = append(parts, imagegen.PromptPart{Text: p.PromptText})
	for _, image := range p.Images {
		parts = append(parts, imagegen.PromptPart{
			ImageData: image.Data,
			MimeType:  image.MimeType,
		})
	}
	return parts
}

// referenceCandidate 一个待定的参考图像，按发现顺序编号以保证排序稳定
type referenceCandidate struct {
	originalTag string
	priority    int
	resource    *models.ImageResource
}

type candidateSpec struct {
	originalTag string
	priority    int
	fetch       func() *models.ImageResource
}

// ReferenceService 为单个镜头解析参考图像并执行预算截断与编号重映射
// 下游图像模型无法忽略多余或缺失的编号引用，所以最终编号空间必须
// 稠密、连续、且每个编号都有真实图像背书
type ReferenceService struct {
	entities  *EntityService
	media     *storage.MediaStore
	maxImages int
}

// NewReferenceService 创建引用解析服务
func NewReferenceService(entities *EntityService, media *storage.MediaStore, maxImages int) *ReferenceService {
	if maxImages <= 0 {
		maxImages = 8
	}
	return &ReferenceService{
		entities:  entities,
		media:     media,
		maxImages: maxImages,
	}
}

// BuildPayload 执行完整的解析-排序-截断-重映射流程
// 无法解析的候选被静默跳过（实体可能已删除或尚无图像），不是硬失败；
// 零候选同样合法，载荷退化为纯文本
func (s *ReferenceService) BuildPayload(ctx context.Context, shot *models.ShotPlan, seq *models.Sequence, project *models.Project, anchors Anchors) (*RenderPayload, error) {
	specs := s.collectCandidates(shot, seq, project, anchors)

	// 各候选的图像字节读取彼此独立，可以并发执行；
	// 顺序保证只作用于之后的优先级排序，不作用于读取本身
	results := make([]*models.ImageResource, len(specs))
	g, gctx := errgroup.WithContext(ctx)
	for i, spec := range specs {
		i, spec := i, spec
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			results[i] = spec.fetch()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	candidates := make([]referenceCandidate, 0, len(specs))
	for i, spec := range specs {
		if results[i] == nil {
			continue
		}
		candidates = append(candidates, referenceCandidate{
			originalTag: spec.originalTag,
			priority:    spec.priority,
			resource:    results[i],
		})
	}

	// 优先级降序，同级保留发现顺序
	sort.SliceStable(candidates, func(a, b int) bool {
		return candidates[a].priority > candidates[b].priority
	})

	if len(candidates) > s.maxImages {
		candidates = candidates[:s.maxImages]
	}

	// 幸存者按截断后顺序获得最终编号1..K
	mapping := make(map[string]string, len(candidates))
	images := make([]models.ImageResource, 0, len(candidates))
	for i, candidate := range candidates {
		finalTag := fmt.Sprintf("image %d", i+1)
		mapping[strings.ToLower(candidate.originalTag)] = finalTag

		resource := *candidate.resource
		resource.RefTag = finalTag
		images = append(images, resource)
	}

	remapBreakdown(shot.VisualBreakdown, mapping)

	promptText := s.assemblePrompt(shot, images, mapping)

	return &RenderPayload{
		PromptText: promptText,
		Images:     images,
		Mapping:    mapping,
	}, nil
}

// collectCandidates 按固定发现顺序收集候选：master → previous → 环境 → 角色 → 物件
func (s *ReferenceService) collectCandidates(shot *models.ShotPlan, seq *models.Sequence, project *models.Project, anchors Anchors) []candidateSpec {
	var specs []candidateSpec

	if anchors.MasterLocator != "" {
		specs = append(specs, candidateSpec{
			originalTag: RefTagMaster,
			priority:    priorityMaster,
			fetch:       s.locatorFetcher(anchors.MasterLocator, RefTagMaster, "master shot spatial layout anchor"),
		})
	}

	if anchors.PreviousLocator != "" {
		specs = append(specs, candidateSpec{
			originalTag: RefTagPrevious,
			priority:    priorityPrevious,
			fetch:       s.locatorFetcher(anchors.PreviousLocator, RefTagPrevious, "immediately preceding shot"),
		})
	}

	breakdown := shot.VisualBreakdown
	if breakdown == nil {
		return specs
	}

	if tag := preferredTag(breakdown.Scene.OriginalRef, breakdown.Scene.ReferenceImage, breakdown.Scene.Environment); tag != "" {
		specs = append(specs, candidateSpec{
			originalTag: tag,
			priority:    priorityEnvironment,
			fetch:       s.entityFetcher(tag, breakdown.Scene.Environment, seq, project),
		})
	}

	for _, character := range breakdown.Characters {
		tag := preferredTag(character.OriginalRef, character.ReferenceImage, character.Name)
		if tag == "" {
			continue
		}
		specs = append(specs, candidateSpec{
			originalTag: tag,
			priority:    priorityCharacter,
			fetch:       s.entityFetcher(tag, character.Name, seq, project),
		})
	}

	for _, object := range breakdown.Objects {
		tag := preferredTag(object.OriginalRef, object.ReferenceImage, object.Name)
		if tag == "" {
			continue
		}
		priority := priorityObject
		if isWornObject(object.Name) {
			priority = priorityWornObject
		}
		specs = append(specs, candidateSpec{
			originalTag: tag,
			priority:    priority,
			fetch:       s.entityFetcher(tag, object.Name, seq, project),
		})
	}

	return specs
}

func (s *ReferenceService) locatorFetcher(locator, tag, description string) func() *models.ImageResource {
	return func() *models.ImageResource {
		data, mimeType, err := s.media.Get(locator)
		if err != nil {
			return nil
		}
		return &models.ImageResource{
			RefTag:      tag,
			Name:        tag,
			Description: description,
			Locator:     locator,
			MimeType:    mimeType,
			Data:        data,
		}
	}
}

func (s *ReferenceService) entityFetcher(tag, name string, seq *models.Sequence, project *models.Project) func() *models.ImageResource {
	return func() *models.ImageResource {
		if resource := s.entities.Resolve(tag, seq, project); resource != nil {
			return resource
		}
		// 标记解析失败时回退到名称匹配
		if name != "" && name != tag {
			return s.entities.Resolve(name, seq, project)
		}
		return nil
	}
}

// preferredTag 决定候选的原始标记：original_ref优先（重新解析场景），
// 其次是reference_image，最后退化为名称本身
func preferredTag(originalRef, referenceImage, name string) string {
	if originalRef != "" {
		return originalRef
	}
	if referenceImage != "" && referenceImage != SanitizedRef {
		return referenceImage
	}
	return strings.TrimSpace(name)
}

func isWornObject(name string) bool {
	lower := strings.ToLower(name)
	for _, keyword := range WornKeywords {
		if strings.Contains(lower, keyword) {
			return true
		}
	}
	return false
}

// remapBreakdown 将结构化引用字段改写为最终编号
// original_ref只在首次重映射时设置一次，保留截断前的原始标记供重新解析，之后不再覆盖
func remapBreakdown(breakdown *models.VisualBreakdown, mapping map[string]string) {
	if breakdown == nil {
		return
	}

	breakdown.Scene.ReferenceImage, breakdown.Scene.OriginalRef = remapRef(
		breakdown.Scene.ReferenceImage, breakdown.Scene.OriginalRef, mapping)

	for i := range breakdown.Characters {
		breakdown.Characters[i].ReferenceImage, breakdown.Characters[i].OriginalRef = remapRef(
			breakdown.Characters[i].ReferenceImage, breakdown.Characters[i].OriginalRef, mapping)
	}

	for i := range breakdown.Objects {
		breakdown.Objects[i].ReferenceImage, breakdown.Objects[i].OriginalRef = remapRef(
			breakdown.Objects[i].ReferenceImage, breakdown.Objects[i].OriginalRef, mapping)
	}
}

func remapRef(current, original string, mapping map[string]string) (string, string) {
	// 重新解析时以original_ref为准
	lookup := original
	if lookup == "" {
		lookup = current
	}
	if lookup == "" || lookup == SanitizedRef {
		return current, original
	}

	if original == "" {
		original = lookup
	}

	if final, ok := mapping[strings.ToLower(lookup)]; ok {
		return final, original
	}
	return SanitizedRef, original
}

// assemblePrompt 从结构化分解组装最终提示词
// 结构化引用字段此时已持有最终编号，逐字插入；自由文本字段仍带着
// 原始编号，必须在写入前逐个对照映射表改写，两套编号一旦混入
// 同一段文本就再也分不开了
func (s *ReferenceService) assemblePrompt(shot *models.ShotPlan, images []models.ImageResource, mapping map[string]string) string {
	var sb strings.Builder
	breakdown := shot.VisualBreakdown

	clean := func(text string) string { return remapFreeText(text, mapping) }

	fmt.Fprintf(&sb, "Storyboard shot %d: %s\n\n", shot.ShotID, clean(shot.Summary))

	if breakdown != nil {
		fmt.Fprintf(&sb, "Scene: %s", clean(breakdown.Scene.Environment))
		if breakdown.Scene.TimeOfDay != "" {
			fmt.Fprintf(&sb, ", %s", breakdown.Scene.TimeOfDay)
		}
		if breakdown.Scene.Mood != "" {
			fmt.Fprintf(&sb, ", mood: %s", clean(breakdown.Scene.Mood))
		}
		if breakdown.Scene.Palette != "" {
			fmt.Fprintf(&sb, ", palette: %s", clean(breakdown.Scene.Palette))
		}
		if isNumericTag(breakdown.Scene.ReferenceImage) {
			fmt.Fprintf(&sb, " (see %s)", breakdown.Scene.ReferenceImage)
		}
		sb.WriteString("\n")

		for _, character := range breakdown.Characters {
			fmt.Fprintf(&sb, "Character %s", character.Name)
			if isNumericTag(character.ReferenceImage) {
				fmt.Fprintf(&sb, " (appearance as in %s)", character.ReferenceImage)
			}
			fmt.Fprintf(&sb, ": %s, positioned %s", clean(character.Appearance.Description), clean(character.Position))
			if character.Appearance.Expression != "" {
				fmt.Fprintf(&sb, ", expression: %s", clean(character.Appearance.Expression))
			}
			if character.Actions != "" {
				fmt.Fprintf(&sb, ", %s", clean(character.Actions))
			}
			if character.LightingEffect != "" {
				fmt.Fprintf(&sb, ", lit: %s", clean(character.LightingEffect))
			}
			sb.WriteString("\n")
		}

		for _, object := range breakdown.Objects {
			fmt.Fprintf(&sb, "Object %s", object.Name)
			if isNumericTag(object.ReferenceImage) {
				fmt.Fprintf(&sb, " (as in %s)", object.ReferenceImage)
			}
			if object.Details != "" {
				fmt.Fprintf(&sb, ": %s", clean(object.Details))
			}
			if object.Action != "" {
				fmt.Fprintf(&sb, ", %s", clean(object.Action))
			}
			sb.WriteString("\n")
		}

		fmt.Fprintf(&sb, "Framing: %s\n", clean(breakdown.Framing))
		if breakdown.Composition != "" {
			fmt.Fprintf(&sb, "Composition: %s\n", clean(breakdown.Composition))
		}
		if specs := formatCameraSpecs(breakdown.Camera); specs != "" {
			fmt.Fprintf(&sb, "Camera: %s\n", specs)
		}
		if breakdown.Lighting != "" {
			fmt.Fprintf(&sb, "Lighting: %s\n", clean(breakdown.Lighting))
		}
		if breakdown.DirectorNotes != "" {
			fmt.Fprintf(&sb, "Notes: %s\n", clean(breakdown.DirectorNotes))
		}
	}

	// 每个附件编号都在文本中出现一次，下游模型据此建立编号到图像的对应；
	// 锚点图像的名称是合成标记，同样经映射表换成最终编号
	if len(images) > 0 {
		sb.WriteString("\nReference images:\n")
		for _, image := range images {
			fmt.Fprintf(&sb, "%s: %s", image.RefTag, clean(image.Name))
			if image.Description != "" {
				fmt.Fprintf(&sb, " - %s", image.Description)
			}
			sb.WriteString("\n")
		}
	}

	return sb.String()
}

// remapFreeText 把自由文本中的引用迁移到最终编号空间：原始编号查映射表
// 改写，没有幸存图像的一律改写为通用占位符，残留的合成标记同样处理。
// 只接受尚未混入最终编号的原始文本，原始编号与最终编号在混排文本里
// 无法区分
func remapFreeText(text string, mapping map[string]string) string {
	if text == "" {
		return text
	}

	text = refTagPattern.ReplaceAllStringFunc(text, func(match string) string {
		if final, ok := mapping[strings.ToLower(normalizeTagText(match))]; ok {
			return final
		}
		return SanitizedRef
	})

	for _, synthetic := range []string{RefTagMaster, RefTagPrevious} {
		replacement := SanitizedRef
		if final, ok := mapping[strings.ToLower(synthetic)]; ok {
			replacement = final
		}
		text = strings.ReplaceAll(text, synthetic, replacement)
	}

	return text
}

func normalizeTagText(tag string) string {
	fields := strings.Fields(strings.TrimSpace(tag))
	return strings.Join(fields, " ")
}

func isNumericTag(tag string) bool {
	return refTagPattern.MatchString(tag)
}
