// internal/services/entity_service.go
package services

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	apperrors "github.com/Corphon/StoryboardMCP/internal/errors"
	"github.com/Corphon/StoryboardMCP/internal/models"
	"github.com/Corphon/StoryboardMCP/internal/storage"
	"github.com/google/uuid"
)

// EntityService 管理视觉资产的识别、解析与图像绑定
type EntityService struct {
	llmService *LLMService
	sequences  *SequenceService
	media      *storage.MediaStore
}

// NewEntityService 创建实体服务
func NewEntityService(llmService *LLMService, sequences *SequenceService, media *storage.MediaStore) *EntityService {
	return &EntityService{
		llmService: llmService,
		sequences:  sequences,
		media:      media,
	}
}

// identifiedEntity 实体识别调用的结构化输出
type identifiedEntity struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
}

type identifyResult struct {
	Entities []identifiedEntity `json:"entities"`
}

const identifySystemPrompt = `You are a film production assistant that extracts visual assets from scripts.
Extract every named character, distinct location, and significant physical prop that is VISUALLY PRESENT in the scene.

Critical rule: content inside quoted dialogue is NOT visually present. If a character merely talks about an object
("I left my gun in the car"), neither the object nor the mentioned place exists on screen. Only stage directions
and action text establish what is physically present.

Respond with JSON: {"entities": [{"name": "...", "type": "character|location|item", "description": "..."}]}`

// IdentifyEntities 从剧本中识别视觉资产并登记为序列的本地实体
// 已存在的全局实体不会重复创建：规范化名称匹配时建立链接，
// 复制全局实体的图像与描述但保留独立的本地生命周期
func (s *EntityService) IdentifyEntities(ctx context.Context, projectID, sequenceID, script string) ([]*models.Entity, error) {
	if strings.TrimSpace(script) == "" {
		return nil, apperrors.NewValidationError("剧本内容不能为空", nil)
	}

	project, err := s.sequences.GetProject(projectID)
	if err != nil {
		return nil, err
	}

	// 已知实体按规范化名称排除
	known := make([]string, 0, len(project.Entities))
	for _, entity := range project.Entities {
		known = append(known, entity.Name)
	}

	prompt := fmt.Sprintf(`Script:
%s

Already known assets (do NOT re-extract these): %s

Extract the visual assets present in this script.`, script, formatKnownNames(known))

	var result identifyResult
	if err := s.llmService.CreateStructuredCompletion(ctx, prompt, identifySystemPrompt, &result); err != nil {
		return nil, fmt.Errorf("实体识别失败: %w", err)
	}

	var created []*models.Entity
	_, err = s.sequences.UpdateSequence(sequenceID, func(seq *models.Sequence) error {
		// 本地编号从全局计数器之后继续，保证标记全局唯一可读
		if seq.RefCounter < project.RefCounter {
			seq.RefCounter = project.RefCounter
		}

		for _, candidate := range result.Entities {
			normalized := models.NormalizeName(candidate.Name)
			if normalized == "" {
				continue
			}

			// 已有同名本地实体则跳过
			if findEntityByName(seq.LocalEntities, candidate.Name) != nil {
				continue
			}

			entityType := parseEntityType(candidate.Type)
			now := time.Now()
			seq.RefCounter++

			entity := &models.Entity{
				ID:          uuid.New().String(),
				RefTag:      fmt.Sprintf("image %d", seq.RefCounter),
				Name:        candidate.Name,
				Type:        entityType,
				Description: candidate.Description,
				Scope:       models.ScopeLocal,
				CreatedAt:   now,
				LastUpdated: now,
			}

			// 同名全局实体存在时建立链接而不是复制资产
			if global := findEntityByName(project.Entities, candidate.Name); global != nil {
				entity.Name = global.Name
				entity.Type = global.Type
				entity.ImageLocator = global.ImageLocator
				entity.MimeType = global.MimeType
				entity.LinkedTo = global.ID
				if entity.Description == "" {
					entity.Description = global.Description
				}
			}

			seq.LocalEntities = append(seq.LocalEntities, entity)
			created = append(created, entity)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return created, nil
}

// CreateGlobalEntity 在项目资产池中创建全局实体
func (s *EntityService) CreateGlobalEntity(projectID, name string, entityType models.EntityType, description string) (*models.Entity, error) {
	if strings.TrimSpace(name) == "" {
		return nil, apperrors.NewValidationError("实体名称不能为空", nil)
	}

	var created *models.Entity
	_, err := s.sequences.UpdateProject(projectID, func(project *models.Project) error {
		if findEntityByName(project.Entities, name) != nil {
			return apperrors.NewConflictError(fmt.Sprintf("同名实体已存在: %s", name), nil)
		}

		now := time.Now()
		project.RefCounter++
		created = &models.Entity{
			ID:          uuid.New().String(),
			RefTag:      fmt.Sprintf("image %d", project.RefCounter),
			Name:        name,
			Type:        entityType,
			Description: description,
			Scope:       models.ScopeGlobal,
			CreatedAt:   now,
			LastUpdated: now,
		}
		project.Entities = append(project.Entities, created)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return created, nil
}

// GetEntities 返回项目的全局资产池
func (s *EntityService) GetEntities(projectID string) ([]*models.Entity, error) {
	project, err := s.sequences.GetProject(projectID)
	if err != nil {
		return nil, err
	}
	return project.Entities, nil
}

// AttachEntityImage 将上传的图像字节绑定到全局实体
func (s *EntityService) AttachEntityImage(projectID, entityID string, data []byte, mimeType string) (string, error) {
	if len(data) == 0 {
		return "", apperrors.NewValidationError("图像数据不能为空", nil)
	}

	key := path.Join("media", "entities", entityID)
	locator, err := s.media.Save(key, data, mimeType)
	if err != nil {
		return "", fmt.Errorf("保存实体图像失败: %w", err)
	}

	_, err = s.sequences.UpdateProject(projectID, func(project *models.Project) error {
		for _, entity := range project.Entities {
			if entity.ID == entityID {
				entity.ImageLocator = locator
				entity.MimeType = mimeType
				entity.LastUpdated = time.Now()
				return nil
			}
		}
		return apperrors.NewNotFoundError(fmt.Sprintf("实体不存在: %s", entityID), nil)
	})
	if err != nil {
		return "", err
	}

	return locator, nil
}

// Resolve 将引用标记或名称解析为图像资源
// 先查本地作用域再查全局；标记精确匹配优先于名称匹配。
// 实体存在但没有图像数据时返回nil而不是错误，纯文本实体是合法状态
func (s *EntityService) Resolve(tagOrName string, seq *models.Sequence, project *models.Project) *models.ImageResource {
	entity := s.lookup(tagOrName, seq, project)
	if entity == nil || entity.ImageLocator == "" {
		return nil
	}

	data, mimeType, err := s.media.Get(entity.ImageLocator)
	if err != nil {
		// 图像文件丢失视同无图像实体
		return nil
	}

	return &models.ImageResource{
		RefTag:      entity.RefTag,
		Name:        entity.Name,
		Description: entity.Description,
		Locator:     entity.ImageLocator,
		MimeType:    mimeType,
		Data:        data,
	}
}

func (s *EntityService) lookup(tagOrName string, seq *models.Sequence, project *models.Project) *models.Entity {
	var pools [][]*models.Entity
	if seq != nil {
		pools = append(pools, seq.LocalEntities)
	}
	if project != nil {
		pools = append(pools, project.Entities)
	}

	// 标记精确匹配优先
	needle := strings.TrimSpace(strings.ToLower(tagOrName))
	for _, pool := range pools {
		for _, entity := range pool {
			if strings.ToLower(entity.RefTag) == needle {
				return entity
			}
		}
	}

	// 规范化名称匹配
	for _, pool := range pools {
		if entity := findEntityByName(pool, tagOrName); entity != nil {
			return entity
		}
	}

	return nil
}

func findEntityByName(pool []*models.Entity, name string) *models.Entity {
	for _, entity := range pool {
		if models.SameName(entity.Name, name) {
			return entity
		}
	}
	return nil
}

func parseEntityType(raw string) models.EntityType {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "character":
		return models.EntityTypeCharacter
	case "location":
		return models.EntityTypeLocation
	default:
		return models.EntityTypeItem
	}
}

func formatKnownNames(names []string) string {
	if len(names) == 0 {
		return "(none)"
	}
	return strings.Join(names, ", ")
}
