// internal/services/sequence_service.go
package services

import (
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	apperrors "github.com/Corphon/StoryboardMCP/internal/errors"
	"github.com/Corphon/StoryboardMCP/internal/models"
	"github.com/Corphon/StoryboardMCP/internal/storage"
	"github.com/google/uuid"
)

// SequenceService 管理项目与序列文档的生命周期
// 所有变更都走整文档替换：读取当前状态 → 产生新状态 → 原子写回，
// 同一文档的并发变更由文档级互斥锁串行化
type SequenceService struct {
	store *storage.MediaStore

	docLocks sync.Map // 文档ID -> *sync.Mutex
}

// NewSequenceService 创建序列服务
func NewSequenceService(store *storage.MediaStore) *SequenceService {
	return &SequenceService{
		store: store,
	}
}

func sequenceLocator(id string) string {
	return path.Join("sequences", id+".json")
}

func projectLocator(id string) string {
	return path.Join("projects", id+".json")
}

func (s *SequenceService) lockDoc(id string) *sync.Mutex {
	value, _ := s.docLocks.LoadOrStore(id, &sync.Mutex{})
	return value.(*sync.Mutex)
}

// CreateProject 创建新项目
func (s *SequenceService) CreateProject(name string) (*models.Project, error) {
	if strings.TrimSpace(name) == "" {
		return nil, apperrors.NewValidationError("项目名称不能为空", nil)
	}

	now := time.Now()
	project := &models.Project{
		ID:          uuid.New().String(),
		Name:        name,
		Entities:    []*models.Entity{},
		RefCounter:  0,
		CreatedAt:   now,
		LastUpdated: now,
	}

	if err := s.store.SaveJSON(projectLocator(project.ID), project); err != nil {
		return nil, fmt.Errorf("保存项目失败: %w", err)
	}

	return project, nil
}

// GetProject 按ID加载项目
func (s *SequenceService) GetProject(id string) (*models.Project, error) {
	if id == "" {
		return nil, apperrors.NewValidationError("项目ID不能为空", nil)
	}

	var project models.Project
	if err := s.store.LoadJSON(projectLocator(id), &project); err != nil {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("项目不存在: %s", id), err)
	}

	return &project, nil
}

// UpdateProject 在文档锁内执行读取-变更-写回
func (s *SequenceService) UpdateProject(id string, mutate func(*models.Project) error) (*models.Project, error) {
	lock := s.lockDoc(id)
	lock.Lock()
	defer lock.Unlock()

	project, err := s.GetProject(id)
	if err != nil {
		return nil, err
	}

	if err := mutate(project); err != nil {
		return nil, err
	}

	project.LastUpdated = time.Now()
	if err := s.store.SaveJSON(projectLocator(id), project); err != nil {
		return nil, fmt.Errorf("保存项目失败: %w", err)
	}

	return project, nil
}

// CreateSequence 从剧本创建序列，初始状态为draft
func (s *SequenceService) CreateSequence(projectID, title, script string) (*models.Sequence, error) {
	if strings.TrimSpace(script) == "" {
		return nil, apperrors.NewValidationError("剧本内容不能为空", nil)
	}

	// 确认项目存在，本地计数器从全局计数器之后继续
	project, err := s.GetProject(projectID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	seq := &models.Sequence{
		ID:            uuid.New().String(),
		ProjectID:     project.ID,
		Title:         title,
		Script:        script,
		Status:        models.SequenceStatusDraft,
		LocalEntities: []*models.Entity{},
		RefCounter:    project.RefCounter,
		CreatedAt:     now,
		LastUpdated:   now,
	}

	if seq.Title == "" {
		seq.Title = "Untitled Sequence"
	}

	if err := s.store.SaveJSON(sequenceLocator(seq.ID), seq); err != nil {
		return nil, fmt.Errorf("保存序列失败: %w", err)
	}

	return seq, nil
}

// GetSequence 按ID加载序列
func (s *SequenceService) GetSequence(id string) (*models.Sequence, error) {
	if id == "" {
		return nil, apperrors.NewValidationError("序列ID不能为空", nil)
	}

	var seq models.Sequence
	if err := s.store.LoadJSON(sequenceLocator(id), &seq); err != nil {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("序列不存在: %s", id), err)
	}

	return &seq, nil
}

// UpdateSequence 在文档锁内执行读取-变更-写回
// 变更函数收到的是独立副本，返回错误时不落盘
func (s *SequenceService) UpdateSequence(id string, mutate func(*models.Sequence) error) (*models.Sequence, error) {
	lock := s.lockDoc(id)
	lock.Lock()
	defer lock.Unlock()

	seq, err := s.GetSequence(id)
	if err != nil {
		return nil, err
	}

	if err := mutate(seq); err != nil {
		return nil, err
	}

	seq.LastUpdated = time.Now()
	if err := s.store.SaveJSON(sequenceLocator(id), seq); err != nil {
		return nil, fmt.Errorf("保存序列失败: %w", err)
	}

	return seq, nil
}

// ListSequences 列出项目下的所有序列
func (s *SequenceService) ListSequences(projectID string) ([]*models.Sequence, error) {
	locators, err := s.store.ListJSON("sequences")
	if err != nil {
		return nil, err
	}

	sequences := make([]*models.Sequence, 0, len(locators))
	for _, locator := range locators {
		var seq models.Sequence
		if err := s.store.LoadJSON(locator, &seq); err != nil {
			continue // 跳过损坏的文档
		}
		if projectID == "" || seq.ProjectID == projectID {
			sequences = append(sequences, &seq)
		}
	}

	return sequences, nil
}

// TransitionStatus 推进序列状态，非法迁移返回冲突错误
func (s *SequenceService) TransitionStatus(id string, next models.SequenceStatus) (*models.Sequence, error) {
	return s.UpdateSequence(id, func(seq *models.Sequence) error {
		if seq.Status == next {
			return nil // 已处于目标状态
		}
		if !seq.Status.CanTransition(next) {
			return apperrors.NewConflictError(
				fmt.Sprintf("序列状态不能从%s迁移到%s", seq.Status, next), nil)
		}
		seq.Status = next
		return nil
	})
}
