// internal/models/sequence.go
package models

import "time"

// SequenceStatus 序列生命周期状态，只允许向前推进
type SequenceStatus string

const (
	SequenceStatusDraft        SequenceStatus = "draft"
	SequenceStatusAnalyzed     SequenceStatus = "analyzed"
	SequenceStatusStoryboarded SequenceStatus = "storyboarded"
)

// Sequence 表示一段剧本及其有序分镜列表
type Sequence struct {
	ID        string         `json:"id"`
	ProjectID string         `json:"project_id"`
	Title     string         `json:"title"`
	Script    string         `json:"script"`
	Status    SequenceStatus `json:"status"`

	SceneContext  *SceneContext `json:"scene_context,omitempty"`
	PlannedShots  []PlannedShot `json:"planned_shots,omitempty"`
	Shots         []*ShotPlan   `json:"shots,omitempty"`
	LocalEntities []*Entity     `json:"local_entities,omitempty"`

	// 最近一次连续性检查的结果快照，resolved状态跨检查保留
	ContinuityIssues []*ContinuityIssue `json:"continuity_issues,omitempty"`

	// 本地作用域的refTag计数器，单调递增且不复用
	RefCounter int `json:"ref_counter"`

	CreatedAt   time.Time `json:"created_at"`
	LastUpdated time.Time `json:"last_updated"`
}

// CanTransition 检查状态迁移是否合法（严格向前）
func (s SequenceStatus) CanTransition(next SequenceStatus) bool {
	switch s {
	case SequenceStatusDraft:
		return next == SequenceStatusAnalyzed
	case SequenceStatusAnalyzed:
		return next == SequenceStatusStoryboarded
	default:
		return false
	}
}

// MasterShot 返回显式标记为master的镜头，不依赖数组位置
func (seq *Sequence) MasterShot() *ShotPlan {
	for _, shot := range seq.Shots {
		if shot.PlanType == PlanTypeMaster {
			return shot
		}
	}
	return nil
}

// FindShot 按镜头ID查找
func (seq *Sequence) FindShot(shotID int) *ShotPlan {
	for _, shot := range seq.Shots {
		if shot.ShotID == shotID {
			return shot
		}
	}
	return nil
}

// Project 表示项目级资产池
type Project struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Entities []*Entity `json:"entities,omitempty"`

	// 全局作用域的refTag计数器，删除实体后也不回退
	RefCounter int `json:"ref_counter"`

	CreatedAt   time.Time `json:"created_at"`
	LastUpdated time.Time `json:"last_updated"`
}
