// internal/models/job.go
package models

import "time"

// JobStatus 异步任务状态机：processing -> completed | failed
// 每个任务只发生一次终态迁移
type JobStatus string

const (
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// JobType 异步任务类型
type JobType string

const (
	JobTypeIdentify    JobType = "identify_entities"
	JobTypePlan        JobType = "plan_shots"
	JobTypeRender      JobType = "render_shot"
	JobTypeRenderBatch JobType = "render_batch"
	JobTypeEdit        JobType = "edit_shot"
)

// Job 表示一个可轮询的长时间运行任务
type Job struct {
	ID       string    `json:"id"`
	Type     JobType   `json:"type"`
	Status   JobStatus `json:"status"`
	Progress int       `json:"progress"`
	Message  string    `json:"message,omitempty"`
	Data     any       `json:"data,omitempty"`
	Error    string    `json:"error,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// IsTerminal 任务是否已到达终态
func (j *Job) IsTerminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}
