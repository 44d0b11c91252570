// internal/services/job_service.go
package services

import (
	"fmt"
	"sync"
	"time"

	apperrors "github.com/Corphon/StoryboardMCP/internal/errors"
	"github.com/Corphon/StoryboardMCP/internal/models"
	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
)

// 终态任务的保留窗口：完成后在此窗口内仍可轮询，之后无条件按时间清除
const jobRetention = 10 * time.Minute

// JobService 进程级异步任务注册表
// 状态机: processing -> completed | failed，每个任务只发生一次终态迁移；
// 只有提交任务的工作goroutine可以迁移它，轮询方只读
type JobService struct {
	jobs *gocache.Cache

	mu          sync.Mutex
	subscribers map[string][]chan *models.Job
}

// jobEntry 单个任务及其迁移锁
type jobEntry struct {
	mu  sync.Mutex
	job *models.Job
}

// NewJobService 创建任务服务
func NewJobService() *JobService {
	return &JobService{
		jobs:        gocache.New(gocache.NoExpiration, time.Minute),
		subscribers: make(map[string][]chan *models.Job),
	}
}

// Submit 登记一个新任务并在后台goroutine中执行工作函数
// 立即返回任务ID，调用方通过Poll跟踪进度
func (s *JobService) Submit(jobType models.JobType, work func(handle *JobHandle)) string {
	now := time.Now()
	job := &models.Job{
		ID:        uuid.New().String(),
		Type:      jobType,
		Status:    models.JobStatusProcessing,
		Progress:  0,
		CreatedAt: now,
		UpdatedAt: now,
	}

	entry := &jobEntry{job: job}
	// 运行中的任务不过期，终态迁移时切换到保留窗口
	s.jobs.Set(job.ID, entry, gocache.NoExpiration)

	handle := &JobHandle{service: s, entry: entry}
	go func() {
		defer func() {
			// 工作函数panic时任务仍然到达终态，不会永远processing
			if r := recover(); r != nil {
				handle.Fail(fmt.Errorf("任务内部错误: %v", r))
			}
		}()
		work(handle)
	}()

	return job.ID
}

// Poll 按ID查询任务快照
// 终态任务在保留窗口内重复轮询返回相同结果；未知ID返回NotFound
func (s *JobService) Poll(jobID string) (*models.Job, error) {
	value, found := s.jobs.Get(jobID)
	if !found {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("任务不存在: %s", jobID), nil)
	}

	entry := value.(*jobEntry)
	entry.mu.Lock()
	defer entry.mu.Unlock()

	snapshot := *entry.job
	return &snapshot, nil
}

// Subscribe 订阅任务的状态更新，返回只读通道和取消函数
// 任务到达终态后通道关闭
func (s *JobService) Subscribe(jobID string) (<-chan *models.Job, func(), error) {
	// 先确认任务存在并拿到当前快照
	current, err := s.Poll(jobID)
	if err != nil {
		return nil, nil, err
	}

	ch := make(chan *models.Job, 16)
	ch <- current

	if current.IsTerminal() {
		close(ch)
		return ch, func() {}, nil
	}

	s.mu.Lock()
	s.subscribers[jobID] = append(s.subscribers[jobID], ch)
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		channels := s.subscribers[jobID]
		for i, candidate := range channels {
			if candidate == ch {
				s.subscribers[jobID] = append(channels[:i], channels[i+1:]...)
				break
			}
		}
	}

	return ch, cancel, nil
}

// notify 向所有订阅者推送任务快照，终态时关闭通道
func (s *JobService) notify(job *models.Job) {
	snapshot := *job

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ch := range s.subscribers[job.ID] {
		select {
		case ch <- &snapshot:
		default:
			// 慢订阅者丢弃中间进度，终态通过通道关闭传达
		}
	}

	if snapshot.IsTerminal() {
		for _, ch := range s.subscribers[job.ID] {
			close(ch)
		}
		delete(s.subscribers, job.ID)
	}
}

// JobHandle 任务执行方持有的迁移句柄
// 只有它可以推进任务状态，保证单写者纪律
type JobHandle struct {
	service *JobService
	entry   *jobEntry
}

// ID 返回任务ID
func (h *JobHandle) ID() string {
	return h.entry.job.ID
}

// UpdateProgress 更新进度与消息，任务已到终态时静默忽略
func (h *JobHandle) UpdateProgress(progress int, message string) {
	h.entry.mu.Lock()
	if h.entry.job.IsTerminal() {
		h.entry.mu.Unlock()
		return
	}

	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	h.entry.job.Progress = progress
	h.entry.job.Message = message
	h.entry.job.UpdatedAt = time.Now()
	snapshot := *h.entry.job
	h.entry.mu.Unlock()

	h.service.notify(&snapshot)
}

// Complete 将任务迁移到completed终态
// 任务已到终态时不做任何事，并发的内部失败不能把completed降级为failed
func (h *JobHandle) Complete(data any) {
	h.transition(models.JobStatusCompleted, data, "")
}

// Fail 将任务迁移到failed终态
func (h *JobHandle) Fail(err error) {
	message := "未知错误"
	if err != nil {
		message = err.Error()
	}
	h.transition(models.JobStatusFailed, nil, message)
}

func (h *JobHandle) transition(status models.JobStatus, data any, errMessage string) {
	h.entry.mu.Lock()
	if h.entry.job.IsTerminal() {
		h.entry.mu.Unlock()
		return
	}

	now := time.Now()
	h.entry.job.Status = status
	h.entry.job.UpdatedAt = now
	h.entry.job.FinishedAt = &now
	if status == models.JobStatusCompleted {
		h.entry.job.Progress = 100
		h.entry.job.Data = data
	} else {
		h.entry.job.Error = errMessage
	}
	snapshot := *h.entry.job
	h.entry.mu.Unlock()

	// 进入保留窗口，窗口结束后整体清除
	h.service.jobs.Set(snapshot.ID, h.entry, jobRetention)

	h.service.notify(&snapshot)
}
