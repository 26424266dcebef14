// ============================================================================
// Tierpool 任務管理器 - 任務狀態機實現
// ============================================================================
//
// Package: internal/jobmanager
// 文件: job_manager.go
// 功能: 保存所有任務記錄並執行合法的狀態轉換
//
// 任務狀態轉換 (State Machine):
//   Queued (排隊中)
//      ├─ MarkRunning()   → Running (執行中)
//      │     ├─ MarkCompleted() → Completed (完成)
//      │     └─ MarkFailed()    → Failed (失敗)
//      └─ MarkCancelled() → Cancelled (取消)
//
//   終止狀態 (Completed / Failed / Cancelled) 不可再轉換。
//
// 數據結構設計:
//   jobs map[JobID]*Job - 主存儲，單一真實來源
//   輔助索引:
//   - byStatus - 依狀態分類，Stats() O(1)
//   - byOwner  - 依提交者分類，ListByOwner() 不需全表掃描
//
// 時間戳規則:
//   - StartedAt 只在 MarkRunning 設定
//   - CompletedAt 只在進入終止狀態時設定
//   - Progress 只在 Running 狀態下遞增，終止後凍結
//
// 並發安全:
//   - 使用 sync.RWMutex 保護所有數據結構
//   - 所有對外回傳的 Job 都是深拷貝，呼叫者無法修改內部狀態
//
// 保留策略:
//   終止任務保留在記憶體中供 Status 查詢，
//   由 EvictTerminatedBefore() 或 Evict() 釋放。
//
// ============================================================================

package jobmanager

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/tierpool/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 任務 ID 重複錯誤
	ErrDuplicateJob = errors.New("job already exists")
	// 任務不存在
	ErrJobNotFound = errors.New("job not found")
	// 任務不在排隊狀態
	ErrNotQueued = errors.New("job not queued")
	// 任務不在執行中狀態
	ErrNotRunning = errors.New("job not running")
	// 任務尚未進入終止狀態
	ErrNotTerminal = errors.New("job not in a terminal state")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// JobManager 任務管理器
type JobManager struct {
	mu       sync.RWMutex
	jobs     map[types.JobID]*types.Job
	byStatus map[types.JobStatus]map[types.JobID]*types.Job
	byOwner  map[string]map[types.JobID]*types.Job
}

// NewJobManager 建立新的任務管理器實例
//
// 併發安全：返回的實例是執行緒安全的
func NewJobManager() *JobManager {
	jm := &JobManager{
		jobs:     make(map[types.JobID]*types.Job),
		byStatus: make(map[types.JobStatus]map[types.JobID]*types.Job),
		byOwner:  make(map[string]map[types.JobID]*types.Job),
	}
	for _, s := range []types.JobStatus{
		types.StatusQueued,
		types.StatusRunning,
		types.StatusCompleted,
		types.StatusFailed,
		types.StatusCancelled,
	} {
		jm.byStatus[s] = make(map[types.JobID]*types.Job)
	}
	return jm
}

// ============================================================================
// 狀態轉換
// ============================================================================

// Add 加入一個新任務，狀態強制為 Queued
//
// 參數：
//   - job: 已填好 ID、Kind、Priority、CreatedAt 的任務
//
// 返回值：
//   - types.Job: 儲存後的快照
//   - error: ID 重複時回傳 ErrDuplicateJob
func (jm *JobManager) Add(job types.Job) (types.Job, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	if _, exists := jm.jobs[job.ID]; exists {
		return types.Job{}, ErrDuplicateJob
	}

	stored := job.Clone()
	stored.Status = types.StatusQueued
	stored.Progress = 0
	stored.StartedAt = nil
	stored.CompletedAt = nil
	stored.Result = nil
	stored.Error = nil

	jm.jobs[stored.ID] = &stored
	jm.byStatus[types.StatusQueued][stored.ID] = &stored
	owner := jm.byOwner[stored.OwnerID]
	if owner == nil {
		owner = make(map[types.JobID]*types.Job)
		jm.byOwner[stored.OwnerID] = owner
	}
	owner[stored.ID] = &stored

	return stored.Clone(), nil
}

// MarkRunning Queued → Running，設定 StartedAt 與綁定的 slot
//
// 錯誤處理：
//   - ErrJobNotFound: 任務不存在
//   - ErrNotQueued: 任務不在排隊狀態
func (jm *JobManager) MarkRunning(jobID types.JobID, slotID string, now time.Time) (types.Job, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, exists := jm.jobs[jobID]
	if !exists {
		return types.Job{}, ErrJobNotFound
	}
	if job.Status != types.StatusQueued {
		return types.Job{}, ErrNotQueued
	}

	started := now
	job.StartedAt = &started
	job.SlotID = slotID
	jm.setStatus(job, types.StatusRunning)

	return job.Clone(), nil
}

// UpdateProgress 更新執行中任務的進度
//
// 進度只會遞增：小於目前值的回報會被忽略，超過 100 會被截斷。
//
// 返回值：
//   - types.Job: 更新後的快照
//   - bool: 進度或備註是否有變更
//   - error: 任務不存在或不在執行中
func (jm *JobManager) UpdateProgress(jobID types.JobID, progress int, note string) (types.Job, bool, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, exists := jm.jobs[jobID]
	if !exists {
		return types.Job{}, false, ErrJobNotFound
	}
	if job.Status != types.StatusRunning {
		return types.Job{}, false, ErrNotRunning
	}

	if progress > 100 {
		progress = 100
	}
	changed := false
	if progress > job.Progress {
		job.Progress = progress
		changed = true
	}
	if note != "" && note != job.ProgressNote {
		job.ProgressNote = note
		changed = true
	}

	return job.Clone(), changed, nil
}

// MarkCompleted Running → Completed，進度強制為 100
func (jm *JobManager) MarkCompleted(jobID types.JobID, result []byte, now time.Time) (types.Job, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, exists := jm.jobs[jobID]
	if !exists {
		return types.Job{}, ErrJobNotFound
	}
	if job.Status != types.StatusRunning {
		return types.Job{}, ErrNotRunning
	}

	completed := now
	job.Progress = 100
	job.Result = append([]byte(nil), result...)
	job.CompletedAt = &completed
	jm.setStatus(job, types.StatusCompleted)

	return job.Clone(), nil
}

// MarkFailed Running → Failed，保存失敗原因
func (jm *JobManager) MarkFailed(jobID types.JobID, cause *types.JobError, now time.Time) (types.Job, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, exists := jm.jobs[jobID]
	if !exists {
		return types.Job{}, ErrJobNotFound
	}
	if job.Status != types.StatusRunning {
		return types.Job{}, ErrNotRunning
	}

	completed := now
	e := *cause
	job.Error = &e
	job.CompletedAt = &completed
	jm.setStatus(job, types.StatusFailed)

	return job.Clone(), nil
}

// MarkCancelled Queued → Cancelled
func (jm *JobManager) MarkCancelled(jobID types.JobID, now time.Time) (types.Job, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, exists := jm.jobs[jobID]
	if !exists {
		return types.Job{}, ErrJobNotFound
	}
	if job.Status != types.StatusQueued {
		return types.Job{}, ErrNotQueued
	}

	completed := now
	job.CompletedAt = &completed
	jm.setStatus(job, types.StatusCancelled)

	return job.Clone(), nil
}

// setStatus 更新狀態並同步索引（呼叫者必須持有寫鎖）
func (jm *JobManager) setStatus(job *types.Job, status types.JobStatus) {
	delete(jm.byStatus[job.Status], job.ID)
	job.Status = status
	jm.byStatus[status][job.ID] = job
}

// ============================================================================
// 保留與清除
// ============================================================================

// Evict 移除一個終止狀態的任務
//
// 錯誤處理：
//   - ErrJobNotFound: 任務不存在
//   - ErrNotTerminal: 任務仍在排隊或執行中
func (jm *JobManager) Evict(jobID types.JobID) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, exists := jm.jobs[jobID]
	if !exists {
		return ErrJobNotFound
	}
	if !job.Status.IsTerminal() {
		return ErrNotTerminal
	}
	jm.removeLocked(job)
	return nil
}

// EvictTerminatedBefore 移除 CompletedAt 早於 cutoff 的終止任務
//
// 返回值：
//   - int: 被移除的任務數量
func (jm *JobManager) EvictTerminatedBefore(cutoff time.Time) int {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	evicted := 0
	for _, s := range []types.JobStatus{types.StatusCompleted, types.StatusFailed, types.StatusCancelled} {
		for _, job := range jm.byStatus[s] {
			if job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
				jm.removeLocked(job)
				evicted++
			}
		}
	}
	return evicted
}

func (jm *JobManager) removeLocked(job *types.Job) {
	delete(jm.jobs, job.ID)
	delete(jm.byStatus[job.Status], job.ID)
	if owner := jm.byOwner[job.OwnerID]; owner != nil {
		delete(owner, job.ID)
		if len(owner) == 0 {
			delete(jm.byOwner, job.OwnerID)
		}
	}
}

// ============================================================================
// 查詢方法
// ============================================================================

// Get 取得任務快照
func (jm *JobManager) Get(jobID types.JobID) (types.Job, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	job, exists := jm.jobs[jobID]
	if !exists {
		return types.Job{}, false
	}
	return job.Clone(), true
}

// ListByOwner 依提交時間排序回傳某提交者的所有任務
func (jm *JobManager) ListByOwner(ownerID string) []types.Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	owner := jm.byOwner[ownerID]
	jobs := make([]types.Job, 0, len(owner))
	for _, job := range owner {
		jobs = append(jobs, job.Clone())
	}
	sortBySubmission(jobs)
	return jobs
}

// All 依提交時間排序回傳所有任務（用於快照報告）
func (jm *JobManager) All() []types.Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	jobs := make([]types.Job, 0, len(jm.jobs))
	for _, job := range jm.jobs {
		jobs = append(jobs, job.Clone())
	}
	sortBySubmission(jobs)
	return jobs
}

// Stats 取得各狀態任務的統計資訊
func (jm *JobManager) Stats() map[types.JobStatus]int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	stats := make(map[types.JobStatus]int, len(jm.byStatus))
	for s, jobs := range jm.byStatus {
		stats[s] = len(jobs)
	}
	return stats
}

func sortBySubmission(jobs []types.Job) {
	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
		}
		return jobs[i].Seq < jobs[j].Seq
	})
}
