// Package types 定義了 tierpool 排程器中使用的核心領域模型
package types

import (
	"time"
)

// JobID 任務唯一識別碼
type JobID string

// JobKind 任務類型，決定由哪個 handler 執行
type JobKind string

// 平台內建的任務類型
const (
	KindMediaProcessing    JobKind = "media-processing"    // 影片轉檔／分析
	KindScoreAnalysis      JobKind = "score-analysis"      // 評分計算
	KindArtifactGeneration JobKind = "artifact-generation" // 衍生產物生成（精華片段等）
	KindFeatureExtraction  JobKind = "feature-extraction"  // 特徵擷取
)

// JobStatus 任務狀態
type JobStatus string

// 定義任務狀態常數
const (
	StatusQueued    JobStatus = "queued"    // 排隊中：已提交但尚未分派
	StatusRunning   JobStatus = "running"   // 執行中：已綁定 worker slot
	StatusCompleted JobStatus = "completed" // 完成：handler 回報成功
	StatusFailed    JobStatus = "failed"    // 失敗：handler 錯誤、逾時、崩潰或 pool 關閉
	StatusCancelled JobStatus = "cancelled" // 取消：在分派前被取消
)

// IsTerminal 回傳狀態是否為終止狀態
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Job 任務結構，代表系統中的一個工作單元
type Job struct {
	// 識別與資料（提交後不可變）
	ID       JobID   `json:"id"`
	Kind     JobKind `json:"kind"`
	Payload  []byte  `json:"payload,omitempty"`
	OwnerID  string  `json:"owner_id"`
	Tier     string  `json:"tier"`
	Priority int     `json:"priority"`
	Seq      uint64  `json:"seq"` // 提交序號，相同 priority 與 createdAt 時維持 FIFO

	// 狀態追蹤
	Status       JobStatus `json:"status"`
	Progress     int       `json:"progress"`
	ProgressNote string    `json:"progress_note,omitempty"`
	Result       []byte    `json:"result,omitempty"`
	Error        *JobError `json:"error,omitempty"`
	SlotID       string    `json:"slot_id,omitempty"`

	// 時間戳，每個只會被設定一次
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Clone 深拷貝任務，對外回傳的快照都必須經過 Clone
func (j *Job) Clone() Job {
	c := *j
	if j.Payload != nil {
		c.Payload = append([]byte(nil), j.Payload...)
	}
	if j.Result != nil {
		c.Result = append([]byte(nil), j.Result...)
	}
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return c
}

// EventType 生命週期事件類型
type EventType string

const (
	EventQueued    EventType = "queued"
	EventStarted   EventType = "started"
	EventProgress  EventType = "progress"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventCancelled EventType = "cancelled"
)

// Event 生命週期事件，Job 為事件發生當下的快照
type Event struct {
	Type EventType `json:"type"`
	Job  Job       `json:"job"`
	At   time.Time `json:"at"`
}

// Stats pool 的即時統計
type Stats struct {
	Queued          int    `json:"queued"`
	Running         int    `json:"running"`
	Completed       int    `json:"completed"`
	Failed          int    `json:"failed"`
	Cancelled       int    `json:"cancelled"`
	Slots           int    `json:"slots"`
	BusySlots       int    `json:"busy_slots"`
	MaxWorkers      int    `json:"max_workers"`
	PublishedEvents uint64 `json:"published_events"`
	DroppedEvents   uint64 `json:"dropped_events"`
}

// PoolSnapshot pool 報告快照，用於 report 檔案的序列化
type PoolSnapshot struct {
	Jobs      []Job     `json:"jobs"`
	Stats     Stats     `json:"stats"`
	TakenAt   time.Time `json:"taken_at"`
	SchemaVer int       `json:"schema_ver"`
}
