// ============================================================================
// Tierpool 控制器 - 任務調度核心
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 將排隊中的任務轉為執行中，且永不超過執行槽上限
//
// 架構設計:
//   Controller 是唯一修改佇列與執行槽表的控制路徑：
//   - JobManager: 任務記錄與狀態機
//   - PriorityQueue: 依優先度、提交時間排序的待執行佇列
//   - SlotManager: 彈性執行槽（建立、重用、閒置回收）
//   - Registry: 任務種類 → handler
//
// 核心循環 (3 個並發 Goroutine):
//   1. Dispatch Loop - 固定間隔，且在 Submit 與釋放執行槽後立即觸發
//   2. Result Loop - 接收 Execution Channel 回報，更新任務狀態
//   3. Reap Loop - 回收閒置執行槽、清除過期的終止任務
//
// 逾時:
//   每個任務在分派時掛上 time.AfterFunc 計時器。計時器觸發時取消
//   執行 context（ProcessHandler 會直接 kill 子行程），任務立即標記為
//   failed/timeout 並釋放執行槽；之後 handler 送出的回報一律丟棄。
//
// 遲到回報:
//   每次執行分配一個遞增 token，result loop 只接受 token 相符的訊息。
//
// 事件:
//   所有事件都在持有 c.mu 時發佈，單一任務的事件順序與狀態轉換一致。
//   Publisher 必須是非阻塞的。
//
// 並發安全:
//   - sync.Mutex 保護佇列、執行槽表、running map
//   - stopCh 通知所有循環停止，loopWg 等待循環退出
//   - execWg 追蹤 handler goroutine
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/ChuLiYu/tierpool/internal/jobmanager"
	"github.com/ChuLiYu/tierpool/internal/queue"
	"github.com/ChuLiYu/tierpool/internal/worker"
	"github.com/ChuLiYu/tierpool/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrClosed 表示 Controller 已關閉，不再接受任務
	ErrClosed = errors.New("job pool is shut down")
)

// TracerName 是執行 span 使用的 instrumentation 名稱
const TracerName = "github.com/ChuLiYu/tierpool/internal/controller"

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Controller 配置
type Config struct {
	MaxWorkers              int           // 執行槽上限
	JobTimeout              time.Duration // 單一任務最長執行時間
	IdleSlotTimeout         time.Duration // 閒置執行槽回收時間，0 表示不回收
	DispatchInterval        time.Duration // 調度間隔
	ReapInterval            time.Duration // 回收循環間隔
	TerminalRetention       time.Duration // 終止任務保留時間，0 表示永久保留
	ProgressEventsPerSecond float64       // 每個執行的進度事件上限，0 表示不限制
	ResultBuffer            int           // 回報通道緩衝大小
	ShutdownWait            time.Duration // 關閉時等待 handler 返回的時間

	Logger *slog.Logger
	Tracer trace.Tracer
	Now    func() time.Time
}

func (c *Config) fillDefaults() {
	if c.MaxWorkers < 1 {
		c.MaxWorkers = 1
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 5 * time.Minute
	}
	if c.DispatchInterval <= 0 {
		c.DispatchInterval = 100 * time.Millisecond
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = time.Second
	}
	if c.ResultBuffer <= 0 {
		c.ResultBuffer = 256
	}
	if c.ShutdownWait <= 0 {
		c.ShutdownWait = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Tracer == nil {
		c.Tracer = otel.Tracer(TracerName)
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Publisher 接收生命週期事件，必須是非阻塞的
type Publisher interface {
	Publish(evt types.Event)
}

// execution 一次正在進行的任務執行
type execution struct {
	jobID   types.JobID
	token   uint64
	slot    *worker.Slot
	cancel  context.CancelFunc
	timer   *time.Timer
	span    trace.Span
	limiter *rate.Limiter
}

// Controller 任務調度器
type Controller struct {
	mu       sync.Mutex
	cfg      Config
	log      *slog.Logger
	jobs     *jobmanager.JobManager
	queue    *queue.PriorityQueue
	slots    *worker.SlotManager
	registry *worker.Registry
	pub      Publisher
	running  map[types.JobID]*execution

	results chan worker.Message
	kick    chan struct{}
	stopCh  chan struct{}
	closed  bool
	started bool
	seq     uint64
	token   uint64

	loopWg sync.WaitGroup
	execWg sync.WaitGroup
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewController 建立新的 Controller 實例
//
// 參數：
//   - cfg: Controller 配置，零值欄位使用預設值
//   - registry: 任務種類 → handler
//   - pub: 事件發佈者，nil 表示不發佈
//
// 返回值：
//   - *Controller: 尚未啟動的 Controller
func NewController(cfg Config, registry *worker.Registry, pub Publisher) *Controller {
	cfg.fillDefaults()
	if registry == nil {
		registry = worker.NewRegistry()
	}
	return &Controller{
		cfg:      cfg,
		log:      cfg.Logger,
		jobs:     jobmanager.NewJobManager(),
		queue:    queue.NewPriorityQueue(),
		slots:    worker.NewSlotManager(cfg.MaxWorkers, cfg.IdleSlotTimeout, cfg.Logger),
		registry: registry,
		pub:      pub,
		running:  make(map[types.JobID]*execution),
		results:  make(chan worker.Message, cfg.ResultBuffer),
		kick:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
}

// Start 啟動三個核心循環，重複呼叫無效果
func (c *Controller) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.closed {
		return
	}
	c.started = true

	c.loopWg.Add(3)
	go c.dispatchLoop()
	go c.resultLoop()
	go c.reapLoop()

	c.log.Info("Controller started",
		"max_workers", c.cfg.MaxWorkers,
		"job_timeout", c.cfg.JobTimeout,
		"idle_slot_timeout", c.cfg.IdleSlotTimeout)
}

// ============================================================================
// 核心循環
// ============================================================================

// dispatchLoop 將排隊任務分派到閒置執行槽
func (c *Controller) dispatchLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.cfg.DispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			c.log.Debug("Dispatch loop stopped")
			return
		case <-ticker.C:
		case <-c.kick:
		}
		c.guard("dispatch", c.dispatchPending)
	}
}

// resultLoop 處理 handler 回報
func (c *Controller) resultLoop() {
	defer c.loopWg.Done()
	for {
		select {
		case <-c.stopCh:
			c.log.Debug("Result loop stopped")
			return
		case msg := <-c.results:
			c.guard("result", func() { c.handleMessage(msg) })
		}
	}
}

// reapLoop 回收閒置執行槽與過期的終止任務
func (c *Controller) reapLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			c.log.Debug("Reap loop stopped")
			return
		case <-ticker.C:
			c.guard("reap", c.reap)
		}
	}
}

// guard 執行一次循環工作，panic 只記錄，下一輪繼續
func (c *Controller) guard(loop string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("Control loop panic recovered",
				"loop", loop,
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	fn()
}

// triggerDispatch 非阻塞地要求立即調度
func (c *Controller) triggerDispatch() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// dispatchPending 只要佇列非空且有閒置執行槽，就持續分派
func (c *Controller) dispatchPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	for c.queue.Peek() != nil && c.slots.HasCapacity() {
		now := c.cfg.Now()
		slot := c.slots.Acquire(now)
		if slot == nil {
			return
		}
		job := c.queue.DequeueHighest()
		c.startLocked(job, slot, now)
	}
}

// startLocked 綁定執行槽並啟動 handler（呼叫者必須持有 c.mu）
func (c *Controller) startLocked(queued *types.Job, slot *worker.Slot, now time.Time) {
	if err := c.slots.Bind(slot, queued.ID); err != nil {
		c.log.Error("Failed to bind slot", "jobID", queued.ID, "slotID", slot.ID(), "error", err)
		c.queue.Enqueue(queued)
		return
	}

	job, err := c.jobs.MarkRunning(queued.ID, slot.ID(), now)
	if err != nil {
		c.log.Error("Failed to mark running", "jobID", queued.ID, "error", err)
		c.slots.Release(slot, now)
		return
	}

	c.token++
	ctx, cancel := context.WithCancel(context.Background())
	ctx, span := c.cfg.Tracer.Start(ctx, "jobpool.job.execute",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("job.id", string(job.ID)),
			attribute.String("job.kind", string(job.Kind)),
			attribute.String("job.owner", job.OwnerID),
			attribute.String("job.tier", job.Tier),
			attribute.Int("job.priority", job.Priority),
			attribute.String("slot.id", slot.ID()),
		))

	ex := &execution{
		jobID:  job.ID,
		token:  c.token,
		slot:   slot,
		cancel: cancel,
		span:   span,
	}
	if c.cfg.ProgressEventsPerSecond > 0 {
		ex.limiter = rate.NewLimiter(rate.Limit(c.cfg.ProgressEventsPerSecond), 1)
	}
	token := ex.token
	ex.timer = time.AfterFunc(c.cfg.JobTimeout, func() { c.expire(job.ID, token) })
	c.running[job.ID] = ex

	c.publishLocked(types.EventStarted, job)
	c.log.Debug("Job started",
		"jobID", job.ID,
		"kind", job.Kind,
		"priority", job.Priority,
		"slotID", slot.ID(),
		"waited", now.Sub(job.CreatedAt))

	handler, ok := c.registry.Lookup(job.Kind)
	if !ok {
		c.failLocked(ex, types.NewJobError(types.FailureCrash, fmt.Sprintf("no handler registered for kind %q", job.Kind)))
		return
	}

	ch := worker.NewChannel(ctx, job.ID, job.Kind, token, c.results)
	payload := append([]byte(nil), job.Payload...)
	logger := c.log.With("jobID", job.ID, "kind", job.Kind)

	c.execWg.Add(1)
	go func() {
		defer c.execWg.Done()
		worker.Run(ctx, handler, payload, ch, logger)
	}()
}

// handleMessage 處理單一回報
func (c *Controller) handleMessage(msg worker.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ex, ok := c.running[msg.JobID]
	if !ok || ex.token != msg.Token {
		c.log.Debug("Dropping stale report", "jobID", msg.JobID, "type", msg.Type)
		return
	}

	now := c.cfg.Now()
	switch msg.Type {
	case worker.MsgProgress:
		job, changed, err := c.jobs.UpdateProgress(msg.JobID, msg.Progress, msg.Note)
		if err != nil {
			c.log.Error("Failed to update progress", "jobID", msg.JobID, "error", err)
			return
		}
		if !changed {
			return
		}
		ex.span.AddEvent("progress", trace.WithAttributes(attribute.Int("progress", job.Progress)))
		if ex.limiter == nil || job.Progress == 100 || ex.limiter.Allow() {
			c.publishLocked(types.EventProgress, job)
		}

	case worker.MsgSuccess:
		job, err := c.jobs.MarkCompleted(msg.JobID, msg.Result, now)
		if err != nil {
			c.log.Error("Failed to mark completed", "jobID", msg.JobID, "error", err)
			return
		}
		ex.span.SetStatus(codes.Ok, "")
		c.finishLocked(ex, now)
		c.publishLocked(types.EventCompleted, job)
		c.log.Debug("Job completed", "jobID", job.ID, "duration", now.Sub(*job.StartedAt))

	case worker.MsgFailure:
		c.failLocked(ex, types.NewJobError(types.FailureExecution, msg.Err))

	case worker.MsgCrash:
		c.failLocked(ex, types.NewJobError(types.FailureCrash, msg.Err))
	}
}

// expire 逾時計時器回呼
func (c *Controller) expire(jobID types.JobID, token uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ex, ok := c.running[jobID]
	if !ok || ex.token != token {
		return
	}
	c.log.Warn("Job timed out", "jobID", jobID, "timeout", c.cfg.JobTimeout)
	c.failLocked(ex, types.NewJobError(types.FailureTimeout, fmt.Sprintf("exceeded %s", c.cfg.JobTimeout)))
}

// failLocked Running → Failed，終止執行並釋放執行槽
func (c *Controller) failLocked(ex *execution, cause *types.JobError) {
	now := c.cfg.Now()
	job, err := c.jobs.MarkFailed(ex.jobID, cause, now)
	if err != nil {
		c.log.Error("Failed to mark failed", "jobID", ex.jobID, "error", err)
		return
	}
	ex.span.RecordError(cause)
	ex.span.SetStatus(codes.Error, cause.Error())
	ex.span.SetAttributes(attribute.String("job.failure", string(cause.Kind)))
	c.finishLocked(ex, now)
	c.publishLocked(types.EventFailed, job)

	if cause.Kind == types.FailureExecution {
		c.log.Debug("Job failed", "jobID", job.ID, "error", cause.Message)
	} else {
		c.log.Warn("Job failed", "jobID", job.ID, "kind", cause.Kind, "error", cause.Message)
	}
}

// finishLocked 結束一次執行：停計時器、取消 context、結束 span、釋放執行槽
func (c *Controller) finishLocked(ex *execution, now time.Time) {
	delete(c.running, ex.jobID)
	ex.timer.Stop()
	ex.cancel()
	ex.span.End()
	c.slots.Release(ex.slot, now)
	c.triggerDispatch()
}

// reap 回收閒置執行槽與過期終止任務
func (c *Controller) reap() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	now := c.cfg.Now()
	if n := c.slots.Reap(now); n > 0 {
		c.log.Debug("Idle slots reclaimed", "count", n, "remaining", c.slots.Len())
	}
	if c.cfg.TerminalRetention > 0 {
		if n := c.jobs.EvictTerminatedBefore(now.Add(-c.cfg.TerminalRetention)); n > 0 {
			c.log.Debug("Terminal jobs evicted", "count", n)
		}
	}
}

func (c *Controller) publishLocked(typ types.EventType, job types.Job) {
	if c.pub == nil {
		return
	}
	c.pub.Publish(types.Event{Type: typ, Job: job, At: c.cfg.Now()})
}

// ============================================================================
// 公開方法
// ============================================================================

// Submit 加入一個新任務並觸發調度
//
// 參數：
//   - job: 已填好 ID、Kind、Priority、CreatedAt 的任務
//
// 返回值：
//   - types.Job: 排隊中的快照
//   - error: ErrClosed、worker.ErrUnknownKind 或 jobmanager.ErrDuplicateJob
func (c *Controller) Submit(job types.Job) (types.Job, error) {
	if _, ok := c.registry.Lookup(job.Kind); !ok {
		return types.Job{}, fmt.Errorf("%w: %q", worker.ErrUnknownKind, job.Kind)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return types.Job{}, ErrClosed
	}

	c.seq++
	job.Seq = c.seq
	stored, err := c.jobs.Add(job)
	if err != nil {
		c.mu.Unlock()
		return types.Job{}, fmt.Errorf("submit %s: %w", job.ID, err)
	}
	queued := stored.Clone()
	c.queue.Enqueue(&queued)
	c.publishLocked(types.EventQueued, stored)
	c.mu.Unlock()

	c.triggerDispatch()
	return stored, nil
}

// Cancel 取消尚在排隊的任務
//
// 關閉後排隊中的任務保持 queued，取消一律失敗。
//
// 返回值：
//   - bool: 任務仍在佇列中並已取消時為 true
func (c *Controller) Cancel(jobID types.JobID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	if !c.queue.Remove(jobID) {
		return false
	}
	job, err := c.jobs.MarkCancelled(jobID, c.cfg.Now())
	if err != nil {
		c.log.Error("Failed to mark cancelled", "jobID", jobID, "error", err)
		return false
	}
	c.publishLocked(types.EventCancelled, job)
	return true
}

// Get 取得任務快照
func (c *Controller) Get(jobID types.JobID) (types.Job, bool) {
	return c.jobs.Get(jobID)
}

// ListByOwner 取得某提交者的所有任務
func (c *Controller) ListByOwner(ownerID string) []types.Job {
	return c.jobs.ListByOwner(ownerID)
}

// All 取得所有保留中的任務
func (c *Controller) All() []types.Job {
	return c.jobs.All()
}

// Evict 立即移除一個終止任務
func (c *Controller) Evict(jobID types.JobID) error {
	return c.jobs.Evict(jobID)
}

// Stats 取得即時統計
func (c *Controller) Stats() types.Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	counts := c.jobs.Stats()
	return types.Stats{
		Queued:     counts[types.StatusQueued],
		Running:    counts[types.StatusRunning],
		Completed:  counts[types.StatusCompleted],
		Failed:     counts[types.StatusFailed],
		Cancelled:  counts[types.StatusCancelled],
		Slots:      c.slots.Len(),
		BusySlots:  c.slots.BusyCount(),
		MaxWorkers: c.slots.Max(),
	}
}

// Closed 回傳是否已關閉
func (c *Controller) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Shutdown 關閉 Controller
//
// 關閉順序：
//  1. 標記 closed，Submit 之後一律回傳 ErrClosed
//  2. close(stopCh) → 所有循環停止，不再分派
//  3. 所有執行中任務標記為 failed/shutdown，取消 context，釋放並移除執行槽
//  4. 等待循環退出，再等待 handler 返回（最多 ShutdownWait）
//
// 排隊中的任務保持 queued。重複呼叫無效果。
func (c *Controller) Shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.stopCh)

	c.log.Info("Stopping controller...", "running", len(c.running), "queued", c.queue.Len())
	for _, ex := range c.running {
		c.failLocked(ex, types.NewJobError(types.FailureShutdown, "pool shutdown"))
	}
	removed := c.slots.RemoveAll()
	c.mu.Unlock()

	c.loopWg.Wait()

	done := make(chan struct{})
	go func() {
		c.execWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(c.cfg.ShutdownWait):
		c.log.Warn("Handlers still running after shutdown wait", "wait", c.cfg.ShutdownWait)
	}

	c.log.Info("Controller stopped", "slots_removed", removed)
}
