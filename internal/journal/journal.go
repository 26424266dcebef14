package journal

// ============================================================================
// 事件日誌核心實作
// 職責：
// 1. 追加生命週期事件到 JSONL 檔案（append-only）
// 2. 批次寫入：緩衝滿、超過 flush 間隔或 Close 時才寫檔
// 3. 提供重放功能供檢查與稽核
// 4. 支援日誌旋轉
//
// 日誌只是外部協作者，排程器本身不依賴它恢復狀態。
// ============================================================================

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/ChuLiYu/tierpool/pkg/types"
)

// maxLineSize Replay 可接受的單行上限
const maxLineSize = 8 << 20

// Options 日誌設定
type Options struct {
	BufferSize    int           // 緩衝筆數，達到即寫檔
	FlushInterval time.Duration // 背景 flush 間隔
	SyncOnFlush   bool          // 每次 flush 後 fsync
	Logger        *slog.Logger
}

func (o *Options) fillDefaults() {
	if o.BufferSize <= 0 {
		o.BufferSize = 256
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Journal 表示一個事件日誌實例
type Journal struct {
	mu      sync.Mutex
	file    *os.File
	writer  *bufio.Writer
	encoder *json.Encoder
	path    string
	seq     uint64
	opts    Options
	buffer  []Record
	closed  bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// ============================================================================
// 公開介面
// ============================================================================

// Open 建立或開啟一個日誌
//
// 行為：
// - 檔案不存在時建立，seq 從 0 開始
// - 檔案已存在時讀取最後一筆記錄的 seq 並接續
// - 以 O_APPEND 開啟，確保寫入不覆蓋
func Open(path string, opts Options) (*Journal, error) {
	opts.fillDefaults()

	seq, err := lastSeq(path)
	if err != nil {
		return nil, fmt.Errorf("read journal tail: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	j := &Journal{
		path:   path,
		seq:    seq,
		opts:   opts,
		buffer: make([]Record, 0, opts.BufferSize),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	j.setFile(file)

	go j.flushLoop()
	return j, nil
}

// Append 追加一筆事件
//
// 行為：
// - 自動遞增 seq 並計算 checksum
// - 先放入緩衝，滿了才寫檔
func (j *Journal) Append(evt types.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrClosed
	}

	j.seq++
	rec := fromEvent(evt)
	rec.Seq = j.seq
	rec.Checksum = CalculateChecksum(rec)
	j.buffer = append(j.buffer, rec)

	if len(j.buffer) >= j.opts.BufferSize {
		return j.flushLocked()
	}
	return nil
}

// HandleEvent 實作 event.Sink，寫入失敗只記錄日誌
func (j *Journal) HandleEvent(evt types.Event) {
	if err := j.Append(evt); err != nil && !errors.Is(err, ErrClosed) {
		j.opts.Logger.Error("Failed to append journal record",
			"jobID", evt.Job.ID,
			"event", evt.Type,
			"error", err)
	}
}

// Flush 立即寫出緩衝
func (j *Journal) Flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	return j.flushLocked()
}

// Rotate 旋轉日誌檔案
//
// 目前檔案改名為 path.<timestamp>，之後的記錄寫入新檔案，seq 接續。
//
// 返回值：
//   - string: 舊檔案的新路徑
func (j *Journal) Rotate() (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return "", ErrClosed
	}
	if err := j.flushLocked(); err != nil {
		return "", err
	}
	if err := j.file.Close(); err != nil {
		return "", err
	}

	backupPath := j.path + "." + time.Now().Format("20060102_150405.000")
	if err := os.Rename(j.path, backupPath); err != nil {
		return "", err
	}

	file, err := os.OpenFile(j.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", err
	}
	j.setFile(file)
	return backupPath, nil
}

// Close 寫出緩衝並關閉日誌，重複呼叫回傳 nil
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	close(j.stopCh)
	err := j.flushLocked()
	if cerr := j.file.Close(); err == nil {
		err = cerr
	}
	j.mu.Unlock()

	<-j.doneCh
	return err
}

// LastSeq 取得當前的記錄序號
func (j *Journal) LastSeq() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Path 回傳日誌檔案路徑
func (j *Journal) Path() string { return j.path }

// ============================================================================
// 重放
// ============================================================================

// Replay 從頭讀取日誌檔案並逐筆呼叫 handler
//
// 行為：
// - 驗證每筆記錄的 checksum
// - 解析失敗或單行超過 maxLineSize 回傳 *CorruptionError，checksum 不符回傳 *ChecksumError
// - handler 回傳錯誤時立即停止
func Replay(path string, handler Handler) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return &CorruptionError{Line: line, Cause: err}
		}
		if expected := CalculateChecksum(rec); expected != rec.Checksum {
			return &ChecksumError{Seq: rec.Seq, Line: line, Expected: expected, Actual: rec.Checksum}
		}
		if err := handler(rec); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return &CorruptionError{Line: line + 1, Cause: err}
		}
		return err
	}
	return nil
}

// ============================================================================
// 內部輔助方法
// ============================================================================

func (j *Journal) setFile(file *os.File) {
	j.file = file
	j.writer = bufio.NewWriter(file)
	j.encoder = json.NewEncoder(j.writer)
}

// flushLoop 定期寫出緩衝，避免低流量時記錄長時間停留在記憶體
func (j *Journal) flushLoop() {
	defer close(j.doneCh)
	ticker := time.NewTicker(j.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-j.stopCh:
			return
		case <-ticker.C:
			if err := j.Flush(); err != nil && !errors.Is(err, ErrClosed) {
				j.opts.Logger.Error("Failed to flush journal", "path", j.path, "error", err)
			}
		}
	}
}

// flushLocked 假設呼叫者已經持有 j.mu
func (j *Journal) flushLocked() error {
	if len(j.buffer) == 0 {
		return nil
	}
	for _, rec := range j.buffer {
		if err := j.encoder.Encode(rec); err != nil {
			return err
		}
	}
	j.buffer = j.buffer[:0]
	if err := j.writer.Flush(); err != nil {
		return err
	}
	if j.opts.SyncOnFlush {
		return j.file.Sync()
	}
	return nil
}

// lastSeq 掃描既有檔案取得最後一筆記錄的 seq，檔案不存在時回傳 0
func lastSeq(path string) (uint64, error) {
	var seq uint64
	err := Replay(path, func(rec Record) error {
		seq = rec.Seq
		return nil
	})
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	var corrupt *CorruptionError
	if errors.As(err, &corrupt) {
		// 尾端殘缺或過長的記錄不影響續寫
		return seq, nil
	}
	return seq, err
}
