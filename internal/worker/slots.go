// ============================================================================
// Tierpool Worker Slots - 彈性執行槽管理
// ============================================================================
//
// Package: internal/worker
// 文件: slots.go
// 功能: 管理執行槽的建立、重用與閒置回收
//
// 設計模式:
//   執行槽數量隨負載彈性伸縮：
//   1. 有閒置槽時優先重用（最近使用的優先，讓其餘閒置槽自然老化）
//   2. 無閒置槽且未達上限時建立新槽
//   3. 閒置超過 idleTimeout 的槽由 Reap() 回收
//   4. 任何時刻槽數量不超過 max
//
// 槽狀態:
//   Idle ──Bind()──→ Busy ──Release()──→ Idle ──Reap()──→ (移除)
//
// 並發控制:
//   SlotManager 沒有內部鎖，由 dispatcher 在自己的互斥鎖下操作，
//   與優先佇列相同。
//
// ============================================================================

package worker

import (
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/tierpool/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrSlotBusy 表示執行槽已綁定其他任務
	ErrSlotBusy = errors.New("slot is busy")
	// ErrUnknownSlot 表示執行槽不屬於此管理器
	ErrUnknownSlot = errors.New("slot not managed")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Slot 代表一個可執行單一任務的執行槽
type Slot struct {
	id           string
	busy         bool
	boundJobID   types.JobID
	createdAt    time.Time
	lastActiveAt time.Time
}

// ID 回傳執行槽 ID
func (s *Slot) ID() string { return s.id }

// Busy 回傳是否正在執行任務
func (s *Slot) Busy() bool { return s.busy }

// BoundJobID 回傳綁定的任務 ID，閒置時為空
func (s *Slot) BoundJobID() types.JobID { return s.boundJobID }

// LastActiveAt 回傳最後一次釋放（或建立）的時間
func (s *Slot) LastActiveAt() time.Time { return s.lastActiveAt }

// SlotManager 管理所有執行槽
type SlotManager struct {
	max         int
	idleTimeout time.Duration
	slots       []*Slot
	logger      *slog.Logger
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewSlotManager 建立執行槽管理器
//
// 參數：
//   - max: 同時存在的執行槽上限（至少 1）
//   - idleTimeout: 閒置多久後可被回收，0 表示永不回收
//   - logger: 日誌，nil 時使用 slog.Default()
func NewSlotManager(max int, idleTimeout time.Duration, logger *slog.Logger) *SlotManager {
	if max < 1 {
		max = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SlotManager{
		max:         max,
		idleTimeout: idleTimeout,
		slots:       make([]*Slot, 0, max),
		logger:      logger,
	}
}

// Acquire 取得一個閒置執行槽
//
// 優先重用最近使用過的閒置槽；沒有閒置槽時，若未達上限則建立新槽。
//
// 返回值：
//   - *Slot: 閒置的執行槽；已滿載時回傳 nil
func (m *SlotManager) Acquire(now time.Time) *Slot {
	var best *Slot
	for _, s := range m.slots {
		if s.busy {
			continue
		}
		if best == nil || s.lastActiveAt.After(best.lastActiveAt) {
			best = s
		}
	}
	if best != nil {
		return best
	}
	if len(m.slots) >= m.max {
		return nil
	}

	s := &Slot{
		id:           uuid.NewString(),
		createdAt:    now,
		lastActiveAt: now,
	}
	m.slots = append(m.slots, s)
	m.logger.Debug("slot created", "slotID", s.id, "slots", len(m.slots), "max", m.max)
	return s
}

// Bind 將任務綁定到閒置執行槽
func (m *SlotManager) Bind(s *Slot, jobID types.JobID) error {
	if !m.owns(s) {
		return ErrUnknownSlot
	}
	if s.busy {
		return ErrSlotBusy
	}
	s.busy = true
	s.boundJobID = jobID
	return nil
}

// Release 解除綁定並記錄最後使用時間
//
// 對已被移除或已閒置的槽呼叫是安全的。
func (m *SlotManager) Release(s *Slot, now time.Time) {
	if s == nil {
		return
	}
	s.busy = false
	s.boundJobID = ""
	s.lastActiveAt = now
}

// Reap 回收閒置超過 idleTimeout 的執行槽
//
// 返回值：
//   - int: 被回收的數量
func (m *SlotManager) Reap(now time.Time) int {
	if m.idleTimeout <= 0 {
		return 0
	}

	kept := m.slots[:0]
	reaped := 0
	for _, s := range m.slots {
		if !s.busy && now.Sub(s.lastActiveAt) >= m.idleTimeout {
			reaped++
			m.logger.Debug("slot reclaimed", "slotID", s.id, "idle", now.Sub(s.lastActiveAt))
			continue
		}
		kept = append(kept, s)
	}
	for i := len(kept); i < len(m.slots); i++ {
		m.slots[i] = nil
	}
	m.slots = kept
	return reaped
}

// RemoveAll 移除所有執行槽（關閉時使用）
func (m *SlotManager) RemoveAll() int {
	n := len(m.slots)
	for _, s := range m.slots {
		s.busy = false
		s.boundJobID = ""
	}
	m.slots = m.slots[:0]
	return n
}

// ============================================================================
// 查詢方法
// ============================================================================

// Len 回傳目前執行槽數量
func (m *SlotManager) Len() int { return len(m.slots) }

// BusyCount 回傳執行中的槽數量
func (m *SlotManager) BusyCount() int {
	n := 0
	for _, s := range m.slots {
		if s.busy {
			n++
		}
	}
	return n
}

// Max 回傳執行槽上限
func (m *SlotManager) Max() int { return m.max }

// HasCapacity 回傳是否還能綁定新任務
func (m *SlotManager) HasCapacity() bool {
	return m.BusyCount() < m.max
}

func (m *SlotManager) owns(s *Slot) bool {
	for _, x := range m.slots {
		if x == s {
			return true
		}
	}
	return false
}
