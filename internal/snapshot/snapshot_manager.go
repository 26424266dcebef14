package snapshot

// ============================================================================
// 職責說明：
// 1. 將 pool 的所有保留任務與統計序列化為 JSON 報告檔
// 2. 使用原子性寫入（temp file + rename）防止讀到寫一半的檔案
// 3. 載入時驗證 schema 版本相容性
// 4. 定期寫入，關閉時再寫一次最終報告
//
// 報告只供外部檢視，pool 啟動時不會載入它。
// ============================================================================

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/tierpool/pkg/types"
)

// SchemaVersion 目前的報告格式版本
const SchemaVersion = 1

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
	ErrSnapshotNotFound    = errors.New("snapshot file not found")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Source 提供當下的 pool 快照
type Source func() types.PoolSnapshot

// Manager 快照管理器
type Manager struct {
	path        string     // 快照檔案路徑
	keepBackups int        // Run 寫入時保留的備份數，0 表示不備份
	mu          sync.Mutex // 保護檔案操作
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewManager 建立快照管理器實例
func NewManager(path string) *Manager {
	return &Manager{
		path: path,
	}
}

// Write 原子性寫入快照
//
// 使用原子性寫入流程：
// 1. 寫入同目錄的臨時檔案
// 2. 使用 os.Rename 原子性替換原始檔案
//
// 參數：
//   - data: pool 快照
//
// 返回值：
//   - error: 寫入失敗時的錯誤
func (m *Manager) Write(data types.PoolSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeLocked(data)
}

// Load 載入快照
//
// 行為：
//   - 檔案不存在時回傳 ErrSnapshotNotFound
//   - 驗證 schema 版本是否相容
//   - 偵測損壞的快照檔案
func (m *Manager) Load() (types.PoolSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Read(m.path)
}

// Read 讀取任意路徑的快照檔
func Read(path string) (types.PoolSnapshot, error) {
	var data types.PoolSnapshot

	jsonBytes, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return data, fmt.Errorf("%w: %s", ErrSnapshotNotFound, path)
		}
		return data, fmt.Errorf("failed to read snapshot: %w", err)
	}

	if err := json.Unmarshal(jsonBytes, &data); err != nil {
		return data, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}

	if data.SchemaVer != SchemaVersion {
		return data, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, SchemaVersion)
	}

	if data.Jobs == nil {
		data.Jobs = []types.Job{}
	}
	return data, nil
}

// Exists 檢查快照檔案是否存在
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// SetKeepBackups 設定 Run 每次寫入時保留的舊快照數量
func (m *Manager) SetKeepBackups(n int) {
	m.mu.Lock()
	m.keepBackups = n
	m.mu.Unlock()
}

// GetPath 取得快照檔案路徑
func (m *Manager) GetPath() string {
	return m.path
}

// WriteWithBackup 寫入快照並保留舊版本備份
//
// 舊檔案改名為 path.<timestamp>，只保留最近 keepBackups 個備份。
func (m *Manager) WriteWithBackup(data types.PoolSnapshot, keepBackups int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := os.Stat(m.path); err == nil {
		backupPath := fmt.Sprintf("%s.%s", m.path, time.Now().Format("20060102_150405.000000"))
		if err := os.Rename(m.path, backupPath); err != nil {
			return fmt.Errorf("failed to backup old snapshot: %w", err)
		}
		if err := m.pruneBackupsLocked(keepBackups); err != nil {
			return err
		}
	}

	return m.writeLocked(data)
}

// Backups 回傳目前的備份檔，由舊到新
func (m *Manager) Backups() ([]string, error) {
	matches, err := filepath.Glob(m.path + ".*")
	if err != nil {
		return nil, err
	}
	out := matches[:0]
	for _, p := range matches {
		if !strings.HasSuffix(p, ".tmp") {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out, nil
}

// ============================================================================
// 定期寫入
// ============================================================================

// Run 每隔 interval 寫入一次快照，ctx 結束時寫入最終快照後返回
//
// 寫入失敗只記錄日誌，不中斷循環。
func (m *Manager) Run(ctx context.Context, interval time.Duration, source Source, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := m.save(source()); err != nil {
				logger.Error("Failed to write final snapshot", "path", m.path, "error", err)
				return err
			}
			logger.Info("Final snapshot written", "path", m.path)
			return nil
		case <-ticker.C:
			if err := m.save(source()); err != nil {
				logger.Error("Failed to write snapshot", "path", m.path, "error", err)
			}
		}
	}
}

// ============================================================================
// 內部輔助方法
// ============================================================================

func (m *Manager) save(data types.PoolSnapshot) error {
	m.mu.Lock()
	keep := m.keepBackups
	m.mu.Unlock()
	if keep > 0 {
		return m.WriteWithBackup(data, keep)
	}
	return m.Write(data)
}

func (m *Manager) writeLocked(data types.PoolSnapshot) error {
	data.SchemaVer = SchemaVersion

	// 帶縮排，方便人工閱讀
	jsonBytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(m.path), filepath.Base(m.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp snapshot: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(jsonBytes); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp snapshot: %w", err)
	}

	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}
	return nil
}

func (m *Manager) pruneBackupsLocked(keep int) error {
	if keep < 0 {
		return nil
	}
	backups, err := m.Backups()
	if err != nil {
		return err
	}
	for len(backups) > keep {
		if err := os.Remove(backups[0]); err != nil {
			return fmt.Errorf("failed to prune backup: %w", err)
		}
		backups = backups[1:]
	}
	return nil
}
