package snapshot

// ============================================================================
// Snapshot Manager 測試檔案
// 職責：驗證快照的原子性寫入、載入、版本驗證、備份與定期寫入
// ============================================================================

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/tierpool/pkg/types"
)

func sampleSnapshot(n int) types.PoolSnapshot {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	jobs := make([]types.Job, 0, n)
	for i := 0; i < n; i++ {
		jobs = append(jobs, types.Job{
			ID:        types.JobID(fmt.Sprintf("job-%03d", i)),
			Kind:      types.KindMediaProcessing,
			OwnerID:   "athlete-1",
			Tier:      "mvp",
			Priority:  2,
			Status:    types.StatusQueued,
			CreatedAt: created,
		})
	}
	return types.PoolSnapshot{
		Jobs:    jobs,
		Stats:   types.Stats{Queued: n, MaxWorkers: 4},
		TakenAt: created,
	}
}

// ============================================================================
// 基礎功能測試
// ============================================================================

// TestNewManager 測試建立管理器
func TestNewManager(t *testing.T) {
	manager := NewManager("test_snapshot.json")
	assert.NotNil(t, manager)
	assert.Equal(t, "test_snapshot.json", manager.GetPath())
}

// TestWriteAndLoad 測試寫入與載入快照
func TestWriteAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.json")
	manager := NewManager(path)

	original := sampleSnapshot(3)
	original.Jobs[1].Status = types.StatusFailed
	original.Jobs[1].Error = types.NewJobError(types.FailureTimeout, "exceeded 5m")

	require.NoError(t, manager.Write(original))

	loaded, err := manager.Load()
	require.NoError(t, err)

	assert.Equal(t, SchemaVersion, loaded.SchemaVer)
	assert.Equal(t, original.Stats, loaded.Stats)
	require.Len(t, loaded.Jobs, 3)
	assert.Equal(t, types.JobID("job-001"), loaded.Jobs[1].ID)
	assert.ErrorIs(t, loaded.Jobs[1].Error, types.ErrTimeout)
	assert.True(t, original.TakenAt.Equal(loaded.TakenAt))
}

// TestAtomicWrite 測試原子性寫入不留下臨時檔
func TestAtomicWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "report.json")
	manager := NewManager(path)

	for i := 0; i < 5; i++ {
		require.NoError(t, manager.Write(sampleSnapshot(i)))
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "only the final file should remain")
	assert.Equal(t, "report.json", entries[0].Name())

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Len(t, loaded.Jobs, 4)
}

// TestExists 測試檔案存在性檢查
func TestExists(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "report.json"))
	assert.False(t, manager.Exists())

	require.NoError(t, manager.Write(sampleSnapshot(0)))
	assert.True(t, manager.Exists())
}

// ============================================================================
// 錯誤處理測試
// ============================================================================

// TestLoadMissing 測試檔案不存在
func TestLoadMissing(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "missing.json"))

	_, err := manager.Load()
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
}

// TestVersionMismatch 測試版本不相容
func TestVersionMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.json")
	raw, err := json.Marshal(map[string]any{"jobs": []any{}, "schema_ver": 99})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	_, err = NewManager(path).Load()
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

// TestCorrupted 測試損壞的快照
func TestCorrupted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := Read(path)
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
}

// TestWriteFailure 測試寫入失敗（目錄不存在）
func TestWriteFailure(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "missing", "report.json"))
	assert.Error(t, manager.Write(sampleSnapshot(1)))
}

// TestNilJobsNormalized 測試空任務列表
func TestNilJobsNormalized(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "report.json"))
	require.NoError(t, manager.Write(types.PoolSnapshot{}))

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.NotNil(t, loaded.Jobs)
	assert.Empty(t, loaded.Jobs)
}

// ============================================================================
// 進階功能測試
// ============================================================================

// TestWriteWithBackup 測試帶備份的寫入與備份清理
func TestWriteWithBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.json")
	manager := NewManager(path)

	for i := 1; i <= 4; i++ {
		require.NoError(t, manager.WriteWithBackup(sampleSnapshot(i), 2))
		time.Sleep(2 * time.Millisecond)
	}

	backups, err := manager.Backups()
	require.NoError(t, err)
	assert.Len(t, backups, 2)

	// 最新的備份是倒數第二次寫入
	prev, err := Read(backups[len(backups)-1])
	require.NoError(t, err)
	assert.Len(t, prev.Jobs, 3)

	current, err := manager.Load()
	require.NoError(t, err)
	assert.Len(t, current.Jobs, 4)
}

// TestRunWritesPeriodicallyAndOnStop 測試定期寫入與最終寫入
func TestRunWritesPeriodicallyAndOnStop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.json")
	manager := NewManager(path)

	var calls atomic.Int32
	source := func() types.PoolSnapshot {
		n := int(calls.Add(1))
		return sampleSnapshot(n)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- manager.Run(ctx, 10*time.Millisecond, source, nil) }()

	assert.Eventually(t, func() bool { return calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Len(t, loaded.Jobs, int(calls.Load()), "final write should use the last source call")
}

// TestRunKeepsBackups 測試 Run 在設定備份數時保留舊快照
func TestRunKeepsBackups(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.json")
	manager := NewManager(path)
	manager.SetKeepBackups(1)

	var calls atomic.Int32
	source := func() types.PoolSnapshot { return sampleSnapshot(int(calls.Add(1))) }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- manager.Run(ctx, 5*time.Millisecond, source, nil) }()

	assert.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	backups, err := manager.Backups()
	require.NoError(t, err)
	assert.Len(t, backups, 1)
	assert.True(t, manager.Exists())
}

// TestLargeSnapshot 測試大型快照的寫入與載入
func TestLargeSnapshot(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "report.json"))

	require.NoError(t, manager.Write(sampleSnapshot(10000)))
	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Len(t, loaded.Jobs, 10000)
}

// ============================================================================
// 並發測試
// ============================================================================

// TestConcurrentWrites 測試並發寫入後檔案仍完整
func TestConcurrentWrites(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "report.json"))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			assert.NoError(t, manager.Write(sampleSnapshot(n)))
		}(i)
	}
	wg.Wait()

	_, err := manager.Load()
	assert.NoError(t, err)
}
