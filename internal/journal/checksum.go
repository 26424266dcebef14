package journal

// ============================================================================
// 校驗和計算
// 職責：計算與驗證日誌記錄的 CRC32 校驗和
// ============================================================================

import (
	"encoding/binary"
	"hash/crc32"
)

// CalculateChecksum 計算記錄的 CRC32 校驗和
//
// 演算法：
// - 依固定順序寫入所有欄位（Checksum 除外），字串以長度前綴分隔
// - 使用 CRC32-IEEE 多項式計算
func CalculateChecksum(rec Record) uint32 {
	h := crc32.NewIEEE()
	var num [8]byte

	writeUint := func(v uint64) {
		binary.BigEndian.PutUint64(num[:], v)
		h.Write(num[:])
	}
	writeString := func(s string) {
		writeUint(uint64(len(s)))
		h.Write([]byte(s))
	}

	writeUint(rec.Seq)
	writeString(string(rec.Type))
	writeString(string(rec.JobID))
	writeString(string(rec.Kind))
	writeString(rec.OwnerID)
	writeUint(uint64(int64(rec.Priority)))
	writeString(string(rec.Status))
	writeUint(uint64(int64(rec.Progress)))
	writeString(rec.Error)
	writeString(rec.SlotID)
	writeUint(uint64(rec.Timestamp))

	return h.Sum32()
}

// VerifyChecksum 驗證記錄的校驗和是否正確
func VerifyChecksum(rec Record) bool {
	return rec.Checksum == CalculateChecksum(rec)
}
