package worker

import (
	"github.com/ChuLiYu/tierpool/pkg/types"
)

// MessageType 代表 Execution Channel 回報的訊息種類
type MessageType int

const (
	MsgProgress MessageType = iota // 進度回報
	MsgSuccess                     // 成功，附帶結果
	MsgFailure                     // handler 回報失敗
	MsgCrash                       // 執行環境異常終止（panic、非零退出、未回報結果）
)

func (t MessageType) String() string {
	switch t {
	case MsgProgress:
		return "progress"
	case MsgSuccess:
		return "success"
	case MsgFailure:
		return "failure"
	case MsgCrash:
		return "crash"
	default:
		return "unknown"
	}
}

// Message 代表一次 handler 回報，由 dispatcher 的 result loop 處理
type Message struct {
	JobID    types.JobID // 任務 ID
	Token    uint64      // 執行代號，用來丟棄已被終止的執行所送出的遲到訊息
	Type     MessageType // 訊息種類
	Progress int         // 進度（0-100），僅 MsgProgress
	Note     string      // 進度備註，僅 MsgProgress
	Result   []byte      // 結果，僅 MsgSuccess
	Err      string      // 錯誤訊息，MsgFailure / MsgCrash
}
