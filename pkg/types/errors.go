package types

import (
	"errors"
	"fmt"
)

// 失敗原因的哨兵錯誤，可透過 errors.Is(job.Error, types.ErrTimeout) 判斷
var (
	ErrExecution = errors.New("task handler reported failure")
	ErrTimeout   = errors.New("job timed out")
	ErrCrash     = errors.New("execution context terminated unexpectedly")
	ErrShutdown  = errors.New("pool shutdown")
)

// FailureKind 失敗分類
type FailureKind string

const (
	FailureExecution FailureKind = "execution"
	FailureTimeout   FailureKind = "timeout"
	FailureCrash     FailureKind = "crash"
	FailureShutdown  FailureKind = "shutdown"
)

// JobError 任務失敗資訊，Message 保留 handler 回報的原始訊息
type JobError struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
}

// NewJobError 建立指定分類的 JobError
func NewJobError(kind FailureKind, msg string) *JobError {
	return &JobError{Kind: kind, Message: msg}
}

func (e *JobError) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is 讓 JobError 與對應的哨兵錯誤相等
func (e *JobError) Is(target error) bool {
	switch target {
	case ErrExecution:
		return e.Kind == FailureExecution
	case ErrTimeout:
		return e.Kind == FailureTimeout
	case ErrCrash:
		return e.Kind == FailureCrash
	case ErrShutdown:
		return e.Kind == FailureShutdown
	}
	return false
}
