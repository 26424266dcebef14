// ============================================================================
// Tierpool Worker - Task Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Runs one task handler inside an isolated execution context
//
// How it works:
//   The dispatcher starts one goroutine per running job and calls Run in it:
//   1. Hand the handler its own payload copy and Execution Channel
//   2. Block until the handler returns
//   3. Convert panics and missing terminal reports into crash messages
//   4. Warn about results reported after the first one (they are dropped)
//
// Execution Model:
//   ┌─────────────────────────────────────┐
//   │  Execution Goroutine                │
//   │  ┌──────────────────────────────┐   │
//   │  │ defer recover → crash        │   │
//   │  │ handler.Handle(ctx, p, ch)   │   │
//   │  │ no terminal report → crash   │   │
//   │  └──────────────────────────────┘   │
//   └─────────────────────────────────────┘
//
// Timeout Control:
//   ctx is cancelled by the dispatcher on timeout or shutdown. Well-behaved
//   handlers watch ctx.Done(); ProcessHandler kills its child process.
//   Messages sent after cancellation are dropped by the channel.
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
)

// Run executes h against payload and reports through ch. A panicking
// handler, or one that returns without Succeed/Fail, is reported as a crash.
func Run(ctx context.Context, h Handler, payload []byte, ch *Channel, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}

	defer func() {
		r := recover()
		if n := ch.extra.Load(); n > 0 {
			logger.Warn("task handler reported more than one result",
				"jobID", ch.JobID(),
				"kind", ch.Kind(),
				"ignored", n)
		}
		if r != nil {
			logger.Error("task handler panicked",
				"jobID", ch.JobID(),
				"kind", ch.Kind(),
				"panic", r,
				"stack", string(debug.Stack()))
			_ = ch.crash(fmt.Sprintf("handler panic: %v", r))
			return
		}
		if !ch.Reported() {
			if ctx.Err() == nil {
				logger.Warn("task handler returned without a result", "jobID", ch.JobID())
			}
			_ = ch.crash("handler returned without reporting a result")
		}
	}()

	h.Handle(ctx, payload, ch)
}
