// ============================================================================
// Tierpool Execution Channel
// ============================================================================
//
// Package: internal/worker
// File: channel.go
// Purpose: The per-job path a task handler uses to report back.
//
// Contract:
//   A handler may call Progress any number of times, then exactly one of
//   Succeed or Fail. Calls after the terminal report return
//   ErrAlreadyReported and are never delivered; the first result stands
//   and Run logs the extra ones. Once the execution is terminated by the
//   dispatcher (timeout, shutdown) every call returns ErrChannelClosed.
//
// Delivery:
//   Messages are sent on the dispatcher's shared result channel. A send
//   blocks the handler, never the dispatcher, and is abandoned as soon as
//   the execution context is cancelled.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/ChuLiYu/tierpool/pkg/types"
)

var (
	// ErrAlreadyReported is returned when a handler reports after its terminal call.
	ErrAlreadyReported = errors.New("execution channel: result already reported")

	// ErrChannelClosed is returned when the execution has been terminated.
	ErrChannelClosed = errors.New("execution channel: closed")

	// ErrInvalidProgress is returned for progress values outside 0-100.
	ErrInvalidProgress = errors.New("execution channel: progress must be between 0 and 100")
)

// Channel is the Execution Channel handed to a task handler.
type Channel struct {
	ctx      context.Context
	jobID    types.JobID
	kind     types.JobKind
	token    uint64
	out      chan<- Message
	terminal atomic.Bool
	extra    atomic.Int32 // Succeed/Fail calls after the terminal report
}

// NewChannel creates a channel for one execution. ctx is the execution
// context; when it is done every report is dropped.
func NewChannel(ctx context.Context, jobID types.JobID, kind types.JobKind, token uint64, out chan<- Message) *Channel {
	return &Channel{
		ctx:   ctx,
		jobID: jobID,
		kind:  kind,
		token: token,
		out:   out,
	}
}

// JobID returns the ID of the job bound to this channel.
func (c *Channel) JobID() types.JobID { return c.jobID }

// Kind returns the job kind bound to this channel.
func (c *Channel) Kind() types.JobKind { return c.kind }

// Reported reports whether a terminal call has been made.
func (c *Channel) Reported() bool { return c.terminal.Load() }

// Progress reports a completion percentage.
func (c *Channel) Progress(percent int) error {
	return c.ProgressWithNote(percent, "")
}

// ProgressWithNote reports a completion percentage with a short status note.
func (c *Channel) ProgressWithNote(percent int, note string) error {
	if percent < 0 || percent > 100 {
		return ErrInvalidProgress
	}
	if c.terminal.Load() {
		return ErrAlreadyReported
	}
	return c.send(Message{Type: MsgProgress, Progress: percent, Note: note})
}

// Succeed reports success with a result payload.
func (c *Channel) Succeed(result []byte) error {
	if !c.terminal.CompareAndSwap(false, true) {
		c.extra.Add(1)
		return ErrAlreadyReported
	}
	return c.send(Message{Type: MsgSuccess, Result: append([]byte(nil), result...)})
}

// Fail reports a handler-level failure. The error text is preserved verbatim.
func (c *Channel) Fail(err error) error {
	if !c.terminal.CompareAndSwap(false, true) {
		c.extra.Add(1)
		return ErrAlreadyReported
	}
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return c.send(Message{Type: MsgFailure, Err: msg})
}

// crash reports an unexpected termination of the execution context.
func (c *Channel) crash(reason string) error {
	if !c.terminal.CompareAndSwap(false, true) {
		return ErrAlreadyReported
	}
	return c.send(Message{Type: MsgCrash, Err: reason})
}

func (c *Channel) send(msg Message) error {
	msg.JobID = c.jobID
	msg.Token = c.token

	if c.ctx.Err() != nil {
		return ErrChannelClosed
	}
	select {
	case c.out <- msg:
		return nil
	case <-c.ctx.Done():
		return ErrChannelClosed
	}
}
