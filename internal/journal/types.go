package journal

import (
	"fmt"
	"unicode/utf8"

	"github.com/ChuLiYu/tierpool/pkg/types"
)

// MaxErrorLen caps Record.Error in bytes; longer failure text is cut
const MaxErrorLen = 4 << 10

// ============================================================================
// Journal Type Definitions
// Responsibility: Define the on-disk record of one lifecycle event
// ============================================================================

// Record is one journal line
type Record struct {
	Seq       uint64          `json:"seq"`               // Record sequence number (monotonically increasing)
	Type      types.EventType `json:"type"`              // Lifecycle event type
	JobID     types.JobID     `json:"job_id"`            // Job ID
	Kind      types.JobKind   `json:"kind"`              // Job kind
	OwnerID   string          `json:"owner_id"`          // Submitting owner
	Priority  int             `json:"priority"`          // Resolved priority
	Status    types.JobStatus `json:"status"`            // Job status after the event
	Progress  int             `json:"progress"`          // Progress after the event
	Error     string          `json:"error,omitempty"`   // Failure text, failed events only
	SlotID    string          `json:"slot_id,omitempty"` // Bound slot, started events only
	Timestamp int64           `json:"timestamp"`         // Unix millisecond timestamp of the event
	Checksum  uint32          `json:"checksum"`          // CRC32 checksum
}

// Handler is the function type for processing records during Replay
type Handler func(rec Record) error

// fromEvent builds an unsequenced record from an event
func fromEvent(evt types.Event) Record {
	rec := Record{
		Type:      evt.Type,
		JobID:     evt.Job.ID,
		Kind:      evt.Job.Kind,
		OwnerID:   evt.Job.OwnerID,
		Priority:  evt.Job.Priority,
		Status:    evt.Job.Status,
		Progress:  evt.Job.Progress,
		SlotID:    evt.Job.SlotID,
		Timestamp: evt.At.UnixMilli(),
	}
	if evt.Job.Error != nil {
		rec.Error = truncateError(evt.Job.Error.Error())
	}
	return rec
}

// truncateError cuts s to MaxErrorLen bytes on a rune boundary
func truncateError(s string) string {
	if len(s) <= MaxErrorLen {
		return s
	}
	cut := MaxErrorLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return fmt.Sprintf("%s...[truncated %d bytes]", s[:cut], len(s)-cut)
}
