package cli

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/ChuLiYu/tierpool/internal/journal"
	"github.com/ChuLiYu/tierpool/internal/snapshot"
	"github.com/ChuLiYu/tierpool/pkg/types"
)

var errWatchDone = errors.New("watched job finished")

func statusIcon(s types.JobStatus) string {
	switch s {
	case types.StatusQueued:
		return "⏳"
	case types.StatusRunning:
		return "🔄"
	case types.StatusCompleted:
		return "✅"
	case types.StatusFailed:
		return "❌"
	case types.StatusCancelled:
		return "🚫"
	default:
		return "•"
	}
}

func printJob(w io.Writer, job types.Job) {
	fmt.Fprintf(w, "%s %s  %s\n", statusIcon(job.Status), job.ID, job.Status)
	fmt.Fprintf(w, "  ├─ Kind:      %s\n", job.Kind)
	fmt.Fprintf(w, "  ├─ Owner:     %s\n", job.OwnerID)
	fmt.Fprintf(w, "  ├─ Tier:      %s (priority %d)\n", job.Tier, job.Priority)
	fmt.Fprintf(w, "  ├─ Progress:  %d%%", job.Progress)
	if job.ProgressNote != "" {
		fmt.Fprintf(w, " (%s)", job.ProgressNote)
	}
	fmt.Fprintln(w)
	if job.SlotID != "" {
		fmt.Fprintf(w, "  ├─ Slot:      %s\n", job.SlotID)
	}
	fmt.Fprintf(w, "  ├─ Created:   %s\n", job.CreatedAt.Format(time.RFC3339))
	if job.StartedAt != nil {
		fmt.Fprintf(w, "  ├─ Started:   %s\n", job.StartedAt.Format(time.RFC3339))
	}
	if job.CompletedAt != nil {
		fmt.Fprintf(w, "  ├─ Completed: %s\n", job.CompletedAt.Format(time.RFC3339))
	}
	if job.Error != nil {
		fmt.Fprintf(w, "  ├─ Error:     %s\n", job.Error)
	}
	if len(job.Result) > 0 {
		fmt.Fprintf(w, "  ├─ Result:    %s\n", job.Result)
	}
	fmt.Fprintf(w, "  └─ Queue seq: %d\n", job.Seq)
}

func printJobTable(w io.Writer, jobs []types.Job) {
	if len(jobs) == 0 {
		fmt.Fprintln(w, "No jobs")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tTIER\tSTATUS\tPROGRESS\tCREATED")
	for _, job := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s %s\t%d%%\t%s\n",
			job.ID, job.Kind, job.Tier, statusIcon(job.Status), job.Status,
			job.Progress, job.CreatedAt.Format(time.RFC3339))
	}
	tw.Flush()
}

func printStats(w io.Writer, s types.Stats) {
	total := s.Queued + s.Running + s.Completed + s.Failed + s.Cancelled

	fmt.Fprintln(w, "📊 Job Statistics:")
	fmt.Fprintf(w, "  ├─ Total Jobs:    %d\n", total)
	fmt.Fprintf(w, "  ├─ ⏳ Queued:      %d\n", s.Queued)
	fmt.Fprintf(w, "  ├─ 🔄 Running:     %d\n", s.Running)
	fmt.Fprintf(w, "  ├─ ✅ Completed:   %d\n", s.Completed)
	fmt.Fprintf(w, "  ├─ ❌ Failed:      %d\n", s.Failed)
	fmt.Fprintf(w, "  └─ 🚫 Cancelled:   %d\n", s.Cancelled)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "🧵 Worker Slots:")
	fmt.Fprintf(w, "  ├─ Slots:         %d / %d\n", s.Slots, s.MaxWorkers)
	fmt.Fprintf(w, "  └─ Busy:          %d\n", s.BusySlots)
	fmt.Fprintln(w)

	if finished := s.Completed + s.Failed; finished > 0 {
		fmt.Fprintf(w, "📈 Success Rate: %.1f%%\n", float64(s.Completed)/float64(finished)*100)
	}
	fmt.Fprintf(w, "📨 Events published: %d\n", s.PublishedEvents)
	if s.DroppedEvents > 0 {
		fmt.Fprintf(w, "⚠️  Dropped events: %d\n", s.DroppedEvents)
	}
}

func printEvent(w io.Writer, evt types.Event) {
	line := fmt.Sprintf("%s %-9s %s %s", evt.At.Format("15:04:05.000"), evt.Type, evt.Job.ID, evt.Job.Kind)
	switch evt.Type {
	case types.EventStarted:
		line += " slot=" + evt.Job.SlotID
	case types.EventProgress:
		line += fmt.Sprintf(" %d%%", evt.Job.Progress)
		if evt.Job.ProgressNote != "" {
			line += " " + evt.Job.ProgressNote
		}
	case types.EventFailed:
		if evt.Job.Error != nil {
			line += " error=" + evt.Job.Error.Error()
		}
	}
	fmt.Fprintln(w, line)
}

// printJournal replays a journal, printing records and a per-type summary.
// A checksum or decode failure stops the replay and is returned after the
// records read so far are printed.
func printJournal(w io.Writer, path string, jobID types.JobID) error {
	counts := make(map[types.EventType]int)
	var total int
	var last uint64

	err := journal.Replay(path, func(rec journal.Record) error {
		total++
		last = rec.Seq
		counts[rec.Type]++
		if jobID != "" && rec.JobID != jobID {
			return nil
		}
		line := fmt.Sprintf("#%-6d %s %-9s %s %s status=%s progress=%d",
			rec.Seq, time.UnixMilli(rec.Timestamp).UTC().Format(time.RFC3339), rec.Type,
			rec.JobID, rec.Kind, rec.Status, rec.Progress)
		if rec.Error != "" {
			line += " error=" + rec.Error
		}
		fmt.Fprintln(w, line)
		return nil
	})

	fmt.Fprintln(w)
	fmt.Fprintf(w, "📜 %d records, last seq %d\n", total, last)
	names := make([]types.EventType, 0, len(counts))
	for t := range counts {
		names = append(names, t)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	for _, t := range names {
		fmt.Fprintf(w, "  └─ %-9s %d\n", t, counts[t])
	}

	if err != nil {
		return fmt.Errorf("journal %s: %w", path, err)
	}
	fmt.Fprintln(w, "✅ All checksums valid")
	return nil
}

func rotateJournal(w io.Writer, path string) error {
	j, err := journal.Open(path, journal.Options{})
	if err != nil {
		return fmt.Errorf("open journal %s: %w", path, err)
	}
	backup, err := j.Rotate()
	if cerr := j.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("rotate journal %s: %w", path, err)
	}
	fmt.Fprintf(w, "🔄 Rotated to %s\n", backup)
	return nil
}

func printReport(w io.Writer, path string, showJobs bool) error {
	report, err := snapshot.Read(path)
	if err != nil {
		return err
	}

	fmt.Fprintln(w, "╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(w, "║           Tierpool Report                                 ║")
	fmt.Fprintln(w, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintf(w, "Taken at: %s (%s ago)\n", report.TakenAt.Format(time.RFC3339),
		time.Since(report.TakenAt).Round(time.Second))
	fmt.Fprintf(w, "Retained jobs: %d\n\n", len(report.Jobs))

	printStats(w, report.Stats)

	if showJobs {
		fmt.Fprintln(w)
		printJobTable(w, report.Jobs)
	}
	return nil
}
