package server

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/tierpool/pkg/types"
)

// Wire messages are google.protobuf.Struct values. The helpers below map the
// domain types to and from their Struct form.

func jobToStruct(job types.Job) (*structpb.Struct, error) {
	m := map[string]any{
		"id":         string(job.ID),
		"kind":       string(job.Kind),
		"owner_id":   job.OwnerID,
		"tier":       job.Tier,
		"priority":   job.Priority,
		"seq":        job.Seq,
		"status":     string(job.Status),
		"progress":   job.Progress,
		"created_at": formatTime(job.CreatedAt),
	}
	if len(job.Payload) > 0 {
		m["payload"] = string(job.Payload)
	}
	if job.ProgressNote != "" {
		m["progress_note"] = job.ProgressNote
	}
	if len(job.Result) > 0 {
		m["result"] = string(job.Result)
	}
	if job.Error != nil {
		m["error"] = map[string]any{
			"kind":    string(job.Error.Kind),
			"message": job.Error.Message,
		}
	}
	if job.SlotID != "" {
		m["slot_id"] = job.SlotID
	}
	if job.StartedAt != nil {
		m["started_at"] = formatTime(*job.StartedAt)
	}
	if job.CompletedAt != nil {
		m["completed_at"] = formatTime(*job.CompletedAt)
	}
	return structpb.NewStruct(m)
}

func jobFromStruct(s *structpb.Struct) (types.Job, error) {
	f := s.GetFields()
	job := types.Job{
		ID:           types.JobID(f["id"].GetStringValue()),
		Kind:         types.JobKind(f["kind"].GetStringValue()),
		OwnerID:      f["owner_id"].GetStringValue(),
		Tier:         f["tier"].GetStringValue(),
		Priority:     int(f["priority"].GetNumberValue()),
		Seq:          uint64(f["seq"].GetNumberValue()),
		Status:       types.JobStatus(f["status"].GetStringValue()),
		Progress:     int(f["progress"].GetNumberValue()),
		ProgressNote: f["progress_note"].GetStringValue(),
		SlotID:       f["slot_id"].GetStringValue(),
	}
	if v := f["payload"].GetStringValue(); v != "" {
		job.Payload = []byte(v)
	}
	if v := f["result"].GetStringValue(); v != "" {
		job.Result = []byte(v)
	}
	if e := f["error"].GetStructValue(); e != nil {
		job.Error = types.NewJobError(
			types.FailureKind(e.GetFields()["kind"].GetStringValue()),
			e.GetFields()["message"].GetStringValue())
	}

	var err error
	if job.CreatedAt, err = parseTime(f["created_at"].GetStringValue()); err != nil {
		return job, fmt.Errorf("created_at: %w", err)
	}
	if v := f["started_at"].GetStringValue(); v != "" {
		t, err := parseTime(v)
		if err != nil {
			return job, fmt.Errorf("started_at: %w", err)
		}
		job.StartedAt = &t
	}
	if v := f["completed_at"].GetStringValue(); v != "" {
		t, err := parseTime(v)
		if err != nil {
			return job, fmt.Errorf("completed_at: %w", err)
		}
		job.CompletedAt = &t
	}
	return job, nil
}

func jobsToStruct(jobs []types.Job) (*structpb.Struct, error) {
	list := make([]any, 0, len(jobs))
	for _, job := range jobs {
		s, err := jobToStruct(job)
		if err != nil {
			return nil, err
		}
		list = append(list, s.AsMap())
	}
	return structpb.NewStruct(map[string]any{"jobs": list})
}

func jobsFromStruct(s *structpb.Struct) ([]types.Job, error) {
	values := s.GetFields()["jobs"].GetListValue().GetValues()
	jobs := make([]types.Job, 0, len(values))
	for _, v := range values {
		job, err := jobFromStruct(v.GetStructValue())
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func eventToStruct(evt types.Event) (*structpb.Struct, error) {
	job, err := jobToStruct(evt.Job)
	if err != nil {
		return nil, err
	}
	return structpb.NewStruct(map[string]any{
		"type": string(evt.Type),
		"at":   formatTime(evt.At),
		"job":  job.AsMap(),
	})
}

func eventFromStruct(s *structpb.Struct) (types.Event, error) {
	f := s.GetFields()
	job, err := jobFromStruct(f["job"].GetStructValue())
	if err != nil {
		return types.Event{}, err
	}
	at, err := parseTime(f["at"].GetStringValue())
	if err != nil {
		return types.Event{}, fmt.Errorf("at: %w", err)
	}
	return types.Event{Type: types.EventType(f["type"].GetStringValue()), Job: job, At: at}, nil
}

func statsToStruct(st types.Stats) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"queued":           st.Queued,
		"running":          st.Running,
		"completed":        st.Completed,
		"failed":           st.Failed,
		"cancelled":        st.Cancelled,
		"slots":            st.Slots,
		"busy_slots":       st.BusySlots,
		"max_workers":      st.MaxWorkers,
		"published_events": st.PublishedEvents,
		"dropped_events":   st.DroppedEvents,
	})
}

func statsFromStruct(s *structpb.Struct) types.Stats {
	f := s.GetFields()
	n := func(key string) int { return int(f[key].GetNumberValue()) }
	return types.Stats{
		Queued:          n("queued"),
		Running:         n("running"),
		Completed:       n("completed"),
		Failed:          n("failed"),
		Cancelled:       n("cancelled"),
		Slots:           n("slots"),
		BusySlots:       n("busy_slots"),
		MaxWorkers:      n("max_workers"),
		PublishedEvents: uint64(f["published_events"].GetNumberValue()),
		DroppedEvents:   uint64(f["dropped_events"].GetNumberValue()),
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// stringField reads a string field from a request, "" when absent.
func stringField(s *structpb.Struct, key string) string {
	return s.GetFields()[key].GetStringValue()
}
