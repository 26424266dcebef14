package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// SimulatedHandler stands in for real work in demos and load tests:
// it sleeps for Duration (plus up to Jitter), reporting progress in Steps
// equal increments, then succeeds or fails at FailureRate.
type SimulatedHandler struct {
	Duration    time.Duration
	Jitter      time.Duration
	Steps       int
	FailureRate float64 // 0.0 - 1.0
}

// Handle implements Handler.
func (s *SimulatedHandler) Handle(ctx context.Context, payload []byte, ch *Channel) {
	total := s.Duration
	if s.Jitter > 0 {
		total += time.Duration(rand.Int63n(int64(s.Jitter)))
	}
	steps := s.Steps
	if steps <= 0 {
		steps = 1
	}
	step := total / time.Duration(steps)

	timer := time.NewTimer(step)
	defer timer.Stop()
	for i := 1; i <= steps; i++ {
		select {
		case <-ctx.Done():
			// The dispatcher has already failed the job.
			return
		case <-timer.C:
		}
		if i < steps {
			_ = ch.ProgressWithNote(i*100/steps, fmt.Sprintf("step %d/%d", i, steps))
			timer.Reset(step)
		}
	}

	if s.FailureRate > 0 && rand.Float64() < s.FailureRate {
		_ = ch.Fail(errors.New("simulated execution failure"))
		return
	}
	_ = ch.Succeed(payload)
}
