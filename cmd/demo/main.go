package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ChuLiYu/tierpool/pkg/jobpool"
	"github.com/ChuLiYu/tierpool/pkg/types"
)

var scenarios = map[string]func(ctx context.Context) error{
	"fifo":     demoFIFO,
	"priority": demoPriority,
	"timeout":  demoTimeout,
	"cancel":   demoCancel,
	"shutdown": demoShutdown,
}

var order = []string{"fifo", "priority", "timeout", "cancel", "shutdown"}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run cmd/demo/main.go <fifo|priority|timeout|cancel|shutdown|all>")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mode := os.Args[1]
	names := []string{mode}
	if mode == "all" {
		names = order
	}

	for _, name := range names {
		run, ok := scenarios[name]
		if !ok {
			log.Fatalf("Unknown scenario %q", name)
		}
		fmt.Printf("\n═══ Scenario: %s ═══\n", name)
		if err := run(ctx); err != nil {
			log.Fatalf("Scenario %s failed: %v", name, err)
		}
	}
}

// newPool builds a quiet pool with one handler for every demo kind.
func newPool(cfg jobpool.Config, h jobpool.HandlerFunc) (*jobpool.Pool, error) {
	reg := jobpool.NewRegistry()
	if err := reg.Register(types.KindScoreAnalysis, h); err != nil {
		return nil, err
	}
	cfg.DispatchInterval = 10 * time.Millisecond
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	return jobpool.New(cfg, reg, jobpool.WithLogger(logger))
}

// sleepThenSucceed runs for d unless cancelled.
func sleepThenSucceed(d time.Duration) jobpool.HandlerFunc {
	return func(ctx context.Context, payload []byte, ch *jobpool.Channel) {
		select {
		case <-time.After(d):
			ch.Succeed(payload)
		case <-ctx.Done():
		}
	}
}

// printEvents prints every event until the subscription closes.
func printEvents(sub *jobpool.Subscription, wg *sync.WaitGroup) {
	defer wg.Done()
	for evt := range sub.C() {
		line := fmt.Sprintf("  %s %-9s %s (%s)", evt.At.Format("15:04:05.000"), evt.Type, evt.Job.ID, evt.Job.Tier)
		if evt.Job.Error != nil {
			line += " ❌ " + evt.Job.Error.Error()
		}
		fmt.Println(line)
	}
}

func waitTerminal(ctx context.Context, p *jobpool.Pool, ids ...types.JobID) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		done := true
		for _, id := range ids {
			if job, ok := p.Status(id); !ok || !job.Status.IsTerminal() {
				done = false
				break
			}
		}
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func printStatuses(p *jobpool.Pool, ids ...types.JobID) {
	fmt.Println("📊 Final Status:")
	for _, id := range ids {
		job, _ := p.Status(id)
		fmt.Printf("  %-10s %-9s progress=%d%%", job.ID, job.Status, job.Progress)
		if job.Error != nil {
			fmt.Printf(" error=%q", job.Error.Error())
		}
		fmt.Println()
	}
}

// demoFIFO: two workers, three equal-priority jobs. The third waits for a
// free slot and every job completes in submission order.
func demoFIFO(ctx context.Context) error {
	p, err := newPool(jobpool.Config{MaxWorkers: 2}, sleepThenSucceed(300*time.Millisecond))
	if err != nil {
		return err
	}
	var wg sync.WaitGroup
	wg.Add(1)
	go printEvents(p.Subscribe(64, nil), &wg)

	var ids []types.JobID
	for _, name := range []string{"A", "B", "C"} {
		job, err := p.Schedule(types.KindScoreAnalysis, []byte(name), "athlete-1", jobpool.TierScout)
		if err != nil {
			return err
		}
		ids = append(ids, job.ID)
	}

	err = waitTerminal(ctx, p, ids...)
	p.Shutdown()
	wg.Wait()
	printStatuses(p, ids...)
	return err
}

// demoPriority: one worker busy with a scout job while a second scout and
// an allstar job wait. The allstar job runs next.
func demoPriority(ctx context.Context) error {
	p, err := newPool(jobpool.Config{MaxWorkers: 1}, sleepThenSucceed(300*time.Millisecond))
	if err != nil {
		return err
	}
	var wg sync.WaitGroup
	wg.Add(1)
	go printEvents(p.Subscribe(64, nil), &wg)

	first, _ := p.Schedule(types.KindScoreAnalysis, nil, "athlete-1", jobpool.TierScout)
	time.Sleep(50 * time.Millisecond)
	second, _ := p.Schedule(types.KindScoreAnalysis, nil, "athlete-2", jobpool.TierScout)
	third, err := p.Schedule(types.KindScoreAnalysis, nil, "athlete-3", jobpool.TierAllStar)
	if err != nil {
		return err
	}

	err = waitTerminal(ctx, p, first.ID, second.ID, third.ID)
	p.Shutdown()
	wg.Wait()
	printStatuses(p, first.ID, second.ID, third.ID)

	a, _ := p.Status(third.ID)
	b, _ := p.Status(second.ID)
	if a.StartedAt != nil && b.StartedAt != nil && a.StartedAt.Before(*b.StartedAt) {
		fmt.Println("✓ allstar job overtook the earlier scout job")
	}
	return err
}

// demoTimeout: a job that reports 10% and then hangs is failed when the
// job timeout elapses, and its slot goes back into rotation.
func demoTimeout(ctx context.Context) error {
	hang := func(ctx context.Context, payload []byte, ch *jobpool.Channel) {
		ch.ProgressWithNote(10, "warming up")
		<-ctx.Done()
	}
	p, err := newPool(jobpool.Config{MaxWorkers: 1, JobTimeout: 500 * time.Millisecond}, hang)
	if err != nil {
		return err
	}
	var wg sync.WaitGroup
	wg.Add(1)
	go printEvents(p.Subscribe(64, nil), &wg)

	job, err := p.Schedule(types.KindScoreAnalysis, nil, "athlete-1", jobpool.TierMVP)
	if err != nil {
		return err
	}
	err = waitTerminal(ctx, p, job.ID)

	final, _ := p.Status(job.ID)
	if final.Error != nil && errors.Is(final.Error, types.ErrTimeout) {
		fmt.Println("✓ job failed with a timeout")
	}
	p.Shutdown()
	wg.Wait()
	printStatuses(p, job.ID)
	return err
}

// demoCancel: a queued job is cancelled before a slot frees up, then a
// second cancel of the same job is refused.
func demoCancel(ctx context.Context) error {
	p, err := newPool(jobpool.Config{MaxWorkers: 1}, sleepThenSucceed(300*time.Millisecond))
	if err != nil {
		return err
	}
	var wg sync.WaitGroup
	wg.Add(1)
	go printEvents(p.Subscribe(64, nil), &wg)

	running, _ := p.Schedule(types.KindScoreAnalysis, nil, "athlete-1", jobpool.TierScout)
	queued, err := p.Schedule(types.KindScoreAnalysis, nil, "athlete-1", jobpool.TierScout)
	if err != nil {
		return err
	}

	fmt.Printf("  cancel(%s) = %v\n", queued.ID, p.Cancel(queued.ID))
	fmt.Printf("  cancel(%s) again = %v\n", queued.ID, p.Cancel(queued.ID))

	err = waitTerminal(ctx, p, running.ID, queued.ID)
	p.Shutdown()
	wg.Wait()
	printStatuses(p, running.ID, queued.ID)
	return err
}

// demoShutdown: shutting down with one running and one queued job fails
// the running job, leaves the queued one queued, and rejects new work.
func demoShutdown(ctx context.Context) error {
	p, err := newPool(jobpool.Config{MaxWorkers: 1, ShutdownWait: 200 * time.Millisecond}, sleepThenSucceed(time.Hour))
	if err != nil {
		return err
	}
	var wg sync.WaitGroup
	wg.Add(1)
	go printEvents(p.Subscribe(64, nil), &wg)

	running, _ := p.Schedule(types.KindScoreAnalysis, nil, "athlete-1", jobpool.TierScout)
	queued, err := p.Schedule(types.KindScoreAnalysis, nil, "athlete-2", jobpool.TierScout)
	if err != nil {
		return err
	}
	time.Sleep(100 * time.Millisecond)

	fmt.Println("\n⏹  Shutting down...")
	p.Shutdown()
	wg.Wait()
	printStatuses(p, running.ID, queued.ID)

	if _, err := p.Schedule(types.KindScoreAnalysis, nil, "athlete-3", ""); errors.Is(err, jobpool.ErrClosed) {
		fmt.Println("✓ schedule after shutdown rejected:", err)
	}
	return ctx.Err()
}
