package worker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"
)

// ProcessHandler runs each job in a child process.
//
// The payload is written to the process's stdin. The process reports on
// stdout, one JSON object per line:
//
//	{"type":"progress","progress":40,"status":"decoding"}
//	{"type":"success","result":{...}}
//	{"type":"failure","error":"bad input"}
//
// Lines that are not JSON objects are ignored. A non-zero exit, or an exit
// without a success/failure line, is reported as a crash. The process is
// killed when the job's context is cancelled.
type ProcessHandler struct {
	Command string
	Args    []string
	Env     []string
	Dir     string

	// WaitDelay bounds how long to wait for stdout to close after the
	// process is killed. Zero means 2s.
	WaitDelay time.Duration
}

type processMessage struct {
	Type     string          `json:"type"`
	Progress int             `json:"progress"`
	Status   string          `json:"status"`
	Result   json.RawMessage `json:"result"`
	Error    string          `json:"error"`
}

const maxStderrTail = 2048

// Handle implements Handler.
func (p *ProcessHandler) Handle(ctx context.Context, payload []byte, ch *Channel) {
	cmd := exec.CommandContext(ctx, p.Command, p.Args...)
	cmd.Dir = p.Dir
	cmd.Env = append(os.Environ(), p.Env...)
	cmd.Env = append(cmd.Env,
		"TIERPOOL_JOB_ID="+string(ch.JobID()),
		"TIERPOOL_JOB_KIND="+string(ch.Kind()),
	)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.WaitDelay = p.WaitDelay
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = 2 * time.Second
	}

	var stderr tailBuffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = ch.crash(fmt.Sprintf("stdout pipe: %v", err))
		return
	}
	if err := cmd.Start(); err != nil {
		_ = ch.crash(fmt.Sprintf("start %s: %v", p.Command, err))
		return
	}

	// Grandchildren can keep stdout open after the process is killed.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			timer := time.NewTimer(cmd.WaitDelay)
			defer timer.Stop()
			select {
			case <-timer.C:
				_ = stdout.Close()
			case <-stop:
			}
		case <-stop:
		}
	}()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 4<<20)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var msg processMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "progress":
			_ = ch.ProgressWithNote(clampPercent(msg.Progress), msg.Status)
		case "success":
			_ = ch.Succeed(msg.Result)
		case "failure":
			_ = ch.Fail(errors.New(msg.Error))
		}
	}
	if scanner.Err() != nil {
		_, _ = io.Copy(io.Discard, stdout)
	}

	waitErr := cmd.Wait()
	if ch.Reported() || ctx.Err() != nil {
		return
	}
	if waitErr != nil {
		reason := fmt.Sprintf("process exited: %v", waitErr)
		if tail := strings.TrimSpace(stderr.String()); tail != "" {
			reason += ": " + tail
		}
		_ = ch.crash(reason)
		return
	}
	_ = ch.crash("process exited without reporting a result")
}

func clampPercent(n int) int {
	if n < 0 {
		return 0
	}
	if n > 100 {
		return 100
	}
	return n
}

// tailBuffer keeps the last maxStderrTail bytes written to it.
type tailBuffer struct {
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if len(t.buf) > maxStderrTail {
		t.buf = t.buf[len(t.buf)-maxStderrTail:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string { return string(t.buf) }
