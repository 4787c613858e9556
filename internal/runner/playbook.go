package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"
)

// DefaultGrace is how long a terminated process gets to exit after SIGTERM
// before it is killed.
const DefaultGrace = 10 * time.Second

// scanBufferSize bounds a single output line; longer lines are split.
const scanBufferSize = 256 * 1024

// PlaybookRunner runs playbooks by spawning one ansible-playbook process
// per attempt. The target host is addressed through a temporary single-host
// inventory file which doubles as the per-call connection session; it is
// removed on every exit path.
type PlaybookRunner struct {
	PlaybookDir string
	Bin         string // defaults to "ansible-playbook"
	Grace       time.Duration
	Logger      *slog.Logger
}

// Compile-time interface satisfaction check.
var _ Runner = (*PlaybookRunner)(nil)

// Execute implements Runner.
func (p *PlaybookRunner) Execute(ctx context.Context, spec Spec) (Result, error) {
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	invPath, err := p.writeInventory(spec)
	if err != nil {
		return Result{}, err
	}
	defer os.Remove(invPath)

	bin := p.Bin
	if bin == "" {
		bin = "ansible-playbook"
	}
	grace := p.Grace
	if grace <= 0 {
		grace = DefaultGrace
	}

	cmd := exec.CommandContext(ctx, bin,
		"-i", invPath,
		"-l", spec.Host,
		filepath.Join(p.PlaybookDir, spec.Playbook),
	)
	// Terminate cooperatively first; WaitDelay escalates to SIGKILL once
	// the grace period elapses.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = grace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Result{}, fmt.Errorf("stderr pipe: %w", err)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("start %s: %w", bin, err)
	}

	// Multiplex stdout and stderr into one ordered line sequence. The
	// mutex serializes emission so subscribers never see interleaved
	// partial lines.
	var emitMu sync.Mutex
	emit := func(line string) {
		if spec.LineWriter == nil {
			return
		}
		emitMu.Lock()
		defer emitMu.Unlock()
		spec.LineWriter(line)
	}

	var pumps sync.WaitGroup
	pumps.Add(2)
	go func() { defer pumps.Done(); pumpLines(stdout, emit) }()
	go func() { defer pumps.Done(); pumpLines(stderr, emit) }()
	pumps.Wait()

	waitErr := cmd.Wait()
	res := Result{
		DurationMS: int(time.Since(start).Milliseconds()),
	}

	// A process that exited on its own keeps its exit code even when a
	// cancel or deadline raced in just after; forced termination shows up
	// as a wait error.
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return res, fmt.Errorf("wait for %s: %w", bin, waitErr)
		}
		res.ExitCode = exitErr.ExitCode()
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			res.TimedOut = true
		case errors.Is(ctx.Err(), context.Canceled):
			res.Cancelled = true
		}
	}

	if p.Logger != nil {
		p.Logger.Debug("playbook process finished",
			"job_id", spec.JobID,
			"host", spec.Host,
			"exit_code", res.ExitCode,
			"timed_out", res.TimedOut,
			"cancelled", res.Cancelled,
			"duration_ms", res.DurationMS,
		)
	}

	return res, nil
}

// writeInventory creates a temporary single-host ini inventory for the
// attempt's target.
func (p *PlaybookRunner) writeInventory(spec Spec) (string, error) {
	f, err := os.CreateTemp("", "anvil-inv-*.ini")
	if err != nil {
		return "", fmt.Errorf("create inventory: %w", err)
	}

	line := fmt.Sprintf("%s ansible_host=%s ansible_port=%d",
		spec.Host, spec.Conn.Addr, spec.Conn.Port)
	if spec.Conn.User != "" {
		line += " ansible_user=" + spec.Conn.User
	}
	if spec.Conn.Transport == "local" {
		line += " ansible_connection=local"
	}
	line += "\n"

	if _, err := f.WriteString(line); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("write inventory: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("close inventory: %w", err)
	}
	return f.Name(), nil
}

// pumpLines reads r line by line and passes each line to emit until EOF.
func pumpLines(r io.Reader, emit func(string)) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), scanBufferSize)
	for sc.Scan() {
		emit(sc.Text())
	}
}
