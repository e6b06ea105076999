// Package process supervises worker executables: it spawns them, pumps their
// output line by line and reports their exit.
package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	domain "github.com/bryanwahyu/scan-orchestrator/internal/domain/scans"
)

const (
	DefaultLineBuffer     = 256
	DefaultMaxLineBytes   = 1 << 20
	DefaultTerminateGrace = 10 * time.Second
)

// Options tunes a Supervisor. Zero values fall back to the defaults above.
type Options struct {
	// TerminateGrace is how long a cancelled worker gets between SIGTERM and
	// SIGKILL. Negative disables the SIGKILL follow-up.
	TerminateGrace time.Duration
	// LineBuffer bounds the channel between the stdout reader and the handler.
	LineBuffer int
	// MaxLineBytes truncates longer output lines.
	MaxLineBytes int
	Logger       *slog.Logger
}

type handle struct {
	// cmd is nil while the process is still being started.
	cmd       *exec.Cmd
	cancelled bool
	exited    bool
	killTimer *time.Timer
	done      chan struct{}
}

// Supervisor owns every live worker process, at most one per scan id.
type Supervisor struct {
	mu      sync.Mutex
	handles map[domain.ScanID]*handle
	wg      sync.WaitGroup

	grace        time.Duration
	lineBuffer   int
	maxLineBytes int
	logger       *slog.Logger

	// beforeStart runs outside the lock right before fork/exec; tests use it
	// to hold a spawn in flight.
	beforeStart func(domain.ScanID)
}

func NewSupervisor(opts Options) *Supervisor {
	s := &Supervisor{
		handles:      make(map[domain.ScanID]*handle),
		grace:        opts.TerminateGrace,
		lineBuffer:   opts.LineBuffer,
		maxLineBytes: opts.MaxLineBytes,
		logger:       opts.Logger,
	}
	if s.grace == 0 {
		s.grace = DefaultTerminateGrace
	}
	if s.lineBuffer <= 0 {
		s.lineBuffer = DefaultLineBuffer
	}
	if s.maxLineBytes <= 0 {
		s.maxLineBytes = DefaultMaxLineBytes
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Spawn starts the worker and returns once it is running. The worker is not
// bound to ctx: it keeps running after the caller's request ends and stops
// only on exit, Cancel or Shutdown. ctx only carries logging attributes.
func (s *Supervisor) Spawn(ctx context.Context, id domain.ScanID, wc domain.WorkerCommand, h domain.OutputHandler) error {
	ctx = context.WithoutCancel(ctx)

	// reserve the id so a concurrent spawn is refused, then fork/exec without
	// holding the table lock
	s.mu.Lock()
	if _, ok := s.handles[id]; ok {
		s.mu.Unlock()
		return fmt.Errorf("spawn %q: %w", id, domain.ErrHandleExists)
	}
	hd := &handle{done: make(chan struct{})}
	s.handles[id] = hd
	s.wg.Add(1)
	s.mu.Unlock()

	if s.beforeStart != nil {
		s.beforeStart(id)
	}
	cmd, stdout, stderr, err := startWorker(wc)

	s.mu.Lock()
	if err != nil {
		delete(s.handles, id)
		s.mu.Unlock()
		close(hd.done)
		s.wg.Done()
		return err
	}
	hd.cmd = cmd
	if hd.cancelled {
		// Cancel arrived while the process was starting
		s.terminateLocked(id, hd)
	}
	s.mu.Unlock()
	s.logger.DebugContext(ctx, "worker started", "scan_id", id, "pid", cmd.Process.Pid, "path", wc.Path)

	go s.supervise(ctx, id, hd, stdout, stderr, h)
	return nil
}

func startWorker(wc domain.WorkerCommand) (*exec.Cmd, io.Reader, io.Reader, error) {
	cmd := exec.Command(wc.Path, wc.Args...)
	cmd.Env = wc.Env
	cmd.Dir = wc.Dir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: stdout pipe: %w", domain.ErrSpawnFailure, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: stderr pipe: %w", domain.ErrSpawnFailure, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %w", domain.ErrSpawnFailure, err)
	}
	return cmd, stdout, stderr, nil
}

// supervise pumps both streams to EOF, then reaps the process. Pipes must be
// fully read before cmd.Wait, which closes them.
func (s *Supervisor) supervise(ctx context.Context, id domain.ScanID, hd *handle, stdout, stderr io.Reader, h domain.OutputHandler) {
	defer s.wg.Done()

	lines := make(chan string, s.lineBuffer)
	var readers sync.WaitGroup
	readers.Add(2)

	go func() {
		defer readers.Done()
		defer close(lines)
		if err := readLines(stdout, s.maxLineBytes, func(line string) { lines <- line }); err != nil {
			s.logger.WarnContext(ctx, "reading worker stdout", "scan_id", id, "error", err)
		}
	}()

	go func() {
		defer readers.Done()
		err := readLines(stderr, s.maxLineBytes, func(line string) {
			if strings.TrimSpace(line) != "" {
				h.HandleStderr(line)
			}
		})
		if err != nil {
			s.logger.WarnContext(ctx, "reading worker stderr", "scan_id", id, "error", err)
		}
	}()

	for line := range lines {
		h.HandleStdout(line)
	}
	readers.Wait()

	waitErr := hd.cmd.Wait()
	code := exitCode(hd.cmd.ProcessState)

	s.mu.Lock()
	hd.exited = true
	if hd.killTimer != nil {
		hd.killTimer.Stop()
	}
	cancelled := hd.cancelled
	s.mu.Unlock()

	s.logger.DebugContext(ctx, "worker exited", "scan_id", id, "exit_code", code, "cancelled", cancelled)
	h.HandleExit(code, waitErr)

	s.mu.Lock()
	if s.handles[id] == hd {
		delete(s.handles, id)
	}
	s.mu.Unlock()
	close(hd.done)
}

// Cancel sends SIGTERM to the live worker for id and schedules SIGKILL after
// the grace period. It does not wait for the process to die. It returns false
// when there is no live worker or one was already asked to stop.
func (s *Supervisor) Cancel(id domain.ScanID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelLocked(id)
}

func (s *Supervisor) cancelLocked(id domain.ScanID) bool {
	hd, ok := s.handles[id]
	if !ok || hd.cancelled || hd.exited {
		return false
	}
	// a worker still starting is signalled by Spawn once it has a pid
	if hd.cmd != nil && !s.terminateLocked(id, hd) {
		return false
	}
	hd.cancelled = true
	return true
}

// terminateLocked sends SIGTERM and arms the SIGKILL follow-up.
func (s *Supervisor) terminateLocked(id domain.ScanID, hd *handle) bool {
	if err := hd.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		if !errors.Is(err, os.ErrProcessDone) {
			s.logger.Warn("signalling worker", "scan_id", id, "error", err)
		}
		return false
	}

	if s.grace > 0 {
		proc := hd.cmd.Process
		hd.killTimer = time.AfterFunc(s.grace, func() {
			if err := proc.Kill(); err == nil {
				s.logger.Warn("worker ignored SIGTERM, killed", "scan_id", id)
			}
		})
	}
	return true
}

// Running reports whether a worker for id is live or its exit callback has
// not returned yet.
func (s *Supervisor) Running(id domain.ScanID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.handles[id]
	return ok
}

// Done returns a channel closed once the worker for id has been reaped and
// its exit handled, or nil when no worker is live.
func (s *Supervisor) Done(id domain.ScanID) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if hd, ok := s.handles[id]; ok {
		return hd.done
	}
	return nil
}

// Shutdown terminates every live worker and waits until all exit callbacks ran
// or ctx expires, in which case the stragglers are killed.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for id := range s.handles {
		s.cancelLocked(id)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		for _, hd := range s.handles {
			if hd.cmd != nil {
				_ = hd.cmd.Process.Kill()
			}
		}
		s.mu.Unlock()
		return ctx.Err()
	}
}

// exitCode maps the reaped state to a code: -1 for signal death or when the
// state is unknown.
func exitCode(state *os.ProcessState) int {
	if state == nil {
		return -1
	}
	return state.ExitCode()
}

// readLines calls fn for every line of r without its line terminator. Lines
// longer than max are truncated rather than aborting the read, so a noisy
// worker can never wedge on a full pipe.
func readLines(r io.Reader, max int, fn func(string)) error {
	br := bufio.NewReaderSize(r, 64*1024)
	buf := make([]byte, 0, 4096)
	for {
		chunk, err := br.ReadSlice('\n')
		if room := max - len(buf); room > 0 {
			buf = append(buf, chunk[:min(len(chunk), room)]...)
		}
		switch {
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case err == nil:
			fn(trimEOL(buf))
			buf = buf[:0]
		case errors.Is(err, io.EOF), errors.Is(err, os.ErrClosed):
			if len(buf) > 0 {
				fn(trimEOL(buf))
			}
			return nil
		default:
			if len(buf) > 0 {
				fn(trimEOL(buf))
			}
			return err
		}
	}
}

func trimEOL(b []byte) string {
	n := len(b)
	if n > 0 && b[n-1] == '\n' {
		n--
	}
	if n > 0 && b[n-1] == '\r' {
		n--
	}
	return string(b[:n])
}
