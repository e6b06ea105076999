package scans

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bryanwahyu/scan-orchestrator/internal/application"
	domain "github.com/bryanwahyu/scan-orchestrator/internal/domain/scans"
	"github.com/bryanwahyu/scan-orchestrator/internal/log"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500

	// finalizeTimeout bounds archive upload and history save after a worker exits.
	finalizeTimeout = 30 * time.Second

	spawnFailedMessage = "failed to start scan worker"
)

// WorkerConfig describes the local worker invocation.
type WorkerConfig struct {
	Executable string
	Dir        string
	// Env is the base environment; the LLM variables are appended per scan.
	Env []string
}

// Service implements use-cases untuk Scan.
// It is the single registry of live scans and is safe for concurrent use.
type Service struct {
	Repo       domain.Repository
	Supervisor domain.Supervisor
	Bus        domain.EventBus
	Clock      application.Clock
	Worker     WorkerConfig

	// optional collaborators
	Launcher    domain.Launcher
	History     domain.HistoryRepository
	Transcripts domain.TranscriptStore
	Preflight   domain.CredentialChecker
	Recorder    domain.Recorder
	Logger      *slog.Logger

	// TranscriptLimit caps the bytes of worker output kept for archiving.
	TranscriptLimit int
}

//
// ==== USE CASES ====
//

// StartScan registers a scan and launches its worker. The returned id equals
// cfg.RunName.
func (s *Service) StartScan(ctx context.Context, cfg domain.ScanConfig) (domain.ScanID, error) {
	if err := cfg.Validate(); err != nil {
		return "", err
	}
	id := domain.ScanID(cfg.RunName)
	ctx = log.ContextAttrs(ctx, slog.String("scan_id", string(id)))

	// a previous run under this name may still be draining its output
	if s.Supervisor.Running(id) {
		return "", fmt.Errorf("start scan %q: %w", id, domain.ErrDuplicateID)
	}

	if s.Preflight != nil {
		if err := s.Preflight.Check(ctx, cfg.LLM); err != nil {
			return "", fmt.Errorf("start scan %q: %w", id, err)
		}
	}

	scan := &domain.Scan{
		ID:          id,
		RunName:     cfg.RunName,
		Status:      domain.StatusQueued,
		Targets:     cfg.Targets,
		Instruction: cfg.Instruction,
		CreatedAt:   s.now(),
	}
	if err := s.Repo.Create(ctx, scan); err != nil {
		return "", err
	}

	if err := s.Repo.Transition(ctx, id, domain.StatusRunning, nil); err != nil {
		if errors.Is(err, domain.ErrAlreadyTerminal) {
			// cancelled while still queued
			s.logger().InfoContext(ctx, "scan cancelled before start")
			return id, nil
		}
		return "", err
	}
	s.publish(id, domain.EventScanStarted, domain.StartedData{
		RunName:     cfg.RunName,
		Targets:     cfg.Targets,
		Instruction: cfg.Instruction,
		Model:       cfg.LLM.Model,
	})
	if s.Recorder != nil {
		s.Recorder.ScanStarted()
	}

	cmd := domain.BuildWorkerCommand(s.Worker.Executable, s.Worker.Dir, s.Worker.Env, cfg)
	if s.Launcher != nil {
		cmd = s.Launcher.Command(id, cmd)
	}

	if err := s.Supervisor.Spawn(ctx, id, cmd, s.newOutput(id)); err != nil {
		s.logger().ErrorContext(ctx, "spawn worker", "error", err)
		s.failStart(ctx, id)
		if !errors.Is(err, domain.ErrSpawnFailure) {
			err = fmt.Errorf("%w: %w", domain.ErrSpawnFailure, err)
		}
		return id, fmt.Errorf("start scan %q: %w", id, err)
	}

	// A cancel that landed between Transition(running) and Spawn found no
	// worker to signal.
	if cur, err := s.Repo.Get(ctx, id); err == nil && cur.Status == domain.StatusCancelled {
		s.Supervisor.Cancel(id)
	}

	s.logger().InfoContext(ctx, "scan started", "targets", len(cfg.Targets))
	return id, nil
}

func (s *Service) failStart(ctx context.Context, id domain.ScanID) {
	err := s.Repo.Transition(ctx, id, domain.StatusFailed, func(sc *domain.Scan) {
		sc.Error = spawnFailedMessage
	})
	if err != nil {
		if !errors.Is(err, domain.ErrAlreadyTerminal) {
			s.logger().ErrorContext(ctx, "mark scan failed", "error", err)
		}
		return
	}
	s.publish(id, domain.EventScanFailed, domain.FailureData{Error: spawnFailedMessage})
	if s.Recorder != nil {
		s.Recorder.ScanFinished(domain.StatusFailed)
	}
	s.saveHistory(context.WithoutCancel(ctx), id)
}

// CancelScan stops a live scan. It returns false for unknown ids and for
// scans that already reached a terminal status; of several concurrent callers
// exactly one gets true.
func (s *Service) CancelScan(ctx context.Context, id domain.ScanID) bool {
	return s.cancel(ctx, id, "cancelled by user")
}

func (s *Service) cancel(ctx context.Context, id domain.ScanID, reason string) bool {
	cur, err := s.Repo.Get(ctx, id)
	if err != nil || cur.Status.Terminal() {
		return false
	}
	var started bool
	err = s.Repo.Transition(ctx, id, domain.StatusCancelled, func(sc *domain.Scan) {
		started = sc.StartedAt != nil
	})
	if err != nil {
		return false
	}

	signalled := s.Supervisor.Cancel(id)
	s.publish(id, domain.EventScanCancelled, domain.CancelData{Reason: reason})
	// a scan cancelled while queued was never counted as started
	if s.Recorder != nil && started {
		s.Recorder.ScanFinished(domain.StatusCancelled)
	}
	s.logger().InfoContext(ctx, "scan cancelled", "scan_id", id, "signalled", signalled, "reason", reason)

	// without a worker no exit callback will finalize the record
	if !s.Supervisor.Running(id) {
		s.saveHistory(context.WithoutCancel(ctx), id)
	}
	return true
}

// GetScan ambil 1 scan by id
func (s *Service) GetScan(ctx context.Context, id domain.ScanID) (*domain.Scan, error) {
	return s.Repo.Get(ctx, id)
}

// ListScans returns every known scan, newest first.
func (s *Service) ListScans(ctx context.Context) ([]*domain.Scan, error) {
	return s.Repo.List(ctx)
}

// Subscribe attaches to id's live events. The subscription is taken before
// the record is read so no event published after the returned snapshot is
// missed. The caller must Close the subscriber.
func (s *Service) Subscribe(ctx context.Context, id domain.ScanID) (domain.Subscriber, *domain.Scan, error) {
	sub := s.Bus.Subscribe(id)
	scan, err := s.Repo.Get(ctx, id)
	if err != nil {
		sub.Close()
		return nil, nil, err
	}
	return sub, scan, nil
}

// ScanHistory ambil N scan terakhir dari history sink. A limit <= 0 means
// the default, anything above the cap is clamped.
func (s *Service) ScanHistory(ctx context.Context, limit int) ([]*domain.Scan, error) {
	if s.History == nil {
		return nil, domain.ErrHistoryDisabled
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	return s.History.Latest(ctx, limit)
}

// Shutdown cancels every scan that is still running and waits for the
// workers to exit.
func (s *Service) Shutdown(ctx context.Context) error {
	scans, err := s.Repo.List(ctx)
	if err != nil {
		return err
	}
	for _, sc := range scans {
		if !sc.Status.Terminal() {
			s.cancel(ctx, sc.ID, "server shutting down")
		}
	}
	return s.Supervisor.Shutdown(ctx)
}

// handleExit is the worker exit callback. A scan that was cancelled stays
// cancelled and gets no further lifecycle event.
func (s *Service) handleExit(id domain.ScanID, code int, waitErr error, out *scanOutput) {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()
	ctx = log.ContextAttrs(ctx, slog.String("scan_id", string(id)))

	status, typ := domain.StatusCompleted, domain.EventScanCompleted
	if code != 0 {
		status, typ = domain.StatusFailed, domain.EventScanFailed
	}

	err := s.Repo.Transition(ctx, id, status, func(sc *domain.Scan) {
		sc.ExitCode = &code
	})
	switch {
	case errors.Is(err, domain.ErrAlreadyTerminal):
		s.logger().DebugContext(ctx, "worker exited after terminal status", "exit_code", code)
	case err != nil:
		s.logger().ErrorContext(ctx, "record worker exit", "error", err)
		return
	default:
		var exitErr interface{ ExitCode() int }
		if waitErr != nil && !errors.As(waitErr, &exitErr) {
			s.logger().WarnContext(ctx, "worker wait", "error", waitErr)
		}
		s.publish(id, typ, domain.ExitData{ExitCode: code})
		if s.Recorder != nil {
			s.Recorder.ScanFinished(status)
		}
		s.logger().InfoContext(ctx, "scan finished", "status", status, "exit_code", code)
	}

	s.archive(ctx, id, out)
	s.saveHistory(ctx, id)
}

func (s *Service) archive(ctx context.Context, id domain.ScanID, out *scanOutput) {
	if s.Transcripts == nil || out == nil {
		return
	}
	body := out.transcriptBytes()
	if len(body) == 0 {
		return
	}
	scan, err := s.Repo.Get(ctx, id)
	if err != nil {
		return
	}
	key := fmt.Sprintf("%s/%s.log", id, scan.CreatedAt.UTC().Format("20060102T150405Z"))
	url, err := s.Transcripts.Upload(ctx, key, body)
	if err != nil {
		s.logger().WarnContext(ctx, "archive transcript", "error", err)
		return
	}
	_ = s.Repo.Update(ctx, id, func(sc *domain.Scan) { sc.TranscriptURL = url })
}

func (s *Service) saveHistory(ctx context.Context, id domain.ScanID) {
	if s.History == nil {
		return
	}
	scan, err := s.Repo.Get(ctx, id)
	if err != nil {
		return
	}
	if err := s.History.Save(ctx, scan); err != nil {
		s.logger().WarnContext(ctx, "save scan history", "scan_id", id, "error", err)
	}
}

func (s *Service) publish(id domain.ScanID, typ domain.EventType, data any) {
	s.Bus.Publish(id, domain.Event{Type: typ, ScanID: id, Timestamp: s.now(), Data: data})
}

func (s *Service) now() time.Time {
	if s.Clock == nil {
		return time.Now()
	}
	return s.Clock.Now()
}

func (s *Service) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}
