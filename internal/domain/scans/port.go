package scans

import (
	"context"
)

// Repository port for the live scan registry. The implementation owns every
// mutation of a Scan; callers only ever see copies.
type Repository interface {
	Create(ctx context.Context, s *Scan) error
	Get(ctx context.Context, id ScanID) (*Scan, error)
	List(ctx context.Context) ([]*Scan, error)

	// Transition moves the record to status `to` and applies mutate under the
	// record lock. It returns ErrAlreadyTerminal without changing anything when
	// the current status is terminal.
	Transition(ctx context.Context, id ScanID, to Status, mutate func(*Scan)) error
	IncrementFindings(ctx context.Context, id ScanID) error
	// Update applies mutate without touching status.
	Update(ctx context.Context, id ScanID, mutate func(*Scan)) error
}

// WorkerCommand is the fully built invocation of the worker executable.
type WorkerCommand struct {
	Path string
	Args []string
	Env  []string
	Dir  string
}

// OutputHandler receives everything a supervised worker produces. Stdout and
// stderr lines may arrive concurrently with each other; HandleExit is called
// exactly once after both streams are drained.
type OutputHandler interface {
	HandleStdout(line string)
	HandleStderr(line string)
	HandleExit(code int, err error)
}

// Supervisor port (interface untuk eksekusi worker)
type Supervisor interface {
	Spawn(ctx context.Context, id ScanID, cmd WorkerCommand, h OutputHandler) error
	Cancel(id ScanID) bool
	// Running reports whether a worker for id has not finished its exit
	// callback yet.
	Running(id ScanID) bool
	Shutdown(ctx context.Context) error
}

// Launcher rewrites a local worker invocation, e.g. to run it in a container.
type Launcher interface {
	Command(id ScanID, cmd WorkerCommand) WorkerCommand
}

// Subscriber is one live subscription to a scan's events.
type Subscriber interface {
	ID() string
	// Next blocks until the next event, ctx is done, or the subscription is closed.
	Next(ctx context.Context) (Event, error)
	// Close releases the subscription. Safe to call more than once.
	Close()
}

// EventBus port for the in-process publish/subscribe fan-out.
type EventBus interface {
	Publish(id ScanID, ev Event)
	Subscribe(id ScanID) Subscriber
}

// HistoryRepository is an optional write-mostly sink for finished scans. It is
// never read back to rebuild live state.
type HistoryRepository interface {
	Save(ctx context.Context, s *Scan) error
	Latest(ctx context.Context, limit int) ([]*Scan, error)
}

// TranscriptStore port (interface untuk penyimpanan transcript)
type TranscriptStore interface {
	Upload(ctx context.Context, key string, body []byte) (string, error)
}

// CredentialChecker verifies LLM credentials before a worker is spawned.
type CredentialChecker interface {
	Check(ctx context.Context, cfg LLMConfig) error
}

// Recorder receives lifecycle counts for metrics.
type Recorder interface {
	ScanStarted()
	ScanFinished(status Status)
}
