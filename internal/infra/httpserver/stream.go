package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	domain "github.com/bryanwahyu/scan-orchestrator/internal/domain/scans"
)

// DefaultKeepAlive is the interval of SSE comment frames on an idle stream.
const DefaultKeepAlive = 15 * time.Second

// errStreamDone ends the stream after a terminal lifecycle event.
var errStreamDone = errors.New("stream finished")

// StreamSource subscribes to a scan's live events.
type StreamSource interface {
	Subscribe(ctx context.Context, id domain.ScanID) (domain.Subscriber, *domain.Scan, error)
}

// StreamObserver is told about stream connections, e.g. for a gauge.
type StreamObserver interface {
	StreamOpened()
	StreamClosed()
}

// Gateway serves GET /api/scans/{id}/stream as server-sent events.
type Gateway struct {
	Source    StreamSource
	KeepAlive time.Duration
	Observer  StreamObserver
	Logger    *slog.Logger
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	id, err := scanID(req)
	if err != nil {
		http.Error(w, "invalid scan id format", http.StatusBadRequest)
		return
	}
	logger := g.logger().With("scan_id", id)

	// subscribe before looking the scan up so nothing published in between
	// is lost
	sub, scan, err := g.Source.Subscribe(req.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		http.Error(w, "Scan not found", http.StatusNotFound)
		return
	}
	if err != nil {
		logger.ErrorContext(req.Context(), "subscribe to scan", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	defer sub.Close()

	if g.Observer != nil {
		g.Observer.StreamOpened()
		defer g.Observer.StreamClosed()
	}

	rc := http.NewResponseController(w)
	// the server write timeout would cut long streams
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		logger.WarnContext(req.Context(), "clear write deadline", "error", err)
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sw := &eventWriter{w: w, rc: rc}
	if err := sw.data(connected{Type: domain.EventConnected, ScanID: id}); err != nil {
		return
	}
	if scan.Status.Terminal() {
		return
	}

	eg, ctx := errgroup.WithContext(req.Context())
	eg.Go(func() error {
		for {
			ev, err := sub.Next(ctx)
			if err != nil {
				return err
			}
			if err := sw.data(ev); err != nil {
				return err
			}
			if ev.Type.EndsStream() {
				return errStreamDone
			}
		}
	})
	eg.Go(func() error {
		t := time.NewTicker(g.keepAlive())
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
				if err := sw.comment("keepalive"); err != nil {
					return err
				}
			}
		}
	})

	err = eg.Wait()
	switch {
	case errors.Is(err, errStreamDone):
		logger.DebugContext(req.Context(), "stream finished")
	case errors.Is(err, context.Canceled), errors.Is(err, domain.ErrSubscriptionClosed):
		logger.DebugContext(req.Context(), "stream client gone")
	default:
		logger.WarnContext(req.Context(), "stream aborted", "error", err)
	}
}

func (g *Gateway) keepAlive() time.Duration {
	if g.KeepAlive <= 0 {
		return DefaultKeepAlive
	}
	return g.KeepAlive
}

func (g *Gateway) logger() *slog.Logger {
	if g.Logger == nil {
		return slog.Default()
	}
	return g.Logger
}

type connected struct {
	Type   domain.EventType `json:"type"`
	ScanID domain.ScanID    `json:"scanId"`
}

// eventWriter serializes frames from the forwarding loop and the keep-alive
// ticker onto one response.
type eventWriter struct {
	mu sync.Mutex
	w  io.Writer
	rc *http.ResponseController
}

func (e *eventWriter) data(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return e.write("data: ", b)
}

func (e *eventWriter) comment(text string) error {
	return e.write(": ", []byte(text))
}

func (e *eventWriter) write(prefix string, payload []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := io.WriteString(e.w, prefix); err != nil {
		return err
	}
	if _, err := e.w.Write(payload); err != nil {
		return err
	}
	if _, err := io.WriteString(e.w, "\n\n"); err != nil {
		return err
	}
	if err := e.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}
