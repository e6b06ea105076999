package scans

import (
	"bytes"
	"context"
	"sync"

	domain "github.com/bryanwahyu/scan-orchestrator/internal/domain/scans"
)

const defaultTranscriptLimit = 8 << 20

// scanOutput adapts a scan's worker output to the store and the bus. Stdout
// and stderr callbacks may run concurrently.
type scanOutput struct {
	svc *Service
	id  domain.ScanID

	mu         sync.Mutex
	transcript *bytes.Buffer
	limit      int
	truncated  bool
}

func (s *Service) newOutput(id domain.ScanID) *scanOutput {
	o := &scanOutput{svc: s, id: id}
	if s.Transcripts != nil {
		o.limit = s.TranscriptLimit
		if o.limit <= 0 {
			o.limit = defaultTranscriptLimit
		}
		o.transcript = new(bytes.Buffer)
	}
	return o
}

func (o *scanOutput) HandleStdout(line string) {
	c := domain.Classify(o.id, line, o.svc.now())
	if len(c.Events) == 0 {
		return
	}
	o.record(domain.SourceStdout, line)

	ctx := context.Background()
	for _, ev := range c.Events {
		if ev.Type != domain.EventLog {
			if err := o.svc.Repo.Update(ctx, o.id, func(sc *domain.Scan) { domain.ApplyEvent(sc, ev) }); err != nil {
				o.svc.logger().Warn("apply worker event", "scan_id", o.id, "type", ev.Type, "error", err)
			}
		}
		o.svc.Bus.Publish(o.id, ev)
	}
	if c.Finding {
		if err := o.svc.Repo.IncrementFindings(ctx, o.id); err != nil {
			o.svc.logger().Warn("count finding", "scan_id", o.id, "error", err)
		}
	}
}

func (o *scanOutput) HandleStderr(line string) {
	o.record(domain.SourceStderr, line)
	o.svc.Bus.Publish(o.id, domain.NewLogEvent(o.id, o.svc.now(), domain.LevelError, domain.SourceStderr, line))
}

func (o *scanOutput) HandleExit(code int, err error) {
	o.svc.handleExit(o.id, code, err, o)
}

func (o *scanOutput) record(source, line string) {
	if o.transcript == nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.truncated {
		return
	}
	if o.transcript.Len()+len(line)+len(source)+3 > o.limit {
		o.truncated = true
		o.transcript.WriteString("[transcript truncated]\n")
		return
	}
	o.transcript.WriteString(source)
	o.transcript.WriteString(": ")
	o.transcript.WriteString(line)
	o.transcript.WriteByte('\n')
}

func (o *scanOutput) transcriptBytes() []byte {
	if o.transcript == nil {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return bytes.Clone(o.transcript.Bytes())
}
