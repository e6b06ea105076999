package scans

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// VulnerabilityMarker is the literal substring a worker prints when it reports
// a finding. This is a heuristic; see ApplyEvent for structured counters.
const VulnerabilityMarker = "VULNERABILITY FOUND"

// Sources recorded on log events.
const (
	SourceStdout = "stdout"
	SourceStderr = "stderr"
)

// Classification is the outcome of classifying one stdout line.
type Classification struct {
	Events  []Event
	Finding bool
}

// Classify turns one raw stdout line into events. It never fails: a line that
// is not a structured record is still preserved as a log event.
func Classify(id ScanID, line string, now time.Time) Classification {
	var c Classification
	if strings.TrimSpace(line) == "" {
		return c
	}

	c.Events = append(c.Events, NewLogEvent(id, now, LevelInfo, SourceStdout, line))

	if ev, ok := decodeStructured(id, line, now); ok {
		c.Events = append(c.Events, ev)
	}

	c.Finding = strings.Contains(line, VulnerabilityMarker)
	return c
}

// decodeStructured accepts either {"type":..., "data":{...}} or a flat object
// whose remaining keys become the payload.
func decodeStructured(id ScanID, line string, now time.Time) (Event, bool) {
	raw := bytes.TrimSpace([]byte(line))
	if len(raw) < 2 || raw[0] != '{' {
		return Event{}, false
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Event{}, false
	}

	var typ EventType
	if err := json.Unmarshal(fields["type"], &typ); err != nil || !typ.WorkerEmittable() {
		return Event{}, false
	}

	data, ok := fields["data"]
	if !ok {
		delete(fields, "type")
		delete(fields, "scanId")
		delete(fields, "timestamp")
		if len(fields) > 0 {
			b, err := json.Marshal(fields)
			if err != nil {
				return Event{}, false
			}
			data = b
		}
	}

	ev := Event{Type: typ, ScanID: id, Timestamp: now}
	if len(data) > 0 {
		ev.Data = data
	}
	return ev, true
}

// eventCounters is the subset of structured payload fields that move record
// counters.
type eventCounters struct {
	Progress   *float64 `json:"progress"`
	Tokens     *int     `json:"tokens"`
	TokensUsed *int     `json:"tokensUsed"`
	AgentCount *int     `json:"agentCount"`
	Status     string   `json:"status"`
}

// ApplyEvent folds a structured worker event into the record's counters and
// reports whether anything changed. Status is never touched.
func ApplyEvent(s *Scan, ev Event) bool {
	raw, ok := ev.Data.(json.RawMessage)
	if !ok {
		return false
	}
	var c eventCounters
	if err := json.Unmarshal(raw, &c); err != nil {
		return false
	}

	switch ev.Type {
	case EventScanProgress:
		if c.Progress == nil {
			return false
		}
		p := int(*c.Progress)
		if p < 0 {
			p = 0
		}
		if p > 100 {
			p = 100
		}
		s.Progress = p
		return true
	case EventLLMCall:
		s.LLMCalls++
		switch {
		case c.Tokens != nil:
			s.TokensUsed += *c.Tokens
		case c.TokensUsed != nil:
			s.TokensUsed += *c.TokensUsed
		}
		return true
	case EventAgentStateChange:
		if c.AgentCount != nil {
			s.AgentCount = *c.AgentCount
			return true
		}
		if c.Status == "created" || c.Status == "started" {
			s.AgentCount++
			return true
		}
	}
	return false
}
