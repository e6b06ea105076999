package scans

import (
	"time"
)

// EventType identifies the kind of a ScanEvent.
type EventType string

const (
	EventScanStarted      EventType = "scan_started"
	EventScanProgress     EventType = "scan_progress"
	EventVulnerability    EventType = "vulnerability_found"
	EventAgentStateChange EventType = "agent_state_change"
	EventToolExecution    EventType = "tool_execution"
	EventLLMCall          EventType = "llm_call"
	EventScanCompleted    EventType = "scan_completed"
	EventScanFailed       EventType = "scan_failed"
	EventScanCancelled    EventType = "scan_cancelled"
	EventLog              EventType = "log"

	// EventConnected is only ever written by the stream gateway as its
	// acknowledgment; it never travels through the bus.
	EventConnected EventType = "connected"
)

// Known reports whether t is one of the bus event kinds.
func (t EventType) Known() bool {
	switch t {
	case EventScanStarted, EventScanProgress, EventVulnerability, EventAgentStateChange,
		EventToolExecution, EventLLMCall, EventScanCompleted, EventScanFailed,
		EventScanCancelled, EventLog:
		return true
	}
	return false
}

// WorkerEmittable reports whether a worker may publish t through a structured
// output line. Lifecycle kinds belong to the supervisor.
func (t EventType) WorkerEmittable() bool {
	switch t {
	case EventScanProgress, EventVulnerability, EventAgentStateChange,
		EventToolExecution, EventLLMCall, EventLog:
		return true
	}
	return false
}

// EndsStream reports whether observing t finishes a live feed.
func (t EventType) EndsStream() bool {
	return t == EventScanCompleted || t == EventScanFailed || t == EventScanCancelled
}

// Log levels used in LogData.
const (
	LevelDebug   = "debug"
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
)

// Event is an immutable scan event. Data holds one of the payload types below,
// or the raw JSON object of a structured worker event.
type Event struct {
	Type      EventType `json:"type"`
	ScanID    ScanID    `json:"scanId"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// LogData payload for EventLog.
type LogData struct {
	Level   string `json:"level"`
	Message string `json:"message"`
	Source  string `json:"source,omitempty"`
}

// StartedData payload for EventScanStarted. Credentials are deliberately absent.
type StartedData struct {
	RunName     string       `json:"runName"`
	Targets     []TargetInfo `json:"targets"`
	Instruction string       `json:"instruction,omitempty"`
	Model       string       `json:"model,omitempty"`
}

// ExitData payload for EventScanCompleted and exit-driven EventScanFailed.
type ExitData struct {
	ExitCode int `json:"exitCode"`
}

// FailureData payload for EventScanFailed raised before the worker ran.
type FailureData struct {
	Error string `json:"error"`
}

// CancelData payload for EventScanCancelled.
type CancelData struct {
	Reason string `json:"reason,omitempty"`
}

// NewLogEvent builds a log event.
func NewLogEvent(id ScanID, at time.Time, level, source, message string) Event {
	return Event{
		Type:      EventLog,
		ScanID:    id,
		Timestamp: at,
		Data:      LogData{Level: level, Message: message, Source: source},
	}
}
