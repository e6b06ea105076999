package scans

import (
	"time"
)

// ScanID tipe untuk Scan. It is the caller-supplied run name, used verbatim.
type ScanID string

// TargetType enum
type TargetType string

const (
	TargetURL        TargetType = "url"
	TargetRepository TargetType = "repository"
	TargetLocalCode  TargetType = "local_code"
	TargetDomain     TargetType = "domain"
)

// Status enum
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// TargetInfo is one thing the worker is pointed at.
type TargetInfo struct {
	Type     TargetType     `json:"type" validate:"omitempty,oneof=url repository local_code domain"`
	Original string         `json:"original" validate:"required,max=2048"`
	Details  map[string]any `json:"details,omitempty"`
}

// LLMConfig carries the model selection and credentials handed to the worker
// through its environment.
type LLMConfig struct {
	Model            string `json:"model" validate:"required,max=256"`
	APIKey           string `json:"apiKey" validate:"required"`
	APIBase          string `json:"apiBase,omitempty" validate:"omitempty,url"`
	PerplexityAPIKey string `json:"perplexityApiKey,omitempty"`
}

// ScanConfig is what a caller supplies to start a scan.
type ScanConfig struct {
	Targets     []TargetInfo `json:"targets" validate:"required,min=1,max=64,dive"`
	Instruction string       `json:"instruction,omitempty" validate:"max=8192"`
	RunName     string       `json:"runName" validate:"required,runname"`
	LLM         LLMConfig    `json:"llmConfig"`
}

// Validate checks the invariants the core relies on. Boundary validation with
// friendlier messages lives in the middleware package.
func (c ScanConfig) Validate() error {
	switch {
	case c.RunName == "":
		return invalidConfig("run name is required")
	case len(c.Targets) == 0:
		return invalidConfig("at least one target is required")
	case c.LLM.Model == "" || c.LLM.APIKey == "":
		return invalidConfig("LLM configuration is required")
	}
	for i, t := range c.Targets {
		if t.Original == "" {
			return invalidConfig("target %d is empty", i)
		}
	}
	return nil
}

// Aggregate Root: Scan
type Scan struct {
	ID                   ScanID       `json:"id"`
	RunName              string       `json:"runName"`
	Status               Status       `json:"status"`
	Targets              []TargetInfo `json:"targets"`
	Instruction          string       `json:"instruction,omitempty"`
	CreatedAt            time.Time    `json:"createdAt"`
	StartedAt            *time.Time   `json:"startedAt,omitempty"`
	CompletedAt          *time.Time   `json:"completedAt,omitempty"`
	Progress             int          `json:"progress"`
	VulnerabilitiesFound int          `json:"vulnerabilitiesFound"`
	AgentCount           int          `json:"agentCount"`
	LLMCalls             int          `json:"llmCalls"`
	TokensUsed           int          `json:"tokensUsed"`
	ExitCode             *int         `json:"exitCode,omitempty"`
	Error                string       `json:"error,omitempty"`
	TranscriptURL        string       `json:"transcriptUrl,omitempty"`
}

// Clone returns a deep copy so callers never share mutable state with the store.
func (s *Scan) Clone() *Scan {
	if s == nil {
		return nil
	}
	c := *s
	if s.Targets != nil {
		c.Targets = make([]TargetInfo, len(s.Targets))
		copy(c.Targets, s.Targets)
	}
	if s.StartedAt != nil {
		t := *s.StartedAt
		c.StartedAt = &t
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	if s.ExitCode != nil {
		code := *s.ExitCode
		c.ExitCode = &code
	}
	return &c
}
