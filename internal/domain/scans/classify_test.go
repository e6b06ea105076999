package scans_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/bryanwahyu/scan-orchestrator/internal/domain/scans"
)

func TestClassify(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		line      string
		wantTypes []domain.EventType
		finding   bool
	}{
		{name: "blank", line: "   ", wantTypes: nil},
		{name: "plain text", line: "starting recon on example.com", wantTypes: []domain.EventType{domain.EventLog}},
		{
			name:      "structured progress",
			line:      `{"type":"scan_progress","data":{"progress":40,"currentActivity":"crawling"}}`,
			wantTypes: []domain.EventType{domain.EventLog, domain.EventScanProgress},
		},
		{
			name:      "flat structured record",
			line:      `{"type":"tool_execution","tool":"nmap","args":"-sV"}`,
			wantTypes: []domain.EventType{domain.EventLog, domain.EventToolExecution},
		},
		{name: "malformed json", line: `{"type":"scan_progress",`, wantTypes: []domain.EventType{domain.EventLog}},
		{name: "unknown type", line: `{"type":"telemetry","data":{}}`, wantTypes: []domain.EventType{domain.EventLog}},
		{name: "missing type", line: `{"progress":10}`, wantTypes: []domain.EventType{domain.EventLog}},
		{name: "lifecycle type is not worker emittable", line: `{"type":"scan_completed"}`, wantTypes: []domain.EventType{domain.EventLog}},
		{name: "worker cannot announce a start", line: `{"type":"scan_started","data":{}}`, wantTypes: []domain.EventType{domain.EventLog}},
		{name: "worker cannot fail its own scan", line: `{"type":"scan_failed","data":{"exitCode":1}}`, wantTypes: []domain.EventType{domain.EventLog}},
		{name: "worker cannot cancel its own scan", line: `{"type":"scan_cancelled"}`, wantTypes: []domain.EventType{domain.EventLog}},
		{name: "json array", line: `[1,2,3]`, wantTypes: []domain.EventType{domain.EventLog}},
		{
			name:      "marker only",
			line:      "[!] VULNERABILITY FOUND: reflected XSS in /search",
			wantTypes: []domain.EventType{domain.EventLog},
			finding:   true,
		},
		{
			name:      "marker inside structured record",
			line:      `{"type":"vulnerability_found","data":{"title":"VULNERABILITY FOUND: SQLi","severity":"high"}}`,
			wantTypes: []domain.EventType{domain.EventLog, domain.EventVulnerability},
			finding:   true,
		},
		{name: "marker is case sensitive", line: "vulnerability found", wantTypes: []domain.EventType{domain.EventLog}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := domain.Classify("r1", tt.line, now)

			var got []domain.EventType
			for _, ev := range c.Events {
				got = append(got, ev.Type)
				assert.Equal(t, domain.ScanID("r1"), ev.ScanID)
				assert.Equal(t, now, ev.Timestamp)
			}
			assert.Equal(t, tt.wantTypes, got)
			assert.Equal(t, tt.finding, c.Finding)
		})
	}
}

func TestClassifyPreservesRawLine(t *testing.T) {
	t.Parallel()
	line := `{"type":"llm_call","data":{"tokens":12}}`
	c := domain.Classify("r1", line, time.Now())
	require.Len(t, c.Events, 2)

	logData, ok := c.Events[0].Data.(domain.LogData)
	require.True(t, ok)
	assert.Equal(t, line, logData.Message)
	assert.Equal(t, domain.LevelInfo, logData.Level)
	assert.Equal(t, domain.SourceStdout, logData.Source)

	raw, ok := c.Events[1].Data.(json.RawMessage)
	require.True(t, ok)
	assert.JSONEq(t, `{"tokens":12}`, string(raw))
}

func TestClassifyOverridesWorkerScanID(t *testing.T) {
	t.Parallel()
	c := domain.Classify("mine", `{"type":"log","scanId":"other","data":{"level":"warning","message":"x"}}`, time.Now())
	require.Len(t, c.Events, 2)
	assert.Equal(t, domain.ScanID("mine"), c.Events[1].ScanID)
}

func TestClassifyFlatPayload(t *testing.T) {
	t.Parallel()
	c := domain.Classify("r1", `{"type":"tool_execution","scanId":"x","timestamp":"2020","tool":"nmap"}`, time.Now())
	require.Len(t, c.Events, 2)
	raw, ok := c.Events[1].Data.(json.RawMessage)
	require.True(t, ok)
	assert.JSONEq(t, `{"tool":"nmap"}`, string(raw))
}

func TestApplyEvent(t *testing.T) {
	t.Parallel()
	structured := func(typ domain.EventType, data string) domain.Event {
		return domain.Event{Type: typ, ScanID: "r1", Data: json.RawMessage(data)}
	}

	s := &domain.Scan{ID: "r1", Status: domain.StatusRunning}

	assert.True(t, domain.ApplyEvent(s, structured(domain.EventScanProgress, `{"progress":42.7}`)))
	assert.Equal(t, 42, s.Progress)
	assert.True(t, domain.ApplyEvent(s, structured(domain.EventScanProgress, `{"progress":250}`)))
	assert.Equal(t, 100, s.Progress)
	assert.True(t, domain.ApplyEvent(s, structured(domain.EventScanProgress, `{"progress":-3}`)))
	assert.Equal(t, 0, s.Progress)
	assert.False(t, domain.ApplyEvent(s, structured(domain.EventScanProgress, `{"currentActivity":"x"}`)))

	assert.True(t, domain.ApplyEvent(s, structured(domain.EventLLMCall, `{"tokens":100}`)))
	assert.True(t, domain.ApplyEvent(s, structured(domain.EventLLMCall, `{"tokensUsed":50}`)))
	assert.True(t, domain.ApplyEvent(s, structured(domain.EventLLMCall, `{}`)))
	assert.Equal(t, 3, s.LLMCalls)
	assert.Equal(t, 150, s.TokensUsed)

	assert.True(t, domain.ApplyEvent(s, structured(domain.EventAgentStateChange, `{"status":"created"}`)))
	assert.False(t, domain.ApplyEvent(s, structured(domain.EventAgentStateChange, `{"status":"working"}`)))
	assert.Equal(t, 1, s.AgentCount)
	assert.True(t, domain.ApplyEvent(s, structured(domain.EventAgentStateChange, `{"agentCount":4}`)))
	assert.Equal(t, 4, s.AgentCount)

	assert.False(t, domain.ApplyEvent(s, structured(domain.EventVulnerability, `{"title":"x"}`)))
	assert.Zero(t, s.VulnerabilitiesFound)
	assert.False(t, domain.ApplyEvent(s, domain.NewLogEvent("r1", time.Now(), domain.LevelInfo, domain.SourceStdout, "x")))
	assert.Equal(t, domain.StatusRunning, s.Status)
}
