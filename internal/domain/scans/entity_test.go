package scans_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/bryanwahyu/scan-orchestrator/internal/domain/scans"
)

func TestStatusTerminal(t *testing.T) {
	t.Parallel()
	assert.False(t, domain.StatusQueued.Terminal())
	assert.False(t, domain.StatusRunning.Terminal())
	assert.True(t, domain.StatusCompleted.Terminal())
	assert.True(t, domain.StatusFailed.Terminal())
	assert.True(t, domain.StatusCancelled.Terminal())
}

func TestEventTypeSets(t *testing.T) {
	t.Parallel()
	assert.True(t, domain.EventScanCancelled.Known())
	assert.False(t, domain.EventConnected.Known())
	assert.False(t, domain.EventScanStarted.WorkerEmittable())
	assert.True(t, domain.EventToolExecution.WorkerEmittable())
	assert.True(t, domain.EventScanFailed.EndsStream())
	assert.False(t, domain.EventLog.EndsStream())
}

func TestScanConfigValidate(t *testing.T) {
	t.Parallel()
	valid := domain.ScanConfig{
		RunName: "r1",
		Targets: []domain.TargetInfo{{Type: domain.TargetDomain, Original: "example.com"}},
		LLM:     domain.LLMConfig{Model: "m", APIKey: "k"},
	}
	require.NoError(t, valid.Validate())

	noTargets := valid
	noTargets.Targets = nil
	require.ErrorIs(t, noTargets.Validate(), domain.ErrInvalidConfig)

	noName := valid
	noName.RunName = ""
	require.ErrorIs(t, noName.Validate(), domain.ErrInvalidConfig)

	noKey := valid
	noKey.LLM.APIKey = ""
	require.ErrorIs(t, noKey.Validate(), domain.ErrInvalidConfig)

	emptyTarget := valid
	emptyTarget.Targets = []domain.TargetInfo{{Original: ""}}
	require.ErrorIs(t, emptyTarget.Validate(), domain.ErrInvalidConfig)
}

func TestScanClone(t *testing.T) {
	t.Parallel()
	now := time.Now()
	code := 3
	s := &domain.Scan{
		ID:        "r1",
		Targets:   []domain.TargetInfo{{Original: "a"}},
		StartedAt: &now,
		ExitCode:  &code,
	}
	c := s.Clone()
	c.Targets[0].Original = "b"
	*c.StartedAt = now.Add(time.Hour)
	*c.ExitCode = 9

	assert.Equal(t, "a", s.Targets[0].Original)
	assert.Equal(t, now, *s.StartedAt)
	assert.Equal(t, 3, *s.ExitCode)
	assert.Nil(t, (*domain.Scan)(nil).Clone())
}

func TestBuildWorkerCommand(t *testing.T) {
	t.Parallel()
	cfg := domain.ScanConfig{
		RunName:     "r1",
		Instruction: "focus on auth",
		Targets: []domain.TargetInfo{
			{Type: domain.TargetURL, Original: "https://example.com"},
			{Type: domain.TargetRepository, Original: "https://github.com/acme/app"},
		},
		LLM: domain.LLMConfig{Model: "openai/gpt-4o", APIKey: "k", APIBase: "http://llm:4000", PerplexityAPIKey: "p"},
	}

	cmd := domain.BuildWorkerCommand("tygr", "/srv/tygr", []string{"PATH=/usr/bin", "LLM_API_KEY=stale"}, cfg)
	assert.Equal(t, "tygr", cmd.Path)
	assert.Equal(t, "/srv/tygr", cmd.Dir)
	assert.Equal(t, []string{
		"-n", "--run-name", "r1",
		"--target", "https://example.com",
		"--target", "https://github.com/acme/app",
		"--instruction", "focus on auth",
	}, cmd.Args)
	assert.Equal(t, []string{
		"PATH=/usr/bin",
		"LLM_API_KEY=stale",
		"TYGR_LLM=openai/gpt-4o",
		"LLM_API_KEY=k",
		"LLM_API_BASE=http://llm:4000",
		"PERPLEXITY_API_KEY=p",
	}, cmd.Env)

	cfg.Instruction = ""
	cfg.LLM.APIBase = ""
	cfg.LLM.PerplexityAPIKey = ""
	minimal := domain.BuildWorkerCommand("tygr", "", nil, cfg)
	assert.NotContains(t, minimal.Args, "--instruction")
	assert.Equal(t, []string{"TYGR_LLM=openai/gpt-4o", "LLM_API_KEY=k"}, minimal.Env)
}
