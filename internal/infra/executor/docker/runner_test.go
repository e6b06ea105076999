package docker

import (
	"testing"

	"github.com/stretchr/testify/assert"

	domain "github.com/bryanwahyu/scan-orchestrator/internal/domain/scans"
)

func TestCommandWrapsWorker(t *testing.T) {
	r := NewRunner("", "ghcr.io/tygr/agent:latest")
	r.Network = "scans"

	in := domain.WorkerCommand{
		Path: "/usr/local/bin/tygr",
		Args: []string{"-n", "--run-name", "r1", "--target", "example.com"},
		Env:  []string{"PATH=/usr/bin", "TYGR_LLM=openai/gpt-4o", "LLM_API_KEY=sk-secret"},
	}
	out := r.Command("r1", in)

	assert.Equal(t, "docker", out.Path)
	assert.Equal(t, []string{
		"run", "--rm", "-i", "--name", "tygr-r1",
		"--network", "scans",
		"-e", "TYGR_LLM", "-e", "LLM_API_KEY",
		"ghcr.io/tygr/agent:latest", "tygr",
		"-n", "--run-name", "r1", "--target", "example.com",
	}, out.Args)
	assert.Equal(t, in.Env, out.Env)
	for _, a := range out.Args {
		assert.NotContains(t, a, "sk-secret")
	}
}

func TestCommandMountsDirAndSocket(t *testing.T) {
	r := NewRunner("/opt/docker", "agent")
	r.MountSocket = true

	out := r.Command("r1", domain.WorkerCommand{Path: "tygr", Dir: "/srv/scans"})
	assert.Equal(t, "/opt/docker", out.Path)
	assert.Equal(t, []string{
		"run", "--rm", "-i", "--name", "tygr-r1",
		"-v", "/var/run/docker.sock:/var/run/docker.sock",
		"-v", "/srv/scans:/work", "-w", "/work",
		"agent", "tygr",
	}, out.Args)
	assert.Empty(t, out.Dir)
}

func TestContainerName(t *testing.T) {
	assert.Equal(t, "tygr-nightly_2025-01.a", ContainerName("nightly_2025-01.a"))
	assert.Equal(t, "tygr-a_b_c", ContainerName("a/b c"))
}
