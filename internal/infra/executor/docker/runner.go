package docker

import (
	"path/filepath"
	"strings"

	domain "github.com/bryanwahyu/scan-orchestrator/internal/domain/scans"
)

// workDir is where the host working directory is mounted in the container.
const workDir = "/work"

// Runner wraps a local worker invocation in `docker run`. The docker CLI is
// attached, so SIGTERM sent to it is proxied to the container.
type Runner struct {
	Binary  string // docker CLI, default "docker"
	Image   string
	Network string
	// MountSocket exposes the host docker socket to workers that start their
	// own sandboxes.
	MountSocket bool
}

func NewRunner(binary, image string) *Runner {
	if binary == "" {
		binary = "docker"
	}
	return &Runner{Binary: binary, Image: image}
}

// Command implements scans.Launcher.
func (r *Runner) Command(id domain.ScanID, cmd domain.WorkerCommand) domain.WorkerCommand {
	args := []string{"run", "--rm", "-i", "--name", ContainerName(id)}

	if r.MountSocket {
		args = append(args, "-v", "/var/run/docker.sock:/var/run/docker.sock")
	}
	if r.Network != "" {
		args = append(args, "--network", r.Network)
	}
	if cmd.Dir != "" {
		if abs, err := filepath.Abs(cmd.Dir); err == nil {
			args = append(args, "-v", abs+":"+workDir, "-w", workDir)
		}
	}

	// pass by name only, values stay out of the process table
	for _, name := range passedEnv(cmd.Env) {
		args = append(args, "-e", name)
	}

	args = append(args, r.Image, filepath.Base(cmd.Path))
	args = append(args, cmd.Args...)

	return domain.WorkerCommand{
		Path: r.Binary,
		Args: args,
		Env:  cmd.Env,
	}
}

// ContainerName derives a docker-safe container name from a scan id.
func ContainerName(id domain.ScanID) string {
	var b strings.Builder
	b.WriteString("tygr-")
	for _, c := range string(id) {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '.', c == '-':
			b.WriteRune(c)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// passedEnv returns the worker variables present in env, in a stable order.
func passedEnv(env []string) []string {
	set := make(map[string]bool, 4)
	for _, kv := range env {
		name, _, _ := strings.Cut(kv, "=")
		set[name] = true
	}
	var out []string
	for _, name := range []string{domain.EnvModel, domain.EnvAPIKey, domain.EnvAPIBase, domain.EnvPerplexityAPIKey} {
		if set[name] {
			out = append(out, name)
		}
	}
	return out
}
