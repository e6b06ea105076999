package process

import domain "github.com/bryanwahyu/scan-orchestrator/internal/domain/scans"

// SetBeforeStart installs a hook that runs right before a worker is forked.
func (s *Supervisor) SetBeforeStart(fn func(domain.ScanID)) { s.beforeStart = fn }
