package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	domain "github.com/bryanwahyu/scan-orchestrator/internal/domain/scans"
	"github.com/bryanwahyu/scan-orchestrator/internal/infra/db/dbutil"
)

const schema = `
CREATE TABLE IF NOT EXISTS scan_history (
  scan_id               VARCHAR(128)  NOT NULL,
  run_name              VARCHAR(128)  NOT NULL,
  status                VARCHAR(16)   NOT NULL,
  targets               JSONB         NOT NULL,
  instruction           TEXT          NOT NULL,
  created_at            TIMESTAMPTZ   NOT NULL,
  started_at            TIMESTAMPTZ   NULL,
  completed_at          TIMESTAMPTZ   NULL,
  progress              INTEGER       NOT NULL DEFAULT 0,
  vulnerabilities_found INTEGER       NOT NULL DEFAULT 0,
  agent_count           INTEGER       NOT NULL DEFAULT 0,
  llm_calls             INTEGER       NOT NULL DEFAULT 0,
  tokens_used           BIGINT        NOT NULL DEFAULT 0,
  exit_code             INTEGER       NULL,
  error_message         TEXT          NOT NULL DEFAULT '',
  transcript_url        TEXT          NOT NULL DEFAULT '',
  PRIMARY KEY (scan_id, created_at)
);
CREATE INDEX IF NOT EXISTS idx_scan_history_created ON scan_history (created_at DESC);`

type ScanRepository struct{ db *sql.DB }

func NewScanRepository(db *sql.DB) *ScanRepository { return &ScanRepository{db: db} }

// EnsureSchema bikin tabel scan_history kalau belum ada.
func (r *ScanRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create scan_history: %w", err)
	}
	return nil
}

// Save insert/update Scan record
func (r *ScanRepository) Save(ctx context.Context, s *domain.Scan) error {
	args, err := dbutil.Args(s)
	if err != nil {
		return err
	}
	q := `
INSERT INTO scan_history (` + dbutil.Columns + `)
VALUES (` + placeholders(dbutil.NumColumns) + `)
ON CONFLICT (scan_id, created_at) DO UPDATE SET
 status = EXCLUDED.status,
 started_at = EXCLUDED.started_at,
 completed_at = EXCLUDED.completed_at,
 progress = EXCLUDED.progress,
 vulnerabilities_found = EXCLUDED.vulnerabilities_found,
 agent_count = EXCLUDED.agent_count,
 llm_calls = EXCLUDED.llm_calls,
 tokens_used = EXCLUDED.tokens_used,
 exit_code = EXCLUDED.exit_code,
 error_message = EXCLUDED.error_message,
 transcript_url = EXCLUDED.transcript_url;`

	if _, err := r.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("save scan %s: %w", s.ID, err)
	}
	return nil
}

// Latest returns the newest limit runs.
func (r *ScanRepository) Latest(ctx context.Context, limit int) ([]*domain.Scan, error) {
	if limit <= 0 {
		limit = 20
	}
	q := `
SELECT ` + dbutil.Columns + `
FROM scan_history
ORDER BY created_at DESC, scan_id DESC
LIMIT $1;`
	rows, err := r.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("querying scans: %w", err)
	}
	return dbutil.ScanRows(rows)
}

// placeholders returns "$1,$2,...,$n".
func placeholders(n int) string {
	ps := make([]string, n)
	for i := range ps {
		ps[i] = fmt.Sprintf("$%d", i+1)
	}
	return strings.Join(ps, ",")
}
