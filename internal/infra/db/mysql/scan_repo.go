package mysql

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
  targets               JSON          NOT NULL,
  instruction           TEXT          NOT NULL,
  created_at            DATETIME(6)   NOT NULL,
  started_at            DATETIME(6)   NULL,
  completed_at          DATETIME(6)   NULL,
  progress              INT           NOT NULL DEFAULT 0,
  vulnerabilities_found INT           NOT NULL DEFAULT 0,
  agent_count           INT           NOT NULL DEFAULT 0,
  llm_calls             INT           NOT NULL DEFAULT 0,
  tokens_used           BIGINT        NOT NULL DEFAULT 0,
  exit_code             INT           NULL,
  error_message         TEXT          NOT NULL,
  transcript_url        VARCHAR(1024) NOT NULL DEFAULT '',
  PRIMARY KEY (scan_id, created_at),
  KEY idx_scan_history_created (created_at)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;`

// ScanRepository is the MySQL history sink. One row per run; a run name that
// is reused later gets a new row keyed by its creation time.
type ScanRepository struct {
	db *sql.DB
}

func NewScanRepository(db *sql.DB) *ScanRepository {
	return &ScanRepository{db: db}
}

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
VALUES (` + strings.TrimSuffix(strings.Repeat("?,", dbutil.NumColumns), ",") + `)
ON DUPLICATE KEY UPDATE
 status=VALUES(status),
 started_at=VALUES(started_at), completed_at=VALUES(completed_at),
 progress=VALUES(progress), vulnerabilities_found=VALUES(vulnerabilities_found),
 agent_count=VALUES(agent_count), llm_calls=VALUES(llm_calls), tokens_used=VALUES(tokens_used),
 exit_code=VALUES(exit_code), error_message=VALUES(error_message), transcript_url=VALUES(transcript_url);`

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
LIMIT ?;`
	rows, err := r.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("querying scans: %w", err)
	}
	return dbutil.ScanRows(rows)
}
