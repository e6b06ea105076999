// Package dbutil maps scans to and from the scan_history table shared by the
// SQL history drivers.
package dbutil

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	domain "github.com/bryanwahyu/scan-orchestrator/internal/domain/scans"
)

// Columns lists scan_history columns in the order of Args and ScanRow.
const Columns = `scan_id, run_name, status, targets, instruction, created_at, started_at, completed_at,
 progress, vulnerabilities_found, agent_count, llm_calls, tokens_used, exit_code, error_message, transcript_url`

// NumColumns is the number of placeholders an insert of Columns needs.
const NumColumns = 16

// Scanner is satisfied by *sql.Row and *sql.Rows.
type Scanner interface {
	Scan(dest ...any) error
}

// Args returns the insert arguments for s in Columns order.
func Args(s *domain.Scan) ([]any, error) {
	targets := s.Targets
	if targets == nil {
		targets = []domain.TargetInfo{}
	}
	tj, err := json.Marshal(targets)
	if err != nil {
		return nil, fmt.Errorf("encode targets: %w", err)
	}

	var exitCode sql.NullInt64
	if s.ExitCode != nil {
		exitCode = sql.NullInt64{Int64: int64(*s.ExitCode), Valid: true}
	}

	return []any{
		string(s.ID), s.RunName, string(s.Status), string(tj), s.Instruction,
		s.CreatedAt.UTC(), nullTime(s.StartedAt), nullTime(s.CompletedAt),
		s.Progress, s.VulnerabilitiesFound, s.AgentCount, s.LLMCalls, s.TokensUsed,
		exitCode, s.Error, s.TranscriptURL,
	}, nil
}

// ScanRow reads one scan_history row selected with Columns.
func ScanRow(r Scanner) (*domain.Scan, error) {
	var (
		s                  domain.Scan
		targets            []byte
		started, completed sql.NullTime
		exitCode           sql.NullInt64
	)
	if err := r.Scan(
		&s.ID, &s.RunName, &s.Status, &targets, &s.Instruction, &s.CreatedAt, &started, &completed,
		&s.Progress, &s.VulnerabilitiesFound, &s.AgentCount, &s.LLMCalls, &s.TokensUsed,
		&exitCode, &s.Error, &s.TranscriptURL,
	); err != nil {
		return nil, err
	}
	if len(targets) > 0 {
		if err := json.Unmarshal(targets, &s.Targets); err != nil {
			return nil, fmt.Errorf("decode targets of %s: %w", s.ID, err)
		}
	}
	if started.Valid {
		t := started.Time.UTC()
		s.StartedAt = &t
	}
	if completed.Valid {
		t := completed.Time.UTC()
		s.CompletedAt = &t
	}
	if exitCode.Valid {
		c := int(exitCode.Int64)
		s.ExitCode = &c
	}
	s.CreatedAt = s.CreatedAt.UTC()
	return &s, nil
}

// ScanRows drains rows into scans.
func ScanRows(rows *sql.Rows) ([]*domain.Scan, error) {
	defer rows.Close()
	var out []*domain.Scan
	for rows.Next() {
		s, err := ScanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	return out, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
