// repository/repository.go
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// Outcome итог очереди слияния, записанный в журнал
type Outcome string

const (
	OutcomeNone    Outcome = ""
	OutcomeMerged  Outcome = "merged"
	OutcomeAborted Outcome = "aborted"
	OutcomeFailed  Outcome = "failed"
)

// Decision запись журнала решений по одному проходу PR
type Decision struct {
	ID            int64     `json:"id"`
	RunID         uuid.UUID `json:"run_id"`
	Repo          string    `json:"repo"`
	PRNumber      int       `json:"pr_number"`
	HeadSHA       string    `json:"head_sha"`
	Reasons       []string  `json:"reasons"`
	AddLabels     []string  `json:"add_labels"`
	RemoveLabels  []string  `json:"remove_labels"`
	Merge         bool      `json:"merge"`
	DryRun        bool      `json:"dry_run"`
	Outcome       Outcome   `json:"outcome,omitempty"`
	MergeSHA      string    `json:"merge_sha,omitempty"`
	OutcomeReason string    `json:"outcome_reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

type Repository struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// RecordDecision сохраняет решение анализатора и заполняет ID и CreatedAt
func (r *Repository) RecordDecision(ctx context.Context, d *Decision) error {
	if d.Repo == "" || d.PRNumber <= 0 {
		return ErrInvalidInput
	}

	query := `
        INSERT INTO decisions (run_id, repo, pr_number, head_sha, reasons, add_labels, remove_labels, merge, dry_run)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        RETURNING id, created_at
    `
	err := r.pool.QueryRow(ctx, query,
		d.RunID.String(), d.Repo, d.PRNumber, d.HeadSHA,
		nonNil(d.Reasons), nonNil(d.AddLabels), nonNil(d.RemoveLabels),
		d.Merge, d.DryRun,
	).Scan(&d.ID, &d.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert decision: %w", err)
	}
	return nil
}

// RecordMergeOutcome дописывает итог очереди слияния к ранее сохраненному решению
func (r *Repository) RecordMergeOutcome(ctx context.Context, id int64, outcome Outcome, sha, reason string) error {
	query := `UPDATE decisions SET outcome = $1, merge_sha = $2, outcome_reason = $3 WHERE id = $4`
	tag, err := r.pool.Exec(ctx, query, string(outcome), sha, reason, id)
	if err != nil {
		return fmt.Errorf("failed to update merge outcome: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListDecisions последние решения, новые первыми; пустой repo означает все репозитории
func (r *Repository) ListDecisions(ctx context.Context, repo string, limit int) ([]Decision, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	query := `
        SELECT id, run_id, repo, pr_number, head_sha, reasons, add_labels, remove_labels,
               merge, dry_run, outcome, merge_sha, outcome_reason, created_at
        FROM decisions
        WHERE ($1::text = '' OR repo = $1::text)
        ORDER BY created_at DESC, id DESC
        LIMIT $2
    `
	rows, err := r.pool.Query(ctx, query, repo, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list decisions: %w", err)
	}
	defer rows.Close()

	decisions := make([]Decision, 0)
	for rows.Next() {
		var (
			d       Decision
			runID   string
			outcome string
		)
		if err := rows.Scan(
			&d.ID, &runID, &d.Repo, &d.PRNumber, &d.HeadSHA, &d.Reasons, &d.AddLabels, &d.RemoveLabels,
			&d.Merge, &d.DryRun, &outcome, &d.MergeSHA, &d.OutcomeReason, &d.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan decision: %w", err)
		}
		if d.RunID, err = uuid.Parse(runID); err != nil {
			return nil, fmt.Errorf("failed to parse run id %q: %w", runID, err)
		}
		d.Outcome = Outcome(outcome)
		decisions = append(decisions, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate decisions: %w", err)
	}

	return decisions, nil
}

func nonNil(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}
