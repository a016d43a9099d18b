package postgres

import (
	"fmt"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/eventpipe/internal/domain"
)

// CommitRepo answers commit-presence queries for commit attribution gating.
type CommitRepo struct{ Pool PgxPool }

func NewCommitRepo(p PgxPool) *CommitRepo { return &CommitRepo{Pool: p} }

func (r *CommitRepo) OrgHasCommits(ctx domain.Context, orgID int64) (bool, error) {
	tracer := otel.Tracer("repo.commits")
	ctx, span := tracer.Start(ctx, "commits.OrgHasCommits")
	defer span.End()
	var exists bool
	row := r.Pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM commits WHERE organization_id=$1)`, orgID)
	if err := row.Scan(&exists); err != nil {
		return false, fmt.Errorf("op=commits.org_has_commits: %w", err)
	}
	return exists, nil
}
