package postgres

import (
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/eventpipe/internal/domain"
)

// GroupOwnerRepo persists reconciled owner rows.
type GroupOwnerRepo struct{ Pool PgxPool }

func NewGroupOwnerRepo(p PgxPool) *GroupOwnerRepo { return &GroupOwnerRepo{Pool: p} }

func (r *GroupOwnerRepo) Exists(ctx domain.Context, groupID int64) (bool, error) {
	tracer := otel.Tracer("repo.group_owners")
	ctx, span := tracer.Start(ctx, "group_owners.Exists")
	defer span.End()
	var exists bool
	row := r.Pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM group_owners WHERE group_id=$1)`, groupID)
	if err := row.Scan(&exists); err != nil {
		return false, fmt.Errorf("op=group_owners.exists: %w", err)
	}
	return exists, nil
}

func (r *GroupOwnerRepo) ListBySources(ctx domain.Context, groupID int64, sources []domain.OwnerSource) ([]domain.GroupOwner, error) {
	tracer := otel.Tracer("repo.group_owners")
	ctx, span := tracer.Start(ctx, "group_owners.ListBySources")
	defer span.End()
	q := `SELECT id, group_id, kind, owner_id, source FROM group_owners WHERE group_id=$1 AND source=ANY($2) ORDER BY id`
	rows, err := r.Pool.Query(ctx, q, groupID, sources)
	if err != nil {
		return nil, fmt.Errorf("op=group_owners.list_by_sources: %w", err)
	}
	defer rows.Close()

	var owners []domain.GroupOwner
	for rows.Next() {
		var o domain.GroupOwner
		if err := rows.Scan(&o.ID, &o.GroupID, &o.Kind, &o.OwnerID, &o.Source); err != nil {
			return nil, fmt.Errorf("op=group_owners.list_by_sources: scan: %w", err)
		}
		owners = append(owners, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=group_owners.list_by_sources: rows: %w", err)
	}
	return owners, nil
}

func (r *GroupOwnerRepo) DeleteByID(ctx domain.Context, id int64) error {
	tracer := otel.Tracer("repo.group_owners")
	ctx, span := tracer.Start(ctx, "group_owners.DeleteByID")
	defer span.End()
	if _, err := r.Pool.Exec(ctx, `DELETE FROM group_owners WHERE id=$1`, id); err != nil {
		return fmt.Errorf("op=group_owners.delete: %w", err)
	}
	return nil
}

func (r *GroupOwnerRepo) BulkCreate(ctx domain.Context, owners []domain.GroupOwner) error {
	tracer := otel.Tracer("repo.group_owners")
	ctx, span := tracer.Start(ctx, "group_owners.BulkCreate")
	defer span.End()
	now := time.Now().UTC()
	for _, o := range owners {
		q := `INSERT INTO group_owners (group_id, kind, owner_id, source, date_added) VALUES ($1,$2,$3,$4,$5)`
		if _, err := r.Pool.Exec(ctx, q, o.GroupID, o.Kind, o.OwnerID, o.Source, now); err != nil {
			return fmt.Errorf("op=group_owners.bulk_create: %w", err)
		}
	}
	return nil
}

// GroupAssigneeRepo manages the single assignee of a group.
type GroupAssigneeRepo struct{ Pool PgxPool }

func NewGroupAssigneeRepo(p PgxPool) *GroupAssigneeRepo { return &GroupAssigneeRepo{Pool: p} }

func (r *GroupAssigneeRepo) Exists(ctx domain.Context, groupID int64) (bool, error) {
	tracer := otel.Tracer("repo.group_assignees")
	ctx, span := tracer.Start(ctx, "group_assignees.Exists")
	defer span.End()
	var exists bool
	row := r.Pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM group_assignees WHERE group_id=$1)`, groupID)
	if err := row.Scan(&exists); err != nil {
		return false, fmt.Errorf("op=group_assignees.exists: %w", err)
	}
	return exists, nil
}

// AssignCreateOnly assigns only when the group has no assignee yet. The
// conflict target makes concurrent auto-assignments first-writer-wins.
func (r *GroupAssigneeRepo) AssignCreateOnly(ctx domain.Context, groupID int64, owner domain.Owner, integration string, rule string) (bool, error) {
	tracer := otel.Tracer("repo.group_assignees")
	ctx, span := tracer.Start(ctx, "group_assignees.AssignCreateOnly")
	defer span.End()
	q := `INSERT INTO group_assignees (group_id, assignee_kind, assignee_id, integration, rule, date_added)
	      VALUES ($1,$2,$3,$4,$5,$6) ON CONFLICT (group_id) DO NOTHING`
	tag, err := r.Pool.Exec(ctx, q, groupID, owner.Kind, owner.ID, integration, rule, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("op=group_assignees.assign_create_only: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
