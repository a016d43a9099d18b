package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/eventpipe/internal/domain"
)

// GroupRepo loads and mutates issue groups.
type GroupRepo struct{ Pool PgxPool }

// NewGroupRepo constructs a GroupRepo with the given pool.
func NewGroupRepo(p PgxPool) *GroupRepo { return &GroupRepo{Pool: p} }

// GetWithRedirect loads a group, following at most one merge redirect: a row
// in group_redirects means the requested id was merged away and events must
// retarget the surviving group.
func (r *GroupRepo) GetWithRedirect(ctx domain.Context, id int64) (*domain.Group, error) {
	tracer := otel.Tracer("repo.groups")
	ctx, span := tracer.Start(ctx, "groups.GetWithRedirect")
	defer span.End()

	g, err := r.get(ctx, id)
	if err == nil {
		return g, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	var targetID int64
	row := r.Pool.QueryRow(ctx, `SELECT group_id FROM group_redirects WHERE previous_group_id=$1`, id)
	if err := row.Scan(&targetID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("op=groups.get_with_redirect: id=%d: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("op=groups.get_with_redirect: %w", err)
	}
	return r.get(ctx, targetID)
}

func (r *GroupRepo) get(ctx domain.Context, id int64) (*domain.Group, error) {
	q := `SELECT id, project_id, status, COALESCE(platform,''), times_seen FROM groups WHERE id=$1`
	var g domain.Group
	row := r.Pool.QueryRow(ctx, q, id)
	if err := row.Scan(&g.ID, &g.ProjectID, &g.Status, &g.Platform, &g.TimesSeen); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("op=groups.get: id=%d: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("op=groups.get: %w", err)
	}
	return &g, nil
}

// UpdateStatus moves a group to a new lifecycle status.
func (r *GroupRepo) UpdateStatus(ctx domain.Context, id int64, status domain.GroupStatus) error {
	tracer := otel.Tracer("repo.groups")
	ctx, span := tracer.Start(ctx, "groups.UpdateStatus")
	defer span.End()
	if _, err := r.Pool.Exec(ctx, `UPDATE groups SET status=$2 WHERE id=$1`, id, status); err != nil {
		return fmt.Errorf("op=groups.update_status: %w", err)
	}
	return nil
}

// PendingTimesSeen returns buffered times_seen increments not yet flushed to
// the group row. Missing buffer rows mean zero pending.
func (r *GroupRepo) PendingTimesSeen(ctx domain.Context, id int64) (int64, error) {
	tracer := otel.Tracer("repo.groups")
	ctx, span := tracer.Start(ctx, "groups.PendingTimesSeen")
	defer span.End()
	var pending int64
	row := r.Pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(delta), 0) FROM group_counter_buffer WHERE group_id=$1 AND column_name='times_seen'`, id)
	if err := row.Scan(&pending); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("op=groups.pending_times_seen: %w", err)
	}
	return pending, nil
}
