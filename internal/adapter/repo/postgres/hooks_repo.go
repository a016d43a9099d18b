package postgres

import (
	"fmt"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/eventpipe/internal/domain"
)

// ServiceHookRepo loads hook subscriptions for event routing.
type ServiceHookRepo struct{ Pool PgxPool }

func NewServiceHookRepo(p PgxPool) *ServiceHookRepo { return &ServiceHookRepo{Pool: p} }

func (r *ServiceHookRepo) ListByProject(ctx domain.Context, projectID int64) ([]domain.ServiceHook, error) {
	tracer := otel.Tracer("repo.service_hooks")
	ctx, span := tracer.Start(ctx, "service_hooks.ListByProject")
	defer span.End()
	q := `SELECT id, events FROM service_hooks WHERE project_id=$1 AND status=0 ORDER BY id`
	rows, err := r.Pool.Query(ctx, q, projectID)
	if err != nil {
		return nil, fmt.Errorf("op=service_hooks.list_by_project: %w", err)
	}
	defer rows.Close()

	var hooks []domain.ServiceHook
	for rows.Next() {
		var h domain.ServiceHook
		if err := rows.Scan(&h.ID, &h.Events); err != nil {
			return nil, fmt.Errorf("op=service_hooks.list_by_project: scan: %w", err)
		}
		hooks = append(hooks, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=service_hooks.list_by_project: rows: %w", err)
	}
	return hooks, nil
}

// HasErrorCreatedHook reports whether any installed app in the org
// subscribes to error.created.
func (r *ServiceHookRepo) HasErrorCreatedHook(ctx domain.Context, orgID int64) (bool, error) {
	tracer := otel.Tracer("repo.service_hooks")
	ctx, span := tracer.Start(ctx, "service_hooks.HasErrorCreatedHook")
	defer span.End()
	var exists bool
	q := `SELECT EXISTS(
	        SELECT 1 FROM service_hooks h
	        JOIN projects p ON p.id = h.project_id
	        WHERE p.organization_id=$1 AND 'error.created'=ANY(h.events)
	      )`
	row := r.Pool.QueryRow(ctx, q, orgID)
	if err := row.Scan(&exists); err != nil {
		return false, fmt.Errorf("op=service_hooks.has_error_created: %w", err)
	}
	return exists, nil
}
