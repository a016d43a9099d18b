package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/eventpipe/internal/domain"
)

// ProjectRepo loads projects.
type ProjectRepo struct{ Pool PgxPool }

func NewProjectRepo(p PgxPool) *ProjectRepo { return &ProjectRepo{Pool: p} }

func (r *ProjectRepo) Get(ctx domain.Context, id int64) (*domain.Project, error) {
	tracer := otel.Tracer("repo.projects")
	ctx, span := tracer.Start(ctx, "projects.Get")
	defer span.End()
	var p domain.Project
	row := r.Pool.QueryRow(ctx, `SELECT id, organization_id, slug FROM projects WHERE id=$1`, id)
	if err := row.Scan(&p.ID, &p.OrganizationID, &p.Slug); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("op=projects.get: id=%d: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("op=projects.get: %w", err)
	}
	return &p, nil
}

// OrganizationRepo loads organizations.
type OrganizationRepo struct{ Pool PgxPool }

func NewOrganizationRepo(p PgxPool) *OrganizationRepo { return &OrganizationRepo{Pool: p} }

func (r *OrganizationRepo) Get(ctx domain.Context, id int64) (*domain.Organization, error) {
	tracer := otel.Tracer("repo.organizations")
	ctx, span := tracer.Start(ctx, "organizations.Get")
	defer span.End()
	var o domain.Organization
	row := r.Pool.QueryRow(ctx, `SELECT id, slug FROM organizations WHERE id=$1`, id)
	if err := row.Scan(&o.ID, &o.Slug); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("op=organizations.get: id=%d: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("op=organizations.get: %w", err)
	}
	return &o, nil
}
