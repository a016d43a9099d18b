package postgres

import (
	"fmt"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/eventpipe/internal/domain"
)

// AttachmentRepo rebinds standalone attachments to their group.
type AttachmentRepo struct{ Pool PgxPool }

func NewAttachmentRepo(p PgxPool) *AttachmentRepo { return &AttachmentRepo{Pool: p} }

// BindGroup attaches group_id to attachments ingested before the event had a
// group, returning how many rows were updated.
func (r *AttachmentRepo) BindGroup(ctx domain.Context, projectID int64, eventID string, groupID int64) (int64, error) {
	tracer := otel.Tracer("repo.attachments")
	ctx, span := tracer.Start(ctx, "attachments.BindGroup")
	defer span.End()
	q := `UPDATE event_attachments SET group_id=$3 WHERE project_id=$1 AND event_id=$2 AND group_id IS NULL`
	tag, err := r.Pool.Exec(ctx, q, projectID, eventID, groupID)
	if err != nil {
		return 0, fmt.Errorf("op=attachments.bind_group: %w", err)
	}
	return tag.RowsAffected(), nil
}
