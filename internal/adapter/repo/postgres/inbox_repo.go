package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/eventpipe/internal/domain"
)

// InboxRepo records for-review entries for groups.
type InboxRepo struct{ Pool PgxPool }

func NewInboxRepo(p PgxPool) *InboxRepo { return &InboxRepo{Pool: p} }

// Add inserts an inbox row unless the group already has one. Details, when
// present, document why the group resurfaced (snooze thresholds and the
// like).
func (r *InboxRepo) Add(ctx domain.Context, groupID int64, reason domain.InboxReason, details map[string]any) error {
	tracer := otel.Tracer("repo.group_inbox")
	ctx, span := tracer.Start(ctx, "group_inbox.Add")
	defer span.End()

	var detailsJSON []byte
	if details != nil {
		var err error
		if detailsJSON, err = json.Marshal(details); err != nil {
			return fmt.Errorf("op=group_inbox.add: encode details: %w", err)
		}
	}
	q := `INSERT INTO group_inbox (group_id, reason, reason_details, date_added)
	      VALUES ($1,$2,$3,$4) ON CONFLICT (group_id) DO NOTHING`
	if _, err := r.Pool.Exec(ctx, q, groupID, reason.String(), detailsJSON, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=group_inbox.add: %w", err)
	}
	return nil
}

// GroupHistoryRepo records lifecycle transitions for reporting.
type GroupHistoryRepo struct{ Pool PgxPool }

func NewGroupHistoryRepo(p PgxPool) *GroupHistoryRepo { return &GroupHistoryRepo{Pool: p} }

func (r *GroupHistoryRepo) Record(ctx domain.Context, groupID int64, status domain.GroupHistoryStatus) error {
	tracer := otel.Tracer("repo.group_history")
	ctx, span := tracer.Start(ctx, "group_history.Record")
	defer span.End()
	q := `INSERT INTO group_history (group_id, status, date_added) VALUES ($1,$2,$3)`
	if _, err := r.Pool.Exec(ctx, q, groupID, status, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=group_history.record: %w", err)
	}
	return nil
}

// ActivityRepo creates the activity rows the pipeline emits.
type ActivityRepo struct{ Pool PgxPool }

func NewActivityRepo(p PgxPool) *ActivityRepo { return &ActivityRepo{Pool: p} }

func (r *ActivityRepo) Create(ctx domain.Context, projectID, groupID int64, typ domain.ActivityType) error {
	tracer := otel.Tracer("repo.activity")
	ctx, span := tracer.Start(ctx, "activity.Create")
	defer span.End()
	q := `INSERT INTO activity (project_id, group_id, type, datetime) VALUES ($1,$2,$3,$4)`
	if _, err := r.Pool.Exec(ctx, q, projectID, groupID, typ, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=activity.create: %w", err)
	}
	return nil
}
