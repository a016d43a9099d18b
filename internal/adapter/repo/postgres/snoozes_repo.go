package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/eventpipe/internal/domain"
)

// SnoozeRepo loads and clears group snoozes.
type SnoozeRepo struct{ Pool PgxPool }

func NewSnoozeRepo(p PgxPool) *SnoozeRepo { return &SnoozeRepo{Pool: p} }

func (r *SnoozeRepo) GetByGroup(ctx domain.Context, groupID int64) (*domain.GroupSnooze, error) {
	tracer := otel.Tracer("repo.snoozes")
	ctx, span := tracer.Start(ctx, "snoozes.GetByGroup")
	defer span.End()
	q := `SELECT group_id, until, count, window, user_count, user_window, times_seen_at_snooze
	      FROM group_snoozes WHERE group_id=$1`
	var s domain.GroupSnooze
	row := r.Pool.QueryRow(ctx, q, groupID)
	if err := row.Scan(&s.GroupID, &s.Until, &s.Count, &s.Window, &s.UserCount, &s.UserWindow, &s.TimesSeenAtSnooze); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("op=snoozes.get_by_group: group=%d: %w", groupID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("op=snoozes.get_by_group: %w", err)
	}
	return &s, nil
}

func (r *SnoozeRepo) Delete(ctx domain.Context, groupID int64) error {
	tracer := otel.Tracer("repo.snoozes")
	ctx, span := tracer.Start(ctx, "snoozes.Delete")
	defer span.End()
	if _, err := r.Pool.Exec(ctx, `DELETE FROM group_snoozes WHERE group_id=$1`, groupID); err != nil {
		return fmt.Errorf("op=snoozes.delete: %w", err)
	}
	return nil
}
