package postprocess

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fairyhunter13/eventpipe/internal/adapter/observability"
	"github.com/fairyhunter13/eventpipe/internal/domain"
)

// processRules evaluates alert rules and fires the matched callbacks. Each
// callback is contained on its own so one broken notification channel cannot
// suppress the rest.
func (p *Pipeline) processRules(ctx context.Context, job *Job) error {
	if job.IsReprocessed {
		return nil
	}
	callbacks, err := p.deps.Rules.Apply(ctx, job.Event, job.State, job.HasReappeared)
	if err != nil {
		return fmt.Errorf("op=processRules: %w", err)
	}
	job.HasAlert = len(callbacks) > 0
	for _, cb := range callbacks {
		p.safeCallback(ctx, job, cb)
	}
	return nil
}

func (p *Pipeline) safeCallback(ctx context.Context, job *Job, cb domain.RuleCallback) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("rule callback panicked",
				slog.Int64("group_id", job.State.ID),
				slog.String("panic", fmt.Sprint(r)))
			observability.StageFailure("process_rules_callback")
		}
	}()
	if err := cb(ctx, job.Event); err != nil {
		slog.Error("rule callback failed",
			slog.Int64("group_id", job.State.ID),
			slog.Any("error", err))
		observability.StageFailure("process_rules_callback")
	}
}
