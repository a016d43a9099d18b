package postprocess

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fairyhunter13/eventpipe/internal/domain"
)

// cachedSnooze is the cache representation of the snooze lookup: either "no
// snooze exists" or the snooze row itself, both cacheable.
type cachedSnooze struct {
	Present bool                `json:"present"`
	Snooze  *domain.GroupSnooze `json:"snooze,omitempty"`
}

// processSnoozes validates a snoozed group against its thresholds. An
// exceeded snooze unignores the group: inbox entry with the threshold
// details, history row, activity, status flip to unresolved, and the
// issue_unignored signal. Valid snoozes mark the group as not reappeared so
// nothing downstream alerts on it.
func (p *Pipeline) processSnoozes(ctx context.Context, job *Job) error {
	if job.IsReprocessed || !job.HasReappeared {
		job.HasReappeared = false
		return nil
	}

	snooze, present, err := p.cachedSnoozeLookup(ctx, job.State.ID)
	if err != nil {
		return err
	}
	if !present {
		job.HasReappeared = false
		return nil
	}
	if snooze.IsValid(job.Event.Group, true, p.deps.Now()) {
		job.HasReappeared = false
		return nil
	}

	// Thresholds exceeded: the group resurfaces.
	if err := p.deps.Inbox.Add(ctx, job.State.ID, domain.InboxReasonUnignored, snooze.Details()); err != nil {
		return fmt.Errorf("op=processSnoozes: inbox: %w", err)
	}
	if err := p.deps.History.Record(ctx, job.State.ID, domain.GroupHistoryUnignored); err != nil {
		return fmt.Errorf("op=processSnoozes: history: %w", err)
	}
	if err := p.deps.Activities.Create(ctx, job.Event.ProjectID, job.State.ID, domain.ActivitySetUnresolved); err != nil {
		return fmt.Errorf("op=processSnoozes: activity: %w", err)
	}
	if err := p.deps.Snoozes.Delete(ctx, job.State.ID); err != nil {
		return fmt.Errorf("op=processSnoozes: delete snooze: %w", err)
	}
	_ = p.deps.Cache.Delete(ctx, snoozeCacheKey(job.State.ID))
	if err := p.deps.Groups.UpdateStatus(ctx, job.State.ID, domain.GroupStatusUnresolved); err != nil {
		return fmt.Errorf("op=processSnoozes: update status: %w", err)
	}
	job.Event.Group.Status = domain.GroupStatusUnresolved

	p.deps.Signals.Send(ctx, domain.SignalIssueUnignored, domain.SignalPayload{
		Event:          job.Event,
		Group:          job.Event.Group,
		TransitionType: "automatic",
		Sender:         "process_snoozes",
	})
	job.HasReappeared = true
	return nil
}

func snoozeCacheKey(groupID int64) string {
	return fmt.Sprintf("snooze:%d", groupID)
}

func (p *Pipeline) cachedSnoozeLookup(ctx context.Context, groupID int64) (*domain.GroupSnooze, bool, error) {
	key := snoozeCacheKey(groupID)
	if b, ok, err := p.deps.Cache.Get(ctx, key); err == nil && ok {
		var cached cachedSnooze
		if err := json.Unmarshal(b, &cached); err == nil {
			return cached.Snooze, cached.Present, nil
		}
	}

	snooze, err := p.deps.Snoozes.GetByGroup(ctx, groupID)
	cached := cachedSnooze{}
	switch {
	case err == nil:
		cached = cachedSnooze{Present: true, Snooze: snooze}
	case errors.Is(err, domain.ErrNotFound):
		// absence is cacheable too
	default:
		return nil, false, fmt.Errorf("op=cachedSnoozeLookup: %w", err)
	}
	if b, err := json.Marshal(cached); err == nil {
		_ = p.deps.Cache.Set(ctx, key, b, snoozeTTL)
	}
	return cached.Snooze, cached.Present, nil
}
