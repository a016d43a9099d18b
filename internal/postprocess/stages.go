package postprocess

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fairyhunter13/eventpipe/internal/adapter/observability"
	"github.com/fairyhunter13/eventpipe/internal/domain"
	"github.com/fairyhunter13/eventpipe/internal/policy"
)

// captureGroupStats counts processed and first-seen events per platform.
// Events without a platform contribute no stats at all.
func (p *Pipeline) captureGroupStats(_ context.Context, job *Job) error {
	if job.Event.IsTransaction() {
		return nil
	}
	platform := platformTag(job.Event.Platform())
	if platform == "" {
		return nil
	}
	observability.EventsProcessedTotal.WithLabelValues(platform).Inc()
	if boolVal(job.State.IsNew) {
		observability.EventsUniqueTotal.WithLabelValues(platform).Inc()
	}
	return nil
}

// platformTag reduces a platform like "python-django" to its family for
// low-cardinality metric labels. Empty stays empty.
func platformTag(platform string) string {
	if i := strings.IndexAny(platform, "-_"); i > 0 {
		return platform[:i]
	}
	return platform
}

// processInboxAdds marks groups for review. New reprocessed groups land in
// the inbox under their own reason; live traffic only adds genuinely new or
// escalated groups, and a group that just reappeared already got its
// UNIGNORED entry from the snooze stage.
func (p *Pipeline) processInboxAdds(ctx context.Context, job *Job) error {
	if job.IsReprocessed {
		if boolVal(job.State.IsNew) {
			return p.deps.Inbox.Add(ctx, job.State.ID, domain.InboxReasonReprocessed, nil)
		}
		return nil
	}
	if job.HasReappeared {
		return nil
	}
	switch {
	case boolVal(job.State.IsNew):
		return p.deps.Inbox.Add(ctx, job.State.ID, domain.InboxReasonNew, nil)
	case boolVal(job.State.IsRegression):
		return p.deps.Inbox.Add(ctx, job.State.ID, domain.InboxReasonRegression, nil)
	}
	return nil
}

// processServiceHooks enqueues hook deliveries for subscribed projects.
func (p *Pipeline) processServiceHooks(ctx context.Context, job *Job) error {
	if job.IsReprocessed {
		return nil
	}
	if !p.deps.Features.Has(policy.FeatureServiceHooks, job.Event.ProjectID) {
		return nil
	}

	allowed := map[string]bool{"event.created": true}
	if job.HasAlert {
		allowed["event.alert"] = true
	}

	hooks, err := p.cachedHooks(ctx, job.Event.ProjectID)
	if err != nil {
		return err
	}
	for _, hook := range hooks {
		for _, ev := range hook.Events {
			if allowed[ev] {
				if err := p.deps.Tasks.EnqueueServiceHook(ctx, hook.ID, job.Event.ProjectID, job.Event.EventID); err != nil {
					return err
				}
				break
			}
		}
	}
	return nil
}

func (p *Pipeline) cachedHooks(ctx context.Context, projectID int64) ([]domain.ServiceHook, error) {
	key := fmt.Sprintf("servicehooks:%d", projectID)
	if b, ok, err := p.deps.Cache.Get(ctx, key); err == nil && ok {
		return decodeHooks(b)
	}
	hooks, err := p.deps.Hooks.ListByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if b, err := encodeHooks(hooks); err == nil {
		_ = p.deps.Cache.Set(ctx, key, b, serviceHooksTTL)
	}
	return hooks, nil
}

func encodeHooks(hooks []domain.ServiceHook) ([]byte, error) {
	return json.Marshal(hooks)
}

func decodeHooks(b []byte) ([]domain.ServiceHook, error) {
	var hooks []domain.ServiceHook
	if err := json.Unmarshal(b, &hooks); err != nil {
		return nil, fmt.Errorf("op=decodeHooks: %w", err)
	}
	return hooks, nil
}

// processResourceChangeBounds notifies installed apps about created
// resources: every new error, and the group itself when first seen.
func (p *Pipeline) processResourceChangeBounds(ctx context.Context, job *Job) error {
	if job.IsReprocessed {
		return nil
	}
	if job.Event.Type() == "error" && p.shouldSendErrorCreated(ctx, job.Event) {
		if err := p.deps.Tasks.EnqueueResourceChange(ctx, domain.ResourceChangeTask{
			Action:     "created",
			Sender:     "Error",
			InstanceID: job.Event.EventID,
		}); err != nil {
			return err
		}
	}
	if boolVal(job.State.IsNew) {
		return p.deps.Tasks.EnqueueResourceChange(ctx, domain.ResourceChangeTask{
			Action:     "created",
			Sender:     "Group",
			InstanceID: fmt.Sprintf("%d", job.State.ID),
		})
	}
	return nil
}

// shouldSendErrorCreated is cached per project: the answer requires an org
// feature check plus a hook subscription query, far too heavy per event.
func (p *Pipeline) shouldSendErrorCreated(ctx context.Context, event *domain.Event) bool {
	key := fmt.Sprintf("servicehooks-error-created:%d", event.ProjectID)
	if b, ok, err := p.deps.Cache.Get(ctx, key); err == nil && ok {
		return cachedBool(b)
	}

	send := false
	if p.deps.Features.Has(policy.FeatureEventHooks, event.Organization.ID) {
		has, err := p.deps.Hooks.HasErrorCreatedHook(ctx, event.Organization.ID)
		if err == nil {
			send = has
		}
	}
	_ = p.deps.Cache.Set(ctx, key, encodeBool(send), errorCreatedHookTTL)
	return send
}

// processPlugins fans the event out to project plugins, each in its own task
// so one broken plugin cannot block the others.
func (p *Pipeline) processPlugins(ctx context.Context, job *Job) error {
	if job.IsReprocessed {
		return nil
	}
	plugins, err := p.deps.Plugins.ForProject(ctx, job.Event.ProjectID)
	if err != nil {
		return err
	}
	for _, plugin := range plugins {
		if err := p.deps.Tasks.EnqueuePluginPostProcess(ctx, domain.PluginPostProcessTask{
			PluginSlug:   plugin.Slug,
			EventID:      job.Event.EventID,
			ProjectID:    job.Event.ProjectID,
			GroupID:      job.Event.GroupID,
			IsNew:        boolVal(job.State.IsNew),
			IsRegression: boolVal(job.State.IsRegression),
		}); err != nil {
			return err
		}
	}
	return nil
}

// processSimilarity feeds the event into the similarity index.
func (p *Pipeline) processSimilarity(ctx context.Context, job *Job) error {
	if job.IsReprocessed {
		return nil
	}
	return p.deps.Similarity.Record(ctx, job.Event.ProjectID, []*domain.Event{job.Event})
}

// updateExistingAttachments rebinds attachments that were ingested before the
// event had a group. Runs for reprocessed events too; attachment rows must
// follow the event to its new group.
func (p *Pipeline) updateExistingAttachments(ctx context.Context, job *Job) error {
	_, err := p.deps.Attachments.BindGroup(ctx, job.Event.ProjectID, job.Event.EventID, job.State.ID)
	return err
}

// fireErrorProcessed emits the event_processed signal.
func (p *Pipeline) fireErrorProcessed(ctx context.Context, job *Job) error {
	p.deps.Signals.Send(ctx, domain.SignalEventProcessed, domain.SignalPayload{
		Event:  job.Event,
		Group:  job.Event.Group,
		Sender: "post_process_group",
	})
	return nil
}
