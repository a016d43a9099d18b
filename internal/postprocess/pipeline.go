// Package postprocess implements the post-ingestion pipeline executed for
// every event dispatched by the forwarders.
package postprocess

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/eventpipe/internal/adapter/observability"
	"github.com/fairyhunter13/eventpipe/internal/domain"
	"github.com/fairyhunter13/eventpipe/internal/policy"
)

// Cache TTLs and lock leases used across stages.
const (
	ownerExistsTTL        = time.Hour
	ownerAbsentTTL        = time.Minute
	serviceHooksTTL       = time.Minute
	errorCreatedHookTTL   = time.Minute
	orgHasCommitTTL       = time.Hour
	commitDispatchedTTL   = 7 * 24 * time.Hour
	snoozeTTL             = time.Hour
	lockTTL               = 10 * time.Second
	groupOwnerLockPrefix  = "groupowner-bulk"
	commitLockPrefix      = "post-process-commit"
	integrationCodeowners = "codeowners"
	integrationOwnership  = "projectOwnership"
)

// AssignPolicy is the killswitch surface the owner stage consults.
type AssignPolicy interface {
	AutoAssignDisabled(projectID int64) bool
}

// Deps wires every collaborator the pipeline needs. All fields are required;
// use the Noop* implementations for subsystems a deployment does not run.
type Deps struct {
	Store       domain.ProcessingStore
	Cache       domain.Cache
	Locks       domain.LockManager
	Tasks       domain.TaskQueue
	Groups      domain.GroupRepository
	Projects    domain.ProjectRepository
	Orgs        domain.OrganizationRepository
	GroupOwners domain.GroupOwnerRepository
	Assignees   domain.GroupAssigneeRepository
	Ownership   domain.OwnershipResolver
	Snoozes     domain.SnoozeRepository
	Inbox       domain.InboxRepository
	History     domain.GroupHistoryRepository
	Activities  domain.ActivityRepository
	Attachments domain.AttachmentRepository
	Commits     domain.CommitRepository
	Hooks       domain.ServiceHookRepository
	Rules       domain.RuleProcessor
	Plugins     domain.PluginRegistry
	Similarity  domain.SimilarityIndex
	Features    domain.FeatureChecker
	Policy      AssignPolicy
	Signals     *domain.SignalBus

	// Now is the clock, overridable in tests.
	Now func() time.Time
}

// Job is the per-group-state unit of pipeline work.
type Job struct {
	Event         *domain.Event
	State         domain.GroupState
	IsReprocessed bool
	// HasReappeared starts as the negation of is_new and is refined by the
	// snooze stage; downstream stages and alert rules read it.
	HasReappeared bool
	// HasAlert is set by the rules stage when at least one rule fired.
	HasAlert bool
}

type stage struct {
	name string
	run  func(ctx context.Context, job *Job) error
}

// Pipeline runs the fixed stage sequence for error-category events.
type Pipeline struct {
	deps   Deps
	stages []stage
}

// New builds the pipeline with its canonical stage order.
func New(deps Deps) *Pipeline {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	p := &Pipeline{deps: deps}
	p.stages = []stage{
		{"capture_group_stats", p.captureGroupStats},
		{"process_snoozes", p.processSnoozes},
		{"process_inbox_adds", p.processInboxAdds},
		{"handle_owner_assignment", p.handleOwnerAssignment},
		{"process_rules", p.processRules},
		{"process_commits", p.processCommits},
		{"process_service_hooks", p.processServiceHooks},
		{"process_resource_change_bounds", p.processResourceChangeBounds},
		{"process_plugins", p.processPlugins},
		{"process_similarity", p.processSimilarity},
		{"update_existing_attachments", p.updateExistingAttachments},
		{"fire_error_processed", p.fireErrorProcessed},
	}
	return p
}

// Process executes the pipeline for one dispatched event. A missing
// processing-store entry means a duplicate delivery of an already-processed
// event and is skipped quietly. Stage failures are contained per stage; only
// entry-phase failures (store, entity resolution) propagate and retry the
// whole task.
func (p *Pipeline) Process(ctx context.Context, t domain.PostProcessGroupTask) error {
	logger := observability.LoggerFromContext(ctx).With(slog.String("cache_key", t.CacheKey))

	data, ok, err := p.deps.Store.Get(ctx, t.CacheKey)
	if err != nil {
		return fmt.Errorf("op=Pipeline.Process: store get: %w", err)
	}
	if !ok {
		logger.Info("skipping post processing, event not found in processing store")
		observability.PostProcessSkippedTotal.WithLabelValues("missing_cache").Inc()
		return nil
	}

	event := &domain.Event{
		EventID:   t.EventID,
		ProjectID: t.ProjectID,
		GroupID:   t.GroupID,
		Data:      data,
	}
	if event.EventID == "" {
		if id, ok := data["event_id"].(string); ok {
			event.EventID = id
		}
	}

	// The entry is consumed exactly once: delete before doing any work so a
	// retry of a partially processed task skips instead of re-running every
	// stage.
	if err := p.deps.Store.Delete(ctx, t.CacheKey); err != nil {
		logger.Warn("could not delete processing store entry", slog.Any("error", err))
	}

	// Parent entities are re-resolved by id, never trusted from the stored
	// body, so a stale cached parent cannot leak in.
	project, err := p.deps.Projects.Get(ctx, event.ProjectID)
	if err != nil {
		return fmt.Errorf("op=Pipeline.Process: project: %w", err)
	}
	event.Project = project
	org, err := p.deps.Orgs.Get(ctx, project.OrganizationID)
	if err != nil {
		return fmt.Errorf("op=Pipeline.Process: organization: %w", err)
	}
	event.Organization = org

	if event.IsTransaction() {
		p.deps.Signals.Send(ctx, domain.SignalTransactionProcessed, domain.SignalPayload{
			Event:  event,
			Sender: "post_process_group",
		})
		if !p.deps.Features.Has(policy.FeaturePerformanceIssuesPostProcess, org.ID) {
			return nil
		}
		// Dispatches carrying explicit group_states are performance issues,
		// which stop here; only the legacy top-level-field form falls
		// through into the group stages.
		if t.GroupStates != nil {
			return nil
		}
		if t.GroupID == nil {
			return nil
		}
	}

	if t.GroupID == nil && t.GroupStates == nil {
		logger.Warn("dropping event without group")
		observability.PostProcessSkippedTotal.WithLabelValues("missing_group").Inc()
		return nil
	}

	group, err := p.deps.Groups.GetWithRedirect(ctx, p.primaryGroupID(t))
	if err != nil {
		return fmt.Errorf("op=Pipeline.Process: group: %w", err)
	}
	event.Group = group
	event.GroupID = &group.ID
	if pending, err := p.deps.Groups.PendingTimesSeen(ctx, group.ID); err == nil {
		group.TimesSeenPending = pending
	} else {
		logger.Warn("could not load pending times_seen", slog.Any("error", err))
	}

	isReprocessed := event.IsReprocessed()
	for _, state := range p.groupStates(t) {
		job := &Job{
			Event:         event,
			State:         state,
			IsReprocessed: isReprocessed,
			HasReappeared: !boolVal(state.IsNew),
		}
		p.runJob(ctx, job)
	}
	return nil
}

// primaryGroupID prefers the explicit group_id, falling back to the first
// group state.
func (p *Pipeline) primaryGroupID(t domain.PostProcessGroupTask) int64 {
	if t.GroupID != nil {
		return *t.GroupID
	}
	return t.GroupStates[0].ID
}

// groupStates normalizes the task to a non-empty state list: older producers
// send only the top-level booleans, which describe the single group.
func (p *Pipeline) groupStates(t domain.PostProcessGroupTask) domain.GroupStates {
	if len(t.GroupStates) > 0 {
		return t.GroupStates
	}
	return domain.GroupStates{{
		ID:                    p.primaryGroupID(t),
		IsNew:                 t.IsNew,
		IsRegression:          t.IsRegression,
		IsNewGroupEnvironment: t.IsNewGroupEnvironment,
	}}
}

// runJob runs every stage with failure containment: a failing or panicking
// stage is logged and counted, and the remaining stages still run.
func (p *Pipeline) runJob(ctx context.Context, job *Job) {
	for _, s := range p.stages {
		p.runStage(ctx, s, job)
	}
}

func (p *Pipeline) runStage(ctx context.Context, s stage, job *Job) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("pipeline stage panicked",
				slog.String("stage", s.name),
				slog.Int64("group_id", job.State.ID),
				slog.String("panic", fmt.Sprint(r)))
			observability.StageFailure(s.name)
		}
	}()
	if err := s.run(ctx, job); err != nil {
		slog.Error("pipeline stage failed",
			slog.String("stage", s.name),
			slog.Int64("group_id", job.State.ID),
			slog.Any("error", err))
		observability.StageFailure(s.name)
	}
}

func boolVal(b *bool) bool { return b != nil && *b }

func cachedBool(v []byte) bool { return len(v) > 0 && v[0] == '1' }

func encodeBool(v bool) []byte {
	if v {
		return []byte("1")
	}
	return []byte("0")
}
