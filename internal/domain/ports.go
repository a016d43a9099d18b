package domain

import "time"

// Cache is the short-TTL idempotency cache. Values are opaque bytes; callers
// JSON-encode structured values. No atomicity is required across keys.
type Cache interface {
	Get(ctx Context, key string) ([]byte, bool, error)
	Set(ctx Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx Context, key string) error
}

// Lock is a named lease. Acquire is non-blocking: it either succeeds and
// returns a release func, or fails with ErrUnableToAcquireLock. There is no
// automatic renewal; critical sections must finish within the lease TTL.
type Lock interface {
	Acquire(ctx Context) (release func(), err error)
}

// LockManager hands out named distributed locks.
type LockManager interface {
	Get(name string, ttl time.Duration) Lock
}

// ProcessingStore holds full event bodies between ingestion and
// post-processing, keyed by cache key. Get returns (nil, false, nil) when the
// entry is absent, which the pipeline treats as "already processed".
type ProcessingStore interface {
	Get(ctx Context, key string) (map[string]any, bool, error)
	Set(ctx Context, key string, data map[string]any, ttl time.Duration) error
	Delete(ctx Context, key string) error
}

// CommitDispatchTask carries the arguments of the commit attribution tasks.
type CommitDispatchTask struct {
	EventID       string   `json:"event_id"`
	EventPlatform string   `json:"event_platform"`
	EventFrames   []string `json:"event_frames"`
	GroupID       int64    `json:"group_id"`
	ProjectID     int64    `json:"project_id"`
	SDKName       string   `json:"sdk_name"`
}

// ResourceChangeTask carries a created/updated/deleted change notification
// for installed-app webhooks.
type ResourceChangeTask struct {
	Action     string `json:"action"`
	Sender     string `json:"sender"`
	InstanceID string `json:"instance_id"`
}

// PluginPostProcessTask carries one plugin's post-process dispatch.
type PluginPostProcessTask struct {
	PluginSlug   string `json:"plugin_slug"`
	EventID      string `json:"event_id"`
	ProjectID    int64  `json:"project_id"`
	GroupID      *int64 `json:"group_id"`
	IsNew        bool   `json:"is_new"`
	IsRegression bool   `json:"is_regression"`
}

// TaskQueue is the asynchronous task system boundary. The pipeline and the
// forwarder only enqueue; execution, retry and time limits belong to the task
// system.
type TaskQueue interface {
	EnqueuePostProcessGroup(ctx Context, t PostProcessGroupTask) error
	EnqueueProcessCommitContext(ctx Context, t CommitDispatchTask) error
	EnqueueProcessSuspectCommits(ctx Context, t CommitDispatchTask) error
	EnqueueServiceHook(ctx Context, hookID int64, projectID int64, eventID string) error
	EnqueueResourceChange(ctx Context, t ResourceChangeTask) error
	EnqueuePluginPostProcess(ctx Context, t PluginPostProcessTask) error
}

// GroupRepository resolves and mutates issue groups.
type GroupRepository interface {
	// GetWithRedirect follows merge redirects so that events pointed at a
	// merged-away group transparently retarget the surviving group.
	GetWithRedirect(ctx Context, id int64) (*Group, error)
	UpdateStatus(ctx Context, id int64, status GroupStatus) error
	// PendingTimesSeen returns buffered times_seen increments not yet
	// flushed to the group row.
	PendingTimesSeen(ctx Context, id int64) (int64, error)
}

type ProjectRepository interface {
	Get(ctx Context, id int64) (*Project, error)
}

type OrganizationRepository interface {
	Get(ctx Context, id int64) (*Organization, error)
}

// GroupOwnerRepository persists reconciled owner rows.
type GroupOwnerRepository interface {
	Exists(ctx Context, groupID int64) (bool, error)
	ListBySources(ctx Context, groupID int64, sources []OwnerSource) ([]GroupOwner, error)
	DeleteByID(ctx Context, id int64) error
	BulkCreate(ctx Context, owners []GroupOwner) error
}

// GroupAssigneeRepository manages the single assignee of a group.
type GroupAssigneeRepository interface {
	Exists(ctx Context, groupID int64) (bool, error)
	// AssignCreateOnly assigns only when the group has no assignee yet and
	// reports whether a new assignment was created.
	AssignCreateOnly(ctx Context, groupID int64, owner Owner, integration string, rule string) (bool, error)
}

// OwnershipResolver computes candidate owners for an event from ownership
// rules and CODEOWNERS.
type OwnershipResolver interface {
	GetAutoAssignOwners(ctx Context, projectID int64, eventData map[string]any) (AutoAssignment, error)
}

type SnoozeRepository interface {
	GetByGroup(ctx Context, groupID int64) (*GroupSnooze, error)
	Delete(ctx Context, groupID int64) error
}

type InboxRepository interface {
	Add(ctx Context, groupID int64, reason InboxReason, details map[string]any) error
}

type GroupHistoryRepository interface {
	Record(ctx Context, groupID int64, status GroupHistoryStatus) error
}

type ActivityRepository interface {
	Create(ctx Context, projectID, groupID int64, typ ActivityType) error
}

type AttachmentRepository interface {
	// BindGroup attaches group_id to attachments previously ingested
	// standalone for this (project, event).
	BindGroup(ctx Context, projectID int64, eventID string, groupID int64) (int64, error)
}

type CommitRepository interface {
	OrgHasCommits(ctx Context, orgID int64) (bool, error)
}

type ServiceHookRepository interface {
	ListByProject(ctx Context, projectID int64) ([]ServiceHook, error)
	HasErrorCreatedHook(ctx Context, orgID int64) (bool, error)
}

// RuleCallback is one alert-rule action ready to fire.
type RuleCallback func(ctx Context, event *Event) error

// RuleProcessor evaluates alert rules for an event. A non-empty callback list
// means at least one rule matched.
type RuleProcessor interface {
	Apply(ctx Context, event *Event, state GroupState, hasReappeared bool) ([]RuleCallback, error)
}

type PluginRegistry interface {
	ForProject(ctx Context, projectID int64) ([]Plugin, error)
}

type SimilarityIndex interface {
	Record(ctx Context, projectID int64, events []*Event) error
}

// FeatureChecker answers organization/project feature flag queries.
type FeatureChecker interface {
	Has(feature string, id int64) bool
}

// EventStreamPolicy is the runtime policy surface consulted per publish.
type EventStreamPolicy interface {
	// UseNewTransactionsTopic routes a project's transactions to the
	// migration-destination topic.
	UseNewTransactionsTopic(projectID int64) bool
	// UseRandomPartitions drops the semantic partition key for a project's
	// messages of the given type.
	UseRandomPartitions(projectID int64, messageType string) bool
	// Option reads a named global toggle, e.g. eventstream.kafka-headers.
	Option(name string) bool
}
