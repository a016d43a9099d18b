package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidPayload      = errors.New("invalid payload")
	ErrInvalidVersion      = errors.New("invalid version")
	ErrUnexpectedOperation = errors.New("unexpected operation")
	ErrUnableToAcquireLock = errors.New("unable to acquire lock")
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrInternal            = errors.New("internal error")
)

// Known stream protocol versions. The insert format is unchanged between the
// two; they differ only in which non-insert operations they declare as
// unsupported.
const (
	ProtocolVersion1 = 1
	ProtocolVersion2 = 2

	// CurrentProtocolVersion is the version new messages are published with.
	CurrentProtocolVersion = ProtocolVersion2
)

// OperationInsert is the only operation that produces post-processing work.
const OperationInsert = "insert"

// GroupState describes one issue group touched by an event. Booleans are
// pointers because the upstream producer sends explicit nulls which must
// survive a decode/encode round trip.
type GroupState struct {
	ID                    int64 `json:"id"`
	IsNew                 *bool `json:"is_new"`
	IsRegression          *bool `json:"is_regression"`
	IsNewGroupEnvironment *bool `json:"is_new_group_environment"`
}

// GroupStates is the ordered sequence of group states attached to an insert.
type GroupStates []GroupState

// TaskKwargs is the dispatch record decoded from a stream message. It carries
// exactly the arguments the post_process_group task is enqueued with, minus
// the cache key which the forwarder derives.
type TaskKwargs struct {
	EventID               string      `json:"event_id"`
	ProjectID             int64       `json:"project_id"`
	GroupID               *int64      `json:"group_id"`
	PrimaryHash           *string     `json:"primary_hash"`
	IsNew                 *bool       `json:"is_new"`
	IsRegression          *bool       `json:"is_regression"`
	IsNewGroupEnvironment *bool       `json:"is_new_group_environment"`
	GroupStates           GroupStates `json:"group_states,omitempty"`
}

// CacheKey derives the event processing store key for this dispatch record.
// Format matches the ingestion side: e:<event_id>:<project_id>.
func (k TaskKwargs) CacheKey() string {
	return CacheKeyForEvent(k.ProjectID, k.EventID)
}

// CacheKeyForEvent builds the processing-store key under which the ingestion
// pipeline parks the full event body.
func CacheKeyForEvent(projectID int64, eventID string) string {
	return fmt.Sprintf("e:%s:%d", eventID, projectID)
}

// PostProcessGroupTask is the payload of the post_process_group task.
type PostProcessGroupTask struct {
	EventID               string      `json:"event_id"`
	ProjectID             int64       `json:"project_id"`
	GroupID               *int64      `json:"group_id"`
	PrimaryHash           *string     `json:"primary_hash"`
	IsNew                 *bool       `json:"is_new"`
	IsRegression          *bool       `json:"is_regression"`
	IsNewGroupEnvironment *bool       `json:"is_new_group_environment"`
	GroupStates           GroupStates `json:"group_states,omitempty"`
	CacheKey              string      `json:"cache_key"`
}

// Event is an ingested observation rebound from the processing store. Parent
// entities are attached by id re-resolution, never by owning reference, so a
// stale cached parent cannot leak into the pipeline.
type Event struct {
	EventID   string
	ProjectID int64
	GroupID   *int64
	Data      map[string]any

	Project      *Project
	Organization *Organization
	Group        *Group
}

// Type returns the event type recorded in the body, defaulting to "error".
func (e *Event) Type() string {
	if t, ok := e.Data["type"].(string); ok && t != "" {
		return t
	}
	return "error"
}

// IsTransaction reports whether this is a transaction event.
func (e *Event) IsTransaction() bool { return e.Type() == "transaction" }

// Platform returns the event platform, if any.
func (e *Event) Platform() string {
	p, _ := e.Data["platform"].(string)
	return p
}

// IsReprocessed reports whether this event body was produced by a
// reprocessing run. The ingestion side marks such bodies with the id of the
// issue the event originally belonged to.
func (e *Event) IsReprocessed() bool {
	_, ok := e.Data["original_issue_id"]
	return ok
}

// Size approximates the stored body size, used for event-size metrics.
func (e *Event) Size() int {
	if v, ok := e.Data["size"].(float64); ok {
		return int(v)
	}
	return 0
}

// Project and Organization are lightweight cached entities.
type Project struct {
	ID             int64
	OrganizationID int64
	Slug           string
}

type Organization struct {
	ID   int64
	Slug string
}

// GroupStatus mirrors the issue lifecycle states the pipeline touches.
type GroupStatus int

const (
	GroupStatusUnresolved GroupStatus = 0
	GroupStatusResolved   GroupStatus = 1
	GroupStatusIgnored    GroupStatus = 2
)

// Group is a deduplicated cluster of events.
type Group struct {
	ID        int64
	ProjectID int64
	Status    GroupStatus
	Platform  string
	TimesSeen int64

	// TimesSeenPending holds buffered increments not yet flushed to the
	// database. Snooze validity checks include it.
	TimesSeenPending int64
}

// TotalTimesSeen is times_seen including pending buffered increments.
func (g *Group) TotalTimesSeen() int64 { return g.TimesSeen + g.TimesSeenPending }

// GroupSnooze is a user-defined suppression subject to count/window
// thresholds. TimesSeenAtSnooze anchors the count threshold.
type GroupSnooze struct {
	GroupID           int64      `json:"group_id"`
	Until             *time.Time `json:"until"`
	Count             *int64     `json:"count"`
	Window            *int64     `json:"window"`
	UserCount         *int64     `json:"user_count"`
	UserWindow        *int64     `json:"user_window"`
	TimesSeenAtSnooze int64      `json:"times_seen_at_snooze"`
}

// IsValid reports whether the snooze still suppresses the group. A snooze is
// exceeded once its deadline passes or the group has seen Count more events
// since it was snoozed. Window-based user rates are evaluated upstream of
// this model and are treated as still valid here.
func (s *GroupSnooze) IsValid(g *Group, usePendingData bool, now time.Time) bool {
	if s.Until != nil && !s.Until.After(now) {
		return false
	}
	if s.Count != nil {
		seen := g.TimesSeen
		if usePendingData {
			seen = g.TotalTimesSeen()
		}
		if seen-s.TimesSeenAtSnooze >= *s.Count {
			return false
		}
	}
	return true
}

// Details returns the snooze thresholds recorded on UNIGNORED inbox entries.
func (s *GroupSnooze) Details() map[string]any {
	return map[string]any{
		"until":       s.Until,
		"count":       s.Count,
		"window":      s.Window,
		"user_count":  s.UserCount,
		"user_window": s.UserWindow,
	}
}

// InboxReason classifies why a group was added to the inbox.
type InboxReason int

const (
	InboxReasonNew InboxReason = iota
	InboxReasonRegression
	InboxReasonReprocessed
	InboxReasonUnignored
)

func (r InboxReason) String() string {
	switch r {
	case InboxReasonNew:
		return "new"
	case InboxReasonRegression:
		return "regression"
	case InboxReasonReprocessed:
		return "reprocessed"
	case InboxReasonUnignored:
		return "unignored"
	}
	return "unknown"
}

// GroupHistoryStatus records lifecycle transitions for reporting.
type GroupHistoryStatus int

const (
	GroupHistoryUnignored GroupHistoryStatus = iota
)

// ActivityType identifies the activity rows the pipeline creates.
type ActivityType int

const (
	ActivitySetUnresolved ActivityType = iota
)

// OwnerKind distinguishes team owners from user owners.
type OwnerKind string

const (
	OwnerKindTeam OwnerKind = "team"
	OwnerKindUser OwnerKind = "user"
)

// OwnerSource identifies which rule system produced an owner.
type OwnerSource string

const (
	OwnerSourceOwnershipRule OwnerSource = "ownership_rule"
	OwnerSourceCodeowners    OwnerSource = "codeowners"
)

// Owner is one resolved candidate owner for a group.
type Owner struct {
	Kind   OwnerKind
	ID     int64
	Source OwnerSource
}

// Identity is the comparable triple owner reconciliation diffs on.
func (o Owner) Identity() OwnerIdentity {
	return OwnerIdentity{Kind: o.Kind, ID: o.ID, Source: o.Source}
}

// OwnerIdentity is the set key for owner reconciliation.
type OwnerIdentity struct {
	Kind   OwnerKind
	ID     int64
	Source OwnerSource
}

// GroupOwner is a persisted owner row.
type GroupOwner struct {
	ID      int64
	GroupID int64
	Kind    OwnerKind
	OwnerID int64
	Source  OwnerSource
}

// AutoAssignment is the full result of ownership resolution for an event.
type AutoAssignment struct {
	AutoAssign bool
	Owners     []Owner
	// AssignedByCodeowners is true when the first owner came from a
	// CODEOWNERS rule rather than an ownership rule.
	AssignedByCodeowners bool
	Rule                 string
}

// ServiceHook is the subset of a hook the pipeline needs to route events.
type ServiceHook struct {
	ID     int64
	Events []string
}

// Plugin is a project plugin whose post-process task the pipeline enqueues.
type Plugin struct {
	Slug string
}

// Context aliases context.Context so domain signatures stay uniform with the
// rest of the codebase.
type Context = context.Context
