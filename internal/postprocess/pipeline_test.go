package postprocess

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/eventpipe/internal/domain"
	"github.com/fairyhunter13/eventpipe/internal/policy"
)

// In-memory fakes for every pipeline dependency. The world struct records
// all side effects so tests assert on observable behavior.

type memStore struct {
	mu      sync.Mutex
	entries map[string]map[string]any
}

func (s *memStore) Get(_ context.Context, key string) (map[string]any, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.entries[key]
	return data, ok, nil
}

func (s *memStore) Set(_ context.Context, key string, data map[string]any, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = data
	return nil
}

func (s *memStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

type memCache struct {
	mu      sync.Mutex
	entries map[string][]byte
}

func (c *memCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.entries[key]
	return b, ok, nil
}

func (c *memCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = value
	return nil
}

func (c *memCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

type fakeLocks struct {
	contended map[string]bool
	acquired  []string
}

type fakeLock struct {
	mgr  *fakeLocks
	name string
}

func (m *fakeLocks) Get(name string, _ time.Duration) domain.Lock {
	return &fakeLock{mgr: m, name: name}
}

func (l *fakeLock) Acquire(context.Context) (func(), error) {
	if l.mgr.contended[l.name] {
		return nil, domain.ErrUnableToAcquireLock
	}
	l.mgr.acquired = append(l.mgr.acquired, l.name)
	return func() {}, nil
}

type fakeTasks struct {
	postProcess    []domain.PostProcessGroupTask
	commitContext  []domain.CommitDispatchTask
	suspectCommits []domain.CommitDispatchTask
	serviceHooks   []int64
	resourceChange []domain.ResourceChangeTask
	plugins        []domain.PluginPostProcessTask
}

func (q *fakeTasks) EnqueuePostProcessGroup(_ context.Context, t domain.PostProcessGroupTask) error {
	q.postProcess = append(q.postProcess, t)
	return nil
}

func (q *fakeTasks) EnqueueProcessCommitContext(_ context.Context, t domain.CommitDispatchTask) error {
	q.commitContext = append(q.commitContext, t)
	return nil
}

func (q *fakeTasks) EnqueueProcessSuspectCommits(_ context.Context, t domain.CommitDispatchTask) error {
	q.suspectCommits = append(q.suspectCommits, t)
	return nil
}

func (q *fakeTasks) EnqueueServiceHook(_ context.Context, hookID, _ int64, _ string) error {
	q.serviceHooks = append(q.serviceHooks, hookID)
	return nil
}

func (q *fakeTasks) EnqueueResourceChange(_ context.Context, t domain.ResourceChangeTask) error {
	q.resourceChange = append(q.resourceChange, t)
	return nil
}

func (q *fakeTasks) EnqueuePluginPostProcess(_ context.Context, t domain.PluginPostProcessTask) error {
	q.plugins = append(q.plugins, t)
	return nil
}

type fakeGroups struct {
	groups    map[int64]*domain.Group
	redirects map[int64]int64
	pending   map[int64]int64
	statuses  []domain.GroupStatus
}

func (r *fakeGroups) GetWithRedirect(_ context.Context, id int64) (*domain.Group, error) {
	if target, ok := r.redirects[id]; ok {
		id = target
	}
	g, ok := r.groups[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := *g
	return &copied, nil
}

func (r *fakeGroups) UpdateStatus(_ context.Context, id int64, status domain.GroupStatus) error {
	r.statuses = append(r.statuses, status)
	if g, ok := r.groups[id]; ok {
		g.Status = status
	}
	return nil
}

func (r *fakeGroups) PendingTimesSeen(_ context.Context, id int64) (int64, error) {
	return r.pending[id], nil
}

type fakeProjects struct{ projects map[int64]*domain.Project }

func (r *fakeProjects) Get(_ context.Context, id int64) (*domain.Project, error) {
	p, ok := r.projects[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return p, nil
}

type fakeOrgs struct {
	orgs map[int64]*domain.Organization
}

func (r *fakeOrgs) Get(_ context.Context, id int64) (*domain.Organization, error) {
	o, ok := r.orgs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return o, nil
}

type fakeOwners struct {
	rows    []domain.GroupOwner
	deleted []int64
	created []domain.GroupOwner
}

func (r *fakeOwners) Exists(_ context.Context, groupID int64) (bool, error) {
	for _, row := range r.rows {
		if row.GroupID == groupID {
			return true, nil
		}
	}
	return false, nil
}

func (r *fakeOwners) ListBySources(_ context.Context, groupID int64, _ []domain.OwnerSource) ([]domain.GroupOwner, error) {
	var out []domain.GroupOwner
	for _, row := range r.rows {
		if row.GroupID == groupID {
			out = append(out, row)
		}
	}
	return out, nil
}

func (r *fakeOwners) DeleteByID(_ context.Context, id int64) error {
	r.deleted = append(r.deleted, id)
	return nil
}

func (r *fakeOwners) BulkCreate(_ context.Context, owners []domain.GroupOwner) error {
	r.created = append(r.created, owners...)
	return nil
}

type fakeAssignees struct {
	existing map[int64]bool
	assigned []domain.Owner
	rules    []string
}

func (r *fakeAssignees) Exists(_ context.Context, groupID int64) (bool, error) {
	return r.existing[groupID], nil
}

func (r *fakeAssignees) AssignCreateOnly(_ context.Context, groupID int64, owner domain.Owner, _ string, rule string) (bool, error) {
	if r.existing[groupID] {
		return false, nil
	}
	r.existing[groupID] = true
	r.assigned = append(r.assigned, owner)
	r.rules = append(r.rules, rule)
	return true, nil
}

type fakeOwnership struct{ result domain.AutoAssignment }

func (r *fakeOwnership) GetAutoAssignOwners(context.Context, int64, map[string]any) (domain.AutoAssignment, error) {
	return r.result, nil
}

type fakeSnoozes struct {
	snoozes map[int64]*domain.GroupSnooze
	deleted []int64
}

func (r *fakeSnoozes) GetByGroup(_ context.Context, groupID int64) (*domain.GroupSnooze, error) {
	s, ok := r.snoozes[groupID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return s, nil
}

func (r *fakeSnoozes) Delete(_ context.Context, groupID int64) error {
	r.deleted = append(r.deleted, groupID)
	delete(r.snoozes, groupID)
	return nil
}

type inboxAdd struct {
	groupID int64
	reason  domain.InboxReason
	details map[string]any
}

type fakeInbox struct{ adds []inboxAdd }

func (r *fakeInbox) Add(_ context.Context, groupID int64, reason domain.InboxReason, details map[string]any) error {
	r.adds = append(r.adds, inboxAdd{groupID: groupID, reason: reason, details: details})
	return nil
}

type fakeHistory struct{ records []domain.GroupHistoryStatus }

func (r *fakeHistory) Record(_ context.Context, _ int64, status domain.GroupHistoryStatus) error {
	r.records = append(r.records, status)
	return nil
}

type fakeActivities struct{ created []domain.ActivityType }

func (r *fakeActivities) Create(_ context.Context, _, _ int64, typ domain.ActivityType) error {
	r.created = append(r.created, typ)
	return nil
}

type attachmentBind struct {
	projectID int64
	eventID   string
	groupID   int64
}

type fakeAttachments struct{ binds []attachmentBind }

func (r *fakeAttachments) BindGroup(_ context.Context, projectID int64, eventID string, groupID int64) (int64, error) {
	r.binds = append(r.binds, attachmentBind{projectID: projectID, eventID: eventID, groupID: groupID})
	return 1, nil
}

type fakeCommits struct{ orgsWithCommits map[int64]bool }

func (r *fakeCommits) OrgHasCommits(_ context.Context, orgID int64) (bool, error) {
	return r.orgsWithCommits[orgID], nil
}

type fakeHooks struct{ hooks []domain.ServiceHook }

func (r *fakeHooks) ListByProject(context.Context, int64) ([]domain.ServiceHook, error) {
	return r.hooks, nil
}

func (r *fakeHooks) HasErrorCreatedHook(context.Context, int64) (bool, error) {
	return len(r.hooks) > 0, nil
}

type fakeRules struct {
	callbacks []domain.RuleCallback
	applied   []bool // hasReappeared at apply time
}

func (r *fakeRules) Apply(_ context.Context, _ *domain.Event, _ domain.GroupState, hasReappeared bool) ([]domain.RuleCallback, error) {
	r.applied = append(r.applied, hasReappeared)
	return r.callbacks, nil
}

type fakePlugins struct{ plugins []domain.Plugin }

func (r *fakePlugins) ForProject(context.Context, int64) ([]domain.Plugin, error) {
	return r.plugins, nil
}

type fakeSimilarity struct{ recorded int }

func (r *fakeSimilarity) Record(context.Context, int64, []*domain.Event) error {
	r.recorded++
	return nil
}

type staticFeatures map[string]bool

func (f staticFeatures) Has(feature string, _ int64) bool { return f[feature] }

type staticAssignPolicy struct{ disabled bool }

func (p staticAssignPolicy) AutoAssignDisabled(int64) bool { return p.disabled }

type signalRecord struct {
	name    string
	payload domain.SignalPayload
}

// world aggregates all fakes for one pipeline under test.
type world struct {
	store       *memStore
	cache       *memCache
	locks       *fakeLocks
	tasks       *fakeTasks
	groups      *fakeGroups
	owners      *fakeOwners
	assignees   *fakeAssignees
	ownership   *fakeOwnership
	snoozes     *fakeSnoozes
	inbox       *fakeInbox
	history     *fakeHistory
	activities  *fakeActivities
	attachments *fakeAttachments
	commits     *fakeCommits
	hooks       *fakeHooks
	rules       *fakeRules
	plugins     *fakePlugins
	similarity  *fakeSimilarity
	features    staticFeatures
	policy      staticAssignPolicy
	signals     []signalRecord
	now         time.Time
}

func newWorld() *world {
	return &world{
		store: &memStore{entries: map[string]map[string]any{}},
		cache: &memCache{entries: map[string][]byte{}},
		locks: &fakeLocks{contended: map[string]bool{}},
		tasks: &fakeTasks{},
		groups: &fakeGroups{
			groups: map[int64]*domain.Group{
				43: {ID: 43, ProjectID: 1, Platform: "python", TimesSeen: 10},
			},
			redirects: map[int64]int64{},
			pending:   map[int64]int64{},
		},
		owners:      &fakeOwners{},
		assignees:   &fakeAssignees{existing: map[int64]bool{}},
		ownership:   &fakeOwnership{},
		snoozes:     &fakeSnoozes{snoozes: map[int64]*domain.GroupSnooze{}},
		inbox:       &fakeInbox{},
		history:     &fakeHistory{},
		activities:  &fakeActivities{},
		attachments: &fakeAttachments{},
		commits:     &fakeCommits{orgsWithCommits: map[int64]bool{}},
		hooks:       &fakeHooks{},
		rules:       &fakeRules{},
		plugins:     &fakePlugins{},
		similarity:  &fakeSimilarity{},
		features:    staticFeatures{},
		now:         time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC),
	}
}

func (w *world) pipeline() *Pipeline {
	bus := domain.NewSignalBus()
	for _, name := range []string{domain.SignalEventProcessed, domain.SignalTransactionProcessed, domain.SignalIssueUnignored} {
		name := name
		bus.Connect(name, func(_ context.Context, p domain.SignalPayload) {
			w.signals = append(w.signals, signalRecord{name: name, payload: p})
		})
	}
	return New(Deps{
		Store:       w.store,
		Cache:       w.cache,
		Locks:       w.locks,
		Tasks:       w.tasks,
		Groups:      w.groups,
		Projects:    &fakeProjects{projects: map[int64]*domain.Project{1: {ID: 1, OrganizationID: 10, Slug: "backend"}}},
		Orgs:        &fakeOrgs{orgs: map[int64]*domain.Organization{10: {ID: 10, Slug: "acme"}}},
		GroupOwners: w.owners,
		Assignees:   w.assignees,
		Ownership:   w.ownership,
		Snoozes:     w.snoozes,
		Inbox:       w.inbox,
		History:     w.history,
		Activities:  w.activities,
		Attachments: w.attachments,
		Commits:     w.commits,
		Hooks:       w.hooks,
		Rules:       w.rules,
		Plugins:     w.plugins,
		Similarity:  w.similarity,
		Features:    w.features,
		Policy:      w.policy,
		Signals:     bus,
		Now:         func() time.Time { return w.now },
	})
}

func (w *world) signalNames() []string {
	var names []string
	for _, s := range w.signals {
		names = append(names, s.name)
	}
	return names
}

const pipelineEventID = "fe0ee9a2bc3b415497bad68aaf70dc7f"

func (w *world) seedEvent(data map[string]any) string {
	if data == nil {
		data = map[string]any{}
	}
	if _, ok := data["event_id"]; !ok {
		data["event_id"] = pipelineEventID
	}
	key := domain.CacheKeyForEvent(1, pipelineEventID)
	w.store.entries[key] = data
	return key
}

func taskFor(key string, isNew, isRegression *bool) domain.PostProcessGroupTask {
	groupID := int64(43)
	return domain.PostProcessGroupTask{
		EventID:      pipelineEventID,
		ProjectID:    1,
		GroupID:      &groupID,
		IsNew:        isNew,
		IsRegression: isRegression,
		CacheKey:     key,
	}
}

func ptrBool(v bool) *bool { return &v }

func TestProcess_MissingCacheSkips(t *testing.T) {
	w := newWorld()
	p := w.pipeline()

	err := p.Process(context.Background(), taskFor("e:absent:1", ptrBool(true), nil))
	require.NoError(t, err)

	assert.Empty(t, w.inbox.adds)
	assert.Empty(t, w.signals)
	assert.Empty(t, w.attachments.binds)
}

func TestProcess_ConsumesStoreEntry(t *testing.T) {
	w := newWorld()
	key := w.seedEvent(nil)
	p := w.pipeline()

	require.NoError(t, p.Process(context.Background(), taskFor(key, ptrBool(false), nil)))

	_, ok := w.store.entries[key]
	assert.False(t, ok, "processing store entry must be consumed")

	// Duplicate delivery after consumption is a quiet skip.
	before := len(w.signals)
	require.NoError(t, p.Process(context.Background(), taskFor(key, ptrBool(false), nil)))
	assert.Equal(t, before, len(w.signals))
}

func TestProcess_NewEventFullPass(t *testing.T) {
	w := newWorld()
	key := w.seedEvent(nil)
	p := w.pipeline()

	require.NoError(t, p.Process(context.Background(), taskFor(key, ptrBool(true), nil)))

	require.Len(t, w.inbox.adds, 1)
	assert.Equal(t, domain.InboxReasonNew, w.inbox.adds[0].reason)
	assert.Equal(t, int64(43), w.inbox.adds[0].groupID)

	require.Len(t, w.attachments.binds, 1)
	assert.Equal(t, attachmentBind{projectID: 1, eventID: pipelineEventID, groupID: 43}, w.attachments.binds[0])

	assert.Equal(t, []string{domain.SignalEventProcessed}, w.signalNames())

	// New event without a snooze never counts as reappeared.
	require.Len(t, w.rules.applied, 1)
	assert.False(t, w.rules.applied[0])
}

func TestProcess_InboxReasonPolicy(t *testing.T) {
	cases := []struct {
		name         string
		isNew        *bool
		isRegression *bool
		wantReason   *domain.InboxReason
	}{
		{"new wins", ptrBool(true), ptrBool(true), reasonPtr(domain.InboxReasonNew)},
		{"regression", ptrBool(false), ptrBool(true), reasonPtr(domain.InboxReasonRegression)},
		{"neither", ptrBool(false), ptrBool(false), nil},
		{"null booleans", nil, nil, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := newWorld()
			key := w.seedEvent(nil)
			p := w.pipeline()

			require.NoError(t, p.Process(context.Background(), taskFor(key, tc.isNew, tc.isRegression)))

			if tc.wantReason == nil {
				assert.Empty(t, w.inbox.adds)
			} else {
				require.Len(t, w.inbox.adds, 1)
				assert.Equal(t, *tc.wantReason, w.inbox.adds[0].reason)
			}
		})
	}
}

func reasonPtr(r domain.InboxReason) *domain.InboxReason { return &r }

func TestProcess_GroupStatesOverrideTopLevel(t *testing.T) {
	w := newWorld()
	w.groups.groups[44] = &domain.Group{ID: 44, ProjectID: 1}
	key := w.seedEvent(nil)
	p := w.pipeline()

	task := taskFor(key, ptrBool(false), nil)
	task.GroupStates = domain.GroupStates{
		{ID: 43, IsNew: ptrBool(true)},
		{ID: 44, IsRegression: ptrBool(true)},
	}
	require.NoError(t, p.Process(context.Background(), task))

	// One job per state, each with its own reason.
	require.Len(t, w.inbox.adds, 2)
	assert.Equal(t, domain.InboxReasonNew, w.inbox.adds[0].reason)
	assert.Equal(t, int64(43), w.inbox.adds[0].groupID)
	assert.Equal(t, domain.InboxReasonRegression, w.inbox.adds[1].reason)
	assert.Equal(t, int64(44), w.inbox.adds[1].groupID)

	// event_processed fires once per state job.
	assert.Equal(t, []string{domain.SignalEventProcessed, domain.SignalEventProcessed}, w.signalNames())
}

func TestProcess_MergedGroupRedirects(t *testing.T) {
	w := newWorld()
	w.groups.redirects[99] = 43
	key := w.seedEvent(nil)
	p := w.pipeline()

	task := taskFor(key, ptrBool(false), nil)
	stale := int64(99)
	task.GroupID = &stale
	require.NoError(t, p.Process(context.Background(), task))

	// The event was retargeted onto the surviving group.
	require.Len(t, w.signals, 1)
	assert.Equal(t, int64(43), w.signals[0].payload.Group.ID)
}

func TestProcess_TransactionEmitsSignalAndReturns(t *testing.T) {
	w := newWorld()
	key := w.seedEvent(map[string]any{"type": "transaction"})
	p := w.pipeline()

	require.NoError(t, p.Process(context.Background(), taskFor(key, ptrBool(true), nil)))

	assert.Equal(t, []string{domain.SignalTransactionProcessed}, w.signalNames())
	assert.Empty(t, w.inbox.adds)
	assert.Empty(t, w.attachments.binds)
}

func TestProcess_TransactionWithGroupStatesStopsAfterSignal(t *testing.T) {
	w := newWorld()
	w.features[policy.FeaturePerformanceIssuesPostProcess] = true
	key := w.seedEvent(map[string]any{"type": "transaction"})
	p := w.pipeline()

	task := taskFor(key, ptrBool(true), nil)
	task.GroupStates = domain.GroupStates{{ID: 43, IsNew: ptrBool(true)}}
	require.NoError(t, p.Process(context.Background(), task))

	// Explicit group states mark a performance-issue dispatch, which stops
	// right after the signal even with the feature enabled.
	assert.Equal(t, []string{domain.SignalTransactionProcessed}, w.signalNames())
	assert.Empty(t, w.inbox.adds)
	assert.Empty(t, w.attachments.binds)
}

func TestProcess_TransactionLegacyFormRunsGroupStages(t *testing.T) {
	w := newWorld()
	w.features[policy.FeaturePerformanceIssuesPostProcess] = true
	key := w.seedEvent(map[string]any{"type": "transaction"})
	p := w.pipeline()

	require.NoError(t, p.Process(context.Background(), taskFor(key, ptrBool(true), nil)))

	// With the feature on and only a top-level group id, the transaction
	// falls through into the group stages.
	assert.Equal(t, []string{domain.SignalTransactionProcessed, domain.SignalEventProcessed}, w.signalNames())
	require.Len(t, w.attachments.binds, 1)
}

func TestProcess_ReprocessedEvent(t *testing.T) {
	w := newWorld()
	w.snoozes.snoozes[43] = &domain.GroupSnooze{GroupID: 43}
	w.plugins.plugins = []domain.Plugin{{Slug: "webhooks"}}
	w.commits.orgsWithCommits[10] = true
	key := w.seedEvent(map[string]any{"original_issue_id": float64(7)})
	p := w.pipeline()

	require.NoError(t, p.Process(context.Background(), taskFor(key, ptrBool(true), nil)))

	// Inbox add with the reprocessed reason, attachments rebound, signal
	// emitted; everything in between is skipped.
	require.Len(t, w.inbox.adds, 1)
	assert.Equal(t, domain.InboxReasonReprocessed, w.inbox.adds[0].reason)
	require.Len(t, w.attachments.binds, 1)
	assert.Equal(t, []string{domain.SignalEventProcessed}, w.signalNames())

	assert.Empty(t, w.tasks.plugins)
	assert.Empty(t, w.tasks.suspectCommits)
	assert.Empty(t, w.tasks.commitContext)
	assert.Empty(t, w.snoozes.deleted)
	assert.Empty(t, w.rules.applied)
	assert.Equal(t, 0, w.similarity.recorded)
}

func TestProcess_ReprocessedNotNewSkipsInbox(t *testing.T) {
	w := newWorld()
	key := w.seedEvent(map[string]any{"original_issue_id": float64(7)})
	p := w.pipeline()

	require.NoError(t, p.Process(context.Background(), taskFor(key, ptrBool(false), nil)))

	// Only genuinely new reprocessed groups land in the inbox.
	assert.Empty(t, w.inbox.adds)
}

func TestProcess_StageFailureDoesNotStopOthers(t *testing.T) {
	w := newWorld()
	key := w.seedEvent(nil)
	p := w.pipeline()

	// A panicking rules stage must not prevent the attachment rebind or the
	// final signal.
	w.rules.callbacks = []domain.RuleCallback{
		func(context.Context, *domain.Event) error { panic("broken notifier") },
	}
	require.NoError(t, p.Process(context.Background(), taskFor(key, ptrBool(true), nil)))

	require.Len(t, w.attachments.binds, 1)
	assert.Equal(t, []string{domain.SignalEventProcessed}, w.signalNames())
}

func TestProcess_PluginsFanOut(t *testing.T) {
	w := newWorld()
	w.plugins.plugins = []domain.Plugin{{Slug: "slack"}, {Slug: "jira"}}
	key := w.seedEvent(nil)
	p := w.pipeline()

	require.NoError(t, p.Process(context.Background(), taskFor(key, ptrBool(true), nil)))

	require.Len(t, w.tasks.plugins, 2)
	assert.Equal(t, "slack", w.tasks.plugins[0].PluginSlug)
	assert.True(t, w.tasks.plugins[0].IsNew)
	assert.Equal(t, 1, w.similarity.recorded)
}
