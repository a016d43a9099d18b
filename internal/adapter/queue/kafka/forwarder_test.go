package kafka

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/fairyhunter13/eventpipe/internal/config"
	"github.com/fairyhunter13/eventpipe/internal/domain"
)

type fakeDispatcher struct {
	mu    sync.Mutex
	tasks []domain.PostProcessGroupTask
	fail  error
	calls int
}

func (d *fakeDispatcher) EnqueuePostProcessGroup(_ context.Context, t domain.PostProcessGroupTask) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.fail != nil {
		return d.fail
	}
	d.tasks = append(d.tasks, t)
	return nil
}

type staticOptions map[string]bool

func (o staticOptions) Option(name string) bool { return o[name] }

func insertRecord(t *testing.T, marker string) *kgo.Record {
	t.Helper()
	r := rec(0, 0, string(insertBody(t, 2, defaultTaskState())))
	if marker != "" {
		r.Headers = []kgo.RecordHeader{{Key: "transaction_forwarder", Value: []byte(marker)}}
	}
	return r
}

func runOne(t *testing.T, w *ForwarderWorker, r *kgo.Record) (*Future, bool) {
	t.Helper()
	return w.ProcessMessage(context.Background(), r)
}

func TestForwarderWorker_EntityClaims(t *testing.T) {
	cases := []struct {
		entity  string
		marker  string
		claimed bool
	}{
		{config.EntityAll, "", true},
		{config.EntityAll, "0", true},
		{config.EntityAll, "1", true},
		{config.EntityErrors, "", true},
		{config.EntityErrors, "0", true},
		{config.EntityErrors, "1", false},
		{config.EntityTransactions, "", false},
		{config.EntityTransactions, "0", false},
		{config.EntityTransactions, "1", true},
	}
	for _, tc := range cases {
		w := NewForwarderWorker(ForwarderConfig{Entity: tc.entity, Concurrency: 1},
			&fakeDispatcher{}, staticOptions{})
		f, claimed := runOne(t, w, insertRecord(t, tc.marker))
		assert.Equal(t, tc.claimed, claimed, "entity %s marker %q", tc.entity, tc.marker)
		if claimed {
			require.NoError(t, w.FlushBatch(context.Background(), []*Future{f}))
		}
	}
}

func TestForwarderWorker_DispatchesTask(t *testing.T) {
	d := &fakeDispatcher{}
	w := NewForwarderWorker(ForwarderConfig{Entity: config.EntityAll, Concurrency: 2}, d, staticOptions{})

	f, claimed := runOne(t, w, insertRecord(t, "0"))
	require.True(t, claimed)
	require.NoError(t, w.FlushBatch(context.Background(), []*Future{f}))

	require.Len(t, d.tasks, 1)
	task := d.tasks[0]
	assert.Equal(t, testEventID, task.EventID)
	assert.Equal(t, int64(1), task.ProjectID)
	assert.Equal(t, "e:"+testEventID+":1", task.CacheKey)
	require.NotNil(t, task.GroupID)
	assert.Equal(t, int64(43), *task.GroupID)
	require.Len(t, task.GroupStates, 1)
}

func TestForwarderWorker_SkipConsumeProducesNoTask(t *testing.T) {
	d := &fakeDispatcher{}
	w := NewForwarderWorker(ForwarderConfig{Entity: config.EntityAll, Concurrency: 1}, d, staticOptions{})

	ts := defaultTaskState()
	ts["skip_consume"] = true
	r := rec(0, 0, string(insertBody(t, 2, ts)))

	f, claimed := runOne(t, w, r)
	require.True(t, claimed)
	require.NoError(t, w.FlushBatch(context.Background(), []*Future{f}))
	assert.Empty(t, d.tasks)
}

func TestForwarderWorker_DecodeErrorFailsBatch(t *testing.T) {
	d := &fakeDispatcher{}
	w := NewForwarderWorker(ForwarderConfig{Entity: config.EntityAll, Concurrency: 1}, d, staticOptions{})

	r := rec(0, 0, `[99, "insert", {}, {}]`)
	f, claimed := runOne(t, w, r)
	require.True(t, claimed)

	err := w.FlushBatch(context.Background(), []*Future{f})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidVersion)
	assert.Empty(t, d.tasks)
}

func TestForwarderWorker_HeaderDecodeFallsBackToBody(t *testing.T) {
	d := &fakeDispatcher{}
	w := NewForwarderWorker(ForwarderConfig{Entity: config.EntityAll, Concurrency: 1}, d,
		staticOptions{"post-process-forwarder.kafka-headers": true})

	// Only the classification header is present, so the header codec cannot
	// decode the message and the body codec takes over.
	f, claimed := runOne(t, w, insertRecord(t, "0"))
	require.True(t, claimed)
	require.NoError(t, w.FlushBatch(context.Background(), []*Future{f}))

	require.Len(t, d.tasks, 1)
	assert.Equal(t, testEventID, d.tasks[0].EventID)
}

func TestForwarderWorker_HeadersPreferredWhenComplete(t *testing.T) {
	d := &fakeDispatcher{}
	w := NewForwarderWorker(ForwarderConfig{Entity: config.EntityAll, Concurrency: 1}, d,
		staticOptions{"post-process-forwarder.kafka-headers": true})

	// The body is garbage; only the headers can produce this dispatch.
	r := rec(0, 0, "not json")
	r.Headers = insertHeaderSet()

	f, claimed := runOne(t, w, r)
	require.True(t, claimed)
	require.NoError(t, w.FlushBatch(context.Background(), []*Future{f}))

	require.Len(t, d.tasks, 1)
	assert.Equal(t, testEventID, d.tasks[0].EventID)
}

func TestForwarderWorker_EnqueueRetriesThenFails(t *testing.T) {
	d := &fakeDispatcher{fail: domain.ErrInternal}
	w := NewForwarderWorker(ForwarderConfig{Entity: config.EntityAll, Concurrency: 1, EnqueueMaxTries: 3}, d, staticOptions{})

	f, claimed := runOne(t, w, insertRecord(t, "0"))
	require.True(t, claimed)

	err := w.FlushBatch(context.Background(), []*Future{f})
	require.Error(t, err)
	assert.Equal(t, 3, d.calls)
}
