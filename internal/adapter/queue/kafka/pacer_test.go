package kafka

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tp(partition int32) TopicPartition {
	return TopicPartition{Topic: "events", Partition: partition}
}

func TestPacer_StartsPausedUntilRemoteHeadroom(t *testing.T) {
	p := newPacer()
	p.Assign(tp(0), 0)

	pause, resume := p.Transitions()
	assert.Empty(t, pause)
	assert.Empty(t, resume)
	assert.Equal(t, 1, p.PausedCount())

	p.ObserveRemote(tp(0), 5)
	pause, resume = p.Transitions()
	assert.Empty(t, pause)
	assert.Equal(t, []TopicPartition{tp(0)}, resume)
	assert.Equal(t, 0, p.PausedCount())
}

func TestPacer_PausesWhenCaughtUp(t *testing.T) {
	p := newPacer()
	p.Assign(tp(0), 0)
	p.ObserveRemote(tp(0), 3)
	p.Transitions()

	// Deliver offsets 0..2; local position lands on 3 == remote.
	for off := int64(0); off < 3; off++ {
		assert.True(t, p.AllowDeliver(tp(0), off), "offset %d", off)
		p.ObserveLocal(tp(0), off+1)
	}
	assert.False(t, p.AllowDeliver(tp(0), 3))

	pause, resume := p.Transitions()
	assert.Equal(t, []TopicPartition{tp(0)}, pause)
	assert.Empty(t, resume)

	// Remote moves ahead again: the partition resumes.
	p.ObserveRemote(tp(0), 10)
	pause, resume = p.Transitions()
	assert.Empty(t, pause)
	assert.Equal(t, []TopicPartition{tp(0)}, resume)
}

func TestPacer_RemoteAnnouncementsOutOfOrder(t *testing.T) {
	p := newPacer()
	p.Assign(tp(0), 0)
	p.ObserveRemote(tp(0), 10)
	p.ObserveRemote(tp(0), 4)

	// The stale announcement must not shrink the watermark.
	assert.True(t, p.AllowDeliver(tp(0), 9))
	assert.False(t, p.AllowDeliver(tp(0), 10))
}

func TestPacer_PartitionsPaceIndependently(t *testing.T) {
	p := newPacer()
	p.Assign(tp(0), 0)
	p.Assign(tp(1), 0)
	p.ObserveRemote(tp(0), 100)

	_, resume := p.Transitions()
	require.Equal(t, []TopicPartition{tp(0)}, resume)
	assert.True(t, p.AllowDeliver(tp(0), 50))
	assert.False(t, p.AllowDeliver(tp(1), 0))
	assert.Equal(t, 1, p.PausedCount())
}

func TestPacer_RemoteWatermarkSurvivesRevoke(t *testing.T) {
	p := newPacer()
	p.Assign(tp(0), 0)
	p.ObserveRemote(tp(0), 7)
	p.Revoke(tp(0))
	assert.False(t, p.Assigned(tp(0)))

	// Re-assignment picks the retained watermark straight up.
	p.Assign(tp(0), 2)
	_, resume := p.Transitions()
	assert.Equal(t, []TopicPartition{tp(0)}, resume)
	assert.True(t, p.AllowDeliver(tp(0), 6))
	assert.False(t, p.AllowDeliver(tp(0), 7))
}

func TestPacer_NoRemoteMeansNoDelivery(t *testing.T) {
	p := newPacer()
	p.Assign(tp(0), 0)
	assert.False(t, p.AllowDeliver(tp(0), 0))
}

func TestPacer_LocalOffsetTracksForward(t *testing.T) {
	p := newPacer()
	p.Assign(tp(0), 5)
	p.ObserveLocal(tp(0), 9)
	p.ObserveLocal(tp(0), 7)

	local, ok := p.LocalOffset(tp(0))
	require.True(t, ok)
	assert.Equal(t, int64(9), local)
}
