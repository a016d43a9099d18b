package kafka

import "sync"

// TopicPartition identifies one data partition the consumer paces.
type TopicPartition struct {
	Topic     string
	Partition int32
}

// pacer is the pause/resume decision core of the synchronized consumer. It
// tracks, per assigned partition, the local consume position and the highest
// remote committed offset announced on the commit log, and derives which
// partitions must be paused (local caught up to remote) or resumed (remote
// moved ahead).
//
// Remote offsets outlive assignments: they are retained across rebalances so
// a re-assigned partition does not have to wait for the next announcement.
type pacer struct {
	mu      sync.Mutex
	flows   map[TopicPartition]*partitionFlow
	remotes map[TopicPartition]int64
}

type partitionFlow struct {
	local  int64
	paused bool
}

func newPacer() *pacer {
	return &pacer{
		flows:   make(map[TopicPartition]*partitionFlow),
		remotes: make(map[TopicPartition]int64),
	}
}

// Assign registers a partition with its resolved starting offset. Partitions
// start paused; the first Transitions call resumes those with remote headroom.
func (p *pacer) Assign(tp TopicPartition, localOffset int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flows[tp] = &partitionFlow{local: localOffset, paused: true}
}

// Revoke drops a partition's flow state, keeping its remote watermark.
func (p *pacer) Revoke(tp TopicPartition) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.flows, tp)
}

// Assigned reports whether the partition currently has flow state.
func (p *pacer) Assigned(tp TopicPartition) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.flows[tp]
	return ok
}

// ObserveRemote records a committed-offset announcement. Announcements can
// arrive out of order; only forward movement is kept.
func (p *pacer) ObserveRemote(tp TopicPartition, offset int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.remotes[tp]; !ok || offset > cur {
		p.remotes[tp] = offset
	}
}

// ObserveLocal advances the local consume position to nextOffset, the offset
// of the next record to be read.
func (p *pacer) ObserveLocal(tp TopicPartition, nextOffset int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if f, ok := p.flows[tp]; ok && nextOffset > f.local {
		f.local = nextOffset
	}
}

// AllowDeliver reports whether a record at the given offset may be handed to
// the worker: the remote consumer group must have committed past it.
func (p *pacer) AllowDeliver(tp TopicPartition, offset int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	remote, ok := p.remotes[tp]
	return ok && offset < remote
}

// LocalOffset returns the tracked local position for a partition.
func (p *pacer) LocalOffset(tp TopicPartition) (int64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.flows[tp]
	if !ok {
		return 0, false
	}
	return f.local, true
}

// Transitions computes the partitions whose pause state must flip and flips
// them. A partition runs while local < remote and pauses once it catches up.
func (p *pacer) Transitions() (pause, resume []TopicPartition) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for tp, f := range p.flows {
		remote, ok := p.remotes[tp]
		runnable := ok && f.local < remote
		switch {
		case f.paused && runnable:
			f.paused = false
			resume = append(resume, tp)
		case !f.paused && !runnable:
			f.paused = true
			pause = append(pause, tp)
		}
	}
	return pause, resume
}

// PausedCount returns how many assigned partitions are currently paused.
func (p *pacer) PausedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, f := range p.flows {
		if f.paused {
			n++
		}
	}
	return n
}
