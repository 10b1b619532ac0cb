package kflow

import "sync"

// partitionRegistry maps topic-partition to the PartitionQueue backing its
// user-visible stream. It is mostly written from the Runloop goroutine
// (create/drain/lose/drainAll/failAll); the one exception is Subscribe,
// which drains the queues of a Manual subscription whose offset resolver
// failed. The mutex keeps every reader (lookup, assignment) and writer
// consistent.
type partitionRegistry struct {
	mu     sync.Mutex
	queues map[TopicPartition]*PartitionQueue
	// created notifies PartitionedStream of new partitions as they appear.
	created chan *PartitionQueue
}

func newPartitionRegistry() *partitionRegistry {
	return &partitionRegistry{
		queues:  make(map[TopicPartition]*PartitionQueue),
		created: make(chan *PartitionQueue, 64),
	}
}

// create returns the queue for tp, creating it if absent. Idempotent for
// the same tp as long as no intervening drain occurred — calling create
// twice without a drain in between returns the same queue both times.
func (r *partitionRegistry) create(tp TopicPartition, capacity int) *PartitionQueue {
	r.mu.Lock()
	defer r.mu.Unlock()
	if q, ok := r.queues[tp]; ok {
		return q
	}
	q := newPartitionQueue(tp, capacity)
	r.queues[tp] = q
	select {
	case r.created <- q:
	default:
		// Backlog of not-yet-consumed new-partition notifications; this
		// only happens if nothing is reading PartitionedStream's channel,
		// which means nobody is reading the inner streams either.
	}
	return q
}

// lookup returns the queue for tp, or nil if none is registered — this is
// the "partition this consumer no longer owns" case the Runloop's dispatch
// step silently drops records for.
func (r *partitionRegistry) lookup(tp TopicPartition) *PartitionQueue {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queues[tp]
}

// drain transitions tp's queue to Drained and removes it from the registry
// so future lookups treat it as unowned, even though the reader may still
// be draining buffered chunks from the queue value itself.
func (r *partitionRegistry) drain(tp TopicPartition) {
	r.mu.Lock()
	q, ok := r.queues[tp]
	if ok {
		delete(r.queues, tp)
	}
	r.mu.Unlock()
	if ok {
		q.drain()
	}
}

// lose is drain's counterpart for abnormal loss: the partition's stream
// observes a RebalanceLostError instead of a clean end-of-stream.
func (r *partitionRegistry) lose(tp TopicPartition) {
	r.mu.Lock()
	q, ok := r.queues[tp]
	if ok {
		delete(r.queues, tp)
	}
	r.mu.Unlock()
	if ok {
		q.fail(&RebalanceLostError{TopicPartition: tp})
	}
}

// drainAll drains every currently registered partition, used on shutdown.
func (r *partitionRegistry) drainAll() {
	r.mu.Lock()
	queues := make([]*PartitionQueue, 0, len(r.queues))
	for tp := range r.queues {
		queues = append(queues, r.queues[tp])
		delete(r.queues, tp)
	}
	r.mu.Unlock()
	for _, q := range queues {
		q.drain()
	}
}

// failAll transitions every currently registered partition straight to a
// terminal error, used when the poll loop itself dies.
func (r *partitionRegistry) failAll(err error) {
	r.mu.Lock()
	queues := make([]*PartitionQueue, 0, len(r.queues))
	for tp := range r.queues {
		queues = append(queues, r.queues[tp])
		delete(r.queues, tp)
	}
	r.mu.Unlock()
	for _, q := range queues {
		q.fail(err)
	}
}

// assignment returns the set of topic-partitions currently registered.
func (r *partitionRegistry) assignment() []TopicPartition {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TopicPartition, 0, len(r.queues))
	for tp := range r.queues {
		out = append(out, tp)
	}
	return out
}
