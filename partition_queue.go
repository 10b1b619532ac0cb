package kflow

import "sync"

// partitionQueueState is the lifecycle of a PartitionQueue.
type partitionQueueState int

const (
	// queueOpen accepts new chunks.
	queueOpen partitionQueueState = iota
	// queueDrained no longer accepts chunks but may still have buffered
	// ones left for the consumer to read.
	queueDrained
	// queueClosed has delivered its terminal marker; Recv returns
	// ok == false forever after.
	queueClosed
)

// itemKind tags what a queueItem carries. A closed Go channel cannot
// distinguish "no more values" from "values of a terminal type", so the
// queue uses an explicit tagged variant instead of relying on channel
// closure to signal end-of-stream — this is what lets Drain / Closed be
// observed in order relative to the last real chunk instead of racing it.
type itemKind int

const (
	itemChunk itemKind = iota
	itemEnd
	itemError
)

// queueItem is one entry in a PartitionQueue: a chunk of records, an
// end-of-stream marker, or a terminal error.
type queueItem struct {
	kind    itemKind
	records []CommittableRecord
	err     error
}

// PartitionQueue is a bounded FIFO of record chunks backing one
// topic-partition's user-visible stream. One poll's records for one
// topic-partition become exactly one chunk — chunk boundaries are never
// split or coalesced — so a downstream reader can apply backpressure at
// chunk granularity and the Runloop can measure backlog in chunks.
//
// items is sized capacity+1, not capacity: drain/fail push the terminal
// marker onto this same channel, synchronously from the Runloop goroutine,
// which may be holding the clientGate at the time (a rebalance callback
// runs nested inside PollFetches). A queue already at its data high-water
// mark must still have a guaranteed-free slot for that one terminal
// marker — terminalQueued ensures at most one is ever sent — or the
// Runloop would block on a full user-side queue while every other
// clientGate caller stalls behind it.
type PartitionQueue struct {
	tp       TopicPartition
	items    chan queueItem
	capacity int

	mu             sync.Mutex
	state          partitionQueueState
	terminalQueued bool
}

func newPartitionQueue(tp TopicPartition, capacity int) *PartitionQueue {
	return &PartitionQueue{
		tp:       tp,
		items:    make(chan queueItem, capacity+1),
		capacity: capacity,
	}
}

// TopicPartition returns the partition this queue backs.
func (q *PartitionQueue) TopicPartition() TopicPartition { return q.tp }

// Backlog returns the number of chunks currently buffered, used by the
// Runloop to decide whether this partition needs to be paused.
func (q *PartitionQueue) Backlog() int { return len(q.items) }

// pushChunk enqueues one poll's worth of records for this partition. It
// must only be called by the Runloop, and only while the queue is Open;
// callers are expected to check that via the registry before calling.
func (q *PartitionQueue) pushChunk(records []CommittableRecord) {
	q.items <- queueItem{kind: itemChunk, records: records}
}

// drain transitions the queue to Drained: no further chunks are accepted,
// but anything already buffered (plus the end marker pushed here) is still
// delivered to the reader in order. A queue that already has a terminal
// marker queued (from an earlier drain or fail) is left alone.
func (q *PartitionQueue) drain() {
	q.mu.Lock()
	if q.terminalQueued {
		q.mu.Unlock()
		return
	}
	q.terminalQueued = true
	q.state = queueDrained
	q.mu.Unlock()
	q.items <- queueItem{kind: itemEnd}
}

// fail ends the queue with a terminal error instead of the end marker —
// used for poll errors and lost-partition notifications. Like drain, it
// moves the queue to Drained: chunks already buffered are still delivered
// before the error. Calling fail
// more than once, or after drain, only ever queues the first terminal
// marker; later calls are no-ops, so the first outcome always wins.
func (q *PartitionQueue) fail(err error) {
	q.mu.Lock()
	if q.terminalQueued {
		q.mu.Unlock()
		return
	}
	q.terminalQueued = true
	q.state = queueDrained
	q.mu.Unlock()
	q.items <- queueItem{kind: itemError, err: err}
}

// Recv blocks until a chunk, end-of-stream, or error is available. ok is
// false once the terminal marker has been consumed; subsequent calls keep
// returning ok == false without blocking.
func (q *PartitionQueue) Recv() (records []CommittableRecord, err error, ok bool) {
	item, open := <-q.items
	if !open {
		return nil, nil, false
	}
	switch item.kind {
	case itemChunk:
		return item.records, nil, true
	case itemEnd:
		q.close()
		return nil, nil, false
	case itemError:
		q.close()
		return nil, item.err, false
	default:
		return nil, nil, false
	}
}

func (q *PartitionQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state == queueClosed {
		return
	}
	q.state = queueClosed
	close(q.items)
}

// State returns the queue's current lifecycle state, for tests and
// diagnostics.
func (q *PartitionQueue) State() partitionQueueState {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}
