package kflow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// RunloopState is the Runloop's coarse lifecycle state.
type RunloopState int32

const (
	StateInitializing RunloopState = iota
	StateRunning
	StateStoppingGracefully
	StateStopped
)

func (s RunloopState) String() string {
	switch s {
	case StateInitializing:
		return "Initializing"
	case StateRunning:
		return "Running"
	case StateStoppingGracefully:
		return "StoppingGracefully"
	case StateStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// newPartitionRequest lets the façade ask the Runloop to start tracking a
// topic-partition outside of the broker's own rebalance protocol — used for
// Subscription.Manual, where assignment is fixed up front rather than
// driven by onPartitionsAssigned.
type newPartitionRequest struct {
	tps  []TopicPartition
	done chan error
}

// Runloop is the single-owner coordinator multiplexing poll, commit
// submissions, and rebalance callbacks over one *kgo.Client. Polling,
// pausing and committing happen only on the goroutine running
// (*Runloop).run; commit and manual-partition requests reach it through
// channels this type owns. Façade calls (subscribe, seek, metadata) use the
// client from the caller's goroutine, serialized through the clientGate.
type Runloop struct {
	cfg    Config
	client *clientGate
	kadm   *kadmPassthrough

	registry *partitionRegistry

	commitCh     chan CommitRequest
	newPartCh    chan newPartitionRequest
	stopGraceful chan struct{}
	stopHard     chan struct{}
	stoppedCh    chan struct{}

	state atomic.Int32

	pausedMu sync.Mutex
	paused   map[TopicPartition]struct{}

	// subscribeErr records a manual-offset-resolver failure from inside the
	// rebalance callback. Nothing reads it: under a Topics or Pattern
	// subscription the failure does not reach Subscribe, and the newly
	// assigned partitions are read from the client's default position.
	subscribeErr error

	runOnce sync.Once
}

func newRunloop(cfg Config, client *kgo.Client) *Runloop {
	rl := &Runloop{}
	initRunloop(rl, cfg, client)
	return rl
}

// initRunloop populates an already-allocated Runloop in place. This exists
// so a caller can hand out the pointer to rebalance-callback closures before
// the client (and therefore the Runloop's own fields) can be built — kgo
// requires the callbacks at client-construction time, but the callbacks
// themselves are only ever invoked later, from inside PollFetches, by which
// point initRunloop has already run.
func initRunloop(rl *Runloop, cfg Config, client *kgo.Client) {
	rl.cfg = cfg
	rl.client = newClientGate(client)
	rl.kadm = newKadmPassthrough(client)
	rl.registry = newPartitionRegistry()
	rl.commitCh = make(chan CommitRequest, 256)
	rl.newPartCh = make(chan newPartitionRequest)
	rl.stopGraceful = make(chan struct{})
	rl.stopHard = make(chan struct{})
	rl.stoppedCh = make(chan struct{})
	rl.paused = make(map[TopicPartition]struct{})
	rl.state.Store(int32(StateInitializing))
}

// State returns the Runloop's current lifecycle state.
func (rl *Runloop) State() RunloopState { return RunloopState(rl.state.Load()) }

// start launches the Runloop goroutine. Safe to call only once; subsequent
// calls are no-ops.
func (rl *Runloop) start(ctx context.Context) {
	rl.runOnce.Do(func() {
		rl.state.Store(int32(StateRunning))
		go rl.run(ctx)
	})
}

// emit calls the diagnostics sink, recovering from a panicking sink
// implementation so a sink failure never stops the Runloop. The call is
// synchronous: a slow sink delays the Runloop by as long as it takes.
func (rl *Runloop) emit(e DiagnosticsEvent) {
	defer func() { recover() }()
	rl.cfg.Diagnostics.Emit(e)
}

// submitCommit implements commitSink for OffsetBatch.commit. It enqueues the
// request and blocks until the Runloop resolves it or ctx is cancelled.
func (rl *Runloop) submitCommit(ctx context.Context, req CommitRequest) error {
	if rl.State() == StateStopped {
		return ErrClosed
	}
	select {
	case rl.commitCh <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-rl.stoppedCh:
		return ErrClosed
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// registerManualPartitions tells the Runloop about a fixed, manually
// assigned set of topic-partitions — the Subscription.Manual path, which
// never goes through onPartitionsAssigned.
func (rl *Runloop) registerManualPartitions(ctx context.Context, tps []TopicPartition) error {
	req := newPartitionRequest{tps: tps, done: make(chan error, 1)}
	select {
	case rl.newPartCh <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-rl.stoppedCh:
		return ErrClosed
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stopGracefully transitions the Runloop to StoppingGracefully. It returns
// immediately; completion is observed by the partition streams closing and
// by stoppedCh.
func (rl *Runloop) stopGracefully() {
	if rl.state.CompareAndSwap(int32(StateRunning), int32(StateStoppingGracefully)) {
		close(rl.stopGraceful)
	}
}

// stopHardNow aborts the Runloop immediately: every partition queue closes
// with ErrClosed, pending commits are failed, and the client is closed with
// a bounded deadline.
func (rl *Runloop) stopHardNow() {
	select {
	case <-rl.stopHard:
	default:
		close(rl.stopHard)
	}
}

// Done returns a channel closed once the Runloop goroutine has fully
// exited.
func (rl *Runloop) Done() <-chan struct{} { return rl.stoppedCh }

// run is the Runloop goroutine body: the cooperative loop described in
// spec § 4.4, steps 1–5, repeated every tick.
func (rl *Runloop) run(ctx context.Context) {
	defer close(rl.stoppedCh)
	defer rl.state.Store(int32(StateStopped))

	ticker := time.NewTicker(rl.cfg.PollInterval)
	defer ticker.Stop()

	shutdownDeadline := time.NewTimer(0)
	if !shutdownDeadline.Stop() {
		<-shutdownDeadline.C
	}
	shuttingDown := false

	for {
		select {
		case <-rl.stopHard:
			rl.registry.failAll(ErrClosed)
			rl.failPendingCommits(ErrClosed)
			rl.closeClientWithDeadline()
			return

		case <-ctx.Done():
			rl.registry.failAll(ctx.Err())
			rl.failPendingCommits(ctx.Err())
			rl.closeClientWithDeadline()
			return

		case <-rl.stopGraceful:
			if !shuttingDown {
				shuttingDown = true
				shutdownDeadline.Reset(rl.cfg.ShutdownGrace)
			}

		case <-shutdownDeadline.C:
			rl.registry.drainAll()
			rl.failPendingCommits(ErrShuttingDown)
			rl.closeClientWithDeadline()
			return

		case req := <-rl.newPartCh:
			if rl.State() >= StateStoppingGracefully {
				// Manual-subscription partitions are new partition
				// queues too; the state machine forbids creating any
				// once graceful shutdown has begun.
				req.done <- ErrShuttingDown
			} else {
				for _, tp := range req.tps {
					rl.registry.create(tp, rl.cfg.PerPartitionPrefetch)
				}
				req.done <- nil
			}

		case <-ticker.C:
			if rl.tick(ctx, shuttingDown) {
				rl.registry.drainAll()
				rl.failPendingCommits(ErrShuttingDown)
				rl.closeClientWithDeadline()
				return
			}
		}

		if shuttingDown && len(rl.registry.assignment()) == 0 && !drainPending(rl.commitCh) {
			rl.closeClientWithDeadline()
			return
		}
	}
}

// drainPending reports whether commitCh still has buffered requests a final
// tick hasn't serviced yet.
func drainPending(ch chan CommitRequest) bool {
	return len(ch) > 0
}

// tick runs one iteration of the main algorithm: pause-set adjustment,
// poll, dispatch, and commit-draining. It returns true if the caller should
// treat the Runloop as finished (a fatal poll error, whether or not the
// Runloop is already shutting down). A poll that simply reaches PollTimeout
// without records is not an error.
func (rl *Runloop) tick(ctx context.Context, shuttingDown bool) bool {
	rl.adjustPauseSet(shuttingDown)

	pollCtx, cancel := context.WithTimeout(ctx, rl.cfg.PollTimeout)
	defer cancel()

	var fetches kgo.Fetches
	var pollErr error
	err := rl.client.withClient(func(c *kgo.Client) error {
		fetches = c.PollFetches(pollCtx)
		return nil
	})
	if err != nil {
		pollErr = err
	}
	if pollErr == nil {
		fetches.EachError(func(_ string, _ int32, err error) {
			if pollCtx.Err() != nil && errors.Is(err, pollCtx.Err()) {
				// The poll's own timeout (or the Runloop's ctx, handled by
				// run) ended the wait; that is not a broker failure.
				return
			}
			if pollErr == nil {
				pollErr = err
			}
		})
	}

	recordCount := 0
	if pollErr == nil {
		recordCount = fetches.NumRecords()
		rl.dispatch(fetches)
	}
	rl.emit(DiagnosticsEvent{Kind: EventPoll, PollRecordCount: recordCount})

	rl.drainCommits(ctx)

	if pollErr != nil {
		rl.registry.failAll(&PollError{Err: pollErr})
		rl.failPendingCommits(&PollError{Err: pollErr})
		return true
	}
	return false
}

// adjustPauseSet implements step 1 of the main algorithm: compute which
// partitions are at or above their prefetch high-water mark and
// pause/resume the client to match. When shuttingDown is true, every
// partition is paused regardless of backlog — "stop polling for new
// records" from the graceful-shutdown contract.
func (rl *Runloop) adjustPauseSet(shuttingDown bool) {
	assignment := rl.registry.assignment()
	want := make(map[TopicPartition]struct{}, len(assignment))
	for _, tp := range assignment {
		if shuttingDown {
			want[tp] = struct{}{}
			continue
		}
		q := rl.registry.lookup(tp)
		if q != nil && q.Backlog() >= rl.cfg.PerPartitionPrefetch {
			want[tp] = struct{}{}
		}
	}

	rl.pausedMu.Lock()
	toPause := make(map[string][]int32)
	toResume := make(map[string][]int32)
	for tp := range want {
		if _, ok := rl.paused[tp]; !ok {
			toPause[tp.Topic] = append(toPause[tp.Topic], tp.Partition)
		}
	}
	for tp := range rl.paused {
		if _, ok := want[tp]; !ok {
			toResume[tp.Topic] = append(toResume[tp.Topic], tp.Partition)
		}
	}
	rl.paused = want
	rl.pausedMu.Unlock()

	if len(toPause) == 0 && len(toResume) == 0 {
		return
	}
	rl.client.withClient(func(c *kgo.Client) error {
		if len(toPause) > 0 {
			c.PauseFetchPartitions(toPause)
		}
		if len(toResume) > 0 {
			c.ResumeFetchPartitions(toResume)
		}
		return nil
	})
}

// dispatch implements step 3: chunk each topic-partition's records from one
// poll into its queue. A topic-partition with no registered queue is
// silently dropped, per the original's documented behavior, but a
// diagnostics event is still emitted so the drop is observable.
func (rl *Runloop) dispatch(fetches kgo.Fetches) {
	dropped := make([]TopicPartition, 0)
	fetches.EachPartition(func(p kgo.FetchTopicPartition) {
		if len(p.Records) == 0 {
			return
		}
		tp := TopicPartition{Topic: p.Topic, Partition: p.Partition}
		q := rl.registry.lookup(tp)
		if q == nil {
			dropped = append(dropped, tp)
			return
		}
		records := make([]CommittableRecord, len(p.Records))
		for i, r := range p.Records {
			records[i] = toCommittableRecord(r, rl)
		}
		q.pushChunk(records)
	})
	if len(dropped) > 0 {
		rl.emit(DiagnosticsEvent{Kind: EventPartitionDropped, TopicPartitions: dropped})
	}
}

func toCommittableRecord(r *kgo.Record, sink commitSink) CommittableRecord {
	tp := TopicPartition{Topic: r.Topic, Partition: r.Partition}
	headers := make([]Header, len(r.Headers))
	for i, h := range r.Headers {
		headers[i] = Header{Key: h.Key, Value: h.Value}
	}
	rec := Record{
		TopicPartition: tp,
		Offset:         r.Offset,
		Timestamp:      r.Timestamp.UnixMilli(),
		Headers:        headers,
		Key:            r.Key,
		Value:          r.Value,
	}
	return CommittableRecord{
		Record: rec,
		Offset: Offset{tp: tp, value: r.Offset + 1, sink: sink},
	}
}

// drainCommits implements step 4: take every pending CommitRequest, merge
// into one effective batch, and commit it in one broker call. Success
// resolves every batched request; a retriable failure leaves them pending
// for the caller's own retry (OffsetBatch.commit already retries around
// submitCommit, so "leave pending" here means "resolve with a retriable
// CommitError" and let that retry loop decide); a fatal failure resolves
// them all with that error.
func (rl *Runloop) drainCommits(ctx context.Context) {
	var reqs []CommitRequest
	var merged OffsetBatch
	for {
		select {
		case req := <-rl.commitCh:
			reqs = append(reqs, req)
			merged = merged.Merge(req.Batch)
			continue
		default:
		}
		break
	}
	if len(reqs) == 0 {
		return
	}

	offsets := make(map[string]map[int32]kgo.EpochOffset, merged.Len())
	merged.ForEach(func(tp TopicPartition, value int64) {
		if offsets[tp.Topic] == nil {
			offsets[tp.Topic] = make(map[int32]kgo.EpochOffset)
		}
		offsets[tp.Topic][tp.Partition] = kgo.EpochOffset{Epoch: -1, Offset: value}
	})

	// CommitOffsets is the broker client's asynchronous commit primitive:
	// it queues the request and invokes onDone once the response arrives.
	// The Runloop needs the outcome before it can resolve the batched
	// requests, so it waits on done here rather than treating the call as
	// fire-and-forget — this is what "Invoke the client's async commit...
	// On success, complete every batched request" means with a single
	// cooperative goroutine driving everything.
	var commitErr error
	done := make(chan struct{})
	err := rl.client.withClientCtx(ctx, func(c *kgo.Client) error {
		c.CommitOffsets(ctx, offsets, func(_ *kgo.Client, _ *kmsg.OffsetCommitRequest, resp *kmsg.OffsetCommitResponse, err error) {
			defer close(done)
			if err != nil {
				commitErr = err
				return
			}
			for _, topic := range resp.Topics {
				for _, part := range topic.Partitions {
					if commitErr == nil && part.ErrorCode != 0 {
						commitErr = kerr.ErrorForCode(part.ErrorCode)
					}
				}
			}
		})
		return nil
	})
	if err != nil {
		commitErr = err
	} else {
		select {
		case <-done:
		case <-ctx.Done():
			commitErr = ctx.Err()
		}
	}

	rl.emit(DiagnosticsEvent{Kind: EventCommit, Batch: merged})

	if commitErr == nil {
		for _, req := range reqs {
			req.resolve(nil)
		}
		return
	}
	retriable := kerr.IsRetriable(commitErr)
	resolved := &CommitError{Batch: merged, Retriable: retriable, Err: commitErr}
	for _, req := range reqs {
		req.resolve(resolved)
	}
}

func (rl *Runloop) failPendingCommits(err error) {
	for {
		select {
		case req := <-rl.commitCh:
			req.resolve(err)
		default:
			return
		}
	}
}

func (rl *Runloop) closeClientWithDeadline() {
	done := make(chan struct{})
	go func() {
		rl.client.close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(rl.cfg.CloseTimeout):
	}
}
