package kflow

import (
	"context"

	"github.com/twmb/franz-go/pkg/kgo"
)

// rebalanceListener adapts kgo's OnPartitionsAssigned / OnPartitionsRevoked
// / OnPartitionsLost client options to the Runloop. All three are called by
// kgo synchronously from inside PollFetches, on the Runloop's own
// goroutine — exactly like the original's rebalance listener contract — so
// none of these may block on anything a user goroutine produces. Any work
// that needs to happen off this path goes through the command channel
// instead (see Runloop.commitCh).
type rebalanceListener struct {
	rl *Runloop
}

func (l rebalanceListener) onAssigned(ctx context.Context, cl *kgo.Client, assigned map[string][]int32) {
	l.rl.handleAssigned(ctx, cl, flattenTPs(assigned))
}

func (l rebalanceListener) onRevoked(ctx context.Context, _ *kgo.Client, revoked map[string][]int32) {
	l.rl.handleRevoked(ctx, flattenTPs(revoked))
}

func (l rebalanceListener) onLost(ctx context.Context, _ *kgo.Client, lost map[string][]int32) {
	l.rl.handleLost(ctx, flattenTPs(lost))
}

func flattenTPs(m map[string][]int32) []TopicPartition {
	out := make([]TopicPartition, 0, len(m))
	for topic, partitions := range m {
		for _, p := range partitions {
			out = append(out, TopicPartition{Topic: topic, Partition: p})
		}
	}
	return out
}

// handleAssigned is the onPartitionsAssigned half of the rebalance
// protocol: create a queue for every tp not already registered, then, under
// OffsetRetrieval.Manual, resolve and seek starting offsets for the whole
// newly assigned batch before returning — seeking after returning would let
// the client start fetching from its own default position first.
//
// cl is the client kgo itself passes into the callback — this runs nested
// inside the PollFetches call the Runloop is already making through
// clientGate, so it must use cl directly rather than go back through the
// gate, which is held by that very call and would deadlock.
func (rl *Runloop) handleAssigned(ctx context.Context, cl *kgo.Client, tps []TopicPartition) {
	if rl.State() >= StateStoppingGracefully {
		// New partition queues are not created once graceful shutdown has
		// begun, per the Runloop state machine: the broker's group
		// protocol can still hand this member partitions while it's
		// leaving, but nothing should be left open to receive them.
		rl.emit(DiagnosticsEvent{Kind: EventRebalanceAssigned, TopicPartitions: tps})
		return
	}
	fresh := make([]TopicPartition, 0, len(tps))
	for _, tp := range tps {
		if rl.registry.lookup(tp) == nil {
			rl.registry.create(tp, rl.cfg.PerPartitionPrefetch)
			fresh = append(fresh, tp)
		}
	}
	if len(fresh) > 0 && rl.cfg.OffsetRetrieval.kind == OffsetRetrievalManual {
		offsets, err := rl.cfg.OffsetRetrieval.resolver(ctx, fresh)
		if err != nil {
			rl.subscribeErr = &ManualOffsetResolverError{Err: err}
		} else {
			seeks := make(map[string]map[int32]kgo.Offset, len(offsets))
			for tp, at := range offsets {
				if seeks[tp.Topic] == nil {
					seeks[tp.Topic] = make(map[int32]kgo.Offset)
				}
				seeks[tp.Topic][tp.Partition] = kgo.NewOffset().At(at)
			}
			cl.SetOffsets(seeks)
		}
	}
	rl.emit(DiagnosticsEvent{Kind: EventRebalanceAssigned, TopicPartitions: tps})
}

// handleRevoked is the onPartitionsRevoked half: mark each queue Drained
// and drop it from the assignment. No commit is issued here — the original
// leaves that to user code, and so do we.
func (rl *Runloop) handleRevoked(_ context.Context, tps []TopicPartition) {
	for _, tp := range tps {
		rl.registry.drain(tp)
	}
	rl.emit(DiagnosticsEvent{Kind: EventRebalanceRevoked, TopicPartitions: tps})
}

// handleLost is handleRevoked's abnormal counterpart: the partition's
// stream observes a RebalanceLostError instead of a clean end-of-stream.
func (rl *Runloop) handleLost(_ context.Context, tps []TopicPartition) {
	for _, tp := range tps {
		rl.registry.lose(tp)
	}
	rl.emit(DiagnosticsEvent{Kind: EventRebalanceLost, TopicPartitions: tps})
}
