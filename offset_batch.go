package kflow

import (
	"context"
	"errors"
	"time"

	"github.com/grafana/dskit/backoff"
)

// RetryPolicy is the schedule used to retry a retriable commit failure. It
// mirrors grafana/dskit/backoff.Config: a minimum and maximum delay and a
// bound on the number of attempts. MaxRetries of 0 means unbounded — the
// caller relies on ctx cancellation to give up.
type RetryPolicy = backoff.Config

// DefaultRetryPolicy is a reasonable default for commit retries: a few
// quick attempts before giving up, since a commit that keeps failing is
// almost always a sign the broker connection or the group membership is
// gone, not a problem more waiting fixes.
var DefaultRetryPolicy = RetryPolicy{
	MinBackoff: 50 * time.Millisecond,
	MaxBackoff: 2 * time.Second,
	MaxRetries: 5,
}

// OffsetBatch is a commutative, associative merge of per-partition offsets
// — the identity of the commit stream. The zero value is the empty batch,
// identity for Merge.
type OffsetBatch struct {
	entries map[TopicPartition]int64
}

// EmptyOffsetBatch is the identity value for Merge.
var EmptyOffsetBatch = OffsetBatch{}

func newOffsetBatch(tp TopicPartition, value int64) OffsetBatch {
	return OffsetBatch{entries: map[TopicPartition]int64{tp: value}}
}

// IsEmpty reports whether the batch carries no offsets.
func (b OffsetBatch) IsEmpty() bool { return len(b.entries) == 0 }

// Len returns the number of distinct topic-partitions in the batch.
func (b OffsetBatch) Len() int { return len(b.entries) }

// Get returns the offset recorded for tp and whether one is present.
func (b OffsetBatch) Get(tp TopicPartition) (int64, bool) {
	v, ok := b.entries[tp]
	return v, ok
}

// ForEach calls f once per topic-partition in the batch. Iteration order is
// unspecified.
func (b OffsetBatch) ForEach(f func(TopicPartition, int64)) {
	for tp, v := range b.entries {
		f(tp, v)
	}
}

// Merge returns the pointwise max of a and b: for every topic-partition
// present in either, the larger offset wins. Merge is commutative,
// associative, and idempotent; Merge(a, EmptyOffsetBatch) == a.
func (a OffsetBatch) Merge(b OffsetBatch) OffsetBatch {
	if a.IsEmpty() {
		return b
	}
	if b.IsEmpty() {
		return a
	}
	out := make(map[TopicPartition]int64, len(a.entries)+len(b.entries))
	for tp, v := range a.entries {
		out[tp] = v
	}
	for tp, v := range b.entries {
		if cur, ok := out[tp]; !ok || v > cur {
			out[tp] = v
		}
	}
	return OffsetBatch{entries: out}
}

// commit submits the batch to the Runloop via sink and awaits its
// completion, resubmitting on retriable failure per policy. Non-retriable
// failures return immediately with the last error. Calling commit on an
// empty batch is a no-op.
func (b OffsetBatch) commit(ctx context.Context, sink commitSink, policy RetryPolicy) error {
	if b.IsEmpty() {
		return nil
	}
	bo := backoff.New(ctx, policy)
	var lastErr error
	for {
		req := newCommitRequest(b)
		err := sink.submitCommit(ctx, req)
		if err == nil {
			return nil
		}
		var ce *CommitError
		if !errors.As(err, &ce) || !ce.Retriable {
			return err
		}
		lastErr = err
		bo.Wait()
		if !bo.Ongoing() {
			return lastErr
		}
	}
}
