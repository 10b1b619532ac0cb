package kflow

import (
	"context"
	"fmt"
)

// TopicPartition identifies a single broker-addressable shard of a topic.
// Equality is structural: two TopicPartition values are equal iff both
// fields are equal.
type TopicPartition struct {
	Topic     string
	Partition int32
}

func (tp TopicPartition) String() string {
	return fmt.Sprintf("%s/%d", tp.Topic, tp.Partition)
}

// Header is a single Kafka record header.
type Header struct {
	Key   string
	Value []byte
}

// Record is an immutable tuple describing one message read from the
// broker. Records are never mutated after construction; CommittableRecord
// wraps one with the offset-commit handle the user actually interacts with.
type Record struct {
	TopicPartition TopicPartition
	Offset         int64
	Timestamp      int64 // unix millis
	Headers        []Header
	Key            []byte
	Value          []byte
}

// commitSink is the narrow interface Offset/OffsetBatch use to submit a
// CommitRequest to the Runloop; *Runloop satisfies it.
type commitSink interface {
	submitCommit(context.Context, CommitRequest) error
}

// Offset is a handle closing over (topic-partition, next-offset, command
// sink). Submitting it for commit tells the Runloop that every record up to
// and including the one it was produced for has been processed.
//
// The stored value is always record.Offset+1 — the next-to-read position —
// matching the broker's own commit convention. Never construct an Offset
// directly from a raw record offset; obtain it from a CommittableRecord.
type Offset struct {
	tp    TopicPartition
	value int64
	sink  commitSink
}

// TopicPartition returns the partition this offset commits against.
func (o Offset) TopicPartition() TopicPartition { return o.tp }

// Value returns the next-to-read position this offset represents, i.e.
// record.Offset+1 for the record it was produced from.
func (o Offset) Value() int64 { return o.value }

// Commit submits this single offset for commit, batched with whatever else
// the Runloop collects before its next tick, retried per policy, and blocks
// until the batch is resolved.
func (o Offset) Commit(ctx context.Context, policy RetryPolicy) error {
	return newOffsetBatch(o.tp, o.value).commit(ctx, o.sink, policy)
}

// CommittableRecord pairs a Record with the Offset a caller submits once
// processing completes. Offset.Value() always equals Record.Offset+1.
type CommittableRecord struct {
	Record Record
	Offset Offset
}
