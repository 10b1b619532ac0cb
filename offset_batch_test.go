package kflow

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestOffsetBatchMergeIsPointwiseMax(t *testing.T) {
	tpA := TopicPartition{Topic: "orders", Partition: 0}
	tpB := TopicPartition{Topic: "orders", Partition: 1}

	a := newOffsetBatch(tpA, 10).Merge(newOffsetBatch(tpB, 5))
	b := newOffsetBatch(tpA, 7).Merge(newOffsetBatch(tpB, 9))

	merged := a.Merge(b)
	if v, ok := merged.Get(tpA); !ok || v != 10 {
		t.Fatalf("tpA: got (%d, %v), want (10, true)", v, ok)
	}
	if v, ok := merged.Get(tpB); !ok || v != 9 {
		t.Fatalf("tpB: got (%d, %v), want (9, true)", v, ok)
	}
	if merged.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", merged.Len())
	}
}

func TestOffsetBatchMergeIdentity(t *testing.T) {
	tp := TopicPartition{Topic: "t", Partition: 0}
	a := newOffsetBatch(tp, 3)

	if got := a.Merge(EmptyOffsetBatch); got.Len() != 1 {
		t.Fatalf("Merge with empty changed batch: %+v", got)
	}
	if got := EmptyOffsetBatch.Merge(a); got.Len() != 1 {
		t.Fatalf("Merge into empty lost the batch: %+v", got)
	}
	if !EmptyOffsetBatch.IsEmpty() {
		t.Fatal("EmptyOffsetBatch.IsEmpty() = false")
	}
}

func TestOffsetBatchMergeCommutativeAssociative(t *testing.T) {
	tp := TopicPartition{Topic: "t", Partition: 0}
	a := newOffsetBatch(tp, 1)
	b := newOffsetBatch(tp, 2)
	c := newOffsetBatch(tp, 3)

	ab := a.Merge(b)
	ba := b.Merge(a)
	if v1, _ := ab.Get(tp); v1 != 2 {
		t.Fatalf("a.Merge(b) = %d, want 2", v1)
	}
	if v2, _ := ba.Get(tp); v2 != 2 {
		t.Fatalf("b.Merge(a) = %d, want 2", v2)
	}

	left := a.Merge(b).Merge(c)
	right := a.Merge(b.Merge(c))
	lv, _ := left.Get(tp)
	rv, _ := right.Get(tp)
	if lv != rv {
		t.Fatalf("merge not associative: left=%d right=%d", lv, rv)
	}
}

// fakeSink lets tests control how submitCommit resolves without a Runloop.
type fakeSink struct {
	results []error // consumed in order, one per submitCommit call; last repeats
	calls   int
}

func (s *fakeSink) submitCommit(_ context.Context, req CommitRequest) error {
	i := s.calls
	if i >= len(s.results) {
		i = len(s.results) - 1
	}
	s.calls++
	return s.results[i]
}

func TestOffsetBatchCommitSucceedsFirstTry(t *testing.T) {
	sink := &fakeSink{results: []error{nil}}
	tp := TopicPartition{Topic: "t", Partition: 0}
	batch := newOffsetBatch(tp, 5)

	if err := batch.commit(context.Background(), sink, DefaultRetryPolicy); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sink.calls != 1 {
		t.Fatalf("calls = %d, want 1", sink.calls)
	}
}

func TestOffsetBatchCommitEmptyIsNoop(t *testing.T) {
	sink := &fakeSink{results: []error{errors.New("should never be called")}}
	if err := EmptyOffsetBatch.commit(context.Background(), sink, DefaultRetryPolicy); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sink.calls != 0 {
		t.Fatalf("calls = %d, want 0", sink.calls)
	}
}

func TestOffsetBatchCommitRetriesThenSucceeds(t *testing.T) {
	retriable := &CommitError{Retriable: true, Err: errors.New("broker busy")}
	sink := &fakeSink{results: []error{retriable, retriable, nil}}
	tp := TopicPartition{Topic: "t", Partition: 0}
	batch := newOffsetBatch(tp, 1)

	policy := RetryPolicy{MinBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, MaxRetries: 5}
	if err := batch.commit(context.Background(), sink, policy); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sink.calls != 3 {
		t.Fatalf("calls = %d, want 3", sink.calls)
	}
}

func TestOffsetBatchCommitNonRetriableFailsImmediately(t *testing.T) {
	fatal := &CommitError{Retriable: false, Err: errors.New("unknown group")}
	sink := &fakeSink{results: []error{fatal, nil}}
	tp := TopicPartition{Topic: "t", Partition: 0}
	batch := newOffsetBatch(tp, 1)

	err := batch.commit(context.Background(), sink, DefaultRetryPolicy)
	var ce *CommitError
	if !errors.As(err, &ce) || ce.Retriable {
		t.Fatalf("expected the non-retriable CommitError back, got %v", err)
	}
	if sink.calls != 1 {
		t.Fatalf("calls = %d, want 1 (must not retry a non-retriable failure)", sink.calls)
	}
}

func TestOffsetBatchCommitExhaustsRetries(t *testing.T) {
	retriable := &CommitError{Retriable: true, Err: errors.New("broker busy")}
	sink := &fakeSink{results: []error{retriable, retriable, retriable, retriable}}
	tp := TopicPartition{Topic: "t", Partition: 0}
	batch := newOffsetBatch(tp, 1)

	policy := RetryPolicy{MinBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, MaxRetries: 2}
	err := batch.commit(context.Background(), sink, policy)
	var ce *CommitError
	if !errors.As(err, &ce) {
		t.Fatalf("expected a *CommitError, got %v", err)
	}
}
