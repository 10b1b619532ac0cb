package kflow

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/twmb/franz-go/pkg/kfake"
	"github.com/twmb/franz-go/pkg/kgo"
)

func newFakeCluster(t *testing.T, topic string, partitions int32) string {
	t.Helper()
	cluster, err := kfake.NewCluster(kfake.NumBrokers(1), kfake.SeedTopics(partitions, topic))
	if err != nil {
		t.Fatalf("kfake.NewCluster: %v", err)
	}
	t.Cleanup(cluster.Close)
	return cluster.ListenAddrs()[0]
}

func produce(t *testing.T, addr, topic string, n int) {
	t.Helper()
	cl, err := kgo.NewClient(kgo.SeedBrokers(addr))
	if err != nil {
		t.Fatalf("producer client: %v", err)
	}
	defer cl.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var results kgo.ProduceResults
	for i := 0; i < n; i++ {
		r := &kgo.Record{Topic: topic, Value: []byte(strconv.Itoa(i))}
		results = append(results, cl.ProduceSync(ctx, r)...)
	}
	for _, res := range results {
		if res.Err != nil {
			t.Fatalf("produce: %v", res.Err)
		}
	}
}

// produceToPartition pins every record to a specific partition via
// kgo.ManualPartitioner, so a test can control exactly which partition
// holds which offsets (ordinary produce lets kgo's default partitioner
// choose).
func produceToPartition(t *testing.T, addr, topic string, partition int32, n int) {
	t.Helper()
	cl, err := kgo.NewClient(kgo.SeedBrokers(addr), kgo.RecordPartitioner(kgo.ManualPartitioner()))
	if err != nil {
		t.Fatalf("producer client: %v", err)
	}
	defer cl.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for i := 0; i < n; i++ {
		r := &kgo.Record{Topic: topic, Partition: partition, Value: []byte(strconv.Itoa(i))}
		if res := cl.ProduceSync(ctx, r); res.FirstErr() != nil {
			t.Fatalf("produce to partition %d: %v", partition, res.FirstErr())
		}
	}
}

func newTestConsumer(t *testing.T, addr, group string) *Consumer {
	t.Helper()
	cfg := Config{
		BootstrapServers: []string{addr},
		GroupID:          group,
		PollInterval:     10 * time.Millisecond,
		OffsetRetrieval:  Auto(ResetEarliest),
		ShutdownGrace:    100 * time.Millisecond,
	}
	c, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

// TestConsumerSinglePartitionBatchCommit covers spec scenario 1: a
// single-partition, 100-record batch is fully consumed and its offset
// commits cleanly on a fresh group.
func TestConsumerSinglePartitionBatchCommit(t *testing.T) {
	const topic = "orders"
	addr := newFakeCluster(t, topic, 1)
	produce(t, addr, topic, 100)

	c := newTestConsumer(t, addr, "single-partition-group")
	if err := c.Subscribe(context.Background(), Topics(topic)); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	partitions, err := c.PartitionedStream()
	if err != nil {
		t.Fatalf("PartitionedStream: %v", err)
	}

	var ps *PartitionStream
	select {
	case ps = <-partitions:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for a partition assignment")
	}

	var lastOffset Offset
	seen := 0
	deadline := time.After(10 * time.Second)
	for seen < 100 {
		select {
		case <-deadline:
			t.Fatalf("timed out after seeing %d/100 records", seen)
		default:
		}
		records, recvErr, ok := ps.Recv()
		if recvErr != nil {
			t.Fatalf("Recv error: %v", recvErr)
		}
		if !ok {
			t.Fatal("stream ended before all records were seen")
		}
		for _, r := range records {
			lastOffset = r.Offset
			seen++
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.Commit(ctx, lastOffset); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

// TestConsumerManualSubscriptionBypassesGroupProtocol covers the manual
// assignment path: no rebalance callbacks are involved, and the partition
// named is delivered directly.
func TestConsumerManualSubscriptionBypassesGroupProtocol(t *testing.T) {
	const topic = "manual-topic"
	addr := newFakeCluster(t, topic, 1)
	produce(t, addr, topic, 5)

	c := newTestConsumer(t, addr, "manual-group")
	tp := TopicPartition{Topic: topic, Partition: 0}
	if err := c.Subscribe(context.Background(), Manual(tp)); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	partitions, err := c.PartitionedStream()
	if err != nil {
		t.Fatalf("PartitionedStream: %v", err)
	}

	select {
	case ps := <-partitions:
		if ps.TopicPartition != tp {
			t.Fatalf("got partition %s, want %s", ps.TopicPartition, tp)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for the manually assigned partition")
	}
}

// TestConsumerStopConsumptionDrainsStreams covers graceful shutdown: after
// StopConsumption, an already-open partition stream still ends cleanly
// rather than hanging forever.
func TestConsumerStopConsumptionDrainsStreams(t *testing.T) {
	const topic = "drain-topic"
	addr := newFakeCluster(t, topic, 1)
	produce(t, addr, topic, 1)

	c := newTestConsumer(t, addr, "drain-group")
	if err := c.Subscribe(context.Background(), Topics(topic)); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	partitions, err := c.PartitionedStream()
	if err != nil {
		t.Fatalf("PartitionedStream: %v", err)
	}

	var ps *PartitionStream
	select {
	case ps = <-partitions:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for a partition assignment")
	}

	c.StopConsumption()

	deadline := time.After(10 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("stream never reached end-of-stream after StopConsumption")
		default:
		}
		_, recvErr, ok := ps.Recv()
		if recvErr != nil {
			t.Fatalf("unexpected error draining: %v", recvErr)
		}
		if !ok {
			return
		}
	}
}

// TestConsumerManualSubscribeResolverFailureLeavesNoQueue covers the §7
// manual-offset-resolver failure contract: Subscribe surfaces the error and
// the consumer is left unsubscribed, with no partition queue leaked behind
// for PartitionedStream to hand out.
func TestConsumerManualSubscribeResolverFailureLeavesNoQueue(t *testing.T) {
	const topic = "resolver-failure-topic"
	addr := newFakeCluster(t, topic, 1)

	boom := errors.New("resolver boom")
	cfg := Config{
		BootstrapServers: []string{addr},
		GroupID:          "resolver-failure-group",
		PollInterval:     10 * time.Millisecond,
		OffsetRetrieval: ManualOffsets(func(context.Context, []TopicPartition) (map[TopicPartition]int64, error) {
			return nil, boom
		}),
		ShutdownGrace: 100 * time.Millisecond,
	}
	c, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(c.Close)

	tp := TopicPartition{Topic: topic, Partition: 0}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = c.Subscribe(ctx, Manual(tp))
	var resolverErr *ManualOffsetResolverError
	if !errors.As(err, &resolverErr) {
		t.Fatalf("Subscribe error = %v, want *ManualOffsetResolverError", err)
	}

	if q := c.rl.registry.lookup(tp); q != nil {
		t.Fatal("resolver failure must not leave a registered partition queue behind")
	}

	c.mu.Lock()
	stillSubscribed := c.subscription != nil
	c.mu.Unlock()
	if stillSubscribed {
		t.Fatal("Subscribe must leave the consumer unsubscribed after a resolver failure")
	}
}

// TestConsumerRebalanceMidConsumption covers spec scenario 3: a second
// group member joining mid-consumption causes exactly one of the first
// member's partitions to be revoked cleanly, and the joining member picks
// up that partition starting from the first member's committed offset.
func TestConsumerRebalanceMidConsumption(t *testing.T) {
	const topic = "rebalance-topic"
	const perPartition = 10
	const group = "rebalance-group"

	addr := newFakeCluster(t, topic, 2)
	produceToPartition(t, addr, topic, 0, perPartition)
	produceToPartition(t, addr, topic, 1, perPartition)

	a := newTestConsumer(t, addr, group)
	if err := a.Subscribe(context.Background(), Topics(topic)); err != nil {
		t.Fatalf("A Subscribe: %v", err)
	}

	aPartitions, err := a.PartitionedStream()
	if err != nil {
		t.Fatalf("A PartitionedStream: %v", err)
	}

	aStreams := make(map[TopicPartition]*PartitionStream)
	for len(aStreams) < 2 {
		select {
		case ps := <-aPartitions:
			aStreams[ps.TopicPartition] = ps
		case <-time.After(10 * time.Second):
			t.Fatalf("A only saw %d/2 partitions assigned", len(aStreams))
		}
	}

	// A reads the first chunk of each partition (kfake delivers all 10
	// records for a freshly assigned partition in one fetch, so this is
	// the whole 0..9 run) but only commits offset 5 (records 0..4
	// processed, 5 next to read), leaving offsets 5..9 unprocessed for B
	// to pick up after the rebalance.
	for tp, ps := range aStreams {
		records, recvErr, ok := ps.Recv()
		if recvErr != nil || !ok {
			t.Fatalf("%s: Recv = (_, %v, %v)", tp, recvErr, ok)
		}
		if len(records) < 5 {
			t.Fatalf("%s: got %d records in the first chunk, want at least 5", tp, len(records))
		}
		commitCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := a.Commit(commitCtx, records[4].Offset)
		cancel()
		if err != nil {
			t.Fatalf("%s: Commit: %v", tp, err)
		}
	}

	b := newTestConsumer(t, addr, group)
	if err := b.Subscribe(context.Background(), Topics(topic)); err != nil {
		t.Fatalf("B Subscribe: %v", err)
	}
	bPartitions, err := b.PartitionedStream()
	if err != nil {
		t.Fatalf("B PartitionedStream: %v", err)
	}

	var bStream *PartitionStream
	select {
	case bStream = <-bPartitions:
	case <-time.After(15 * time.Second):
		t.Fatal("B never received a partition assignment after joining the group")
	}

	revokedTP := bStream.TopicPartition
	aStream, ok := aStreams[revokedTP]
	if !ok {
		t.Fatalf("B was assigned %s, which A never owned", revokedTP)
	}

	deadline := time.After(15 * time.Second)
drain:
	for {
		select {
		case <-deadline:
			t.Fatalf("A's stream for %s never completed after the rebalance", revokedTP)
		default:
		}
		_, recvErr, ok := aStream.Recv()
		if recvErr != nil {
			t.Fatalf("A's stream for %s ended with an error instead of a clean revocation: %v", revokedTP, recvErr)
		}
		if !ok {
			break drain
		}
	}

	records, recvErr, ok := bStream.Recv()
	if recvErr != nil || !ok {
		t.Fatalf("B Recv on %s = (_, %v, %v)", revokedTP, recvErr, ok)
	}
	if len(records) == 0 {
		t.Fatal("B received an empty chunk")
	}
	if got := records[0].Record.Offset; got != 5 {
		t.Fatalf("B's first record on %s has offset %d, want 5 (A committed offset 5)", revokedTP, got)
	}
}
