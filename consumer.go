package kflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

// Deserializer turns raw bytes for a topic into a typed value. It is a pure
// function: given the same topic and bytes it always returns the same
// result, and a failure here never touches the broker connection — it is
// reported only on the record it was decoding.
type Deserializer[T any] func(topic string, raw []byte) (T, error)

// Consumer is the public façade: subscribe, stream constructors, the
// commit-then-process helper, and metadata passthroughs. Internally every
// operation either talks to the Runloop (subscribe, streams, commit,
// stopConsumption) or goes through the ClientGate directly (metadata).
type Consumer struct {
	cfg    Config
	client *clientGate
	admin  *kadmPassthrough
	rl     *Runloop

	mu           sync.Mutex
	subscription *Subscription
}

// New constructs a Consumer and starts its Runloop goroutine. The consumer
// does not contact the broker group protocol until Subscribe is called.
func New(ctx context.Context, cfg Config) (*Consumer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// The rebalance callbacks must be registered as kgo.Opts before the
	// client exists, but they run against the Runloop, which itself needs
	// the client to build. rl is allocated empty and handed to the
	// listener now; initRunloop fills it in below, before the client can
	// possibly invoke any of these callbacks (the first one fires no
	// earlier than the first PollFetches call).
	rl := &Runloop{}
	listener := rebalanceListener{rl: rl}
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.BootstrapServers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.OnPartitionsAssigned(listener.onAssigned),
		kgo.OnPartitionsRevoked(listener.onRevoked),
		kgo.OnPartitionsLost(listener.onLost),
		kgo.DisableAutoCommit(),
		kgo.WithLogger(newKgoLogger(cfg.Logger)),
	}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}
	if cfg.OffsetRetrieval.kind == OffsetRetrievalAuto {
		opts = append(opts, kgo.ConsumeResetOffset(resetOffsetFor(cfg.OffsetRetrieval.reset)))
	}
	if cfg.BrokerMetrics != nil {
		opts = append(opts, kgo.WithHooks(cfg.BrokerMetrics))
	}
	opts = append(opts, translateExtraProperties(cfg.ExtraProperties)...)

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kflow: new client: %w", err)
	}

	initRunloop(rl, cfg, client)

	c := &Consumer{
		cfg:    cfg,
		client: rl.client,
		admin:  rl.kadm,
		rl:     rl,
	}
	rl.start(ctx)
	return c, nil
}

func resetOffsetFor(r ResetPolicy) kgo.Offset {
	switch r {
	case ResetEarliest:
		return kgo.NewOffset().AtStart()
	case ResetLatest:
		return kgo.NewOffset().AtEnd()
	default:
		return kgo.NewOffset().AtEnd()
	}
}

// Subscribe is idempotent for an identical call. Under Topics/Pattern it
// registers the rebalance listener already installed at construction time
// and lets the broker's group protocol drive assignment; under Manual it
// assigns the given topic-partitions directly and bypasses the group
// protocol's rebalance callbacks entirely.
func (c *Consumer) Subscribe(ctx context.Context, sub Subscription) error {
	c.mu.Lock()
	if c.subscription != nil && subscriptionsEqual(*c.subscription, sub) {
		c.mu.Unlock()
		return nil
	}
	c.subscription = &sub
	c.mu.Unlock()

	switch sub.kind {
	case SubscriptionTopics:
		return c.client.withClientCtx(ctx, func(cl *kgo.Client) error {
			cl.AddConsumeTopics(sub.topicList()...)
			return nil
		})
	case SubscriptionPattern:
		return c.client.withClientCtx(ctx, func(cl *kgo.Client) error {
			cl.AddConsumeTopics(sub.pattern.String())
			return nil
		})
	case SubscriptionManual:
		tps := make([]TopicPartition, 0, len(sub.manual))
		for tp := range sub.manual {
			tps = append(tps, tp)
		}
		if err := c.rl.registerManualPartitions(ctx, tps); err != nil {
			c.clearSubscription()
			return err
		}
		offsets := make(map[string]map[int32]kgo.Offset, len(tps))
		if c.cfg.OffsetRetrieval.kind == OffsetRetrievalManual {
			resolved, err := c.cfg.OffsetRetrieval.resolver(ctx, tps)
			if err != nil {
				// The queues registerManualPartitions just created were
				// never subscribed at the broker (AddConsumePartitions
				// below never runs) and never will be, so they must not
				// be left behind for PartitionedStream to hand out — the
				// consumer is left unsubscribed, per spec.
				for _, tp := range tps {
					c.rl.registry.drain(tp)
				}
				c.clearSubscription()
				return &ManualOffsetResolverError{Err: err}
			}
			for tp, at := range resolved {
				if offsets[tp.Topic] == nil {
					offsets[tp.Topic] = make(map[int32]kgo.Offset)
				}
				offsets[tp.Topic][tp.Partition] = kgo.NewOffset().At(at)
			}
		} else {
			for _, tp := range tps {
				if offsets[tp.Topic] == nil {
					offsets[tp.Topic] = make(map[int32]kgo.Offset)
				}
				offsets[tp.Topic][tp.Partition] = resetOffsetFor(c.cfg.OffsetRetrieval.reset)
			}
		}
		return c.client.withClientCtx(ctx, func(cl *kgo.Client) error {
			cl.AddConsumePartitions(offsets)
			return nil
		})
	default:
		return fmt.Errorf("kflow: unknown subscription kind %d", sub.kind)
	}
}

// clearSubscription resets the idempotency check in Subscribe after a
// failed attempt, so a caller's retry isn't short-circuited into thinking
// it's already subscribed.
func (c *Consumer) clearSubscription() {
	c.mu.Lock()
	c.subscription = nil
	c.mu.Unlock()
}

func subscriptionsEqual(a, b Subscription) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case SubscriptionTopics:
		if len(a.topics) != len(b.topics) {
			return false
		}
		for t := range a.topics {
			if _, ok := b.topics[t]; !ok {
				return false
			}
		}
		return true
	case SubscriptionPattern:
		return a.pattern.String() == b.pattern.String()
	case SubscriptionManual:
		if len(a.manual) != len(b.manual) {
			return false
		}
		for tp := range a.manual {
			if _, ok := b.manual[tp]; !ok {
				return false
			}
		}
		return true
	}
	return false
}

// PartitionStream is one topic-partition's lazily-populated inner stream,
// yielded by PartitionedStream.
type PartitionStream struct {
	TopicPartition TopicPartition
	queue          *PartitionQueue
}

// Recv blocks for the next chunk of this partition's records. ok is false
// once the partition's stream has ended (revocation, loss, or shutdown);
// err is non-nil only when it ended abnormally.
func (s *PartitionStream) Recv() (records []CommittableRecord, err error, ok bool) {
	return s.queue.Recv()
}

// PartitionedStream returns a channel yielding one PartitionStream per
// topic-partition as it is assigned. Each PartitionStream's own Recv
// completes on revocation, loss, or shutdown; the outer channel itself
// closes only when the Runloop stops.
func (c *Consumer) PartitionedStream() (<-chan *PartitionStream, error) {
	if c.subscription == nil {
		return nil, ErrNoSubscription
	}
	out := make(chan *PartitionStream, 16)
	go func() {
		defer close(out)
		for {
			select {
			case q, ok := <-c.rl.registry.created:
				if !ok {
					return
				}
				select {
				case out <- &PartitionStream{TopicPartition: q.TopicPartition(), queue: q}:
				case <-c.rl.Done():
					return
				}
			case <-c.rl.Done():
				return
			}
		}
	}()
	return out, nil
}

// PlainStream is an unordered merge of every partition's inner stream, with
// bounded concurrency equal to the number of currently assigned partitions.
// Deserializer failures fail only the record they occurred on; the stream
// itself continues.
func PlainStream[K, V any](ctx context.Context, c *Consumer, kd Deserializer[K], vd Deserializer[V]) (<-chan DecodedRecord[K, V], error) {
	partitions, err := c.PartitionedStream()
	if err != nil {
		return nil, err
	}
	out := make(chan DecodedRecord[K, V], 256)
	var wg sync.WaitGroup
	go func() {
		for ps := range partitions {
			wg.Add(1)
			go func(ps *PartitionStream) {
				defer wg.Done()
				pumpPartition(ctx, ps, kd, vd, out)
			}(ps)
		}
		wg.Wait()
		close(out)
	}()
	return out, nil
}

// DecodedRecord is one deserialized record, or the deserialization error
// that occurred producing it, plus the Offset to commit once it's handled.
type DecodedRecord[K, V any] struct {
	TopicPartition TopicPartition
	Key            K
	Value          V
	Offset         Offset
	Err            error
}

func pumpPartition[K, V any](ctx context.Context, ps *PartitionStream, kd Deserializer[K], vd Deserializer[V], out chan<- DecodedRecord[K, V]) {
	for {
		chunk, err, ok := ps.Recv()
		if !ok {
			if err != nil {
				var zeroK K
				var zeroV V
				select {
				case out <- DecodedRecord[K, V]{TopicPartition: ps.TopicPartition, Key: zeroK, Value: zeroV, Err: err}:
				case <-ctx.Done():
				}
			}
			return
		}
		for _, cr := range chunk {
			dr := DecodedRecord[K, V]{TopicPartition: cr.Record.TopicPartition, Offset: cr.Offset}
			if k, err := kd(cr.Record.TopicPartition.Topic, cr.Record.Key); err != nil {
				dr.Err = &DeserializationError{TopicPartition: cr.Record.TopicPartition, Offset: cr.Record.Offset, Err: err}
			} else if v, err := vd(cr.Record.TopicPartition.Topic, cr.Record.Value); err != nil {
				dr.Err = &DeserializationError{TopicPartition: cr.Record.TopicPartition, Offset: cr.Record.Offset, Err: err}
			} else {
				dr.Key, dr.Value = k, v
			}
			select {
			case out <- dr:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Commit submits a single offset for commit, batched with whatever else the
// Runloop collects before its next tick, retried per cfg.CommitRetry.
func (c *Consumer) Commit(ctx context.Context, o Offset) error {
	return o.Commit(ctx, c.cfg.CommitRetry)
}

// CommitBatch submits an OffsetBatch for commit, same semantics as Commit.
func (c *Consumer) CommitBatch(ctx context.Context, batch OffsetBatch) error {
	return batch.commit(ctx, c.rl, c.cfg.CommitRetry)
}

// EffectFunc is the user-supplied per-record effect for ProcessAndCommit.
// It is expected to handle its own failures; an error here terminates the
// stream.
type EffectFunc[K, V any] func(ctx context.Context, key K, value V) error

// ProcessAndCommit composes PlainStream, an effect per record, and a
// commit of that record's offset once its effect succeeds. Each commit is
// awaited before the next record is taken; offsets are not aggregated
// across records before being submitted. Semantics are at-least-once: on
// termination, in-flight uncommitted offsets are lost and will be
// reprocessed on restart.
func ProcessAndCommit[K, V any](ctx context.Context, c *Consumer, kd Deserializer[K], vd Deserializer[V], effect EffectFunc[K, V]) error {
	records, err := PlainStream(ctx, c, kd, vd)
	if err != nil {
		return err
	}
	for dr := range records {
		if dr.Err != nil {
			return dr.Err
		}
		if err := effect(ctx, dr.Key, dr.Value); err != nil {
			return err
		}
		if err := c.Commit(ctx, dr.Offset); err != nil {
			return err
		}
	}
	return nil
}

// StopConsumption transitions the Runloop to StoppingGracefully and returns
// immediately; it never fails. Existing partition streams drain, pending
// commits still flow, and new partition queues are not created while
// stopping.
func (c *Consumer) StopConsumption() {
	c.rl.stopGracefully()
}

// Close aborts the Runloop immediately: every partition stream closes with
// ErrClosed, pending commits fail, and the broker client is closed with a
// bounded deadline. Use StopConsumption for a graceful shutdown instead.
func (c *Consumer) Close() {
	c.rl.stopHardNow()
	<-c.rl.Done()
}

// SeekToBeginning seeks the given topic-partitions to their earliest
// available offset. Deprecated: prefer OffsetRetrieval.Manual, which
// composes with the rebalance protocol instead of racing it; this is kept
// only for migration compatibility with callers seeking ad hoc.
func (c *Consumer) SeekToBeginning(ctx context.Context, tps []TopicPartition) error {
	return c.seekAll(ctx, tps, kgo.NewOffset().AtStart())
}

// SeekToEnd seeks the given topic-partitions to their latest offset.
// Deprecated: prefer OffsetRetrieval.Manual.
func (c *Consumer) SeekToEnd(ctx context.Context, tps []TopicPartition) error {
	return c.seekAll(ctx, tps, kgo.NewOffset().AtEnd())
}

// SeekToTimestamp seeks the given topic-partitions to the earliest offset
// at or after at. Deprecated: prefer OffsetRetrieval.Manual.
func (c *Consumer) SeekToTimestamp(ctx context.Context, tps []TopicPartition, at time.Time) error {
	offsets, err := c.OffsetsForTimes(ctx, tps, at)
	if err != nil {
		return err
	}
	seeks := make(map[string]map[int32]kgo.Offset, len(offsets))
	for tp, v := range offsets {
		if seeks[tp.Topic] == nil {
			seeks[tp.Topic] = make(map[int32]kgo.Offset)
		}
		seeks[tp.Topic][tp.Partition] = kgo.NewOffset().At(v)
	}
	return c.client.withClientCtx(ctx, func(cl *kgo.Client) error {
		cl.SetOffsets(seeks)
		return nil
	})
}

func (c *Consumer) seekAll(ctx context.Context, tps []TopicPartition, at kgo.Offset) error {
	seeks := make(map[string]map[int32]kgo.Offset, len(tps))
	for _, tp := range tps {
		if seeks[tp.Topic] == nil {
			seeks[tp.Topic] = make(map[int32]kgo.Offset)
		}
		seeks[tp.Topic][tp.Partition] = at
	}
	return c.client.withClientCtx(ctx, func(cl *kgo.Client) error {
		cl.SetOffsets(seeks)
		return nil
	})
}
