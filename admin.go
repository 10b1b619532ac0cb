package kflow

import (
	"context"
	"sort"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
)

// kadmPassthrough wraps a kadm.Client built on the same underlying
// kgo.Client as the Runloop, for the metadata/admin operations the original
// treats as direct pass-through calls rather than Runloop-coordinated work.
// These still go through the clientGate — kadm issues requests on the same
// non-reentrant connection the Runloop polls with.
type kadmPassthrough struct {
	admin *kadm.Client
}

func newKadmPassthrough(client *kgo.Client) *kadmPassthrough {
	return &kadmPassthrough{admin: kadm.NewClient(client)}
}

// ListTopics returns every topic visible in the cluster metadata.
func (c *Consumer) ListTopics(ctx context.Context) ([]string, error) {
	var names []string
	err := c.client.withClientCtx(ctx, func(*kgo.Client) error {
		details, err := c.admin.admin.ListTopics(ctx)
		if err != nil {
			return err
		}
		names = make([]string, 0, len(details))
		for topic := range details {
			names = append(names, topic)
		}
		return nil
	})
	return names, err
}

// PartitionsFor returns the sorted partition IDs for topic.
func (c *Consumer) PartitionsFor(ctx context.Context, topic string) ([]int32, error) {
	var partitions []int32
	err := c.client.withClientCtx(ctx, func(*kgo.Client) error {
		details, err := c.admin.admin.ListTopics(ctx, topic)
		if err != nil {
			return err
		}
		detail, ok := details[topic]
		if !ok {
			return nil
		}
		partitions = make([]int32, 0, len(detail.Partitions))
		for p := range detail.Partitions {
			partitions = append(partitions, p)
		}
		sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })
		return nil
	})
	return partitions, err
}

// BeginningOffsets returns the earliest available offset for each tp.
func (c *Consumer) BeginningOffsets(ctx context.Context, tps []TopicPartition) (map[TopicPartition]int64, error) {
	out := make(map[TopicPartition]int64, len(tps))
	err := c.client.withClientCtx(ctx, func(*kgo.Client) error {
		topics := topicSetOf(tps)
		listed, err := c.admin.admin.ListStartOffsets(ctx, topics...)
		if err != nil {
			return err
		}
		fillFromListedOffsets(out, tps, listed)
		return nil
	})
	return out, err
}

// EndOffsets returns the high-water mark offset for each tp.
func (c *Consumer) EndOffsets(ctx context.Context, tps []TopicPartition) (map[TopicPartition]int64, error) {
	out := make(map[TopicPartition]int64, len(tps))
	err := c.client.withClientCtx(ctx, func(*kgo.Client) error {
		topics := topicSetOf(tps)
		listed, err := c.admin.admin.ListEndOffsets(ctx, topics...)
		if err != nil {
			return err
		}
		fillFromListedOffsets(out, tps, listed)
		return nil
	})
	return out, err
}

// OffsetsForTimes returns, for each tp, the earliest offset whose timestamp
// is >= at.
func (c *Consumer) OffsetsForTimes(ctx context.Context, tps []TopicPartition, at time.Time) (map[TopicPartition]int64, error) {
	out := make(map[TopicPartition]int64, len(tps))
	err := c.client.withClientCtx(ctx, func(*kgo.Client) error {
		topics := topicSetOf(tps)
		listed, err := c.admin.admin.ListOffsetsAfterMilli(ctx, at.UnixMilli(), topics...)
		if err != nil {
			return err
		}
		fillFromListedOffsets(out, tps, listed)
		return nil
	})
	return out, err
}

func topicSetOf(tps []TopicPartition) []string {
	seen := make(map[string]struct{}, len(tps))
	out := make([]string, 0, len(tps))
	for _, tp := range tps {
		if _, ok := seen[tp.Topic]; !ok {
			seen[tp.Topic] = struct{}{}
			out = append(out, tp.Topic)
		}
	}
	return out
}

func fillFromListedOffsets(out map[TopicPartition]int64, tps []TopicPartition, listed kadm.ListedOffsets) {
	for _, tp := range tps {
		byTopic, ok := listed[tp.Topic]
		if !ok {
			continue
		}
		offset, ok := byTopic[tp.Partition]
		if !ok {
			continue
		}
		out[tp] = offset.Offset
	}
}
