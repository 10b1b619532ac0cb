package kflow

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/go-kit/log"
	"github.com/twmb/franz-go/plugin/kprom"
)

// SubscriptionKind tags which variant a Subscription carries.
type SubscriptionKind int

const (
	SubscriptionTopics SubscriptionKind = iota
	SubscriptionPattern
	SubscriptionManual
)

// Subscription selects what a Consumer reads: an explicit set of topics, a
// regex pattern matched against the cluster's topic list, or a manually
// assigned set of topic-partitions (which bypasses the broker's group
// protocol entirely for partition assignment).
type Subscription struct {
	kind    SubscriptionKind
	topics  map[string]struct{}
	pattern *regexp.Regexp
	manual  map[TopicPartition]struct{}
}

// Topics subscribes to a fixed set of topic names via the broker's
// consumer-group protocol.
func Topics(topics ...string) Subscription {
	set := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		set[t] = struct{}{}
	}
	return Subscription{kind: SubscriptionTopics, topics: set}
}

// Pattern subscribes to every topic currently matching re, re-evaluated as
// the cluster's topic list changes, via the broker's consumer-group
// protocol.
func Pattern(re *regexp.Regexp) Subscription {
	return Subscription{kind: SubscriptionPattern, pattern: re}
}

// Manual assigns a fixed set of topic-partitions directly, with no group
// membership and no rebalance protocol involved.
func Manual(tps ...TopicPartition) Subscription {
	set := make(map[TopicPartition]struct{}, len(tps))
	for _, tp := range tps {
		set[tp] = struct{}{}
	}
	return Subscription{kind: SubscriptionManual, manual: set}
}

func (s Subscription) topicList() []string {
	out := make([]string, 0, len(s.topics))
	for t := range s.topics {
		out = append(out, t)
	}
	return out
}

// ResetPolicy controls where an Auto OffsetRetrieval starts reading a
// partition with no committed offset.
type ResetPolicy int

const (
	ResetEarliest ResetPolicy = iota
	ResetLatest
	ResetNone
)

// OffsetRetrievalResolver computes starting offsets for a newly assigned
// set of topic-partitions under OffsetRetrieval.Manual. It is called
// synchronously from the rebalance callback and must return promptly —
// it runs on the Runloop's own goroutine, inside poll.
type OffsetRetrievalResolver func(ctx context.Context, tps []TopicPartition) (map[TopicPartition]int64, error)

// OffsetRetrievalKind tags which variant an OffsetRetrieval carries.
type OffsetRetrievalKind int

const (
	OffsetRetrievalAuto OffsetRetrievalKind = iota
	OffsetRetrievalManual
)

// OffsetRetrieval selects how a newly assigned partition's starting offset
// is determined: Auto defers entirely to the broker's committed-offset /
// reset-policy machinery; Manual calls resolver once per assignment batch
// and seeks the client to whatever it returns.
//
// The three Seek* façade operations (SeekToBeginning, SeekToEnd,
// SeekToTimestamp) predate OffsetRetrieval.Manual and are kept for
// migration compatibility, but OffsetRetrieval.Manual is the preferred way
// to control starting offsets — it composes with the rebalance protocol
// instead of racing it.
type OffsetRetrieval struct {
	kind     OffsetRetrievalKind
	reset    ResetPolicy
	resolver OffsetRetrievalResolver
}

// Auto defers to the broker: committed offsets are used where present,
// falling back to reset when a partition has none.
func Auto(reset ResetPolicy) OffsetRetrieval {
	return OffsetRetrieval{kind: OffsetRetrievalAuto, reset: reset}
}

// ManualOffsets calls resolver for every newly assigned batch of
// topic-partitions and seeks each to the offset it returns.
func ManualOffsets(resolver OffsetRetrievalResolver) OffsetRetrieval {
	return OffsetRetrieval{kind: OffsetRetrievalManual, resolver: resolver}
}

// Config configures a Consumer. Bootstrap servers and GroupID are required;
// everything else has a documented default applied by Validate.
type Config struct {
	BootstrapServers []string
	GroupID          string
	ClientID         string

	// CloseTimeout bounds how long the Runloop waits for the broker client's
	// close before giving up on it.
	CloseTimeout time.Duration
	// PollInterval is the minimum spacing between successive polls: the
	// Runloop polls on a ticker at this interval, and commit submissions
	// are serviced on those same ticks rather than waking the loop early.
	PollInterval time.Duration
	// PollTimeout bounds how long a single poll call waits for records.
	PollTimeout time.Duration
	// PerPartitionPrefetch is the high-water mark, in chunks, at or above
	// which a partition's queue causes that partition to be paused.
	PerPartitionPrefetch int

	OffsetRetrieval OffsetRetrieval

	// ExtraProperties is forwarded to the underlying client as best-effort
	// client options; see translateExtraProperties.
	ExtraProperties map[string]string

	Logger      log.Logger
	Diagnostics DiagnosticsSink
	CommitRetry RetryPolicy

	// BrokerMetrics, if set, is installed via kgo.WithHooks so broker-level
	// metrics (connection lifecycle, request latency, bytes in/out) are
	// collected alongside whatever Diagnostics observes at the Runloop
	// level. Build it with kprom.NewMetrics and register it the same way
	// you would any other collector.
	BrokerMetrics *kprom.Metrics

	ShutdownGrace time.Duration
}

// Validate fills in documented defaults for zero-valued fields and returns
// an error if required fields are missing.
func (c *Config) Validate() error {
	if len(c.BootstrapServers) == 0 {
		return fmt.Errorf("kflow: BootstrapServers must not be empty")
	}
	if c.GroupID == "" {
		return fmt.Errorf("kflow: GroupID must not be empty")
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = 10 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 50 * time.Millisecond
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 1 * time.Second
	}
	if c.PerPartitionPrefetch <= 0 {
		c.PerPartitionPrefetch = 16
	}
	if c.Logger == nil {
		c.Logger = log.NewNopLogger()
	}
	if c.Diagnostics == nil {
		c.Diagnostics = NopDiagnosticsSink
	}
	c.Diagnostics = multiSink{sinks: []DiagnosticsSink{newLogDiagnosticsSink(c.Logger), c.Diagnostics}}
	if c.CommitRetry == (RetryPolicy{}) {
		c.CommitRetry = DefaultRetryPolicy
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = c.CloseTimeout
	}
	return nil
}
