package kflow

import (
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
)

// EventKind tags the variant a DiagnosticsEvent carries.
type EventKind int

const (
	EventPoll EventKind = iota
	EventCommit
	EventRebalanceAssigned
	EventRebalanceRevoked
	EventRebalanceLost
	EventPartitionDropped
)

func (k EventKind) String() string {
	switch k {
	case EventPoll:
		return "poll"
	case EventCommit:
		return "commit"
	case EventRebalanceAssigned:
		return "rebalance.assigned"
	case EventRebalanceRevoked:
		return "rebalance.revoked"
	case EventRebalanceLost:
		return "rebalance.lost"
	case EventPartitionDropped:
		return "partition.dropped"
	default:
		return "unknown"
	}
}

// DiagnosticsEvent is the payload of a single Runloop state transition.
type DiagnosticsEvent struct {
	Kind            EventKind
	PollRecordCount int              // EventPoll
	Batch           OffsetBatch      // EventCommit
	TopicPartitions []TopicPartition // rebalance / dropped events
}

// DiagnosticsSink is a fire-and-forget event emitter the Runloop calls on
// every state transition. The built-in sinks here do not recover panics
// themselves; the Runloop calls every sink through runloop.go's emit
// helper, which recovers a panicking sink so it cannot stop the Runloop.
// Sinks are called synchronously, so a slow sink delays the Runloop.
type DiagnosticsSink interface {
	Emit(DiagnosticsEvent)
}

// DiagnosticsSinkFunc adapts a function to a DiagnosticsSink.
type DiagnosticsSinkFunc func(DiagnosticsEvent)

func (f DiagnosticsSinkFunc) Emit(e DiagnosticsEvent) { f(e) }

// NopDiagnosticsSink discards every event.
var NopDiagnosticsSink DiagnosticsSink = DiagnosticsSinkFunc(func(DiagnosticsEvent) {})

// multiSink fans one event out to several sinks, used so the always-on log
// sink and a caller-supplied metrics sink can coexist.
type multiSink struct {
	sinks []DiagnosticsSink
}

func (m multiSink) Emit(e DiagnosticsEvent) {
	for _, s := range m.sinks {
		s.Emit(e)
	}
}

// logDiagnosticsSink logs every event through a github.com/go-kit/log
// logger: poll and commit events at debug level, rebalance events at info,
// and partition drops at warn. It is always wired in alongside whatever
// sink the caller configures.
type logDiagnosticsSink struct {
	logger log.Logger
}

func newLogDiagnosticsSink(logger log.Logger) logDiagnosticsSink {
	return logDiagnosticsSink{logger: logger}
}

func (s logDiagnosticsSink) Emit(e DiagnosticsEvent) {
	switch e.Kind {
	case EventPoll:
		level.Debug(s.logger).Log("event", e.Kind.String(), "records", e.PollRecordCount)
	case EventCommit:
		level.Debug(s.logger).Log("event", e.Kind.String(), "partitions", e.Batch.Len())
	case EventPartitionDropped:
		level.Warn(s.logger).Log("event", e.Kind.String(), "partitions", fmt.Sprint(e.TopicPartitions))
	default:
		level.Info(s.logger).Log("event", e.Kind.String(), "partitions", fmt.Sprint(e.TopicPartitions))
	}
}

// PromDiagnosticsSink records Runloop events (poll sizes, commit batch
// sizes, rebalance and partition-drop counts) as Prometheus metrics,
// registered against reg. It is meant to sit alongside — not duplicate —
// the broker-level metrics kgo.WithHooks(kprom.NewMetrics(...)) produces;
// see New in consumer.go for where that hook is installed.
type PromDiagnosticsSink struct {
	pollRecords      prometheus.Counter
	commitBatches    prometheus.Counter
	commitPartitions prometheus.Histogram
	rebalanceEvents  *prometheus.CounterVec
	partitionDrops   prometheus.Counter
}

// NewPromDiagnosticsSink builds a sink and registers its collectors with
// reg. reg may be a sub-registerer (e.g. via prometheus.WrapRegistererWith)
// to namespace these alongside a caller's own metrics.
func NewPromDiagnosticsSink(reg prometheus.Registerer) *PromDiagnosticsSink {
	s := &PromDiagnosticsSink{
		pollRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kflow_poll_records_total",
			Help: "Records returned by the broker client across all poll calls.",
		}),
		commitBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kflow_commit_batches_total",
			Help: "Commit batches sent to the broker.",
		}),
		commitPartitions: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "kflow_commit_batch_partitions",
			Help:    "Distinct topic-partitions committed per batch.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 8),
		}),
		rebalanceEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kflow_rebalance_events_total",
			Help: "Rebalance callback invocations by kind.",
		}, []string{"kind"}),
		partitionDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kflow_partition_drops_total",
			Help: "Fetched records silently dropped for unowned partitions.",
		}),
	}
	reg.MustRegister(s.pollRecords, s.commitBatches, s.commitPartitions, s.rebalanceEvents, s.partitionDrops)
	return s
}

func (s *PromDiagnosticsSink) Emit(e DiagnosticsEvent) {
	switch e.Kind {
	case EventPoll:
		s.pollRecords.Add(float64(e.PollRecordCount))
	case EventCommit:
		s.commitBatches.Inc()
		s.commitPartitions.Observe(float64(e.Batch.Len()))
	case EventRebalanceAssigned:
		s.rebalanceEvents.WithLabelValues("assigned").Add(float64(len(e.TopicPartitions)))
	case EventRebalanceRevoked:
		s.rebalanceEvents.WithLabelValues("revoked").Add(float64(len(e.TopicPartitions)))
	case EventRebalanceLost:
		s.rebalanceEvents.WithLabelValues("lost").Add(float64(len(e.TopicPartitions)))
	case EventPartitionDropped:
		s.partitionDrops.Add(float64(len(e.TopicPartitions)))
	}
}
