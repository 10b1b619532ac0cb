// Package kflow is a streaming consumer façade over a Kafka-compatible
// broker, built on top of github.com/twmb/franz-go's low-level client.
//
// The façade itself (Consumer, PartitionedStream, Commit, ...) is a thin
// wrapper. The substantive part of this package is the Runloop: a single
// goroutine that owns the underlying *kgo.Client for the consumer's
// lifetime and multiplexes three producers of work over it — the poll
// loop, user-submitted commit requests, and broker rebalance callbacks —
// while honoring backpressure and graceful shutdown.
package kflow
