package kflow

import (
	"strconv"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/twmb/franz-go/pkg/kgo"
)

// kgoLogger adapts a github.com/go-kit/log logger to kgo.Logger, the
// interface kgo.WithLogger expects for the broker client's own internal
// logging (connection lifecycle, metadata refreshes, request retries —
// separate from the Runloop's own DiagnosticsSink events).
type kgoLogger struct {
	logger log.Logger
}

func newKgoLogger(logger log.Logger) kgoLogger {
	return kgoLogger{logger: logger}
}

func (l kgoLogger) Level() kgo.LogLevel { return kgo.LogLevelDebug }

func (l kgoLogger) Log(lvl kgo.LogLevel, msg string, keyvals ...interface{}) {
	kv := append([]interface{}{"msg", msg}, keyvals...)
	switch lvl {
	case kgo.LogLevelError:
		level.Error(l.logger).Log(kv...)
	case kgo.LogLevelWarn:
		level.Warn(l.logger).Log(kv...)
	case kgo.LogLevelInfo:
		level.Info(l.logger).Log(kv...)
	default:
		level.Debug(l.logger).Log(kv...)
	}
}

// translateExtraProperties turns Config.ExtraProperties into kgo.Opts on a
// best-effort basis: only the handful of keys below are recognized, and an
// unrecognized key or a malformed value is skipped silently (no log, no
// error), since
// ExtraProperties is meant as an escape hatch for tuning knobs the façade
// doesn't otherwise expose, not a strict config schema.
func translateExtraProperties(props map[string]string) []kgo.Opt {
	var opts []kgo.Opt
	for k, v := range props {
		switch k {
		case "session.timeout.ms":
			if d, err := parseMillis(v); err == nil {
				opts = append(opts, kgo.SessionTimeout(d))
			}
		case "rebalance.timeout.ms":
			if d, err := parseMillis(v); err == nil {
				opts = append(opts, kgo.RebalanceTimeout(d))
			}
		case "heartbeat.interval.ms":
			if d, err := parseMillis(v); err == nil {
				opts = append(opts, kgo.HeartbeatInterval(d))
			}
		case "fetch.max.bytes":
			if n, err := parseInt32(v); err == nil {
				opts = append(opts, kgo.FetchMaxBytes(n))
			}
		case "request.timeout.overhead.ms":
			if d, err := parseMillis(v); err == nil {
				opts = append(opts, kgo.RequestTimeoutOverhead(d))
			}
		}
	}
	return opts
}

func parseMillis(v string) (time.Duration, error) {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Millisecond, nil
}

func parseInt32(v string) (int32, error) {
	n, err := strconv.ParseInt(v, 10, 32)
	if err != nil {
		return 0, err
	}
	return int32(n), nil
}
