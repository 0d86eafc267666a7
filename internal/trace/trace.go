// Package trace records timed spans around the stages of a tile render.
package trace

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Tracer starts spans. A nil Tracer is valid and records nothing.
type Tracer interface {
	Start(ctx context.Context, name string) (context.Context, Span)
}

// Span is an interval opened by a Tracer.
type Span interface {
	End()
}

type noopSpan struct{}

func (noopSpan) End() {}

// Start opens a span on t, or returns a no-op span when t is nil.
func Start(ctx context.Context, t Tracer, name string) (context.Context, Span) {
	if t == nil {
		return ctx, noopSpan{}
	}
	return t.Start(ctx, name)
}

type spanKey struct{}

type spanInfo struct {
	id     uint64
	trace  uint64
	name   string
	parent string
}

// LogTracer writes one log entry per finished span.
type LogTracer struct {
	log   logrus.FieldLogger
	level logrus.Level
	seq   atomic.Uint64
}

// NewLogTracer creates a tracer that logs finished spans at debug level.
func NewLogTracer(log logrus.FieldLogger) *LogTracer {
	return &LogTracer{log: log, level: logrus.DebugLevel}
}

// WithLevel returns a copy of the tracer logging at the given level.
func (t *LogTracer) WithLevel(level logrus.Level) *LogTracer {
	n := &LogTracer{log: t.log, level: level}
	n.seq.Store(t.seq.Load())
	return n
}

// Start implements Tracer.
func (t *LogTracer) Start(ctx context.Context, name string) (context.Context, Span) {
	info := spanInfo{id: t.seq.Add(1), name: name}
	if parent, ok := ctx.Value(spanKey{}).(spanInfo); ok {
		info.trace = parent.trace
		info.parent = parent.name
	} else {
		info.trace = info.id
	}
	return context.WithValue(ctx, spanKey{}, info), &logSpan{tracer: t, info: info, start: time.Now()}
}

type logSpan struct {
	tracer *LogTracer
	info   spanInfo
	start  time.Time
	done   atomic.Bool
}

func (s *logSpan) End() {
	if s.done.Swap(true) {
		return
	}
	fields := logrus.Fields{
		"span":        s.info.name,
		"trace_id":    s.info.trace,
		"duration_ms": float64(time.Since(s.start).Microseconds()) / 1000,
	}
	if s.info.parent != "" {
		fields["parent"] = s.info.parent
	}
	s.tracer.log.WithFields(fields).Log(s.tracer.level, "span finished")
}
