package audit

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/dshills/calcrt/internal/logging"
)

// LogSink writes entries as structured log lines.
type LogSink struct {
	log *logging.Logger
}

// NewLogSink creates a sink logging through log.
func NewLogSink(log *logging.Logger) *LogSink {
	if log == nil {
		log = logging.Nop()
	}
	return &LogSink{log: log}
}

// Record implements Sink.
func (s *LogSink) Record(_ context.Context, e Entry) {
	var ev *zerolog.Event
	switch {
	case e.Severity == SeverityCritical:
		ev = s.log.Error()
	case e.Severity == SeverityWarning || !e.Success:
		ev = s.log.Warn()
	default:
		ev = s.log.Info()
	}

	ev = ev.Str("kind", string(e.Kind)).
		Str("plugin", e.PluginID).
		Bool("success", e.Success).
		Str("severity", e.Severity.String())
	if e.Duration > 0 {
		ev = ev.Dur("duration", e.Duration)
	}
	if len(e.Detail) > 0 {
		ev = ev.Fields(e.Detail)
	}
	if e.Err != nil {
		ev = ev.Err(e.Err)
	}
	ev.Msg("audit")
}
