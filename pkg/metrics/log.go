package metrics

import (
	"context"
	"log/slog"
)

// LogObserver writes each event as one structured log record.
type LogObserver struct {
	logger *slog.Logger
}

func NewLogObserver(logger *slog.Logger) *LogObserver {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogObserver{logger: logger}
}

func (o *LogObserver) RecordEvent(ev Event) {
	attrs := []slog.Attr{
		slog.String("name", ev.Name),
		slog.Time("time", ev.Time),
		slog.Float64("value", ev.Value),
	}
	for k, v := range ev.Tags {
		attrs = append(attrs, slog.String(k, v))
	}
	for k, v := range ev.Fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	o.logger.LogAttrs(context.Background(), slog.LevelInfo, "metrics", attrs...)
}
