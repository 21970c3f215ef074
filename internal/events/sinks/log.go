package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/jobqueue/internal/events"
)

// LogSink writes one structured log line per lifecycle event.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wraps logger.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in batch.
func (s *LogSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("stage", string(evt.Stage)),
			zap.String("kind", string(evt.Kind)),
			zap.Time("ts", evt.TS),
		}
		if evt.ItemID != "" {
			fields = append(fields, zap.String("item_id", evt.ItemID))
		}
		if evt.Status != "" {
			fields = append(fields, zap.String("status", string(evt.Status)))
		}
		if evt.Attempt > 0 {
			fields = append(fields, zap.Int("attempt", evt.Attempt))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		s.logger.Info("queue lifecycle event", fields...)
	}
	return nil
}

// Close is a no-op.
func (s *LogSink) Close(context.Context) error {
	return nil
}
