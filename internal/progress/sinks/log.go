package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-catalog/internal/progress"
)

// LogSink writes each progress event as a structured log line.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs every event. Run-level stages log at info, per-request stages at
// debug so burst refreshes stay quiet.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("run_id", evt.RunUUID().String()),
			zap.String("stage", string(evt.Stage)),
		}
		if evt.Store != "" {
			fields = append(fields, zap.String("store", evt.Store))
		}
		if evt.Task != "" {
			fields = append(fields, zap.String("task", evt.Task))
		}
		fields = append(fields, zap.Int64("hits", evt.Hits), zap.Duration("dur", evt.Dur))
		if evt.Expected > 0 {
			fields = append(fields, zap.Int64("expected", evt.Expected))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		switch evt.Stage {
		case progress.StageProbeDone, progress.StageFetchDone:
			s.logger.Debug("progress event", fields...)
		case progress.StageFetchDropped, progress.StageRunError:
			s.logger.Warn("progress event", fields...)
		default:
			s.logger.Info("progress event", fields...)
		}
	}
	return nil
}

// Close implements progress.Sink.
func (s *LogSink) Close(context.Context) error {
	return nil
}
