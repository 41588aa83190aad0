package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/crawlengine/internal/progress"
)

// LogSink writes one structured line per event. Run stages log at info,
// everything else at debug so a default logger shows only run boundaries.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wraps logger.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("progress")}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		level := zapcore.DebugLevel
		switch evt.Stage {
		case progress.StageRunStart, progress.StageRunDone:
			level = zapcore.InfoLevel
		case progress.StageRunError:
			level = zapcore.WarnLevel
		}
		ce := s.logger.Check(level, "progress event")
		if ce == nil {
			continue
		}
		fields := []zap.Field{
			zap.String("run_id", evt.RunID),
			zap.String("stage", string(evt.Stage)),
			zap.Time("ts", evt.TS),
		}
		if evt.Site != "" {
			fields = append(fields, zap.String("site", evt.Site), zap.String("url", evt.URL))
		}
		if evt.StatusClass != "" {
			fields = append(fields, zap.String("status_class", string(evt.StatusClass)), zap.Int64("bytes", evt.Bytes))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		ce.Write(fields...)
	}
	return nil
}

// Close does nothing; the logger's owner syncs it.
func (s *LogSink) Close(context.Context) error {
	return nil
}
