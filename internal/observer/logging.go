package observer

import (
	"go.uber.org/zap"
)

// LoggingObserver writes every event to the logger. Failure events log
// at warn, everything else at info.
type LoggingObserver struct {
	logger *zap.Logger
}

// NewLoggingObserver creates a logging observer. A nil logger is
// replaced with a no-op one.
func NewLoggingObserver(logger *zap.Logger) *LoggingObserver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LoggingObserver{logger: logger}
}

func (o *LoggingObserver) Notify(e Event) {
	fields := []zap.Field{
		zap.String("card_id", e.CardID),
		zap.Time("at", e.Timestamp),
	}
	if e.Stage != "" {
		fields = append(fields, zap.String("stage", e.Stage))
	}
	if e.Developer != "" {
		fields = append(fields, zap.String("developer", e.Developer))
	}
	if len(e.Data) > 0 {
		fields = append(fields, zap.Any("data", e.Data))
	}

	switch e.Type {
	case PipelineFailed, StageFailed, DeveloperFailed, CodeReviewFailed:
		o.logger.Warn(string(e.Type), fields...)
	default:
		o.logger.Info(string(e.Type), fields...)
	}
}
