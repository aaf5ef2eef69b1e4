package observability

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/steveyegge/mend/internal/types"
)

// RunFields converts a run record into structured log fields
func RunFields(rec *types.RunRecord) []zap.Field {
	fields := []zap.Field{
		zap.String("run_id", rec.ID),
		zap.String("trigger", rec.Trigger),
		zap.String("outcome", string(rec.Outcome)),
		zap.String("health", string(rec.Health)),
		zap.Float64("coherence_before", rec.Coherence.Before),
		zap.Float64("coherence_after", rec.Coherence.After),
		zap.Float64("coherence_delta", rec.Coherence.Delta),
		zap.Int("files_scanned", rec.Healing.FilesScanned),
		zap.Int("files_healed", rec.Healing.FilesHealed),
		zap.Int64("duration_ms", rec.DurationMs),
	}
	if rec.FailedStep != "" {
		fields = append(fields, zap.String("failed_step", rec.FailedStep))
	}
	if rec.Error != "" {
		fields = append(fields, zap.String("error", rec.Error))
	}
	return fields
}

// LogRun writes the single summary line for a finished run.
// Unhealthy runs are logged at warn level.
func LogRun(logger *zap.Logger, rec *types.RunRecord) {
	level := zapcore.InfoLevel
	switch rec.Health {
	case types.HealthRolledBack, types.HealthAborted, types.HealthWarning:
		level = zapcore.WarnLevel
	case types.HealthFailed:
		level = zapcore.ErrorLevel
	}
	if ce := logger.Check(level, rec.Whisper); ce != nil {
		ce.Write(RunFields(rec)...)
	}
}
