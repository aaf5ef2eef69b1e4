package observability

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/steveyegge/mend/internal/config"
	"github.com/steveyegge/mend/internal/types"
)

func TestInitializeWritesConsoleAndFile(t *testing.T) {
	ResetForTest()
	defer ResetForTest()

	logFile := filepath.Join(t.TempDir(), ".mend", "mend.log")
	var console bytes.Buffer
	Initialize(config.LoggerConfig{Level: "debug", Format: "console", File: logFile, MaxSizeMB: 1}, zapcore.AddSync(&console))

	GetLogger().Info("healing started", zap.Int("files", 2))
	Sync()

	assert.Contains(t, console.String(), "healing started")

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "INFO")
	assert.Contains(t, string(data), "healing started")
	assert.Contains(t, string(data), `"files": 2`)
}

func TestInitializeOnlyOnce(t *testing.T) {
	ResetForTest()
	defer ResetForTest()

	var first, second bytes.Buffer
	Initialize(config.LoggerConfig{Level: "info"}, zapcore.AddSync(&first))
	Initialize(config.LoggerConfig{Level: "info"}, zapcore.AddSync(&second))

	GetLogger().Info("hello")
	assert.Contains(t, first.String(), "hello")
	assert.Empty(t, second.String())
}

func TestInitializeInvalidLevelFallsBackToInfo(t *testing.T) {
	ResetForTest()
	defer ResetForTest()

	var buf bytes.Buffer
	Initialize(config.LoggerConfig{Level: "chatty"}, zapcore.AddSync(&buf))

	GetLogger().Debug("hidden")
	GetLogger().Info("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestGetLoggerBeforeInitialize(t *testing.T) {
	ResetForTest()
	logger := GetLogger()
	require.NotNil(t, logger)
	logger.Info("goes nowhere")
}

func TestLogRunLevels(t *testing.T) {
	tests := []struct {
		health types.RunHealth
		want   zapcore.Level
	}{
		{types.HealthHealthy, zapcore.InfoLevel},
		{types.HealthRolledBack, zapcore.WarnLevel},
		{types.HealthFailed, zapcore.ErrorLevel},
	}

	for _, tt := range tests {
		t.Run(string(tt.health), func(t *testing.T) {
			core, logs := observer.New(zapcore.DebugLevel)
			rec := &types.RunRecord{
				ID:         "run-1",
				Trigger:    "manual",
				Health:     tt.health,
				Outcome:    types.OutcomeMerged,
				Whisper:    "healed 1 file",
				FailedStep: "test",
			}
			LogRun(zap.New(core), rec)

			entries := logs.All()
			require.Len(t, entries, 1)
			assert.Equal(t, tt.want, entries[0].Level)
			assert.Equal(t, "healed 1 file", entries[0].Message)
			assert.Equal(t, "run-1", entries[0].ContextMap()["run_id"])
			assert.Equal(t, "test", entries[0].ContextMap()["failed_step"])
		})
	}
}
