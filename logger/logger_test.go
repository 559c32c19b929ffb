package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestInitialize(t *testing.T) {
	err := Initialize(false)
	require.NoError(t, err)
	require.NotNil(t, Logger)
	assert.False(t, JSONOutput)

	err = Initialize(true)
	require.NoError(t, err)
	assert.True(t, JSONOutput)
}

func TestHelpersSafeBeforeInitialize(t *testing.T) {
	// The package-level helpers guard against a nil logger; the init()
	// nop logger means these must never panic.
	Infow("info", FieldGuildID, "g-1")
	Warnw("warn", FieldPath, "prompts/system.md")
	Errorw("error", FieldError, "boom")
	Debugw("debug", FieldCount, 3)
}

func TestVerbosityToLevel(t *testing.T) {
	tests := []struct {
		name      string
		verbosity int
		want      zapcore.Level
	}{
		{"default is warn", 0, zapcore.WarnLevel},
		{"single v is info", 1, zapcore.InfoLevel},
		{"double v is debug", 2, zapcore.DebugLevel},
		{"beyond double stays debug", 5, zapcore.DebugLevel},
		{"negative clamps to warn", -1, zapcore.WarnLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, VerbosityToLevel(tt.verbosity))
		})
	}
}

func TestFieldsFromContext(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, FieldsFromContext(ctx))

	ctx = WithGuildID(ctx, "g-1042")
	ctx = WithRequestID(ctx, "req-7")
	fields := FieldsFromContext(ctx)
	assert.Equal(t, []interface{}{FieldGuildID, "g-1042", FieldRequestID, "req-7"}, fields)
}

func TestAbbreviateName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"resolver", "resolver"},
		{"prompt.chain", "p.chain"},
		{"cache.sqlite.tier", "c.sqlite.tier"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, abbreviateName(tt.in))
	}
}

func TestExtractFieldValues(t *testing.T) {
	fields := []zapcore.Field{
		{Key: FieldGuildID, Type: zapcore.StringType, String: "g-1042"},
		{Key: FieldSource, Type: zapcore.StringType, String: "custom_stale"},
		{Key: FieldDurationMS, Type: zapcore.Int64Type, Integer: 12},
		{Key: "unrelated", Type: zapcore.StringType, String: "ignored"},
	}

	out := extractFieldValues(fields)
	assert.Contains(t, out, "g-1042")
	assert.Contains(t, out, "custom_stale")
	assert.Contains(t, out, "12")
	assert.NotContains(t, out, "ignored")
}
