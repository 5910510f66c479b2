package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"DEBUG", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{" error ", zerolog.ErrorLevel},
		{"unknown", zerolog.InfoLevel},
		{"", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLevel(tt.input), "ParseLevel(%q)", tt.input)
	}
}

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, zerolog.InfoLevel, false)

	logger.Debug().Msg("hidden")
	logger.Info().Str("label", "Rust").Msg("prediction")

	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m), buf.String())
	assert.Equal(t, "prediction", m["message"])
	assert.Equal(t, "Rust", m["label"])
	assert.Equal(t, "info", m["level"])
	assert.Contains(t, m, "time")
}

func TestNewPretty(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, zerolog.DebugLevel, true)
	logger.Debug().Str("label", "Rust").Msg("prediction")

	out := buf.String()
	assert.Contains(t, out, "prediction")
	assert.Contains(t, out, "label=")
	assert.NotContains(t, out, "{")
}
