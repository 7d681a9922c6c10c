package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name   string
		level  slog.Level
		format string
	}{
		{name: "json format with info level", level: slog.LevelInfo, format: "json"},
		{name: "text format with debug level", level: slog.LevelDebug, format: "text"},
		{name: "default format (json) with error level", level: slog.LevelError, format: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := New(tt.level, tt.format)
			require.NotNil(t, logger)
			assert.NotNil(t, logger.Logger)
		})
	}
}

func TestWithContext(t *testing.T) {
	tests := []struct {
		name       string
		ctx        context.Context
		wantFeed   string
		wantWorker string
	}{
		{
			name:     "feed only",
			ctx:      ContextWithFeed(context.Background(), "spamhaus-drop"),
			wantFeed: "spamhaus-drop",
		},
		{
			name:       "feed and worker",
			ctx:        ContextWithWorker(ContextWithFeed(context.Background(), "abuse-ch"), "p1/t2"),
			wantFeed:   "abuse-ch",
			wantWorker: "p1/t2",
		},
		{
			name: "bare context",
			ctx:  context.Background(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewWithWriter(&buf, slog.LevelInfo, "json")

			logger.InfoContext(tt.ctx, "processed")

			var entry map[string]any
			require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
			assert.Equal(t, "processed", entry["msg"])

			if tt.wantFeed != "" {
				assert.Equal(t, tt.wantFeed, entry[FieldFeed])
			} else {
				assert.NotContains(t, entry, FieldFeed)
			}
			if tt.wantWorker != "" {
				assert.Equal(t, tt.wantWorker, entry[FieldWorker])
			} else {
				assert.NotContains(t, entry, FieldWorker)
			}
		})
	}
}

func TestContextFieldsOnPlainLogger(t *testing.T) {
	var buf bytes.Buffer
	plain := NewWithWriter(&buf, slog.LevelInfo, "json").Logger
	ctx := ContextWithWorker(ContextWithFeed(context.Background(), "abuse-ch"), "p0/t1")

	plain.With(Feed("spamhaus-drop")).WarnContext(ctx, "plugin failed")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "p0/t1", entry[FieldWorker])
	// An explicit attribute is not repeated from the context.
	assert.Equal(t, "spamhaus-drop", entry[FieldFeed])
	assert.Equal(t, 1, strings.Count(buf.String(), `"feed"`))
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.input))
		})
	}
}

func TestTextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, slog.LevelDebug, "text").With(Service("intel"))

	logger.Debug("tick", Count(3))

	out := buf.String()
	assert.True(t, strings.Contains(out, "service=intel"), out)
	assert.True(t, strings.Contains(out, "count=3"), out)
}

func TestOrDefault(t *testing.T) {
	assert.Same(t, slog.Default(), OrDefault(nil))

	l := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	assert.Same(t, l, OrDefault(l))
}
