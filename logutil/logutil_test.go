package logutil

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"trace": LevelTrace,
		"TRACE": LevelTrace,
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}

	for s, want := range cases {
		got, ok := ParseLevel(s)
		assert.True(t, ok, s)
		assert.Equal(t, want, got, s)
	}

	_, ok := ParseLevel("loud")
	assert.False(t, ok)
}

func TestParseFormat(t *testing.T) {
	for s, want := range map[string]Format{"": FormatText, "text": FormatText, "JSON": FormatJSON} {
		got, err := ParseFormat(s)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := ParseFormat("xml")
	assert.ErrorContains(t, err, "unknown log format")
}

func TestTrace(t *testing.T) {
	var b bytes.Buffer
	defer slog.SetDefault(slog.Default())

	slog.SetDefault(NewLogger(&b, slog.LevelDebug))
	Trace("hidden")
	assert.Empty(t, b.String())

	slog.SetDefault(NewLogger(&b, LevelTrace))
	Trace("shown", "layer", 3)

	line := b.String()
	assert.Contains(t, line, "level=TRACE")
	assert.Contains(t, line, "source=logutil_test.go:")
	assert.Contains(t, line, "layer=3")
}

func TestJSON(t *testing.T) {
	var b bytes.Buffer
	New(&b, LevelTrace, FormatJSON).Log(t.Context(), LevelTrace, "cache put", "len", 4)

	var record map[string]any
	require.NoError(t, json.Unmarshal(b.Bytes(), &record))
	assert.Equal(t, "TRACE", record["level"])
	assert.Equal(t, "cache put", record["msg"])
	assert.Equal(t, float64(4), record["len"])

	source, ok := record["source"].(map[string]any)
	require.True(t, ok)
	assert.False(t, strings.Contains(source["file"].(string), "/"))
}
