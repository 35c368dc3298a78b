package logger

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerModuleAndLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(INFO, &buf, false)

	l.Debug("Pipeline", "hidden %d", 1)
	assert.Empty(t, buf.String())

	l.Info("Pipeline", "frame %d processed", 7)
	out := buf.String()
	assert.Contains(t, out, "[INFO]")
	assert.Contains(t, out, "[Pipeline]")
	assert.Contains(t, out, "frame 7 processed")

	buf.Reset()
	l.SetLevel(DEBUG)
	assert.Equal(t, DEBUG, l.GetLevel())
	l.Debug("Collision", "streak=%d", 2)
	assert.Contains(t, buf.String(), "[DEBUG]")
	assert.Contains(t, buf.String(), "streak=2")
}

func TestLoggerSilent(t *testing.T) {
	var buf bytes.Buffer
	l := New(SILENT, &buf, false)
	l.Error("Alert", "should not appear")
	assert.Empty(t, buf.String())
	assert.Equal(t, SILENT, l.GetLevel())
}

func TestLoggerColor(t *testing.T) {
	var buf bytes.Buffer
	l := New(INFO, &buf, true)
	l.Warn("Source", "slow")
	assert.Contains(t, buf.String(), "\033[33m[WARN]")
}

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"debug":   DEBUG,
		"INFO":    INFO,
		"warning": WARN,
		"error":   ERROR,
		"none":    SILENT,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
	assert.Equal(t, "WARN", WARN.String())
	assert.Equal(t, "UNKNOWN", LogLevel(42).String())
}
