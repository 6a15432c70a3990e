package transcript

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerWritesPerSessionNDJSON(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	global := filepath.Join(dir, "all", "all.ndjson")
	logger, err := New(Config{
		Enabled:       true,
		Dir:           dir,
		GlobalEnabled: true,
		GlobalPath:    global,
		QueueSize:     16,
	}, slog.Default())
	require.NoError(t, err)

	logger.Log(Event{
		LearnerID:  "learner-1",
		SessionID:  "sess-1",
		Channel:    "http",
		Direction:  "inbound",
		EventType:  "learner_message",
		ContentRaw: "is it \x1b[1m5/12\x1b[0m",
	})
	require.NoError(t, logger.Close())

	line := lastLine(t, filepath.Join(dir, "learner-1", "sess-1.ndjson"))
	var got Event
	require.NoError(t, json.Unmarshal([]byte(line), &got))
	assert.Equal(t, "learner_message", got.EventType)
	assert.Equal(t, "is it 5/12", got.Content)
	assert.False(t, got.Timestamp.IsZero())

	assert.Equal(t, line, lastLine(t, global))
}

func TestLoggerSanitizesPathComponents(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	logger, err := New(Config{Enabled: true, Dir: dir, QueueSize: 4}, nil)
	require.NoError(t, err)

	logger.Log(Event{LearnerID: "../../etc", SessionID: "a/b", EventType: "x"})
	require.NoError(t, logger.Close())

	_, err = os.Stat(filepath.Join(dir, "_.._etc", "a_b.ndjson"))
	require.NoError(t, err)
}

func TestLoggerDropsAfterClose(t *testing.T) {
	t.Parallel()

	logger, err := New(Config{Enabled: true, Dir: t.TempDir(), QueueSize: 1}, nil)
	require.NoError(t, err)
	require.NoError(t, logger.Close())
	require.NoError(t, logger.Close())

	done := make(chan struct{})
	go func() {
		logger.Log(Event{SessionID: "s"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Log blocked after Close")
	}
}

func TestDisabledLoggerIsNop(t *testing.T) {
	logger, err := New(Config{}, nil)
	require.NoError(t, err)
	assert.IsType(t, Nop{}, logger)
	logger.Log(Event{})
	assert.NoError(t, logger.Close())
}

func TestCleanForReadabilityStripsANSI(t *testing.T) {
	t.Parallel()

	raw := "\x1b[31merror\x1b[0m   plain\x07"
	clean := cleanForReadability(raw)
	assert.NotContains(t, clean, "\x1b[31m")
	assert.Equal(t, "error plain", clean)
}

func lastLine(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	return lines[len(lines)-1]
}
