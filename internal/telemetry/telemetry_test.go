package telemetry

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_Telemetry_Logging(t *testing.T) {
	assert := assert.New(t)

	var buf bytes.Buffer
	SetLogHandler(NewConsoleHandler(&buf, slog.LevelInfo))
	t.Cleanup(func() { SetLogHandler(nil) })

	tel := New("transport", "tcp")
	assert.Equal("transport", tel.Kind())
	assert.Equal("tcp", tel.Name())

	tel.LogDebug("hidden")
	tel.LogInfo("connected", "remote_addr", "127.0.0.1:20000")
	tel.LogError("failed to read", errors.New("boom"))

	out := buf.String()
	assert.NotContains(out, "hidden")
	assert.Contains(out, "connected")
	assert.Contains(out, "remote_addr=127.0.0.1:20000")
	assert.Contains(out, "kind=transport")
	assert.Contains(out, "name=tcp")
	assert.Contains(out, "failed to read")
	assert.Contains(out, "boom")
}

func Test_fanoutHandler(t *testing.T) {
	assert := assert.New(t)

	var all, errorsOnly bytes.Buffer
	h := newFanoutHandler(
		slog.NewTextHandler(&all, &slog.HandlerOptions{Level: slog.LevelDebug}),
		slog.NewTextHandler(&errorsOnly, &slog.HandlerOptions{Level: slog.LevelError}),
	)

	logger := slog.New(h).With("component", "bridge").WithGroup("req")

	assert.True(h.Enabled(t.Context(), slog.LevelDebug))

	logger.Info("dispatched", "id", 7)
	logger.Error("dropped", "id", 8)

	assert.Contains(all.String(), "dispatched")
	assert.Contains(all.String(), "component=bridge")
	assert.Contains(all.String(), "req.id=7")
	assert.Contains(all.String(), "dropped")

	assert.NotContains(errorsOnly.String(), "dispatched")
	assert.Contains(errorsOnly.String(), "req.id=8")
}

func Test_Telemetry_Instruments(t *testing.T) {
	tel := New("bridge", "test")

	assert.NotPanics(t, func() {
		tel.NewCounter("sent", func() int64 { return 1 })
		tel.NewUpDownCounter("pending", func() int64 { return -1 })

		tel.NewHistogram("latency", "ms").Record(t.Context(), 1.5)

		var nilHist *Histogram
		nilHist.Record(t.Context(), 1)

		_, span := tel.NewTrace(t.Context(), "dispatch")
		span.End()
	})
}
