package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	color.NoColor = true
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"trace":   LevelTrace,
		"DEBUG":   slog.LevelDebug,
		" info ":  slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"error":   slog.LevelError,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseLevel(in), "ParseLevel(%q)", in)
	}
}

func TestPrettyHandler_FormatsAttrsAndGroups(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewPrettyHandler(&buf, slog.LevelInfo)).
		With("order_id", "o-1").
		WithGroup("payment")

	logger.Info("charged", "key", "o-1-payment-2", "note", "two words")
	logger.Debug("hidden")

	out := buf.String()
	assert.Equal(t, 1, strings.Count(out, "\n"))
	assert.Contains(t, out, " INFO ")
	assert.Contains(t, out, "charged")
	assert.Contains(t, out, "order_id=o-1")
	assert.Contains(t, out, "payment.key=o-1-payment-2")
	assert.Contains(t, out, `payment.note="two words"`)
}

func TestNew_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(context.Background(), Options{Format: FormatJSON, Level: slog.LevelWarn, Writer: &buf})
	require.NoError(t, err)
	defer func() { require.NoError(t, l.Shutdown(context.Background())) }()

	l.Info("dropped")
	l.Warn("kept", "state", "charging")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "kept", rec["msg"])
	assert.Equal(t, "charging", rec["state"])
}

func TestNew_RejectsUnknownSettings(t *testing.T) {
	_, err := New(context.Background(), Options{Format: "xml"})
	assert.ErrorContains(t, err, "unknown log format")

	_, err = New(context.Background(), Options{Exporter: "carrier-pigeon"})
	assert.ErrorContains(t, err, "unknown log exporter")
}

func TestMultiHandler_FansOut(t *testing.T) {
	var info, warn bytes.Buffer
	h := NewMultiHandler(
		slog.NewTextHandler(&info, &slog.HandlerOptions{Level: slog.LevelInfo}),
		slog.NewTextHandler(&warn, &slog.HandlerOptions{Level: slog.LevelWarn}),
	)
	logger := slog.New(h).With("shipment_id", "ship-1")

	logger.Info("prepared")
	logger.Error("dispatch failed")

	assert.Equal(t, 2, strings.Count(info.String(), "shipment_id=ship-1"))
	assert.Equal(t, 1, strings.Count(warn.String(), "\n"))
	assert.Contains(t, warn.String(), "dispatch failed")
	assert.False(t, h.Enabled(context.Background(), slog.LevelDebug))
}
