package logger

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureLogger installs a JSON logger writing into a buffer, with secret
// scrubbing in front, and restores the previous singleton afterward.
func captureLogger(t *testing.T) *bytes.Buffer {
	t.Helper()
	previous := Get()
	t.Cleanup(func() {
		Set(previous)
		ResetSecrets()
	})

	var buf bytes.Buffer
	handler := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	Set(slog.New(&redactingHandler{inner: handler}))
	return &buf
}

func TestRedactsSecretInMessage(t *testing.T) {
	buf := captureLogger(t)
	RegisterSecret("sk-very-secret")

	Infof("authenticating with token %s", "sk-very-secret")

	out := buf.String()
	assert.NotContains(t, out, "sk-very-secret")
	assert.Contains(t, out, Redacted)
}

func TestRedactsSecretInAttributes(t *testing.T) {
	buf := captureLogger(t)
	RegisterSecret("tok-12345")

	Errorw("request failed", "header", "Bearer tok-12345", "status", 401)

	out := buf.String()
	assert.NotContains(t, out, "tok-12345")
	assert.Contains(t, out, "Bearer "+Redacted)
	assert.Contains(t, out, "401")
}

func TestRedactsMultipleSecrets(t *testing.T) {
	buf := captureLogger(t)
	RegisterSecret("alpha-token")
	RegisterSecret("beta-token")

	Warnf("tokens: %s %s", "alpha-token", "beta-token")

	out := buf.String()
	assert.NotContains(t, out, "alpha-token")
	assert.NotContains(t, out, "beta-token")
}

func TestRegisterSecretIgnoresEmptyAndDuplicates(t *testing.T) {
	captureLogger(t)
	RegisterSecret("")
	RegisterSecret("dup")
	RegisterSecret("dup")

	secretsMu.RLock()
	defer secretsMu.RUnlock()
	require.Len(t, secrets, 1)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
	assert.Equal(t, slog.LevelInfo, parseLevel("INFO"))
	assert.Equal(t, slog.LevelWarn, parseLevel("Warn"))
	assert.Equal(t, slog.LevelError, parseLevel("ERROR"))
	assert.Equal(t, slog.LevelInfo, parseLevel("bogus"))
	assert.Greater(t, parseLevel("SILENT"), slog.LevelError)
}
