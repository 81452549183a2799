package log

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextLogger(t *testing.T) {
	ctx := context.Background()

	l1 := Ctx(ctx)
	require.NotNil(t, l1, "Ctx returned nil instead of default logger")
	assert.Equal(t, defaultLogger, l1, "Ctx should return defaultLogger")

	customLogger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	require.NotEqual(t, defaultLogger, customLogger)

	ctxWithLogger := With(ctx, customLogger)
	l2 := Ctx(ctxWithLogger)
	require.NotNil(t, l2)
	assert.Equal(t, customLogger, l2, "Ctx should return customLogger")
}

func TestWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, nil))
	ctx := With(context.Background(), base)
	ctx = WithAttrs(ctx, slog.String("entryID", "e1"), slog.String("siteID", "123"))

	Ctx(ctx).InfoContext(ctx, "hello")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "e1", line["entryID"])
	assert.Equal(t, "123", line["siteID"])
	assert.Equal(t, "hello", line["msg"])
}

func TestSecret(t *testing.T) {
	t.Run("Empty", func(t *testing.T) {
		attr := Secret("cookie", "")
		assert.Equal(t, "", attr.Value.String())
	})

	t.Run("Set", func(t *testing.T) {
		var buf bytes.Buffer
		logger := slog.New(slog.NewJSONHandler(&buf, nil))
		logger.Info("tokens", Secret("cookie", "abc=def"))
		assert.NotContains(t, buf.String(), "abc=def")
		assert.Contains(t, buf.String(), `"len":7`)
	})
}
