package logger

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/require"
)

func TestFromContextFallsBackToGlobal(t *testing.T) {
	require.Same(t, &log.Logger, FromContext(context.Background()))
}

func TestWithContext(t *testing.T) {
	var buf bytes.Buffer
	l := zerolog.New(&buf).With().Str("request_id", "r1").Logger()

	ctx := WithContext(context.Background(), &l)
	FromContext(ctx).Info().Msg("hello")

	require.Contains(t, buf.String(), `"request_id":"r1"`)
	require.Contains(t, buf.String(), `"message":"hello"`)
}
