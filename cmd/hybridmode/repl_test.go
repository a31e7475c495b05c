package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/dotsetgreg/hybridmode/pkg/config"
	"github.com/dotsetgreg/hybridmode/pkg/hybrid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession(t *testing.T) (*replSession, *bytes.Buffer) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Workspace = t.TempDir()
	cfg.Audit.Enabled = false

	ctx := context.Background()
	eng, err := openEngine(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close(ctx) })

	_, err = eng.ensureConversation(ctx, "repl", "tester")
	require.NoError(t, err)

	out := &bytes.Buffer{}
	return newReplSession(eng, out, "repl", "tester"), out
}

func TestReplSession_RoutesAndRemembers(t *testing.T) {
	s, out := newTestSession(t)
	ctx := context.Background()

	quit, err := s.handle(ctx, "hello there")
	require.NoError(t, err)
	assert.False(t, quit)
	assert.Contains(t, out.String(), "chat (simple_query")
	assert.Len(t, s.messages, 1)

	st, err := s.eng.modes.GetState("repl")
	require.NoError(t, err)
	assert.Equal(t, hybrid.ModeChat, st.CurrentMode, "recommendation is applied")
	assert.Len(t, s.eng.memories.List("repl"), 1)
}

func TestReplSession_SlashCommands(t *testing.T) {
	s, out := newTestSession(t)
	ctx := context.Background()

	_, err := s.handle(ctx, "/mode agent")
	require.NoError(t, err)
	assert.Contains(t, out.String(), "mode changed from auto to agent")

	out.Reset()
	_, err = s.handle(ctx, "/history")
	require.NoError(t, err)
	assert.Contains(t, out.String(), "auto -> agent")

	out.Reset()
	_, err = s.handle(ctx, "/memories")
	require.NoError(t, err)
	assert.Contains(t, out.String(), "No memories.")

	out.Reset()
	_, err = s.handle(ctx, "/stats")
	require.NoError(t, err)
	assert.Contains(t, out.String(), `"mode_distribution"`)

	_, _ = s.handle(ctx, "hello")
	out.Reset()
	_, err = s.handle(ctx, "/reset")
	require.NoError(t, err)
	assert.Contains(t, out.String(), "reset to auto mode")
	assert.Empty(t, s.messages)

	out.Reset()
	_, err = s.handle(ctx, "/bogus")
	require.NoError(t, err)
	assert.Contains(t, out.String(), "Unknown command")

	_, err = s.handle(ctx, "/mode turbo")
	assert.ErrorIs(t, err, hybrid.ErrInvalidMode)
}

func TestReplSession_Quit(t *testing.T) {
	s, _ := newTestSession(t)
	for _, in := range []string{"exit", "quit", "/exit"} {
		quit, err := s.handle(context.Background(), in)
		require.NoError(t, err)
		assert.True(t, quit, in)
	}
}

func TestSimpleInteractiveMode_ReadsUntilEOF(t *testing.T) {
	s, out := newTestSession(t)
	in := strings.NewReader("hello\n/mode\nquit\n")

	require.NoError(t, simpleInteractiveMode(context.Background(), s, in))
	assert.Contains(t, out.String(), "Current mode: chat")
	assert.Contains(t, out.String(), "Goodbye!")
}
