package main

import (
	"bytes"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drpcorg/verso/config"
	"github.com/drpcorg/verso/utils"
)

func testREPL(t *testing.T) (*REPL, *bytes.Buffer) {
	conf := &config.Config{Name: "repl-test"}
	conf.SetDefaults()
	var out bytes.Buffer
	repl, err := NewREPL(conf, utils.NewDefaultLogger(slog.LevelError), &out)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repl.Close() })
	return repl, &out
}

func TestREPL_MasterLifecycle(t *testing.T) {
	repl, out := testREPL(t)

	require.NoError(t, repl.Execute("create first object"))
	line := strings.TrimSpace(out.String())
	require.NotEmpty(t, line)
	require.Len(t, repl.objects, 1)
	var short string
	for id := range repl.objects {
		short = id.Short()
	}
	assert.Contains(t, line, short)

	require.NoError(t, repl.Execute("name "+short+" renamed"))
	require.NoError(t, repl.Execute("tasks "+short+" 3"))
	require.NoError(t, repl.Execute("data "+short+" hello blob"))
	out.Reset()
	require.NoError(t, repl.Execute("show"))
	assert.Contains(t, out.String(), "dirty")

	out.Reset()
	require.NoError(t, repl.Execute("commit "+short))
	assert.Contains(t, out.String(), "v2")
	out.Reset()
	require.NoError(t, repl.Execute("show "+short))
	assert.Contains(t, out.String(), `"renamed"`)
	assert.Contains(t, out.String(), "tasks=3")
	assert.Contains(t, out.String(), `data="hello blob"`)
	assert.NotContains(t, out.String(), "dirty")

	require.NoError(t, repl.Execute("release "+short))
	assert.Empty(t, repl.objects)
	assert.ErrorIs(t, repl.Execute("show "+short), ErrUnknownObject)
}

func TestREPL_Errors(t *testing.T) {
	repl, out := testREPL(t)

	assert.NoError(t, repl.Execute(""))
	assert.ErrorIs(t, repl.Execute("create"), HelpCreate)
	assert.ErrorIs(t, repl.Execute("tasks x"), HelpTasks)
	assert.ErrorIs(t, repl.Execute("map not-an-id"), HelpMap)
	assert.ErrorIs(t, repl.Execute("commit nothing"), ErrUnknownObject)
	assert.Error(t, repl.Execute("frobnicate"))
	assert.Equal(t, io.EOF, repl.Execute("exit"))

	out.Reset()
	require.NoError(t, repl.Execute("help"))
	assert.Contains(t, out.String(), "masters:")
	out.Reset()
	require.NoError(t, repl.Execute("cache"))
	assert.Contains(t, out.String(), "entries 0")
	out.Reset()
	require.NoError(t, repl.Execute("metrics"))
	assert.Contains(t, out.String(), "verso_")
}
