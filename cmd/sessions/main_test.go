package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	ctxpkg "github.com/stupiduntilnot/paimon/internal/context"
	"github.com/stupiduntilnot/paimon/internal/store"
)

func seed(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "history.json")
	f := store.NewJSONFile(path, zap.NewNop())
	require.NoError(t, f.Save(map[string]ctxpkg.History{
		"U1_C1": {ctxpkg.PersonaTurn(ctxpkg.DefaultPersona), ctxpkg.UserTurn("hello"), ctxpkg.ModelTurn("Hi!\nHow are you?")},
		"U2_C1": {ctxpkg.UserTurn("old")},
	}))
	return path
}

func TestRun_List(t *testing.T) {
	path := seed(t)
	var out bytes.Buffer
	require.NoError(t, run([]string{"--path", path}, &out))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	require.Equal(t, "U1_C1  turns=3  last=model  persona", lines[0])
	require.Equal(t, "U2_C1  turns=1  last=user", lines[1])
}

func TestRun_ListJSON(t *testing.T) {
	path := seed(t)
	var out bytes.Buffer
	require.NoError(t, run([]string{"--path", path, "--json"}, &out))

	var got []sessionSummary
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	require.Equal(t, []sessionSummary{
		{Key: "U1_C1", Turns: 3, HasPersona: true, LastRole: "model"},
		{Key: "U2_C1", Turns: 1, LastRole: "user"},
	}, got)
}

func TestRun_Show(t *testing.T) {
	path := seed(t)
	var out bytes.Buffer
	require.NoError(t, run([]string{"--path", path, "--key", "U1_C1"}, &out))
	require.Contains(t, out.String(), "  2 model Hi! How are you?")

	err := run([]string{"--path", path, "--key", "nobody"}, &bytes.Buffer{})
	require.ErrorContains(t, err, "not found")
}

func TestRun_Clear(t *testing.T) {
	path := seed(t)
	var out bytes.Buffer
	require.NoError(t, run([]string{"--path", path, "--clear", "U2_C1"}, &out))
	require.Equal(t, "cleared U2_C1\n", out.String())

	loaded, err := store.NewJSONFile(path, zap.NewNop()).Load()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	require.Contains(t, loaded, "U1_C1")
}

func TestRun_Errors(t *testing.T) {
	path := seed(t)
	require.Error(t, run([]string{"--path", path, "--key", "a", "--clear", "b"}, &bytes.Buffer{}))
	require.ErrorIs(t, run([]string{"--backend", "mongo", "--path", path}, &bytes.Buffer{}), store.ErrUnknownBackend)
}

func TestRun_EmptyStore(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run([]string{"--path", filepath.Join(t.TempDir(), "none.json")}, &out))
	require.Equal(t, "no sessions\n", out.String())
}

func TestPreview(t *testing.T) {
	require.Equal(t, "a b", preview("a\n\tb", 10))
	require.Equal(t, "abc...", preview("abcdef", 3))
}
