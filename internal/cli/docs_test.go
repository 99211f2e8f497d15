package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDocs_CreateSetShow(t *testing.T) {
	db := testDB(t)

	var created DocView
	runJSON(t, db, &created, "create")
	require.NotEmpty(t, created.DocID)
	assert.Equal(t, "hypermerge:/"+created.DocID, created.URL)

	var edited DocView
	runJSON(t, db, &edited, "set", created.URL, "title=hello", "count=3", `tags=["a","b"]`)
	assert.Equal(t, map[string]any{
		"title": "hello",
		"count": float64(3),
		"tags":  []any{"a", "b"},
	}, edited.Content)
	assert.True(t, edited.Writable)

	var shown DocView
	runJSON(t, db, &shown, "show", created.URL)
	assert.Equal(t, edited.Content, shown.Content)
	assert.Equal(t, int64(1), shown.Clock[created.DocID])

	var trimmed DocView
	runJSON(t, db, &trimmed, "set", created.DocID, "--delete", "count,tags")
	assert.Equal(t, map[string]any{"title": "hello"}, trimmed.Content)
}

func TestDocs_ShowText(t *testing.T) {
	db := testDB(t)

	var created DocView
	runJSON(t, db, &created, "create")
	runJSON(t, db, nil, "set", created.URL, "title=hello")

	out, err := execute(t, "--db", db, "show", created.URL)
	require.NoError(t, err)
	assert.Contains(t, out, created.URL+" (writable=true)")
	assert.Contains(t, out, `"title": "hello"`)
}

func TestDocs_ForkAndMerge(t *testing.T) {
	db := testDB(t)

	var original DocView
	runJSON(t, db, &original, "create")
	runJSON(t, db, nil, "set", original.URL, "title=draft", "body=text")

	var fork DocView
	runJSON(t, db, &fork, "fork", original.URL)
	require.NotEqual(t, original.DocID, fork.DocID)

	var forkView DocView
	runJSON(t, db, &forkView, "set", fork.URL, "footer=end")
	assert.Equal(t, map[string]any{"title": "draft", "body": "text", "footer": "end"}, forkView.Content)

	var originalView DocView
	runJSON(t, db, &originalView, "show", original.URL)
	assert.NotContains(t, originalView.Content, "footer", "fork edits stay in the fork")

	var merged DocView
	runJSON(t, db, &merged, "merge", original.URL, fork.URL)
	assert.Equal(t, map[string]any{"title": "draft", "body": "text", "footer": "end"}, merged.Content)

	var actors []ActorView
	runJSON(t, db, &actors, "actors", original.URL)
	require.Len(t, actors, 2)
	ids := []string{actors[0].ID, actors[1].ID}
	assert.ElementsMatch(t, []string{original.DocID, fork.DocID}, ids)
	for _, a := range actors {
		assert.True(t, a.Writable, "both actors were authored locally")
		if a.ID == original.DocID {
			assert.Equal(t, "unbounded", a.Bound)
		} else {
			assert.Equal(t, "1", a.Bound)
		}
	}
}

func TestDocs_ActorsYAML(t *testing.T) {
	db := testDB(t)

	var created DocView
	runJSON(t, db, &created, "create")
	runJSON(t, db, nil, "set", created.URL, "k=v")

	out, err := execute(t, "--db", db, "--format", "yaml", "actors", created.URL)
	require.NoError(t, err)

	var resp struct {
		Status string      `yaml:"status"`
		Data   []ActorView `yaml:"data"`
	}
	require.NoError(t, yaml.Unmarshal([]byte(out), &resp), out)
	assert.Equal(t, "ok", resp.Status)
	require.Len(t, resp.Data, 1)
	assert.Equal(t, created.DocID, resp.Data[0].ID)
	assert.Equal(t, int64(1), resp.Data[0].Length)
}

func TestDocs_ActorsText(t *testing.T) {
	db := testDB(t)

	var created DocView
	runJSON(t, db, &created, "create")

	out, err := execute(t, "--db", db, "actors", created.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "ACTOR")
	assert.Contains(t, out, created.DocID)
}

func TestDocs_CommandErrors(t *testing.T) {
	db := testDB(t)

	tests := []struct {
		name string
		args []string
		code int
		want string
	}{
		{"invalid url", []string{"show", "hypermerge:/a/b"}, ExitCommandError, "invalid document"},
		{"nothing to set", []string{"set", "4fTxJpD9"}, ExitCommandError, "nothing to change"},
		{"bad assignment", []string{"set", "4fTxJpD9", "novalue"}, ExitCommandError, "expected key=value"},
		{"merge needs two", []string{"merge", "4fTxJpD9"}, ExitFailure, "accepts 2 arg"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, append([]string{"--db", db}, tt.args...)...)
			require.Error(t, err)
			assert.Equal(t, tt.code, GetExitCode(err))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestDocs_InvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hyperdoc.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: loud\n"), 0o644))

	_, err := execute(t, "--config", path, "--db", testDB(t), "create")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestDocs_DataPersistsAcrossDatabases(t *testing.T) {
	first := testDB(t)
	second := testDB(t)

	var created DocView
	runJSON(t, first, &created, "create")
	runJSON(t, first, nil, "set", created.URL, "k=v")

	var other DocView
	runJSON(t, second, &other, "show", created.URL)
	assert.Empty(t, other.Content, "a database without the document's logs shows nothing")
	assert.False(t, other.Writable)
}

func TestParseAssignments(t *testing.T) {
	values, err := parseAssignments([]string{"n=1", "s=plain", `q="quoted"`, "b=true", "o={\"x\":1}", "e="})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"n": float64(1),
		"s": "plain",
		"q": "quoted",
		"b": true,
		"o": map[string]any{"x": float64(1)},
		"e": "",
	}, values)

	_, err = parseAssignments([]string{"=v"})
	assert.Error(t, err)
}
