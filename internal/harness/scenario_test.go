package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadScenario_Testdata(t *testing.T) {
	s, err := LoadScenario(filepath.Join("testdata", "scenarios", "two_peer_sync.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "two_peer_sync", s.Name)
	assert.Equal(t, []string{"alice", "bob"}, s.Peers)
	require.Len(t, s.Flow, 6)
	assert.Equal(t, "notes", s.Flow[0].Create)
	assert.Equal(t, []string{"alice", "bob"}, s.Flow[2].Connect)
	assert.True(t, s.Flow[4].Quiesce)
	assert.Equal(t, []string{"count"}, s.Flow[5].Delete)
	require.Len(t, s.Assertions, 4)
	assert.Equal(t, AssertContent, s.Assertions[0].Type)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestLoadScenario_RejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "typo.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: typo
description: "misspelled key"
peers: [alice]
flow:
  - peer: alice
    create: d
assertion:
  - type: converged
    doc: d
`), 0o644))

	_, err := LoadScenario(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestParseScenario_Validation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing name",
			yaml: `
description: d
peers: [a]
flow: [{peer: a, create: x}]
assertions: [{type: converged, doc: x}]`,
			want: "name is required",
		},
		{
			name: "no peers",
			yaml: `
name: n
description: d
flow: [{peer: a, create: x}]
assertions: [{type: converged, doc: x}]`,
			want: "peers list is required",
		},
		{
			name: "unknown peer",
			yaml: `
name: n
description: d
peers: [a]
flow: [{peer: b, create: x}]
assertions: [{type: converged, doc: x}]`,
			want: `unknown peer "b"`,
		},
		{
			name: "alias used before create",
			yaml: `
name: n
description: d
peers: [a]
flow: [{peer: a, open: x}]
assertions: [{type: converged, doc: x}]`,
			want: `unknown document "x"`,
		},
		{
			name: "fork without alias",
			yaml: `
name: n
description: d
peers: [a]
flow:
  - {peer: a, create: x}
  - {peer: a, fork: x}
assertions: [{type: converged, doc: x}]`,
			want: "fork needs a new alias",
		},
		{
			name: "connect to self",
			yaml: `
name: n
description: d
peers: [a]
flow:
  - {peer: a, create: x}
  - {connect: [a, a]}
assertions: [{type: converged, doc: x}]`,
			want: "two distinct peers",
		},
		{
			name: "doc step without edits",
			yaml: `
name: n
description: d
peers: [a]
flow:
  - {peer: a, create: x}
  - {peer: a, doc: x}
assertions: [{type: converged, doc: x}]`,
			want: "needs set or delete",
		},
		{
			name: "unknown assertion type",
			yaml: `
name: n
description: d
peers: [a]
flow: [{peer: a, create: x}]
assertions: [{type: trace_order, doc: x}]`,
			want: `unknown type "trace_order"`,
		},
		{
			name: "content without expectations",
			yaml: `
name: n
description: d
peers: [a]
flow: [{peer: a, create: x}]
assertions: [{type: content, peer: a, doc: x}]`,
			want: "needs expect or absent",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
