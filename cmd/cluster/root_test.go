package cluster

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/ValentinKolb/dDir/lib/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func testState() *raft.State {
	return &raft.State{
		Role:        raft.Leader,
		CurrentTerm: 3,
		Leader:      "node-1",
		ClusterSize: 3,
		CommitIndex: 42,
		Peers: []raft.PeerState{
			{Name: "node-2", Endpoint: "localhost:7002", NextIndex: 43, MatchIndex: 42},
		},
	}
}

func TestPrintStateFormats(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, PrintState(&buf, testState(), "json"))
	var fromJSON raft.State
	require.NoError(t, json.Unmarshal(buf.Bytes(), &fromJSON))
	assert.Equal(t, raft.Leader, fromJSON.Role)
	assert.Equal(t, uint64(42), fromJSON.CommitIndex)

	buf.Reset()
	require.NoError(t, PrintState(&buf, testState(), "yaml"))
	assert.Contains(t, buf.String(), "role: Leader")
	var fromYAML map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &fromYAML))
	assert.Equal(t, "node-1", fromYAML["leader"])

	buf.Reset()
	require.NoError(t, PrintState(&buf, testState(), "text"))
	assert.Contains(t, buf.String(), "Leader")
	assert.Contains(t, buf.String(), "node-2")
	assert.Contains(t, buf.String(), "never")

	assert.Error(t, PrintState(&buf, testState(), "xml"))
}
