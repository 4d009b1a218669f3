package raft

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dDir/lib/entry"
	"github.com/ValentinKolb/dDir/lib/errs"
	"github.com/ValentinKolb/dDir/lib/raft/internal"
	"github.com/ValentinKolb/dDir/lib/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingListener records what the store looks like when it is paused
// and reopened
type recordingListener struct {
	mu     sync.Mutex
	calls  []string
	bind   bool
	onCall func(call string)
}

func (l *recordingListener) record(call string) {
	l.mu.Lock()
	l.calls = append(l.calls, call)
	l.mu.Unlock()
	if l.onCall != nil {
		l.onCall(call)
	}
}

func (l *recordingListener) Pause() error {
	l.record("pause")
	return nil
}

func (l *recordingListener) Reopen(ready func()) error {
	l.record("reopen")
	if l.bind {
		go func() {
			time.Sleep(10 * time.Millisecond)
			ready()
		}()
	}
	return nil
}

func (l *recordingListener) Calls() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

// sourceSnapshot builds a standalone node with two entries and an
// uncommitted log entry and returns its snapshot
func sourceSnapshot(t *testing.T) (snapshot []byte, commit uint64, inv string) {
	t.Helper()
	s := newStore(t, "src")
	rt := newRuntime(t, s, "src", nil, nil, nil)
	rt.Start(context.Background())
	require.True(t, rt.WaitRole(Leader, waitFor))
	addEventually(t, s, person("cn=alice,dc=example"))
	addEventually(t, s, person("cn=bob,dc=example"))
	rt.Stop()

	st := rt.State()
	require.NoError(t, rt.log.Put(&internal.LogEntry{Index: st.LastLogIndex + 1, Term: st.CurrentTerm}))

	var buf bytes.Buffer
	require.NoError(t, s.Snapshot(&buf))
	return buf.Bytes(), st.CommitIndex, s.InvocationID()
}

func TestRestore(t *testing.T) {
	snapshot, commit, srcInv := sourceSnapshot(t)

	net := newNetwork()
	nodes := newCluster(t, net, false, "a", "b", "c")
	target := nodes[1]
	oldInv := target.store.InvocationID()

	l := &recordingListener{bind: true}
	l.onCall = func(call string) {
		_, err := target.store.Get("cn=alice,dc=example")
		switch call {
		case "pause":
			assert.True(t, errors.Is(err, errs.ErrNotFound), "paused before the load")
		case "reopen":
			assert.NoError(t, err, "reopened after the load")
			assert.Equal(t, 1, target.rt.State().ClusterSize)
		}
	}
	target.rt.SetListener(l)

	require.NoError(t, target.rt.Restore(context.Background(), bytes.NewReader(snapshot)))
	assert.Equal(t, []string{"pause", "reopen"}, l.Calls())

	st := target.rt.State()
	assert.Equal(t, commit, st.CommitIndex)
	assert.Equal(t, commit, st.LastLogIndex, "uncommitted entries are removed")
	assert.Equal(t, commit, st.LastApplied)
	assert.Equal(t, Candidate, st.Role)
	assert.Empty(t, st.Peers)
	_, err := target.rt.log.Get(commit + 1)
	assert.True(t, errors.Is(err, errs.ErrNotFound))

	members, err := target.rt.Members()
	require.NoError(t, err)
	assert.Equal(t, []Member{{Name: "b", Endpoint: "b:7000"}}, members)

	inv := target.store.InvocationID()
	assert.NotEqual(t, srcInv, inv)
	assert.NotEqual(t, oldInv, inv)
	persisted, err := loadInvocationID(target.store)
	require.NoError(t, err)
	assert.Equal(t, inv, persisted)

	// the restored node leads its own cluster
	target.rt.Start(context.Background())
	t.Cleanup(target.rt.Stop)
	require.True(t, target.rt.WaitRole(Leader, waitFor))
	usn := addEventually(t, target.store, person("cn=carol,dc=example"))
	got, err := target.store.Get("cn=carol,dc=example")
	require.NoError(t, err)
	assert.Equal(t, inv, got.Get(entry.AttrObjectClass).MetaData.InvocationID)
	assert.Greater(t, usn, uint64(0))
}

func TestRestoreListenerTimeout(t *testing.T) {
	snapshot, _, _ := sourceSnapshot(t)
	s := newStore(t, "b")
	rt := newRuntime(t, s, "b", nil, nil, nil)
	l := &recordingListener{}
	rt.SetListener(l)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := rt.Restore(ctx, bytes.NewReader(snapshot))
	assert.True(t, errors.Is(err, errs.ErrTimeout), "got %v", err)
	assert.Equal(t, []string{"pause", "reopen"}, l.Calls())
}

func TestRestoreBadSnapshotReopens(t *testing.T) {
	s := newStore(t, "b")
	rt := newRuntime(t, s, "b", nil, nil, nil)
	l := &recordingListener{}
	rt.SetListener(l)

	err := rt.Restore(context.Background(), bytes.NewReader([]byte("not a snapshot")))
	require.Error(t, err)
	assert.Equal(t, []string{"pause", "reopen"}, l.Calls())

	_, err = s.Add(person("cn=alice,dc=example"))
	assert.True(t, errors.Is(err, errs.ErrUnwillingToPerform), "the store is usable again: %v", err)
}

var _ store.LogWriter = (*ClusterRuntime)(nil)
