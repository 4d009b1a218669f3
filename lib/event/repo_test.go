package event

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ValentinKolb/dDir/lib/entry"
	"github.com/ValentinKolb/dDir/lib/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rawEntry(t *testing.T, dn string, classes ...string) []byte {
	t.Helper()
	e := entry.New(dn)
	if len(classes) > 0 {
		e.Set(entry.AttrObjectClass, classes...)
	}
	raw, err := entry.Encode(e)
	require.NoError(t, err)
	return raw
}

// promote adds a ready event and syncs it into the ready list
func promote(t *testing.T, r *Repo, op Op, dn string, revision uint64) *Event {
	t.Helper()
	ev := New(op, dn, revision, &Data{RawNew: rawEntry(t, dn, "person")})
	require.NoError(t, r.AddPendingEvent(ev, false))
	ev.MarkReady()
	got, err := r.Sync(time.Second)
	require.NoError(t, err)
	require.Same(t, ev, got)
	return ev
}

func TestReadyOrder(t *testing.T) {
	r := NewRepo(entry.Codec{}, nil)

	e1 := promote(t, r, OpAdd, "cn=a", 1)
	e2 := promote(t, r, OpAdd, "cn=b", 2)
	e3 := promote(t, r, OpModify, "cn=a", 3)

	cur, err := r.GetNextReadyEvent(nil)
	require.NoError(t, err)
	assert.Same(t, e1, cur)

	cur, err = r.GetNextReadyEvent(cur)
	require.NoError(t, err)
	assert.Same(t, e2, cur)

	cur, err = r.GetNextReadyEvent(cur)
	require.NoError(t, err)
	assert.Same(t, e3, cur)

	_, err = r.GetNextReadyEvent(cur)
	assert.True(t, errors.Is(err, errs.ErrEndOfList))

	// the cursor stays on e3 and is the only reference left
	assert.Equal(t, int32(0), e1.RefCount())
	assert.Equal(t, int32(0), e2.RefCount())
	assert.Equal(t, int32(1), e3.RefCount())
	assert.Equal(t, uint64(3), r.LastRevision())
	assert.NotNil(t, e1.Primary())
}

func TestSyncEmpty(t *testing.T) {
	r := NewRepo(nil, nil)
	_, err := r.Sync(0)
	assert.True(t, errors.Is(err, errs.ErrQueueEmpty))
}

func TestSyncDiscard(t *testing.T) {
	r := NewRepo(entry.Codec{}, nil)
	ev := New(OpAdd, "cn=a", 1)
	require.NoError(t, r.AddPendingEvent(ev, false))
	ev.Discard()

	got, err := r.Sync(time.Second)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, 0, r.ReadyCount())
}

func TestSyncTimeoutKeepsInflight(t *testing.T) {
	r := NewRepo(entry.Codec{}, nil)
	e1 := New(OpAdd, "cn=a", 1, &Data{RawNew: rawEntry(t, "cn=a")})
	e2 := New(OpAdd, "cn=b", 2, &Data{RawNew: rawEntry(t, "cn=b")})
	require.NoError(t, r.AddPendingEvent(e1, false))
	require.NoError(t, r.AddPendingEvent(e2, false))
	e2.MarkReady()

	// e2 settled first but may not overtake e1
	_, err := r.Sync(20 * time.Millisecond)
	require.True(t, errors.Is(err, errs.ErrTimeout))
	assert.Equal(t, 0, r.ReadyCount())

	e1.MarkReady()
	got, err := r.Sync(time.Second)
	require.NoError(t, err)
	assert.Same(t, e1, got)

	got, err = r.Sync(time.Second)
	require.NoError(t, err)
	assert.Same(t, e2, got)
}

func TestSyncDecodeFailure(t *testing.T) {
	r := NewRepo(entry.Codec{}, nil)
	ev := New(OpAdd, "cn=a", 1, &Data{RawNew: []byte("{broken")})
	require.NoError(t, r.AddPendingEvent(ev, false))
	ev.MarkReady()

	got, err := r.Sync(time.Second)
	assert.True(t, errors.Is(err, errs.ErrInvalidEntry))
	require.Same(t, ev, got)
	assert.True(t, errors.Is(ev.DecodeErr, errs.ErrInvalidEntry))
	assert.Nil(t, ev.Primary())
	assert.Equal(t, 1, r.ReadyCount(), "the revision stays in the ready list")
	assert.Equal(t, uint64(1), r.LastRevision())

	// the repository keeps working
	promote(t, r, OpAdd, "cn=b", 2)
	assert.Equal(t, 2, r.ReadyCount())
}

func TestPruneUnreferenced(t *testing.T) {
	r := NewRepo(entry.Codec{}, &RepoOptions{Retain: 2})
	for i := uint64(1); i <= 5; i++ {
		promote(t, r, OpAdd, "cn=a", i)
	}
	assert.Equal(t, 2, r.ReadyCount())
	assert.Equal(t, uint64(3), r.PrunedRevision())

	_, err := r.Position(1, false)
	assert.True(t, errors.Is(err, errs.ErrEndOfList))

	cur, err := r.Position(3, false)
	require.NoError(t, err)
	next, err := r.GetNextReadyEvent(cur)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), next.Revision)
	r.Release(next)
}

func TestReleaseTooOften(t *testing.T) {
	r := NewRepo(entry.Codec{}, nil)
	ev := promote(t, r, OpAdd, "cn=a", 1)
	r.Release(ev)
	assert.Equal(t, int32(0), ev.RefCount())
}

func TestGetNextUnknownCookie(t *testing.T) {
	r := NewRepo(entry.Codec{}, nil)
	_, err := r.GetNextReadyEvent(New(OpAdd, "cn=x", 9))
	assert.True(t, errors.Is(err, errs.ErrInvalidParameter))
}

func TestRunPromotes(t *testing.T) {
	r := NewRepo(entry.Codec{}, &RepoOptions{Retain: 16, SyncTimeout: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	cur, err := r.Position(0, false)
	require.NoError(t, err)

	ev := New(OpAdd, "cn=a", 1, &Data{RawNew: rawEntry(t, "cn=a")})
	require.NoError(t, r.AddPendingEvent(ev, false))
	ev.MarkReady()

	require.True(t, r.WaitNext(cur, 2*time.Second))
	next, err := r.GetNextReadyEvent(cur)
	require.NoError(t, err)
	assert.Same(t, ev, next)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run loop did not stop")
	}
	assert.Empty(t, r.Close())
}

func TestWriteMetrics(t *testing.T) {
	r := NewRepo(entry.Codec{}, nil)
	promote(t, r, OpAdd, "cn=a", 1)

	var sb strings.Builder
	r.WriteMetrics(&sb)
	assert.Contains(t, sb.String(), "ddir_events_promoted_total 1")
	assert.Contains(t, sb.String(), "ddir_events_ready 1")
}
