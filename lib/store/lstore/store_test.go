package lstore

import (
	"bytes"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/ValentinKolb/dDir/lib/db"
	"github.com/ValentinKolb/dDir/lib/db/engines/maple"
	"github.com/ValentinKolb/dDir/lib/entry"
	"github.com/ValentinKolb/dDir/lib/errs"
	"github.com/ValentinKolb/dDir/lib/event"
	"github.com/ValentinKolb/dDir/lib/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

func newTestStore(t *testing.T, repo *event.Repo) store.IStore {
	t.Helper()
	s := NewLocalStore(func() db.KVDB { return maple.NewMapleDB(nil) }, &Options{
		InvocationID: "inv-a",
		Events:       repo,
		Now:          func() time.Time { return fixedNow },
	})
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func person(dn, cn string) *entry.Entry {
	e := entry.New(dn)
	e.Set(entry.AttrObjectClass, "top", "person")
	e.Set("cn", cn)
	return e
}

func TestAddAndGet(t *testing.T) {
	s := newTestStore(t, nil)

	usn, err := s.Add(person("cn=alice,dc=example", "alice"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), usn)
	assert.Equal(t, uint64(1), s.HighestUSN())

	got, err := s.Get("CN=Alice, DC=example")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.First("cn"))
	assert.NotEmpty(t, got.First(entry.AttrObjectGUID))
	assert.Equal(t, "1", got.First(entry.AttrUSNCreated))
	assert.Equal(t, "1", got.First(entry.AttrUSNChanged))

	for _, a := range got.Attrs {
		require.NotNil(t, a.MetaData, a.Type)
		assert.Equal(t, uint64(1), a.MetaData.Version)
		assert.Equal(t, uint64(1), a.MetaData.LocalUsn)
		assert.Equal(t, "inv-a", a.MetaData.InvocationID)
		assert.True(t, a.MetaData.OriginatingTime.Equal(fixedNow))
	}

	_, err = s.Add(person("cn=alice,dc=example", "alice"))
	assert.True(t, errors.Is(err, errs.ErrAlreadyExists))

	_, err = s.Get("cn=bob,dc=example")
	assert.True(t, errors.Is(err, errs.ErrNotFound))

	_, err = s.Add(entry.New(" "))
	assert.True(t, errors.Is(err, errs.ErrInvalidParameter))
}

func TestModify(t *testing.T) {
	s := newTestStore(t, nil)
	_, err := s.Add(person("cn=alice,dc=example", "alice"))
	require.NoError(t, err)

	usn, err := s.Modify("cn=alice,dc=example", []store.Modification{
		{Op: store.ModAdd, Type: "mail", Values: []string{"alice@example.com"}},
		{Op: store.ModReplace, Type: "cn", Values: []string{"Alice"}},
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), usn)

	got, err := s.Get("cn=alice,dc=example")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", got.First("mail"))
	assert.Equal(t, uint64(1), got.Get("mail").MetaData.Version)
	assert.Equal(t, uint64(2), got.Get("cn").MetaData.Version)
	assert.Equal(t, uint64(2), got.Get("cn").MetaData.LocalUsn)
	assert.Equal(t, uint64(1), got.Get(entry.AttrObjectClass).MetaData.Version, "untouched attributes keep their metadata")
	assert.Equal(t, "2", got.First(entry.AttrUSNChanged))
	assert.Equal(t, "1", got.First(entry.AttrUSNCreated))

	// deleting all values keeps a deleted attribute for replication
	_, err = s.Modify("cn=alice,dc=example", []store.Modification{{Op: store.ModDelete, Type: "mail"}})
	require.NoError(t, err)
	got, err = s.Get("cn=alice,dc=example")
	require.NoError(t, err)
	assert.Nil(t, got.Get("mail"))
	stored, err := s.GetLocal("cn=alice,dc=example")
	require.NoError(t, err)
	require.NotNil(t, stored.Get("mail"))
	assert.Empty(t, stored.Get("mail").Values)
	assert.Equal(t, uint64(2), stored.Get("mail").MetaData.Version)

	_, err = s.Modify("cn=alice,dc=example", []store.Modification{{Op: store.ModDelete, Type: "mail"}})
	assert.True(t, errors.Is(err, errs.ErrNotFound))
	_, err = s.Modify("cn=alice,dc=example", []store.Modification{{Op: store.ModReplace, Type: entry.AttrObjectGUID, Values: []string{"x"}}})
	assert.True(t, errors.Is(err, errs.ErrUnwillingToPerform))
	_, err = s.Modify("cn=alice,dc=example", nil)
	assert.True(t, errors.Is(err, errs.ErrInvalidParameter))
	_, err = s.Modify("cn=nobody,dc=example", []store.Modification{{Op: store.ModAdd, Type: "cn", Values: []string{"x"}}})
	assert.True(t, errors.Is(err, errs.ErrNotFound))
}

func TestDeleteKeepsTombstone(t *testing.T) {
	s := newTestStore(t, nil)
	_, err := s.Add(person("cn=alice,dc=example", "alice"))
	require.NoError(t, err)

	usn, err := s.Delete("cn=alice,dc=example")
	require.NoError(t, err)

	_, err = s.Get("cn=alice,dc=example")
	assert.True(t, errors.Is(err, errs.ErrNotFound))
	_, err = s.Delete("cn=alice,dc=example")
	assert.True(t, errors.Is(err, errs.ErrNotFound))

	tomb, err := s.GetLocal("cn=alice,dc=example")
	require.NoError(t, err)
	assert.True(t, tomb.IsDeleted())
	assert.Equal(t, strconv.FormatUint(usn, 10), tomb.First(entry.AttrUSNChanged))

	// re-adding revives the entry with bumped metadata
	_, err = s.Add(person("cn=alice,dc=example", "alice"))
	require.NoError(t, err)
	revived, err := s.GetLocal("cn=alice,dc=example")
	require.NoError(t, err)
	assert.False(t, revived.IsDeleted())
	require.NotNil(t, revived.Get(entry.AttrIsDeleted))
	assert.Equal(t, uint64(2), revived.Get(entry.AttrIsDeleted).MetaData.Version)
	assert.Equal(t, uint64(2), revived.Get("cn").MetaData.Version)
}

func TestChangesSince(t *testing.T) {
	s := newTestStore(t, nil)
	for _, cn := range []string{"a", "b", "c"} {
		_, err := s.Add(person("cn="+cn+",dc=example", cn))
		require.NoError(t, err)
	}
	_, err := s.Modify("cn=a,dc=example", []store.Modification{{Op: store.ModReplace, Type: "description", Values: []string{"x"}}})
	require.NoError(t, err)
	require.NoError(t, s.PutLocal(entry.New("cn=local,cn=raftcontext")))

	changes, err := s.ChangesSince(0, 10)
	require.NoError(t, err)
	var dns []string
	for _, e := range changes {
		dns = append(dns, e.DN)
	}
	assert.Equal(t, []string{"cn=b,dc=example", "cn=c,dc=example", "cn=a,dc=example"}, dns)

	changes, err = s.ChangesSince(2, 1)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "cn=c,dc=example", changes[0].DN)

	_, err = s.ChangesSince(0, 0)
	assert.True(t, errors.Is(err, errs.ErrInvalidParameter))
}

func TestSearchAndChildren(t *testing.T) {
	s := newTestStore(t, nil)
	_, err := s.Add(person("ou=people,dc=example", "people"))
	require.NoError(t, err)
	_, err = s.Add(person("cn=alice,ou=people,dc=example", "alice"))
	require.NoError(t, err)
	_, err = s.Add(person("cn=bob,ou=people,dc=example", "bob"))
	require.NoError(t, err)
	_, err = s.Delete("cn=bob,ou=people,dc=example")
	require.NoError(t, err)

	found, err := s.Search("ou=people,dc=example", "(cn=a*)")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "cn=alice,ou=people,dc=example", found[0].DN)

	found, err = s.Search("dc=example", "")
	require.NoError(t, err)
	assert.Len(t, found, 2)

	_, err = s.Search("", "(cn=a")
	assert.True(t, errors.Is(err, errs.ErrPreConditionFailed))

	children, err := s.Children("ou=people,dc=example")
	require.NoError(t, err)
	assert.Len(t, children, 2, "children include tombstones")
}

func TestEventsFollowCommits(t *testing.T) {
	repo := event.NewRepo(entry.Codec{}, nil)
	s := newTestStore(t, repo)

	_, err := s.Add(person("cn=alice,dc=example", "alice"))
	require.NoError(t, err)
	_, err = s.Delete("cn=alice,dc=example")
	require.NoError(t, err)

	add, err := repo.Sync(time.Second)
	require.NoError(t, err)
	assert.Equal(t, event.OpAdd, add.Op)
	assert.Equal(t, uint64(1), add.Revision)
	assert.Equal(t, "alice", add.Primary().First("cn"))

	del, err := repo.Sync(time.Second)
	require.NoError(t, err)
	assert.Equal(t, event.OpDelete, del.Op)
	assert.Nil(t, del.Data[0].New)
	assert.Equal(t, "alice", del.Primary().First("cn"))
}

type failingLog struct {
	err   error
	hooks db.CommitHooks
	calls int
}

func (f *failingLog) PreCommit(txn db.Txn, _ event.Op, dn string, _ []byte) (db.CommitHooks, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	_ = txn.Set("raftlog/test", []byte(dn))
	return f.hooks, nil
}

type rejectHooks struct{ failed bool }

func (h *rejectHooks) PrepareCommit() (uint64, uint64, error) {
	return 0, 0, errs.New(errs.RetCUnwillingToPerform, "not the leader")
}
func (h *rejectHooks) PostCommit(_, _ uint64) {}
func (h *rejectHooks) CommitFail()            { h.failed = true }

func TestLogWriter(t *testing.T) {
	repo := event.NewRepo(entry.Codec{}, nil)
	s := newTestStore(t, repo)

	lw := &failingLog{err: errs.New(errs.RetCUnwillingToPerform, "not the leader")}
	s.SetLogWriter(lw)
	_, err := s.Add(person("cn=alice,dc=example", "alice"))
	assert.True(t, errors.Is(err, errs.ErrUnwillingToPerform))
	assert.Equal(t, 1, lw.calls)
	assert.Equal(t, uint64(0), s.HighestUSN())

	lw.err, lw.hooks = nil, &rejectHooks{}
	_, err = s.Add(person("cn=alice,dc=example", "alice"))
	assert.True(t, errors.Is(err, errs.ErrUnwillingToPerform))
	_, err = repo.Sync(0)
	assert.True(t, errors.Is(err, errs.ErrQueueEmpty) || err == nil, "a rejected write never becomes ready")
	assert.Equal(t, 0, repo.ReadyCount())

	lw.hooks = nil
	_, err = s.Add(person("cn=alice,dc=example", "alice"))
	require.NoError(t, err)
	raw, ok := s.DB().Get("raftlog/test")
	require.True(t, ok, "log entry is committed with the write")
	assert.Equal(t, "cn=alice,dc=example", string(raw))

	// local writes bypass the log writer
	s.SetLogWriter(&failingLog{err: errors.New("unused")})
	require.NoError(t, s.PutLocal(entry.New("cn=server,cn=raftcontext")))
	s.SetLogWriter(nil)
}

func TestApplyLogEntry(t *testing.T) {
	leader := newTestStore(t, nil)
	_, err := leader.Add(person("cn=alice,dc=example", "alice"))
	require.NoError(t, err)
	img, err := leader.GetLocal("cn=alice,dc=example")
	require.NoError(t, err)
	raw, err := entry.Encode(img)
	require.NoError(t, err)

	follower := newTestStore(t, nil)
	called := false
	usn, err := follower.ApplyLogEntry(event.OpAdd, img.DN, raw, func(txn db.Txn) error {
		called = true
		return txn.Set("raftmeta/applied", []byte("1"))
	})
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, uint64(1), usn)

	got, err := follower.Get("cn=alice,dc=example")
	require.NoError(t, err)
	assert.Equal(t, img.First(entry.AttrObjectGUID), got.First(entry.AttrObjectGUID))

	// a no-op entry only runs within
	called = false
	_, err = follower.ApplyLogEntry(0, "", nil, func(db.Txn) error { called = true; return nil })
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, uint64(1), follower.HighestUSN())
}

func TestReplicate(t *testing.T) {
	s := newTestStore(t, nil)

	usn, err := s.Replicate("cn=alice,dc=example", func(localUsn uint64, cur *entry.Entry) (store.Change, error) {
		assert.Nil(t, cur)
		e := person("cn=alice,dc=example", "alice")
		e.Set(entry.AttrUSNChanged, strconv.FormatUint(localUsn, 10))
		return store.Change{Op: event.OpAdd, Entry: e}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), usn)

	usn, err = s.Replicate("cn=alice,dc=example", func(localUsn uint64, cur *entry.Entry) (store.Change, error) {
		require.NotNil(t, cur)
		return store.Change{}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), usn, "nothing written")

	_, err = s.Replicate("cn=alice,dc=example", func(uint64, *entry.Entry) (store.Change, error) {
		return store.Change{}, errs.ErrConflictResolutionFailure
	})
	assert.True(t, errors.Is(err, errs.ErrConflictResolutionFailure))
}

func TestQuiesce(t *testing.T) {
	s := newTestStore(t, nil)
	resume := s.Quiesce()

	done := make(chan error, 1)
	go func() {
		_, err := s.Add(person("cn=alice,dc=example", "alice"))
		done <- err
	}()

	select {
	case <-done:
		t.Fatal("write went through a quiesced store")
	case <-time.After(50 * time.Millisecond):
	}

	// node local writes still work
	require.NoError(t, s.PutLocal(entry.New("cn=persiststate,cn=raftcontext")))

	resume()
	resume()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("write did not resume")
	}
}

func TestSnapshotLoad(t *testing.T) {
	src := newTestStore(t, nil)
	_, err := src.Add(person("cn=alice,dc=example", "alice"))
	require.NoError(t, err)
	_, err = src.Add(person("cn=bob,dc=example", "bob"))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, src.Snapshot(&buf))

	dst := newTestStore(t, nil)
	_, err = dst.Add(person("cn=carol,dc=example", "carol"))
	require.NoError(t, err)

	resume := dst.Quiesce()
	require.NoError(t, dst.Load(&buf))
	resume()

	assert.Equal(t, uint64(2), dst.HighestUSN())
	_, err = dst.Get("cn=carol,dc=example")
	assert.True(t, errors.Is(err, errs.ErrNotFound))
	_, err = dst.Get("cn=bob,dc=example")
	require.NoError(t, err)

	usn, err := dst.Add(person("cn=dave,dc=example", "dave"))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), usn)
}
