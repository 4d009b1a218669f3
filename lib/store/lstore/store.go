package lstore

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dDir/lib/db"
	"github.com/ValentinKolb/dDir/lib/entry"
	"github.com/ValentinKolb/dDir/lib/errs"
	"github.com/ValentinKolb/dDir/lib/event"
	"github.com/ValentinKolb/dDir/lib/store"
	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("store")

// Options configures a local store
type Options struct {
	// InvocationID is stamped into the metadata of local writes. A random id
	// is used if empty.
	InvocationID string
	// Events receives an event for every replicated write, may be nil.
	Events *event.Repo
	// Now returns the originating time of local writes.
	Now func() time.Time
}

type logWriterRef struct{ w store.LogWriter }

type storeImpl struct {
	db           db.KVDB
	events       *event.Repo
	now          func() time.Time
	invocationID atomic.Value // string
	logWriter    atomic.Pointer[logWriterRef]

	// writes hold the read side, Quiesce the write side
	quiesce sync.RWMutex

	metrics  *metrics.Set
	writes   *metrics.Counter
	failures *metrics.Counter
}

// mutation is the outcome of one write: the stored image next replaces old
type mutation struct {
	op   event.Op
	dn   string
	old  *entry.Entry
	next *entry.Entry
}

// NewLocalStore creates a directory store on top of the database created by factory.
func NewLocalStore(factory store.DBFactory, opts *Options) store.IStore {
	if opts == nil {
		opts = &Options{}
	}
	s := &storeImpl{
		db:      factory(),
		events:  opts.Events,
		now:     opts.Now,
		metrics: metrics.NewSet(),
	}
	if s.now == nil {
		s.now = time.Now
	}
	id := opts.InvocationID
	if id == "" {
		id = uuid.NewString()
	}
	s.invocationID.Store(id)
	s.writes = s.metrics.NewCounter("ddir_store_writes_total")
	s.failures = s.metrics.NewCounter("ddir_store_write_failures_total")
	s.metrics.NewGauge("ddir_store_highest_usn", func() float64 {
		return float64(s.db.WriteIdx())
	})
	return s
}

// --------------------------------------------------------------------------
// Write path
// --------------------------------------------------------------------------

// commit runs a write transaction. fn computes the mutation for the USN the
// write will get, a nil mutation writes nothing (within still runs).
// Logged writes pass through the attached LogWriter.
func (s *storeImpl) commit(fn func(txn db.Txn, usn uint64) (*mutation, error), logged bool, within func(db.Txn) error) (uint64, error) {
	if !s.db.SupportsFeature(db.FeatureTxn) {
		return 0, errs.New(errs.RetCUnwillingToPerform, "database does not support transactions")
	}

	s.quiesce.RLock()
	defer s.quiesce.RUnlock()

	txn, err := s.db.Begin(true)
	if err != nil {
		return 0, err
	}
	defer txn.Abort()

	usn := s.db.WriteIdx() + 1
	m, err := fn(txn, usn)
	if err != nil {
		return 0, err
	}

	if m == nil {
		if within == nil {
			return 0, nil
		}
		if err := within(txn); err != nil {
			return 0, err
		}
		return s.db.WriteIdx(), txn.Commit()
	}

	oldRaw, newRaw, err := s.stage(txn, m, usn)
	if err != nil {
		return 0, err
	}
	if within != nil {
		if err := within(txn); err != nil {
			return 0, err
		}
	}
	if ref := s.logWriter.Load(); logged && ref != nil {
		hooks, err := ref.w.PreCommit(txn, m.op, m.dn, newRaw)
		if err != nil {
			return 0, err
		}
		txn.SetCommitHooks(hooks)
	}
	txn.SetWriteIdx(usn)

	// the writer lock is held, so events are queued in commit order
	var ev *event.Event
	if s.events != nil {
		data := &event.Data{RawNew: newRaw}
		if m.op != event.OpAdd {
			data.RawOld = oldRaw
		}
		if m.op == event.OpDelete {
			data.RawNew = nil
		}
		ev = event.New(m.op, m.dn, usn, data)
		if err := s.events.AddPendingEvent(ev, false); err != nil {
			log.Warningf("write %s: event not queued: %v", m.dn, err)
			ev = nil
		}
	}

	if err := txn.Commit(); err != nil {
		s.failures.Inc()
		if ev != nil {
			ev.Discard()
		}
		return 0, err
	}
	if ev != nil {
		ev.MarkReady()
	}
	s.writes.Inc()
	return usn, nil
}

// stage writes the new image and moves the change index entry of the dn to usn
func (s *storeImpl) stage(txn db.Txn, m *mutation, usn uint64) (oldRaw, newRaw []byte, err error) {
	if m.next == nil {
		return nil, nil, errs.Newf(errs.RetCInvalidEntry, "no image for %s", m.dn)
	}
	m.next.Sort()
	if newRaw, err = entry.Encode(m.next); err != nil {
		return nil, nil, err
	}

	key := store.EntryKey(m.dn)
	if m.old != nil {
		if oldRaw, err = entry.Encode(m.old); err != nil {
			return nil, nil, err
		}
		if prev, perr := strconv.ParseUint(m.old.First(entry.AttrUSNChanged), 10, 64); perr == nil {
			if err = txn.Delete(usnKey(prev)); err != nil {
				return nil, nil, err
			}
		}
	}
	if err = txn.Set(key, newRaw); err != nil {
		return nil, nil, err
	}
	if err = txn.Set(usnKey(usn), []byte(entry.NormalizeDN(m.dn))); err != nil {
		return nil, nil, err
	}
	return oldRaw, newRaw, nil
}

func usnKey(usn uint64) string {
	return fmt.Sprintf("%s%020d", store.USNPrefix, usn)
}

// reader is satisfied by db.KVDB and db.Txn
type reader interface {
	Get(key string) ([]byte, bool)
}

// load returns the stored image of dn, tombstones included
func load(r reader, dn string) (*entry.Entry, error) {
	raw, ok := r.Get(store.EntryKey(dn))
	if !ok {
		return nil, errs.Newf(errs.RetCNotFound, "entry %s not found", dn)
	}
	return entry.Decode(raw)
}

// loadOptional is load with a nil entry instead of errs.ErrNotFound
func loadOptional(r reader, dn string) (*entry.Entry, error) {
	e, err := load(r, dn)
	if errors.Is(err, errs.ErrNotFound) {
		return nil, nil
	}
	return e, err
}

func (s *storeImpl) stamp(a *entry.Attribute, prev *entry.Entry, usn uint64, now time.Time) {
	version := uint64(1)
	if prev != nil {
		if pa := prev.Get(a.Type); pa != nil && pa.MetaData != nil {
			version = pa.MetaData.Version + 1
		}
	}
	a.MetaData = entry.NewMetadata(usn, version, s.InvocationID(), now)
}

func operational(attrType string) bool {
	switch strings.ToLower(attrType) {
	case strings.ToLower(entry.AttrUSNChanged), strings.ToLower(entry.AttrUSNCreated),
		strings.ToLower(entry.AttrObjectGUID), strings.ToLower(entry.AttrIsDeleted):
		return true
	}
	return false
}

// --------------------------------------------------------------------------
// Interface Methods (docu see store/interface.go)
// --------------------------------------------------------------------------

func (s *storeImpl) Add(e *entry.Entry) (uint64, error) {
	if e == nil || strings.TrimSpace(e.DN) == "" {
		return 0, errs.New(errs.RetCInvalidParameter, "entry without dn")
	}
	return s.commit(func(txn db.Txn, usn uint64) (*mutation, error) {
		cur, err := loadOptional(txn, e.DN)
		if err != nil {
			return nil, err
		}
		if cur != nil && !cur.IsDeleted() {
			return nil, errs.Newf(errs.RetCAlreadyExists, "entry %s already exists", e.DN)
		}

		now := s.now()
		next := e.Clone()
		next.EntryID = usn
		next.Remove(entry.AttrIsDeleted)
		next.Remove(entry.AttrUSNChanged)
		next.Remove(entry.AttrUSNCreated)
		if next.First(entry.AttrObjectGUID) == "" {
			next.Set(entry.AttrObjectGUID, uuid.NewString())
		}
		next.Set(entry.AttrUSNCreated, strconv.FormatUint(usn, 10))
		next.Set(entry.AttrUSNChanged, strconv.FormatUint(usn, 10))
		for _, a := range next.Attrs {
			s.stamp(a, cur, usn, now)
		}

		// re-adding over a tombstone keeps the tombstoned attributes as deleted ones
		if cur != nil {
			for _, ca := range cur.Attrs {
				if next.Get(ca.Type) == nil {
					tomb := &entry.Attribute{Type: ca.Type}
					s.stamp(tomb, cur, usn, now)
					next.Attrs = append(next.Attrs, tomb)
				}
			}
		}
		return &mutation{op: event.OpAdd, dn: next.DN, old: cur, next: next}, nil
	}, true, nil)
}

func (s *storeImpl) Modify(dn string, mods []store.Modification) (uint64, error) {
	if len(mods) == 0 {
		return 0, errs.New(errs.RetCInvalidParameter, "no modifications")
	}
	return s.commit(func(txn db.Txn, usn uint64) (*mutation, error) {
		cur, err := load(txn, dn)
		if err != nil {
			return nil, err
		}
		if cur.IsDeleted() {
			return nil, errs.Newf(errs.RetCNotFound, "entry %s not found", dn)
		}

		next := cur.Clone()
		changed := map[string]bool{}
		for _, mod := range mods {
			if err := applyModification(next, mod); err != nil {
				return nil, err
			}
			changed[strings.ToLower(mod.Type)] = true
		}

		now := s.now()
		next.Set(entry.AttrUSNChanged, strconv.FormatUint(usn, 10))
		changed[strings.ToLower(entry.AttrUSNChanged)] = true
		for _, a := range next.Attrs {
			if changed[strings.ToLower(a.Type)] {
				s.stamp(a, cur, usn, now)
			}
		}
		return &mutation{op: event.OpModify, dn: cur.DN, old: cur, next: next}, nil
	}, true, nil)
}

func applyModification(e *entry.Entry, mod store.Modification) error {
	if strings.TrimSpace(mod.Type) == "" {
		return errs.New(errs.RetCInvalidParameter, "modification without attribute type")
	}
	if operational(mod.Type) {
		return errs.Newf(errs.RetCUnwillingToPerform, "attribute %s can not be modified", mod.Type)
	}

	a := e.Get(mod.Type)
	switch mod.Op {
	case store.ModAdd:
		if len(mod.Values) == 0 {
			return errs.Newf(errs.RetCInvalidParameter, "add to %s without values", mod.Type)
		}
		if a == nil {
			a = e.Set(mod.Type)
		}
		for _, v := range mod.Values {
			if !containsFold(a.Values, v) {
				a.Values = append(a.Values, v)
			}
		}
	case store.ModDelete:
		if a == nil || len(a.Values) == 0 {
			return errs.Newf(errs.RetCNotFound, "no such attribute %s", mod.Type)
		}
		if len(mod.Values) == 0 {
			a.Values = nil
			return nil
		}
		kept := a.Values[:0]
		for _, v := range a.Values {
			if !containsFold(mod.Values, v) {
				kept = append(kept, v)
			}
		}
		a.Values = kept
	case store.ModReplace:
		e.Set(mod.Type, mod.Values...)
	default:
		return errs.Newf(errs.RetCInvalidParameter, "unknown modification %d", mod.Op)
	}
	return nil
}

func containsFold(values []string, v string) bool {
	for _, x := range values {
		if strings.EqualFold(x, v) {
			return true
		}
	}
	return false
}

func (s *storeImpl) Delete(dn string) (uint64, error) {
	return s.commit(func(txn db.Txn, usn uint64) (*mutation, error) {
		cur, err := load(txn, dn)
		if err != nil {
			return nil, err
		}
		if cur.IsDeleted() {
			return nil, errs.Newf(errs.RetCNotFound, "entry %s not found", dn)
		}

		now := s.now()
		next := cur.Clone()
		for _, attrType := range []string{entry.AttrIsDeleted, entry.AttrUSNChanged} {
			value := "TRUE"
			if attrType == entry.AttrUSNChanged {
				value = strconv.FormatUint(usn, 10)
			}
			s.stamp(next.Set(attrType, value), cur, usn, now)
		}
		return &mutation{op: event.OpDelete, dn: cur.DN, old: cur, next: next}, nil
	}, true, nil)
}

func (s *storeImpl) Get(dn string) (*entry.Entry, error) {
	if !s.db.SupportsFeature(db.FeatureGet) {
		return nil, errs.New(errs.RetCUnwillingToPerform, "Get operation is not supported")
	}
	e, err := load(s.db, dn)
	if err != nil {
		return nil, err
	}
	if e.IsDeleted() {
		return nil, errs.Newf(errs.RetCNotFound, "entry %s not found", dn)
	}
	return visible(e), nil
}

func (s *storeImpl) Search(base, filter string) ([]*entry.Entry, error) {
	if err := entry.ValidateFilter(filter); err != nil {
		return nil, err
	}
	base = entry.NormalizeDN(base)

	var (
		result []*entry.Entry
		first  error
	)
	s.db.Scan(store.EntryPrefix, func(key string, raw []byte) bool {
		dn := strings.TrimPrefix(key, store.EntryPrefix)
		if base != "" && dn != base && !strings.HasSuffix(dn, ","+base) {
			return true
		}
		e, err := entry.Decode(raw)
		if err != nil {
			first = err
			return false
		}
		if e.IsDeleted() {
			return true
		}
		e = visible(e)
		ok, err := entry.MatchFilter(e, filter)
		if err != nil {
			first = err
			return false
		}
		if ok {
			result = append(result, e)
		}
		return true
	})
	return result, first
}

// visible drops the deleted attributes of an entry
func visible(e *entry.Entry) *entry.Entry {
	attrs := e.Attrs[:0]
	for _, a := range e.Attrs {
		if len(a.Values) > 0 {
			attrs = append(attrs, a)
		}
	}
	e.Attrs = attrs
	return e
}

func (s *storeImpl) Replicate(dn string, fn store.ReplicateFunc) (uint64, error) {
	if fn == nil {
		return 0, errs.New(errs.RetCInvalidParameter, "nil replicate function")
	}
	return s.commit(func(txn db.Txn, usn uint64) (*mutation, error) {
		cur, err := loadOptional(txn, dn)
		if err != nil {
			return nil, err
		}
		ch, err := fn(usn, cur.Clone())
		if err != nil {
			return nil, err
		}
		if ch.Op == 0 {
			return nil, nil
		}
		if ch.Entry == nil {
			return nil, errs.Newf(errs.RetCInvalidEntry, "replicated %s of %s without image", ch.Op, dn)
		}
		return &mutation{op: ch.Op, dn: ch.Entry.DN, old: cur, next: ch.Entry}, nil
	}, true, nil)
}

func (s *storeImpl) ChangesSince(usn uint64, limit int) ([]*entry.Entry, error) {
	if limit <= 0 {
		return nil, errs.Newf(errs.RetCInvalidParameter, "invalid limit %d", limit)
	}
	var (
		result []*entry.Entry
		first  error
	)
	s.db.Scan(store.USNPrefix, func(key string, dn []byte) bool {
		idx, err := strconv.ParseUint(strings.TrimPrefix(key, store.USNPrefix), 10, 64)
		if err != nil || idx <= usn {
			return true
		}
		e, err := load(s.db, string(dn))
		if err != nil {
			first = err
			return false
		}
		result = append(result, e)
		return len(result) < limit
	})
	return result, first
}

func (s *storeImpl) ApplyLogEntry(op event.Op, dn string, image []byte, within func(db.Txn) error) (uint64, error) {
	return s.commit(func(txn db.Txn, usn uint64) (*mutation, error) {
		if op == 0 {
			return nil, nil
		}
		next, err := entry.Decode(image)
		if err != nil {
			return nil, err
		}
		cur, err := loadOptional(txn, dn)
		if err != nil {
			return nil, err
		}
		return &mutation{op: op, dn: next.DN, old: cur, next: next}, nil
	}, false, within)
}

func (s *storeImpl) PutLocal(e *entry.Entry) error {
	raw, err := entry.Encode(e)
	if err != nil {
		return err
	}
	txn, err := s.db.Begin(true)
	if err != nil {
		return err
	}
	defer txn.Abort()
	if err := txn.Set(store.EntryKey(e.DN), raw); err != nil {
		return err
	}
	return txn.Commit()
}

func (s *storeImpl) GetLocal(dn string) (*entry.Entry, error) {
	return load(s.db, dn)
}

func (s *storeImpl) DeleteLocal(dn string) error {
	txn, err := s.db.Begin(true)
	if err != nil {
		return err
	}
	defer txn.Abort()
	if err := txn.Delete(store.EntryKey(dn)); err != nil {
		return err
	}
	return txn.Commit()
}

func (s *storeImpl) Children(base string) ([]*entry.Entry, error) {
	suffix := "," + entry.NormalizeDN(base)
	var (
		result []*entry.Entry
		first  error
	)
	s.db.Scan(store.EntryPrefix, func(key string, raw []byte) bool {
		dn := strings.TrimPrefix(key, store.EntryPrefix)
		if !strings.HasSuffix(dn, suffix) || strings.Contains(strings.TrimSuffix(dn, suffix), ",") {
			return true
		}
		e, err := entry.Decode(raw)
		if err != nil {
			first = err
			return false
		}
		result = append(result, e)
		return true
	})
	return result, first
}

func (s *storeImpl) HighestUSN() uint64 {
	return s.db.WriteIdx()
}

func (s *storeImpl) SetLogWriter(w store.LogWriter) {
	if w == nil {
		s.logWriter.Store(nil)
		return
	}
	s.logWriter.Store(&logWriterRef{w: w})
}

func (s *storeImpl) SetInvocationID(id string) {
	s.invocationID.Store(id)
}

func (s *storeImpl) InvocationID() string {
	return s.invocationID.Load().(string)
}

func (s *storeImpl) Events() *event.Repo {
	return s.events
}

func (s *storeImpl) Quiesce() func() {
	s.quiesce.Lock()
	var once sync.Once
	return func() {
		once.Do(s.quiesce.Unlock)
	}
}

func (s *storeImpl) Load(r io.Reader) error {
	if !s.db.SupportsFeature(db.FeatureLoad) {
		return errs.New(errs.RetCUnwillingToPerform, "Load operation is not supported")
	}
	if err := s.db.Load(r); err != nil {
		return err
	}
	log.Infof("loaded snapshot, highest usn is %d", s.db.WriteIdx())
	return nil
}

func (s *storeImpl) Snapshot(w io.Writer) error {
	if !s.db.SupportsFeature(db.FeatureSave) {
		return errs.New(errs.RetCUnwillingToPerform, "Save operation is not supported")
	}
	return s.db.Save(w)
}

func (s *storeImpl) DB() db.KVDB {
	return s.db
}

func (s *storeImpl) GetDBInfo() (db.DatabaseInfo, error) {
	return s.db.GetInfo(), nil
}

func (s *storeImpl) WriteMetrics(w io.Writer) {
	s.metrics.WritePrometheus(w)
}

func (s *storeImpl) Close() error {
	return s.db.Close()
}
