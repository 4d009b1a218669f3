package replication

import (
	"strings"
	"time"

	"github.com/ValentinKolb/dDir/lib/entry"
	"github.com/ValentinKolb/dDir/lib/errs"
	"github.com/ValentinKolb/dDir/lib/event"
	"github.com/ValentinKolb/dDir/lib/store"
)

// Applier is the store side of a replicated apply, see store.IStore.Replicate
type Applier interface {
	Replicate(dn string, fn store.ReplicateFunc) (uint64, error)
}

// Apply dispatches an update on its operation
func Apply(a Applier, u *Update, invocationID string, now time.Time) (uint64, error) {
	if err := u.validate(); err != nil {
		return 0, err
	}
	switch u.Op {
	case event.OpAdd:
		return ReplAddEntry(a, u, invocationID, now)
	case event.OpModify:
		return ReplModifyEntry(a, u, invocationID, now)
	case event.OpDelete:
		return ReplDeleteEntry(a, u, invocationID, now)
	default:
		return 0, errs.Newf(errs.RetCInvalidEntry, "update of %s with unknown operation %d", u.Entry.DN, u.Op)
	}
}

// ReplAddEntry creates a replicated entry. Supplier metadata without a
// matching attribute becomes a deleted attribute. If the entry already exists
// the update is resolved attribute by attribute like a modify.
func ReplAddEntry(a Applier, u *Update, invocationID string, now time.Time) (uint64, error) {
	if err := u.validate(); err != nil {
		return 0, err
	}
	if !u.Entry.IsDeleted() && u.Entry.First(entry.AttrObjectClass) == "" {
		return 0, errs.Newf(errs.RetCInvalidSchema, "entry %s without %s", u.Entry.DN, entry.AttrObjectClass)
	}

	return a.Replicate(u.Entry.DN, func(localUsn uint64, cur *entry.Entry) (store.Change, error) {
		if cur != nil {
			return merge(cur, u, localUsn, invocationID, now)
		}

		e := u.Entry.Clone()
		md := u.MetaData.Clone()
		if _, err := ResolveConflicts(nil, md); err != nil {
			return store.Change{}, err
		}
		if err := SetAttrNewMetaData(e, md, localUsn, invocationID, now); err != nil {
			return store.Change{}, err
		}
		for attrType, smd := range md {
			smd.LocalUsn = localUsn
			e.Attrs = append(e.Attrs, &entry.Attribute{Type: attrType, MetaData: smd})
		}

		op := event.OpAdd
		if e.IsDeleted() {
			op = event.OpDelete
		}
		return store.Change{Op: op, Entry: e}, nil
	})
}

// ReplModifyEntry applies the attributes the supplier won to an existing
// entry. objectGUID never changes. A missing entry is created from the image.
func ReplModifyEntry(a Applier, u *Update, invocationID string, now time.Time) (uint64, error) {
	if err := u.validate(); err != nil {
		return 0, err
	}

	missing := false
	usn, err := a.Replicate(u.Entry.DN, func(localUsn uint64, cur *entry.Entry) (store.Change, error) {
		if cur == nil {
			missing = true
			return store.Change{}, nil
		}
		return merge(cur, u, localUsn, invocationID, now)
	})
	if err != nil || !missing {
		return usn, err
	}

	log.Warningf("modify of %s from %s: entry does not exist, adding it", u.Entry.DN, u.Partner)
	return ReplAddEntry(a, u, invocationID, now)
}

// ReplDeleteEntry applies a supplier tombstone. Deleting a missing entry is a
// no-op.
func ReplDeleteEntry(a Applier, u *Update, invocationID string, now time.Time) (uint64, error) {
	if err := u.validate(); err != nil {
		return 0, err
	}
	if !u.Entry.IsDeleted() {
		return 0, errs.Newf(errs.RetCInvalidEntry, "delete of %s without %s", u.Entry.DN, entry.AttrIsDeleted)
	}
	return a.Replicate(u.Entry.DN, func(localUsn uint64, cur *entry.Entry) (store.Change, error) {
		if cur == nil {
			return store.Change{}, nil
		}
		return merge(cur, u, localUsn, invocationID, now)
	})
}

// merge resolves an update against the current image cur
func merge(cur *entry.Entry, u *Update, localUsn uint64, invocationID string, now time.Time) (store.Change, error) {
	md := u.MetaData.Clone()
	delete(md, strings.ToLower(entry.AttrUSNChanged))
	delete(md, strings.ToLower(entry.AttrUSNCreated))
	if cur.First(entry.AttrObjectGUID) != "" {
		delete(md, strings.ToLower(entry.AttrObjectGUID))
	}

	winners, err := ResolveConflicts(cur, md)
	if err != nil {
		return store.Change{}, err
	}
	if !winners.Any() {
		return store.Change{}, nil
	}

	delta := entry.New(cur.DN)
	for _, a := range u.Entry.Attrs {
		if winners.SupplierWins(a.Type) {
			delta.Attrs = append(delta.Attrs, a.Clone())
		}
	}
	// won but not on the supplier image: deleted there
	for attrType, won := range winners {
		if won && delta.Get(attrType) == nil {
			delta.Attrs = append(delta.Attrs, &entry.Attribute{Type: attrType})
		}
	}
	if err := SetAttrNewMetaData(delta, md, localUsn, invocationID, now); err != nil {
		return store.Change{}, err
	}

	next := cur.Clone()
	for _, a := range delta.Attrs {
		ca := next.Get(a.Type)
		if strings.EqualFold(a.Type, entry.AttrUSNCreated) && ca != nil {
			continue
		}
		if ca == nil {
			next.Attrs = append(next.Attrs, a)
			continue
		}
		ca.Values = a.Values
		ca.MetaData = a.MetaData
	}

	op := event.OpModify
	switch {
	case next.IsDeleted() && !cur.IsDeleted():
		op = event.OpDelete
	case !next.IsDeleted() && cur.IsDeleted():
		op = event.OpAdd
	}
	return store.Change{Op: op, Entry: next}, nil
}
