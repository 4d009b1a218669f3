package replication

import (
	"strconv"
	"strings"
	"time"

	"github.com/ValentinKolb/dDir/lib/entry"
	"github.com/ValentinKolb/dDir/lib/errs"
)

// SetAttrNewMetaData rewrites the attribute metadata of e for a replicated
// write that got localUsn on this node.
//
//   - attributes the supplier won take the supplier metadata with localUsn
//   - attributes the supplier lost keep their current metadata
//   - attributes without supplier metadata get fresh metadata of this node
//
// uSNChanged and uSNCreated are stamped with localUsn. Every consumed entry is
// removed from supplier, so the remainder describes attributes that are not
// present on e.
func SetAttrNewMetaData(e *entry.Entry, supplier MetaDataMap, localUsn uint64, invocationID string, now time.Time) error {
	if e == nil || supplier == nil {
		return errs.New(errs.RetCInvalidParameter, "missing entry or supplier metadata")
	}
	if localUsn == 0 {
		return errs.New(errs.RetCInvalidParameter, "no local usn")
	}

	usn := strconv.FormatUint(localUsn, 10)
	e.Set(entry.AttrUSNChanged, usn)
	e.Set(entry.AttrUSNCreated, usn)
	delete(supplier, strings.ToLower(entry.AttrUSNChanged))
	delete(supplier, strings.ToLower(entry.AttrUSNCreated))

	for _, a := range e.Attrs {
		key := strings.ToLower(a.Type)
		md, ok := supplier[key]
		if !ok {
			a.MetaData = entry.NewMetadata(localUsn, 1, invocationID, now)
			continue
		}
		delete(supplier, key)
		if md.Conflict {
			continue
		}
		md = md.Clone()
		md.LocalUsn = localUsn
		a.MetaData = md
	}
	return nil
}
