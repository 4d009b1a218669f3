package replication

import (
	"strings"

	"github.com/ValentinKolb/dDir/lib/entry"
	"github.com/ValentinKolb/dDir/lib/errs"
)

// MetaDataMap maps lower cased attribute types to the supplier metadata of
// a replicated update
type MetaDataMap map[string]*entry.AttributeMetadata

// NewMetaDataMap collects the attribute metadata of an entry
func NewMetaDataMap(e *entry.Entry) MetaDataMap {
	m := make(MetaDataMap, len(e.Attrs))
	for _, a := range e.Attrs {
		if a.MetaData != nil {
			m[strings.ToLower(a.Type)] = a.MetaData.Clone()
		}
	}
	return m
}

// Clone returns a deep copy
func (m MetaDataMap) Clone() MetaDataMap {
	c := make(MetaDataMap, len(m))
	for k, v := range m {
		c[k] = v.Clone()
	}
	return c
}

// Get looks up the metadata of an attribute type
func (m MetaDataMap) Get(attrType string) (*entry.AttributeMetadata, bool) {
	md, ok := m[strings.ToLower(attrType)]
	return md, ok
}

// Winners records per attribute type (lower cased) whether the supplier won
type Winners map[string]bool

// SupplierWins reports whether the supplier write of attrType stands
func (w Winners) SupplierWins(attrType string) bool {
	return w[strings.ToLower(attrType)]
}

// Any reports whether the supplier won at least one attribute
func (w Winners) Any() bool {
	for _, won := range w {
		if won {
			return true
		}
	}
	return false
}

// CompareMetadata orders two writes of the same attribute. A positive result
// means a wins. The higher version wins, ties are broken by the greater
// invocation id, the later originating time and the greater originating usn.
// The local usn takes no part, so every node orders the same writes alike.
func CompareMetadata(a, b *entry.AttributeMetadata) int {
	switch {
	case a.Version != b.Version:
		return cmpUint(a.Version, b.Version)
	case a.InvocationID != b.InvocationID:
		return strings.Compare(a.InvocationID, b.InvocationID)
	case !a.OriginatingTime.Equal(b.OriginatingTime):
		if a.OriginatingTime.After(b.OriginatingTime) {
			return 1
		}
		return -1
	default:
		return cmpUint(a.OriginatingUsn, b.OriginatingUsn)
	}
}

func cmpUint(a, b uint64) int {
	switch {
	case a > b:
		return 1
	case a < b:
		return -1
	default:
		return 0
	}
}

// ResolveConflicts decides per supplier attribute whether the supplier write
// or the local one stands. Losing supplier metadata is flagged with Conflict.
// An attribute without local metadata is always won by the supplier, identical
// metadata is lost by the supplier since the write is already applied.
func ResolveConflicts(local *entry.Entry, supplier MetaDataMap) (Winners, error) {
	if supplier == nil {
		return nil, errs.New(errs.RetCInvalidParameter, "no supplier metadata")
	}
	winners := make(Winners, len(supplier))
	for attrType, md := range supplier {
		if md == nil {
			return nil, errs.Newf(errs.RetCConflictResolutionFailure, "attribute %s without supplier metadata", attrType)
		}
		if md.InvocationID == "" {
			return nil, errs.Newf(errs.RetCConflictResolutionFailure, "attribute %s without originating invocation id", attrType)
		}

		var la *entry.Attribute
		if local != nil {
			la = local.Get(attrType)
		}
		won := la == nil || la.MetaData == nil || CompareMetadata(md, la.MetaData) > 0
		md.Conflict = !won
		winners[strings.ToLower(attrType)] = won
	}
	return winners, nil
}
