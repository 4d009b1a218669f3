package entry

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/ValentinKolb/dDir/lib/errs"
)

// Well known attribute types
const (
	AttrObjectClass = "objectClass"
	AttrObjectGUID  = "objectGUID"
	AttrUSNCreated  = "uSNCreated"
	AttrUSNChanged  = "uSNChanged"
	AttrIsDeleted   = "isDeleted"
)

// Attribute is one attribute of an entry. An attribute with metadata but no
// values records a deleted attribute.
type Attribute struct {
	Type     string             `json:"type"`
	Values   []string           `json:"values,omitempty"`
	MetaData *AttributeMetadata `json:"metadata,omitempty"`
}

// Clone returns a deep copy
func (a *Attribute) Clone() *Attribute {
	c := &Attribute{
		Type:     a.Type,
		Values:   append([]string(nil), a.Values...),
		MetaData: a.MetaData.Clone(),
	}
	return c
}

// Entry is a directory object
type Entry struct {
	DN      string       `json:"dn"`
	EntryID uint64       `json:"entryId"`
	Attrs   []*Attribute `json:"attrs"`
}

// New creates an entry without attributes
func New(dn string) *Entry {
	return &Entry{DN: dn}
}

// Get returns the attribute with the given type (case insensitive) or nil
func (e *Entry) Get(attrType string) *Attribute {
	for _, a := range e.Attrs {
		if strings.EqualFold(a.Type, attrType) {
			return a
		}
	}
	return nil
}

// First returns the first value of an attribute or ""
func (e *Entry) First(attrType string) string {
	if a := e.Get(attrType); a != nil && len(a.Values) > 0 {
		return a.Values[0]
	}
	return ""
}

// Set replaces the values of an attribute, creating it if needed.
// Existing metadata is kept.
func (e *Entry) Set(attrType string, values ...string) *Attribute {
	if a := e.Get(attrType); a != nil {
		a.Values = append([]string(nil), values...)
		return a
	}
	a := &Attribute{Type: attrType, Values: append([]string(nil), values...)}
	e.Attrs = append(e.Attrs, a)
	return a
}

// Remove drops an attribute and reports whether it existed
func (e *Entry) Remove(attrType string) bool {
	for i, a := range e.Attrs {
		if strings.EqualFold(a.Type, attrType) {
			e.Attrs = append(e.Attrs[:i], e.Attrs[i+1:]...)
			return true
		}
	}
	return false
}

// IsDeleted reports whether the entry carries isDeleted=TRUE
func (e *Entry) IsDeleted() bool {
	return strings.EqualFold(e.First(AttrIsDeleted), "TRUE")
}

// Clone returns a deep copy
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	c := &Entry{DN: e.DN, EntryID: e.EntryID, Attrs: make([]*Attribute, 0, len(e.Attrs))}
	for _, a := range e.Attrs {
		c.Attrs = append(c.Attrs, a.Clone())
	}
	return c
}

// Sort orders the attributes by lower cased type, used to get a stable encoding
func (e *Entry) Sort() {
	sort.SliceStable(e.Attrs, func(i, j int) bool {
		return strings.ToLower(e.Attrs[i].Type) < strings.ToLower(e.Attrs[j].Type)
	})
}

// NormalizeDN lower cases a dn and strips the blanks around its components
func NormalizeDN(dn string) string {
	parts := strings.Split(dn, ",")
	for i, p := range parts {
		parts[i] = strings.ToLower(strings.TrimSpace(p))
	}
	return strings.Join(parts, ",")
}

// --------------------------------------------------------------------------
// Codec
// --------------------------------------------------------------------------

// Encode serializes an entry
func Encode(e *Entry) ([]byte, error) {
	if e == nil {
		return nil, errs.New(errs.RetCInvalidParameter, "encode nil entry")
	}
	return json.Marshal(e)
}

// Decode deserializes an entry produced by Encode
func Decode(raw []byte) (*Entry, error) {
	if len(raw) == 0 {
		return nil, errs.New(errs.RetCInvalidEntry, "empty entry image")
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, errs.Newf(errs.RetCInvalidEntry, "decode entry: %v", err)
	}
	if e.DN == "" {
		return nil, errs.New(errs.RetCInvalidEntry, "entry without dn")
	}
	return &e, nil
}

// Codec decodes raw entry images, it satisfies event.Decoder
type Codec struct{}

func (Codec) DecodeEntry(raw []byte) (*Entry, error) {
	return Decode(raw)
}
