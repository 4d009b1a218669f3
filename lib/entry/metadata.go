package entry

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ValentinKolb/dDir/lib/errs"
)

// TimeFormat is the generalized time layout used for originating times
const TimeFormat = "20060102150405.000"

// AttributeMetadata is the per attribute replication bookkeeping.
//
// Serialized form: localUsn:version:invocationId:originatingTime:originatingUsn
type AttributeMetadata struct {
	LocalUsn        uint64
	Version         uint64
	InvocationID    string
	OriginatingTime time.Time
	OriginatingUsn  uint64

	// Conflict marks supplier metadata that lost conflict resolution.
	// It is never serialized.
	Conflict bool
}

// NewMetadata creates metadata for a write that originates on this node
func NewMetadata(usn, version uint64, invocationID string, now time.Time) *AttributeMetadata {
	return &AttributeMetadata{
		LocalUsn:        usn,
		Version:         version,
		InvocationID:    invocationID,
		OriginatingTime: now.UTC().Truncate(time.Millisecond),
		OriginatingUsn:  usn,
	}
}

// String returns the serialized form
func (m *AttributeMetadata) String() string {
	if m == nil {
		return ""
	}
	return fmt.Sprintf("%d:%d:%s:%s:%d",
		m.LocalUsn,
		m.Version,
		m.InvocationID,
		m.OriginatingTime.UTC().Format(TimeFormat),
		m.OriginatingUsn,
	)
}

// Clone returns a deep copy
func (m *AttributeMetadata) Clone() *AttributeMetadata {
	if m == nil {
		return nil
	}
	c := *m
	return &c
}

// Equal compares every serialized field. The Conflict marker is ignored.
func (m *AttributeMetadata) Equal(o *AttributeMetadata) bool {
	if m == nil || o == nil {
		return m == o
	}
	return m.LocalUsn == o.LocalUsn &&
		m.Version == o.Version &&
		m.InvocationID == o.InvocationID &&
		m.OriginatingTime.Equal(o.OriginatingTime) &&
		m.OriginatingUsn == o.OriginatingUsn
}

// ParseMetadata parses the serialized form produced by String
func ParseMetadata(s string) (*AttributeMetadata, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 5 {
		return nil, errs.Newf(errs.RetCInvalidEntry, "metadata %q: expected 5 fields, got %d", s, len(parts))
	}

	var (
		m   AttributeMetadata
		err error
	)
	if m.LocalUsn, err = strconv.ParseUint(parts[0], 10, 64); err != nil {
		return nil, errs.Newf(errs.RetCInvalidEntry, "metadata %q: local usn: %v", s, err)
	}
	if m.Version, err = strconv.ParseUint(parts[1], 10, 64); err != nil {
		return nil, errs.Newf(errs.RetCInvalidEntry, "metadata %q: version: %v", s, err)
	}
	m.InvocationID = parts[2]
	if m.OriginatingTime, err = time.ParseInLocation(TimeFormat, parts[3], time.UTC); err != nil {
		return nil, errs.Newf(errs.RetCInvalidEntry, "metadata %q: originating time: %v", s, err)
	}
	if m.OriginatingUsn, err = strconv.ParseUint(parts[4], 10, 64); err != nil {
		return nil, errs.Newf(errs.RetCInvalidEntry, "metadata %q: originating usn: %v", s, err)
	}
	return &m, nil
}

// MarshalJSON encodes the metadata as its serialized string
func (m *AttributeMetadata) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// UnmarshalJSON decodes the serialized string form
func (m *AttributeMetadata) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseMetadata(s)
	if err != nil {
		return err
	}
	*m = *parsed
	return nil
}
