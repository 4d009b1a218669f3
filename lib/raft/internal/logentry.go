package internal

import (
	"encoding/binary"
	"fmt"

	"github.com/ValentinKolb/dDir/lib/event"
)

// OpNoop marks a log entry without a directory write, e.g. the entry a new
// leader commits to take over the log.
const OpNoop event.Op = 0

// headerSize is Index + Term + Op + DNLen
const headerSize = 8 + 8 + 1 + 4

// LogEntry is a single entry in the raft log
type LogEntry struct {
	Index uint64
	Term  uint64
	Op    event.Op
	DN    string
	Image []byte // encoded entry image after the write, nil for no-ops
}

// IsNoop reports whether the entry carries no directory write
func (e *LogEntry) IsNoop() bool {
	return e.Op == OpNoop
}

func (e *LogEntry) String() string {
	if e.IsNoop() {
		return fmt.Sprintf("(%d %d noop)", e.Index, e.Term)
	}
	return fmt.Sprintf("(%d %d %s %s)", e.Index, e.Term, e.Op, e.DN)
}

// SizeBytes returns the exact number of bytes needed to serialize this entry
func (e *LogEntry) SizeBytes() int {
	return headerSize + len(e.DN) + len(e.Image)
}

// Serialize serializes a log entry into a byte array with the format:
// 8 bytes for the index (big endian),
// 8 bytes for the term (big endian),
// 1 byte for the operation,
// 4 bytes for dn length (big endian),
// N bytes for dn data,
// N bytes for the entry image (optional)
func (e *LogEntry) Serialize() []byte {
	result := make([]byte, e.SizeBytes())

	binary.BigEndian.PutUint64(result[0:8], e.Index)
	binary.BigEndian.PutUint64(result[8:16], e.Term)
	result[16] = byte(e.Op)
	binary.BigEndian.PutUint32(result[17:21], uint32(len(e.DN)))

	copy(result[headerSize:], e.DN)
	copy(result[headerSize+len(e.DN):], e.Image)
	return result
}

// Deserialize extracts all LogEntry fields from a byte array.
func (e *LogEntry) Deserialize(data []byte) error {
	if len(data) < headerSize {
		return fmt.Errorf("data too short for log entry")
	}

	e.Index = binary.BigEndian.Uint64(data[0:8])
	e.Term = binary.BigEndian.Uint64(data[8:16])
	e.Op = event.Op(data[16])
	dnLen := binary.BigEndian.Uint32(data[17:21])

	if len(data) < headerSize+int(dnLen) {
		return fmt.Errorf("data too short for dn of length %d", dnLen)
	}
	e.DN = string(data[headerSize : headerSize+dnLen])

	if rest := len(data) - (headerSize + int(dnLen)); rest > 0 {
		if e.Image == nil || cap(e.Image) < rest {
			e.Image = make([]byte, rest)
		} else {
			e.Image = e.Image[:rest]
		}
		copy(e.Image, data[headerSize+int(dnLen):])
	} else {
		e.Image = nil
	}
	return nil
}
