package internal

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/ValentinKolb/dDir/lib/event"
)

// TestSerializeDeserialize tests both Serialize and Deserialize methods
func TestSerializeDeserialize(t *testing.T) {
	tests := []struct {
		name  string
		entry LogEntry
	}{
		{
			name:  "Add with image",
			entry: LogEntry{Index: 7, Term: 2, Op: event.OpAdd, DN: "cn=alice,dc=example", Image: []byte(`{"dn":"cn=alice"}`)},
		},
		{
			name:  "Noop",
			entry: LogEntry{Index: 8, Term: 3, Op: OpNoop},
		},
		{
			name:  "Max index and term",
			entry: LogEntry{Index: 18446744073709551615, Term: 18446744073709551615, Op: event.OpDelete, DN: "cn=x", Image: []byte{1}},
		},
		{
			name:  "Binary image",
			entry: LogEntry{Index: 1, Term: 1, Op: event.OpModify, DN: "cn=bin", Image: []byte{0, 1, 2, 3, 254, 255}},
		},
		{
			name:  "Unicode dn",
			entry: LogEntry{Index: 2, Term: 1, Op: event.OpAdd, DN: "cn=你好世界", Image: []byte("unicode test")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := tt.entry.Serialize()

			var got LogEntry
			if err := got.Deserialize(data); err != nil {
				t.Fatalf("Deserialize() error = %v", err)
			}

			if got.Index != tt.entry.Index || got.Term != tt.entry.Term {
				t.Errorf("position mismatch: got (%d %d), want (%d %d)", got.Index, got.Term, tt.entry.Index, tt.entry.Term)
			}
			if got.Op != tt.entry.Op {
				t.Errorf("Op mismatch: got %v, want %v", got.Op, tt.entry.Op)
			}
			if got.DN != tt.entry.DN {
				t.Errorf("DN mismatch: got %q, want %q", got.DN, tt.entry.DN)
			}
			if len(tt.entry.Image) == 0 {
				if len(got.Image) != 0 {
					t.Errorf("Image should be empty, got %v", got.Image)
				}
			} else if !bytes.Equal(got.Image, tt.entry.Image) {
				t.Errorf("Image mismatch: got %v, want %v", got.Image, tt.entry.Image)
			}

			if tt.entry.SizeBytes() != len(data) {
				t.Errorf("SizeBytes() = %d, but serialized data length = %d", tt.entry.SizeBytes(), len(data))
			}
		})
	}
}

// TestDeserializeErrors tests error cases in Deserialize
func TestDeserializeErrors(t *testing.T) {
	tests := []struct {
		name        string
		data        []byte
		expectedErr string
	}{
		{
			name:        "Empty data",
			data:        []byte{},
			expectedErr: "data too short for log entry",
		},
		{
			name:        "Data too short (less than header)",
			data:        []byte{1, 2, 3, 4, 5},
			expectedErr: "data too short for log entry",
		},
		{
			name: "Invalid dn length",
			data: func() []byte {
				data := make([]byte, headerSize)
				binary.BigEndian.PutUint32(data[17:21], 1000)
				return data
			}(),
			expectedErr: "data too short for dn of length 1000",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var e LogEntry
			err := e.Deserialize(tt.data)
			if err == nil {
				t.Fatalf("Expected error but got nil")
			}
			if err.Error() != tt.expectedErr {
				t.Errorf("Expected error %q, got %q", tt.expectedErr, err.Error())
			}
		})
	}
}

// TestBinaryFormat tests the exact binary format of serialized entries
func TestBinaryFormat(t *testing.T) {
	e := LogEntry{Index: 12345, Term: 67, Op: event.OpModify, DN: "cn=test", Image: []byte("image")}

	expected := make([]byte, e.SizeBytes())
	binary.BigEndian.PutUint64(expected[0:8], 12345)
	binary.BigEndian.PutUint64(expected[8:16], 67)
	expected[16] = byte(event.OpModify)
	binary.BigEndian.PutUint32(expected[17:21], 7)
	copy(expected[21:28], "cn=test")
	copy(expected[28:], "image")

	if got := e.Serialize(); !bytes.Equal(got, expected) {
		t.Errorf("Binary format does not match:\nGot:      %v\nExpected: %v", got, expected)
	}
	if !(&LogEntry{Op: OpNoop}).IsNoop() || e.IsNoop() {
		t.Errorf("IsNoop mismatch")
	}
}

// TestBufferReuse tests that Deserialize reuses the image buffer when possible
func TestBufferReuse(t *testing.T) {
	e := LogEntry{Index: 1, Term: 1, Op: event.OpAdd, DN: "cn=a", Image: []byte("original image")}
	before := cap(e.Image)

	next := LogEntry{Index: 2, Term: 1, Op: event.OpAdd, DN: "cn=a", Image: []byte("changed image")}
	if err := e.Deserialize(next.Serialize()); err != nil {
		t.Fatalf("Deserialize() error = %v", err)
	}
	if cap(e.Image) != before {
		t.Errorf("buffer was not reused: capacity %d -> %d", before, cap(e.Image))
	}
	if !bytes.Equal(e.Image, next.Image) {
		t.Errorf("Image not correctly deserialized: got %q", e.Image)
	}

	long := LogEntry{Index: 3, Term: 1, Op: event.OpAdd, DN: "cn=a", Image: bytes.Repeat([]byte("x"), 4*before)}
	if err := e.Deserialize(long.Serialize()); err != nil {
		t.Fatalf("Deserialize() error = %v", err)
	}
	if cap(e.Image) <= before {
		t.Errorf("buffer capacity did not increase for a larger image: still %d", cap(e.Image))
	}
}
