package serializer

import (
	"bytes"
	"errors"
	"reflect"
	"testing"

	"github.com/ValentinKolb/dDir/lib/errs"
	"github.com/ValentinKolb/dDir/rpc/common"
)

// testSerializers is a map of serializer name to factory function
var testSerializers = map[string]func() IRPCSerializer{
	"JSON":   NewJSONSerializer,
	"GOB":    NewGOBSerializer,
	"Binary": NewBinarySerializer,
}

// testMessages creates a set of test messages with different fields filled
func testMessages() []common.Message {
	return []common.Message{
		// Basic message with just a type
		{MsgType: common.MsgTSuccess},

		// Add request
		{
			MsgType: common.MsgTDirAdd,
			DN:      "cn=alice,dc=example",
			Value:   []byte(`{"dn":"cn=alice,dc=example"}`),
		},

		// Write response
		{
			MsgType: common.MsgTDirModify,
			USN:     42,
		},

		// Get response
		{
			MsgType: common.MsgTDirGet,
			DN:      "cn=alice,dc=example",
			Value:   []byte("entry"),
			Ok:      true,
		},

		// Error response
		{
			MsgType: common.MsgTError,
			Code:    uint64(errs.RetCUnwillingToPerform),
			Err:     "test error message",
		},

		// Watch poll request
		{
			MsgType: common.MsgTWatchPoll,
			ID:      "session",
			Limit:   10,
			WaitMS:  250,
		},

		// Message with all fields filled
		{
			MsgType: common.MsgTDirSearch,
			DN:      "dc=example",
			Filter:  "(objectClass=person)",
			ID:      "node-1",
			USN:     7,
			Limit:   100,
			WaitMS:  1000,
			Value:   []byte("value"),
			Ok:      true,
			Code:    uint64(errs.RetCNotFound),
			Err:     "not found",
		},
	}
}

// TestSerializerRoundTrip tests that messages can be serialized and deserialized correctly
func TestSerializerRoundTrip(t *testing.T) {
	messages := testMessages()

	for name, factory := range testSerializers {
		t.Run(name, func(t *testing.T) {
			serializer := factory()

			for i, msg := range messages {
				// Serialize
				data, err := serializer.Serialize(msg)
				if err != nil {
					t.Errorf("Failed to serialize message %d: %v", i, err)
					continue
				}

				// Deserialize
				var result common.Message
				err = serializer.Deserialize(data, &result)
				if err != nil {
					t.Errorf("Failed to deserialize message %d: %v", i, err)
					continue
				}

				// Compare
				if !reflect.DeepEqual(msg, result) {
					t.Errorf("Message %d doesn't match after round trip:\nOriginal: %+v\nResult: %+v",
						i, msg, result)
				}
			}
		})
	}
}

// TestMessageTypes tests each message type with each serializer
func TestMessageTypes(t *testing.T) {
	for name, factory := range testSerializers {
		t.Run(name, func(t *testing.T) {
			serializer := factory()

			for msgType := common.MsgTSuccess; msgType <= common.MsgTReplPull; msgType++ {
				if msgType.String() == "unknown" {
					t.Errorf("Message type %d has no name", msgType)
				}
				msg := common.Message{MsgType: msgType}

				// Serialize
				data, err := serializer.Serialize(msg)
				if err != nil {
					t.Errorf("Failed to serialize message type %s: %v", msgType.String(), err)
					continue
				}

				// Deserialize
				var result common.Message
				err = serializer.Deserialize(data, &result)
				if err != nil {
					t.Errorf("Failed to deserialize message type %s: %v", msgType.String(), err)
					continue
				}

				// Check type
				if result.MsgType != msgType {
					t.Errorf("Message type doesn't match after round trip: Expected %s, got %s",
						msgType.String(), result.MsgType.String())
				}
			}
		})
	}
}

// TestErrorRoundTrip tests that the error code survives every serializer
func TestErrorRoundTrip(t *testing.T) {
	for name, factory := range testSerializers {
		t.Run(name, func(t *testing.T) {
			serializer := factory()
			resp := common.NewResponse(common.MsgTDirAdd, errs.New(errs.RetCAlreadyExists, "cn=alice exists"))

			data, err := serializer.Serialize(*resp)
			if err != nil {
				t.Fatalf("Failed to serialize: %v", err)
			}
			var result common.Message
			if err := serializer.Deserialize(data, &result); err != nil {
				t.Fatalf("Failed to deserialize: %v", err)
			}

			err = result.ResponseError()
			if !errors.Is(err, errs.ErrAlreadyExists) {
				t.Fatalf("Expected AlreadyExists, got %v", err)
			}
			if err.Error() != "AlreadyExists: cn=alice exists" {
				t.Errorf("Unexpected message %q", err.Error())
			}
		})
	}
}

// TestBinarySerializerSpecific tests specific edge cases for the binary serializer
func TestBinarySerializerSpecific(t *testing.T) {
	serializer := NewBinarySerializer()

	// Test cases for empty or zero values
	testCases := []struct {
		name string
		msg  common.Message
	}{
		{
			name: "Empty message",
			msg:  common.Message{},
		},
		{
			name: "Message with empty strings and zero values",
			msg: common.Message{
				MsgType: common.MsgTDirAdd,
				Value:   []byte{},
			},
		},
		{
			name: "Message with empty strings but Ok=true",
			msg: common.Message{
				MsgType: common.MsgTDirGet,
				Ok:      true,
			},
		},
		{
			name: "Message with empty value slice but not nil",
			msg: common.Message{
				MsgType: common.MsgTDirAdd,
				DN:      "cn=test",
				Value:   []byte{},
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			// Serialize
			data, err := serializer.Serialize(tc.msg)
			if err != nil {
				t.Fatalf("Failed to serialize: %v", err)
			}

			// Deserialize
			var result common.Message
			err = serializer.Deserialize(data, &result)
			if err != nil {
				t.Fatalf("Failed to deserialize: %v", err)
			}

			if tc.msg.DN != result.DN {
				t.Errorf("DN mismatch: expected '%s', got '%s'", tc.msg.DN, result.DN)
			}
			if tc.msg.Ok != result.Ok {
				t.Errorf("Ok mismatch: expected %v, got %v", tc.msg.Ok, result.Ok)
			}
			if tc.msg.MsgType != result.MsgType {
				t.Errorf("MsgType mismatch: expected %v, got %v", tc.msg.MsgType, result.MsgType)
			}

			// Special handling for byte slices that may be nil or empty
			if (tc.msg.Value == nil) != (result.Value == nil) {
				t.Errorf("Value nil/non-nil mismatch: expected %v, got %v", tc.msg.Value, result.Value)
			} else if !bytes.Equal(tc.msg.Value, result.Value) {
				t.Errorf("Value content mismatch: expected %v, got %v", tc.msg.Value, result.Value)
			}
		})
	}
}

// TestBinaryValueIsCopied tests that a decoded value does not alias the input buffer
func TestBinaryValueIsCopied(t *testing.T) {
	serializer := NewBinarySerializer()
	data, err := serializer.Serialize(common.Message{MsgType: common.MsgTDirAdd, Value: []byte("abc")})
	if err != nil {
		t.Fatalf("Failed to serialize: %v", err)
	}

	var result common.Message
	if err := serializer.Deserialize(data, &result); err != nil {
		t.Fatalf("Failed to deserialize: %v", err)
	}
	for i := range data {
		data[i] = 0
	}
	if string(result.Value) != "abc" {
		t.Errorf("Value changed with the input buffer: %q", result.Value)
	}
}

// TestInvalidBinaryData tests how the binary serializer handles corrupt or invalid data
func TestInvalidBinaryData(t *testing.T) {
	serializer := NewBinarySerializer()

	testCases := []struct {
		name        string
		data        []byte
		expectError bool
	}{
		{
			name:        "Empty data",
			data:        []byte{},
			expectError: true,
		},
		{
			name:        "Too short header",
			data:        []byte{1, 0}, // Message type and half of the flags
			expectError: true,
		},
		{
			name:        "Valid header only",
			data:        []byte{1, 0, 0}, // Message type 1, no flags
			expectError: false,
		},
		{
			name:        "Invalid length for dn",
			data:        []byte{1, 0, 1, 0, 0, 0, 5, 'a', 'b', 'c'}, // Claims dn length 5 but only 3 bytes provided
			expectError: true,
		},
		{
			name:        "Invalid length for value",
			data:        []byte{1, 0, 64, 0, 0, 0, 10}, // Claims value length 10 but no bytes provided
			expectError: true,
		},
		{
			name:        "Truncated usn",
			data:        []byte{1, 0, 8, 0, 0, 0}, // usn needs 8 bytes
			expectError: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var msg common.Message
			err := serializer.Deserialize(tc.data, &msg)

			if tc.expectError && err == nil {
				t.Errorf("Expected error but got none")
			} else if !tc.expectError && err != nil {
				t.Errorf("Did not expect error but got: %v", err)
			}
		})
	}
}

// TestNewByName tests the lookup used by the command line
func TestNewByName(t *testing.T) {
	for _, name := range Names() {
		if _, err := New(name); err != nil {
			t.Errorf("New(%q) failed: %v", name, err)
		}
	}
	if _, err := New("xml"); err == nil {
		t.Error("Expected an error for an unknown serializer")
	}
	if len(Names()) != len(testSerializers) {
		t.Errorf("Expected %d serializers, got %v", len(testSerializers), Names())
	}
}

// TestJSONKeepsFilterReadable tests that filters are not HTML escaped
func TestJSONKeepsFilterReadable(t *testing.T) {
	data, err := NewJSONSerializer().Serialize(common.Message{
		MsgType: common.MsgTDirSearch,
		Filter:  "(&(objectClass=person)(cn=a*))",
	})
	if err != nil {
		t.Fatalf("Failed to serialize: %v", err)
	}
	if !bytes.Contains(data, []byte(`"(&(objectClass=person)(cn=a*))"`)) {
		t.Errorf("Filter was escaped: %s", data)
	}
	if bytes.HasSuffix(data, []byte("\n")) {
		t.Error("Trailing newline in serialized message")
	}
}

// TestDeserializeResetsMessage tests that a reused message does not keep old fields
func TestDeserializeResetsMessage(t *testing.T) {
	for name, factory := range testSerializers {
		t.Run(name, func(t *testing.T) {
			serializer := factory()
			data, err := serializer.Serialize(common.Message{MsgType: common.MsgTDirGet, DN: "cn=bob"})
			if err != nil {
				t.Fatalf("Failed to serialize: %v", err)
			}
			msg := common.Message{Filter: "(cn=*)", USN: 9, Ok: true}
			if err := serializer.Deserialize(data, &msg); err != nil {
				t.Fatalf("Failed to deserialize: %v", err)
			}
			if msg.Filter != "" || msg.USN != 0 || msg.Ok {
				t.Errorf("Old fields survived: %+v", msg)
			}
		})
	}
}
