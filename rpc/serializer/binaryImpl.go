package serializer

import (
	"encoding/binary"
	"fmt"

	"github.com/ValentinKolb/dDir/rpc/common"
)

// NewBinarySerializer creates a new serializer using a custom binary format
// optimized for speed and efficiency
func NewBinarySerializer() IRPCSerializer {
	return &binarySerializerImpl{}
}

// binarySerializerImpl implements IRPCSerializer using a custom binary format
type binarySerializerImpl struct {
}

// Bit flags to indicate which optional fields are present
const (
	hasDN     uint16 = 1 << 0
	hasFilter uint16 = 1 << 1
	hasID     uint16 = 1 << 2
	hasUSN    uint16 = 1 << 3
	hasLimit  uint16 = 1 << 4
	hasWaitMS uint16 = 1 << 5
	hasValue  uint16 = 1 << 6
	hasOk     uint16 = 1 << 7
	hasCode   uint16 = 1 << 8
	hasErr    uint16 = 1 << 9
)

// header: 1 byte MsgType + 2 bytes flags
const headerSize = 3

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (b binarySerializerImpl) Serialize(msg common.Message) ([]byte, error) {
	// Calculate total size needed
	result := make([]byte, b.sizeBytes(msg))

	// Write message type
	result[0] = byte(msg.MsgType)

	var flags uint16
	pos := headerSize

	putString := func(flag uint16, s string) {
		if s == "" {
			return
		}
		flags |= flag
		binary.BigEndian.PutUint32(result[pos:pos+4], uint32(len(s)))
		pos += 4
		pos += copy(result[pos:], s)
	}
	putUint := func(flag uint16, v uint64) {
		if v == 0 {
			return
		}
		flags |= flag
		binary.BigEndian.PutUint64(result[pos:pos+8], v)
		pos += 8
	}

	putString(hasDN, msg.DN)
	putString(hasFilter, msg.Filter)
	putString(hasID, msg.ID)
	putUint(hasUSN, msg.USN)
	putUint(hasLimit, msg.Limit)
	putUint(hasWaitMS, msg.WaitMS)

	// Handle Value (an empty but non nil value is kept)
	if msg.Value != nil {
		flags |= hasValue
		binary.BigEndian.PutUint32(result[pos:pos+4], uint32(len(msg.Value)))
		pos += 4
		pos += copy(result[pos:], msg.Value)
	}

	// Handle Ok, the flag is the value
	if msg.Ok {
		flags |= hasOk
	}

	putUint(hasCode, msg.Code)
	putString(hasErr, msg.Err)

	// Set flags after knowing which fields are present
	binary.BigEndian.PutUint16(result[1:3], flags)

	return result[:pos], nil
}

func (b binarySerializerImpl) Deserialize(data []byte, msg *common.Message) error {
	// Check minimum size (MsgType + flags)
	if len(data) < headerSize {
		return fmt.Errorf("data too short for message header")
	}

	// Read message type and flags
	msg.MsgType = common.MessageType(data[0])
	flags := binary.BigEndian.Uint16(data[1:3])
	pos := headerSize

	readBytes := func(name string) ([]byte, error) {
		if pos+4 > len(data) {
			return nil, fmt.Errorf("data too short for %s length", name)
		}
		n := int(binary.BigEndian.Uint32(data[pos : pos+4]))
		pos += 4
		if n < 0 || pos+n > len(data) {
			return nil, fmt.Errorf("data too short for %s data", name)
		}
		b := data[pos : pos+n]
		pos += n
		return b, nil
	}
	readString := func(flag uint16, name string, dst *string) error {
		*dst = ""
		if flags&flag == 0 {
			return nil
		}
		b, err := readBytes(name)
		if err != nil {
			return err
		}
		*dst = string(b)
		return nil
	}
	readUint := func(flag uint16, name string, dst *uint64) error {
		*dst = 0
		if flags&flag == 0 {
			return nil
		}
		if pos+8 > len(data) {
			return fmt.Errorf("data too short for %s", name)
		}
		*dst = binary.BigEndian.Uint64(data[pos : pos+8])
		pos += 8
		return nil
	}

	if err := readString(hasDN, "dn", &msg.DN); err != nil {
		return err
	}
	if err := readString(hasFilter, "filter", &msg.Filter); err != nil {
		return err
	}
	if err := readString(hasID, "id", &msg.ID); err != nil {
		return err
	}
	if err := readUint(hasUSN, "usn", &msg.USN); err != nil {
		return err
	}
	if err := readUint(hasLimit, "limit", &msg.Limit); err != nil {
		return err
	}
	if err := readUint(hasWaitMS, "waitMs", &msg.WaitMS); err != nil {
		return err
	}

	// Read Value if present, the data buffer may be reused by the transport
	msg.Value = nil
	if flags&hasValue != 0 {
		value, err := readBytes("value")
		if err != nil {
			return err
		}
		msg.Value = make([]byte, len(value))
		copy(msg.Value, value)
	}

	msg.Ok = flags&hasOk != 0

	if err := readUint(hasCode, "code", &msg.Code); err != nil {
		return err
	}
	return readString(hasErr, "err", &msg.Err)
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// sizeBytes calculates the total size needed for serialization
func (b binarySerializerImpl) sizeBytes(msg common.Message) int {
	size := headerSize

	// 4 bytes for length + data
	for _, s := range []string{msg.DN, msg.Filter, msg.ID, msg.Err} {
		if s != "" {
			size += 4 + len(s)
		}
	}
	if msg.Value != nil {
		size += 4 + len(msg.Value)
	}

	// uint64 fields
	for _, v := range []uint64{msg.USN, msg.Limit, msg.WaitMS, msg.Code} {
		if v != 0 {
			size += 8
		}
	}
	return size
}
