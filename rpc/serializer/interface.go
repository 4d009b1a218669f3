package serializer

import (
	"fmt"
	"sort"

	"github.com/ValentinKolb/dDir/rpc/common"
)

// IRPCSerializer is the interface for all Message Serializers
type IRPCSerializer interface {
	// Serialize serializes a Message into a byte array
	Serialize(msg common.Message) ([]byte, error)
	// Deserialize decodes b into msg, msg must not keep references to b
	Deserialize(b []byte, msg *common.Message) error
}

var factories = map[string]func() IRPCSerializer{
	"json":   NewJSONSerializer,
	"gob":    NewGOBSerializer,
	"binary": NewBinarySerializer,
}

// Names returns the names accepted by New in sorted order
func Names() []string {
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New returns the serializer registered under name. Client and server must
// use the same one.
func New(name string) (IRPCSerializer, error) {
	f, ok := factories[name]
	if !ok {
		return nil, fmt.Errorf("invalid serializer %q, expected one of %v", name, Names())
	}
	return f(), nil
}
