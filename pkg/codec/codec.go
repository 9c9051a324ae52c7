// Package codec provides named serialization codecs for journal entries and
// fan-out events. Codecs are resolved from configuration by name at startup;
// custom codecs must be registered before the journal is constructed.
package codec

import (
	"fmt"
	"sync"
)

// Codec converts envelope structs to and from wire bytes.
type Codec interface {
	// Name returns the registry name the codec is resolved by.
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// Built-in codec names.
const (
	NameJSON    = "json"
	NameMsgpack = "msgpack"
)

var (
	registry = make(map[string]Codec)
	mu       sync.RWMutex
)

// Register adds a codec to the registry. Registering the same name twice
// replaces the earlier codec.
func Register(c Codec) {
	mu.Lock()
	defer mu.Unlock()
	registry[c.Name()] = c
}

// Lookup resolves a codec by name.
func Lookup(name string) (Codec, error) {
	mu.RLock()
	c, ok := registry[name]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown codec: %s", name)
	}
	return c, nil
}
