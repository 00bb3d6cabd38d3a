package serializer

import (
	"errors"
	"sort"
	"sync"

	"github.com/taoh/tutorial/celery/serializer/json"
)

// Serializer converts task payloads to and from their wire format
type Serializer interface {
	Serialize(interface{}) ([]byte, error)
	Deserialize([]byte, interface{}) error
}

var (
	registryMu         sync.RWMutex
	serializerRegistry = make(map[string]Serializer)
)

// ErrSerializerNotFound is returned for content types nobody registered
var ErrSerializerNotFound = errors.New("serializer not found")

// RegisterSerializer makes a serializer available under the given content type
func RegisterSerializer(contentType string, s Serializer) {
	registryMu.Lock()
	defer registryMu.Unlock()
	serializerRegistry[contentType] = s
}

// NewSerializer returns the serializer registered for contentType
func NewSerializer(contentType string) (Serializer, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if serializer, ok := serializerRegistry[contentType]; ok {
		return serializer, nil
	}
	return nil, ErrSerializerNotFound
}

// ContentTypes lists the registered content types
func ContentTypes() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	types := make([]string, 0, len(serializerRegistry))
	for t := range serializerRegistry {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

func init() {
	RegisterSerializer(json.ContentType, &json.Serializer{})
}
