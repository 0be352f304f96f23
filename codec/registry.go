/*
Package codec maps Go types to stable full type names and serializes envelopes as JSON
with type-name metadata, so a receiving process can rebuild the concrete message.
*/
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"

	berr "github.com/next-trace/jitney/contract/errors"
)

// ErrNilType indicates that Register received a nil value.
var ErrNilType = errors.New("codec: type is nil")

// NameOf returns the full type name of v ("<import path>.<Type>"), dereferencing pointers.
func NameOf(v any) string {
	t := reflect.TypeOf(v)
	if t == nil {
		return ""
	}

	return nameOfType(t)
}

// NameFor returns the full type name of T.
func NameFor[T any]() string {
	return nameOfType(reflect.TypeFor[T]())
}

func nameOfType(t reflect.Type) string {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	if t.Name() == "" || t.PkgPath() == "" {
		return t.String()
	}

	return t.PkgPath() + "." + t.Name()
}

// Registry stores Go types keyed by full type name. The zero value is not usable; call NewRegistry.
type Registry struct {
	mu    sync.RWMutex
	types map[string]reflect.Type
}

// NewRegistry creates a registry pre-populated with samples.
func NewRegistry(samples ...any) *Registry {
	r := &Registry{types: make(map[string]reflect.Type)}
	for _, s := range samples {
		_ = r.Register(s)
	}

	return r
}

// Register records the type of sample. Registering the same type twice is a no-op.
func (r *Registry) Register(sample any) error {
	t := reflect.TypeOf(sample)
	if t == nil {
		return ErrNilType
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.types[nameOfType(t)] = t

	return nil
}

// Resolve returns the registered type for name.
func (r *Registry) Resolve(name string) (reflect.Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.types[name]

	return t, ok
}

// Encode serializes v as JSON and returns its full type name alongside.
func (r *Registry) Encode(v any) (string, []byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", nil, fmt.Errorf("encode %T: %w", v, errors.Join(berr.ErrSerializationFailed, err))
	}

	return NameOf(v), data, nil
}

// Decode rebuilds a value of the registered type name from JSON. The result has the same
// shape (value or pointer) as the sample that was registered.
func (r *Registry) Decode(name string, data []byte) (any, error) {
	t, ok := r.Resolve(name)
	if !ok {
		return nil, fmt.Errorf("decode %s: %w", name, berr.ErrUnknownMessageType)
	}

	target := t
	if t.Kind() == reflect.Pointer {
		target = t.Elem()
	}

	ptr := reflect.New(target)
	if err := json.Unmarshal(data, ptr.Interface()); err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, errors.Join(berr.ErrSerializationFailed, err))
	}

	if t.Kind() == reflect.Pointer {
		return ptr.Interface(), nil
	}

	return ptr.Elem().Interface(), nil
}
