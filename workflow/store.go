package workflow

import (
	"fmt"
	"sync"
)

// ErrKeyNotFound is returned by typed store accessors for a missing key.
type ErrKeyNotFound struct {
	Key string
}

func (e ErrKeyNotFound) Error() string {
	return fmt.Sprintf("workflow store: key %q not found", e.Key)
}

// ErrWrongType is returned when a store value is not of the requested type.
type ErrWrongType struct {
	Key  string
	Want string
}

func (e ErrWrongType) Error() string {
	return fmt.Sprintf("workflow store: key %q does not hold a %s", e.Key, e.Want)
}

// Store is the key/value bag scoped to a single flow execution. It holds the
// initial inputs plus every output produced while the flow runs, and is
// discarded when the run ends. Unordered flows may execute children
// concurrently, so all access is mutex guarded.
type Store struct {
	mu     sync.RWMutex
	values map[string]interface{}
}

// NewStore returns a Store pre-populated with the given initial inputs.
func NewStore(initial map[string]interface{}) *Store {
	values := make(map[string]interface{}, len(initial))
	for k, v := range initial {
		values[k] = v
	}
	return &Store{values: values}
}

// Put stores a value under key, overwriting any previous value.
func (s *Store) Put(key string, value interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

// Get returns the raw value for key.
func (s *Store) Get(key string) (interface{}, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Has reports whether key is present.
func (s *Store) Has(key string) bool {
	_, ok := s.Get(key)
	return ok
}

// Keys returns the set of keys currently present.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	return keys
}

// String returns the string stored under key.
func (s *Store) String(key string) (string, error) {
	v, ok := s.Get(key)
	if !ok {
		return "", ErrKeyNotFound{Key: key}
	}
	str, ok := v.(string)
	if !ok {
		return "", ErrWrongType{Key: key, Want: "string"}
	}
	return str, nil
}

// Bool returns the bool stored under key. A missing key reads as false so
// deciders can probe outputs an upstream task may not have produced.
func (s *Store) Bool(key string) bool {
	v, ok := s.Get(key)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// Value returns the value stored under key asserted to type T. Tasks use it
// to bind their declared inputs without repeating type-assertion plumbing.
func Value[T any](s *Store, key string) (T, error) {
	var zero T
	v, ok := s.Get(key)
	if !ok {
		return zero, ErrKeyNotFound{Key: key}
	}
	typed, ok := v.(T)
	if !ok {
		return zero, ErrWrongType{Key: key, Want: fmt.Sprintf("%T", zero)}
	}
	return typed, nil
}
