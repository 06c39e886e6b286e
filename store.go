package pondsync

import (
	"sort"
	"sync"
)

type store[T any] struct {
	mutex sync.RWMutex
	store map[string]T
}

func newStore[T any]() *store[T] {
	return &store[T]{
		store: make(map[string]T),
	}
}

func (s *store[T]) Create(key string, value T) error {
	s.mutex.Lock()

	defer s.mutex.Unlock()

	if _, exists := s.store[key]; exists {
		return conflict(key, "Key already exists")
	}
	s.store[key] = value
	return nil
}

func (s *store[T]) Read(key string) (T, error) {
	s.mutex.RLock()

	defer s.mutex.RUnlock()

	var zeroValue T
	value, exists := s.store[key]
	if !exists {
		return zeroValue, notFound(key, "Key does not exist")
	}
	return value, nil
}

// Upsert stores value under key whether or not the key exists.
func (s *store[T]) Upsert(key string, value T) {
	s.mutex.Lock()

	defer s.mutex.Unlock()

	s.store[key] = value
}

// GetOrCreate returns the value under key, creating it with factory when absent. The factory
// runs under the store lock and must not touch the store.
func (s *store[T]) GetOrCreate(key string, factory func() T) (T, bool) {
	s.mutex.Lock()

	defer s.mutex.Unlock()

	if value, exists := s.store[key]; exists {
		return value, false
	}
	value := factory()
	s.store[key] = value
	return value, true
}

// DeleteIf removes key only when match accepts the stored value.
func (s *store[T]) DeleteIf(key string, match func(T) bool) bool {
	s.mutex.Lock()

	defer s.mutex.Unlock()

	value, exists := s.store[key]
	if !exists || !match(value) {
		return false
	}
	delete(s.store, key)
	return true
}

func (s *store[T]) Delete(key string) error {
	s.mutex.Lock()

	defer s.mutex.Unlock()

	if _, exists := s.store[key]; !exists {
		return notFound(key, "Key does not exist")
	}
	delete(s.store, key)

	return nil
}

// Keys returns the stored keys in sorted order.
func (s *store[T]) Keys() []string {
	s.mutex.RLock()

	defer s.mutex.RUnlock()

	keys := make([]string, 0, len(s.store))

	for key := range s.store {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (s *store[T]) Values() []T {
	s.mutex.RLock()

	defer s.mutex.RUnlock()

	values := make([]T, 0, len(s.store))

	for _, value := range s.store {
		values = append(values, value)
	}
	return values
}

func (s *store[T]) Len() int {
	s.mutex.RLock()

	defer s.mutex.RUnlock()

	return len(s.store)
}
