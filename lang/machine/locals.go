package machine

import (
	"github.com/dolthub/swiss"
	"golang.org/x/exp/slices"
)

// Get returns the value stored under key in the thread-local store, or nil.
func (t *Thread) Get(key string) any {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	if t.locals == nil {
		return nil
	}
	v, _ := t.locals.Get(key)
	return v
}

// Key returns true if key is set in the thread-local store.
func (t *Thread) Key(key string) bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	return t.locals != nil && t.locals.Has(key)
}

// Keys returns the sorted keys of the thread-local store.
func (t *Thread) Keys() []string {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	if t.locals == nil {
		return nil
	}
	keys := make([]string, 0, t.locals.Count())
	t.locals.Iter(func(k string, _ any) bool {
		keys = append(keys, k)
		return false
	})
	slices.Sort(keys)
	return keys
}

// Set stores v under key in the thread-local store. It must be called from a
// thread body of the same scheduler, but not necessarily from the thread
// itself: writes are serialized by the scheduler like any other thread
// state.
func (t *Thread) Set(key string, v any) error {
	s := t.s
	if _, err := s.current("set"); err != nil {
		return err
	}
	defer s.mu.Unlock()

	if t.locals == nil {
		t.locals = swiss.NewMap[string, any](4)
	}
	t.locals.Put(key, v)
	return nil
}
