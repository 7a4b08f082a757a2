// Package registry tracks live wallet instances behind opaque handles.
package registry

import (
	"bytes"
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"

	"example.com/libdescwallet/walletrpc"
	"github.com/google/uuid"
)

// ErrUnknownHandle is returned for a handle that was never issued, was
// tampered with, or has been released.
var ErrUnknownHandle = errors.New("unknown wallet handle")

type entry[T any] struct {
	mtx      sync.Mutex
	id       uuid.UUID
	v        T
	released bool
}

// Registry owns instances of T. Calls against one instance are serialized.
// Calls against different instances may run concurrently.
type Registry[T any] struct {
	next atomic.Uint64

	mtx     sync.RWMutex
	entries map[uint64]*entry[T]
}

// New creates an empty registry.
func New[T any]() *Registry[T] {
	return &Registry[T]{entries: make(map[uint64]*entry[T])}
}

// Register stores v and returns a fresh handle for it. Handles are never
// reused.
func (r *Registry[T]) Register(v T) walletrpc.WalletHandle {
	key := r.next.Add(1)
	e := &entry[T]{id: uuid.New(), v: v}

	r.mtx.Lock()
	r.entries[key] = e
	r.mtx.Unlock()

	raw := make([]byte, 8)
	binary.BigEndian.PutUint64(raw, key)
	id := e.id
	log.Debugf("Registered instance %d", key)
	return walletrpc.WalletHandle{Raw: raw, ID: id[:]}
}

func (r *Registry[T]) lookup(h walletrpc.WalletHandle) (uint64, *entry[T], error) {
	if len(h.Raw) != 8 || len(h.ID) != len(uuid.UUID{}) {
		return 0, nil, ErrUnknownHandle
	}
	key := binary.BigEndian.Uint64(h.Raw)
	r.mtx.RLock()
	e, found := r.entries[key]
	r.mtx.RUnlock()
	if !found || !bytes.Equal(e.id[:], h.ID) {
		return 0, nil, ErrUnknownHandle
	}
	return key, e, nil
}

// With runs f with exclusive access to the instance behind h.
func (r *Registry[T]) With(h walletrpc.WalletHandle, f func(T) error) error {
	_, e, err := r.lookup(h)
	if err != nil {
		return err
	}
	e.mtx.Lock()
	defer e.mtx.Unlock()
	if e.released {
		return ErrUnknownHandle
	}
	return f(e.v)
}

// Release removes the instance behind h and returns it. It waits for an
// in-flight call on the same instance to finish. A second Release of the
// same handle returns ErrUnknownHandle.
func (r *Registry[T]) Release(h walletrpc.WalletHandle) (T, error) {
	var zero T
	key, e, err := r.lookup(h)
	if err != nil {
		return zero, err
	}
	e.mtx.Lock()
	defer e.mtx.Unlock()
	if e.released {
		return zero, ErrUnknownHandle
	}
	e.released = true

	r.mtx.Lock()
	delete(r.entries, key)
	r.mtx.Unlock()

	v := e.v
	e.v = zero
	log.Debugf("Released instance %d", key)
	return v, nil
}

// Len is the number of live instances.
func (r *Registry[T]) Len() int {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	return len(r.entries)
}

// Drain removes and returns every live instance.
func (r *Registry[T]) Drain() []T {
	r.mtx.Lock()
	entries := r.entries
	r.entries = make(map[uint64]*entry[T])
	r.mtx.Unlock()

	vs := make([]T, 0, len(entries))
	for _, e := range entries {
		e.mtx.Lock()
		if !e.released {
			e.released = true
			vs = append(vs, e.v)
		}
		e.mtx.Unlock()
	}
	return vs
}
