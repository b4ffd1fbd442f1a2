// Package sandbox implements the handle registry (C7) and sandbox host (C8):
// the per-invocation scratchpad of opaque store handles, and the wasmer-go
// powered execution environment that dereferences them through the host
// ABI.
package sandbox

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/synnergy-network/chainkernel/internal/store"
	"github.com/synnergy-network/chainkernel/internal/txcache"
)

// ErrBadHandle is returned for a handle ID that was never opened, or was
// already closed, in the current invocation.
var ErrBadHandle = errors.New("sandbox: bad handle")

// HandleID is an opaque 32-bit index into a Registry's table, analogous to
// a file descriptor: reused after Close, scoped to a single invocation.
type HandleID uint32

// prefixedView prepends prefix to every key before forwarding to under. The
// prefix is applied as literal bytes; nothing in it (leading slashes, `..`,
// NUL bytes) is given path semantics.
type prefixedView struct {
	under  txcache.View
	prefix []byte
}

func (v *prefixedView) physical(key []byte) []byte {
	out := make([]byte, 0, len(v.prefix)+len(key))
	out = append(out, v.prefix...)
	out = append(out, key...)
	return out
}

func (v *prefixedView) Get(key []byte) ([]byte, bool, error) { return v.under.Get(v.physical(key)) }
func (v *prefixedView) Has(key []byte) (bool, error)          { return v.under.Has(v.physical(key)) }
func (v *prefixedView) Set(key, value []byte) error           { return v.under.Set(v.physical(key), value) }
func (v *prefixedView) Delete(key []byte) error               { return v.under.Delete(v.physical(key)) }

func (v *prefixedView) PrefixIter(prefix []byte) ([]store.Entry, error) {
	entries, err := v.under.PrefixIter(v.physical(prefix))
	if err != nil {
		return nil, err
	}
	out := make([]store.Entry, 0, len(entries))
	for _, e := range entries {
		if !bytes.HasPrefix(e.Key, v.prefix) {
			continue
		}
		out = append(out, store.Entry{Key: e.Key[len(v.prefix):], Value: e.Value})
	}
	return out, nil
}

type slot struct {
	view       *prefixedView
	generation uint64
	open       bool
}

// Registry is the per-invocation handle table (C7). It is not safe to share
// across invocations; the sandbox host constructs a fresh one per call.
type Registry struct {
	mu    sync.Mutex
	slots []slot
	free  []uint32
}

// NewRegistry constructs an empty handle registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Open binds module's key prefix onto under and returns a fresh handle for
// the resulting view. Slot indices are recycled from closed handles.
func (r *Registry) Open(under txcache.View, module, prefix string) HandleID {
	r.mu.Lock()
	defer r.mu.Unlock()

	physPrefix := []byte(fmt.Sprintf("%s.%s", module, prefix))
	v := &prefixedView{under: under, prefix: physPrefix}

	if len(r.free) > 0 {
		idx := r.free[len(r.free)-1]
		r.free = r.free[:len(r.free)-1]
		r.slots[idx].generation++
		r.slots[idx].view = v
		r.slots[idx].open = true
		return HandleID(idx)
	}
	r.slots = append(r.slots, slot{view: v, open: true})
	return HandleID(len(r.slots) - 1)
}

// Resource returns the view bound to handle id, or ErrBadHandle if id is
// unopened or already closed.
func (r *Registry) Resource(id HandleID) (txcache.View, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if int(id) >= len(r.slots) || !r.slots[id].open {
		return nil, fmt.Errorf("%w: %d", ErrBadHandle, id)
	}
	return r.slots[id].view, nil
}

// Close invalidates handle id, freeing its slot index for reuse.
func (r *Registry) Close(id HandleID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if int(id) >= len(r.slots) || !r.slots[id].open {
		return fmt.Errorf("%w: %d", ErrBadHandle, id)
	}
	r.slots[id].open = false
	r.slots[id].view = nil
	r.free = append(r.free, uint32(id))
	return nil
}
