// Package globalstore implements the global store (C3): a namespace registry
// layered over a single authenticated merkle.Tree. Each namespace is a
// capability-scoped view onto the slice of the key space prefixed by its own
// name; the store as a whole commits to one root hash over the combined,
// prefixed key space.
package globalstore

import (
	"errors"
	"fmt"
	"sync"

	"github.com/synnergy-network/chainkernel/internal/merkle"
	"github.com/synnergy-network/chainkernel/internal/store"
)

// ErrNamespaceExists is returned by RegisterNamespace for a name already
// registered.
var ErrNamespaceExists = errors.New("globalstore: namespace already registered")

// ErrUnknownNamespace is returned when a namespace name has no registration.
var ErrUnknownNamespace = errors.New("globalstore: unknown namespace")

// ErrReadOnlyNamespace is returned by a mutating call against a namespace
// registered read_only.
var ErrReadOnlyNamespace = errors.New("globalstore: namespace is read-only")

const nsSep = '/'

// Store is the C3 global store: a registry of namespaces sharing one
// underlying merkle engine and physical backend.
type Store struct {
	mu    sync.RWMutex
	tree  *merkle.Tree
	ns    map[string]*nsInfo
}

type nsInfo struct {
	readOnly bool
}

// New constructs a Store over backend, labeled label, retaining retainK
// historical roots (0 for unbounded).
func New(label string, backend store.Backend, retainK uint64) (*Store, error) {
	tree, err := merkle.New(label, backend, retainK)
	if err != nil {
		return nil, err
	}
	return &Store{tree: tree, ns: make(map[string]*nsInfo)}, nil
}

// RegisterNamespace registers name with the given read-only policy. It fails
// if name is already registered; registration is otherwise idempotent only
// in the sense that re-registering under the same name is rejected, matching
// the spec's "duplicate registration fails" requirement.
func (s *Store) RegisterNamespace(name string, readOnly bool) error {
	if name == "" {
		return fmt.Errorf("globalstore: namespace name must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ns[name]; ok {
		return fmt.Errorf("%w: %q", ErrNamespaceExists, name)
	}
	s.ns[name] = &nsInfo{readOnly: readOnly}
	return nil
}

// Namespace returns a capability-scoped view onto name's key range. It fails
// if name was never registered.
func (s *Store) Namespace(name string) (*Namespace, error) {
	s.mu.RLock()
	info, ok := s.ns[name]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownNamespace, name)
	}
	return &Namespace{store: s, name: name, info: info}, nil
}

// Commit flushes all staged writes across every namespace and returns the
// resulting combined root hash.
func (s *Store) Commit() (merkle.Hash, uint64, error) {
	return s.tree.Commit()
}

// RootHash returns the current committed root without staging anything.
func (s *Store) RootHash() (merkle.Hash, error) {
	return s.tree.RootAt(s.tree.Version())
}

// Version returns the current committed version.
func (s *Store) Version() uint64 {
	return s.tree.Version()
}

// Snapshot returns a copy of every live (physical key, value) pair across
// every namespace, suitable for later replay via Restore.
func (s *Store) Snapshot() ([]store.Entry, error) {
	entries, err := s.tree.LiveScan(nil)
	if err != nil {
		return nil, err
	}
	out := make([]store.Entry, len(entries))
	for i, e := range entries {
		out[i] = store.Entry{Key: append([]byte(nil), e.Key...), Value: append([]byte(nil), e.Value...)}
	}
	return out, nil
}

// Restore replaces the entire live key space with entries (as captured by a
// prior Snapshot) and commits the result, returning the new root and
// version. Any key live now but absent from entries is deleted.
func (s *Store) Restore(entries []store.Entry) (merkle.Hash, uint64, error) {
	current, err := s.tree.LiveScan(nil)
	if err != nil {
		return merkle.Hash{}, 0, err
	}
	want := make(map[string][]byte, len(entries))
	for _, e := range entries {
		want[string(e.Key)] = e.Value
	}
	changes := make(map[string]*[]byte, len(current)+len(entries))
	for _, e := range current {
		if _, keep := want[string(e.Key)]; !keep {
			changes[string(e.Key)] = nil
		}
	}
	for k, v := range want {
		vv := v
		changes[k] = &vv
	}
	s.tree.Stage(changes)
	return s.tree.Commit()
}

func physicalKey(name string, key []byte) []byte {
	out := make([]byte, 0, len(name)+1+len(key))
	out = append(out, name...)
	out = append(out, nsSep)
	out = append(out, key...)
	return out
}

// Namespace is a prefix-isolated view over one registered namespace of the
// global store. All keys are transparently prefixed with name + '/' before
// reaching the shared merkle engine; Get/Has/PrefixIter never expose a key
// belonging to a different namespace.
type Namespace struct {
	store *Store
	name  string
	info  *nsInfo
}

func (n *Namespace) Name() string { return n.name }

// Get returns the committed value for key within this namespace.
func (n *Namespace) Get(key []byte) ([]byte, bool, error) {
	return n.store.tree.Get(physicalKey(n.name, key))
}

// Has reports whether key is present within this namespace.
func (n *Namespace) Has(key []byte) (bool, error) {
	_, ok, err := n.Get(key)
	return ok, err
}

// Set stages a write of key within this namespace, applied at the next
// Store.Commit. It fails against a read-only namespace.
func (n *Namespace) Set(key, value []byte) error {
	if n.info.readOnly {
		return fmt.Errorf("%w: %q", ErrReadOnlyNamespace, n.name)
	}
	v := append([]byte(nil), value...)
	n.store.tree.Stage(map[string]*[]byte{string(physicalKey(n.name, key)): &v})
	return nil
}

// Delete stages a deletion of key within this namespace. It fails against a
// read-only namespace.
func (n *Namespace) Delete(key []byte) error {
	if n.info.readOnly {
		return fmt.Errorf("%w: %q", ErrReadOnlyNamespace, n.name)
	}
	n.store.tree.Stage(map[string]*[]byte{string(physicalKey(n.name, key)): nil})
	return nil
}

// GetWithProof returns key's value (or absence) in this namespace together
// with a proof against the store's current root.
func (n *Namespace) GetWithProof(key []byte) ([]byte, bool, merkle.Proof, error) {
	return n.store.tree.GetWithProof(physicalKey(n.name, key))
}

// PrefixIter returns the live (key, value) pairs within this namespace whose
// key starts with prefix, in ascending order, with the namespace's own
// prefix stripped back off.
func (n *Namespace) PrefixIter(prefix []byte) ([]store.Entry, error) {
	physPrefix := physicalKey(n.name, prefix)
	entries, err := n.store.tree.LiveScan(physPrefix)
	if err != nil {
		return nil, err
	}
	nsPrefixLen := len(n.name) + 1
	out := make([]store.Entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, store.Entry{Key: append([]byte(nil), e.Key[nsPrefixLen:]...), Value: e.Value})
	}
	return out, nil
}
