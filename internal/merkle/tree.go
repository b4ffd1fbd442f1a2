// Package merkle implements the authenticated versioned storage engine
// (C2): a sparse Merkle tree over SHA-256 whose root is a pure function of
// a namespace label and the sorted key/value set, supporting self-contained
// inclusion and exclusion proofs.
package merkle

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/synnergy-network/chainkernel/internal/store"
)

// depth is the number of bits in a SHA-256 leaf path; the tree addresses
// 2^depth possible leaf positions, only a sparse subset of which are ever
// populated.
const depth = 256

// ErrVersionPruned is returned by RootAt for a version older than the
// retention window.
var ErrVersionPruned = errors.New("merkle: version pruned")

// ErrUnknownVersion is returned by RootAt for a version that was never
// committed.
var ErrUnknownVersion = errors.New("merkle: unknown version")

var adminPrefix = []byte("__")

func rootAdminKey(version uint64) []byte {
	return []byte(fmt.Sprintf("__root_hash_%d", version))
}

var currentVersionKey = []byte("__current_version")

// Hash is a 32-byte digest.
type Hash [32]byte

func (h Hash) Bytes() []byte { return h[:] }

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// change is a staged write (present) or delete (absent) pending commit.
type change struct {
	value  []byte
	delete bool
}

// Tree is a single process-wide Merkle engine instance. Namespacing is the
// caller's responsibility (physical keys are already prefixed before they
// reach Tree); Tree itself only ever sees one flat key space.
type Tree struct {
	mu      sync.Mutex
	label   string
	backend store.Backend

	version uint64
	pending map[string]change

	roots      map[uint64]Hash
	rootOrder  []uint64 // ascending, oldest first
	retainK    uint64
}

// defaultHash[d] is the canonical hash of an empty subtree rooted at depth d.
var defaultHash [depth + 1]Hash

func init() {
	defaultHash[depth] = sha256.Sum256([]byte("merkle:empty-leaf"))
	for d := depth - 1; d >= 0; d-- {
		defaultHash[d] = hashPair(defaultHash[d+1], defaultHash[d+1])
	}
}

func hashPair(l, r Hash) Hash {
	buf := make([]byte, 0, 64)
	buf = append(buf, l[:]...)
	buf = append(buf, r[:]...)
	return sha256.Sum256(buf)
}

// New constructs a Merkle engine over backend, labeled label. retainK bounds
// how many historical roots RootAt can answer for (0 means unbounded).
func New(label string, backend store.Backend, retainK uint64) (*Tree, error) {
	t := &Tree{
		label:   label,
		backend: backend,
		pending: make(map[string]change),
		roots:   make(map[uint64]Hash),
		retainK: retainK,
	}
	if v, ok, err := backend.Get(currentVersionKey); err != nil {
		return nil, err
	} else if ok && len(v) == 8 {
		t.version = binary.BigEndian.Uint64(v)
	}
	if t.version == 0 {
		t.roots[0] = Hash{}
		t.rootOrder = []uint64{0}
		return t, nil
	}
	// Recover retained roots for versions <= current that are still on disk.
	for v := uint64(0); v <= t.version; v++ {
		if b, ok, err := backend.Get(rootAdminKey(v)); err == nil && ok && len(b) == 32 {
			var h Hash
			copy(h[:], b)
			t.roots[v] = h
			t.rootOrder = append(t.rootOrder, v)
		}
	}
	sort.Slice(t.rootOrder, func(i, j int) bool { return t.rootOrder[i] < t.rootOrder[j] })
	if _, ok := t.roots[0]; !ok {
		t.roots[0] = Hash{}
		t.rootOrder = append([]uint64{0}, t.rootOrder...)
	}
	return t, nil
}

// Stage buffers a set of changes to be applied at the next Commit. A later
// Stage call for a key already staged replaces the earlier change.
func (t *Tree) Stage(changes map[string]*[]byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, v := range changes {
		if v == nil {
			t.pending[k] = change{delete: true}
		} else {
			t.pending[k] = change{value: *v}
		}
	}
}

// liveSet returns the committed (key,value) pairs in ascending byte order,
// excluding the reserved admin key range.
func (t *Tree) liveSet() ([]store.Entry, error) {
	entries, err := t.backend.Scan(nil)
	if err != nil {
		return nil, err
	}
	out := entries[:0:0]
	for _, e := range entries {
		if bytes.HasPrefix(e.Key, adminPrefix) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Commit applies staged changes (if any) and returns the resulting root and
// version. An empty commit (nothing staged) succeeds and returns the
// current root and version unchanged.
func (t *Tree) Commit() (Hash, uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.pending) == 0 {
		return t.currentRootLocked(), t.version, nil
	}

	ops := make([]store.Op, 0, len(t.pending))
	for k, c := range t.pending {
		if c.delete {
			ops = append(ops, store.Op{Kind: store.OpDelete, Key: []byte(k)})
		} else {
			ops = append(ops, store.Op{Kind: store.OpPut, Key: []byte(k), Value: c.value})
		}
	}
	if err := t.backend.Batch(ops); err != nil {
		return Hash{}, 0, err
	}
	t.pending = make(map[string]change)

	live, err := t.liveSet()
	if err != nil {
		return Hash{}, 0, err
	}
	root := t.computeRoot(live)

	newVersion := t.version + 1
	vbuf := make([]byte, 8)
	binary.BigEndian.PutUint64(vbuf, newVersion)
	if err := t.backend.Put(currentVersionKey, vbuf); err != nil {
		return Hash{}, 0, err
	}
	if err := t.backend.Put(rootAdminKey(newVersion), root.Bytes()); err != nil {
		return Hash{}, 0, err
	}
	t.version = newVersion
	t.roots[newVersion] = root
	t.rootOrder = append(t.rootOrder, newVersion)
	t.pruneLocked()

	return root, newVersion, nil
}

// pruneLocked retains roots for the last retainK versions plus version 0,
// whose sentinel root is always answerable regardless of the window.
func (t *Tree) pruneLocked() {
	if t.retainK == 0 {
		return
	}
	nonZero := t.rootOrder
	if len(nonZero) > 0 && nonZero[0] == 0 {
		nonZero = nonZero[1:]
	}
	if uint64(len(nonZero)) <= t.retainK {
		return
	}
	drop := uint64(len(nonZero)) - t.retainK
	for i := uint64(0); i < drop; i++ {
		v := nonZero[i]
		delete(t.roots, v)
		_ = t.backend.Delete(rootAdminKey(v))
	}
	kept := append([]uint64{0}, nonZero[drop:]...)
	t.rootOrder = kept
}

func (t *Tree) currentRootLocked() Hash {
	if r, ok := t.roots[t.version]; ok {
		return r
	}
	return Hash{}
}

// Get returns the committed value for key, or ok=false if absent.
func (t *Tree) Get(key []byte) (value []byte, ok bool, err error) {
	return t.backend.Get(key)
}

// LiveScan returns the committed (key, value) pairs whose key starts with
// prefix, in ascending byte order, excluding the reserved admin key range.
func (t *Tree) LiveScan(prefix []byte) ([]store.Entry, error) {
	entries, err := t.backend.Scan(prefix)
	if err != nil {
		return nil, err
	}
	out := entries[:0:0]
	for _, e := range entries {
		if bytes.HasPrefix(e.Key, adminPrefix) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// leafPair is a (key,value) reduced to its path bits for tree descent.
type leafPair struct {
	path  [32]byte // sha256(key)
	key   []byte
	value []byte
}

func toLeafPairs(label string, entries []store.Entry) []leafPair {
	out := make([]leafPair, len(entries))
	for i, e := range entries {
		out[i] = leafPair{path: sha256.Sum256(e.Key), key: e.Key, value: e.Value}
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].path[:], out[j].path[:]) < 0 })
	return out
}

func bitAt(path [32]byte, d int) int {
	byteIdx := d / 8
	bitIdx := 7 - uint(d%8)
	return int((path[byteIdx] >> bitIdx) & 1)
}

func (t *Tree) leafDigest(key, value []byte) Hash {
	h := sha256.New()
	writeLP(h, []byte(t.label))
	writeLP(h, key)
	writeLP(h, value)
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

func writeLP(h interface{ Write([]byte) (int, error) }, b []byte) {
	var lb [8]byte
	binary.BigEndian.PutUint64(lb[:], uint64(len(b)))
	_, _ = h.Write(lb[:])
	_, _ = h.Write(b)
}

func (t *Tree) computeRoot(entries []store.Entry) Hash {
	pairs := toLeafPairs(t.label, entries)
	return t.computeNode(pairs, 0)
}

func (t *Tree) computeNode(pairs []leafPair, d int) Hash {
	if len(pairs) == 0 {
		return defaultHash[d]
	}
	if d == depth {
		// sha256 collisions at the full path are astronomically unlikely;
		// the last writer for a colliding key wins, matching batch semantics.
		p := pairs[len(pairs)-1]
		return t.leafDigest(p.key, p.value)
	}
	split := sort.Search(len(pairs), func(i int) bool { return bitAt(pairs[i].path, d) == 1 })
	left := t.computeNode(pairs[:split], d+1)
	right := t.computeNode(pairs[split:], d+1)
	return hashPair(left, right)
}

// Proof is an opaque witness: depth sibling hashes, indexed by tree level
// from the root (0) down to the leaf level (depth-1).
type Proof struct {
	Siblings [depth]Hash
}

func (p Proof) Marshal() []byte {
	out := make([]byte, 0, depth*32)
	for _, s := range p.Siblings {
		out = append(out, s[:]...)
	}
	return out
}

func UnmarshalProof(b []byte) (Proof, bool) {
	var p Proof
	if len(b) != depth*32 {
		return Proof{}, false
	}
	for i := 0; i < depth; i++ {
		copy(p.Siblings[i][:], b[i*32:(i+1)*32])
	}
	return p, true
}

// GetWithProof returns the committed value for key (or none) along with a
// proof witnessing that result against the current root.
func (t *Tree) GetWithProof(key []byte) (value []byte, ok bool, proof Proof, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	value, ok, err = t.backend.Get(key)
	if err != nil {
		return nil, false, Proof{}, err
	}
	live, err := t.liveSet()
	if err != nil {
		return nil, false, Proof{}, err
	}
	pairs := toLeafPairs(t.label, live)
	target := sha256.Sum256(key)

	var p Proof
	cur := pairs
	for d := 0; d < depth; d++ {
		split := sort.Search(len(cur), func(i int) bool { return bitAt(cur[i].path, d) == 1 })
		left, right := cur[:split], cur[split:]
		if bitAt(target, d) == 0 {
			p.Siblings[d] = t.computeNode(right, d+1)
			cur = left
		} else {
			p.Siblings[d] = t.computeNode(left, d+1)
			cur = right
		}
	}
	return value, ok, p, nil
}

// RootAt returns the root hash recorded at version v.
func (t *Tree) RootAt(v uint64) (Hash, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.roots[v]; ok {
		return r, nil
	}
	if v > t.version {
		return Hash{}, ErrUnknownVersion
	}
	return Hash{}, ErrVersionPruned
}

// Version returns the current committed version.
func (t *Tree) Version() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.version
}

// VerifyWithLabel checks that (key, valueOrAbsent, proof) witnesses root
// under the given namespace label. Verification is self-contained: no
// backend is consulted.
func VerifyWithLabel(root Hash, label string, key, valueOrAbsent []byte, present bool, proof Proof) bool {
	var leaf Hash
	if present {
		h := sha256.New()
		writeLP(h, []byte(label))
		writeLP(h, key)
		writeLP(h, valueOrAbsent)
		copy(leaf[:], h.Sum(nil))
	} else {
		leaf = defaultHash[depth]
	}
	target := sha256.Sum256(key)
	cur := leaf
	for d := depth - 1; d >= 0; d-- {
		sib := proof.Siblings[d]
		if bitAt(target, d) == 0 {
			cur = hashPair(cur, sib)
		} else {
			cur = hashPair(sib, cur)
		}
	}
	return cur == root
}

// Verify checks a proof produced by this Tree instance against root.
func (t *Tree) Verify(root Hash, key, valueOrAbsent []byte, present bool, proof Proof) bool {
	return VerifyWithLabel(root, t.label, key, valueOrAbsent, present, proof)
}
