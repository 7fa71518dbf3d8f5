package storage

import (
	"encoding/binary"
	"fmt"
)

// node is the on-disk representation of one AVL tree node: a 32-byte key
// (an HSDir index hash), links to its neighbors by block ID (0 = nil), a
// balance factor, and an opaque value blob (the serialized relay record).
type node struct {
	Key     [32]byte
	Left    uint64
	Right   uint64
	Parent  uint64
	Balance int8
	Value   []byte
}

func encodeNode(n *node) []byte {
	buf := make([]byte, 32+8+8+8+1+4+len(n.Value))
	copy(buf[0:32], n.Key[:])
	binary.BigEndian.PutUint64(buf[32:40], n.Left)
	binary.BigEndian.PutUint64(buf[40:48], n.Right)
	binary.BigEndian.PutUint64(buf[48:56], n.Parent)
	buf[56] = byte(n.Balance)
	binary.BigEndian.PutUint32(buf[57:61], uint32(len(n.Value)))
	copy(buf[61:], n.Value)
	return buf
}

func decodeNode(buf []byte) (*node, error) {
	if len(buf) < 61 {
		return nil, fmt.Errorf("avl node record too short: %d bytes", len(buf))
	}
	n := &node{}
	copy(n.Key[:], buf[0:32])
	n.Left = binary.BigEndian.Uint64(buf[32:40])
	n.Right = binary.BigEndian.Uint64(buf[40:48])
	n.Parent = binary.BigEndian.Uint64(buf[48:56])
	n.Balance = int8(buf[56])
	vlen := binary.BigEndian.Uint32(buf[57:61])
	if 61+int(vlen) > len(buf) {
		return nil, fmt.Errorf("avl node value length overflows record")
	}
	n.Value = append([]byte(nil), buf[61:61+int(vlen)]...)
	return n, nil
}

// Tree is a persistent AVL tree keyed by a 32-byte hash, backed by a
// PagedBlockStore. It is the on-disk replacement for the original
// in-memory sorted HSDir array: two independent Trees (current and
// previous time period) index the same relay set under different hashes.
type Tree struct {
	store PagedBlockStore
	Root  uint64
}

// NewTree wraps an existing block store. Root is 0 for an empty tree, or
// the block ID of a previously-built tree's root to reopen it.
func NewTree(store PagedBlockStore, root uint64) *Tree {
	return &Tree{store: store, Root: root}
}

func (t *Tree) load(id uint64) (*node, error) {
	if id == 0 {
		return nil, nil
	}
	buf, err := t.store.ReadBlock(id)
	if err != nil {
		return nil, err
	}
	return decodeNode(buf)
}

func (t *Tree) save(id uint64, n *node) error {
	return t.store.WriteBlock(id, encodeNode(n))
}

func cmpKey(a, b [32]byte) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// Find returns the value stored under key, if present.
func (t *Tree) Find(key [32]byte) ([]byte, bool, error) {
	id := t.Root
	for id != 0 {
		n, err := t.load(id)
		if err != nil {
			return nil, false, err
		}
		switch c := cmpKey(key, n.Key); {
		case c == 0:
			return n.Value, true, nil
		case c < 0:
			id = n.Left
		default:
			id = n.Right
		}
	}
	return nil, false, nil
}

// Insert adds or overwrites key→value and rebalances from the insertion
// point to the root.
func (t *Tree) Insert(key [32]byte, value []byte) error {
	if t.Root == 0 {
		id, err := t.store.AllocBlock()
		if err != nil {
			return fmt.Errorf("alloc root: %w", err)
		}
		if err := t.save(id, &node{Key: key, Value: value}); err != nil {
			return err
		}
		t.Root = id
		return nil
	}

	id := t.Root
	for {
		n, err := t.load(id)
		if err != nil {
			return err
		}
		switch c := cmpKey(key, n.Key); {
		case c == 0:
			n.Value = value
			return t.save(id, n)
		case c < 0:
			if n.Left == 0 {
				childID, err := t.store.AllocBlock()
				if err != nil {
					return fmt.Errorf("alloc node: %w", err)
				}
				if err := t.save(childID, &node{Key: key, Value: value, Parent: id}); err != nil {
					return err
				}
				n.Left = childID
				if err := t.save(id, n); err != nil {
					return err
				}
				return t.rebalanceFrom(id)
			}
			id = n.Left
		default:
			if n.Right == 0 {
				childID, err := t.store.AllocBlock()
				if err != nil {
					return fmt.Errorf("alloc node: %w", err)
				}
				if err := t.save(childID, &node{Key: key, Value: value, Parent: id}); err != nil {
					return err
				}
				n.Right = childID
				if err := t.save(id, n); err != nil {
					return err
				}
				return t.rebalanceFrom(id)
			}
			id = n.Right
		}
	}
}

// rebalanceFrom walks from id up to the root, updating balance factors and
// rotating wherever the AVL invariant (|balance| <= 1) is violated.
func (t *Tree) rebalanceFrom(id uint64) error {
	for id != 0 {
		n, err := t.load(id)
		if err != nil {
			return err
		}
		leftH, err := t.height(n.Left)
		if err != nil {
			return err
		}
		rightH, err := t.height(n.Right)
		if err != nil {
			return err
		}
		n.Balance = int8(rightH - leftH)
		if err := t.save(id, n); err != nil {
			return err
		}

		if n.Balance > 1 {
			rightChild, err := t.load(n.Right)
			if err != nil {
				return err
			}
			if rightChild.Balance < 0 {
				if err := t.rotateRight(n.Right); err != nil {
					return err
				}
			}
			if err := t.rotateLeft(id); err != nil {
				return err
			}
			id, err = t.parentOf(id)
			if err != nil {
				return err
			}
			continue
		}
		if n.Balance < -1 {
			leftChild, err := t.load(n.Left)
			if err != nil {
				return err
			}
			if leftChild.Balance > 0 {
				if err := t.rotateLeft(n.Left); err != nil {
					return err
				}
			}
			if err := t.rotateRight(id); err != nil {
				return err
			}
			id, err = t.parentOf(id)
			if err != nil {
				return err
			}
			continue
		}

		id = n.Parent
	}
	return nil
}

func (t *Tree) parentOf(id uint64) (uint64, error) {
	n, err := t.load(id)
	if err != nil {
		return 0, err
	}
	return n.Parent, nil
}

// height returns a node's subtree height, 0 for nil.
func (t *Tree) height(id uint64) (int, error) {
	if id == 0 {
		return 0, nil
	}
	n, err := t.load(id)
	if err != nil {
		return 0, err
	}
	l, err := t.height(n.Left)
	if err != nil {
		return 0, err
	}
	r, err := t.height(n.Right)
	if err != nil {
		return 0, err
	}
	if l > r {
		return l + 1, nil
	}
	return r + 1, nil
}

// Height returns the tree's overall height, used to check the
// height <= 1.44*log2(N+2) invariant.
func (t *Tree) Height() (int, error) {
	return t.height(t.Root)
}

func (t *Tree) replaceChild(parentID, oldChild, newChild uint64) error {
	if parentID == 0 {
		t.Root = newChild
		return nil
	}
	p, err := t.load(parentID)
	if err != nil {
		return err
	}
	if p.Left == oldChild {
		p.Left = newChild
	} else {
		p.Right = newChild
	}
	return t.save(parentID, p)
}

// rotateLeft rotates the subtree rooted at id left: id's right child takes
// its place, id becomes that child's left subtree.
func (t *Tree) rotateLeft(id uint64) error {
	n, err := t.load(id)
	if err != nil {
		return err
	}
	pivotID := n.Right
	pivot, err := t.load(pivotID)
	if err != nil {
		return err
	}

	n.Right = pivot.Left
	if pivot.Left != 0 {
		lc, err := t.load(pivot.Left)
		if err != nil {
			return err
		}
		lc.Parent = id
		if err := t.save(pivot.Left, lc); err != nil {
			return err
		}
	}

	pivot.Left = id
	pivot.Parent = n.Parent
	n.Parent = pivotID

	if err := t.replaceChild(pivot.Parent, id, pivotID); err != nil {
		return err
	}
	if err := t.save(id, n); err != nil {
		return err
	}
	return t.save(pivotID, pivot)
}

// rotateRight rotates the subtree rooted at id right: id's left child takes
// its place, id becomes that child's right subtree.
func (t *Tree) rotateRight(id uint64) error {
	n, err := t.load(id)
	if err != nil {
		return err
	}
	pivotID := n.Left
	pivot, err := t.load(pivotID)
	if err != nil {
		return err
	}

	n.Left = pivot.Right
	if pivot.Right != 0 {
		rc, err := t.load(pivot.Right)
		if err != nil {
			return err
		}
		rc.Parent = id
		if err := t.save(pivot.Right, rc); err != nil {
			return err
		}
	}

	pivot.Right = id
	pivot.Parent = n.Parent
	n.Parent = pivotID

	if err := t.replaceChild(pivot.Parent, id, pivotID); err != nil {
		return err
	}
	if err := t.save(id, n); err != nil {
		return err
	}
	return t.save(pivotID, pivot)
}

// InOrder returns every (key, value) pair in ascending key order.
func (t *Tree) InOrder() ([][32]byte, [][]byte, error) {
	var keys [][32]byte
	var values [][]byte
	var walk func(id uint64) error
	walk = func(id uint64) error {
		if id == 0 {
			return nil
		}
		n, err := t.load(id)
		if err != nil {
			return err
		}
		if err := walk(n.Left); err != nil {
			return err
		}
		keys = append(keys, n.Key)
		values = append(values, n.Value)
		return walk(n.Right)
	}
	if err := walk(t.Root); err != nil {
		return nil, nil, err
	}
	return keys, values, nil
}

// Nearest returns the smallest key >= target (the hash-ring successor used
// for HSDir replica placement), or ok=false if every key is smaller.
func (t *Tree) Nearest(target [32]byte) (key [32]byte, value []byte, ok bool, err error) {
	id := t.Root
	var bestID uint64
	for id != 0 {
		n, loadErr := t.load(id)
		if loadErr != nil {
			return key, nil, false, loadErr
		}
		if cmpKey(n.Key, target) >= 0 {
			bestID = id
			id = n.Left
		} else {
			id = n.Right
		}
	}
	if bestID == 0 {
		return key, nil, false, nil
	}
	n, loadErr := t.load(bestID)
	if loadErr != nil {
		return key, nil, false, loadErr
	}
	return n.Key, n.Value, true, nil
}

// Next returns the smallest key strictly greater than key, or ok=false if
// key is >= every key present. Callers walking the hash ring past the end
// wrap around with Smallest.
func (t *Tree) Next(key [32]byte) (out [32]byte, value []byte, ok bool, err error) {
	id := t.Root
	var bestID uint64
	for id != 0 {
		n, loadErr := t.load(id)
		if loadErr != nil {
			return out, nil, false, loadErr
		}
		if cmpKey(n.Key, key) > 0 {
			bestID = id
			id = n.Left
		} else {
			id = n.Right
		}
	}
	if bestID == 0 {
		return out, nil, false, nil
	}
	n, loadErr := t.load(bestID)
	if loadErr != nil {
		return out, nil, false, loadErr
	}
	return n.Key, n.Value, true, nil
}

// Smallest returns the tree's minimum key, or ok=false if the tree is empty.
func (t *Tree) Smallest() (key [32]byte, value []byte, ok bool, err error) {
	id := t.Root
	if id == 0 {
		return key, nil, false, nil
	}
	for {
		n, loadErr := t.load(id)
		if loadErr != nil {
			return key, nil, false, loadErr
		}
		if n.Left == 0 {
			return n.Key, n.Value, true, nil
		}
		id = n.Left
	}
}

// Clear frees every node in the tree and resets it to empty. Used to
// rebuild the HSDir ring from scratch whenever the consensus or the
// shared-random value changes, since nodes are never individually removed
// otherwise.
func (t *Tree) Clear() error {
	var ids []uint64
	var walk func(id uint64) error
	walk = func(id uint64) error {
		if id == 0 {
			return nil
		}
		n, err := t.load(id)
		if err != nil {
			return err
		}
		ids = append(ids, id)
		if err := walk(n.Left); err != nil {
			return err
		}
		return walk(n.Right)
	}
	if err := walk(t.Root); err != nil {
		return err
	}
	for _, id := range ids {
		if err := t.store.FreeBlock(id); err != nil {
			return err
		}
	}
	t.Root = 0
	return nil
}
