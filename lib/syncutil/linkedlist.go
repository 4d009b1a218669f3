package syncutil

import (
	"sync/atomic"

	"github.com/ValentinKolb/dDir/lib/errs"
)

// nilIndex marks a missing prev/next link
const nilIndex int32 = -1

var listIDs atomic.Uint64

// NodeID addresses a node of a LinkedList. It stays valid until the node is
// removed; afterwards (or when used with another list) every lookup fails
// with errs.ErrInvalidParameter. The zero value never addresses a node.
type NodeID struct {
	list  uint64
	index int32
	gen   uint32
}

// IsZero reports whether the id addresses no node.
func (id NodeID) IsZero() bool { return id.list == 0 }

type listNode[T any] struct {
	value T
	prev  int32
	next  int32
	gen   uint32
	used  bool
}

// LinkedList is a doubly linked list stored in an index stable slab.
// Nodes are addressed by NodeID instead of pointers, so O(1) removal does not
// need back pointers and ids of removed nodes can never alias a live node.
//
// The list is not synchronized, callers serialize access.
type LinkedList[T any] struct {
	id    uint64
	nodes []listNode[T]
	free  []int32
	head  int32
	tail  int32
	size  int
}

// NewLinkedList creates an empty list
func NewLinkedList[T any]() *LinkedList[T] {
	return &LinkedList[T]{
		id:   listIDs.Add(1),
		head: nilIndex,
		tail: nilIndex,
	}
}

// GetSize returns the number of nodes
func (l *LinkedList[T]) GetSize() int { return l.size }

// IsEmpty reports whether the list has no nodes
func (l *LinkedList[T]) IsEmpty() bool { return l.size == 0 }

// GetHead returns the first node or errs.ErrEndOfList
func (l *LinkedList[T]) GetHead() (NodeID, error) {
	if l.head == nilIndex {
		return NodeID{}, errs.ErrEndOfList
	}
	return l.idOf(l.head), nil
}

// GetTail returns the last node or errs.ErrEndOfList
func (l *LinkedList[T]) GetTail() (NodeID, error) {
	if l.tail == nilIndex {
		return NodeID{}, errs.ErrEndOfList
	}
	return l.idOf(l.tail), nil
}

// InsertHead inserts value in front of the current head
func (l *LinkedList[T]) InsertHead(value T) NodeID {
	idx := l.alloc(value)
	n := &l.nodes[idx]
	n.next = l.head
	if l.head != nilIndex {
		l.nodes[l.head].prev = idx
	} else {
		l.tail = idx
	}
	l.head = idx
	l.size++
	return l.idOf(idx)
}

// InsertTail appends value after the current tail
func (l *LinkedList[T]) InsertTail(value T) NodeID {
	idx := l.alloc(value)
	n := &l.nodes[idx]
	n.prev = l.tail
	if l.tail != nilIndex {
		l.nodes[l.tail].next = idx
	} else {
		l.head = idx
	}
	l.tail = idx
	l.size++
	return l.idOf(idx)
}

// Remove unlinks the node in O(1) and returns its value.
func (l *LinkedList[T]) Remove(id NodeID) (T, error) {
	var zero T
	idx, err := l.resolve(id)
	if err != nil {
		return zero, err
	}

	n := &l.nodes[idx]
	if n.prev != nilIndex {
		l.nodes[n.prev].next = n.next
	} else {
		l.head = n.next
	}
	if n.next != nilIndex {
		l.nodes[n.next].prev = n.prev
	} else {
		l.tail = n.prev
	}

	value := n.value
	n.value = zero
	n.prev, n.next = nilIndex, nilIndex
	n.used = false
	n.gen++
	l.free = append(l.free, idx)
	l.size--
	return value, nil
}

// Value returns the value stored in the node
func (l *LinkedList[T]) Value(id NodeID) (T, error) {
	idx, err := l.resolve(id)
	if err != nil {
		var zero T
		return zero, err
	}
	return l.nodes[idx].value, nil
}

// Next returns the successor of the node or errs.ErrEndOfList
func (l *LinkedList[T]) Next(id NodeID) (NodeID, error) {
	idx, err := l.resolve(id)
	if err != nil {
		return NodeID{}, err
	}
	if next := l.nodes[idx].next; next != nilIndex {
		return l.idOf(next), nil
	}
	return NodeID{}, errs.ErrEndOfList
}

// Prev returns the predecessor of the node or errs.ErrEndOfList
func (l *LinkedList[T]) Prev(id NodeID) (NodeID, error) {
	idx, err := l.resolve(id)
	if err != nil {
		return NodeID{}, err
	}
	if prev := l.nodes[idx].prev; prev != nilIndex {
		return l.idOf(prev), nil
	}
	return NodeID{}, errs.ErrEndOfList
}

// Contains reports whether id addresses a live node of this list
func (l *LinkedList[T]) Contains(id NodeID) bool {
	_, err := l.resolve(id)
	return err == nil
}

// AppendList moves every node of other to the tail of l, keeping their order.
// other is empty afterwards and all ids previously handed out by other are
// invalid.
func (l *LinkedList[T]) AppendList(other *LinkedList[T]) error {
	if other == nil || other == l {
		return errs.New(errs.RetCInvalidParameter, "cannot append list to itself")
	}
	for _, v := range other.Free() {
		l.InsertTail(v)
	}
	return nil
}

// Values returns a head to tail snapshot of the stored values
func (l *LinkedList[T]) Values() []T {
	out := make([]T, 0, l.size)
	for idx := l.head; idx != nilIndex; idx = l.nodes[idx].next {
		out = append(out, l.nodes[idx].value)
	}
	return out
}

// Free empties the list and returns the stored values head to tail.
// Ids handed out before are invalid afterwards, the list itself stays usable.
func (l *LinkedList[T]) Free() []T {
	values := l.Values()
	l.id = listIDs.Add(1)
	l.nodes = nil
	l.free = nil
	l.head, l.tail = nilIndex, nilIndex
	l.size = 0
	return values
}

// --------------------------------------------------------------------------
// slab helpers
// --------------------------------------------------------------------------

func (l *LinkedList[T]) alloc(value T) int32 {
	if n := len(l.free); n > 0 {
		idx := l.free[n-1]
		l.free = l.free[:n-1]
		node := &l.nodes[idx]
		node.value = value
		node.used = true
		return idx
	}
	l.nodes = append(l.nodes, listNode[T]{
		value: value,
		prev:  nilIndex,
		next:  nilIndex,
		gen:   1,
		used:  true,
	})
	return int32(len(l.nodes) - 1)
}

func (l *LinkedList[T]) idOf(idx int32) NodeID {
	return NodeID{list: l.id, index: idx, gen: l.nodes[idx].gen}
}

func (l *LinkedList[T]) resolve(id NodeID) (int32, error) {
	if id.list != l.id || id.index < 0 || int(id.index) >= len(l.nodes) {
		return 0, errs.New(errs.RetCInvalidParameter, "node does not belong to this list")
	}
	n := &l.nodes[id.index]
	if !n.used || n.gen != id.gen {
		return 0, errs.New(errs.RetCInvalidParameter, "node was removed")
	}
	return id.index, nil
}
