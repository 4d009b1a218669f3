package syncutil

import (
	"errors"
	"testing"

	"github.com/ValentinKolb/dDir/lib/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLinkedListAppendMerge(t *testing.T) {
	a := NewLinkedList[int]()
	a.InsertTail(10)
	a.InsertTail(14)

	b := NewLinkedList[int]()
	b.InsertHead(8)
	b.InsertHead(6)
	require.Equal(t, []int{6, 8}, b.Values())

	require.NoError(t, a.AppendList(b))

	assert.Equal(t, []int{10, 14, 6, 8}, a.Values())
	assert.Equal(t, 4, a.GetSize())

	assert.Equal(t, 0, b.GetSize())
	assert.True(t, b.IsEmpty())
	_, err := b.GetHead()
	assert.True(t, errors.Is(err, errs.ErrEndOfList))
	_, err = b.GetTail()
	assert.True(t, errors.Is(err, errs.ErrEndOfList))
}

func TestLinkedListAppendSelf(t *testing.T) {
	a := NewLinkedList[int]()
	a.InsertTail(1)
	assert.True(t, errors.Is(a.AppendList(a), errs.ErrInvalidParameter))
	assert.Equal(t, []int{1}, a.Values())
}

func TestLinkedListRemove(t *testing.T) {
	l := NewLinkedList[string]()
	a := l.InsertTail("a")
	b := l.InsertTail("b")
	c := l.InsertTail("c")

	testCases := []struct {
		name   string
		remove NodeID
		want   []string
	}{
		{"middle", b, []string{"a", "c"}},
		{"head", a, []string{"c"}},
		{"tail", c, []string{}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := l.Remove(tc.remove)
			require.NoError(t, err)
			assert.Equal(t, tc.want, l.Values())
			assert.Equal(t, len(tc.want), l.GetSize())
		})
	}

	_, err := l.GetHead()
	assert.True(t, errors.Is(err, errs.ErrEndOfList))
}

func TestLinkedListStaleIDs(t *testing.T) {
	l := NewLinkedList[int]()
	id := l.InsertTail(1)

	v, err := l.Remove(id)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	// the slot is reused, the old id must not alias the new node
	fresh := l.InsertTail(2)
	assert.NotEqual(t, id, fresh)

	_, err = l.Value(id)
	assert.True(t, errors.Is(err, errs.ErrInvalidParameter))
	_, err = l.Remove(id)
	assert.True(t, errors.Is(err, errs.ErrInvalidParameter))

	other := NewLinkedList[int]()
	_, err = other.Value(fresh)
	assert.True(t, errors.Is(err, errs.ErrInvalidParameter))

	_, err = l.Value(NodeID{})
	assert.True(t, errors.Is(err, errs.ErrInvalidParameter))
}

func TestLinkedListTraversal(t *testing.T) {
	l := NewLinkedList[int]()
	for i := 1; i <= 3; i++ {
		l.InsertTail(i)
	}
	l.InsertHead(0)

	var forward []int
	id, err := l.GetHead()
	for err == nil {
		v, verr := l.Value(id)
		require.NoError(t, verr)
		forward = append(forward, v)
		id, err = l.Next(id)
	}
	assert.True(t, errors.Is(err, errs.ErrEndOfList))
	assert.Equal(t, []int{0, 1, 2, 3}, forward)

	var backward []int
	id, err = l.GetTail()
	for err == nil {
		v, _ := l.Value(id)
		backward = append(backward, v)
		id, err = l.Prev(id)
	}
	assert.Equal(t, []int{3, 2, 1, 0}, backward)
}

func TestLinkedListFree(t *testing.T) {
	l := NewLinkedList[int]()
	id := l.InsertTail(7)
	l.InsertTail(8)

	assert.Equal(t, []int{7, 8}, l.Free())
	assert.True(t, l.IsEmpty())
	assert.False(t, l.Contains(id))

	l.InsertTail(9)
	assert.Equal(t, []int{9}, l.Values())
}
