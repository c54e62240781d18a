package state

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStoreLastWriteWins(t *testing.T) {
	s := New()
	s.Set("name", "Ava")
	s.Set("name", 42)

	v, ok := s.Get("name")
	require.True(t, ok)
	require.Equal(t, 42, v)

	_, ok = s.Get("missing")
	require.False(t, ok)
}

func TestStoreSubscribe(t *testing.T) {
	s := New()
	var changes []Change
	unsubscribe := s.Subscribe(func(c Change) { changes = append(changes, c) })

	s.Set("a", 1)
	s.Set("a", 1) // unchanged value is not reported
	s.Merge(map[string]any{"b": "x"})
	s.Delete("a")
	s.Delete("missing")
	s.Set("", "ignored")

	require.Equal(t, []Change{
		{Key: "a", Value: 1},
		{Key: "b", Value: "x"},
		{Key: "a", Previous: 1, Deleted: true},
	}, changes)

	unsubscribe()
	s.Set("c", true)
	require.Len(t, changes, 3)
}

func TestStoreSnapshotIsCopy(t *testing.T) {
	s := New()
	s.Set("a", 1)

	snap := s.Snapshot()
	snap["a"] = 2
	snap["b"] = 3

	v, _ := s.Get("a")
	require.Equal(t, 1, v)
	require.Equal(t, 1, s.Len())

	s.Reset()
	require.Equal(t, 0, s.Len())
}
