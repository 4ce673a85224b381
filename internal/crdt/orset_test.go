package crdt

import (
	"encoding/json"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sortedStrings(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}

func TestORSet_AddRemoveContains(t *testing.T) {
	s := NewORSet[string]("alice")

	op := s.Add("hello")
	assert.Equal(t, OpAdd, op.Kind)
	assert.Equal(t, Tag{Actor: "alice", Counter: 1}, op.Tag)
	assert.True(t, s.Contains("hello"))
	assert.False(t, s.Contains("world"))
	assert.Equal(t, 1, s.Len())

	rm, ok := s.Remove("hello")
	require.True(t, ok)
	assert.Equal(t, OpRemove, rm.Kind)
	assert.Equal(t, []Tag{{Actor: "alice", Counter: 1}}, rm.Tags)
	assert.False(t, s.Contains("hello"))
	assert.True(t, s.IsEmpty())
}

func TestORSet_RemoveAbsent(t *testing.T) {
	s := NewORSet[string]("alice")
	_, ok := s.Remove("ghost")
	assert.False(t, ok)
}

func TestORSet_RepeatedAddNeedsEveryTagRemoved(t *testing.T) {
	a := NewORSet[string]("alice")
	b := NewORSet[string]("bob")

	first := a.Add("x")
	second := a.Add("x")
	assert.Equal(t, uint64(2), a.Counter())
	require.NoError(t, b.Apply(first))
	require.NoError(t, b.Apply(second))

	rm, ok := a.Remove("x")
	require.True(t, ok)
	assert.Len(t, rm.Tags, 2)

	require.NoError(t, b.Apply(ORSetOp[string]{Kind: OpRemove, Element: "x", Tags: rm.Tags[:1]}))
	assert.True(t, b.Contains("x"), "one tag still supports x")

	require.NoError(t, b.Apply(rm))
	assert.False(t, b.Contains("x"))
}

func TestORSet_AddWins(t *testing.T) {
	a := NewORSet[string]("alice")
	b := NewORSet[string]("bob")

	opA := a.Add("x")
	opB := b.Add("x")
	require.NoError(t, a.Apply(opB))
	require.NoError(t, b.Apply(opA))
	assert.True(t, a.Contains("x"))
	assert.True(t, b.Contains("x"))

	// a has observed both tags, so its remove carries both.
	rm, ok := a.Remove("x")
	require.True(t, ok)
	require.NoError(t, b.Apply(rm))
	assert.False(t, b.Contains("x"))

	// A concurrent add that a never observed survives a's remove.
	c := NewORSet[string]("carol")
	opA2 := a.Add("y")
	require.NoError(t, c.Apply(opA2))
	opC := c.Add("y")
	rmA, ok := a.Remove("y")
	require.True(t, ok)
	require.NoError(t, c.Apply(rmA))
	require.NoError(t, a.Apply(opC))
	assert.True(t, c.Contains("y"))
	assert.True(t, a.Contains("y"))
}

func TestORSet_AddWinsOwnTagSurvives(t *testing.T) {
	a := NewORSet[string]("alice")
	b := NewORSet[string]("bob")

	opA := a.Add("x")
	opB := b.Add("x")
	require.NoError(t, b.Apply(opA))

	// a removes before seeing b's add: only a's own tag goes.
	rm, ok := a.Remove("x")
	require.True(t, ok)
	assert.Equal(t, []Tag{opA.Tag}, rm.Tags)
	require.NoError(t, a.Apply(opB))
	require.NoError(t, b.Apply(rm))

	assert.True(t, a.Contains("x"))
	assert.True(t, b.Contains("x"))
	assert.Equal(t, []Tag{opB.Tag}, b.Tags("x"))
}

func TestORSet_ConvergesRegardlessOfOrderAndDuplicates(t *testing.T) {
	a := NewORSet[string]("alice")
	b := NewORSet[string]("bob")

	var ops []ORSetOp[string]
	ops = append(ops, a.Add("a"), a.Add("b"))
	ops = append(ops, b.Add("c"), b.Add("b"))
	rm, ok := a.Remove("a")
	require.True(t, ok)
	ops = append(ops, rm)

	forward := NewORSet[string]("r1")
	for _, op := range ops {
		require.NoError(t, forward.Apply(op))
	}
	// Adds in reverse with duplicates; the remove still follows the add it observed.
	backward := NewORSet[string]("r2")
	for i := len(ops) - 2; i >= 0; i-- {
		require.NoError(t, backward.Apply(ops[i]))
		require.NoError(t, backward.Apply(ops[i]))
	}
	require.NoError(t, backward.Apply(rm))
	require.NoError(t, backward.Apply(rm))

	assert.Equal(t, []string{"b", "c"}, sortedStrings(forward.Elements()))
	assert.Equal(t, sortedStrings(forward.Elements()), sortedStrings(backward.Elements()))
}

func TestORSet_Merge(t *testing.T) {
	a := NewORSet[string]("alice")
	b := NewORSet[string]("bob")
	a.Add("a")
	a.Add("b")
	b.Add("b")
	b.Add("c")
	b.Add("d")

	a.Merge(b)
	assert.Equal(t, []string{"a", "b", "c", "d"}, sortedStrings(a.Elements()))
	assert.Equal(t, uint64(3), a.Counter())
	assert.Len(t, a.Tags("b"), 2)

	once := a.Snapshot()
	a.Merge(b)
	twice := a.Snapshot()
	assert.ElementsMatch(t, once.Elements, twice.Elements)
	assert.Equal(t, once.Counter, twice.Counter)
}

func TestORSet_MergeAvoidsTagReuse(t *testing.T) {
	a := NewORSet[string]("alice")
	fork := a.Clone()
	fork.Add("x")
	fork.Add("y")

	a.Merge(fork)
	op := a.Add("z")
	assert.Equal(t, uint64(3), op.Tag.Counter)
}

func TestORSetOp_WireFormat(t *testing.T) {
	s := NewORSet[string]("alice")
	add := s.Add("x")

	raw, err := json.Marshal(add)
	require.NoError(t, err)
	assert.JSONEq(t, `{"Add":{"element":"x","tag":["alice",1]}}`, string(raw))

	rm, _ := s.Remove("x")
	raw, err = json.Marshal(rm)
	require.NoError(t, err)
	assert.JSONEq(t, `{"Remove":{"element":"x","tags":[["alice",1]]}}`, string(raw))

	var decoded ORSetOp[string]
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, rm, decoded)

	err = json.Unmarshal([]byte(`{"Clear":{}}`), &decoded)
	assert.ErrorIs(t, err, ErrUnknownOp)
}

func TestORSet_SnapshotRestore(t *testing.T) {
	s := NewORSet[string]("alice")
	s.Add("a")
	s.Add("b")
	s.Remove("a")

	raw, err := json.Marshal(s.Snapshot())
	require.NoError(t, err)
	var snap ORSetSnapshot[string]
	require.NoError(t, json.Unmarshal(raw, &snap))

	restored := RestoreORSet(snap)
	assert.Equal(t, []string{"b"}, restored.Elements())
	assert.Equal(t, uint64(2), restored.Counter())
	assert.Equal(t, "alice", restored.ActorID())
}
