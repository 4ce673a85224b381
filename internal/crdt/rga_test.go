package crdt

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRGA_InsertDelete(t *testing.T) {
	r := NewRGA[string]("alice")
	r.Insert(0, "a")
	r.Insert(1, "b")
	r.Insert(2, "c")
	assert.Equal(t, []string{"a", "b", "c"}, r.Values())

	op, ok := r.Delete(1)
	require.True(t, ok)
	assert.Equal(t, NodeID{Actor: "alice", Counter: 2}, op.ID)
	assert.Equal(t, []string{"a", "c"}, r.Values())
	assert.Equal(t, 2, r.Len())
	assert.Equal(t, 1, r.Tombstones())

	v, ok := r.Get(1)
	require.True(t, ok)
	assert.Equal(t, "c", v)

	_, ok = r.Get(2)
	assert.False(t, ok)
	_, ok = r.Delete(5)
	assert.False(t, ok)
	_, ok = r.Delete(-1)
	assert.False(t, ok)
}

func TestRGA_InsertIndexing(t *testing.T) {
	r := NewRGA[string]("alice")
	assert.True(t, r.IsEmpty())
	r.Insert(10, "end")
	r.Insert(0, "start")
	r.Insert(1, "mid")
	assert.Equal(t, []string{"start", "mid", "end"}, r.Values())

	r.Delete(1)
	// Index counts live elements only.
	r.Insert(1, "new")
	assert.Equal(t, []string{"start", "new", "end"}, r.Values())
}

func TestRGA_ConcurrentInsertsConvergeInEveryOrder(t *testing.T) {
	var ops []RGAOp[string]
	for _, actor := range []string{"a", "b", "c"} {
		ops = append(ops, NewRGA[string](actor).Insert(0, actor))
	}

	orders := [][]int{{0, 1, 2}, {0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0}}
	for _, order := range orders {
		r := NewRGA[string]("observer")
		for _, i := range order {
			require.NoError(t, r.Apply(ops[i]))
		}
		assert.Equal(t, []string{"c", "b", "a"}, r.Values(), "order %v", order)
		require.NoError(t, r.Validate())
	}
}

func TestRGA_ConcurrentInsertsAfterSharedAnchor(t *testing.T) {
	a := NewRGA[string]("alice")
	b := NewRGA[string]("bob")

	x := a.Insert(0, "x")
	require.NoError(t, b.Apply(x))
	assert.Equal(t, uint64(1), b.Counter())

	y := a.Insert(1, "y")
	z := b.Insert(1, "z")
	assert.Equal(t, uint64(2), z.ID.Counter)

	require.NoError(t, a.Apply(z))
	require.NoError(t, b.Apply(y))

	assert.Equal(t, []string{"x", "z", "y"}, a.Values())
	assert.Equal(t, a.Values(), b.Values())
}

func TestRGA_InsertAnchoredOnTombstone(t *testing.T) {
	a := NewRGA[string]("alice")
	b := NewRGA[string]("bob")

	opA := a.Insert(0, "a")
	opB := a.Insert(1, "b")
	require.NoError(t, b.Apply(opA))
	require.NoError(t, b.Apply(opB))

	// bob anchors on "b" while alice appends "c" and deletes "b".
	y := b.Insert(2, "y")
	opC := a.Insert(2, "c")
	del, ok := a.Delete(1)
	require.True(t, ok)

	require.NoError(t, a.Apply(y))
	require.NoError(t, b.Apply(opC))
	require.NoError(t, b.Apply(del))

	assert.Equal(t, []string{"a", "y", "c"}, a.Values())
	assert.Equal(t, a.Values(), b.Values())
	assert.Equal(t, 1, a.Tombstones())
}

func TestRGA_ApplyIsIdempotent(t *testing.T) {
	src := NewRGA[string]("alice")
	ins := src.Insert(0, "a")
	del, _ := src.Delete(0)

	r := NewRGA[string]("bob")
	require.NoError(t, r.Apply(ins))
	require.NoError(t, r.Apply(ins))
	assert.Equal(t, []string{"a"}, r.Values())
	require.NoError(t, r.Apply(del))
	require.NoError(t, r.Apply(del))
	assert.Empty(t, r.Values())

	// Deleting an unknown node is ignored.
	require.NoError(t, r.Apply(RGAOp[string]{Kind: OpDelete, ID: NodeID{Actor: "carol", Counter: 9}}))
}

func TestRGA_MissingAnchor(t *testing.T) {
	src := NewRGA[string]("alice")
	first := src.Insert(0, "a")
	second := src.Insert(1, "b")

	r := NewRGA[string]("bob")
	err := r.Apply(second)
	require.ErrorIs(t, err, ErrMissingAnchor)

	require.NoError(t, r.Apply(first))
	require.NoError(t, r.Apply(second))
	assert.Equal(t, []string{"a", "b"}, r.Values())
}

func TestRGA_Merge(t *testing.T) {
	a := NewRGA[string]("alice")
	a.Insert(0, "a")
	a.Insert(1, "b")

	b := NewRGA[string]("bob")
	require.NoError(t, b.Merge(a))
	assert.Equal(t, []string{"a", "b"}, b.Values())
	assert.Equal(t, uint64(2), b.Counter())

	a.Insert(1, "x")
	b.Insert(2, "y")
	b.Delete(0)

	require.NoError(t, a.Merge(b))
	require.NoError(t, b.Merge(a))
	assert.Equal(t, []string{"x", "b", "y"}, a.Values())
	assert.Equal(t, a.Values(), b.Values())

	require.NoError(t, a.Merge(b))
	assert.Equal(t, []string{"x", "b", "y"}, a.Values())
	assert.Equal(t, 1, a.Tombstones())
	require.NoError(t, a.Validate())
}

func TestRGA_ValidateDetectsCycle(t *testing.T) {
	r := NewRGA[string]("alice")
	first := r.Insert(0, "a")
	second := r.Insert(1, "b")
	require.NoError(t, r.Validate())

	loop := first.ID
	r.nodes[second.ID].next = &loop
	assert.ErrorIs(t, r.Validate(), ErrCycle)
	assert.Panics(t, func() { r.Values() })
}

func TestRGA_ValidateDetectsUnreachable(t *testing.T) {
	r := NewRGA[string]("alice")
	r.Insert(0, "a")
	r.nodes[NodeID{Actor: "ghost", Counter: 4}] = &rgaNode[string]{value: "lost", origin: HeadID}
	assert.ErrorIs(t, r.Validate(), ErrUnreachable)
}

func TestRGA_Compact(t *testing.T) {
	r := NewRGA[string]("alice")
	r.Insert(0, "a")
	r.Insert(1, "b")
	r.Insert(2, "c")
	r.Delete(1)

	removed := r.Compact(func(NodeID) bool { return false })
	assert.Equal(t, 0, removed)
	assert.Equal(t, 1, r.Tombstones())

	removed = r.Compact(func(NodeID) bool { return true })
	assert.Equal(t, 1, removed)
	assert.Equal(t, 0, r.Tombstones())
	assert.Equal(t, []string{"a", "c"}, r.Values())
	require.NoError(t, r.Validate())

	snap := r.Snapshot()
	require.Len(t, snap.Nodes, 2)
	assert.Equal(t, NodeID{Actor: "alice", Counter: 1}, snap.Nodes[1].Origin)

	r.Insert(1, "b2")
	assert.Equal(t, []string{"a", "b2", "c"}, r.Values())
}

func TestRGA_SnapshotRestore(t *testing.T) {
	a := NewRGA[string]("alice")
	a.Insert(0, "a")
	tomb := a.Insert(1, "b")
	a.Insert(2, "c")
	a.Delete(1)

	raw, err := json.Marshal(a.Snapshot())
	require.NoError(t, err)
	var snap RGASnapshot[string]
	require.NoError(t, json.Unmarshal(raw, &snap))

	restored, err := RestoreRGA(snap)
	require.NoError(t, err)
	assert.Equal(t, a.Values(), restored.Values())
	assert.Equal(t, 1, restored.Tombstones())
	assert.Equal(t, uint64(3), restored.Counter())
	require.NoError(t, restored.Validate())

	late := RGAOp[string]{Kind: OpInsert, ID: NodeID{Actor: "bob", Counter: 3}, Value: "y", After: &tomb.ID}
	require.NoError(t, restored.Apply(late))
	require.NoError(t, a.Apply(late))
	assert.Equal(t, a.Values(), restored.Values())
}

func TestRestoreRGA_RejectsDuplicates(t *testing.T) {
	v := "a"
	id := NodeID{Actor: "alice", Counter: 1}
	_, err := RestoreRGA(RGASnapshot[string]{
		ActorID: "alice",
		Nodes:   []RGASnapshotNode[string]{{ID: id, Origin: HeadID, Value: &v}, {ID: id, Origin: HeadID, Value: &v}},
	})
	assert.ErrorIs(t, err, ErrCycle)

	_, err = RestoreRGA(RGASnapshot[string]{Nodes: []RGASnapshotNode[string]{{ID: HeadID}}})
	assert.Error(t, err)
}

func TestRGAOp_WireFormat(t *testing.T) {
	r := NewRGA[string]("alice")
	ins := r.Insert(0, "a")
	raw, err := json.Marshal(ins)
	require.NoError(t, err)
	assert.JSONEq(t, `{"Insert":{"id":["alice",1],"value":"a","after":["HEAD",0]}}`, string(raw))

	del, _ := r.Delete(0)
	raw, err = json.Marshal(del)
	require.NoError(t, err)
	assert.JSONEq(t, `{"Delete":{"id":["alice",1]}}`, string(raw))

	var op RGAOp[string]
	require.NoError(t, json.Unmarshal([]byte(`{"Insert":{"id":["bob",2],"value":"q","after":null}}`), &op))
	assert.Equal(t, OpInsert, op.Kind)
	assert.Nil(t, op.After)

	fresh := NewRGA[string]("carol")
	require.NoError(t, fresh.Apply(op))
	assert.Equal(t, []string{"q"}, fresh.Values())

	assert.ErrorIs(t, json.Unmarshal([]byte(`{"Move":{}}`), &op), ErrUnknownOp)
}
