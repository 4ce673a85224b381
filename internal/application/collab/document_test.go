package collab

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDocumentsConverge(t *testing.T) {
	id := uuid.New()
	a := NewDocument(id, "alice")
	b := NewDocument(id, "bob")

	var fromA, fromB []Update
	fromA = append(fromA, a.Join("alice"), a.Insert(0, "h"), a.Insert(1, "i"))
	fromB = append(fromB, b.Join("bob"), b.Insert(0, "!"))

	for _, u := range fromA {
		require.NoError(t, b.Apply(u))
	}
	for _, u := range fromB {
		require.NoError(t, a.Apply(u))
	}

	assert.Equal(t, a.Text(), b.Text())
	assert.ElementsMatch(t, []string{"alice", "bob"}, a.Participants())
	assert.ElementsMatch(t, a.Participants(), b.Participants())
	assert.Equal(t, 3, a.Len())
}

func TestDocumentHoldsOutOfOrderText(t *testing.T) {
	id := uuid.New()
	src := NewDocument(id, "alice")
	first := src.Insert(0, "a")
	second := src.Insert(1, "b")
	del, ok := src.Delete(0)
	require.True(t, ok)

	dst := NewDocument(id, "bob")
	require.NoError(t, dst.Apply(del))
	require.NoError(t, dst.Apply(second))
	assert.Equal(t, 2, dst.Pending())
	assert.Equal(t, "", dst.Text())

	require.NoError(t, dst.Apply(first))
	assert.Equal(t, 0, dst.Pending())
	assert.Equal(t, src.Text(), dst.Text())
	assert.Equal(t, "b", dst.Text())
}

func TestDocumentLeave(t *testing.T) {
	d := NewDocument(uuid.New(), "alice")
	d.Join("bob")
	_, ok := d.Leave("bob")
	assert.True(t, ok)
	_, ok = d.Leave("bob")
	assert.False(t, ok)
	assert.Empty(t, d.Participants())
	assert.Error(t, d.Apply(Update{}))
}

func TestDocumentSnapshotRestore(t *testing.T) {
	id := uuid.New()
	d := NewDocument(id, "alice")
	d.Join("alice")
	d.Insert(0, "x")
	d.Insert(1, "y")
	_, _ = d.Delete(0)

	snap, err := d.Snapshot(time.Now())
	require.NoError(t, err)
	assert.Equal(t, id, snap.SessionID)

	restored, err := RestoreDocument(snap, "carol")
	require.NoError(t, err)
	assert.Equal(t, "y", restored.Text())
	assert.Equal(t, []string{"alice"}, restored.Participants())

	// The restored replica issues fresh ids under its own actor.
	u := restored.Insert(1, "z")
	require.NotNil(t, u.Text)
	assert.Equal(t, "carol", u.Text.ID.Actor)
	require.NoError(t, d.Apply(u))
	assert.Equal(t, "yz", d.Text())
}

func TestDocumentMerge(t *testing.T) {
	id := uuid.New()
	a := NewDocument(id, "alice")
	b := NewDocument(id, "bob")
	a.Insert(0, "1")
	a.Join("alice")
	b.Insert(0, "2")
	b.Join("bob")

	require.NoError(t, a.Merge(b))
	require.NoError(t, b.Merge(a))
	assert.Equal(t, a.Text(), b.Text())
	assert.Len(t, a.Participants(), 2)
}

func TestUpdateWireFormat(t *testing.T) {
	d := NewDocument(uuid.New(), "alice")
	raw, err := json.Marshal(d.Insert(0, "q"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"text":{"Insert":{"id":["alice",1],"value":"q","after":["HEAD",0]}}}`, string(raw))

	var u Update
	require.NoError(t, json.Unmarshal(raw, &u))
	require.NotNil(t, u.Text)
	assert.Nil(t, u.Participants)
}
