package crdt

import (
	"fmt"
)

// ORSetSnapshot is the full-state encoding of an ORSet.
type ORSetSnapshot[T comparable] struct {
	ActorID  string          `json:"actor_id"`
	Counter  uint64          `json:"counter"`
	Elements []ORSetEntry[T] `json:"elements"`
}

type ORSetEntry[T comparable] struct {
	Element T     `json:"element"`
	Tags    []Tag `json:"tags"`
}

func (s *ORSet[T]) Snapshot() ORSetSnapshot[T] {
	out := ORSetSnapshot[T]{
		ActorID:  s.clock.actor,
		Counter:  s.clock.counter,
		Elements: make([]ORSetEntry[T], 0, len(s.elements)),
	}
	for e, tags := range s.elements {
		if len(tags) == 0 {
			continue
		}
		out.Elements = append(out.Elements, ORSetEntry[T]{Element: e, Tags: sortedTags(tags)})
	}
	return out
}

// RestoreORSet rebuilds a set from a snapshot.
func RestoreORSet[T comparable](snap ORSetSnapshot[T]) *ORSet[T] {
	s := NewORSet[T](snap.ActorID)
	s.clock.counter = snap.Counter
	for _, entry := range snap.Elements {
		for _, tag := range entry.Tags {
			s.addTag(entry.Element, tag)
		}
	}
	return s
}

// RGASnapshot is the full-state encoding of an RGA, nodes in list order.
type RGASnapshot[T any] struct {
	ActorID string               `json:"actor_id"`
	Counter uint64               `json:"counter"`
	Nodes   []RGASnapshotNode[T] `json:"nodes"`
}

// RGASnapshotNode holds one element; Value is nil for a tombstone.
type RGASnapshotNode[T any] struct {
	ID     NodeID `json:"id"`
	Origin NodeID `json:"origin"`
	Value  *T     `json:"value"`
}

func (r *RGA[T]) Snapshot() RGASnapshot[T] {
	out := RGASnapshot[T]{
		ActorID: r.clock.actor,
		Counter: r.clock.counter,
		Nodes:   make([]RGASnapshotNode[T], 0, len(r.nodes)-1),
	}
	r.walk(func(id NodeID, n *rgaNode[T]) bool {
		node := RGASnapshotNode[T]{ID: id, Origin: n.origin}
		if !n.deleted {
			v := n.value
			node.Value = &v
		}
		out.Nodes = append(out.Nodes, node)
		return true
	})
	return out
}

// RestoreRGA rebuilds a sequence from a snapshot, keeping the recorded order.
func RestoreRGA[T any](snap RGASnapshot[T]) (*RGA[T], error) {
	r := NewRGA[T](snap.ActorID)
	r.clock.counter = snap.Counter
	prev := HeadID
	for _, node := range snap.Nodes {
		if node.ID == HeadID {
			return nil, fmt.Errorf("restore: snapshot contains %s", HeadID)
		}
		if _, dup := r.nodes[node.ID]; dup {
			return nil, fmt.Errorf("restore: %w at %s", ErrCycle, node.ID)
		}
		var value T
		if node.Value != nil {
			value = *node.Value
		}
		r.link(node.ID, value, prev)
		r.nodes[node.ID].origin = node.Origin
		r.nodes[node.ID].deleted = node.Value == nil
		r.clock.observe(node.ID.Counter)
		prev = node.ID
	}
	return r, nil
}
