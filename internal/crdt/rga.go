package crdt

import (
	"encoding/json"
	"fmt"
)

// HeadID anchors every sequence. It carries no value and is never removed.
var HeadID = NodeID{Actor: "HEAD", Counter: 0}

// RGA is a replicated growable array. Deleted elements stay in the chain as
// tombstones so that inserts anchored on them still find their position.
//
// Concurrent inserts after the same anchor are ordered by NodeID: the
// greater id (counter first, then actor) sits closer to the anchor. The
// local counter follows every id it observes, so an element inserted after
// seeing another always carries the greater id.
//
// RGA is not safe for concurrent use.
type RGA[T any] struct {
	clock clock
	nodes map[NodeID]*rgaNode[T]
}

type rgaNode[T any] struct {
	value   T
	deleted bool
	origin  NodeID
	next    *NodeID
}

// RGAOp is the delta produced by Insert/Delete and consumed by Apply.
type RGAOp[T any] struct {
	Kind  OpKind
	ID    NodeID
	Value T       // Insert
	After *NodeID // Insert; nil means HEAD
}

func NewRGA[T any](actorID string) *RGA[T] {
	return &RGA[T]{
		clock: clock{actor: actorID},
		nodes: map[NodeID]*rgaNode[T]{
			HeadID: {deleted: true, origin: HeadID},
		},
	}
}

func (r *RGA[T]) ActorID() string { return r.clock.actor }
func (r *RGA[T]) Counter() uint64 { return r.clock.counter }

// Insert places value so that it becomes the element at index. An index
// past the end appends.
func (r *RGA[T]) Insert(index int, value T) RGAOp[T] {
	after := r.predecessor(index)
	id := r.clock.next()
	r.link(id, value, after)
	anchor := after
	return RGAOp[T]{Kind: OpInsert, ID: id, Value: value, After: &anchor}
}

// Delete tombstones the live element at index. It reports false when the
// index holds no live element.
func (r *RGA[T]) Delete(index int) (RGAOp[T], bool) {
	id, ok := r.liveAt(index)
	if !ok {
		return RGAOp[T]{}, false
	}
	r.tombstone(id)
	return RGAOp[T]{Kind: OpDelete, ID: id}, true
}

func (r *RGA[T]) Get(index int) (T, bool) {
	id, ok := r.liveAt(index)
	if !ok {
		var zero T
		return zero, false
	}
	return r.nodes[id].value, true
}

// Values returns live elements in list order.
func (r *RGA[T]) Values() []T {
	out := make([]T, 0)
	r.walk(func(_ NodeID, n *rgaNode[T]) bool {
		if !n.deleted {
			out = append(out, n.value)
		}
		return true
	})
	return out
}

func (r *RGA[T]) Len() int {
	n := 0
	r.walk(func(_ NodeID, node *rgaNode[T]) bool {
		if !node.deleted {
			n++
		}
		return true
	})
	return n
}

func (r *RGA[T]) IsEmpty() bool { return r.Len() == 0 }

// Tombstones counts deleted elements still held in the chain.
func (r *RGA[T]) Tombstones() int {
	n := 0
	for id, node := range r.nodes {
		if id != HeadID && node.deleted {
			n++
		}
	}
	return n
}

// Has reports whether id is known, live or tombstoned.
func (r *RGA[T]) Has(id NodeID) bool {
	_, ok := r.nodes[id]
	return ok && id != HeadID
}

// Apply integrates a remote operation. An insert whose anchor is unknown
// returns ErrMissingAnchor and must be retried once the anchor arrives.
func (r *RGA[T]) Apply(op RGAOp[T]) error {
	switch op.Kind {
	case OpInsert:
		after := HeadID
		if op.After != nil {
			after = *op.After
		}
		return r.integrate(op.ID, op.Value, after)
	case OpDelete:
		if _, ok := r.nodes[op.ID]; ok && op.ID != HeadID {
			r.tombstone(op.ID)
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownOp, op.Kind)
	}
}

// Merge folds the full state of other into r. Nodes are visited in other's
// list order, which always places an origin before the nodes anchored on it.
func (r *RGA[T]) Merge(other *RGA[T]) error {
	var err error
	other.walk(func(id NodeID, n *rgaNode[T]) bool {
		if _, ok := r.nodes[id]; !ok {
			if err = r.integrate(id, n.value, n.origin); err != nil {
				return false
			}
		}
		if n.deleted {
			r.tombstone(id)
		}
		return true
	})
	if err != nil {
		return fmt.Errorf("merge %s: %w", other.clock.actor, err)
	}
	r.clock.observe(other.clock.counter)
	return nil
}

// Compact unlinks tombstones for which stable returns true. A tombstone is
// stable once every replica has observed its deletion and every insert
// anchored on it. Nodes anchored on a removed tombstone inherit its origin.
func (r *RGA[T]) Compact(stable func(NodeID) bool) int {
	removed := make(map[NodeID]NodeID)
	prev := HeadID
	for cur := r.nodes[HeadID].next; cur != nil; {
		id := *cur
		n := r.nodes[id]
		if n.deleted && stable(id) {
			r.nodes[prev].next = n.next
			removed[id] = n.origin
			delete(r.nodes, id)
		} else {
			prev = id
		}
		cur = n.next
	}
	if len(removed) == 0 {
		return 0
	}
	for _, n := range r.nodes {
		for {
			origin, ok := removed[n.origin]
			if !ok {
				break
			}
			n.origin = origin
		}
	}
	return len(removed)
}

// Validate checks that the chain from HEAD is acyclic and reaches every node.
func (r *RGA[T]) Validate() error {
	seen := map[NodeID]struct{}{HeadID: {}}
	for cur := r.nodes[HeadID].next; cur != nil; {
		if _, ok := seen[*cur]; ok {
			return fmt.Errorf("%w at %s", ErrCycle, *cur)
		}
		n, ok := r.nodes[*cur]
		if !ok {
			return fmt.Errorf("%w: dangling link to %s", ErrUnreachable, *cur)
		}
		seen[*cur] = struct{}{}
		cur = n.next
	}
	if len(seen) != len(r.nodes) {
		return fmt.Errorf("%w: %d of %d nodes linked", ErrUnreachable, len(seen), len(r.nodes))
	}
	return nil
}

// integrate links id after its origin, skipping successors with a greater
// id. Re-integrating a known id is a no-op.
func (r *RGA[T]) integrate(id NodeID, value T, origin NodeID) error {
	if _, ok := r.nodes[id]; ok {
		return nil
	}
	if _, ok := r.nodes[origin]; !ok {
		return fmt.Errorf("%w: %s (insert %s)", ErrMissingAnchor, origin, id)
	}
	prev := origin
	for cur := r.nodes[origin].next; cur != nil && id.Less(*cur); cur = r.nodes[*cur].next {
		prev = *cur
	}
	r.link(id, value, prev)
	r.nodes[id].origin = origin
	r.clock.observe(id.Counter)
	return nil
}

func (r *RGA[T]) link(id NodeID, value T, after NodeID) {
	prev := r.nodes[after]
	r.nodes[id] = &rgaNode[T]{value: value, origin: after, next: prev.next}
	next := id
	prev.next = &next
}

func (r *RGA[T]) tombstone(id NodeID) {
	n := r.nodes[id]
	var zero T
	n.value = zero
	n.deleted = true
}

// predecessor returns the node a new element at index is linked after.
func (r *RGA[T]) predecessor(index int) NodeID {
	if index <= 0 {
		return HeadID
	}
	last := HeadID
	live := 0
	r.walk(func(id NodeID, n *rgaNode[T]) bool {
		last = id
		if !n.deleted {
			live++
		}
		return live < index
	})
	return last
}

func (r *RGA[T]) liveAt(index int) (NodeID, bool) {
	if index < 0 {
		return NodeID{}, false
	}
	var out NodeID
	found := false
	i := 0
	r.walk(func(id NodeID, n *rgaNode[T]) bool {
		if n.deleted {
			return true
		}
		if i == index {
			out, found = id, true
			return false
		}
		i++
		return true
	})
	return out, found
}

// walk visits nodes after HEAD in list order until fn returns false. A
// chain longer than the node count can only be a cycle.
func (r *RGA[T]) walk(fn func(NodeID, *rgaNode[T]) bool) {
	steps := 0
	for cur := r.nodes[HeadID].next; cur != nil; {
		steps++
		if steps > len(r.nodes) {
			panic(fmt.Errorf("%w at %s", ErrCycle, *cur))
		}
		n, ok := r.nodes[*cur]
		if !ok {
			panic(fmt.Errorf("%w: dangling link to %s", ErrUnreachable, *cur))
		}
		if !fn(*cur, n) {
			return
		}
		cur = n.next
	}
}

type rgaInsertBody[T any] struct {
	ID    NodeID  `json:"id"`
	Value T       `json:"value"`
	After *NodeID `json:"after"`
}

type rgaDeleteBody struct {
	ID NodeID `json:"id"`
}

// MarshalJSON writes the externally tagged form {"Insert":{...}} / {"Delete":{...}}.
func (op RGAOp[T]) MarshalJSON() ([]byte, error) {
	switch op.Kind {
	case OpInsert:
		return json.Marshal(map[OpKind]rgaInsertBody[T]{OpInsert: {ID: op.ID, Value: op.Value, After: op.After}})
	case OpDelete:
		return json.Marshal(map[OpKind]rgaDeleteBody{OpDelete: {ID: op.ID}})
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownOp, op.Kind)
	}
}

func (op *RGAOp[T]) UnmarshalJSON(data []byte) error {
	kind, body, err := splitTagged(data)
	if err != nil {
		return err
	}
	switch kind {
	case OpInsert:
		var b rgaInsertBody[T]
		if err := json.Unmarshal(body, &b); err != nil {
			return fmt.Errorf("decode Insert: %w", err)
		}
		*op = RGAOp[T]{Kind: OpInsert, ID: b.ID, Value: b.Value, After: b.After}
	case OpDelete:
		var b rgaDeleteBody
		if err := json.Unmarshal(body, &b); err != nil {
			return fmt.Errorf("decode Delete: %w", err)
		}
		*op = RGAOp[T]{Kind: OpDelete, ID: b.ID}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownOp, kind)
	}
	return nil
}
