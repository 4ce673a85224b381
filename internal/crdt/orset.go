package crdt

import (
	"encoding/json"
	"fmt"
	"sort"
)

// OpKind names a CRDT operation on the wire.
type OpKind string

const (
	OpAdd    OpKind = "Add"
	OpRemove OpKind = "Remove"
	OpInsert OpKind = "Insert"
	OpDelete OpKind = "Delete"
)

// ORSet is an observed-remove set. An element is present while at least one
// of its add tags has not been removed, so concurrent add beats remove.
//
// ORSet is not safe for concurrent use.
type ORSet[T comparable] struct {
	clock    clock
	elements map[T]map[Tag]struct{}
}

// ORSetOp is the delta produced by Add/Remove and consumed by Apply.
type ORSetOp[T comparable] struct {
	Kind    OpKind
	Element T
	Tag     Tag   // Add
	Tags    []Tag // Remove
}

func NewORSet[T comparable](actorID string) *ORSet[T] {
	return &ORSet[T]{
		clock:    clock{actor: actorID},
		elements: make(map[T]map[Tag]struct{}),
	}
}

func (s *ORSet[T]) ActorID() string { return s.clock.actor }
func (s *ORSet[T]) Counter() uint64 { return s.clock.counter }

// Add records a new observed instance of element.
func (s *ORSet[T]) Add(element T) ORSetOp[T] {
	tag := s.clock.next()
	s.addTag(element, tag)
	return ORSetOp[T]{Kind: OpAdd, Element: element, Tag: tag}
}

// Remove drops every tag observed locally for element. It reports false if
// the element is absent.
func (s *ORSet[T]) Remove(element T) (ORSetOp[T], bool) {
	tags, ok := s.elements[element]
	if !ok || len(tags) == 0 {
		return ORSetOp[T]{}, false
	}
	delete(s.elements, element)
	return ORSetOp[T]{Kind: OpRemove, Element: element, Tags: sortedTags(tags)}, true
}

func (s *ORSet[T]) Contains(element T) bool {
	return len(s.elements[element]) > 0
}

// Elements returns present elements in no particular order.
func (s *ORSet[T]) Elements() []T {
	out := make([]T, 0, len(s.elements))
	for e, tags := range s.elements {
		if len(tags) > 0 {
			out = append(out, e)
		}
	}
	return out
}

// Tags returns the tags currently supporting element.
func (s *ORSet[T]) Tags(element T) []Tag {
	return sortedTags(s.elements[element])
}

func (s *ORSet[T]) Len() int {
	n := 0
	for _, tags := range s.elements {
		if len(tags) > 0 {
			n++
		}
	}
	return n
}

func (s *ORSet[T]) IsEmpty() bool { return s.Len() == 0 }

// Apply integrates a remote operation. Re-applying an operation is a no-op.
func (s *ORSet[T]) Apply(op ORSetOp[T]) error {
	switch op.Kind {
	case OpAdd:
		s.addTag(op.Element, op.Tag)
	case OpRemove:
		current, ok := s.elements[op.Element]
		if !ok {
			return nil
		}
		for _, tag := range op.Tags {
			delete(current, tag)
		}
		if len(current) == 0 {
			delete(s.elements, op.Element)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownOp, op.Kind)
	}
	return nil
}

// Merge unions the full state of other into s.
func (s *ORSet[T]) Merge(other *ORSet[T]) {
	for e, tags := range other.elements {
		for tag := range tags {
			s.addTag(e, tag)
		}
	}
	s.clock.observe(other.clock.counter)
}

// Clone returns a deep copy with the same actor.
func (s *ORSet[T]) Clone() *ORSet[T] {
	out := NewORSet[T](s.clock.actor)
	out.clock.counter = s.clock.counter
	for e, tags := range s.elements {
		cp := make(map[Tag]struct{}, len(tags))
		for tag := range tags {
			cp[tag] = struct{}{}
		}
		out.elements[e] = cp
	}
	return out
}

func (s *ORSet[T]) addTag(element T, tag Tag) {
	tags, ok := s.elements[element]
	if !ok {
		tags = make(map[Tag]struct{})
		s.elements[element] = tags
	}
	tags[tag] = struct{}{}
}

func sortedTags(tags map[Tag]struct{}) []Tag {
	out := make([]Tag, 0, len(tags))
	for tag := range tags {
		out = append(out, tag)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

type orsetAddBody[T comparable] struct {
	Element T   `json:"element"`
	Tag     Tag `json:"tag"`
}

type orsetRemoveBody[T comparable] struct {
	Element T     `json:"element"`
	Tags    []Tag `json:"tags"`
}

// MarshalJSON writes the externally tagged form {"Add":{...}} / {"Remove":{...}}.
func (op ORSetOp[T]) MarshalJSON() ([]byte, error) {
	switch op.Kind {
	case OpAdd:
		return json.Marshal(map[OpKind]orsetAddBody[T]{OpAdd: {Element: op.Element, Tag: op.Tag}})
	case OpRemove:
		tags := op.Tags
		if tags == nil {
			tags = []Tag{}
		}
		return json.Marshal(map[OpKind]orsetRemoveBody[T]{OpRemove: {Element: op.Element, Tags: tags}})
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownOp, op.Kind)
	}
}

func (op *ORSetOp[T]) UnmarshalJSON(data []byte) error {
	kind, body, err := splitTagged(data)
	if err != nil {
		return err
	}
	switch kind {
	case OpAdd:
		var b orsetAddBody[T]
		if err := json.Unmarshal(body, &b); err != nil {
			return fmt.Errorf("decode Add: %w", err)
		}
		*op = ORSetOp[T]{Kind: OpAdd, Element: b.Element, Tag: b.Tag}
	case OpRemove:
		var b orsetRemoveBody[T]
		if err := json.Unmarshal(body, &b); err != nil {
			return fmt.Errorf("decode Remove: %w", err)
		}
		*op = ORSetOp[T]{Kind: OpRemove, Element: b.Element, Tags: b.Tags}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownOp, kind)
	}
	return nil
}

// splitTagged unwraps a single-key {"Kind": body} object.
func splitTagged(data []byte) (OpKind, json.RawMessage, error) {
	var wrapper map[OpKind]json.RawMessage
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return "", nil, fmt.Errorf("decode op: %w", err)
	}
	if len(wrapper) != 1 {
		return "", nil, fmt.Errorf("decode op: expected one variant, got %d", len(wrapper))
	}
	for kind, body := range wrapper {
		return kind, body, nil
	}
	return "", nil, nil
}
