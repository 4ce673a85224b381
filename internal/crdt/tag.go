package crdt

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"
)

var (
	ErrMissingAnchor = errors.New("crdt: insert anchor not found")
	ErrCycle         = errors.New("crdt: sequence chain contains a cycle")
	ErrUnreachable   = errors.New("crdt: node not reachable from head")
	ErrUnknownOp     = errors.New("crdt: unknown operation")
)

// Tag identifies one operation instance. Actor is unique per replica and
// Counter only grows, so a tag is never issued twice.
type Tag struct {
	Actor   string
	Counter uint64
}

// NodeID keys RGA nodes. It is the tag of the insert that created the node.
type NodeID = Tag

// NewActorID returns a fresh replica identifier.
func NewActorID() string {
	return strings.ToLower(ulid.Make().String())
}

// Less orders tags by counter, then by actor.
func (t Tag) Less(o Tag) bool {
	if t.Counter != o.Counter {
		return t.Counter < o.Counter
	}
	return t.Actor < o.Actor
}

func (t Tag) String() string {
	return fmt.Sprintf("%s:%d", t.Actor, t.Counter)
}

// MarshalJSON encodes the tag as [actor, counter].
func (t Tag) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{t.Actor, t.Counter})
}

func (t *Tag) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode tag: %w", err)
	}
	if len(raw) != 2 {
		return fmt.Errorf("decode tag: expected 2 items, got %d", len(raw))
	}
	if err := json.Unmarshal(raw[0], &t.Actor); err != nil {
		return fmt.Errorf("decode tag actor: %w", err)
	}
	if err := json.Unmarshal(raw[1], &t.Counter); err != nil {
		return fmt.Errorf("decode tag counter: %w", err)
	}
	return nil
}

// clock hands out tags for one replica.
type clock struct {
	actor   string
	counter uint64
}

func (c *clock) next() Tag {
	c.counter++
	return Tag{Actor: c.actor, Counter: c.counter}
}

func (c *clock) observe(counter uint64) {
	if counter > c.counter {
		c.counter = counter
	}
}
