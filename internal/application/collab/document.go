package collab

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/multiedit/multiedit/internal/crdt"
	"github.com/multiedit/multiedit/internal/domain/document"
)

// maxPending bounds operations held back for a node that has not arrived.
const maxPending = 4096

var ErrTooManyPending = errors.New("too many operations waiting for their anchor")

// Update is one replicated change. Exactly one field is set.
type Update struct {
	Participants *crdt.ORSetOp[string] `json:"participants,omitempty"`
	Text         *crdt.RGAOp[string]   `json:"text,omitempty"`
}

// Document is a session's shared state: the participant set and the text
// sequence. It serialises access to the underlying CRDTs.
type Document struct {
	mu           sync.Mutex
	sessionID    uuid.UUID
	participants *crdt.ORSet[string]
	text         *crdt.RGA[string]
	pending      []crdt.RGAOp[string]
}

func NewDocument(sessionID uuid.UUID, actorID string) *Document {
	return &Document{
		sessionID:    sessionID,
		participants: crdt.NewORSet[string](actorID),
		text:         crdt.NewRGA[string](actorID),
	}
}

func (d *Document) SessionID() uuid.UUID { return d.sessionID }

func (d *Document) Join(peerID string) Update {
	d.mu.Lock()
	defer d.mu.Unlock()
	op := d.participants.Add(peerID)
	return Update{Participants: &op}
}

func (d *Document) Leave(peerID string) (Update, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	op, ok := d.participants.Remove(peerID)
	if !ok {
		return Update{}, false
	}
	return Update{Participants: &op}, true
}

func (d *Document) Participants() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.participants.Elements()
}

// Insert places value at index; indices past the end append.
func (d *Document) Insert(index int, value string) Update {
	d.mu.Lock()
	defer d.mu.Unlock()
	op := d.text.Insert(index, value)
	return Update{Text: &op}
}

func (d *Document) Delete(index int) (Update, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	op, ok := d.text.Delete(index)
	if !ok {
		return Update{}, false
	}
	return Update{Text: &op}, true
}

// Text concatenates the live elements.
func (d *Document) Text() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return strings.Join(d.text.Values(), "")
}

func (d *Document) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.text.Len()
}

// Pending reports how many text operations are held back.
func (d *Document) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Apply integrates a remote update. Text operations referring to a node that
// has not arrived are held and retried after every successful insert.
func (d *Document) Apply(u Update) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case u.Participants != nil:
		return d.participants.Apply(*u.Participants)
	case u.Text != nil:
		return d.applyText(*u.Text)
	default:
		return fmt.Errorf("empty update")
	}
}

func (d *Document) applyText(op crdt.RGAOp[string]) error {
	if op.Kind == crdt.OpDelete && !d.text.Has(op.ID) {
		return d.hold(op)
	}
	err := d.text.Apply(op)
	if errors.Is(err, crdt.ErrMissingAnchor) {
		return d.hold(op)
	}
	if err != nil {
		return err
	}
	if op.Kind == crdt.OpInsert {
		d.drainPending()
	}
	return nil
}

func (d *Document) hold(op crdt.RGAOp[string]) error {
	if len(d.pending) >= maxPending {
		return ErrTooManyPending
	}
	d.pending = append(d.pending, op)
	return nil
}

func (d *Document) drainPending() {
	for progress := true; progress && len(d.pending) > 0; {
		progress = false
		rest := d.pending[:0]
		for _, op := range d.pending {
			if !d.ready(op) {
				rest = append(rest, op)
				continue
			}
			if err := d.text.Apply(op); err != nil {
				rest = append(rest, op)
				continue
			}
			progress = true
		}
		d.pending = rest
	}
}

func (d *Document) ready(op crdt.RGAOp[string]) bool {
	if op.Kind == crdt.OpDelete {
		return d.text.Has(op.ID)
	}
	return op.After == nil || *op.After == crdt.HeadID || d.text.Has(*op.After)
}

// Merge folds another replica's full state into d.
func (d *Document) Merge(other *Document) error {
	other.mu.Lock()
	participants := other.participants.Clone()
	text, err := crdt.RestoreRGA(other.text.Snapshot())
	other.mu.Unlock()
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.participants.Merge(participants)
	if err := d.text.Merge(text); err != nil {
		return err
	}
	d.drainPending()
	return nil
}

// Snapshot encodes the full state for persistence.
func (d *Document) Snapshot(now time.Time) (*document.Snapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	participants, err := json.Marshal(d.participants.Snapshot())
	if err != nil {
		return nil, err
	}
	text, err := json.Marshal(d.text.Snapshot())
	if err != nil {
		return nil, err
	}
	return &document.Snapshot{
		SessionID:    d.sessionID,
		Participants: participants,
		Text:         text,
		UpdatedAt:    now.UTC(),
	}, nil
}

// RestoreDocument rebuilds a document from a snapshot. actorID replaces the
// stored actor so the restoring replica never reuses another's tags.
func RestoreDocument(snap *document.Snapshot, actorID string) (*Document, error) {
	var ps crdt.ORSetSnapshot[string]
	if err := json.Unmarshal(snap.Participants, &ps); err != nil {
		return nil, fmt.Errorf("decode participants: %w", err)
	}
	var ts crdt.RGASnapshot[string]
	if err := json.Unmarshal(snap.Text, &ts); err != nil {
		return nil, fmt.Errorf("decode text: %w", err)
	}
	ps.ActorID = actorID
	ts.ActorID = actorID
	text, err := crdt.RestoreRGA(ts)
	if err != nil {
		return nil, err
	}
	if err := text.Validate(); err != nil {
		return nil, err
	}
	return &Document{
		sessionID:    snap.SessionID,
		participants: crdt.RestoreORSet(ps),
		text:         text,
	}, nil
}
