package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	appCollab "github.com/multiedit/multiedit/internal/application/collab"
	"github.com/multiedit/multiedit/internal/crdt"
)

// opgen prints document updates, one JSON object per line, ready to POST to
// /v1/sessions/{id}/document/ops.
type options struct {
	op      string
	actor   string
	counter uint64
	after   string
	text    string
	target  string
	peer    string
}

func main() {
	var opt options

	flag.StringVar(&opt.op, "op", "", "operation: insert|delete|join|leave")
	flag.StringVar(&opt.actor, "actor", "smoke", "actor issuing the operations")
	flag.Uint64Var(&opt.counter, "counter", 1, "counter of the first operation; must exceed every counter the actor used before")
	flag.StringVar(&opt.after, "after", "", "anchor node as actor:counter for insert; empty means the start of the document")
	flag.StringVar(&opt.text, "text", "", "text for insert, one node per character")
	flag.StringVar(&opt.target, "target", "", "node to delete, or comma-separated add tags a leave removes, as actor:counter")
	flag.StringVar(&opt.peer, "peer", "", "participant for join and leave")
	flag.Parse()

	opt.actor = strings.TrimSpace(opt.actor)
	if opt.actor == "" {
		log.Fatal("actor is required")
	}
	if opt.counter == 0 {
		log.Fatal("counter must be positive")
	}

	updates, err := buildUpdates(opt)
	if err != nil {
		log.Fatal(err)
	}
	enc := json.NewEncoder(os.Stdout)
	for _, u := range updates {
		if err := enc.Encode(u); err != nil {
			log.Fatal(err)
		}
	}
}

func buildUpdates(opt options) ([]appCollab.Update, error) {
	switch opt.op {
	case "insert":
		return insertText(opt)
	case "delete":
		target, err := parseNodeID(opt.target)
		if err != nil {
			return nil, fmt.Errorf("target: %w", err)
		}
		if target == nil {
			return nil, errors.New("target is required for delete")
		}
		op := crdt.RGAOp[string]{Kind: crdt.OpDelete, ID: *target}
		return []appCollab.Update{{Text: &op}}, nil
	case "join", "leave":
		peer := strings.TrimSpace(opt.peer)
		if peer == "" {
			return nil, errors.New("peer is required")
		}
		tag := crdt.Tag{Actor: opt.actor, Counter: opt.counter}
		op := crdt.ORSetOp[string]{Kind: crdt.OpAdd, Element: peer, Tag: tag}
		if opt.op == "leave" {
			op = crdt.ORSetOp[string]{Kind: crdt.OpRemove, Element: peer, Tags: splitTags(opt.target)}
		}
		return []appCollab.Update{{Participants: &op}}, nil
	default:
		return nil, fmt.Errorf("unsupported op %q", opt.op)
	}
}

// insertText chains one insert per character, each anchored on the previous.
func insertText(opt options) ([]appCollab.Update, error) {
	if opt.text == "" {
		return nil, errors.New("text is required for insert")
	}
	after, err := parseNodeID(opt.after)
	if err != nil {
		return nil, fmt.Errorf("after: %w", err)
	}
	counter := opt.counter
	out := make([]appCollab.Update, 0, len(opt.text))
	for _, r := range opt.text {
		id := crdt.NodeID{Actor: opt.actor, Counter: counter}
		op := crdt.RGAOp[string]{Kind: crdt.OpInsert, ID: id, Value: string(r), After: after}
		out = append(out, appCollab.Update{Text: &op})
		after = &id
		counter++
	}
	return out, nil
}

func parseNodeID(raw string) (*crdt.NodeID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	i := strings.LastIndex(raw, ":")
	if i <= 0 {
		return nil, fmt.Errorf("invalid node %q, want actor:counter", raw)
	}
	counter, err := strconv.ParseUint(raw[i+1:], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid node counter %q: %w", raw, err)
	}
	return &crdt.NodeID{Actor: raw[:i], Counter: counter}, nil
}

// splitTags reads the observed add tags a leave removes, comma separated.
func splitTags(raw string) []crdt.Tag {
	parts := strings.Split(raw, ",")
	out := make([]crdt.Tag, 0, len(parts))
	for _, item := range parts {
		id, err := parseNodeID(item)
		if err != nil || id == nil {
			continue
		}
		out = append(out, *id)
	}
	return out
}
