package activitypub

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/deemkeen/fedhub/domain"
)

func TestParseRejectsMalformed(t *testing.T) {
	p := NewParser(nil, nil, 0)
	for _, raw := range []string{``, `not json`, `[1,2]`, `"string"`, `null`} {
		if _, err := p.Parse(context.Background(), []byte(raw)); !errors.Is(err, domain.ErrInvalidDocument) {
			t.Errorf("Parse(%q): expected ErrInvalidDocument, got %v", raw, err)
		}
	}
}

func TestParseActorDeleteSentinel(t *testing.T) {
	p := NewParser(nil, nil, 0)
	doc, err := p.Parse(context.Background(), []byte(`{
		"id": "https://a.example/users/x#delete",
		"type": "Delete",
		"actor": "https://a.example/users/x",
		"object": "https://a.example/users/x"
	}`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if doc.IsValid() {
		t.Error("The actor-delete sentinel is not a valid activity")
	}
	if !doc.DeletedActor() {
		t.Error("Expected the actor-delete signal")
	}
	if doc.ActorID() != "https://a.example/users/x" {
		t.Errorf("Unexpected actor %s", doc.ActorID())
	}
}

func TestParsePrimaryType(t *testing.T) {
	p := NewParser(nil, nil, 0)
	doc, err := p.Parse(context.Background(), []byte(`{
		"id": "https://a.example/act/1",
		"type": ["zot:Activity", "Create"],
		"actor": {"id": "https://a.example/users/x"},
		"object": {"id": "https://a.example/item/1", "type": "Note"}
	}`))
	if err != nil {
		t.Fatal(err)
	}
	if doc.Type != "Create" {
		t.Errorf("Expected first non-namespaced type, got %s", doc.Type)
	}
}

func TestParseBareObjectBecomesCreate(t *testing.T) {
	r := newMapResolver()
	r.add(map[string]any{"id": "https://a.example/users/x", "type": "Person"})
	p := NewParser(r, nil, 0)

	doc, err := p.Parse(context.Background(), []byte(`{
		"id": "https://a.example/item/1",
		"type": "Note",
		"attributedTo": "https://a.example/users/x",
		"content": "hi",
		"to": ["https://b.example/users/y"]
	}`))
	if err != nil {
		t.Fatal(err)
	}
	if doc.Type != "Create" {
		t.Errorf("Expected Create, got %s", doc.Type)
	}
	if doc.ObjectID() != "https://a.example/item/1" {
		t.Errorf("Expected the document itself as object, got %s", doc.ObjectID())
	}
	if doc.Actor["type"] != "Person" {
		t.Error("Expected actor resolved from attributedTo")
	}
	if len(doc.Recipients) != 1 {
		t.Errorf("Expected 1 recipient, got %v", doc.Recipients)
	}
}

func TestParseMergesRecipients(t *testing.T) {
	p := NewParser(nil, nil, 0)
	doc, err := p.Parse(context.Background(), []byte(`{
		"id": "https://a.example/act/1",
		"type": "Create",
		"actor": {"id": "https://a.example/users/x"},
		"to": ["https://www.w3.org/ns/activitystreams#Public"],
		"cc": ["https://a.example/users/x/followers"],
		"object": {
			"id": "https://a.example/item/1",
			"type": "Note",
			"to": ["https://www.w3.org/ns/activitystreams#Public"],
			"cc": ["https://a.example/users/x/followers", "https://b.example/users/y"],
			"bcc": "https://c.example/users/z"
		}
	}`))
	if err != nil {
		t.Fatal(err)
	}
	if len(doc.Recipients) != 4 {
		t.Errorf("Expected 4 unique recipients, got %v", doc.Recipients)
	}
	if len(doc.RawRecipients["cc"]) != 2 {
		t.Errorf("Expected per field cc breakdown, got %v", doc.RawRecipients["cc"])
	}
	if len(doc.RawRecipients["bcc"]) != 1 {
		t.Errorf("Expected bcc kept separately, got %v", doc.RawRecipients["bcc"])
	}
	if !doc.IsPublic() {
		t.Error("Expected public")
	}
}

func TestParseResolvesReferences(t *testing.T) {
	r := newMapResolver()
	r.add(map[string]any{"id": "https://a.example/users/x", "type": "Person", "name": "X"})
	r.add(map[string]any{"id": "https://b.example/item/9", "type": "Note", "inReplyTo": "https://b.example/item/1"})
	p := NewParser(r, nil, 0)

	doc, err := p.Parse(context.Background(), []byte(`{
		"id": "https://a.example/act/2",
		"type": "Like",
		"actor": "https://a.example/users/x",
		"object": "https://b.example/item/9"
	}`))
	if err != nil {
		t.Fatal(err)
	}
	if doc.Actor["name"] != "X" {
		t.Error("Expected actor resolved")
	}
	if doc.ObjectType() != "Note" {
		t.Error("Expected object resolved")
	}
	if doc.Parent != "https://b.example/item/1" {
		t.Errorf("Expected parent from inReplyTo, got %s", doc.Parent)
	}
}

func TestParseUnresolvableReferenceIsStub(t *testing.T) {
	p := NewParser(newMapResolver(), nil, 0)
	doc, err := p.Parse(context.Background(), []byte(`{
		"id": "https://a.example/act/3",
		"type": "Like",
		"actor": {"id": "https://a.example/users/x"},
		"object": "https://gone.example/item/1"
	}`))
	if err != nil {
		t.Fatal(err)
	}
	if doc.ObjectID() != "https://gone.example/item/1" || doc.ObjectType() != "" {
		t.Errorf("Expected id-only stub, got %v", doc.Object)
	}
}

func TestParseTerminatesOnCycles(t *testing.T) {
	r := newMapResolver()
	r.add(map[string]any{"id": "https://a.example/act/a", "type": "Announce", "actor": "https://a.example/users/x", "object": "https://a.example/act/b"})
	r.add(map[string]any{"id": "https://a.example/act/b", "type": "Announce", "actor": "https://a.example/users/x", "object": "https://a.example/act/a"})
	p := NewParser(r, nil, 0)

	_, err := p.Parse(context.Background(), []byte(`{
		"id": "https://a.example/act/top",
		"type": "Undo",
		"actor": {"id": "https://a.example/users/x"},
		"object": "https://a.example/act/a"
	}`))
	if err != nil {
		t.Fatal(err)
	}
	for id, n := range r.calls {
		if n > 1 {
			t.Errorf("%s fetched %d times, expected memoization", id, n)
		}
	}
}

func TestParseDepthBound(t *testing.T) {
	r := newMapResolver()
	for i := 0; i < 20; i++ {
		r.add(map[string]any{
			"id":     fmt.Sprintf("https://a.example/act/%d", i),
			"type":   "Undo",
			"actor":  "https://a.example/users/x",
			"object": fmt.Sprintf("https://a.example/act/%d", i+1),
		})
	}
	p := NewParser(r, nil, 3)
	_, err := p.Parse(context.Background(), []byte(`{
		"id": "https://a.example/act/top",
		"type": "Undo",
		"actor": {"id": "https://a.example/users/x"},
		"object": "https://a.example/act/0"
	}`))
	if err != nil {
		t.Fatal(err)
	}
	if total := len(r.calls); total > 3 {
		t.Errorf("Expected at most 3 fetches, got %d", total)
	}
}

func TestParseUnwrapsAnnounceOnce(t *testing.T) {
	p := NewParser(nil, nil, 0)
	doc, err := p.Parse(context.Background(), []byte(`{
		"id": "https://g.example/announce/1",
		"type": "Announce",
		"actor": {"id": "https://g.example/groups/g"},
		"object": {
			"id": "https://a.example/act/1",
			"type": "Create",
			"actor": {"id": "https://a.example/users/x"},
			"object": {"id": "https://a.example/item/1", "type": "Note", "content": "hi"}
		}
	}`))
	if err != nil {
		t.Fatal(err)
	}
	if doc.Type != "Create" || doc.ID != "https://a.example/act/1" {
		t.Errorf("Expected the inner Create, got %s %s", doc.Type, doc.ID)
	}
	if idOf(doc.Announcer) != "https://g.example/groups/g" {
		t.Errorf("Expected announcer kept, got %v", doc.Announcer)
	}
	if doc.NestedAnnounce {
		t.Error("Single Announce is not nested")
	}
}

func TestParseFlagsNestedAnnounce(t *testing.T) {
	p := NewParser(nil, nil, 0)
	doc, err := p.Parse(context.Background(), []byte(`{
		"id": "https://g.example/announce/2",
		"type": "Announce",
		"actor": {"id": "https://g.example/groups/g"},
		"object": {
			"id": "https://h.example/announce/1",
			"type": "Announce",
			"actor": {"id": "https://h.example/groups/h"},
			"object": {
				"id": "https://a.example/act/1",
				"type": "Create",
				"actor": {"id": "https://a.example/users/x"},
				"object": {"id": "https://a.example/item/1", "type": "Note"}
			}
		}
	}`))
	if err != nil {
		t.Fatal(err)
	}
	if !doc.NestedAnnounce {
		t.Error("Expected nested Announce to be flagged")
	}
	if doc.Type != "Announce" || doc.ID != "https://h.example/announce/1" {
		t.Errorf("Expected exactly one level unwrapped, got %s %s", doc.Type, doc.ID)
	}
}

func TestParseWithoutActorIsInvalid(t *testing.T) {
	p := NewParser(nil, nil, 0)
	_, err := p.Parse(context.Background(), []byte(`{"id": "https://a.example/item/1", "type": "Note"}`))
	if !errors.Is(err, domain.ErrInvalidDocument) {
		t.Errorf("Expected ErrInvalidDocument, got %v", err)
	}
}

func TestFromOrigin(t *testing.T) {
	const author = "https://b.example/users/y"
	r := newMapResolver()
	r.add(map[string]any{"id": "https://b.example/notes/1", "type": "Note", "attributedTo": author, "content": "original"})
	r.add(map[string]any{"id": "https://b.example/notes/2", "type": "Note", "attributedTo": "https://b.example/users/z"})
	r.add(map[string]any{"id": "https://a.example/notes/3", "type": "Note", "attributedTo": author})
	p := NewParser(r, nil, 0)

	tests := []struct {
		object string
		ok     bool
	}{
		{"https://b.example/notes/1", true},
		{"https://b.example/notes/2", false}, // someone else's at the origin
		{"https://a.example/notes/3", false}, // not on the author's host
		{"https://b.example/notes/404", false},
	}
	for _, tt := range tests {
		t.Run(tt.object, func(t *testing.T) {
			doc := &Document{Object: map[string]any{"id": tt.object, "type": "Note", "attributedTo": author, "content": "forged"}}
			err := p.FromOrigin(context.Background(), doc, author)
			if !tt.ok {
				if !errors.Is(err, ErrNotFromOrigin) {
					t.Fatalf("Expected ErrNotFromOrigin, got %v", err)
				}
				if doc.Object["content"] != "forged" {
					t.Error("Object replaced on failure")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if doc.Object["content"] != "original" {
				t.Errorf("Expected the origin copy, got %v", doc.Object["content"])
			}
		})
	}
	if r.calls["https://a.example/notes/3"] != 0 {
		t.Error("Fetched an object from a foreign host")
	}
}
