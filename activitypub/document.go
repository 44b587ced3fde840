package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/deemkeen/fedhub/domain"
	"github.com/deemkeen/fedhub/util"
	"github.com/rs/zerolog"
)

const (
	PublicCollection = "https://www.w3.org/ns/activitystreams#Public"
	DefaultMaxDepth  = 5
)

// RecipientFields are the addressing fields merged into Document.Recipients.
var RecipientFields = []string{"to", "cc", "bto", "bcc", "audience"}

var publicAliases = map[string]bool{
	PublicCollection: true,
	"as:Public":      true,
	"Public":         true,
}

var activityTypes = map[string]bool{
	"Create": true, "Update": true, "Delete": true, "Follow": true, "Accept": true,
	"Reject": true, "TentativeAccept": true, "TentativeReject": true, "Add": true,
	"Remove": true, "Like": true, "Dislike": true, "Announce": true, "Undo": true,
	"Block": true, "Flag": true, "Move": true, "EmojiReact": true, "EmojiReaction": true,
	"Invite": true, "Join": true, "Leave": true,
}

func isActivity(m map[string]any) bool {
	return m != nil && activityTypes[primaryType(m["type"])] && m["object"] != nil
}

// Resolver dereferences an id into its JSON object.
type Resolver interface {
	Resolve(ctx context.Context, id string) (map[string]any, error)
}

// Document is a parsed activity with its references resolved.
type Document struct {
	ID     string
	Type   string
	Actor  map[string]any
	Object map[string]any
	Target map[string]any
	Origin map[string]any

	// Recipients merges every addressing field of the activity and its object.
	Recipients []string
	// RawRecipients keeps the per field breakdown.
	RawRecipients map[string][]string

	Parent       string
	Verification Verification

	// Announcer is the actor of an Announce the activity was unwrapped from.
	Announcer map[string]any
	// NestedAnnounce is set when the unwrapped activity is itself an Announce of an activity.
	NestedAnnounce bool

	Raw    map[string]any
	Source []byte

	valid        bool
	deletedActor bool
}

// IsValid reports whether the payload parsed and is not the actor-delete sentinel.
func (d *Document) IsValid() bool {
	return d.valid
}

// DeletedActor reports the out-of-band signal of an actor deleting itself.
func (d *Document) DeletedActor() bool {
	return d.deletedActor
}

func (d *Document) ActorID() string {
	return idOf(d.Actor)
}

func (d *Document) ObjectID() string {
	return idOf(d.Object)
}

func (d *Document) ObjectType() string {
	return primaryType(d.Object["type"])
}

func (d *Document) IsPublic() bool {
	for _, r := range d.Recipients {
		if publicAliases[r] {
			return true
		}
	}
	return false
}

// Parser parses activity payloads. Resolution is bounded by MaxDepth and memoized per parse.
type Parser struct {
	resolver Resolver
	verifier *Verifier
	maxDepth int
	log      zerolog.Logger
}

func NewParser(resolver Resolver, verifier *Verifier, maxDepth int) *Parser {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Parser{
		resolver: resolver,
		verifier: verifier,
		maxDepth: maxDepth,
		log:      util.ComponentLogger("document"),
	}
}

// Parse decodes raw bytes. Malformed input is domain.ErrInvalidDocument.
func (p *Parser) Parse(ctx context.Context, data []byte) (*Document, error) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil || m == nil {
		return nil, fmt.Errorf("%w: not a JSON object", domain.ErrInvalidDocument)
	}
	doc, err := p.ParseValue(ctx, m)
	if doc != nil {
		doc.Source = data
	}
	return doc, err
}

// ParseValue parses an already decoded payload.
func (p *Parser) ParseValue(ctx context.Context, m map[string]any) (*Document, error) {
	if m == nil {
		return nil, domain.ErrInvalidDocument
	}
	s := &session{parser: p, memo: map[string]map[string]any{}, visiting: map[string]bool{}}
	doc := &Document{RawRecipients: map[string][]string{}, Raw: m}

	if p.verifier != nil {
		doc.Verification = p.verifier.Verify(ctx, m)
	}

	typ := primaryType(m["type"])
	actorID := idOf(m["actor"])
	if typ == "Delete" && actorID != "" && actorID == idOf(m["object"]) {
		doc.ID = str(m, "id")
		doc.Type = typ
		doc.Actor = map[string]any{"id": actorID}
		doc.deletedActor = true
		return doc, nil
	}

	if typ == "Announce" {
		inner := s.resolve(ctx, m["object"], 1)
		if isActivity(inner) {
			doc.Announcer = s.resolve(ctx, m["actor"], 1)
			if primaryType(inner["type"]) == "Announce" {
				if next := s.resolve(ctx, inner["object"], 2); isActivity(next) {
					doc.NestedAnnounce = true
					p.log.Warn().Str("id", str(m, "id")).Msg("Document: nested Announce not unwrapped")
				}
			}
			m = inner
			doc.Raw = inner
			typ = primaryType(m["type"])
		}
	}

	doc.ID = str(m, "id")
	doc.Type = typ

	bare := m["object"] == nil
	if bare {
		// a bare object is its own Create
		doc.Object = m
		if doc.Type == "" || !activityTypes[doc.Type] {
			doc.Type = "Create"
		}
		doc.Actor = s.resolve(ctx, m["attributedTo"], 1)
	} else {
		doc.Actor = s.resolve(ctx, m["actor"], 1)
		doc.Object = s.resolveObject(ctx, m["object"], 1)
	}
	if doc.Actor == nil {
		return nil, fmt.Errorf("%w: no actor", domain.ErrInvalidDocument)
	}
	if doc.Object == nil {
		return nil, fmt.Errorf("%w: unresolvable object", domain.ErrInvalidDocument)
	}
	if m["target"] != nil {
		doc.Target = s.resolve(ctx, m["target"], 1)
	}
	if m["origin"] != nil {
		doc.Origin = s.resolve(ctx, m["origin"], 1)
	}

	for _, field := range RecipientFields {
		var vals []string
		vals = appendUnique(vals, ids(m[field])...)
		if !bare {
			vals = appendUnique(vals, ids(doc.Object[field])...)
		}
		if len(vals) > 0 {
			doc.RawRecipients[field] = vals
		}
		doc.Recipients = appendUnique(doc.Recipients, vals...)
	}

	doc.Parent = idOf(doc.Object["inReplyTo"])
	doc.valid = true
	return doc, nil
}

// ErrNotFromOrigin is returned by FromOrigin when the object cannot be had from its author's host.
var ErrNotFromOrigin = errors.New("object not available from its origin")

// FromOrigin replaces the embedded object of doc with the copy its id points to.
// The id must be on the same host as author and the fetched copy must be attributed
// to author.
func (p *Parser) FromOrigin(ctx context.Context, doc *Document, author string) error {
	id := doc.ObjectID()
	if p.resolver == nil || !sameHost(id, author) {
		return fmt.Errorf("%w: %s", ErrNotFromOrigin, id)
	}
	m, err := p.resolver.Resolve(ctx, id)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNotFromOrigin, err)
	}
	if idOf(m) != id || idOf(m["attributedTo"]) != author {
		return fmt.Errorf("%w: %s is not attributed to %s", ErrNotFromOrigin, id, author)
	}
	doc.Object = m
	doc.Parent = idOf(m["inReplyTo"])
	return nil
}

func sameHost(a, b string) bool {
	ua, err := url.Parse(a)
	if err != nil || ua.Host == "" {
		return false
	}
	ub, err := url.Parse(b)
	if err != nil {
		return false
	}
	return strings.EqualFold(ua.Host, ub.Host)
}

type session struct {
	parser   *Parser
	memo     map[string]map[string]any
	visiting map[string]bool
}

// resolve turns a reference into an object. Unresolvable references become {"id": ref}.
func (s *session) resolve(ctx context.Context, v any, depth int) map[string]any {
	switch t := v.(type) {
	case nil:
		return nil
	case map[string]any:
		return t
	case []any:
		if len(t) == 0 {
			return nil
		}
		return s.resolve(ctx, t[0], depth)
	case string:
		return s.fetch(ctx, t, depth)
	}
	return nil
}

// resolveObject resolves v and, for activities, their own object one level deeper.
func (s *session) resolveObject(ctx context.Context, v any, depth int) map[string]any {
	m := s.resolve(ctx, v, depth)
	if !isActivity(m) || depth >= s.parser.maxDepth {
		return m
	}
	if _, ok := m["object"].(string); !ok {
		return m
	}
	out := copyMap(m)
	if inner := s.resolveObject(ctx, m["object"], depth+1); inner != nil {
		out["object"] = inner
	}
	return out
}

func (s *session) fetch(ctx context.Context, id string, depth int) map[string]any {
	stub := map[string]any{"id": id}
	if !isURL(id) || s.parser.resolver == nil {
		return stub
	}
	if m, ok := s.memo[id]; ok {
		return m
	}
	if depth > s.parser.maxDepth || s.visiting[id] {
		return stub
	}
	s.visiting[id] = true
	defer delete(s.visiting, id)

	m, err := s.parser.resolver.Resolve(ctx, id)
	if err != nil || m == nil {
		s.parser.log.Debug().Err(err).Str("id", id).Msg("Document: reference not resolved")
		s.memo[id] = stub
		return stub
	}
	s.memo[id] = m
	return m
}
