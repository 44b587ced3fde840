package activitypub

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/deemkeen/fedhub/domain"
	"github.com/deemkeen/fedhub/util"
)

type translatorFixture struct {
	parser     *Parser
	translator *Translator
	actors     *actorTable
}

func newTranslatorFixture(t *testing.T) *translatorFixture {
	t.Helper()
	actors := newActorTable()
	actors.addActor("https://a.example/users/x", "Xavier", "PEM-X")
	actors.addActor("https://b.example/users/y", "Yvonne", "PEM-Y")
	actors.addActor("https://g.example/groups/g", "Group", "PEM-G")
	clock := &util.FixedClock{T: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	return &translatorFixture{
		parser:     NewParser(nil, nil, 0),
		translator: NewTranslator("https://hub.example", "en", actors, nil, clock),
		actors:     actors,
	}
}

func (f *translatorFixture) decode(t *testing.T, raw string) (*domain.Item, error) {
	t.Helper()
	doc, err := f.parser.Parse(context.Background(), []byte(raw))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	return f.translator.Decode(context.Background(), doc)
}

const createNoRecipients = `{
	"id": "https://a.example/item/1#create",
	"type": "Create",
	"actor": "https://a.example/users/x",
	"object": {"id": "https://a.example/item/1", "type": "Note", "content": "hi", "attributedTo": "https://a.example/users/x"}
}`

func TestDecodeCreateWithoutRecipientsIsPrivateTopLevel(t *testing.T) {
	f := newTranslatorFixture(t)
	item, err := f.decode(t, createNoRecipients)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if item.IsPublic() {
		t.Error("Expected private visibility")
	}
	if item.ParentMid != "https://a.example/item/1" || !item.IsTopLevel() {
		t.Errorf("Expected parent == self, got %s", item.ParentMid)
	}
	if item.Body != "hi" {
		t.Errorf("Expected body 'hi', got '%s'", item.Body)
	}
	if item.AuthorHash == "" || item.AuthorHash != item.OwnerHash {
		t.Error("Expected author resolved and owning the item")
	}
}

func TestDecodeCreatePublic(t *testing.T) {
	f := newTranslatorFixture(t)
	item, err := f.decode(t, `{
		"id": "https://a.example/item/1#create",
		"type": "Create",
		"actor": "https://a.example/users/x",
		"to": ["https://www.w3.org/ns/activitystreams#Public"],
		"object": {"id": "https://a.example/item/1", "type": "Note", "content": "hi"}
	}`)
	if err != nil {
		t.Fatal(err)
	}
	if item.Visibility != domain.VisibilityPublic {
		t.Errorf("Expected public visibility, got %s", item.Visibility)
	}
}

func TestDecodeDirect(t *testing.T) {
	f := newTranslatorFixture(t)
	item, err := f.decode(t, `{
		"id": "https://a.example/item/2#create",
		"type": "Create",
		"actor": "https://a.example/users/x",
		"to": ["https://b.example/users/y"],
		"object": {"id": "https://a.example/item/2", "type": "Note", "content": "psst"}
	}`)
	if err != nil {
		t.Fatal(err)
	}
	if item.Visibility != domain.VisibilityDirect {
		t.Errorf("Expected direct visibility, got %s", item.Visibility)
	}
}

func TestDecodeLikeOfTopLevelItem(t *testing.T) {
	f := newTranslatorFixture(t)
	item, err := f.decode(t, `{
		"id": "https://b.example/like/1",
		"type": "Like",
		"actor": "https://b.example/users/y",
		"object": {"id": "https://a.example/item/1", "type": "Note", "attributedTo": "https://a.example/users/x"}
	}`)
	if err != nil {
		t.Fatal(err)
	}
	if item.Verb != domain.VerbLike {
		t.Errorf("Expected like verb, got %s", item.Verb)
	}
	if item.ParentMid != "https://a.example/item/1" {
		t.Errorf("Expected parent to be the liked item, got %s", item.ParentMid)
	}
	if item.Mid != "https://b.example/like/1" {
		t.Errorf("Expected the activity id as mid, got %s", item.Mid)
	}
	if !strings.Contains(item.Body, "Yvonne") || !strings.Contains(item.Body, "likes") || !strings.Contains(item.Body, "Xavier") {
		t.Errorf("Expected synthesized body, got %q", item.Body)
	}
}

func TestDecodeSynthesizesInContentLanguage(t *testing.T) {
	f := newTranslatorFixture(t)
	f.translator = NewTranslator("https://hub.example", "de-AT", f.actors, nil, nil)
	item, err := f.decode(t, `{
		"id": "https://b.example/like/1",
		"type": "Like",
		"actor": "https://b.example/users/y",
		"object": {"id": "https://a.example/item/1", "type": "Note", "attributedTo": "https://a.example/users/x"}
	}`)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(item.Body, " mag ") || !strings.Contains(item.Body, "Beitrag") {
		t.Errorf("Expected German body, got %q", item.Body)
	}
}

func TestDecodeUpdateIsDatedAfterCreation(t *testing.T) {
	f := newTranslatorFixture(t)
	published := time.Date(2024, 4, 1, 8, 0, 0, 0, time.UTC)
	tests := []struct {
		name     string
		object   string // extra object fields
		activity string // extra activity fields
		want     time.Time
	}{
		{"object updated", `, "updated": "2024-04-03T08:00:00Z"`, ``, time.Date(2024, 4, 3, 8, 0, 0, 0, time.UTC)},
		{"activity updated", ``, `"updated": "2024-04-04T08:00:00Z",`, time.Date(2024, 4, 4, 8, 0, 0, 0, time.UTC)},
		{"activity published", ``, `"published": "2024-04-02T08:00:00Z",`, time.Date(2024, 4, 2, 8, 0, 0, 0, time.UTC)},
		{"no timestamp", ``, ``, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item, err := f.decode(t, `{
				"id": "https://a.example/item/1#update",
				"type": "Update",
				"actor": "https://a.example/users/x",
				`+tt.activity+`
				"object": {"id": "https://a.example/item/1", "type": "Note", "content": "edited", "published": "2024-04-01T08:00:00Z"`+tt.object+`}
			}`)
			if err != nil {
				t.Fatal(err)
			}
			if !item.Created.Equal(published) {
				t.Errorf("Expected creation time kept, got %s", item.Created)
			}
			if !item.Edited.Equal(tt.want) {
				t.Errorf("Expected edited %s, got %s", tt.want, item.Edited)
			}
		})
	}
}

func TestDecodeReply(t *testing.T) {
	f := newTranslatorFixture(t)
	item, err := f.decode(t, `{
		"id": "https://b.example/item/5#create",
		"type": "Create",
		"actor": "https://b.example/users/y",
		"object": {
			"id": "https://b.example/item/5",
			"type": "Note",
			"inReplyTo": "https://a.example/item/1",
			"content": "<p>a <strong>reply</strong></p>",
			"published": "2024-04-01T10:00:00Z"
		}
	}`)
	if err != nil {
		t.Fatal(err)
	}
	if item.IsTopLevel() || item.ThrParent != "https://a.example/item/1" {
		t.Errorf("Expected reply to item/1, got %s", item.ThrParent)
	}
	if item.ObjType != domain.ObjComment {
		t.Errorf("Expected comment object type, got %s", item.ObjType)
	}
	if item.Body != "a [b]reply[/b]" {
		t.Errorf("Expected HTML converted to bbcode, got %q", item.Body)
	}
	if !item.Created.Equal(time.Date(2024, 4, 1, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("Unexpected created %s", item.Created)
	}
}

func TestDecodePrefersBBCodeSource(t *testing.T) {
	f := newTranslatorFixture(t)
	item, err := f.decode(t, `{
		"id": "https://a.example/item/3#create",
		"type": "Create",
		"actor": "https://a.example/users/x",
		"object": {
			"id": "https://a.example/item/3",
			"type": "Article",
			"content": "<p>rendered</p>",
			"source": {"content": "[b]original[/b]", "mediaType": "text/bbcode"}
		}
	}`)
	if err != nil {
		t.Fatal(err)
	}
	if item.Body != "[b]original[/b]" {
		t.Errorf("Expected bbcode source, got %q", item.Body)
	}
	if item.ObjType != domain.ObjArticle {
		t.Errorf("Expected article, got %s", item.ObjType)
	}
}

func TestDecodeRejectsRelationshipActivities(t *testing.T) {
	f := newTranslatorFixture(t)
	for _, raw := range []string{
		`{"id": "https://b.example/f/1", "type": "Follow", "actor": "https://b.example/users/y", "object": "https://hub.example/channel/bob"}`,
		`{"id": "https://b.example/u/1", "type": "Undo", "actor": "https://b.example/users/y",
		  "object": {"id": "https://b.example/f/1", "type": "Follow", "actor": "https://b.example/users/y", "object": "https://hub.example/channel/bob"}}`,
		`{"id": "https://b.example/a/1", "type": "Accept", "actor": "https://b.example/users/y",
		  "object": {"id": "https://hub.example/f/1", "type": "Follow", "actor": "https://hub.example/channel/bob", "object": "https://b.example/users/y"}}`,
		`{"id": "https://b.example/r/1", "type": "Reject", "actor": "https://b.example/users/y",
		  "object": {"id": "https://hub.example/channel/bob", "type": "Person"}}`,
	} {
		if _, err := f.decode(t, raw); !errors.Is(err, ErrRelationship) {
			t.Errorf("Expected ErrRelationship, got %v", err)
		}
	}
}

func TestDecodeAcceptOfEventIsAttendance(t *testing.T) {
	f := newTranslatorFixture(t)
	item, err := f.decode(t, `{
		"id": "https://b.example/accept/1",
		"type": "Accept",
		"actor": "https://b.example/users/y",
		"object": {"id": "https://a.example/event/1", "type": "Event", "attributedTo": "https://a.example/users/x"}
	}`)
	if err != nil {
		t.Fatal(err)
	}
	if item.Verb != domain.VerbAgree || item.ObjType != domain.ObjEvent {
		t.Errorf("Expected attendance, got %s %s", item.Verb, item.ObjType)
	}
	if !strings.Contains(item.Body, "is attending") {
		t.Errorf("Unexpected body %q", item.Body)
	}
}

func TestDecodeDelete(t *testing.T) {
	f := newTranslatorFixture(t)
	item, err := f.decode(t, `{
		"id": "https://a.example/item/1#delete",
		"type": "Delete",
		"actor": "https://a.example/users/x",
		"object": {"id": "https://a.example/item/1", "type": "Tombstone"}
	}`)
	if err != nil {
		t.Fatal(err)
	}
	if !item.Deleted || item.Mid != "https://a.example/item/1" || item.Verb != domain.VerbDelete {
		t.Errorf("Unexpected delete item %+v", item)
	}
}

func TestDecodeUndoLike(t *testing.T) {
	f := newTranslatorFixture(t)
	item, err := f.decode(t, `{
		"id": "https://b.example/like/1#undo",
		"type": "Undo",
		"actor": "https://b.example/users/y",
		"object": {"id": "https://b.example/like/1", "type": "Like", "actor": "https://b.example/users/y", "object": "https://a.example/item/1"}
	}`)
	if err != nil {
		t.Fatal(err)
	}
	if !item.Deleted || item.Mid != "https://b.example/like/1" || item.Verb != domain.VerbLike {
		t.Errorf("Unexpected undo item %+v", item)
	}
}

func TestDecodeUnresolvableAuthor(t *testing.T) {
	f := newTranslatorFixture(t)
	_, err := f.decode(t, `{
		"id": "https://z.example/item/1#create",
		"type": "Create",
		"actor": "https://z.example/users/nobody",
		"object": {"id": "https://z.example/item/1", "type": "Note"}
	}`)
	if err == nil {
		t.Error("Expected an error for an unknown author")
	}
}

func TestDecodeAnnouncedCreateIsOwnedByAnnouncer(t *testing.T) {
	f := newTranslatorFixture(t)
	item, err := f.decode(t, `{
		"id": "https://g.example/announce/1",
		"type": "Announce",
		"actor": "https://g.example/groups/g",
		"object": {
			"id": "https://a.example/item/1#create",
			"type": "Create",
			"actor": "https://a.example/users/x",
			"object": {"id": "https://a.example/item/1", "type": "Note", "attributedTo": "https://a.example/users/x"}
		}
	}`)
	if err != nil {
		t.Fatal(err)
	}
	if item.OwnerURL != "https://g.example/groups/g" || item.AuthorURL != "https://a.example/users/x" {
		t.Errorf("Expected group owner and original author, got %s / %s", item.OwnerURL, item.AuthorURL)
	}
}

func TestDecodeDeterministic(t *testing.T) {
	f := newTranslatorFixture(t)
	a, err := f.decode(t, createNoRecipients)
	if err != nil {
		t.Fatal(err)
	}
	b, err := f.decode(t, createNoRecipients)
	if err != nil {
		t.Fatal(err)
	}
	if a.Mid != b.Mid || a.ParentMid != b.ParentMid || a.Verb != b.Verb {
		t.Error("Decoding the same bytes must yield the same (mid, parent, verb)")
	}
}

func testItem() *domain.Item {
	created := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	return &domain.Item{
		Mid:        "https://hub.example/item/abc",
		ParentMid:  "https://hub.example/item/abc",
		ThrParent:  "https://hub.example/item/abc",
		AuthorURL:  "https://hub.example/channel/bob",
		OwnerURL:   "https://hub.example/channel/bob",
		Body:       "[b]hello[/b]",
		MimeType:   MimeBBCode,
		Verb:       domain.VerbPost,
		ObjType:    domain.ObjNote,
		Visibility: domain.VisibilityPublic,
		Created:    created,
		Edited:     created,
		Terms: []domain.Term{
			{Type: domain.TermHashtag, Term: "go", URL: "https://hub.example/search?tag=go"},
			{Type: domain.TermMention, Term: "y@b.example", URL: "https://b.example/users/y"},
		},
	}
}

func TestEncodeCreate(t *testing.T) {
	f := newTranslatorFixture(t)
	act := f.translator.Encode(testItem())

	if act["type"] != "Create" {
		t.Errorf("Expected Create, got %v", act["type"])
	}
	obj := act["object"].(map[string]any)
	if obj["type"] != "Note" || obj["content"] != "<p><strong>hello</strong></p>" {
		t.Errorf("Unexpected object %v", obj)
	}
	if obj["source"].(map[string]any)["content"] != "[b]hello[/b]" {
		t.Error("Expected bbcode source alongside the HTML")
	}
	if _, ok := obj["inReplyTo"]; ok {
		t.Error("Top-level items have no inReplyTo")
	}
	to := act["to"].([]any)
	if len(to) != 1 || to[0] != PublicCollection {
		t.Errorf("Expected public addressing, got %v", to)
	}
	cc := act["cc"].([]any)
	if len(cc) != 2 || cc[1] != "https://b.example/users/y" {
		t.Errorf("Expected followers and mention in cc, got %v", cc)
	}
}

func TestEncodeEditIsUpdate(t *testing.T) {
	f := newTranslatorFixture(t)
	item := testItem()
	item.Edited = item.Created.Add(time.Hour)
	act := f.translator.Encode(item)
	if act["type"] != "Update" {
		t.Errorf("Expected Update, got %v", act["type"])
	}
	if act["object"].(map[string]any)["updated"] == nil {
		t.Error("Expected updated timestamp")
	}
}

func TestEncodeUnknownVerbDegradesToCreateNote(t *testing.T) {
	f := newTranslatorFixture(t)
	item := testItem()
	item.Verb = domain.Verb("http://example.com/verb/unheard-of")
	item.ObjType = domain.ObjectType("http://example.com/type/strange")
	act := f.translator.Encode(item)
	if act["type"] != "Create" {
		t.Errorf("Expected Create, got %v", act["type"])
	}
	if act["object"].(map[string]any)["type"] != "Note" {
		t.Error("Expected Note")
	}
}

func TestEncodeDeletedItemIsTombstone(t *testing.T) {
	f := newTranslatorFixture(t)
	item := testItem()
	item.Deleted = true
	act := f.translator.Encode(item)
	if act["type"] != "Delete" {
		t.Fatalf("Expected Delete, got %v", act["type"])
	}
	obj := act["object"].(map[string]any)
	if obj["type"] != "Tombstone" || obj["formerType"] != "Note" || obj["id"] != item.Mid {
		t.Errorf("Unexpected tombstone %v", obj)
	}
}

func TestEncodeDeletedResponseIsUndo(t *testing.T) {
	f := newTranslatorFixture(t)
	item := testItem()
	item.Mid = "https://hub.example/like/1"
	item.ParentMid = "https://a.example/item/1"
	item.ThrParent = "https://a.example/item/1"
	item.Verb = domain.VerbLike
	item.Deleted = true

	act := f.translator.Encode(item)
	if act["type"] != "Undo" {
		t.Fatalf("Expected Undo, got %v", act["type"])
	}
	inner := act["object"].(map[string]any)
	if inner["type"] != "Like" || inner["object"] != "https://a.example/item/1" {
		t.Errorf("Expected the original Like inside, got %v", inner)
	}
}

func TestEncodeReactionWithoutTarget(t *testing.T) {
	f := newTranslatorFixture(t)
	item := testItem()
	item.Mid = "https://hub.example/react/1"
	item.ThrParent = "https://a.example/item/1"
	item.Verb = domain.VerbReact
	item.Body = ":heart:"

	act := f.translator.Encode(item)
	if act["type"] != "EmojiReact" || act["content"] != ":heart:" {
		t.Fatalf("Unexpected reaction %v", act)
	}
	target, ok := act["target"].(map[string]any)
	if !ok {
		t.Fatal("Expected a synthesized target")
	}
	icon := target["icon"].(map[string]any)
	if icon["url"] != "https://hub.example/emoji/heart.png" {
		t.Errorf("Expected emoji image target, got %v", icon["url"])
	}
}

func TestVocabTables(t *testing.T) {
	if VerbFor("Like") != domain.VerbLike || ActivityType(domain.VerbLike) != "Like" {
		t.Error("Like should map both ways")
	}
	if VerbFor("SomethingNew") != domain.VerbUnknown {
		t.Error("Unknown wire types decode to Unknown")
	}
	if ActivityType(domain.VerbUnknown) != "Create" {
		t.Error("Unknown verbs encode as Create")
	}
	if ObjectTypeFor("Image") != domain.ObjPhoto || ObjectTypeName(domain.ObjPhoto) != "Image" {
		t.Error("Image should map both ways")
	}
	if ObjectTypeFor("Hologram") != domain.ObjUnknown || ObjectTypeName(domain.ObjUnknown) != "Note" {
		t.Error("Unknown object types decode to Unknown and encode as Note")
	}
	if ObjectTypeFor("Create") != domain.ObjActivity {
		t.Error("Activities as objects decode to ObjActivity")
	}
}

func TestSimpleMarkup(t *testing.T) {
	m := SimpleMarkup{}
	html := m.ToHTML("[url=https://x.example]x[/url] and [i]y[/i]\n\nsecond")
	if html != `<p><a href="https://x.example">x</a> and <em>y</em></p><p>second</p>` {
		t.Errorf("Unexpected HTML %s", html)
	}
	bb := m.FromHTML(`<p>see <a href="https://x.example">x</a></p><p>more<br>lines</p>`)
	if bb != "see [url=https://x.example]x[/url]\n\nmore\nlines" {
		t.Errorf("Unexpected bbcode %q", bb)
	}
	if m.ToHTML("<script>") != "<p>&lt;script&gt;</p>" {
		t.Error("Text must be escaped")
	}
}
