package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/deemkeen/fedhub/domain"
	"github.com/deemkeen/fedhub/util"
	"github.com/google/uuid"
)

var (
	// ErrRelationship marks follow/unfollow/accept/reject of an actor. These belong to connection management.
	ErrRelationship = errors.New("relationship activity")
	ErrUnsupported  = errors.New("unsupported activity")
)

var activityContext = []any{
	"https://www.w3.org/ns/activitystreams",
	"https://w3id.org/security/v1",
}

var bbcodeTypes = map[string]bool{
	MimeBBCode:         true,
	"text/x-multicode": true,
	"text/x-bbcode":    true,
}

// IdentityResolver maps actor URLs to cached actors, fetching them when unknown.
type IdentityResolver interface {
	LookupActor(ctx context.Context, url string) (*domain.Actor, error)
}

// Translator maps between stored items and wire activities.
type Translator struct {
	baseURL    string
	language   string
	markup     Markup
	identities IdentityResolver
	clock      util.Clock
}

func NewTranslator(baseURL, language string, identities IdentityResolver, markup Markup, clock util.Clock) *Translator {
	if markup == nil {
		markup = SimpleMarkup{}
	}
	if clock == nil {
		clock = util.RealClock{}
	}
	if language == "" {
		language = "en"
	}
	return &Translator{
		baseURL:    strings.TrimRight(baseURL, "/"),
		language:   language,
		markup:     markup,
		identities: identities,
		clock:      clock,
	}
}

// --- encode ---

// Encode renders an item as an activity. It never fails: unknown verbs and
// object types degrade to Create and Note.
func (t *Translator) Encode(item *domain.Item) map[string]any {
	var activity map[string]any
	switch {
	case item.Deleted && item.Verb.IsResponse():
		undone := item.Clone()
		undone.Deleted = false
		activity = map[string]any{
			"id":     item.Mid + "#undo",
			"type":   "Undo",
			"actor":  item.AuthorURL,
			"object": t.encodeResponse(undone),
		}
	case item.Deleted:
		activity = map[string]any{
			"id":    item.Mid + "#delete",
			"type":  "Delete",
			"actor": item.AuthorURL,
			"object": map[string]any{
				"id":         item.Mid,
				"type":       "Tombstone",
				"formerType": ObjectTypeName(item.ObjType),
				"deleted":    formatTime(t.editedOrNow(item)),
			},
		}
	case item.Verb.IsResponse():
		activity = t.encodeResponse(item)
	case item.Verb == domain.VerbShare:
		activity = map[string]any{
			"id":        item.Mid + "#announce",
			"type":      "Announce",
			"actor":     t.ownerURL(item),
			"object":    t.shareTarget(item),
			"published": formatTime(item.Created),
		}
	default:
		typ := "Create"
		if item.Verb == domain.VerbUpdate || item.Edited.After(item.Created) {
			typ = "Update"
		}
		id := item.Mid + "#activity"
		if typ == "Update" {
			id = fmt.Sprintf("%s#update-%d", item.Mid, item.Edited.Unix())
		}
		activity = map[string]any{
			"id":        id,
			"type":      typ,
			"actor":     item.AuthorURL,
			"object":    t.encodeObject(item),
			"published": formatTime(item.Created),
		}
	}
	activity["@context"] = activityContext
	t.address(activity, item)
	return activity
}

// EncodeJSON is Encode followed by json.Marshal.
func (t *Translator) EncodeJSON(item *domain.Item) ([]byte, error) {
	return json.Marshal(t.Encode(item))
}

func (t *Translator) editedOrNow(item *domain.Item) time.Time {
	if !item.Edited.IsZero() {
		return item.Edited
	}
	return t.clock.Now()
}

func (t *Translator) ownerURL(item *domain.Item) string {
	if item.OwnerURL != "" {
		return item.OwnerURL
	}
	return item.AuthorURL
}

func (t *Translator) shareTarget(item *domain.Item) any {
	var obj map[string]any
	if item.Obj != "" && json.Unmarshal([]byte(item.Obj), &obj) == nil && obj != nil {
		return obj
	}
	return item.ThrParent
}

func (t *Translator) encodeResponse(item *domain.Item) map[string]any {
	target := item.ThrParent
	if target == "" {
		target = item.ParentMid
	}
	activity := map[string]any{
		"id":        item.Mid,
		"type":      ActivityType(item.Verb),
		"actor":     item.AuthorURL,
		"object":    target,
		"published": formatTime(item.Created),
	}
	if item.Verb == domain.VerbReact {
		activity["content"] = item.Body
		if item.Target != "" {
			activity["target"] = item.Target
		} else {
			activity["target"] = t.emojiTarget(item.Body)
		}
	}
	return activity
}

// emojiTarget points a reaction without an explicit target at the emoji's image.
func (t *Translator) emojiTarget(emoji string) map[string]any {
	name := strings.Trim(emoji, ":")
	if name == "" {
		name = "like"
	}
	return map[string]any{
		"type": "Emoji",
		"id":   t.baseURL + "/emoji/" + name,
		"name": ":" + name + ":",
		"icon": map[string]any{
			"type":      "Image",
			"mediaType": "image/png",
			"url":       t.baseURL + "/emoji/" + name + ".png",
		},
	}
}

func (t *Translator) encodeObject(item *domain.Item) map[string]any {
	content := item.Body
	if item.MimeType != MimeHTML {
		content = t.markup.ToHTML(item.Body)
	}
	obj := map[string]any{
		"id":           item.Mid,
		"type":         ObjectTypeName(item.ObjType),
		"attributedTo": item.AuthorURL,
		"content":      content,
		"mediaType":    MimeHTML,
		"published":    formatTime(item.Created),
		"url":          item.Mid,
	}
	if item.MimeType != MimeHTML {
		obj["source"] = map[string]any{"content": item.Body, "mediaType": MimeBBCode}
	}
	if item.Language != "" {
		obj["contentMap"] = map[string]any{item.Language: content}
	}
	if item.Title != "" {
		obj["name"] = item.Title
	}
	if item.Summary != "" {
		obj["summary"] = item.Summary
	}
	if item.Edited.After(item.Created) {
		obj["updated"] = formatTime(item.Edited)
	}
	if !item.IsTopLevel() {
		parent := item.ThrParent
		if parent == "" {
			parent = item.ParentMid
		}
		obj["inReplyTo"] = parent
	}
	if !item.Expires.IsZero() {
		obj["expires"] = formatTime(item.Expires)
	}
	if tags := encodeTags(item.Terms); len(tags) > 0 {
		obj["tag"] = tags
	}
	if len(item.Attachments) > 0 {
		var att []any
		for _, a := range item.Attachments {
			att = append(att, map[string]any{
				"type":      "Document",
				"url":       a.Href,
				"mediaType": a.MediaType,
				"name":      a.Name,
			})
		}
		obj["attachment"] = att
	}
	t.address(obj, item)
	return obj
}

func encodeTags(terms []domain.Term) []any {
	var tags []any
	for _, term := range terms {
		switch term.Type {
		case domain.TermHashtag, domain.TermCategory:
			tags = append(tags, map[string]any{"type": "Hashtag", "name": "#" + strings.TrimPrefix(term.Term, "#"), "href": term.URL})
		case domain.TermMention:
			tags = append(tags, map[string]any{"type": "Mention", "name": "@" + strings.TrimPrefix(term.Term, "@"), "href": term.URL})
		case domain.TermEmoji:
			tags = append(tags, map[string]any{
				"type": "Emoji",
				"name": ":" + strings.Trim(term.Term, ":") + ":",
				"icon": map[string]any{"type": "Image", "url": term.URL},
			})
		}
	}
	return tags
}

// address sets to/cc from the item's visibility.
func (t *Translator) address(m map[string]any, item *domain.Item) {
	mentions := item.Mentions()
	switch item.Visibility {
	case domain.VisibilityPublic:
		m["to"] = []any{PublicCollection}
		cc := []string{t.ownerURL(item) + "/followers"}
		cc = appendUnique(cc, mentions...)
		m["cc"] = toAny(cc)
	default:
		to := appendUnique(nil, item.Recipients...)
		to = appendUnique(to, mentions...)
		m["to"] = toAny(to)
	}
}

func toAny(s []string) []any {
	out := make([]any, 0, len(s))
	for _, v := range s {
		out = append(out, v)
	}
	return out
}

// --- decode ---

// Decode maps a parsed activity onto an item. The same document always yields
// the same (Mid, ParentMid, Verb).
func (t *Translator) Decode(ctx context.Context, doc *Document) (*domain.Item, error) {
	if doc == nil || !doc.IsValid() {
		return nil, domain.ErrInvalidDocument
	}
	if IsRelationship(doc) {
		return nil, ErrRelationship
	}

	verb := VerbFor(doc.Type)
	switch {
	case doc.Type == "Delete":
		return t.decodeDelete(ctx, doc)
	case doc.Type == "Undo":
		return t.decodeUndo(ctx, doc)
	case verb.IsResponse():
		activity := copyMap(doc.Raw)
		activity["object"] = doc.Object
		return t.decodeResponse(ctx, doc, verb, activity)
	case doc.Type == "Create", doc.Type == "Update":
		return t.decodeContent(ctx, doc, domain.VerbPost)
	case doc.Type == "Announce":
		return t.decodeContent(ctx, doc, domain.VerbShare)
	}
	if isContentType(doc.ObjectType()) {
		return t.decodeContent(ctx, doc, domain.VerbPost)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupported, doc.Type)
}

// IsRelationship reports activities that manage actor relationships.
func IsRelationship(doc *Document) bool {
	objType := doc.ObjectType()
	switch doc.Type {
	case "Follow", "Block", "Move":
		return true
	case "Accept", "Reject", "Undo", "TentativeAccept", "TentativeReject":
		return objType == "Follow" || objType == "Block" || IsActorType(objType)
	case "Add", "Remove":
		return IsActorType(objType)
	}
	return false
}

// IsActorUpdate reports a profile update, which refreshes the directory rather than storing an item.
func IsActorUpdate(doc *Document) bool {
	return doc.Type == "Update" && IsActorType(doc.ObjectType())
}

func isContentType(t string) bool {
	o := ObjectTypeFor(t)
	return o != domain.ObjUnknown && o != domain.ObjTombstone && o != domain.ObjActivity && !o.IsActor()
}

func (t *Translator) newItem(doc *Document) *domain.Item {
	return &domain.Item{
		Uuid:       uuid.NewString(),
		Visibility: decodeVisibility(doc),
		Recipients: doc.Recipients,
		Language:   t.language,
		MimeType:   MimeBBCode,
	}
}

func decodeVisibility(doc *Document) domain.Visibility {
	if doc.IsPublic() {
		return domain.VisibilityPublic
	}
	if len(doc.Recipients) == 0 || len(doc.RawRecipients["audience"]) > 0 {
		return domain.VisibilityRestricted
	}
	for _, r := range doc.Recipients {
		if strings.HasSuffix(r, "/followers") || strings.HasSuffix(r, "/members") {
			return domain.VisibilityRestricted
		}
	}
	return domain.VisibilityDirect
}

func (t *Translator) setAuthor(ctx context.Context, item *domain.Item, authorURL, ownerURL string) error {
	author, err := t.lookup(ctx, authorURL)
	if err != nil {
		return fmt.Errorf("unresolvable author %s: %w", authorURL, err)
	}
	item.AuthorHash = author.Hash
	item.AuthorURL = authorURL
	item.AuthorName = author.Name

	if ownerURL == "" || ownerURL == authorURL {
		item.OwnerHash = author.Hash
		item.OwnerURL = authorURL
		return nil
	}
	owner, err := t.lookup(ctx, ownerURL)
	if err != nil {
		return fmt.Errorf("unresolvable owner %s: %w", ownerURL, err)
	}
	item.OwnerHash = owner.Hash
	item.OwnerURL = ownerURL
	return nil
}

func (t *Translator) lookup(ctx context.Context, url string) (*domain.Actor, error) {
	if url == "" {
		return nil, domain.ErrNotFound
	}
	if t.identities == nil {
		return nil, errors.New("no identity resolver")
	}
	return t.identities.LookupActor(ctx, url)
}

func (t *Translator) decodeContent(ctx context.Context, doc *Document, verb domain.Verb) (*domain.Item, error) {
	obj := doc.Object
	item := t.newItem(doc)
	item.Verb = verb
	item.Mid = idOf(obj)
	if item.Mid == "" {
		return nil, fmt.Errorf("%w: object without id", domain.ErrInvalidDocument)
	}

	parent := idOf(obj["inReplyTo"])
	if parent == "" {
		parent = item.Mid
	}
	item.ThrParent = parent
	item.ParentMid = parent

	item.ObjType = ObjectTypeFor(primaryType(obj["type"]))
	if item.ObjType == domain.ObjUnknown {
		item.ObjType = domain.ObjNote
	}
	if !item.IsTopLevel() && item.ObjType == domain.ObjNote {
		item.ObjType = domain.ObjComment
	}

	item.Title = str(obj, "name")
	item.Summary = str(obj, "summary")
	item.Body, item.Language = t.decodeBody(obj)
	item.Created = parseTime(str(obj, "published"))
	if item.Created.IsZero() {
		item.Created = t.clock.Now().UTC()
	}
	item.Edited = parseTime(str(obj, "updated"))
	if item.Edited.IsZero() && doc.Type == "Update" {
		// an edit without a timestamp on the object is dated by the activity
		item.Edited = parseTime(str(doc.Raw, "updated"))
		if item.Edited.IsZero() {
			item.Edited = parseTime(str(doc.Raw, "published"))
		}
		if item.Edited.IsZero() {
			item.Edited = t.clock.Now().UTC()
		}
	}
	if item.Edited.IsZero() {
		item.Edited = item.Created
	}
	item.Expires = parseTime(str(obj, "expires"))
	item.Terms = decodeTags(obj["tag"])
	item.Attachments = decodeAttachments(obj["attachment"])

	authorURL := idOf(obj["attributedTo"])
	if authorURL == "" {
		authorURL = doc.ActorID()
	}
	ownerURL := doc.ActorID()
	if doc.Announcer != nil {
		ownerURL = idOf(doc.Announcer)
	}
	if err := t.setAuthor(ctx, item, authorURL, ownerURL); err != nil {
		return nil, err
	}
	return item, nil
}

// decodeBody prefers an explicit bbcode source over converting HTML.
func (t *Translator) decodeBody(obj map[string]any) (string, string) {
	lang := t.language
	if cm, ok := obj["contentMap"].(map[string]any); ok && len(cm) > 0 {
		keys := make([]string, 0, len(cm))
		for k := range cm {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		lang = keys[0]
	}
	if src, ok := obj["source"].(map[string]any); ok && bbcodeTypes[str(src, "mediaType")] {
		return str(src, "content"), lang
	}
	content := str(obj, "content")
	if content == "" {
		if cm, ok := obj["contentMap"].(map[string]any); ok {
			if s, ok := cm[lang].(string); ok {
				content = s
			}
		}
	}
	return t.markup.FromHTML(content), lang
}

func decodeTags(v any) []domain.Term {
	var terms []domain.Term
	for _, tag := range objects(v) {
		name := str(tag, "name")
		switch str(tag, "type") {
		case "Hashtag":
			terms = append(terms, domain.Term{Type: domain.TermHashtag, Term: strings.TrimPrefix(name, "#"), URL: str(tag, "href")})
		case "Mention":
			terms = append(terms, domain.Term{Type: domain.TermMention, Term: strings.TrimPrefix(name, "@"), URL: str(tag, "href")})
		case "Emoji":
			icon, _ := tag["icon"].(map[string]any)
			terms = append(terms, domain.Term{Type: domain.TermEmoji, Term: strings.Trim(name, ":"), URL: idOf(icon["url"])})
		}
	}
	return terms
}

func decodeAttachments(v any) []domain.Attachment {
	var out []domain.Attachment
	for _, a := range objects(v) {
		href := idOf(a["url"])
		if href == "" {
			href = str(a, "href")
		}
		if href == "" {
			continue
		}
		out = append(out, domain.Attachment{Href: href, MediaType: str(a, "mediaType"), Name: str(a, "name")})
	}
	return out
}

func (t *Translator) decodeResponse(ctx context.Context, doc *Document, verb domain.Verb, activity map[string]any) (*domain.Item, error) {
	var obj map[string]any
	switch o := activity["object"].(type) {
	case map[string]any:
		obj = o
	case string:
		obj = map[string]any{"id": o}
	}
	target := idOf(obj)
	if target == "" {
		return nil, fmt.Errorf("%w: response without object", domain.ErrInvalidDocument)
	}
	item := t.newItem(doc)
	item.Verb = verb
	item.Mid = str(activity, "id")
	if item.Mid == "" {
		return nil, fmt.Errorf("%w: response without id", domain.ErrInvalidDocument)
	}
	item.ThrParent = target
	item.ParentMid = target
	item.ObjType = ObjectTypeFor(primaryType(obj["type"]))
	if item.ObjType == domain.ObjUnknown {
		item.ObjType = domain.ObjNote
	}
	if b, err := json.Marshal(obj); err == nil {
		item.Obj = string(b)
	}
	item.Created = parseTime(str(activity, "published"))
	if item.Created.IsZero() {
		item.Created = t.clock.Now().UTC()
	}
	item.Edited = item.Created

	actorURL := idOf(activity["actor"])
	if actorURL == "" {
		actorURL = doc.ActorID()
	}
	if err := t.setAuthor(ctx, item, actorURL, ""); err != nil {
		return nil, err
	}

	if verb == domain.VerbReact {
		item.Body = str(activity, "content")
		item.Target = idOf(activity["target"])
	}
	if item.Body == "" {
		owner := Party{URL: idOf(obj["attributedTo"])}
		if a, err := t.lookup(ctx, owner.URL); err == nil {
			owner.Name = a.Name
		}
		item.Body = SynthesizeResponse(t.language, verb, Party{Name: item.AuthorName, URL: item.AuthorURL}, owner, item.ObjType, target)
	}
	return item, nil
}

func (t *Translator) decodeDelete(ctx context.Context, doc *Document) (*domain.Item, error) {
	item := t.newItem(doc)
	item.Verb = domain.VerbDelete
	item.Mid = doc.ObjectID()
	if item.Mid == "" {
		return nil, fmt.Errorf("%w: delete without object", domain.ErrInvalidDocument)
	}
	item.ParentMid = item.Mid
	item.ThrParent = item.Mid
	item.ObjType = domain.ObjTombstone
	item.Deleted = true
	item.Edited = parseTime(str(doc.Object, "deleted"))
	if item.Edited.IsZero() {
		item.Edited = t.clock.Now().UTC()
	}
	item.Created = item.Edited
	if err := t.setAuthor(ctx, item, doc.ActorID(), ""); err != nil {
		return nil, err
	}
	return item, nil
}

// decodeUndo handles the undo of a response, which deletes the response item.
func (t *Translator) decodeUndo(ctx context.Context, doc *Document) (*domain.Item, error) {
	inner := doc.Object
	verb := VerbFor(primaryType(inner["type"]))
	if !verb.IsResponse() && verb != domain.VerbShare {
		return nil, fmt.Errorf("%w: Undo of %s", ErrUnsupported, primaryType(inner["type"]))
	}
	if idOf(inner["actor"]) != "" && idOf(inner["actor"]) != doc.ActorID() {
		return nil, fmt.Errorf("%w: undo by a different actor", domain.ErrPermission)
	}
	var item *domain.Item
	var err error
	if verb == domain.VerbShare {
		item = t.newItem(doc)
		item.Verb = verb
		item.Mid = idOf(inner["object"])
		item.ParentMid, item.ThrParent = item.Mid, item.Mid
		err = t.setAuthor(ctx, item, doc.ActorID(), "")
	} else {
		if inner["object"] == nil {
			return nil, fmt.Errorf("%w: undo of unresolvable activity", domain.ErrInvalidDocument)
		}
		item, err = t.decodeResponse(ctx, doc, verb, inner)
	}
	if err != nil {
		return nil, err
	}
	item.Deleted = true
	item.Edited = t.clock.Now().UTC()
	return item, nil
}
