package activitypub

import "github.com/deemkeen/fedhub/domain"

// Two-way tables between internal verbs/object types and wire types. Lookups
// never fail: unknown internal values encode as Create/Note and unknown wire
// values decode to the Unknown variant.

var verbToActivity = map[domain.Verb]string{
	domain.VerbPost:     "Create",
	domain.VerbUpdate:   "Update",
	domain.VerbDelete:   "Delete",
	domain.VerbShare:    "Announce",
	domain.VerbLike:     "Like",
	domain.VerbDislike:  "Dislike",
	domain.VerbAgree:    "Accept",
	domain.VerbDisagree: "Reject",
	domain.VerbAbstain:  "TentativeAccept",
	domain.VerbAttendNo: "TentativeReject",
	domain.VerbReact:    "EmojiReact",
	domain.VerbFollow:   "Follow",
	domain.VerbUnfollow: "Undo",
	domain.VerbTag:      "Add",
}

var activityToVerb = map[string]domain.Verb{
	"Create":          domain.VerbPost,
	"Update":          domain.VerbUpdate,
	"Delete":          domain.VerbDelete,
	"Announce":        domain.VerbShare,
	"Like":            domain.VerbLike,
	"Dislike":         domain.VerbDislike,
	"Accept":          domain.VerbAgree,
	"Reject":          domain.VerbDisagree,
	"TentativeAccept": domain.VerbAbstain,
	"TentativeReject": domain.VerbAttendNo,
	"EmojiReact":      domain.VerbReact,
	"EmojiReaction":   domain.VerbReact,
	"Follow":          domain.VerbFollow,
	"Add":             domain.VerbTag,
}

var objToType = map[domain.ObjectType]string{
	domain.ObjNote:      "Note",
	domain.ObjComment:   "Note",
	domain.ObjArticle:   "Article",
	domain.ObjPhoto:     "Image",
	domain.ObjEvent:     "Event",
	domain.ObjQuestion:  "Question",
	domain.ObjPage:      "Page",
	domain.ObjPerson:    "Person",
	domain.ObjGroup:     "Group",
	domain.ObjTombstone: "Tombstone",
	domain.ObjActivity:  "Activity",
}

var typeToObj = map[string]domain.ObjectType{
	"Note":         domain.ObjNote,
	"Article":      domain.ObjArticle,
	"Image":        domain.ObjPhoto,
	"Event":        domain.ObjEvent,
	"Question":     domain.ObjQuestion,
	"Page":         domain.ObjPage,
	"Person":       domain.ObjPerson,
	"Service":      domain.ObjPerson,
	"Application":  domain.ObjPerson,
	"Group":        domain.ObjGroup,
	"Organization": domain.ObjGroup,
	"Tombstone":    domain.ObjTombstone,
}

// ActivityType encodes a verb. Unknown verbs encode as Create.
func ActivityType(v domain.Verb) string {
	if t, ok := verbToActivity[v]; ok {
		return t
	}
	return "Create"
}

// VerbFor decodes an activity type.
func VerbFor(activityType string) domain.Verb {
	if v, ok := activityToVerb[activityType]; ok {
		return v
	}
	return domain.VerbUnknown
}

// ObjectTypeName encodes an object type. Unknown types encode as Note.
func ObjectTypeName(o domain.ObjectType) string {
	if t, ok := objToType[o]; ok {
		return t
	}
	return "Note"
}

// ObjectTypeFor decodes an object type. Activities nested as objects decode to ObjActivity.
func ObjectTypeFor(t string) domain.ObjectType {
	if o, ok := typeToObj[t]; ok {
		return o
	}
	if activityTypes[t] {
		return domain.ObjActivity
	}
	return domain.ObjUnknown
}
