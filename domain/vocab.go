package domain

// Verb is the internal activity classification. Values are the legacy namespaced
// identifiers so stored rows stay readable by older tooling.
type Verb string

const (
	VerbUnknown  Verb = ""
	VerbPost     Verb = "http://activitystrea.ms/schema/1.0/post"
	VerbShare    Verb = "http://activitystrea.ms/schema/1.0/share"
	VerbLike     Verb = "http://activitystrea.ms/schema/1.0/like"
	VerbDislike  Verb = "http://purl.org/macgirvin/dfrn/1.0/dislike"
	VerbAgree    Verb = "http://activitystrea.ms/schema/1.0/agree"
	VerbDisagree Verb = "http://activitystrea.ms/schema/1.0/disagree"
	VerbAbstain  Verb = "http://activitystrea.ms/schema/1.0/abstain"
	VerbAttendNo Verb = "http://activitystrea.ms/schema/1.0/attendno"
	VerbUpdate   Verb = "http://activitystrea.ms/schema/1.0/update"
	VerbDelete   Verb = "http://activitystrea.ms/schema/1.0/delete"
	VerbFollow   Verb = "http://activitystrea.ms/schema/1.0/follow"
	VerbUnfollow Verb = "http://ostatus.org/schema/1.0/unfollow"
	VerbReact    Verb = "emojiReaction"
	VerbTag      Verb = "http://activitystrea.ms/schema/1.0/tag"
)

// IsResponse reports whether the verb responds to another item rather than carrying content of its own.
func (v Verb) IsResponse() bool {
	switch v {
	case VerbLike, VerbDislike, VerbAgree, VerbDisagree, VerbAbstain, VerbAttendNo, VerbReact:
		return true
	}
	return false
}

// IsRelationship reports whether the verb manages actor relationships.
func (v Verb) IsRelationship() bool {
	return v == VerbFollow || v == VerbUnfollow
}

func (v Verb) String() string {
	if v == VerbUnknown {
		return "unknown"
	}
	return string(v)
}

// ObjectType is the internal object classification.
type ObjectType string

const (
	ObjUnknown   ObjectType = ""
	ObjNote      ObjectType = "http://activitystrea.ms/schema/1.0/note"
	ObjComment   ObjectType = "http://activitystrea.ms/schema/1.0/comment"
	ObjArticle   ObjectType = "http://activitystrea.ms/schema/1.0/article"
	ObjPhoto     ObjectType = "http://activitystrea.ms/schema/1.0/photo"
	ObjEvent     ObjectType = "http://purl.org/zot/activity/event"
	ObjQuestion  ObjectType = "Question"
	ObjPage      ObjectType = "http://activitystrea.ms/schema/1.0/page"
	ObjPerson    ObjectType = "http://activitystrea.ms/schema/1.0/person"
	ObjGroup     ObjectType = "http://activitystrea.ms/schema/1.0/group"
	ObjTombstone ObjectType = "Tombstone"
	ObjActivity  ObjectType = "http://activitystrea.ms/schema/1.0/activity"
)

// IsActor reports whether the object describes an identity rather than content.
func (o ObjectType) IsActor() bool {
	return o == ObjPerson || o == ObjGroup
}

func (o ObjectType) String() string {
	if o == ObjUnknown {
		return "unknown"
	}
	return string(o)
}
