package domain

import (
	"fmt"
	"time"
)

type Visibility int

const (
	VisibilityPublic Visibility = iota
	VisibilityRestricted
	VisibilityDirect
)

func (v Visibility) String() string {
	switch v {
	case VisibilityPublic:
		return "public"
	case VisibilityDirect:
		return "direct"
	default:
		return "restricted"
	}
}

type TermType string

const (
	TermHashtag  TermType = "hashtag"
	TermMention  TermType = "mention"
	TermCategory TermType = "category"
	TermEmoji    TermType = "emoji"
)

type Term struct {
	Type TermType `json:"type"`
	Term string   `json:"term"`
	URL  string   `json:"url"`
}

type Attachment struct {
	Href      string `json:"href"`
	MediaType string `json:"type"`
	Name      string `json:"name,omitempty"`
}

// Item is the stored content unit. The uniqueness key is (ChannelId, Mid).
type Item struct {
	Id         int64
	Uuid       string
	ChannelId  int64 // owning collection
	Mid        string
	ParentMid  string // thread root, equals Mid for top-level items
	ThrParent  string // immediate parent
	AuthorHash string
	OwnerHash  string
	AuthorURL  string
	OwnerURL   string
	AuthorName string
	Title      string
	Summary    string
	Body       string
	MimeType   string
	Verb       Verb
	ObjType    ObjectType
	Obj        string // serialized object for response activities
	Target     string
	Visibility Visibility
	Language   string
	Created    time.Time
	Edited     time.Time
	Expires    time.Time
	Changed    time.Time

	Attachments []Attachment
	Terms       []Term
	Recipients  []string
	Route       []string // ordered hop list

	Deleted   bool
	Origin    bool // authored on this hub
	Moderated bool
}

func (item *Item) IsTopLevel() bool {
	return item.Mid != "" && item.Mid == item.ParentMid
}

func (item *Item) IsPublic() bool {
	return item.Visibility == VisibilityPublic
}

// LastHop returns the final entry of the delivery route, or "" when no route was recorded.
func (item *Item) LastHop() string {
	if len(item.Route) == 0 {
		return ""
	}
	return item.Route[len(item.Route)-1]
}

// Mentions returns the URLs of mentioned actors.
func (item *Item) Mentions() []string {
	var urls []string
	for _, t := range item.Terms {
		if t.Type == TermMention && t.URL != "" {
			urls = append(urls, t.URL)
		}
	}
	return urls
}

// Clone returns a copy with independent slices, used to fan an item out to several recipients.
func (item *Item) Clone() *Item {
	c := *item
	c.Attachments = append([]Attachment(nil), item.Attachments...)
	c.Terms = append([]Term(nil), item.Terms...)
	c.Recipients = append([]string(nil), item.Recipients...)
	c.Route = append([]string(nil), item.Route...)
	return &c
}

func (item *Item) ToString() string {
	return fmt.Sprintf("\n\tMid: %s \n\tParent: %s \n\tVerb: %s \n\tAuthor: %s)", item.Mid, item.ParentMid, item.Verb, item.AuthorHash)
}
