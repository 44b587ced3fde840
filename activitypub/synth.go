package activitypub

import (
	"fmt"
	"strings"

	"github.com/deemkeen/fedhub/domain"
)

type phrases struct {
	verbs   map[domain.Verb]string
	objects map[domain.ObjectType]string
	format  string // actor, verb phrase, owner, object
}

var responsePhrases = map[string]phrases{
	"en": {
		verbs: map[domain.Verb]string{
			domain.VerbLike:     "likes",
			domain.VerbDislike:  "doesn't like",
			domain.VerbAgree:    "is attending",
			domain.VerbDisagree: "is not attending",
			domain.VerbAbstain:  "might attend",
			domain.VerbAttendNo: "is not attending",
			domain.VerbReact:    "reacted to",
		},
		objects: map[domain.ObjectType]string{
			domain.ObjNote:     "post",
			domain.ObjComment:  "comment",
			domain.ObjArticle:  "article",
			domain.ObjPhoto:    "photo",
			domain.ObjEvent:    "event",
			domain.ObjQuestion: "poll",
		},
		format: "%s %s %s's %s",
	},
	"de": {
		verbs: map[domain.Verb]string{
			domain.VerbLike:     "mag",
			domain.VerbDislike:  "mag nicht",
			domain.VerbAgree:    "nimmt teil an",
			domain.VerbDisagree: "nimmt nicht teil an",
			domain.VerbAbstain:  "nimmt eventuell teil an",
			domain.VerbAttendNo: "nimmt nicht teil an",
			domain.VerbReact:    "reagierte auf",
		},
		objects: map[domain.ObjectType]string{
			domain.ObjNote:     "Beitrag",
			domain.ObjComment:  "Kommentar",
			domain.ObjArticle:  "Artikel",
			domain.ObjPhoto:    "Foto",
			domain.ObjEvent:    "Termin",
			domain.ObjQuestion: "Umfrage",
		},
		format: "%s %s %ss %s",
	},
}

// Party is an actor named in a synthesized body.
type Party struct {
	Name string
	URL  string
}

func (p Party) link() string {
	name := p.Name
	if name == "" {
		name = p.URL
	}
	if p.URL == "" {
		return name
	}
	return "[url=" + p.URL + "]" + name + "[/url]"
}

// SynthesizeResponse writes the human readable body of a response activity,
// such as "[url=..]Alice[/url] likes [url=..]Bob[/url]'s [url=..]post[/url]".
// Unknown languages fall back to English.
func SynthesizeResponse(lang string, verb domain.Verb, actor, owner Party, objType domain.ObjectType, objURL string) string {
	ph, ok := responsePhrases[strings.ToLower(baseLanguage(lang))]
	if !ok {
		ph = responsePhrases["en"]
	}
	verbPhrase, ok := ph.verbs[verb]
	if !ok {
		verbPhrase = responsePhrases["en"].verbs[domain.VerbLike]
	}
	object, ok := ph.objects[objType]
	if !ok {
		object = ph.objects[domain.ObjNote]
	}
	if objURL != "" {
		object = "[url=" + objURL + "]" + object + "[/url]"
	}
	return fmt.Sprintf(ph.format, actor.link(), verbPhrase, owner.link(), object)
}

func baseLanguage(lang string) string {
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		return lang[:i]
	}
	return lang
}
