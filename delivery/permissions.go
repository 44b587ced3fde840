package delivery

import (
	"strings"

	"github.com/deemkeen/fedhub/db"
	"github.com/deemkeen/fedhub/domain"
)

// Permissions answers whether a local channel grants a capability to a remote identity.
type Permissions interface {
	Allowed(ch *domain.Channel, actorHash string, capability domain.Capability) bool
}

// ConnectionPermissions grants what the channel grants publicly plus what the
// connection record grants. A block overrides public grants.
type ConnectionPermissions struct {
	DB *db.DB
}

func (p ConnectionPermissions) Allowed(ch *domain.Channel, actorHash string, capability domain.Capability) bool {
	if actorHash == "" {
		return false
	}
	conn, err := p.DB.ReadConnection(ch.Id, actorHash)
	if err == nil {
		if conn.Blocked {
			return false
		}
		if conn.Grants(capability) {
			return true
		}
	}
	return ch.GrantsPublicly(capability)
}

// ContentFilter decides whether an item passes a channel's include/exclude rules.
type ContentFilter func(item *domain.Item, include, exclude string) bool

// KeywordFilter matches rules separated by commas or newlines. A rule is a
// keyword, a "#hashtag" or "lang=xx". Any exclude match rejects; when include
// rules exist, one of them must match.
func KeywordFilter(item *domain.Item, include, exclude string) bool {
	for _, rule := range splitRules(exclude) {
		if matchRule(item, rule) {
			return false
		}
	}
	rules := splitRules(include)
	if len(rules) == 0 {
		return true
	}
	for _, rule := range rules {
		if matchRule(item, rule) {
			return true
		}
	}
	return false
}

func splitRules(s string) []string {
	var rules []string
	for _, r := range strings.FieldsFunc(s, func(c rune) bool { return c == ',' || c == '\n' }) {
		if r = strings.TrimSpace(r); r != "" {
			rules = append(rules, strings.ToLower(r))
		}
	}
	return rules
}

func matchRule(item *domain.Item, rule string) bool {
	switch {
	case strings.HasPrefix(rule, "lang="):
		return strings.EqualFold(item.Language, strings.TrimPrefix(rule, "lang="))
	case strings.HasPrefix(rule, "#"):
		tag := strings.TrimPrefix(rule, "#")
		for _, t := range item.Terms {
			if t.Type == domain.TermHashtag && strings.EqualFold(t.Term, tag) {
				return true
			}
		}
		return false
	}
	return strings.Contains(strings.ToLower(item.Title+"\n"+item.Body), rule)
}
