package web

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/deemkeen/fedhub/activitypub"
	"github.com/deemkeen/fedhub/directory"
	"github.com/gin-gonic/gin"
)

type Link struct {
	Rel  string `json:"rel"`
	Type string `json:"type,omitempty"`
	Href string `json:"href"`
}

type WebfingerResponse struct {
	Subject string   `json:"subject"`
	Aliases []string `json:"aliases,omitempty"`
	Links   []Link   `json:"links"`
}

func marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// GetWebfinger resolves acct:nick@domain or a channel URL to its links.
func (s *Server) GetWebfinger(resource string) (*WebfingerResponse, error) {
	var nick string
	if strings.HasPrefix(resource, "acct:") {
		nick = strings.TrimPrefix(strings.TrimPrefix(resource, "acct:"), "@")
		nick = strings.TrimSuffix(nick, "@"+s.domain)
	} else {
		ch, err := s.localChannel(resource)
		if err != nil {
			return nil, err
		}
		nick = ch.Address
	}
	ch, err := s.db.ReadChannelByAddress(nick)
	if err != nil {
		return nil, err
	}
	id := activitypub.IRI(s.baseURL, ch.Address, activitypub.IRIId)
	return &WebfingerResponse{
		Subject: "acct:" + ch.Address + "@" + s.domain,
		Aliases: []string{id},
		Links: []Link{
			{Rel: directory.RelSelf, Type: activitypub.ContentTypeActivity, Href: id},
			{Rel: directory.RelZot6, Type: ContentTypeZot, Href: s.baseURL + "/discover/" + ch.Address},
			{Rel: "http://schemas.google.com/g/2010#updates-from", Type: "application/rss+xml", Href: activitypub.IRI(s.baseURL, ch.Address, activitypub.IRIFeed)},
		},
	}, nil
}

func GetWebFingerNotFound() string {
	return `{"detail":"Not Found"}`
}

func (s *Server) handleWebfinger(c *gin.Context) {
	c.Header("Content-Type", "application/jrd+json; charset=utf-8")
	resource := c.Query("resource")
	if resource == "" {
		c.String(http.StatusBadRequest, GetWebFingerNotFound())
		return
	}
	resp, err := s.GetWebfinger(resource)
	if err != nil {
		c.String(http.StatusNotFound, GetWebFingerNotFound())
		return
	}
	c.JSON(http.StatusOK, resp)
}
