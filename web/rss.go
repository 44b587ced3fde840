package web

import (
	"fmt"
	"time"

	"github.com/deemkeen/fedhub/activitypub"
	"github.com/deemkeen/fedhub/db"
	"github.com/gorilla/feeds"
)

const feedSize = 50

// GetRSS renders the public top-level items of a channel.
func GetRSS(database *db.DB, baseURL, nick string) (string, error) {
	ch, err := database.ReadChannelByAddress(nick)
	if err != nil {
		return "", err
	}
	items, err := database.ReadPublicItems(ch.Id, feedSize)
	if err != nil {
		return "", err
	}

	name := ch.Name
	if name == "" {
		name = ch.Address
	}
	feed := &feeds.Feed{
		Title:       fmt.Sprintf("%s - public stream", name),
		Link:        &feeds.Link{Href: activitypub.IRI(baseURL, ch.Address, activitypub.IRIId)},
		Description: fmt.Sprintf("Public posts of %s", name),
		Author:      &feeds.Author{Name: name},
		Created:     ch.CreatedAt,
	}
	markup := activitypub.SimpleMarkup{}
	for _, it := range items {
		title := it.Title
		if title == "" {
			title = it.Created.Format(time.DateTime)
		}
		author := it.AuthorName
		if author == "" {
			author = it.AuthorURL
		}
		feed.Items = append(feed.Items, &feeds.Item{
			Id:      it.Mid,
			Title:   title,
			Link:    &feeds.Link{Href: it.Mid},
			Content: markup.ToHTML(it.Body),
			Author:  &feeds.Author{Name: author},
			Created: it.Created,
			Updated: it.Edited,
		})
		if it.Edited.After(feed.Updated) {
			feed.Updated = it.Edited
		}
	}
	return feed.ToRss()
}
