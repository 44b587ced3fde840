package web

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/deemkeen/fedhub/activitypub"
	"github.com/deemkeen/fedhub/domain"
	"github.com/gin-gonic/gin"
)

const outboxPageSize = 20

// Outbox returns the channel's public posts as an OrderedCollection, or one
// page of it when page > 0.
func (s *Server) Outbox(ch *domain.Channel, page int) (map[string]any, error) {
	outboxURL := activitypub.IRI(s.baseURL, ch.Address, activitypub.IRIOutbox)

	if page == 0 {
		total, err := s.db.CountOutboxItems(ch.Id)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"@context":   "https://www.w3.org/ns/activitystreams",
			"id":         outboxURL,
			"type":       "OrderedCollection",
			"totalItems": total,
			"first":      fmt.Sprintf("%s?page=1", outboxURL),
		}, nil
	}

	// one extra row tells us whether a next page exists
	items, err := s.db.ReadOutboxItems(ch.Id, outboxPageSize+1, (page-1)*outboxPageSize)
	if err != nil {
		return nil, err
	}
	hasMore := len(items) > outboxPageSize
	if hasMore {
		items = items[:outboxPageSize]
	}

	activities := make([]any, 0, len(items))
	for i := range items {
		activity := s.translator.Encode(&items[i])
		delete(activity, "@context")
		activities = append(activities, activity)
	}

	collectionPage := map[string]any{
		"@context":     "https://www.w3.org/ns/activitystreams",
		"id":           fmt.Sprintf("%s?page=%d", outboxURL, page),
		"type":         "OrderedCollectionPage",
		"partOf":       outboxURL,
		"orderedItems": activities,
	}
	if hasMore {
		collectionPage["next"] = fmt.Sprintf("%s?page=%d", outboxURL, page+1)
	}
	if page > 1 {
		collectionPage["prev"] = fmt.Sprintf("%s?page=%d", outboxURL, page-1)
	}
	return collectionPage, nil
}

func (s *Server) handleOutbox(c *gin.Context) {
	ch, err := s.db.ReadChannelByAddress(c.Param("nick"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such channel"})
		return
	}
	collection, err := s.Outbox(ch, ParsePageParam(c.Query("page")))
	if err != nil {
		s.log.Error().Err(err).Str("channel", ch.Address).Msg("Outbox: failed to read items")
		c.Status(http.StatusInternalServerError)
		return
	}
	s.signedJSON(c, ch, activitypub.ContentTypeActivity, collection)
}

// ParsePageParam extracts the page parameter from a query string
func ParsePageParam(pageStr string) int {
	if pageStr == "" {
		return 0
	}
	page, err := strconv.Atoi(pageStr)
	if err != nil || page < 0 {
		return 0
	}
	return page
}
