package web

import (
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/deemkeen/fedhub/activitypub"
	"github.com/deemkeen/fedhub/directory"
	"github.com/deemkeen/fedhub/domain"
	"github.com/deemkeen/fedhub/queue"
	"github.com/deemkeen/fedhub/zot"
	"github.com/gin-gonic/gin"
)

func zotAlgorithm(offered []string) string {
	if alg := zot.NegotiateAlgorithm(offered); alg != "" {
		return alg
	}
	return zot.AlgSHA256
}

// handleZot accepts site-to-site envelopes. The transport signature must belong
// to the identity named as the envelope's sender.
func (s *Server) handleZot(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.Status(http.StatusBadRequest)
		return
	}
	ctx := c.Request.Context()
	_, actorURL, err := activitypub.VerifyRequest(c.Request, body, s.dir.KeyLookup(ctx))
	if err != nil {
		s.log.Warn().Err(err).Msg("Zot: rejected unsigned or badly signed envelope")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "signature verification failed"})
		return
	}
	var env zot.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "not an envelope"})
		return
	}
	sender, err := s.dir.LookupActor(ctx, actorURL)
	if err != nil || sender.Hash != env.Sender {
		c.JSON(http.StatusForbidden, gin.H{"error": "sender mismatch"})
		return
	}

	var key *rsa.PrivateKey
	if s.siteSigner != nil {
		key = s.siteSigner.Key
	}
	payload, err := env.Decapsulate(key)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	switch env.Type {
	case zot.TypeActivity:
		var to []*domain.Channel
		for _, hash := range env.Recipients {
			if ch, err := s.db.ReadChannelByHash(hash); err == nil {
				to = append(to, ch)
			}
		}
		if len(env.Recipients) > 0 && len(to) == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "no such recipient"})
			return
		}
		out, err := s.Receive(ctx, actorURL, payload, to)
		s.respond(c, actorURL, out, err)
	case zot.TypeRefresh:
		if s.queue != nil {
			if _, err := s.queue.Enqueue(domain.CmdRefresh, directory.RefreshPayload{Ref: sender.URL}, queue.PriorityNormal); err != nil {
				c.Status(http.StatusInternalServerError)
				return
			}
		}
		c.JSON(http.StatusAccepted, Outcome{Kind: "refresh queued"})
	case zot.TypePurge:
		if err := s.dir.MarkDeleted(ctx, sender.URL); err != nil {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.JSON(http.StatusAccepted, Outcome{Kind: OutcomeActorDeleted})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unsupported envelope type %q", env.Type)})
	}
}
