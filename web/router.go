package web

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/deemkeen/fedhub/activitypub"
	"github.com/deemkeen/fedhub/db"
	"github.com/deemkeen/fedhub/delivery"
	"github.com/deemkeen/fedhub/directory"
	"github.com/deemkeen/fedhub/domain"
	"github.com/deemkeen/fedhub/metrics"
	"github.com/deemkeen/fedhub/util"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/render"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	ContentTypeZot = "application/x-zot+json"
	maxBodySize    = 1 * 1024 * 1024
)

type Options struct {
	BaseURL    string
	Domain     string
	DB         *db.DB
	Directory  *directory.Directory
	Engine     *delivery.Engine
	Parser     *activitypub.Parser
	Translator *activitypub.Translator
	Queue      delivery.Enqueuer
	SiteSigner *activitypub.Signer
	// Limit is the per IP request rate of the federation endpoints, zero disables it.
	Limit rate.Limit
	Burst int
}

// Server is the federation HTTP surface.
type Server struct {
	baseURL    string
	domain     string
	db         *db.DB
	dir        *directory.Directory
	engine     *delivery.Engine
	parser     *activitypub.Parser
	translator *activitypub.Translator
	queue      delivery.Enqueuer
	siteSigner *activitypub.Signer
	limit      rate.Limit
	burst      int
	log        zerolog.Logger
}

func NewServer(opts Options) *Server {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if opts.Domain == "" {
		opts.Domain = strings.TrimPrefix(strings.TrimPrefix(baseURL, "https://"), "http://")
	}
	return &Server{
		baseURL:    baseURL,
		domain:     opts.Domain,
		db:         opts.DB,
		dir:        opts.Directory,
		engine:     opts.Engine,
		parser:     opts.Parser,
		translator: opts.Translator,
		queue:      opts.Queue,
		siteSigner: opts.SiteSigner,
		limit:      opts.Limit,
		burst:      opts.Burst,
		log:        util.ComponentLogger("web"),
	}
}

// Handler builds the gin engine with every route.
func (s *Server) Handler() *gin.Engine {
	g := gin.New()
	g.Use(gin.Recovery(), RequestLogger(s.log))
	g.Use(gzip.Gzip(gzip.DefaultCompression))

	fed := []gin.HandlerFunc{MaxBytesMiddleware(maxBodySize)}
	if s.limit > 0 {
		fed = append([]gin.HandlerFunc{RateLimitMiddleware(NewRateLimiter(s.limit, s.burst))}, fed...)
	}

	g.GET("/.well-known/webfinger", s.handleWebfinger)
	g.GET("/channel/:nick", s.handleActor)
	g.GET("/channel/:nick/outbox", s.handleOutbox)
	g.GET("/discover/:nick", s.handleDiscover)
	g.GET("/feed/:nick", s.handleFeed)
	g.GET("/siteinfo.json", s.handleSiteInfo)
	g.GET("/actor", s.handleSiteActor)
	g.GET("/metrics", gin.WrapH(metrics.Handler()))

	chain := func(h gin.HandlerFunc) []gin.HandlerFunc {
		return append(slices.Clone(fed), h)
	}

	g.POST("/inbox", chain(func(c *gin.Context) { s.handleInbox(c, nil) })...)
	g.POST("/channel/:nick/inbox", chain(func(c *gin.Context) {
		ch, err := s.db.ReadChannelByAddress(c.Param("nick"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "no such channel"})
			return
		}
		s.handleInbox(c, []*domain.Channel{ch})
	})...)
	g.POST("/zot", chain(s.handleZot)...)
	return g
}

// Router serves until ctx is cancelled.
func Router(ctx context.Context, addr string, s *Server) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	errs := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("Starting HTTP server")
		errs <- srv.ListenAndServe()
	}()
	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}
	shutdown, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdown); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleActor(c *gin.Context) {
	ch, err := s.db.ReadChannelByAddress(c.Param("nick"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such channel"})
		return
	}
	s.signedJSON(c, ch, activitypub.ContentTypeActivity, activitypub.LocalActor(ch, s.baseURL))
}

// handleDiscover answers with the channel's signed discovery record.
func (s *Server) handleDiscover(c *gin.Context) {
	ch, err := s.db.ReadChannelByAddress(c.Param("nick"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such channel"})
		return
	}
	var offered []string
	if h := c.GetHeader("X-Zot-Signing"); h != "" {
		offered = strings.Split(h, ",")
	}
	rec, err := directory.BuildRecord(ch, s.baseURL, zotAlgorithm(offered), ch.PublicCaps)
	if err != nil {
		s.log.Error().Err(err).Str("channel", ch.Address).Msg("Discovery: failed to build record")
		c.Status(http.StatusInternalServerError)
		return
	}
	s.signedJSON(c, ch, ContentTypeZot, rec)
}

func (s *Server) signedJSON(c *gin.Context, ch *domain.Channel, contentType string, v any) {
	body, err := marshal(v)
	if err != nil {
		c.Status(http.StatusInternalServerError)
		return
	}
	signer, err := activitypub.ChannelSigner(ch, s.baseURL)
	if err != nil {
		s.log.Error().Err(err).Str("channel", ch.Address).Msg("Failed to load channel key")
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Header("Content-Type", contentType)
	if err := activitypub.SignResponse(c.Writer, signer, body); err != nil {
		s.log.Error().Err(err).Str("channel", ch.Address).Msg("Failed to sign response")
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Data(http.StatusOK, contentType, body)
}

func (s *Server) handleFeed(c *gin.Context) {
	rss, err := GetRSS(s.db, s.baseURL, c.Param("nick"))
	if err != nil {
		c.Render(http.StatusNotFound, render.String{Format: ""})
		return
	}
	c.Header("Content-Type", "application/xml; charset=utf-8")
	c.Render(http.StatusOK, render.String{Format: "%s", Data: []any{rss}})
}

func (s *Server) handleSiteInfo(c *gin.Context) {
	actors, err := s.db.CountActors()
	if err != nil {
		c.Status(http.StatusInternalServerError)
		return
	}
	channels, err := s.db.ReadChannels()
	if err != nil {
		c.Status(http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"software":  util.Name,
		"version":   util.GetVersion(),
		"url":       s.baseURL,
		"channels":  len(channels),
		"actors":    actors,
		"protocols": []string{domain.NetworkZot, domain.NetworkActivityPub},
	})
}

// SiteKeyId is the keyId of the hub's own signing key.
func SiteKeyId(baseURL string) string {
	return strings.TrimRight(baseURL, "/") + "/actor#main-key"
}

// handleSiteActor publishes the site key for fetches signed on nobody's behalf.
func (s *Server) handleSiteActor(c *gin.Context) {
	if s.siteSigner == nil || s.siteSigner.Key == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no site key"})
		return
	}
	der, err := x509.MarshalPKIXPublicKey(&s.siteSigner.Key.PublicKey)
	if err != nil {
		c.Status(http.StatusInternalServerError)
		return
	}
	id := s.baseURL + "/actor"
	body, err := marshal(map[string]any{
		"@context":          []any{"https://www.w3.org/ns/activitystreams", "https://w3id.org/security/v1"},
		"id":                id,
		"type":              "Application",
		"preferredUsername": s.domain,
		"inbox":             s.baseURL + "/inbox",
		"publicKey": map[string]any{
			"id":           SiteKeyId(s.baseURL),
			"owner":        id,
			"publicKeyPem": string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})),
		},
	})
	if err != nil {
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Data(http.StatusOK, activitypub.ContentTypeActivity, body)
}

func (s *Server) localChannel(u string) (*domain.Channel, error) {
	prefix := s.baseURL + "/channel/"
	if !strings.HasPrefix(u, prefix) {
		return nil, fmt.Errorf("%w: %s is not local", domain.ErrNotFound, u)
	}
	nick := strings.TrimPrefix(u, prefix)
	if i := strings.IndexAny(nick, "/#?"); i >= 0 {
		nick = nick[:i]
	}
	return s.db.ReadChannelByAddress(nick)
}
