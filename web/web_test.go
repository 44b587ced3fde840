package web

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/deemkeen/fedhub/activitypub"
	"github.com/deemkeen/fedhub/db"
	"github.com/deemkeen/fedhub/delivery"
	"github.com/deemkeen/fedhub/directory"
	"github.com/deemkeen/fedhub/domain"
	"github.com/deemkeen/fedhub/util"
	"github.com/deemkeen/fedhub/zot"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const hubURL = "https://hub.example"

type job struct {
	command string
	payload any
}

type recordingQueue struct {
	mu   sync.Mutex
	jobs []job
}

func (q *recordingQueue) Enqueue(command string, payload any, priority int) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job{command, payload})
	return true, nil
}

func (q *recordingQueue) byCommand(command string) []job {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []job
	for _, j := range q.jobs {
		if j.command == command {
			out = append(out, j)
		}
	}
	return out
}

// remoteActor serves one signed actor document, like a remote ActivityPub server.
type remoteActor struct {
	*httptest.Server
	key *rsa.PrivateKey
	pub string
	// objects are served as plain JSON by path
	objects map[string]map[string]any
}

func newRemoteActor(t *testing.T) *remoteActor {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	ra := &remoteActor{
		key:     key,
		pub:     string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})),
		objects: map[string]map[string]any{},
	}
	ra.Server = httptest.NewServer(http.HandlerFunc(ra.serve))
	t.Cleanup(ra.Close)
	return ra
}

func (ra *remoteActor) id() string {
	return ra.URL + "/users/x"
}

func (ra *remoteActor) signer() activitypub.Signer {
	return activitypub.Signer{KeyId: ra.id() + "#main-key", Key: ra.key}
}

func (ra *remoteActor) serve(w http.ResponseWriter, r *http.Request) {
	if obj, ok := ra.objects[r.URL.Path]; ok {
		w.Header().Set("Content-Type", activitypub.ContentTypeActivity)
		json.NewEncoder(w).Encode(obj)
		return
	}
	if r.URL.Path != "/users/x" {
		http.NotFound(w, r)
		return
	}
	body, _ := json.Marshal(map[string]any{
		"id":                ra.id(),
		"type":              "Person",
		"preferredUsername": "x",
		"name":              "X",
		"inbox":             ra.id() + "/inbox",
		"publicKey": map[string]any{
			"id":           ra.id() + "#main-key",
			"owner":        ra.id(),
			"publicKeyPem": ra.pub,
		},
	})
	w.Header().Set("Content-Type", activitypub.ContentTypeActivity)
	if err := activitypub.SignResponse(w, ra.signer(), body); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Write(body)
}

type fixture struct {
	db      *db.DB
	dir     *directory.Directory
	queue   *recordingQueue
	server  *Server
	handler http.Handler
	siteKey *rsa.PrivateKey
	bob     *domain.Channel
	remote  *remoteActor
}

func setup(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database, err := db.Open(filepath.Join(t.TempDir(), "web.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	f := &fixture{db: database, queue: &recordingQueue{}, remote: newRemoteActor(t)}
	f.siteKey, err = rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	fetcher := activitypub.NewFetcher(5 * time.Second)
	f.dir = directory.New(database, directory.Options{BaseURL: hubURL, Fetcher: fetcher, Queue: f.queue})
	parser := activitypub.NewParser(&activitypub.JSONResolver{Fetcher: fetcher}, activitypub.NewVerifier(f.dir, nil), 0)
	translator := activitypub.NewTranslator(hubURL, "en", f.dir, activitypub.SimpleMarkup{}, util.RealClock{})
	engine := delivery.New(database, delivery.Options{BaseURL: hubURL, Queue: f.queue})

	f.server = NewServer(Options{
		BaseURL:    hubURL,
		DB:         database,
		Directory:  f.dir,
		Engine:     engine,
		Parser:     parser,
		Translator: translator,
		Queue:      f.queue,
		SiteSigner: &activitypub.Signer{KeyId: SiteKeyId(hubURL), Key: f.siteKey},
	})
	f.handler = f.server.Handler()

	keys, err := util.GeneratePemKeypair(2048)
	require.NoError(t, err)
	f.bob = &domain.Channel{
		Hash:       zot.PortableHash(hubURL+"/channel/bob", keys.Public),
		Guid:       hubURL + "/channel/bob",
		Address:    "bob",
		Name:       "Bob",
		PublicKey:  keys.Public,
		PrivateKey: keys.Private,
		PublicCaps: []domain.Capability{domain.CapViewStream},
		AutoAccept: true,
		CreatedAt:  time.Now(),
	}
	require.NoError(t, database.CreateChannel(f.bob))
	return f
}

func (f *fixture) get(path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

// post sends body signed by the remote actor.
func (f *fixture) post(t *testing.T, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", activitypub.ContentTypeActivity)
	require.NoError(t, activitypub.SignRequest(req, f.remote.signer(), body))
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func (f *fixture) remoteHash(t *testing.T) string {
	t.Helper()
	actor, err := f.dir.LookupActor(context.Background(), f.remote.id())
	require.NoError(t, err)
	return actor.Hash
}

func (f *fixture) note(id string) map[string]any {
	return map[string]any{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id":       id + "#create",
		"type":     "Create",
		"actor":    f.remote.id(),
		"object": map[string]any{
			"id":           id,
			"type":         "Note",
			"attributedTo": f.remote.id(),
			"content":      "<p>hello from afar</p>",
			"published":    "2024-06-01T10:00:00Z",
			"to":           []any{activitypub.PublicCollection},
		},
		"to": []any{activitypub.PublicCollection},
	}
}

func TestWebfinger(t *testing.T) {
	f := setup(t)

	w := f.get("/.well-known/webfinger?resource=acct:bob@hub.example")
	require.Equal(t, http.StatusOK, w.Code)
	var resp WebfingerResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "acct:bob@hub.example", resp.Subject)

	rels := map[string]string{}
	for _, l := range resp.Links {
		rels[l.Rel] = l.Href
	}
	assert.Equal(t, hubURL+"/channel/bob", rels[directory.RelSelf])
	assert.Equal(t, hubURL+"/discover/bob", rels[directory.RelZot6])

	byURL := f.get("/.well-known/webfinger?resource=" + hubURL + "/channel/bob")
	assert.Equal(t, http.StatusOK, byURL.Code)

	missing := f.get("/.well-known/webfinger?resource=acct:nobody@hub.example")
	assert.Equal(t, http.StatusNotFound, missing.Code)
	assert.Equal(t, http.StatusBadRequest, f.get("/.well-known/webfinger").Code)
}

func TestActorDocumentIsSigned(t *testing.T) {
	f := setup(t)

	w := f.get("/channel/bob")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("Signature"))
	assert.Equal(t, activitypub.Digest(w.Body.Bytes()), w.Header().Get("Digest"))

	var actor map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &actor))
	assert.Equal(t, hubURL+"/channel/bob", actor["id"])

	assert.Equal(t, http.StatusNotFound, f.get("/channel/nobody").Code)
}

func TestDiscoveryRecordCarriesValidSignatures(t *testing.T) {
	f := setup(t)

	req := httptest.NewRequest(http.MethodGet, "/discover/bob", nil)
	req.Header.Set("X-Zot-Signing", "rsa-sha512,rsa-sha256")
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, ContentTypeZot, w.Header().Get("Content-Type"))

	var rec directory.DiscoveryRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	pub, err := zot.ParsePublicKey(rec.PublicKey)
	require.NoError(t, err)
	assert.True(t, zot.Verify(directory.SelfSignedData(rec.Guid, rec.PublicKey), rec.GuidSig, pub))
	require.Len(t, rec.Locations, 1)
	assert.True(t, zot.Verify([]byte(hubURL), rec.Locations[0].URLSig, pub))
	assert.Equal(t, f.bob.Hash, rec.Hash)
}

func TestInboxRejectsUnsignedRequest(t *testing.T) {
	f := setup(t)
	body, _ := json.Marshal(f.note("https://elsewhere.example/notes/1"))

	req := httptest.NewRequest(http.MethodPost, "/inbox", bytes.NewReader(body))
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestFollowIsAutoAccepted(t *testing.T) {
	f := setup(t)
	follow := map[string]any{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id":       f.remote.id() + "/follows/1",
		"type":     "Follow",
		"actor":    f.remote.id(),
		"object":   hubURL + "/channel/bob",
	}
	body, _ := json.Marshal(follow)

	w := f.post(t, "/channel/bob/inbox", body)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	conn, err := f.db.ReadConnection(f.bob.Id, f.remoteHash(t))
	require.NoError(t, err)
	assert.False(t, conn.Pending)
	assert.Equal(t, f.remote.id()+"/follows/1", conn.FollowURI)

	jobs := f.queue.byCommand(domain.CmdDeliver)
	require.Len(t, jobs, 1)
	payload := jobs[0].payload.(delivery.DeliverPayload)
	assert.Equal(t, f.remote.id()+"/inbox", payload.Inbox)
	assert.Contains(t, string(payload.Activity), `"Accept"`)
}

func TestFollowAndAccept(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	actor, err := f.server.Follow(ctx, f.bob, f.remote.id())
	require.NoError(t, err)
	conn, err := f.db.ReadConnection(f.bob.Id, actor.Hash)
	require.NoError(t, err)
	require.NotEmpty(t, conn.FollowURI)

	jobs := f.queue.byCommand(domain.CmdDeliver)
	require.Len(t, jobs, 1)
	payload := jobs[0].payload.(delivery.DeliverPayload)
	assert.Equal(t, conn.FollowURI, payload.Mid)
	assert.Contains(t, string(payload.Activity), `"Follow"`)

	body, _ := json.Marshal(map[string]any{
		"id":    f.remote.id() + "/accepts/1",
		"type":  "Accept",
		"actor": f.remote.id(),
		"object": map[string]any{
			"id":     conn.FollowURI,
			"type":   "Follow",
			"actor":  hubURL + "/channel/bob",
			"object": f.remote.id(),
		},
	})
	w := f.post(t, "/channel/bob/inbox", body)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	conn, err = f.db.ReadConnection(f.bob.Id, actor.Hash)
	require.NoError(t, err)
	assert.ElementsMatch(t, domain.DefaultConnectionCaps, conn.TheirCaps)
}

func TestCreateFromConnectionIsStored(t *testing.T) {
	f := setup(t)
	hash := f.remoteHash(t)
	require.NoError(t, f.db.UpsertConnection(&domain.Connection{ChannelId: f.bob.Id, Hash: hash, Caps: domain.DefaultConnectionCaps}))

	body, _ := json.Marshal(f.note("https://elsewhere.example/notes/2"))
	w := f.post(t, "/inbox", body)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	item, err := f.db.ReadItem(f.bob.Id, "https://elsewhere.example/notes/2")
	require.NoError(t, err)
	assert.Equal(t, hash, item.AuthorHash)
	assert.Contains(t, item.Body, "hello from afar")

	reports, err := f.db.ReadReportsByMid("https://elsewhere.example/notes/2")
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, domain.StatusPosted, reports[0].Status)
}

func TestCreateFromStrangerIsNotStored(t *testing.T) {
	f := setup(t)

	body, _ := json.Marshal(f.note("https://elsewhere.example/notes/3"))
	w := f.post(t, "/channel/bob/inbox", body)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	_, err := f.db.ReadItem(f.bob.Id, "https://elsewhere.example/notes/3")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

// followedVictim is a second remote actor bob follows, whose name others may try to use.
func (f *fixture) followedVictim(t *testing.T) (*remoteActor, string) {
	t.Helper()
	victim := newRemoteActor(t)
	actor, err := f.dir.LookupActor(context.Background(), victim.id())
	require.NoError(t, err)
	require.NoError(t, f.db.UpsertConnection(&domain.Connection{ChannelId: f.bob.Id, Hash: actor.Hash, Caps: domain.DefaultConnectionCaps}))
	return victim, actor.Hash
}

func TestForeignAttributionIsRefused(t *testing.T) {
	f := setup(t)
	victim, _ := f.followedVictim(t)

	mid := f.remote.URL + "/notes/forged"
	create := f.note(mid)
	obj := create["object"].(map[string]any)
	obj["attributedTo"] = victim.id()
	obj["content"] = "<p>words the victim never wrote</p>"
	body, _ := json.Marshal(create)

	w := f.post(t, "/channel/bob/inbox", body)
	assert.Equal(t, http.StatusForbidden, w.Code, w.Body.String())
	_, err := f.db.ReadItem(f.bob.Id, mid)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestForeignAttributionIsTakenFromOrigin(t *testing.T) {
	f := setup(t)
	victim, victimHash := f.followedVictim(t)

	mid := victim.URL + "/notes/1"
	victim.objects["/notes/1"] = map[string]any{
		"id":           mid,
		"type":         "Note",
		"attributedTo": victim.id(),
		"content":      "<p>the words as written</p>",
		"published":    "2024-06-01T09:00:00Z",
		"to":           []any{activitypub.PublicCollection},
	}
	create := f.note(mid)
	obj := create["object"].(map[string]any)
	obj["attributedTo"] = victim.id()
	obj["content"] = "<p>words the victim never wrote</p>"
	body, _ := json.Marshal(create)

	w := f.post(t, "/channel/bob/inbox", body)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	item, err := f.db.ReadItem(f.bob.Id, mid)
	require.NoError(t, err)
	assert.Equal(t, victimHash, item.AuthorHash)
	assert.Contains(t, item.Body, "the words as written")
	assert.NotContains(t, item.Body, "never wrote")
}

func TestForwardWithoutActorSignatureIsRefused(t *testing.T) {
	f := setup(t)
	victim, _ := f.followedVictim(t)

	create := f.note(victim.URL + "/notes/2")
	create["actor"] = victim.id()
	create["object"].(map[string]any)["attributedTo"] = victim.id()
	body, _ := json.Marshal(create)

	w := f.post(t, "/channel/bob/inbox", body)
	assert.Equal(t, http.StatusForbidden, w.Code, w.Body.String())
}

func TestActorDeleteMarksActorDeleted(t *testing.T) {
	f := setup(t)
	f.remoteHash(t)

	body, _ := json.Marshal(map[string]any{
		"id":     f.remote.id() + "#delete",
		"type":   "Delete",
		"actor":  f.remote.id(),
		"object": f.remote.id(),
	})
	w := f.post(t, "/inbox", body)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), OutcomeActorDeleted)

	actor, err := f.db.ReadActorByURL(f.remote.id())
	require.NoError(t, err)
	assert.True(t, actor.Deleted)
}

func publish(t *testing.T, f *fixture, mid, body string) {
	t.Helper()
	now := time.Now()
	_, err := f.db.InsertItem(&domain.Item{
		ChannelId:  f.bob.Id,
		Mid:        mid,
		ParentMid:  mid,
		ThrParent:  mid,
		AuthorHash: f.bob.Hash,
		OwnerHash:  f.bob.Hash,
		AuthorURL:  hubURL + "/channel/bob",
		OwnerURL:   hubURL + "/channel/bob",
		Title:      "News",
		Body:       body,
		Verb:       domain.VerbPost,
		ObjType:    domain.ObjNote,
		Visibility: domain.VisibilityPublic,
		Created:    now,
		Edited:     now,
		Origin:     true,
	})
	require.NoError(t, err)
}

func TestFeedListsPublicPosts(t *testing.T) {
	f := setup(t)
	publish(t, f, hubURL+"/item/1", "first post")

	w := f.get("/feed/bob")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "<rss")
	assert.Contains(t, w.Body.String(), "first post")

	assert.Equal(t, http.StatusNotFound, f.get("/feed/nobody").Code)
}

func TestOutboxCollection(t *testing.T) {
	f := setup(t)
	publish(t, f, hubURL+"/item/1", "first post")
	publish(t, f, hubURL+"/item/2", "second post")

	var collection map[string]any
	w := f.get("/channel/bob/outbox")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &collection))
	assert.Equal(t, "OrderedCollection", collection["type"])
	assert.EqualValues(t, 2, collection["totalItems"])

	var page map[string]any
	w = f.get("/channel/bob/outbox?page=1")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Equal(t, "OrderedCollectionPage", page["type"])
	assert.Len(t, page["orderedItems"], 2)
	assert.Nil(t, page["next"])
}

func TestParsePageParam(t *testing.T) {
	tests := []struct {
		input    string
		expected int
	}{
		{"", 0},
		{"1", 1},
		{"5", 5},
		{"abc", 0},
		{"-1", 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, ParsePageParam(tt.input), "input %q", tt.input)
	}
}

func TestZotEnvelopeIsDelivered(t *testing.T) {
	f := setup(t)
	hash := f.remoteHash(t)
	require.NoError(t, f.db.UpsertConnection(&domain.Connection{ChannelId: f.bob.Id, Hash: hash, Caps: domain.DefaultConnectionCaps}))

	payload, _ := json.Marshal(f.note("https://elsewhere.example/notes/4"))
	env := zot.NewEnvelope(zot.TypeActivity, hash, f.remote.URL, []string{f.bob.Hash})
	require.NoError(t, env.Encapsulate(payload, &f.siteKey.PublicKey))
	body, _ := json.Marshal(env)

	w := f.post(t, "/zot", body)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	_, err := f.db.ReadItem(f.bob.Id, "https://elsewhere.example/notes/4")
	assert.NoError(t, err)
}

func TestZotEnvelopeSenderMustMatchSignature(t *testing.T) {
	f := setup(t)
	f.remoteHash(t)

	env := zot.NewEnvelope(zot.TypeRefresh, "someone-else", f.remote.URL, nil)
	require.NoError(t, env.Encapsulate([]byte(`{}`), nil))
	body, _ := json.Marshal(env)

	w := f.post(t, "/zot", body)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Empty(t, f.queue.byCommand(domain.CmdRefresh))
}

func TestSiteActorPublishesSiteKey(t *testing.T) {
	f := setup(t)
	w := f.get("/actor")
	require.Equal(t, http.StatusOK, w.Code)

	doc, err := activitypub.ParseActorDocument(decode(t, w.Body.Bytes()))
	require.NoError(t, err)
	pub, err := zot.ParsePublicKey(doc.PublicKeyPem)
	require.NoError(t, err)
	assert.True(t, f.siteKey.PublicKey.Equal(pub))
}

func decode(t *testing.T, b []byte) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	return m
}

func TestSiteInfo(t *testing.T) {
	f := setup(t)
	w := f.get("/siteinfo.json")
	require.Equal(t, http.StatusOK, w.Code)
	var info map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.Equal(t, util.Name, info["software"])
	assert.EqualValues(t, 1, info["channels"])
	assert.True(t, strings.HasPrefix(info["url"].(string), "https://"))
}
