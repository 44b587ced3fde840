package directory

import (
	"crypto/rsa"
	"fmt"
	"strings"

	"github.com/deemkeen/fedhub/activitypub"
	"github.com/deemkeen/fedhub/domain"
	"github.com/deemkeen/fedhub/zot"
)

// DiscoveryRecord is what a hub's discovery endpoint returns for one of its channels.
type DiscoveryRecord struct {
	Hash        string              `json:"id"`
	Guid        string              `json:"guid"`
	GuidSig     string              `json:"guid_sig"`
	PublicKey   string              `json:"public_key"`
	Address     string              `json:"address"`
	Name        string              `json:"name"`
	URL         string              `json:"url"`
	Photo       string              `json:"photo,omitempty"`
	PhotoMime   string              `json:"photo_mime,omitempty"`
	EdKeys      []string            `json:"ed_keys,omitempty"`
	Protocols   []string            `json:"protocols,omitempty"`
	Signing     []string            `json:"signing,omitempty"`
	Locations   []Location          `json:"locations"`
	Permissions []domain.Capability `json:"permissions,omitempty"`
	Deleted     bool                `json:"deleted,omitempty"`
}

// Location is one signed hub location in a discovery record.
type Location struct {
	Host     string `json:"host"`
	Address  string `json:"address"`
	URL      string `json:"url"`
	URLSig   string `json:"url_sig"`
	Callback string `json:"callback"`
	IdURL    string `json:"id_url"`
	SiteID   string `json:"site_id,omitempty"`
	Sitekey  string `json:"sitekey,omitempty"`
	Primary  bool   `json:"primary"`
	Deleted  bool   `json:"deleted,omitempty"`
}

// SelfSignedData is what a channel signs to prove it controls its guid.
func SelfSignedData(guid, publicKey string) []byte {
	return []byte(guid + publicKey)
}

// verify checks the record's self signature and returns its key and locally computed hash.
func (rec *DiscoveryRecord) verify() (*rsa.PublicKey, string, error) {
	if rec.Guid == "" || rec.PublicKey == "" {
		return nil, "", fmt.Errorf("%w: record without guid or key", domain.ErrInvalidDocument)
	}
	pub, err := zot.ParsePublicKey(rec.PublicKey)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", domain.ErrInvalidDocument, err)
	}
	if !zot.Verify(SelfSignedData(rec.Guid, rec.PublicKey), rec.GuidSig, pub) {
		return nil, "", fmt.Errorf("%w: guid signature of %s", domain.ErrSignature, rec.Guid)
	}
	return pub, zot.PortableHash(rec.Guid, rec.PublicKey), nil
}

// verifiedLocations drops every location whose url signature does not check out.
func (rec *DiscoveryRecord) verifiedLocations(pub *rsa.PublicKey) (ok []Location, rejected int) {
	for _, loc := range rec.Locations {
		if loc.URL != "" && zot.Verify([]byte(loc.URL), loc.URLSig, pub) {
			ok = append(ok, loc)
		} else {
			rejected++
		}
	}
	return ok, rejected
}

// BuildRecord renders a local channel as a signed discovery record.
func BuildRecord(ch *domain.Channel, baseURL, alg string, perms []domain.Capability) (*DiscoveryRecord, error) {
	key, err := zot.ParsePrivateKey(ch.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	if alg == "" {
		alg = zot.AlgSHA256
	}
	baseURL = strings.TrimRight(baseURL, "/")
	urlSig, err := zot.Sign([]byte(baseURL), key, alg)
	if err != nil {
		return nil, err
	}
	guidSig := ch.GuidSig
	if guidSig == "" {
		if guidSig, err = zot.Sign(SelfSignedData(ch.Guid, ch.PublicKey), key, alg); err != nil {
			return nil, err
		}
	}
	host := strings.TrimPrefix(strings.TrimPrefix(baseURL, "https://"), "http://")
	actorURL := activitypub.IRI(baseURL, ch.Address, activitypub.IRIId)
	return &DiscoveryRecord{
		Hash:      ch.Hash,
		Guid:      ch.Guid,
		GuidSig:   guidSig,
		PublicKey: ch.PublicKey,
		Address:   ch.Address + "@" + host,
		Name:      ch.Name,
		URL:       actorURL,
		Protocols: []string{domain.NetworkZot, domain.NetworkActivityPub},
		Signing:   zot.SupportedAlgorithms,
		Locations: []Location{{
			Host:     host,
			Address:  ch.Address + "@" + host,
			URL:      baseURL,
			URLSig:   urlSig,
			Callback: activitypub.IRI(baseURL, ch.Address, activitypub.IRIInbox),
			IdURL:    baseURL + "/discover/" + ch.Address,
			Primary:  true,
		}},
		Permissions: perms,
	}, nil
}
