package domain

import (
	"time"
)

// ActorStaleAfter is how long a cached actor record is trusted before re-verification.
const ActorStaleAfter = 3 * 24 * time.Hour

const (
	NetworkZot         = "zot6"
	NetworkActivityPub = "activitypub"
)

// Actor is a cached federated identity. Hash is always computed locally from Guid and PublicKey.
type Actor struct {
	Hash      string
	Guid      string
	GuidSig   string
	Address   string
	Name      string
	URL       string
	Inbox     string
	PublicKey string   // RSA PEM
	EdKeys    []string // Ed25519 multibase (z6Mk...) keys
	Protocols []string
	Photo     string
	PhotoMime string
	Network   string
	Deleted   bool
	UpdatedAt time.Time
}

// IsStale reports whether the record should be re-verified.
func (a *Actor) IsStale(now time.Time) bool {
	return now.Sub(a.UpdatedAt) > ActorStaleAfter
}

// HubLocation is one hub a portable identity is reachable at.
type HubLocation struct {
	Id        int64
	Hash      string
	Guid      string
	URL       string // site base URL
	Address   string
	Callback  string // delivery endpoint
	IdURL     string // discovery URL
	SiteID    string
	Sitekey   string
	URLSig    string
	Primary   bool
	Deleted   bool
	UpdatedAt time.Time
}

// Site is a remote hub we have exchanged traffic with.
type Site struct {
	URL         string
	LastContact time.Time
	Dead        bool
}
