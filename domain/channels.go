package domain

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Capability is a named permission a local channel grants to a remote actor.
type Capability string

const (
	CapViewStream   Capability = "view_stream"
	CapSendStream   Capability = "send_stream"
	CapPostComments Capability = "post_comments"
	CapPostWall     Capability = "post_wall"
	CapPostMail     Capability = "post_mail"
	CapViewProfile  Capability = "view_profile"
)

// DefaultConnectionCaps is granted when a connection is auto-accepted.
var DefaultConnectionCaps = []Capability{CapViewStream, CapSendStream, CapPostComments, CapViewProfile}

// Channel is a local identity hosted on this hub.
type Channel struct {
	Id             int64
	Hash           string
	Guid           string
	GuidSig        string
	Address        string // nickname part of nick@host
	Name           string
	PublicKey      string
	PrivateKey     string
	PublicCaps     []Capability // granted to everyone, connected or not
	AcceptMentions bool
	Moderated      bool
	AutoAccept     bool
	Firehose       bool // the site's broadcast channel
	FilterInclude  string
	FilterExclude  string
	CreatedAt      time.Time
}

func (ch *Channel) ToString() string {
	return fmt.Sprintf("\n\tId: %d \n\tAddress: %s \n\tHash: %s \n\tCREATED_AT: %s)", ch.Id, ch.Address, ch.Hash, ch.CreatedAt)
}

func (ch *Channel) GrantsPublicly(c Capability) bool {
	return slices.Contains(ch.PublicCaps, c)
}

// Connection is the permission grant record between a local channel and a remote actor.
type Connection struct {
	Id        int64
	ChannelId int64
	Hash      string       // remote actor portable hash
	Caps      []Capability // what we grant them
	TheirCaps []Capability // what they grant us, from their discovery record
	Pending   bool
	Blocked   bool
	FollowURI string
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (c *Connection) Grants(cap Capability) bool {
	if c.Pending || c.Blocked {
		return false
	}
	return slices.Contains(c.Caps, cap)
}

// JoinCaps serializes a capability set for storage.
func JoinCaps(caps []Capability) string {
	s := make([]string, 0, len(caps))
	for _, c := range caps {
		s = append(s, string(c))
	}
	return strings.Join(s, ",")
}

// SplitCaps is the inverse of JoinCaps.
func SplitCaps(s string) []Capability {
	var caps []Capability
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			caps = append(caps, Capability(part))
		}
	}
	return caps
}
