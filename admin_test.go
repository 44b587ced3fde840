package main

import (
	"testing"

	"github.com/deemkeen/fedhub/directory"
	"github.com/deemkeen/fedhub/zot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewChannelIsSelfSigned(t *testing.T) {
	channelKeyBits = 2048

	ch, err := newChannel("https://hub.example", "alice", "")
	require.NoError(t, err)
	assert.Equal(t, "https://hub.example/channel/alice", ch.Guid)
	assert.Equal(t, "alice", ch.Name)
	assert.Equal(t, zot.PortableHash(ch.Guid, ch.PublicKey), ch.Hash)

	pub, err := zot.ParsePublicKey(ch.PublicKey)
	require.NoError(t, err)
	assert.True(t, zot.Verify(directory.SelfSignedData(ch.Guid, ch.PublicKey), ch.GuidSig, pub))
}
