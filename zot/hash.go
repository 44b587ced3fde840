// Package zot implements the identity primitives shared by the discovery and
// delivery protocols: portable identity hashes, algorithm tagged channel
// signatures, key encodings and the transport envelope.
package zot

import (
	"encoding/base64"

	"golang.org/x/crypto/blake2b"
)

// PortableHash derives the identity hash from a declared guid and public key.
// It is never taken from the wire.
func PortableHash(guid, publicKey string) string {
	sum := blake2b.Sum512([]byte(guid + publicKey))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
