package message

import (
	"crypto/rand"
	"strings"

	"github.com/oklog/ulid/v2"
)

// AckPrefix is the reserved namespace of ack tokens.
const AckPrefix = "/_svc_/"

// NewAckToken returns a fresh ack token. The nonce is a ULID drawn from
// crypto/rand so it cannot be guessed by the peer.
func NewAckToken() string {
	id := ulid.MustNew(ulid.Now(), rand.Reader)
	return AckPrefix + id.String()
}

// IsAckToken returns true if v is a string in the ack token namespace.
func IsAckToken(v interface{}) bool {
	s, ok := v.(string)
	return ok && len(s) > len(AckPrefix) && strings.HasPrefix(s, AckPrefix)
}
