// Package idgen mints the opaque, dialect-prefixed ids the gateway
// invents on the client-facing side (response ids, tool-use ids,
// streaming item ids) — never ids that cross to the upstream, which
// always uses the upstream's own tool-call ids verbatim.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// New returns prefix followed by 24 lowercase alphanumeric characters,
// matching both the Anthropic id shape (^msg_[a-z0-9]{24}$) and the
// Responses id shape (msg_/fc_/rs_ + 24 random alphanumeric characters).
func New(prefix string) string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	if len(raw) > 24 {
		raw = raw[:24]
	}
	return prefix + raw
}
