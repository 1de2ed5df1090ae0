// utils/refcode.go
package utils

import (
	"strings"

	"github.com/google/uuid"
	"github.com/gosimple/slug"
)

// NewReferralCode builds a shareable code from the member's display name
// plus a short random suffix, e.g. "jane-doe-4f2a91". The suffix keeps
// codes unique across members with the same name; the slug keeps them
// URL- and human-friendly.
func NewReferralCode(displayName string) string {
	base := slug.Make(displayName)
	if base == "" {
		base = "member"
	}
	if len(base) > 24 {
		base = base[:24]
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	return base + "-" + suffix
}
