package blobstore

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	maxSanitizedName = 100
	keyNonceLen      = 12
)

var unsafeKeyChars = regexp.MustCompile(`[^a-zA-Z0-9.]`)

// SanitizeName replaces every character outside [A-Za-z0-9.] with '_'. Long
// names keep their last 100 characters so the extension survives.
func SanitizeName(name string) string {
	s := unsafeKeyChars.ReplaceAllString(name, "_")
	if len(s) > maxSanitizedName {
		s = s[len(s)-maxSanitizedName:]
	}
	return s
}

// NewKey builds "file_<unixmillis>_<nonce>_<sanitized name>". The nonce is 48
// random bits from a v4 UUID, so keys minted by separate processes in the
// same millisecond do not collide.
func NewKey(now time.Time, originalName string) string {
	nonce := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "file_" + strconv.FormatInt(now.UnixMilli(), 10) + "_" +
		nonce[len(nonce)-keyNonceLen:] + "_" + SanitizeName(originalName)
}
