package notify

import (
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/text/unicode/norm"
)

// Identity derives the sender key for a display name under a source app.
// The same pair always yields the same key; the same name under another
// app variant yields a different one.
func Identity(displayName, sourceApp string) string {
	return NormalizeName(displayName) + "#" + AppHash(sourceApp)
}

// NormalizeName applies NFKC, lowercases and collapses whitespace.
func NormalizeName(name string) string {
	name = norm.NFKC.String(name)
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

// AppHash is a stable short hash of a source app identity.
func AppHash(sourceApp string) string {
	return strconv.FormatUint(xxhash.Sum64String(sourceApp), 16)
}
