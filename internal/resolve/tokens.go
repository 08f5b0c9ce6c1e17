// Package resolve holds the pieces shared by both platform resolver
// families: the search context carried through a walk, token substitution
// (a single substitution function shared across OS-specific resolvers), and
// the Platform variant dispatch.
package resolve

import "strings"

// Tokens is the active substitution table for one directive's expansion:
// $ORIGIN/${ORIGIN} is always the declaring image's directory (bound by the
// caller per-directive, never globally), $LIB depends on the image's
// class, and $PLATFORM is Context.PlatformName (the --platform override, or
// runtime.GOARCH when none is given).
type Tokens struct {
	Origin   string
	Lib      string
	Platform string
}

// Expand substitutes $ORIGIN/${ORIGIN}, $LIB/${LIB}, and
// $PLATFORM/${PLATFORM} in raw. It is the single function both ELF-family
// and (for its token-bearing forms) Mach-O resolvers call, parameterized by
// the active Tokens.
func Expand(raw string, t Tokens) string {
	r := strings.NewReplacer(
		"${ORIGIN}", t.Origin, "$ORIGIN", t.Origin,
		"${LIB}", t.Lib, "$LIB", t.Lib,
		"${PLATFORM}", t.Platform, "$PLATFORM", t.Platform,
	)
	return r.Replace(raw)
}
