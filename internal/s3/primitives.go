package s3

import (
	"strings"
)

// unreservedByte reports whether b is in the RFC-3986 unreserved set that
// uriEncode always passes through unescaped.
func unreservedByte(b byte) bool {
	switch {
	case b >= 'A' && b <= 'Z':
		return true
	case b >= 'a' && b <= 'z':
		return true
	case b >= '0' && b <= '9':
		return true
	case b == '-' || b == '_' || b == '.' || b == '~':
		return true
	default:
		return false
	}
}

const upperHex = "0123456789ABCDEF"

// uriEncode percent-encodes s per the SigV4 canonicalisation rule: the
// RFC-3986 unreserved set passes through, everything else becomes %HH in
// uppercase hex. When encodeSlash is false, '/' also passes through
// unescaped (used for path segments); when true, '/' is encoded like any
// other reserved byte (used for query values).
func uriEncode(s string, encodeSlash bool) string {
	var needsEscape bool
	for i := 0; i < len(s); i++ {
		c := s[i]
		if unreservedByte(c) || (!encodeSlash && c == '/') {
			continue
		}
		needsEscape = true
		break
	}
	if !needsEscape {
		return s
	}

	var b strings.Builder
	b.Grow(len(s) + len(s)/2)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if unreservedByte(c) || (!encodeSlash && c == '/') {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(upperHex[c>>4])
		b.WriteByte(upperHex[c&0x0f])
	}
	return b.String()
}

// canonicalURI normalizes an HTTP request path for SigV4 canonicalisation:
// each segment is URI-encoded with the slash left untouched, and an empty
// path maps to "/".
func canonicalURI(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		segments[i] = uriEncode(seg, true)
	}
	return strings.Join(segments, "/")
}

// canonicalHeaderValue trims a header value and collapses interior runs of
// whitespace to a single space, per the SigV4 canonical-headers rule.
func canonicalHeaderValue(v string) string {
	return strings.Join(strings.Fields(v), " ")
}

// xmlEscape escapes the five XML special characters in s. Used for every
// user-controlled value placed in an XML response body.
func xmlEscape(s string) string {
	var needsEscape bool
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '&', '<', '>', '"', '\'':
			needsEscape = true
		}
		if needsEscape {
			break
		}
	}
	if !needsEscape {
		return s
	}

	var b strings.Builder
	b.Grow(len(s) + 8)
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '&':
			b.WriteString("&amp;")
		case '<':
			b.WriteString("&lt;")
		case '>':
			b.WriteString("&gt;")
		case '"':
			b.WriteString("&quot;")
		case '\'':
			b.WriteString("&apos;")
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// queryToken splits a raw (undecoded) query string on '&' into its
// constituent "name=value" or bare "name" tokens, preserving raw bytes so
// SigV4 canonicalisation sees exactly what the client sent.
func queryTokens(q string) []string {
	if q == "" {
		return nil
	}
	return strings.Split(q, "&")
}

// sortQueryString sorts the raw '&'-separated tokens of q by byte order of
// the whole token (name=value, or bare name) and rejoins them. Empty input
// returns empty output; the operation is idempotent and preserves the
// multiset of tokens.
func sortQueryString(q string) string {
	tokens := queryTokens(q)
	if len(tokens) == 0 {
		return ""
	}
	sorted := make([]string, len(tokens))
	copy(sorted, tokens)
	insertionSortStrings(sorted)
	return strings.Join(sorted, "&")
}

// insertionSortStrings sorts small token slices by byte order without
// pulling in sort.Strings's interface-dispatch overhead; query strings in
// practice carry a handful of parameters.
func insertionSortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// hasQuery reports whether the raw query string q carries a token matching
// name exactly at a token boundary — either "name" or "name=...".
func hasQuery(q, name string) bool {
	for _, tok := range queryTokens(q) {
		key := tok
		if idx := strings.IndexByte(tok, '='); idx >= 0 {
			key = tok[:idx]
		}
		if key == name {
			return true
		}
	}
	return false
}

// getQueryParam returns the value of the first token in q matching name at
// a token boundary. A bare name with no '=' yields an empty value. Absent
// returns ("", false).
func getQueryParam(q, name string) (string, bool) {
	for _, tok := range queryTokens(q) {
		idx := strings.IndexByte(tok, '=')
		var key, val string
		if idx >= 0 {
			key, val = tok[:idx], tok[idx+1:]
		} else {
			key = tok
		}
		if key == name {
			return val, true
		}
	}
	return "", false
}
