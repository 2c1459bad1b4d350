package oauth

import (
	"net/http"
	"strings"
)

// BearerChallenge is the parsed Bearer challenge of a WWW-Authenticate header.
type BearerChallenge struct {
	// ResourceMetadata is the RFC 9728 resource_metadata URL.
	ResourceMetadata string
	Realm            string
	Scope            string
	Error            string
}

// ParseBearerChallenge returns the first Bearer challenge across all
// WWW-Authenticate values, or nil.
func ParseBearerChallenge(h http.Header) *BearerChallenge {
	for _, v := range h.Values("WWW-Authenticate") {
		for _, ch := range parseChallenges(v) {
			if !strings.EqualFold(ch.scheme, "bearer") {
				continue
			}
			return &BearerChallenge{
				ResourceMetadata: ch.params["resource_metadata"],
				Realm:            ch.params["realm"],
				Scope:            ch.params["scope"],
				Error:            ch.params["error"],
			}
		}
	}
	return nil
}

type challenge struct {
	scheme string
	params map[string]string
}

// parseChallenges splits a header value into challenges. A challenge starts
// at a bare token that is not followed by '='; every key=value pair after
// it (quoted values may contain commas) belongs to it.
func parseChallenges(v string) []challenge {
	var out []challenge
	sc := headerScanner{s: v}
	for {
		tok, ok := sc.token()
		if !ok {
			break
		}
		if sc.peek() == '=' {
			sc.pos++
			val := sc.value()
			if len(out) > 0 {
				out[len(out)-1].params[strings.ToLower(tok)] = val
			}
			continue
		}
		out = append(out, challenge{scheme: tok, params: map[string]string{}})
	}
	return out
}

type headerScanner struct {
	s   string
	pos int
}

func (sc *headerScanner) skipSeparators() {
	for sc.pos < len(sc.s) && strings.IndexByte(" \t,", sc.s[sc.pos]) >= 0 {
		sc.pos++
	}
}

func (sc *headerScanner) peek() byte {
	for sc.pos < len(sc.s) && (sc.s[sc.pos] == ' ' || sc.s[sc.pos] == '\t') {
		sc.pos++
	}
	if sc.pos >= len(sc.s) {
		return 0
	}
	return sc.s[sc.pos]
}

// token reads the next token, skipping any characters that cannot start one
// (such as token68 padding).
func (sc *headerScanner) token() (string, bool) {
	for {
		sc.skipSeparators()
		if sc.pos >= len(sc.s) {
			return "", false
		}
		start := sc.pos
		for sc.pos < len(sc.s) && isTokenChar(sc.s[sc.pos]) {
			sc.pos++
		}
		if sc.pos > start {
			return sc.s[start:sc.pos], true
		}
		sc.pos++
	}
}

func (sc *headerScanner) value() string {
	if sc.peek() != '"' {
		start := sc.pos
		for sc.pos < len(sc.s) && isTokenChar(sc.s[sc.pos]) {
			sc.pos++
		}
		return sc.s[start:sc.pos]
	}

	sc.pos++
	var b strings.Builder
	for sc.pos < len(sc.s) {
		c := sc.s[sc.pos]
		switch {
		case c == '\\' && sc.pos+1 < len(sc.s):
			b.WriteByte(sc.s[sc.pos+1])
			sc.pos += 2
		case c == '"':
			sc.pos++
			return b.String()
		default:
			b.WriteByte(c)
			sc.pos++
		}
	}
	return b.String()
}

// isTokenChar reports whether c is an RFC 7230 tchar. '/' and ':' are
// accepted so that unquoted URLs survive.
func isTokenChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	}
	return strings.IndexByte("!#$%&'*+-.^_`|~/:", c) >= 0
}
