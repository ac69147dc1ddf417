// Package policy masks credentials before they reach logs or API responses.
package policy

import (
	"net/url"
	"regexp"
	"strings"
)

var (
	bearerPattern = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/\-]+=*`)
	// 64 hex digits is the shape of a request signature.
	signPattern  = regexp.MustCompile(`\b[0-9a-fA-F]{64}\b`)
	tokenPattern = regexp.MustCompile(`(?i)("?(?:ephemeraltoken|token|sign|secret|authorization)"?\s*[:=]\s*"?)([^"&,\s}]+)`)
)

// sensitiveParams are query keys whose values are masked by RedactURL.
var sensitiveParams = map[string]bool{
	"token":         true,
	"access_token":  true,
	"sign":          true,
	"signature":     true,
	"authorization": true,
	"secret":        true,
}

// RedactSecrets masks bearer tokens, signatures and token-like fields.
func RedactSecrets(input string) (redacted string, changed bool) {
	out := input

	next := bearerPattern.ReplaceAllString(out, "Bearer [REDACTED_TOKEN]")
	changed = changed || next != out
	out = next

	next = tokenPattern.ReplaceAllString(out, "${1}[REDACTED]")
	changed = changed || next != out
	out = next

	next = signPattern.ReplaceAllString(out, "[REDACTED_SIGN]")
	changed = changed || next != out
	out = next

	return out, changed
}

// RedactURL masks sensitive query values and any userinfo password in raw.
// Unparseable input goes through RedactSecrets instead.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		out, _ := RedactSecrets(raw)
		return out
	}
	if u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), "REDACTED")
		}
	}
	if u.RawQuery != "" {
		q := u.Query()
		for key := range q {
			if sensitiveParams[strings.ToLower(key)] {
				q.Set(key, "REDACTED")
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String()
}
