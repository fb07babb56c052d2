// Package secret keeps credentials out of logs.
package secret

import (
	"net/url"
	"strings"
)

// Mask hides most of s. Short values are fully masked; longer ones keep
// their first and last characters so operators can tell them apart.
func Mask(s string) string {
	n := len(s)
	switch {
	case n == 0:
		return ""
	case n <= 5:
		return strings.Repeat("*", n)
	case n <= 20:
		return s[:1] + strings.Repeat("*", n-2) + s[n-1:]
	default:
		return s[:3] + strings.Repeat("*", n-4) + s[n-1:]
	}
}

// RedactURL masks the password of a connection URL such as
// redis://:pass@host:6379/0. Values that do not parse as URLs with
// credentials are returned unchanged.
func RedactURL(raw string) string {
	if !strings.Contains(raw, "://") {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	pass, ok := u.User.Password()
	if !ok {
		return raw
	}
	if r := strings.Replace(raw, ":"+pass+"@", ":"+Mask(pass)+"@", 1); r != raw {
		return r
	}
	return u.Redacted()
}
