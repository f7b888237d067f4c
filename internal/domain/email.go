package domain

import (
	"net/mail"
	"strings"
)

// MaxEmailLen is the longest address accepted (RFC 5321 path limit).
const MaxEmailLen = 254

// ValidEmail reports whether s is a bare RFC 5322 addr-spec with a dotted
// domain. Display names ("Bob <bob@x.io>") and whitespace are rejected.
func ValidEmail(s string) bool {
	if s == "" || len(s) > MaxEmailLen || strings.TrimSpace(s) != s {
		return false
	}
	addr, err := mail.ParseAddress(s)
	if err != nil || addr.Address != s || addr.Name != "" {
		return false
	}
	at := strings.LastIndexByte(s, '@')
	if at < 1 || at > 64 {
		return false
	}
	domain := s[at+1:]
	if !strings.Contains(domain, ".") || strings.HasPrefix(domain, ".") || strings.HasSuffix(domain, ".") {
		return false
	}
	if strings.Contains(domain, "..") || strings.HasPrefix(domain, "[") {
		return false
	}
	return true
}
