package domain

import (
	"strings"
	"unicode/utf8"
)

// Metadata keys accepted on a subscriber record. Anything else submitted by
// a form is dropped before it reaches storage.
const (
	MetaUTMSource     = "utm_source"
	MetaUTMMedium     = "utm_medium"
	MetaUTMCampaign   = "utm_campaign"
	MetaUTMTerm       = "utm_term"
	MetaUTMContent    = "utm_content"
	MetaReferrer      = "referrer"
	MetaUserAgent     = "user_agent"
	MetaPageURL       = "page_url"
	MetaFormTimestamp = "form_timestamp"
	MetaReason        = "reason"
)

// Length caps, in characters. Source, IP and the denormalised UTM columns
// match the VARCHAR widths of the subscriber table.
const (
	MaxMetadataValueLen = 512
	MaxSourceLen        = 100
	MaxUTMLen           = 255
	MaxIPLen            = 45
)

var metadataKeys = map[string]bool{
	MetaUTMSource:     true,
	MetaUTMMedium:     true,
	MetaUTMCampaign:   true,
	MetaUTMTerm:       true,
	MetaUTMContent:    true,
	MetaReferrer:      true,
	MetaUserAgent:     true,
	MetaPageURL:       true,
	MetaFormTimestamp: true,
	MetaReason:        true,
}

// Metadata is the bounded set of attribution fields stored with a subscriber.
type Metadata map[string]string

// IsMetadataKey reports whether key belongs to the accepted key set.
func IsMetadataKey(key string) bool { return metadataKeys[key] }

// NormalizeMetadata returns a copy of m holding only accepted keys with
// non-empty, trimmed values no longer than MaxMetadataValueLen.
func NormalizeMetadata(m map[string]string) Metadata {
	out := make(Metadata, len(m))
	for k, v := range m {
		k = strings.ToLower(strings.TrimSpace(k))
		if !metadataKeys[k] {
			continue
		}
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out[k] = ClipText(v, MaxMetadataValueLen)
	}
	return out
}

// ClipText returns s with invalid UTF-8 bytes replaced by U+FFFD and cut to
// at most n characters.
func ClipText(s string, n int) string {
	if n <= 0 {
		return ""
	}
	s = strings.ToValidUTF8(s, "\uFFFD")
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
