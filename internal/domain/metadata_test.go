package domain

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeMetadata_DropsUnknownKeys(t *testing.T) {
	m := NormalizeMetadata(map[string]string{
		"utm_source": "twitter",
		"UTM_Medium": " social ",
		"password":   "hunter2",
		"page_url":   "",
	})

	assert.Equal(t, Metadata{"utm_source": "twitter", "utm_medium": "social"}, m)
}

func TestNormalizeMetadata_TruncatesLongValues(t *testing.T) {
	long := strings.Repeat("é", MaxMetadataValueLen+88)
	m := NormalizeMetadata(map[string]string{"referrer": long})

	assert.Equal(t, MaxMetadataValueLen, utf8.RuneCountInString(m["referrer"]))
	assert.True(t, strings.HasPrefix(long, m["referrer"]))
}

func TestClipText(t *testing.T) {
	assert.Equal(t, "héllo", ClipText("héllo", 5))
	assert.Equal(t, "hé", ClipText("héllo", 2))
	assert.Equal(t, "", ClipText("héllo", 0))

	// An invalid byte early on is replaced, not used as the cut point.
	got := ClipText("ab\xffcdef", 10)
	assert.Equal(t, "ab\uFFFDcdef", got)
	assert.True(t, utf8.ValidString(got))

	got = ClipText("x\xff"+strings.Repeat("y", 300), MaxUTMLen)
	assert.Equal(t, MaxUTMLen, utf8.RuneCountInString(got))
	assert.True(t, strings.HasPrefix(got, "x\uFFFDyyy"))
}

func TestNormalizeMetadata_KeepsValueAfterInvalidByte(t *testing.T) {
	m := NormalizeMetadata(map[string]string{"utm_campaign": "spring\xfflaunch"})
	assert.Equal(t, "spring\uFFFDlaunch", m["utm_campaign"])
}

func TestSubscriberStatus_Valid(t *testing.T) {
	for _, s := range AllStatuses {
		assert.True(t, s.Valid(), s)
	}
	assert.False(t, SubscriberStatus("complained").Valid())
	assert.True(t, SubscriberPending.Active())
	assert.False(t, SubscriberBounced.Active())
}
