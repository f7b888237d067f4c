package notify

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"
)

// LinkSigner builds one-click unsubscribe links that cannot be forged for
// another address.
type LinkSigner struct {
	secret  []byte
	baseURL string
}

// NewLinkSigner creates a signer. baseURL is the public origin of the
// service, e.g. https://countryballcards.com.
func NewLinkSigner(secret, baseURL string) *LinkSigner {
	return &LinkSigner{secret: []byte(secret), baseURL: strings.TrimRight(baseURL, "/")}
}

// Sign returns the hex HMAC-SHA256 of the lower-cased email.
func (s *LinkSigner) Sign(email string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(strings.ToLower(strings.TrimSpace(email))))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks sig against email in constant time. An empty secret never
// verifies.
func (s *LinkSigner) Verify(email, sig string) error {
	if len(s.secret) == 0 || sig == "" {
		return ErrBadSignature
	}
	want, err := hex.DecodeString(s.Sign(email))
	if err != nil {
		return ErrBadSignature
	}
	got, err := hex.DecodeString(sig)
	if err != nil || !hmac.Equal(want, got) {
		return ErrBadSignature
	}
	return nil
}

// UnsubscribeURL returns the signed GET /unsubscribe link for email.
func (s *LinkSigner) UnsubscribeURL(email string) string {
	q := url.Values{}
	q.Set("email", email)
	q.Set("sig", s.Sign(email))
	return s.baseURL + "/unsubscribe?" + q.Encode()
}
