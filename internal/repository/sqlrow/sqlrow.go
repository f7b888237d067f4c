// Package sqlrow holds the column lists and scan helpers shared by the
// postgres and mysql subscriber repositories. Both drivers use the same
// table layout; only placeholders and error codes differ.
package sqlrow

import (
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/countryballcards/signup/internal/domain"
)

// SubscriberColumns is the select list matching ScanSubscriber.
const SubscriberColumns = `id, email, status, source, ip_address, user_agent, referrer, country,
	utm_source, utm_medium, utm_campaign, metadata, email_count, last_email_sent,
	subscribed_at, confirmed_at, unsubscribed_at, updated_at`

// ActionColumns is the select list matching ScanAction.
const ActionColumns = `id, email, action, details, ip_address, success, created_at`

// Scanner is satisfied by *sql.Row and *sql.Rows.
type Scanner interface {
	Scan(dest ...any) error
}

// ScanSubscriber reads one row in SubscriberColumns order.
func ScanSubscriber(sc Scanner) (*domain.Subscriber, error) {
	var s domain.Subscriber
	var meta string
	var lastSent, confirmed, unsubscribed sql.NullTime
	err := sc.Scan(
		&s.ID, &s.Email, &s.Status, &s.Source, &s.IPAddress, &s.UserAgent, &s.Referrer, &s.Country,
		&s.UTMSource, &s.UTMMedium, &s.UTMCampaign, &meta, &s.EmailCount, &lastSent,
		&s.SubscribedAt, &confirmed, &unsubscribed, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.Metadata = DecodeMetadata(meta)
	s.LastEmailSent = timePtr(lastSent)
	s.ConfirmedAt = timePtr(confirmed)
	s.UnsubscribedAt = timePtr(unsubscribed)
	s.SubscribedAt = s.SubscribedAt.UTC()
	s.UpdatedAt = s.UpdatedAt.UTC()
	return &s, nil
}

// ScanAction reads one row in ActionColumns order.
func ScanAction(sc Scanner) (*domain.ActionLogEntry, error) {
	var e domain.ActionLogEntry
	if err := sc.Scan(&e.ID, &e.Email, &e.Action, &e.Detail, &e.IPAddress, &e.Success, &e.Timestamp); err != nil {
		return nil, err
	}
	e.Timestamp = e.Timestamp.UTC()
	return &e, nil
}

// EncodeMetadata serialises metadata for the TEXT column.
func EncodeMetadata(m domain.Metadata) string {
	if len(m) == 0 {
		return "{}"
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// DecodeMetadata parses the TEXT column; malformed JSON yields nil.
func DecodeMetadata(s string) domain.Metadata {
	if s == "" || s == "{}" {
		return nil
	}
	var m domain.Metadata
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	return m
}

// LikePattern builds a case-insensitive substring pattern for LIKE,
// escaping the wildcard characters in q.
func LikePattern(q string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(strings.ToLower(q)) + "%"
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

// SplitStatements breaks a schema file into individual statements so it
// can run on drivers without multi-statement support.
func SplitStatements(script string) []string {
	var out []string
	for _, stmt := range strings.Split(script, ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}
