// Package export renders subscriber lists as CSV and archives snapshots
// to S3.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/countryballcards/signup/internal/domain"
)

// TimeLayout is the timestamp format used in exported cells.
const TimeLayout = "2006-01-02 15:04:05"

// Header is the first CSV row.
var Header = []string{
	"Email", "Status", "Source", "Country", "Subscribed At", "Unsubscribed At",
	"UTM Source", "UTM Medium", "UTM Campaign",
}

// Filename returns the download name for an export taken at t.
func Filename(t time.Time) string {
	return "subscribers_" + t.UTC().Format("2006-01-02_15-04-05") + ".csv"
}

// WriteCSV writes the header and one row per subscriber.
func WriteCSV(w io.Writer, subs []domain.Subscriber) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for i := range subs {
		s := &subs[i]
		unsub := ""
		if s.UnsubscribedAt != nil {
			unsub = s.UnsubscribedAt.UTC().Format(TimeLayout)
		}
		row := []string{
			s.Email,
			string(s.Status),
			cell(s.Source),
			cell(s.Country),
			s.SubscribedAt.UTC().Format(TimeLayout),
			unsub,
			cell(s.UTMSource),
			cell(s.UTMMedium),
			cell(s.UTMCampaign),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// cell neutralises values a spreadsheet would evaluate as a formula.
func cell(v string) string {
	if v != "" && strings.ContainsRune("=+-@\t\r", rune(v[0])) {
		return "'" + v
	}
	return v
}
