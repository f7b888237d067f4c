// Command import-csv loads the emails.csv files written by the old signup
// forms into the subscriber store.
//
// Accepted row layouts (quoted, no header required):
//
//	email,date,source
//	email,date,source,ip
//	email,date,source,ip,user_agent,page_url,timestamp
//
// Rows go through the same upsert as live signups, so re-running an import
// is safe. No welcome email is sent.
package main

import (
	"context"
	"encoding/csv"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/countryballcards/signup/internal/config"
	"github.com/countryballcards/signup/internal/domain"
	"github.com/countryballcards/signup/internal/pkg/logger"
	"github.com/countryballcards/signup/internal/repository"
	"github.com/countryballcards/signup/internal/service/subscriber"
)

const legacyDateLayout = "2006-01-02 15:04:05"

// upserter is the part of the subscriber service the import needs.
type upserter interface {
	Upsert(ctx context.Context, in subscriber.UpsertInput) (*subscriber.UpsertResult, error)
}

type importStats struct {
	Rows    int
	Created int
	Updated int
	Skipped int
	Failed  int
}

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	defaultSource := flag.String("source", "legacy_csv", "source recorded when a row has none")
	flag.Parse()

	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: import-csv [-config path] [-source name] emails.csv [more.csv ...]")
		os.Exit(2)
	}

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		logger.Fatal("failed to load config", "error", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	logger.SetRedactPII(cfg.Logging.Redact())

	ctx := context.Background()
	db, err := repository.Open(ctx, cfg.Database)
	if err != nil {
		logger.Fatal("failed to open database", "error", err)
	}
	if db != nil {
		defer db.Close()
		if err := repository.EnsureSchema(ctx, cfg.Database.Driver, db); err != nil {
			logger.Fatal("failed to apply schema", "error", err)
		}
	}
	repo, err := repository.NewSubscriberRepo(cfg.Database.Driver, db)
	if err != nil {
		logger.Fatal("failed to create subscriber repository", "error", err)
	}
	svc := subscriber.NewService(repo)

	var total importStats
	for _, path := range flag.Args() {
		st, err := importPath(ctx, svc, path, *defaultSource)
		if err != nil {
			logger.Fatal("import failed", "file", path, "error", err)
		}
		logger.Info("file imported", "file", path,
			"rows", st.Rows, "created", st.Created, "updated", st.Updated,
			"skipped", st.Skipped, "failed", st.Failed)
		total.add(st)
	}

	fmt.Printf("Imported %d rows: %d created, %d updated, %d skipped, %d failed\n",
		total.Rows, total.Created, total.Updated, total.Skipped, total.Failed)
	if total.Failed > 0 {
		os.Exit(1)
	}
}

func (s *importStats) add(o importStats) {
	s.Rows += o.Rows
	s.Created += o.Created
	s.Updated += o.Updated
	s.Skipped += o.Skipped
	s.Failed += o.Failed
}

func importPath(ctx context.Context, store upserter, path, defaultSource string) (importStats, error) {
	f, err := os.Open(path)
	if err != nil {
		return importStats{}, err
	}
	defer f.Close()
	return importRows(ctx, store, f, defaultSource)
}

// importRows upserts every row of r. Invalid addresses are skipped; storage
// errors are counted and the import continues.
func importRows(ctx context.Context, store upserter, r io.Reader, defaultSource string) (importStats, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true

	var st importStats
	for line := 1; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return st, nil
		}
		if err != nil {
			return st, fmt.Errorf("line %d: %w", line, err)
		}
		if line == 1 && isHeader(rec) {
			continue
		}
		st.Rows++

		in := parseRow(rec, defaultSource)
		res, err := store.Upsert(ctx, in)
		switch {
		case errors.Is(err, subscriber.ErrInvalidEmail):
			logger.Debug("skipping row", "line", line, "email", in.Email)
			st.Skipped++
		case err != nil:
			logger.Warn("row failed", "line", line, "email", in.Email, "error", err)
			st.Failed++
		case res.Outcome == domain.OutcomeCreated:
			st.Created++
		default:
			st.Updated++
		}
	}
}

func isHeader(rec []string) bool {
	return len(rec) > 0 && strings.EqualFold(strings.TrimSpace(rec[0]), "email")
}

func parseRow(rec []string, defaultSource string) subscriber.UpsertInput {
	field := func(i int) string {
		if i >= len(rec) {
			return ""
		}
		v := strings.TrimSpace(rec[i])
		if v == "unknown" {
			return ""
		}
		return v
	}

	in := subscriber.UpsertInput{
		Email:  field(0),
		Source: field(2),
		Client: subscriber.ClientInfo{
			IPAddress: field(3),
			UserAgent: field(4),
		},
	}
	if in.Source == "" {
		in.Source = defaultSource
	}
	if t, err := time.ParseInLocation(legacyDateLayout, field(1), time.UTC); err == nil {
		in.SubscribedAt = t
	}

	meta := map[string]string{}
	if v := field(5); v != "" {
		meta[domain.MetaPageURL] = v
	}
	if v := field(6); v != "" {
		meta[domain.MetaFormTimestamp] = v
	}
	if len(meta) > 0 {
		in.Metadata = meta
	}
	return in
}
