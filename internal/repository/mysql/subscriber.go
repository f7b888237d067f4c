// Package mysql implements the subscriber repository for MySQL 8.0 or later.
// The email columns use utf8mb4_0900_as_ci: equality ignores case only, so
// "José" and "Jose" stay distinct subscribers. Open the pool with clientFoundRows=true: RowsAffected
// must count matched rows, not changed ones, for not-found detection.
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/countryballcards/signup/internal/domain"
	"github.com/countryballcards/signup/internal/repository/sqlrow"
	"github.com/countryballcards/signup/internal/service/subscriber"
	"github.com/go-sql-driver/mysql"
)

// errDupEntry is ER_DUP_ENTRY.
const errDupEntry = 1062

// SubscriberRepo implements subscriber.Repository against MySQL.
type SubscriberRepo struct{ db *sql.DB }

// NewSubscriberRepo creates a MySQL-backed subscriber repository.
func NewSubscriberRepo(db *sql.DB) *SubscriberRepo { return &SubscriberRepo{db: db} }

const selectByEmail = `SELECT ` + sqlrow.SubscriberColumns + ` FROM email_subscribers WHERE email = ?`

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func findByEmail(ctx context.Context, q queryer, email string) (*domain.Subscriber, error) {
	s, err := sqlrow.ScanSubscriber(q.QueryRowContext(ctx, selectByEmail, email))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, subscriber.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find subscriber: %w", err)
	}
	return s, nil
}

func (r *SubscriberRepo) FindByEmail(ctx context.Context, email string) (*domain.Subscriber, error) {
	return findByEmail(ctx, r.db, email)
}

func (r *SubscriberRepo) Insert(ctx context.Context, s *domain.Subscriber) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO email_subscribers (
			id, email, status, source, ip_address, user_agent, referrer, country,
			utm_source, utm_medium, utm_campaign, metadata, email_count,
			subscribed_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
	`, s.ID, s.Email, string(s.Status), s.Source, s.IPAddress, s.UserAgent, s.Referrer, s.Country,
		s.UTMSource, s.UTMMedium, s.UTMCampaign, sqlrow.EncodeMetadata(s.Metadata),
		s.SubscribedAt, s.UpdatedAt)
	if err != nil {
		var myErr *mysql.MySQLError
		if errors.As(err, &myErr) && myErr.Number == errDupEntry {
			return subscriber.ErrDuplicate
		}
		return fmt.Errorf("insert subscriber: %w", err)
	}
	return nil
}

// updateAndFetch runs an UPDATE and re-reads the row in one transaction,
// since MySQL has no RETURNING.
func (r *SubscriberRepo) updateAndFetch(ctx context.Context, email, query string, args ...any) (*domain.Subscriber, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, subscriber.ErrNotFound
	}
	s, err := findByEmail(ctx, tx, email)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return s, nil
}

func (r *SubscriberRepo) Resubscribe(ctx context.Context, email string, p subscriber.ResubscribePatch) (*domain.Subscriber, error) {
	s, err := r.updateAndFetch(ctx, email, `
		UPDATE email_subscribers SET
			source = CASE WHEN source IN ('', 'unknown') THEN ? ELSE source END,
			status = CASE WHEN status = 'unsubscribed' THEN 'pending' ELSE status END,
			ip_address = ?, user_agent = ?, referrer = ?,
			utm_source = ?, utm_medium = ?, utm_campaign = ?,
			metadata = ?, updated_at = ?
		WHERE email = ?
	`, p.Source, p.IPAddress, p.UserAgent, p.Referrer,
		p.UTMSource, p.UTMMedium, p.UTMCampaign, sqlrow.EncodeMetadata(p.Metadata), p.UpdatedAt,
		email)
	if err != nil && !errors.Is(err, subscriber.ErrNotFound) {
		return nil, fmt.Errorf("resubscribe: %w", err)
	}
	return s, err
}

// SetStatus relies on MySQL evaluating single-table SET assignments left to
// right: the stamps read the old status because status is assigned last.
func (r *SubscriberRepo) SetStatus(ctx context.Context, email string, status domain.SubscriberStatus, at time.Time) (*domain.Subscriber, error) {
	st := string(status)
	s, err := r.updateAndFetch(ctx, email, `
		UPDATE email_subscribers SET
			confirmed_at = CASE WHEN ? = 'confirmed' AND status <> 'confirmed' THEN ? ELSE confirmed_at END,
			unsubscribed_at = CASE WHEN ? = 'unsubscribed' AND status <> 'unsubscribed' THEN ? ELSE unsubscribed_at END,
			updated_at = CASE WHEN status <> ? THEN ? ELSE updated_at END,
			status = ?
		WHERE email = ?
	`, st, at, st, at, st, at, st, email)
	if err != nil && !errors.Is(err, subscriber.ErrNotFound) {
		return nil, fmt.Errorf("set status: %w", err)
	}
	return s, err
}

func (r *SubscriberRepo) Delete(ctx context.Context, email string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM email_subscribers WHERE email = ?`, email)
	if err != nil {
		return fmt.Errorf("delete subscriber: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return subscriber.ErrNotFound
	}
	return nil
}

func where(f subscriber.ListFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if f.Status != "" {
		conds, args = append(conds, "status = ?"), append(args, string(f.Status))
	}
	if f.Source != "" {
		conds, args = append(conds, "source = ?"), append(args, f.Source)
	}
	if !f.Since.IsZero() {
		conds, args = append(conds, "subscribed_at >= ?"), append(args, f.Since)
	}
	if f.Search != "" {
		conds, args = append(conds, "email LIKE ?"), append(args, sqlrow.LikePattern(f.Search))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (r *SubscriberRepo) List(ctx context.Context, f subscriber.ListFilter) ([]domain.Subscriber, int, error) {
	clause, args := where(f)

	var total int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM email_subscribers`+clause, args...,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count subscribers: %w", err)
	}

	q := `SELECT ` + sqlrow.SubscriberColumns + ` FROM email_subscribers` + clause +
		` ORDER BY subscribed_at DESC, email ASC`
	switch {
	case f.Limit > 0:
		q += " LIMIT ? OFFSET ?"
		args = append(args, f.Limit, f.Offset)
	case f.Offset > 0:
		// MySQL requires a LIMIT before OFFSET.
		q += " LIMIT 18446744073709551615 OFFSET ?"
		args = append(args, f.Offset)
	}

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list subscribers: %w", err)
	}
	defer rows.Close()

	out := []domain.Subscriber{}
	for rows.Next() {
		s, err := sqlrow.ScanSubscriber(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan subscriber: %w", err)
		}
		out = append(out, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("list subscribers: %w", err)
	}
	return out, total, nil
}

func (r *SubscriberRepo) Stats(ctx context.Context, since time.Time) (*subscriber.Stats, error) {
	st := &subscriber.Stats{BySource: make(map[string]int)}
	err := r.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(status = 'pending'), 0),
			COALESCE(SUM(status = 'confirmed'), 0),
			COALESCE(SUM(status = 'unsubscribed'), 0),
			COALESCE(SUM(status = 'bounced'), 0),
			COALESCE(SUM(subscribed_at >= ?), 0)
		FROM email_subscribers
	`, since).Scan(&st.Total, &st.Pending, &st.Confirmed, &st.Unsubscribed, &st.Bounced, &st.Today)
	if err != nil {
		return nil, fmt.Errorf("subscriber stats: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, `SELECT source, COUNT(*) FROM email_subscribers GROUP BY source`)
	if err != nil {
		return nil, fmt.Errorf("stats by source: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			source string
			n      int
		)
		if err := rows.Scan(&source, &n); err != nil {
			return nil, fmt.Errorf("scan source stats: %w", err)
		}
		st.BySource[source] = n
	}
	return st, rows.Err()
}

func (r *SubscriberRepo) exec(ctx context.Context, op, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return subscriber.ErrNotFound
	}
	return nil
}

func (r *SubscriberRepo) RecordSend(ctx context.Context, email string, at time.Time) error {
	return r.exec(ctx, "record send",
		`UPDATE email_subscribers SET email_count = email_count + 1, last_email_sent = ? WHERE email = ?`,
		at, email)
}

func (r *SubscriberRepo) SetCountry(ctx context.Context, email, country string) error {
	return r.exec(ctx, "set country",
		`UPDATE email_subscribers SET country = ? WHERE email = ?`,
		country, email)
}

func (r *SubscriberRepo) LogAction(ctx context.Context, e *domain.ActionLogEntry) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO email_logs (id, email, action, details, ip_address, success, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.Email, e.Action, e.Detail, e.IPAddress, e.Success, e.Timestamp)
	if err != nil {
		return fmt.Errorf("log action: %w", err)
	}
	return nil
}

func (r *SubscriberRepo) ListActions(ctx context.Context, email string, limit int) ([]domain.ActionLogEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+sqlrow.ActionColumns+` FROM email_logs WHERE email = ? ORDER BY created_at DESC LIMIT ?`,
		email, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	defer rows.Close()

	var out []domain.ActionLogEntry
	for rows.Next() {
		e, err := sqlrow.ScanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}
