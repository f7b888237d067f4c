package postgres

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
	"github.com/lib/pq"
)

// uniqueViolation is the SQLSTATE for a unique index conflict.
const uniqueViolation = "23505"

// SubscriberRepo implements subscriber.Repository against PostgreSQL.
type SubscriberRepo struct{ db *sql.DB }

// NewSubscriberRepo creates a Postgres-backed subscriber repository.
func NewSubscriberRepo(db *sql.DB) *SubscriberRepo { return &SubscriberRepo{db: db} }

func (r *SubscriberRepo) FindByEmail(ctx context.Context, email string) (*domain.Subscriber, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+sqlrow.SubscriberColumns+` FROM email_subscribers WHERE LOWER(email) = LOWER($1)`,
		email,
	)
	s, err := sqlrow.ScanSubscriber(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, subscriber.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find subscriber: %w", err)
	}
	return s, nil
}

func (r *SubscriberRepo) Insert(ctx context.Context, s *domain.Subscriber) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO email_subscribers (
			id, email, status, source, ip_address, user_agent, referrer, country,
			utm_source, utm_medium, utm_campaign, metadata, email_count,
			subscribed_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 0, $13, $14)
	`, s.ID, s.Email, string(s.Status), s.Source, s.IPAddress, s.UserAgent, s.Referrer, s.Country,
		s.UTMSource, s.UTMMedium, s.UTMCampaign, sqlrow.EncodeMetadata(s.Metadata),
		s.SubscribedAt, s.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return subscriber.ErrDuplicate
		}
		return fmt.Errorf("insert subscriber: %w", err)
	}
	return nil
}

func (r *SubscriberRepo) Resubscribe(ctx context.Context, email string, p subscriber.ResubscribePatch) (*domain.Subscriber, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE email_subscribers SET
			source = CASE WHEN source IN ('', 'unknown') THEN $2 ELSE source END,
			status = CASE WHEN status = 'unsubscribed' THEN 'pending' ELSE status END,
			ip_address = $3, user_agent = $4, referrer = $5,
			utm_source = $6, utm_medium = $7, utm_campaign = $8,
			metadata = $9, updated_at = $10
		WHERE LOWER(email) = LOWER($1)
		RETURNING `+sqlrow.SubscriberColumns,
		email, p.Source, p.IPAddress, p.UserAgent, p.Referrer,
		p.UTMSource, p.UTMMedium, p.UTMCampaign, sqlrow.EncodeMetadata(p.Metadata), p.UpdatedAt,
	)
	s, err := sqlrow.ScanSubscriber(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, subscriber.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resubscribe: %w", err)
	}
	return s, nil
}

func (r *SubscriberRepo) SetStatus(ctx context.Context, email string, status domain.SubscriberStatus, at time.Time) (*domain.Subscriber, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE email_subscribers SET
			confirmed_at = CASE WHEN $2::text = 'confirmed' AND status <> 'confirmed' THEN $3 ELSE confirmed_at END,
			unsubscribed_at = CASE WHEN $2::text = 'unsubscribed' AND status <> 'unsubscribed' THEN $3 ELSE unsubscribed_at END,
			updated_at = CASE WHEN status <> $2::text THEN $3 ELSE updated_at END,
			status = $2::text
		WHERE LOWER(email) = LOWER($1)
		RETURNING `+sqlrow.SubscriberColumns,
		email, string(status), at,
	)
	s, err := sqlrow.ScanSubscriber(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, subscriber.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("set status: %w", err)
	}
	return s, nil
}

func (r *SubscriberRepo) Delete(ctx context.Context, email string) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM email_subscribers WHERE LOWER(email) = LOWER($1)`,
		email,
	)
	if err != nil {
		return fmt.Errorf("delete subscriber: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return subscriber.ErrNotFound
	}
	return nil
}

// where renders the filter as a WHERE clause with $n placeholders.
func where(f subscriber.ListFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.Source != "" {
		add("source = $%d", f.Source)
	}
	if !f.Since.IsZero() {
		add("subscribed_at >= $%d", f.Since)
	}
	if f.Search != "" {
		add("LOWER(email) LIKE $%d", sqlrow.LikePattern(f.Search))
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
	if f.Limit > 0 {
		args = append(args, f.Limit, f.Offset)
		q += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	} else if f.Offset > 0 {
		args = append(args, f.Offset)
		q += fmt.Sprintf(" OFFSET $%d", len(args))
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
			COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'confirmed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'unsubscribed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'bounced' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN subscribed_at >= $1 THEN 1 ELSE 0 END), 0)
		FROM email_subscribers
	`, since).Scan(&st.Total, &st.Pending, &st.Confirmed, &st.Unsubscribed, &st.Bounced, &st.Today)
	if err != nil {
		return nil, fmt.Errorf("subscriber stats: %w", err)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT source, COUNT(*) FROM email_subscribers GROUP BY source`,
	)
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

func (r *SubscriberRepo) RecordSend(ctx context.Context, email string, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE email_subscribers SET email_count = email_count + 1, last_email_sent = $2 WHERE LOWER(email) = LOWER($1)`,
		email, at,
	)
	if err != nil {
		return fmt.Errorf("record send: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return subscriber.ErrNotFound
	}
	return nil
}

func (r *SubscriberRepo) SetCountry(ctx context.Context, email, country string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE email_subscribers SET country = $2 WHERE LOWER(email) = LOWER($1)`,
		email, country,
	)
	if err != nil {
		return fmt.Errorf("set country: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return subscriber.ErrNotFound
	}
	return nil
}

func (r *SubscriberRepo) LogAction(ctx context.Context, e *domain.ActionLogEntry) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO email_logs (id, email, action, details, ip_address, success, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, e.ID, e.Email, e.Action, e.Detail, e.IPAddress, e.Success, e.Timestamp)
	if err != nil {
		return fmt.Errorf("log action: %w", err)
	}
	return nil
}

func (r *SubscriberRepo) ListActions(ctx context.Context, email string, limit int) ([]domain.ActionLogEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+sqlrow.ActionColumns+` FROM email_logs WHERE LOWER(email) = LOWER($1) ORDER BY created_at DESC LIMIT $2`,
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
