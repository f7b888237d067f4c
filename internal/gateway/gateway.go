// Package gateway is the single entry point for subscribe and unsubscribe
// requests. It validates input, consults the rate limiter, writes through the
// subscriber service and kicks off the post-create side effects. Everything
// it needs from the HTTP request arrives in a RequestContext.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/countryballcards/signup/internal/domain"
	"github.com/countryballcards/signup/internal/metrics"
	"github.com/countryballcards/signup/internal/pkg/logger"
	"github.com/countryballcards/signup/internal/service/subscriber"
)

// DefaultSource tags subscriptions whose body carries no source.
const DefaultSource = "api"

// ErrorKind classifies a failed request.
type ErrorKind string

const (
	KindValidation  ErrorKind = "validation_error"
	KindRateLimited ErrorKind = "rate_limited"
	KindNotFound    ErrorKind = "not_found"
	KindStorage     ErrorKind = "storage_failure"
)

// Response messages.
const (
	MsgEmailRequired   = "Email is required"
	MsgInvalidEmail    = "Invalid email format"
	MsgRateLimited     = "Rate limit exceeded"
	MsgSubscribed      = "Successfully subscribed to newsletter"
	MsgUpdated         = "Subscription updated"
	MsgSubscribeFailed = "Subscription failed"
	MsgUnsubscribed    = "Successfully unsubscribed"
	MsgNotFound        = "Subscriber not found"
	MsgUnsubscribeFail = "Unsubscribe failed"
)

// RequestContext is the client snapshot taken by the HTTP layer.
type RequestContext struct {
	ClientIP  string
	UserAgent string
	Referrer  string
	Query     url.Values
}

// SubscribeRequest is the subscribe body.
type SubscribeRequest struct {
	Email    string         `json:"email"`
	Source   string         `json:"source,omitempty"`
	Campaign map[string]any `json:"campaign,omitempty"`
	FormData map[string]any `json:"form_data,omitempty"`
}

// Envelope is the result of a gateway call.
type Envelope struct {
	Success      bool                 `json:"success"`
	SubscriberID string               `json:"subscriber_id,omitempty"`
	Message      string               `json:"message"`
	Outcome      domain.UpsertOutcome `json:"outcome,omitempty"`
	ErrorKind    ErrorKind            `json:"error_kind,omitempty"`
}

func failure(kind ErrorKind, msg string) Envelope {
	return Envelope{Success: false, ErrorKind: kind, Message: msg}
}

// Store is the subscriber service as seen by the gateway.
type Store interface {
	Upsert(ctx context.Context, in subscriber.UpsertInput) (*subscriber.UpsertResult, error)
	Unsubscribe(ctx context.Context, email, reason string) (*domain.Subscriber, error)
	RecordFailure(ctx context.Context, email, detail, ip string)
}

// Limiter decides whether a client may make another request.
type Limiter interface {
	Allow(ctx context.Context, identifier string) bool
}

// Notifier schedules the welcome email. It must not block.
type Notifier interface {
	Welcome(sub *domain.Subscriber)
	Wait()
}

// Enricher schedules background enrichment of a new subscriber.
type Enricher interface {
	Enrich(email, ip string)
	Wait()
}

// Gateway orchestrates subscription requests.
type Gateway struct {
	store    Store
	limiter  Limiter
	notifier Notifier
	enricher Enricher
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithEnricher enables geo enrichment after a subscriber is created.
func WithEnricher(e Enricher) Option {
	return func(g *Gateway) { g.enricher = e }
}

// New creates a gateway. notifier may be nil when mail is disabled.
func New(store Store, limiter Limiter, notifier Notifier, opts ...Option) *Gateway {
	g := &Gateway{store: store, limiter: limiter, notifier: notifier}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Subscribe validates and records a subscription.
func (g *Gateway) Subscribe(ctx context.Context, req SubscribeRequest, rc RequestContext) Envelope {
	raw := req.Email
	email := strings.TrimSpace(raw)
	if email == "" {
		logger.Warn("gateway: rejected", "op", "subscribe", "reason", "email is required", "ip", rc.ClientIP)
		return g.outcome("subscribe", failure(KindValidation, MsgEmailRequired))
	}
	if !domain.ValidEmail(email) {
		logger.Warn("gateway: rejected", "op", "subscribe", "reason", "invalid email format", "email", raw, "ip", rc.ClientIP)
		g.store.RecordFailure(ctx, raw, "invalid email format", rc.ClientIP)
		return g.outcome("subscribe", failure(KindValidation, MsgInvalidEmail))
	}

	if !g.limiter.Allow(ctx, rc.ClientIP) {
		metrics.RateLimitDenials.Inc()
		logger.Warn("gateway: rate limit exceeded", "op", "subscribe", "email", email)
		return g.outcome("subscribe", failure(KindRateLimited, MsgRateLimited))
	}

	source := strings.TrimSpace(req.Source)
	if source == "" {
		source = DefaultSource
	}

	res, err := g.store.Upsert(ctx, subscriber.UpsertInput{
		Email:    email,
		Source:   source,
		Metadata: FlattenMetadata(req, rc),
		Client: subscriber.ClientInfo{
			IPAddress: rc.ClientIP,
			UserAgent: rc.UserAgent,
			Referrer:  rc.Referrer,
		},
	})
	if err != nil {
		if errors.Is(err, subscriber.ErrInvalidEmail) {
			logger.Warn("gateway: rejected by store", "op", "subscribe", "email", email, "ip", rc.ClientIP)
			return g.outcome("subscribe", failure(KindValidation, MsgInvalidEmail))
		}
		logger.Error("gateway: subscribe failed", "email", email, "source", source, "error", err)
		return g.outcome("subscribe", failure(KindStorage, MsgSubscribeFailed))
	}

	env := Envelope{
		Success:      true,
		SubscriberID: res.Subscriber.ID,
		Outcome:      res.Outcome,
		Message:      MsgUpdated,
	}
	if res.Outcome == domain.OutcomeCreated {
		env.Message = MsgSubscribed
		if g.notifier != nil {
			g.notifier.Welcome(res.Subscriber)
		}
		if g.enricher != nil {
			g.enricher.Enrich(res.Subscriber.Email, rc.ClientIP)
		}
	}
	logger.Info("gateway: subscribed", "email", email, "outcome", string(res.Outcome), "source", source)
	return g.outcome("subscribe", env)
}

// Unsubscribe marks an address unsubscribed.
func (g *Gateway) Unsubscribe(ctx context.Context, email, reason string, rc RequestContext) Envelope {
	email = strings.TrimSpace(email)
	if email == "" {
		logger.Warn("gateway: rejected", "op", "unsubscribe", "reason", "email is required", "ip", rc.ClientIP)
		return g.outcome("unsubscribe", failure(KindValidation, MsgEmailRequired))
	}
	if !domain.ValidEmail(email) {
		logger.Warn("gateway: rejected", "op", "unsubscribe", "reason", "invalid email format", "email", email, "ip", rc.ClientIP)
		return g.outcome("unsubscribe", failure(KindValidation, MsgInvalidEmail))
	}
	if !g.limiter.Allow(ctx, rc.ClientIP) {
		metrics.RateLimitDenials.Inc()
		logger.Warn("gateway: rate limit exceeded", "op", "unsubscribe", "email", email)
		return g.outcome("unsubscribe", failure(KindRateLimited, MsgRateLimited))
	}

	sub, err := g.store.Unsubscribe(ctx, email, reason)
	switch {
	case errors.Is(err, subscriber.ErrNotFound):
		return g.outcome("unsubscribe", failure(KindNotFound, MsgNotFound))
	case err != nil:
		logger.Error("gateway: unsubscribe failed", "email", email, "error", err)
		return g.outcome("unsubscribe", failure(KindStorage, MsgUnsubscribeFail))
	}
	return g.outcome("unsubscribe", Envelope{
		Success:      true,
		SubscriberID: sub.ID,
		Message:      MsgUnsubscribed,
	})
}

func (g *Gateway) outcome(op string, env Envelope) Envelope {
	switch {
	case !env.Success:
		metrics.RecordOutcome(op, string(env.ErrorKind))
	case env.Outcome != "":
		metrics.RecordOutcome(op, string(env.Outcome))
	default:
		metrics.RecordOutcome(op, "unsubscribed")
	}
	return env
}

// Wait blocks until background work started by earlier calls is done.
func (g *Gateway) Wait() {
	if g.notifier != nil {
		g.notifier.Wait()
	}
	if g.enricher != nil {
		g.enricher.Wait()
	}
}

var utmKeys = []string{
	domain.MetaUTMSource,
	domain.MetaUTMMedium,
	domain.MetaUTMCampaign,
	domain.MetaUTMTerm,
	domain.MetaUTMContent,
}

// FlattenMetadata builds the stored metadata for a subscribe call. UTM
// values in the query string win over those posted in the campaign object.
func FlattenMetadata(req SubscribeRequest, rc RequestContext) map[string]string {
	meta := make(map[string]string)
	for _, k := range utmKeys {
		if v := stringValue(req.Campaign[k]); v != "" {
			meta[k] = v
		}
		if v := strings.TrimSpace(rc.Query.Get(k)); v != "" {
			meta[k] = v
		}
	}
	if v := stringValue(req.FormData["page_url"]); v != "" {
		meta[domain.MetaPageURL] = v
	}
	if v := stringValue(req.FormData["timestamp"]); v != "" {
		meta[domain.MetaFormTimestamp] = v
	}
	if rc.Referrer != "" {
		meta[domain.MetaReferrer] = rc.Referrer
	}
	if rc.UserAgent != "" {
		meta[domain.MetaUserAgent] = rc.UserAgent
	}
	return meta
}

// stringValue renders scalar JSON values; objects and arrays are ignored.
func stringValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool, int, int64:
		return fmt.Sprint(t)
	default:
		return ""
	}
}
