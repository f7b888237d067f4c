package notify

import (
	"context"
	"sync"
	"time"

	"github.com/countryballcards/signup/internal/domain"
	"github.com/countryballcards/signup/internal/metrics"
	"github.com/countryballcards/signup/internal/pkg/logger"
)

// DefaultTimeout bounds a single background dispatch.
const DefaultTimeout = 15 * time.Second

// Recorder persists the side effects of a delivery. The subscriber
// service satisfies it.
type Recorder interface {
	RecordSend(ctx context.Context, email string) error
	RecordAction(ctx context.Context, email, action, detail, ip string, success bool)
}

// Notifier runs welcome mail outside the request that created the
// subscriber. Failures are logged and recorded, never returned.
type Notifier struct {
	dispatcher Dispatcher
	recorder   Recorder
	dedupe     Deduper
	signer     *LinkSigner
	timeout    time.Duration

	wg sync.WaitGroup
}

// NotifierOption configures a Notifier.
type NotifierOption func(*Notifier)

// WithDeduper replaces the in-process deduper.
func WithDeduper(d Deduper) NotifierOption {
	return func(n *Notifier) { n.dedupe = d }
}

// WithTimeout sets the per-dispatch timeout.
func WithTimeout(d time.Duration) NotifierOption {
	return func(n *Notifier) {
		if d > 0 {
			n.timeout = d
		}
	}
}

// NewNotifier creates a notifier.
func NewNotifier(dispatcher Dispatcher, recorder Recorder, signer *LinkSigner, opts ...NotifierOption) *Notifier {
	n := &Notifier{
		dispatcher: dispatcher,
		recorder:   recorder,
		dedupe:     NewMemoryDeduper(),
		signer:     signer,
		timeout:    DefaultTimeout,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Welcome schedules the welcome email for a newly created subscriber and
// returns immediately. A subscriber ID is only ever dispatched once.
func (n *Notifier) Welcome(sub *domain.Subscriber) {
	if sub == nil {
		return
	}
	s := *sub
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				logger.Error("notify: welcome dispatch panicked", "email", s.Email, "panic", r)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
		defer cancel()
		n.deliverWelcome(ctx, &s)
	}()
}

func (n *Notifier) deliverWelcome(ctx context.Context, s *domain.Subscriber) {
	first, err := n.dedupe.Claim(ctx, "welcome:"+s.ID)
	if err != nil {
		// Without a working dedupe store we cannot tell a retry from a
		// first send; skip rather than risk a duplicate.
		logger.Warn("notify: dedupe unavailable, welcome skipped", "email", s.Email, "error", err)
		metrics.RecordNotification(string(KindWelcome), "failed")
		return
	}
	if !first {
		metrics.RecordNotification(string(KindWelcome), "duplicate")
		return
	}

	if err := n.dispatcher.Send(ctx, s.Email, KindWelcome, n.Bindings(s)); err != nil {
		logger.Error("notify: welcome email failed", "email", s.Email, "error", err)
		metrics.RecordNotification(string(KindWelcome), "failed")
		n.recorder.RecordAction(ctx, s.Email, domain.ActionWelcomeEmailFailed, err.Error(), "", false)
		return
	}

	metrics.RecordNotification(string(KindWelcome), "sent")
	n.recorder.RecordAction(ctx, s.Email, domain.ActionWelcomeEmailSent, "subscriber: "+s.ID, "", true)
	if err := n.recorder.RecordSend(ctx, s.Email); err != nil {
		logger.Warn("notify: record send failed", "email", s.Email, "error", err)
	}
}

// Bindings returns the template data for s.
func (n *Notifier) Bindings(s *domain.Subscriber) map[string]any {
	data := map[string]any{
		"email":         s.Email,
		"subscriber_id": s.ID,
		"source":        s.Source,
	}
	if n.signer != nil {
		data["unsubscribe_url"] = n.signer.UnsubscribeURL(s.Email)
	}
	return data
}

// Wait blocks until every scheduled dispatch has finished.
func (n *Notifier) Wait() {
	n.wg.Wait()
}
