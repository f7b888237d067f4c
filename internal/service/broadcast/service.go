package broadcast

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/countryballcards/signup/internal/domain"
	"github.com/countryballcards/signup/internal/notify"
	"github.com/countryballcards/signup/internal/pkg/distlock"
	"github.com/countryballcards/signup/internal/pkg/logger"
	"github.com/countryballcards/signup/internal/service/subscriber"
	"github.com/google/uuid"
)

const (
	lockKey = "signup:broadcast"

	// DefaultDelay paces consecutive sends.
	DefaultDelay = 100 * time.Millisecond

	maxReportedErrors = 100
)

// Subscribers is the subset of the subscriber service a broadcast needs.
type Subscribers interface {
	List(ctx context.Context, f subscriber.ListFilter) ([]domain.Subscriber, int, error)
	RecordSend(ctx context.Context, email string) error
	RecordAction(ctx context.Context, email, action, detail, ip string, success bool)
}

// TemplateValidator checks caller-supplied templates before any mail goes
// out. *notify.Renderer satisfies it.
type TemplateValidator interface {
	Validate(sources ...string) error
}

// Filters selects recipients. An empty status means confirmed subscribers.
type Filters struct {
	Status domain.SubscriberStatus `json:"status,omitempty"`
	Source string                  `json:"source,omitempty"`
	Since  time.Time               `json:"since,omitempty"`
}

// Request describes one broadcast. Kind "launch" uses the built-in launch
// template; "custom" requires Subject and HTMLTemplate.
type Request struct {
	Kind         notify.TemplateKind `json:"kind,omitempty"`
	Subject      string              `json:"subject,omitempty"`
	HTMLTemplate string              `json:"html_template,omitempty"`
	TextTemplate string              `json:"text_template,omitempty"`
	Data         map[string]any      `json:"data,omitempty"`
	Filters      Filters             `json:"filters"`
}

// SendError is one failed recipient.
type SendError struct {
	Email string `json:"email"`
	Error string `json:"error"`
}

// Result summarises a broadcast.
type Result struct {
	ID         string              `json:"id"`
	Kind       notify.TemplateKind `json:"kind"`
	Running    bool                `json:"running"`
	Recipients int                 `json:"recipients"`
	Sent       int                 `json:"sent"`
	Failed     int                 `json:"failed"`
	Errors     []SendError         `json:"errors,omitempty"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt *time.Time          `json:"finished_at,omitempty"`
}

// Service sends broadcasts.
type Service struct {
	subs       Subscribers
	dispatcher notify.Dispatcher
	validator  TemplateValidator
	signer     *notify.LinkSigner
	locks      distlock.Factory
	delay      time.Duration
	now        func() time.Time

	mu   sync.Mutex
	last *Result
	wg   sync.WaitGroup
}

// Option configures a Service.
type Option func(*Service)

// WithDelay sets the pause between sends. Zero disables pacing.
func WithDelay(d time.Duration) Option {
	return func(s *Service) {
		if d >= 0 {
			s.delay = d
		}
	}
}

// WithLocks sets the lock factory guarding concurrent broadcasts.
func WithLocks(f distlock.Factory) Option {
	return func(s *Service) { s.locks = f }
}

// WithValidator enables template validation for custom broadcasts.
func WithValidator(v TemplateValidator) Option {
	return func(s *Service) { s.validator = v }
}

// WithSigner adds signed unsubscribe links to every message.
func WithSigner(signer *notify.LinkSigner) Option {
	return func(s *Service) { s.signer = signer }
}

// NewService creates a broadcast service. Without WithLocks the guard is
// process-local.
func NewService(subs Subscribers, dispatcher notify.Dispatcher, opts ...Option) *Service {
	s := &Service{
		subs:       subs,
		dispatcher: dispatcher,
		delay:      DefaultDelay,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.locks == nil {
		s.locks = distlock.NewLocalTable().Lock
	}
	return s
}

func (s *Service) validate(req *Request) error {
	if req.Kind == "" {
		if req.Subject != "" || req.HTMLTemplate != "" {
			req.Kind = notify.KindCustom
		} else {
			req.Kind = notify.KindLaunch
		}
	}
	switch req.Kind {
	case notify.KindLaunch:
	case notify.KindCustom:
		if strings.TrimSpace(req.Subject) == "" || strings.TrimSpace(req.HTMLTemplate) == "" {
			return fmt.Errorf("%w: subject and html_template are required", ErrInvalidRequest)
		}
		if s.validator != nil {
			if err := s.validator.Validate(req.Subject, req.HTMLTemplate, req.TextTemplate); err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
			}
		}
	default:
		return fmt.Errorf("%w: unsupported kind %q", ErrInvalidRequest, req.Kind)
	}
	if req.Filters.Status == "" {
		req.Filters.Status = domain.SubscriberConfirmed
	}
	if !req.Filters.Status.Valid() {
		return fmt.Errorf("%w: status %q", ErrInvalidRequest, req.Filters.Status)
	}
	return nil
}

// acquire validates req and takes the broadcast lock. The returned release
// func must be called once the run ends.
func (s *Service) acquire(ctx context.Context, req *Request) (func(), error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}
	lock := s.locks(lockKey)
	ok, err := lock.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire broadcast lock: %w", err)
	}
	if !ok {
		return nil, ErrInProgress
	}
	return func() {
		if err := lock.Release(context.Background()); err != nil {
			logger.Warn("broadcast: lock release failed", "error", err)
		}
	}, nil
}

// Run sends req synchronously and returns the final result.
func (s *Service) Run(ctx context.Context, req Request) (*Result, error) {
	release, err := s.acquire(ctx, &req)
	if err != nil {
		return nil, err
	}
	defer release()

	res := s.begin(req.Kind)
	err = s.send(ctx, req, res)
	return s.snapshot(res), err
}

// Start validates req, takes the lock and sends in the background. The
// returned snapshot has Running set; poll Last for progress.
func (s *Service) Start(req Request) (*Result, error) {
	release, err := s.acquire(context.Background(), &req)
	if err != nil {
		return nil, err
	}
	res := s.begin(req.Kind)
	snapshot := *res

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer release()
		defer func() {
			if r := recover(); r != nil {
				logger.Error("broadcast: panicked", "id", res.ID, "panic", r)
			}
		}()
		if err := s.send(context.Background(), req, res); err != nil {
			logger.Error("broadcast: failed", "id", res.ID, "error", err)
		}
	}()
	return &snapshot, nil
}

func (s *Service) begin(kind notify.TemplateKind) *Result {
	res := &Result{
		ID:        uuid.New().String(),
		Kind:      kind,
		Running:   true,
		StartedAt: s.now().UTC(),
	}
	s.mu.Lock()
	s.last = res
	s.mu.Unlock()
	return res
}

func (s *Service) send(ctx context.Context, req Request, res *Result) error {
	defer s.finish(res)

	recipients, _, err := s.subs.List(ctx, subscriber.ListFilter{
		Status: req.Filters.Status,
		Source: req.Filters.Source,
		Since:  req.Filters.Since,
	})
	if err != nil {
		return fmt.Errorf("list recipients: %w", err)
	}

	s.mu.Lock()
	res.Recipients = len(recipients)
	s.mu.Unlock()
	logger.Info("broadcast: started", "id", res.ID, "kind", string(req.Kind), "recipients", len(recipients))

	for i := range recipients {
		if i > 0 && s.delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.delay):
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		s.deliver(ctx, req, &recipients[i], res)
	}

	done := s.snapshot(res)
	logger.Info("broadcast: finished", "id", res.ID, "sent", done.Sent, "failed", done.Failed)
	return nil
}

func (s *Service) deliver(ctx context.Context, req Request, sub *domain.Subscriber, res *Result) {
	data := s.bindings(req, sub)
	err := s.dispatcher.Send(ctx, sub.Email, req.Kind, data)

	s.mu.Lock()
	if err != nil {
		res.Failed++
		if len(res.Errors) < maxReportedErrors {
			res.Errors = append(res.Errors, SendError{Email: sub.Email, Error: err.Error()})
		}
	} else {
		res.Sent++
	}
	s.mu.Unlock()

	if err != nil {
		logger.Warn("broadcast: send failed", "id", res.ID, "email", sub.Email, "error", err)
		s.subs.RecordAction(ctx, sub.Email, domain.ActionBroadcastFailed, "broadcast: "+res.ID, "", false)
		return
	}
	s.subs.RecordAction(ctx, sub.Email, domain.ActionBroadcastSent, "broadcast: "+res.ID, "", true)
	if err := s.subs.RecordSend(ctx, sub.Email); err != nil {
		logger.Warn("broadcast: record send failed", "email", sub.Email, "error", err)
	}
}

func (s *Service) bindings(req Request, sub *domain.Subscriber) map[string]any {
	data := make(map[string]any, len(req.Data)+6)
	for k, v := range req.Data {
		data[k] = v
	}
	data["email"] = sub.Email
	data["subscriber_id"] = sub.ID
	data["source"] = sub.Source
	if s.signer != nil {
		data["unsubscribe_url"] = s.signer.UnsubscribeURL(sub.Email)
	}
	if req.Kind == notify.KindCustom {
		data[notify.CustomSubject] = req.Subject
		data[notify.CustomHTML] = req.HTMLTemplate
		data[notify.CustomText] = req.TextTemplate
	}
	return data
}

func (s *Service) finish(res *Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !res.Running {
		return
	}
	t := s.now().UTC()
	res.Running = false
	res.FinishedAt = &t
}

func (s *Service) snapshot(res *Result) *Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := *res
	out.Errors = append([]SendError(nil), res.Errors...)
	return &out
}

// Last returns the most recent broadcast, or nil if none has run.
func (s *Service) Last() *Result {
	s.mu.Lock()
	res := s.last
	s.mu.Unlock()
	if res == nil {
		return nil
	}
	return s.snapshot(res)
}

// Wait blocks until background broadcasts have finished.
func (s *Service) Wait() {
	s.wg.Wait()
}
