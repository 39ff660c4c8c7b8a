// Package webhook is the HTTP intake for provider notifications
package webhook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/zllovesuki/subledger/event"
	"github.com/zllovesuki/subledger/metrics"
	"github.com/zllovesuki/subledger/normalize"
	"github.com/zllovesuki/subledger/reconcile"
	resp "github.com/zllovesuki/subledger/response"

	"github.com/go-chi/chi"
	"github.com/stripe/stripe-go/v72/webhook"
	"go.uber.org/zap"
)

const defaultMaxBodyBytes = 1 << 20

// Reconciler applies normalized events
type Reconciler interface {
	Handle(ctx context.Context, ev *event.SubscriptionEvent) (*reconcile.Outcome, error)
}

// Options configures the webhook Service
type Options struct {
	Normalizer *normalize.Normalizer
	Reconciler Reconciler
	Logger     *zap.Logger
	Metrics    *metrics.Collector
	// StripeWebhookSecret enables Stripe-Signature verification when set
	StripeWebhookSecret string
	MaxBodyBytes        int64
}

// Service answers provider webhooks
type Service struct {
	Options
}

// NewService returns a webhook Service
func NewService(option Options) (*Service, error) {
	if option.Normalizer == nil {
		return nil, fmt.Errorf("nil Normalizer is invalid")
	}
	if option.Reconciler == nil {
		return nil, fmt.Errorf("nil Reconciler is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if option.MaxBodyBytes == 0 {
		option.MaxBodyBytes = defaultMaxBodyBytes
	}
	return &Service{
		Options: option,
	}, nil
}

func (s *Service) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.MaxBodyBytes))
	if err != nil {
		s.Logger.Warn("Unable to read webhook body",
			zap.String("Path", r.URL.Path),
			zap.Error(err),
		)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			resp.WriteError(w, r, resp.ErrPayloadTooLarge())
		} else {
			resp.WriteError(w, r, resp.ErrUnreadableBody())
		}
		return nil, false
	}
	return body, true
}

func (s *Service) handleStripe(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	if len(s.StripeWebhookSecret) == 0 {
		ev, err := s.Normalizer.Stripe(ctx, body)
		s.reconcile(w, r, event.ProviderStripe, ev, err)
		return
	}

	stripeEvent, err := webhook.ConstructEvent(body, r.Header.Get("Stripe-Signature"), s.StripeWebhookSecret)
	if err != nil {
		s.Logger.Warn("Stripe signature verification failed",
			zap.Error(err),
		)
		s.count(event.ProviderStripe, OutcomeRejected)
		resp.WriteError(w, r, resp.ErrInvalidSignature())
		return
	}
	ev, err := s.Normalizer.StripeEvent(ctx, &stripeEvent)
	s.reconcile(w, r, event.ProviderStripe, ev, err)
}

func (s *Service) handleGoogle(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	ev, err := s.Normalizer.Android(r.Context(), body)
	s.reconcile(w, r, event.ProviderAndroid, ev, err)
}

func (s *Service) handleApple(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	ev, err := s.Normalizer.IOS(r.Context(), body)
	s.reconcile(w, r, event.ProviderIOS, ev, err)
}

// reconcile applies a normalized event and answers the provider.
// normErr is the error of the normalization step, if any.
func (s *Service) reconcile(w http.ResponseWriter, r *http.Request, provider event.Provider, ev *event.SubscriptionEvent, normErr error) {
	logger := s.Logger.With(zap.String("Provider", string(provider)))

	err := normErr
	if err == nil {
		logger = logger.With(
			zap.String("RawEventID", ev.RawEventID),
			zap.String("Kind", string(ev.Kind)),
		)
		_, err = s.Reconciler.Handle(r.Context(), ev)
	}

	outcome := Classify(err)
	s.count(provider, outcome)

	if outcome == OutcomeRedeliver {
		logger.Warn("Asking provider to redeliver",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnavailable().AddMessages(err.Error()))
		return
	}
	if outcome == OutcomeAcknowledged {
		logger.Info("Acknowledging event without applying it",
			zap.Error(err),
		)
	}
	resp.WriteResponse(w, r, http.StatusOK, map[string]string{
		"outcome": string(outcome),
	})
}

func (s *Service) count(provider event.Provider, outcome Outcome) {
	if s.Metrics == nil {
		return
	}
	s.Metrics.EventsOutcome.WithLabelValues(string(provider), string(outcome)).Inc()
}

// Router will return the webhook routes, one per provider
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()

	r.Post("/stripe", s.handleStripe)
	r.Post("/google", s.handleGoogle)
	r.Post("/apple", s.handleApple)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		resp.WriteError(w, r, resp.ErrNotFound())
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		resp.WriteError(w, r, resp.ErrMethodNotAllowed())
	})

	return r
}
