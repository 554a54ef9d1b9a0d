// Package billing runs premium subscriptions through Stripe Checkout.
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"munymo/internal/metrics"

	"github.com/stripe/stripe-go/v76"
)

var (
	ErrDisabled         = errors.New("billing is not configured")
	ErrNoCustomer       = errors.New("no stripe customer for user")
	ErrInvalidSignature = errors.New("invalid webhook signature")
)

const (
	TierFree    = "free"
	TierPremium = "premium"
)

type Subscription struct {
	Status           string     `json:"status"`
	Tier             string     `json:"tier"`
	Premium          bool       `json:"premium"`
	CurrentPeriodEnd *time.Time `json:"current_period_end,omitempty"`
	CustomerID       string     `json:"-"`
	SubscriptionID   string     `json:"-"`
}

// IsPremium reports whether a Stripe subscription status grants premium.
func IsPremium(status string) bool {
	switch stripe.SubscriptionStatus(status) {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing:
		return true
	}
	return false
}

func TierFor(status string) string {
	if IsPremium(status) {
		return TierPremium
	}
	return TierFree
}

type CheckoutRequest struct {
	UserID     string
	Email      string
	CustomerID string
	PriceID    string
	SuccessURL string
	CancelURL  string
}

type Gateway interface {
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (string, error)
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error)
	ParseWebhook(payload []byte, signature string) (stripe.Event, error)
}

type SubscriptionUpdate struct {
	UserID           string
	CustomerID       string
	SubscriptionID   string
	Status           string
	CurrentPeriodEnd *time.Time
}

type Store interface {
	// ClaimEvent records an event id and reports false if it was already seen.
	ClaimEvent(ctx context.Context, eventID, eventType string) (bool, error)
	ReleaseEvent(ctx context.Context, eventID string) error
	LinkCustomer(ctx context.Context, userID, customerID, subscriptionID string) error
	// ApplySubscription returns false when no user matches the update.
	ApplySubscription(ctx context.Context, u SubscriptionUpdate) (bool, error)
	Subscription(ctx context.Context, userID string) (Subscription, error)
}

type Service struct {
	gw      Gateway
	store   Store
	priceID string
	appURL  string
	log     *slog.Logger
	metrics *metrics.Registry
}

// NewService builds billing; gw may be nil when Stripe is not configured.
func NewService(gw Gateway, store Store, priceID, appURL string, logger *slog.Logger, m *metrics.Registry) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{gw: gw, store: store, priceID: priceID, appURL: appURL, log: logger, metrics: m}
}

func (s *Service) Enabled() bool { return s != nil && s.gw != nil }

func (s *Service) CreateCheckout(ctx context.Context, userID, email string) (string, error) {
	if !s.Enabled() {
		return "", ErrDisabled
	}
	current, err := s.store.Subscription(ctx, userID)
	if err != nil {
		return "", err
	}
	return s.gw.CreateCheckoutSession(ctx, CheckoutRequest{
		UserID:     userID,
		Email:      email,
		CustomerID: current.CustomerID,
		PriceID:    s.priceID,
		SuccessURL: s.appURL + "/premium/success?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:  s.appURL + "/premium",
	})
}

func (s *Service) CreatePortal(ctx context.Context, userID string) (string, error) {
	if !s.Enabled() {
		return "", ErrDisabled
	}
	current, err := s.store.Subscription(ctx, userID)
	if err != nil {
		return "", err
	}
	if current.CustomerID == "" {
		return "", ErrNoCustomer
	}
	return s.gw.CreatePortalSession(ctx, current.CustomerID, s.appURL+"/settings")
}

func (s *Service) Subscription(ctx context.Context, userID string) (Subscription, error) {
	return s.store.Subscription(ctx, userID)
}

// HandleWebhook verifies and applies a Stripe event exactly once. The returned
// outcome is one of processed, duplicate, ignored or unmatched.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signature string) (string, error) {
	if !s.Enabled() {
		return "", ErrDisabled
	}
	event, err := s.gw.ParseWebhook(payload, signature)
	if err != nil {
		s.metrics.ObserveWebhook("unknown", "invalid")
		return "", fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	eventType := string(event.Type)

	fresh, err := s.store.ClaimEvent(ctx, event.ID, eventType)
	if err != nil {
		return "", err
	}
	if !fresh {
		s.metrics.ObserveWebhook(eventType, "duplicate")
		return "duplicate", nil
	}

	outcome, err := s.apply(ctx, event)
	if err != nil {
		if rerr := s.store.ReleaseEvent(ctx, event.ID); rerr != nil {
			s.log.Warn("release stripe event failed", "event_id", event.ID, "err", rerr)
		}
		s.metrics.ObserveWebhook(eventType, "error")
		return "", err
	}
	s.metrics.ObserveWebhook(eventType, outcome)
	s.log.Info("stripe event handled", "event_id", event.ID, "type", eventType, "outcome", outcome)
	return outcome, nil
}

func (s *Service) apply(ctx context.Context, event stripe.Event) (string, error) {
	switch event.Type {
	case stripe.EventTypeCheckoutSessionCompleted:
		var cs stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &cs); err != nil {
			return "", fmt.Errorf("decode checkout session: %w", err)
		}
		if cs.ClientReferenceID == "" || cs.Customer == nil {
			return "ignored", nil
		}
		subID := ""
		if cs.Subscription != nil {
			subID = cs.Subscription.ID
		}
		if err := s.store.LinkCustomer(ctx, cs.ClientReferenceID, cs.Customer.ID, subID); err != nil {
			return "", err
		}
		return "processed", nil

	case stripe.EventTypeCustomerSubscriptionCreated,
		stripe.EventTypeCustomerSubscriptionUpdated,
		stripe.EventTypeCustomerSubscriptionDeleted:
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return "", fmt.Errorf("decode subscription: %w", err)
		}
		u := SubscriptionUpdate{
			UserID:         sub.Metadata["user_id"],
			SubscriptionID: sub.ID,
			Status:         string(sub.Status),
		}
		if sub.Customer != nil {
			u.CustomerID = sub.Customer.ID
		}
		if event.Type == stripe.EventTypeCustomerSubscriptionDeleted && u.Status == "" {
			u.Status = string(stripe.SubscriptionStatusCanceled)
		}
		if sub.CurrentPeriodEnd > 0 {
			end := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
			u.CurrentPeriodEnd = &end
		}
		matched, err := s.store.ApplySubscription(ctx, u)
		if err != nil {
			return "", err
		}
		if !matched {
			s.log.Warn("stripe subscription has no matching user", "customer", u.CustomerID, "subscription", u.SubscriptionID)
			return "unmatched", nil
		}
		return "processed", nil
	}
	return "ignored", nil
}
