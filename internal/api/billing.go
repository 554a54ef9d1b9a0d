package api

import (
	"errors"
	"io"
	"net/http"

	"munymo/internal/billing"
)

const maxWebhookBytes = 64 << 10

func (s *Server) billingEnabled() bool {
	return s.billing != nil && s.billing.Enabled()
}

func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	if !s.billingEnabled() {
		writeDomainError(w, billing.ErrDisabled)
		return
	}
	url, err := s.billing.CreateCheckout(r.Context(), user.UserID, user.Email)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"url": url})
}

func (s *Server) handlePortal(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	if !s.billingEnabled() {
		writeDomainError(w, billing.ErrDisabled)
		return
	}
	url, err := s.billing.CreatePortal(r.Context(), user.UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"url": url})
}

func (s *Server) handleSubscription(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	if !s.billingEnabled() {
		writeJSON(w, http.StatusOK, billing.Subscription{Status: "none", Tier: billing.TierFree})
		return
	}
	sub, err := s.billing.Subscription(r.Context(), user.UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// handleStripeWebhook must see the exact request bytes for signature checks.
// Unmatched and ignored events still answer 200 so Stripe stops retrying.
func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	if !s.billingEnabled() {
		writeDomainError(w, billing.ErrDisabled)
		return
	}
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(payload) > maxWebhookBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "webhook payload too large")
		return
	}
	outcome, err := s.billing.HandleWebhook(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		if !errors.Is(err, billing.ErrInvalidSignature) {
			s.log.Error("stripe webhook failed", "err", err)
		}
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"received": true, "outcome": outcome})
}
