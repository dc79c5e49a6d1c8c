package billing

import (
	"errors"
	"net/http"

	"cloudvault/core"
	"cloudvault/middleware"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"
)

type handler struct {
	provider core.PaymentProvider
	plans    []core.Plan
}

// RegisterRoutes adds the billing routes. r must already require a session
// token. A nil provider keeps the plan catalog readable and answers 501
// everywhere else.
func RegisterRoutes(r chi.Router, provider core.PaymentProvider, plans []core.Plan) {
	h := &handler{provider: provider, plans: plans}
	r.Route("/billing", func(r chi.Router) {
		r.Get("/plans", h.HandlePlans)
		r.Group(func(r chi.Router) {
			r.Use(h.requireProvider)
			r.Post("/checkout", h.HandleCheckout)
			r.Get("/subscription", h.HandleGetSubscription)
			r.Post("/subscription", h.HandleCreateSubscription)
			r.Post("/subscription/cancel", h.HandleCancel)
			r.Post("/subscription/reactivate", h.HandleReactivate)
		})
	})
}

func (h *handler) requireProvider(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.provider == nil {
			render.Status(r, http.StatusNotImplemented)
			render.JSON(w, r, map[string]string{"error": "Billing is not configured"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		render.Status(r, http.StatusUnauthorized)
		render.JSON(w, r, map[string]string{"error": "User claims not found"})
		return "", false
	}
	return claims.Subject, true
}

func renderError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	render.Status(r, status)
	render.JSON(w, r, map[string]string{"error": msg})
}

func renderProviderError(w http.ResponseWriter, r *http.Request, err error, uid, msg string) {
	if errors.Is(err, core.ErrNoSubscription) {
		renderError(w, r, http.StatusNotFound, "No subscription found")
		return
	}
	logrus.WithFields(logrus.Fields{"userID": uid}).WithError(err).Error(msg)
	renderError(w, r, http.StatusBadGateway, msg)
}

func (h *handler) HandlePlans(w http.ResponseWriter, r *http.Request) {
	plans := h.plans
	if plans == nil {
		plans = []core.Plan{}
	}
	render.JSON(w, r, plans)
}

// checkoutRequest resolves the requested plan from the catalog. Clients name a
// plan; the price charged always comes from the catalog.
func (h *handler) checkoutRequest(w http.ResponseWriter, r *http.Request) (core.CheckoutRequest, bool) {
	var req core.CheckoutRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		renderError(w, r, http.StatusBadRequest, "Invalid request body")
		return req, false
	}
	for _, p := range h.plans {
		if p.ID == req.PlanID {
			return core.CheckoutRequest{PlanID: p.ID, PriceID: p.PriceID}, true
		}
	}
	renderError(w, r, http.StatusBadRequest, "Unknown plan")
	return req, false
}

func (h *handler) HandleCheckout(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	req, ok := h.checkoutRequest(w, r)
	if !ok {
		return
	}
	session, err := h.provider.CreateCheckoutSession(r.Context(), uid, req)
	if err != nil {
		renderProviderError(w, r, err, uid, "Failed to create checkout session")
		return
	}
	render.JSON(w, r, session)
}

func (h *handler) HandleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	req, ok := h.checkoutRequest(w, r)
	if !ok {
		return
	}
	sub, err := h.provider.CreateSubscription(r.Context(), uid, req)
	if err != nil {
		renderProviderError(w, r, err, uid, "Failed to create subscription")
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, sub)
}

func (h *handler) HandleGetSubscription(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	sub, err := h.provider.GetSubscription(r.Context(), uid)
	if err != nil {
		renderProviderError(w, r, err, uid, "Failed to load subscription")
		return
	}
	render.JSON(w, r, sub)
}

// lifecycle applies action to the caller's own subscription and answers with
// the refreshed status.
func (h *handler) lifecycle(action func(r *http.Request, uid, subscriptionID string) error, msg string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, ok := userID(w, r)
		if !ok {
			return
		}
		current, err := h.provider.GetSubscription(r.Context(), uid)
		if err != nil {
			renderProviderError(w, r, err, uid, msg)
			return
		}
		if current.SubscriptionID == "" {
			renderError(w, r, http.StatusConflict, "No active subscription")
			return
		}
		if err := action(r, uid, current.SubscriptionID); err != nil {
			renderProviderError(w, r, err, uid, msg)
			return
		}

		updated, err := h.provider.GetSubscription(r.Context(), uid)
		if err != nil {
			renderProviderError(w, r, err, uid, "Failed to load subscription")
			return
		}
		logrus.WithFields(logrus.Fields{"userID": uid, "status": updated.Status}).Info("Subscription updated")
		render.JSON(w, r, updated)
	}
}

func (h *handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(func(r *http.Request, uid, id string) error {
		return h.provider.CancelSubscription(r.Context(), uid, id)
	}, "Failed to cancel subscription")(w, r)
}

func (h *handler) HandleReactivate(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(func(r *http.Request, uid, id string) error {
		return h.provider.ReactivateSubscription(r.Context(), uid, id)
	}, "Failed to reactivate subscription")(w, r)
}
