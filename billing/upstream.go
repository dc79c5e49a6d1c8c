// Package billing talks to the payment backend that owns checkout sessions
// and subscriptions.
package billing

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"cloudvault/core"

	"github.com/go-resty/resty/v2"
)

const (
	checkoutPath     = "/api/stripe/create-checkout-session"
	subscriptionPath = "/api/stripe/subscription/{userId}"
)

const gigabyte = int64(1) << 30

// DefaultPlans is the premium catalog. Price ids can be overridden per plan.
var DefaultPlans = []core.Plan{
	{
		ID:           "basic",
		Name:         "Basic Plan",
		Price:        9.99,
		StorageLimit: 100 * gigabyte,
		Features:     []string{"100 GB Storage", "Basic Support", "File Sharing", "Version History"},
		PriceID:      "price_basic_monthly",
	},
	{
		ID:           "pro",
		Name:         "Pro Plan",
		Price:        19.99,
		StorageLimit: 1024 * gigabyte,
		Features:     []string{"1 TB Storage", "Priority Support", "Advanced Sharing", "Full Version History", "Real-time Collaboration"},
		PriceID:      "price_pro_monthly",
	},
	{
		ID:           "enterprise",
		Name:         "Enterprise Plan",
		Price:        49.99,
		StorageLimit: 5 * 1024 * gigabyte,
		Features:     []string{"5 TB Storage", "24/7 Support", "Advanced Security", "Team Management", "Real-time Collaboration", "Custom Integrations"},
		PriceID:      "price_enterprise_monthly",
	},
}

// Catalog returns DefaultPlans with price ids replaced from overrides, keyed by plan id.
func Catalog(overrides map[string]string) []core.Plan {
	plans := make([]core.Plan, len(DefaultPlans))
	for i, p := range DefaultPlans {
		p.Features = append([]string(nil), p.Features...)
		if priceID, ok := overrides[p.ID]; ok && priceID != "" {
			p.PriceID = priceID
		}
		plans[i] = p
	}
	return plans
}

// UpstreamProvider implements core.PaymentProvider against an HTTP payment backend.
type UpstreamProvider struct {
	httpClient *resty.Client
}

var _ core.PaymentProvider = (*UpstreamProvider)(nil)

func NewUpstreamProvider(baseURL, apiKey string, timeout time.Duration) *UpstreamProvider {
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetHeader("User-Agent", "cloudvault-billing/1.0").
		SetTimeout(timeout)
	if apiKey != "" {
		client.SetAuthToken(apiKey)
	}
	return &UpstreamProvider{httpClient: client}
}

type upstreamError struct {
	Error string `json:"error"`
}

// checkResponse turns transport failures and error statuses into errors.
// notFound, when set, is returned for a 404.
func checkResponse(op string, resp *resty.Response, err, notFound error) error {
	if err != nil {
		return fmt.Errorf("billing %s: %w", op, err)
	}
	if notFound != nil && resp.StatusCode() == http.StatusNotFound {
		return notFound
	}
	if resp.IsError() {
		msg := resp.String()
		if e, ok := resp.Error().(*upstreamError); ok && e.Error != "" {
			msg = e.Error
		}
		return fmt.Errorf("billing %s failed (status %d): %s", op, resp.StatusCode(), msg)
	}
	return nil
}

func (p *UpstreamProvider) CreateCheckoutSession(ctx context.Context, userID string, req core.CheckoutRequest) (*core.CheckoutSession, error) {
	var result core.CheckoutSession
	resp, err := p.httpClient.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"priceId": req.PriceID,
			"planId":  req.PlanID,
			"userId":  userID,
		}).
		SetResult(&result).
		SetError(&upstreamError{}).
		Post(checkoutPath)
	if err := checkResponse("create checkout session", resp, err, nil); err != nil {
		return nil, err
	}
	if result.SessionID == "" {
		return nil, fmt.Errorf("billing create checkout session: response has no sessionId")
	}
	return &result, nil
}

func (p *UpstreamProvider) CreateSubscription(ctx context.Context, userID string, req core.CheckoutRequest) (*core.Subscription, error) {
	var result core.Subscription
	resp, err := p.httpClient.R().
		SetContext(ctx).
		SetPathParam("userId", userID).
		SetBody(req).
		SetResult(&result).
		SetError(&upstreamError{}).
		Post(subscriptionPath)
	if err := checkResponse("create subscription", resp, err, nil); err != nil {
		return nil, err
	}
	return &result, nil
}

func (p *UpstreamProvider) GetSubscription(ctx context.Context, userID string) (*core.Subscription, error) {
	var result core.Subscription
	resp, err := p.httpClient.R().
		SetContext(ctx).
		SetPathParam("userId", userID).
		SetResult(&result).
		SetError(&upstreamError{}).
		Get(subscriptionPath)
	if err := checkResponse("get subscription", resp, err, core.ErrNoSubscription); err != nil {
		return nil, err
	}
	return &result, nil
}

func (p *UpstreamProvider) lifecycle(ctx context.Context, op, action, userID, subscriptionID string) error {
	resp, err := p.httpClient.R().
		SetContext(ctx).
		SetPathParam("userId", userID).
		SetBody(map[string]string{"subscriptionId": subscriptionID}).
		SetError(&upstreamError{}).
		Post(subscriptionPath + "/" + action)
	return checkResponse(op, resp, err, core.ErrNoSubscription)
}

func (p *UpstreamProvider) CancelSubscription(ctx context.Context, userID, subscriptionID string) error {
	return p.lifecycle(ctx, "cancel subscription", "cancel", userID, subscriptionID)
}

func (p *UpstreamProvider) ReactivateSubscription(ctx context.Context, userID, subscriptionID string) error {
	return p.lifecycle(ctx, "reactivate subscription", "reactivate", userID, subscriptionID)
}
