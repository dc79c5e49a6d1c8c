package core

import (
	"context"
	"errors"
	"time"
)

var ErrNoSubscription = errors.New("subscription not found")

type (
	// Plan is a premium tier users can subscribe to.
	Plan struct {
		ID           string   `json:"id"`
		Name         string   `json:"name"`
		Price        float64  `json:"price"`
		StorageLimit int64    `json:"storageLimit"`
		Features     []string `json:"features"`
		PriceID      string   `json:"-"`
	}

	CheckoutRequest struct {
		PlanID  string `json:"planId"`
		PriceID string `json:"priceId"`
	}

	CheckoutSession struct {
		SessionID string `json:"sessionId"`
		URL       string `json:"url,omitempty"`
	}

	// Subscription is the billing state of one user.
	Subscription struct {
		Plan              string     `json:"plan"`
		Status            string     `json:"status"`
		StorageLimit      int64      `json:"storageLimit"`
		SubscriptionID    string     `json:"subscriptionId,omitempty"`
		CancelAtPeriodEnd bool       `json:"cancelAtPeriodEnd"`
		CurrentPeriodEnd  *time.Time `json:"currentPeriodEnd,omitempty"`
	}

	// PaymentProvider is the payment backend. Every call is made on behalf of userID.
	PaymentProvider interface {
		CreateCheckoutSession(ctx context.Context, userID string, req CheckoutRequest) (*CheckoutSession, error)
		CreateSubscription(ctx context.Context, userID string, req CheckoutRequest) (*Subscription, error)

		// GetSubscription returns ErrNoSubscription when the user never subscribed.
		GetSubscription(ctx context.Context, userID string) (*Subscription, error)
		CancelSubscription(ctx context.Context, userID, subscriptionID string) error
		ReactivateSubscription(ctx context.Context, userID, subscriptionID string) error
	}
)
