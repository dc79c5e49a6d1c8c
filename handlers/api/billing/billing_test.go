package billing

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"cloudvault/core"
	"cloudvault/handlers/auth"
	"cloudvault/middleware"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	subs      map[string]*core.Subscription
	checkouts []core.CheckoutRequest
	canceled  []string
	failWith  error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{subs: make(map[string]*core.Subscription)}
}

func (p *fakeProvider) CreateCheckoutSession(ctx context.Context, userID string, req core.CheckoutRequest) (*core.CheckoutSession, error) {
	if p.failWith != nil {
		return nil, p.failWith
	}
	p.checkouts = append(p.checkouts, req)
	return &core.CheckoutSession{SessionID: "cs_" + userID}, nil
}

func (p *fakeProvider) CreateSubscription(ctx context.Context, userID string, req core.CheckoutRequest) (*core.Subscription, error) {
	sub := &core.Subscription{Plan: req.PlanID, Status: "active", SubscriptionID: "sub_" + userID}
	p.subs[userID] = sub
	return sub, nil
}

func (p *fakeProvider) GetSubscription(ctx context.Context, userID string) (*core.Subscription, error) {
	if p.failWith != nil {
		return nil, p.failWith
	}
	sub, ok := p.subs[userID]
	if !ok {
		return nil, core.ErrNoSubscription
	}
	copied := *sub
	return &copied, nil
}

func (p *fakeProvider) CancelSubscription(ctx context.Context, userID, subscriptionID string) error {
	p.canceled = append(p.canceled, subscriptionID)
	p.subs[userID].CancelAtPeriodEnd = true
	return nil
}

func (p *fakeProvider) ReactivateSubscription(ctx context.Context, userID, subscriptionID string) error {
	p.subs[userID].CancelAtPeriodEnd = false
	return nil
}

var testPlans = []core.Plan{
	{ID: "basic", Name: "Basic Plan", PriceID: "price_basic"},
	{ID: "pro", Name: "Pro Plan", PriceID: "price_pro"},
}

type testServer struct {
	handler  http.Handler
	verifier *auth.JWTVerifier
}

func newTestServer(t *testing.T, provider core.PaymentProvider) *testServer {
	t.Helper()
	v := auth.NewJWTVerifier([]byte("secret"), time.Hour)
	r := chi.NewRouter()
	r.Route("/api/v2", func(r chi.Router) {
		r.Use(middleware.AuthJWT(v))
		RegisterRoutes(r, provider, testPlans)
	})
	return &testServer{handler: r, verifier: v}
}

func (s *testServer) do(t *testing.T, method, target, subject, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if subject != "" {
		token, err := s.verifier.CreateJWT(&core.User{Subject: subject})
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func TestBillingRequiresSession(t *testing.T) {
	s := newTestServer(t, newFakeProvider())
	rec := s.do(t, http.MethodGet, "/api/v2/billing/subscription", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestBillingNotConfigured(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodGet, "/api/v2/billing/plans", "u1", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v2/billing/checkout", "u1", `{"planId":"pro"}`)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestCheckoutUsesCatalogPrice(t *testing.T) {
	provider := newFakeProvider()
	s := newTestServer(t, provider)

	rec := s.do(t, http.MethodPost, "/api/v2/billing/checkout", "u1", `{"planId":"pro","priceId":"price_free"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var session core.CheckoutSession
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &session))
	assert.Equal(t, "cs_u1", session.SessionID)
	assert.Equal(t, []core.CheckoutRequest{{PlanID: "pro", PriceID: "price_pro"}}, provider.checkouts)

	rec = s.do(t, http.MethodPost, "/api/v2/billing/checkout", "u1", `{"planId":"platinum"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v2/billing/checkout", "u1", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubscriptionLifecycle(t *testing.T) {
	provider := newFakeProvider()
	s := newTestServer(t, provider)

	rec := s.do(t, http.MethodGet, "/api/v2/billing/subscription", "u1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v2/billing/subscription", "u1", `{"planId":"basic"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v2/billing/subscription/cancel", "u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var sub core.Subscription
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sub))
	assert.True(t, sub.CancelAtPeriodEnd)
	assert.Equal(t, []string{"sub_u1"}, provider.canceled)

	rec = s.do(t, http.MethodPost, "/api/v2/billing/subscription/reactivate", "u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sub))
	assert.False(t, sub.CancelAtPeriodEnd)

	rec = s.do(t, http.MethodPost, "/api/v2/billing/subscription/cancel", "u2", "")
	assert.Equal(t, http.StatusNotFound, rec.Code, "users only reach their own subscription")
}

func TestCancelWithoutSubscriptionID(t *testing.T) {
	provider := newFakeProvider()
	provider.subs["u1"] = &core.Subscription{Plan: "free", Status: "active"}
	s := newTestServer(t, provider)

	rec := s.do(t, http.MethodPost, "/api/v2/billing/subscription/cancel", "u1", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Empty(t, provider.canceled)
}

func TestProviderFailure(t *testing.T) {
	provider := newFakeProvider()
	provider.failWith = errors.New("upstream timeout")
	s := newTestServer(t, provider)

	rec := s.do(t, http.MethodGet, "/api/v2/billing/subscription", "u1", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}
