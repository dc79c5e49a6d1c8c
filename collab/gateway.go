package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cloudvault/collab/presence"
	"cloudvault/core"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// TokenVerifier resolves an identity token to a user.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (presence.User, error)
}

// Emitter is the outbound half of a client connection.
type Emitter interface {
	Emit(event string, args ...any) error
}

type GatewayOptions struct {
	Verifier TokenVerifier
	Registry core.RoomRegistry

	// VerifyTimeout bounds a single token verification.
	VerifyTimeout time.Duration

	// EventRate and EventBurst configure the per-connection inbound limiter.
	// A zero EventRate disables limiting.
	EventRate  float64
	EventBurst int

	MaxChanges int
}

type conn struct {
	id      string
	user    presence.User
	out     Emitter
	limiter *rate.Limiter
}

// Gateway admits authenticated connections, feeds their events to the room
// manager and delivers the manager's envelopes back to them. It owns the
// connection table for its lifetime; Shutdown releases every connection.
type Gateway struct {
	verifier      TokenVerifier
	verifyTimeout time.Duration
	eventRate     rate.Limit
	eventBurst    int
	router        Router
	manager       *Manager

	mu     sync.RWMutex
	conns  map[string]*conn
	closed bool
}

func NewGateway(opts GatewayOptions) *Gateway {
	if opts.VerifyTimeout <= 0 {
		opts.VerifyTimeout = 5 * time.Second
	}
	if opts.EventBurst <= 0 {
		opts.EventBurst = 1
	}

	g := &Gateway{
		verifier:      opts.Verifier,
		verifyTimeout: opts.VerifyTimeout,
		eventRate:     rate.Limit(opts.EventRate),
		eventBurst:    opts.EventBurst,
		router:        Router{MaxChanges: opts.MaxChanges},
		conns:         make(map[string]*conn),
	}
	g.manager = NewManager(g, opts.Registry)
	return g
}

func (g *Gateway) Manager() *Manager { return g.manager }

// Authenticate verifies token within the configured timeout. Any failure,
// including a timeout, is reported as ErrUnauthenticated.
func (g *Gateway) Authenticate(ctx context.Context, token string) (presence.User, error) {
	if token == "" {
		admissions.WithLabelValues("missing_token").Inc()
		return presence.User{}, fmt.Errorf("%w: missing token", ErrUnauthenticated)
	}
	if g.verifier == nil {
		admissions.WithLabelValues("no_verifier").Inc()
		return presence.User{}, fmt.Errorf("%w: no token verifier configured", ErrUnauthenticated)
	}

	ctx, cancel := context.WithTimeout(ctx, g.verifyTimeout)
	defer cancel()

	type result struct {
		user presence.User
		err  error
	}
	done := make(chan result, 1)
	go func() {
		user, err := g.verifier.Verify(ctx, token)
		done <- result{user, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			admissions.WithLabelValues("rejected").Inc()
			return presence.User{}, fmt.Errorf("%w: %v", ErrUnauthenticated, res.err)
		}
		if res.user.ID == "" {
			admissions.WithLabelValues("rejected").Inc()
			return presence.User{}, fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
		}
		return res.user, nil
	case <-ctx.Done():
		admissions.WithLabelValues("timeout").Inc()
		return presence.User{}, fmt.Errorf("%w: verification timed out: %v", ErrUnauthenticated, ctx.Err())
	}
}

// Admit binds an authenticated identity to a connection. The identity is fixed
// for the life of the connection.
func (g *Gateway) Admit(connID string, user presence.User, out Emitter) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return errors.New("gateway is shut down")
	}
	if _, exists := g.conns[connID]; exists {
		g.mu.Unlock()
		return fmt.Errorf("connection %s already admitted", connID)
	}
	c := &conn{id: connID, user: user, out: out}
	if g.eventRate > 0 {
		c.limiter = rate.NewLimiter(g.eventRate, g.eventBurst)
	}
	g.conns[connID] = c
	g.mu.Unlock()

	g.manager.Connect(connID, user)
	admissions.WithLabelValues("admitted").Inc()
	logrus.WithFields(logrus.Fields{
		"conn": connID,
		"user": user.ID,
	}).Info("collaboration connection admitted")
	return nil
}

// Handle processes one raw inbound event. Malformed, rate limited and
// non-member events are dropped; the returned error only explains why.
func (g *Gateway) Handle(connID, kind string, args []any) error {
	g.mu.RLock()
	c, ok := g.conns[connID]
	g.mu.RUnlock()
	if !ok {
		return ErrUnknownConn
	}

	log := logrus.WithFields(logrus.Fields{
		"conn":  connID,
		"user":  c.user.ID,
		"event": kind,
	})

	ev, err := g.router.Decode(kind, args)
	if err != nil {
		eventsHandled.WithLabelValues("unknown", "malformed").Inc()
		log.WithError(err).Debug("dropping malformed event")
		return err
	}

	if c.limiter != nil && !c.limiter.Allow() {
		eventsHandled.WithLabelValues(kind, "rate_limited").Inc()
		log.Debug("dropping rate limited event")
		return ErrRateLimited
	}

	if err := g.manager.Dispatch(connID, ev); err != nil {
		eventsHandled.WithLabelValues(kind, "dropped").Inc()
		log.WithError(err).Debug("dropping event")
		return err
	}
	eventsHandled.WithLabelValues(kind, "ok").Inc()
	return nil
}

// Close runs the mandatory cleanup for a closed connection.
func (g *Gateway) Close(connID string) {
	g.mu.Lock()
	c, ok := g.conns[connID]
	delete(g.conns, connID)
	g.mu.Unlock()
	if !ok {
		return
	}

	g.manager.Disconnect(connID)
	logrus.WithFields(logrus.Fields{
		"conn": connID,
		"user": c.user.ID,
	}).Info("collaboration connection closed")
}

// Shutdown refuses new connections and cleans up all admitted ones.
func (g *Gateway) Shutdown() {
	g.mu.Lock()
	g.closed = true
	ids := make([]string, 0, len(g.conns))
	for id := range g.conns {
		ids = append(ids, id)
	}
	g.mu.Unlock()

	for _, id := range ids {
		g.Close(id)
	}
}

// Send implements Transport.
func (g *Gateway) Send(connID string, env Envelope) {
	g.mu.RLock()
	c, ok := g.conns[connID]
	g.mu.RUnlock()
	if !ok {
		return
	}
	if err := c.out.Emit(env.Event, env.Payload); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"conn":  connID,
			"event": env.Event,
		}).Warn("failed to deliver event")
	}
}
