package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"cloudvault/collab"
	"cloudvault/collab/presence"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sent struct {
	event   string
	payload map[string]any
}

type fakeConn struct {
	mu       sync.Mutex
	handlers map[string][]func(args ...any)
	sent     []sent
	closed   bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{handlers: make(map[string][]func(args ...any))}
}

func (f *fakeConn) On(event string, handler func(args ...any)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[event] = append(f.handlers[event], handler)
}

func (f *fakeConn) Emit(event string, args ...any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	payload, _ := args[0].(map[string]any)
	f.sent = append(f.sent, sent{event, payload})
	return nil
}

func (f *fakeConn) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.closed
}

func (f *fakeConn) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeConn) fire(event string, args ...any) {
	f.mu.Lock()
	handlers := append([]func(args ...any){}, f.handlers[event]...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(args...)
	}
}

func (f *fakeConn) events() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent{}, f.sent...)
}

func (f *fakeConn) last() sent {
	evs := f.events()
	if len(evs) == 0 {
		return sent{}
	}
	return evs[len(evs)-1]
}

func staticToken(ctx context.Context) (string, error) { return "token", nil }

func openController(t *testing.T, opts Options) (*Controller, *fakeConn) {
	t.Helper()
	conn := newFakeConn()
	opts.Dial = func(ctx context.Context, token string) (Conn, error) { return conn, nil }
	opts.Token = staticToken
	c := NewController(opts)
	require.NoError(t, c.Open(context.Background()))
	t.Cleanup(c.Close)
	return c, conn
}

func participant(id string) map[string]any {
	return map[string]any{
		"id":           id,
		"email":        id + "@example.com",
		"displayName":  "User " + id,
		"status":       "online",
		"lastActivity": float64(1700000000000),
	}
}

func TestOpenRetriesThenSucceeds(t *testing.T) {
	conn := newFakeConn()
	calls := 0
	c := NewController(Options{
		Token:          staticToken,
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		Dial: func(ctx context.Context, token string) (Conn, error) {
			calls++
			if calls < 3 {
				return nil, errors.New("unauthorized")
			}
			return conn, nil
		},
	})
	defer c.Close()

	require.NoError(t, c.Open(context.Background()))
	assert.Equal(t, 3, calls)

	st := c.State()
	assert.True(t, st.Connected)
	assert.Empty(t, st.LastError)
}

func TestOpenGivesUpAfterMaxAttempts(t *testing.T) {
	calls := 0
	c := NewController(Options{
		Token:          staticToken,
		MaxAttempts:    2,
		InitialBackoff: time.Millisecond,
		Dial: func(ctx context.Context, token string) (Conn, error) {
			calls++
			return nil, errors.New("unauthorized")
		},
	})

	err := c.Open(context.Background())
	require.Error(t, err)
	assert.Equal(t, 2, calls)

	st := c.State()
	assert.False(t, st.Connected)
	assert.Equal(t, "unauthorized", st.LastError)
}

func TestOpenStopsOnTokenError(t *testing.T) {
	calls := 0
	c := NewController(Options{
		Token: func(ctx context.Context) (string, error) { return "", errors.New("signed out") },
		Dial: func(ctx context.Context, token string) (Conn, error) {
			calls++
			return newFakeConn(), nil
		},
	})

	assert.Error(t, c.Open(context.Background()))
	assert.Zero(t, calls)
}

func TestEmittersAreNoOpsWhenDisconnected(t *testing.T) {
	c := NewController(Options{})
	c.Watch("F1")
	c.UpdateCursor(1, 2)
	c.UpdateSelection(1, 2)
	c.SendTextChange([]any{"x"})
	c.StartTyping()
	c.StopTyping()
	c.UpdatePresence(presence.Away)

	st := c.State()
	assert.False(t, st.Connected)
	assert.Equal(t, "F1", st.FileID)
	assert.Equal(t, presence.Online, st.Status)
}

func TestWatchLeavesPreviousFileFirst(t *testing.T) {
	c, conn := openController(t, Options{})

	c.Watch("F1")
	c.Watch("F1")
	c.Watch("F2")
	c.Watch("")

	assert.Equal(t, []sent{
		{string(collab.JoinFile), map[string]any{"fileId": "F1"}},
		{string(collab.LeaveFile), map[string]any{"fileId": "F1"}},
		{string(collab.JoinFile), map[string]any{"fileId": "F2"}},
		{string(collab.LeaveFile), map[string]any{"fileId": "F2"}},
	}, conn.events())
}

func TestWatchBeforeOpenJoinsOnConnect(t *testing.T) {
	conn := newFakeConn()
	c := NewController(Options{
		Token: staticToken,
		Dial:  func(ctx context.Context, token string) (Conn, error) { return conn, nil },
	})
	defer c.Close()

	c.Watch("F1")
	require.NoError(t, c.Open(context.Background()))

	assert.Equal(t, []sent{{string(collab.JoinFile), map[string]any{"fileId": "F1"}}}, conn.events())
}

func TestEmittersTagWatchedFile(t *testing.T) {
	c, conn := openController(t, Options{})
	c.Watch("F1")

	c.UpdateCursor(10, 20)
	assert.Equal(t, sent{string(collab.CursorUpdate), map[string]any{"fileId": "F1", "x": float64(10), "y": float64(20)}}, conn.last())

	c.UpdateSelection(3, 7)
	assert.Equal(t, sent{string(collab.SelectionUpdate), map[string]any{"fileId": "F1", "start": 3, "end": 7}}, conn.last())

	c.StartTyping()
	assert.Equal(t, sent{string(collab.TypingStart), map[string]any{"fileId": "F1"}}, conn.last())

	c.SendTextChange([]any{"a"})
	last := conn.last()
	assert.Equal(t, string(collab.TextChange), last.event)
	assert.Equal(t, []any{"a"}, last.payload["changes"])
	assert.NotZero(t, last.payload["timestamp"])
}

func TestFoldsServerEvents(t *testing.T) {
	c, conn := openController(t, Options{})
	c.Watch("F1")

	conn.fire(collab.EventFileState, map[string]any{
		"users":      []any{participant("U1"), participant("U2")},
		"cursors":    []any{map[string]any{"userId": "U2", "x": float64(1), "y": float64(2)}},
		"selections": []any{},
	})
	conn.fire(collab.EventUserJoined, map[string]any{"user": participant("U3"), "totalUsers": float64(3)})
	conn.fire(collab.EventCursorUpdated, map[string]any{"userId": "U3", "x": float64(5), "y": float64(6)})
	conn.fire(collab.EventSelectionUpdated, map[string]any{"userId": "U2", "start": float64(4), "end": float64(8)})
	conn.fire(collab.EventUserTyping, map[string]any{"userId": "U3", "email": "U3@example.com"})
	conn.fire(collab.EventPresenceUpdated, map[string]any{"userId": "U2", "status": "away"})

	st := c.State()
	require.Len(t, st.Users, 3)
	assert.Equal(t, "U3", st.Users[2].ID)
	assert.Equal(t, "U3@example.com", st.Users[2].Email)
	assert.Equal(t, presence.Away, st.Users[1].Status)
	assert.Equal(t, presence.Cursor{UserID: "U3", X: 5, Y: 6}, st.Cursors["U3"])
	assert.Equal(t, presence.Cursor{UserID: "U2", X: 1, Y: 2}, st.Cursors["U2"])
	assert.Equal(t, presence.Selection{UserID: "U2", Start: 4, End: 8}, st.Selections["U2"])
	assert.Equal(t, []string{"U3"}, st.Typing)
	assert.Equal(t, []string{"U3@example.com"}, c.TypingEmails())

	conn.fire(collab.EventUserLeft, map[string]any{"userId": "U3", "totalUsers": float64(2)})

	st = c.State()
	assert.Len(t, st.Users, 2)
	assert.NotContains(t, st.Cursors, "U3")
	assert.Empty(t, st.Typing)
	assert.Empty(t, c.TypingEmails())
}

func TestUserLeftKeepsOtherTabOfSameUser(t *testing.T) {
	c, conn := openController(t, Options{})
	c.Watch("F1")

	conn.fire(collab.EventFileState, map[string]any{
		"users":      []any{participant("U1"), participant("U2"), participant("U2")},
		"cursors":    []any{map[string]any{"userId": "U2", "x": float64(1), "y": float64(1)}},
		"selections": []any{},
	})
	conn.fire(collab.EventUserLeft, map[string]any{"userId": "U2", "totalUsers": float64(2)})

	st := c.State()
	assert.Len(t, st.Users, 2)
	assert.Contains(t, st.Cursors, "U2")
}

func TestTextChangeCallback(t *testing.T) {
	got := make(chan collab.TextChangedPayload, 1)
	_, conn := openController(t, Options{OnTextChange: func(p collab.TextChangedPayload) { got <- p }})

	conn.fire(collab.EventTextChanged, map[string]any{
		"userId":    "U2",
		"changes":   []any{map[string]any{"op": "ins"}},
		"timestamp": float64(1700),
	})

	p := <-got
	assert.Equal(t, "U2", p.UserID)
	assert.Equal(t, int64(1700), p.Timestamp)
	assert.Len(t, p.Changes, 1)
}

func TestMalformedServerEventIgnored(t *testing.T) {
	c, conn := openController(t, Options{})
	conn.fire(collab.EventCursorUpdated)
	conn.fire(collab.EventCursorUpdated, "garbage")
	assert.Empty(t, c.State().Cursors)
}

func TestDisconnectAndReconnect(t *testing.T) {
	c, conn := openController(t, Options{})
	c.Watch("F1")
	conn.fire(collab.EventFileState, map[string]any{
		"users": []any{participant("U1")}, "cursors": []any{}, "selections": []any{},
	})

	conn.fire("disconnect", "transport close")
	st := c.State()
	assert.False(t, st.Connected)
	assert.Empty(t, st.Users)

	c.UpdateCursor(1, 1)
	assert.Equal(t, string(collab.JoinFile), conn.last().event)

	conn.fire("connect_error", errors.New("unauthorized"))
	assert.Equal(t, "unauthorized", c.State().LastError)

	conn.fire("connect")
	st = c.State()
	assert.True(t, st.Connected)
	assert.Empty(t, st.LastError)
	assert.Equal(t, sent{string(collab.JoinFile), map[string]any{"fileId": "F1"}}, conn.last())
}

func TestIdleTransitionsEmitPresence(t *testing.T) {
	c, conn := openController(t, Options{IdleTimeout: 20 * time.Millisecond})

	require.Eventually(t, func() bool { return c.State().Status == presence.Away }, time.Second, 5*time.Millisecond)
	assert.Equal(t, sent{string(collab.PresenceUpdate), map[string]any{"status": "away"}}, conn.last())

	c.Activity()
	assert.Equal(t, presence.Online, c.State().Status)
	assert.Equal(t, sent{string(collab.PresenceUpdate), map[string]any{"status": "online"}}, conn.last())
}

func TestCloseLeavesWatchedFile(t *testing.T) {
	conn := newFakeConn()
	c := NewController(Options{
		Token: staticToken,
		Dial:  func(ctx context.Context, token string) (Conn, error) { return conn, nil },
	})
	require.NoError(t, c.Open(context.Background()))
	c.Watch("F1")

	c.Close()

	assert.Equal(t, sent{string(collab.LeaveFile), map[string]any{"fileId": "F1"}}, conn.last())
	assert.False(t, conn.Connected())
	assert.False(t, c.State().Connected)
}
