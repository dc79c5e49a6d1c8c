package collab

import (
	"context"
	"sync"
	"testing"
	"time"

	"cloudvault/collab/presence"
	"cloudvault/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type delivery struct {
	to  string
	env Envelope
}

type recordingTransport struct {
	mu         sync.Mutex
	deliveries []delivery
}

func (t *recordingTransport) Send(connID string, env Envelope) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deliveries = append(t.deliveries, delivery{to: connID, env: env})
}

// to returns envelopes delivered to connID, optionally filtered by event name.
func (t *recordingTransport) to(connID string, events ...string) []Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Envelope
	for _, d := range t.deliveries {
		if d.to != connID {
			continue
		}
		if len(events) > 0 && !contains(events, d.env.Event) {
			continue
		}
		out = append(out, d.env)
	}
	return out
}

func (t *recordingTransport) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deliveries = nil
}

func (t *recordingTransport) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.deliveries)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

type fakeRegistry struct {
	mu      sync.Mutex
	touched []string
}

func (r *fakeRegistry) ListRooms(ctx context.Context) ([]core.Room, error) { return nil, nil }
func (r *fakeRegistry) DeleteRoom(ctx context.Context, roomID string) error { return nil }
func (r *fakeRegistry) TouchRoom(ctx context.Context, roomID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touched = append(r.touched, roomID)
	return nil
}

func user(id string) presence.User {
	return presence.User{ID: id, Email: id + "@example.com", DisplayName: "User " + id}
}

func newTestManager(t *testing.T, conns ...string) (*Manager, *recordingTransport) {
	t.Helper()
	transport := &recordingTransport{}
	m := NewManager(transport, nil)
	m.now = func() time.Time { return time.UnixMilli(1700000000000) }
	for _, c := range conns {
		m.Connect(c, user("U"+c[1:]))
	}
	return m, transport
}

func TestJoinAloneReceivesOwnState(t *testing.T) {
	m, transport := newTestManager(t, "c1")

	require.NoError(t, m.Join("c1", "F1"))

	envs := transport.to("c1")
	require.Len(t, envs, 1)
	assert.Equal(t, EventFileState, envs[0].Event)

	state := envs[0].Payload.(presence.State)
	require.Len(t, state.Users, 1)
	assert.Equal(t, "U1", state.Users[0].ID)
	assert.Equal(t, presence.Online, state.Users[0].Status)
	assert.Empty(t, state.Cursors)
	assert.Empty(t, state.Selections)
}

func TestSecondJoinerScenario(t *testing.T) {
	m, transport := newTestManager(t, "c1", "c2")
	require.NoError(t, m.Join("c1", "F1"))
	transport.reset()

	require.NoError(t, m.Join("c2", "F1"))

	joined := transport.to("c1", EventUserJoined)
	require.Len(t, joined, 1)
	payload := joined[0].Payload.(UserJoinedPayload)
	assert.Equal(t, "U2", payload.User.ID)
	assert.Equal(t, 2, payload.TotalUsers)

	states := transport.to("c2", EventFileState)
	require.Len(t, states, 1)
	state := states[0].Payload.(presence.State)
	require.Len(t, state.Users, 2)
	assert.Equal(t, "U1", state.Users[0].ID)
	assert.Equal(t, "U2", state.Users[1].ID)
	assert.Empty(t, state.Cursors)
	assert.Empty(t, state.Selections)

	assert.Empty(t, transport.to("c2", EventUserJoined), "joiner must not be told about itself")
}

func TestJoinLeaveIdempotence(t *testing.T) {
	m, transport := newTestManager(t, "c1", "c2")
	require.NoError(t, m.Join("c2", "F1"))

	require.NoError(t, m.Join("c1", "F1"))
	require.NoError(t, m.Join("c1", "F1"))
	state, ok := m.State("F1")
	require.True(t, ok)
	assert.Len(t, state.Users, 2)
	assert.Len(t, transport.to("c2", EventUserJoined), 1, "rejoin must not re-announce")
	assert.Len(t, transport.to("c1", EventFileState), 2, "rejoin still replies with state")

	require.NoError(t, m.Leave("c1", "F1"))
	require.NoError(t, m.Leave("c1", "F1"))
	state, ok = m.State("F1")
	require.True(t, ok)
	assert.Len(t, state.Users, 1)
	assert.Len(t, transport.to("c2", EventUserLeft), 1, "second leave is a no-op")

	require.NoError(t, m.Join("c1", "F1"))
	state, _ = m.State("F1")
	assert.Len(t, state.Users, 2)
}

func TestLeaveNonMemberIsSilent(t *testing.T) {
	m, transport := newTestManager(t, "c1", "c2")
	require.NoError(t, m.Join("c1", "F1"))
	transport.reset()

	require.NoError(t, m.Leave("c2", "F1"))
	require.NoError(t, m.Leave("c2", "nope"))
	assert.Zero(t, transport.count())
}

func TestEmptyRoomIsDiscardedAndRecreatedFresh(t *testing.T) {
	m, transport := newTestManager(t, "c1", "c2")
	require.NoError(t, m.Join("c1", "F1"))
	require.NoError(t, m.UpdateCursor("c1", "F1", 5, 5))
	require.NoError(t, m.UpdateSelection("c1", "F1", 1, 2))
	require.NoError(t, m.StartTyping("c1", "F1"))

	require.NoError(t, m.Leave("c1", "F1"))
	_, ok := m.State("F1")
	assert.False(t, ok)
	assert.Empty(t, m.Rooms())

	transport.reset()
	require.NoError(t, m.Join("c2", "F1"))
	states := transport.to("c2", EventFileState)
	require.Len(t, states, 1)
	state := states[0].Payload.(presence.State)
	assert.Len(t, state.Users, 1)
	assert.Empty(t, state.Cursors)
	assert.Empty(t, state.Selections)
}

func TestDisconnectLeavesEveryRoomOnce(t *testing.T) {
	m, transport := newTestManager(t, "c1", "c2", "c3")
	for _, f := range []string{"A", "B", "C"} {
		require.NoError(t, m.Join("c1", f))
	}
	require.NoError(t, m.Join("c2", "A"))
	require.NoError(t, m.Join("c2", "B"))
	require.NoError(t, m.Join("c3", "C"))
	transport.reset()

	m.Disconnect("c1")

	assert.Len(t, transport.to("c2", EventUserLeft), 2)
	assert.Len(t, transport.to("c3", EventUserLeft), 1)
	assert.Empty(t, transport.to("c1"))
	for _, f := range []string{"A", "B", "C"} {
		state, ok := m.State(f)
		require.True(t, ok)
		require.Len(t, state.Users, 1)
		assert.NotEqual(t, "U1", state.Users[0].ID)
	}
	assert.Nil(t, m.RoomsOf("c1"))

	left := transport.to("c3", EventUserLeft)[0].Payload.(UserLeftPayload)
	assert.Equal(t, UserLeftPayload{UserID: "U1", TotalUsers: 1}, left)

	assert.ErrorIs(t, m.Join("c1", "A"), ErrUnknownConn)
}

func TestCursorScenario(t *testing.T) {
	m, transport := newTestManager(t, "c1", "c2")
	require.NoError(t, m.Join("c1", "F1"))
	require.NoError(t, m.Join("c2", "F1"))
	transport.reset()

	require.NoError(t, m.UpdateCursor("c1", "F1", 10, 20))

	got := transport.to("c2", EventCursorUpdated)
	require.Len(t, got, 1)
	assert.Equal(t, presence.Cursor{UserID: "U1", X: 10, Y: 20}, got[0].Payload)
	assert.Empty(t, transport.to("c1", EventCursorUpdated))
}

func TestLatestCursorVisibleToNewJoiner(t *testing.T) {
	m, transport := newTestManager(t, "c1", "c2")
	require.NoError(t, m.Join("c1", "F1"))
	require.NoError(t, m.UpdateCursor("c1", "F1", 1, 2))
	require.NoError(t, m.UpdateCursor("c1", "F1", 3, 4))
	require.NoError(t, m.UpdateSelection("c1", "F1", 0, 1))
	require.NoError(t, m.UpdateSelection("c1", "F1", 5, 8))

	require.NoError(t, m.Join("c2", "F1"))

	state := transport.to("c2", EventFileState)[0].Payload.(presence.State)
	assert.Equal(t, []presence.Cursor{{UserID: "U1", X: 3, Y: 4}}, state.Cursors)
	assert.Equal(t, []presence.Selection{{UserID: "U1", Start: 5, End: 8}}, state.Selections)
}

func TestNonMemberEventsAreDropped(t *testing.T) {
	m, transport := newTestManager(t, "c1", "c2")
	require.NoError(t, m.Join("c1", "F1"))
	transport.reset()

	assert.ErrorIs(t, m.UpdateCursor("c2", "F1", 1, 1), ErrNotMember)
	assert.ErrorIs(t, m.UpdateSelection("c2", "F1", 1, 1), ErrNotMember)
	assert.ErrorIs(t, m.ChangeText("c2", "F1", []any{"x"}, 1), ErrNotMember)
	assert.ErrorIs(t, m.StartTyping("c2", "F1"), ErrNotMember)
	assert.ErrorIs(t, m.StopTyping("c2", "F1"), ErrNotMember)
	assert.ErrorIs(t, m.UpdateCursor("c2", "missing", 1, 1), ErrNotMember)
	assert.ErrorIs(t, m.UpdateCursor("ghost", "F1", 1, 1), ErrUnknownConn)

	assert.Zero(t, transport.count())
	state, _ := m.State("F1")
	assert.Empty(t, state.Cursors)
	assert.Empty(t, state.Selections)
}

func TestTextChangeIsRelayedVerbatim(t *testing.T) {
	m, transport := newTestManager(t, "c1", "c2", "c3")
	for _, c := range []string{"c1", "c2", "c3"} {
		require.NoError(t, m.Join(c, "F1"))
	}
	transport.reset()

	changes := []any{map[string]any{"op": "insert", "pos": float64(3), "text": "hi"}}
	require.NoError(t, m.ChangeText("c1", "F1", changes, 42))
	require.NoError(t, m.ChangeText("c1", "F1", changes, 0))

	for _, c := range []string{"c2", "c3"} {
		got := transport.to(c, EventTextChanged)
		require.Len(t, got, 2)
		assert.Equal(t, TextChangedPayload{UserID: "U1", Changes: changes, Timestamp: 42}, got[0].Payload)
		assert.Equal(t, int64(1700000000000), got[1].Payload.(TextChangedPayload).Timestamp)
	}
	assert.Empty(t, transport.to("c1"))
}

func TestTypingClearedOnDisconnect(t *testing.T) {
	m, transport := newTestManager(t, "c1", "c2")
	require.NoError(t, m.Join("c1", "F1"))
	require.NoError(t, m.Join("c2", "F1"))

	require.NoError(t, m.StartTyping("c1", "F1"))
	typing := transport.to("c2", EventUserTyping)
	require.Len(t, typing, 1)
	assert.Equal(t, TypingPayload{UserID: "U1", Email: "U1@example.com"}, typing[0].Payload)

	m.Disconnect("c1")

	stopped := transport.to("c2", EventUserStoppedTyping)
	require.Len(t, stopped, 1)
	assert.Equal(t, TypingPayload{UserID: "U1", Email: "U1@example.com"}, stopped[0].Payload)

	envs := transport.to("c2")
	assert.Equal(t, EventUserLeft, envs[len(envs)-1].Event)
}

func TestTypingStartStop(t *testing.T) {
	m, transport := newTestManager(t, "c1", "c2")
	require.NoError(t, m.Join("c1", "F1"))
	require.NoError(t, m.Join("c2", "F1"))
	transport.reset()

	require.NoError(t, m.StartTyping("c2", "F1"))
	require.NoError(t, m.StopTyping("c2", "F1"))

	assert.Len(t, transport.to("c1", EventUserTyping), 1)
	assert.Len(t, transport.to("c1", EventUserStoppedTyping), 1)
	assert.Empty(t, transport.to("c2"))

	require.NoError(t, m.Leave("c2", "F1"))
	assert.Len(t, transport.to("c1", EventUserStoppedTyping), 1, "no extra stop when not typing")
}

func TestPresenceBroadcastsToEveryJoinedRoom(t *testing.T) {
	m, transport := newTestManager(t, "c1", "c2", "c3", "c4")
	require.NoError(t, m.Join("c1", "A"))
	require.NoError(t, m.Join("c1", "B"))
	require.NoError(t, m.Join("c2", "A"))
	require.NoError(t, m.Join("c3", "B"))
	require.NoError(t, m.Join("c4", "C"))
	transport.reset()

	require.NoError(t, m.UpdatePresence("c1", presence.Away))

	want := PresencePayload{UserID: "U1", Status: presence.Away}
	for _, c := range []string{"c2", "c3"} {
		got := transport.to(c, EventPresenceUpdated)
		require.Len(t, got, 1, c)
		assert.Equal(t, want, got[0].Payload)
	}
	assert.Empty(t, transport.to("c4"))
	assert.Empty(t, transport.to("c1"))

	state, _ := m.State("A")
	assert.Equal(t, presence.Away, state.Users[0].Status)

	// status is connection wide, so rooms joined later start with it
	require.NoError(t, m.Join("c1", "C"))
	state, _ = m.State("C")
	assert.Equal(t, presence.Away, state.Users[1].Status)
}

func TestPresenceWithoutRooms(t *testing.T) {
	m, transport := newTestManager(t, "c1")
	require.NoError(t, m.UpdatePresence("c1", presence.Offline))
	assert.Zero(t, transport.count())
	assert.ErrorIs(t, m.UpdatePresence("ghost", presence.Away), ErrUnknownConn)
}

func TestDispatchRoutesEvents(t *testing.T) {
	m, transport := newTestManager(t, "c1", "c2")
	require.NoError(t, m.Dispatch("c1", Event{Kind: JoinFile, FileID: "F1"}))
	require.NoError(t, m.Dispatch("c2", Event{Kind: JoinFile, FileID: "F1"}))
	require.NoError(t, m.Dispatch("c1", Event{Kind: SelectionUpdate, FileID: "F1", Start: 1, End: 4}))

	got := transport.to("c2", EventSelectionUpdated)
	require.Len(t, got, 1)
	assert.Equal(t, presence.Selection{UserID: "U1", Start: 1, End: 4}, got[0].Payload)

	assert.ErrorIs(t, m.Dispatch("c1", Event{Kind: "bogus"}), ErrMalformedEvent)
}

func TestRoomsAndRegistryTouch(t *testing.T) {
	transport := &recordingTransport{}
	registry := &fakeRegistry{}
	m := NewManager(transport, registry)
	m.Connect("c1", user("U1"))
	m.Connect("c2", user("U2"))

	require.NoError(t, m.Join("c1", "B"))
	require.NoError(t, m.Join("c1", "A"))
	require.NoError(t, m.Join("c2", "A"))

	assert.Equal(t, []RoomInfo{{FileID: "A", Users: 2}, {FileID: "B", Users: 1}}, m.Rooms())
	assert.Equal(t, []string{"A", "B"}, m.RoomsOf("c1"))
	assert.Equal(t, []string{"B", "A", "A"}, registry.touched)
}

func TestConcurrentEventsKeepRoomConsistent(t *testing.T) {
	m, _ := newTestManager(t)
	const n = 20
	for i := 0; i < n; i++ {
		m.Connect(connName(i), user(connName(i)))
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = m.Join(id, "F1")
				_ = m.UpdateCursor(id, "F1", float64(j), float64(j))
				_ = m.StartTyping(id, "F1")
				if j%2 == 0 {
					_ = m.Leave(id, "F1")
				}
			}
			_ = m.Join(id, "F1")
		}(connName(i))
	}
	wg.Wait()

	state, ok := m.State("F1")
	require.True(t, ok)
	assert.Len(t, state.Users, n)
	for i := 0; i < n; i++ {
		m.Disconnect(connName(i))
	}
	assert.Empty(t, m.Rooms())
}

func connName(i int) string {
	return "c" + string(rune('a'+i))
}
