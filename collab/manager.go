package collab

import (
	"context"
	"sort"
	"sync"
	"time"

	"cloudvault/collab/presence"
	"cloudvault/core"

	"github.com/sirupsen/logrus"
)

// Transport delivers an envelope to one admitted connection. Implementations
// must not block and must not call back into the Manager.
type Transport interface {
	Send(connID string, env Envelope)
}

type connState struct {
	user   presence.User
	status presence.Status
	rooms  map[string]struct{}
}

// RoomInfo is a point-in-time view of one live room.
type RoomInfo struct {
	FileID string
	Users  int
}

// Manager owns every live file room. All room mutations and the broadcasts
// they trigger run under one mutex, so each recipient sees a room's events in
// the order the manager processed them.
type Manager struct {
	mu        sync.Mutex
	rooms     map[string]*presence.Room
	conns     map[string]*connState
	transport Transport
	registry  core.RoomRegistry
	now       func() time.Time
}

// NewManager creates a manager. registry may be nil.
func NewManager(transport Transport, registry core.RoomRegistry) *Manager {
	return &Manager{
		rooms:     make(map[string]*presence.Room),
		conns:     make(map[string]*connState),
		transport: transport,
		registry:  registry,
		now:       time.Now,
	}
}

// Connect registers an admitted connection with its resolved identity.
func (m *Manager) Connect(connID string, user presence.User) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conns[connID]; ok {
		return
	}
	m.conns[connID] = &connState{
		user:   user,
		status: presence.Online,
		rooms:  make(map[string]struct{}),
	}
	connectionsActive.Inc()
}

// Dispatch routes a validated event from connID to the matching operation.
func (m *Manager) Dispatch(connID string, ev Event) error {
	switch ev.Kind {
	case JoinFile:
		return m.Join(connID, ev.FileID)
	case LeaveFile:
		return m.Leave(connID, ev.FileID)
	case CursorUpdate:
		return m.UpdateCursor(connID, ev.FileID, ev.X, ev.Y)
	case SelectionUpdate:
		return m.UpdateSelection(connID, ev.FileID, ev.Start, ev.End)
	case TextChange:
		return m.ChangeText(connID, ev.FileID, ev.Changes, ev.Timestamp)
	case TypingStart:
		return m.StartTyping(connID, ev.FileID)
	case TypingStop:
		return m.StopTyping(connID, ev.FileID)
	case PresenceUpdate:
		return m.UpdatePresence(connID, ev.Status)
	}
	return malformed("unknown kind %q", ev.Kind)
}

// Join adds connID to the file's room, creating the room if needed. The joiner
// always receives the full room state; other members hear about a new joiner.
func (m *Manager) Join(connID, fileID string) error {
	m.mu.Lock()
	conn, ok := m.conns[connID]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownConn
	}

	room, exists := m.rooms[fileID]
	if !exists {
		room = presence.NewRoom(fileID)
		m.rooms[fileID] = room
		roomsActive.Inc()
	}

	now := m.now()
	added := room.Add(connID, presence.Participant{
		User:         conn.user,
		Status:       conn.status,
		LastActivity: now.UnixMilli(),
	})
	conn.rooms[fileID] = struct{}{}

	m.transport.Send(connID, Envelope{Event: EventFileState, Payload: room.Snapshot()})

	if added {
		participantsActive.Inc()
		joined, _ := room.Participant(connID)
		m.broadcast(room, connID, Envelope{
			Event:   EventUserJoined,
			Payload: UserJoinedPayload{User: joined, TotalUsers: room.Len()},
		})
		logrus.WithFields(logrus.Fields{
			"conn":   connID,
			"user":   conn.user.ID,
			"fileId": fileID,
			"users":  room.Len(),
		}).Info("joined file room")
	}
	m.mu.Unlock()

	m.touch(fileID)
	return nil
}

// Leave removes connID from the file's room. Leaving a room the connection is
// not in is a no-op.
func (m *Manager) Leave(connID, fileID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.conns[connID]
	if !ok {
		return ErrUnknownConn
	}
	m.leaveLocked(connID, conn, fileID)
	return nil
}

// Disconnect removes connID from every room it joined and forgets it.
func (m *Manager) Disconnect(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.conns[connID]
	if !ok {
		return
	}

	fileIDs := make([]string, 0, len(conn.rooms))
	for fileID := range conn.rooms {
		fileIDs = append(fileIDs, fileID)
	}
	sort.Strings(fileIDs)
	for _, fileID := range fileIDs {
		m.leaveLocked(connID, conn, fileID)
	}

	delete(m.conns, connID)
	connectionsActive.Dec()
	logrus.WithFields(logrus.Fields{
		"conn":  connID,
		"user":  conn.user.ID,
		"rooms": len(fileIDs),
	}).Debug("connection cleaned up")
}

func (m *Manager) leaveLocked(connID string, conn *connState, fileID string) {
	delete(conn.rooms, fileID)

	room, ok := m.rooms[fileID]
	if !ok {
		return
	}

	wasTyping := room.IsTyping(connID)
	removed, ok := room.Remove(connID)
	if !ok {
		return
	}
	participantsActive.Dec()

	if room.Empty() {
		delete(m.rooms, fileID)
		roomsActive.Dec()
	} else {
		if wasTyping {
			m.broadcast(room, connID, Envelope{
				Event:   EventUserStoppedTyping,
				Payload: TypingPayload{UserID: removed.ID, Email: removed.Email},
			})
		}
		m.broadcast(room, connID, Envelope{
			Event:   EventUserLeft,
			Payload: UserLeftPayload{UserID: removed.ID, TotalUsers: room.Len()},
		})
	}

	logrus.WithFields(logrus.Fields{
		"conn":   connID,
		"user":   removed.ID,
		"fileId": fileID,
		"users":  room.Len(),
	}).Info("left file room")
}

func (m *Manager) UpdateCursor(connID, fileID string, x, y float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	room, err := m.memberRoom(connID, fileID)
	if err != nil {
		return err
	}
	cursor, _ := room.SetCursor(connID, x, y)
	m.broadcast(room, connID, Envelope{Event: EventCursorUpdated, Payload: cursor})
	return nil
}

func (m *Manager) UpdateSelection(connID, fileID string, start, end int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	room, err := m.memberRoom(connID, fileID)
	if err != nil {
		return err
	}
	selection, _ := room.SetSelection(connID, start, end)
	m.broadcast(room, connID, Envelope{Event: EventSelectionUpdated, Payload: selection})
	return nil
}

// ChangeText relays changes to the other members untouched. Nothing is stored.
// A zero timestamp is replaced with the server time in milliseconds.
func (m *Manager) ChangeText(connID, fileID string, changes []any, timestamp int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	room, err := m.memberRoom(connID, fileID)
	if err != nil {
		return err
	}
	if timestamp == 0 {
		timestamp = m.now().UnixMilli()
	}
	p, _ := room.Participant(connID)
	m.broadcast(room, connID, Envelope{
		Event:   EventTextChanged,
		Payload: TextChangedPayload{UserID: p.ID, Changes: changes, Timestamp: timestamp},
	})
	return nil
}

func (m *Manager) StartTyping(connID, fileID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	room, err := m.memberRoom(connID, fileID)
	if err != nil {
		return err
	}
	room.StartTyping(connID)
	p, _ := room.Participant(connID)
	m.broadcast(room, connID, Envelope{
		Event:   EventUserTyping,
		Payload: TypingPayload{UserID: p.ID, Email: p.Email},
	})
	return nil
}

func (m *Manager) StopTyping(connID, fileID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	room, err := m.memberRoom(connID, fileID)
	if err != nil {
		return err
	}
	room.StopTyping(connID)
	p, _ := room.Participant(connID)
	m.broadcast(room, connID, Envelope{
		Event:   EventUserStoppedTyping,
		Payload: TypingPayload{UserID: p.ID, Email: p.Email},
	})
	return nil
}

// UpdatePresence sets the connection-wide status and tells every room it is in.
func (m *Manager) UpdatePresence(connID string, status presence.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.conns[connID]
	if !ok {
		return ErrUnknownConn
	}
	conn.status = status

	fileIDs := make([]string, 0, len(conn.rooms))
	for fileID := range conn.rooms {
		fileIDs = append(fileIDs, fileID)
	}
	sort.Strings(fileIDs)

	env := Envelope{Event: EventPresenceUpdated, Payload: PresencePayload{UserID: conn.user.ID, Status: status}}
	for _, fileID := range fileIDs {
		room, ok := m.rooms[fileID]
		if !ok {
			continue
		}
		room.SetStatus(connID, status)
		m.broadcast(room, connID, env)
	}
	return nil
}

// State returns a snapshot of a live room.
func (m *Manager) State(fileID string) (presence.State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	room, ok := m.rooms[fileID]
	if !ok {
		return presence.State{}, false
	}
	return room.Snapshot(), true
}

// Rooms lists live rooms with their participant counts.
func (m *Manager) Rooms() []RoomInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	infos := make([]RoomInfo, 0, len(m.rooms))
	for fileID, room := range m.rooms {
		infos = append(infos, RoomInfo{FileID: fileID, Users: room.Len()})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].FileID < infos[j].FileID })
	return infos
}

// RoomsOf lists the file ids connID has joined.
func (m *Manager) RoomsOf(connID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.conns[connID]
	if !ok {
		return nil
	}
	fileIDs := make([]string, 0, len(conn.rooms))
	for fileID := range conn.rooms {
		fileIDs = append(fileIDs, fileID)
	}
	sort.Strings(fileIDs)
	return fileIDs
}

// memberRoom resolves the room for an attribute update and records activity.
func (m *Manager) memberRoom(connID, fileID string) (*presence.Room, error) {
	if _, ok := m.conns[connID]; !ok {
		return nil, ErrUnknownConn
	}
	room, ok := m.rooms[fileID]
	if !ok || !room.Has(connID) {
		return nil, ErrNotMember
	}
	room.Touch(connID, m.now())
	return room, nil
}

func (m *Manager) broadcast(room *presence.Room, except string, env Envelope) {
	for _, member := range room.Members() {
		if member == except {
			continue
		}
		m.transport.Send(member, env)
	}
}

func (m *Manager) touch(fileID string) {
	if m.registry == nil {
		return
	}
	if err := m.registry.TouchRoom(context.Background(), fileID); err != nil {
		logrus.WithError(err).WithField("fileId", fileID).Warn("failed to record room activity")
	}
}
