// Package presence holds the live state of one file's collaboration room.
//
// A Room is not safe for concurrent use; the room manager serializes every
// mutation behind its own lock.
package presence

import "time"

type Status string

const (
	Online  Status = "online"
	Away    Status = "away"
	Offline Status = "offline"
)

func ParseStatus(s string) (Status, bool) {
	switch Status(s) {
	case Online, Away, Offline:
		return Status(s), true
	}
	return "", false
}

type (
	User struct {
		ID          string `json:"id" mapstructure:"id"`
		Email       string `json:"email" mapstructure:"email"`
		DisplayName string `json:"displayName" mapstructure:"displayName"`
	}

	// Participant is a connection's membership record inside one room.
	Participant struct {
		User         `mapstructure:",squash"`
		Status       Status `json:"status" mapstructure:"status"`
		LastActivity int64  `json:"lastActivity" mapstructure:"lastActivity"`
	}

	Cursor struct {
		UserID string  `json:"userId" mapstructure:"userId"`
		X      float64 `json:"x" mapstructure:"x"`
		Y      float64 `json:"y" mapstructure:"y"`
	}

	Selection struct {
		UserID string `json:"userId" mapstructure:"userId"`
		Start  int    `json:"start" mapstructure:"start"`
		End    int    `json:"end" mapstructure:"end"`
	}

	// State is the full snapshot a joining client receives.
	State struct {
		Users      []Participant `json:"users" mapstructure:"users"`
		Cursors    []Cursor      `json:"cursors" mapstructure:"cursors"`
		Selections []Selection   `json:"selections" mapstructure:"selections"`
	}
)

// Room is keyed by connection id so two tabs of the same user are two participants.
type Room struct {
	fileID       string
	order        []string
	participants map[string]*Participant
	cursors      map[string]Cursor
	selections   map[string]Selection
	typing       map[string]struct{}
}

func NewRoom(fileID string) *Room {
	return &Room{
		fileID:       fileID,
		participants: make(map[string]*Participant),
		cursors:      make(map[string]Cursor),
		selections:   make(map[string]Selection),
		typing:       make(map[string]struct{}),
	}
}

func (r *Room) FileID() string { return r.fileID }

func (r *Room) Len() int { return len(r.order) }

func (r *Room) Empty() bool { return len(r.order) == 0 }

func (r *Room) Has(connID string) bool {
	_, ok := r.participants[connID]
	return ok
}

// Participant returns a copy of the member record for connID.
func (r *Room) Participant(connID string) (Participant, bool) {
	p, ok := r.participants[connID]
	if !ok {
		return Participant{}, false
	}
	return *p, true
}

// Members returns connection ids in join order.
func (r *Room) Members() []string {
	members := make([]string, len(r.order))
	copy(members, r.order)
	return members
}

// Add inserts a participant. It reports false when connID is already a member.
func (r *Room) Add(connID string, p Participant) bool {
	if r.Has(connID) {
		return false
	}
	r.participants[connID] = &p
	r.order = append(r.order, connID)
	return true
}

// Remove drops the participant together with its cursor, selection and typing entries.
func (r *Room) Remove(connID string) (Participant, bool) {
	p, ok := r.participants[connID]
	if !ok {
		return Participant{}, false
	}
	delete(r.participants, connID)
	delete(r.cursors, connID)
	delete(r.selections, connID)
	delete(r.typing, connID)
	for i, id := range r.order {
		if id == connID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return *p, true
}

func (r *Room) Touch(connID string, at time.Time) {
	if p, ok := r.participants[connID]; ok {
		p.LastActivity = at.UnixMilli()
	}
}

func (r *Room) SetStatus(connID string, status Status) bool {
	p, ok := r.participants[connID]
	if !ok {
		return false
	}
	p.Status = status
	return true
}

func (r *Room) SetCursor(connID string, x, y float64) (Cursor, bool) {
	p, ok := r.participants[connID]
	if !ok {
		return Cursor{}, false
	}
	c := Cursor{UserID: p.ID, X: x, Y: y}
	r.cursors[connID] = c
	return c, true
}

func (r *Room) SetSelection(connID string, start, end int) (Selection, bool) {
	p, ok := r.participants[connID]
	if !ok {
		return Selection{}, false
	}
	s := Selection{UserID: p.ID, Start: start, End: end}
	r.selections[connID] = s
	return s, true
}

// StartTyping reports whether the participant was newly added to the typing set.
func (r *Room) StartTyping(connID string) bool {
	if !r.Has(connID) {
		return false
	}
	if _, ok := r.typing[connID]; ok {
		return false
	}
	r.typing[connID] = struct{}{}
	return true
}

// StopTyping reports whether the participant was in the typing set.
func (r *Room) StopTyping(connID string) bool {
	if _, ok := r.typing[connID]; !ok {
		return false
	}
	delete(r.typing, connID)
	return true
}

func (r *Room) IsTyping(connID string) bool {
	_, ok := r.typing[connID]
	return ok
}

// Typing lists typing participants in join order. Display fields come from the
// current member records.
func (r *Room) Typing() []User {
	users := make([]User, 0, len(r.typing))
	for _, connID := range r.order {
		if _, ok := r.typing[connID]; ok {
			users = append(users, r.participants[connID].User)
		}
	}
	return users
}

// Snapshot copies the room state in join order. Slices are never nil.
func (r *Room) Snapshot() State {
	state := State{
		Users:      make([]Participant, 0, len(r.order)),
		Cursors:    make([]Cursor, 0, len(r.cursors)),
		Selections: make([]Selection, 0, len(r.selections)),
	}
	for _, connID := range r.order {
		state.Users = append(state.Users, *r.participants[connID])
		if c, ok := r.cursors[connID]; ok {
			state.Cursors = append(state.Cursors, c)
		}
		if s, ok := r.selections[connID]; ok {
			state.Selections = append(state.Selections, s)
		}
	}
	return state
}
