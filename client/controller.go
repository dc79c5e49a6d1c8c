// Package client is the Go counterpart of the browser collaboration hook. A
// Controller owns one connection for a browsing session and folds the
// server's broadcasts into local state.
package client

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"cloudvault/collab"
	"cloudvault/collab/presence"

	"github.com/cenkalti/backoff/v4"
	"github.com/mitchellh/mapstructure"
	"github.com/sirupsen/logrus"
)

// TokenSource returns the identity token to present at connect time.
type TokenSource func(ctx context.Context) (string, error)

type Options struct {
	Dial  Dialer
	Token TokenSource

	// IdleTimeout is the silence after which the user is reported away.
	IdleTimeout time.Duration

	// MaxAttempts caps connection attempts made by Open.
	MaxAttempts    int
	InitialBackoff time.Duration

	// OnTextChange receives relayed text changes from other participants.
	OnTextChange func(collab.TextChangedPayload)
}

// State is a copy of the controller's view of the watched file.
type State struct {
	Connected  bool
	LastError  string
	FileID     string
	Status     presence.Status
	Users      []presence.Participant
	Cursors    map[string]presence.Cursor
	Selections map[string]presence.Selection
	Typing     []string
}

type Controller struct {
	opts Options
	idle *IdleDetector

	mu         sync.Mutex
	conn       Conn
	connected  bool
	lastError  string
	fileID     string
	status     presence.Status
	users      []presence.Participant
	cursors    map[string]presence.Cursor
	selections map[string]presence.Selection
	typing     map[string]struct{}
}

func NewController(opts Options) *Controller {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 5 * time.Minute
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 500 * time.Millisecond
	}

	c := &Controller{
		opts:       opts,
		status:     presence.Online,
		cursors:    make(map[string]presence.Cursor),
		selections: make(map[string]presence.Selection),
		typing:     make(map[string]struct{}),
	}
	c.idle = NewIdleDetector(opts.IdleTimeout,
		func() { c.setStatus(presence.Away) },
		func() { c.setStatus(presence.Online) },
	)
	return c
}

// Open connects, retrying failed attempts with exponential backoff up to
// MaxAttempts. Calling Open on an open controller is a no-op.
func (c *Controller) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if c.opts.Dial == nil || c.opts.Token == nil {
		return errors.New("client: dialer and token source are required")
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.InitialBackoff
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.opts.MaxAttempts-1)), ctx)

	var conn Conn
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		token, err := c.opts.Token(ctx)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("get token: %w", err))
		}
		conn, err = c.opts.Dial(ctx, token)
		if err != nil {
			c.recordError(err)
			logrus.WithError(err).WithField("attempt", attempt).Warn("collaboration connect failed")
			return err
		}
		return nil
	}, policy)
	if err != nil {
		c.recordError(err)
		return err
	}

	c.attach(conn)
	c.idle.Start()
	return nil
}

func (c *Controller) attach(conn Conn) {
	for _, name := range []string{
		collab.EventFileState, collab.EventUserJoined, collab.EventUserLeft,
		collab.EventCursorUpdated, collab.EventSelectionUpdated, collab.EventTextChanged,
		collab.EventUserTyping, collab.EventUserStoppedTyping, collab.EventPresenceUpdated,
	} {
		event := name
		conn.On(event, func(args ...any) { c.handle(event, args) })
	}
	conn.On("connect", func(...any) { c.onConnect() })
	conn.On("disconnect", func(args ...any) { c.onDisconnect(args) })
	conn.On("connect_error", func(args ...any) {
		if len(args) > 0 {
			c.recordError(fmt.Errorf("%v", args[0]))
		}
	})

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.lastError = ""
	fileID := c.fileID
	c.mu.Unlock()

	if fileID != "" {
		c.emit(conn, string(collab.JoinFile), map[string]any{"fileId": fileID})
	}
}

func (c *Controller) onConnect() {
	c.mu.Lock()
	conn := c.conn
	c.connected = true
	c.lastError = ""
	fileID, status := c.fileID, c.status
	c.mu.Unlock()
	if conn == nil {
		return
	}

	if fileID != "" {
		c.emit(conn, string(collab.JoinFile), map[string]any{"fileId": fileID})
	}
	if status != presence.Online {
		c.emit(conn, string(collab.PresenceUpdate), map[string]any{"status": string(status)})
	}
}

func (c *Controller) onDisconnect(args []any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.connected = false
	c.resetRoomLocked()
	if len(args) > 0 {
		logrus.WithField("reason", args[0]).Info("collaboration disconnected")
	}
}

// Close leaves the watched file and drops the connection.
func (c *Controller) Close() {
	c.idle.Stop()

	c.mu.Lock()
	conn, connected, fileID := c.conn, c.connected, c.fileID
	c.conn = nil
	c.connected = false
	c.resetRoomLocked()
	c.mu.Unlock()

	if conn == nil {
		return
	}
	if connected && fileID != "" {
		c.emit(conn, string(collab.LeaveFile), map[string]any{"fileId": fileID})
	}
	conn.Close()
}

// Watch switches the controller to fileID, leaving the previous file first.
// An empty fileID only leaves.
func (c *Controller) Watch(fileID string) {
	c.mu.Lock()
	prev := c.fileID
	if prev == fileID {
		c.mu.Unlock()
		return
	}
	c.fileID = fileID
	c.resetRoomLocked()
	conn, connected := c.conn, c.connected
	c.mu.Unlock()

	if !connected {
		return
	}
	if prev != "" {
		c.emit(conn, string(collab.LeaveFile), map[string]any{"fileId": prev})
	}
	if fileID != "" {
		c.emit(conn, string(collab.JoinFile), map[string]any{"fileId": fileID})
	}
}

func (c *Controller) UpdateCursor(x, y float64) {
	c.emitForFile(collab.CursorUpdate, map[string]any{"x": x, "y": y})
}

func (c *Controller) UpdateSelection(start, end int) {
	c.emitForFile(collab.SelectionUpdate, map[string]any{"start": start, "end": end})
}

func (c *Controller) SendTextChange(changes []any) {
	c.emitForFile(collab.TextChange, map[string]any{
		"changes":   changes,
		"timestamp": time.Now().UnixMilli(),
	})
}

func (c *Controller) StartTyping() { c.emitForFile(collab.TypingStart, map[string]any{}) }

func (c *Controller) StopTyping() { c.emitForFile(collab.TypingStop, map[string]any{}) }

// UpdatePresence announces status. It is a no-op while disconnected.
func (c *Controller) UpdatePresence(status presence.Status) {
	c.mu.Lock()
	conn, connected := c.conn, c.connected
	if connected {
		c.status = status
	}
	c.mu.Unlock()

	if connected {
		c.emit(conn, string(collab.PresenceUpdate), map[string]any{"status": string(status)})
	}
}

// Activity feeds a user-activity signal to the idle detector.
func (c *Controller) Activity() { c.idle.Activity() }

// setStatus records an idle transition locally and announces it when possible.
func (c *Controller) setStatus(status presence.Status) {
	c.mu.Lock()
	c.status = status
	conn, connected := c.conn, c.connected
	c.mu.Unlock()

	if connected {
		c.emit(conn, string(collab.PresenceUpdate), map[string]any{"status": string(status)})
	}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := State{
		Connected:  c.connected,
		LastError:  c.lastError,
		FileID:     c.fileID,
		Status:     c.status,
		Users:      append([]presence.Participant{}, c.users...),
		Cursors:    make(map[string]presence.Cursor, len(c.cursors)),
		Selections: make(map[string]presence.Selection, len(c.selections)),
		Typing:     c.typingIDsLocked(),
	}
	for id, cur := range c.cursors {
		st.Cursors[id] = cur
	}
	for id, sel := range c.selections {
		st.Selections[id] = sel
	}
	return st
}

// TypingEmails resolves the typing set to emails through the current user list.
func (c *Controller) TypingEmails() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	emails := make([]string, 0, len(c.typing))
	for _, id := range c.typingIDsLocked() {
		for _, u := range c.users {
			if u.ID == id {
				emails = append(emails, u.Email)
				break
			}
		}
	}
	return emails
}

func (c *Controller) typingIDsLocked() []string {
	ids := make([]string, 0, len(c.typing))
	for id := range c.typing {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (c *Controller) emitForFile(kind collab.Kind, payload map[string]any) {
	c.mu.Lock()
	conn, connected, fileID := c.conn, c.connected, c.fileID
	c.mu.Unlock()

	if !connected || fileID == "" {
		return
	}
	payload["fileId"] = fileID
	c.emit(conn, string(kind), payload)
}

func (c *Controller) emit(conn Conn, event string, payload any) {
	if err := conn.Emit(event, payload); err != nil {
		logrus.WithError(err).WithField("event", event).Debug("collaboration emit failed")
	}
}

func (c *Controller) recordError(err error) {
	c.mu.Lock()
	c.lastError = err.Error()
	c.mu.Unlock()
}

func (c *Controller) resetRoomLocked() {
	c.users = nil
	c.cursors = make(map[string]presence.Cursor)
	c.selections = make(map[string]presence.Selection)
	c.typing = make(map[string]struct{})
}

func decodePayload(args []any, out any) error {
	if len(args) == 0 {
		return errors.New("missing payload")
	}
	return mapstructure.Decode(args[0], out)
}

func (c *Controller) handle(event string, args []any) {
	log := logrus.WithField("event", event)

	switch event {
	case collab.EventFileState:
		var st presence.State
		if err := decodePayload(args, &st); err != nil {
			log.WithError(err).Debug("ignoring malformed payload")
			return
		}
		c.mu.Lock()
		c.resetRoomLocked()
		c.users = st.Users
		for _, cur := range st.Cursors {
			c.cursors[cur.UserID] = cur
		}
		for _, sel := range st.Selections {
			c.selections[sel.UserID] = sel
		}
		c.mu.Unlock()

	case collab.EventUserJoined:
		var p collab.UserJoinedPayload
		if err := decodePayload(args, &p); err != nil {
			log.WithError(err).Debug("ignoring malformed payload")
			return
		}
		c.mu.Lock()
		c.users = append(c.users, p.User)
		c.mu.Unlock()

	case collab.EventUserLeft:
		var p collab.UserLeftPayload
		if err := decodePayload(args, &p); err != nil {
			log.WithError(err).Debug("ignoring malformed payload")
			return
		}
		c.mu.Lock()
		c.removeUserLocked(p.UserID)
		c.mu.Unlock()

	case collab.EventCursorUpdated:
		var cur presence.Cursor
		if err := decodePayload(args, &cur); err != nil {
			log.WithError(err).Debug("ignoring malformed payload")
			return
		}
		c.mu.Lock()
		c.cursors[cur.UserID] = cur
		c.mu.Unlock()

	case collab.EventSelectionUpdated:
		var sel presence.Selection
		if err := decodePayload(args, &sel); err != nil {
			log.WithError(err).Debug("ignoring malformed payload")
			return
		}
		c.mu.Lock()
		c.selections[sel.UserID] = sel
		c.mu.Unlock()

	case collab.EventTextChanged:
		var p collab.TextChangedPayload
		if err := decodePayload(args, &p); err != nil {
			log.WithError(err).Debug("ignoring malformed payload")
			return
		}
		if c.opts.OnTextChange != nil {
			c.opts.OnTextChange(p)
		}

	case collab.EventUserTyping, collab.EventUserStoppedTyping:
		var p collab.TypingPayload
		if err := decodePayload(args, &p); err != nil {
			log.WithError(err).Debug("ignoring malformed payload")
			return
		}
		c.mu.Lock()
		if event == collab.EventUserTyping {
			c.typing[p.UserID] = struct{}{}
		} else {
			delete(c.typing, p.UserID)
		}
		c.mu.Unlock()

	case collab.EventPresenceUpdated:
		var p collab.PresencePayload
		if err := decodePayload(args, &p); err != nil {
			log.WithError(err).Debug("ignoring malformed payload")
			return
		}
		c.mu.Lock()
		for i := range c.users {
			if c.users[i].ID == p.UserID {
				c.users[i].Status = p.Status
			}
		}
		c.mu.Unlock()
	}
}

// removeUserLocked drops one participant entry for userID. The user's cursor,
// selection and typing flag go with the last entry.
func (c *Controller) removeUserLocked(userID string) {
	remaining := 0
	removed := false
	users := c.users[:0]
	for _, u := range c.users {
		if u.ID == userID {
			if !removed {
				removed = true
				continue
			}
			remaining++
		}
		users = append(users, u)
	}
	c.users = users
	if remaining == 0 {
		delete(c.cursors, userID)
		delete(c.selections, userID)
		delete(c.typing, userID)
	}
}
