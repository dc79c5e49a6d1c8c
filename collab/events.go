package collab

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"cloudvault/collab/presence"

	"github.com/mitchellh/mapstructure"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrMalformedEvent  = errors.New("malformed event")
	ErrNotMember       = errors.New("not a member of the file room")
	ErrRateLimited     = errors.New("rate limited")
	ErrUnknownConn     = errors.New("unknown connection")
)

// Kind names an inbound client event.
type Kind string

const (
	JoinFile        Kind = "join-file"
	LeaveFile       Kind = "leave-file"
	CursorUpdate    Kind = "cursor-update"
	SelectionUpdate Kind = "selection-update"
	TextChange      Kind = "text-change"
	TypingStart     Kind = "typing-start"
	TypingStop      Kind = "typing-stop"
	PresenceUpdate  Kind = "presence-update"
)

// InboundKinds is every event a client may send.
var InboundKinds = []Kind{
	JoinFile, LeaveFile, CursorUpdate, SelectionUpdate,
	TextChange, TypingStart, TypingStop, PresenceUpdate,
}

// Outbound event names.
const (
	EventFileState         = "file-collaboration-state"
	EventUserJoined        = "user-joined-file"
	EventUserLeft          = "user-left-file"
	EventCursorUpdated     = "cursor-updated"
	EventSelectionUpdated  = "selection-updated"
	EventTextChanged       = "text-changed"
	EventUserTyping        = "user-typing"
	EventUserStoppedTyping = "user-stopped-typing"
	EventPresenceUpdated   = "user-presence-updated"
)

type (
	// Event is a validated inbound message. Only the fields its Kind needs are set.
	Event struct {
		Kind      Kind
		FileID    string
		X, Y      float64
		Start     int
		End       int
		Changes   []any
		Timestamp int64
		Status    presence.Status
	}

	// Envelope is one outbound message.
	Envelope struct {
		Event   string
		Payload any
	}

	UserJoinedPayload struct {
		User       presence.Participant `json:"user" mapstructure:"user"`
		TotalUsers int                  `json:"totalUsers" mapstructure:"totalUsers"`
	}

	UserLeftPayload struct {
		UserID     string `json:"userId" mapstructure:"userId"`
		TotalUsers int    `json:"totalUsers" mapstructure:"totalUsers"`
	}

	TextChangedPayload struct {
		UserID    string `json:"userId" mapstructure:"userId"`
		Changes   []any  `json:"changes" mapstructure:"changes"`
		Timestamp int64  `json:"timestamp" mapstructure:"timestamp"`
	}

	TypingPayload struct {
		UserID string `json:"userId" mapstructure:"userId"`
		Email  string `json:"email" mapstructure:"email"`
	}

	PresencePayload struct {
		UserID string          `json:"userId" mapstructure:"userId"`
		Status presence.Status `json:"status" mapstructure:"status"`
	}
)

// wireEvent mirrors the JSON objects clients send. Pointers tell a missing
// field apart from a zero value.
type wireEvent struct {
	FileID    *string  `mapstructure:"fileId"`
	X         *float64 `mapstructure:"x"`
	Y         *float64 `mapstructure:"y"`
	Start     *float64 `mapstructure:"start"`
	End       *float64 `mapstructure:"end"`
	Changes   []any    `mapstructure:"changes"`
	Timestamp *float64 `mapstructure:"timestamp"`
	Status    *string  `mapstructure:"status"`
}

// maxExactInt is the largest integer a JSON number carries without rounding.
const maxExactInt = 1 << 53

// wholeNumber converts a decoded JSON number to an integer, refusing
// fractions and values outside the exactly representable range.
func wholeNumber(v float64) (int64, bool) {
	if math.IsNaN(v) || math.IsInf(v, 0) || v != math.Trunc(v) || math.Abs(v) > maxExactInt {
		return 0, false
	}
	return int64(v), true
}

// Router validates raw socket arguments into Events.
type Router struct {
	// MaxChanges caps the length of a text-change batch. Zero means no cap.
	MaxChanges int
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedEvent, fmt.Sprintf(format, args...))
}

// Decode turns the arguments of one socket event into an Event. Join, leave and
// typing events accept either a bare file id string or an object with fileId.
func (r Router) Decode(kind string, args []any) (Event, error) {
	ev := Event{Kind: Kind(kind)}
	if !ev.Kind.valid() {
		return Event{}, malformed("unknown kind %q", kind)
	}
	if len(args) == 0 || args[0] == nil {
		return Event{}, malformed("%s: missing payload", kind)
	}

	var wire wireEvent
	switch v := args[0].(type) {
	case string:
		if !ev.Kind.acceptsBareFileID() {
			return Event{}, malformed("%s: expected an object payload", kind)
		}
		wire.FileID = &v
	case map[string]any:
		if err := mapstructure.Decode(v, &wire); err != nil {
			return Event{}, malformed("%s: %v", kind, err)
		}
	default:
		return Event{}, malformed("%s: unsupported payload type %T", kind, v)
	}

	if ev.Kind != PresenceUpdate {
		if wire.FileID == nil || strings.TrimSpace(*wire.FileID) == "" {
			return Event{}, malformed("%s: fileId is required", kind)
		}
		ev.FileID = *wire.FileID
	}

	switch ev.Kind {
	case CursorUpdate:
		if wire.X == nil || wire.Y == nil {
			return Event{}, malformed("%s: x and y are required", kind)
		}
		ev.X, ev.Y = *wire.X, *wire.Y
	case SelectionUpdate:
		if wire.Start == nil || wire.End == nil {
			return Event{}, malformed("%s: start and end are required", kind)
		}
		start, okStart := wholeNumber(*wire.Start)
		end, okEnd := wholeNumber(*wire.End)
		if !okStart || !okEnd || start > math.MaxInt32 || end > math.MaxInt32 || start < math.MinInt32 || end < math.MinInt32 {
			return Event{}, malformed("%s: start and end must be integer offsets", kind)
		}
		ev.Start, ev.End = int(start), int(end)
	case TextChange:
		if r.MaxChanges > 0 && len(wire.Changes) > r.MaxChanges {
			return Event{}, malformed("%s: %d changes exceeds limit %d", kind, len(wire.Changes), r.MaxChanges)
		}
		ev.Changes = wire.Changes
		if ev.Changes == nil {
			ev.Changes = []any{}
		}
		if wire.Timestamp != nil {
			ts, ok := wholeNumber(*wire.Timestamp)
			if !ok {
				return Event{}, malformed("%s: timestamp must be whole milliseconds", kind)
			}
			ev.Timestamp = ts
		}
	case PresenceUpdate:
		if wire.Status == nil {
			return Event{}, malformed("%s: status is required", kind)
		}
		status, ok := presence.ParseStatus(*wire.Status)
		if !ok {
			return Event{}, malformed("%s: unknown status %q", kind, *wire.Status)
		}
		ev.Status = status
	}

	return ev, nil
}

func (k Kind) valid() bool {
	for _, known := range InboundKinds {
		if k == known {
			return true
		}
	}
	return false
}

func (k Kind) acceptsBareFileID() bool {
	switch k {
	case JoinFile, LeaveFile, TypingStart, TypingStop:
		return true
	}
	return false
}
