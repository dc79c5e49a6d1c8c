package core

import "context"

type (
	// Room records when a file last had collaborators.
	Room struct {
		ID         string
		LastActive int64
	}

	RoomRegistry interface {
		ListRooms(ctx context.Context) ([]Room, error)
		TouchRoom(ctx context.Context, roomID string) error
		DeleteRoom(ctx context.Context, roomID string) error
	}
)
