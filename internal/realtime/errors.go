package realtime

import "errors"

var (
	// ErrUnknownSender is returned when an identity resolves to no member record.
	ErrUnknownSender = errors.New("unknown sender")

	// ErrNotAMember is returned when the caller is not a member of the target room.
	ErrNotAMember = errors.New("not a member of room")

	// ErrMessageNotFound is returned when seen-marking targets a nonexistent message.
	ErrMessageNotFound = errors.New("message not found")

	// ErrRoomNotFound is returned when an operation targets a nonexistent room.
	ErrRoomNotFound = errors.New("room not found")
)
