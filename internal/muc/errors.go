package muc

import "errors"

// Typed rejections raised by room operations. Each maps 1:1 to a
// protocol-level error condition in the stanza routing layer; none of them
// leave the room in a partially mutated state. Callers check them with
// errors.Is.
var (
	// ErrForbidden means the actor lacks the privilege for the operation,
	// or the target bare JID is an outcast.
	ErrForbidden = errors.New("forbidden")

	// ErrConflict means a nickname is already bound to a different user, or
	// an affiliation change would remove a persistent room's last owner.
	ErrConflict = errors.New("conflict")

	// ErrNotAllowed means a role/affiliation change violates seniority
	// rules, or a remote-node call failed, timed out, or returned a
	// rejection.
	ErrNotAllowed = errors.New("not allowed")

	// ErrNotAcceptable means the chosen nickname violates room policy.
	ErrNotAcceptable = errors.New("not acceptable")

	// ErrRegistrationRequired means a non-member tried to join a
	// members-only room.
	ErrRegistrationRequired = errors.New("registration required")

	// ErrRoomLocked means the room has not been configured yet and the
	// joiner is not its owner.
	ErrRoomLocked = errors.New("room locked")

	// ErrUnauthorized means the join password was missing or wrong.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrServiceUnavailable means the room is full, or private messages
	// are disabled in the room.
	ErrServiceUnavailable = errors.New("service unavailable")

	// ErrCannotBeInvited means an external delegate vetoed the invitation.
	ErrCannotBeInvited = errors.New("cannot be invited")

	// ErrRoomDestroyed means the operation targeted a room that has been
	// destroyed.
	ErrRoomDestroyed = errors.New("room destroyed")

	// ErrRoomNotFound is returned by Persister.LoadRoomConfig when no
	// stored configuration exists for a room name.
	ErrRoomNotFound = errors.New("room not found")
)
