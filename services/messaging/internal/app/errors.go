package app

import "errors"

var (
	// ErrRoomNotFound indicates the room does not exist.
	ErrRoomNotFound = errors.New("room not found")
	// ErrAccessDenied indicates the caller is not a participant of the room.
	ErrAccessDenied = errors.New("room access denied")
	// ErrRoomInactive indicates the room was closed by its job's completion
	// or cancellation; history stays readable but sends are rejected.
	ErrRoomInactive = errors.New("room is closed")
	// ErrValidation wraps malformed or incomplete caller input.
	ErrValidation = errors.New("validation failed")
)
