package common

import (
	"errors"
	"fmt"
)

// Error values used across the driver core.
var (
	// ErrChannelClosed is returned when a command's result channel dies
	// before a response arrives, usually because the connection closed.
	ErrChannelClosed = errors.New("channel closed")

	// ErrSessionClosed is returned when sending on a session whose target
	// has already detached.
	ErrSessionClosed = errors.New("session closed")

	// ErrTargetCrashed is returned when the remote target has crashed.
	ErrTargetCrashed = errors.New("target crashed")

	// ErrTimedOut is returned when a navigation or wait operation hits its
	// deadline before completing.
	ErrTimedOut = errors.New("timed out")

	// ErrFrameDetached is returned when an operation references a frame
	// that has been removed from the frame tree.
	ErrFrameDetached = errors.New("frame detached")

	// ErrNoMainFrame is returned when the main frame is requested before
	// the initial frame tree snapshot has been applied.
	ErrNoMainFrame = errors.New("no main frame")

	// ErrNoExecutionContext is returned when a frame's scripting context
	// is requested before creation or after destruction. Callers should
	// retry after the next context-created notification.
	ErrNoExecutionContext = errors.New("no execution context")

	// ErrInconsistentFrameTree signals that an event referenced a frame or
	// parent that was never observed. The affected subtree is dropped; the
	// error is never fatal to the manager.
	ErrInconsistentFrameTree = errors.New("inconsistent frame tree")
)

// ProtocolError is the remote endpoint's rejection of a single command. It
// is local to that command and does not affect other in-flight calls.
type ProtocolError struct {
	Code    int64
	Message string
}

func (e *ProtocolError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("protocol error (%d): %s", e.Code, e.Message)
	}
	return fmt.Sprintf("protocol error: %s", e.Message)
}
