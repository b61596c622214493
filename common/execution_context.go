package common

import (
	"github.com/chromedp/cdproto/runtime"
)

// ExecutionContext is a handle to the remote scripting environment that is
// associated with a frame at a point in time. A context is invalidated by
// navigation; holders of a stale handle must re-request it from the frame.
type ExecutionContext struct {
	session session
	frame   *Frame
	id      runtime.ExecutionContextID
}

// NewExecutionContext creates a new JS execution context.
func NewExecutionContext(
	s session, frame *Frame, id runtime.ExecutionContextID,
) *ExecutionContext {
	return &ExecutionContext{
		session: s,
		frame:   frame,
		id:      id,
	}
}

// Frame returns the frame that this execution context belongs to.
func (e *ExecutionContext) Frame() *Frame {
	return e.frame
}

// ID returns the remote ID of this execution context.
func (e *ExecutionContext) ID() runtime.ExecutionContextID {
	return e.id
}
