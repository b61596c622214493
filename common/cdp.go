package common

import (
	"context"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"
)

// Action is the general interface of a CDP action.
type Action interface {
	Do(context.Context) error
}

// ActionFunc is an adapter to allow regular functions to be used as an Action.
type ActionFunc func(context.Context) error

// Do executes the func f using the provided context.
func (f ActionFunc) Do(ctx context.Context) error {
	return f(ctx)
}

type executorEmitter interface {
	cdp.Executor
	EventEmitter
}

// connection is the interface of the browser-level transport a Session
// sends its messages through. Tests substitute their own implementations.
type connection interface {
	executorEmitter
	Close(code ...int)
	getSession(target.SessionID) *Session
	send(msg *cdproto.Message, recvCh chan *cdproto.Message, res easyjson.Unmarshaler) error
}

// session is the interface of a CDP session through which the frame and
// network managers talk to their target. Tests substitute their own
// implementations.
type session interface {
	executorEmitter
	ExecuteWithoutExpectationOnReply(context.Context, string, easyjson.Marshaler, easyjson.Unmarshaler) error
	ID() target.SessionID
	TargetID() target.ID
	Done() <-chan struct{}
}
