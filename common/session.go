package common

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/huanbee/gopuppet/log"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"
)

// Ensure Session implements the session interface.
var _ session = &Session{}

// Session represents a CDP session to a target. Commands sent through a
// session carry its ID, and the connection routes every inbound message
// stamped with that ID onto the session's read channel.
type Session struct {
	BaseEventEmitter

	ctx      context.Context
	conn     connection
	id       target.SessionID
	targetID target.ID
	msgID    int64
	readCh   chan *cdproto.Message
	done     chan struct{}
	closed   bool
	crashed  bool

	logger *log.Logger
}

// NewSession creates a new session.
func NewSession(
	ctx context.Context, conn connection, id target.SessionID, tid target.ID, logger *log.Logger,
) *Session {
	s := Session{
		BaseEventEmitter: NewBaseEventEmitter(ctx),
		ctx:              ctx,
		conn:             conn,
		id:               id,
		targetID:         tid,
		readCh:           make(chan *cdproto.Message),
		done:             make(chan struct{}),
		logger:           logger,
	}
	go s.readLoop()
	return &s
}

func (s *Session) close() {
	if s.closed {
		return
	}

	// Stop the read loop
	close(s.done)
	s.closed = true

	s.emit(EventSessionClosed, nil)
}

func (s *Session) markAsCrashed() {
	s.crashed = true
}

// readLoop fans inbound session messages out to subscribers: events by
// method name, command responses under the empty event name.
func (s *Session) readLoop() {
	for {
		select {
		case msg := <-s.readCh:
			if msg.Method == "" {
				s.emit("", msg)
				continue
			}
			ev, err := cdproto.UnmarshalMessage(msg)
			if err != nil {
				if _, ok := err.(cdp.ErrUnknownCommandOrEvent); ok {
					// This is most likely an event received from an older
					// Chrome which a newer cdproto doesn't have, as it is
					// deprecated. Ignore that error.
					continue
				}
				s.logger.Errorf("Session:readLoop", "sid:%v %s", s.id, err)
				continue
			}
			s.emit(string(msg.Method), ev)
		case <-s.done:
			return
		}
	}
}

// Execute implements the cdp.Executor interface.
func (s *Session) Execute(
	ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler,
) error {
	// Certain methods aren't available to the user directly.
	if method == target.CommandCloseTarget {
		return errors.New("to close the target, cancel its context")
	}
	if s.crashed {
		return ErrTargetCrashed
	}
	if s.closed {
		return ErrSessionClosed
	}

	id := atomic.AddInt64(&s.msgID, 1)

	// Setup event handler used to block for response to message being sent.
	ch := make(chan *cdproto.Message, 1)
	evCancelCtx, evCancelFn := context.WithCancel(ctx)
	chEvHandler := make(chan Event)
	go func() {
		for {
			select {
			case <-evCancelCtx.Done():
				return
			case ev := <-chEvHandler:
				if msg, ok := ev.data.(*cdproto.Message); ok && msg.ID == id {
					select {
					case <-evCancelCtx.Done():
					case ch <- msg:
						// We expect only one response with the matching message ID,
						// then remove event handler by cancelling context and stopping goroutine.
						evCancelFn()
						return
					}
				}
			}
		}
	}()
	s.onAll(evCancelCtx, chEvHandler)
	defer evCancelFn() // Remove event handler

	// Send the message
	var buf []byte
	if params != nil {
		var err error
		buf, err = easyjson.Marshal(params)
		if err != nil {
			return err
		}
	}
	msg := &cdproto.Message{
		ID:        id,
		SessionID: s.id,
		Method:    cdproto.MethodType(method),
		Params:    buf,
	}
	return s.conn.send(msg, ch, res)
}

// ExecuteWithoutExpectationOnReply sends a command but does not wait for
// the response to arrive.
func (s *Session) ExecuteWithoutExpectationOnReply(
	ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler,
) error {
	if method == target.CommandCloseTarget {
		return errors.New("to close the target, cancel its context")
	}
	if s.crashed {
		return ErrTargetCrashed
	}
	if s.closed {
		return ErrSessionClosed
	}

	// Send the message
	var buf []byte
	if params != nil {
		var err error
		buf, err = easyjson.Marshal(params)
		if err != nil {
			return err
		}
	}
	msg := &cdproto.Message{
		ID:        atomic.AddInt64(&s.msgID, 1),
		SessionID: s.id,
		Method:    cdproto.MethodType(method),
		Params:    buf,
	}
	return s.conn.send(msg, nil, res)
}

// ID returns the session ID.
func (s *Session) ID() target.SessionID {
	return s.id
}

// TargetID returns the ID of the target attached to this session.
func (s *Session) TargetID() target.ID {
	return s.targetID
}

// Done returns a channel that is closed when the session is closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}
