package common

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// NavigationOutcome is the terminal state of a single navigation attempt.
type NavigationOutcome int32

const (
	// NavigationOutcomePending means the navigation has not settled yet.
	NavigationOutcomePending NavigationOutcome = iota

	// NavigationOutcomeSuccess means the lifecycle goal was reached.
	NavigationOutcomeSuccess

	// NavigationOutcomeError means the remote rejected or aborted the
	// navigation.
	NavigationOutcomeError

	// NavigationOutcomeTimeout means the deadline elapsed first.
	NavigationOutcomeTimeout
)

func (o NavigationOutcome) String() string {
	switch o {
	case NavigationOutcomePending:
		return "pending"
	case NavigationOutcomeSuccess:
		return "success"
	case NavigationOutcomeError:
		return "error"
	case NavigationOutcomeTimeout:
		return "timeout"
	}
	return "unknown"
}

// NavigationWatcher decides when a single navigation attempt of a frame has
// finished. Lifecycle milestones, the navigate command's own result and the
// deadline are independent signal sources racing each other; the first
// terminal transition wins and later signals are discarded.
//
// A watcher subscribes on construction, before the navigate command is
// issued, so no commit or lifecycle event can slip by in between.
type NavigationWatcher struct {
	ctx       context.Context
	frame     *Frame
	waitUntil []LifecycleEvent

	timeoutCtx      context.Context
	timeoutCancelFn context.CancelFunc
	cancelFn        context.CancelFunc
	cancelOnce      sync.Once

	evCh chan Event

	outcome int32

	errMu  sync.Mutex
	navErr error
	errCh  chan struct{}
}

// newNavigationWatcher creates a watcher for one navigation attempt of the
// given frame; a nil frame targets the main frame. Without an explicit
// lifecycle goal the navigation is considered done when the document load
// event has fired and the network has gone idle.
func newNavigationWatcher(
	ctx context.Context, m *FrameManager, frame *Frame,
	timeout time.Duration, waitUntil ...LifecycleEvent,
) *NavigationWatcher {
	if frame == nil {
		frame = m.mainFrame
	}
	if len(waitUntil) == 0 {
		waitUntil = []LifecycleEvent{LifecycleEventLoad, LifecycleEventNetworkIdle}
	}

	cancelCtx, cancelFn := context.WithCancel(ctx)
	timeoutCtx, timeoutCancelFn := context.WithTimeout(cancelCtx, timeout)

	w := NavigationWatcher{
		ctx:             cancelCtx,
		frame:           frame,
		waitUntil:       waitUntil,
		timeoutCtx:      timeoutCtx,
		timeoutCancelFn: timeoutCancelFn,
		cancelFn:        cancelFn,
		evCh:            make(chan Event),
		errCh:           make(chan struct{}, 1),
	}
	frame.on(cancelCtx, []string{EventFrameNavigation, EventFrameAddLifecycle}, w.evCh)
	return &w
}

// SetNavigationError reports that the navigate command itself failed. It
// wins over any later success but never overwrites an already terminal
// outcome.
func (w *NavigationWatcher) SetNavigationError(err error) {
	w.errMu.Lock()
	if w.navErr == nil {
		w.navErr = err
	}
	w.errMu.Unlock()
	w.setOutcome(NavigationOutcomeError)
	select {
	case w.errCh <- struct{}{}:
	default:
	}
}

// Cancel unsubscribes the watcher and releases its timers. It is safe to
// call any number of times and in any state; it never rolls back frame or
// request state.
func (w *NavigationWatcher) Cancel() {
	w.cancelOnce.Do(func() {
		w.timeoutCancelFn()
		w.cancelFn()
	})
}

// Outcome returns the current state of the navigation attempt.
func (w *NavigationWatcher) Outcome() NavigationOutcome {
	return NavigationOutcome(atomic.LoadInt32(&w.outcome))
}

func (w *NavigationWatcher) setOutcome(o NavigationOutcome) bool {
	return atomic.CompareAndSwapInt32(
		&w.outcome, int32(NavigationOutcomePending), int32(o))
}

func (w *NavigationWatcher) navigationError() error {
	w.errMu.Lock()
	defer w.errMu.Unlock()
	return w.navErr
}

func (w *NavigationWatcher) goalReached() bool {
	for _, event := range w.waitUntil {
		if !w.frame.hasSubtreeLifecycleEventFired(event) {
			return false
		}
	}
	return true
}

func (w *NavigationWatcher) fail(err error) error {
	w.setOutcome(NavigationOutcomeError)
	return err
}

func (w *NavigationWatcher) deadlineExceeded() error {
	if errors.Is(w.timeoutCtx.Err(), context.DeadlineExceeded) {
		w.setOutcome(NavigationOutcomeTimeout)
		return ErrTimedOut
	}
	// Cancelled, not timed out: the watcher was released.
	return w.ctx.Err()
}

// Wait blocks until the navigation attempt settles. newDocumentID is the
// loader ID returned by the navigate command for a cross-document
// navigation, or empty for a same-document one. It returns the navigation
// response on success (nil for same-document navigations), a protocol error
// when the remote rejected or aborted the navigation, or ErrTimedOut.
func (w *NavigationWatcher) Wait(newDocumentID string) (*Response, error) {
	// A command failure reported before Wait always beats other signals.
	if err := w.navigationError(); err != nil {
		return nil, w.fail(err)
	}

	var nav *NavigationEvent
	for nav == nil {
		select {
		case <-w.errCh:
			return nil, w.fail(w.navigationError())
		default:
		}
		select {
		case <-w.errCh:
			return nil, w.fail(w.navigationError())
		case <-w.timeoutCtx.Done():
			return nil, w.deadlineExceeded()
		case ev := <-w.evCh:
			ne, ok := ev.data.(*NavigationEvent)
			if !ok {
				continue
			}
			switch {
			case newDocumentID == "":
				if ne.newDocument == nil {
					nav = ne
				}
			case ne.newDocument == nil:
				// Same-document navigation while waiting for a new
				// document; not ours.
			case ne.newDocument.documentID == newDocumentID:
				if ne.err != nil {
					return nil, w.fail(ne.err)
				}
				nav = ne
			case ne.err == nil:
				// Another document committed and replaced the one we are
				// waiting for.
				return nil, w.fail(errors.New("navigation interrupted by another one"))
			}
		}
	}

	for !w.goalReached() {
		select {
		case <-w.errCh:
			return nil, w.fail(w.navigationError())
		default:
		}
		select {
		case <-w.errCh:
			return nil, w.fail(w.navigationError())
		case <-w.timeoutCtx.Done():
			return nil, w.deadlineExceeded()
		case <-w.evCh:
			// Lifecycle progress; the goal check re-reads the frame's
			// subtree state.
		}
	}

	w.setOutcome(NavigationOutcomeSuccess)

	var resp *Response
	if nav.newDocument != nil && nav.newDocument.request != nil {
		resp = nav.newDocument.request.response
	}
	return resp, nil
}
