package common

import (
	"context"
	"sync"
)

const (
	// Connection

	EventConnectionClose string = "close"

	// Session

	EventSessionClosed string = "close"

	// Frame

	EventFrameNavigation      string = "navigation"
	EventFrameAddLifecycle    string = "addlifecycle"
	EventFrameRemoveLifecycle string = "removelifecycle"

	// FrameManager

	EventFrameManagerFrameAttached    string = "frameattached"
	EventFrameManagerFrameDetached    string = "framedetached"
	EventFrameManagerFrameNavigated   string = "framenavigated"
	EventFrameManagerLoad             string = "load"
	EventFrameManagerDOMContentLoaded string = "domcontentloaded"

	// NetworkManager

	EventNetworkRequest         string = "request"
	EventNetworkResponse        string = "response"
	EventNetworkRequestFinished string = "requestfinished"
	EventNetworkRequestFailed   string = "requestfailed"
)

// Event as emitted by an EventEmitter.
type Event struct {
	typ  string
	data any
}

// queue holds the events emitted to a single handler channel which have not
// been consumed yet. Events are appended to the write slice and consumed
// from the read slice; the two are swapped when the read side runs dry.
// This keeps delivery to each handler in emission order without blocking
// the emitter itself.
type queue struct {
	writeMu sync.Mutex
	write   []Event
	readMu  sync.Mutex
	read    []Event
}

type eventHandler struct {
	ctx   context.Context
	ch    chan Event
	queue *queue
}

// EventEmitter that all event emitters need to implement.
type EventEmitter interface {
	emit(event string, data any)
	on(ctx context.Context, events []string, ch chan Event)
	onAll(ctx context.Context, ch chan Event)
}

// syncFunc functions are passed through the syncCh for synchronously handling
// eventHandler requests.
type syncFunc func() (done chan struct{})

// BaseEventEmitter emits events to registered handlers.
type BaseEventEmitter struct {
	handlers    map[string][]*eventHandler
	handlersAll []*eventHandler

	queues map[chan Event]*queue

	syncCh chan syncFunc
	ctx    context.Context
}

// NewBaseEventEmitter creates a new instance of a base event emitter.
func NewBaseEventEmitter(ctx context.Context) BaseEventEmitter {
	bem := BaseEventEmitter{
		handlers: make(map[string][]*eventHandler),
		queues:   make(map[chan Event]*queue),
		syncCh:   make(chan syncFunc),
		ctx:      ctx,
	}
	go bem.syncAll(ctx)
	return bem
}

// syncAll receives work requests from BaseEventEmitter methods
// and processes them one at a time for synchronization.
//
// It returns when the BaseEventEmitter context is done.
func (e *BaseEventEmitter) syncAll(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-e.syncCh:
			done := fn()
			done <- struct{}{}
		}
	}
}

// sync is a helper for synchronized access to the BaseEventEmitter.
func (e *BaseEventEmitter) sync(fn func()) {
	done := make(chan struct{})
	select {
	case <-e.ctx.Done():
		return
	case e.syncCh <- func() chan struct{} {
		fn()
		return done
	}:
	}
	<-done
}

func (e *BaseEventEmitter) emit(event string, data any) {
	emitEvent := func(eh *eventHandler) {
		eh.queue.readMu.Lock()
		defer eh.queue.readMu.Unlock()

		// When the read queue runs dry, swap it with the write queue
		// that the synched emitTo below has been appending to.
		if len(eh.queue.read) == 0 {
			eh.queue.writeMu.Lock()
			eh.queue.read, eh.queue.write = eh.queue.write, eh.queue.read[:0]
			eh.queue.writeMu.Unlock()
		}
		if len(eh.queue.read) == 0 {
			return
		}

		select {
		case eh.ch <- eh.queue.read[0]:
			eh.queue.read[0] = Event{}
			eh.queue.read = eh.queue.read[1:]
		case <-eh.ctx.Done():
		}
	}
	emitTo := func(handlers []*eventHandler) (updated []*eventHandler) {
		for i := 0; i < len(handlers); {
			handler := handlers[i]
			select {
			case <-handler.ctx.Done():
				handlers = append(handlers[:i], handlers[i+1:]...)
				continue
			default:
				handler.queue.writeMu.Lock()
				handler.queue.write = append(handler.queue.write, Event{typ: event, data: data})
				handler.queue.writeMu.Unlock()

				go emitEvent(handler)
				i++
			}
		}
		return handlers
	}
	e.sync(func() {
		e.handlers[event] = emitTo(e.handlers[event])
		e.handlersAll = emitTo(e.handlersAll)
	})
}

// On registers a handler for a specific event.
func (e *BaseEventEmitter) on(ctx context.Context, events []string, ch chan Event) {
	e.sync(func() {
		q, ok := e.queues[ch]
		if !ok {
			q = &queue{}
			e.queues[ch] = q
		}

		for _, event := range events {
			e.handlers[event] = append(e.handlers[event], &eventHandler{ctx: ctx, ch: ch, queue: q})
		}
	})
}

// OnAll registers a handler for all events.
func (e *BaseEventEmitter) onAll(ctx context.Context, ch chan Event) {
	e.sync(func() {
		q, ok := e.queues[ch]
		if !ok {
			q = &queue{}
			e.queues[ch] = q
		}

		e.handlersAll = append(e.handlersAll, &eventHandler{ctx: ctx, ch: ch, queue: q})
	})
}
