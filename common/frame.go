package common

import (
	"context"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
)

// Frame represents a frame in an HTML document.
//
// A frame is owned by the FrameManager's tree; the parent relation is a
// lookup-only back-reference. Lifecycle event sets only grow until the next
// navigation resets them.
type Frame struct {
	BaseEventEmitter

	ctx     context.Context
	manager *FrameManager

	parentFrame *Frame

	childFramesMu sync.RWMutex
	childFrames   map[*Frame]bool

	id       cdp.FrameID
	loaderID string
	name     string
	url      string
	detached bool

	// A life cycle event is only considered triggered for a frame if the
	// entire frame subtree has also had the life cycle event triggered.
	lifecycleEventsMu      sync.RWMutex
	lifecycleEvents        map[LifecycleEvent]bool
	subtreeLifecycleEvents map[LifecycleEvent]bool

	executionContextMu sync.RWMutex
	executionContext   *ExecutionContext

	loadingStartedTime time.Time

	networkIdleMu       sync.Mutex
	networkIdleCtx      context.Context
	networkIdleCancelFn context.CancelFunc

	inflightRequestsMu sync.RWMutex
	inflightRequests   map[network.RequestID]bool

	currentDocument *DocumentInfo
	pendingDocument *DocumentInfo
}

// NewFrame creates a new HTML document frame.
func NewFrame(ctx context.Context, m *FrameManager, parentFrame *Frame, frameID cdp.FrameID) *Frame {
	return &Frame{
		BaseEventEmitter:       NewBaseEventEmitter(ctx),
		ctx:                    ctx,
		manager:                m,
		parentFrame:            parentFrame,
		childFrames:            make(map[*Frame]bool),
		id:                     frameID,
		lifecycleEvents:        make(map[LifecycleEvent]bool),
		subtreeLifecycleEvents: make(map[LifecycleEvent]bool),
		inflightRequests:       make(map[network.RequestID]bool),
		currentDocument:        &DocumentInfo{},
	}
}

func (f *Frame) addChildFrame(childFrame *Frame) {
	f.childFramesMu.Lock()
	f.childFrames[childFrame] = true
	f.childFramesMu.Unlock()
}

func (f *Frame) removeChildFrame(childFrame *Frame) {
	f.childFramesMu.Lock()
	delete(f.childFrames, childFrame)
	f.childFramesMu.Unlock()
}

func (f *Frame) addRequest(requestID network.RequestID) {
	f.inflightRequestsMu.Lock()
	defer f.inflightRequestsMu.Unlock()
	f.inflightRequests[requestID] = true
}

func (f *Frame) deleteRequest(requestID network.RequestID) {
	f.inflightRequestsMu.Lock()
	defer f.inflightRequestsMu.Unlock()
	delete(f.inflightRequests, requestID)
}

func (f *Frame) inflightRequestsLen() int {
	f.inflightRequestsMu.RLock()
	defer f.inflightRequestsMu.RUnlock()
	return len(f.inflightRequests)
}

// clearLifecycle resets the frame's lifecycle progress on navigation.
// In-flight requests that belong to the replaced document are forgotten,
// except the navigation request of the new document itself.
func (f *Frame) clearLifecycle() {
	f.lifecycleEventsMu.Lock()
	for k := range f.lifecycleEvents {
		f.lifecycleEvents[k] = false
	}
	f.lifecycleEventsMu.Unlock()
	f.manager.mainFrame.recalculateLifecycle()

	f.inflightRequestsMu.Lock()
	inflightRequests := make(map[network.RequestID]bool)
	for reqID := range f.inflightRequests {
		if f.currentDocument.request != nil && reqID == f.currentDocument.request.requestID {
			inflightRequests[reqID] = true
		}
	}
	f.inflightRequests = inflightRequests
	inflight := len(f.inflightRequests)
	f.inflightRequestsMu.Unlock()

	f.stopNetworkIdleTimer()
	if inflight == 0 {
		f.startNetworkIdleTimer()
	}
}

func (f *Frame) detach() {
	f.stopNetworkIdleTimer()
	f.detached = true
	if f.parentFrame != nil {
		f.parentFrame.removeChildFrame(f)
	}
	f.parentFrame = nil
	f.nullContext()
}

func (f *Frame) navigated(name string, url string, loaderID string) {
	f.name = name
	f.url = url
	f.loaderID = loaderID
}

func (f *Frame) onLifecycleEvent(event LifecycleEvent) {
	f.lifecycleEventsMu.Lock()
	defer f.lifecycleEventsMu.Unlock()
	if f.lifecycleEvents[event] {
		return
	}
	f.lifecycleEvents[event] = true
}

func (f *Frame) onLoadingStarted() {
	f.loadingStartedTime = time.Now()
}

// onLoadingStopped marks all lifecycle milestones at once. The remote only
// sends Page.frameStoppedLoading for frames it no longer reports lifecycle
// events for (e.g. window.stop), so loading-stopped implies all of them.
func (f *Frame) onLoadingStopped() {
	f.lifecycleEventsMu.Lock()
	defer f.lifecycleEventsMu.Unlock()
	f.lifecycleEvents[LifecycleEventDOMContentLoad] = true
	f.lifecycleEvents[LifecycleEventLoad] = true
	f.lifecycleEvents[LifecycleEventNetworkIdle] = true
}

func (f *Frame) hasLifecycleEventFired(event LifecycleEvent) bool {
	f.lifecycleEventsMu.RLock()
	defer f.lifecycleEventsMu.RUnlock()
	return f.lifecycleEvents[event]
}

func (f *Frame) hasSubtreeLifecycleEventFired(event LifecycleEvent) bool {
	f.lifecycleEventsMu.RLock()
	defer f.lifecycleEventsMu.RUnlock()
	return f.subtreeLifecycleEvents[event]
}

// recalculateLifecycle computes the frame's subtree lifecycle state: an
// event is only considered fired for a frame once it has fired for every
// frame of its subtree. Newly fired events are emitted as
// EventFrameAddLifecycle, events invalidated by a child navigation as
// EventFrameRemoveLifecycle.
func (f *Frame) recalculateLifecycle() {
	events := make(map[LifecycleEvent]bool)
	f.lifecycleEventsMu.RLock()
	for k, v := range f.lifecycleEvents {
		if v {
			events[k] = true
		}
	}
	f.lifecycleEventsMu.RUnlock()

	f.childFramesMu.RLock()
	for child := range f.childFrames {
		child.recalculateLifecycle()
		for k := range events {
			if !child.hasSubtreeLifecycleEventFired(k) {
				delete(events, k)
			}
		}
	}
	f.childFramesMu.RUnlock()

	mainFrame := f.manager.mainFrame
	for k := range events {
		if !f.hasSubtreeLifecycleEventFired(k) {
			f.emit(EventFrameAddLifecycle, FrameLifecycleEvent{URL: f.URL(), Event: k})
			if f == mainFrame && k == LifecycleEventLoad {
				f.manager.emit(EventFrameManagerLoad, f)
			} else if f == mainFrame && k == LifecycleEventDOMContentLoad {
				f.manager.emit(EventFrameManagerDOMContentLoaded, f)
			}
		}
	}

	f.lifecycleEventsMu.Lock()
	for k := range f.subtreeLifecycleEvents {
		if !events[k] {
			f.emit(EventFrameRemoveLifecycle, FrameLifecycleEvent{URL: f.URL(), Event: k})
		}
	}
	f.subtreeLifecycleEvents = make(map[LifecycleEvent]bool)
	for k := range events {
		f.subtreeLifecycleEvents[k] = true
	}
	f.lifecycleEventsMu.Unlock()
}

// startNetworkIdleTimer arms the quiet-window debounce: the frame is only
// considered network idle once the in-flight count has stayed at zero for
// LifeCycleNetworkIdleTimeout.
func (f *Frame) startNetworkIdleTimer() {
	if f.hasLifecycleEventFired(LifecycleEventNetworkIdle) || f.detached {
		return
	}
	f.stopNetworkIdleTimer()

	f.networkIdleMu.Lock()
	f.networkIdleCtx, f.networkIdleCancelFn = context.WithCancel(f.ctx)
	doneCh := f.networkIdleCtx.Done()
	f.networkIdleMu.Unlock()

	go func() {
		select {
		case <-doneCh:
		case <-time.After(LifeCycleNetworkIdleTimeout):
			f.manager.frameLifecycleEvent(f.id, LifecycleEventNetworkIdle)
		}
	}()
}

func (f *Frame) stopNetworkIdleTimer() {
	f.networkIdleMu.Lock()
	defer f.networkIdleMu.Unlock()
	if f.networkIdleCancelFn != nil {
		f.networkIdleCancelFn()
		f.networkIdleCtx = nil
		f.networkIdleCancelFn = nil
	}
}

func (f *Frame) setContext(execCtx *ExecutionContext) {
	f.executionContextMu.Lock()
	defer f.executionContextMu.Unlock()
	f.executionContext = execCtx
}

func (f *Frame) nullContext() {
	f.executionContextMu.Lock()
	defer f.executionContextMu.Unlock()
	f.executionContext = nil
}

func (f *Frame) setID(id cdp.FrameID) {
	f.id = id
}

// ExecutionContext returns the frame's current scripting context.
// It returns ErrNoExecutionContext when the context has not been created
// yet or was destroyed by a navigation; callers should retry after the
// next context-created notification.
func (f *Frame) ExecutionContext() (*ExecutionContext, error) {
	f.executionContextMu.RLock()
	defer f.executionContextMu.RUnlock()
	if f.executionContext == nil {
		return nil, ErrNoExecutionContext
	}
	return f.executionContext, nil
}

// ChildFrames returns the frame's direct children.
func (f *Frame) ChildFrames() []*Frame {
	f.childFramesMu.RLock()
	defer f.childFramesMu.RUnlock()
	frames := make([]*Frame, 0, len(f.childFrames))
	for child := range f.childFrames {
		frames = append(frames, child)
	}
	return frames
}

// ID returns the frame ID.
func (f *Frame) ID() string {
	return f.id.String()
}

// IsDetached returns whether the frame was removed from the tree.
func (f *Frame) IsDetached() bool {
	return f.detached
}

// LifecycleEvents returns the lifecycle milestones that have fired for
// this frame since its last navigation.
func (f *Frame) LifecycleEvents() []LifecycleEvent {
	f.lifecycleEventsMu.RLock()
	defer f.lifecycleEventsMu.RUnlock()
	events := make([]LifecycleEvent, 0, len(f.lifecycleEvents))
	for k, v := range f.lifecycleEvents {
		if v {
			events = append(events, k)
		}
	}
	return events
}

// Name returns the frame name.
func (f *Frame) Name() string {
	return f.name
}

// ParentFrame returns the frame's parent, or nil for the main frame.
func (f *Frame) ParentFrame() *Frame {
	return f.parentFrame
}

// URL returns the frame URL.
func (f *Frame) URL() string {
	return f.url
}
