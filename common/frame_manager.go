package common

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/huanbee/gopuppet/log"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
)

// Ensure FrameManager implements the EventEmitter interface.
var _ EventEmitter = &FrameManager{}

// FrameManager reconstructs and owns the frame tree of a session.
//
// The tree is populated once from a Page.getFrameTree snapshot and then
// kept live from attach/navigate/detach events. The manager is the only
// writer of the tree; subscribers and callers only read.
type FrameManager struct {
	BaseEventEmitter

	ctx             context.Context
	session         session
	timeoutSettings *TimeoutSettings

	mainFrame *Frame

	framesMu sync.RWMutex
	frames   map[cdp.FrameID]*Frame

	// Attach events whose parent frame has not been observed yet, keyed by
	// the missing parent ID. Transient within an event batch; entries still
	// here at dispose time indicate an inconsistent remote tree.
	pendingChildren map[cdp.FrameID][]cdp.FrameID

	contextsMu sync.Mutex
	contexts   map[runtime.ExecutionContextID]*Frame

	barriersMu sync.RWMutex
	barriers   []*Barrier

	logger *log.Logger
}

// NewFrameManager creates a new HTML document frame manager.
func NewFrameManager(
	ctx context.Context, s session, timeoutSettings *TimeoutSettings, logger *log.Logger,
) (*FrameManager, error) {
	m := FrameManager{
		BaseEventEmitter: NewBaseEventEmitter(ctx),
		ctx:              ctx,
		session:          s,
		timeoutSettings:  timeoutSettings,
		frames:           make(map[cdp.FrameID]*Frame),
		pendingChildren:  make(map[cdp.FrameID][]cdp.FrameID),
		contexts:         make(map[runtime.ExecutionContextID]*Frame),
		barriers:         make([]*Barrier, 0),
		logger:           logger,
	}
	m.initEvents()
	if err := m.initFrameTree(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *FrameManager) initEvents() {
	chHandler := make(chan Event)
	m.session.on(m.ctx, []string{
		cdproto.EventPageFrameAttached,
		cdproto.EventPageFrameDetached,
		cdproto.EventPageFrameNavigated,
		cdproto.EventPageFrameRequestedNavigation,
		cdproto.EventPageFrameStartedLoading,
		cdproto.EventPageFrameStoppedLoading,
		cdproto.EventPageLifecycleEvent,
		cdproto.EventPageNavigatedWithinDocument,
		cdproto.EventRuntimeExecutionContextCreated,
		cdproto.EventRuntimeExecutionContextDestroyed,
		cdproto.EventRuntimeExecutionContextsCleared,
	}, chHandler)

	go func() {
		for m.handleEvents(chHandler) {
		}
	}()
}

func (m *FrameManager) handleEvents(in <-chan Event) bool {
	select {
	case <-m.ctx.Done():
		return false
	case event := <-in:
		select {
		case <-m.ctx.Done():
			return false
		default:
		}
		switch ev := event.data.(type) {
		case *page.EventFrameAttached:
			m.frameAttached(ev.FrameID, ev.ParentFrameID)
		case *page.EventFrameDetached:
			m.frameDetached(ev.FrameID)
		case *page.EventFrameNavigated:
			const initial = false
			if err := m.frameNavigated(
				ev.Frame.ID, ev.Frame.ParentID, ev.Frame.LoaderID.String(),
				ev.Frame.Name, ev.Frame.URL+ev.Frame.URLFragment, initial,
			); err != nil {
				// One malformed event must not take down tracking for the
				// unrelated frames.
				m.logger.Warnf("FrameManager:handleEvents", "fid:%v %s", ev.Frame.ID, err)
			}
		case *page.EventFrameRequestedNavigation:
			if err := m.frameRequestedNavigation(ev.FrameID, ev.URL, ""); err != nil {
				m.logger.Warnf("FrameManager:handleEvents", "fid:%v %s", ev.FrameID, err)
			}
		case *page.EventFrameStartedLoading:
			m.frameLoadingStarted(ev.FrameID)
		case *page.EventFrameStoppedLoading:
			m.frameLoadingStopped(ev.FrameID)
		case *page.EventLifecycleEvent:
			m.onPageLifecycle(ev)
		case *page.EventNavigatedWithinDocument:
			m.frameNavigatedWithinDocument(ev.FrameID, ev.URL)
		case *runtime.EventExecutionContextCreated:
			m.onExecutionContextCreated(ev.Context)
		case *runtime.EventExecutionContextDestroyed:
			m.onExecutionContextDestroyed(ev.ExecutionContextID)
		case *runtime.EventExecutionContextsCleared:
			m.onExecutionContextsCleared()
		}
	}
	return true
}

// initFrameTree enables the needed protocol domains and populates the tree
// from a full frame-tree snapshot.
func (m *FrameManager) initFrameTree() error {
	actions := []Action{
		page.Enable(),
		page.SetLifecycleEventsEnabled(true),
		runtime.Enable(),
	}
	for _, action := range actions {
		if err := action.Do(cdp.WithExecutor(m.ctx, m.session)); err != nil {
			return err
		}
	}

	frameTree, err := page.GetFrameTree().Do(cdp.WithExecutor(m.ctx, m.session))
	if err != nil {
		return err
	}
	m.handleFrameTree(frameTree)
	return nil
}

func (m *FrameManager) handleFrameTree(frameTree *page.FrameTree) {
	if frameTree == nil || frameTree.Frame == nil {
		return
	}
	if frameTree.Frame.ParentID != "" {
		m.frameAttached(frameTree.Frame.ID, frameTree.Frame.ParentID)
	}
	const initial = true
	if err := m.frameNavigated(
		frameTree.Frame.ID, frameTree.Frame.ParentID, frameTree.Frame.LoaderID.String(),
		frameTree.Frame.Name, frameTree.Frame.URL, initial,
	); err != nil {
		m.logger.Warnf("FrameManager:handleFrameTree", "fid:%v %s", frameTree.Frame.ID, err)
	}
	for _, child := range frameTree.ChildFrames {
		m.handleFrameTree(child)
	}
}

func (m *FrameManager) addBarrier(b *Barrier) {
	m.barriersMu.Lock()
	defer m.barriersMu.Unlock()
	m.barriers = append(m.barriers, b)
}

func (m *FrameManager) removeBarrier(b *Barrier) {
	m.barriersMu.Lock()
	defer m.barriersMu.Unlock()
	for i, b2 := range m.barriers {
		if b == b2 {
			m.barriers = append(m.barriers[:i], m.barriers[i+1:]...)
			return
		}
	}
}

func (m *FrameManager) dispose() {
	m.framesMu.Lock()
	defer m.framesMu.Unlock()
	for _, f := range m.frames {
		f.stopNetworkIdleTimer()
	}
	for parentID, children := range m.pendingChildren {
		m.logger.Warnf("FrameManager:dispose",
			"dropping %d unresolved child frames of never-attached parent %v: %s",
			len(children), parentID, ErrInconsistentFrameTree)
	}
	m.pendingChildren = make(map[cdp.FrameID][]cdp.FrameID)
}

func (m *FrameManager) frameAttached(frameID cdp.FrameID, parentFrameID cdp.FrameID) {
	m.framesMu.Lock()
	defer m.framesMu.Unlock()
	m.attachFrameLocked(frameID, parentFrameID)
}

func (m *FrameManager) attachFrameLocked(frameID cdp.FrameID, parentFrameID cdp.FrameID) {
	if _, ok := m.frames[frameID]; ok {
		return
	}
	parentFrame, ok := m.frames[parentFrameID]
	if !ok {
		// Parent not observed yet. Hold the child until the parent's own
		// attach event arrives; the remote may deliver a batch out of order.
		m.pendingChildren[parentFrameID] = append(m.pendingChildren[parentFrameID], frameID)
		return
	}
	frame := NewFrame(m.ctx, m, parentFrame, frameID)
	m.frames[frameID] = frame
	parentFrame.addChildFrame(frame)
	m.emit(EventFrameManagerFrameAttached, frame)

	m.attachPendingChildrenLocked(frameID)
}

func (m *FrameManager) attachPendingChildrenLocked(parentFrameID cdp.FrameID) {
	pending := m.pendingChildren[parentFrameID]
	delete(m.pendingChildren, parentFrameID)
	for _, childID := range pending {
		m.attachFrameLocked(childID, parentFrameID)
	}
}

func (m *FrameManager) frameDetached(frameID cdp.FrameID) {
	m.framesMu.Lock()
	defer m.framesMu.Unlock()
	frame, ok := m.frames[frameID]
	if !ok {
		if _, pending := m.pendingChildren[frameID]; pending {
			m.logger.Warnf("FrameManager:frameDetached",
				"dropping children of detached frame %v that never attached: %s",
				frameID, ErrInconsistentFrameTree)
			delete(m.pendingChildren, frameID)
		}
		return
	}
	m.removeFramesLocked(frame)
}

// removeFramesLocked removes the frame and all its descendants from the
// tree, emitting one EventFrameManagerFrameDetached per removed frame,
// children before their parent. Callers must hold framesMu.
func (m *FrameManager) removeFramesLocked(frame *Frame) {
	for _, child := range frame.ChildFrames() {
		m.removeFramesLocked(child)
	}
	frame.detach()
	delete(m.frames, frame.id)
	m.emit(EventFrameManagerFrameDetached, frame)
}

func (m *FrameManager) frameAbortedNavigation(frameID cdp.FrameID, errorText, documentID string) {
	m.framesMu.Lock()
	defer m.framesMu.Unlock()
	m.frameAbortedNavigationLocked(frameID, errorText, documentID)
}

// frameAbortedNavigationLocked is frameAbortedNavigation for callers that
// already hold framesMu.
func (m *FrameManager) frameAbortedNavigationLocked(frameID cdp.FrameID, errorText, documentID string) {
	frame := m.frames[frameID]
	if frame == nil || frame.pendingDocument == nil {
		return
	}
	if documentID != "" && frame.pendingDocument.documentID != documentID {
		return
	}
	pending := frame.pendingDocument
	frame.pendingDocument = nil
	frame.emit(EventFrameNavigation, &NavigationEvent{
		url:         frame.url,
		name:        frame.name,
		newDocument: pending,
		err:         &ProtocolError{Message: errorText},
	})
}

func (m *FrameManager) frameNavigated(
	frameID cdp.FrameID, parentFrameID cdp.FrameID, documentID string,
	name string, url string, initial bool,
) error {
	m.framesMu.Lock()
	defer m.framesMu.Unlock()

	isMainFrame := parentFrameID == ""
	frame := m.frames[frameID]
	if isMainFrame && frame == nil {
		// A cross-process navigation arrives under a fresh frame ID; the
		// main frame keeps its identity and is re-keyed below.
		frame = m.mainFrame
	}

	if !isMainFrame && frame == nil {
		return ErrInconsistentFrameTree
	}

	if frame != nil {
		for _, child := range frame.ChildFrames() {
			m.removeFramesLocked(child)
		}
	}

	if isMainFrame {
		if frame != nil {
			// Update the frame ID to retain frame identity on
			// cross-process navigation.
			delete(m.frames, frame.id)
			frame.setID(frameID)
		} else {
			// Initial main frame navigation.
			frame = NewFrame(m.ctx, m, nil, frameID)
		}
		m.frames[frameID] = frame
		m.mainFrame = frame
		m.attachPendingChildrenLocked(frameID)
	}

	frame.navigated(name, url, documentID)

	var keepPending *DocumentInfo
	pendingDocument := frame.pendingDocument
	if pendingDocument != nil {
		if pendingDocument.documentID == "" {
			pendingDocument.documentID = documentID
		}
		if pendingDocument.documentID == documentID {
			// Committing the pending document.
			frame.currentDocument = pendingDocument
		} else {
			// A new pending document can already exist when the old one
			// commits, e.g. an error page commit arriving after the
			// request-will-be-sent of a follow-up navigation. Commit the
			// arriving document but keep the newer pending one.
			keepPending = pendingDocument
			frame.currentDocument = &DocumentInfo{documentID: documentID}
		}
		frame.pendingDocument = nil
	} else {
		// No pending, just commit a new document.
		frame.currentDocument = &DocumentInfo{documentID: documentID}
	}

	// The new document invalidates the scripting context; holders must wait
	// for the next context-created notification.
	if !initial {
		frame.nullContext()
	}

	frame.clearLifecycle()
	frame.emit(EventFrameNavigation, &NavigationEvent{
		url: url, name: name, newDocument: frame.currentDocument,
	})
	m.emit(EventFrameManagerFrameNavigated, frame)

	// Restore pending if any (see comment above about keepPending).
	frame.pendingDocument = keepPending

	return nil
}

func (m *FrameManager) frameNavigatedWithinDocument(frameID cdp.FrameID, url string) {
	m.framesMu.Lock()
	defer m.framesMu.Unlock()
	frame := m.frames[frameID]
	if frame == nil {
		return
	}
	frame.url = url
	frame.emit(EventFrameNavigation, &NavigationEvent{url: url, name: frame.name})
	m.emit(EventFrameManagerFrameNavigated, frame)
}

func (m *FrameManager) frameRequestedNavigation(frameID cdp.FrameID, url string, documentID string) error {
	m.framesMu.Lock()
	defer m.framesMu.Unlock()

	frame := m.frames[frameID]
	if frame == nil {
		return ErrInconsistentFrameTree
	}

	m.barriersMu.RLock()
	for _, b := range m.barriers {
		b.AddFrameNavigation(frame)
	}
	m.barriersMu.RUnlock()

	if frame.pendingDocument != nil && frame.pendingDocument.documentID == documentID {
		// Do not override the request with nil.
		return nil
	}

	frame.pendingDocument = &DocumentInfo{documentID: documentID}
	return nil
}

func (m *FrameManager) frameLifecycleEvent(frameID cdp.FrameID, event LifecycleEvent) {
	frame := m.getFrameByID(frameID)
	if frame == nil {
		return
	}
	frame.onLifecycleEvent(event)
	if mainFrame := m.mainFrame; mainFrame != nil {
		// Recalculate the lifecycle state from the top.
		mainFrame.recalculateLifecycle()
	}
}

func (m *FrameManager) frameLoadingStarted(frameID cdp.FrameID) {
	frame := m.getFrameByID(frameID)
	if frame != nil {
		frame.onLoadingStarted()
	}
}

func (m *FrameManager) frameLoadingStopped(frameID cdp.FrameID) {
	frame := m.getFrameByID(frameID)
	if frame != nil {
		frame.onLoadingStopped()
	}
}

func (m *FrameManager) onPageLifecycle(event *page.EventLifecycleEvent) {
	switch event.Name {
	case "load":
		m.frameLifecycleEvent(event.FrameID, LifecycleEventLoad)
	case "DOMContentLoaded":
		m.frameLifecycleEvent(event.FrameID, LifecycleEventDOMContentLoad)
	case "networkIdle":
		m.frameLifecycleEvent(event.FrameID, LifecycleEventNetworkIdle)
	}
}

func (m *FrameManager) onExecutionContextCreated(desc *runtime.ExecutionContextDescription) {
	var aux struct {
		FrameID   cdp.FrameID `json:"frameId"`
		IsDefault bool        `json:"isDefault"`
	}
	if len(desc.AuxData) > 0 {
		if err := json.Unmarshal(desc.AuxData, &aux); err != nil {
			m.logger.Errorf("FrameManager:onExecutionContextCreated",
				"cannot parse auxData %q: %s", desc.AuxData, err)
			return
		}
	}
	if aux.FrameID == "" || !aux.IsDefault {
		return
	}
	frame := m.getFrameByID(aux.FrameID)
	if frame == nil {
		return
	}
	frame.setContext(NewExecutionContext(m.session, frame, desc.ID))
	m.contextsMu.Lock()
	m.contexts[desc.ID] = frame
	m.contextsMu.Unlock()
}

func (m *FrameManager) onExecutionContextDestroyed(id runtime.ExecutionContextID) {
	m.contextsMu.Lock()
	frame := m.contexts[id]
	delete(m.contexts, id)
	m.contextsMu.Unlock()
	if frame != nil {
		frame.nullContext()
	}
}

func (m *FrameManager) onExecutionContextsCleared() {
	m.contextsMu.Lock()
	for id, frame := range m.contexts {
		frame.nullContext()
		delete(m.contexts, id)
	}
	m.contextsMu.Unlock()
}

func (m *FrameManager) getFrameByID(id cdp.FrameID) *Frame {
	m.framesMu.RLock()
	defer m.framesMu.RUnlock()
	return m.frames[id]
}

func (m *FrameManager) requestStarted(req *Request) {
	// The frame's pending document is shared with the navigation handlers,
	// which mutate it under framesMu on their own goroutine.
	m.framesMu.Lock()
	defer m.framesMu.Unlock()

	frame := req.getFrame()
	if frame == nil {
		return
	}
	frame.addRequest(req.getID())
	if frame.inflightRequestsLen() == 1 {
		frame.stopNetworkIdleTimer()
	}
	if docID := req.getDocumentID(); docID != "" {
		frame.pendingDocument = &DocumentInfo{documentID: docID, request: req}
	}
}

func (m *FrameManager) requestFinished(req *Request) {
	m.framesMu.Lock()
	defer m.framesMu.Unlock()

	frame := req.getFrame()
	if frame == nil {
		return
	}
	frame.deleteRequest(req.getID())
	if frame.inflightRequestsLen() == 0 {
		frame.startNetworkIdleTimer()
	}
}

func (m *FrameManager) requestFailed(req *Request, canceled bool) {
	m.framesMu.Lock()
	defer m.framesMu.Unlock()

	frame := req.getFrame()
	if frame == nil {
		m.logger.Debugf("FrameManager:requestFailed", "frame is nil")
		return
	}
	frame.deleteRequest(req.getID())
	if frame.inflightRequestsLen() == 0 {
		frame.startNetworkIdleTimer()
	}

	if frame.pendingDocument == nil || frame.pendingDocument.request != req {
		return
	}
	errorText := req.errorText
	if canceled {
		errorText += "; maybe frame was detached?"
	}
	m.frameAbortedNavigationLocked(frame.id, errorText, frame.pendingDocument.documentID)
}

// Frames returns all frames currently in the tree.
func (m *FrameManager) Frames() []*Frame {
	m.framesMu.RLock()
	defer m.framesMu.RUnlock()
	frames := make([]*Frame, 0, len(m.frames))
	for _, frame := range m.frames {
		frames = append(frames, frame)
	}
	return frames
}

// FrameByID returns the frame with the given ID, if present.
func (m *FrameManager) FrameByID(id cdp.FrameID) (*Frame, bool) {
	m.framesMu.RLock()
	defer m.framesMu.RUnlock()
	frame, ok := m.frames[id]
	return frame, ok
}

// GetExecutionContext returns the current scripting context of the frame.
func (m *FrameManager) GetExecutionContext(frame *Frame) (*ExecutionContext, error) {
	return frame.ExecutionContext()
}

// MainFrame returns the main frame of the session. It returns
// ErrNoMainFrame until the initial main frame navigation was observed.
func (m *FrameManager) MainFrame() (*Frame, error) {
	if m.mainFrame == nil {
		return nil, ErrNoMainFrame
	}
	return m.mainFrame, nil
}

// NavigateFrame navigates the frame to the given URL and blocks until the
// navigation settles: the caller gets the navigation response on success, a
// protocol error when the remote rejected the navigation, or ErrTimedOut.
func (m *FrameManager) NavigateFrame(frame *Frame, url string, opts *GotoOptions) (*Response, error) {
	if frame == nil {
		var err error
		if frame, err = m.MainFrame(); err != nil {
			return nil, err
		}
	}
	if frame.IsDetached() {
		return nil, ErrFrameDetached
	}
	if opts == nil {
		opts = NewGotoOptions(m.timeoutSettings.navigationTimeout())
	}

	w := newNavigationWatcher(m.ctx, m, frame, opts.Timeout, opts.WaitUntil...)
	defer w.Cancel()

	newDocumentID, err := m.navigateFrame(frame, url, opts.Referer)
	if err != nil {
		w.SetNavigationError(err)
	}
	return w.Wait(newDocumentID)
}

func (m *FrameManager) navigateFrame(frame *Frame, url, referrer string) (string, error) {
	action := page.Navigate(url).WithReferrer(referrer).WithFrameID(frame.id)
	_, documentID, errorText, err := action.Do(cdp.WithExecutor(m.ctx, m.session))
	if err != nil {
		return "", err
	}
	if errorText != "" {
		return "", &ProtocolError{Message: errorText}
	}
	return documentID.String(), nil
}

// WaitForFrameNavigation blocks until the next navigation of the frame,
// successful or not, and then until the requested lifecycle milestone.
func (m *FrameManager) WaitForFrameNavigation(frame *Frame, opts *WaitForNavigationOptions) (*Response, error) {
	if opts == nil {
		opts = NewWaitForNavigationOptions(m.timeoutSettings.timeout())
	}

	ch, evCancelFn := createWaitForEventHandler(
		m.ctx, frame, []string{EventFrameNavigation},
		func(data any) bool {
			return true // Both successful and failed navigations are considered
		},
	)
	defer evCancelFn() // Remove event handler

	var event *NavigationEvent
	select {
	case <-m.ctx.Done():
		return nil, m.ctx.Err()
	case <-time.After(opts.Timeout):
		return nil, ErrTimedOut
	case data := <-ch:
		event = data.(*NavigationEvent)
	}
	if event.err != nil {
		return nil, event.err
	}

	if !frame.hasSubtreeLifecycleEventFired(opts.WaitUntil) {
		if _, err := waitForEvent(m.ctx, frame, []string{EventFrameAddLifecycle},
			func(data any) bool {
				le, ok := data.(FrameLifecycleEvent)
				return ok && le.Event == opts.WaitUntil
			}, opts.Timeout); err != nil {
			return nil, err
		}
	}

	var resp *Response
	if event.newDocument != nil && event.newDocument.request != nil {
		resp = event.newDocument.request.response
	}
	return resp, nil
}
