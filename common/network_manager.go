package common

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"sync"

	"github.com/huanbee/gopuppet/log"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
)

// Ensure NetworkManager implements the EventEmitter interface.
var _ EventEmitter = &NetworkManager{}

// InterceptionHandler decides the fate of a paused request when request
// interception is enabled. The handler must resolve the request through
// exactly one of ContinueRequest, AbortRequest or FulfillRequest; a paused
// request that is never resolved stalls in the browser.
type InterceptionHandler func(req *Request)

// NetworkManager tracks the in-flight network activity of a session.
//
// It rebuilds each request's lifecycle from four independent protocol
// notifications correlated by the protocol's request ID, never by URL:
// concurrent requests to the same URL stay independent. The manager is the
// only writer of its request table; subscribers only read.
type NetworkManager struct {
	BaseEventEmitter

	ctx          context.Context
	logger       *log.Logger
	session      session
	frameManager *FrameManager
	credentials  *Credentials

	reqIDToRequest map[network.RequestID]*Request
	reqsMu         sync.RWMutex

	attemptedAuthMu sync.Mutex
	attemptedAuth   map[fetch.RequestID]bool

	interceptionHandlerMu sync.RWMutex
	interceptionHandler   InterceptionHandler

	extraHTTPHeaders               map[string]string
	offline                        bool
	userCacheDisabled              bool
	userReqInterceptionEnabled     bool
	protocolReqInterceptionEnabled bool
}

// NewNetworkManager creates a new network manager.
func NewNetworkManager(
	ctx context.Context, s session, fm *FrameManager, logger *log.Logger,
) (*NetworkManager, error) {
	m := NetworkManager{
		BaseEventEmitter: NewBaseEventEmitter(ctx),
		ctx:              ctx,
		logger:           logger,
		session:          s,
		frameManager:     fm,
		reqIDToRequest:   make(map[network.RequestID]*Request),
		attemptedAuth:    make(map[fetch.RequestID]bool),
		extraHTTPHeaders: make(map[string]string),
	}
	m.initEvents()
	if err := m.initDomains(); err != nil {
		return nil, err
	}

	return &m, nil
}

func (m *NetworkManager) initDomains() error {
	action := network.Enable()
	if err := action.Do(cdp.WithExecutor(m.ctx, m.session)); err != nil {
		return fmt.Errorf("unable to execute %T: %w", action, err)
	}
	return nil
}

func (m *NetworkManager) initEvents() {
	chHandler := make(chan Event)
	m.session.on(m.ctx, []string{
		cdproto.EventNetworkLoadingFailed,
		cdproto.EventNetworkLoadingFinished,
		cdproto.EventNetworkRequestWillBeSent,
		cdproto.EventNetworkRequestServedFromCache,
		cdproto.EventNetworkResponseReceived,
		cdproto.EventFetchRequestPaused,
		cdproto.EventFetchAuthRequired,
	}, chHandler)

	go func() {
		for m.handleEvents(chHandler) {
		}
	}()
}

func (m *NetworkManager) handleEvents(in <-chan Event) bool {
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
		case *network.EventLoadingFailed:
			m.onLoadingFailed(ev)
		case *network.EventLoadingFinished:
			m.onLoadingFinished(ev)
		case *network.EventRequestWillBeSent:
			m.onRequest(ev, "")
		case *network.EventRequestServedFromCache:
			m.onRequestServedFromCache(ev)
		case *network.EventResponseReceived:
			m.onResponseReceived(ev)
		case *fetch.EventRequestPaused:
			m.onRequestPaused(ev)
		case *fetch.EventAuthRequired:
			m.onAuthRequired(ev)
		}
	}
	return true
}

func (m *NetworkManager) deleteRequestByID(reqID network.RequestID) {
	m.reqsMu.Lock()
	defer m.reqsMu.Unlock()
	delete(m.reqIDToRequest, reqID)
}

func (m *NetworkManager) requestFromID(reqID network.RequestID) *Request {
	m.reqsMu.RLock()
	defer m.reqsMu.RUnlock()
	return m.reqIDToRequest[reqID]
}

// handleRequestRedirect closes out the previous hop of a redirect: the
// redirect response is attached to it and it is reported finished before
// the follow-up request is registered.
func (m *NetworkManager) handleRequestRedirect(
	req *Request, redirectResponse *network.Response, timestamp *cdp.MonotonicTime,
) {
	resp := NewHTTPResponse(m.ctx, req, redirectResponse, timestamp)
	req.response = resp
	req.redirectChain = append(req.redirectChain, req)

	m.deleteRequestByID(req.requestID)

	m.emit(EventNetworkResponse, resp)
	m.emit(EventNetworkRequestFinished, req)
	m.frameManager.requestFinished(req)
}

func isInternalURL(u *url.URL) bool {
	return u.Scheme == "data" || u.Scheme == "blob"
}

func (m *NetworkManager) onRequest(event *network.EventRequestWillBeSent, interceptionID string) {
	var redirectChain []*Request
	if event.RedirectResponse != nil {
		req := m.requestFromID(event.RequestID)
		if req != nil {
			m.handleRequestRedirect(req, event.RedirectResponse, event.Timestamp)
			redirectChain = req.redirectChain
		}
	} else {
		redirectChain = make([]*Request, 0)
	}

	var frame *Frame
	if event.FrameID != "" {
		frame = m.frameManager.getFrameByID(event.FrameID)
	}
	if frame == nil {
		m.logger.Debugf("NetworkManager:onRequest", "url:%s method:%s fid:%s frame is nil",
			event.Request.URL, event.Request.Method, event.FrameID)
	}

	req, err := NewRequest(m.ctx, event, frame, redirectChain, interceptionID, m.userReqInterceptionEnabled)
	if err != nil {
		m.logger.Errorf("NetworkManager", "cannot create Request: %s", err)
		return
	}
	// Skip data and blob URLs, since they're internal to the browser.
	if isInternalURL(req.url) {
		m.logger.Debugf("NetworkManager", "skipped request handling of %s URL", req.url.Scheme)
		return
	}
	m.reqsMu.Lock()
	m.reqIDToRequest[event.RequestID] = req
	m.reqsMu.Unlock()
	m.frameManager.requestStarted(req)
	m.emit(EventNetworkRequest, req)
}

func (m *NetworkManager) onResponseReceived(event *network.EventResponseReceived) {
	req := m.requestFromID(event.RequestID)
	if req == nil {
		return
	}
	resp := NewHTTPResponse(m.ctx, req, event.Response, event.Timestamp)
	req.response = resp
	m.emit(EventNetworkResponse, resp)
}

func (m *NetworkManager) onLoadingFinished(event *network.EventLoadingFinished) {
	req := m.requestFromID(event.RequestID)
	if req == nil {
		// The remote is free to report loading progress for requests this
		// session never saw start (e.g. a request that began in another
		// session). Ignore them.
		return
	}
	req.responseEndTiming = float64(event.Timestamp.Time().Unix()-req.timestamp.Unix()) * 1000
	m.deleteRequestByID(event.RequestID)
	m.frameManager.requestFinished(req)
	m.emit(EventNetworkRequestFinished, req)
}

func (m *NetworkManager) onLoadingFailed(event *network.EventLoadingFailed) {
	req := m.requestFromID(event.RequestID)
	if req == nil {
		return
	}
	req.setErrorText(event.ErrorText)
	req.responseEndTiming = float64(event.Timestamp.Time().Unix()-req.timestamp.Unix()) * 1000
	m.deleteRequestByID(event.RequestID)
	m.frameManager.requestFailed(req, event.Canceled)
	m.emit(EventNetworkRequestFailed, req)
}

func (m *NetworkManager) onRequestServedFromCache(event *network.EventRequestServedFromCache) {
	req := m.requestFromID(event.RequestID)
	if req != nil {
		req.setLoadedFromCache(true)
	}
}

// onRequestPaused hands a paused request to the registered interception
// handler. Without a handler the request is continued unmodified, as a
// paused request left unresolved stalls the page.
func (m *NetworkManager) onRequestPaused(event *fetch.EventRequestPaused) {
	m.logger.Debugf("NetworkManager:onRequestPaused",
		"sid:%s url:%v", m.session.ID(), event.Request.URL)

	req := m.requestFromID(event.NetworkID)
	if req != nil {
		req.interceptionID = string(event.RequestID)
	}

	m.interceptionHandlerMu.RLock()
	handler := m.interceptionHandler
	m.interceptionHandlerMu.RUnlock()

	if handler == nil || req == nil {
		if err := m.ContinueRequest(string(event.RequestID)); err != nil {
			m.logger.Errorf("NetworkManager:onRequestPaused",
				"error continuing request: %s", err)
		}
		return
	}
	handler(req)
}

func (m *NetworkManager) onAuthRequired(event *fetch.EventAuthRequired) {
	var (
		res = fetch.AuthChallengeResponseResponseDefault
		rid = event.RequestID

		username, password string
	)

	m.attemptedAuthMu.Lock()
	switch {
	case m.attemptedAuth[rid]:
		// Previously provided credentials were rejected; give up instead of
		// looping on the challenge.
		delete(m.attemptedAuth, rid)
		res = fetch.AuthChallengeResponseResponseCancelAuth
	case m.credentials != nil:
		m.attemptedAuth[rid] = true
		res = fetch.AuthChallengeResponseResponseProvideCredentials
		username, password = m.credentials.Username, m.credentials.Password
	}
	m.attemptedAuthMu.Unlock()

	err := fetch.ContinueWithAuth(
		rid,
		&fetch.AuthChallengeResponse{
			Response: res,
			Username: username,
			Password: password,
		},
	).Do(cdp.WithExecutor(m.ctx, m.session))
	if err != nil {
		m.logger.Debugf("NetworkManager:onAuthRequired", "continueWithAuth url:%q err:%v", event.Request.URL, err)
	}
}

func (m *NetworkManager) updateProtocolCacheDisabled() error {
	action := network.SetCacheDisabled(m.userCacheDisabled)
	if err := action.Do(cdp.WithExecutor(m.ctx, m.session)); err != nil {
		return fmt.Errorf("unable to toggle cache on/off: %w", err)
	}
	return nil
}

func (m *NetworkManager) updateProtocolRequestInterception() error {
	enabled := m.userReqInterceptionEnabled
	if enabled == m.protocolReqInterceptionEnabled {
		return nil
	}
	m.protocolReqInterceptionEnabled = enabled

	// Only enable the Fetch domain while needed, as it has a performance
	// overhead.
	actions := []Action{
		network.SetCacheDisabled(true),
		fetch.Enable().
			WithHandleAuthRequests(true).
			WithPatterns([]*fetch.RequestPattern{
				{
					URLPattern:   "*",
					RequestStage: fetch.RequestStageRequest,
				},
			}),
	}
	if !enabled {
		actions = []Action{
			network.SetCacheDisabled(false),
			fetch.Disable(),
		}
	}
	for _, action := range actions {
		if err := action.Do(cdp.WithExecutor(m.ctx, m.session)); err != nil {
			return fmt.Errorf("cannot execute %T: %w", action, err)
		}
	}

	return nil
}

// Authenticate sets HTTP authentication credentials to use for the session.
// Passing nil clears previously set credentials.
func (m *NetworkManager) Authenticate(credentials *Credentials) error {
	m.credentials = credentials
	if credentials != nil {
		m.userReqInterceptionEnabled = true
	}
	if err := m.updateProtocolRequestInterception(); err != nil {
		return fmt.Errorf("error setting authentication credentials: %w", err)
	}
	return nil
}

// AbortRequest aborts a paused request.
func (m *NetworkManager) AbortRequest(interceptionID string) error {
	action := fetch.FailRequest(fetch.RequestID(interceptionID), network.ErrorReasonBlockedByClient)
	if err := action.Do(cdp.WithExecutor(m.ctx, m.session)); err != nil {
		return fmt.Errorf("unable to abort request: %w", err)
	}
	return nil
}

// ContinueRequest releases a paused request to the network unmodified.
func (m *NetworkManager) ContinueRequest(interceptionID string) error {
	action := fetch.ContinueRequest(fetch.RequestID(interceptionID))
	if err := action.Do(cdp.WithExecutor(m.ctx, m.session)); err != nil {
		return fmt.Errorf("unable to continue request: %w", err)
	}
	return nil
}

// FulfillRequest answers a paused request with a synthetic response without
// it ever reaching the network.
func (m *NetworkManager) FulfillRequest(
	interceptionID string, statusCode int64, headers map[string]string, body []byte,
) error {
	entries := make([]*fetch.HeaderEntry, 0, len(headers))
	for name, value := range headers {
		entries = append(entries, &fetch.HeaderEntry{Name: name, Value: value})
	}
	action := fetch.FulfillRequest(fetch.RequestID(interceptionID), statusCode).
		WithResponseHeaders(entries)
	if len(body) > 0 {
		action = action.WithBody(base64.StdEncoding.EncodeToString(body))
	}
	if err := action.Do(cdp.WithExecutor(m.ctx, m.session)); err != nil {
		return fmt.Errorf("unable to fulfill request: %w", err)
	}
	return nil
}

// ExtraHTTPHeaders returns the currently set extra HTTP request headers.
func (m *NetworkManager) ExtraHTTPHeaders() map[string]string {
	headers := make(map[string]string, len(m.extraHTTPHeaders))
	for k, v := range m.extraHTTPHeaders {
		headers[k] = v
	}
	return headers
}

// InflightRequests returns the number of requests that have started but
// not yet finished or failed.
func (m *NetworkManager) InflightRequests() int {
	m.reqsMu.RLock()
	defer m.reqsMu.RUnlock()
	return len(m.reqIDToRequest)
}

// SetExtraHTTPHeaders sets extra HTTP request headers to be sent with every
// request.
func (m *NetworkManager) SetExtraHTTPHeaders(headers network.Headers) error {
	action := network.SetExtraHTTPHeaders(headers)
	if err := action.Do(cdp.WithExecutor(m.ctx, m.session)); err != nil {
		return fmt.Errorf("unable to set extra HTTP headers: %w", err)
	}
	for k, v := range headers {
		if s, ok := v.(string); ok {
			m.extraHTTPHeaders[k] = s
		}
	}
	return nil
}

// SetCacheEnabled toggles the browser cache on/off.
func (m *NetworkManager) SetCacheEnabled(enabled bool) error {
	m.userCacheDisabled = !enabled
	if err := m.updateProtocolCacheDisabled(); err != nil {
		return fmt.Errorf("error toggling cache: %w", err)
	}
	return nil
}

// SetUserAgent overrides the user agent string sent by the session.
func (m *NetworkManager) SetUserAgent(userAgent string) error {
	action := emulation.SetUserAgentOverride(userAgent)
	if err := action.Do(cdp.WithExecutor(m.ctx, m.session)); err != nil {
		return fmt.Errorf("unable to set user agent override: %w", err)
	}
	return nil
}

// SetOfflineMode toggles offline mode on/off. Setting the already active
// mode again is a no-op and issues no remote call.
func (m *NetworkManager) SetOfflineMode(offline bool) error {
	if m.offline == offline {
		return nil
	}
	m.offline = offline

	action := network.EmulateNetworkConditions(m.offline, 0, -1, -1)
	if err := action.Do(cdp.WithExecutor(m.ctx, m.session)); err != nil {
		return fmt.Errorf("unable to set offline mode: %w", err)
	}
	return nil
}

// SetRequestInterception enables or disables pausing outgoing requests for
// the registered interception handler.
func (m *NetworkManager) SetRequestInterception(enabled bool) error {
	m.userReqInterceptionEnabled = enabled
	return m.updateProtocolRequestInterception()
}

// SetRequestInterceptionHandler registers the handler that resolves paused
// requests while interception is enabled.
func (m *NetworkManager) SetRequestInterceptionHandler(handler InterceptionHandler) {
	m.interceptionHandlerMu.Lock()
	defer m.interceptionHandlerMu.Unlock()
	m.interceptionHandler = handler
}
