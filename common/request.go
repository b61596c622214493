package common

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
)

// HTTPMessageSize are the sizes in bytes of the HTTP message header and body.
type HTTPMessageSize struct {
	Headers int64 `json:"headers"`
	Body    int64 `json:"body"`
}

// Total returns the total size in bytes of the HTTP message.
func (s HTTPMessageSize) Total() int64 {
	return s.Headers + s.Body
}

// Request represents a browser HTTP request.
//
// A request is created from a Network.requestWillBeSent event and keyed by
// the protocol's request ID, never by URL: several in-flight requests may
// share a URL. The NetworkManager is the only mutator; everyone else reads.
type Request struct {
	ctx                 context.Context
	frame               *Frame
	response            *Response
	redirectChain       []*Request
	requestID           network.RequestID
	documentID          string
	url                 *url.URL
	method              string
	headers             map[string][]string
	postData            string
	resourceType        string
	isNavigationRequest bool
	allowInterception   bool
	interceptionID      string
	fromMemoryCache     bool
	errorText           string
	timestamp           time.Time
	wallTime            time.Time
	responseEndTiming   float64
}

// NewRequest creates a new HTTP request.
func NewRequest(
	ctx context.Context, event *network.EventRequestWillBeSent, f *Frame,
	redirectChain []*Request, interceptionID string, allowInterception bool,
) (*Request, error) {
	documentID := cdp.LoaderID("")
	if event.RequestID == network.RequestID(event.LoaderID) && event.Type == network.ResourceTypeDocument {
		documentID = event.LoaderID
	}

	u, err := url.Parse(event.Request.URL)
	if err != nil {
		return nil, fmt.Errorf("cannot parse URL: %w", err)
	}

	r := Request{
		ctx:                 ctx,
		frame:               f,
		redirectChain:       redirectChain,
		requestID:           event.RequestID,
		documentID:          documentID.String(),
		url:                 u,
		method:              event.Request.Method,
		headers:             make(map[string][]string),
		postData:            event.Request.PostData,
		resourceType:        event.Type.String(),
		isNavigationRequest: string(event.RequestID) == string(event.LoaderID) && event.Type == network.ResourceTypeDocument,
		allowInterception:   allowInterception,
		interceptionID:      interceptionID,
		timestamp:           event.Timestamp.Time(),
		wallTime:            event.WallTime.Time(),
	}
	for n, v := range event.Request.Headers {
		if v, ok := v.(string); ok {
			r.headers[n] = append(r.headers[n], v)
		}
	}
	return &r, nil
}

func (r *Request) getFrame() *Frame {
	return r.frame
}

func (r *Request) getID() network.RequestID {
	return r.requestID
}

func (r *Request) getDocumentID() string {
	return r.documentID
}

func (r *Request) headersSize() int64 {
	size := 4 // 4 = 2 spaces + 2 line breaks (GET /path \r\n)
	size += len(r.method)
	size += len(r.url.Path)
	size += 8 // httpVersion
	for n, v := range r.headers {
		size += len(n) + len(strings.Join(v, "")) + 4 // 4 = ': ' + '\r\n'
	}
	return int64(size)
}

func (r *Request) setErrorText(errorText string) {
	r.errorText = errorText
}

func (r *Request) setLoadedFromCache(fromMemoryCache bool) {
	r.fromMemoryCache = fromMemoryCache
}

// AllHeaders returns the request headers with lower-cased names.
func (r *Request) AllHeaders() map[string]string {
	headers := make(map[string]string)
	for n, v := range r.headers {
		headers[strings.ToLower(n)] = strings.Join(v, ",")
	}
	return headers
}

// Failure returns the error text reported by Network.loadingFailed, or the
// empty string if the request did not fail.
func (r *Request) Failure() string {
	return r.errorText
}

// Frame returns the frame within which the request was made.
func (r *Request) Frame() *Frame {
	return r.frame
}

// Headers returns the request headers.
func (r *Request) Headers() map[string]string {
	headers := make(map[string]string)
	for n, v := range r.headers {
		headers[n] = strings.Join(v, ",")
	}
	return headers
}

// InterceptionID returns the Fetch-domain ID of the paused request when the
// request was intercepted, or the empty string.
func (r *Request) InterceptionID() string {
	return r.interceptionID
}

// IsNavigationRequest returns whether this was a navigation request or not.
func (r *Request) IsNavigationRequest() bool {
	return r.isNavigationRequest
}

// Method returns the request method.
func (r *Request) Method() string {
	return r.method
}

// PostData returns the request post data, if any.
func (r *Request) PostData() string {
	return r.postData
}

// RedirectChain returns the chain of requests this request was redirected
// through, oldest first.
func (r *Request) RedirectChain() []*Request {
	return r.redirectChain
}

// ResourceType returns the request resource type.
func (r *Request) ResourceType() string {
	return r.resourceType
}

// Response returns the response for the request, if received.
func (r *Request) Response() *Response {
	return r.response
}

// Size returns the size of the request.
func (r *Request) Size() HTTPMessageSize {
	return HTTPMessageSize{
		Body:    int64(len(r.postData)),
		Headers: r.headersSize(),
	}
}

// URL returns the request URL.
func (r *Request) URL() string {
	return r.url.String()
}
