package common

import (
	"context"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
)

// RemoteAddress contains information about a remote target.
type RemoteAddress struct {
	IPAddress string `json:"ipAddress"`
	Port      int64  `json:"port"`
}

// Response represents a browser HTTP response. It is attached to exactly
// one Request and immutable once attached.
type Response struct {
	ctx               context.Context
	request           *Request
	remoteAddress     *RemoteAddress
	protocol          string
	url               string
	status            int64
	statusText        string
	headers           map[string][]string
	fromDiskCache     bool
	fromServiceWorker bool
	fromPrefetchCache bool
	timestamp         time.Time
	timing            *network.ResourceTiming
}

// NewHTTPResponse creates a new HTTP response.
func NewHTTPResponse(
	ctx context.Context, req *Request, resp *network.Response, timestamp *cdp.MonotonicTime,
) *Response {
	r := Response{
		ctx:               ctx,
		request:           req,
		remoteAddress:     &RemoteAddress{IPAddress: resp.RemoteIPAddress, Port: resp.RemotePort},
		protocol:          resp.Protocol,
		url:               resp.URL,
		status:            resp.Status,
		statusText:        resp.StatusText,
		headers:           make(map[string][]string),
		fromDiskCache:     resp.FromDiskCache,
		fromServiceWorker: resp.FromServiceWorker,
		fromPrefetchCache: resp.FromPrefetchCache,
		timestamp:         timestamp.Time(),
		timing:            resp.Timing,
	}

	for n, v := range resp.Headers {
		if s, ok := v.(string); ok {
			r.headers[n] = append(r.headers[n], s)
		}
	}

	return &r
}

// AllHeaders returns the response headers with lower-cased names.
func (r *Response) AllHeaders() map[string]string {
	headers := make(map[string]string)
	for n, v := range r.headers {
		headers[strings.ToLower(n)] = strings.Join(v, ",")
	}
	return headers
}

// FromCache returns whether the response was served from cache.
func (r *Response) FromCache() bool {
	return r.fromDiskCache || r.request.fromMemoryCache
}

// FromServiceWorker returns whether the response was served by a service worker.
func (r *Response) FromServiceWorker() bool {
	return r.fromServiceWorker
}

// Headers returns the response headers.
func (r *Response) Headers() map[string]string {
	headers := make(map[string]string)
	for n, v := range r.headers {
		headers[n] = strings.Join(v, ",")
	}
	return headers
}

// Ok returns true when the response status is in the 2xx range, or the
// status is 0 (e.g. file:// URLs and cached responses).
func (r *Response) Ok() bool {
	return r.status == 0 || (r.status >= 200 && r.status <= 299)
}

// RemoteAddress returns the remote address of the server the response was
// served from.
func (r *Response) RemoteAddress() *RemoteAddress {
	return r.remoteAddress
}

// Request returns the request that this response answers.
func (r *Response) Request() *Request {
	return r.request
}

// Status returns the response status code.
func (r *Response) Status() int64 {
	return r.status
}

// StatusText returns the response status text.
func (r *Response) StatusText() string {
	return r.statusText
}

// URL returns the response URL.
func (r *Response) URL() string {
	return r.url
}
