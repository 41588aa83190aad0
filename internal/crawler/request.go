package crawler

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"net/url"
	"time"
)

// DefaultTimeout bounds a single transport call when a request does not set its own.
const DefaultTimeout = 20 * time.Second

// ResponseHandler turns a response into follow-up results. Any *Request in the
// returned slice is scheduled; every other value is treated as an item.
type ResponseHandler func(ctx context.Context, resp *Response) ([]any, error)

// ErrorHandler is notified when a request fails to produce a response.
type ErrorHandler func(ctx context.Context, req *Request, err error) error

// BasicAuth holds credentials applied as an Authorization header.
type BasicAuth struct {
	Username string
	Password string
}

// Request describes a single unit of crawl work. Everything except Meta is
// treated as immutable once the request is scheduled; use Replace to derive a
// modified copy.
type Request struct {
	URL            string
	Method         string
	Params         url.Values
	Body           []byte
	JSON           any
	Headers        http.Header
	Proxy          string
	Auth           *BasicAuth
	Timeout        time.Duration
	AllowRedirects *bool
	VerifyTLS      *bool
	Priority       int
	DontFilter     bool
	Callback       ResponseHandler
	Errback        ErrorHandler
	Meta           map[string]any
}

// RequestOption customizes a Request at construction time.
type RequestOption func(*Request)

// NewRequest builds a GET request for rawURL with the default timeout.
func NewRequest(rawURL string, opts ...RequestOption) *Request {
	req := &Request{
		URL:     rawURL,
		Method:  http.MethodGet,
		Timeout: DefaultTimeout,
		Meta:    map[string]any{},
	}
	for _, opt := range opts {
		opt(req)
	}
	return req
}

// WithMethod sets the HTTP method.
func WithMethod(method string) RequestOption {
	return func(r *Request) { r.Method = method }
}

// WithParams merges query parameters into the target URL.
func WithParams(params url.Values) RequestOption {
	return func(r *Request) { r.Params = cloneValues(params) }
}

// WithBody sets a raw request body.
func WithBody(body []byte) RequestOption {
	return func(r *Request) { r.Body = append([]byte(nil), body...) }
}

// WithJSON sets a value that is marshaled as the JSON request body.
func WithJSON(v any) RequestOption {
	return func(r *Request) { r.JSON = v }
}

// WithHeaders sets request headers.
func WithHeaders(h http.Header) RequestOption {
	return func(r *Request) { r.Headers = h.Clone() }
}

// WithProxy routes the request through the given proxy URL.
func WithProxy(proxy string) RequestOption {
	return func(r *Request) { r.Proxy = proxy }
}

// WithAuth attaches basic credentials.
func WithAuth(username, password string) RequestOption {
	return func(r *Request) { r.Auth = &BasicAuth{Username: username, Password: password} }
}

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) RequestOption {
	return func(r *Request) { r.Timeout = d }
}

// WithRedirects toggles redirect following.
func WithRedirects(allow bool) RequestOption {
	return func(r *Request) { r.AllowRedirects = &allow }
}

// WithVerifyTLS toggles certificate verification.
func WithVerifyTLS(verify bool) RequestOption {
	return func(r *Request) { r.VerifyTLS = &verify }
}

// WithPriority sets the priority used by priority queues. Higher runs first.
func WithPriority(p int) RequestOption {
	return func(r *Request) { r.Priority = p }
}

// WithDontFilter bypasses the duplicate gate.
func WithDontFilter(v bool) RequestOption {
	return func(r *Request) { r.DontFilter = v }
}

// WithCallback sets the handler used instead of Spider.Parse.
func WithCallback(fn ResponseHandler) RequestOption {
	return func(r *Request) { r.Callback = fn }
}

// WithErrback sets the handler notified on failure.
func WithErrback(fn ErrorHandler) RequestOption {
	return func(r *Request) { r.Errback = fn }
}

// WithMeta sets a single metadata entry.
func WithMeta(key string, value any) RequestOption {
	return func(r *Request) {
		if r.Meta == nil {
			r.Meta = map[string]any{}
		}
		r.Meta[key] = value
	}
}

// Replace returns a copy of the request with opts applied. Meta is copied
// shallowly so the new request can be annotated without touching the original.
func (r *Request) Replace(opts ...RequestOption) *Request {
	cp := *r
	cp.Params = cloneValues(r.Params)
	cp.Headers = r.Headers.Clone()
	if r.Body != nil {
		cp.Body = append([]byte(nil), r.Body...)
	}
	if r.Auth != nil {
		auth := *r.Auth
		cp.Auth = &auth
	}
	cp.Meta = make(map[string]any, len(r.Meta))
	maps.Copy(cp.Meta, r.Meta)
	for _, opt := range opts {
		opt(&cp)
	}
	return &cp
}

// Copy returns an unmodified copy of the request.
func (r *Request) Copy() *Request {
	return r.Replace()
}

// BodyBytes returns the payload that will be sent, marshaling JSON when set.
func (r *Request) BodyBytes() ([]byte, error) {
	if r.Body != nil {
		return r.Body, nil
	}
	if r.JSON == nil {
		return nil, nil
	}
	data, err := json.Marshal(r.JSON)
	if err != nil {
		return nil, fmt.Errorf("marshal json body: %w", err)
	}
	return data, nil
}

// TargetURL returns URL with Params merged into its query string.
func (r *Request) TargetURL() (string, error) {
	if len(r.Params) == 0 {
		return r.URL, nil
	}
	u, err := url.Parse(r.URL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	for key, values := range r.Params {
		for _, v := range values {
			q.Add(key, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// String renders the request as "<METHOD URL>".
func (r *Request) String() string {
	return fmt.Sprintf("<%s %s>", r.Method, r.URL)
}

func cloneValues(v url.Values) url.Values {
	if v == nil {
		return nil
	}
	out := make(url.Values, len(v))
	for key, values := range v {
		out[key] = append([]string(nil), values...)
	}
	return out
}
