package crawler

import (
	"fmt"
	"mime"
	"net/http"
	"regexp"
	"sync"
	"time"

	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"
)

// prescanBytes bounds the search for an in-document charset declaration.
const prescanBytes = 1024

var (
	xmlEncodingRe = regexp.MustCompile(`^<\?xml[^>]*encoding=["']([A-Za-z0-9._:-]+)["']`)
	// Matches both <meta charset=...> and the http-equiv content form.
	metaCharsetRe = regexp.MustCompile(`(?i)<meta[^>]*?charset\s*=\s*["']?\s*([a-z0-9._:-]+)`)
)

// Response is the transport's answer to a Request.
type Response struct {
	URL      string
	Status   int
	Headers  http.Header
	Body     []byte
	Request  *Request
	Duration time.Duration

	textOnce sync.Once
	text     string
	encName  string
	textErr  error
}

// Meta returns the originating request's metadata map. Writes are visible to
// every holder of the request.
func (r *Response) Meta() map[string]any {
	if r.Request == nil {
		return nil
	}
	if r.Request.Meta == nil {
		r.Request.Meta = map[string]any{}
	}
	return r.Request.Meta
}

// Text decodes Body using the charset from Content-Type, then any in-document
// declaration, falling back to UTF-8. The result is memoized.
func (r *Response) Text() (string, error) {
	r.textOnce.Do(func() {
		enc, name := r.resolveEncoding()
		decoded, err := enc.NewDecoder().Bytes(r.Body)
		if err != nil {
			r.textErr = fmt.Errorf("decode body as %s: %w", name, err)
			return
		}
		r.text = string(decoded)
		r.encName = name
	})
	return r.text, r.textErr
}

// Encoding reports the charset Text used to decode the body.
func (r *Response) Encoding() string {
	_, _ = r.Text()
	return r.encName
}

func (r *Response) resolveEncoding() (encoding.Encoding, string) {
	if _, params, err := mime.ParseMediaType(r.Headers.Get("Content-Type")); err == nil {
		if enc, name := charset.Lookup(params["charset"]); enc != nil {
			return enc, name
		}
	}
	head := r.Body[:min(len(r.Body), prescanBytes)]
	for _, re := range []*regexp.Regexp{metaCharsetRe, xmlEncodingRe} {
		if m := re.FindSubmatch(head); m != nil {
			if enc, name := charset.Lookup(string(m[1])); enc != nil {
				return enc, name
			}
		}
	}
	return unicode.UTF8, "utf-8"
}
