package headless

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/chromedp/cdproto/network"
)

// documentMeta records status and headers of the main document, which the
// DOM snapshot alone does not carry.
type documentMeta struct {
	mu      sync.Mutex
	status  int
	headers http.Header
	url     string
}

func newDocumentMeta() *documentMeta {
	return &documentMeta{headers: http.Header{}}
}

func (m *documentMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *documentMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []any:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	m.status = int(event.Response.Status)
	m.headers = headers
	m.url = event.Response.URL
	m.mu.Unlock()
}

// snapshot falls back to the browser location, then the requested URL, and
// assumes 200 when no document event was seen.
func (m *documentMeta) snapshot(requestURL, finalURL string) (int, http.Header, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	url := m.url
	switch {
	case url != "":
	case finalURL != "":
		url = finalURL
	default:
		url = requestURL
	}
	status := m.status
	if status == 0 {
		status = http.StatusOK
	}
	return status, m.headers.Clone(), url
}
