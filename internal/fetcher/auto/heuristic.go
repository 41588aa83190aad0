package auto

import (
	"bytes"
	"net/http"

	"github.com/JakeFAU/crawlengine/internal/crawler"
)

const defaultMinBodyBytes = 2048

// Heuristic flags empty bodies, SPA mount points and small script-heavy pages.
type Heuristic struct {
	// MinBodyBytes is the size below which script density is checked.
	MinBodyBytes int
}

// NewHeuristic uses 2048 bytes when minBodyBytes is not positive.
func NewHeuristic(minBodyBytes int) Heuristic {
	if minBodyBytes <= 0 {
		minBodyBytes = defaultMinBodyBytes
	}
	return Heuristic{MinBodyBytes: minBodyBytes}
}

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte(`id="root"`),
	[]byte(`id="app"`),
	[]byte("data-reactroot"),
}

// NeedsRender only considers 200 responses.
func (h Heuristic) NeedsRender(resp *crawler.Response) bool {
	if resp == nil || resp.Status != http.StatusOK {
		return false
	}
	body := resp.Body
	if len(body) == 0 {
		return true
	}
	if len(body) < h.MinBodyBytes && scriptShare(body) >= 25 {
		return true
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return false
}

// scriptShare is the percentage of body bytes inside <script> elements. An
// unterminated tag runs to the end of the document.
func scriptShare(body []byte) int {
	lower := bytes.ToLower(body)
	var covered, pos int
	for pos < len(lower) {
		start := bytes.Index(lower[pos:], []byte("<script"))
		if start < 0 {
			break
		}
		start += pos
		end := len(lower)
		if gt := bytes.IndexByte(lower[start:], '>'); gt >= 0 {
			content := start + gt + 1
			if stop := bytes.Index(lower[content:], []byte("</script>")); stop >= 0 {
				end = content + stop + len("</script>")
			}
		}
		covered += end - start
		pos = end
	}
	return covered * 100 / len(lower)
}
