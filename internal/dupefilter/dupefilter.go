// Package dupefilter keeps the crawl from fetching the same request twice.
package dupefilter

import (
	"sync"
	"sync/atomic"

	"github.com/JakeFAU/crawlengine/internal/crawler"
)

// Memory remembers request fingerprints for the life of the process.
type Memory struct {
	seen  sync.Map
	count atomic.Int64
}

// NewMemory returns an empty fingerprint set.
func NewMemory() *Memory {
	return &Memory{}
}

// IsDuplicated reports whether req was seen before, recording it if not.
// Requests marked DontFilter always pass and are not recorded.
func (m *Memory) IsDuplicated(req *crawler.Request) bool {
	if req.DontFilter {
		return false
	}
	if _, loaded := m.seen.LoadOrStore(crawler.Fingerprint(req), struct{}{}); loaded {
		return true
	}
	m.count.Add(1)
	return false
}

// Len reports how many distinct fingerprints have been recorded.
func (m *Memory) Len() int {
	return int(m.count.Load())
}

// None lets every request through.
type None struct{}

// IsDuplicated always returns false.
func (None) IsDuplicated(*crawler.Request) bool { return false }

// Len is always zero.
func (None) Len() int { return 0 }

// Registry returns the dupe filter factories selectable from configuration.
func Registry() *crawler.Registry[func() crawler.DupeFilter] {
	r := crawler.NewRegistry[func() crawler.DupeFilter]("dupefilter")
	r.Register("memory", func() crawler.DupeFilter { return NewMemory() })
	r.Register("none", func() crawler.DupeFilter { return None{} })
	return r
}
