package crawler

import (
	"crypto/sha1" //nolint:gosec // fingerprints identify requests, they are not a security boundary.
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
)

// Fingerprint identifies a request for de-duplication. Two requests share a
// fingerprint when their method, scheme, host, path, port, query pairs and body
// match. Query pair order does not matter; an absent port counts as 80.
func Fingerprint(req *Request) string {
	h := sha1.New() //nolint:gosec // see import note.
	h.Write([]byte(req.Method))
	h.Write([]byte(canonicalURL(req)))
	if body, err := req.BodyBytes(); err == nil {
		h.Write(body)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func canonicalURL(req *Request) string {
	u, err := url.Parse(req.URL)
	if err != nil {
		return req.URL
	}
	pairs := make([][2]string, 0)
	for key, values := range u.Query() {
		for _, v := range values {
			pairs = append(pairs, [2]string{key, v})
		}
	}
	for key, values := range req.Params {
		for _, v := range values {
			pairs = append(pairs, [2]string{key, v})
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i][0] != pairs[j][0] {
			return pairs[i][0] < pairs[j][0]
		}
		return pairs[i][1] < pairs[j][1]
	})
	encoded := make([]string, len(pairs))
	for i, p := range pairs {
		encoded[i] = url.QueryEscape(p[0]) + "=" + url.QueryEscape(p[1])
	}

	port := u.Port()
	if port == "" {
		port = "80"
	}
	var b strings.Builder
	b.WriteString(u.Scheme)
	b.WriteString("://")
	b.WriteString(strings.ToLower(u.Hostname()))
	b.WriteString(u.EscapedPath())
	b.WriteString(":")
	b.WriteString(port)
	b.WriteString("?")
	b.WriteString(strings.Join(encoded, "&"))
	return b.String()
}
