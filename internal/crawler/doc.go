// Package crawler implements the single-process crawl engine: the request and
// response model, the extension pipeline, the orchestrating Engine that moves a
// request from transport to spider, and the Runner that drives a pool of
// workers over a shared queue until the crawl runs dry.
package crawler
