package crawler

import (
	"context"
	"time"

	"github.com/riftwalk/crawlkit/internal/types"
)

// CrawlContext is handed to the request handler and every hook. It exposes
// only enqueueLinks/pushData/addRequests rather than the Runtime itself, so
// user code cannot form a cyclic reference back into the runtime's own
// retry/session machinery (spec §9).
type CrawlContext struct {
	ctx      context.Context
	Request  *types.Request
	Response *types.Response
	Session  *types.Session
	ProxyURL string

	startedAt time.Time
	runtime   *Runtime
}

// Context returns the request-scoped context.Context. While the request
// handler runs it carries the handler timeout; it is cancelled when the
// crawl's own context is, but not by Abort.
func (c *CrawlContext) Context() context.Context { return c.ctx }

// EnqueueLinks adds the given absolute URLs to the queue as new requests at
// depth+1, deduplicated against the crawl's unique-key space.
func (c *CrawlContext) EnqueueLinks(urls []string) error {
	reqs := make([]*types.Request, 0, len(urls))
	for _, u := range urls {
		req, err := types.NewRequest(u)
		if err != nil {
			continue
		}
		req.Depth = c.Request.Depth + 1
		req.ParentURL = c.Request.URLString()
		reqs = append(reqs, req)
	}
	return c.runtime.enqueueBatch(c.ctx, reqs)
}

// AddRequests adds fully-formed Requests to the queue, at depth+1 relative
// to the current request unless the caller already set Depth explicitly.
func (c *CrawlContext) AddRequests(reqs []*types.Request) error {
	for _, r := range reqs {
		if r.Depth == 0 {
			r.Depth = c.Request.Depth + 1
		}
		if r.ParentURL == "" {
			r.ParentURL = c.Request.URLString()
		}
	}
	return c.runtime.enqueueBatch(c.ctx, reqs)
}

// PushData sends extracted items to the configured dataset sinks.
func (c *CrawlContext) PushData(items ...map[string]any) error {
	return c.runtime.pushData(c.ctx, items)
}

// PushItem stamps crawl provenance (source URL, label, depth) onto each
// item where the caller left it unset, then sends the flattened records to
// the dataset sinks.
func (c *CrawlContext) PushItem(items ...*types.Item) error {
	records := make([]map[string]any, 0, len(items))
	for _, it := range items {
		if it.URL == "" {
			it.URL = c.Request.URLString()
		}
		if it.Label == "" {
			it.Label = c.Request.Label
		}
		if it.Depth == 0 {
			it.Depth = c.Request.Depth
		}
		records = append(records, it.Record())
	}
	return c.runtime.pushData(c.ctx, records)
}
