package crawlkit

import (
	"fmt"

	"github.com/riftwalk/crawlkit/internal/crawler"
)

// Router dispatches a fetched request to a handler by its Label field (spec
// §9's router pattern), the way the teacher's OnHTML callback dispatched by
// selector except keyed on an explicit label set at enqueue time instead of
// inferred from page content.
type Router struct {
	handlers map[string]crawler.RequestHandler
	def      crawler.RequestHandler
}

// NewRouter returns an empty Router; Dispatch fails closed until at least
// one handler or a default is registered.
func NewRouter() *Router {
	return &Router{handlers: make(map[string]crawler.RequestHandler)}
}

// Handle registers the handler invoked for requests whose Label equals
// label.
func (rt *Router) Handle(label string, h crawler.RequestHandler) {
	rt.handlers[label] = h
}

// Default registers the handler invoked for requests whose Label has no
// matching entry, including the empty label.
func (rt *Router) Default(h crawler.RequestHandler) {
	rt.def = h
}

// Dispatch satisfies crawler.RequestHandler, routing cc.Request.Label to
// the matching handler or the default.
func (rt *Router) Dispatch(cc *crawler.CrawlContext) error {
	if h, ok := rt.handlers[cc.Request.Label]; ok {
		return h(cc)
	}
	if rt.def != nil {
		return rt.def(cc)
	}
	return fmt.Errorf("no handler registered for label %q", cc.Request.Label)
}
