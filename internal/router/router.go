// Package router decides which agent handles an inbound message.
package router

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"

	. "github.com/roelfdiedericks/wabridge/internal/logging"
	"github.com/roelfdiedericks/wabridge/internal/routes"
	"github.com/roelfdiedericks/wabridge/internal/types"
)

// ErrNoRoute is returned when neither the exact nor the wildcard route applies.
// It is a normal outcome, not a failure.
var ErrNoRoute = errors.New("no route")

// Router resolves messages against a routes.Store.
type Router struct {
	store routes.Store

	mu       sync.Mutex
	patterns map[string]*regexp.Regexp // nil value = invalid pattern
}

// New creates a Router over store.
func New(store routes.Store) *Router {
	return &Router{
		store:    store,
		patterns: make(map[string]*regexp.Regexp),
	}
}

// Resolve returns the route for msg. The exact channel route is tried first,
// then the wildcard route; a route whose regex filter does not match the
// message text is skipped. Returns ErrNoRoute when nothing applies.
func (r *Router) Resolve(ctx context.Context, msg *types.IncomingMessage) (*types.Route, error) {
	for _, channel := range []string{msg.ChannelID, types.WildcardChannel} {
		route, err := r.store.Get(ctx, channel)
		if errors.Is(err, routes.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("lookup route %s: %w", channel, err)
		}

		if !r.matches(route, msg.Text) {
			L_debug("router: filter rejected message", "channel", channel, "filter", route.RegexFilter)
			continue
		}

		L_debug("router: resolved", "channel", msg.ChannelID, "route", route.ChannelID, "endpoint", route.AgentEndpoint)
		return route, nil
	}
	return nil, ErrNoRoute
}

// matches reports whether route accepts text. No filter accepts everything;
// an invalid pattern accepts nothing.
func (r *Router) matches(route *types.Route, text string) bool {
	if !route.HasFilter() {
		return true
	}
	re := r.compile(route.RegexFilter)
	if re == nil {
		return false
	}
	return re.MatchString(text)
}

func (r *Router) compile(pattern string) *regexp.Regexp {
	r.mu.Lock()
	defer r.mu.Unlock()

	if re, ok := r.patterns[pattern]; ok {
		return re
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		L_warn("router: invalid regex filter, route will never match", "filter", pattern, "error", err)
		re = nil
	}
	r.patterns[pattern] = re
	return re
}
