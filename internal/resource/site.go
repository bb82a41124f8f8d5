// Package resource holds the CoAP-facing resources and the routing table
// that binds them to paths.
//
// Resources see a transport-neutral Request and return a Response; the
// server package adapts them to go-coap and to the WebSocket gateway.
package resource

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

const (
	PathWellKnownCore = ".well-known/core"
	PathConfig        = "mpd/config"
	PathCommand       = "mpd/command"
)

// Request is an inbound request after transport decoding.
type Request struct {
	Method  codes.Code
	Path    string
	Payload []byte
	Queries []string
}

// Response is what a resource hands back to the transport.
type Response struct {
	Code    codes.Code
	Format  message.MediaType
	Payload []byte
}

// Resource handles every method on one path.
type Resource interface {
	Handle(ctx context.Context, req *Request) Response
}

// Describer is implemented by resources that publish link attributes in
// .well-known/core.
type Describer interface {
	LinkAttrs() []Attr
}

// Text builds a text/plain response.
func Text(code codes.Code, s string) Response {
	return Response{Code: code, Format: message.TextPlain, Payload: []byte(s)}
}

func methodNotAllowed() Response {
	return Text(codes.MethodNotAllowed, "Method not allowed")
}

// Site is the routing table.
type Site struct {
	mu     sync.RWMutex
	routes map[string]Resource
}

func NewSite() *Site {
	return &Site{routes: make(map[string]Resource)}
}

// CleanPath strips leading and trailing slashes so "/mpd/config/" and
// "mpd/config" name the same route.
func CleanPath(p string) string {
	return strings.Trim(p, "/")
}

// Add binds r to path, replacing any previous binding.
func (s *Site) Add(path string, r Resource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[CleanPath(path)] = r
}

// Lookup returns the resource bound to path.
func (s *Site) Lookup(path string) (Resource, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.routes[CleanPath(path)]
	return r, ok
}

// Paths returns every bound path, sorted.
func (s *Site) Paths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	paths := make([]string, 0, len(s.routes))
	for p := range s.routes {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Serve routes req by path. Unknown paths get 4.04.
func (s *Site) Serve(ctx context.Context, req *Request) Response {
	r, ok := s.Lookup(req.Path)
	if !ok {
		return Text(codes.NotFound, "Resource not found")
	}
	return r.Handle(ctx, req)
}

// Links describes every resource except the discovery endpoint itself.
func (s *Site) Links() []Link {
	var links []Link
	for _, p := range s.Paths() {
		if p == PathWellKnownCore {
			continue
		}
		r, _ := s.Lookup(p)
		l := Link{Href: "/" + p}
		if d, ok := r.(Describer); ok {
			l.Attrs = d.LinkAttrs()
		}
		links = append(links, l)
	}
	return links
}

// Build returns the standard routing table: config, command and discovery.
func Build(store Settings, player Player) *Site {
	site := NewSite()
	site.Add(PathConfig, NewConfig(store))
	site.Add(PathCommand, NewCommand(player))
	site.Add(PathWellKnownCore, NewWellKnownCore(site))
	return site
}
