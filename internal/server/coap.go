// Package server exposes a resource.Site over CoAP and, optionally, over a
// WebSocket gateway and an mDNS announcement.
package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/mux"
	coapNet "github.com/plgd-dev/go-coap/v3/net"
	"github.com/plgd-dev/go-coap/v3/options"
	"github.com/plgd-dev/go-coap/v3/udp"
	"github.com/sirupsen/logrus"

	"github.com/kelvan/mpd-coap/internal/resource"
)

const DefaultAddress = ":5683"

// udpServer is the subset of the go-coap UDP server we drive.
type udpServer interface {
	Serve(l *coapNet.UDPConn) error
	Stop()
}

// CoAP serves a resource.Site on a UDP socket.
type CoAP struct {
	site *resource.Site
	addr string
	log  *logrus.Entry

	mu  sync.Mutex
	ln  *coapNet.UDPConn
	srv udpServer
}

// NewCoAP returns a server for site. Nothing is bound until Listen.
func NewCoAP(site *resource.Site, addr string, log *logrus.Entry) *CoAP {
	if site == nil {
		panic("server.NewCoAP: site is nil")
	}
	if addr == "" {
		addr = DefaultAddress
	}
	if log == nil {
		log = logrus.WithField("component", "coap")
	}
	return &CoAP{site: site, addr: addr, log: log}
}

// Router builds the go-coap router with one route per site path.
func (s *CoAP) Router() (*mux.Router, error) {
	m := mux.NewRouter()
	for _, p := range s.site.Paths() {
		if err := m.Handle("/"+p, s.handler(p)); err != nil {
			return nil, fmt.Errorf("coap: route %s: %w", p, err)
		}
	}
	return m, nil
}

// inbound is the part of a go-coap request the adapter reads.
type inbound interface {
	Code() codes.Code
	Context() context.Context
	ReadBody() ([]byte, error)
	Queries() ([]string, error)
}

// handler adapts one site path to go-coap.
func (s *CoAP) handler(path string) mux.Handler {
	return mux.HandlerFunc(func(w mux.ResponseWriter, r *mux.Message) {
		resp := s.respond(path, r)
		if err := w.SetResponse(resp.Code, resp.Format, bytes.NewReader(resp.Payload)); err != nil {
			s.log.Errorf("[coap] %s set response: %v", path, err)
			return
		}
		s.log.Infof("%v /%s -> %v (%d bytes) from %v", r.Code(), path, resp.Code, len(resp.Payload), w.Conn().RemoteAddr())
	})
}

// respond decodes r and routes it. A body that cannot be read is a 4.00.
func (s *CoAP) respond(path string, r inbound) resource.Response {
	body, err := r.ReadBody()
	if err != nil {
		s.log.Warnf("[coap] %s read body: %v", path, err)
		return resource.Text(codes.BadRequest, "unreadable payload")
	}
	queries, _ := r.Queries()
	return s.site.Serve(r.Context(), &resource.Request{
		Method:  r.Code(),
		Path:    path,
		Payload: body,
		Queries: queries,
	})
} // func (s *CoAP) respond

// Listen binds the UDP socket.
func (s *CoAP) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return errors.New("coap: already listening")
	}

	m, err := s.Router()
	if err != nil {
		return err
	}
	ln, err := coapNet.NewListenUDP("udp", s.addr)
	if err != nil {
		return fmt.Errorf("coap: listen %s: %w", s.addr, err)
	}
	s.ln = ln
	s.srv = udp.NewServer(
		options.WithMux(m),
		options.WithErrors(func(err error) {
			s.log.Debugf("[coap] %v", err)
		}),
	)
	s.log.Infof("CoAP listening on %s", ln.LocalAddr())
	return nil
} // func (s *CoAP) Listen

// Addr returns the bound address, nil before Listen.
func (s *CoAP) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.LocalAddr()
}

// Serve handles requests until Stop. Listen must have succeeded.
func (s *CoAP) Serve() error {
	s.mu.Lock()
	srv, ln := s.srv, s.ln
	s.mu.Unlock()
	if srv == nil {
		return errors.New("coap: Serve called before Listen")
	}
	return srv.Serve(ln)
}

// Stop shuts the server down and closes the socket.
func (s *CoAP) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		s.srv.Stop()
	}
	if s.ln != nil {
		if err := s.ln.Close(); err != nil {
			s.log.Debugf("[coap] close: %v", err)
		}
	}
	s.srv, s.ln = nil, nil
}
