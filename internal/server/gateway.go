package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/sirupsen/logrus"

	"github.com/kelvan/mpd-coap/internal/resource"
)

// Gateway mirrors the site over a WebSocket at /ws. Each text frame is a JSON
// object {"method":"POST","path":"mpd/command","payload":"stop"}; the reply
// echoes it with "code" and "response" added.
type Gateway struct {
	site *resource.Site
	log  *logrus.Entry
	http *http.Server
}

func NewGateway(site *resource.Site, addr string, log *logrus.Entry) *Gateway {
	if log == nil {
		log = logrus.WithField("component", "ws")
	}
	g := &Gateway{site: site, log: log}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", g.handleWS)
	g.http = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return g
}

// Handler returns the HTTP handler serving /ws.
func (g *Gateway) Handler() http.Handler {
	return g.http.Handler
}

// Start listens in the background. Bind errors are returned synchronously.
func (g *Gateway) Start() error {
	ln, err := net.Listen("tcp", g.http.Addr)
	if err != nil {
		return fmt.Errorf("ws: listen %s: %w", g.http.Addr, err)
	}
	g.log.Infof("WS listening on %s (/ws)", ln.Addr())
	go func() {
		if err := g.http.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			g.log.Errorf("ws server failed: %v", err)
		}
	}()
	return nil
}

// Stop shuts the HTTP server down.
func (g *Gateway) Stop(ctx context.Context) error {
	return g.http.Shutdown(ctx)
}

func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // allow any origin
	})
	if err != nil {
		g.log.Warnf("ws accept failed: %v", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	for {
		typ, msg, err := conn.Read(r.Context())
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				g.log.Debugf("ws read error: %v", err)
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		out := g.process(r.Context(), msg)
		g.log.Debugf("ws send frame: %s", out)
		if err := conn.Write(r.Context(), websocket.MessageText, out); err != nil {
			g.log.Debugf("ws write error: %v", err)
			return
		}
	}
} // func (g *Gateway) handleWS

// process decodes one frame, routes it through the site and encodes the reply.
func (g *Gateway) process(ctx context.Context, frame []byte) []byte {
	var js map[string]any
	if err := json.Unmarshal(frame, &js); err != nil || js == nil {
		return encodeFrame(map[string]any{"response": "error", "error": "invalid JSON"})
	}

	method, ok := js["method"].(string)
	if !ok {
		return frameError(js, "missing method")
	}
	code, ok := methodCode(method)
	if !ok {
		return frameError(js, "unknown method "+method)
	}
	path, ok := js["path"].(string)
	if !ok {
		return frameError(js, "missing path")
	}
	var payload string
	if p, ok := js["payload"]; ok {
		if payload, ok = p.(string); !ok {
			return frameError(js, "payload not string")
		}
	}
	var queries []string
	if q, ok := js["query"].(string); ok && q != "" {
		queries = strings.Split(q, "&")
	}

	resp := g.site.Serve(ctx, &resource.Request{
		Method:  code,
		Path:    path,
		Payload: []byte(payload),
		Queries: queries,
	})
	js["code"] = CodeString(resp.Code)
	js["response"] = string(resp.Payload)
	return encodeFrame(js)
} // func (g *Gateway) process

func frameError(js map[string]any, msg string) []byte {
	js["response"] = "error"
	js["error"] = msg
	return encodeFrame(js)
}

func encodeFrame(js map[string]any) []byte {
	out, _ := json.Marshal(js)
	return out
}

func methodCode(m string) (codes.Code, bool) {
	switch strings.ToUpper(m) {
	case "GET":
		return codes.GET, true
	case "POST":
		return codes.POST, true
	case "PUT":
		return codes.PUT, true
	case "DELETE":
		return codes.DELETE, true
	}
	return 0, false
}

// CodeString renders a CoAP code in dotted class.detail form, e.g. "2.05".
func CodeString(c codes.Code) string {
	return fmt.Sprintf("%d.%02d", uint8(c)>>5, uint8(c)&0x1f)
}
