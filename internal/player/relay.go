package player

import (
	"context"
	"io"
	"net"
	"sync"
)

// relay carries one gompd connection through a loopback listener. gompd
// dials by address and never exposes its socket, so Invoke points it at the
// relay and severs both ends here when a call is abandoned.
type relay struct {
	ln net.Listener
	wg sync.WaitGroup

	mu     sync.Mutex
	conns  []net.Conn
	closed bool
}

// newRelay dials MPD at addr under ctx and listens on loopback for the one
// client connection that will be forwarded to it.
func newRelay(ctx context.Context, addr string) (*relay, error) {
	var d net.Dialer
	up, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		up.Close()
		return nil, err
	}

	r := &relay{ln: ln}
	r.track(up)
	r.wg.Add(1)
	go r.accept(up)
	return r, nil
} // func newRelay

// Addr is the loopback address gompd should dial.
func (r *relay) Addr() string {
	return r.ln.Addr().String()
}

func (r *relay) accept(up net.Conn) {
	defer r.wg.Done()
	down, err := r.ln.Accept()
	r.ln.Close()
	if err != nil || !r.track(down) {
		r.closeConns()
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		io.Copy(up, down)
		r.closeConns()
	}()
	io.Copy(down, up)
	r.closeConns()
}

// track registers c for Close. It reports false, closing c, once the relay
// is already closed.
func (r *relay) track(c net.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		c.Close()
		return false
	}
	r.conns = append(r.conns, c)
	return true
}

func (r *relay) closeConns() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for _, c := range r.conns {
		c.Close()
	}
}

// Close severs both sides and waits for the forwarding goroutines.
func (r *relay) Close() {
	r.ln.Close()
	r.closeConns()
	r.wg.Wait()
}
