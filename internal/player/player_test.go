package player

import (
	"bufio"
	"context"
	"errors"
	"net"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeMPD speaks enough of the MPD line protocol for gompd.
type fakeMPD struct {
	ln      net.Listener
	replies map[string]string // first word of a command -> body before "OK"
	hang    bool

	mu       sync.Mutex
	received []string
}

func startFakeMPD(t *testing.T, replies map[string]string) *fakeMPD {
	return startFake(t, replies, false)
}

// startHangingMPD greets clients and then never answers a command.
func startHangingMPD(t *testing.T) *fakeMPD {
	return startFake(t, nil, true)
}

func startFake(t *testing.T, replies map[string]string, hang bool) *fakeMPD {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	f := &fakeMPD{ln: ln, replies: replies, hang: hang}
	go f.serve()
	t.Cleanup(func() { ln.Close() })
	return f
}

func (f *fakeMPD) serve() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		go f.handle(conn)
	}
}

func (f *fakeMPD) handle(conn net.Conn) {
	defer conn.Close()
	if _, err := conn.Write([]byte("OK MPD 0.23.5\n")); err != nil {
		return
	}
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimSpace(line)
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		cmd := fields[0]

		f.mu.Lock()
		f.received = append(f.received, cmd)
		f.mu.Unlock()

		if cmd == "close" {
			return
		}
		if f.hang {
			continue
		}
		body, ok := f.replies[cmd]
		if ok && strings.HasPrefix(body, "ACK ") {
			conn.Write([]byte(body + "\n"))
			continue
		}
		conn.Write([]byte(body + "OK\n"))
	}
}

func (f *fakeMPD) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.received...)
}

type staticSource struct {
	addr string
	pass string
}

func (s staticSource) Address() string  { return s.addr }
func (s staticSource) Password() string { return s.pass }

func TestHasCommand(t *testing.T) {
	c := New(staticSource{})
	for _, name := range Commands() {
		if !c.HasCommand(name) {
			t.Errorf("Expected %q to be a command", name)
		}
	}
	for _, name := range []string{"", "Close", "close", "kill", "Dial", "text", "STOP", " stop", "password"} {
		if c.HasCommand(name) {
			t.Errorf("Expected %q to be rejected", name)
		}
	}
}

func TestCommands_Sorted(t *testing.T) {
	names := Commands()
	for i := 1; i < len(names); i++ {
		if names[i-1] >= names[i] {
			t.Fatalf("Commands not sorted: %v", names)
		}
	}
}

func TestInvoke_NoResult(t *testing.T) {
	f := startFakeMPD(t, nil)
	c := New(staticSource{addr: f.ln.Addr().String()})

	out, err := c.Invoke(context.Background(), "stop")
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if out != "" {
		t.Errorf("Expected empty result, got %q", out)
	}

	// The fake records a command before answering it.
	if cmds := f.commands(); len(cmds) == 0 || cmds[0] != "stop" {
		t.Errorf("Expected stop to reach MPD, got %v", cmds)
	}
}

func TestInvoke_Attrs(t *testing.T) {
	f := startFakeMPD(t, map[string]string{
		"status": "volume: 40\nstate: play\nsong: 3\n",
	})
	c := New(staticSource{addr: f.ln.Addr().String()})

	out, err := c.Invoke(context.Background(), "status")
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	want := "song: 3\nstate: play\nvolume: 40\n"
	if out != want {
		t.Errorf("Expected %q, got %q", want, out)
	}
}

func TestInvoke_Authenticated(t *testing.T) {
	f := startFakeMPD(t, nil)
	c := New(staticSource{addr: f.ln.Addr().String(), pass: "secret"})

	if _, err := c.Invoke(context.Background(), "next"); err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	cmds := f.commands()
	if len(cmds) < 2 || cmds[0] != "password" || cmds[1] != "next" {
		t.Errorf("Expected password then next, got %v", cmds)
	}
}

func TestInvoke_Unknown(t *testing.T) {
	c := New(staticSource{addr: "127.0.0.1:1"})
	_, err := c.Invoke(context.Background(), "kill")
	if !errors.Is(err, ErrUnknownCommand) {
		t.Errorf("Expected ErrUnknownCommand, got %v", err)
	}
}

func TestInvoke_Unreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	c := New(staticSource{addr: addr})
	_, err = c.Invoke(context.Background(), "stop")
	if !errors.Is(err, ErrUnreachable) {
		t.Errorf("Expected ErrUnreachable, got %v", err)
	}
}

func TestInvoke_CommandFailed(t *testing.T) {
	f := startFakeMPD(t, map[string]string{
		"play": "ACK [2@0] {play} Bad song index",
	})
	c := New(staticSource{addr: f.ln.Addr().String()})

	_, err := c.Invoke(context.Background(), "play")
	if !errors.Is(err, ErrCommandFailed) {
		t.Errorf("Expected ErrCommandFailed, got %v", err)
	}
}

func TestInvoke_Timeout(t *testing.T) {
	f := startHangingMPD(t)
	c := New(staticSource{addr: f.ln.Addr().String()}, WithTimeout(100*time.Millisecond))

	start := time.Now()
	_, err := c.Invoke(context.Background(), "stop")
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("Expected ErrTimeout, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("Timeout not honoured, took %s", time.Since(start))
	}
}

func TestInvoke_Canceled(t *testing.T) {
	f := startHangingMPD(t)
	c := New(staticSource{addr: f.ln.Addr().String()}, WithTimeout(0))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err := c.Invoke(ctx, "stop")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestInvoke_TimeoutReleasesConnections(t *testing.T) {
	f := startHangingMPD(t)
	c := New(staticSource{addr: f.ln.Addr().String()}, WithTimeout(20*time.Millisecond))

	before := runtime.NumGoroutine()
	for i := 0; i < 50; i++ {
		if _, err := c.Invoke(context.Background(), "stop"); !errors.Is(err, ErrTimeout) {
			t.Fatalf("Call %d: expected ErrTimeout, got %v", i, err)
		}
	}

	// The fake's per-connection goroutines exit once their socket closes.
	deadline := time.Now().Add(2 * time.Second)
	after := runtime.NumGoroutine()
	for after > before+2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
		after = runtime.NumGoroutine()
	}
	if after > before+2 {
		t.Errorf("Goroutines leaked after timeouts: before=%d after=%d", before, after)
	}
}

func TestInvoke_WrongPassword(t *testing.T) {
	f := startFakeMPD(t, map[string]string{
		"password": "ACK [3@0] {password} incorrect password",
	})
	c := New(staticSource{addr: f.ln.Addr().String(), pass: "nope"})

	if _, err := c.Invoke(context.Background(), "stop"); !errors.Is(err, ErrUnreachable) {
		t.Fatalf("Expected ErrUnreachable, got %v", err)
	}
	for _, cmd := range f.commands() {
		if cmd == "stop" {
			t.Errorf("Command sent after a rejected password: %v", f.commands())
		}
	}
}

func TestFormatAttrsList(t *testing.T) {
	got := formatAttrsList(nil)
	if got != "" {
		t.Errorf("Expected empty, got %q", got)
	}
}
