// Package player runs single zero-argument commands against an MPD daemon.
//
// Every invocation opens its own connection and closes it again; nothing is
// pooled. The set of commands is a fixed allow-list.
package player

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fhs/gompd/v2/mpd"
	"github.com/sirupsen/logrus"
)

const DefaultTimeout = 3 * time.Second

var (
	// ErrUnreachable is wrapped when no connection to MPD could be made.
	ErrUnreachable = errors.New("player: mpd unreachable")
	// ErrTimeout is wrapped when MPD did not answer in time.
	ErrTimeout = errors.New("player: mpd timeout")
	// ErrUnknownCommand is returned for names outside the command vocabulary.
	ErrUnknownCommand = errors.New("player: unknown command")
	// ErrCommandFailed is wrapped when MPD rejected or failed a command.
	ErrCommandFailed = errors.New("player: command failed")
)

// Source supplies the connection parameters on every call.
type Source interface {
	Address() string
	Password() string
}

type commandFunc func(c *mpd.Client) (string, error)

func noResult(fn func(c *mpd.Client) error) commandFunc {
	return func(c *mpd.Client) (string, error) {
		return "", fn(c)
	}
}

// commands is the complete vocabulary. Anything not listed here is refused.
var commands = map[string]commandFunc{
	"play":     noResult(func(c *mpd.Client) error { return c.Play(-1) }),
	"pause":    noResult(func(c *mpd.Client) error { return c.Command("pause").OK() }), // toggles
	"stop":     noResult(func(c *mpd.Client) error { return c.Stop() }),
	"next":     noResult(func(c *mpd.Client) error { return c.Next() }),
	"previous": noResult(func(c *mpd.Client) error { return c.Previous() }),
	"clear":    noResult(func(c *mpd.Client) error { return c.Clear() }),
	"shuffle":  noResult(func(c *mpd.Client) error { return c.Shuffle(-1, -1) }),
	"ping":     noResult(func(c *mpd.Client) error { return c.Ping() }),
	"update": func(c *mpd.Client) (string, error) {
		id, err := c.Update("")
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("updating_db: %d\n", id), nil
	},
	"status": func(c *mpd.Client) (string, error) {
		a, err := c.Status()
		return formatAttrs(a), err
	},
	"currentsong": func(c *mpd.Client) (string, error) {
		a, err := c.CurrentSong()
		return formatAttrs(a), err
	},
	"stats": func(c *mpd.Client) (string, error) {
		a, err := c.Stats()
		return formatAttrs(a), err
	},
	"outputs": func(c *mpd.Client) (string, error) {
		l, err := c.ListOutputs()
		return formatAttrsList(l), err
	},
	"playlistinfo": func(c *mpd.Client) (string, error) {
		l, err := c.PlaylistInfo(-1, -1)
		return formatAttrsList(l), err
	},
}

// Commands returns the sorted command vocabulary.
func Commands() []string {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Client executes commands against the MPD named by its Source.
type Client struct {
	src     Source
	timeout time.Duration
	log     *logrus.Entry
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout bounds connect plus command; zero or negative disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithLogger sets the logger entry used for connection diagnostics.
func WithLogger(l *logrus.Entry) Option {
	return func(c *Client) { c.log = l }
}

// New returns a Client that reads its address from src on every invocation.
func New(src Source, opts ...Option) *Client {
	c := &Client{
		src:     src,
		timeout: DefaultTimeout,
		log:     logrus.WithField("component", "player"),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// HasCommand reports whether name is in the command vocabulary.
func (c *Client) HasCommand(name string) bool {
	_, ok := commands[name]
	return ok
}

// Invoke runs name on a fresh connection and returns its textual result.
// When ctx ends first the connection is cut and the worker reaped before
// Invoke returns.
func (c *Client) Invoke(ctx context.Context, name string) (string, error) {
	fn, ok := commands[name]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownCommand, name)
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	addr := c.src.Address()
	r, err := newRelay(ctx, addr)
	if err != nil {
		err = c.abandoned(ctx, name, err)
		if !errors.Is(err, ErrTimeout) && !errors.Is(err, context.Canceled) {
			err = fmt.Errorf("%w: %s: %v", ErrUnreachable, addr, err)
		}
		c.log.Warnf("[invoke] %s on %s: %v", name, addr, err)
		return "", err
	}
	defer r.Close()

	type result struct {
		out string
		err error
	}
	done := make(chan result, 1)

	go func() {
		defer func() {
			// gompd indexes the greeting line without a length check
			if p := recover(); p != nil {
				done <- result{err: fmt.Errorf("%w: %s: bad reply: %v", ErrUnreachable, addr, p)}
			}
		}()

		conn, err := c.connect(r.Addr())
		if err != nil {
			done <- result{err: fmt.Errorf("%w: %s: %v", ErrUnreachable, addr, err)}
			return
		}
		defer conn.Close()

		out, err := fn(conn)
		if err != nil {
			err = fmt.Errorf("%w: %s: %v", ErrCommandFailed, name, err)
		}
		done <- result{out: out, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			c.log.Warnf("[invoke] %s on %s: %v", name, addr, res.err)
		} else {
			c.log.Debugf("[invoke] %s on %s ok (%d bytes)", name, addr, len(res.out))
		}
		return res.out, res.err
	case <-ctx.Done():
		// closing the relay fails whatever gompd is blocked on
		r.Close()
		<-done
		err := c.abandoned(ctx, name, ctx.Err())
		c.log.Warnf("[invoke] %s on %s: %v", name, addr, err)
		return "", err
	}
} // func (c *Client) Invoke

// abandoned maps an error seen after ctx ended onto ErrTimeout or the
// context error. Other errors pass through.
func (c *Client) abandoned(ctx context.Context, name string, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %s after %s", ErrTimeout, name, c.timeout)
	case ctx.Err() != nil:
		return ctx.Err()
	}
	return err
}

// connect opens a gompd client on addr, authenticating when a password is set.
func (c *Client) connect(addr string) (*mpd.Client, error) {
	pass := c.src.Password()
	if pass == "" {
		return mpd.Dial("tcp", addr)
	}
	conn, err := mpd.DialAuthenticated("tcp", addr, pass)
	if err != nil {
		// a rejected password still leaves the connection open
		if conn != nil {
			conn.Close()
		}
		return nil, err
	}
	return conn, nil
} // func (c *Client) connect

// formatAttrs renders attributes as "key: value" lines sorted by key.
func formatAttrs(a mpd.Attrs) string {
	if len(a) == 0 {
		return ""
	}
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\n", k, a[k])
	}
	return b.String()
}

func formatAttrsList(l []mpd.Attrs) string {
	blocks := make([]string, 0, len(l))
	for _, a := range l {
		blocks = append(blocks, formatAttrs(a))
	}
	return strings.Join(blocks, "\n")
}
