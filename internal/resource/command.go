package resource

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/sirupsen/logrus"

	"github.com/kelvan/mpd-coap/internal/player"
)

const commandNotFound = "Command not found"

// Player is the part of the player client the command resource needs.
type Player interface {
	HasCommand(name string) bool
	Invoke(ctx context.Context, name string) (string, error)
}

// Command serves mpd/command: POST a bare command name, get its output.
type Command struct {
	player Player
	log    *logrus.Entry
}

func NewCommand(p Player) *Command {
	return &Command{player: p, log: logrus.WithField("component", "command")}
}

func (c *Command) LinkAttrs() []Attr {
	return []Attr{
		{Name: "rt", Value: "mpd.command", Quoted: true},
		{Name: "if", Value: "core.a", Quoted: true},
		{Name: "ct", Value: strconv.Itoa(int(message.TextPlain))},
	}
}

func (c *Command) Handle(ctx context.Context, req *Request) Response {
	if req.Method != codes.POST {
		return methodNotAllowed()
	}

	name := strings.TrimSpace(string(req.Payload))
	if !c.player.HasCommand(name) {
		c.log.Infof("[post] unknown command %q", name)
		return Text(codes.NotFound, commandNotFound)
	}

	out, err := c.player.Invoke(ctx, name)
	if err != nil {
		return c.failure(name, err)
	}
	c.log.Infof("[post] %s ok", name)
	return Text(codes.Content, out)
}

// failure maps a player error onto a CoAP error response.
func (c *Command) failure(name string, err error) Response {
	c.log.Warnf("[post] %s: %v", name, err)
	switch {
	case errors.Is(err, player.ErrUnknownCommand):
		return Text(codes.NotFound, commandNotFound)
	case errors.Is(err, player.ErrUnreachable):
		return Text(codes.BadGateway, err.Error())
	case errors.Is(err, player.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return Text(codes.GatewayTimeout, err.Error())
	case errors.Is(err, context.Canceled):
		return Text(codes.ServiceUnavailable, err.Error())
	default:
		return Text(codes.InternalServerError, err.Error())
	}
} // func (c *Command) failure
