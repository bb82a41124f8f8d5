package resource

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/sirupsen/logrus"

	"github.com/kelvan/mpd-coap/internal/settings"
)

// Settings is the part of the settings store the config resource needs.
type Settings interface {
	All() map[string]string
	ApplyAndSave(updates map[string]string) error
}

// Config serves mpd/config: GET reads the settings, POST merges and saves.
type Config struct {
	store Settings
	log   *logrus.Entry
}

func NewConfig(store Settings) *Config {
	return &Config{store: store, log: logrus.WithField("component", "config")}
}

func (c *Config) LinkAttrs() []Attr {
	return []Attr{
		{Name: "rt", Value: "mpd.config", Quoted: true},
		{Name: "if", Value: "core.p", Quoted: true},
		{Name: "ct", Value: strconv.Itoa(int(message.AppJSON))},
	}
}

func (c *Config) Handle(ctx context.Context, req *Request) Response {
	switch req.Method {
	case codes.GET:
		return c.get()
	case codes.POST:
		return c.post(req.Payload)
	default:
		return methodNotAllowed()
	}
}

// get serves every setting except the MPD password.
func (c *Config) get() Response {
	all := c.store.All()
	delete(all, settings.KeyPassword)
	body, err := json.Marshal(all)
	if err != nil {
		c.log.Errorf("[get] encode: %v", err)
		return Text(codes.InternalServerError, "encode failed")
	}
	return Response{Code: codes.Content, Format: message.AppJSON, Payload: body}
}

func (c *Config) post(payload []byte) Response {
	updates, err := DecodeUpdates(payload)
	if err != nil {
		c.log.Infof("[post] rejected: %v", err)
		return Text(codes.BadRequest, err.Error())
	}

	if err := c.store.ApplyAndSave(updates); err != nil {
		if errors.Is(err, settings.ErrUnrepresentable) {
			c.log.Infof("[post] rejected: %v", err)
			return Text(codes.BadRequest, err.Error())
		}
		c.log.Errorf("[post] save: %v", err)
		return Text(codes.InternalServerError, "save failed")
	}

	c.log.Infof("STATE CHANGE: [config] %d key(s) saved", len(updates))
	return Text(codes.Content, "saved")
} // func (c *Config) post

// DecodeUpdates parses a JSON object of settings updates. String, number and
// boolean values are stored as text; a port must be an integer in 1..65535.
// Keys that collide once lower-cased, and entries the settings file cannot
// hold verbatim, are refused.
func DecodeUpdates(payload []byte) (map[string]string, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("invalid JSON: %v", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("invalid JSON: expected an object")
	}
	if dec.More() {
		return nil, fmt.Errorf("invalid JSON: trailing data")
	}

	updates := make(map[string]string, len(raw))
	seen := make(map[string]string, len(raw))
	for k, v := range raw {
		if prev, dup := seen[settings.NormalizeKey(k)]; dup {
			return nil, fmt.Errorf("keys %q and %q name the same setting", prev, k)
		}
		seen[settings.NormalizeKey(k)] = k

		var s string
		switch val := v.(type) {
		case string:
			s = val
		case json.Number:
			s = val.String()
		case bool:
			s = strconv.FormatBool(val)
		default:
			return nil, fmt.Errorf("value of %q must be a string, number or boolean", k)
		}
		updates[k] = s
	}

	for k, v := range updates {
		if settings.NormalizeKey(k) == settings.KeyPort {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil || n < 1 || n > 65535 {
				return nil, fmt.Errorf("port must be an integer between 1 and 65535, got %q", v)
			}
		}
	}
	if err := settings.Check(updates); err != nil {
		return nil, err
	}
	return updates, nil
} // func DecodeUpdates
