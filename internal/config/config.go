// Package config resolves daemon options. Player connection settings are not
// handled here; they live in the settings file served at /mpd/config.
//
// Precedence: defaults < YAML file (--config) < environment < flags.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	flag "github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/kelvan/mpd-coap/internal/player"
	"github.com/kelvan/mpd-coap/internal/server"
	"github.com/kelvan/mpd-coap/internal/settings"
)

const (
	EnvListen   = "MPDCOAP_LISTEN"
	EnvSettings = "MPDCOAP_SETTINGS"
	EnvLog      = "MPDCOAP_LOG"
	EnvWSPort   = "MPDCOAP_WSPORT"
)

// ErrHelp is returned by Load when -h/--help was given.
var ErrHelp = flag.ErrHelp

// Options are the resolved daemon options.
type Options struct {
	Listen   string        `yaml:"listen"`
	Settings string        `yaml:"settings"`
	LogPath  string        `yaml:"log"`
	Verbose  bool          `yaml:"verbose"`
	WSPort   int           `yaml:"wsport"`
	MDNS     bool          `yaml:"mdns"`
	Instance string        `yaml:"instance"`
	Timeout  time.Duration `yaml:"mpd_timeout"`

	ConfigPath  string `yaml:"-"`
	ShowVersion bool   `yaml:"-"`
	Usage       string `yaml:"-"`
}

// Defaults returns the options used when nothing else is set.
func Defaults() Options {
	return Options{
		Listen:   server.DefaultAddress,
		Settings: settings.DefaultPath,
		Timeout:  player.DefaultTimeout,
		Instance: server.MDNSInstance,
	}
}

// Load resolves options from args (without the program name) and getenv.
func Load(args []string, getenv func(string) string) (Options, error) {
	opts := Defaults()
	if getenv == nil {
		getenv = os.Getenv
	}

	var cli Options
	fs := flag.NewFlagSet("mpd-coap", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&opts.ConfigPath, "config", "", "path to YAML option file")
	fs.StringVar(&cli.Listen, "listen", opts.Listen, "CoAP listen <host:port>")
	fs.StringVar(&cli.Settings, "settings", opts.Settings, "MPD settings file <path>")
	fs.StringVar(&cli.LogPath, "log", "", "write logs to file instead of stderr")
	fs.BoolVar(&cli.Verbose, "verbose", false, "enable debug logging")
	fs.IntVar(&cli.WSPort, "wsport", 0, "WebSocket gateway <port>, 0 disables")
	fs.BoolVar(&cli.MDNS, "mdns", false, "announce the CoAP endpoint over mDNS")
	fs.StringVar(&cli.Instance, "instance", opts.Instance, "mDNS instance name")
	fs.DurationVar(&cli.Timeout, "mpd-timeout", opts.Timeout, "bound on one MPD connect plus command")
	fs.BoolVar(&opts.ShowVersion, "version", false, "print version and exit")
	opts.Usage = fs.FlagUsages()

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return opts, ErrHelp
		}
		return opts, err
	}
	if fs.NArg() > 0 {
		return opts, fmt.Errorf("config: unexpected arguments %v", fs.Args())
	}

	if opts.ConfigPath != "" {
		if err := loadYAML(opts.ConfigPath, &opts); err != nil {
			return opts, err
		}
	}

	if v := getenv(EnvListen); v != "" {
		opts.Listen = v
	}
	if v := getenv(EnvSettings); v != "" {
		opts.Settings = v
	}
	if v := getenv(EnvLog); v != "" {
		opts.LogPath = v
	}
	if v := getenv(EnvWSPort); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return opts, fmt.Errorf("config: %s=%q: %v", EnvWSPort, v, err)
		}
		opts.WSPort = n
	}

	// explicit flags win
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "listen":
			opts.Listen = cli.Listen
		case "settings":
			opts.Settings = cli.Settings
		case "log":
			opts.LogPath = cli.LogPath
		case "verbose":
			opts.Verbose = cli.Verbose
		case "wsport":
			opts.WSPort = cli.WSPort
		case "mdns":
			opts.MDNS = cli.MDNS
		case "instance":
			opts.Instance = cli.Instance
		case "mpd-timeout":
			opts.Timeout = cli.Timeout
		}
	})

	return opts, opts.validate()
} // func Load

// loadYAML overlays the keys present in path onto opts.
func loadYAML(path string, opts *Options) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, opts); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func (o Options) validate() error {
	if o.Listen == "" {
		return errors.New("config: empty listen address")
	}
	if o.Settings == "" {
		return errors.New("config: empty settings path")
	}
	if o.WSPort < 0 || o.WSPort > 65535 {
		return fmt.Errorf("config: wsport %d out of range", o.WSPort)
	}
	if o.Timeout < 0 {
		return fmt.Errorf("config: negative mpd timeout %s", o.Timeout)
	}
	return nil
}
