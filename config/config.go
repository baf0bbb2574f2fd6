// File: config/config.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Config holds connector configuration, populated via functional
// options rather than a config-file library.

package config

import "time"

// ListenerSpec describes one TCP listening socket, optionally inherited
// from a supervisor across a hot restart.
type ListenerSpec struct {
	Addr       string // e.g. "0.0.0.0:3333"
	InheritFD  int    // >=0 when handed down by a supervisor; -1 otherwise
}

// Config holds all connector-side configuration.
type Config struct {
	Listeners []ListenerSpec

	// ProxyMode switches the default listener port from 3333 to 3334
	// when no listeners are explicitly configured.
	ProxyMode bool

	// GlobalPassthrough selects the generator peer over the stratifier
	// for every augmented message, and gates the
	// `runtime` field in the periodic stats log. Independent of
	// ProxyMode: the original ckpool connector treats the listen-port
	// default and the peer-routing mode as two separate switches handed
	// down by its supervisor, so we keep them separate here too.
	GlobalPassthrough bool

	MaxClients int // <=0 means unlimited

	ControlSocketPath    string
	StratifierSocketPath string
	GeneratorSocketPath  string

	AcceptPollTimeout time.Duration // readiness poll timeout, default 1s
	SenderPollTimeout time.Duration // sender wake-channel timeout, default 10ms

	BindRetryInterval time.Duration // delay between bind retries, default 5s
	BindRetryAttempts int           // bind retry budget before giving up, default 25

	StatsLogInterval time.Duration // periodic stats log interval, default 60s, passthrough-only
}

// Option mutates a Config at construction time.
type Option func(*Config)

// Default returns the connector's default configuration.
func Default() *Config {
	return &Config{
		MaxClients:            0,
		ControlSocketPath:     "/tmp/poolconnector.ctl",
		StratifierSocketPath:  "/tmp/stratifier.sock",
		GeneratorSocketPath:   "/tmp/generator.sock",
		AcceptPollTimeout:     time.Second,
		SenderPollTimeout:     10 * time.Millisecond,
		BindRetryInterval:     5 * time.Second,
		BindRetryAttempts:     25,
		StatsLogInterval:      60 * time.Second,
	}
}

// WithListeners sets the listening-socket specs explicitly.
func WithListeners(specs ...ListenerSpec) Option {
	return func(c *Config) { c.Listeners = specs }
}

// WithProxyMode toggles the default-port selection.
func WithProxyMode(v bool) Option {
	return func(c *Config) { c.ProxyMode = v }
}

// WithGlobalPassthrough toggles generator-vs-stratifier peer routing.
func WithGlobalPassthrough(v bool) Option {
	return func(c *Config) { c.GlobalPassthrough = v }
}

// WithMaxClients caps concurrent clients; <=0 removes the cap.
func WithMaxClients(n int) Option {
	return func(c *Config) { c.MaxClients = n }
}

// WithControlSocket overrides the control endpoint path.
func WithControlSocket(path string) Option {
	return func(c *Config) { c.ControlSocketPath = path }
}

// WithPeerSockets overrides the stratifier/generator peer socket paths.
func WithPeerSockets(stratifier, generator string) Option {
	return func(c *Config) {
		c.StratifierSocketPath = stratifier
		c.GeneratorSocketPath = generator
	}
}

// New builds a Config from Default() plus opts, filling in the
// proxy-mode-dependent default listener when none were specified.
func New(opts ...Option) *Config {
	c := Default()
	for _, opt := range opts {
		opt(c)
	}
	if len(c.Listeners) == 0 {
		port := "3333"
		if c.ProxyMode {
			port = "3334"
		}
		c.Listeners = []ListenerSpec{{Addr: "0.0.0.0:" + port, InheritFD: -1}}
	}
	return c
}
