// File: cmd/poolconnectord/main.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// poolconnectord is the connection front-end daemon: it binds the
// configured listeners (or adopts inherited ones across a hot
// restart), wires the registry/reactor/sender/receiver/control
// pipeline together, and runs until a `shutdown` control command or a
// termination signal arrives.

package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/momentics/poolconnector/config"
	"github.com/momentics/poolconnector/control"
	"github.com/momentics/poolconnector/internal/logx"
	"github.com/momentics/poolconnector/procio"
	"github.com/momentics/poolconnector/reactor"
	"github.com/momentics/poolconnector/receiver"
	"github.com/momentics/poolconnector/registry"
	"github.com/momentics/poolconnector/sender"
	"github.com/momentics/poolconnector/stats"
)

// listenFlags collects repeated -listen flags. Each value is either a
// bare address ("0.0.0.0:3333") or an inherited "<fd>:<addr>" pair
// handed down by a supervisor across a hot restart.
type listenFlags []config.ListenerSpec

func (l *listenFlags) String() string { return fmt.Sprint(*l) }

func (l *listenFlags) Set(v string) error {
	if idx := strings.Index(v, ":"); idx > 0 {
		if fd, err := strconv.Atoi(v[:idx]); err == nil {
			*l = append(*l, config.ListenerSpec{Addr: v[idx+1:], InheritFD: fd})
			return nil
		}
	}
	*l = append(*l, config.ListenerSpec{Addr: v, InheritFD: -1})
	return nil
}

func main() {
	var listeners listenFlags
	flag.Var(&listeners, "listen", "listen address, repeatable; fd:addr to adopt an inherited socket")
	proxyMode := flag.Bool("proxy", false, "proxy mode (default listen port 3334 instead of 3333)")
	passthroughMode := flag.Bool("passthrough", false, "route augmented messages to the generator peer instead of the stratifier")
	maxClients := flag.Int("max-clients", 0, "maximum concurrent clients (0 = unlimited)")
	controlPath := flag.String("control", "/tmp/poolconnector.ctl", "control socket path")
	stratifierPath := flag.String("stratifier", "/tmp/stratifier.sock", "stratifier peer socket path")
	generatorPath := flag.String("generator", "/tmp/generator.sock", "generator peer socket path")
	logLevel := flag.Int("loglevel", int(logx.LevelNotice), "initial log level (0=EMERG..3=INFO)")
	flag.Parse()

	opts := []config.Option{
		config.WithProxyMode(*proxyMode),
		config.WithGlobalPassthrough(*passthroughMode),
		config.WithMaxClients(*maxClients),
		config.WithControlSocket(*controlPath),
		config.WithPeerSockets(*stratifierPath, *generatorPath),
	}
	if len(listeners) > 0 {
		opts = append(opts, config.WithListeners(listeners...))
	}
	cfg := config.New(opts...)

	log := logx.New(logx.Level(*logLevel))

	boundListeners, err := bindAll(cfg, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "poolconnectord: %v\n", err)
		os.Exit(1)
	}

	react, err := reactor.NewReactor()
	if err != nil {
		fmt.Fprintf(os.Stderr, "poolconnectord: readiness subsystem: %v\n", err)
		os.Exit(1)
	}

	reg := registry.New(len(boundListeners), cfg.MaxClients, react)

	peers := &procio.Peers{}
	if strat, derr := procio.DialDatagram(cfg.StratifierSocketPath); derr != nil {
		log.Warning("dial stratifier %s: %v", cfg.StratifierSocketPath, derr)
	} else {
		peers.Stratifier = strat
	}
	if gen, derr := procio.DialDatagram(cfg.GeneratorSocketPath); derr != nil {
		log.Warning("dial generator %s: %v", cfg.GeneratorSocketPath, derr)
	} else {
		peers.Generator = gen
	}
	globalPassthrough := func() bool { return cfg.GlobalPassthrough }

	snd := sender.New(reg, rawWriter{}, cfg.SenderPollTimeout, func(c *registry.Client) {
		fd := reg.Invalidate(c)
		if fd >= 0 {
			_ = peers.NotifyDrop(int64(c.ID()))
		}
	})

	recv := receiver.New(reg, react, toReceiverListeners(boundListeners), peers, snd, log,
		cfg.AcceptPollTimeout, globalPassthrough, func(err error) {
			log.Emerg("readiness subsystem failure: %v", err)
			os.Exit(1)
		})
	if err := recv.RegisterListeners(); err != nil {
		fmt.Fprintf(os.Stderr, "poolconnectord: registering listeners: %v\n", err)
		os.Exit(1)
	}
	recv.SetAccept(true)

	ctlSock, err := procio.ListenControl(cfg.ControlSocketPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "poolconnectord: control socket: %v\n", err)
		os.Exit(1)
	}

	startedAt := time.Now()
	ctl := control.New(reg, snd, peers, log, ctlSock, recv.SetAccept, listenerFDs(boundListeners), startedAt)

	stop := make(chan struct{})
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		fmt.Println("poolconnectord: signal received, shutting down...")
		close(stop)
	}()

	go recv.Run(stop)
	go snd.Run(stop)
	go periodicStatsLog(stop, reg, snd, startedAt, globalPassthrough, cfg.StatsLogInterval, log)

	ctl.Run(stop)

	_ = react.Close()
	_ = ctlSock.Close()
	peers.Close()
	fmt.Println("poolconnectord: stopped.")
}

// rawWriter implements sender.Writer over a raw non-blocking socket fd.
type rawWriter struct{}

func (rawWriter) WriteNonBlocking(fd int, buf []byte) (int, error) {
	n, err := unix.Write(fd, buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, sender.ErrWouldBlock
		}
		return 0, err
	}
	return n, nil
}

// boundListener pairs a configured spec with the fd it ended up bound to.
type boundListener struct {
	fd    int
	addr  string
	index int
}

// bindAll binds (or adopts) every configured listener, applying the
// bind-retry budget to any fresh bind.
func bindAll(cfg *config.Config, log *logx.Logger) ([]boundListener, error) {
	out := make([]boundListener, 0, len(cfg.Listeners))
	for i, spec := range cfg.Listeners {
		fd, err := adoptOrBind(spec, cfg, log)
		if err != nil {
			return nil, err
		}
		out = append(out, boundListener{fd: fd, addr: spec.Addr, index: i})
	}
	return out, nil
}

func adoptOrBind(spec config.ListenerSpec, cfg *config.Config, log *logx.Logger) (int, error) {
	if spec.InheritFD >= 0 {
		if actual, err := receiver.BoundAddr(spec.InheritFD); err == nil && actual == spec.Addr {
			log.Notice("adopting inherited listener fd=%d addr=%s", spec.InheritFD, spec.Addr)
			return spec.InheritFD, nil
		}
		log.Notice("inherited fd=%d address mismatch, rebinding %s", spec.InheritFD, spec.Addr)
		_ = unix.Close(spec.InheritFD)
	}
	return bindWithRetry(spec.Addr, cfg, log)
}

func bindWithRetry(addr string, cfg *config.Config, log *logx.Logger) (int, error) {
	var lastErr error
	for attempt := 1; attempt <= cfg.BindRetryAttempts; attempt++ {
		fd, err := receiver.BindListener(addr)
		if err == nil {
			return fd, nil
		}
		lastErr = err
		log.Warning("bind %s attempt %d/%d: %v", addr, attempt, cfg.BindRetryAttempts, err)
		time.Sleep(cfg.BindRetryInterval)
	}
	return -1, fmt.Errorf("bind %s: exhausted %d attempts: %w", addr, cfg.BindRetryAttempts, lastErr)
}

func toReceiverListeners(bs []boundListener) []receiver.Listener {
	out := make([]receiver.Listener, len(bs))
	for i, b := range bs {
		out[i] = receiver.Listener{Fd: b.fd, Index: b.index, Addr: b.addr}
	}
	return out
}

func listenerFDs(bs []boundListener) []int {
	out := make([]int, len(bs))
	for i, b := range bs {
		out[i] = b.fd
	}
	return out
}

// periodicStatsLog emits a stats JSON line, runtime field included, once
// per interval while the process is globally in passthrough mode; ticks
// outside passthrough mode log nothing.
func periodicStatsLog(stop <-chan struct{}, reg *registry.Registry, snd *sender.Sender, startedAt time.Time, globalPassthrough func() bool, interval time.Duration, log *logx.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !globalPassthrough() {
				continue
			}
			snap := stats.Collect(reg, snd, startedAt, true)
			b, err := snap.JSON()
			if err != nil {
				log.Warning("stats snapshot: %v", err)
				continue
			}
			log.Info("stats %s", string(b))
		}
	}
}
