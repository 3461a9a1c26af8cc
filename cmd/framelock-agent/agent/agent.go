//go:build linux

// Package agent starts the framelock agent inside the process it is
// loaded into: it resolves the configured hook targets, installs the
// hooks and serves controller sessions.
package agent

import (
	"errors"
	"fmt"
	"net"

	"github.com/go-delve/framelock/pkg/config"
	"github.com/go-delve/framelock/pkg/debugdetect"
	"github.com/go-delve/framelock/pkg/foreign"
	"github.com/go-delve/framelock/pkg/hook"
	"github.com/go-delve/framelock/pkg/logflags"
	"github.com/go-delve/framelock/pkg/symbols"
	"github.com/go-delve/framelock/pkg/tls"
	"github.com/go-delve/framelock/service"
	"github.com/go-delve/framelock/service/engine"
)

// Agent is a running agent.
type Agent struct {
	Engine *engine.Engine
	Server *service.Server
	// Addr is the address controllers connect to.
	Addr net.Addr

	disconnected chan struct{}
}

// Start brings the agent up. On error everything installed so far is
// removed again and the process is left untouched.
func Start(cfg *config.Config) (*Agent, error) {
	log := logflags.EngineLogger()
	if pid, err := debugdetect.TracerPid(); err == nil && pid != 0 {
		log.Warnf("process traced by %d: breakpoints in hooked prologues will move to the trampolines", pid)
	}

	img, err := openImage(cfg.Image)
	if err != nil {
		return nil, fmt.Errorf("could not load symbols: %w", err)
	}
	log.Debugf("loaded %d symbols from %s", len(img.Symbols()), img.Path)

	eng, err := engine.New(&engine.Config{
		Config:    cfg,
		Symbols:   img,
		Installer: hook.NewManager(hook.SelfMemory{}, hook.AMD64{}),
		Memory:    foreign.LocalMemory{},
	})
	if err != nil {
		return nil, err
	}

	listener, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		eng.Close()
		return nil, fmt.Errorf("couldn't start listener: %w", err)
	}
	if cfg.TLS.Enabled() {
		tl, err := tls.WrapListener(listener, cfg.TLS)
		if err != nil {
			listener.Close()
			eng.Close()
			return nil, err
		}
		listener = tl
	}

	a := &Agent{
		Engine:       eng,
		Addr:         listener.Addr(),
		disconnected: make(chan struct{}),
	}
	a.Server = service.NewServer(&service.Config{
		Listener:           listener,
		Handler:            eng,
		CheckLocalConnUser: !cfg.AllowOtherUsers,
		DisconnectChan:     a.disconnected,
	})
	if err := a.Server.Run(); err != nil {
		listener.Close()
		eng.Close()
		return nil, err
	}
	return a, nil
}

func openImage(path string) (*symbols.Image, error) {
	if path == "" {
		return symbols.OpenSelf()
	}
	return symbols.OpenLoaded(path)
}

// Stopped is closed once Stop has completed.
func (a *Agent) Stopped() <-chan struct{} {
	return a.disconnected
}

// Stop ends the active session, stops listening and removes every hook.
func (a *Agent) Stop() error {
	return errors.Join(a.Server.Stop(), a.Engine.Close())
}
