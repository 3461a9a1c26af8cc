//go:build linux

// Command framelock-agent is built with -buildmode=c-shared and loaded
// into the game process. The agent starts when the library is loaded.
package main

import "C"

import (
	"fmt"
	"os"
	"sync"

	"github.com/go-delve/framelock/cmd/framelock-agent/agent"
	"github.com/go-delve/framelock/pkg/config"
	"github.com/go-delve/framelock/pkg/logflags"
)

var (
	mu      sync.Mutex
	running *agent.Agent
)

func init() {
	go start()
}

func start() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "framelock: %v\n", err)
		return
	}
	if err := logflags.Setup(cfg.Log, cfg.LogOutput, cfg.LogDest); err != nil {
		fmt.Fprintf(os.Stderr, "framelock: %v\n", err)
		return
	}
	a, err := agent.Start(cfg)
	if err != nil {
		logflags.EngineLogger().Errorf("agent not started: %v", err)
		logflags.Close()
		return
	}
	logflags.EngineLogger().Infof("agent listening on %s", a.Addr)
	mu.Lock()
	running = a
	mu.Unlock()
}

// framelock_stop removes every hook and stops serving controllers. The
// host may call it before unloading the library.
//
//export framelock_stop
func framelock_stop() C.int {
	mu.Lock()
	a := running
	running = nil
	mu.Unlock()
	if a == nil {
		return -1
	}
	defer logflags.Close()
	if err := a.Stop(); err != nil {
		logflags.EngineLogger().Errorf("stop: %v", err)
		return 1
	}
	return 0
}

func main() {}
