// Package runner manages a program lifecycle: banner, start hooks,
// shutdown on context cancellation or Stop, and a bounded drain. It does
// not install OS signal handlers.
package runner

import (
	"bytes"
	"context"
	"os"

	"github.com/dimiro1/banner"
)

type State int

const (
	StateNew State = iota
	StateStarting
	StateRunning
	StateDraining
	StateStopped
)

type Runner interface {
	Run(ctx context.Context) error
	Stop() error
	State() State
}

// Hooks are invoked around the running phase.
type Hooks struct {
	OnStart func()
	OnStop  func()
}

// Drainer lets a program flush in-flight work before the process exits.
type Drainer interface {
	Drain() error
}

const Version = "dev"

func PrintBanner(name string) {
	tpl := "{{ .Title \"" + name + "\" \"\" 0 }}\nVersion: " + Version + "\n"
	banner.Init(os.Stdout, true, true, bytes.NewBufferString(tpl))
}
