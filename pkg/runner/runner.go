// Package runner drives the process lifecycle: banner, start hooks, then a
// bounded drain on shutdown.
package runner

import (
	"bytes"
	"context"
	"io"
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

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type Runner interface {
	Run(ctx context.Context) error
	Stop() error
	State() State
}

// Hooks run around the running phase. A failing OnStart aborts Run.
type Hooks struct {
	OnStart func(ctx context.Context) error
	OnStop  func()
}

// Drainer finishes in-flight work before the process exits.
type Drainer interface {
	Drain() error
}

// DrainerFunc adapts a function to Drainer.
type DrainerFunc func() error

func (f DrainerFunc) Drain() error { return f() }

// Version is stamped at build time.
var Version = "dev"

// BannerOutput is where PrintBanner writes. Nil disables the banner.
var BannerOutput io.Writer = os.Stdout

func PrintBanner() {
	if BannerOutput == nil {
		return
	}
	tpl := "{{ .Title \"SWITCHBOARD\" \"\" 0 }}\nVersion: " + Version + "\n"
	banner.Init(BannerOutput, true, true, bytes.NewBufferString(tpl))
}
