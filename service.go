package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/kardianos/service"

	"github.com/Ramkumar137/DesignMate/core"
)

const serviceStopTimeout = 30 * time.Second

// program adapts run to the service manager lifecycle.
type program struct {
	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
	code int
}

func (p *program) Start(s service.Service) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	go func() {
		defer close(p.done)
		p.code = run(p.stop)
		if p.code != core.ExitCodeSuccess && !service.Interactive() {
			// The process ended on its own; let the manager restart it.
			os.Exit(p.code)
		}
	}()
	return nil
}

func (p *program) Stop(s service.Service) error {
	p.mu.Lock()
	stop, done := p.stop, p.done
	p.mu.Unlock()
	if stop == nil {
		return nil
	}
	close(stop)

	select {
	case <-done:
		return nil
	case <-time.After(serviceStopTimeout):
		return fmt.Errorf("timeout waiting for service to stop")
	}
}

// serviceConfig describes the backend to systemd, launchd or the Windows
// service manager. The working directory stays the install directory so
// .env and relative paths resolve.
func serviceConfig() *service.Config {
	cfg := &service.Config{
		Name:        "DesignMate",
		DisplayName: "DesignMate Backend",
		Description: "Turns UI sketches into rendered designs with Stable Diffusion and answers design questions.",
		Arguments:   []string{"run"},
		Option: service.KeyValue{
			"StartType": "automatic",
			"Restart":   "on-failure",
		},
	}
	if wd, err := os.Getwd(); err == nil {
		cfg.WorkingDirectory = wd
	}
	return cfg
}

func newService(prg *program) (service.Service, error) {
	s, err := service.New(prg, serviceConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create service: %w", err)
	}
	return s, nil
}

func printServiceUsage(w io.Writer) {
	fmt.Fprintln(w, "DesignMate backend")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: designmate [command]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  install    Install the backend as a system service")
	fmt.Fprintln(w, "  uninstall  Remove the system service (alias: remove)")
	fmt.Fprintln(w, "  start      Start the installed service")
	fmt.Fprintln(w, "  stop       Stop the installed service")
	fmt.Fprintln(w, "  restart    Restart the installed service")
	fmt.Fprintln(w, "  status     Show the service status")
	fmt.Fprintln(w, "  run        Run under the service manager, or in the foreground")
	fmt.Fprintln(w, "  help       Show this help message")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Run without arguments to serve in the foreground.")
}

// handleServiceCommand runs the service verb in args, if any. handled is
// false when the server should start normally.
func handleServiceCommand(args []string) (code int, handled bool) {
	return dispatchServiceCommand(args, os.Stdout, os.Stderr)
}

func dispatchServiceCommand(args []string, stdout, stderr io.Writer) (int, bool) {
	if len(args) == 0 {
		return 0, false
	}

	cmd := args[0]
	switch cmd {
	case "help", "-h", "--help", "-help":
		printServiceUsage(stdout)
		return core.ExitCodeSuccess, true
	case "install", "uninstall", "remove", "start", "stop", "restart", "status", "run":
	default:
		fmt.Fprintf(stderr, "Unknown command %q\n\n", cmd)
		printServiceUsage(stderr)
		return core.ExitCodeError, true
	}

	prg := &program{}
	s, err := newService(prg)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return core.ExitCodeError, true
	}

	switch cmd {
	case "run":
		if service.Interactive() {
			return run(nil), true
		}
		if err := s.Run(); err != nil {
			fmt.Fprintf(stderr, "Error: service run failed: %v\n", err)
			return core.ExitCodeError, true
		}
		return prg.code, true

	case "status":
		status, err := s.Status()
		if err != nil {
			if errors.Is(err, service.ErrNotInstalled) {
				fmt.Fprintln(stdout, "Service is not installed")
				return core.ExitCodeSuccess, true
			}
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return core.ExitCodeError, true
		}
		fmt.Fprintln(stdout, statusText(status))
		return core.ExitCodeSuccess, true
	}

	if cmd == "remove" {
		cmd = "uninstall"
	}
	if err := service.Control(s, cmd); err != nil {
		fmt.Fprintf(stderr, "Error: failed to %s service: %v\n", cmd, err)
		return core.ExitCodeError, true
	}
	fmt.Fprintf(stdout, "Service %s: ok\n", cmd)
	return core.ExitCodeSuccess, true
}

func statusText(status service.Status) string {
	switch status {
	case service.StatusRunning:
		return "Service is running"
	case service.StatusStopped:
		return "Service is stopped"
	default:
		return "Service status unknown"
	}
}
