// Package supervise manages the underlying runtime processes for services
// whose descriptors declare start/stop/status commands. It is the default
// ProcessSupervisor wired into the orchestrator and the idle monitor.
package supervise

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"helmsman/internal/api"
	"helmsman/internal/registry"
	"helmsman/pkg/logging"
)

// stopGrace is how long a stopped process gets between SIGTERM and SIGKILL
// when the descriptor declares no stop command.
const stopGrace = 10 * time.Second

// Supervisor starts and stops service processes using the commands declared
// in the registry. Services managed externally (systemd, docker) declare
// stop/status commands and the supervisor shells out; services without them
// are tracked as direct child processes.
type Supervisor struct {
	registry *registry.Registry

	mu       sync.Mutex
	children map[string]*child
}

// child is a tracked process. done is closed by the reaper once the process
// has exited; readers consult it instead of the Cmd's exit state, which the
// reaper's Wait mutates.
type child struct {
	cmd  *exec.Cmd
	done chan struct{}
}

func (c *child) exited() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// New creates a Supervisor over the given registry.
func New(reg *registry.Registry) *Supervisor {
	return &Supervisor{
		registry: reg,
		children: make(map[string]*child),
	}
}

// Start launches the service's start command. For a descriptor with a status
// command the start command is treated as fire-and-forget (it asks an
// external manager to start the real process); otherwise the launched
// process is tracked as a child.
func (s *Supervisor) Start(ctx context.Context, serviceID string) error {
	spec, err := s.registry.ServiceSpec(serviceID)
	if err != nil {
		return err
	}
	if len(spec.StartCmd) == 0 {
		return fmt.Errorf("service %s declares no start command", serviceID)
	}

	if len(spec.StatusCmd) > 0 {
		// Externally managed: run the start command to completion.
		cmd := exec.CommandContext(ctx, spec.StartCmd[0], spec.StartCmd[1:]...)
		if out, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("start command for %s failed: %w (%s)", serviceID, err, string(out))
		}
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.children[serviceID]; ok && !prev.exited() {
		logging.Debug("Supervisor", "Service %s already has a live child, not starting again", serviceID)
		return nil
	}

	cmd := exec.Command(spec.StartCmd[0], spec.StartCmd[1:]...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", serviceID, err)
	}
	ch := &child{cmd: cmd, done: make(chan struct{})}
	s.children[serviceID] = ch

	// Reap in the background; done signals exit to Start/Stop/Status.
	go func() {
		if err := cmd.Wait(); err != nil {
			logging.Warn("Supervisor", "Service %s process exited: %v", serviceID, err)
		}
		close(ch.done)
	}()

	logging.Info("Supervisor", "Started %s (pid %d)", serviceID, cmd.Process.Pid)
	return nil
}

// Stop terminates the service. With a declared stop command it shells out;
// otherwise the tracked child gets SIGTERM and, after a grace period, SIGKILL.
func (s *Supervisor) Stop(ctx context.Context, serviceID string) error {
	spec, err := s.registry.ServiceSpec(serviceID)
	if err != nil {
		return err
	}

	if len(spec.StopCmd) > 0 {
		cmd := exec.CommandContext(ctx, spec.StopCmd[0], spec.StopCmd[1:]...)
		if out, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("stop command for %s failed: %w (%s)", serviceID, err, string(out))
		}
		return nil
	}

	s.mu.Lock()
	ch, ok := s.children[serviceID]
	delete(s.children, serviceID)
	s.mu.Unlock()

	if !ok || ch.cmd.Process == nil || ch.exited() {
		return nil
	}

	if err := ch.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signalling %s: %w", serviceID, err)
	}

	grace := time.NewTimer(stopGrace)
	defer grace.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch.done:
		return nil
	case <-grace.C:
		logging.Warn("Supervisor", "Service %s ignored SIGTERM, killing", serviceID)
		if err := ch.cmd.Process.Kill(); err != nil {
			return err
		}
		<-ch.done
		return nil
	}
}

// Status reports whether the service's process is running. A declared status
// command is authoritative: exit 0 means running, non-zero means stopped.
// Without one the tracked child's state is used; a service the supervisor
// never started is unknown.
func (s *Supervisor) Status(ctx context.Context, serviceID string) (api.ProcessStatus, error) {
	spec, err := s.registry.ServiceSpec(serviceID)
	if err != nil {
		return api.ProcessUnknown, err
	}

	if len(spec.StatusCmd) > 0 {
		cmd := exec.CommandContext(ctx, spec.StatusCmd[0], spec.StatusCmd[1:]...)
		if err := cmd.Run(); err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				return api.ProcessStopped, nil
			}
			return api.ProcessUnknown, fmt.Errorf("status command for %s: %w", serviceID, err)
		}
		return api.ProcessRunning, nil
	}

	s.mu.Lock()
	ch, ok := s.children[serviceID]
	s.mu.Unlock()
	if !ok {
		return api.ProcessUnknown, nil
	}
	if ch.exited() {
		return api.ProcessStopped, nil
	}
	return api.ProcessRunning, nil
}
