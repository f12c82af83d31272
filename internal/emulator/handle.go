// Package emulator owns the OS process behind a session: launching it,
// watching it, probing it for readiness, and tearing it down.
package emulator

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"github.com/sirupsen/logrus"
)

// LaunchConfig identifies what to launch. The port doubles as the session
// identity: adb addresses the instance as "emulator-<port>".
type LaunchConfig struct {
	AVD  string
	Port int
}

// Serial derives the adb device serial for this config.
func (c LaunchConfig) Serial() string {
	return fmt.Sprintf("emulator-%d", c.Port)
}

// Options tune how Launch and Terminate behave.
type Options struct {
	EmulatorPath string
	// Killer performs the graceful shutdown (adb emu kill). Nil skips the
	// graceful phase and goes straight to SIGKILL after the grace period.
	Killer func(ctx context.Context, serial string) error
	// KillGrace is how long Terminate waits after the graceful request
	// before force-killing.
	KillGrace time.Duration
	// CrashWindow is how long Launch watches the new process before
	// declaring it stable. An exit inside the window is a LaunchError.
	CrashWindow time.Duration
	Log         *logrus.Entry
}

// Handle wraps one launched emulator process. One Handle exists per session;
// it is created by Launch and destroyed by Terminate (or by the process
// exiting on its own, observable via Done).
type Handle struct {
	cfg    LaunchConfig
	cmd    *exec.Cmd
	output *tailBuffer
	done   chan struct{}

	killer func(ctx context.Context, serial string) error
	grace  time.Duration
	log    *logrus.Entry

	mu         sync.Mutex
	terminated bool
}

// Launch spawns the emulator process for cfg and waits out the crash window.
// The process runs headless and read-only, matching how the instance is used:
// a capture target, not an interactive device.
func Launch(cfg LaunchConfig, opts Options) (*Handle, error) {
	if opts.EmulatorPath == "" {
		return nil, &LaunchError{Reason: "emulator tool not found"}
	}
	log := opts.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	out := newTailBuffer(8 * 1024)
	cmd := exec.Command(opts.EmulatorPath,
		"-avd", cfg.AVD,
		"-port", strconv.Itoa(cfg.Port),
		"-read-only",
		"-no-window",
		"-no-audio",
	)
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Start(); err != nil {
		return nil, &LaunchError{Reason: "starting emulator process", Err: err}
	}

	h := &Handle{
		cfg:    cfg,
		cmd:    cmd,
		output: out,
		done:   make(chan struct{}),
		killer: opts.Killer,
		grace:  opts.KillGrace,
		log:    log.WithFields(logrus.Fields{"serial": cfg.Serial(), "pid": cmd.Process.Pid}),
	}

	go func() {
		err := cmd.Wait()
		if err != nil {
			h.log.WithError(err).Debug("emulator process exited")
		}
		close(h.done)
	}()

	// Crash-on-start: an emulator that dies this fast never reached boot
	// (bad AVD name, port already bound, missing system image).
	select {
	case <-h.done:
		return nil, &LaunchError{
			Reason: "process exited during startup",
			Output: out.String(),
		}
	case <-time.After(opts.CrashWindow):
	}

	h.log.WithField("avd", cfg.AVD).Info("emulator process launched")
	return h, nil
}

// Serial returns the adb serial this handle answers to.
func (h *Handle) Serial() string { return h.cfg.Serial() }

// PID returns the OS process id.
func (h *Handle) PID() int { return h.cmd.Process.Pid }

// Done is closed when the process has exited, however that happened.
func (h *Handle) Done() <-chan struct{} { return h.done }

// OutputTail returns the most recent process output, for diagnostics.
func (h *Handle) OutputTail() string { return h.output.String() }

// Alive reports whether the process is still running. The wait channel is
// authoritative; gopsutil double-checks the PID for the window between the
// OS reaping the process and the waiter observing it.
func (h *Handle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
	}
	proc, err := process.NewProcess(int32(h.cmd.Process.Pid))
	if err != nil {
		return false
	}
	running, err := proc.IsRunning()
	if err != nil {
		// Can't tell; trust the waiter.
		return true
	}
	return running
}

// Terminate stops the process: graceful console kill first, SIGKILL once the
// grace period lapses. Safe to call multiple times and after the process has
// already exited.
func (h *Handle) Terminate(ctx context.Context) error {
	h.mu.Lock()
	already := h.terminated
	h.terminated = true
	h.mu.Unlock()

	select {
	case <-h.done:
		return nil
	default:
	}

	if already {
		// Another caller is mid-terminate; wait for it.
		select {
		case <-h.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if h.killer != nil {
		killCtx, cancel := context.WithTimeout(ctx, h.grace)
		if err := h.killer(killCtx, h.cfg.Serial()); err != nil {
			h.log.WithError(err).Debug("graceful emulator kill failed")
		}
		cancel()
	}

	select {
	case <-h.done:
		h.log.Info("emulator stopped gracefully")
		return nil
	case <-time.After(h.grace):
	case <-ctx.Done():
		return ctx.Err()
	}

	h.log.Warn("grace period expired, force-killing emulator")
	if err := h.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("force kill: %w", err)
	}
	<-h.done
	return nil
}
