// Package registry owns session lifecycle: creation, reuse, lookup, and
// teardown of emulator instances and their frame sources. It is the only
// component that mutates the serial→session mapping; everything else holds
// serials and asks the registry.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/emucast/backend/internal/config"
	"github.com/emucast/backend/internal/emulator"
	"github.com/emucast/backend/internal/metrics"
	"github.com/emucast/backend/internal/stream"
)

var (
	// ErrNotFound means the serial has no registered session. A client
	// error, not a system fault.
	ErrNotFound = errors.New("session not found")

	// ErrInvalidPort rejects ports outside the configured even range.
	ErrInvalidPort = errors.New("port must be an even number within the configured range")

	// ErrPortConflict rejects a start whose port already runs a different
	// AVD. Carried inside the LaunchError so callers can match either.
	ErrPortConflict = errors.New("port already runs a different avd")

	// ErrSessionStopping rejects a start against a serial mid-teardown.
	// Callers retry once the teardown has finished.
	ErrSessionStopping = errors.New("session is stopping, retry shortly")

	// ErrTooManySessions enforces the configured session cap.
	ErrTooManySessions = errors.New("session limit reached")
)

// Handle is the registry's view of a launched emulator process.
// *emulator.Handle implements it; tests substitute fakes.
type Handle interface {
	Serial() string
	PID() int
	Alive() bool
	Done() <-chan struct{}
	OutputTail() string
	Terminate(ctx context.Context) error
}

// Launcher starts the emulator process for a config.
type Launcher interface {
	Launch(cfg emulator.LaunchConfig) (Handle, error)
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(cfg emulator.LaunchConfig) (Handle, error)

func (f LauncherFunc) Launch(cfg emulator.LaunchConfig) (Handle, error) { return f(cfg) }

// ReadyWaiter gates a launched process until it is usable.
// *emulator.Probe implements it.
type ReadyWaiter interface {
	AwaitReady(ctx context.Context, proc emulator.Process, serial string) error
}

// Device is the transport slice the registry needs: frame capture for the
// sources it creates, and console kill for stale-instance cleanup.
type Device interface {
	Screencap(ctx context.Context, serial string) ([]byte, error)
	EmuKill(ctx context.Context, serial string) error
}

// Registry is the concurrency-safe serial→Session map. The map mutex is held
// only for map operations, never across a launch: a slow boot on one port
// does not block lookups of unrelated sessions. Duplicate concurrent
// creation of one serial collapses into a single launch via singleflight.
type Registry struct {
	cfg        config.RegistryConfig
	streamOpts stream.Options
	launcher   Launcher
	probe      ReadyWaiter
	device     Device
	log        *logrus.Entry

	// readyBudget bounds the whole launch+readiness sequence.
	readyBudget time.Duration

	mu       sync.RWMutex
	sessions map[string]*Session

	group singleflight.Group
}

// New wires a Registry. readyBudget should cover boot plus video timeouts.
func New(cfg config.RegistryConfig, streamOpts stream.Options, launcher Launcher, probe ReadyWaiter, device Device, readyBudget time.Duration, log *logrus.Entry) *Registry {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Registry{
		cfg:         cfg,
		streamOpts:  streamOpts,
		launcher:    launcher,
		probe:       probe,
		device:      device,
		readyBudget: readyBudget,
		log:         log,
		sessions:    make(map[string]*Session),
	}
}

// Serial derives the adb device serial for a console port.
func Serial(port int) string {
	return fmt.Sprintf("emulator-%d", port)
}

// GetOrCreate returns the live session for (name, port), creating it if
// needed. Idempotent: a live session with the same AVD is returned as is.
// Concurrent calls for the same new serial perform exactly one launch; the
// losers receive the winner's result. The session is installed only after
// readiness, so no caller ever observes a half-initialized session.
//
// The launch sequence runs on a detached context: a caller abandoning its
// request does not orphan the launch; it completes, registers, and is
// reused or swept later.
func (r *Registry) GetOrCreate(ctx context.Context, name string, port int) (*Session, error) {
	if port%2 != 0 || port < r.cfg.PortMin || port > r.cfg.PortMax {
		return nil, fmt.Errorf("%w: got %d, range %d..%d", ErrInvalidPort, port, r.cfg.PortMin, r.cfg.PortMax)
	}
	serial := Serial(port)

	if sess, decided, err := r.reusable(serial, name); decided {
		return sess, err
	}

	ch := r.group.DoChan(serial, func() (interface{}, error) {
		return r.create(name, port, serial)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Session), nil
	case <-ctx.Done():
		// The launch keeps going; the session will be registered for
		// later reuse or explicit teardown.
		return nil, ctx.Err()
	}
}

// reusable resolves the idempotent-start fast path. decided=false means no
// existing session settles the call and creation should proceed.
func (r *Registry) reusable(serial, name string) (sess *Session, decided bool, err error) {
	r.mu.RLock()
	sess, ok := r.sessions[serial]
	r.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}

	switch sess.State() {
	case Stopping, Stopped:
		return nil, true, ErrSessionStopping
	}
	if sess.AVD() != name {
		return nil, true, &emulator.LaunchError{
			Reason: fmt.Sprintf("port %d already runs AVD %q", sess.Port(), sess.AVD()),
			Err:    ErrPortConflict,
		}
	}
	sess.Touch()
	return sess, true, nil
}

func (r *Registry) create(name string, port int, serial string) (*Session, error) {
	// Re-check under the singleflight: a loser of a previous flight may
	// arrive here after the winner installed the session.
	if sess, decided, err := r.reusable(serial, name); decided {
		return sess, err
	}

	if r.cfg.MaxSessions > 0 && r.liveCount() >= r.cfg.MaxSessions {
		return nil, fmt.Errorf("%w: max %d", ErrTooManySessions, r.cfg.MaxSessions)
	}

	log := r.log.WithFields(logrus.Fields{"serial": serial, "avd": name})

	// Detached from any request context; bounded by the ready budget.
	ctx, cancel := context.WithTimeout(context.Background(), r.readyBudget)
	defer cancel()

	// A stale emulator from a previous run may still own the port. Ask it
	// to die; failure just means nothing was there.
	if err := r.device.EmuKill(ctx, serial); err == nil {
		log.Info("killed stale emulator on target port")
	}

	handle, err := r.launcher.Launch(emulator.LaunchConfig{AVD: name, Port: port})
	if err != nil {
		metrics.LaunchesTotal.WithLabelValues("launch_error").Inc()
		return nil, err
	}

	sess := newSession(serial, name, port, handle)
	sess.advance(Booting)
	log.Info("waiting for emulator readiness")

	if err := r.probe.AwaitReady(ctx, handle, serial); err != nil {
		// Timeout and abnormal exit both end the attempt; the caller
		// owns nothing, so the process must not be left behind.
		metrics.LaunchesTotal.WithLabelValues("not_ready").Inc()
		termCtx, termCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer termCancel()
		if termErr := handle.Terminate(termCtx); termErr != nil {
			log.WithError(termErr).Warn("terminating unready emulator failed")
		}
		return nil, err
	}

	sess.source = stream.New(serial, r.device, r.streamOpts)
	sess.source.Start(context.Background())
	sess.advance(Streaming)

	r.mu.Lock()
	r.sessions[serial] = sess
	r.mu.Unlock()
	metrics.SessionsActive.Inc()
	metrics.LaunchesTotal.WithLabelValues("ok").Inc()
	log.WithField("pid", handle.PID()).Info("session streaming")

	go r.watch(sess)
	return sess, nil
}

// watch tears the session down when its process dies or its stream ends on
// its own (persistent capture failure).
func (r *Registry) watch(sess *Session) {
	select {
	case <-sess.handle.Done():
		r.log.WithField("serial", sess.serial).Warn("emulator process exited, removing session")
	case <-sess.source.Done():
		r.log.WithField("serial", sess.serial).Warn("frame source terminated, removing session")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = r.Remove(ctx, sess.serial)
}

// Get returns the session for serial, or ErrNotFound.
func (r *Registry) Get(serial string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[serial]
	if !ok {
		return nil, ErrNotFound
	}
	return sess, nil
}

// List returns snapshots of all registered sessions.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.mu.RUnlock()

	snaps := make([]Snapshot, 0, len(sessions))
	for _, sess := range sessions {
		snaps = append(snaps, sess.Snapshot())
	}
	return snaps
}

// FrameSource resolves the capture pipeline for serial, for the stream
// multiplexer. Attaching counts as activity.
func (r *Registry) FrameSource(serial string) (*stream.Source, error) {
	sess, err := r.Get(serial)
	if err != nil {
		return nil, err
	}
	sess.Touch()
	return sess.source, nil
}

// Touch resets the idle clock for serial, if it exists.
func (r *Registry) Touch(serial string) {
	if sess, err := r.Get(serial); err == nil {
		sess.Touch()
	}
}

// Remove tears the session down: frame source first, then the process, then
// the map entry. Safe to call concurrently with itself and with in-flight
// subscribe/unsubscribe; only the first caller performs the teardown.
func (r *Registry) Remove(ctx context.Context, serial string) error {
	sess, err := r.Get(serial)
	if err != nil {
		return err
	}
	if !sess.advance(Stopping) {
		// Another goroutine is already past Stopping.
		return nil
	}

	log := r.log.WithField("serial", serial)
	log.Info("tearing down session")

	sess.source.Stop()
	<-sess.source.Done()

	if err := sess.handle.Terminate(ctx); err != nil {
		log.WithError(err).Warn("terminating emulator failed")
	}
	sess.advance(Stopped)

	r.mu.Lock()
	delete(r.sessions, serial)
	r.mu.Unlock()
	metrics.SessionsActive.Dec()
	log.Info("session removed")
	return nil
}

// StartSweeper runs the idle scan until ctx ends. One scan walks all
// sessions and removes those with no viewers and no recent activity; a
// single sweep goroutine replaces per-session timers.
func (r *Registry) StartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(r.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.sweep(ctx)
			}
		}
	}()
}

func (r *Registry) sweep(ctx context.Context) {
	r.mu.RLock()
	candidates := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		candidates = append(candidates, sess)
	}
	r.mu.RUnlock()

	cutoff := time.Now().Add(-r.cfg.IdleTimeout)
	for _, sess := range candidates {
		if sess.State() != Streaming {
			continue
		}
		if sess.Subscribers() > 0 {
			continue
		}
		if sess.lastActivityAt().After(cutoff) {
			continue
		}
		r.log.WithField("serial", sess.serial).Info("idle timeout, sweeping session")
		_ = r.Remove(ctx, sess.serial)
	}
}

// Shutdown removes every session, for process exit.
func (r *Registry) Shutdown(ctx context.Context) {
	for _, snap := range r.List() {
		_ = r.Remove(ctx, snap.Serial)
	}
}

func (r *Registry) liveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
