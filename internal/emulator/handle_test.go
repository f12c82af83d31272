package emulator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"
)

// fakeEmulator writes a shell script that stands in for the emulator binary.
// The script ignores the launch flags, like the real tool it outlives Launch.
func fakeEmulator(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "emulator")
	content := "#!/bin/sh\n" + script + "\n"
	if err := os.WriteFile(path, []byte(content), 0o755); err != nil {
		t.Fatalf("writing fake emulator: %v", err)
	}
	return path
}

func launchOpts(path string) Options {
	return Options{
		EmulatorPath: path,
		KillGrace:    200 * time.Millisecond,
		CrashWindow:  100 * time.Millisecond,
	}
}

func TestLaunch(t *testing.T) {
	h, err := Launch(LaunchConfig{AVD: "Pixel_7", Port: 5554}, launchOpts(fakeEmulator(t, "sleep 60")))
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	defer h.Terminate(context.Background())

	if h.Serial() != "emulator-5554" {
		t.Errorf("Serial = %q, want emulator-5554", h.Serial())
	}
	if h.PID() <= 0 {
		t.Errorf("PID = %d, want > 0", h.PID())
	}
	if !h.Alive() {
		t.Error("Alive = false for a running process")
	}
	select {
	case <-h.Done():
		t.Error("Done closed while process still running")
	default:
	}
}

func TestLaunchCrashOnStart(t *testing.T) {
	_, err := Launch(LaunchConfig{AVD: "Broken", Port: 5556}, launchOpts(fakeEmulator(t, "echo boom >&2; exit 1")))
	if err == nil {
		t.Fatal("expected LaunchError for crash-on-start")
	}
	var launchErr *LaunchError
	if !errors.As(err, &launchErr) {
		t.Fatalf("error type = %T, want *LaunchError", err)
	}
	if !strings.Contains(launchErr.Output, "boom") {
		t.Errorf("LaunchError.Output = %q, want process output included", launchErr.Output)
	}
}

func TestLaunchMissingTool(t *testing.T) {
	tests := []struct {
		name string
		path string
	}{
		{"EmptyPath", ""},
		{"NonexistentBinary", "/nonexistent/emulator"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Launch(LaunchConfig{AVD: "X", Port: 5554}, launchOpts(tt.path))
			var launchErr *LaunchError
			if !errors.As(err, &launchErr) {
				t.Fatalf("error = %v, want *LaunchError", err)
			}
		})
	}
}

func TestTerminateGraceful(t *testing.T) {
	opts := launchOpts(fakeEmulator(t, "sleep 60"))

	var kills atomic.Int32
	var pid int
	// Stands in for "adb emu kill": terminates the process out of band.
	opts.Killer = func(ctx context.Context, serial string) error {
		kills.Add(1)
		return syscall.Kill(pid, syscall.SIGTERM)
	}

	h, err := Launch(LaunchConfig{AVD: "Pixel_7", Port: 5554}, opts)
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	pid = h.PID()

	if err := h.Terminate(context.Background()); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if kills.Load() != 1 {
		t.Errorf("killer invoked %d times, want 1", kills.Load())
	}
	if h.Alive() {
		t.Error("Alive = true after Terminate")
	}

	// Idempotent: a second Terminate is a no-op.
	if err := h.Terminate(context.Background()); err != nil {
		t.Fatalf("second Terminate: %v", err)
	}
	if kills.Load() != 1 {
		t.Errorf("killer invoked %d times after double terminate, want 1", kills.Load())
	}
}

func TestTerminateForceKill(t *testing.T) {
	opts := launchOpts(fakeEmulator(t, "trap '' TERM; sleep 60"))
	opts.Killer = func(ctx context.Context, serial string) error {
		return errors.New("console unreachable")
	}

	h, err := Launch(LaunchConfig{AVD: "Pixel_7", Port: 5558}, opts)
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}

	if err := h.Terminate(context.Background()); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("process not dead after force kill")
	}
}

func TestAliveAfterSelfExit(t *testing.T) {
	opts := launchOpts(fakeEmulator(t, "sleep 0.2"))
	h, err := Launch(LaunchConfig{AVD: "Pixel_7", Port: 5560}, opts)
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}

	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done not closed after process exit")
	}
	if h.Alive() {
		t.Error("Alive = true after process exited on its own")
	}
	// Terminate after self-exit is a no-op.
	if err := h.Terminate(context.Background()); err != nil {
		t.Fatalf("Terminate after exit: %v", err)
	}
}

func TestTailBuffer(t *testing.T) {
	tb := newTailBuffer(8)
	tb.Write([]byte("0123456789"))
	if got := tb.String(); got != "23456789" {
		t.Errorf("tail = %q, want last 8 bytes", got)
	}
	tb.Write([]byte("ab"))
	if got := tb.String(); got != "456789ab" {
		t.Errorf("tail after second write = %q, want 456789ab", got)
	}
}
