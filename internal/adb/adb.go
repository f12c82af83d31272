// Package adb is the device control transport: it locates the Android SDK
// command-line tools and issues one-shot commands against a running emulator
// identified by its serial. Callers treat every command as an opaque
// synchronous call bounded by the supplied context.
package adb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ErrToolMissing is returned when a required SDK tool could not be located.
var ErrToolMissing = errors.New("sdk tool not found")

// Tools holds resolved paths to the SDK command-line tools. An empty path
// means the tool was not found; commands needing it fail with ErrToolMissing.
type Tools struct {
	ADB      string
	Emulator string
}

// FindTools locates adb and emulator, preferring explicit overrides, then
// PATH, then the ANDROID_SDK_ROOT layout.
func FindTools(adbOverride, emulatorOverride string) Tools {
	sdkRoot := os.Getenv("ANDROID_SDK_ROOT")
	return Tools{
		ADB:      resolveTool(adbOverride, "adb", filepath.Join(sdkRoot, "platform-tools", "adb")),
		Emulator: resolveTool(emulatorOverride, "emulator", filepath.Join(sdkRoot, "emulator", "emulator")),
	}
}

func resolveTool(override, name, fallback string) string {
	if override != "" {
		return override
	}
	if path, err := exec.LookPath(name); err == nil {
		return path
	}
	if _, err := os.Stat(fallback); err == nil {
		return fallback
	}
	return ""
}

// runner executes a command and returns its stdout. Swapped out in tests.
type runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
			return out, fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return out, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

// Client issues adb commands against devices. Safe for concurrent use; each
// call spawns an independent subprocess.
type Client struct {
	tools Tools
	run   runner
}

func NewClient(tools Tools) *Client {
	return &Client{tools: tools, run: execRunner}
}

func (c *Client) adb(ctx context.Context, serial string, args ...string) ([]byte, error) {
	if c.tools.ADB == "" {
		return nil, fmt.Errorf("adb: %w", ErrToolMissing)
	}
	full := append([]string{"-s", serial}, args...)
	return c.run(ctx, c.tools.ADB, full...)
}

// BootCompleted reports whether the device's init system has finished booting
// (getprop sys.boot_completed == "1"). A command failure while the emulator
// is still starting up is reported as (false, nil): adb routinely errors
// until the device is visible, and the probe treats that as "not yet".
func (c *Client) BootCompleted(ctx context.Context, serial string) (bool, error) {
	if c.tools.ADB == "" {
		return false, fmt.Errorf("adb: %w", ErrToolMissing)
	}
	out, err := c.adb(ctx, serial, "shell", "getprop", "sys.boot_completed")
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, nil
	}
	return string(bytes.TrimSpace(out)) == "1", nil
}

// Screencap captures the device framebuffer as a PNG image.
func (c *Client) Screencap(ctx context.Context, serial string) ([]byte, error) {
	out, err := c.adb(ctx, serial, "exec-out", "screencap", "-p")
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, errors.New("screencap: empty frame")
	}
	return out, nil
}

// EmuKill asks the emulator console to shut the instance down.
func (c *Client) EmuKill(ctx context.Context, serial string) error {
	_, err := c.adb(ctx, serial, "emu", "kill")
	return err
}

// StartActivity launches an activity via the activity manager, e.g.
// StartActivity(ctx, serial, "-a", "android.intent.action.DIAL").
func (c *Client) StartActivity(ctx context.Context, serial string, intentArgs ...string) error {
	args := append([]string{"shell", "am", "start"}, intentArgs...)
	_, err := c.adb(ctx, serial, args...)
	return err
}

// EmulatorPath returns the resolved emulator binary path, or ErrToolMissing.
func (c *Client) EmulatorPath() (string, error) {
	if c.tools.Emulator == "" {
		return "", fmt.Errorf("emulator: %w", ErrToolMissing)
	}
	return c.tools.Emulator, nil
}
