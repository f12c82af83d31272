package emulator

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Device is the slice of the control transport the probe needs.
type Device interface {
	BootCompleted(ctx context.Context, serial string) (bool, error)
	Screencap(ctx context.Context, serial string) ([]byte, error)
}

// Process is the view of a launched process the probe observes while polling.
type Process interface {
	Alive() bool
	OutputTail() string
}

// Probe waits for a launched emulator to become usable. Readiness is two
// independent signals checked in sequence: the OS has finished booting, and
// the framebuffer answers with a real frame. A booted OS does not imply the
// capture subsystem is attachable yet, so both must hold.
type Probe struct {
	Device       Device
	Interval     time.Duration
	BootTimeout  time.Duration
	VideoTimeout time.Duration
	Log          *logrus.Entry
}

// AwaitReady blocks until both readiness signals hold, the process dies
// (AbnormalExitError), a phase deadline lapses (ErrReadyTimeout), or ctx is
// cancelled. On timeout the caller is responsible for terminating the handle.
func (p *Probe) AwaitReady(ctx context.Context, proc Process, serial string) error {
	log := p.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("serial", serial)

	start := time.Now()
	err := p.poll(ctx, proc, "boot", p.BootTimeout, func(ctx context.Context) (bool, error) {
		return p.Device.BootCompleted(ctx, serial)
	})
	if err != nil {
		return err
	}
	log.WithField("elapsed", time.Since(start).Round(time.Millisecond)).Debug("boot completed")

	err = p.poll(ctx, proc, "video", p.VideoTimeout, func(ctx context.Context) (bool, error) {
		frame, err := p.Device.Screencap(ctx, serial)
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			// screencap fails until surfaceflinger is up; keep polling.
			return false, nil
		}
		return len(frame) > 0, nil
	})
	if err != nil {
		return err
	}
	log.WithField("elapsed", time.Since(start).Round(time.Millisecond)).Info("emulator ready")
	return nil
}

func (p *Probe) poll(ctx context.Context, proc Process, stage string, timeout time.Duration, check func(context.Context) (bool, error)) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	for {
		if !proc.Alive() {
			return &AbnormalExitError{Output: proc.OutputTail()}
		}

		ok, err := check(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("%s: %w", stage, ErrReadyTimeout)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
