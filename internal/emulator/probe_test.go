package emulator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// scriptedDevice reports boot/video readiness after a set number of polls.
type scriptedDevice struct {
	mu         sync.Mutex
	bootCalls  int
	videoCalls int
	bootAfter  int // boot completes on the Nth call; 0 = never
	videoAfter int
}

func (d *scriptedDevice) BootCompleted(ctx context.Context, serial string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bootCalls++
	return d.bootAfter > 0 && d.bootCalls >= d.bootAfter, nil
}

func (d *scriptedDevice) Screencap(ctx context.Context, serial string) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.videoCalls++
	if d.videoAfter > 0 && d.videoCalls >= d.videoAfter {
		return []byte("\x89PNG"), nil
	}
	return nil, errors.New("framebuffer not ready")
}

// fakeProc lets tests flip process liveness mid-poll.
type fakeProc struct {
	mu    sync.Mutex
	alive bool
	tail  string
}

func (p *fakeProc) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alive
}

func (p *fakeProc) OutputTail() string { return p.tail }

func (p *fakeProc) kill() {
	p.mu.Lock()
	p.alive = false
	p.mu.Unlock()
}

func newProbe(d Device) *Probe {
	return &Probe{
		Device:       d,
		Interval:     time.Millisecond,
		BootTimeout:  100 * time.Millisecond,
		VideoTimeout: 100 * time.Millisecond,
	}
}

func TestAwaitReady(t *testing.T) {
	dev := &scriptedDevice{bootAfter: 3, videoAfter: 2}
	p := newProbe(dev)

	err := p.AwaitReady(context.Background(), &fakeProc{alive: true}, "emulator-5554")
	if err != nil {
		t.Fatalf("AwaitReady: %v", err)
	}
	if dev.bootCalls < 3 {
		t.Errorf("bootCalls = %d, want >= 3 (polled until ready)", dev.bootCalls)
	}
	if dev.videoCalls < 2 {
		t.Errorf("videoCalls = %d, want >= 2", dev.videoCalls)
	}
}

func TestAwaitReadyBootTimeout(t *testing.T) {
	p := newProbe(&scriptedDevice{}) // never boots
	p.BootTimeout = 30 * time.Millisecond

	start := time.Now()
	err := p.AwaitReady(context.Background(), &fakeProc{alive: true}, "emulator-5554")
	if !errors.Is(err, ErrReadyTimeout) {
		t.Fatalf("error = %v, want ErrReadyTimeout", err)
	}
	if elapsed := time.Since(start); elapsed < p.BootTimeout {
		t.Errorf("failed after %s, want >= %s", elapsed, p.BootTimeout)
	}
}

func TestAwaitReadyVideoTimeout(t *testing.T) {
	// Boot succeeds immediately; the framebuffer never does.
	p := newProbe(&scriptedDevice{bootAfter: 1})
	p.VideoTimeout = 30 * time.Millisecond

	err := p.AwaitReady(context.Background(), &fakeProc{alive: true}, "emulator-5554")
	if !errors.Is(err, ErrReadyTimeout) {
		t.Fatalf("error = %v, want ErrReadyTimeout", err)
	}
}

func TestAwaitReadyAbnormalExit(t *testing.T) {
	// The process dies while polling: fail immediately, not at the deadline.
	p := newProbe(&scriptedDevice{}) // never boots
	p.BootTimeout = 5 * time.Second

	proc := &fakeProc{alive: true, tail: "segfault"}
	go func() {
		time.Sleep(10 * time.Millisecond)
		proc.kill()
	}()

	start := time.Now()
	err := p.AwaitReady(context.Background(), proc, "emulator-5554")
	var exitErr *AbnormalExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("error = %v, want *AbnormalExitError", err)
	}
	if exitErr.Output != "segfault" {
		t.Errorf("Output = %q, want process tail", exitErr.Output)
	}
	if time.Since(start) > time.Second {
		t.Error("abnormal exit detection waited for the timeout instead of failing fast")
	}
}

func TestAwaitReadyContextCancelled(t *testing.T) {
	p := newProbe(&scriptedDevice{})
	p.BootTimeout = 5 * time.Second

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := p.AwaitReady(ctx, &fakeProc{alive: true}, "emulator-5554")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
}
