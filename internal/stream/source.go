package stream

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/emucast/backend/internal/metrics"
)

// Capturer pulls one raw frame from a device. Implemented by adb.Client.
type Capturer interface {
	Screencap(ctx context.Context, serial string) ([]byte, error)
}

// Options tune a Source's capture loop.
type Options struct {
	// Interval is the capture cadence (derived from the configured fps).
	Interval time.Duration
	// SubscriberBuffer is the per-viewer frame buffer depth.
	SubscriberBuffer int
	// CaptureTimeout bounds a single screencap invocation.
	CaptureTimeout time.Duration
	// MaxRetries is how many consecutive capture failures are tolerated
	// (with exponential backoff) before the stream is declared dead.
	MaxRetries int
	Log        *logrus.Entry
}

// Subscriber is one viewer's registration with a Source. Frames arrive on
// Frames(); the channel closing is the terminal "stream ended" signal, not
// an anomaly.
type Subscriber struct {
	ID string
	ch chan Frame
}

// Frames returns the delivery channel. It is closed when the subscriber is
// unsubscribed or the source stops.
func (s *Subscriber) Frames() <-chan Frame { return s.ch }

// Source runs the capture loop for one session and fans frames out to its
// subscribers. Create with New, start with Start, stop with Stop. A Source
// is not restartable; the owning session creates a new one if needed.
type Source struct {
	serial string
	cap    Capturer
	opts   Options
	log    *logrus.Entry

	mu     sync.Mutex
	subs   map[string]*Subscriber
	closed bool

	seq  uint64
	stop chan struct{}
	done chan struct{}

	stopOnce sync.Once
}

// New creates a Source for serial. It does not start capturing.
func New(serial string, cap Capturer, opts Options) *Source {
	log := opts.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Source{
		serial: serial,
		cap:    cap,
		opts:   opts,
		log:    log.WithField("serial", serial),
		subs:   make(map[string]*Subscriber),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the capture loop. ctx cancellation stops it like Stop does.
func (s *Source) Start(ctx context.Context) {
	go s.run(ctx)
}

// Stop halts capture and delivers the terminal signal to all subscribers.
// Idempotent.
func (s *Source) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Done is closed once the capture loop has exited and all subscriber
// channels are closed, whether by Stop or by persistent capture failure.
func (s *Source) Done() <-chan struct{} { return s.done }

// Subscribe registers a new viewer. Subscribing to a stopped source returns
// a subscriber whose channel is already closed.
func (s *Source) Subscribe() *Subscriber {
	sub := &Subscriber{
		ID: uuid.NewString(),
		ch: make(chan Frame, s.opts.SubscriberBuffer),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		close(sub.ch)
		return sub
	}
	s.subs[sub.ID] = sub
	metrics.SubscribersActive.Inc()
	return sub
}

// Unsubscribe removes a viewer and closes its channel. Removing a subscriber
// never affects frames delivered to others. Idempotent.
func (s *Source) Unsubscribe(sub *Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[sub.ID]; !ok {
		return
	}
	delete(s.subs, sub.ID)
	close(sub.ch)
	metrics.SubscribersActive.Dec()
}

// SubscriberCount reports the current number of attached viewers.
func (s *Source) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *Source) run(ctx context.Context) {
	defer s.terminate()

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
		}

		capCtx, cancel := context.WithTimeout(ctx, s.opts.CaptureTimeout)
		data, err := s.cap.Screencap(capCtx, s.serial)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			metrics.CaptureErrorsTotal.Inc()
			s.log.WithError(err).WithField("failures", failures).Warn("frame capture failed")
			if failures > s.opts.MaxRetries {
				s.log.Error("capture failing persistently, ending stream")
				return
			}
			// Exponential backoff before the next attempt, bounded so a
			// recovering emulator is picked up quickly.
			backoff := s.opts.Interval << failures
			if backoff > 2*time.Second {
				backoff = 2 * time.Second
			}
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-time.After(backoff):
			}
			continue
		}

		failures = 0
		s.seq++
		metrics.FramesCapturedTotal.Inc()
		s.deliver(Frame{Seq: s.seq, Data: data, CapturedAt: time.Now()})
	}
}

// deliver pushes a frame to every subscriber without blocking. A full buffer
// has its oldest frame evicted first (latest-frame-wins); if the race loses
// again the frame is dropped for that subscriber only.
func (s *Source) deliver(f Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		select {
		case sub.ch <- f:
			continue
		default:
		}
		select {
		case <-sub.ch:
			metrics.FramesDroppedTotal.Inc()
		default:
		}
		select {
		case sub.ch <- f:
		default:
			metrics.FramesDroppedTotal.Inc()
		}
	}
}

// terminate closes all subscriber channels and marks the source dead.
func (s *Source) terminate() {
	s.mu.Lock()
	s.closed = true
	for id, sub := range s.subs {
		delete(s.subs, id)
		close(sub.ch)
		metrics.SubscribersActive.Dec()
	}
	s.mu.Unlock()
	close(s.done)
	s.log.Debug("frame source terminated")
}
